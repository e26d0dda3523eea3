// Package transport moves the agent's outbound envelopes to the
// controller and back across substitutable carriers. It abstracts the
// underlying channel and keeps the failure handling that decides whether
// the agent keeps running at all: per-host retry accounting, host
// rotation, proxy re-discovery and peer-disconnect detection.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Status codes for transport operations.
const (
	ErrNone            byte = 0 // Operation completed successfully
	ErrContextCanceled byte = 2 // Context was canceled during operation

	// Protocol errors (10-19)
	ErrNoData       byte = 10 // No complete message has arrived yet
	ErrInvalidFrame byte = 11 // Frame malformed or not addressed to this agent
	ErrExhausted    byte = 12 // Every configured destination is dead

	// Transport errors (20-29)
	ErrTransportClosed  byte = 20 // Peer is gone or channel permanently closed
	ErrTransportTimeout byte = 21 // Operation exceeded time limit
	ErrTransportError   byte = 22 // Generic transport error
)

// Carrier is one concrete channel to the controller. Operations are
// synchronous and blocking; callers serialize Send and Recv on a single
// carrier instance.
type Carrier interface {
	// Send transmits one envelope. Carriers with a request/response shape
	// return the response body; one-way carriers return a nil payload and
	// deliver inbound traffic through Recv.
	Send(ctx context.Context, data []byte) ([]byte, byte)

	// Recv retrieves one already-arrived message. ErrNoData means nothing
	// complete has arrived and is distinct from a real failure.
	Recv(ctx context.Context) ([]byte, byte)

	// Connected reports whether the carrier believes its session is live.
	Connected() bool

	// Close releases the session and any platform handles.
	Close()
}

// Cipher is the opaque envelope transform applied in place before and
// after transport. The transform must be its own inverse.
type Cipher interface {
	Apply(buf []byte) error
}

// TokenGuard pauses impersonation around a blocking network call. Drop
// and Restore are always paired; sends are serialized so the pairing
// stays balanced.
type TokenGuard interface {
	Drop()
	Restore()
}

// RandomUint32 returns an unbiased 32-bit value from the system CSPRNG.
// Destination and endpoint selection use it so rotation patterns are not
// predictable from a seed.
func RandomUint32() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// Retry configuration for carriers that poll their channel.
const (
	InitialRetryDelay = 50 * time.Millisecond // Starting delay between retries
	MaxRetryDelay     = 3 * time.Second       // Maximum delay between retries
	BackoffFactor     = 1.5                   // Multiplier for exponential backoff
)

// WaitDelay sleeps for the current retry delay and returns the next one,
// growing by BackoffFactor up to MaxRetryDelay. Returns ErrContextCanceled
// if the context ends first.
func WaitDelay(ctx context.Context, retryDelay time.Duration) (time.Duration, byte) {
	select {
	case <-ctx.Done():
		return 0, ErrContextCanceled
	case <-time.After(retryDelay):
		retryDelay = time.Duration(float64(retryDelay) * BackoffFactor)
		if retryDelay > MaxRetryDelay {
			retryDelay = MaxRetryDelay
		}
		return retryDelay, ErrNone
	}
}
