package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Pipe framing: [4-byte LE agent identifier][4-byte LE payload length][payload].
const (
	frameIDSize     = 4
	frameLenSize    = 4
	frameHeaderSize = frameIDSize + frameLenSize
)

// pipeBufferMax sizes the platform pipe buffers.
const pipeBufferMax = 0x10000

// peekTimeout bounds the non-destructive availability check performed by
// Recv. Data still in flight after the deadline shows up on a later call.
const peekTimeout = 50 * time.Millisecond

// PipeCarrier is the named-endpoint IPC carrier. The agent is the
// listening side: the first send creates the endpoint, blocks until a
// companion process connects, then exchanges framed messages with it.
// The pipe is shared infrastructure, so inbound frames not addressed to
// this agent's identifier are rejected.
type PipeCarrier struct {
	name    string
	agentID uint32

	// listen is replaceable in tests.
	listen func(name string) (net.Listener, error)

	ln        net.Listener
	conn      net.Conn
	pending   []byte
	connected bool
}

// NewPipeCarrier creates a carrier for the named endpoint. The platform
// listener grants broad peer access so companion processes under other
// accounts or integrity levels can connect.
func NewPipeCarrier(name string, agentID uint32) *PipeCarrier {
	return &PipeCarrier{
		name:    name,
		agentID: agentID,
		listen:  listenPipe,
	}
}

// Send writes one framed envelope. When no peer is connected yet it
// creates the endpoint and blocks for a connection first. A write failure
// that means the peer is gone tears the connection down and fails; other
// write failures are logged and the call still reports success, since the
// caller detects real failure on the next recv.
func (c *PipeCarrier) Send(ctx context.Context, data []byte) ([]byte, byte) {
	if ctx.Err() != nil {
		return nil, ErrContextCanceled
	}

	if c.conn == nil {
		if code := c.awaitPeer(); code != ErrNone {
			return nil, code
		}

		// Hand the pending message straight to the new peer.
		return nil, c.writeFrame(data)
	}

	if code := c.writeFrame(data); code != ErrNone {
		if code == ErrTransportClosed {
			c.conn.Close()
			c.conn = nil
			c.connected = false
			return nil, ErrTransportClosed
		}
		log.Debug().Msg("pipe write failed, deferring to next recv")
	}

	return nil, ErrNone
}

// awaitPeer creates the endpoint if needed and blocks until a companion
// process connects.
func (c *PipeCarrier) awaitPeer() byte {
	if c.ln == nil {
		ln, err := c.listen(c.name)
		if err != nil {
			log.Debug().Err(err).Str("pipe", c.name).Msg("creating pipe failed")
			return ErrTransportError
		}
		c.ln = ln
	}

	conn, err := c.ln.Accept()
	if err != nil {
		log.Debug().Err(err).Str("pipe", c.name).Msg("waiting for peer failed")
		return ErrTransportError
	}

	c.conn = conn
	c.connected = true

	return ErrNone
}

func (c *PipeCarrier) writeFrame(data []byte) byte {
	frame := make([]byte, frameHeaderSize+len(data))
	binary.LittleEndian.PutUint32(frame[0:frameIDSize], c.agentID)
	binary.LittleEndian.PutUint32(frame[frameIDSize:frameHeaderSize], uint32(len(data)))
	copy(frame[frameHeaderSize:], data)

	if _, err := c.conn.Write(frame); err != nil {
		log.Debug().Err(err).Msg("pipe write failed")
		if isPeerGone(err) {
			return ErrTransportClosed
		}
		return ErrTransportError
	}

	return ErrNone
}

// Recv retrieves one already-arrived frame. ErrNoData means no complete
// frame is waiting and is not an error. A frame carrying a foreign agent
// identifier, or any read failure past the header, marks the session
// disconnected.
func (c *PipeCarrier) Recv(ctx context.Context) ([]byte, byte) {
	if ctx.Err() != nil {
		return nil, ErrContextCanceled
	}

	if c.conn == nil {
		return nil, ErrNoData
	}

	if code := c.fill(); code != ErrNone {
		// The availability check itself failed: the peer is gone.
		c.connected = false
		return nil, code
	}

	if len(c.pending) < frameHeaderSize {
		if len(c.pending) > 0 {
			log.Debug().Int("bytes", len(c.pending)).Msg("partial frame header in pipe")
		}
		return nil, ErrNoData
	}

	id := binary.LittleEndian.Uint32(c.pending[0:frameIDSize])
	if id != c.agentID {
		log.Debug().Uint32("id", id).Msg("frame not addressed to this agent")
		c.connected = false
		return nil, ErrInvalidFrame
	}

	size := binary.LittleEndian.Uint32(c.pending[frameIDSize:frameHeaderSize])

	payload := make([]byte, size)
	n := copy(payload, c.pending[frameHeaderSize:])
	c.pending = c.pending[frameHeaderSize+n:]

	if n < int(size) {
		if _, err := io.ReadFull(c.conn, payload[n:]); err != nil {
			log.Debug().Err(err).Uint32("size", size).Msg("reading frame payload failed")
			c.connected = false
			return nil, ErrTransportError
		}
	}

	return payload, ErrNone
}

// fill is the Go rendition of a non-destructive pipe peek: one
// deadline-bounded read appended to the pending buffer. A deadline expiry
// just means nothing more has arrived; any other failure means the peer
// is gone.
func (c *PipeCarrier) fill() byte {
	c.conn.SetReadDeadline(time.Now().Add(peekTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, pipeBufferMax)
	n, err := c.conn.Read(buf)
	if n > 0 {
		c.pending = append(c.pending, buf[:n]...)
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrNone
		}
		log.Debug().Err(err).Msg("pipe peek failed")
		return ErrTransportClosed
	}

	return ErrNone
}

// isPeerGone classifies write errors that mean the companion process
// disconnected or the pipe is closing.
func isPeerGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// Connected reports whether a peer is attached and the last exchange
// looked healthy.
func (c *PipeCarrier) Connected() bool {
	return c.connected
}

// Close releases the connection and the endpoint.
func (c *PipeCarrier) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.ln != nil {
		c.ln.Close()
		c.ln = nil
	}
	c.connected = false
	c.pending = nil
}
