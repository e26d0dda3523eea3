package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"
)

const testAgentID = 0xAABBCCDD

// pipePair wires a carrier to an in-test peer over a Unix socket.
func pipePair(t *testing.T) (*PipeCarrier, net.Conn) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "p.sock")

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	peer, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	c := NewPipeCarrier("p", testAgentID)
	c.ln = ln
	c.conn = conn
	c.connected = true
	t.Cleanup(c.Close)

	return c, peer
}

// frame builds a wire frame with the given identifier.
func frame(id uint32, payload []byte) []byte {
	f := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(f[0:], id)
	binary.LittleEndian.PutUint32(f[4:], uint32(len(payload)))
	copy(f[frameHeaderSize:], payload)
	return f
}

func TestPipeSendFrames(t *testing.T) {
	c, peer := pipePair(t)

	payload := []byte("outbound envelope")
	done := make(chan byte, 1)
	go func() {
		_, code := c.Send(context.Background(), payload)
		done <- code
	}()

	got := make([]byte, frameHeaderSize+len(payload))
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(peer, got); err != nil {
		t.Fatalf("reading frame: %v", err)
	}

	if code := <-done; code != ErrNone {
		t.Fatalf("Send = %d, want ErrNone", code)
	}
	if !bytes.Equal(got, frame(testAgentID, payload)) {
		t.Fatalf("frame on the wire = %x, want %x", got, frame(testAgentID, payload))
	}
}

func TestPipeRecvRoundTrip(t *testing.T) {
	c, peer := pipePair(t)

	payload := []byte("inbound envelope")
	if _, err := peer.Write(frame(testAgentID, payload)); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	data, code := c.Recv(context.Background())
	if code != ErrNone {
		t.Fatalf("Recv = %d, want ErrNone", code)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("Recv payload = %q, want %q", data, payload)
	}
	if !c.Connected() {
		t.Fatal("session marked disconnected after a clean recv")
	}
}

func TestPipeRecvRejectsForeignID(t *testing.T) {
	c, peer := pipePair(t)

	if _, err := peer.Write(frame(testAgentID+1, []byte("foreign"))); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	_, code := c.Recv(context.Background())
	if code != ErrInvalidFrame {
		t.Fatalf("Recv = %d, want ErrInvalidFrame", code)
	}
	if c.Connected() {
		t.Fatal("foreign frame did not mark the session disconnected")
	}
}

func TestPipeRecvNothingYet(t *testing.T) {
	c, _ := pipePair(t)

	_, code := c.Recv(context.Background())
	if code != ErrNoData {
		t.Fatalf("Recv = %d, want ErrNoData on an idle pipe", code)
	}
	if !c.Connected() {
		t.Fatal("idle pipe marked disconnected")
	}
}

func TestPipeRecvIncompleteHeader(t *testing.T) {
	c, peer := pipePair(t)

	full := frame(testAgentID, []byte("late"))

	// Five bytes sitting in the pipe is not a complete header.
	if _, err := peer.Write(full[:5]); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	_, code := c.Recv(context.Background())
	if code != ErrNoData {
		t.Fatalf("Recv = %d, want ErrNoData for a partial header", code)
	}

	// The rest arrives: the frame completes on a later call.
	rest := full[5:]
	if _, err := peer.Write(rest); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	data, code := c.Recv(context.Background())
	if code != ErrNone {
		t.Fatalf("Recv = %d, want ErrNone once the frame completed", code)
	}
	if !bytes.Equal(data, []byte("late")) {
		t.Fatalf("payload = %q, want %q", data, "late")
	}
}

func TestPipeRecvPayloadStraddlesReads(t *testing.T) {
	c, peer := pipePair(t)

	payload := bytes.Repeat([]byte{0x5A}, 32)
	full := frame(testAgentID, payload)

	// Header plus a sliver of payload now, the remainder shortly after.
	if _, err := peer.Write(full[:frameHeaderSize+4]); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		peer.Write(full[frameHeaderSize+4:])
	}()

	data, code := c.Recv(context.Background())
	if code != ErrNone {
		t.Fatalf("Recv = %d, want ErrNone", code)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("straddled payload was not reassembled byte-exact")
	}
}

func TestPipeRecvPeerGone(t *testing.T) {
	c, peer := pipePair(t)

	peer.Close()

	_, code := c.Recv(context.Background())
	if code != ErrTransportClosed {
		t.Fatalf("Recv = %d, want ErrTransportClosed after peer closed", code)
	}
	if c.Connected() {
		t.Fatal("peer disconnect did not mark the session disconnected")
	}
}

func TestPipeSendPeerGoneClearsConnection(t *testing.T) {
	c, peer := pipePair(t)

	peer.Close()
	time.Sleep(10 * time.Millisecond)

	// The first write may still land in a kernel buffer; by the second
	// the peer-gone error must have torn the connection down.
	c.Send(context.Background(), []byte("one"))
	c.Send(context.Background(), []byte("two"))

	if c.conn != nil || c.Connected() {
		t.Fatal("peer-gone write did not clear the connection")
	}
}

func TestPipeSendAwaitsPeer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.sock")

	c := NewPipeCarrier("p", testAgentID)
	c.listen = func(string) (net.Listener, error) {
		return net.Listen("unix", path)
	}
	t.Cleanup(c.Close)

	payload := []byte("first contact")
	done := make(chan byte, 1)
	go func() {
		_, code := c.Send(context.Background(), payload)
		done <- code
	}()

	// Connect once the endpoint exists.
	var peer net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		var err error
		if peer, err = net.Dial("unix", path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("endpoint never appeared: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	defer peer.Close()

	got := make([]byte, frameHeaderSize+len(payload))
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(peer, got); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if code := <-done; code != ErrNone {
		t.Fatalf("Send = %d, want ErrNone", code)
	}
	if !bytes.Equal(got[frameHeaderSize:], payload) {
		t.Fatal("handshake frame payload mismatch")
	}
}

func TestPipeRecvWithoutPeer(t *testing.T) {
	c := NewPipeCarrier("p", testAgentID)

	if _, code := c.Recv(context.Background()); code != ErrNoData {
		t.Fatalf("Recv = %d, want ErrNoData before any peer", code)
	}
}
