// Package cipher provides the in-place envelope transform applied to
// buffers right before and after transport. The transport treats it as an
// opaque collaborator: the same operation maps plaintext to ciphertext
// and back.
package cipher

import (
	"errors"

	"golang.org/x/crypto/chacha20"
)

// Key and IV sizes in bytes.
const (
	KeySize = chacha20.KeySize
	IVSize  = chacha20.NonceSize
)

// ErrBadKeyMaterial reports a key or IV of the wrong size.
var ErrBadKeyMaterial = errors.New("cipher: bad key material")

// Stream applies a ChaCha20 keystream over a buffer in place. Every Apply
// restarts the keystream, so the transform is its own inverse and buffers
// can be processed independently of each other.
type Stream struct {
	key []byte
	iv  []byte
}

// New creates a Stream from a key/IV pair.
func New(key, iv []byte) (*Stream, error) {
	if len(key) != KeySize || len(iv) != IVSize {
		return nil, ErrBadKeyMaterial
	}

	s := &Stream{
		key: make([]byte, KeySize),
		iv:  make([]byte, IVSize),
	}
	copy(s.key, key)
	copy(s.iv, iv)

	return s, nil
}

// Apply transforms buf in place. An empty buffer is a no-op.
func (s *Stream) Apply(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	c, err := chacha20.NewUnauthenticatedCipher(s.key, s.iv)
	if err != nil {
		return err
	}

	c.XORKeyStream(buf, buf)
	return nil
}
