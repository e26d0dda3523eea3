//go:build !windows

package transport

import (
	"net"
	"os"
	"path/filepath"
)

// listenPipe maps the named endpoint onto a Unix domain socket with a
// permissive mode, the closest analogue of an everyone-accessible pipe.
func listenPipe(name string) (net.Listener, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(os.TempDir(), name+".sock")
	}

	// A stale socket from a previous run blocks the listen.
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	os.Chmod(path, 0o666)
	return ln, nil
}
