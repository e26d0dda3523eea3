//go:build windows

package transport

import (
	"net"
	"strings"

	"github.com/Microsoft/go-winio"
	"github.com/rs/zerolog/log"
)

// pipeSecurityDescriptor grants the Everyone principal full access and
// pins a low mandatory label with no access policy on the pipe object,
// so companion processes under other accounts or lower integrity levels
// are not blocked from connecting or writing.
const pipeSecurityDescriptor = `D:(A;;GA;;;WD)S:(ML;;;;;LW)`

// listenPipe creates the duplex, message-typed, blocking named pipe. A
// rejected security descriptor only loosens connectivity, so it is
// logged and the pipe is created without one.
func listenPipe(name string) (net.Listener, error) {
	if !strings.HasPrefix(name, `\\.\pipe\`) {
		name = `\\.\pipe\` + name
	}

	cfg := &winio.PipeConfig{
		SecurityDescriptor: pipeSecurityDescriptor,
		MessageMode:        true,
		InputBufferSize:    pipeBufferMax,
		OutputBufferSize:   pipeBufferMax,
	}

	ln, err := winio.ListenPipe(name, cfg)
	if err == nil {
		return ln, nil
	}

	log.Debug().Err(err).Str("pipe", name).
		Msg("security descriptor rejected, creating pipe without it")

	cfg.SecurityDescriptor = ""
	return winio.ListenPipe(name, cfg)
}
