//go:build windows

package transport

import (
	"runtime"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/windows"
)

// winTokenGuard pauses thread impersonation around a network call. An
// impersonated token can make the HTTP stack fail with access denied, so
// the call runs under the process identity and the token is put back
// afterwards.
type winTokenGuard struct {
	token windows.Token
}

// NewTokenGuard returns the platform impersonation guard.
func NewTokenGuard() TokenGuard {
	return &winTokenGuard{}
}

func (g *winTokenGuard) Drop() {
	// The token lives on the OS thread; stay on it until Restore.
	runtime.LockOSThread()

	var tok windows.Token
	err := windows.OpenThreadToken(windows.CurrentThread(),
		windows.TOKEN_QUERY|windows.TOKEN_IMPERSONATE, true, &tok)
	if err != nil {
		// Not impersonating, nothing to scope out.
		return
	}

	g.token = tok
	if err := windows.RevertToSelf(); err != nil {
		log.Debug().Err(err).Msg("pausing impersonation failed")
	}
}

func (g *winTokenGuard) Restore() {
	defer runtime.UnlockOSThread()

	if g.token == 0 {
		return
	}

	thread := windows.CurrentThread()
	if err := windows.SetThreadToken(&thread, g.token); err != nil {
		log.Debug().Err(err).Msg("restoring impersonation failed")
	}

	g.token.Close()
	g.token = 0
}
