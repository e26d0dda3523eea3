//go:build !windows

package transport

// Impersonation tokens are a Windows concern; elsewhere the guard does
// nothing.
type noopTokenGuard struct{}

// NewTokenGuard returns the platform impersonation guard.
func NewTokenGuard() TokenGuard {
	return noopTokenGuard{}
}

func (noopTokenGuard) Drop()    {}
func (noopTokenGuard) Restore() {}
