// Package proxy discovers the HTTP proxy the agent must traverse to reach
// its controller. Discovery runs at most once per rotation epoch and the
// result is cached until the host pool rotates, since different
// destinations can sit behind different proxy policies.
package proxy

import (
	"net/url"
	"strings"

	"github.com/mattn/go-ieproxy"
	"github.com/rs/zerolog/log"
)

// Resolver caches one discovered proxy configuration. Not safe for
// concurrent use; only the transport call stack consults it.
type Resolver struct {
	lookedUp bool
	cached   *url.URL

	// Hooks over go-ieproxy, replaceable in tests.
	getConf    func() ieproxy.ProxyConf
	findForURL func(ieproxy.ProxyScriptConf, string) string
}

// NewResolver returns a resolver backed by the platform proxy sources
// (WPAD, then the current user's browser/system configuration).
func NewResolver() *Resolver {
	return NewResolverWithSources(
		ieproxy.GetConf,
		func(conf ieproxy.ProxyScriptConf, endpoint string) string {
			return conf.FindProxyForURL(endpoint)
		},
	)
}

// NewResolverWithSources builds a resolver over explicit discovery
// sources. Tests use it to script the platform answers.
func NewResolverWithSources(getConf func() ieproxy.ProxyConf, findForURL func(ieproxy.ProxyScriptConf, string) string) *Resolver {
	return &Resolver{
		getConf:    getConf,
		findForURL: findForURL,
	}
}

// Invalidate clears the looked-up gate so the next ProxyFor call runs
// discovery again. A previously cached proxy stays applied until a later
// discovery replaces it.
func (r *Resolver) Invalidate() {
	r.lookedUp = false
}

// ProxyFor returns the proxy to apply to a request for endpoint, or nil
// when the destination should be reached directly. Discovery runs on the
// first call of each rotation epoch; every later call returns the cached
// result.
func (r *Resolver) ProxyFor(endpoint string) *url.URL {
	if !r.lookedUp {
		r.discover(endpoint)
		r.lookedUp = true
	}

	return r.cached
}

// discover walks the platform sources in order: blind auto-detection
// first, then the user's configured proxy, then the user's auto-config
// script. WinHttpGetProxyForUrl-style detection comes first because the
// per-user configuration is documented as a fall-back mechanism and can
// fail outright for service accounts.
func (r *Resolver) discover(endpoint string) {
	if s := r.findForURL(ieproxy.ProxyScriptConf{Active: true}, endpoint); s != "" {
		r.cache(s, "auto-detect")
		return
	}

	conf := r.getConf()

	if conf.Static.Active {
		if s := staticProxyFor(conf.Static, endpoint); s != "" {
			r.cache(s, "user config")
			return
		}
	}

	if conf.Automatic.Active && conf.Automatic.PreConfiguredURL != "" {
		log.Debug().Str("script", conf.Automatic.PreConfiguredURL).
			Msg("evaluating proxy auto-config script")

		if s := r.findForURL(conf.Automatic, endpoint); s != "" {
			r.cache(s, "auto-config script")
		}
		return
	}

	// The user config is itself set to auto-detect, which was already
	// tried above. Give up silently.
}

// cache parses and stores a discovered proxy address.
func (r *Resolver) cache(addr, source string) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		log.Debug().Str("proxy", addr).Err(err).Msg("discovered proxy is unusable")
		return
	}

	log.Debug().Str("proxy", u.Host).Str("source", source).Msg("using proxy")
	r.cached = u
}

// staticProxyFor picks the user-configured proxy matching the endpoint
// scheme, falling back to the scheme-less default.
func staticProxyFor(conf ieproxy.StaticProxyConf, endpoint string) string {
	scheme := ""
	if u, err := url.Parse(endpoint); err == nil {
		scheme = u.Scheme
	}

	if s := conf.Protocols[scheme]; s != "" {
		return s
	}

	return conf.Protocols[""]
}
