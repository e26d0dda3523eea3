// Package hostpool tracks candidate controller destinations and selects
// which one the transport should use next. Each host carries its own
// failure budget; exhausted hosts are marked dead and skipped by rotation
// until either an alive host is found or, under an infinite-retry policy,
// the whole pool is resurrected.
package hostpool

import (
	"github.com/rs/zerolog/log"
)

// Strategy selects how Rotate picks the next host.
type Strategy int

const (
	// RoundRobin scans from the pool head and returns the first alive host.
	RoundRobin Strategy = iota

	// Random picks a uniformly random host, falling back to RoundRobin
	// when the pick is dead.
	Random
)

// Entry is one candidate destination.
type Entry struct {
	Address string

	Port int

	// Failures counts consecutive failed sends against this host.
	Failures uint32

	// Dead is set once Failures reaches the pool's retry budget.
	Dead bool
}

// Pool holds the configured destinations in traversal order. The head
// (index 0) is the most recently added host, so hosts appear in
// reverse-configuration order. Not safe for concurrent use; the transport
// call stack is the only mutator between full send attempts.
type Pool struct {
	entries    []*Entry
	active     *Entry
	strategy   Strategy
	maxRetries uint32
	rand       func() uint32
	onRotate   func()
}

// New creates an empty pool. maxRetries is the per-host failure budget;
// zero means retry forever (dead hosts are resurrected once the pool is
// exhausted). rand must produce unbiased 32-bit values.
func New(strategy Strategy, maxRetries uint32, rand func() uint32) *Pool {
	return &Pool{
		strategy:   strategy,
		maxRetries: maxRetries,
		rand:       rand,
	}
}

// OnRotate registers a hook fired whenever a rotation happens in a pool
// with more than one host. The HTTP carrier uses it to invalidate the
// cached proxy configuration, since different destinations can sit behind
// different proxy policies.
func (p *Pool) OnRotate(fn func()) {
	p.onRotate = fn
}

// Add prepends a host to the pool and returns the created entry.
func (p *Pool) Add(address string, port int) *Entry {
	e := &Entry{
		Address: address,
		Port:    port,
	}
	p.entries = append([]*Entry{e}, p.entries...)

	log.Debug().Str("host", address).Int("port", port).Msg("host added to pool")
	return e
}

// Count returns the number of configured hosts.
func (p *Pool) Count() int {
	return len(p.entries)
}

// Active returns the host the transport is currently using, or nil when
// no destination has been selected yet.
func (p *Pool) Active() *Entry {
	return p.active
}

// ReportFailure records a failed send against e. While e still has retry
// budget its failure counter is incremented and e itself is returned, so
// the caller keeps using it. Once the counter reaches the budget, e is
// marked dead and the next host per the pool's strategy is returned. A
// nil entry is a no-op returning nil.
func (p *Pool) ReportFailure(e *Entry) *Entry {
	if e == nil {
		return nil
	}

	if e.Failures == p.maxRetries {
		e.Dead = true

		log.Warn().Str("host", e.Address).Int("port", e.Port).
			Msg("host exhausted its retry budget, rotating")

		return p.Rotate(p.strategy)
	}

	e.Failures++

	log.Debug().Str("host", e.Address).Int("port", e.Port).
		Uint32("failures", e.Failures).Msg("host failure recorded")

	return e
}

// Rotate selects the next active host according to strategy and returns
// it. The result is nil when every host is dead and the retry budget is
// finite. With maxRetries == 0 an exhausted pool is resurrected: every
// failure counter is reset and the head is returned, guaranteeing forward
// progress under a retry-forever policy.
func (p *Pool) Rotate(strategy Strategy) *Entry {
	if len(p.entries) > 1 && p.onRotate != nil {
		// Different destinations can have different WPAD rules, so force
		// a proxy re-discovery after rotating.
		p.onRotate()
	}

	var next *Entry
	switch strategy {
	case Random:
		next = p.RandomEntry()
		if next == nil || next.Dead {
			next = p.roundRobin()
		}
	default:
		next = p.roundRobin()
	}

	if p.maxRetries == 0 && next == nil {
		log.Info().Msg("retry-forever policy, resurrecting every host")

		for _, e := range p.entries {
			e.Failures = 0
			e.Dead = false
		}
		if len(p.entries) > 0 {
			next = p.entries[0]
		}
	}

	p.active = next
	return next
}

// roundRobin returns the head when no host is active yet, otherwise the
// first alive host scanning from the head. The scan deliberately restarts
// from the head rather than resuming after the active host, biasing
// traffic toward hosts near the head after any rotation.
func (p *Pool) roundRobin() *Entry {
	if len(p.entries) == 0 {
		return nil
	}

	if p.active == nil {
		return p.entries[0]
	}

	for _, e := range p.entries {
		if !e.Dead {
			return e
		}
	}

	return nil
}

// RandomEntry returns the host at a uniformly random index, or nil for an
// empty pool.
func (p *Pool) RandomEntry() *Entry {
	if len(p.entries) == 0 {
		return nil
	}

	return p.entries[p.rand()%uint32(len(p.entries))]
}

// Checkup reports whether at least one host is still alive. A false
// result with a finite retry budget means the transport should give up.
func (p *Pool) Checkup() bool {
	if len(p.entries) == 0 {
		return false
	}

	for _, e := range p.entries {
		if !e.Dead {
			return true
		}
	}

	return false
}
