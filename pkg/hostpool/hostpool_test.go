package hostpool

import (
	"testing"
)

// fixedRand returns a rand source that always yields n.
func fixedRand(n uint32) func() uint32 {
	return func() uint32 { return n }
}

func newTestPool(strategy Strategy, maxRetries uint32, rand func() uint32, hosts ...string) *Pool {
	p := New(strategy, maxRetries, rand)
	for _, h := range hosts {
		p.Add(h, 443)
	}
	return p
}

func TestAddPrepends(t *testing.T) {
	p := newTestPool(RoundRobin, 3, fixedRand(0), "first", "second", "third")

	if got := p.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}

	// The most recently added host is the traversal head.
	head := p.Rotate(RoundRobin)
	if head == nil || head.Address != "third" {
		t.Fatalf("head = %+v, want third", head)
	}
}

func TestReportFailureAccounting(t *testing.T) {
	p := newTestPool(RoundRobin, 2, fixedRand(0), "b", "a")
	h := p.Rotate(RoundRobin) // "a" was added first, "b" is head
	if h.Address != "a" {
		t.Fatalf("active = %s, want a", h.Address)
	}

	// Within budget the same entry comes back with its counter bumped.
	for want := uint32(1); want <= 2; want++ {
		got := p.ReportFailure(h)
		if got != h {
			t.Fatalf("ReportFailure returned a different entry at failure %d", want)
		}
		if h.Failures != want {
			t.Fatalf("Failures = %d, want %d", h.Failures, want)
		}
		if h.Dead {
			t.Fatalf("entry died before exhausting its budget")
		}
	}

	// The next failure exhausts the budget: dead, and rotation yields a
	// different host.
	next := p.ReportFailure(h)
	if !h.Dead {
		t.Fatal("entry should be dead after exceeding its budget")
	}
	if next == h {
		t.Fatal("rotation returned the dead entry")
	}
	if next == nil || next.Address != "b" {
		t.Fatalf("rotation = %+v, want b", next)
	}
}

func TestReportFailureNilEntry(t *testing.T) {
	p := newTestPool(RoundRobin, 3, fixedRand(0), "a")
	if got := p.ReportFailure(nil); got != nil {
		t.Fatalf("ReportFailure(nil) = %+v, want nil", got)
	}
}

func TestRoundRobinScansFromHead(t *testing.T) {
	// Regardless of which host was active, the scan restarts at the head
	// and returns the first alive host.
	for _, active := range []int{0, 1, 2} {
		p := newTestPool(RoundRobin, 5, fixedRand(0), "c", "b", "a")
		// entries head-first: a, b, c
		p.Rotate(RoundRobin) // establish an active host

		p.entries[0].Dead = true // head dead
		p.active = p.entries[active]

		got := p.Rotate(RoundRobin)
		if got == nil || got != p.entries[1] {
			t.Fatalf("active=%d: Rotate = %+v, want first alive from head", active, got)
		}
	}
}

func TestRoundRobinNoActiveReturnsHead(t *testing.T) {
	p := newTestPool(RoundRobin, 5, fixedRand(0), "b", "a")
	if got := p.Rotate(RoundRobin); got != p.entries[0] {
		t.Fatalf("Rotate with no active = %+v, want head", got)
	}
}

func TestRoundRobinExhausted(t *testing.T) {
	p := newTestPool(RoundRobin, 5, fixedRand(0), "b", "a")
	p.Rotate(RoundRobin)
	for _, e := range p.entries {
		e.Dead = true
	}

	if got := p.Rotate(RoundRobin); got != nil {
		t.Fatalf("Rotate over a dead pool = %+v, want nil", got)
	}
}

func TestRandomNeverReturnsDead(t *testing.T) {
	// The random pick lands on a dead host; the result must match what
	// round-robin would have produced.
	p := newTestPool(Random, 5, fixedRand(1), "c", "b", "a")
	p.Rotate(RoundRobin)
	p.entries[1].Dead = true // the random pick

	got := p.Rotate(Random)
	if got == nil || got.Dead {
		t.Fatalf("Rotate(Random) returned a dead host: %+v", got)
	}
	if got != p.entries[0] {
		t.Fatalf("Rotate(Random) = %+v, want round-robin fallback", got)
	}
}

func TestRandomEntrySelection(t *testing.T) {
	p := newTestPool(Random, 5, fixedRand(7), "c", "b", "a")

	// 7 mod 3 == 1.
	if got := p.RandomEntry(); got != p.entries[1] {
		t.Fatalf("RandomEntry = %+v, want index 1", got)
	}
}

func TestRandomEntryEmptyPool(t *testing.T) {
	p := New(Random, 5, fixedRand(0))
	if got := p.RandomEntry(); got != nil {
		t.Fatalf("RandomEntry on empty pool = %+v, want nil", got)
	}
}

func TestInfiniteRetryResurrection(t *testing.T) {
	p := newTestPool(RoundRobin, 0, fixedRand(0), "b", "a")
	p.Rotate(RoundRobin)
	for _, e := range p.entries {
		e.Failures = 9
		e.Dead = true
	}

	got := p.Rotate(RoundRobin)
	if got != p.entries[0] {
		t.Fatalf("Rotate = %+v, want resurrected head", got)
	}
	for i, e := range p.entries {
		if e.Dead || e.Failures != 0 {
			t.Fatalf("entry %d not resurrected: %+v", i, e)
		}
	}
}

func TestFiniteRetryNoResurrection(t *testing.T) {
	p := newTestPool(RoundRobin, 3, fixedRand(0), "a")
	p.Rotate(RoundRobin)
	p.entries[0].Dead = true

	if got := p.Rotate(RoundRobin); got != nil {
		t.Fatalf("Rotate = %+v, want nil under a finite budget", got)
	}
	if !p.entries[0].Dead {
		t.Fatal("dead entry was resurrected under a finite budget")
	}
}

func TestCheckup(t *testing.T) {
	p := newTestPool(RoundRobin, 3, fixedRand(0), "b", "a")

	if !p.Checkup() {
		t.Fatal("Checkup = false with alive hosts")
	}

	p.entries[0].Dead = true
	if !p.Checkup() {
		t.Fatal("Checkup = false with one alive host")
	}

	p.entries[1].Dead = true
	if p.Checkup() {
		t.Fatal("Checkup = true with every host dead")
	}
}

func TestCheckupEmptyPool(t *testing.T) {
	p := New(RoundRobin, 3, fixedRand(0))
	if p.Checkup() {
		t.Fatal("Checkup = true on an empty pool")
	}
}

func TestRotateHookFiresOnMultiHostPool(t *testing.T) {
	fired := 0

	p := newTestPool(RoundRobin, 3, fixedRand(0), "b", "a")
	p.OnRotate(func() { fired++ })

	p.Rotate(RoundRobin)
	if fired != 1 {
		t.Fatalf("hook fired %d times, want 1", fired)
	}
}

func TestRotateHookSilentOnSingleHost(t *testing.T) {
	fired := 0

	p := newTestPool(RoundRobin, 3, fixedRand(0), "a")
	p.OnRotate(func() { fired++ })

	p.Rotate(RoundRobin)
	if fired != 0 {
		t.Fatalf("hook fired %d times on a single-host pool, want 0", fired)
	}
}
