// Package pushstreamtest provides deterministic fakes for testing code built
// on pushstream: a manually advanced clock and an in-memory dialer.
package pushstreamtest

import (
	"sort"
	"sync"
	"time"

	"github.com/Prismer-AI/pushstream"
)

// FakeClock is a pushstream.Clock whose timers only fire when the test
// advances it. Callbacks run synchronously on the advancing goroutine.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*fakeTimer
	delays []time.Duration
}

var _ pushstream.Clock = (*FakeClock)(nil)

type fakeTimer struct {
	clock   *FakeClock
	seq     int
	when    time.Duration
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

// NewFakeClock returns a clock at time zero.
func NewFakeClock() *FakeClock {
	return &FakeClock{}
}

// AfterFunc implements pushstream.Clock.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) pushstream.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, seq: c.seq, when: c.now + d, delay: d, f: f}
	c.timers = append(c.timers, t)
	c.delays = append(c.delays, d)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, firing due timers in order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()
	for {
		t := c.nextDue(target)
		if t == nil {
			break
		}
		t.f()
	}
	c.mu.Lock()
	if c.now < target {
		c.now = target
	}
	c.mu.Unlock()
}

// FireNext advances to the earliest pending timer and fires it. It reports
// false when nothing is pending.
func (c *FakeClock) FireNext() bool {
	c.mu.Lock()
	pending := c.pendingLocked()
	c.mu.Unlock()
	if len(pending) == 0 {
		return false
	}
	t := c.nextDue(pending[0].when)
	if t == nil {
		return false
	}
	t.f()
	return true
}

func (c *FakeClock) nextDue(limit time.Duration) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pendingLocked()
	if len(pending) == 0 || pending[0].when > limit {
		return nil
	}
	t := pending[0]
	t.fired = true
	c.now = t.when
	return t
}

func (c *FakeClock) pendingLocked() []*fakeTimer {
	var out []*fakeTimer
	live := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}
		live = append(live, t)
		out = append(out, t)
	}
	c.timers = live
	sort.Slice(out, func(i, j int) bool {
		if out[i].when != out[j].when {
			return out[i].when < out[j].when
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Pending returns the delays of timers that have neither fired nor been
// stopped, earliest first.
func (c *FakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.pendingLocked() {
		out = append(out, t.delay)
	}
	return out
}

// Scheduled returns the delay of every timer ever created, in creation order.
func (c *FakeClock) Scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// Now returns the elapsed fake time.
func (c *FakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
