// Package refreshlock tracks which refresh keys have an upstream fetch in
// flight and which are backing off after a rate-limit signal.
package refreshlock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"adsmetrics-proxy/internal/model"
)

// DefaultBackoff applies when upstream rate limits without a retry-after.
const DefaultBackoff = 60 * time.Second

type entry struct {
	inFlight     bool
	backoffUntil time.Time
}

// Coordinator is the process-wide registry of refresh keys. The zero value is
// not usable; construct with New. One instance is owned by the composition
// root and handed to the cache coordinator.
type Coordinator struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[model.RefreshKey]*entry
}

// New returns a Coordinator reading time from clock. A nil clock uses the
// wall clock.
func New(clock clockwork.Clock) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		clock:   clock,
		entries: make(map[model.RefreshKey]*entry),
	}
}

// TryAcquire marks key in flight and returns true, or returns false when the
// key is already in flight or backing off. Every true result must be paired
// with exactly one Release.
func (c *Coordinator) TryAcquire(key model.RefreshKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.entries[key] = &entry{inFlight: true}
		return true
	}
	if e.inFlight || c.clock.Now().Before(e.backoffUntil) {
		return false
	}
	e.inFlight = true
	e.backoffUntil = time.Time{}
	return true
}

// Release marks key idle. A pending backoff deadline is kept.
func (c *Coordinator) Release(key model.RefreshKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.inFlight = false
	if !c.clock.Now().Before(e.backoffUntil) {
		delete(c.entries, key)
	}
}

// SetBackoff blocks TryAcquire on key until now+d. A non-positive d uses
// DefaultBackoff. It does not change the in-flight state.
func (c *Coordinator) SetBackoff(key model.RefreshKey, d time.Duration) time.Time {
	if d <= 0 {
		d = DefaultBackoff
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	until := c.clock.Now().Add(d)
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	e.backoffUntil = until
	return until
}

// IsRefreshing reports whether key is in flight. It is advisory only, used to
// annotate responses; never use it in place of TryAcquire.
func (c *Coordinator) IsRefreshing(key model.RefreshKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && e.inFlight
}

// BackoffUntil returns the backoff deadline of key if it is still in the future.
func (c *Coordinator) BackoffUntil(key model.RefreshKey) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !c.clock.Now().Before(e.backoffUntil) {
		return time.Time{}, false
	}
	return e.backoffUntil, true
}

// Stats is a point-in-time summary for health reporting.
type Stats struct {
	InFlight   int `json:"inFlight"`
	BackingOff int `json:"backingOff"`
}

// Snapshot counts in-flight and backing-off keys and drops entries whose
// backoff has lapsed.
func (c *Coordinator) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	var stats Stats
	for key, e := range c.entries {
		backingOff := now.Before(e.backoffUntil)
		if e.inFlight {
			stats.InFlight++
		}
		if backingOff {
			stats.BackingOff++
		}
		if !e.inFlight && !backingOff {
			delete(c.entries, key)
		}
	}
	return stats
}
