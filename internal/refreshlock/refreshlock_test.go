package refreshlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"adsmetrics-proxy/internal/model"
)

const key = model.RefreshKey("42|CAMPAIGN|*|2024-01-01|2024-01-07")

func TestTryAcquireIsExclusive(t *testing.T) {
	c := New(clockwork.NewFakeClock())

	assert.True(t, c.TryAcquire(key))
	assert.False(t, c.TryAcquire(key))
	assert.True(t, c.IsRefreshing(key))

	c.Release(key)
	assert.False(t, c.IsRefreshing(key))
	assert.True(t, c.TryAcquire(key))
}

func TestReleaseUnknownKeyIsNoop(t *testing.T) {
	c := New(nil)
	c.Release(key)
	assert.False(t, c.IsRefreshing(key))
	assert.True(t, c.TryAcquire(key))
}

func TestKeysAreIndependent(t *testing.T) {
	c := New(nil)
	other := model.RefreshKey("42|AD_GROUP|*|2024-01-01|2024-01-07")

	assert.True(t, c.TryAcquire(key))
	assert.True(t, c.TryAcquire(other))
}

func TestBackoffRespected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(clock)

	assert.True(t, c.TryAcquire(key))
	c.SetBackoff(key, 60*time.Second)
	c.Release(key)

	assert.False(t, c.TryAcquire(key))
	until, ok := c.BackoffUntil(key)
	assert.True(t, ok)
	assert.Equal(t, clock.Now().Add(60*time.Second), until)

	clock.Advance(59 * time.Second)
	assert.False(t, c.TryAcquire(key))

	clock.Advance(time.Second)
	_, ok = c.BackoffUntil(key)
	assert.False(t, ok)
	assert.True(t, c.TryAcquire(key))
}

func TestSetBackoffDefault(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(clock)

	until := c.SetBackoff(key, 0)
	assert.Equal(t, clock.Now().Add(DefaultBackoff), until)
	assert.False(t, c.IsRefreshing(key))
	assert.False(t, c.TryAcquire(key))
}

func TestConcurrentTryAcquireGrantsOnce(t *testing.T) {
	c := New(nil)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAcquire(key) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func TestSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(clock)
	backedOff := model.RefreshKey("7|KEYWORD|*|2024-01-01|2024-01-01")

	c.TryAcquire(key)
	c.SetBackoff(backedOff, time.Minute)
	assert.Equal(t, Stats{InFlight: 1, BackingOff: 1}, c.Snapshot())

	clock.Advance(time.Minute)
	c.Release(key)
	assert.Equal(t, Stats{}, c.Snapshot())
}
