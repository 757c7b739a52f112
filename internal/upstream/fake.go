package upstream

import (
	"context"
	"sync"
	"sync/atomic"

	"adsmetrics-proxy/internal/model"
)

// Fake is an in-memory Fetcher for tests and local development. Rows are
// filtered by the request's type, scope and range; queued errors are
// returned one per call before any rows.
type Fake struct {
	mu     sync.Mutex
	rows   []model.RawEntityCounters
	errs   []error
	gate   chan struct{}
	last   FetchRequest
	calls  atomic.Int64
	onCall func(FetchRequest)
}

var _ Fetcher = (*Fake)(nil)

// NewFake returns a Fake serving rows.
func NewFake(rows ...model.RawEntityCounters) *Fake {
	return &Fake{rows: rows}
}

// SetRows replaces the rows served by later calls.
func (f *Fake) SetRows(rows ...model.RawEntityCounters) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = rows
}

// FailNext queues errors returned by the next len(errs) calls.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

// Block makes every call wait until the returned release function runs or
// the call's context ends.
func (f *Fake) Block() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// OnCall registers fn to run at the start of every call.
func (f *Fake) OnCall(fn func(FetchRequest)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCall = fn
}

// Calls returns the number of FetchEntities calls so far.
func (f *Fake) Calls() int {
	return int(f.calls.Load())
}

// LastRequest returns the most recent request.
func (f *Fake) LastRequest() FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// FetchEntities implements Fetcher.
func (f *Fake) FetchEntities(ctx context.Context, req FetchRequest) ([]model.RawEntityCounters, error) {
	f.calls.Add(1)

	f.mu.Lock()
	f.last = req
	gate := f.gate
	onCall := f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall(req)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	var out []model.RawEntityCounters
	for _, row := range f.rows {
		if row.EntityType != req.EntityType || !req.Range.Contains(row.Date) {
			continue
		}
		if !req.Scope.Matches(row.EntityType, row.EntityID, row.ParentEntityType, row.ParentEntityID) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}
