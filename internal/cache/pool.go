package cache

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"adsmetrics-proxy/internal/model"
)

var (
	errQueueFull  = errors.New("refresh queue is full")
	errPoolClosed = errors.New("refresh pool is closed")
)

func skipReason(err error) string {
	switch {
	case errors.Is(err, errQueueFull):
		return "queue_full"
	case errors.Is(err, errPoolClosed):
		return "closed"
	}
	return "error"
}

type job struct {
	req Request
	key model.RefreshKey
}

// pool runs background refreshes on a fixed set of workers fed by a bounded
// queue. Submitting never blocks.
type pool struct {
	jobs   chan job
	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func newPool(workers, queueSize int, run func(context.Context, job)) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		jobs:   make(chan job, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for range workers {
		p.group.Go(func() error {
			for j := range p.jobs {
				run(p.ctx, j)
			}
			return nil
		})
	}
	return p
}

func (p *pool) submit(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errPoolClosed
	}
	select {
	case p.jobs <- j:
		return nil
	default:
		return errQueueFull
	}
}

// close drains queued jobs and waits for the workers to exit.
func (p *pool) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	err := p.group.Wait()
	p.cancel()
	return err
}
