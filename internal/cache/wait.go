package cache

import (
	"context"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"adsmetrics-proxy/internal/apperr"
	"adsmetrics-proxy/internal/model"
)

// waitForRefresh polls the store while another caller fetches key. It
// returns as soon as the data is usable, fails fast once the key backs off,
// takes the fetch over if the holder gave up without data, and returns
// REFRESH_PENDING when the poll budget runs out.
func (c *Coordinator) waitForRefresh(ctx context.Context, req Request, key model.RefreshKey) (Result, error) {
	c.recorder.RefreshSkipped("waiting")
	q := req.query()

	intervals := backoff.NewExponentialBackOff()
	intervals.InitialInterval = c.opts.PollInitial
	intervals.MaxInterval = c.opts.PollMax
	intervals.Multiplier = 2
	intervals.RandomizationFactor = 0
	intervals.Reset()

	deadline := c.clock.Now().Add(c.opts.PollBudget)
	for {
		wait := intervals.NextBackOff()
		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			break
		}
		wait = min(wait, remaining)

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-c.clock.After(wait):
		}

		snap, err := c.load(ctx, q)
		if err != nil {
			return Result{}, err
		}
		if c.opts.Policy.Classify(snap.input, c.clock.Now()).Servable() {
			return c.result(snap, SourceAPI, key), nil
		}
		if c.locks.IsRefreshing(key) {
			continue
		}
		if until, ok := c.locks.BackoffUntil(key); ok {
			return Result{}, c.backoffError(until)
		}
		if c.locks.TryAcquire(key) {
			return c.fetchAndServe(ctx, req, key)
		}
	}

	c.logger.Info("cold-start wait timed out", zap.String("key", key.String()))
	return Result{}, &apperr.Error{
		Code:       apperr.CodeRefreshPending,
		Message:    "data is still being fetched, try again shortly",
		RetryAfter: c.retryHint(),
	}
}
