package cache

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"adsmetrics-proxy/internal/apperr"
	"adsmetrics-proxy/internal/model"
	"adsmetrics-proxy/internal/upstream"
)

// refresh fetches req from upstream and replaces the stored rows for its
// scope and range. The caller must hold the lock on key; refresh releases it
// on every path.
func (c *Coordinator) refresh(ctx context.Context, req Request, key model.RefreshKey) error {
	defer c.locks.Release(key)

	ctx, span := c.tracer.Start(ctx, "cache.refresh")
	defer span.End()

	q := req.query()
	generation := c.generation(q.CustomerID)
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.UpstreamTimeout)
	defer cancel()

	started := c.clock.Now()
	rows, err := c.fetcher.FetchEntities(fetchCtx, upstream.FetchRequest{
		Credential: req.Credential,
		CustomerID: q.CustomerID,
		ManagerID:  req.ManagerID,
		EntityType: q.EntityType,
		Scope:      q.Scope,
		Range:      q.Range,
	})
	elapsed := c.clock.Since(started)
	if err != nil {
		err = c.upstreamError(key, err)
		c.recorder.UpstreamCall(string(apperr.CodeOf(err)), elapsed)
		return spanError(span, err)
	}
	c.recorder.UpstreamCall("ok", elapsed)

	// Results are persisted even if the caller has gone away; the next
	// reader benefits from them.
	if err := c.persist(context.WithoutCancel(ctx), q, rows, generation); err != nil {
		if errors.Is(err, errInvalidated) {
			c.recorder.RefreshSkipped("invalidated")
			c.logger.Info("refresh discarded after invalidation", zap.String("key", key.String()))
			err = &apperr.Error{
				Code:       apperr.CodeRefreshPending,
				Message:    "cache was invalidated during refresh, try again",
				RetryAfter: c.retryHint(),
				Cause:      err,
			}
		}
		return spanError(span, err)
	}
	c.logger.Debug("refreshed",
		zap.String("key", key.String()),
		zap.Int("rows", len(rows)),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// upstreamError normalizes a fetch failure and sets the key's backoff when
// upstream asked us to slow down. The returned error carries the effective
// retry delay.
func (c *Coordinator) upstreamError(key model.RefreshKey, err error) error {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return apperr.Wrap(apperr.CodeTransient, "upstream fetch failed", err)
	}
	if !apperr.IsBackoff(err) {
		return err
	}

	delay := appErr.RetryAfter
	if delay <= 0 {
		delay = c.opts.DefaultBackoff
		if appErr.Code == apperr.CodeQuotaExceeded {
			delay = c.opts.QuotaBackoff
		}
	}
	until := c.locks.SetBackoff(key, delay)
	c.logger.Warn("upstream asked to back off",
		zap.String("key", key.String()),
		zap.String("code", string(appErr.Code)),
		zap.Time("until", until),
	)
	if appErr.RetryAfter == delay {
		return err
	}
	return &apperr.Error{Code: appErr.Code, Message: appErr.Message, RetryAfter: delay, Cause: err}
}

var errInvalidated = errors.New("customer invalidated during refresh")

// persist writes a refresh's rows unless the customer was invalidated since
// generation was read.
func (c *Coordinator) persist(ctx context.Context, q model.Query, rows []model.RawEntityCounters, generation uint64) error {
	c.invalidation.RLock()
	defer c.invalidation.RUnlock()
	if c.generations[q.CustomerID] != generation {
		return errInvalidated
	}
	now := c.clock.Now().UTC()

	facts := make([]model.MetricsFact, 0, len(rows))
	metadata := make(map[string]model.EntityHierarchy, len(rows))
	for _, row := range rows {
		if row.EntityType == "" {
			row.EntityType = q.EntityType
		}
		row = row.InScope(q.Scope)
		fact := row.Fact(q.CustomerID, now)
		if !q.MatchesFact(fact) {
			continue
		}
		facts = append(facts, fact)
		metadata[row.EntityID] = row.Metadata(q.CustomerID, now)
	}

	if err := c.store.ReplaceFacts(ctx, q, facts); err != nil {
		return err
	}
	if len(metadata) > 0 {
		ids := make([]string, 0, len(metadata))
		for id := range metadata {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		hierarchy := make([]model.EntityHierarchy, 0, len(ids))
		for _, id := range ids {
			hierarchy = append(hierarchy, metadata[id])
		}
		if err := c.store.UpsertMetadata(ctx, hierarchy); err != nil {
			return err
		}
	}

	days := q.Range.Days()
	coverage := make([]model.SyncCoverage, 0, len(days))
	for _, day := range days {
		coverage = append(coverage, model.SyncCoverage{
			CustomerID:    q.CustomerID,
			EntityType:    q.EntityType,
			ScopeKey:      q.Scope.String(),
			Date:          day,
			SyncedAt:      now,
			DataFreshness: model.FreshnessFor(day, now),
		})
	}
	return c.store.UpsertCoverage(ctx, coverage)
}

// coldStart serves a read with nothing usable in the store.
func (c *Coordinator) coldStart(ctx context.Context, req Request, key model.RefreshKey) (Result, error) {
	if c.locks.TryAcquire(key) {
		return c.fetchAndServe(ctx, req, key)
	}
	if until, ok := c.locks.BackoffUntil(key); ok {
		c.recorder.RefreshSkipped("backoff")
		return Result{}, c.backoffError(until)
	}
	return c.waitForRefresh(ctx, req, key)
}

// fetchAndServe runs a synchronous refresh with the lock on key held. A
// refresh that completed between the caller's read and its acquire is served
// from the store instead of fetching again.
func (c *Coordinator) fetchAndServe(ctx context.Context, req Request, key model.RefreshKey) (Result, error) {
	q := req.query()
	snap, err := c.load(ctx, q)
	if err != nil {
		c.locks.Release(key)
		return Result{}, err
	}
	if c.opts.Policy.Classify(snap.input, c.clock.Now()).Servable() {
		c.locks.Release(key)
		return c.result(snap, SourceAPI, key), nil
	}

	if err := c.refresh(ctx, req, key); err != nil {
		return Result{}, err
	}
	snap, err = c.load(ctx, q)
	if err != nil {
		return Result{}, err
	}
	return c.result(snap, SourceAPI, key), nil
}

func (c *Coordinator) backoffError(until time.Time) error {
	remaining := until.Sub(c.clock.Now())
	remaining = max((remaining + time.Second - 1).Truncate(time.Second), time.Second)
	return &apperr.Error{
		Code:       apperr.CodeRateLimited,
		Message:    "refresh backing off after upstream rate limit",
		RetryAfter: remaining,
	}
}

func (c *Coordinator) retryHint() time.Duration {
	return max(c.opts.PollMax, time.Second)
}

// scheduleRefresh hands key to the background pool. The lock is taken before
// enqueueing so a key is never queued twice.
func (c *Coordinator) scheduleRefresh(req Request, key model.RefreshKey) {
	if !c.locks.TryAcquire(key) {
		c.recorder.RefreshSkipped("locked")
		return
	}
	if err := c.pool.submit(job{req: req, key: key}); err != nil {
		c.locks.Release(key)
		c.recorder.RefreshSkipped(skipReason(err))
		c.logger.Warn("background refresh dropped", zap.String("key", key.String()), zap.Error(err))
	}
}

// runBackground executes a queued refresh. Failures are logged; the stale
// rows stay in place.
func (c *Coordinator) runBackground(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("background refresh panicked", zap.String("key", j.key.String()), zap.Any("panic", r))
		}
	}()
	if err := c.refresh(ctx, j.req, j.key); err != nil {
		c.logger.Warn("background refresh failed",
			zap.String("key", j.key.String()),
			zap.String("code", string(apperr.CodeOf(err))),
			zap.Error(err),
		)
	}
}
