// Package cache serves entity metrics from the fact store with
// stale-while-revalidate semantics. Reads never wait on upstream unless the
// store has nothing usable, and at most one upstream fetch runs per refresh
// key at any time.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"adsmetrics-proxy/internal/aggregate"
	"adsmetrics-proxy/internal/apperr"
	"adsmetrics-proxy/internal/freshness"
	"adsmetrics-proxy/internal/model"
	"adsmetrics-proxy/internal/refreshlock"
	"adsmetrics-proxy/internal/store"
	"adsmetrics-proxy/internal/telemetry"
	"adsmetrics-proxy/internal/upstream"
)

// Store is the persistence the coordinator reads and refreshes.
type Store interface {
	store.FactStore
	store.HierarchyStore
}

// Source tells the caller where the returned data came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceAPI   Source = "api"
)

// Request is one read of a customer's entities.
type Request struct {
	Credential upstream.Credential
	CustomerID string
	ManagerID  string
	EntityType model.EntityType
	Scope      model.Scope
	Range      model.DateRange
}

func (r Request) query() model.Query {
	return model.Query{
		CustomerID: r.CustomerID,
		EntityType: r.EntityType,
		Scope:      r.Scope,
		Range:      r.Range,
	}.Normalize()
}

// Validate returns an INVALID_ARGUMENT error for malformed requests.
func (r Request) Validate() error {
	if err := store.ValidateQuery(r.query(), true); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "invalid request", err)
	}
	return nil
}

// Meta describes the returned data so a UI can tell live data from cached
// data with a refresh running.
type Meta struct {
	Source       Source          `json:"source"`
	AgeSeconds   int64           `json:"ageSeconds"`
	Refreshing   bool            `json:"refreshing"`
	LastSyncedAt *time.Time      `json:"lastSyncedAt,omitempty"`
	Freshness    freshness.State `json:"freshness"`
}

// Result is the answer to GetEntities.
type Result struct {
	Entities []model.EntityView `json:"entities"`
	Totals   model.EntityView   `json:"totals"`
	Meta     Meta               `json:"meta"`
}

// Options tunes a Coordinator. Zero values take the defaults.
type Options struct {
	Policy   freshness.Policy
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Recorder telemetry.Recorder

	// UpstreamTimeout bounds one upstream fetch.
	UpstreamTimeout time.Duration
	// DefaultBackoff applies to rate limits without a retry hint;
	// QuotaBackoff to quota exhaustion without one.
	DefaultBackoff time.Duration
	QuotaBackoff   time.Duration

	// Cold-start waiters poll the store from PollInitial up to PollMax
	// between attempts, for at most PollBudget.
	PollInitial time.Duration
	PollMax     time.Duration
	PollBudget  time.Duration

	Workers   int
	QueueSize int
}

const (
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultQuotaBackoff    = 6 * time.Hour
	DefaultPollInitial     = 250 * time.Millisecond
	DefaultPollMax         = time.Second
	DefaultPollBudget      = 10 * time.Second
	DefaultWorkers         = 4
	DefaultQueueSize       = 64
)

func (o Options) withDefaults() Options {
	if o.Policy == (freshness.Policy{}) {
		o.Policy = freshness.DefaultPolicy()
	}
	if o.Policy.PartialStale <= 0 {
		o.Policy.PartialStale = o.Policy.Fresh
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Recorder == nil {
		o.Recorder = telemetry.NoopRecorder{}
	}
	if o.UpstreamTimeout <= 0 {
		o.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if o.DefaultBackoff <= 0 {
		o.DefaultBackoff = refreshlock.DefaultBackoff
	}
	if o.QuotaBackoff <= 0 {
		o.QuotaBackoff = DefaultQuotaBackoff
	}
	if o.PollInitial <= 0 {
		o.PollInitial = DefaultPollInitial
	}
	if o.PollMax < o.PollInitial {
		o.PollMax = max(DefaultPollMax, o.PollInitial)
	}
	if o.PollBudget <= 0 {
		o.PollBudget = DefaultPollBudget
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	return o
}

// Coordinator is the cache read path. It is safe for concurrent use.
type Coordinator struct {
	store    Store
	fetcher  upstream.Fetcher
	locks    *refreshlock.Coordinator
	opts     Options
	clock    clockwork.Clock
	logger   *zap.Logger
	recorder telemetry.Recorder
	tracer   trace.Tracer

	pool *pool

	// invalidation is held shared while a refresh persists and exclusively
	// by Invalidate. generations counts invalidations per customer.
	invalidation sync.RWMutex
	generations  map[string]uint64

	closeOnce sync.Once
}

// New wires a coordinator and starts its background refresh workers. The
// lock coordinator is shared with anything else refreshing the same store.
func New(st Store, fetcher upstream.Fetcher, locks *refreshlock.Coordinator, opts Options) (*Coordinator, error) {
	if st == nil {
		return nil, fmt.Errorf("cache: store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("cache: upstream fetcher is required")
	}
	if locks == nil {
		return nil, fmt.Errorf("cache: refresh lock coordinator is required")
	}
	opts = opts.withDefaults()
	c := &Coordinator{
		store:    st,
		fetcher:  fetcher,
		locks:    locks,
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("cache"),
		recorder: opts.Recorder,
		tracer:   telemetry.Tracer(),

		generations: make(map[string]uint64),
	}
	c.pool = newPool(opts.Workers, opts.QueueSize, c.runBackground)
	return c, nil
}

// Close stops accepting background refreshes and waits for queued ones to
// finish.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.pool.close()
	})
	return err
}

// Locks returns the refresh lock coordinator.
func (c *Coordinator) Locks() *refreshlock.Coordinator {
	return c.locks
}

// GetEntities returns the entities of req. FRESH data is returned as-is;
// STALE data is returned and a background refresh is scheduled; anything
// else is fetched synchronously.
func (c *Coordinator) GetEntities(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	q := req.query()
	key := model.KeyFor(q)

	ctx, span := c.startSpan(ctx, "cache.GetEntities", q)
	defer span.End()

	snap, err := c.load(ctx, q)
	if err != nil {
		return Result{}, spanError(span, err)
	}
	state := c.opts.Policy.Classify(snap.input, c.clock.Now())
	c.recorder.CacheDecision(string(state))
	span.SetAttributes(attribute.String("cache.state", string(state)))

	switch state {
	case freshness.Fresh:
		return c.result(snap, SourceCache, key), nil
	case freshness.Stale:
		c.scheduleRefresh(req, key)
		return c.result(snap, SourceCache, key), nil
	}

	res, err := c.coldStart(ctx, req, key)
	if err != nil {
		return Result{}, spanError(span, err)
	}
	return res, nil
}

// Refresh fetches req from upstream regardless of freshness. It still goes
// through the refresh lock and honours backoff.
func (c *Coordinator) Refresh(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	q := req.query()
	key := model.KeyFor(q)

	ctx, span := c.startSpan(ctx, "cache.Refresh", q)
	defer span.End()

	if !c.locks.TryAcquire(key) {
		if until, ok := c.locks.BackoffUntil(key); ok {
			return Result{}, spanError(span, c.backoffError(until))
		}
		c.recorder.RefreshSkipped("in_flight")
		return Result{}, spanError(span, &apperr.Error{
			Code:       apperr.CodeRefreshPending,
			Message:    "refresh already in progress",
			RetryAfter: c.retryHint(),
		})
	}
	if err := c.refresh(ctx, req, key); err != nil {
		return Result{}, spanError(span, err)
	}
	snap, err := c.load(ctx, q)
	if err != nil {
		return Result{}, spanError(span, err)
	}
	return c.result(snap, SourceAPI, key), nil
}

// Invalidate drops a customer's cached facts so the next read is a cold
// start. Entity metadata is kept. Refreshes for the customer that are
// already in flight discard their results.
func (c *Coordinator) Invalidate(ctx context.Context, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return apperr.New(apperr.CodeInvalidArgument, "customer id is required")
	}
	c.invalidation.Lock()
	c.generations[customerID]++
	err := c.store.InvalidateCustomer(ctx, customerID)
	c.invalidation.Unlock()
	if err != nil {
		return err
	}
	c.logger.Info("invalidated customer cache", zap.String("customer_id", customerID))
	return nil
}

func (c *Coordinator) generation(customerID string) uint64 {
	c.invalidation.RLock()
	defer c.invalidation.RUnlock()
	return c.generations[customerID]
}

// snapshot is everything the store holds for one query.
type snapshot struct {
	query    model.Query
	facts    []model.MetricsFact
	metadata []model.EntityHierarchy
	input    freshness.Input
}

func (c *Coordinator) load(ctx context.Context, q model.Query) (snapshot, error) {
	coverage, err := c.store.QueryCoverage(ctx, q)
	if err != nil {
		return snapshot{}, err
	}
	facts, err := c.store.QueryFacts(ctx, q)
	if err != nil {
		return snapshot{}, err
	}
	metadata, err := c.store.QueryMetadata(ctx, q)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{
		query:    q,
		facts:    facts,
		metadata: metadata,
		input:    freshness.Summarize(q.Range, coverage, facts, metadata),
	}, nil
}

func (c *Coordinator) result(snap snapshot, source Source, key model.RefreshKey) Result {
	now := c.clock.Now()
	views := aggregate.Entities(snap.query.EntityType, snap.facts, snap.metadata)
	if views == nil {
		views = []model.EntityView{}
	}
	meta := Meta{
		Source:     source,
		Refreshing: c.locks.IsRefreshing(key),
		Freshness:  c.opts.Policy.Classify(snap.input, now),
	}
	if synced := snap.input.OldestSync; !synced.IsZero() {
		synced = synced.UTC()
		meta.LastSyncedAt = &synced
		if age := now.Sub(synced); age > 0 {
			meta.AgeSeconds = int64(age / time.Second)
		}
	}
	return Result{Entities: views, Totals: aggregate.Totals(views), Meta: meta}
}

func (c *Coordinator) startSpan(ctx context.Context, name string, q model.Query) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("customer_id", q.CustomerID),
		attribute.String("entity_type", string(q.EntityType)),
		attribute.String("scope", q.Scope.String()),
		attribute.String("range", q.Range.String()),
	))
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
	return err
}
