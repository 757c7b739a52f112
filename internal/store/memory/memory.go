// Package memory provides an in-process store used by tests and by the
// "memory" driver for single-instance deployments that accept losing the
// cache on restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"adsmetrics-proxy/internal/model"
	"adsmetrics-proxy/internal/store"
)

type coverageKey struct {
	customerID string
	entityType model.EntityType
	scopeKey   string
	date       string
}

type metaKey struct {
	customerID string
	entityType model.EntityType
	entityID   string
}

// Store keeps every row in maps guarded by one RWMutex.
type Store struct {
	mu       sync.RWMutex
	facts    map[model.FactKey]model.MetricsFact
	coverage map[coverageKey]model.SyncCoverage
	meta     map[metaKey]model.EntityHierarchy
	closed   bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		facts:    make(map[model.FactKey]model.MetricsFact),
		coverage: make(map[coverageKey]model.SyncCoverage),
		meta:     make(map[metaKey]model.EntityHierarchy),
	}
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return store.ErrNotConfigured
	}
	return nil
}

// UpsertFacts writes rows, replacing any existing row with the same key.
func (s *Store) UpsertFacts(ctx context.Context, rows []model.MetricsFact) error {
	for _, f := range rows {
		if err := store.ValidateFact(f); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	for _, f := range rows {
		s.facts[f.Key()] = f
	}
	return nil
}

// ReplaceFacts drops the facts matching q and writes rows in one critical section.
func (s *Store) ReplaceFacts(ctx context.Context, q model.Query, rows []model.MetricsFact) error {
	q = q.Normalize()
	if err := store.ValidateQuery(q, true); err != nil {
		return err
	}
	for _, f := range rows {
		if err := store.ValidateFact(f); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	for key, f := range s.facts {
		if q.MatchesFact(f) {
			delete(s.facts, key)
		}
	}
	for _, f := range rows {
		s.facts[f.Key()] = f
	}
	return nil
}

// QueryFacts returns the facts matching q ordered by date then entity.
func (s *Store) QueryFacts(ctx context.Context, q model.Query) ([]model.MetricsFact, error) {
	q = q.Normalize()
	if err := store.ValidateQuery(q, true); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var rows []model.MetricsFact
	for _, f := range s.facts {
		if q.MatchesFact(f) {
			rows = append(rows, f)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Date != rows[j].Date {
			return rows[i].Date < rows[j].Date
		}
		return rows[i].EntityID < rows[j].EntityID
	})
	return rows, nil
}

// UpsertCoverage writes coverage rows by natural key.
func (s *Store) UpsertCoverage(ctx context.Context, rows []model.SyncCoverage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	for _, c := range rows {
		s.coverage[coverageKey{c.CustomerID, c.EntityType, c.ScopeKey, c.Date}] = c
	}
	return nil
}

// QueryCoverage returns the coverage of q's scope within its range, by date.
func (s *Store) QueryCoverage(ctx context.Context, q model.Query) ([]model.SyncCoverage, error) {
	q = q.Normalize()
	if err := store.ValidateQuery(q, true); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var rows []model.SyncCoverage
	for _, day := range q.Range.Days() {
		if c, ok := s.coverage[coverageKey{q.CustomerID, q.EntityType, q.Scope.String(), day}]; ok {
			rows = append(rows, c)
		}
	}
	return rows, nil
}

// InvalidateCustomer drops a customer's facts and coverage.
func (s *Store) InvalidateCustomer(ctx context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	for key := range s.facts {
		if key.CustomerID == customerID {
			delete(s.facts, key)
		}
	}
	for key := range s.coverage {
		if key.customerID == customerID {
			delete(s.coverage, key)
		}
	}
	return nil
}

// UpsertMetadata writes hierarchy rows by natural key.
func (s *Store) UpsertMetadata(ctx context.Context, rows []model.EntityHierarchy) error {
	for _, h := range rows {
		if err := store.ValidateMetadata(h); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	for _, h := range rows {
		s.meta[metaKey{h.CustomerID, h.EntityType, h.EntityID}] = h
	}
	return nil
}

// QueryMetadata returns the hierarchy rows in q's scope ordered by entity ID.
func (s *Store) QueryMetadata(ctx context.Context, q model.Query) ([]model.EntityHierarchy, error) {
	q = q.Normalize()
	if err := store.ValidateQuery(q, false); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var rows []model.EntityHierarchy
	for _, h := range s.meta {
		if q.MatchesMetadata(h) {
			rows = append(rows, h)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].EntityID < rows[j].EntityID })
	return rows, nil
}

// Ping reports whether the store is open.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(ctx)
}

// Close marks the store closed.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
