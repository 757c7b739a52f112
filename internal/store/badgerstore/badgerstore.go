// Package badgerstore provides an embedded Badger-backed store.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"adsmetrics-proxy/internal/model"
	"adsmetrics-proxy/internal/store"
)

// Store persists rows as JSON values under the shared key layout.
type Store struct {
	db *badger.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) a Badger database at path. An empty path opens an
// in-memory database.
func Open(path string, logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(strings.TrimSpace(path))
	if opts.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(newLogger(logger))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil || s.db.IsClosed() {
		return store.ErrNotConfigured
	}
	return nil
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := store.Encode(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

// UpsertFacts writes rows by natural key.
func (s *Store) UpsertFacts(ctx context.Context, rows []model.MetricsFact) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	for _, f := range rows {
		if err := store.ValidateFact(f); err != nil {
			return err
		}
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, f := range rows {
			if err := setJSON(txn, store.FactKey(f), f); err != nil {
				return err
			}
		}
		return nil
	})
	return store.Wrap("upsert facts", err)
}

// ReplaceFacts deletes the facts matching q and writes rows in one transaction.
func (s *Store) ReplaceFacts(ctx context.Context, q model.Query, rows []model.MetricsFact) error {
	q = q.Normalize()
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := store.ValidateQuery(q, true); err != nil {
		return err
	}
	for _, f := range rows {
		if err := store.ValidateFact(f); err != nil {
			return err
		}
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := scanFacts(txn, q)
		if err != nil {
			return err
		}
		for _, f := range existing {
			if err := txn.Delete([]byte(store.FactKey(f))); err != nil {
				return err
			}
		}
		for _, f := range rows {
			if err := setJSON(txn, store.FactKey(f), f); err != nil {
				return err
			}
		}
		return nil
	})
	return store.Wrap("replace facts", err)
}

// QueryFacts returns the facts matching q ordered by date then entity.
func (s *Store) QueryFacts(ctx context.Context, q model.Query) ([]model.MetricsFact, error) {
	q = q.Normalize()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := store.ValidateQuery(q, true); err != nil {
		return nil, err
	}
	var rows []model.MetricsFact
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rows, err = scanFacts(txn, q)
		return err
	})
	if err != nil {
		return nil, store.Wrap("query facts", err)
	}
	return rows, nil
}

// scanFacts seeks to the first day of the range and walks forward until the
// end date, keeping rows inside the scope.
func scanFacts(txn *badger.Txn, q model.Query) ([]model.MetricsFact, error) {
	prefix := []byte(store.FactTypePrefix(q.CustomerID, q.EntityType))
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var rows []model.MetricsFact
	for it.Seek([]byte(store.FactDayPrefix(q.CustomerID, q.EntityType, q.Range.Start))); it.ValidForPrefix(prefix); it.Next() {
		var f model.MetricsFact
		if err := it.Item().Value(func(val []byte) error { return store.Decode(val, &f) }); err != nil {
			return nil, err
		}
		if f.Date > q.Range.End {
			break
		}
		if q.MatchesFact(f) {
			rows = append(rows, f)
		}
	}
	return rows, nil
}

// UpsertCoverage writes coverage rows by natural key.
func (s *Store) UpsertCoverage(ctx context.Context, rows []model.SyncCoverage) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, c := range rows {
			if err := setJSON(txn, store.CoverageKey(c), c); err != nil {
				return err
			}
		}
		return nil
	})
	return store.Wrap("upsert coverage", err)
}

// QueryCoverage looks up each day of the range for q's scope.
func (s *Store) QueryCoverage(ctx context.Context, q model.Query) ([]model.SyncCoverage, error) {
	q = q.Normalize()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := store.ValidateQuery(q, true); err != nil {
		return nil, err
	}
	var rows []model.SyncCoverage
	err := s.db.View(func(txn *badger.Txn) error {
		for _, day := range q.Range.Days() {
			key := store.CoverageKey(model.SyncCoverage{
				CustomerID: q.CustomerID,
				EntityType: q.EntityType,
				ScopeKey:   q.Scope.String(),
				Date:       day,
			})
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var c model.SyncCoverage
			if err := item.Value(func(val []byte) error { return store.Decode(val, &c) }); err != nil {
				return err
			}
			rows = append(rows, c)
		}
		return nil
	})
	if err != nil {
		return nil, store.Wrap("query coverage", err)
	}
	return rows, nil
}

// InvalidateCustomer drops the customer's fact and coverage prefixes.
func (s *Store) InvalidateCustomer(ctx context.Context, customerID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	err := s.db.DropPrefix(
		[]byte(store.FactCustomerPrefix(customerID)),
		[]byte(store.CoverageCustomerPrefix(customerID)),
	)
	return store.Wrap("invalidate customer", err)
}

// UpsertMetadata writes hierarchy rows by natural key.
func (s *Store) UpsertMetadata(ctx context.Context, rows []model.EntityHierarchy) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	for _, h := range rows {
		if err := store.ValidateMetadata(h); err != nil {
			return err
		}
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, h := range rows {
			if err := setJSON(txn, store.MetaKey(h), h); err != nil {
				return err
			}
		}
		return nil
	})
	return store.Wrap("upsert metadata", err)
}

// QueryMetadata returns the hierarchy rows in q's scope ordered by entity ID.
func (s *Store) QueryMetadata(ctx context.Context, q model.Query) ([]model.EntityHierarchy, error) {
	q = q.Normalize()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := store.ValidateQuery(q, false); err != nil {
		return nil, err
	}
	prefix := []byte(store.MetaTypePrefix(q.CustomerID, q.EntityType))
	var rows []model.EntityHierarchy
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var h model.EntityHierarchy
			if err := it.Item().Value(func(val []byte) error { return store.Decode(val, &h) }); err != nil {
				return err
			}
			if q.MatchesMetadata(h) {
				rows = append(rows, h)
			}
		}
		return nil
	})
	if err != nil {
		return nil, store.Wrap("query metadata", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].EntityID < rows[j].EntityID })
	return rows, nil
}

// Ping reports whether the database is open.
func (s *Store) Ping(ctx context.Context) error {
	return s.check(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil || s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}
