// Package sqlstore implements the store contracts over database/sql. The
// sqlite and postgres packages open a handle, apply their migrations and
// hand it to New.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"adsmetrics-proxy/internal/model"
	"adsmetrics-proxy/internal/store"
	"adsmetrics-proxy/internal/store/sqlmigrate"
)

// Store persists rows in the metrics_facts, sync_coverage and
// entity_hierarchy tables.
type Store struct {
	sqlDB   *sql.DB
	dialect sqlmigrate.Dialect
}

var _ store.Store = (*Store)(nil)

// New wraps a migrated database handle.
func New(sqlDB *sql.DB, dialect sqlmigrate.Dialect) *Store {
	return &Store{sqlDB: sqlDB, dialect: dialect}
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return store.ErrNotConfigured
	}
	return nil
}

// scopeClause narrows a query to q's scope.
func scopeClause(q model.Query) (string, []any) {
	switch {
	case q.Scope.IsAll():
		return "", nil
	case q.Scope.Type == q.EntityType:
		return " AND entity_id = ?", []any{q.Scope.ID}
	default:
		return " AND parent_entity_type = ? AND parent_entity_id = ?", []any{string(q.Scope.Type), q.Scope.ID}
	}
}

const upsertFactSQL = `
INSERT INTO metrics_facts (
    customer_id, entity_type, entity_id, date,
    parent_entity_type, parent_entity_id,
    impressions, clicks, cost_micros, conversions, conversions_value,
    synced_at, data_freshness
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (customer_id, entity_type, entity_id, date) DO UPDATE SET
    parent_entity_type = excluded.parent_entity_type,
    parent_entity_id = excluded.parent_entity_id,
    impressions = excluded.impressions,
    clicks = excluded.clicks,
    cost_micros = excluded.cost_micros,
    conversions = excluded.conversions,
    conversions_value = excluded.conversions_value,
    synced_at = excluded.synced_at,
    data_freshness = excluded.data_freshness`

func (s *Store) upsertFacts(ctx context.Context, tx *sql.Tx, rows []model.MetricsFact) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(upsertFactSQL))
	if err != nil {
		return fmt.Errorf("prepare fact upsert: %w", err)
	}
	defer stmt.Close()
	for _, f := range rows {
		if _, err := stmt.ExecContext(ctx,
			f.CustomerID,
			string(f.EntityType),
			f.EntityID,
			f.Date,
			string(f.ParentEntityType),
			f.ParentEntityID,
			int64(f.Counters.Impressions),
			int64(f.Counters.Clicks),
			f.Counters.CostMicros,
			f.Counters.Conversions,
			f.Counters.ConversionsValue,
			toMillis(f.SyncedAt),
			string(f.DataFreshness),
		); err != nil {
			return fmt.Errorf("upsert fact %s/%s: %w", f.EntityID, f.Date, err)
		}
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
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
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return s.upsertFacts(ctx, tx, rows)
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
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		clause, scopeArgs := scopeClause(q)
		args := append([]any{q.CustomerID, string(q.EntityType), q.Range.Start, q.Range.End}, scopeArgs...)
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
			`DELETE FROM metrics_facts
			  WHERE customer_id = ? AND entity_type = ? AND date >= ? AND date <= ?`+clause), args...); err != nil {
			return fmt.Errorf("delete scope facts: %w", err)
		}
		return s.upsertFacts(ctx, tx, rows)
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
	clause, scopeArgs := scopeClause(q)
	args := append([]any{q.CustomerID, string(q.EntityType), q.Range.Start, q.Range.End}, scopeArgs...)
	rows, err := s.sqlDB.QueryContext(ctx, s.dialect.Rebind(
		`SELECT customer_id, entity_type, entity_id, date,
		        parent_entity_type, parent_entity_id,
		        impressions, clicks, cost_micros, conversions, conversions_value,
		        synced_at, data_freshness
		   FROM metrics_facts
		  WHERE customer_id = ? AND entity_type = ? AND date >= ? AND date <= ?`+clause+`
		  ORDER BY date, entity_id`), args...)
	if err != nil {
		return nil, store.Wrap("query facts", err)
	}
	defer rows.Close()

	var facts []model.MetricsFact
	for rows.Next() {
		var (
			f                      model.MetricsFact
			entityType, parentType string
			freshness              string
			impressions, clicks    int64
			syncedAt               int64
		)
		if err := rows.Scan(
			&f.CustomerID,
			&entityType,
			&f.EntityID,
			&f.Date,
			&parentType,
			&f.ParentEntityID,
			&impressions,
			&clicks,
			&f.Counters.CostMicros,
			&f.Counters.Conversions,
			&f.Counters.ConversionsValue,
			&syncedAt,
			&freshness,
		); err != nil {
			return nil, store.Wrap("scan fact", err)
		}
		f.EntityType = model.EntityType(entityType)
		f.ParentEntityType = model.EntityType(parentType)
		f.Counters.Impressions = uint64(impressions)
		f.Counters.Clicks = uint64(clicks)
		f.SyncedAt = fromMillis(syncedAt)
		f.DataFreshness = model.DataFreshness(freshness)
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("iterate facts", err)
	}
	return facts, nil
}

// UpsertCoverage writes coverage rows by natural key.
func (s *Store) UpsertCoverage(ctx context.Context, rows []model.SyncCoverage) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(`
INSERT INTO sync_coverage (customer_id, entity_type, scope_key, date, synced_at, data_freshness)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (customer_id, entity_type, scope_key, date) DO UPDATE SET
    synced_at = excluded.synced_at,
    data_freshness = excluded.data_freshness`))
		if err != nil {
			return fmt.Errorf("prepare coverage upsert: %w", err)
		}
		defer stmt.Close()
		for _, c := range rows {
			if _, err := stmt.ExecContext(ctx,
				c.CustomerID, string(c.EntityType), c.ScopeKey, c.Date,
				toMillis(c.SyncedAt), string(c.DataFreshness),
			); err != nil {
				return fmt.Errorf("upsert coverage %s: %w", c.Date, err)
			}
		}
		return nil
	})
	return store.Wrap("upsert coverage", err)
}

// QueryCoverage returns the coverage of q's scope within its range, by date.
func (s *Store) QueryCoverage(ctx context.Context, q model.Query) ([]model.SyncCoverage, error) {
	q = q.Normalize()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := store.ValidateQuery(q, true); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, s.dialect.Rebind(
		`SELECT customer_id, entity_type, scope_key, date, synced_at, data_freshness
		   FROM sync_coverage
		  WHERE customer_id = ? AND entity_type = ? AND scope_key = ? AND date >= ? AND date <= ?
		  ORDER BY date`),
		q.CustomerID, string(q.EntityType), q.Scope.String(), q.Range.Start, q.Range.End)
	if err != nil {
		return nil, store.Wrap("query coverage", err)
	}
	defer rows.Close()

	var coverage []model.SyncCoverage
	for rows.Next() {
		var (
			c                     model.SyncCoverage
			entityType, freshness string
			syncedAt              int64
		)
		if err := rows.Scan(&c.CustomerID, &entityType, &c.ScopeKey, &c.Date, &syncedAt, &freshness); err != nil {
			return nil, store.Wrap("scan coverage", err)
		}
		c.EntityType = model.EntityType(entityType)
		c.SyncedAt = fromMillis(syncedAt)
		c.DataFreshness = model.DataFreshness(freshness)
		coverage = append(coverage, c)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("iterate coverage", err)
	}
	return coverage, nil
}

// InvalidateCustomer deletes a customer's facts and coverage.
func (s *Store) InvalidateCustomer(ctx context.Context, customerID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"metrics_facts", "sync_coverage"} {
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind("DELETE FROM "+table+" WHERE customer_id = ?"), customerID); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		return nil
	})
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
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(`
INSERT INTO entity_hierarchy (
    customer_id, entity_type, entity_id, entity_name, status, campaign_type,
    parent_entity_type, parent_entity_id, last_updated
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (customer_id, entity_type, entity_id) DO UPDATE SET
    entity_name = excluded.entity_name,
    status = excluded.status,
    campaign_type = excluded.campaign_type,
    parent_entity_type = excluded.parent_entity_type,
    parent_entity_id = excluded.parent_entity_id,
    last_updated = excluded.last_updated`))
		if err != nil {
			return fmt.Errorf("prepare metadata upsert: %w", err)
		}
		defer stmt.Close()
		for _, h := range rows {
			if _, err := stmt.ExecContext(ctx,
				h.CustomerID, string(h.EntityType), h.EntityID, h.EntityName, string(h.Status), h.CampaignType,
				string(h.ParentEntityType), h.ParentEntityID, toMillis(h.LastUpdated),
			); err != nil {
				return fmt.Errorf("upsert metadata %s: %w", h.EntityID, err)
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
	clause, scopeArgs := scopeClause(q)
	args := append([]any{q.CustomerID, string(q.EntityType)}, scopeArgs...)
	rows, err := s.sqlDB.QueryContext(ctx, s.dialect.Rebind(
		`SELECT customer_id, entity_type, entity_id, entity_name, status, campaign_type,
		        parent_entity_type, parent_entity_id, last_updated
		   FROM entity_hierarchy
		  WHERE customer_id = ? AND entity_type = ?`+clause+`
		  ORDER BY entity_id`), args...)
	if err != nil {
		return nil, store.Wrap("query metadata", err)
	}
	defer rows.Close()

	var out []model.EntityHierarchy
	for rows.Next() {
		var (
			h                              model.EntityHierarchy
			entityType, status, parentType string
			lastUpdated                    int64
		)
		if err := rows.Scan(
			&h.CustomerID, &entityType, &h.EntityID, &h.EntityName, &status, &h.CampaignType,
			&parentType, &h.ParentEntityID, &lastUpdated,
		); err != nil {
			return nil, store.Wrap("scan metadata", err)
		}
		h.EntityType = model.EntityType(entityType)
		h.Status = model.Status(status)
		h.ParentEntityType = model.EntityType(parentType)
		h.LastUpdated = fromMillis(lastUpdated)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("iterate metadata", err)
	}
	return out, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.sqlDB.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
