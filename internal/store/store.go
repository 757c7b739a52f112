// Package store defines the persistence contracts for cached metrics facts,
// sync coverage and entity metadata.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"adsmetrics-proxy/internal/apperr"
	"adsmetrics-proxy/internal/model"
)

// ErrNotConfigured is returned by methods called on a nil or closed store.
var ErrNotConfigured = errors.New("storage is not configured")

// FactStore persists daily counters and the coverage markers written with
// them. All writes are upserts by natural key.
type FactStore interface {
	UpsertFacts(ctx context.Context, rows []model.MetricsFact) error
	// ReplaceFacts removes every fact matching q (scope and date range) and
	// writes rows in its place.
	ReplaceFacts(ctx context.Context, q model.Query, rows []model.MetricsFact) error
	QueryFacts(ctx context.Context, q model.Query) ([]model.MetricsFact, error)

	UpsertCoverage(ctx context.Context, rows []model.SyncCoverage) error
	QueryCoverage(ctx context.Context, q model.Query) ([]model.SyncCoverage, error)

	// InvalidateCustomer drops every fact and coverage row of a customer so
	// the next read is a cold start. Metadata is kept.
	InvalidateCustomer(ctx context.Context, customerID string) error
}

// HierarchyStore persists entity metadata.
type HierarchyStore interface {
	UpsertMetadata(ctx context.Context, rows []model.EntityHierarchy) error
	QueryMetadata(ctx context.Context, q model.Query) ([]model.EntityHierarchy, error)
}

// Store is a complete backend.
type Store interface {
	FactStore
	HierarchyStore
	Ping(ctx context.Context) error
	Close() error
}

// Wrap tags a backend failure with the STORE error code.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Wrap(apperr.CodeStore, op, err)
}

// ValidateQuery checks the fields every fact or coverage query needs.
func ValidateQuery(q model.Query, needRange bool) error {
	if strings.TrimSpace(q.CustomerID) == "" {
		return fmt.Errorf("customer id is required")
	}
	if !q.EntityType.Valid() {
		return fmt.Errorf("invalid entity type %q", q.EntityType)
	}
	if err := q.Scope.ValidFor(q.EntityType); err != nil {
		return err
	}
	if needRange {
		return q.Range.Validate()
	}
	return nil
}

// ValidateFact checks the natural key of a fact row.
func ValidateFact(f model.MetricsFact) error {
	if f.CustomerID == "" || f.EntityID == "" || f.Date == "" {
		return fmt.Errorf("fact %s/%s/%s: customer, entity and date are required", f.CustomerID, f.EntityID, f.Date)
	}
	if !f.EntityType.Valid() {
		return fmt.Errorf("fact %s: invalid entity type %q", f.EntityID, f.EntityType)
	}
	return nil
}

// ValidateMetadata checks the natural key of a hierarchy row.
func ValidateMetadata(h model.EntityHierarchy) error {
	if h.CustomerID == "" || h.EntityID == "" {
		return fmt.Errorf("metadata %s/%s: customer and entity are required", h.CustomerID, h.EntityID)
	}
	if !h.EntityType.Valid() {
		return fmt.Errorf("metadata %s: invalid entity type %q", h.EntityID, h.EntityType)
	}
	return nil
}
