// Package upstream defines the contract with the advertising API and ships
// an HTTP client for it plus an in-memory fake.
package upstream

import (
	"context"
	"fmt"
	"strings"

	"adsmetrics-proxy/internal/model"
)

// Credential authorizes calls on behalf of one end user.
type Credential struct {
	AccessToken string
}

// FetchRequest asks upstream for daily counters of every entity of one type
// in a scope. Range is required; there is no implicit "today".
type FetchRequest struct {
	Credential Credential
	CustomerID string
	// ManagerID is the parent manager account the call is made through, if any.
	ManagerID  string
	EntityType model.EntityType
	Scope      model.Scope
	Range      model.DateRange
}

// Validate rejects requests upstream would refuse anyway.
func (r FetchRequest) Validate() error {
	if strings.TrimSpace(r.CustomerID) == "" {
		return fmt.Errorf("customer id is required")
	}
	if !r.EntityType.Valid() {
		return fmt.Errorf("invalid entity type %q", r.EntityType)
	}
	if err := r.Scope.ValidFor(r.EntityType); err != nil {
		return err
	}
	return r.Range.Validate()
}

// Fetcher fetches raw counters. Failures carry apperr codes RATE_LIMITED
// (with RetryAfter), QUOTA_EXCEEDED, AUTH or TRANSIENT.
type Fetcher interface {
	FetchEntities(ctx context.Context, req FetchRequest) ([]model.RawEntityCounters, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req FetchRequest) ([]model.RawEntityCounters, error)

// FetchEntities calls f.
func (f FetcherFunc) FetchEntities(ctx context.Context, req FetchRequest) ([]model.RawEntityCounters, error) {
	return f(ctx, req)
}
