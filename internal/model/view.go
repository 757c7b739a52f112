package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EntityView is one entity's counters summed over a date range with the
// derived ratios filled in.
type EntityView struct {
	EntityID         string          `json:"entityId"`
	EntityType       EntityType      `json:"entityType"`
	Name             string          `json:"name"`
	Status           Status          `json:"status"`
	CampaignType     string          `json:"campaignType,omitempty"`
	ParentEntityType EntityType      `json:"parentEntityType,omitempty"`
	ParentEntityID   string          `json:"parentEntityId,omitempty"`
	Impressions      uint64          `json:"impressions"`
	Clicks           uint64          `json:"clicks"`
	CostMicros       int64           `json:"costMicros"`
	Cost             float64         `json:"cost"`
	Conversions      decimal.Decimal `json:"conversions"`
	ConversionsValue decimal.Decimal `json:"conversionsValue"`
	CTR              float64         `json:"ctr"`
	CPA              float64         `json:"cpa"`
	ROAS             float64         `json:"roas"`
}

// RefreshKey identifies one refreshable unit of cache: a customer, an entity
// type, a scope and a date range. Two requests with the same key never run
// two upstream fetches at once.
type RefreshKey string

var keyEscaper = strings.NewReplacer("%", "%25", "|", "%7C")

// KeyFor builds the refresh key of q. Parts are escaped so an identifier
// containing the separator cannot collide with another key.
func KeyFor(q Query) RefreshKey {
	q = q.Normalize()
	return RefreshKey(strings.Join([]string{
		keyEscaper.Replace(q.CustomerID),
		string(q.EntityType),
		keyEscaper.Replace(q.Scope.String()),
		q.Range.Start,
		q.Range.End,
	}, "|"))
}

// String implements fmt.Stringer.
func (k RefreshKey) String() string { return string(k) }

// RawEntityCounters is one row as returned by the upstream adapter: one entity
// on one day with its metadata inline.
type RawEntityCounters struct {
	EntityType       EntityType `json:"entityType"`
	EntityID         string     `json:"entityId"`
	EntityName       string     `json:"entityName"`
	Status           string     `json:"status"`
	CampaignType     string     `json:"campaignType,omitempty"`
	ParentEntityType EntityType `json:"parentEntityType,omitempty"`
	ParentEntityID   string     `json:"parentEntityId,omitempty"`
	Date             string     `json:"date"`
	Counters
}

// Fact converts the raw row into a MetricsFact stamped with syncedAt.
func (r RawEntityCounters) Fact(customerID string, syncedAt time.Time) MetricsFact {
	return MetricsFact{
		CustomerID:       customerID,
		EntityType:       r.EntityType,
		EntityID:         r.EntityID,
		ParentEntityType: r.ParentEntityType,
		ParentEntityID:   r.ParentEntityID,
		Date:             r.Date,
		Counters:         r.Counters,
		SyncedAt:         syncedAt,
		DataFreshness:    FreshnessFor(r.Date, syncedAt),
	}
}

// InScope fills the parent reference of a row fetched for a parent scope.
// Upstream may leave it out when the request already named the parent.
func (r RawEntityCounters) InScope(s Scope) RawEntityCounters {
	if s.IsAll() || s.Type != r.EntityType.Parent() {
		return r
	}
	if r.ParentEntityID == "" {
		r.ParentEntityType = s.Type
		r.ParentEntityID = s.ID
	} else if r.ParentEntityType == "" {
		r.ParentEntityType = s.Type
	}
	return r
}

// Metadata extracts the hierarchy row carried by the raw row.
func (r RawEntityCounters) Metadata(customerID string, syncedAt time.Time) EntityHierarchy {
	name := strings.TrimSpace(r.EntityName)
	return EntityHierarchy{
		CustomerID:       customerID,
		EntityType:       r.EntityType,
		EntityID:         r.EntityID,
		EntityName:       name,
		Status:           ParseStatus(r.Status),
		CampaignType:     r.CampaignType,
		ParentEntityType: r.ParentEntityType,
		ParentEntityID:   r.ParentEntityID,
		LastUpdated:      syncedAt,
	}
}
