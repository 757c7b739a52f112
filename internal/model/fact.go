package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DataFreshness marks whether a day's counters can still change upstream.
type DataFreshness string

const (
	// FreshnessPartial is used for the current day, whose numbers are provisional.
	FreshnessPartial DataFreshness = "PARTIAL"
	FreshnessFinal   DataFreshness = "FINAL"
)

// openDayLag is how far the latest account timezone (UTC-12) trails UTC.
const openDayLag = 12 * time.Hour

// FreshnessFor returns PARTIAL for any day that is still in progress in some
// account timezone as of now, and for future days. Account timezones are not
// known here, so the earliest day still open anywhere is used.
func FreshnessFor(date string, now time.Time) DataFreshness {
	if date >= DayOf(now.Add(-openDayLag)) {
		return FreshnessPartial
	}
	return FreshnessFinal
}

// Counters are the raw additive metrics reported by upstream. Ratios are
// never stored; they are derived when a view is built.
type Counters struct {
	Impressions      uint64          `json:"impressions"`
	Clicks           uint64          `json:"clicks"`
	CostMicros       int64           `json:"costMicros"`
	Conversions      decimal.Decimal `json:"conversions"`
	ConversionsValue decimal.Decimal `json:"conversionsValue"`
}

// Add returns the element-wise sum of c and other.
func (c Counters) Add(other Counters) Counters {
	return Counters{
		Impressions:      c.Impressions + other.Impressions,
		Clicks:           c.Clicks + other.Clicks,
		CostMicros:       c.CostMicros + other.CostMicros,
		Conversions:      c.Conversions.Add(other.Conversions),
		ConversionsValue: c.ConversionsValue.Add(other.ConversionsValue),
	}
}

// MetricsFact is one entity's counters for one day. Natural key:
// (CustomerID, EntityType, EntityID, Date).
type MetricsFact struct {
	CustomerID       string        `json:"customerId"`
	EntityType       EntityType    `json:"entityType"`
	EntityID         string        `json:"entityId"`
	ParentEntityType EntityType    `json:"parentEntityType,omitempty"`
	ParentEntityID   string        `json:"parentEntityId,omitempty"`
	Date             string        `json:"date"`
	Counters         Counters      `json:"counters"`
	SyncedAt         time.Time     `json:"syncedAt"`
	DataFreshness    DataFreshness `json:"dataFreshness"`
}

// FactKey identifies a MetricsFact.
type FactKey struct {
	CustomerID string
	EntityType EntityType
	EntityID   string
	Date       string
}

// Key returns the natural key of f.
func (f MetricsFact) Key() FactKey {
	return FactKey{CustomerID: f.CustomerID, EntityType: f.EntityType, EntityID: f.EntityID, Date: f.Date}
}

// EntityHierarchy is the metadata of one entity. Natural key:
// (CustomerID, EntityType, EntityID).
type EntityHierarchy struct {
	CustomerID       string     `json:"customerId"`
	EntityType       EntityType `json:"entityType"`
	EntityID         string     `json:"entityId"`
	EntityName       string     `json:"entityName"`
	Status           Status     `json:"status"`
	CampaignType     string     `json:"campaignType,omitempty"`
	ParentEntityType EntityType `json:"parentEntityType,omitempty"`
	ParentEntityID   string     `json:"parentEntityId,omitempty"`
	LastUpdated      time.Time  `json:"lastUpdated"`
}

// SyncCoverage records that a scope was synced for one day, whether or not
// upstream reported any rows for it. Natural key:
// (CustomerID, EntityType, ScopeKey, Date).
type SyncCoverage struct {
	CustomerID    string        `json:"customerId"`
	EntityType    EntityType    `json:"entityType"`
	ScopeKey      string        `json:"scopeKey"`
	Date          string        `json:"date"`
	SyncedAt      time.Time     `json:"syncedAt"`
	DataFreshness DataFreshness `json:"dataFreshness"`
}

// Query selects facts, coverage or metadata for one customer and entity type.
// Range is ignored by metadata lookups.
type Query struct {
	CustomerID string
	EntityType EntityType
	Scope      Scope
	Range      DateRange
}

// Normalize trims identifiers so stores and keys agree on them.
func (q Query) Normalize() Query {
	q.CustomerID = strings.TrimSpace(q.CustomerID)
	q.Scope.ID = strings.TrimSpace(q.Scope.ID)
	return q
}

// MatchesFact reports whether f belongs to the query, date range included.
func (q Query) MatchesFact(f MetricsFact) bool {
	return f.CustomerID == q.CustomerID &&
		f.EntityType == q.EntityType &&
		q.Range.Contains(f.Date) &&
		q.Scope.Matches(f.EntityType, f.EntityID, f.ParentEntityType, f.ParentEntityID)
}

// MatchesMetadata reports whether h belongs to the query, ignoring dates.
func (q Query) MatchesMetadata(h EntityHierarchy) bool {
	return h.CustomerID == q.CustomerID &&
		h.EntityType == q.EntityType &&
		q.Scope.Matches(h.EntityType, h.EntityID, h.ParentEntityType, h.ParentEntityID)
}
