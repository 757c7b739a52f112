package store

import (
	"encoding/json"
	"net/url"
	"strings"

	"adsmetrics-proxy/internal/model"
)

// Key layout shared by the key-value backends. Every component is path
// escaped so identifiers cannot collide across separators. Dates sort
// lexically, so a fact prefix scan visits days in order.
//
//	facts/<customer>/<type>/<date>/<entity>
//	coverage/<customer>/<type>/<scope>/<date>
//	meta/<customer>/<type>/<entity>

const (
	factsSpace    = "facts"
	coverageSpace = "coverage"
	metaSpace     = "meta"
)

func joinKey(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.Join(escaped, "/")
}

// FactKey returns the key of one fact row.
func FactKey(f model.MetricsFact) string {
	return joinKey(factsSpace, f.CustomerID, string(f.EntityType), f.Date, f.EntityID)
}

// FactTypePrefix covers every fact of one customer and entity type.
func FactTypePrefix(customerID string, entityType model.EntityType) string {
	return joinKey(factsSpace, customerID, string(entityType)) + "/"
}

// FactDayPrefix covers the facts of one customer, entity type and day.
func FactDayPrefix(customerID string, entityType model.EntityType, date string) string {
	return joinKey(factsSpace, customerID, string(entityType), date) + "/"
}

// FactCustomerPrefix covers every fact of one customer.
func FactCustomerPrefix(customerID string) string {
	return joinKey(factsSpace, customerID) + "/"
}

// CoverageKey returns the key of one coverage row.
func CoverageKey(c model.SyncCoverage) string {
	return joinKey(coverageSpace, c.CustomerID, string(c.EntityType), c.ScopeKey, c.Date)
}

// CoverageScopePrefix covers the coverage rows of one query scope.
func CoverageScopePrefix(q model.Query) string {
	return joinKey(coverageSpace, q.CustomerID, string(q.EntityType), q.Scope.String()) + "/"
}

// CoverageCustomerPrefix covers every coverage row of one customer.
func CoverageCustomerPrefix(customerID string) string {
	return joinKey(coverageSpace, customerID) + "/"
}

// MetaKey returns the key of one hierarchy row.
func MetaKey(h model.EntityHierarchy) string {
	return joinKey(metaSpace, h.CustomerID, string(h.EntityType), h.EntityID)
}

// MetaTypePrefix covers the hierarchy rows of one customer and entity type.
func MetaTypePrefix(customerID string, entityType model.EntityType) string {
	return joinKey(metaSpace, customerID, string(entityType)) + "/"
}

// Encode serializes a row for a key-value backend.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes a row written by Encode.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
