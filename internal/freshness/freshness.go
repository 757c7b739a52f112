// Package freshness classifies cached metrics by age.
package freshness

import (
	"time"

	"adsmetrics-proxy/internal/model"
)

// State is the classification of a cache entry.
type State string

const (
	// Missing means there is no usable entry; fetch synchronously.
	Missing State = "MISSING"
	// Fresh entries are served as-is.
	Fresh State = "FRESH"
	// Stale entries are served and revalidated in the background.
	Stale State = "STALE"
	// Expired entries are treated like Missing.
	Expired State = "EXPIRED"
)

// Servable reports whether an entry in state s can be returned without
// waiting on upstream.
func (s State) Servable() bool {
	return s == Fresh || s == Stale
}

const (
	DefaultFresh = 5 * time.Minute
	DefaultStale = 24 * time.Hour
)

// Policy holds the tier thresholds. PartialStale replaces Stale for entries
// that cover the current day.
type Policy struct {
	Fresh        time.Duration
	Stale        time.Duration
	PartialStale time.Duration
}

// DefaultPolicy returns the recommended thresholds.
func DefaultPolicy() Policy {
	return Policy{Fresh: DefaultFresh, Stale: DefaultStale, PartialStale: DefaultFresh}
}

// Input summarizes what the store holds for one query.
type Input struct {
	// Complete is true when every day of the range has been synced.
	Complete bool
	// FactCount and MetadataCount are the rows loaded for the scope.
	FactCount     int
	MetadataCount int
	// OldestSync is the earliest sync time among the covered days and rows.
	OldestSync time.Time
	// Partial is true when any covered day was still provisional when synced.
	Partial bool
}

// Classify maps in to a state as of now. A range whose every day is covered
// is classified by age even when it holds no rows: coverage records that
// upstream was asked and reported nothing, so an idle scope is cached rather
// than refetched on every read.
func (p Policy) Classify(in Input, now time.Time) State {
	if !in.Complete || in.OldestSync.IsZero() {
		return Missing
	}
	// Rows without any hierarchy are a cold start: names and statuses were
	// never loaded for this scope.
	if in.FactCount > 0 && in.MetadataCount == 0 {
		return Missing
	}
	age := now.Sub(in.OldestSync)
	if age < 0 {
		age = 0
	}
	return p.ClassifyAge(age, in.Partial)
}

// ClassifyAge maps an age onto FRESH, STALE or EXPIRED.
func (p Policy) ClassifyAge(age time.Duration, partial bool) State {
	stale := p.Stale
	if partial {
		stale = p.PartialStale
	}
	switch {
	case age < p.Fresh:
		return Fresh
	case age < stale:
		return Stale
	default:
		return Expired
	}
}

// Summarize builds an Input from the loaded coverage, facts and metadata.
// Every day of r must have a coverage row for the input to be complete.
func Summarize(r model.DateRange, coverage []model.SyncCoverage, facts []model.MetricsFact, metadata []model.EntityHierarchy) Input {
	in := Input{FactCount: len(facts), MetadataCount: len(metadata)}

	covered := make(map[string]struct{}, len(coverage))
	for _, c := range coverage {
		if !r.Contains(c.Date) {
			continue
		}
		covered[c.Date] = struct{}{}
		in.OldestSync = earliest(in.OldestSync, c.SyncedAt)
		if c.DataFreshness == model.FreshnessPartial {
			in.Partial = true
		}
	}
	in.Complete = len(covered) > 0
	for _, day := range r.Days() {
		if _, ok := covered[day]; !ok {
			in.Complete = false
			break
		}
	}

	for _, f := range facts {
		in.OldestSync = earliest(in.OldestSync, f.SyncedAt)
		if f.DataFreshness == model.FreshnessPartial {
			in.Partial = true
		}
	}
	return in
}

func earliest(current, candidate time.Time) time.Time {
	if candidate.IsZero() {
		return current
	}
	if current.IsZero() || candidate.Before(current) {
		return candidate
	}
	return current
}
