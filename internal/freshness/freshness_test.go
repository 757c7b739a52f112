package freshness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"adsmetrics-proxy/internal/model"
)

func TestClassifyAgeTiers(t *testing.T) {
	p := DefaultPolicy()

	cases := []struct {
		age  time.Duration
		want State
	}{
		{0, Fresh},
		{p.Fresh - time.Nanosecond, Fresh},
		{p.Fresh, Stale},
		{2 * time.Hour, Stale},
		{p.Stale - time.Nanosecond, Stale},
		{p.Stale, Expired},
		{72 * time.Hour, Expired},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.ClassifyAge(tc.age, false), "age %s", tc.age)
	}
}

func TestClassifyAgePartialNeverFreshPastWindow(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, Fresh, p.ClassifyAge(time.Minute, true))
	assert.Equal(t, Expired, p.ClassifyAge(p.Fresh, true))
	assert.Equal(t, Expired, p.ClassifyAge(time.Hour, true))

	p.PartialStale = time.Hour
	assert.Equal(t, Stale, p.ClassifyAge(30*time.Minute, true))
}

func TestClassifyMissingInputs(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, Missing, p.Classify(Input{}, now))
	assert.Equal(t, Missing, p.Classify(Input{Complete: false, OldestSync: now}, now))
	assert.Equal(t, Missing, p.Classify(Input{Complete: true, OldestSync: now, FactCount: 3}, now))
	assert.Equal(t, Fresh, p.Classify(Input{Complete: true, OldestSync: now, FactCount: 3, MetadataCount: 1}, now))
	assert.Equal(t, Fresh, p.Classify(Input{Complete: true, OldestSync: now}, now), "synced but idle scope")
	assert.Equal(t, Stale, p.Classify(Input{Complete: true, OldestSync: now.Add(-time.Hour)}, now))
	assert.Equal(t, Expired, p.Classify(Input{Complete: true, OldestSync: now.Add(-25 * time.Hour)}, now))
}

func TestSummarize(t *testing.T) {
	r := model.DateRange{Start: "2024-01-01", End: "2024-01-03"}
	old := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	recent := old.Add(time.Hour)

	coverage := []model.SyncCoverage{
		{Date: "2024-01-01", SyncedAt: recent, DataFreshness: model.FreshnessFinal},
		{Date: "2024-01-02", SyncedAt: old, DataFreshness: model.FreshnessFinal},
	}
	in := Summarize(r, coverage, nil, nil)
	assert.False(t, in.Complete)

	coverage = append(coverage, model.SyncCoverage{Date: "2024-01-03", SyncedAt: recent, DataFreshness: model.FreshnessPartial})
	facts := []model.MetricsFact{{Date: "2024-01-02", SyncedAt: recent}}
	in = Summarize(r, coverage, facts, []model.EntityHierarchy{{EntityID: "c1"}})
	assert.True(t, in.Complete)
	assert.True(t, in.Partial)
	assert.Equal(t, old, in.OldestSync)
	assert.Equal(t, 1, in.FactCount)
	assert.Equal(t, 1, in.MetadataCount)
}
