// Package storetest is a conformance suite run against every store backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsmetrics-proxy/internal/model"
	"adsmetrics-proxy/internal/store"
)

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) store.Store

var (
	syncedAt = time.Date(2024, 1, 8, 10, 30, 0, 0, time.UTC)
	week     = model.DateRange{Start: "2024-01-01", End: "2024-01-07"}
)

// Run executes every conformance test against stores produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("FactsRoundTrip", func(t *testing.T) { testFactsRoundTrip(t, open(t)) })
	t.Run("UpsertReplacesCounters", func(t *testing.T) { testUpsertReplaces(t, open(t)) })
	t.Run("ReplaceFactsWithinScope", func(t *testing.T) { testReplaceFacts(t, open(t)) })
	t.Run("ScopeFiltering", func(t *testing.T) { testScopeFiltering(t, open(t)) })
	t.Run("Coverage", func(t *testing.T) { testCoverage(t, open(t)) })
	t.Run("Metadata", func(t *testing.T) { testMetadata(t, open(t)) })
	t.Run("InvalidateCustomer", func(t *testing.T) { testInvalidate(t, open(t)) })
	t.Run("RejectsInvalidQuery", func(t *testing.T) { testInvalidQuery(t, open(t)) })
}

// Fact builds a campaign fact for customer 42.
func Fact(id, date string, impressions uint64) model.MetricsFact {
	return model.MetricsFact{
		CustomerID: "42",
		EntityType: model.EntityCampaign,
		EntityID:   id,
		Date:       date,
		Counters: model.Counters{
			Impressions:      impressions,
			Clicks:           impressions / 20,
			CostMicros:       int64(impressions) * 25_000,
			Conversions:      decimal.RequireFromString("2.5"),
			ConversionsValue: decimal.NewFromInt(120),
		},
		SyncedAt:      syncedAt,
		DataFreshness: model.FreshnessFinal,
	}
}

func campaigns() model.Query {
	return model.Query{CustomerID: "42", EntityType: model.EntityCampaign, Range: week}
}

type factSig struct {
	Key              model.FactKey
	ParentType       model.EntityType
	ParentID         string
	Impressions      uint64
	Clicks           uint64
	CostMicros       int64
	Conversions      string
	ConversionsValue string
	DataFreshness    model.DataFreshness
}

func sig(rows []model.MetricsFact) []factSig {
	out := make([]factSig, len(rows))
	for i, f := range rows {
		out[i] = factSig{
			Key:              f.Key(),
			ParentType:       f.ParentEntityType,
			ParentID:         f.ParentEntityID,
			Impressions:      f.Counters.Impressions,
			Clicks:           f.Counters.Clicks,
			CostMicros:       f.Counters.CostMicros,
			Conversions:      f.Counters.Conversions.String(),
			ConversionsValue: f.Counters.ConversionsValue.String(),
			DataFreshness:    f.DataFreshness,
		}
	}
	return out
}

func testFactsRoundTrip(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	rows := []model.MetricsFact{
		Fact("c1", "2024-01-02", 1000),
		Fact("c1", "2024-01-03", 2000),
		Fact("c2", "2024-01-03", 300),
	}
	require.NoError(t, s.UpsertFacts(ctx, rows))

	got, err := s.QueryFacts(ctx, campaigns())
	require.NoError(t, err)
	assert.ElementsMatch(t, sig(rows), sig(got))
	for _, f := range got {
		assert.True(t, f.SyncedAt.Equal(syncedAt), "synced at %s", f.SyncedAt)
	}

	outside := campaigns()
	outside.Range = model.DateRange{Start: "2024-02-01", End: "2024-02-07"}
	got, err = s.QueryFacts(ctx, outside)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testUpsertReplaces(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.UpsertFacts(ctx, []model.MetricsFact{Fact("c1", "2024-01-02", 1000)}))
	corrected := Fact("c1", "2024-01-02", 900)
	corrected.SyncedAt = syncedAt.Add(time.Hour)
	require.NoError(t, s.UpsertFacts(ctx, []model.MetricsFact{corrected}))

	got, err := s.QueryFacts(ctx, campaigns())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(900), got[0].Counters.Impressions)
	assert.True(t, got[0].SyncedAt.Equal(corrected.SyncedAt))
}

func testReplaceFacts(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.UpsertFacts(ctx, []model.MetricsFact{
		Fact("c1", "2024-01-02", 1000),
		Fact("c2", "2024-01-02", 500),
		Fact("c2", "2024-01-09", 700),
	}))

	scoped := campaigns()
	scoped.Scope = model.Scope{Type: model.EntityCampaign, ID: "c2"}
	require.NoError(t, s.ReplaceFacts(ctx, scoped, []model.MetricsFact{Fact("c2", "2024-01-05", 50)}))

	got, err := s.QueryFacts(ctx, model.Query{
		CustomerID: "42",
		EntityType: model.EntityCampaign,
		Range:      model.DateRange{Start: "2024-01-01", End: "2024-01-31"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, sig([]model.MetricsFact{
		Fact("c1", "2024-01-02", 1000),
		Fact("c2", "2024-01-05", 50),
		Fact("c2", "2024-01-09", 700),
	}), sig(got))
}

func testScopeFiltering(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	adGroup := func(id, campaign string) model.MetricsFact {
		f := Fact(id, "2024-01-03", 100)
		f.EntityType = model.EntityAdGroup
		f.ParentEntityType = model.EntityCampaign
		f.ParentEntityID = campaign
		return f
	}
	require.NoError(t, s.UpsertFacts(ctx, []model.MetricsFact{
		adGroup("a1", "c1"),
		adGroup("a2", "c1"),
		adGroup("a3", "c2"),
		Fact("c1", "2024-01-03", 100),
	}))

	q := model.Query{
		CustomerID: "42",
		EntityType: model.EntityAdGroup,
		Scope:      model.Scope{Type: model.EntityCampaign, ID: "c1"},
		Range:      week,
	}
	got, err := s.QueryFacts(ctx, q)
	require.NoError(t, err)
	assert.ElementsMatch(t, sig([]model.MetricsFact{adGroup("a1", "c1"), adGroup("a2", "c1")}), sig(got))

	q.Scope = model.AllEntities
	got, err = s.QueryFacts(ctx, q)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func testCoverage(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	q := campaigns()
	q.Scope = model.Scope{Type: model.EntityCampaign, ID: "123"}
	rows := []model.SyncCoverage{
		{CustomerID: "42", EntityType: model.EntityCampaign, ScopeKey: q.Scope.String(), Date: "2024-01-01", SyncedAt: syncedAt, DataFreshness: model.FreshnessFinal},
		{CustomerID: "42", EntityType: model.EntityCampaign, ScopeKey: q.Scope.String(), Date: "2024-01-02", SyncedAt: syncedAt, DataFreshness: model.FreshnessPartial},
		{CustomerID: "42", EntityType: model.EntityCampaign, ScopeKey: "*", Date: "2024-01-03", SyncedAt: syncedAt, DataFreshness: model.FreshnessFinal},
	}
	require.NoError(t, s.UpsertCoverage(ctx, rows))

	later := rows[1]
	later.SyncedAt = syncedAt.Add(time.Minute)
	later.DataFreshness = model.FreshnessFinal
	require.NoError(t, s.UpsertCoverage(ctx, []model.SyncCoverage{later}))

	got, err := s.QueryCoverage(ctx, q)
	require.NoError(t, err)
	require.Len(t, got, 2)
	byDate := map[string]model.SyncCoverage{}
	for _, c := range got {
		byDate[c.Date] = c
	}
	assert.Equal(t, model.FreshnessFinal, byDate["2024-01-02"].DataFreshness)
	assert.True(t, byDate["2024-01-02"].SyncedAt.Equal(later.SyncedAt))
	assert.True(t, byDate["2024-01-01"].SyncedAt.Equal(syncedAt))
}

func testMetadata(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	rows := []model.EntityHierarchy{
		{CustomerID: "42", EntityType: model.EntityCampaign, EntityID: "c1", EntityName: "Brand", Status: model.StatusEnabled, CampaignType: "SEARCH", LastUpdated: syncedAt},
		{CustomerID: "42", EntityType: model.EntityAdGroup, EntityID: "a1", EntityName: "Shoes", Status: model.StatusPaused, ParentEntityType: model.EntityCampaign, ParentEntityID: "c1", LastUpdated: syncedAt},
		{CustomerID: "42", EntityType: model.EntityAdGroup, EntityID: "a2", EntityName: "Hats", Status: model.StatusEnabled, ParentEntityType: model.EntityCampaign, ParentEntityID: "c9", LastUpdated: syncedAt},
	}
	require.NoError(t, s.UpsertMetadata(ctx, rows))

	renamed := rows[0]
	renamed.EntityName = "Brand Exact"
	require.NoError(t, s.UpsertMetadata(ctx, []model.EntityHierarchy{renamed}))

	got, err := s.QueryMetadata(ctx, model.Query{CustomerID: "42", EntityType: model.EntityCampaign})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Brand Exact", got[0].EntityName)
	assert.Equal(t, "SEARCH", got[0].CampaignType)

	got, err = s.QueryMetadata(ctx, model.Query{
		CustomerID: "42",
		EntityType: model.EntityAdGroup,
		Scope:      model.Scope{Type: model.EntityCampaign, ID: "c1"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Shoes", got[0].EntityName)
	assert.Equal(t, model.StatusPaused, got[0].Status)
}

func testInvalidate(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	other := Fact("c1", "2024-01-02", 10)
	other.CustomerID = "43"
	require.NoError(t, s.UpsertFacts(ctx, []model.MetricsFact{Fact("c1", "2024-01-02", 10), other}))
	require.NoError(t, s.UpsertCoverage(ctx, []model.SyncCoverage{
		{CustomerID: "42", EntityType: model.EntityCampaign, ScopeKey: "*", Date: "2024-01-02", SyncedAt: syncedAt, DataFreshness: model.FreshnessFinal},
	}))
	require.NoError(t, s.UpsertMetadata(ctx, []model.EntityHierarchy{
		{CustomerID: "42", EntityType: model.EntityCampaign, EntityID: "c1", EntityName: "Brand", Status: model.StatusEnabled, LastUpdated: syncedAt},
	}))

	require.NoError(t, s.InvalidateCustomer(ctx, "42"))

	facts, err := s.QueryFacts(ctx, campaigns())
	require.NoError(t, err)
	assert.Empty(t, facts)
	coverage, err := s.QueryCoverage(ctx, campaigns())
	require.NoError(t, err)
	assert.Empty(t, coverage)
	meta, err := s.QueryMetadata(ctx, campaigns())
	require.NoError(t, err)
	assert.Len(t, meta, 1, "metadata survives invalidation")

	q := campaigns()
	q.CustomerID = "43"
	facts, err = s.QueryFacts(ctx, q)
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func testInvalidQuery(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.QueryFacts(ctx, model.Query{CustomerID: "42", EntityType: model.EntityCampaign})
	assert.Error(t, err, "missing range")

	q := campaigns()
	q.Scope = model.Scope{Type: model.EntityCampaign, ID: "c1"}
	q.EntityType = model.EntityKeyword
	_, err = s.QueryFacts(ctx, q)
	assert.Error(t, err, "scope two levels up")
}
