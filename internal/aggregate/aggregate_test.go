package aggregate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsmetrics-proxy/internal/model"
)

var syncedAt = time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)

func fact(id, date string, c model.Counters) model.MetricsFact {
	return model.MetricsFact{
		CustomerID: "42",
		EntityType: model.EntityCampaign,
		EntityID:   id,
		Date:       date,
		Counters:   c,
		SyncedAt:   syncedAt,
	}
}

func TestEntitiesDerivesRatios(t *testing.T) {
	facts := []model.MetricsFact{fact("123", "2024-01-03", model.Counters{
		Impressions:      1000,
		Clicks:           50,
		CostMicros:       25_000_000,
		Conversions:      decimal.NewFromInt(5),
		ConversionsValue: decimal.NewFromInt(500),
	})}
	meta := []model.EntityHierarchy{{CustomerID: "42", EntityType: model.EntityCampaign, EntityID: "123", EntityName: "Brand", Status: model.StatusPaused}}

	views := Entities(model.EntityCampaign, facts, meta)
	require.Len(t, views, 1)
	v := views[0]
	assert.Equal(t, "Brand", v.Name)
	assert.Equal(t, model.StatusPaused, v.Status)
	assert.InDelta(t, 0.05, v.CTR, 1e-9)
	assert.InDelta(t, 5.0, v.CPA, 1e-9)
	assert.InDelta(t, 20.0, v.ROAS, 1e-9)
	assert.InDelta(t, 25.0, v.Cost, 1e-9)
}

func TestEntitiesSumsAcrossDates(t *testing.T) {
	facts := []model.MetricsFact{
		fact("c1", "2024-01-01", model.Counters{Impressions: 100, Clicks: 10, CostMicros: 1_000_000}),
		fact("c1", "2024-01-02", model.Counters{Impressions: 300, Clicks: 30, CostMicros: 3_000_000, Conversions: decimal.NewFromInt(2)}),
		fact("c2", "2024-01-01", model.Counters{Impressions: 10}),
	}

	views := Entities(model.EntityCampaign, facts, nil)
	require.Len(t, views, 2)
	assert.Equal(t, "c1", views[0].EntityID)
	assert.Equal(t, uint64(400), views[0].Impressions)
	assert.Equal(t, uint64(40), views[0].Clicks)
	assert.InDelta(t, 0.1, views[0].CTR, 1e-9)
	assert.InDelta(t, 2.0, views[0].CPA, 1e-9)
	assert.Zero(t, views[0].ROAS)
}

func TestEntitiesZeroDenominators(t *testing.T) {
	views := Entities(model.EntityCampaign, []model.MetricsFact{fact("c1", "2024-01-01", model.Counters{})}, nil)
	require.Len(t, views, 1)
	assert.Zero(t, views[0].CTR)
	assert.Zero(t, views[0].CPA)
	assert.Zero(t, views[0].ROAS)
}

func TestEntitiesPlaceholderMetadata(t *testing.T) {
	views := Entities(model.EntityAdGroup, []model.MetricsFact{{
		EntityType:       model.EntityAdGroup,
		EntityID:         "77",
		ParentEntityType: model.EntityCampaign,
		ParentEntityID:   "123",
		Date:             "2024-01-01",
	}}, nil)
	require.Len(t, views, 1)
	assert.Equal(t, "Ad group 77", views[0].Name)
	assert.Equal(t, model.StatusEnabled, views[0].Status)
	assert.Equal(t, "123", views[0].ParentEntityID)
}

func TestEntitiesIncludesIdleHierarchy(t *testing.T) {
	meta := []model.EntityHierarchy{{EntityType: model.EntityCampaign, EntityID: "idle", EntityName: "Idle", Status: model.StatusEnabled}}
	views := Entities(model.EntityCampaign, nil, meta)
	require.Len(t, views, 1)
	assert.Equal(t, "Idle", views[0].Name)
	assert.Zero(t, views[0].Impressions)
}

func TestEntitiesIsIdempotent(t *testing.T) {
	facts := []model.MetricsFact{
		fact("c1", "2024-01-01", model.Counters{Impressions: 100, Clicks: 3, CostMicros: 500_000, Conversions: decimal.RequireFromString("1.5")}),
		fact("c2", "2024-01-01", model.Counters{Impressions: 100, Clicks: 3, CostMicros: 500_000}),
	}
	first := Entities(model.EntityCampaign, facts, nil)
	second := Entities(model.EntityCampaign, facts, nil)
	assert.Equal(t, first, second)
	assert.Equal(t, "c1", first[0].EntityID, "ties break on entity id")
}

func TestTotals(t *testing.T) {
	views := Entities(model.EntityCampaign, []model.MetricsFact{
		fact("c1", "2024-01-01", model.Counters{Impressions: 100, Clicks: 10, CostMicros: 2_000_000, ConversionsValue: decimal.NewFromInt(8)}),
		fact("c2", "2024-01-01", model.Counters{Impressions: 100, Clicks: 30, CostMicros: 2_000_000}),
	}, nil)
	total := Totals(views)
	assert.Equal(t, uint64(200), total.Impressions)
	assert.InDelta(t, 0.2, total.CTR, 1e-9)
	assert.InDelta(t, 2.0, total.ROAS, 1e-9)
}
