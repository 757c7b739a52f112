package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntityType(t *testing.T) {
	for input, want := range map[string]EntityType{
		"campaign": EntityCampaign,
		"ad-group": EntityAdGroup,
		"AD_GROUP": EntityAdGroup,
		" keyword": EntityKeyword,
	} {
		got, err := ParseEntityType(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseEntityType("ad")
	assert.Error(t, err)
}

func TestParseDateRange(t *testing.T) {
	r, err := ParseDateRange("2024-01-01", "2024-01-07")
	require.NoError(t, err)
	assert.Len(t, r.Days(), 7)
	assert.True(t, r.Contains("2024-01-03"))
	assert.False(t, r.Contains("2024-01-08"))

	_, err = ParseDateRange("", "2024-01-07")
	assert.ErrorIs(t, err, ErrRangeRequired)

	_, err = ParseDateRange("2024-01-07", "2024-01-01")
	assert.Error(t, err)

	_, err = ParseDateRange("2023-01-01", "2024-12-31")
	assert.Error(t, err)
}

func TestScopeParseAndMatch(t *testing.T) {
	scope, err := ParseScope("campaign:123")
	require.NoError(t, err)
	assert.Equal(t, Scope{Type: EntityCampaign, ID: "123"}, scope)
	assert.Equal(t, "campaign:123", scope.String())

	assert.NoError(t, scope.ValidFor(EntityCampaign))
	assert.NoError(t, scope.ValidFor(EntityAdGroup))
	assert.Error(t, scope.ValidFor(EntityKeyword))

	assert.True(t, scope.Matches(EntityCampaign, "123", "", ""))
	assert.False(t, scope.Matches(EntityCampaign, "124", "", ""))
	assert.True(t, scope.Matches(EntityAdGroup, "9", EntityCampaign, "123"))
	assert.False(t, scope.Matches(EntityAdGroup, "9", EntityCampaign, "999"))

	all, err := ParseScope("*")
	require.NoError(t, err)
	assert.True(t, all.IsAll())
	assert.True(t, all.Matches(EntityKeyword, "k", EntityAdGroup, "a"))

	_, err = ParseScope("campaign:")
	assert.Error(t, err)
}

func TestKeyForIsStable(t *testing.T) {
	q := Query{
		CustomerID: " 42 ",
		EntityType: EntityAdGroup,
		Scope:      Scope{Type: EntityCampaign, ID: "123"},
		Range:      DateRange{Start: "2024-01-01", End: "2024-01-07"},
	}
	assert.Equal(t, RefreshKey("42|AD_GROUP|campaign:123|2024-01-01|2024-01-07"), KeyFor(q))

	q.Scope = AllEntities
	assert.Equal(t, RefreshKey("42|AD_GROUP|*|2024-01-01|2024-01-07"), KeyFor(q))
}

func TestKeyForEscapesSeparator(t *testing.T) {
	dates := DateRange{Start: "2024-01-01", End: "2024-01-07"}
	piped := Query{CustomerID: "4|2", EntityType: EntityAdGroup, Scope: Scope{Type: EntityCampaign, ID: "1|x"}, Range: dates}
	assert.Equal(t, RefreshKey("4%7C2|AD_GROUP|campaign:1%7Cx|2024-01-01|2024-01-07"), KeyFor(piped))

	percent := piped
	percent.CustomerID = "4%7C2"
	assert.NotEqual(t, KeyFor(piped), KeyFor(percent))
}

func TestRawRowFreshness(t *testing.T) {
	now := time.Date(2024, 1, 7, 15, 0, 0, 0, time.UTC)
	raw := RawEntityCounters{
		EntityType: EntityCampaign,
		EntityID:   "c1",
		Date:       "2024-01-07",
		Counters:   Counters{Impressions: 10, Conversions: decimal.NewFromInt(1)},
	}
	assert.Equal(t, FreshnessPartial, raw.Fact("42", now).DataFreshness)

	raw.Date = "2024-01-06"
	fact := raw.Fact("42", now)
	assert.Equal(t, FreshnessFinal, fact.DataFreshness)
	assert.Equal(t, now, fact.SyncedAt)

	raw.Date = "2024-01-09"
	assert.Equal(t, FreshnessPartial, raw.Fact("42", now).DataFreshness, "future days are provisional")
}

func TestFreshnessForTrailingTimezones(t *testing.T) {
	// 05:00 UTC on Jan 8 is still Jan 7 west of UTC-5.
	early := time.Date(2024, 1, 8, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, FreshnessPartial, FreshnessFor("2024-01-07", early))
	assert.Equal(t, FreshnessPartial, FreshnessFor("2024-01-08", early))
	assert.Equal(t, FreshnessFinal, FreshnessFor("2024-01-06", early))

	late := time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, FreshnessFinal, FreshnessFor("2024-01-07", late))
	assert.Equal(t, FreshnessPartial, FreshnessFor("2024-01-08", late))
}

func TestRawRowInScope(t *testing.T) {
	campaign := Scope{Type: EntityCampaign, ID: "C1"}
	row := RawEntityCounters{EntityType: EntityAdGroup, EntityID: "AG1", Date: "2024-01-03"}

	stamped := row.InScope(campaign)
	assert.Equal(t, EntityCampaign, stamped.ParentEntityType)
	assert.Equal(t, "C1", stamped.ParentEntityID)

	other := row
	other.ParentEntityID = "C2"
	assert.Equal(t, "C2", other.InScope(campaign).ParentEntityID, "an explicit parent is kept")
	assert.Equal(t, EntityCampaign, other.InScope(campaign).ParentEntityType)

	assert.Empty(t, row.InScope(AllEntities).ParentEntityID)
	assert.Empty(t, row.InScope(Scope{Type: EntityAdGroup, ID: "AG1"}).ParentEntityID)
}

func TestCountersAdd(t *testing.T) {
	a := Counters{Impressions: 1, Clicks: 2, CostMicros: 3, Conversions: decimal.RequireFromString("0.5"), ConversionsValue: decimal.NewFromInt(10)}
	b := Counters{Impressions: 4, Clicks: 5, CostMicros: 6, Conversions: decimal.RequireFromString("1.25"), ConversionsValue: decimal.NewFromInt(2)}
	sum := a.Add(b)
	assert.Equal(t, uint64(5), sum.Impressions)
	assert.Equal(t, uint64(7), sum.Clicks)
	assert.Equal(t, int64(9), sum.CostMicros)
	assert.True(t, sum.Conversions.Equal(decimal.RequireFromString("1.75")))
	assert.True(t, sum.ConversionsValue.Equal(decimal.NewFromInt(12)))
}
