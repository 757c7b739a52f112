package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsmetrics-proxy/internal/model"
	"adsmetrics-proxy/internal/store"
	"adsmetrics-proxy/internal/store/storetest"
)

func TestConformanceInMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open("", nil)
		require.NoError(t, err)
		return s
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.UpsertFacts(ctx, []model.MetricsFact{storetest.Fact("c1", "2024-01-02", 100)}))
	require.NoError(t, s.Close())

	s, err = Open(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.QueryFacts(ctx, model.Query{
		CustomerID: "42",
		EntityType: model.EntityCampaign,
		Range:      model.DateRange{Start: "2024-01-01", End: "2024-01-07"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(100), got[0].Counters.Impressions)
}

func TestClosedStore(t *testing.T) {
	s, err := Open("", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), store.ErrNotConfigured)
	assert.NoError(t, s.Close())
}
