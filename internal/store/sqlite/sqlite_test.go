package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsmetrics-proxy/internal/model"
	"adsmetrics-proxy/internal/store"
	"adsmetrics-proxy/internal/store/storetest"
)

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), " ")
	assert.Error(t, err)
}

func TestConformance(t *testing.T) {
	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		n++
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), fmt.Sprintf("cache-%d.db", n)))
		require.NoError(t, err)
		return s
	})
}

func TestReopenKeepsRowsAndSkipsAppliedMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.UpsertFacts(ctx, []model.MetricsFact{storetest.Fact("c1", "2024-01-02", 100)}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.QueryFacts(ctx, model.Query{
		CustomerID: "42",
		EntityType: model.EntityCampaign,
		Range:      model.DateRange{Start: "2024-01-01", End: "2024-01-07"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2.5", got[0].Counters.Conversions.String())
}
