package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsmetrics-proxy/internal/store"
	"adsmetrics-proxy/internal/store/storetest"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

// Set ADSMETRICS_TEST_POSTGRES_DSN to a disposable database to run the
// conformance suite. Tables are truncated before each case.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("ADSMETRICS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ADSMETRICS_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(context.Background(), dsn)
		require.NoError(t, err)
		truncate(t, dsn)
		return s
	})
}

func truncate(t *testing.T, dsn string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("TRUNCATE metrics_facts, sync_coverage, entity_hierarchy")
	require.NoError(t, err)
}
