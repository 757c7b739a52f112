package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"adsmetrics-proxy/internal/store"
	"adsmetrics-proxy/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	s := New()
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), store.ErrNotConfigured)
}
