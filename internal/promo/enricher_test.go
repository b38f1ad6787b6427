package promo

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/proxy"
)

func newTestPool(t *testing.T, n int) *proxy.Pool {
	t.Helper()
	pool, err := proxy.FromList(nil, n, proxy.Config{}, fixedClock{now: time.Unix(0, 0)}, zap.NewNop())
	require.NoError(t, err)
	return pool
}

func TestEnrichFillsNumericStores(t *testing.T) {
	t.Parallel()

	f := &fakeSearch{bodies: map[string]any{
		"rollback": map[string]any{"items": []any{
			map[string]any{"productId": "9", "name": "Kettle", "badges": []any{"Rollback"}},
		}},
	}}
	c := newTestClient(t, f, "rollback")
	pool := newTestPool(t, 1)
	e := NewEnricher(c, pool, zap.NewNop())

	records := []harvest.StoreRecord{
		{StoreID: "1004", Name: "Toronto"},
		{StoreID: "ON-store-3", Name: "Synthesized"},
	}
	stats := e.Enrich(context.Background(), records)

	require.Equal(t, Stats{Stores: 2, Enriched: 1, Skipped: 1, Products: 1}, stats)
	require.Equal(t, 1, records[0].ProductCount)
	require.Equal(t, "Kettle", records[0].Products[0].Name)
	require.Zero(t, records[1].ProductCount)
	require.Nil(t, records[1].Products)

	status, ok := pool.Status("direct-1")
	require.True(t, ok)
	require.Equal(t, proxy.HealthHealthy, status.Health)
}

func TestEnrichBlockedLookupPenalizesIdentity(t *testing.T) {
	t.Parallel()

	f := &fakeSearch{status: map[string]int{"rollback": http.StatusForbidden}}
	c := newTestClient(t, f, "rollback")
	pool := newTestPool(t, 1)
	e := NewEnricher(c, pool, zap.NewNop())

	records := []harvest.StoreRecord{{StoreID: "1004"}}
	stats := e.Enrich(context.Background(), records)

	require.Equal(t, 0, stats.Enriched)
	require.Equal(t, 1, stats.Skipped)
	require.Zero(t, records[0].ProductCount)

	status, ok := pool.Status("direct-1")
	require.True(t, ok)
	require.Equal(t, 1, status.ConsecutiveFailures)
}
