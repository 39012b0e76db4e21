package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/autopay/clock"
	"github.com/vitwit/autopay/metrics"
	"github.com/vitwit/autopay/storage"
	"github.com/vitwit/autopay/types"
)

var now = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "autopay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig() Config {
	return Config{
		Chains:                 []Chain{{ChainID: 1, Name: "ethereum"}, {ChainID: 8453, Name: "base"}},
		MaxConsecutiveFailures: 3,
		FailedWebhookThreshold: 1,
	}
}

func TestReportFlagsUnindexedChains(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	_, err := store.InitCheckpoint(ctx, 8453, 1200)
	require.NoError(t, err)
	rep := NewReporter(store, testConfig(), clock.NewManual(now))

	report, err := rep.Report(ctx)
	require.NoError(t, err)
	assert.True(t, report.Degraded)
	require.Len(t, report.Reasons, 1)
	assert.Contains(t, report.Reasons[0], "chain 1 (ethereum)")
	require.Len(t, report.Chains, 2)
	assert.Nil(t, report.Chains[0].LastIndexedBlock)
	require.NotNil(t, report.Chains[1].LastIndexedBlock)
	assert.Equal(t, int64(1200), *report.Chains[1].LastIndexedBlock)

	_, err = store.InitCheckpoint(ctx, 1, 0)
	require.NoError(t, err)
	report, err = rep.Report(ctx)
	require.NoError(t, err)
	assert.False(t, report.Degraded)
}

func TestReportFlagsFailedWebhooks(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	for _, id := range []int64{1, 8453} {
		_, err := store.InitCheckpoint(ctx, id, 0)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("w%d", i)
		require.NoError(t, store.EnqueueWebhook(ctx, types.Webhook{
			ID: id, PolicyID: "0x01", ChainID: 8453, EventType: types.EventChargeFailed,
			Payload: []byte(`{}`), CreatedAt: now,
		}))
		require.NoError(t, store.MarkWebhookFailed(ctx, id, 5, "status 500", now))
	}

	report, err := NewReporter(store, testConfig(), clock.NewManual(now)).Report(ctx)
	require.NoError(t, err)
	assert.True(t, report.Degraded)
	assert.Equal(t, int64(2), report.FailedWebhooks)
	assert.Contains(t, report.Reasons[0], "failed webhooks")
}

func TestHandler(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	_, err := store.InitCheckpoint(ctx, 8453, 0)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics.NewPrometheusRecorder(reg).IncCounter(metrics.Charges, map[string]string{"chain": "8453", "outcome": "success"})
	h := NewHandler(NewReporter(store, testConfig(), clock.NewManual(now)), reg, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Len(t, report.Chains, 2)

	_, err = store.InitCheckpoint(ctx, 1, 0)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autopay_events_total")
}
