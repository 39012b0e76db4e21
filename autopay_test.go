package autopay

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/autopay/clock"
	"github.com/vitwit/autopay/config"
	"github.com/vitwit/autopay/logger"
	"github.com/vitwit/autopay/storage"
	"github.com/vitwit/autopay/testkit"
	"github.com/vitwit/autopay/types"
	"github.com/vitwit/autopay/webhooks"
)

const (
	chainID = int64(8453)
	secret  = "whsec_test"
)

type receiver struct {
	mu   sync.Mutex
	got  []types.WebhookPayload
	errs []error
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := webhooks.Verify(secret, req.Header.Get(webhooks.HeaderSignature), body); err != nil {
		r.errs = append(r.errs, err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var p types.WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		r.errs = append(r.errs, err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.got = append(r.got, p)
	w.WriteHeader(http.StatusNoContent)
}

func (r *receiver) events() []types.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.WebhookEvent, 0, len(r.got))
	for _, p := range r.got {
		out = append(out, p.Type)
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(map[string]string{
		"AUTOPAY_DATABASE_URL": filepath.Join(t.TempDir(), "autopay.db"),
		"AUTOPAY_CHAINS": `[{"name":"base","chainId":8453,"rpcUrl":"http://127.0.0.1:8545",` +
			`"contractAddress":"` + testkit.DefaultContract.Hex() + `","startBlock":100}]`,
	})
	require.NoError(t, err)
	return cfg
}

func TestServiceEndToEnd(t *testing.T) {
	ctx := context.Background()
	payer, merchant := testkit.Address(1), testkit.Address(2)
	id := testkit.PolicyID(1)

	chain := testkit.NewFakeChain(chainID)
	created := chain.Genesis.Add(100 * 12 * time.Second)
	clk := clock.NewManual(created.Add(time.Minute))
	chain.Now = clk.Now
	chain.Parties = map[common.Hash][2]common.Address{id: {payer, merchant}}
	chain.ChargeFn = func(common.Hash) testkit.ChargeOutcome {
		return testkit.ChargeOutcome{Amount: big.NewInt(1_000_000), Fee: big.NewInt(10_000)}
	}
	chain.AddLogs(testkit.PolicyCreatedLog(testkit.AtBlock(100, 0), id, payer, merchant,
		big.NewInt(1_000_000), big.NewInt(12_000_000), uint64(30*24*time.Hour/time.Second), ""))
	chain.SetHead(110)

	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	svc, err := New(ctx, testConfig(t),
		WithChainClient(chain), WithClock(clk), WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)
	defer func() { require.NoError(t, svc.Close()) }()
	assert.True(t, svc.CanSign())

	require.NoError(t, svc.Store().UpsertMerchant(ctx, types.Merchant{
		Address: merchant.Hex(), WebhookURL: srv.URL, WebhookSecret: secret,
	}))

	ix, ok := svc.Indexer(chainID)
	require.True(t, ok)
	_, err = ix.RunOnce(ctx)
	require.NoError(t, err)

	sum, err := svc.Dispatcher().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)

	clk.Advance(30 * 24 * time.Hour)
	exSum, err := svc.Executor().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, exSum.Selected)

	_, err = svc.Dispatcher().RunOnce(ctx)
	require.NoError(t, err)

	assert.Empty(t, rcv.errs)
	assert.Equal(t, []types.WebhookEvent{types.EventPolicyCreated, types.EventChargeSucceeded}, rcv.events())

	report, err := svc.Reporter().Report(ctx)
	require.NoError(t, err)
	assert.False(t, report.Degraded)
	assert.Equal(t, int64(1), report.ActivePolicies)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autopay_events_total")
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	ctx := context.Background()
	store, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "shared.db"))
	require.NoError(t, err)
	defer store.Close()

	svc, err := New(ctx, testConfig(t),
		WithStore(store), WithChainClient(testkit.NewFakeChain(chainID)), WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)
	defer svc.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, err := store.GetCheckpoint(ctx, chainID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}

	// the store belongs to the caller and stays open
	require.NoError(t, store.Ping(ctx))
}

func TestServiceRejectsUnknownLoop(t *testing.T) {
	svc, err := New(context.Background(), testConfig(t),
		WithChainClient(testkit.NewFakeChain(chainID)), WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)
	defer svc.Close()

	assert.Error(t, svc.Run(context.Background(), Loop("reaper")))

	l, err := ParseLoop("webhooks")
	require.NoError(t, err)
	assert.Equal(t, LoopWebhooks, l)
	_, err = ParseLoop("reaper")
	assert.Error(t, err)
}
