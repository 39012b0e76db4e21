package storage

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/autopay/types"
)

var (
	t0  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	key = types.PolicyKey{PolicyID: "0x0000000000000000000000000000000000000000000000000000000000000007", ChainID: 8453}
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autopay.db")
	store, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func newPolicy(k types.PolicyKey, merchant string) types.Policy {
	return types.Policy{
		PolicyID:      k.PolicyID,
		ChainID:       k.ChainID,
		Payer:         "0x00000000000000000000000000000000000a11ce",
		Merchant:      merchant,
		ChargeAmount:  big.NewInt(1000000),
		SpendingCap:   big.NewInt(12000000),
		Interval:      30 * 24 * time.Hour,
		Active:        true,
		LastChargedAt: t0,
		NextChargeAt:  t0.Add(30 * 24 * time.Hour),
		ChargeCount:   1,
		TotalSpent:    big.NewInt(1000000),
		CreatedAt:     t0,
		CreatedBlock:  100,
		CreatedTx:     "0xabc",
	}
}

func hook(id string, k types.PolicyKey, ev types.WebhookEvent, at time.Time) *types.Webhook {
	return &types.Webhook{
		ID:              id,
		PolicyID:        k.PolicyID,
		ChainID:         k.ChainID,
		MerchantAddress: "0x0000000000000000000000000000000000000b0b",
		EventType:       ev,
		Payload:         []byte(`{"type":"` + string(ev) + `"}`),
		CreatedAt:       at,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), " ")
	assert.Error(t, err)
	_, err = Open(context.Background(), Dialect("mysql"), "x")
	assert.Error(t, err)
}

func TestMigrationsApplyOnce(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, store.Migrate(ctx))
	names, err := store.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init.sql"}, names)
}

func TestExtractUpMigration(t *testing.T) {
	got := ExtractUpMigration("-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;")
	assert.Equal(t, "\nCREATE TABLE a (x INT);\n", got)
	assert.Equal(t, "SELECT 1", ExtractUpMigration("SELECT 1"))
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", rebind(Postgres, "a = ? AND b IN (?, ?)"))
	assert.Equal(t, "a = ?", rebind(SQLite, "a = ?"))
}

func TestCheckpointInitAndMonotonic(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	_, err := store.GetCheckpoint(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	cp, err := store.InitCheckpoint(ctx, 1, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), cp.LastBlock)

	cp, err = store.InitCheckpoint(ctx, 1, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), cp.LastBlock, "init must not overwrite")

	require.NoError(t, store.SetCheckpoint(ctx, 1, 2000))
	require.NoError(t, store.SetCheckpoint(ctx, 1, 1500))
	cp, err = store.GetCheckpoint(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), cp.LastBlock)

	all, err := store.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestInsertPolicyIsIdempotent(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	p := newPolicy(key, "0x0000000000000000000000000000000000000B0B")

	inserted, err := store.InsertPolicy(ctx, p, hook("w1", key, types.EventPolicyCreated, t0))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertPolicy(ctx, p, hook("w2", key, types.EventPolicyCreated, t0))
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := store.GetPolicy(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "0x0000000000000000000000000000000000000b0b", got.Merchant)
	assert.Equal(t, 30*24*time.Hour, got.Interval)
	assert.True(t, got.NextChargeAt.Equal(t0.Add(30*24*time.Hour)))
	assert.Equal(t, int64(1000000), got.TotalSpent.Int64())
	assert.True(t, got.Active)

	hooks, err := store.ListWebhooks(ctx, WebhookFilter{PolicyID: key.PolicyID})
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, "w1", hooks[0].ID)
}

func TestDeactivateOnlyOnce(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	_, err := store.InsertPolicy(ctx, newPolicy(key, "0xb0b"), nil)
	require.NoError(t, err)

	d := Deactivation{EndedAt: t0.Add(time.Hour), CancelledByFailure: true}
	changed, err := store.DeactivatePolicy(ctx, key, d, hook("w1", key, types.EventPolicyCancelledByFailure, t0))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.DeactivatePolicy(ctx, key, d, hook("w2", key, types.EventPolicyCancelledByFailure, t0))
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := store.GetPolicy(ctx, key)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.True(t, got.CancelledByFailure)
	require.NotNil(t, got.CancelledByFailureAt)
	require.NotNil(t, got.EndedAt)

	hooks, err := store.ListWebhooks(ctx, WebhookFilter{EventType: types.EventPolicyCancelledByFailure})
	require.NoError(t, err)
	assert.Len(t, hooks, 1)
}

func TestDeactivateAbandonsPendingCharge(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	_, err := store.InsertPolicy(ctx, newPolicy(key, "0xb0b"), nil)
	require.NoError(t, err)
	_, err = store.BeginChargeAttempt(ctx, key, "c1", t0)
	require.NoError(t, err)

	_, err = store.DeactivatePolicy(ctx, key, Deactivation{EndedAt: t0}, nil)
	require.NoError(t, err)

	_, err = store.PendingCharge(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	c, err := store.GetCharge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChargeFailed, c.Status)
	assert.Equal(t, ChargeAbandoned, c.ErrorMessage)
}

func TestDeactivateKeepsChargesAnExecutorOwns(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	claimedKey := types.PolicyKey{PolicyID: "0x01", ChainID: key.ChainID}
	sentKey := types.PolicyKey{PolicyID: "0x02", ChainID: key.ChainID}
	for _, k := range []types.PolicyKey{claimedKey, sentKey} {
		_, err := store.InsertPolicy(ctx, newPolicy(k, "0xb0b"), nil)
		require.NoError(t, err)
	}

	_, err := store.BeginChargeAttempt(ctx, claimedKey, "claimed", t0)
	require.NoError(t, err)
	ok, err := store.ClaimPolicy(ctx, claimedKey, "exec-a", t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.BeginChargeAttempt(ctx, sentKey, "sent", t0)
	require.NoError(t, err)
	require.NoError(t, store.RecordChargeSubmission(ctx, "sent", "0xfeed"))

	for _, k := range []types.PolicyKey{claimedKey, sentKey} {
		changed, err := store.DeactivatePolicy(ctx, k, Deactivation{EndedAt: t0}, nil)
		require.NoError(t, err)
		require.True(t, changed)
		pending, err := store.PendingCharge(ctx, k)
		require.NoError(t, err, "charge of %s stays pending", k)
		assert.Equal(t, types.ChargePending, pending.Status)
	}

	// the in-flight charge lands after the revocation
	err = store.CompleteChargeSuccess(ctx, ChargeSuccess{
		ChargeID:    "claimed",
		Key:         claimedKey,
		TxHash:      "0xbeef",
		Amount:      big.NewInt(1000000),
		ProtocolFee: big.NewInt(10000),
		ChargedAt:   t0,
		CompletedAt: t0,
	}, hook("w1", claimedKey, types.EventChargeSucceeded, t0))
	require.NoError(t, err)

	got, err := store.GetPolicy(ctx, claimedKey)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, int64(2), got.ChargeCount)
	assert.Equal(t, "2000000", got.TotalSpent.String())
	hooks, err := store.ListWebhooks(ctx, WebhookFilter{EventType: types.EventChargeSucceeded})
	require.NoError(t, err)
	assert.Len(t, hooks, 1)
}

func TestRecordChargeSubmission(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	_, err := store.InsertPolicy(ctx, newPolicy(key, "0xb0b"), nil)
	require.NoError(t, err)
	c, err := store.BeginChargeAttempt(ctx, key, "c1", t0)
	require.NoError(t, err)

	require.NoError(t, store.RecordChargeSubmission(ctx, c.ID, "0xfeed"))
	pending, err := store.PendingCharge(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", pending.TxHash)
	assert.Empty(t, pending.ErrorMessage)

	require.NoError(t, store.AbandonCharge(ctx, c.ID, "", "dropped", t0))
	assert.ErrorIs(t, store.RecordChargeSubmission(ctx, c.ID, "0xbeef"), ErrChargeNotPending)
	got, err := store.GetCharge(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", got.TxHash)
}

func TestOrphanedCharges(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	active := types.PolicyKey{PolicyID: "0x01", ChainID: key.ChainID}
	for _, k := range []types.PolicyKey{key, active} {
		_, err := store.InsertPolicy(ctx, newPolicy(k, "0xb0b"), nil)
		require.NoError(t, err)
	}
	_, err := store.BeginChargeAttempt(ctx, active, "live", t0)
	require.NoError(t, err)
	_, err = store.BeginChargeAttempt(ctx, key, "c1", t0)
	require.NoError(t, err)
	ok, err := store.ClaimPolicy(ctx, key, "exec-a", t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = store.DeactivatePolicy(ctx, key, Deactivation{EndedAt: t0}, nil)
	require.NoError(t, err)

	got, err := store.ListOrphanedCharges(ctx, t0.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, got, "the claim is still live")

	got, err = store.ListOrphanedCharges(ctx, t0.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)

	require.NoError(t, store.ReleasePolicy(ctx, key, "exec-a"))
	got, err = store.ListOrphanedCharges(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, store.AbandonCharge(ctx, "c1", "", ChargeAbandoned, t0))
	assert.ErrorIs(t, store.AbandonCharge(ctx, "c1", "", ChargeAbandoned, t0), ErrChargeNotPending)
	c, err := store.GetCharge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChargeFailed, c.Status)
	assert.Equal(t, ChargeAbandoned, c.ErrorMessage)

	got, err = store.ListOrphanedCharges(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDueSelection(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	due := newPolicy(types.PolicyKey{PolicyID: "0x01", ChainID: 1}, "0x0000000000000000000000000000000000000001")
	due.NextChargeAt = t0.Add(-2 * time.Hour)
	dueLater := newPolicy(types.PolicyKey{PolicyID: "0x02", ChainID: 1}, "0x0000000000000000000000000000000000000001")
	dueLater.NextChargeAt = t0.Add(-time.Hour)
	future := newPolicy(types.PolicyKey{PolicyID: "0x03", ChainID: 1}, "0x0000000000000000000000000000000000000001")
	future.NextChargeAt = t0.Add(time.Hour)
	failing := newPolicy(types.PolicyKey{PolicyID: "0x04", ChainID: 1}, "0x0000000000000000000000000000000000000001")
	failing.NextChargeAt = t0.Add(-time.Hour)
	failing.ConsecutiveFailures = 3
	other := newPolicy(types.PolicyKey{PolicyID: "0x05", ChainID: 1}, "0x0000000000000000000000000000000000000002")
	other.NextChargeAt = t0.Add(-3 * time.Hour)

	for _, p := range []types.Policy{dueLater, due, future, failing, other} {
		_, err := store.InsertPolicy(ctx, p, nil)
		require.NoError(t, err)
	}

	got, err := store.ListDuePolicies(ctx, DueQuery{Now: t0, MaxFailures: 3, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"0x05", "0x01", "0x02"}, []string{got[0].PolicyID, got[1].PolicyID, got[2].PolicyID})

	got, err = store.ListDuePolicies(ctx, DueQuery{Now: t0, MaxFailures: 3, Limit: 10,
		Merchants: []string{"0x0000000000000000000000000000000000000001"}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = store.ListDuePolicies(ctx, DueQuery{Now: t0, MaxFailures: 3, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	pending, err := store.ListPendingCancellations(ctx, DueQuery{MaxFailures: 3})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0x04", pending[0].PolicyID)
}

func TestClaimPolicy(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	_, err := store.InsertPolicy(ctx, newPolicy(key, "0xb0b"), nil)
	require.NoError(t, err)

	ok, err := store.ClaimPolicy(ctx, key, "exec-a", t0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimPolicy(ctx, key, "exec-b", t0.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease held by another executor")

	ok, err = store.ClaimPolicy(ctx, key, "exec-b", t0.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	require.NoError(t, store.ReleasePolicy(ctx, key, "exec-b"))
	ok, err = store.ClaimPolicy(ctx, key, "exec-a", t0.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChargeAttemptsShareOnePendingRow(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	_, err := store.InsertPolicy(ctx, newPolicy(key, "0xb0b"), nil)
	require.NoError(t, err)

	c1, err := store.BeginChargeAttempt(ctx, key, "c1", t0)
	require.NoError(t, err)
	assert.Equal(t, 1, c1.AttemptCount)
	assert.Equal(t, types.ChargePending, c1.Status)

	c2, err := store.BeginChargeAttempt(ctx, key, "c2", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "c1", c2.ID)
	assert.Equal(t, 2, c2.AttemptCount)

	require.NoError(t, store.NoteChargeError(ctx, "c1", "0xfeed", "timeout"))
	got, err := store.GetCharge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "timeout", got.ErrorMessage)
	assert.Equal(t, "0xfeed", got.TxHash)
	assert.Equal(t, 2, got.AttemptCount)

	charges, err := store.ListCharges(ctx, key)
	require.NoError(t, err)
	assert.Len(t, charges, 1)
}

func TestCompleteChargeSuccess(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	p := newPolicy(key, "0xb0b")
	p.ConsecutiveFailures = 2
	p.LastFailureReason = "Insufficient balance"
	_, err := store.InsertPolicy(ctx, p, nil)
	require.NoError(t, err)
	c, err := store.BeginChargeAttempt(ctx, key, "c1", t0)
	require.NoError(t, err)

	chargedAt := t0.Add(30 * 24 * time.Hour)
	err = store.CompleteChargeSuccess(ctx, ChargeSuccess{
		ChargeID:    c.ID,
		Key:         key,
		TxHash:      "0xbeef",
		Amount:      big.NewInt(1000000),
		ProtocolFee: big.NewInt(10000),
		ChargedAt:   chargedAt,
		CompletedAt: chargedAt,
	}, hook("w1", key, types.EventChargeSucceeded, chargedAt))
	require.NoError(t, err)

	got, err := store.GetPolicy(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ChargeCount)
	assert.Equal(t, "2000000", got.TotalSpent.String())
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.Equal(t, "", got.LastFailureReason)
	assert.True(t, got.LastChargedAt.Equal(chargedAt))
	assert.True(t, got.NextChargeAt.Equal(chargedAt.Add(30*24*time.Hour)))

	charge, err := store.GetCharge(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ChargeSuccess, charge.Status)
	assert.Equal(t, "10000", charge.ProtocolFee.String())
	require.NotNil(t, charge.CompletedAt)

	_, err = store.PendingCharge(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.CompleteChargeSuccess(ctx, ChargeSuccess{ChargeID: c.ID, Key: key, ChargedAt: chargedAt}, nil)
	assert.ErrorIs(t, err, ErrChargeNotPending, "terminal charges never change")
}

func TestCompleteChargeFailure(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	_, err := store.InsertPolicy(ctx, newPolicy(key, "0xb0b"), nil)
	require.NoError(t, err)

	next := t0.Add(60 * 24 * time.Hour)
	c, err := store.BeginChargeAttempt(ctx, key, "c1", t0)
	require.NoError(t, err)
	failures, err := store.CompleteChargeFailure(ctx, ChargeFailure{
		ChargeID: c.ID, Key: key, Reason: "Insufficient balance", NextChargeAt: &next, CompletedAt: t0,
	}, hook("w1", key, types.EventChargeFailed, t0))
	require.NoError(t, err)
	assert.Equal(t, 1, failures)

	c, err = store.BeginChargeAttempt(ctx, key, "c2", t0)
	require.NoError(t, err)
	assert.Equal(t, "c2", c.ID, "a failed charge is never reused")
	failures, err = store.CompleteChargeFailure(ctx, ChargeFailure{
		ChargeID: c.ID, Key: key, Reason: "reverted", CompletedAt: t0,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, failures)

	got, err := store.GetPolicy(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "reverted", got.LastFailureReason)
	assert.True(t, got.NextChargeAt.Equal(next), "nil NextChargeAt leaves schedule")
	assert.Equal(t, int64(1), got.ChargeCount)
}

func TestWebhookLifecycle(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnqueueWebhook(ctx, *hook("w1", key, types.EventPolicyCreated, t0)))
	require.NoError(t, store.EnqueueWebhook(ctx, *hook("w2", key, types.EventChargeSucceeded, t0.Add(time.Second))))
	later := hook("w3", key, types.EventChargeFailed, t0)
	later.NextAttemptAt = t0.Add(time.Hour)
	require.NoError(t, store.EnqueueWebhook(ctx, *later))

	due, err := store.ListDueWebhooks(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "w1", due[0].ID)
	assert.Equal(t, "w2", due[1].ID)
	assert.Equal(t, types.WebhookPending, due[0].Status)
	assert.Equal(t, "0x0000000000000000000000000000000000000b0b", due[0].MerchantAddress)

	require.NoError(t, store.MarkWebhookSent(ctx, "w1", 1, t0))
	require.NoError(t, store.RescheduleWebhook(ctx, "w2", 1, t0.Add(time.Minute), "500", t0))
	require.NoError(t, store.MarkWebhookFailed(ctx, "w3", 5, "gone", t0))

	err = store.MarkWebhookFailed(ctx, "w1", 2, "late", t0)
	assert.True(t, errors.Is(err, ErrNotFound), "sent is terminal")

	w2, err := store.GetWebhook(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, 1, w2.AttemptCount)
	assert.Equal(t, "500", w2.LastError)
	assert.True(t, w2.NextAttemptAt.Equal(t0.Add(time.Minute)))
	require.NotNil(t, w2.LastAttemptAt)

	st, err := store.Stats(ctx, t0, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.PendingWebhooks)
	assert.Equal(t, int64(1), st.FailedWebhooks)
}

func TestMerchantUpsert(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	_, err := store.GetMerchant(ctx, "0xb0b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.UpsertMerchant(ctx, types.Merchant{Address: "0xB0B", WebhookURL: "https://a.example", WebhookSecret: "s1"}))
	require.NoError(t, store.UpsertMerchant(ctx, types.Merchant{Address: "0xb0b", WebhookURL: "https://b.example", WebhookSecret: "s2"}))

	m, err := store.GetMerchant(ctx, "0xB0b")
	require.NoError(t, err)
	assert.Equal(t, "https://b.example", m.WebhookURL)
	assert.Equal(t, "s2", m.WebhookSecret)
}

func TestStats(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	p := newPolicy(key, "0xb0b")
	p.NextChargeAt = t0.Add(-time.Minute)
	_, err := store.InsertPolicy(ctx, p, nil)
	require.NoError(t, err)
	_, err = store.BeginChargeAttempt(ctx, key, "c1", t0)
	require.NoError(t, err)

	st, err := store.Stats(ctx, t0, 3)
	require.NoError(t, err)
	assert.Equal(t, Stats{ActivePolicies: 1, DueCharges: 1, PendingCharges: 1}, st)
}
