package events

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/autopay/testkit"
)

var (
	payer    = testkit.Address(0xa11ce)
	merchant = testkit.Address(0xb0b)
	policy   = testkit.PolicyID(7)
)

func TestParsePolicyCreated(t *testing.T) {
	huge, _ := new(big.Int).SetString("340282366920938463463374607431768211456", 10)
	l := testkit.PolicyCreatedLog(testkit.AtBlock(100, 2), policy, payer, merchant,
		big.NewInt(1000000), huge, 2592000, "https://shop.example/plan/gold")

	ev := Parse(l)
	require.Equal(t, KindPolicyCreated, ev.Kind())
	created, ok := ev.(PolicyCreated)
	require.True(t, ok)

	assert.Equal(t, policy, created.PolicyID)
	assert.Equal(t, payer, created.Payer)
	assert.Equal(t, merchant, created.Merchant)
	assert.Equal(t, 0, created.ChargeAmount.Cmp(big.NewInt(1000000)))
	assert.Equal(t, 0, created.SpendingCap.Cmp(huge))
	assert.Equal(t, uint64(2592000), created.Interval.Uint64())
	assert.Equal(t, "https://shop.example/plan/gold", created.MetadataURL)
	assert.Equal(t, uint64(100), created.Meta().BlockNumber)
	assert.Equal(t, uint(2), created.Meta().LogIndex)
}

func TestParseEachKind(t *testing.T) {
	at := testkit.AtBlock(5, 0)
	cases := []struct {
		log  gethtypes.Log
		want Kind
	}{
		{testkit.PolicyRevokedLog(at, policy, payer, merchant, 1700000000), KindPolicyRevoked},
		{testkit.ChargeSucceededLog(at, policy, payer, merchant, big.NewInt(1000000), big.NewInt(10000)), KindChargeSucceeded},
		{testkit.ChargeFailedLog(at, policy, payer, merchant, "Insufficient balance"), KindChargeFailed},
		{testkit.PolicyCancelledByFailureLog(at, policy, payer, merchant, 3, 1700000000), KindPolicyCancelledByFailure},
	}
	for _, tc := range cases {
		t.Run(tc.want.String(), func(t *testing.T) {
			ev := Parse(tc.log)
			assert.Equal(t, tc.want, ev.Kind())
		})
	}

	ok := Parse(cases[1].log).(ChargeSucceeded)
	assert.Equal(t, int64(1000000), ok.Amount.Int64())
	assert.Equal(t, int64(10000), ok.ProtocolFee.Int64())

	failed := Parse(cases[2].log).(ChargeFailed)
	assert.Equal(t, "Insufficient balance", failed.Reason)

	cancelled := Parse(cases[3].log).(PolicyCancelledByFailure)
	assert.Equal(t, int64(3), cancelled.ConsecutiveFailures.Int64())
}

func TestParseUnrecognized(t *testing.T) {
	good := testkit.ChargeSucceededLog(testkit.AtBlock(9, 1), policy, payer, merchant, big.NewInt(1), big.NewInt(0))

	foreign := good
	foreign.Topics = []common.Hash{common.HexToHash("0xdeadbeef"), policy}

	noTopics := good
	noTopics.Topics = nil

	truncated := good
	truncated.Data = good.Data[:10]

	missingTopic := good
	missingTopic.Topics = good.Topics[:3]

	for name, l := range map[string]gethtypes.Log{
		"foreign":       foreign,
		"no topics":     noTopics,
		"truncated":     truncated,
		"missing topic": missingTopic,
	} {
		t.Run(name, func(t *testing.T) {
			ev := Parse(l)
			require.Equal(t, KindUnrecognized, ev.Kind())
			u := ev.(Unrecognized)
			assert.True(t, errors.Is(u.Err, ErrUnrecognized))
			assert.Equal(t, uint64(9), u.Meta().BlockNumber)
		})
	}
}
