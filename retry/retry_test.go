package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"Post \"https://rpc\": dial tcp: connection refused", Retryable},
		{"429 Too Many Requests", Retryable},
		{"nonce too low", Retryable},
		{"i/o timeout", Retryable},
		{"execution reverted", Permanent},
		{"execution reverted: Insufficient allowance", Permanent},
		{"Policy not active", Permanent},
		{"Too soon to charge", Permanent},
		{"something unexpected", Permanent},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyMessage(tc.msg))
		})
	}
}

func TestClassifyTypedErrors(t *testing.T) {
	assert.Equal(t, Retryable, Classify(fmt.Errorf("wait receipt: %w", context.DeadlineExceeded)))
	assert.Equal(t, Permanent, Classify(nil))
	assert.False(t, IsRetryable(nil))
}

func TestIsSoftFailureReason(t *testing.T) {
	assert.True(t, IsSoftFailureReason("Insufficient balance"))
	assert.True(t, IsSoftFailureReason("ERC20: transfer amount exceeds allowance"))
	assert.False(t, IsSoftFailureReason("Policy not active"))
	assert.False(t, IsSoftFailureReason(""))
}

func TestLadderDelay(t *testing.T) {
	assert.Equal(t, time.Minute, WebhookLadder.Delay(1))
	assert.Equal(t, 5*time.Minute, WebhookLadder.Delay(2))
	assert.Equal(t, 15*time.Minute, WebhookLadder.Delay(3))
	assert.Equal(t, 15*time.Minute, WebhookLadder.Delay(9))
	assert.Equal(t, time.Minute, WebhookLadder.Delay(0))
	assert.Equal(t, time.Duration(0), Ladder(nil).Delay(1))
}

func TestLadderUnmarshalText(t *testing.T) {
	var l Ladder
	require.NoError(t, l.UnmarshalText([]byte("30s, 2m,1h")))
	assert.Equal(t, Ladder{30 * time.Second, 2 * time.Minute, time.Hour}, l)
	assert.Equal(t, "30s,2m0s,1h0m0s", l.String())
	assert.Error(t, l.UnmarshalText([]byte("soon")))
	assert.Error(t, l.UnmarshalText([]byte("-1s")))
}

func TestPolicyDecide(t *testing.T) {
	p := Policy{MaxAttempts: 3, Backoff: Ladder{time.Second, 2 * time.Second}}
	transient := errors.New("connection reset by peer")

	assert.Equal(t, Decision{Retry: true, Delay: time.Second}, p.Decide(1, transient))
	assert.Equal(t, Decision{Retry: true, Delay: 2 * time.Second}, p.Decide(2, transient))
	assert.Equal(t, Decision{}, p.Decide(3, transient))
	assert.Equal(t, Decision{}, p.Decide(1, errors.New("execution reverted")))
	assert.Equal(t, Decision{}, p.Decide(1, nil))
}

func TestDoRetriesTransientErrors(t *testing.T) {
	p := Policy{MaxAttempts: 3, Backoff: Ladder{time.Millisecond}}
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	p := Policy{MaxAttempts: 5, Backoff: Ladder{time.Millisecond}}
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return errors.New("execution reverted")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
