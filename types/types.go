// Package types holds the domain model shared by the indexer, executor and
// webhook dispatcher. All state lives in the store; these are plain values.
package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// PolicyKey is the composite identity of a policy.
type PolicyKey struct {
	PolicyID string `json:"policyId"`
	ChainID  int64  `json:"chainId"`
}

func (k PolicyKey) String() string {
	return fmt.Sprintf("%d:%s", k.ChainID, k.PolicyID)
}

// Policy is a recurring charge authorization between a payer and a merchant.
type Policy struct {
	PolicyID string
	ChainID  int64

	Payer    string
	Merchant string

	ChargeAmount *big.Int
	SpendingCap  *big.Int
	Interval     time.Duration

	Active              bool
	LastChargedAt       time.Time
	NextChargeAt        time.Time
	ChargeCount         int64
	TotalSpent          *big.Int
	ConsecutiveFailures int
	LastFailureReason   string

	CancelledByFailure   bool
	CancelledByFailureAt *time.Time
	EndedAt              *time.Time

	CreatedAt    time.Time
	CreatedBlock uint64
	CreatedTx    string
	MetadataURL  string
}

// Key returns the composite identity.
func (p *Policy) Key() PolicyKey {
	return PolicyKey{PolicyID: p.PolicyID, ChainID: p.ChainID}
}

// IntervalSeconds returns the interval as whole seconds.
func (p *Policy) IntervalSeconds() int64 {
	return int64(p.Interval / time.Second)
}

// ChargeStatus is the lifecycle state of a charge. Transitions are only
// pending->success and pending->failed.
type ChargeStatus string

const (
	ChargePending ChargeStatus = "pending"
	ChargeSuccess ChargeStatus = "success"
	ChargeFailed  ChargeStatus = "failed"
)

// Charge is one billing attempt for a policy.
type Charge struct {
	ID           string
	PolicyID     string
	ChainID      int64
	Status       ChargeStatus
	TxHash       string
	Amount       *big.Int
	ProtocolFee  *big.Int
	ErrorMessage string
	AttemptCount int
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// PolicyKey returns the key of the policy this charge belongs to.
func (c *Charge) PolicyKey() PolicyKey {
	return PolicyKey{PolicyID: c.PolicyID, ChainID: c.ChainID}
}

// WebhookEvent enumerates the notifications sent to merchants.
type WebhookEvent string

const (
	EventChargeSucceeded          WebhookEvent = "charge.succeeded"
	EventChargeFailed             WebhookEvent = "charge.failed"
	EventPolicyCreated            WebhookEvent = "policy.created"
	EventPolicyRevoked            WebhookEvent = "policy.revoked"
	EventPolicyCancelledByFailure WebhookEvent = "policy.cancelled_by_failure"
)

func (e WebhookEvent) String() string {
	return string(e)
}

// WebhookStatus is the delivery state. sent and failed are terminal.
type WebhookStatus string

const (
	WebhookPending WebhookStatus = "pending"
	WebhookSent    WebhookStatus = "sent"
	WebhookFailed  WebhookStatus = "failed"
)

// Webhook is a queued outbound notification.
type Webhook struct {
	ID              string
	PolicyID        string
	ChainID         int64
	ChargeID        string
	MerchantAddress string
	EventType       WebhookEvent
	Payload         []byte
	Status          WebhookStatus
	AttemptCount    int
	NextAttemptAt   time.Time
	LastError       string
	CreatedAt       time.Time
	LastAttemptAt   *time.Time
}

// Merchant is a webhook destination. An empty URL or secret means the
// merchant cannot receive notifications.
type Merchant struct {
	Address       string `json:"address" validate:"required,eth_addr"`
	WebhookURL    string `json:"webhookUrl" validate:"omitempty,url"`
	WebhookSecret string `json:"-"`
}

// CanReceiveWebhooks reports whether a delivery can be attempted.
func (m *Merchant) CanReceiveWebhooks() bool {
	return m != nil && strings.TrimSpace(m.WebhookURL) != "" && m.WebhookSecret != ""
}

// Checkpoint is the last fully processed block for a chain. LastBlock is -1
// when indexing starts at genesis.
type Checkpoint struct {
	ChainID   int64
	LastBlock int64
	UpdatedAt time.Time
}
