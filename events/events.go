// Package events decodes raw contract logs into typed domain events.
package events

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnrecognized is the reason attached to logs that match no known event.
var ErrUnrecognized = errors.New("unrecognized log")

// Kind tags an Event.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindPolicyCreated
	KindPolicyRevoked
	KindChargeSucceeded
	KindChargeFailed
	KindPolicyCancelledByFailure
)

func (k Kind) String() string {
	switch k {
	case KindPolicyCreated:
		return "PolicyCreated"
	case KindPolicyRevoked:
		return "PolicyRevoked"
	case KindChargeSucceeded:
		return "ChargeSucceeded"
	case KindChargeFailed:
		return "ChargeFailed"
	case KindPolicyCancelledByFailure:
		return "PolicyCancelledByFailure"
	default:
		return "Unrecognized"
	}
}

// Meta locates a log on chain.
type Meta struct {
	Contract    common.Address
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// Event is one of PolicyCreated, PolicyRevoked, ChargeSucceeded,
// ChargeFailed, PolicyCancelledByFailure or Unrecognized.
type Event interface {
	Kind() Kind
	Meta() Meta
	isEvent()
}

// Header is shared by every policy event. The three indexed topics.
type Header struct {
	Log      Meta
	PolicyID common.Hash
	Payer    common.Address
	Merchant common.Address
}

func (h Header) Meta() Meta { return h.Log }
func (Header) isEvent()     {}

// PolicyCreated is emitted when a payer authorizes a recurring charge.
type PolicyCreated struct {
	Header
	ChargeAmount *big.Int
	SpendingCap  *big.Int
	Interval     *big.Int
	MetadataURL  string
}

func (PolicyCreated) Kind() Kind { return KindPolicyCreated }

// PolicyRevoked is emitted when the payer ends a policy.
type PolicyRevoked struct {
	Header
	EndTime *big.Int
}

func (PolicyRevoked) Kind() Kind { return KindPolicyRevoked }

// ChargeSucceeded is emitted when a charge moved funds.
type ChargeSucceeded struct {
	Header
	Amount      *big.Int
	ProtocolFee *big.Int
}

func (ChargeSucceeded) Kind() Kind { return KindChargeSucceeded }

// ChargeFailed is emitted when a charge transaction landed but collected
// nothing.
type ChargeFailed struct {
	Header
	Reason string
}

func (ChargeFailed) Kind() Kind { return KindChargeFailed }

// PolicyCancelledByFailure is emitted when the contract cancels a policy
// after repeated failed charges.
type PolicyCancelledByFailure struct {
	Header
	ConsecutiveFailures *big.Int
	EndTime             *big.Int
}

func (PolicyCancelledByFailure) Kind() Kind { return KindPolicyCancelledByFailure }

// Unrecognized is a foreign or malformed log. Err says why decoding gave up.
type Unrecognized struct {
	Log Meta
	Err error
}

func (Unrecognized) Kind() Kind   { return KindUnrecognized }
func (u Unrecognized) Meta() Meta { return u.Log }
func (Unrecognized) isEvent()     {}

// PolicyIDHex renders a policy id the way it is stored.
func PolicyIDHex(id common.Hash) string {
	return id.Hex()
}
