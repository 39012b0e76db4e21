// Package contract holds the ABI of the recurring payments contract and
// helpers to pack calls against it.
package contract

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Event names
const (
	EventPolicyCreated            = "PolicyCreated"
	EventPolicyRevoked            = "PolicyRevoked"
	EventChargeSucceeded          = "ChargeSucceeded"
	EventChargeFailed             = "ChargeFailed"
	EventPolicyCancelledByFailure = "PolicyCancelledByFailure"
)

// Method names
const (
	MethodCanCharge          = "canCharge"
	MethodCharge             = "charge"
	MethodCancelFailedPolicy = "cancelFailedPolicy"
)

const policyManagerABI = `[
  {
    "type": "event",
    "name": "PolicyCreated",
    "anonymous": false,
    "inputs": [
      {"name": "policyId", "type": "bytes32", "indexed": true},
      {"name": "payer", "type": "address", "indexed": true},
      {"name": "merchant", "type": "address", "indexed": true},
      {"name": "chargeAmount", "type": "uint256", "indexed": false},
      {"name": "spendingCap", "type": "uint256", "indexed": false},
      {"name": "interval", "type": "uint256", "indexed": false},
      {"name": "metadataUrl", "type": "string", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "PolicyRevoked",
    "anonymous": false,
    "inputs": [
      {"name": "policyId", "type": "bytes32", "indexed": true},
      {"name": "payer", "type": "address", "indexed": true},
      {"name": "merchant", "type": "address", "indexed": true},
      {"name": "endTime", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "ChargeSucceeded",
    "anonymous": false,
    "inputs": [
      {"name": "policyId", "type": "bytes32", "indexed": true},
      {"name": "payer", "type": "address", "indexed": true},
      {"name": "merchant", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false},
      {"name": "protocolFee", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "ChargeFailed",
    "anonymous": false,
    "inputs": [
      {"name": "policyId", "type": "bytes32", "indexed": true},
      {"name": "payer", "type": "address", "indexed": true},
      {"name": "merchant", "type": "address", "indexed": true},
      {"name": "reason", "type": "string", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "PolicyCancelledByFailure",
    "anonymous": false,
    "inputs": [
      {"name": "policyId", "type": "bytes32", "indexed": true},
      {"name": "payer", "type": "address", "indexed": true},
      {"name": "merchant", "type": "address", "indexed": true},
      {"name": "consecutiveFailures", "type": "uint256", "indexed": false},
      {"name": "endTime", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "function",
    "name": "canCharge",
    "stateMutability": "view",
    "inputs": [{"name": "policyId", "type": "bytes32"}],
    "outputs": [
      {"name": "ok", "type": "bool"},
      {"name": "reason", "type": "string"}
    ]
  },
  {
    "type": "function",
    "name": "charge",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "policyId", "type": "bytes32"}],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "cancelFailedPolicy",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "policyId", "type": "bytes32"}],
    "outputs": []
  }
]`

// ABI is the parsed contract interface.
var ABI = mustParse(policyManagerABI)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse policy manager abi: %v", err))
	}
	return parsed
}

// Topic returns the topic0 hash of a named event.
func Topic(event string) common.Hash {
	return ABI.Events[event].ID
}

// PolicyIDToHash converts a 0x-prefixed hex policy id to bytes32.
func PolicyIDToHash(policyID string) (common.Hash, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(policyID), "0x")
	if len(raw) != 64 {
		return common.Hash{}, fmt.Errorf("policy id %q must be 32 bytes of hex", policyID)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("policy id %q is not valid hex: %w", policyID, err)
	}
	return common.BytesToHash(b), nil
}

// PackCanCharge encodes canCharge(policyId).
func PackCanCharge(policyID common.Hash) ([]byte, error) {
	return ABI.Pack(MethodCanCharge, policyID)
}

// UnpackCanCharge decodes the (bool, string) result of canCharge.
func UnpackCanCharge(out []byte) (bool, string, error) {
	values, err := ABI.Unpack(MethodCanCharge, out)
	if err != nil {
		return false, "", fmt.Errorf("unpack canCharge: %w", err)
	}
	if len(values) != 2 {
		return false, "", fmt.Errorf("unpack canCharge: got %d values", len(values))
	}
	ok, _ := values[0].(bool)
	reason, _ := values[1].(string)
	return ok, reason, nil
}

// PackCharge encodes charge(policyId).
func PackCharge(policyID common.Hash) ([]byte, error) {
	return ABI.Pack(MethodCharge, policyID)
}

// PackCancelFailedPolicy encodes cancelFailedPolicy(policyId).
func PackCancelFailedPolicy(policyID common.Hash) ([]byte, error) {
	return ABI.Pack(MethodCancelFailedPolicy, policyID)
}
