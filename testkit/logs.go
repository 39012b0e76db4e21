// Package testkit builds contract logs and fakes a chain for tests.
package testkit

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/autopay/contract"
)

// DefaultContract is the contract address fakes and builders use unless told
// otherwise.
var DefaultContract = common.HexToAddress("0x00000000000000000000000000000000000a0700")

// At places a log on chain.
type At struct {
	Contract common.Address
	Block    uint64
	TxHash   common.Hash
	Index    uint
}

// AtBlock is At for the default contract with a tx hash derived from the
// block and index.
func AtBlock(block uint64, index uint) At {
	return At{
		Contract: DefaultContract,
		Block:    block,
		TxHash:   crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d-%d", block, index))),
		Index:    index,
	}
}

// PolicyID returns a deterministic bytes32 policy id.
func PolicyID(n int64) common.Hash {
	return common.BigToHash(big.NewInt(n))
}

// Address returns a deterministic address.
func Address(n int64) common.Address {
	return common.BigToAddress(big.NewInt(n))
}

func PolicyCreatedLog(at At, id common.Hash, payer, merchant common.Address, chargeAmount, spendingCap *big.Int, interval uint64, metadataURL string) gethtypes.Log {
	return build(at, contract.EventPolicyCreated, id, payer, merchant,
		chargeAmount, spendingCap, new(big.Int).SetUint64(interval), metadataURL)
}

func PolicyRevokedLog(at At, id common.Hash, payer, merchant common.Address, endTime uint64) gethtypes.Log {
	return build(at, contract.EventPolicyRevoked, id, payer, merchant, new(big.Int).SetUint64(endTime))
}

func ChargeSucceededLog(at At, id common.Hash, payer, merchant common.Address, amount, protocolFee *big.Int) gethtypes.Log {
	return build(at, contract.EventChargeSucceeded, id, payer, merchant, amount, protocolFee)
}

func ChargeFailedLog(at At, id common.Hash, payer, merchant common.Address, reason string) gethtypes.Log {
	return build(at, contract.EventChargeFailed, id, payer, merchant, reason)
}

func PolicyCancelledByFailureLog(at At, id common.Hash, payer, merchant common.Address, failures, endTime uint64) gethtypes.Log {
	return build(at, contract.EventPolicyCancelledByFailure, id, payer, merchant,
		new(big.Int).SetUint64(failures), new(big.Int).SetUint64(endTime))
}

func build(at At, name string, id common.Hash, payer, merchant common.Address, args ...any) gethtypes.Log {
	event, ok := contract.ABI.Events[name]
	if !ok {
		panic("testkit: unknown event " + name)
	}
	data, err := event.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		panic(fmt.Sprintf("testkit: pack %s: %v", name, err))
	}
	return gethtypes.Log{
		Address: at.Contract,
		Topics: []common.Hash{
			event.ID,
			id,
			common.BytesToHash(payer.Bytes()),
			common.BytesToHash(merchant.Bytes()),
		},
		Data:        data,
		BlockNumber: at.Block,
		TxHash:      at.TxHash,
		Index:       at.Index,
	}
}
