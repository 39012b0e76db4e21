package testkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/autopay/clients"
	"github.com/vitwit/autopay/contract"
)

// ChargeOutcome scripts what a submitted charge does on the fake chain.
type ChargeOutcome struct {
	// Amount and Fee produce a ChargeSucceeded log when Amount is set.
	Amount *big.Int
	Fee    *big.Int
	// FailReason produces a ChargeFailed log.
	FailReason string
	Reverted   bool
	SubmitErr  error

	// ReceiptErr hides the mined receipt until LandReceipt.
	ReceiptErr error
}

// Submission records a transaction sent to the fake.
type Submission struct {
	Method   string
	PolicyID common.Hash
	Fees     clients.Fees
	TxHash   common.Hash
}

// FakeChain is an in-memory ChainClient. Zero values give a chain with no
// logs where every charge succeeds for zero.
type FakeChain struct {
	mu sync.Mutex

	ID       int64
	Contract common.Address
	Head     uint64
	// Genesis anchors default block timestamps at 12s per block.
	Genesis time.Time
	// Now, when set, timestamps blocks mined by Submit.
	Now func() time.Time

	Fees clients.FeeSuggestion

	CanChargeFn func(id common.Hash) (bool, string, error)
	ChargeFn    func(id common.Hash) ChargeOutcome
	CancelErr   error
	SimulateErr error
	HeadErr     error
	FilterErr   error

	// Policy parties used in receipt logs.
	Parties map[common.Hash][2]common.Address

	logs       []gethtypes.Log
	timestamps map[uint64]time.Time
	receipts   map[common.Hash]*gethtypes.Receipt
	receiptErr map[common.Hash]error

	Submitted   []Submission
	FilterCalls [][2]uint64
	nonce       uint64
}

var _ clients.ChainClient = (*FakeChain)(nil)

// NewFakeChain returns a fake for the given chain id with the default
// contract.
func NewFakeChain(id int64) *FakeChain {
	return &FakeChain{
		ID:       id,
		Contract: DefaultContract,
		Genesis:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Fees:     clients.FeeSuggestion{TipCap: big.NewInt(1), BaseFee: big.NewInt(1)},
	}
}

// AddLogs appends logs and raises the head to cover them.
func (f *FakeChain) AddLogs(logs ...gethtypes.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range logs {
		f.logs = append(f.logs, l)
		if l.BlockNumber > f.Head {
			f.Head = l.BlockNumber
		}
	}
	sort.SliceStable(f.logs, func(i, j int) bool {
		if f.logs[i].BlockNumber != f.logs[j].BlockNumber {
			return f.logs[i].BlockNumber < f.logs[j].BlockNumber
		}
		return f.logs[i].Index < f.logs[j].Index
	})
}

// SetHead moves the chain head.
func (f *FakeChain) SetHead(n uint64) {
	f.mu.Lock()
	f.Head = n
	f.mu.Unlock()
}

// SetTimestamp pins the timestamp of a block.
func (f *FakeChain) SetTimestamp(block uint64, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timestamps == nil {
		f.timestamps = map[uint64]time.Time{}
	}
	f.timestamps[block] = ts.UTC()
}

// Submissions returns a copy of what was sent so far.
func (f *FakeChain) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.Submitted...)
}

func (f *FakeChain) ChainID() int64 { return f.ID }
func (f *FakeChain) Close()         {}

func (f *FakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HeadErr != nil {
		return 0, f.HeadErr
	}
	return f.Head, nil
}

func (f *FakeChain) BlockTimestamp(_ context.Context, number uint64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timestampLocked(number), nil
}

func (f *FakeChain) timestampLocked(number uint64) time.Time {
	if ts, ok := f.timestamps[number]; ok {
		return ts
	}
	return f.Genesis.Add(time.Duration(number) * 12 * time.Second)
}

func (f *FakeChain) FilterLogs(_ context.Context, from, to uint64) ([]gethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FilterCalls = append(f.FilterCalls, [2]uint64{from, to})
	if f.FilterErr != nil {
		return nil, f.FilterErr
	}
	var out []gethtypes.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to && l.Address == f.Contract {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *FakeChain) CanCharge(_ context.Context, id common.Hash) (bool, string, error) {
	if f.CanChargeFn == nil {
		return true, "", nil
	}
	return f.CanChargeFn(id)
}

func (f *FakeChain) SuggestFees(context.Context) (clients.FeeSuggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return clients.FeeSuggestion{
		TipCap:  new(big.Int).Set(f.Fees.TipCap),
		BaseFee: new(big.Int).Set(f.Fees.BaseFee),
	}, nil
}

func (f *FakeChain) Simulate(_ context.Context, data []byte) error {
	if _, _, err := decodeCall(data); err != nil {
		return err
	}
	return f.SimulateErr
}

// Submit mines the call into a new block and stores its receipt.
func (f *FakeChain) Submit(_ context.Context, data []byte, fees clients.Fees) (common.Hash, error) {
	method, id, err := decodeCall(data)
	if err != nil {
		return common.Hash{}, err
	}

	var outcome ChargeOutcome
	switch method {
	case contract.MethodCharge:
		if f.ChargeFn != nil {
			outcome = f.ChargeFn(id)
		}
	case contract.MethodCancelFailedPolicy:
		if f.CancelErr != nil {
			return common.Hash{}, f.CancelErr
		}
	}
	if outcome.SubmitErr != nil {
		return common.Hash{}, outcome.SubmitErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce++
	f.Head++
	block := f.Head
	if f.Now != nil {
		if f.timestamps == nil {
			f.timestamps = map[uint64]time.Time{}
		}
		f.timestamps[block] = f.Now().UTC()
	}
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("submit-%d-%d", f.ID, f.nonce)))
	f.Submitted = append(f.Submitted, Submission{Method: method, PolicyID: id, Fees: fees, TxHash: hash})

	receipt := &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(block),
	}
	parties := f.Parties[id]
	at := At{Contract: f.Contract, Block: block, TxHash: hash}
	switch {
	case outcome.Reverted:
		receipt.Status = gethtypes.ReceiptStatusFailed
	case method == contract.MethodCancelFailedPolicy:
		receipt.Logs = append(receipt.Logs, ptr(PolicyCancelledByFailureLog(at, id, parties[0], parties[1], 0, uint64(f.timestampLocked(block).Unix()))))
	case outcome.FailReason != "":
		receipt.Logs = append(receipt.Logs, ptr(ChargeFailedLog(at, id, parties[0], parties[1], outcome.FailReason)))
	default:
		amount, fee := outcome.Amount, outcome.Fee
		if amount == nil {
			amount = new(big.Int)
		}
		if fee == nil {
			fee = new(big.Int)
		}
		receipt.Logs = append(receipt.Logs, ptr(ChargeSucceededLog(at, id, parties[0], parties[1], amount, fee)))
	}
	if f.receipts == nil {
		f.receipts = map[common.Hash]*gethtypes.Receipt{}
	}
	f.receipts[hash] = receipt
	if outcome.ReceiptErr != nil {
		if f.receiptErr == nil {
			f.receiptErr = map[common.Hash]error{}
		}
		f.receiptErr[hash] = outcome.ReceiptErr
	}
	return hash, nil
}

// LandReceipt makes a receipt held back by ReceiptErr visible.
func (f *FakeChain) LandReceipt(tx common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.receiptErr, tx)
}

func (f *FakeChain) WaitReceipt(_ context.Context, tx common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.receiptErr[tx]; ok {
		return nil, err
	}
	r, ok := f.receipts[tx]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func decodeCall(data []byte) (string, common.Hash, error) {
	if len(data) != 36 {
		return "", common.Hash{}, errors.New("testkit: unexpected calldata length")
	}
	for _, name := range []string{contract.MethodCharge, contract.MethodCancelFailedPolicy, contract.MethodCanCharge} {
		if bytes.Equal(data[:4], contract.ABI.Methods[name].ID) {
			return name, common.BytesToHash(data[4:]), nil
		}
	}
	return "", common.Hash{}, errors.New("testkit: unknown selector")
}

func ptr(l gethtypes.Log) *gethtypes.Log { return &l }
