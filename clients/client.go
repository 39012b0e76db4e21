package clients

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// FeeSuggestion is what the network's own estimators report.
type FeeSuggestion struct {
	TipCap  *big.Int
	BaseFee *big.Int
}

// Fees are the EIP-1559 caps used to price a transaction.
type Fees struct {
	TipCap *big.Int
	FeeCap *big.Int
}

// ChainClient is the read/write surface of one chain the indexer and
// executor need. Every method except Submit is safe to retry.
type ChainClient interface {
	ChainID() int64
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (time.Time, error)
	// FilterLogs returns the contract's logs in [from, to].
	FilterLogs(ctx context.Context, from, to uint64) ([]gethtypes.Log, error)
	CanCharge(ctx context.Context, policyID common.Hash) (bool, string, error)
	SuggestFees(ctx context.Context) (FeeSuggestion, error)
	// Simulate runs calldata against the contract as the executor account.
	Simulate(ctx context.Context, data []byte) error
	Submit(ctx context.Context, data []byte, fees Fees) (common.Hash, error)
	WaitReceipt(ctx context.Context, tx common.Hash) (*gethtypes.Receipt, error)
	Close()
}
