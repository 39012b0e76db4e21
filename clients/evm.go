package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vitwit/autopay/contract"
	"github.com/vitwit/autopay/retry"
)

const (
	defaultReceiptTimeout = 2 * time.Minute
	defaultReceiptPoll    = 2 * time.Second
	// gas estimates are padded by this percentage
	gasLimitPadPercent = 20
)

// EVMConfig configures an EVMClient.
type EVMConfig struct {
	ChainID  int64
	RPCURL   string
	Contract common.Address
	// Signer is optional; without it the client is read-only.
	Signer         *ecdsa.PrivateKey
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
	// Reads are retried with this policy. Zero value means one attempt.
	ReadRetry retry.Policy
}

// EVMClient talks to one EVM chain and one deployment of the contract.
type EVMClient struct {
	eth      *ethclient.Client
	chainID  *big.Int
	contract common.Address
	signer   *ecdsa.PrivateKey
	from     common.Address

	receiptTimeout time.Duration
	receiptPoll    time.Duration
	readRetry      retry.Policy
}

var _ ChainClient = (*EVMClient)(nil)

// NewEVMClient dials the RPC endpoint and checks it serves the configured
// chain.
func NewEVMClient(ctx context.Context, cfg EVMConfig) (*EVMClient, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum rpc dial: %w", err)
	}

	remote, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain id fetch failed: %w", err)
	}
	if remote.Int64() != cfg.ChainID {
		eth.Close()
		return nil, fmt.Errorf("%w: rpc serves %s, configured %d", ErrChainIDMismatch, remote, cfg.ChainID)
	}

	c := &EVMClient{
		eth:            eth,
		chainID:        remote,
		contract:       cfg.Contract,
		signer:         cfg.Signer,
		receiptTimeout: cfg.ReceiptTimeout,
		receiptPoll:    cfg.ReceiptPoll,
		readRetry:      cfg.ReadRetry,
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = defaultReceiptTimeout
	}
	if c.receiptPoll <= 0 {
		c.receiptPoll = defaultReceiptPoll
	}
	if c.readRetry.MaxAttempts == 0 {
		c.readRetry.MaxAttempts = 1
	}
	if cfg.Signer != nil {
		c.from = crypto.PubkeyToAddress(cfg.Signer.PublicKey)
	}
	return c, nil
}

func (c *EVMClient) ChainID() int64 { return c.chainID.Int64() }

// Address is the executor account, zero for read-only clients.
func (c *EVMClient) Address() common.Address { return c.from }

func (c *EVMClient) Close() { c.eth.Close() }

func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := retry.Do(ctx, c.readRetry, func(ctx context.Context) error {
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

func (c *EVMClient) BlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	var header *gethtypes.Header
	err := retry.Do(ctx, c.readRetry, func(ctx context.Context) error {
		var err error
		header, err = c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", number, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func (c *EVMClient) FilterLogs(ctx context.Context, from, to uint64) ([]gethtypes.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
	}
	var logs []gethtypes.Log
	err := retry.Do(ctx, c.readRetry, func(ctx context.Context) error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}
	return logs, nil
}

func (c *EVMClient) CanCharge(ctx context.Context, policyID common.Hash) (bool, string, error) {
	data, err := contract.PackCanCharge(policyID)
	if err != nil {
		return false, "", fmt.Errorf("pack canCharge: %w", err)
	}
	var out []byte
	err = retry.Do(ctx, c.readRetry, func(ctx context.Context) error {
		var err error
		out, err = c.eth.CallContract(ctx, c.callMsg(data), nil)
		return err
	})
	if err != nil {
		return false, "", fmt.Errorf("call canCharge: %w", err)
	}
	return contract.UnpackCanCharge(out)
}

func (c *EVMClient) SuggestFees(ctx context.Context) (FeeSuggestion, error) {
	var s FeeSuggestion
	err := retry.Do(ctx, c.readRetry, func(ctx context.Context) error {
		tip, err := c.eth.SuggestGasTipCap(ctx)
		if err != nil {
			return fmt.Errorf("suggest gas tip cap: %w", err)
		}
		head, err := c.eth.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("latest header: %w", err)
		}
		s.TipCap = tip
		s.BaseFee = new(big.Int)
		if head.BaseFee != nil {
			s.BaseFee.Set(head.BaseFee)
		}
		return nil
	})
	return s, err
}

func (c *EVMClient) Simulate(ctx context.Context, data []byte) error {
	if _, err := c.eth.CallContract(ctx, c.callMsg(data), nil); err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}
	return nil
}

// Submit signs and broadcasts an EIP-1559 call to the contract. It is not
// retried.
func (c *EVMClient) Submit(ctx context.Context, data []byte, fees Fees) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, ErrNoSigner
	}

	gas, err := c.eth.EstimateGas(ctx, c.callMsg(data))
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas failed: %w", err)
	}
	gas += gas * gasLimitPadPercent / 100

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce failed: %w", err)
	}

	to := c.contract
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: fees.TipCap,
		GasFeeCap: fees.FeeCap,
		Gas:       gas,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.signer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx failed: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx failed: %w", err)
	}
	return signed.Hash(), nil
}

// WaitReceipt polls until the transaction is mined or the receipt timeout
// passes.
func (c *EVMClient) WaitReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) && !retry.IsRetryable(err) {
			return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash.Hex())
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) callMsg(data []byte) ethereum.CallMsg {
	to := c.contract
	return ethereum.CallMsg{From: c.from, To: &to, Data: data}
}
