// Package config loads service settings from AUTOPAY_* environment variables.
package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/autopay/retry"
	"github.com/vitwit/autopay/types"
	"github.com/vitwit/autopay/utils"
)

// Prefix is prepended to every variable name.
const Prefix = "AUTOPAY_"

// Config is the whole service configuration.
type Config struct {
	DBDriver    string `env:"DB_DRIVER" envDefault:"sqlite" validate:"oneof=sqlite postgres"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"autopay.db" validate:"required"`

	// ExecutorPrivateKey is hex; only the executor needs it.
	ExecutorPrivateKey string `env:"EXECUTOR_PRIVATE_KEY"`

	IndexerInterval  time.Duration `env:"INDEXER_INTERVAL" envDefault:"15s" validate:"gt=0"`
	ExecutorInterval time.Duration `env:"EXECUTOR_INTERVAL" envDefault:"60s" validate:"gt=0"`
	WebhookInterval  time.Duration `env:"WEBHOOK_INTERVAL" envDefault:"5s" validate:"gt=0"`

	MaxConsecutiveFailures int           `env:"MAX_CONSECUTIVE_FAILURES" envDefault:"3" validate:"min=1"`
	MaxChargeRetries       int           `env:"MAX_CHARGE_RETRIES" envDefault:"3" validate:"min=1"`
	ExecutorBatchSize      int           `env:"EXECUTOR_BATCH_SIZE" envDefault:"50" validate:"min=1"`
	ClaimTTL               time.Duration `env:"CLAIM_TTL" envDefault:"5m" validate:"gt=0"`

	WebhookBatchSize   int           `env:"WEBHOOK_BATCH_SIZE" envDefault:"50" validate:"min=1"`
	WebhookMaxAttempts int           `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"5" validate:"min=1"`
	WebhookTimeout     time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	WebhookBackoff     retry.Ladder  `env:"WEBHOOK_BACKOFF" envDefault:"1m,5m,15m" validate:"min=1"`

	MerchantAllowlist []string `env:"MERCHANT_ALLOWLIST" envSeparator:"," validate:"dive,eth_addr"`

	ShutdownGrace          time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s" validate:"gt=0"`
	StatusAddr             string        `env:"STATUS_ADDR"`
	FailedWebhookThreshold int64         `env:"FAILED_WEBHOOK_THRESHOLD" envDefault:"100" validate:"min=0"`
	LogLevel               string        `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	OTelEndpoint           string        `env:"OTEL_ENDPOINT" validate:"omitempty,url"`

	Chains ChainList `env:"CHAINS" validate:"required,min=1,dive"`
}

// Load parses the process environment and validates the result.
func Load() (*Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom is Load over an explicit environment, keys including the prefix.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, &types.AutopayError{Code: types.ErrInvalidConfig, Message: fmt.Sprintf("parse env: %v", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the rules tags cannot express.
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return err
	}
	seen := make(map[int64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if seen[ch.ChainID] {
			return invalid("chain %d is configured twice", ch.ChainID)
		}
		seen[ch.ChainID] = true
		if _, err := ch.FeeFloor(); err != nil {
			return err
		}
	}
	if c.ExecutorPrivateKey != "" {
		if _, err := utils.PrivateKeyFromHex(c.ExecutorPrivateKey); err != nil {
			return invalid("%sEXECUTOR_PRIVATE_KEY: %v", Prefix, err)
		}
	}
	return nil
}

// ExecutorKey returns the signing key, failing when none is configured.
func (c *Config) ExecutorKey() (*ecdsa.PrivateKey, error) {
	if c.ExecutorPrivateKey == "" {
		return nil, invalid("%sEXECUTOR_PRIVATE_KEY is required to run the executor", Prefix)
	}
	key, err := utils.PrivateKeyFromHex(c.ExecutorPrivateKey)
	if err != nil {
		return nil, invalid("%sEXECUTOR_PRIVATE_KEY: %v", Prefix, err)
	}
	return key, nil
}

// Chain returns the configuration of one chain.
func (c *Config) Chain(id int64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == id {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// Contract is the parsed contract address.
func (c ChainConfig) Contract() common.Address {
	return common.HexToAddress(c.ContractAddress)
}

// FeeFloorWei is the parsed chain fee minimum. Nil fields mean no floor.
type FeeFloorWei struct {
	MinTip  *big.Int
	MinBase *big.Int
}

// FeeFloor parses the chain's fee minimums.
func (c ChainConfig) FeeFloor() (FeeFloorWei, error) {
	var out FeeFloorWei
	var err error
	if c.MinPriorityFeeWei != "" {
		if out.MinTip, err = utils.ValidateBigInt(c.MinPriorityFeeWei); err != nil {
			return out, invalid("chain %d minPriorityFeeWei: %v", c.ChainID, err)
		}
	}
	if c.MinBaseFeeWei != "" {
		if out.MinBase, err = utils.ValidateBigInt(c.MinBaseFeeWei); err != nil {
			return out, invalid("chain %d minBaseFeeWei: %v", c.ChainID, err)
		}
	}
	return out, nil
}

func invalid(format string, args ...any) error {
	return &types.AutopayError{Code: types.ErrInvalidConfig, Message: fmt.Sprintf(format, args...)}
}
