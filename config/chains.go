package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChainConfig describes one chain and its contract deployment.
type ChainConfig struct {
	Name            string `json:"name" validate:"required"`
	ChainID         int64  `json:"chainId" validate:"gt=0"`
	RPCURL          string `json:"rpcUrl" validate:"required,url"`
	ContractAddress string `json:"contractAddress" validate:"required,eth_addr"`
	StartBlock      uint64 `json:"startBlock"`
	Confirmations   uint64 `json:"confirmations"`
	MaxBlockRange   uint64 `json:"maxBlockRange" validate:"gt=0"`
	// RequestDelay separates consecutive log requests.
	RequestDelay      Duration `json:"requestDelay"`
	MinPriorityFeeWei string   `json:"minPriorityFeeWei" validate:"omitempty,numeric"`
	MinBaseFeeWei     string   `json:"minBaseFeeWei" validate:"omitempty,numeric"`
	TokenDecimals     int32    `json:"tokenDecimals" validate:"min=0,max=36"`
	ReceiptTimeout    Duration `json:"receiptTimeout" validate:"gt=0"`
}

// DefaultChain holds the values absent JSON keys fall back to.
func DefaultChain() ChainConfig {
	return ChainConfig{
		Confirmations:  3,
		MaxBlockRange:  2000,
		RequestDelay:   Duration(200 * time.Millisecond),
		TokenDecimals:  6,
		ReceiptTimeout: Duration(2 * time.Minute),
	}
}

// ChainList is the AUTOPAY_CHAINS value: a JSON array of chain objects.
type ChainList []ChainConfig

// UnmarshalText decodes the JSON array, applying DefaultChain to each entry.
func (l *ChainList) UnmarshalText(text []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(text, &raw); err != nil {
		return fmt.Errorf("chains must be a JSON array: %w", err)
	}
	out := make(ChainList, 0, len(raw))
	for i, r := range raw {
		c := DefaultChain()
		if err := json.Unmarshal(r, &c); err != nil {
			return fmt.Errorf("chain %d: %w", i, err)
		}
		c.Name = strings.TrimSpace(c.Name)
		out = append(out, c)
	}
	*l = out
	return nil
}

// Duration reads JSON strings like "200ms" or numbers of milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", b)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
