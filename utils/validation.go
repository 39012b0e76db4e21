package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ValidateBigInt checks if a string is a valid base-10 big integer
func ValidateBigInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}

	bigInt := new(big.Int)
	if _, ok := bigInt.SetString(value, 10); !ok {
		return nil, fmt.Errorf("invalid big integer format %q", value)
	}

	return bigInt, nil
}

// FormatTokenAmount renders base units as a decimal token amount, e.g.
// 1000000 with 6 decimals is "1".
func FormatTokenAmount(amount *big.Int, decimals int32) string {
	if amount == nil {
		return ""
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ParsePolicyID parses the 0x + 64 hex form of a policy id.
func ParsePolicyID(id string) (common.Hash, error) {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, "0x") || len(id) != 66 || !isHexString(id[2:]) {
		return common.Hash{}, fmt.Errorf("invalid policy id %q", id)
	}
	return common.HexToHash(id), nil
}

func isHexString(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}
