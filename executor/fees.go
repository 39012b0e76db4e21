package executor

import (
	"math/big"

	"github.com/vitwit/autopay/clients"
)

// FeeFloor is the lowest pricing a chain will actually include. Nil fields
// mean no floor.
type FeeFloor struct {
	MinTip  *big.Int
	MinBase *big.Int
}

// ApplyFeeFloors clamps the network suggestion to the floor and derives the
// fee cap as 2*base + tip. The cap is always strictly above the tip.
func ApplyFeeFloors(s clients.FeeSuggestion, floor FeeFloor) clients.Fees {
	tip := maxBig(s.TipCap, floor.MinTip)
	base := maxBig(s.BaseFee, floor.MinBase)

	feeCap := new(big.Int).Mul(base, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	if feeCap.Cmp(tip) <= 0 {
		feeCap = new(big.Int).Add(tip, big.NewInt(1))
	}
	return clients.Fees{TipCap: tip, FeeCap: feeCap}
}

func maxBig(v, floor *big.Int) *big.Int {
	out := new(big.Int)
	if v != nil && v.Sign() > 0 {
		out.Set(v)
	}
	if floor != nil && out.Cmp(floor) < 0 {
		out.Set(floor)
	}
	return out
}
