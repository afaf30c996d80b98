package chain

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

const etherDecimals = 18

var ErrSubWeiAmount = errors.New("amount has more than 18 decimal places")

func WeiToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -etherDecimals)
}

func EtherToWei(ether decimal.Decimal) (*big.Int, error) {
	wei := ether.Shift(etherDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, ErrSubWeiAmount
	}
	return wei.BigInt(), nil
}

// GweiToWei returns nil for non-positive values, which callers treat as
// "no limit".
func GweiToWei(gwei int64) *big.Int {
	if gwei <= 0 {
		return nil
	}
	return new(big.Int).Mul(big.NewInt(gwei), big.NewInt(1_000_000_000))
}
