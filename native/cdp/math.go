package cdp

import (
	"math"
	"math/bits"

	"github.com/holiman/uint256"
)

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

func checkedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrArithmeticUnderflow
	}
	return diff, nil
}

// product multiplies the factors in 256-bit space. Every caller passes at most
// three 64-bit factors so the result cannot wrap.
func product(factors ...uint64) *uint256.Int {
	out := uint256.NewInt(1)
	for _, f := range factors {
		out.Mul(out, uint256.NewInt(f))
	}
	return out
}

func saturate(v *uint256.Int) uint64 {
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

// isHealthy reports collateral*price*100 >= minRatio*debt. The comparison is
// cross-multiplied so no precision is lost to division.
func isHealthy(collateral, debt, minRatio uint64, price Price) bool {
	if debt == 0 {
		return true
	}
	lhs := product(collateral, price.Num, 100)
	rhs := product(minRatio, debt, price.Den)
	return lhs.Cmp(rhs) >= 0
}

// collateralRatio returns floor(collateral*price*100/debt) in percent.
func collateralRatio(collateral, debt uint64, price Price) Ratio {
	if debt == 0 {
		return Ratio{Infinite: true}
	}
	num := product(collateral, price.Num, 100)
	den := product(debt, price.Den)
	return Ratio{Percent: saturate(new(uint256.Int).Div(num, den))}
}

// maxDebt is the largest debt the collateral supports at minRatio.
func maxDebt(collateral, minRatio uint64, price Price) uint64 {
	num := product(collateral, price.Num, 100)
	den := product(minRatio, price.Den)
	return saturate(new(uint256.Int).Div(num, den))
}

// minCollateral is the smallest collateral that keeps debt healthy at
// minRatio, rounded up.
func minCollateral(debt, minRatio uint64, price Price) uint64 {
	if debt == 0 {
		return 0
	}
	num := product(minRatio, debt, price.Den)
	den := product(price.Num, 100)
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(num, den, r)
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return saturate(q)
}
