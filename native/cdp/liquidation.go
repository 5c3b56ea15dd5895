package cdp

import (
	"fmt"

	"github.com/holiman/uint256"
)

const basisPoints uint64 = 10_000

// LiquidationPolicy controls how much of an unhealthy position a single
// liquidation repays and the collateral premium paid to the liquidator.
type LiquidationPolicy struct {
	CloseFactorBps uint64 `json:"closeFactorBps" toml:"CloseFactorBps"`
	BonusBps       uint64 `json:"bonusBps" toml:"BonusBps"`
}

// DefaultLiquidationPolicy repays the full debt with a 5% collateral bonus.
var DefaultLiquidationPolicy = LiquidationPolicy{CloseFactorBps: basisPoints, BonusBps: 500}

// Validate checks the policy bounds.
func (p LiquidationPolicy) Validate() error {
	if p.CloseFactorBps == 0 || p.CloseFactorBps > basisPoints {
		return fmt.Errorf("%w: close factor %d bps outside (0, %d]", ErrInvalidConfiguration, p.CloseFactorBps, basisPoints)
	}
	if p.BonusBps > basisPoints {
		return fmt.Errorf("%w: liquidation bonus %d bps above %d", ErrInvalidConfiguration, p.BonusBps, basisPoints)
	}
	return nil
}

// settle computes the debt a liquidator repays and the collateral seized in
// return. The seizure is the repaid value in collateral plus the bonus,
// rounded up so a repayment always buys at least one collateral unit. When
// that exceeds the collateral, everything is seized and the repayment shrinks
// to the value it covers; any remaining debt stays on the position.
func (p LiquidationPolicy) settle(collateral, debt uint64, price Price) (repay, seized uint64, err error) {
	if debt == 0 || collateral == 0 {
		return 0, 0, fmt.Errorf("%w: nothing to liquidate", ErrInvalidAmount)
	}
	premium := basisPoints + p.BonusBps

	repay = saturate(new(uint256.Int).Div(product(debt, p.CloseFactorBps), uint256.NewInt(basisPoints)))
	if repay == 0 {
		repay = 1
	}
	wanted := divCeil(product(repay, price.Den, premium), product(price.Num, basisPoints))
	if wanted.Cmp(uint256.NewInt(collateral)) <= 0 {
		return repay, wanted.Uint64(), nil
	}

	seized = collateral
	covered := new(uint256.Int).Div(product(collateral, price.Num, basisPoints), product(price.Den, premium))
	repay = saturate(covered)
	if repay > debt {
		repay = debt
	}
	if repay == 0 {
		return 0, 0, fmt.Errorf("%w: collateral too small to cover any debt", ErrInvalidAmount)
	}
	return repay, seized, nil
}

// divCeil divides rounding towards positive infinity. d must be non-zero.
func divCeil(n, d *uint256.Int) *uint256.Int {
	q, r := new(uint256.Int).DivMod(n, d, new(uint256.Int))
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}
