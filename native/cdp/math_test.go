package cdp

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestCheckedArithmetic(t *testing.T) {
	if _, err := checkedAdd(math.MaxUint64, 1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := checkedSub(0, 1); !errors.Is(err, ErrArithmeticUnderflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	if v, err := checkedAdd(2, 3); err != nil || v != 5 {
		t.Fatalf("add: %d %v", v, err)
	}
}

func TestIsHealthy(t *testing.T) {
	cases := []struct {
		name       string
		collateral uint64
		debt       uint64
		minRatio   uint64
		price      Price
		want       bool
	}{
		{name: "no debt", collateral: 0, debt: 0, minRatio: 150, price: Parity, want: true},
		{name: "149.25%", collateral: 200, debt: 134, minRatio: 150, price: Parity, want: false},
		{name: "150.37%", collateral: 200, debt: 133, minRatio: 150, price: Parity, want: true},
		{name: "exactly minimum", collateral: 150, debt: 100, minRatio: 150, price: Parity, want: true},
		{name: "price drop", collateral: 160, debt: 100, minRatio: 150, price: Price{Num: 7, Den: 8}, want: false},
		{name: "max values", collateral: math.MaxUint64, debt: math.MaxUint64, minRatio: 100, price: Parity, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isHealthy(tc.collateral, tc.debt, tc.minRatio, tc.price); got != tc.want {
				t.Fatalf("isHealthy = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCollateralRatio(t *testing.T) {
	if r := collateralRatio(10, 0, Parity); !r.Infinite {
		t.Fatalf("zero debt must be infinite, got %+v", r)
	}
	if r := collateralRatio(200, 133, Parity); r.Percent != 150 {
		t.Fatalf("expected 150, got %d", r.Percent)
	}
	if r := collateralRatio(math.MaxUint64, 1, Parity); r.Percent != math.MaxUint64 {
		t.Fatalf("expected saturation, got %d", r.Percent)
	}
}

func TestMaxDebtAndMinCollateral(t *testing.T) {
	if got := maxDebt(200, 150, Parity); got != 133 {
		t.Fatalf("maxDebt = %d", got)
	}
	if got := minCollateral(133, 150, Parity); got != 200 {
		t.Fatalf("minCollateral = %d", got)
	}
	if got := minCollateral(100, 150, Parity); got != 150 {
		t.Fatalf("minCollateral = %d", got)
	}
	if got := minCollateral(0, 150, Parity); got != 0 {
		t.Fatalf("minCollateral = %d", got)
	}
}

func TestLiquidationSettlement(t *testing.T) {
	cases := []struct {
		name       string
		policy     LiquidationPolicy
		collateral uint64
		debt       uint64
		price      Price
		repay      uint64
		seized     uint64
	}{
		{name: "full close with bonus", policy: DefaultLiquidationPolicy, collateral: 160, debt: 100, price: Price{Num: 7, Den: 8}, repay: 100, seized: 120},
		{name: "half close", policy: LiquidationPolicy{CloseFactorBps: 5_000, BonusBps: 500}, collateral: 140, debt: 100, price: Parity, repay: 50, seized: 53},
		{name: "capped at collateral", policy: DefaultLiquidationPolicy, collateral: 150, debt: 100, price: Price{Num: 1, Den: 2}, repay: 71, seized: 150},
		{name: "no bonus", policy: LiquidationPolicy{CloseFactorBps: 10_000}, collateral: 140, debt: 100, price: Parity, repay: 100, seized: 100},
		{name: "coarse collateral unit rounds up", policy: DefaultLiquidationPolicy, collateral: 1, debt: 666_666, price: Price{Num: 900_000, Den: 1}, repay: 666_666, seized: 1},
		{name: "fraction of a unit rounds up", policy: DefaultLiquidationPolicy, collateral: 5, debt: 10, price: Price{Num: 100, Den: 1}, repay: 10, seized: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repay, seized, err := tc.policy.settle(tc.collateral, tc.debt, tc.price)
			if err != nil {
				t.Fatalf("settle: %v", err)
			}
			if repay != tc.repay || seized != tc.seized {
				t.Fatalf("settle = (%d, %d), want (%d, %d)", repay, seized, tc.repay, tc.seized)
			}
		})
	}
	if _, _, err := DefaultLiquidationPolicy.settle(0, 10, Parity); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestLiquidationPolicyValidate(t *testing.T) {
	if err := DefaultLiquidationPolicy.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	for _, p := range []LiquidationPolicy{{CloseFactorBps: 0}, {CloseFactorBps: 10_001}, {CloseFactorBps: 10_000, BonusBps: 10_001}} {
		if err := p.Validate(); !errors.Is(err, ErrInvalidConfiguration) {
			t.Fatalf("policy %+v: expected ErrInvalidConfiguration, got %v", p, err)
		}
	}
}

func TestManualPrice(t *testing.T) {
	feed := NewManualPrice(Parity)
	if err := feed.Set(Price{Num: 0, Den: 1}); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	if err := feed.Set(Price{Num: 3, Den: 2}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := feed.Price(context.Background())
	if err != nil || got != (Price{Num: 3, Den: 2}) {
		t.Fatalf("price = %v (%v)", got, err)
	}
	if _, err := FixedPrice(Price{}).Price(context.Background()); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}
