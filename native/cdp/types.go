package cdp

import (
	"microstable/crypto"
)

// State classifies a position relative to the current parameters and price.
type State uint8

const (
	StateEmpty State = iota
	StateOpen
	StateLiquidatable
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateOpen:
		return "open"
	case StateLiquidatable:
		return "liquidatable"
	default:
		return "unknown"
	}
}

// Position is the ledger record for one owner. Amounts are in the smallest
// unit of the collateral and synthetic assets respectively.
type Position struct {
	Owner      crypto.Address `json:"owner"`
	Vault      crypto.Address `json:"vault"`
	Collateral uint64         `json:"collateral"`
	Debt       uint64         `json:"debt"`
	Version    uint64         `json:"version"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`

	stored bool
}

// Clone returns an independent copy, including whether it was loaded from
// storage.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Empty reports whether the position holds neither collateral nor debt.
func (p *Position) Empty() bool {
	return p == nil || (p.Collateral == 0 && p.Debt == 0)
}

// Exists reports whether the position has a persisted record.
func (p *Position) Exists() bool {
	return p != nil && p.stored
}

// Ratio is a collateral ratio in whole percent. Infinite is set when the
// position carries no debt.
type Ratio struct {
	Percent  uint64 `json:"percent"`
	Infinite bool   `json:"infinite"`
}

// Health summarises a position against the current minimum ratio and price.
type Health struct {
	Ratio        Ratio  `json:"ratio"`
	MinRatio     uint64 `json:"minRatio"`
	State        State  `json:"-"`
	StateName    string `json:"state"`
	MaxDebt      uint64 `json:"maxDebt"`
	Price        Price  `json:"price"`
	Collateral   uint64 `json:"collateral"`
	Debt         uint64 `json:"debt"`
	Mintable     uint64 `json:"mintable"`
	Withdrawable uint64 `json:"withdrawable"`
}

// Receipt describes the effect of a committed operation.
type Receipt struct {
	Operation     string         `json:"operation"`
	Owner         crypto.Address `json:"owner"`
	Actor         crypto.Address `json:"actor"`
	CollateralIn  uint64         `json:"collateralIn,omitempty"`
	CollateralOut uint64         `json:"collateralOut,omitempty"`
	Minted        uint64         `json:"minted,omitempty"`
	Burned        uint64         `json:"burned,omitempty"`
	Collateral    uint64         `json:"collateral"`
	Debt          uint64         `json:"debt"`
	Opened        bool           `json:"opened,omitempty"`
	Closed        bool           `json:"closed,omitempty"`
	At            int64          `json:"at"`
}

// Operation names recorded on receipts, events and metrics.
const (
	OpDepositAndMint  = "deposit_and_mint"
	OpMint            = "mint"
	OpRepay           = "repay"
	OpWithdraw        = "withdraw"
	OpWithdrawAndBurn = "withdraw_and_burn"
	OpLiquidate       = "liquidate"
)
