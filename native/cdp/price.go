package cdp

import (
	"context"
	"fmt"
	"sync"
)

// Price is the value of one collateral unit in synthetic units, expressed as
// the fraction Num/Den.
type Price struct {
	Num uint64 `json:"num"`
	Den uint64 `json:"den"`
}

// Parity values one collateral unit at one synthetic unit.
var Parity = Price{Num: 1, Den: 1}

func (p Price) validate() error {
	if p.Num == 0 || p.Den == 0 {
		return fmt.Errorf("%w: %d/%d", ErrInvalidPrice, p.Num, p.Den)
	}
	return nil
}

func (p Price) String() string { return fmt.Sprintf("%d/%d", p.Num, p.Den) }

// PriceFeed supplies the collateral price used for ratio checks.
type PriceFeed interface {
	Price(ctx context.Context) (Price, error)
}

// FixedPrice always returns the same price.
type FixedPrice Price

func (f FixedPrice) Price(context.Context) (Price, error) {
	p := Price(f)
	if err := p.validate(); err != nil {
		return Price{}, err
	}
	return p, nil
}

// ManualPrice is a settable feed for operators and tests.
type ManualPrice struct {
	mu    sync.RWMutex
	price Price
}

// NewManualPrice returns a feed primed with p.
func NewManualPrice(p Price) *ManualPrice {
	return &ManualPrice{price: p}
}

// Set replaces the current price.
func (m *ManualPrice) Set(p Price) error {
	if err := p.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.price = p
	m.mu.Unlock()
	return nil
}

func (m *ManualPrice) Price(context.Context) (Price, error) {
	m.mu.RLock()
	p := m.price
	m.mu.RUnlock()
	if err := p.validate(); err != nil {
		return Price{}, err
	}
	return p, nil
}
