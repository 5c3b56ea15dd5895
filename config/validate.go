package config

import (
	"fmt"
	"strings"

	"microstable/crypto"

	"github.com/shopspring/decimal"
)

var (
	MinCollateralRatio = uint64(100)
	MaxDecimals        = int32(18)
)

// Credit is a decoded genesis balance in base units.
type Credit struct {
	Address crypto.Address
	Amount  uint64
}

func ValidateConfig(g Global) error {
	p := g.Params
	if p.MinCollateralRatio < MinCollateralRatio {
		return fmt.Errorf("params: min_collateral_ratio < %d", MinCollateralRatio)
	}
	if strings.TrimSpace(p.CollateralAsset) == "" || strings.TrimSpace(p.SyntheticAsset) == "" {
		return fmt.Errorf("params: asset ids must be set")
	}
	if strings.EqualFold(strings.TrimSpace(p.CollateralAsset), strings.TrimSpace(p.SyntheticAsset)) {
		return fmt.Errorf("params: collateral and synthetic assets must differ")
	}
	if p.CollateralDecimals < 0 || p.CollateralDecimals > MaxDecimals {
		return fmt.Errorf("params: collateral_decimals out of range")
	}
	if p.SyntheticDecimals < 0 || p.SyntheticDecimals > MaxDecimals {
		return fmt.Errorf("params: synthetic_decimals out of range")
	}
	if _, err := g.AuthorityAddress(); err != nil {
		return err
	}
	if g.Liquidation.CloseFactorBps == 0 || g.Liquidation.CloseFactorBps > 10_000 {
		return fmt.Errorf("liquidation: close_factor_bps must be within (0, 10000]")
	}
	if g.Liquidation.BonusBps > 10_000 {
		return fmt.Errorf("liquidation: bonus_bps > 10000")
	}
	if g.Price.Num == 0 || g.Price.Den == 0 {
		return fmt.Errorf("price: num and den must be positive")
	}
	if _, err := g.GenesisCredits(); err != nil {
		return err
	}
	return nil
}

// AuthorityAddress decodes the configured governance authority.
func (g Global) AuthorityAddress() (crypto.Address, error) {
	raw := strings.TrimSpace(g.Params.Authority)
	if raw == "" {
		return crypto.Address{}, fmt.Errorf("params: authority must be set")
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("params: authority: %w", err)
	}
	return addr, nil
}

// GenesisCredits converts the configured genesis balances into base units of
// the collateral asset.
func (g Global) GenesisCredits() ([]Credit, error) {
	credits := make([]Credit, 0, len(g.Genesis))
	seen := make(map[string]struct{}, len(g.Genesis))
	for i, entry := range g.Genesis {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(entry.Address))
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: address: %w", i, err)
		}
		if _, dup := seen[addr.Key()]; dup {
			return nil, fmt.Errorf("genesis[%d]: duplicate address %s", i, addr)
		}
		seen[addr.Key()] = struct{}{}
		amount, err := ToBaseUnits(entry.Amount, g.Params.CollateralDecimals)
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		credits = append(credits, Credit{Address: addr, Amount: amount})
	}
	return credits, nil
}

// ToBaseUnits parses a decimal amount and scales it by the asset decimals.
// Fractions finer than one base unit are rejected.
func ToBaseUnits(raw string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", raw, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("amount %q must be positive", raw)
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than %d decimals", raw, decimals)
	}
	n := scaled.BigInt()
	if !n.IsUint64() {
		return 0, fmt.Errorf("amount %q overflows", raw)
	}
	return n.Uint64(), nil
}

func validateStorage(cfg *Config) error {
	switch cfg.Storage.Backend {
	case BackendMemory, BackendLevelDB:
	case BackendRedis:
		if strings.TrimSpace(cfg.Storage.RedisURL) == "" {
			return fmt.Errorf("storage: redis_url required for redis backend")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	switch cfg.Journal.Driver {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Journal.DSN) == "" {
			return fmt.Errorf("journal: dsn required for postgres")
		}
	default:
		return fmt.Errorf("journal: unknown driver %q", cfg.Journal.Driver)
	}
	return nil
}
