package config

// Storage backends understood by the daemon.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"
)

// Storage selects the key/value backend that holds params, positions and
// bank balances.
type Storage struct {
	Backend        string `toml:"Backend"`
	Path           string `toml:"Path"`
	RedisURL       string `toml:"RedisURL"`
	RedisNamespace string `toml:"RedisNamespace"`
}

// Journal configures the operation journal. An empty driver disables it.
type Journal struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Params mirrors the global parameters written at initialisation.
type Params struct {
	MinCollateralRatio uint64 `toml:"MinCollateralRatio"`
	CollateralAsset    string `toml:"CollateralAsset"`
	SyntheticAsset     string `toml:"SyntheticAsset"`
	CollateralDecimals int32  `toml:"CollateralDecimals"`
	SyntheticDecimals  int32  `toml:"SyntheticDecimals"`
	Authority          string `toml:"Authority"`
}

// Liquidation holds the liquidation policy in basis points.
type Liquidation struct {
	CloseFactorBps uint64 `toml:"CloseFactorBps"`
	BonusBps       uint64 `toml:"BonusBps"`
}

// Price is the collateral price in synthetic units, expressed as a fraction.
type Price struct {
	Num uint64 `toml:"Num"`
	Den uint64 `toml:"Den"`
}

// Pauses toggles the engine's entry points.
type Pauses struct {
	All       bool `toml:"All"`
	Deposit   bool `toml:"Deposit"`
	Withdraw  bool `toml:"Withdraw"`
	Liquidate bool `toml:"Liquidate"`
}

// GenesisBalance credits collateral to an account when the bank is empty.
// Amount is given in whole collateral units and may carry decimals.
type GenesisBalance struct {
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}

// Global groups the engine-wide settings validated by ValidateConfig.
type Global struct {
	Params      Params           `toml:"Params"`
	Liquidation Liquidation      `toml:"Liquidation"`
	Price       Price            `toml:"Price"`
	Pauses      Pauses           `toml:"Pauses"`
	Genesis     []GenesisBalance `toml:"Genesis"`
}
