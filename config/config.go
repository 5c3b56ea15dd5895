package config

import (
	"os"
	"path/filepath"
	"strings"

	"microstable/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir string  `toml:"DataDir"`
	Storage Storage `toml:"Storage"`
	Journal Journal `toml:"Journal"`
	Global  Global  `toml:"Global"`
}

// DefaultAuthority is the placeholder governance address written into fresh
// configuration files. Operators are expected to replace it.
func DefaultAuthority() crypto.Address {
	return crypto.DeriveAddress(crypto.AccountPrefix, "microstable/default-authority")
}

// Load loads the configuration from the given path. A default file is written
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := ValidateConfig(cfg.Global); err != nil {
		return nil, err
	}
	if err := validateStorage(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StatePath resolves the LevelDB directory.
func (c *Config) StatePath() string {
	if strings.TrimSpace(c.Storage.Path) != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, "state")
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./microstable-data"
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendLevelDB
	}
	if cfg.Storage.Backend == BackendRedis && strings.TrimSpace(cfg.Storage.RedisNamespace) == "" {
		cfg.Storage.RedisNamespace = "microstable"
	}
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "sqlite" && strings.TrimSpace(cfg.Journal.DSN) == "" {
		cfg.Journal.DSN = filepath.Join(cfg.DataDir, "journal.db")
	}
	if cfg.Global.Price.Num == 0 && cfg.Global.Price.Den == 0 {
		cfg.Global.Price = Price{Num: 1, Den: 1}
	}
	if cfg.Global.Liquidation == (Liquidation{}) {
		cfg.Global.Liquidation = Liquidation{CloseFactorBps: 10_000, BonusBps: 500}
	}
	if cfg.Global.Genesis == nil {
		cfg.Global.Genesis = []GenesisBalance{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir: "./microstable-data",
		Storage: Storage{Backend: BackendLevelDB},
		Journal: Journal{Driver: "sqlite"},
		Global: Global{
			Params: Params{
				MinCollateralRatio: 150,
				CollateralAsset:    "WETH",
				SyntheticAsset:     "msUSD",
				CollateralDecimals: 9,
				SyntheticDecimals:  6,
				Authority:          DefaultAuthority().String(),
			},
			Genesis: []GenesisBalance{},
		},
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
