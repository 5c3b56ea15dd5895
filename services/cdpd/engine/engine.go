package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"microstable/config"
	"microstable/core/events"
	"microstable/crypto"
	"microstable/native/cdp"
	"microstable/native/params"
	"microstable/observability"
	"microstable/state/bank"
	"microstable/storage"
	"microstable/storage/journal"
)

// CollateralMinterAddress is the bank authority allowed to mint collateral.
// It only credits genesis balances.
func CollateralMinterAddress() crypto.Address {
	return crypto.DeriveAddress(crypto.ModulePrefix, "microstable/collateral-minter")
}

// Options configure Build.
type Options struct {
	Global      config.Global
	Journal     *journal.Journal
	EventBuffer int
	Logger      *slog.Logger
}

// Engine bundles the wired components of a running position engine.
type Engine struct {
	Params  *params.Store
	Bank    *bank.Ledger
	Ledger  *cdp.Ledger
	Manager *cdp.Manager
	Price   *cdp.ManualPrice
	Events  *events.Broadcaster
	Journal *journal.Journal
}

// Build initialises the parameter store on first start, registers the assets
// with the bank, credits genesis balances into an empty collateral supply and
// wires the position manager with its journal and event fan-out.
func Build(ctx context.Context, db storage.Database, opts Options) (*Engine, error) {
	if db == nil {
		return nil, errors.New("engine: database required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := opts.Global

	broadcaster := events.NewBroadcaster(opts.EventBuffer)
	emitter := events.Fanout{
		broadcaster,
		events.EmitterFunc(func(evt events.Event) {
			observability.Events().RecordEvent(evt.EventType())
		}),
	}

	store := params.NewStore(params.NewDatabaseState(db))
	store.SetEmitter(emitter)
	p, err := initParams(store, g, logger)
	if err != nil {
		return nil, err
	}

	bankLedger, err := bank.NewLedger(db)
	if err != nil {
		return nil, fmt.Errorf("engine: bank: %w", err)
	}
	minter, err := bankLedger.IssueAuthority(CollateralMinterAddress())
	if err != nil {
		return nil, fmt.Errorf("engine: collateral minter: %w", err)
	}
	vaultAuthority, err := bankLedger.IssueAuthority(cdp.VaultAuthorityAddress())
	if err != nil {
		return nil, fmt.Errorf("engine: vault authority: %w", err)
	}
	if err := bankLedger.RegisterAsset(p.CollateralAsset, minter.SignerAddress()); err != nil {
		return nil, fmt.Errorf("engine: register %s: %w", p.CollateralAsset, err)
	}
	if err := bankLedger.RegisterAsset(p.SyntheticAsset, vaultAuthority.SignerAddress()); err != nil {
		return nil, fmt.Errorf("engine: register %s: %w", p.SyntheticAsset, err)
	}
	if err := creditGenesis(ctx, bankLedger, minter, p.CollateralAsset, g, logger); err != nil {
		return nil, err
	}

	price := cdp.NewManualPrice(cdp.Price{Num: g.Price.Num, Den: g.Price.Den})
	ledger, err := cdp.NewLedger(db, store, price, vaultAuthority)
	if err != nil {
		return nil, fmt.Errorf("engine: ledger: %w", err)
	}
	manager, err := cdp.NewManager(ledger, cdp.AssetTransferFunc(func(ctx context.Context) (cdp.AssetTx, error) {
		tx, err := bankLedger.Begin(ctx)
		if err != nil {
			return nil, err
		}
		return tx, nil
	}))
	if err != nil {
		return nil, fmt.Errorf("engine: manager: %w", err)
	}
	if err := manager.SetLiquidationPolicy(cdp.LiquidationPolicy{
		CloseFactorBps: g.Liquidation.CloseFactorBps,
		BonusBps:       g.Liquidation.BonusBps,
	}); err != nil {
		return nil, err
	}
	manager.SetPauses(store)
	manager.SetEmitter(emitter)
	if opts.Journal != nil {
		manager.SetJournal(JournalSink(opts.Journal))
	}

	positions, err := ledger.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: scan positions: %w", err)
	}
	observability.CDP().SetOpenPositions(len(positions))

	return &Engine{
		Params:  store,
		Bank:    bankLedger,
		Ledger:  ledger,
		Manager: manager,
		Price:   price,
		Events:  broadcaster,
		Journal: opts.Journal,
	}, nil
}

// JournalSink adapts the SQL journal to the manager's audit port.
func JournalSink(j *journal.Journal) cdp.Journal {
	return cdp.JournalFunc(func(ctx context.Context, r cdp.Receipt) error {
		_, err := j.Append(ctx, journal.Record{
			Operation:     r.Operation,
			Owner:         r.Owner.String(),
			Actor:         r.Actor.String(),
			CollateralIn:  r.CollateralIn,
			CollateralOut: r.CollateralOut,
			Minted:        r.Minted,
			Burned:        r.Burned,
			Collateral:    r.Collateral,
			Debt:          r.Debt,
			At:            time.Unix(r.At, 0).UTC(),
		})
		return err
	})
}

// initParams writes the configured parameters and pauses on first start.
// Afterwards the stored record wins; drift from the file is only logged.
func initParams(store *params.Store, g config.Global, logger *slog.Logger) (params.GlobalParameters, error) {
	authority, err := g.AuthorityAddress()
	if err != nil {
		return params.GlobalParameters{}, err
	}
	want := params.GlobalParameters{
		MinCollateralRatio: g.Params.MinCollateralRatio,
		CollateralAsset:    strings.TrimSpace(g.Params.CollateralAsset),
		SyntheticAsset:     strings.TrimSpace(g.Params.SyntheticAsset),
		Authority:          authority,
	}
	current, err := store.Read()
	switch {
	case errors.Is(err, params.ErrNotInitialized):
		initialized, err := store.Initialize(want)
		if err != nil {
			return params.GlobalParameters{}, fmt.Errorf("engine: initialize params: %w", err)
		}
		pauses := params.Pauses{
			All:       g.Pauses.All,
			Deposit:   g.Pauses.Deposit,
			Withdraw:  g.Pauses.Withdraw,
			Liquidate: g.Pauses.Liquidate,
		}
		if pauses != (params.Pauses{}) {
			if err := store.SetPauses(pauses, authority); err != nil {
				return params.GlobalParameters{}, fmt.Errorf("engine: initial pauses: %w", err)
			}
		}
		return initialized, nil
	case err != nil:
		return params.GlobalParameters{}, fmt.Errorf("engine: read params: %w", err)
	}
	if current.CollateralAsset != want.CollateralAsset || current.SyntheticAsset != want.SyntheticAsset ||
		!current.Authority.Equal(want.Authority) || current.MinCollateralRatio != want.MinCollateralRatio {
		logger.Warn("engine: stored params differ from configuration; using stored values",
			slog.Uint64("stored_min_ratio", current.MinCollateralRatio),
			slog.Uint64("configured_min_ratio", want.MinCollateralRatio),
			slog.String("stored_collateral", current.CollateralAsset),
			slog.String("stored_synthetic", current.SyntheticAsset))
	}
	return current, nil
}

func creditGenesis(ctx context.Context, b *bank.Ledger, minter *bank.Authority, asset string, g config.Global, logger *slog.Logger) error {
	credits, err := g.GenesisCredits()
	if err != nil {
		return err
	}
	if len(credits) == 0 {
		return nil
	}
	supply, err := b.Supply(asset)
	if err != nil {
		return fmt.Errorf("engine: collateral supply: %w", err)
	}
	if supply > 0 {
		return nil
	}
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, credit := range credits {
		if err := tx.Mint(asset, credit.Address, credit.Amount, minter); err != nil {
			return fmt.Errorf("engine: genesis credit %s: %w", credit.Address, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("engine: genesis commit: %w", err)
	}
	logger.Info("engine: genesis balances credited", slog.Int("accounts", len(credits)), slog.String("asset", asset))
	return nil
}
