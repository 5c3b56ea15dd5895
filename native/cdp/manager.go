package cdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"microstable/core/events"
	"microstable/crypto"
	nativecommon "microstable/native/common"
	"microstable/native/params"
	"microstable/observability"
)

// Manager runs the user-facing position operations. Each operation locks the
// owner's position, validates the change on a working copy, stages the asset
// movements in one AssetTx, persists the ledger record and finally commits
// the asset transaction. If that last commit fails the previous ledger record
// is put back, so ledger and custody never disagree.
type Manager struct {
	ledger  *Ledger
	assets  AssetTransfer
	emitter events.Emitter
	journal Journal
	pauses  nativecommon.PauseView
	policy  LiquidationPolicy
	clock   func() time.Time
	metrics *observability.CDPMetrics
	tracer  trace.Tracer
}

// NewManager wires the manager to the ledger and the asset-transfer service.
func NewManager(ledger *Ledger, assets AssetTransfer) (*Manager, error) {
	if ledger == nil {
		return nil, errors.New("cdp: ledger required")
	}
	if assets == nil {
		return nil, errors.New("cdp: asset transfer required")
	}
	return &Manager{
		ledger:  ledger,
		assets:  assets,
		emitter: events.NoopEmitter{},
		policy:  DefaultLiquidationPolicy,
		clock:   time.Now,
		metrics: observability.CDP(),
		tracer:  otel.Tracer("cdp"),
	}, nil
}

// SetEmitter configures where operation events are published.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if m == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	m.emitter = emitter
}

// SetJournal configures the audit sink. Nil disables journaling.
func (m *Manager) SetJournal(j Journal) {
	if m == nil {
		return
	}
	m.journal = j
}

func (m *Manager) SetPauses(p nativecommon.PauseView) {
	if m == nil {
		return
	}
	m.pauses = p
}

// SetLiquidationPolicy replaces the liquidation policy after validating it.
func (m *Manager) SetLiquidationPolicy(policy LiquidationPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	m.policy = policy
	return nil
}

// LiquidationPolicy returns the active policy.
func (m *Manager) LiquidationPolicy() LiquidationPolicy { return m.policy }

// SetClock overrides the time source for the manager and its ledger.
func (m *Manager) SetClock(clock func() time.Time) {
	if m == nil || clock == nil {
		return
	}
	m.clock = clock
	m.ledger.SetClock(clock)
}

// DepositAndMint locks collateral in the owner's vault and mints synthetic
// units to the owner. A mint of zero only deposits. The position and vault are
// created on first use.
func (m *Manager) DepositAndMint(ctx context.Context, owner crypto.Address, collateral, mint uint64) (Receipt, error) {
	ctx, span, done := m.begin(ctx, OpDepositAndMint, owner)
	defer span.End()

	receipt, err := m.depositAndMint(ctx, owner, collateral, mint)
	return done(receipt, err)
}

func (m *Manager) depositAndMint(ctx context.Context, owner crypto.Address, collateral, mint uint64) (Receipt, error) {
	if err := nativecommon.GuardAction(m.pauses, params.ModuleName, params.ActionDeposit); err != nil {
		return Receipt{}, err
	}
	if owner.IsZero() {
		return Receipt{}, ErrInvalidAddress
	}
	if collateral == 0 {
		return Receipt{}, fmt.Errorf("%w: collateral must be positive", ErrInvalidAmount)
	}
	p, err := m.ledger.params.Read()
	if err != nil {
		return Receipt{}, err
	}

	unlock := m.ledger.lock(owner)
	defer unlock()

	original, err := m.ledger.OpenOrGet(ctx, owner)
	if err != nil {
		return Receipt{}, err
	}
	working := original.Clone()
	if err := m.ledger.IncreaseCollateral(working, collateral); err != nil {
		return Receipt{}, err
	}
	if mint > 0 {
		if err := m.ledger.IncreaseDebt(ctx, working, mint); err != nil {
			return Receipt{}, err
		}
	}

	receipt := Receipt{Operation: OpDepositAndMint, Owner: owner, Actor: owner, CollateralIn: collateral, Minted: mint, Opened: !original.Exists()}
	err = m.apply(ctx, original, working, func(tx AssetTx) error {
		if !original.Exists() {
			if err := m.ledger.openVault(tx, working); err != nil {
				return err
			}
		}
		if err := tx.Transfer(p.CollateralAsset, owner, working.Vault, collateral, crypto.AddressSigner(owner)); err != nil {
			return fmt.Errorf("%w: deposit collateral: %w", ErrTransfer, err)
		}
		if mint > 0 {
			return m.ledger.mintSynthetic(tx, p.SyntheticAsset, owner, mint)
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return m.finish(ctx, receipt, working), nil
}

// Mint issues more synthetic units against the collateral already locked.
func (m *Manager) Mint(ctx context.Context, owner crypto.Address, amount uint64) (Receipt, error) {
	ctx, span, done := m.begin(ctx, OpMint, owner)
	defer span.End()

	receipt, err := m.mint(ctx, owner, amount)
	return done(receipt, err)
}

func (m *Manager) mint(ctx context.Context, owner crypto.Address, amount uint64) (Receipt, error) {
	if err := nativecommon.GuardAction(m.pauses, params.ModuleName, params.ActionDeposit); err != nil {
		return Receipt{}, err
	}
	if amount == 0 {
		return Receipt{}, fmt.Errorf("%w: mint must be positive", ErrInvalidAmount)
	}
	p, err := m.ledger.params.Read()
	if err != nil {
		return Receipt{}, err
	}
	if owner.IsZero() {
		return Receipt{}, ErrInvalidAddress
	}

	unlock := m.ledger.lock(owner)
	defer unlock()

	original, err := m.ledger.Get(ctx, owner)
	if err != nil {
		return Receipt{}, err
	}
	working := original.Clone()
	if err := m.ledger.IncreaseDebt(ctx, working, amount); err != nil {
		return Receipt{}, err
	}
	receipt := Receipt{Operation: OpMint, Owner: owner, Actor: owner, Minted: amount}
	err = m.apply(ctx, original, working, func(tx AssetTx) error {
		return m.ledger.mintSynthetic(tx, p.SyntheticAsset, owner, amount)
	})
	if err != nil {
		return Receipt{}, err
	}
	return m.finish(ctx, receipt, working), nil
}

// Repay burns synthetic units from the owner to reduce debt.
func (m *Manager) Repay(ctx context.Context, owner crypto.Address, amount uint64) (Receipt, error) {
	ctx, span, done := m.begin(ctx, OpRepay, owner)
	defer span.End()

	if amount == 0 {
		return done(Receipt{}, fmt.Errorf("%w: repay must be positive", ErrInvalidAmount))
	}
	receipt, err := m.unwind(ctx, OpRepay, owner, func(*Position) (uint64, uint64, error) {
		return 0, amount, nil
	})
	return done(receipt, err)
}

// Withdraw burns synthetic units and then releases collateral. Either amount
// may be zero, not both. Reaching zero collateral and zero debt closes the
// position and its vault.
func (m *Manager) Withdraw(ctx context.Context, owner crypto.Address, collateral, burn uint64) (Receipt, error) {
	ctx, span, done := m.begin(ctx, OpWithdraw, owner)
	defer span.End()

	if collateral == 0 && burn == 0 {
		return done(Receipt{}, fmt.Errorf("%w: nothing to withdraw", ErrInvalidAmount))
	}
	receipt, err := m.unwind(ctx, OpWithdraw, owner, func(*Position) (uint64, uint64, error) {
		return collateral, burn, nil
	})
	return done(receipt, err)
}

// WithdrawAndBurn repays the full debt, releases all collateral to the owner
// and closes the position and its vault.
func (m *Manager) WithdrawAndBurn(ctx context.Context, owner crypto.Address) (Receipt, error) {
	ctx, span, done := m.begin(ctx, OpWithdrawAndBurn, owner)
	defer span.End()

	receipt, err := m.unwind(ctx, OpWithdrawAndBurn, owner, func(pos *Position) (uint64, uint64, error) {
		return pos.Collateral, pos.Debt, nil
	})
	return done(receipt, err)
}

// unwind burns first and releases collateral second so the ratio check on the
// release sees the reduced debt.
func (m *Manager) unwind(ctx context.Context, op string, owner crypto.Address, amounts func(*Position) (uint64, uint64, error)) (Receipt, error) {
	if err := nativecommon.GuardAction(m.pauses, params.ModuleName, params.ActionWithdraw); err != nil {
		return Receipt{}, err
	}
	if owner.IsZero() {
		return Receipt{}, ErrInvalidAddress
	}
	p, err := m.ledger.params.Read()
	if err != nil {
		return Receipt{}, err
	}

	unlock := m.ledger.lock(owner)
	defer unlock()

	original, err := m.ledger.Get(ctx, owner)
	if err != nil {
		return Receipt{}, err
	}
	collateral, burn, err := amounts(original)
	if err != nil {
		return Receipt{}, err
	}
	working := original.Clone()
	if burn > 0 {
		if err := m.ledger.DecreaseDebt(working, burn); err != nil {
			return Receipt{}, err
		}
	}
	if collateral > 0 {
		if err := m.ledger.DecreaseCollateral(ctx, working, collateral); err != nil {
			return Receipt{}, err
		}
	}

	receipt := Receipt{Operation: op, Owner: owner, Actor: owner, CollateralOut: collateral, Burned: burn}
	err = m.apply(ctx, original, working, func(tx AssetTx) error {
		if burn > 0 {
			if err := tx.Burn(p.SyntheticAsset, owner, burn, crypto.AddressSigner(owner)); err != nil {
				return fmt.Errorf("%w: %w", ErrBurn, err)
			}
		}
		if collateral > 0 {
			if err := m.ledger.releaseCollateral(tx, p.CollateralAsset, working, owner, collateral); err != nil {
				return err
			}
		}
		if working.Empty() {
			return m.emptyVault(ctx, tx, working, owner, p.CollateralAsset, &receipt)
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	receipt.Closed = working.Empty()
	return m.finish(ctx, receipt, working), nil
}

// Liquidate lets any caller repay part or all of an unhealthy position's debt
// from their own synthetic balance in exchange for the position's collateral
// plus the liquidation bonus.
func (m *Manager) Liquidate(ctx context.Context, liquidator, owner crypto.Address) (Receipt, error) {
	ctx, span, done := m.begin(ctx, OpLiquidate, owner)
	defer span.End()
	span.SetAttributes(attribute.String("cdp.liquidator", liquidator.String()))

	receipt, err := m.liquidate(ctx, liquidator, owner)
	return done(receipt, err)
}

func (m *Manager) liquidate(ctx context.Context, liquidator, owner crypto.Address) (Receipt, error) {
	if err := nativecommon.GuardAction(m.pauses, params.ModuleName, params.ActionLiquidate); err != nil {
		return Receipt{}, err
	}
	if liquidator.IsZero() || owner.IsZero() {
		return Receipt{}, ErrInvalidAddress
	}
	p, err := m.ledger.params.Read()
	if err != nil {
		return Receipt{}, err
	}

	unlock := m.ledger.lock(owner)
	defer unlock()

	original, err := m.ledger.Get(ctx, owner)
	if err != nil {
		return Receipt{}, err
	}
	health, err := m.ledger.Health(ctx, original)
	if err != nil {
		return Receipt{}, err
	}
	if health.State != StateLiquidatable {
		return Receipt{}, fmt.Errorf("%w: ratio %d%% >= %d%%", ErrPositionHealthy, health.Ratio.Percent, health.MinRatio)
	}
	repay, seized, err := m.policy.settle(original.Collateral, original.Debt, health.Price)
	if err != nil {
		return Receipt{}, err
	}

	working := original.Clone()
	if err := m.ledger.DecreaseDebt(working, repay); err != nil {
		return Receipt{}, err
	}
	if err := m.ledger.seize(working, seized); err != nil {
		return Receipt{}, err
	}

	receipt := Receipt{Operation: OpLiquidate, Owner: owner, Actor: liquidator, CollateralOut: seized, Burned: repay}
	err = m.apply(ctx, original, working, func(tx AssetTx) error {
		if err := tx.Burn(p.SyntheticAsset, liquidator, repay, crypto.AddressSigner(liquidator)); err != nil {
			return fmt.Errorf("%w: %w", ErrBurn, err)
		}
		if err := m.ledger.releaseCollateral(tx, p.CollateralAsset, working, liquidator, seized); err != nil {
			return err
		}
		if working.Empty() {
			return m.emptyVault(ctx, tx, working, liquidator, p.CollateralAsset, &receipt)
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	receipt.Closed = working.Empty()
	slog.InfoContext(ctx, "cdp position liquidated",
		slog.String("owner", owner.String()),
		slog.String("liquidator", liquidator.String()),
		slog.Uint64("repaid", repay),
		slog.Uint64("seized", seized),
		slog.Uint64("remaining_debt", working.Debt))
	return m.finish(ctx, receipt, working), nil
}

// Position returns owner's stored position.
func (m *Manager) Position(ctx context.Context, owner crypto.Address) (Position, error) {
	pos, err := m.ledger.Get(ctx, owner)
	if err != nil {
		return Position{}, err
	}
	return *pos, nil
}

// Health reports owner's ratio and state.
func (m *Manager) Health(ctx context.Context, owner crypto.Address) (Health, error) {
	pos, err := m.ledger.Get(ctx, owner)
	if err != nil {
		return Health{}, err
	}
	return m.ledger.Health(ctx, pos)
}

// MaxMintable is the largest amount a further Mint would accept.
func (m *Manager) MaxMintable(ctx context.Context, owner crypto.Address) (uint64, error) {
	pos, err := m.ledger.OpenOrGet(ctx, owner)
	if err != nil {
		return 0, err
	}
	h, err := m.ledger.Health(ctx, pos)
	if err != nil {
		return 0, err
	}
	return h.Mintable, nil
}

// Positions lists every stored position.
func (m *Manager) Positions(ctx context.Context) ([]Position, error) {
	return m.ledger.Positions(ctx)
}

// apply stages asset movements and the ledger record in one asset
// transaction and commits them together. working is updated in place with the
// persisted version. A failed commit leaves both the ledger and custody as
// they were.
func (m *Manager) apply(ctx context.Context, original, working *Position, stage func(AssetTx) error) error {
	tx, err := m.assets.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrTransfer, err)
	}
	defer tx.Rollback()

	if err := stage(tx); err != nil {
		return err
	}
	if working.Empty() {
		if original.Exists() {
			if err := m.ledger.closeVault(tx, working); err != nil {
				return err
			}
			if err := m.ledger.closeIn(ctx, working, tx); err != nil {
				return err
			}
		}
	} else if err := m.ledger.commitTo(ctx, working, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		m.metrics.CommitFailed()
		slog.ErrorContext(ctx, "cdp: settlement commit failed",
			slog.String("owner", original.Owner.String()),
			slog.Any("error", err))
		return fmt.Errorf("%w: commit: %w", ErrTransfer, err)
	}
	return nil
}

// emptyVault releases everything left in a closing position's vault to the
// recipient. Collateral swept this way is added to the receipt.
func (m *Manager) emptyVault(ctx context.Context, tx AssetTx, pos *Position, to crypto.Address, collateralAsset string, receipt *Receipt) error {
	swept, err := m.ledger.sweepVault(tx, pos, to)
	if err != nil {
		return err
	}
	for asset, amount := range swept {
		if asset == collateralAsset {
			out, err := checkedAdd(receipt.CollateralOut, amount)
			if err != nil {
				return err
			}
			receipt.CollateralOut = out
		}
		slog.InfoContext(ctx, "cdp vault swept on close",
			slog.String("owner", pos.Owner.String()),
			slog.String("recipient", to.String()),
			slog.String("asset", asset),
			slog.Uint64("amount", amount))
	}
	return nil
}

// finish stamps the receipt, records it and publishes its events.
func (m *Manager) finish(ctx context.Context, receipt Receipt, working *Position) Receipt {
	receipt.Collateral = working.Collateral
	receipt.Debt = working.Debt
	receipt.At = m.clock().Unix()
	switch {
	case receipt.Opened:
		m.metrics.PositionOpened()
	case receipt.Closed:
		m.metrics.PositionClosed()
	}
	if m.journal != nil {
		if err := m.journal.Record(ctx, receipt); err != nil {
			m.metrics.JournalFailure()
			slog.ErrorContext(ctx, "cdp: journal append failed",
				slog.String("operation", receipt.Operation),
				slog.String("owner", receipt.Owner.String()),
				slog.Any("error", err))
		}
	}
	for _, evt := range receiptEvents(receipt) {
		m.emitter.Emit(evt)
	}
	return receipt
}

// begin opens a span and returns a completion hook that records the outcome
// on the span and in metrics.
func (m *Manager) begin(ctx context.Context, op string, owner crypto.Address) (context.Context, trace.Span, func(Receipt, error) (Receipt, error)) {
	start := m.clock()
	ctx, span := m.tracer.Start(ctx, "cdp."+op,
		trace.WithAttributes(attribute.String("cdp.owner", owner.String())))
	return ctx, span, func(r Receipt, err error) (Receipt, error) {
		m.metrics.Observe(op, m.clock().Sub(start), reason(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.DebugContext(ctx, "cdp operation rejected",
				slog.String("operation", op),
				slog.String("owner", owner.String()),
				slog.Any("error", err))
			return Receipt{}, err
		}
		span.SetAttributes(
			attribute.Int64("cdp.collateral", int64(r.Collateral)),
			attribute.Int64("cdp.debt", int64(r.Debt)))
		span.SetStatus(codes.Ok, op)
		return r, nil
	}
}
