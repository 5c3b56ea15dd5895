package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"microstable/crypto"
	"microstable/storage"
)

// Ledger keeps one position record per owner and holds the vault authority.
// Its mutators work on caller-held copies; nothing reaches storage until
// Commit or Close.
type Ledger struct {
	db     storage.Database
	params ParamsReader
	feed   PriceFeed
	locks  *keyedMutex
	now    func() time.Time

	// authority signs vault movements and synthetic mints. It never leaves
	// this type.
	authority crypto.Signer
}

// NewLedger wires the ledger to storage, the parameter store, a price feed and
// the vault authority capability.
func NewLedger(db storage.Database, params ParamsReader, feed PriceFeed, authority crypto.Signer) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("cdp: database required")
	}
	if params == nil {
		return nil, errors.New("cdp: parameter store required")
	}
	if authority == nil || authority.SignerAddress().IsZero() {
		return nil, errors.New("cdp: vault authority required")
	}
	if feed == nil {
		feed = FixedPrice(Parity)
	}
	return &Ledger{
		db:        db,
		params:    params,
		feed:      feed,
		locks:     newKeyedMutex(),
		now:       time.Now,
		authority: authority,
	}, nil
}

// SetClock overrides the timestamp source.
func (l *Ledger) SetClock(now func() time.Time) {
	if l == nil || now == nil {
		return
	}
	l.now = now
}

// OpenOrGet returns owner's stored position, or a fresh zeroed working copy
// bound to the owner's derived vault. The fresh copy is only persisted by
// Commit.
func (l *Ledger) OpenOrGet(ctx context.Context, owner crypto.Address) (*Position, error) {
	pos, err := l.Get(ctx, owner)
	if errors.Is(err, ErrPositionNotFound) {
		return &Position{Owner: owner, Vault: VaultAddress(owner)}, nil
	}
	return pos, err
}

// Get loads owner's stored position.
func (l *Ledger) Get(ctx context.Context, owner crypto.Address) (*Position, error) {
	if owner.IsZero() {
		return nil, ErrInvalidAddress
	}
	raw, err := l.db.Get(PositionKey(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cdp: load position: %w", err)
	}
	return decodePosition(raw)
}

// IncreaseCollateral adds collateral. Adding collateral can only improve the
// ratio so it is not checked.
func (l *Ledger) IncreaseCollateral(pos *Position, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	next, err := checkedAdd(pos.Collateral, amount)
	if err != nil {
		return err
	}
	pos.Collateral = next
	return nil
}

// IncreaseDebt adds debt and requires the result to stay at or above the
// minimum collateral ratio. The position is unchanged on failure.
func (l *Ledger) IncreaseDebt(ctx context.Context, pos *Position, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	next, err := checkedAdd(pos.Debt, amount)
	if err != nil {
		return err
	}
	if err := l.requireHealthy(ctx, pos.Collateral, next); err != nil {
		return err
	}
	pos.Debt = next
	return nil
}

// DecreaseDebt removes debt. Repaying zero is a no-op.
func (l *Ledger) DecreaseDebt(pos *Position, amount uint64) error {
	if amount > pos.Debt {
		return fmt.Errorf("%w: repay %d exceeds debt %d", ErrInvalidAmount, amount, pos.Debt)
	}
	next, err := checkedSub(pos.Debt, amount)
	if err != nil {
		return err
	}
	pos.Debt = next
	return nil
}

// DecreaseCollateral releases collateral and requires the remaining collateral
// to cover the current debt.
func (l *Ledger) DecreaseCollateral(ctx context.Context, pos *Position, amount uint64) error {
	if amount > pos.Collateral {
		return fmt.Errorf("%w: withdraw %d exceeds collateral %d", ErrInvalidAmount, amount, pos.Collateral)
	}
	next, err := checkedSub(pos.Collateral, amount)
	if err != nil {
		return err
	}
	if err := l.requireHealthy(ctx, next, pos.Debt); err != nil {
		return err
	}
	pos.Collateral = next
	return nil
}

// seize removes collateral without a ratio check. Only liquidation uses it.
func (l *Ledger) seize(pos *Position, amount uint64) error {
	next, err := checkedSub(pos.Collateral, amount)
	if err != nil {
		return err
	}
	pos.Collateral = next
	return nil
}

// recordWriter receives position writes. The database writes straight
// through; an AssetTx stages them into its commit batch.
type recordWriter interface {
	PutRecord(key, value []byte) error
	DeleteRecord(key []byte) error
}

type dbWriter struct {
	db storage.Database
}

func (w dbWriter) PutRecord(key, value []byte) error { return w.db.Put(key, value) }

func (w dbWriter) DeleteRecord(key []byte) error { return w.db.Delete(key) }

// Commit persists pos. The stored version must match the version pos was
// loaded with; on success pos carries the new version.
func (l *Ledger) Commit(ctx context.Context, pos *Position) error {
	return l.commitTo(ctx, pos, dbWriter{db: l.db})
}

func (l *Ledger) commitTo(ctx context.Context, pos *Position, w recordWriter) error {
	if pos == nil || pos.Owner.IsZero() {
		return ErrInvalidAddress
	}
	current, err := l.Get(ctx, pos.Owner)
	switch {
	case errors.Is(err, ErrPositionNotFound):
		if pos.stored {
			return fmt.Errorf("%w: position deleted", ErrConcurrentModification)
		}
	case err != nil:
		return err
	default:
		if !pos.stored || current.Version != pos.Version {
			return fmt.Errorf("%w: stored version %d, have %d", ErrConcurrentModification, current.Version, pos.Version)
		}
	}

	next := pos.Clone()
	now := l.now().Unix()
	if !next.stored {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	next.Version++
	if err := l.write(w, next); err != nil {
		return err
	}
	next.stored = true
	*pos = *next
	return nil
}

// Close deletes an empty position. Closing a position that is not stored
// reports ErrPositionNotFound.
func (l *Ledger) Close(ctx context.Context, pos *Position) error {
	return l.closeIn(ctx, pos, dbWriter{db: l.db})
}

func (l *Ledger) closeIn(ctx context.Context, pos *Position, w recordWriter) error {
	if pos == nil || pos.Owner.IsZero() {
		return ErrInvalidAddress
	}
	if !pos.Empty() {
		return fmt.Errorf("%w: collateral %d, debt %d", ErrPositionNotEmpty, pos.Collateral, pos.Debt)
	}
	if _, err := l.Get(ctx, pos.Owner); err != nil {
		return err
	}
	if err := w.DeleteRecord(PositionKey(pos.Owner)); err != nil {
		return fmt.Errorf("cdp: delete position: %w", err)
	}
	pos.stored = false
	return nil
}

// Health reports the ratio and state of pos under the current parameters.
func (l *Ledger) Health(ctx context.Context, pos *Position) (Health, error) {
	minRatio, price, err := l.solvency(ctx)
	if err != nil {
		return Health{}, err
	}
	h := Health{
		Ratio:      collateralRatio(pos.Collateral, pos.Debt, price),
		MinRatio:   minRatio,
		MaxDebt:    maxDebt(pos.Collateral, minRatio, price),
		Price:      price,
		Collateral: pos.Collateral,
		Debt:       pos.Debt,
	}
	if h.MaxDebt > pos.Debt {
		h.Mintable = h.MaxDebt - pos.Debt
	}
	if floor := minCollateral(pos.Debt, minRatio, price); floor < pos.Collateral {
		h.Withdrawable = pos.Collateral - floor
	}
	switch {
	case pos.Empty():
		h.State = StateEmpty
	case isHealthy(pos.Collateral, pos.Debt, minRatio, price):
		h.State = StateOpen
	default:
		h.State = StateLiquidatable
	}
	h.StateName = h.State.String()
	return h, nil
}

// Positions returns every stored position ordered by storage key.
func (l *Ledger) Positions(ctx context.Context) ([]Position, error) {
	var (
		out    []Position
		decErr error
	)
	err := l.db.Iterate([]byte(positionKeyPrefix), func(key, value []byte) bool {
		pos, err := decodePosition(value)
		if err != nil {
			decErr = fmt.Errorf("cdp: decode %s: %w", strings.TrimPrefix(string(key), positionKeyPrefix), err)
			return false
		}
		out = append(out, *pos)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("cdp: iterate positions: %w", err)
	}
	if decErr != nil {
		return nil, decErr
	}
	return out, nil
}

// lock serialises operations on owner's position.
func (l *Ledger) lock(owner crypto.Address) func() {
	return l.locks.lock(owner.Key())
}

// solvency reads the current minimum ratio and collateral price.
func (l *Ledger) solvency(ctx context.Context) (uint64, Price, error) {
	p, err := l.params.Read()
	if err != nil {
		return 0, Price{}, err
	}
	price, err := l.feed.Price(ctx)
	if err != nil {
		return 0, Price{}, fmt.Errorf("cdp: read price: %w", err)
	}
	if err := price.validate(); err != nil {
		return 0, Price{}, err
	}
	return p.MinCollateralRatio, price, nil
}

func (l *Ledger) requireHealthy(ctx context.Context, collateral, debt uint64) error {
	if debt == 0 {
		return nil
	}
	minRatio, price, err := l.solvency(ctx)
	if err != nil {
		return err
	}
	if !isHealthy(collateral, debt, minRatio, price) {
		ratio := collateralRatio(collateral, debt, price)
		return fmt.Errorf("%w: %d%% < %d%%", ErrCollateralRatioTooLow, ratio.Percent, minRatio)
	}
	return nil
}

// --- vault custody, signed by the ledger's authority ---

func (l *Ledger) openVault(tx AssetTx, pos *Position) error {
	if err := tx.OpenAccount(pos.Vault, l.authority.SignerAddress()); err != nil {
		return fmt.Errorf("%w: open vault: %w", ErrTransfer, err)
	}
	return nil
}

func (l *Ledger) closeVault(tx AssetTx, pos *Position) error {
	if err := tx.CloseAccount(pos.Vault, l.authority); err != nil {
		return fmt.Errorf("%w: close vault: %w", ErrTransfer, err)
	}
	return nil
}

// sweepVault moves whatever the vault still holds, in every asset, to the
// recipient so the vault can be closed. Units sent straight to a vault
// address are not part of the position and leave with the final release.
func (l *Ledger) sweepVault(tx AssetTx, pos *Position, to crypto.Address) (map[string]uint64, error) {
	swept := make(map[string]uint64)
	for _, asset := range tx.Assets() {
		balance, err := tx.Balance(asset, pos.Vault)
		if err != nil {
			return nil, fmt.Errorf("%w: vault balance: %w", ErrTransfer, err)
		}
		if balance == 0 {
			continue
		}
		if err := tx.Transfer(asset, pos.Vault, to, balance, l.authority); err != nil {
			return nil, fmt.Errorf("%w: sweep vault: %w", ErrTransfer, err)
		}
		swept[asset] = balance
	}
	return swept, nil
}

func (l *Ledger) releaseCollateral(tx AssetTx, asset string, pos *Position, to crypto.Address, amount uint64) error {
	if err := tx.Transfer(asset, pos.Vault, to, amount, l.authority); err != nil {
		return fmt.Errorf("%w: release collateral: %w", ErrTransfer, err)
	}
	return nil
}

func (l *Ledger) mintSynthetic(tx AssetTx, asset string, to crypto.Address, amount uint64) error {
	if err := tx.Mint(asset, to, amount, l.authority); err != nil {
		return fmt.Errorf("%w: %w", ErrMint, err)
	}
	return nil
}

func (l *Ledger) write(w recordWriter, pos *Position) error {
	encoded, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("cdp: encode position: %w", err)
	}
	if err := w.PutRecord(PositionKey(pos.Owner), encoded); err != nil {
		return fmt.Errorf("cdp: persist position: %w", err)
	}
	slog.Debug("cdp position staged",
		slog.String("owner", pos.Owner.String()),
		slog.Uint64("collateral", pos.Collateral),
		slog.Uint64("debt", pos.Debt),
		slog.Uint64("version", pos.Version))
	return nil
}

func decodePosition(raw []byte) (*Position, error) {
	var pos Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil, fmt.Errorf("cdp: decode position: %w", err)
	}
	pos.stored = true
	return &pos, nil
}
