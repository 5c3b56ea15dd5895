package cdp

import (
	"context"
	"errors"
	"math"
	"testing"

	"microstable/crypto"
	"microstable/state/bank"
	"microstable/storage"
)

func TestOpenOrGetReturnsUnsavedWorkingCopy(t *testing.T) {
	f := newFixture(t, 150)
	ctx := context.Background()

	pos, err := f.ledger.OpenOrGet(ctx, alice)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pos.Exists() || !pos.Empty() {
		t.Fatalf("expected fresh unsaved position, got %+v", pos)
	}
	if !pos.Vault.Equal(VaultAddress(alice)) {
		t.Fatalf("vault %s, want %s", pos.Vault, VaultAddress(alice))
	}
	if _, err := f.ledger.Get(ctx, alice); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("OpenOrGet must not persist, got %v", err)
	}
	if _, err := f.ledger.OpenOrGet(ctx, crypto.Address{}); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestLedgerMutatorValidation(t *testing.T) {
	f := newFixture(t, 150)
	ctx := context.Background()
	pos := &Position{Owner: alice, Vault: VaultAddress(alice)}

	if err := f.ledger.IncreaseCollateral(pos, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := f.ledger.IncreaseDebt(ctx, pos, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := f.ledger.IncreaseCollateral(pos, 300); err != nil {
		t.Fatalf("increase collateral: %v", err)
	}
	if err := f.ledger.IncreaseCollateral(pos, math.MaxUint64); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
	if pos.Collateral != 300 {
		t.Fatalf("failed increase changed collateral to %d", pos.Collateral)
	}
	if err := f.ledger.IncreaseDebt(ctx, pos, 201); !errors.Is(err, ErrCollateralRatioTooLow) {
		t.Fatalf("expected ErrCollateralRatioTooLow, got %v", err)
	}
	if pos.Debt != 0 {
		t.Fatalf("failed increase changed debt to %d", pos.Debt)
	}
	if err := f.ledger.IncreaseDebt(ctx, pos, 200); err != nil {
		t.Fatalf("increase debt: %v", err)
	}
	if err := f.ledger.DecreaseDebt(pos, 201); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := f.ledger.DecreaseDebt(pos, 0); err != nil {
		t.Fatalf("zero repay should be a no-op, got %v", err)
	}
	if err := f.ledger.DecreaseCollateral(ctx, pos, 301); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := f.ledger.DecreaseCollateral(ctx, pos, 1); !errors.Is(err, ErrCollateralRatioTooLow) {
		t.Fatalf("expected ErrCollateralRatioTooLow, got %v", err)
	}
	if err := f.ledger.DecreaseDebt(pos, 200); err != nil {
		t.Fatalf("decrease debt: %v", err)
	}
	if err := f.ledger.DecreaseCollateral(ctx, pos, 300); err != nil {
		t.Fatalf("decrease collateral: %v", err)
	}
	if !pos.Empty() {
		t.Fatalf("expected empty position, got %+v", pos)
	}
}

func TestCommitAndCloseLifecycle(t *testing.T) {
	f := newFixture(t, 150)
	ctx := context.Background()

	pos, _ := f.ledger.OpenOrGet(ctx, alice)
	if err := f.ledger.IncreaseCollateral(pos, 50); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if err := f.ledger.Commit(ctx, pos); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !pos.Exists() || pos.Version != 1 || pos.CreatedAt == 0 {
		t.Fatalf("unexpected committed position %+v", pos)
	}

	stale := pos.Clone()
	if err := f.ledger.IncreaseCollateral(pos, 5); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if err := f.ledger.Commit(ctx, pos); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if err := f.ledger.Commit(ctx, stale); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	if err := f.ledger.Close(ctx, pos); !errors.Is(err, ErrPositionNotEmpty) {
		t.Fatalf("expected ErrPositionNotEmpty, got %v", err)
	}
	if err := f.ledger.DecreaseCollateral(ctx, pos, 55); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if err := f.ledger.Close(ctx, pos); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.ledger.Close(ctx, pos); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("closing twice must report ErrPositionNotFound, got %v", err)
	}
	if _, err := f.ledger.Get(ctx, alice); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected deleted position, got %v", err)
	}
}

func TestStagedCommitFollowsAssetTx(t *testing.T) {
	f := newFixture(t, 150)
	ctx := context.Background()

	stage := func() *bank.Tx {
		t.Helper()
		working, err := f.ledger.OpenOrGet(ctx, bob)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := f.ledger.IncreaseCollateral(working, 10); err != nil {
			t.Fatalf("increase: %v", err)
		}
		tx, err := f.bank.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := f.ledger.commitTo(ctx, working, tx); err != nil {
			t.Fatalf("stage commit: %v", err)
		}
		if _, err := f.ledger.Get(ctx, bob); !errors.Is(err, ErrPositionNotFound) {
			t.Fatalf("staged position visible before batch commit: %v", err)
		}
		return tx
	}

	stage().Rollback()
	if _, err := f.ledger.Get(ctx, bob); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("rolled back position persisted: %v", err)
	}

	if err := stage().Commit(); err != nil {
		t.Fatalf("batch commit: %v", err)
	}
	got, err := f.ledger.Get(ctx, bob)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Collateral != 10 || got.Version != 1 {
		t.Fatalf("committed position = %+v", got)
	}
}

func TestPositionsListsEveryOwner(t *testing.T) {
	f := newFixture(t, 150)
	ctx := context.Background()
	for _, owner := range []crypto.Address{alice, bob, carol} {
		pos, _ := f.ledger.OpenOrGet(ctx, owner)
		if err := f.ledger.IncreaseCollateral(pos, 1); err != nil {
			t.Fatalf("increase: %v", err)
		}
		if err := f.ledger.Commit(ctx, pos); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	positions, err := f.ledger.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(positions))
	}
	for _, pos := range positions {
		if !pos.Exists() {
			t.Fatalf("listed position not marked stored")
		}
	}
}

func TestHealthReportsHeadroom(t *testing.T) {
	f := newFixture(t, 150)
	ctx := context.Background()
	pos := &Position{Owner: alice, Collateral: 300, Debt: 100}

	h, err := f.ledger.Health(ctx, pos)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Ratio.Percent != 300 || h.MaxDebt != 200 || h.Mintable != 100 || h.Withdrawable != 150 || h.State != StateOpen {
		t.Fatalf("unexpected health %+v", h)
	}
	empty, err := f.ledger.Health(ctx, &Position{Owner: alice})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !empty.Ratio.Infinite || empty.State != StateEmpty {
		t.Fatalf("unexpected empty health %+v", empty)
	}
}

func TestNewLedgerRequiresAuthority(t *testing.T) {
	f := newFixture(t, 150)
	if _, err := NewLedger(storage.NewMemDB(), f.params, nil, nil); err == nil {
		t.Fatalf("expected missing authority to be rejected")
	}
}

func TestKeysAreDeterministicPerOwner(t *testing.T) {
	if string(PositionKey(alice)) != string(PositionKey(alice)) {
		t.Fatalf("position key not deterministic")
	}
	if string(PositionKey(alice)) == string(PositionKey(bob)) {
		t.Fatalf("distinct owners share a position key")
	}
	if VaultAddress(alice).Equal(VaultAddress(bob)) {
		t.Fatalf("distinct owners share a vault")
	}
	if VaultAddress(alice).Prefix() != crypto.VaultPrefix {
		t.Fatalf("unexpected vault prefix %s", VaultAddress(alice).Prefix())
	}
	if VaultAuthorityAddress().Equal(VaultAddress(alice)) {
		t.Fatalf("vault authority collides with a vault")
	}
}
