package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"microstable/config"
	"microstable/crypto"
	"microstable/native/cdp"
	"microstable/storage"
	"microstable/storage/journal"
)

var (
	authority = crypto.DeriveAddress(crypto.AccountPrefix, "engine-test/authority")
	alice     = crypto.DeriveAddress(crypto.AccountPrefix, "engine-test/alice")
)

func testGlobal() config.Global {
	return config.Global{
		Params: config.Params{
			MinCollateralRatio: 150,
			CollateralAsset:    "WETH",
			SyntheticAsset:     "msUSD",
			CollateralDecimals: 0,
			Authority:          authority.String(),
		},
		Liquidation: config.Liquidation{CloseFactorBps: 10_000, BonusBps: 500},
		Price:       config.Price{Num: 1, Den: 1},
		Genesis:     []config.GenesisBalance{{Address: alice.String(), Amount: "1000"}},
	}
}

func TestBuildInitialisesAndCreditsGenesisOnce(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()

	eng, err := Build(ctx, db, Options{Global: testGlobal()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	p, err := eng.Params.Read()
	if err != nil {
		t.Fatalf("read params: %v", err)
	}
	if p.MinCollateralRatio != 150 || !p.Authority.Equal(authority) {
		t.Fatalf("unexpected params: %+v", p)
	}
	bal, err := eng.Bank.Balance("WETH", alice)
	if err != nil || bal != 1000 {
		t.Fatalf("genesis balance: got %d err %v", bal, err)
	}

	if _, err := eng.Manager.DepositAndMint(ctx, alice, 300, 200); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// A restart over the same store keeps stored params and skips genesis.
	g := testGlobal()
	g.Params.MinCollateralRatio = 200
	restarted, err := Build(ctx, db, Options{Global: g})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	p, err = restarted.Params.Read()
	if err != nil {
		t.Fatalf("read params: %v", err)
	}
	if p.MinCollateralRatio != 150 {
		t.Fatalf("stored params must win, got ratio %d", p.MinCollateralRatio)
	}
	bal, err = restarted.Bank.Balance("WETH", alice)
	if err != nil || bal != 700 {
		t.Fatalf("genesis must not be credited twice: got %d err %v", bal, err)
	}
	pos, err := restarted.Manager.Position(ctx, alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Collateral != 300 || pos.Debt != 200 {
		t.Fatalf("unexpected position after restart: %+v", pos)
	}
}

func TestBuildAppliesInitialPauses(t *testing.T) {
	g := testGlobal()
	g.Pauses.Deposit = true
	eng, err := Build(context.Background(), storage.NewMemDB(), Options{Global: g})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := eng.Manager.DepositAndMint(context.Background(), alice, 10, 0); err == nil {
		t.Fatalf("expected deposits to be paused")
	}
}

func TestBuildWiresJournalAndEvents(t *testing.T) {
	ctx := context.Background()
	j, err := journal.Open(journal.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	eng, err := Build(ctx, storage.NewMemDB(), Options{Global: testGlobal(), Journal: j, EventBuffer: 8})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	updates, cancel := eng.Events.Subscribe()
	defer cancel()

	if _, err := eng.Manager.DepositAndMint(ctx, alice, 300, 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	select {
	case evt := <-updates:
		if evt.EventType() != cdp.TypeDeposited {
			t.Fatalf("unexpected first event %q", evt.EventType())
		}
	case <-time.After(time.Second):
		t.Fatalf("no event broadcast")
	}

	entries, err := j.Entries(ctx, alice.String(), 0)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Operation != cdp.OpDepositAndMint || entries[0].Minted != "100" {
		t.Fatalf("unexpected journal entries: %+v", entries)
	}
	if err := j.Verify(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestBuildRejectsInvalidLiquidationPolicy(t *testing.T) {
	g := testGlobal()
	g.Liquidation.CloseFactorBps = 0
	if _, err := Build(context.Background(), storage.NewMemDB(), Options{Global: g}); err == nil {
		t.Fatalf("expected invalid policy error")
	}
}
