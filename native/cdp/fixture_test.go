package cdp

import (
	"context"
	"sync"
	"testing"
	"time"

	"microstable/core/events"
	"microstable/crypto"
	"microstable/native/params"
	"microstable/state/bank"
	"microstable/storage"
)

const (
	weth  = "WETH"
	shUSD = "shUSD"
)

func addr(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

var (
	governor = addr(0xF0)
	operator = addr(0xF1)
	alice    = addr(0x01)
	bob      = addr(0x02)
	carol    = addr(0x03)
)

type fixture struct {
	db       storage.Database
	params   *params.Store
	bank     *bank.Ledger
	minter   *bank.Authority
	price    *ManualPrice
	ledger   *Ledger
	manager  *Manager
	events   *events.Recorder
	mu       sync.Mutex
	receipts []Receipt
	begin    func(ctx context.Context) (AssetTx, error)
}

func newFixture(t *testing.T, minRatio uint64) *fixture {
	t.Helper()
	return newFixtureOn(t, minRatio, storage.NewMemDB())
}

// newFixtureOn builds the fixture with params, bank and positions sharing db.
func newFixtureOn(t *testing.T, minRatio uint64, db storage.Database) *fixture {
	t.Helper()
	store := params.NewStore(params.NewDatabaseState(db))
	if _, err := store.Initialize(params.GlobalParameters{
		MinCollateralRatio: minRatio,
		CollateralAsset:    weth,
		SyntheticAsset:     shUSD,
		Authority:          governor,
	}); err != nil {
		t.Fatalf("initialize params: %v", err)
	}

	bankLedger, err := bank.NewLedger(db)
	if err != nil {
		t.Fatalf("bank ledger: %v", err)
	}
	minter, err := bankLedger.IssueAuthority(operator)
	if err != nil {
		t.Fatalf("issue minter: %v", err)
	}
	vaultAuthority, err := bankLedger.IssueAuthority(VaultAuthorityAddress())
	if err != nil {
		t.Fatalf("issue vault authority: %v", err)
	}
	if err := bankLedger.RegisterAsset(weth, operator); err != nil {
		t.Fatalf("register collateral: %v", err)
	}
	if err := bankLedger.RegisterAsset(shUSD, VaultAuthorityAddress()); err != nil {
		t.Fatalf("register synthetic: %v", err)
	}

	price := NewManualPrice(Parity)
	ledger, err := NewLedger(db, store, price, vaultAuthority)
	if err != nil {
		t.Fatalf("cdp ledger: %v", err)
	}

	f := &fixture{
		db:     db,
		params: store,
		bank:   bankLedger,
		minter: minter,
		price:  price,
		ledger: ledger,
		events: &events.Recorder{},
	}
	f.begin = func(ctx context.Context) (AssetTx, error) {
		tx, err := bankLedger.Begin(ctx)
		if err != nil {
			return nil, err
		}
		return tx, nil
	}
	manager, err := NewManager(ledger, AssetTransferFunc(func(ctx context.Context) (AssetTx, error) {
		return f.begin(ctx)
	}))
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	manager.SetEmitter(f.events)
	manager.SetPauses(store)
	manager.SetJournal(JournalFunc(func(_ context.Context, r Receipt) error {
		f.mu.Lock()
		f.receipts = append(f.receipts, r)
		f.mu.Unlock()
		return nil
	}))
	manager.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	f.manager = manager
	return f
}

func (f *fixture) fund(t *testing.T, who crypto.Address, amount uint64) {
	t.Helper()
	tx, err := f.bank.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := tx.Mint(weth, who, amount, f.minter); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("fund commit: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, asset string, who crypto.Address) uint64 {
	t.Helper()
	got, err := f.bank.Balance(asset, who)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return got
}

func (f *fixture) vaultOpen(t *testing.T, owner crypto.Address) bool {
	t.Helper()
	_, open, err := f.bank.Authority(VaultAddress(owner))
	if err != nil {
		t.Fatalf("vault authority: %v", err)
	}
	return open
}

// checkInvariants asserts that custody matches the ledger and every open
// position satisfies the ratio unless it is liquidatable.
func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	positions, err := f.ledger.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	var totalDebt uint64
	for _, pos := range positions {
		if pos.Empty() {
			t.Fatalf("empty position persisted for %s", pos.Owner)
		}
		if got := f.balance(t, weth, pos.Vault); got != pos.Collateral {
			t.Fatalf("vault of %s holds %d, ledger says %d", pos.Owner, got, pos.Collateral)
		}
		totalDebt += pos.Debt
	}
	supply, err := f.bank.Supply(shUSD)
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply != totalDebt {
		t.Fatalf("synthetic supply %d does not match total debt %d", supply, totalDebt)
	}
}
