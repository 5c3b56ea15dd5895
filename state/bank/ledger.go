package bank

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"microstable/crypto"
	"microstable/storage"
)

const (
	reservedPrefix = "bank/"

	assetPrefix   = "bank/asset/"
	supplyPrefix  = "bank/supply/"
	balancePrefix = "bank/balance/"
	accountPrefix = "bank/account/"
)

// Authority is an unforgeable signing capability for a single address. Once an
// address has an issued Authority, only that exact value is accepted as its
// signer; an AddressSigner carrying the same address is rejected.
type Authority struct {
	addr crypto.Address
}

// SignerAddress implements crypto.Signer.
func (a *Authority) SignerAddress() crypto.Address {
	if a == nil {
		return crypto.Address{}
	}
	return a.addr
}

type assetRecord struct {
	MintAuthority crypto.Address `json:"mintAuthority"`
}

type accountRecord struct {
	Authority crypto.Address `json:"authority"`
}

// Ledger is a custodial multi-asset balance book. Accounts that were never
// opened are plain user accounts controlled by their own address. Opened
// accounts are custodial and controlled by the authority recorded at open
// time. All mutations go through a Tx.
type Ledger struct {
	db storage.Database

	txMu sync.Mutex

	mu     sync.RWMutex
	assets map[string]assetRecord
	issued map[string]*Authority
}

// NewLedger constructs a ledger over db and loads registered assets.
func NewLedger(db storage.Database) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("bank: database required")
	}
	l := &Ledger{
		db:     db,
		assets: make(map[string]assetRecord),
		issued: make(map[string]*Authority),
	}
	err := db.Iterate([]byte(assetPrefix), func(key, value []byte) bool {
		var rec assetRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return true
		}
		l.assets[strings.TrimPrefix(string(key), assetPrefix)] = rec
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("bank: load assets: %w", err)
	}
	return l, nil
}

// IssueAuthority hands out the signing capability for addr. It can be issued
// once per process; the holder is the only party able to move funds from
// custodial accounts controlled by addr or to mint assets it governs.
func (l *Ledger) IssueAuthority(addr crypto.Address) (*Authority, error) {
	if addr.IsZero() {
		return nil, errors.New("bank: authority address required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.issued[addr.Key()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAuthorityIssued, addr)
	}
	auth := &Authority{addr: addr}
	l.issued[addr.Key()] = auth
	return auth, nil
}

// RegisterAsset records asset with its mint authority. Registering the same
// asset again with the same authority is a no-op.
func (l *Ledger) RegisterAsset(asset string, mintAuthority crypto.Address) error {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return fmt.Errorf("%w: empty asset id", ErrUnknownAsset)
	}
	if mintAuthority.IsZero() {
		return errors.New("bank: mint authority required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.assets[asset]; ok {
		if existing.MintAuthority.Equal(mintAuthority) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAssetExists, asset)
	}
	rec := assetRecord{MintAuthority: mintAuthority}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("bank: encode asset: %w", err)
	}
	if err := l.db.Put([]byte(assetPrefix+asset), encoded); err != nil {
		return fmt.Errorf("bank: persist asset: %w", err)
	}
	l.assets[asset] = rec
	return nil
}

// Assets lists registered asset identifiers in sorted order.
func (l *Ledger) Assets() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.assets))
	for asset := range l.assets {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// Balance returns the committed balance of addr in asset.
func (l *Ledger) Balance(asset string, addr crypto.Address) (uint64, error) {
	if !l.known(asset) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return l.readUint(balanceKey(asset, addr))
}

// Supply returns the committed total supply of asset.
func (l *Ledger) Supply(asset string) (uint64, error) {
	if !l.known(asset) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return l.readUint(supplyKey(asset))
}

// Authority returns the recorded authority of a custodial account. The second
// result is false for accounts that were never opened.
func (l *Ledger) Authority(addr crypto.Address) (crypto.Address, bool, error) {
	rec, ok, err := l.readAccount(addr)
	if err != nil || !ok {
		return crypto.Address{}, false, err
	}
	return rec.Authority, true, nil
}

// Begin starts an exclusive staging transaction. Only one transaction runs at
// a time; the lock is released by Commit or Rollback.
func (l *Ledger) Begin(ctx context.Context) (*Tx, error) {
	_ = ctx
	l.txMu.Lock()
	return &Tx{
		ledger:   l,
		balances: make(map[string]uint64),
		supply:   make(map[string]uint64),
		accounts: make(map[string]*stagedAccount),
		records:  make(map[string]stagedRecord),
	}, nil
}

func (l *Ledger) known(asset string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.assets[asset]
	return ok
}

func (l *Ledger) mintAuthority(asset string) (crypto.Address, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.assets[asset]
	return rec.MintAuthority, ok
}

// authorized reports whether signer may act for authority.
func (l *Ledger) authorized(signer crypto.Signer, authority crypto.Address) bool {
	if signer == nil || authority.IsZero() {
		return false
	}
	if !signer.SignerAddress().Equal(authority) {
		return false
	}
	l.mu.RLock()
	issued, ok := l.issued[authority.Key()]
	l.mu.RUnlock()
	if !ok {
		return true
	}
	held, isAuthority := signer.(*Authority)
	return isAuthority && held == issued
}

func (l *Ledger) readUint(key string) (uint64, error) {
	raw, err := l.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("bank: read %s: %w", key, err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("bank: corrupt value at %s", key)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (l *Ledger) readAccount(addr crypto.Address) (accountRecord, bool, error) {
	raw, err := l.db.Get([]byte(accountKey(addr)))
	if errors.Is(err, storage.ErrNotFound) {
		return accountRecord{}, false, nil
	}
	if err != nil {
		return accountRecord{}, false, fmt.Errorf("bank: read account: %w", err)
	}
	var rec accountRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return accountRecord{}, false, fmt.Errorf("bank: decode account: %w", err)
	}
	return rec, true, nil
}

func balanceKey(asset string, addr crypto.Address) string {
	return balancePrefix + asset + "/" + addr.Key()
}

func supplyKey(asset string) string { return supplyPrefix + asset }

func accountKey(addr crypto.Address) string { return accountPrefix + addr.Key() }

func encodeUint(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
