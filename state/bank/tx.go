package bank

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strings"

	"microstable/crypto"
	"microstable/storage"
)

type stagedAccount struct {
	record accountRecord
	open   bool
}

type stagedRecord struct {
	value  []byte
	delete bool
}

// Tx stages balance, supply and account changes. Every operation is validated
// against the staged view when it is called, so a failing operation leaves the
// transaction unchanged. Nothing is visible outside the transaction until
// Commit writes the whole change set in one storage batch.
//
// Callers sharing the ledger's database can stage their own records with
// PutRecord and DeleteRecord; they land in the same batch as the custody
// changes.
type Tx struct {
	ledger   *Ledger
	balances map[string]uint64
	supply   map[string]uint64
	accounts map[string]*stagedAccount
	records  map[string]stagedRecord
	closed   bool
}

// Balance returns the staged balance of addr in asset.
func (tx *Tx) Balance(asset string, addr crypto.Address) (uint64, error) {
	if err := tx.usable(); err != nil {
		return 0, err
	}
	if !tx.ledger.known(asset) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return tx.balance(asset, addr)
}

// Assets lists the registered assets.
func (tx *Tx) Assets() []string {
	return tx.ledger.Assets()
}

// PutRecord stages an arbitrary record write for the commit batch. Keys under
// the bank's own namespace are rejected.
func (tx *Tx) PutRecord(key, value []byte) error {
	if err := tx.checkRecordKey(key); err != nil {
		return err
	}
	tx.records[string(key)] = stagedRecord{value: append([]byte(nil), value...)}
	return nil
}

// DeleteRecord stages the removal of a record for the commit batch.
func (tx *Tx) DeleteRecord(key []byte) error {
	if err := tx.checkRecordKey(key); err != nil {
		return err
	}
	tx.records[string(key)] = stagedRecord{delete: true}
	return nil
}

func (tx *Tx) checkRecordKey(key []byte) error {
	if err := tx.usable(); err != nil {
		return err
	}
	if len(key) == 0 || strings.HasPrefix(string(key), reservedPrefix) {
		return fmt.Errorf("%w: %q", ErrReservedKey, key)
	}
	return nil
}

// OpenAccount opens a custodial account at addr controlled by authority.
func (tx *Tx) OpenAccount(addr, authority crypto.Address) error {
	if err := tx.usable(); err != nil {
		return err
	}
	if addr.IsZero() || authority.IsZero() {
		return fmt.Errorf("bank: account and authority addresses required")
	}
	_, open, err := tx.account(addr)
	if err != nil {
		return err
	}
	if open {
		return fmt.Errorf("%w: %s", ErrAccountExists, addr)
	}
	tx.accounts[addr.Key()] = &stagedAccount{record: accountRecord{Authority: authority}, open: true}
	return nil
}

// CloseAccount closes a custodial account. Every balance must be zero.
func (tx *Tx) CloseAccount(addr crypto.Address, signer crypto.Signer) error {
	if err := tx.usable(); err != nil {
		return err
	}
	rec, open, err := tx.account(addr)
	if err != nil {
		return err
	}
	if !open {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	if !tx.ledger.authorized(signer, rec.Authority) {
		return ErrUnauthorizedSigner
	}
	for _, asset := range tx.ledger.Assets() {
		balance, err := tx.balance(asset, addr)
		if err != nil {
			return err
		}
		if balance != 0 {
			return fmt.Errorf("%w: %s holds %d %s", ErrAccountNotEmpty, addr, balance, asset)
		}
	}
	tx.accounts[addr.Key()] = &stagedAccount{open: false}
	return nil
}

// Transfer moves amount of asset from one account to another. The signer must
// control the source account.
func (tx *Tx) Transfer(asset string, from, to crypto.Address, amount uint64, signer crypto.Signer) error {
	if err := tx.prepare(asset, amount); err != nil {
		return err
	}
	if err := tx.authorizeSpend(from, signer); err != nil {
		return err
	}
	fromBalance, err := tx.balance(asset, from)
	if err != nil {
		return err
	}
	if fromBalance < amount {
		return fmt.Errorf("%w: %s has %d %s, needs %d", ErrInsufficientFunds, from, fromBalance, asset, amount)
	}
	if from.Equal(to) {
		return nil
	}
	toBalance, err := tx.balance(asset, to)
	if err != nil {
		return err
	}
	credited, carry := bits.Add64(toBalance, amount, 0)
	if carry != 0 {
		return ErrSupplyOverflow
	}
	tx.balances[balanceKey(asset, from)] = fromBalance - amount
	tx.balances[balanceKey(asset, to)] = credited
	return nil
}

// Mint creates amount of asset in the to account. The signer must be the
// asset's mint authority.
func (tx *Tx) Mint(asset string, to crypto.Address, amount uint64, signer crypto.Signer) error {
	if err := tx.prepare(asset, amount); err != nil {
		return err
	}
	authority, _ := tx.ledger.mintAuthority(asset)
	if !tx.ledger.authorized(signer, authority) {
		return ErrUnauthorizedSigner
	}
	supply, err := tx.totalSupply(asset)
	if err != nil {
		return err
	}
	newSupply, carry := bits.Add64(supply, amount, 0)
	if carry != 0 {
		return ErrSupplyOverflow
	}
	balance, err := tx.balance(asset, to)
	if err != nil {
		return err
	}
	tx.supply[supplyKey(asset)] = newSupply
	tx.balances[balanceKey(asset, to)] = balance + amount
	return nil
}

// Burn destroys amount of asset held by from. The signer must control from.
func (tx *Tx) Burn(asset string, from crypto.Address, amount uint64, signer crypto.Signer) error {
	if err := tx.prepare(asset, amount); err != nil {
		return err
	}
	if err := tx.authorizeSpend(from, signer); err != nil {
		return err
	}
	balance, err := tx.balance(asset, from)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: %s has %d %s, needs %d", ErrInsufficientFunds, from, balance, asset, amount)
	}
	supply, err := tx.totalSupply(asset)
	if err != nil {
		return err
	}
	tx.balances[balanceKey(asset, from)] = balance - amount
	tx.supply[supplyKey(asset)] = supply - amount
	return nil
}

// Commit persists every staged change in a single batch and releases the
// ledger. After Commit the transaction cannot be reused, even on error.
func (tx *Tx) Commit() error {
	if err := tx.usable(); err != nil {
		return err
	}
	defer tx.release()

	batch := storage.NewBatch()
	for key, value := range tx.balances {
		if value == 0 {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), encodeUint(value))
	}
	for key, value := range tx.supply {
		batch.Put([]byte(key), encodeUint(value))
	}
	for key, staged := range tx.accounts {
		if !staged.open {
			batch.Delete([]byte(accountPrefix + key))
			continue
		}
		encoded, err := json.Marshal(staged.record)
		if err != nil {
			return fmt.Errorf("bank: encode account: %w", err)
		}
		batch.Put([]byte(accountPrefix+key), encoded)
	}
	for key, rec := range tx.records {
		if rec.delete {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), rec.value)
	}
	if err := tx.ledger.db.Write(batch); err != nil {
		return fmt.Errorf("bank: commit: %w", err)
	}
	return nil
}

// Rollback discards every staged change. Rolling back a closed transaction is
// a no-op so it can be deferred unconditionally.
func (tx *Tx) Rollback() {
	if tx == nil || tx.closed {
		return
	}
	tx.release()
}

func (tx *Tx) release() {
	tx.closed = true
	tx.balances = nil
	tx.supply = nil
	tx.accounts = nil
	tx.records = nil
	tx.ledger.txMu.Unlock()
}

func (tx *Tx) usable() error {
	if tx == nil || tx.closed {
		return ErrTxClosed
	}
	return nil
}

func (tx *Tx) prepare(asset string, amount uint64) error {
	if err := tx.usable(); err != nil {
		return err
	}
	if !tx.ledger.known(asset) {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (tx *Tx) authorizeSpend(from crypto.Address, signer crypto.Signer) error {
	rec, open, err := tx.account(from)
	if err != nil {
		return err
	}
	authority := from
	if open {
		authority = rec.Authority
	}
	if !tx.ledger.authorized(signer, authority) {
		return ErrUnauthorizedSigner
	}
	return nil
}

func (tx *Tx) account(addr crypto.Address) (accountRecord, bool, error) {
	if staged, ok := tx.accounts[addr.Key()]; ok {
		return staged.record, staged.open, nil
	}
	return tx.ledger.readAccount(addr)
}

func (tx *Tx) balance(asset string, addr crypto.Address) (uint64, error) {
	if value, ok := tx.balances[balanceKey(asset, addr)]; ok {
		return value, nil
	}
	return tx.ledger.readUint(balanceKey(asset, addr))
}

func (tx *Tx) totalSupply(asset string) (uint64, error) {
	if value, ok := tx.supply[supplyKey(asset)]; ok {
		return value, nil
	}
	return tx.ledger.readUint(supplyKey(asset))
}
