package cdp

import (
	"context"

	"microstable/crypto"
	"microstable/native/params"
)

// AssetTx stages asset movements that become visible together on Commit.
// Rollback after Commit must be a no-op. Records staged with PutRecord and
// DeleteRecord commit in the same atomic write as the asset movements, so the
// transaction must persist to the ledger's database.
type AssetTx interface {
	Assets() []string
	Balance(asset string, addr crypto.Address) (uint64, error)
	PutRecord(key, value []byte) error
	DeleteRecord(key []byte) error
	OpenAccount(addr, authority crypto.Address) error
	CloseAccount(addr crypto.Address, signer crypto.Signer) error
	Transfer(asset string, from, to crypto.Address, amount uint64, signer crypto.Signer) error
	Mint(asset string, to crypto.Address, amount uint64, signer crypto.Signer) error
	Burn(asset string, from crypto.Address, amount uint64, signer crypto.Signer) error
	Commit() error
	Rollback()
}

// AssetTransfer opens asset transactions.
type AssetTransfer interface {
	Begin(ctx context.Context) (AssetTx, error)
}

// AssetTransferFunc adapts a function to AssetTransfer.
type AssetTransferFunc func(ctx context.Context) (AssetTx, error)

func (f AssetTransferFunc) Begin(ctx context.Context) (AssetTx, error) { return f(ctx) }

// Journal receives a receipt for every committed operation.
type Journal interface {
	Record(ctx context.Context, receipt Receipt) error
}

// JournalFunc adapts a function to Journal.
type JournalFunc func(ctx context.Context, receipt Receipt) error

func (f JournalFunc) Record(ctx context.Context, receipt Receipt) error { return f(ctx, receipt) }

// ParamsReader is the read side of the global parameters store.
type ParamsReader interface {
	Read() (params.GlobalParameters, error)
}
