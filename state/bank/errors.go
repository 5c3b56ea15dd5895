package bank

import "errors"

var (
	ErrInvalidAmount      = errors.New("bank: amount must be positive")
	ErrInsufficientFunds  = errors.New("bank: insufficient funds")
	ErrUnauthorizedSigner = errors.New("bank: signer is not the account authority")
	ErrUnknownAsset       = errors.New("bank: unknown asset")
	ErrAssetExists        = errors.New("bank: asset registered with a different mint authority")
	ErrAccountNotEmpty    = errors.New("bank: account still holds funds")
	ErrAccountExists      = errors.New("bank: account already open")
	ErrAccountNotFound    = errors.New("bank: account not open")
	ErrAuthorityIssued    = errors.New("bank: authority already issued")
	ErrSupplyOverflow     = errors.New("bank: supply overflow")
	ErrTxClosed           = errors.New("bank: transaction closed")
	ErrReservedKey        = errors.New("bank: record key is reserved")
)
