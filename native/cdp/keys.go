package cdp

import (
	"encoding/hex"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"microstable/crypto"
)

const (
	positionKeyPrefix  = "cdp/position/"
	positionSeed       = "cdp/position"
	vaultSeed          = "cdp/vault"
	vaultAuthoritySeed = "cdp/vault-authority"
)

// PositionKey is the storage key of owner's position. There is exactly one
// key per owner.
func PositionKey(owner crypto.Address) []byte {
	digest := ethcrypto.Keccak256([]byte(positionSeed), owner.Bytes())
	return []byte(positionKeyPrefix + hex.EncodeToString(digest))
}

// VaultAddress is the custodial account holding owner's collateral.
func VaultAddress(owner crypto.Address) crypto.Address {
	return crypto.DeriveAddress(crypto.VaultPrefix, vaultSeed, owner.Bytes())
}

// VaultAuthorityAddress is the address whose signing capability controls every
// vault and the synthetic asset's mint.
func VaultAuthorityAddress() crypto.Address {
	return crypto.DeriveAddress(crypto.ModulePrefix, vaultAuthoritySeed)
}
