package crypto

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the different types of human-readable address prefixes.
type AddressPrefix string

const (
	// AccountPrefix tags end-user custodial accounts.
	AccountPrefix AddressPrefix = "ms"
	// VaultPrefix tags ledger-controlled escrow accounts.
	VaultPrefix AddressPrefix = "msvault"
	// ModulePrefix tags module-owned authorities.
	ModulePrefix AddressPrefix = "msmod"
)

// AddressLength is the byte length of every address.
const AddressLength = 20

// Address represents a 20-byte account identifier with a human-readable prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}
}

// DeriveAddress deterministically derives an address from a seed and optional
// components using Keccak256. The trailing 20 bytes of the digest are used so
// the same inputs always map to the same canonical location.
func DeriveAddress(prefix AddressPrefix, seed string, parts ...[]byte) Address {
	chunks := make([][]byte, 0, len(parts)+1)
	chunks = append(chunks, []byte(seed))
	chunks = append(chunks, parts...)
	hash := crypto.Keccak256(chunks...)
	return NewAddress(prefix, hash[len(hash)-AddressLength:])
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address carries no bytes.
func (a Address) IsZero() bool {
	return len(a.bytes) == 0
}

// Equal compares the underlying bytes, ignoring the prefix.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes, other.bytes)
}

// Key returns a hex encoding suitable for map keys and storage paths.
func (a Address) Key() string {
	return hex.EncodeToString(a.bytes)
}

// MarshalText encodes the address in its bech32 form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a bech32 address. Empty input yields the zero address.
func (a *Address) UnmarshalText(text []byte) error {
	trimmed := strings.TrimSpace(string(text))
	if trimmed == "" {
		*a = Address{}
		return nil
	}
	decoded, err := DecodeAddress(trimmed)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != AddressLength {
		return Address{}, fmt.Errorf("invalid address length %d", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// --- Signing authority ---

// Signer identifies the party authorising a movement of funds. Custodial
// services compare the signer against the authority recorded for an account.
type Signer interface {
	SignerAddress() Address
}

type addressSigner struct {
	addr Address
}

func (s addressSigner) SignerAddress() Address { return s.addr }

// AddressSigner wraps an already authenticated caller address as a Signer.
func AddressSigner(addr Address) Signer {
	return addressSigner{addr: addr}
}
