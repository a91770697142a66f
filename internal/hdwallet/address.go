package hdwallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TronAddressVersion prefix byte of every mainnet TRON address.
const TronAddressVersion byte = 0x41

// TronAddress base58check encoding of the keccak-derived 20 byte account id.
func TronAddress(pub *ecdsa.PublicKey) string {
	return base58.CheckEncode(crypto.PubkeyToAddress(*pub).Bytes(), TronAddressVersion)
}

// TronAddressFromKey convenience for signing keys.
func TronAddressFromKey(key *ecdsa.PrivateKey) string {
	return TronAddress(&key.PublicKey)
}

// DecodeTronAddress returns the 20 byte account id of a base58 address.
func DecodeTronAddress(addr string) (common.Address, error) {
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid tron address %q: %w", addr, err)
	}
	if version != TronAddressVersion || len(payload) != common.AddressLength {
		return common.Address{}, fmt.Errorf("invalid tron address %q", addr)
	}
	return common.BytesToAddress(payload), nil
}

// IsValidTronAddress reports whether addr is a well-formed mainnet address.
func IsValidTronAddress(addr string) bool {
	_, err := DecodeTronAddress(addr)
	return err == nil
}

// TronHexToBase58 converts the 21 byte "41..." hex form used by node APIs.
func TronHexToBase58(h string) (string, error) {
	h = strings.TrimPrefix(strings.TrimPrefix(h, "0x"), "0X")
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", fmt.Errorf("invalid hex address %q: %w", h, err)
	}
	switch len(raw) {
	case common.AddressLength + 1:
		if raw[0] != TronAddressVersion {
			return "", fmt.Errorf("invalid hex address %q: unexpected prefix", h)
		}
		raw = raw[1:]
	case common.AddressLength:
	default:
		return "", fmt.Errorf("invalid hex address %q: length %d", h, len(raw))
	}
	return base58.CheckEncode(raw, TronAddressVersion), nil
}

// TronBase58ToHex inverse of TronHexToBase58, with the 41 prefix.
func TronBase58ToHex(addr string) (string, error) {
	a, err := DecodeTronAddress(addr)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(append([]byte{TronAddressVersion}, a.Bytes()...)), nil
}
