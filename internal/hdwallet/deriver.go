// Package hdwallet derives per-user deposit addresses from one master secret.
//
// Every user index maps to a BIP44 path per chain family:
//
//	EVM   m/44'/60'/0'/0/index
//	TRON  m/44'/195'/0'/0/index
//
// Derivation is a pure function of the mnemonic, passphrase and index, so any
// address can be recomputed for recovery.
package hdwallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

const (
	CoinTypeEVM  uint32 = 60
	CoinTypeTron uint32 = 195
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// AddressPair deposit addresses for one derivation index
type AddressPair struct {
	Index uint32
	EVM   string
	Tron  string
}

// Deriver holds the external-chain keys (m/44'/coin'/0'/0) for both families.
type Deriver struct {
	chains map[uint32]*hdkeychain.ExtendedKey
}

func NewDeriver(mnemonic, passphrase string) (*Deriver, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}

	d := &Deriver{chains: make(map[uint32]*hdkeychain.ExtendedKey, 2)}
	for _, coin := range []uint32{CoinTypeEVM, CoinTypeTron} {
		key, err := derivePath(master,
			hdkeychain.HardenedKeyStart+44,
			hdkeychain.HardenedKeyStart+coin,
			hdkeychain.HardenedKeyStart+0,
			0,
		)
		if err != nil {
			return nil, fmt.Errorf("derive coin type %d: %w", coin, err)
		}
		d.chains[coin] = key
	}
	return d, nil
}

func derivePath(key *hdkeychain.ExtendedKey, path ...uint32) (*hdkeychain.ExtendedKey, error) {
	var err error
	for _, i := range path {
		if key, err = key.Derive(i); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// PrivateKey signing key of coinType at index.
func (d *Deriver) PrivateKey(coinType, index uint32) (*ecdsa.PrivateKey, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	parent, ok := d.chains[coinType]
	if !ok {
		return nil, fmt.Errorf("unsupported coin type %d", coinType)
	}
	child, err := parent.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive index %d: %w", index, err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return crypto.ToECDSA(priv.Serialize())
}

// TronKey user-owned key that signs approvals for the sweep.
func (d *Deriver) TronKey(index uint32) (*ecdsa.PrivateKey, error) {
	return d.PrivateKey(CoinTypeTron, index)
}

// DeriveAddresses returns the EVM and TRON deposit addresses of index.
func (d *Deriver) DeriveAddresses(index uint32) (AddressPair, error) {
	evmKey, err := d.PrivateKey(CoinTypeEVM, index)
	if err != nil {
		return AddressPair{}, err
	}
	tronKey, err := d.PrivateKey(CoinTypeTron, index)
	if err != nil {
		return AddressPair{}, err
	}
	return AddressPair{
		Index: index,
		EVM:   crypto.PubkeyToAddress(evmKey.PublicKey).Hex(),
		Tron:  TronAddressFromKey(tronKey),
	}, nil
}
