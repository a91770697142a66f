package services

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"settlement-backend/internal/clients"
)

// TronChain on-chain operations the services depend on. *clients.TronClient
// is the production implementation.
type TronChain interface {
	TokenContract() string
	TokenBalance(ctx context.Context, owner string) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender string) (*big.Int, error)
	Approve(ctx context.Context, key *ecdsa.PrivateKey, spender string, amount *big.Int) (string, error)
	TransferFrom(ctx context.Context, key *ecdsa.PrivateKey, from, to string, amount *big.Int) (string, error)
	PrepareTransfer(ctx context.Context, key *ecdsa.PrivateKey, to string, amount *big.Int) (*clients.Transaction, error)
	Broadcast(ctx context.Context, tx *clients.Transaction) (string, error)
	SendTRX(ctx context.Context, key *ecdsa.PrivateKey, to string, amountSun int64, memo string) (string, error)

	TRXBalance(ctx context.Context, addr string) (int64, error)
	AccountResource(ctx context.Context, addr string) (*clients.AccountResource, error)
	DelegatableEnergySun(ctx context.Context, owner string) (int64, error)
	DelegateEnergy(ctx context.Context, key *ecdsa.PrivateKey, receiver string, balanceSun int64) (string, error)
	UndelegateEnergy(ctx context.Context, key *ecdsa.PrivateKey, receiver string, balanceSun int64) (string, error)

	TransactionInfo(ctx context.Context, txID string) (*clients.TxInfo, error)
	WaitForReceipt(ctx context.Context, txID string, every time.Duration) (*clients.TxInfo, error)
	LatestConfirmedBlock(ctx context.Context) (*clients.BlockHeader, error)
}

// TransferSource inbound transfer discovery. The index query is the primary
// path; ScanBlocks is the node fallback.
type TransferSource interface {
	AddressTransfers(ctx context.Context, addr string, minTs, maxTs int64) ([]clients.InboundTransfer, error)
	ScanBlocks(ctx context.Context, from, to int64, watch map[string]uint64) ([]clients.InboundTransfer, int64, error)
}

var (
	_ TronChain      = (*clients.TronClient)(nil)
	_ TransferSource = (*clients.TronClient)(nil)
)

// receiptPoll interval between receipt lookups
const receiptPoll = 3 * time.Second

// ParsePrivateKey hex secp256k1 key, with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
