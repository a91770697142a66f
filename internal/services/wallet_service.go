package services

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"settlement-backend/internal/config"
	"settlement-backend/internal/hdwallet"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
	"settlement-backend/internal/utils"
)

// WalletService allocates derivation indexes and provisions the deposit
// wallet and ledger accounts of new users.
type WalletService struct {
	db      *gorm.DB
	wallets repository.WalletRepository
	ledger  repository.LedgerRepository
	state   repository.StateRepository
	deriver *hdwallet.Deriver
	cfg     *config.Store
	log     *logrus.Entry
}

func NewWalletService(
	db *gorm.DB,
	wallets repository.WalletRepository,
	ledger repository.LedgerRepository,
	state repository.StateRepository,
	deriver *hdwallet.Deriver,
	cfg *config.Store,
	log *logrus.Logger,
) *WalletService {
	return &WalletService{
		db:      db,
		wallets: wallets,
		ledger:  ledger,
		state:   state,
		deriver: deriver,
		cfg:     cfg,
		log:     log.WithField("component", "wallet"),
	}
}

// DeriveAddresses pure derivation, used for recovery and audits.
func (s *WalletService) DeriveAddresses(index uint32) (hdwallet.AddressPair, error) {
	return s.deriver.DeriveAddresses(index)
}

// SigningKey user-owned TRON key of a provisioned wallet.
func (s *WalletService) SigningKey(w *models.UserWallet) (*ecdsa.PrivateKey, error) {
	key, err := s.deriver.TronKey(w.DerivationIndex)
	if err != nil {
		return nil, err
	}
	if addr := hdwallet.TronAddressFromKey(key); addr != w.TronAddress {
		return nil, fmt.Errorf("wallet %d: derived address %s does not match stored %s", w.UserID, addr, w.TronAddress)
	}
	return key, nil
}

// Provision creates the wallet and ledger accounts of userID. Calling it
// again for the same user returns the existing wallet.
func (s *WalletService) Provision(ctx context.Context, userID uint64) (*models.UserWallet, error) {
	if w, err := s.wallets.GetByUserID(ctx, userID); err == nil {
		return w, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	backoff := utils.Backoff{
		Attempts: s.cfg.Get().Wallet.AllocationRetries,
		Base:     50 * time.Millisecond,
		Max:      time.Second,
	}

	var wallet *models.UserWallet
	err := utils.Retry(ctx, backoff, func(ctx context.Context) error {
		w, err := s.provisionOnce(ctx, userID)
		if errors.Is(err, repository.ErrDuplicate) {
			s.log.WithError(err).WithField("user_id", userID).Warn("derivation index race, retrying")
			return err
		}
		if err != nil {
			return utils.Permanent(err)
		}
		wallet = w
		return nil
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, fmt.Errorf("%w: user %d: %v", ErrIndexAllocationExhausted, userID, err)
	}
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"index":   wallet.DerivationIndex,
		"tron":    wallet.TronAddress,
	}).Info("👛 Wallet provisioned")
	return wallet, nil
}

func (s *WalletService) provisionOnce(ctx context.Context, userID uint64) (*models.UserWallet, error) {
	var wallet *models.UserWallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallets := s.wallets.WithTx(tx)
		if existing, err := wallets.GetByUserID(ctx, userID); err == nil {
			wallet = existing
			return nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		if err := s.state.WithTx(tx).Lock(ctx, repository.StateKeyWalletAllocation); err != nil {
			return fmt.Errorf("lock allocation counter: %w", err)
		}
		index, err := s.allocateNextIndex(ctx, wallets)
		if err != nil {
			return err
		}

		pair, err := s.deriver.DeriveAddresses(index)
		if err != nil {
			return err
		}
		w := &models.UserWallet{
			UserID:          userID,
			DerivationIndex: index,
			EVMAddress:      pair.EVM,
			TronAddress:     pair.Tron,
		}
		if err := wallets.Create(ctx, w); err != nil {
			return err
		}

		ledger := s.ledger.WithTx(tx)
		for _, asset := range []string{models.AssetUSDT, models.AssetTRX} {
			if _, err := ledger.CreateAccount(ctx, userID, asset); err != nil {
				return fmt.Errorf("create %s account: %w", asset, err)
			}
		}
		wallet = w
		return nil
	})
	return wallet, err
}

// allocateNextIndex proposes max+1, never below the reserved range, and
// reports ErrDuplicate when another signup already holds the candidate.
func (s *WalletService) allocateNextIndex(ctx context.Context, wallets repository.WalletRepository) (uint32, error) {
	candidate := s.cfg.Get().Wallet.ReservedIndexes
	highest, ok, err := wallets.MaxIndex(ctx)
	if err != nil {
		return 0, err
	}
	if ok && highest+1 > candidate {
		candidate = highest + 1
	}

	taken, err := wallets.IndexTaken(ctx, candidate)
	if err != nil {
		return 0, err
	}
	if taken {
		return 0, fmt.Errorf("index %d: %w", candidate, repository.ErrDuplicate)
	}
	return candidate, nil
}

// Overview wallet and balances of a user
func (s *WalletService) Overview(ctx context.Context, userID uint64) (*models.UserWallet, []models.LedgerAccount, error) {
	w, err := s.wallets.GetByUserID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	accounts, err := s.ledger.ListAccounts(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return w, accounts, nil
}
