package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"settlement-backend/internal/config"
	"settlement-backend/internal/db"
	"settlement-backend/internal/hdwallet"
	"settlement-backend/internal/repository"
)

// Recomputes deposit address pairs from the master mnemonic. With -config
// the mnemonic comes from the config and each pair is checked against the
// stored wallet of that index.
func main() {
	var (
		index      = flag.Uint("index", 0, "First derivation index")
		count      = flag.Uint("count", 1, "Number of consecutive indexes")
		configPath = flag.String("config", "", "Config file; enables verification against the database")
	)
	flag.Parse()

	mnemonic := os.Getenv("WALLET_MNEMONIC")
	passphrase := os.Getenv("WALLET_PASSPHRASE")

	var wallets repository.WalletRepository
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		mnemonic, passphrase = cfg.Wallet.Mnemonic, cfg.Wallet.Passphrase

		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		database, err := db.Open(cfg.Database, logger)
		if err != nil {
			log.Fatalf("Failed to connect database: %v", err)
		}
		defer db.Close(database)
		wallets = repository.NewWalletRepository(database)
	}
	if mnemonic == "" {
		log.Fatal("no mnemonic: set WALLET_MNEMONIC or pass -config")
	}

	deriver, err := hdwallet.NewDeriver(mnemonic, passphrase)
	if err != nil {
		log.Fatalf("Failed to load mnemonic: %v", err)
	}

	ctx := context.Background()
	mismatches := 0
	for i := uint32(*index); i < uint32(*index+*count); i++ {
		pair, err := deriver.DeriveAddresses(i)
		if err != nil {
			log.Fatalf("Failed to derive index %d: %v", i, err)
		}
		fmt.Printf("%-8d tron=%s evm=%s", i, pair.Tron, pair.EVM)

		if wallets != nil {
			stored, err := wallets.GetByIndex(ctx, i)
			switch {
			case errors.Is(err, repository.ErrNotFound):
				fmt.Print("  (unallocated)")
			case err != nil:
				fmt.Printf("  (lookup failed: %v)", err)
			case stored.TronAddress != pair.Tron || stored.EVMAddress != pair.EVM:
				fmt.Printf("  ❌ MISMATCH user=%d stored tron=%s", stored.UserID, stored.TronAddress)
				mismatches++
			default:
				fmt.Printf("  ✅ user=%d", stored.UserID)
			}
		}
		fmt.Println()
	}

	if mismatches > 0 {
		log.Fatalf("%d stored wallets do not match the mnemonic", mismatches)
	}
}
