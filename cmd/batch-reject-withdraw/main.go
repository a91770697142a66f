package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-backend/internal/clients"
	"settlement-backend/internal/config"
	"settlement-backend/internal/db"
	"settlement-backend/internal/events"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
	"settlement-backend/internal/services"
)

// Rejects pending withdrawals in bulk, refunding each debit. Withdrawals
// whose stored transfer already landed are completed instead.
func main() {
	var (
		requestIDs = flag.String("ids", "", "Comma-separated list of withdrawal IDs to reject")
		allPending = flag.Bool("all-pending", false, "Reject every pending withdrawal")
		reason     = flag.String("reason", "rejected by operator", "Reason recorded on each withdrawal")
		reviewerID = flag.Uint64("reviewer", 0, "Reviewer id recorded on each withdrawal")
		dryRun     = flag.Bool("dry-run", false, "Only show what would be rejected")
		configPath = flag.String("config", "config.yaml", "Path to config file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	database, err := db.Open(cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}
	defer db.Close(database)

	ctx := context.Background()
	withdrawals := repository.NewWithdrawalRepository(database)

	var toReject []models.Withdrawal
	switch {
	case *requestIDs != "":
		for _, raw := range strings.Split(*requestIDs, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				log.Printf("⚠️  Skipping invalid id %q", raw)
				continue
			}
			w, err := withdrawals.GetByID(ctx, id)
			if err != nil {
				log.Printf("⚠️  Failed to get withdrawal %d: %v", id, err)
				continue
			}
			if w.Status != models.WithdrawalStatusPending {
				log.Printf("⚠️  Withdrawal %d is %s, skipping", id, w.Status)
				continue
			}
			toReject = append(toReject, *w)
		}
	case *allPending:
		toReject, err = withdrawals.ListByStatus(ctx, models.WithdrawalStatusPending, 1000)
		if err != nil {
			log.Fatalf("Failed to list pending withdrawals: %v", err)
		}
	default:
		log.Fatal("Please specify either -ids or -all-pending")
	}

	if len(toReject) == 0 {
		log.Println("No withdrawals found to reject")
		return
	}

	log.Printf("Found %d withdrawals to reject:\n", len(toReject))
	for _, w := range toReject {
		log.Printf("  - ID: %d, User: %d, Amount: %s, Address: %s, TxHash: %q",
			w.ID, w.UserID, w.Amount, w.Address, w.TxHash)
	}

	if *dryRun {
		log.Println("\n🔍 DRY RUN MODE - No withdrawals were rejected")
		return
	}

	fmt.Print("\n⚠️  Are you sure you want to reject these withdrawals? (yes/no): ")
	var confirmation string
	fmt.Scanln(&confirmation)
	if confirmation != "yes" {
		log.Println("Cancelled by user")
		return
	}

	store := config.NewStore(*configPath, cfg)
	payouts := services.NewPayoutEngine(
		database,
		clients.NewTronClient(cfg.Tron, logger),
		repository.NewLedgerRepository(database),
		withdrawals,
		services.Custody{Address: cfg.Custody.Address},
		nil,
		store,
		events.NewLogPublisher(logger),
		logger,
	)

	successCount, failCount := 0, 0
	for _, w := range toReject {
		got, err := payouts.Reject(ctx, w.ID, *reviewerID, *reason)
		if err != nil {
			log.Printf("❌ Failed to reject withdrawal %d: %v", w.ID, err)
			failCount++
			continue
		}
		log.Printf("✅ Withdrawal %d is now %s", w.ID, got.Status)
		successCount++
		time.Sleep(100 * time.Millisecond)
	}

	log.Printf("\n📊 Summary:")
	log.Printf("  ✅ Processed: %d", successCount)
	log.Printf("  ❌ Failed: %d", failCount)
}
