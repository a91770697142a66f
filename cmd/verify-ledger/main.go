package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-backend/internal/config"
	"settlement-backend/internal/db"
	"settlement-backend/internal/repository"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	fmt.Println("🔍 Verifying database connection and ledger balances...")
	fmt.Println("============================================================")

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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	sqlDB, err := database.DB()
	if err != nil {
		log.Fatalf("Failed to get database connection: %v", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		log.Fatalf("Database ping failed: %v", err)
	}

	var dbName string
	if err := database.WithContext(ctx).Raw("SELECT current_database()").Scan(&dbName).Error; err != nil {
		log.Fatalf("Failed to get database name: %v", err)
	}
	fmt.Printf("📋 Connected to database: %s\n", dbName)

	drifts, err := repository.NewLedgerRepository(database).Audit(ctx)
	if err != nil {
		log.Fatalf("Ledger audit failed: %v", err)
	}
	if len(drifts) == 0 {
		fmt.Println("✅ Every account balance matches its journal")
		return
	}

	fmt.Printf("❌ %d accounts drifted from their journal:\n", len(drifts))
	for _, d := range drifts {
		fmt.Printf("  - account=%d user=%d asset=%s balance=%s journal=%s\n",
			d.Account.ID, d.Account.UserID, d.Account.Asset, d.Account.Balance, d.JournalSum)
	}
	log.Fatal("ledger audit found drift")
}
