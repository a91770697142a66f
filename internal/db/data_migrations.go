package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"settlement-backend/internal/models"
)

// DataMigration one-off data fix applied after AutoMigrate. Applied versions
// are remembered in system_state so each runs once.
type DataMigration struct {
	Version     string
	Description string
	Up          func(*gorm.DB) error
}

// GetDataMigrations return all data migrations in order
func GetDataMigrations() []DataMigration {
	return []DataMigration{
		{
			Version:     "data_001",
			Description: "Backfill native-token ledger accounts for existing wallets",
			Up:          backfillNativeAccounts,
		},
		{
			Version:     "data_002",
			Description: "Rebuild game stats for users with settled wagers",
			Up:          backfillGameStats,
		},
	}
}

func migrationKey(version string) string {
	return "data_migration:" + version
}

// RunDataMigrations applies every migration not yet recorded.
func RunDataMigrations(database *gorm.DB, log *logrus.Logger) error {
	for _, m := range GetDataMigrations() {
		var state models.SystemState
		err := database.Where(&models.SystemState{Key: migrationKey(m.Version)}).First(&state).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check data migration %s: %w", m.Version, err)
		}

		log.WithField("version", m.Version).Infof("🔄 %s", m.Description)
		err = database.Transaction(func(tx *gorm.DB) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			return tx.Create(&models.SystemState{
				Key:       migrationKey(m.Version),
				Value:     time.Now().UTC().Format(time.RFC3339),
				UpdatedAt: time.Now(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("data migration %s: %w", m.Version, err)
		}
	}
	return nil
}

func backfillNativeAccounts(tx *gorm.DB) error {
	return tx.Exec(`
		INSERT INTO ledger_accounts (user_id, asset, balance, status, created_at, updated_at)
		SELECT w.user_id, ?, 0, ?, ?, ?
		FROM user_wallets w
		WHERE NOT EXISTS (
			SELECT 1 FROM ledger_accounts a WHERE a.user_id = w.user_id AND a.asset = ?
		)
	`, models.AssetTRX, models.AccountStatusActive, time.Now(), time.Now(), models.AssetTRX).Error
}

func backfillGameStats(tx *gorm.DB) error {
	return tx.Exec(`
		INSERT INTO user_game_stats (user_id, total_wagered, total_won, wager_count, win_count, current_streak, best_streak, level, updated_at)
		SELECT w.user_id, SUM(w.amount), SUM(w.payout), COUNT(*),
		       SUM(CASE WHEN w.status = ? THEN 1 ELSE 0 END), 0, 0, 0, ?
		FROM wagers w
		WHERE w.status IN (?, ?)
		  AND NOT EXISTS (SELECT 1 FROM user_game_stats s WHERE s.user_id = w.user_id)
		GROUP BY w.user_id
	`, models.WagerStatusWon, time.Now(), models.WagerStatusWon, models.WagerStatusLost).Error
}
