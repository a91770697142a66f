package db

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"settlement-backend/internal/config"
	"settlement-backend/internal/models"
)

// Open connects to Postgres and applies pool settings.
func Open(cfg config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	database, err := gorm.Open(postgres.Open(cfg.DSN), GormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log.Info("✅ Database connected successfully")
	return database, nil
}

// GormConfig shared by production and tests. TranslateError maps unique
// violations to gorm.ErrDuplicatedKey on every dialect.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		TranslateError:                           true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	}
}

// Migrate runs AutoMigrate for every model and then the pending data migrations.
func Migrate(database *gorm.DB, log *logrus.Logger) error {
	log.Info("🚀 Starting database schema migration")

	if err := database.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	if err := RunDataMigrations(database, log); err != nil {
		return err
	}

	log.Info("✅ Database schema migrated successfully")
	return nil
}

// Close releases the underlying pool.
func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
