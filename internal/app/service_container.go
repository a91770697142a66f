package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"settlement-backend/internal/clients"
	"settlement-backend/internal/config"
	"settlement-backend/internal/db"
	"settlement-backend/internal/events"
	"settlement-backend/internal/handlers"
	"settlement-backend/internal/hdwallet"
	"settlement-backend/internal/repository"
	"settlement-backend/internal/services"
)

// ServiceContainer owns every long-lived dependency of the server.
type ServiceContainer struct {
	Config *config.Store
	Logger *logrus.Logger

	// Database
	DB *gorm.DB

	// Repositories
	WalletRepo      repository.WalletRepository
	LedgerRepo      repository.LedgerRepository
	StateRepo       repository.StateRepository
	DepositRepo     repository.DepositRepository
	WagerRepo       repository.WagerRepository
	CollectionRepo  repository.CollectionRepository
	EnergyLeaseRepo repository.EnergyLeaseRepository
	WithdrawalRepo  repository.WithdrawalRepository

	// Chain & messaging
	TronClient *clients.TronClient
	NATSClient *clients.NATSClient
	EventHub   *handlers.EventStreamHub
	Publisher  *events.Multi

	// Core services
	WalletService   *services.WalletService
	EnergyMarket    *services.EnergyMarket
	DepositWatcher  *services.DepositWatcher
	SweepEngine     *services.SweepEngine
	CollectionRetry *services.CollectionRetryService
	SettlementQueue *services.SettlementQueue
	WagerRecovery   *services.WagerRecoveryService
	CustodyMonitor  *services.CustodyMonitor
	PayoutEngine    *services.PayoutEngine
	Scheduler       *services.SchedulerService
}

// NewServiceContainer connects the database and builds every service. The
// background loops are not started; see Start.
func NewServiceContainer(store *config.Store, log *logrus.Logger) (*ServiceContainer, error) {
	log.Info("🚀 Initializing Service Container...")

	c := &ServiceContainer{Config: store, Logger: log}
	cfg := store.Get()

	database, err := db.Open(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	c.DB = database
	if err := db.Migrate(database, log); err != nil {
		c.Cleanup()
		return nil, err
	}

	c.initRepositories()

	if err := c.initMessaging(); err != nil {
		c.Cleanup()
		return nil, err
	}
	if err := c.initCoreServices(); err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("failed to initialize core services: %w", err)
	}
	c.initScheduler()

	log.Info("✅ Service Container initialized successfully")
	return c, nil
}

func (c *ServiceContainer) initRepositories() {
	c.Logger.Info("📦 Initializing Repositories...")

	c.WalletRepo = repository.NewWalletRepository(c.DB)
	c.LedgerRepo = repository.NewLedgerRepository(c.DB)
	c.StateRepo = repository.NewStateRepository(c.DB)
	c.DepositRepo = repository.NewDepositRepository(c.DB)
	c.WagerRepo = repository.NewWagerRepository(c.DB)
	c.CollectionRepo = repository.NewCollectionRepository(c.DB)
	c.EnergyLeaseRepo = repository.NewEnergyLeaseRepository(c.DB)
	c.WithdrawalRepo = repository.NewWithdrawalRepository(c.DB)

	c.Logger.Info("✅ Repositories initialized")
}

// initMessaging event sinks: log and websocket always, NATS when configured.
func (c *ServiceContainer) initMessaging() error {
	cfg := c.Config.Get()

	c.EventHub = handlers.NewEventStreamHub(c.Config, c.Logger)
	c.Publisher = events.NewMulti(events.NewLogPublisher(c.Logger), c.EventHub)

	if cfg.NATS.URL == "" {
		c.Logger.Warn("⚠️ NATS URL not configured, events stay in-process")
		return nil
	}
	nc, err := clients.NewNATSClient(cfg.NATS, c.Logger)
	if err != nil {
		return err
	}
	c.NATSClient = nc
	c.Publisher.Add(events.NewNATSPublisher(nc))
	return nil
}

// signingKeys custody key, settlement trigger key and the entropy sink the
// trigger pays into.
func signingKeys(cfg config.CustodyConfig) (custody, trigger *ecdsa.PrivateKey, sink string, err error) {
	custody, err = services.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, nil, "", fmt.Errorf("custody key: %w", err)
	}
	if addr := hdwallet.TronAddressFromKey(custody); addr != cfg.Address {
		return nil, nil, "", fmt.Errorf("custody key controls %s, configured address is %s", addr, cfg.Address)
	}

	trigger = custody
	if cfg.SettlementKey != "" {
		if trigger, err = services.ParsePrivateKey(cfg.SettlementKey); err != nil {
			return nil, nil, "", fmt.Errorf("settlement key: %w", err)
		}
	}

	sink = cfg.EntropySink
	if sink == "" {
		sink = cfg.Address
	}
	if !hdwallet.IsValidTronAddress(sink) {
		return nil, nil, "", fmt.Errorf("entropy sink %q is not a TRON address", sink)
	}
	if sink == hdwallet.TronAddressFromKey(trigger) {
		return nil, nil, "", fmt.Errorf("entropy sink must differ from the settlement wallet; set custody.entropy_sink")
	}
	return custody, trigger, sink, nil
}

func (c *ServiceContainer) initCoreServices() error {
	c.Logger.Info("🔧 Initializing Core Services...")
	cfg := c.Config.Get()

	custodyKey, triggerKey, sink, err := signingKeys(cfg.Custody)
	if err != nil {
		return err
	}
	deriver, err := hdwallet.NewDeriver(cfg.Wallet.Mnemonic, cfg.Wallet.Passphrase)
	if err != nil {
		return err
	}
	providers, err := services.LoadEnergyProviders(cfg.Energy.Providers)
	if err != nil {
		return err
	}

	c.TronClient = clients.NewTronClient(cfg.Tron, c.Logger)
	custody := services.Custody{Address: cfg.Custody.Address, Key: custodyKey}

	c.WalletService = services.NewWalletService(c.DB, c.WalletRepo, c.LedgerRepo, c.StateRepo, deriver, c.Config, c.Logger)
	c.EnergyMarket = services.NewEnergyMarket(c.TronClient, c.EnergyLeaseRepo, providers, c.Logger)

	c.DepositWatcher = services.NewDepositWatcher(c.DB, c.TronClient, c.TronClient,
		c.WalletRepo, c.DepositRepo, c.LedgerRepo, c.Config, c.Publisher, c.Logger)

	c.SweepEngine = services.NewSweepEngine(c.TronClient, c.EnergyMarket, c.WalletService,
		c.WalletRepo, c.DepositRepo, c.CollectionRepo, c.StateRepo, custody, c.Config, c.Publisher, c.Logger)
	c.CollectionRetry = services.NewCollectionRetryService(c.SweepEngine, c.EnergyMarket, c.CollectionRepo, c.Config, c.Logger)

	c.SettlementQueue = services.NewSettlementQueue(c.DB, c.TronClient, c.LedgerRepo, c.WagerRepo,
		triggerKey, sink, c.Config, c.Publisher, c.Logger)
	c.WagerRecovery = services.NewWagerRecoveryService(c.SettlementQueue, c.TronClient, c.WagerRepo,
		hdwallet.TronAddressFromKey(triggerKey), c.Config, c.Logger)

	c.CustodyMonitor = services.NewCustodyMonitor(c.DB, c.TronClient, cfg.Custody.Address, c.Config, c.Publisher, c.Logger)
	c.PayoutEngine = services.NewPayoutEngine(c.DB, c.TronClient, c.LedgerRepo, c.WithdrawalRepo,
		custody, c.CustodyMonitor, c.Config, c.Publisher, c.Logger)

	c.Logger.WithFields(logrus.Fields{
		"custody":          cfg.Custody.Address,
		"energy_providers": len(providers),
		"full_nodes":       len(cfg.Tron.FullNodes),
	}).Info("✅ Core services initialized")
	return nil
}

// initScheduler registration order is start order; Stop runs in reverse,
// so the settlement queue outlives its recovery loop.
func (c *ServiceContainer) initScheduler() {
	c.Scheduler = services.NewSchedulerService(c.PayoutEngine, c.Logger)
	c.Scheduler.Register("settlement_queue", c.SettlementQueue)
	c.Scheduler.Register("wager_recovery", c.WagerRecovery)
	c.Scheduler.Register("deposit_watcher", c.DepositWatcher)
	c.Scheduler.Register("sweep", c.SweepEngine)
	c.Scheduler.Register("collection_retry", c.CollectionRetry)
	c.Scheduler.Register("custody_monitor", c.CustodyMonitor)
}

// Start launches the background loops.
func (c *ServiceContainer) Start(ctx context.Context) {
	c.Scheduler.Start(ctx)
}

// Cleanup stops loops and releases connections. Safe on a partially built
// container.
func (c *ServiceContainer) Cleanup() {
	c.Logger.Info("🧹 Cleaning up services...")
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.EventHub != nil {
		c.EventHub.Close()
	}
	if c.NATSClient != nil {
		c.NATSClient.Close()
	}
	if c.DB != nil {
		if err := db.Close(c.DB); err != nil {
			c.Logger.WithError(err).Warn("failed to close database")
		}
	}
	c.Logger.Info("✅ Cleanup completed")
}
