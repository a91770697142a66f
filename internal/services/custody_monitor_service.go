package services

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"settlement-backend/internal/config"
	"settlement-backend/internal/events"
	"settlement-backend/internal/metrics"
	"settlement-backend/internal/models"
	"settlement-backend/internal/utils"
)

// CustodySnapshot custody wallet balances at one point in time
type CustodySnapshot struct {
	USDT      decimal.Decimal `json:"usdt"`
	TRX       decimal.Decimal `json:"trx"`
	Energy    int64           `json:"energy"`
	Bandwidth int64           `json:"bandwidth"`
	Low       bool            `json:"low"`
	CheckedAt time.Time       `json:"checked_at"`
}

// CustodyMonitor tracks custody balances and the database pool, alerting
// when the spendable token balance drops under the configured threshold.
type CustodyMonitor struct {
	db      *gorm.DB
	chain   TronChain
	address string
	cfg     *config.Store
	notify  notifier
	log     *logrus.Entry

	mu   sync.Mutex
	last *CustodySnapshot

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewCustodyMonitor(db *gorm.DB, chain TronChain, custodyAddress string, cfg *config.Store, pub events.Publisher, log *logrus.Logger) *CustodyMonitor {
	entry := log.WithField("component", "custody_monitor")
	return &CustodyMonitor{
		db:       db,
		chain:    chain,
		address:  custodyAddress,
		cfg:      cfg,
		notify:   notifier{pub: pub, log: entry},
		log:      entry,
		stopChan: make(chan struct{}),
	}
}

func (m *CustodyMonitor) Start(ctx context.Context) {
	interval := m.cfg.Get().Custody.MonitorInterval
	m.log.WithField("interval", interval).Info("🚀 Custody monitor starting")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := m.Check(ctx); err != nil {
				m.log.WithError(err).Warn("custody check failed")
			}
			m.updateDBMetrics()

			select {
			case <-ticker.C:
			case <-m.stopChan:
				m.log.Info("🛑 Custody monitor stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *CustodyMonitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}

// Check reads custody balances, updates gauges and raises the low-balance
// alert when needed.
func (m *CustodyMonitor) Check(ctx context.Context) (*CustodySnapshot, error) {
	cfg := m.cfg.Get()

	tokens, err := m.chain.TokenBalance(ctx, m.address)
	if err != nil {
		return nil, err
	}
	sun, err := m.chain.TRXBalance(ctx, m.address)
	if err != nil {
		return nil, err
	}
	res, err := m.chain.AccountResource(ctx, m.address)
	if err != nil {
		return nil, err
	}

	snap := &CustodySnapshot{
		USDT:      utils.FromBaseUnits(tokens, cfg.Tron.TokenDecimals),
		TRX:       decimal.New(sun, -trxDecimals),
		Energy:    res.AvailableEnergy(),
		Bandwidth: res.AvailableBandwidth(),
		CheckedAt: time.Now(),
	}
	threshold := cfg.Custody.LowBalanceThreshold
	snap.Low = threshold.IsPositive() && snap.USDT.LessThan(threshold)

	metrics.CustodyBalance.WithLabelValues(models.AssetUSDT).Set(snap.USDT.InexactFloat64())
	metrics.CustodyBalance.WithLabelValues(models.AssetTRX).Set(snap.TRX.InexactFloat64())
	metrics.CustodyResource.WithLabelValues("energy").Set(float64(snap.Energy))
	metrics.CustodyResource.WithLabelValues("bandwidth").Set(float64(snap.Bandwidth))

	if snap.Low {
		m.notify.alert(ctx, events.TopicAlertCustodyLow, "custody balance below threshold", logrus.Fields{
			"address":   m.address,
			"balance":   snap.USDT.String(),
			"threshold": threshold.String(),
		})
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
	return snap, nil
}

// Last most recent snapshot, nil before the first check
func (m *CustodyMonitor) Last() *CustodySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *CustodyMonitor) updateDBMetrics() {
	sqlDB, err := m.db.DB()
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		return
	}
	if err := sqlDB.Ping(); err != nil {
		metrics.DBConnectionStatus.Set(0)
		return
	}
	stats := sqlDB.Stats()
	metrics.DBConnectionStatus.Set(1)
	metrics.DBConnectionActive.Set(float64(stats.InUse))
	metrics.DBConnectionIdle.Set(float64(stats.Idle))
}
