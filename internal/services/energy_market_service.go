package services

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-backend/internal/config"
	"settlement-backend/internal/hdwallet"
	"settlement-backend/internal/metrics"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
)

const sunPerTRX = 1_000_000

// EnergyProvider wallet that stakes TRX for energy and delegates it on demand
type EnergyProvider struct {
	Address string
	Key     *ecdsa.PrivateKey
}

// LoadEnergyProviders parses provider keys and checks they match their addresses.
func LoadEnergyProviders(cfgs []config.EnergyProviderConfig) ([]EnergyProvider, error) {
	providers := make([]EnergyProvider, 0, len(cfgs))
	for _, c := range cfgs {
		key, err := ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("energy provider %s: %w", c.Address, err)
		}
		if addr := hdwallet.TronAddressFromKey(key); addr != c.Address {
			return nil, fmt.Errorf("energy provider %s: key belongs to %s", c.Address, addr)
		}
		providers = append(providers, EnergyProvider{Address: c.Address, Key: key})
	}
	return providers, nil
}

// EnergyMarket leases energy from provider wallets to receivers and takes it
// back once the task that needed it is done.
type EnergyMarket struct {
	chain     TronChain
	leases    repository.EnergyLeaseRepository
	providers []EnergyProvider

	// one selection at a time so two callers do not both pick the last
	// capacity of the same provider
	mu  sync.Mutex
	log *logrus.Entry
}

func NewEnergyMarket(chain TronChain, leases repository.EnergyLeaseRepository, providers []EnergyProvider, log *logrus.Logger) *EnergyMarket {
	return &EnergyMarket{
		chain:     chain,
		leases:    leases,
		providers: providers,
		log:       log.WithField("component", "energy_market"),
	}
}

// sunForEnergy staked TRX (sun, whole TRX) that yields at least energy.
func sunForEnergy(energy int64, perTRX float64) int64 {
	trx := math.Ceil(float64(energy) / perTRX)
	if trx < 1 {
		trx = 1
	}
	return int64(trx) * sunPerTRX
}

func energyForSun(sun int64, perTRX float64) int64 {
	return int64(float64(sun) / sunPerTRX * perTRX)
}

// Lease delegates energy to receiver from the first provider whose real
// delegatable balance covers it. The lease row is written before the
// delegation is broadcast and marked active once it is accepted.
func (m *EnergyMarket) Lease(ctx context.Context, receiver string, energy int64, taskID string) (*models.EnergyLease, error) {
	if energy <= 0 {
		return nil, fmt.Errorf("lease of %d energy", energy)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best    int64
		lastErr error
	)
	for _, p := range m.providers {
		entry := m.log.WithFields(logrus.Fields{"provider": p.Address, "task_id": taskID})

		res, err := m.chain.AccountResource(ctx, p.Address)
		if err != nil {
			entry.WithError(err).Warn("provider resource lookup failed")
			continue
		}
		perTRX := res.EnergyPerTRX()
		if perTRX <= 0 {
			continue
		}
		availableSun, err := m.chain.DelegatableEnergySun(ctx, p.Address)
		if err != nil {
			entry.WithError(err).Warn("provider capacity lookup failed")
			continue
		}

		available := energyForSun(availableSun, perTRX)
		best = max(best, available)
		needSun := sunForEnergy(energy, perTRX)
		if availableSun < needSun {
			continue
		}

		lease, err := m.delegate(ctx, p, receiver, energy, needSun, taskID)
		if err != nil {
			entry.WithError(err).Warn("delegation failed, trying next provider")
			lastErr = err
			continue
		}
		return lease, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("lease %d energy to %s: %w", energy, receiver, lastErr)
	}
	metrics.EnergyLeases.WithLabelValues("no_provider").Inc()
	return nil, &NoProviderError{Requested: energy, BestAvailable: best}
}

func (m *EnergyMarket) delegate(ctx context.Context, p EnergyProvider, receiver string, energy, balanceSun int64, taskID string) (*models.EnergyLease, error) {
	lease := &models.EnergyLease{
		ProviderAddress: p.Address,
		ReceiverAddress: receiver,
		Energy:          energy,
		BalanceSun:      balanceSun,
		Status:          models.EnergyLeaseStatusPending,
		TaskID:          taskID,
	}
	if err := m.leases.Create(ctx, lease); err != nil {
		return nil, fmt.Errorf("record lease: %w", err)
	}

	txHash, err := m.chain.DelegateEnergy(ctx, p.Key, receiver, balanceSun)
	if err != nil {
		metrics.EnergyLeases.WithLabelValues("failed").Inc()
		if uerr := m.leases.Update(ctx, lease.ID, map[string]interface{}{
			"status":       models.EnergyLeaseStatusFailed,
			"error_reason": err.Error(),
		}); uerr != nil {
			m.log.WithError(uerr).WithField("lease_id", lease.ID).Error("failed to mark lease failed")
		}
		return nil, err
	}

	if err := m.leases.Update(ctx, lease.ID, map[string]interface{}{
		"status":  models.EnergyLeaseStatusActive,
		"tx_hash": txHash,
	}); err != nil {
		// delegated on chain but not recorded as active; reclaim will not find it
		m.log.WithError(err).WithFields(logrus.Fields{
			"lease_id": lease.ID,
			"tx_hash":  txHash,
			"critical": true,
		}).Error("energy delegated but lease not activated")
		return nil, err
	}
	lease.Status = models.EnergyLeaseStatusActive
	lease.TxHash = txHash
	metrics.EnergyLeases.WithLabelValues("active").Inc()

	m.log.WithFields(logrus.Fields{
		"provider": p.Address,
		"receiver": receiver,
		"energy":   energy,
		"task_id":  taskID,
		"tx_hash":  txHash,
	}).Info("⚡ Energy leased")
	return lease, nil
}

// Reclaim undelegates every active lease of taskID.
func (m *EnergyMarket) Reclaim(ctx context.Context, taskID string) error {
	leases, err := m.leases.ActiveByTask(ctx, taskID)
	if err != nil {
		return err
	}
	return m.reclaimAll(ctx, leases)
}

// ReclaimOrphans undelegates active leases older than age, left behind by
// runs that crashed before reclaiming.
func (m *EnergyMarket) ReclaimOrphans(ctx context.Context, age time.Duration) error {
	leases, err := m.leases.ListByStatus(ctx, models.EnergyLeaseStatusActive)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-age)
	var stale []models.EnergyLease
	for _, l := range leases {
		if l.CreatedAt.Before(cutoff) {
			stale = append(stale, l)
		}
	}
	if len(stale) > 0 {
		m.log.WithField("count", len(stale)).Warn("reclaiming orphaned energy leases")
	}
	return m.reclaimAll(ctx, stale)
}

func (m *EnergyMarket) reclaimAll(ctx context.Context, leases []models.EnergyLease) error {
	var errs []error
	for _, l := range leases {
		p, ok := m.provider(l.ProviderAddress)
		if !ok {
			errs = append(errs, fmt.Errorf("lease %d: provider %s no longer configured", l.ID, l.ProviderAddress))
			continue
		}
		txHash, err := m.chain.UndelegateEnergy(ctx, p.Key, l.ReceiverAddress, l.BalanceSun)
		if err != nil {
			errs = append(errs, fmt.Errorf("lease %d: %w", l.ID, err))
			continue
		}
		now := time.Now()
		if err := m.leases.Update(ctx, l.ID, map[string]interface{}{
			"status":          models.EnergyLeaseStatusReclaimed,
			"reclaim_tx_hash": txHash,
			"reclaimed_at":    &now,
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		metrics.EnergyLeases.WithLabelValues("reclaimed").Inc()
		m.log.WithFields(logrus.Fields{"lease_id": l.ID, "task_id": l.TaskID, "tx_hash": txHash}).Debug("energy reclaimed")
	}
	return errors.Join(errs...)
}

func (m *EnergyMarket) provider(addr string) (EnergyProvider, bool) {
	for _, p := range m.providers {
		if p.Address == addr {
			return p, true
		}
	}
	return EnergyProvider{}, false
}
