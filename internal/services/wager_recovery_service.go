package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-backend/internal/config"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
)

const (
	recoveryBatch = 100
	// minTriggerBalanceSun TRX the trigger wallet needs to burn for bandwidth
	minTriggerBalanceSun = 1_000_000
)

// RecoveryReport outcome of one recovery pass
type RecoveryReport struct {
	Resubmitted int
	Settled     int
	Refunded    int
	Deferred    bool
}

// WagerRecoveryService re-drives wagers stuck in pending_onchain_failure, in
// arrival order, once the trigger wallet can pay for a transaction again.
// It also settles stale pending wagers whose trigger hash was stored
// before a crash.
type WagerRecoveryService struct {
	queue   *SettlementQueue
	chain   TronChain
	wagers  repository.WagerRepository
	address string // trigger wallet
	cfg     *config.Store
	log     *logrus.Entry

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWagerRecoveryService(queue *SettlementQueue, chain TronChain, wagers repository.WagerRepository, triggerAddress string, cfg *config.Store, log *logrus.Logger) *WagerRecoveryService {
	return &WagerRecoveryService{
		queue:    queue,
		chain:    chain,
		wagers:   wagers,
		address:  triggerAddress,
		cfg:      cfg,
		log:      log.WithField("component", "wager_recovery"),
		stopChan: make(chan struct{}),
	}
}

func (s *WagerRecoveryService) Start(ctx context.Context) {
	interval := s.cfg.Get().Settlement.RecoveryInterval
	s.log.WithField("interval", interval).Info("🚀 Wager recovery starting")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.RunOnce(ctx)
				if err != nil {
					s.log.WithError(err).Error("❌ Recovery pass failed")
					continue
				}
				if report.Resubmitted+report.Refunded > 0 {
					s.log.WithFields(logrus.Fields{
						"resubmitted": report.Resubmitted,
						"settled":     report.Settled,
						"refunded":    report.Refunded,
					}).Info("Recovery pass finished")
				}
			case <-s.stopChan:
				s.log.Info("🛑 Wager recovery stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *WagerRecoveryService) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

// HasCapacity whether the trigger wallet can pay for one more transaction,
// from free bandwidth or by burning TRX.
func (s *WagerRecoveryService) HasCapacity(ctx context.Context) (bool, error) {
	res, err := s.chain.AccountResource(ctx, s.address)
	if err != nil {
		return false, err
	}
	if res.AvailableBandwidth() >= s.cfg.Get().Energy.BandwidthMinimum {
		return true, nil
	}
	balance, err := s.chain.TRXBalance(ctx, s.address)
	if err != nil {
		return false, err
	}
	return balance >= minTriggerBalanceSun, nil
}

// RunOnce one recovery pass.
func (s *WagerRecoveryService) RunOnce(ctx context.Context) (*RecoveryReport, error) {
	sc := s.cfg.Get().Settlement
	report := &RecoveryReport{}
	now := time.Now()

	// stale pending wagers; resubmission settles those with a stored hash
	// and triggers the rest
	stale, err := s.wagers.ListByStatus(ctx, models.WagerStatusPending, now.Add(-sc.StaleAfter), recoveryBatch)
	if err != nil {
		return report, err
	}

	failed, err := s.wagers.ListByStatus(ctx, models.WagerStatusPendingOnchainFailure, now, recoveryBatch)
	if err != nil {
		return report, err
	}
	if len(stale) == 0 && len(failed) == 0 {
		return report, nil
	}

	var expired, retry []models.Wager
	for _, w := range failed {
		if now.Sub(w.CreatedAt) > sc.RefundAfter {
			expired = append(expired, w)
		} else {
			retry = append(retry, w)
		}
	}
	for i := range expired {
		w := &expired[i]
		if _, err := s.queue.Refund(ctx, w, "trigger not possible within refund window"); err != nil {
			s.log.WithError(err).WithField("wager_id", w.PublicID).Error("refund of expired wager failed")
			continue
		}
		report.Refunded++
	}

	needsTrigger := len(retry) > 0
	for _, w := range stale {
		if w.TxHash == "" {
			needsTrigger = true
		}
	}
	if needsTrigger {
		ok, err := s.HasCapacity(ctx)
		if err != nil {
			return report, fmt.Errorf("trigger wallet capacity: %w", err)
		}
		if !ok {
			report.Deferred = true
			s.log.WithField("waiting", len(retry)).Debug("trigger wallet still exhausted")
			// stale wagers with a hash can still settle without the chain
			retry = nil
			stale = withHash(stale)
		}
	}

	for _, group := range [][]models.Wager{stale, retry} {
		for i := range group {
			w := &group[i]
			got, err := s.queue.Submit(ctx, w)
			report.Resubmitted++
			if err != nil {
				s.log.WithError(err).WithField("wager_id", w.PublicID).Warn("resubmitted wager failed")
				continue
			}
			if got.Status.IsTerminal() {
				report.Settled++
				continue
			}
			if got.Status == models.WagerStatusPendingOnchainFailure {
				// exhausted again; keep arrival order and stop here
				report.Deferred = true
				return report, nil
			}
		}
	}
	return report, nil
}

func withHash(ws []models.Wager) []models.Wager {
	out := ws[:0]
	for _, w := range ws {
		if w.TxHash != "" {
			out = append(out, w)
		}
	}
	return out
}
