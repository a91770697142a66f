package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-backend/internal/config"
	"settlement-backend/internal/metrics"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
)

const (
	retryBatch = 50
	// TRON transactions expire a minute after signing; anything unknown
	// well past that was never included
	submittedExpiry = 10 * time.Minute
	orphanLeaseAge  = time.Hour
)

// CollectionRetryService works the sweep retry queue: reconciles sweeps left
// in submitted, re-attempts due tasks and reclaims orphaned energy.
type CollectionRetryService struct {
	sweep       *SweepEngine
	energy      *EnergyMarket
	collections repository.CollectionRepository
	cfg         *config.Store
	log         *logrus.Entry

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewCollectionRetryService(sweep *SweepEngine, energy *EnergyMarket, collections repository.CollectionRepository, cfg *config.Store, log *logrus.Logger) *CollectionRetryService {
	return &CollectionRetryService{
		sweep:       sweep,
		energy:      energy,
		collections: collections,
		cfg:         cfg,
		log:         log.WithField("component", "collection_retry"),
		stopChan:    make(chan struct{}),
	}
}

// Start checks the queue every Retry.Interval
func (s *CollectionRetryService) Start(ctx context.Context) {
	interval := s.cfg.Get().Retry.Interval
	s.log.WithField("interval", interval).Info("🚀 Collection retry service starting")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.ProcessDue(ctx); err != nil {
					s.log.WithError(err).Error("❌ Retry pass failed")
				}
			case <-s.stopChan:
				s.log.Info("🛑 Collection retry service stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *CollectionRetryService) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

// ProcessDue one pass over submitted records and due retry tasks.
func (s *CollectionRetryService) ProcessDue(ctx context.Context) error {
	s.reconcileSubmitted(ctx)

	tasks, err := s.collections.DueRetryTasks(ctx, time.Now(), retryBatch)
	if err != nil {
		return err
	}
	metrics.RetryQueueDepth.WithLabelValues("due").Set(float64(len(tasks)))

	for _, task := range tasks {
		entry := s.log.WithFields(logrus.Fields{"user_id": task.UserID, "retry_count": task.RetryCount})
		rec, err := s.sweep.SweepUser(ctx, task.UserID)
		switch {
		case errors.Is(err, ErrSweepRunning):
			entry.Debug("sweep busy, retry deferred to next pass")
			return nil
		case errors.Is(err, ErrNoEnergyProvider):
			entry.WithError(err).Warn("no energy for retry, deferred")
			return nil
		case err != nil:
			entry.WithError(err).Warn("retry attempt failed")
		case rec == nil:
			entry.Info("wallet already empty, retry task cleared")
		default:
			entry.WithField("status", rec.Status).Info("🔁 Retry attempt finished")
		}
	}

	if err := s.energy.ReclaimOrphans(ctx, orphanLeaseAge); err != nil {
		s.log.WithError(err).Warn("orphaned lease reclaim incomplete")
	}
	return nil
}

func (s *CollectionRetryService) reconcileSubmitted(ctx context.Context) {
	recs, err := s.collections.ListByStatus(ctx, models.CollectionStatusSubmitted, retryBatch)
	if err != nil {
		s.log.WithError(err).Error("listing submitted collections failed")
		return
	}
	for i := range recs {
		rec := &recs[i]
		done, err := s.sweep.Reconcile(ctx, rec, submittedExpiry)
		if err != nil {
			s.log.WithError(err).WithField("collection_id", rec.ID).Warn("reconcile failed")
			continue
		}
		if done {
			s.log.WithFields(logrus.Fields{"collection_id": rec.ID, "tx_hash": rec.TxHash}).Info("submitted sweep reconciled")
		}
	}
}
