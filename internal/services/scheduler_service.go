// Scheduler Service
// Owns the lifecycle of every background loop
package services

import (
	"context"

	"github.com/sirupsen/logrus"
)

// BackgroundService a periodic loop with its own ticker
type BackgroundService interface {
	Start(ctx context.Context)
	Stop()
}

type namedService struct {
	name string
	svc  BackgroundService
}

// SchedulerService starts background loops in registration order and stops
// them in reverse, so the settlement queue outlives its recovery loop.
type SchedulerService struct {
	services []namedService
	payouts  *PayoutEngine
	log      *logrus.Entry
	cancel   context.CancelFunc
}

// NewSchedulerService payouts may be nil; when set, Stop waits for
// in-flight sends.
func NewSchedulerService(payouts *PayoutEngine, log *logrus.Logger) *SchedulerService {
	return &SchedulerService{
		payouts: payouts,
		log:     log.WithField("component", "scheduler"),
	}
}

// Register adds a loop; nil services are skipped.
func (s *SchedulerService) Register(name string, svc BackgroundService) {
	if svc == nil {
		s.log.WithField("service", name).Warn("⚠️  Service not initialized, skipping")
		return
	}
	s.services = append(s.services, namedService{name: name, svc: svc})
}

// Start begins all registered loops
func (s *SchedulerService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.log.WithField("services", len(s.services)).Info("🚀 Scheduler service starting...")
	for _, ns := range s.services {
		ns.svc.Start(ctx)
		s.log.WithField("service", ns.name).Debug("📅 started")
	}
	s.log.Info("✅ Scheduler service started")
}

// Stop gracefully stops all loops
func (s *SchedulerService) Stop() {
	s.log.Info("🛑 Stopping scheduler service...")
	for i := len(s.services) - 1; i >= 0; i-- {
		s.services[i].svc.Stop()
	}
	if s.payouts != nil {
		s.payouts.Wait()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.log.Info("✅ Scheduler service stopped")
}
