package services

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"settlement-backend/internal/clients"
	"settlement-backend/internal/config"
	"settlement-backend/internal/events"
	"settlement-backend/internal/metrics"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
	"settlement-backend/internal/utils"
)

// maxAllowance approvals are unlimited so later sweeps of the same wallet skip them
var maxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Custody platform wallet that receives sweeps and funds payouts
type Custody struct {
	Address string
	Key     *ecdsa.PrivateKey
}

// SweepReport outcome of one sweep run
type SweepReport struct {
	RunID           string `json:"run_id"`
	Budget          int64  `json:"budget"`
	Leased          int64  `json:"leased"`
	Examined        int    `json:"examined"`
	Completed       int    `json:"completed"`
	Submitted       int    `json:"submitted"`
	Failed          int    `json:"failed"`
	StoppedOnBudget bool   `json:"stopped_on_budget"`
}

// SweepEngine moves funds from user wallets into custody with an
// approve + transferFrom pair. The user wallet signs the approval on leased
// energy; the custody wallet pays for transferFrom out of its own budget.
type SweepEngine struct {
	chain       TronChain
	energy      *EnergyMarket
	walletSvc   *WalletService
	wallets     repository.WalletRepository
	deposits    repository.DepositRepository
	collections repository.CollectionRepository
	state       repository.StateRepository
	custody     Custody
	cfg         *config.Store
	notify      notifier
	log         *logrus.Entry

	running  sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewSweepEngine(
	chain TronChain,
	energy *EnergyMarket,
	walletSvc *WalletService,
	wallets repository.WalletRepository,
	deposits repository.DepositRepository,
	collections repository.CollectionRepository,
	state repository.StateRepository,
	custody Custody,
	cfg *config.Store,
	pub events.Publisher,
	log *logrus.Logger,
) *SweepEngine {
	entry := log.WithField("component", "sweep")
	return &SweepEngine{
		chain:       chain,
		energy:      energy,
		walletSvc:   walletSvc,
		wallets:     wallets,
		deposits:    deposits,
		collections: collections,
		state:       state,
		custody:     custody,
		cfg:         cfg,
		notify:      notifier{pub: pub, log: entry},
		log:         entry,
		stopChan:    make(chan struct{}),
	}
}

// Start runs a sweep every Sweep.Interval until Stop.
func (e *SweepEngine) Start(ctx context.Context) {
	interval := e.cfg.Get().Sweep.Interval
	e.log.WithField("interval", interval).Info("🚀 Sweep scheduler starting")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := e.Run(ctx)
				if err != nil {
					if !errors.Is(err, ErrSweepRunning) {
						e.log.WithError(err).Error("❌ Scheduled sweep failed")
					}
					continue
				}
				e.log.WithFields(logrus.Fields{
					"run_id":    report.RunID,
					"completed": report.Completed,
					"failed":    report.Failed,
				}).Info("⏰ Scheduled sweep finished")
			case <-e.stopChan:
				e.log.Info("🛑 Sweep scheduler stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *SweepEngine) Stop() {
	close(e.stopChan)
	e.wg.Wait()
}

// estimatePerTransfer trailing average of receipts, config value until
// there is history.
func (e *SweepEngine) estimatePerTransfer(ctx context.Context, cfg *config.Config) int64 {
	avg, ok, err := e.collections.TrailingResourceAverage(ctx, cfg.Energy.TrailingSamples)
	if err != nil {
		e.log.WithError(err).Warn("trailing energy average unavailable")
	}
	if ok && avg > 0 {
		return avg
	}
	return cfg.Energy.PerTransfer
}

// Run performs one sweep pass; scheduled and manual runs share it.
func (e *SweepEngine) Run(ctx context.Context) (*SweepReport, error) {
	if !e.running.TryLock() {
		return nil, ErrSweepRunning
	}
	defer e.running.Unlock()

	cfg := e.cfg.Get()
	report := &SweepReport{RunID: uuid.NewString()}
	entry := e.log.WithField("run_id", report.RunID)
	estimate := e.estimatePerTransfer(ctx, cfg)

	res, err := e.chain.AccountResource(ctx, e.custody.Address)
	if err != nil {
		return nil, fmt.Errorf("custody resources: %w", err)
	}
	budget := res.AvailableEnergy()
	metrics.SweepBudget.Set(float64(budget))

	if budget < cfg.Energy.WorkingThreshold {
		want := estimate*int64(cfg.Sweep.BatchSize) - budget
		if want > 0 {
			lease, err := e.energy.Lease(ctx, e.custody.Address, want, report.RunID)
			switch {
			case err == nil:
				budget += lease.Energy
				report.Leased = lease.Energy
			case errors.Is(err, ErrNoEnergyProvider):
				e.notify.alert(ctx, events.TopicAlertEnergyExhausted, "no energy provider can cover the sweep batch",
					logrus.Fields{"run_id": report.RunID, "requested": want, "budget": budget})
			default:
				entry.WithError(err).Warn("energy lease for sweep failed")
			}
		}
		defer func() {
			if err := e.energy.Reclaim(context.WithoutCancel(ctx), report.RunID); err != nil {
				entry.WithError(err).Error("energy reclaim after sweep failed")
			}
		}()
	}
	report.Budget = budget

	entry.WithFields(logrus.Fields{"budget": budget, "estimate": estimate}).Info("🧹 Sweep run starting")
	err = e.iterate(ctx, cfg, report, budget, estimate)
	entry.WithFields(logrus.Fields{
		"examined":          report.Examined,
		"completed":         report.Completed,
		"submitted":         report.Submitted,
		"failed":            report.Failed,
		"stopped_on_budget": report.StoppedOnBudget,
	}).Info("✅ Sweep run finished")
	return report, err
}

// iterate walks wallets after the persisted cursor. Every wallet looked at
// moves the cursor, except the one that found the budget exhausted.
func (e *SweepEngine) iterate(ctx context.Context, cfg *config.Config, report *SweepReport, budget, estimate int64) error {
	cursor, err := e.state.GetUint(ctx, repository.StateKeySweepCursor)
	if err != nil {
		return err
	}
	batch := cfg.Sweep.BatchSize
	attempted := 0

	for attempted < batch {
		page, err := e.wallets.ListAfterUserID(ctx, cursor, batch)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			// end of the wallet list; next run starts over
			return e.state.SetUint(ctx, repository.StateKeySweepCursor, 0)
		}

		balances := e.prefetchBalances(ctx, page, cfg.Sweep.Concurrency)
		for i := range page {
			wl := &page[i]
			if attempted >= batch || ctx.Err() != nil {
				return e.state.SetUint(ctx, repository.StateKeySweepCursor, cursor)
			}
			report.Examined++

			ok, why := e.eligible(ctx, cfg, wl, balances[wl.UserID])
			if !ok {
				e.log.WithFields(logrus.Fields{"user_id": wl.UserID, "reason": why}).Debug("wallet not eligible")
				cursor = wl.UserID
				continue
			}
			if budget < estimate {
				report.StoppedOnBudget = true
				e.log.WithFields(logrus.Fields{"budget": budget, "estimate": estimate, "user_id": wl.UserID}).
					Warn("⚠️ Energy budget exhausted, stopping sweep")
				return e.state.SetUint(ctx, repository.StateKeySweepCursor, cursor)
			}

			rec, err := e.collect(ctx, cfg, wl, balances[wl.UserID], report.RunID)
			attempted++
			cursor = wl.UserID
			used := estimate
			if rec != nil && rec.ResourceUsed > 0 {
				used = rec.ResourceUsed
			}
			budget -= used

			switch {
			case err != nil:
				report.Failed++
			case rec.Status == models.CollectionStatusSubmitted:
				report.Submitted++
			default:
				report.Completed++
			}
		}
		if err := e.state.SetUint(ctx, repository.StateKeySweepCursor, cursor); err != nil {
			return err
		}
	}
	return nil
}

func (e *SweepEngine) prefetchBalances(ctx context.Context, page []models.UserWallet, concurrency int) map[uint64]*big.Int {
	var mu sync.Mutex
	out := make(map[uint64]*big.Int, len(page))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for _, wl := range page {
		wl := wl
		g.Go(func() error {
			bal, err := e.chain.TokenBalance(gctx, wl.TronAddress)
			if err != nil {
				e.log.WithError(err).WithField("user_id", wl.UserID).Warn("balance lookup failed")
				return nil
			}
			mu.Lock()
			out[wl.UserID] = bal
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// eligible positive balance, nothing in flight, no retry task, and either
// idle for IdlePeriod or first funded longer ago than that.
func (e *SweepEngine) eligible(ctx context.Context, cfg *config.Config, wl *models.UserWallet, balance *big.Int) (bool, string) {
	if balance == nil {
		return false, "balance unknown"
	}
	if balance.Sign() <= 0 {
		return false, "empty"
	}
	if balance.Cmp(utils.ToBaseUnits(cfg.Sweep.MinAmount, cfg.Tron.TokenDecimals)) < 0 {
		return false, "below sweep minimum"
	}

	inFlight, err := e.collections.HasInFlight(ctx, wl.UserID)
	if err != nil || inFlight {
		return false, "sweep in flight"
	}
	retrying, err := e.collections.HasPendingRetry(ctx, wl.UserID)
	if err != nil || retrying {
		return false, "owned by retry queue"
	}

	first, last, err := e.deposits.ActivityWindow(ctx, wl.UserID)
	if err != nil {
		return false, "activity lookup failed"
	}
	if last == nil {
		return true, ""
	}
	cutoff := time.Now().Add(-cfg.Sweep.IdlePeriod)
	if last.Before(cutoff) || first.Before(cutoff) {
		return true, ""
	}
	return false, "recent deposit activity"
}

// collect sweeps exactly balance from wl. Failures are recorded on the
// collection row and scheduled for retry; the returned error is the cause.
func (e *SweepEngine) collect(ctx context.Context, cfg *config.Config, wl *models.UserWallet, balance *big.Int, runID string) (*models.CollectionRecord, error) {
	entry := e.log.WithFields(logrus.Fields{"user_id": wl.UserID, "run_id": runID})
	rec := &models.CollectionRecord{
		RunID:   runID,
		UserID:  wl.UserID,
		Address: wl.TronAddress,
		Amount:  utils.FromBaseUnits(balance, cfg.Tron.TokenDecimals),
		Status:  models.CollectionStatusProcessing,
	}
	if err := e.collections.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("record collection: %w", err)
	}

	fail := func(stage string, cause error) (*models.CollectionRecord, error) {
		reason := fmt.Sprintf("%s: %v", stage, cause)
		rec.Status = models.CollectionStatusFailed
		rec.ErrorReason = reason
		if err := e.collections.UpdateRecord(ctx, rec.ID, map[string]interface{}{
			"status":       rec.Status,
			"error_reason": reason,
		}); err != nil {
			entry.WithError(err).Error("failed to mark collection failed")
		}
		metrics.SweepCollections.WithLabelValues(string(rec.Status)).Inc()
		e.scheduleRetry(ctx, cfg, wl.UserID, reason)
		entry.WithError(cause).WithField("stage", stage).Warn("❌ Collection failed")
		return rec, cause
	}

	allowance, err := e.chain.Allowance(ctx, wl.TronAddress, e.custody.Address)
	if err != nil {
		return fail("allowance", err)
	}
	if allowance.Cmp(balance) < 0 {
		approveHash, err := e.approve(ctx, cfg, wl, rec.ID)
		if approveHash != "" {
			rec.ApproveTxHash = approveHash
			if uerr := e.collections.UpdateRecord(ctx, rec.ID, map[string]interface{}{"approve_tx_hash": approveHash}); uerr != nil {
				entry.WithError(uerr).WithField("approve_tx_hash", approveHash).Error("failed to store approval tx hash")
			}
		}
		if err != nil {
			return fail("approve", err)
		}
	}

	txHash, err := e.chain.TransferFrom(ctx, e.custody.Key, wl.TronAddress, e.custody.Address, balance)
	if err != nil {
		return fail("transferFrom", err)
	}
	rec.TxHash = txHash
	if err := e.collections.UpdateRecord(ctx, rec.ID, map[string]interface{}{"tx_hash": txHash}); err != nil {
		entry.WithError(err).WithField("tx_hash", txHash).Error("failed to store sweep tx hash")
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Tron.ConfirmTimeout)
	defer cancel()
	info, err := e.chain.WaitForReceipt(waitCtx, txHash, receiptPoll)
	if err != nil {
		// broadcast but unconfirmed; the retry processor reconciles it
		rec.Status = models.CollectionStatusSubmitted
		if uerr := e.collections.UpdateRecord(ctx, rec.ID, map[string]interface{}{"status": rec.Status}); uerr != nil {
			entry.WithError(uerr).Error("failed to mark collection submitted")
		}
		metrics.SweepCollections.WithLabelValues(string(rec.Status)).Inc()
		entry.WithField("tx_hash", txHash).Warn("sweep unconfirmed, left for reconciliation")
		return rec, nil
	}
	if !info.Succeeded() {
		return fail("transferFrom", fmt.Errorf("reverted: %s %s", info.Receipt.Result, info.ResMessage))
	}

	if err := e.complete(ctx, rec, info.EnergyUsed()); err != nil {
		return rec, err
	}
	entry.WithFields(logrus.Fields{
		"amount":  rec.Amount.String(),
		"tx_hash": txHash,
		"energy":  rec.ResourceUsed,
	}).Info("✅ Wallet swept")
	return rec, nil
}

// complete marks rec completed with the energy its receipt reports and
// clears the user's retry task.
func (e *SweepEngine) complete(ctx context.Context, rec *models.CollectionRecord, energyUsed int64) error {
	rec.Status = models.CollectionStatusCompleted
	rec.ResourceUsed = energyUsed
	if err := e.collections.UpdateRecord(ctx, rec.ID, map[string]interface{}{
		"status":        rec.Status,
		"resource_used": energyUsed,
		"error_reason":  "",
	}); err != nil {
		return fmt.Errorf("mark collection %d completed: %w", rec.ID, err)
	}
	metrics.SweepCollections.WithLabelValues(string(rec.Status)).Inc()
	if err := e.collections.DeleteRetryTask(ctx, rec.UserID); err != nil {
		return fmt.Errorf("clear retry task of user %d: %w", rec.UserID, err)
	}
	return nil
}

// approve has the user wallet grant custody an allowance, on energy leased
// to the user address under its own task id.
func (e *SweepEngine) approve(ctx context.Context, cfg *config.Config, wl *models.UserWallet, recordID uint64) (string, error) {
	key, err := e.walletSvc.SigningKey(wl)
	if err != nil {
		return "", err
	}

	taskID := fmt.Sprintf("approve:%d", recordID)
	if _, err := e.energy.Lease(ctx, wl.TronAddress, cfg.Energy.ApprovalEstimate, taskID); err != nil {
		if errors.Is(err, ErrNoEnergyProvider) {
			e.notify.alert(ctx, events.TopicAlertEnergyExhausted, "no energy provider can cover a sweep approval",
				logrus.Fields{"user_id": wl.UserID, "task_id": taskID})
		}
		return "", fmt.Errorf("lease approval energy: %w", err)
	}
	defer func() {
		if err := e.energy.Reclaim(context.WithoutCancel(ctx), taskID); err != nil {
			e.log.WithError(err).WithField("task_id", taskID).Error("approval energy reclaim failed")
		}
	}()

	txHash, err := e.chain.Approve(ctx, key, e.custody.Address, maxAllowance)
	if err != nil {
		return "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Tron.ConfirmTimeout)
	defer cancel()
	info, err := e.chain.WaitForReceipt(waitCtx, txHash, receiptPoll)
	if err != nil {
		return txHash, fmt.Errorf("approval unconfirmed: %w", err)
	}
	if !info.Succeeded() {
		return txHash, fmt.Errorf("approval reverted: %s %s", info.Receipt.Result, info.ResMessage)
	}
	return txHash, nil
}

// scheduleRetry creates or advances the user's retry task. Reaching the
// retry limit abandons it and raises an operator alert.
func (e *SweepEngine) scheduleRetry(ctx context.Context, cfg *config.Config, userID uint64, reason string) {
	task, err := e.collections.GetRetryTask(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		task = &models.RetryTask{UserID: userID, MaxRetries: cfg.Retry.MaxRetries}
	} else if err != nil {
		e.log.WithError(err).WithField("user_id", userID).Error("retry task lookup failed")
		return
	}

	task.RecordFailure(reason, time.Now())
	if err := e.collections.SaveRetryTask(ctx, task); err != nil {
		e.log.WithError(err).WithField("user_id", userID).Error("failed to save retry task")
		return
	}

	if task.Status == models.RetryTaskStatusAbandoned {
		e.notify.alert(ctx, events.TopicAlertRetryAbandoned, "sweep retries exhausted, wallet needs manual collection",
			logrus.Fields{"user_id": userID, "retry_count": task.RetryCount, "reason": reason})
		return
	}
	e.log.WithFields(logrus.Fields{
		"user_id":       userID,
		"retry_count":   task.RetryCount,
		"next_retry_at": task.NextRetryAt,
	}).Info("🔁 Sweep retry scheduled")
}

// SweepUser sweeps one wallet outside the scheduled pass. Used by the
// retry processor; nothing on chain means nothing left to retry.
func (e *SweepEngine) SweepUser(ctx context.Context, userID uint64) (*models.CollectionRecord, error) {
	if !e.running.TryLock() {
		return nil, ErrSweepRunning
	}
	defer e.running.Unlock()

	cfg := e.cfg.Get()
	// failures before the collection starts still count against the
	// retry budget so a broken wallet ends up dead-lettered
	preflight := func(stage string, err error) (*models.CollectionRecord, error) {
		e.scheduleRetry(ctx, cfg, userID, fmt.Sprintf("%s: %v", stage, err))
		return nil, err
	}

	wl, err := e.wallets.GetByUserID(ctx, userID)
	if err != nil {
		return preflight("wallet", err)
	}
	balance, err := e.chain.TokenBalance(ctx, wl.TronAddress)
	if err != nil {
		return preflight("balance", fmt.Errorf("balance of %s: %w", wl.TronAddress, err))
	}
	if balance.Sign() <= 0 {
		return nil, e.collections.DeleteRetryTask(ctx, userID)
	}

	estimate := e.estimatePerTransfer(ctx, cfg)
	res, err := e.chain.AccountResource(ctx, e.custody.Address)
	if err != nil {
		return preflight("custody resources", fmt.Errorf("custody resources: %w", err))
	}
	if avail := res.AvailableEnergy(); avail < estimate {
		taskID := "retry:" + uuid.NewString()
		if _, err := e.energy.Lease(ctx, e.custody.Address, estimate-avail, taskID); err != nil {
			if errors.Is(err, ErrNoEnergyProvider) {
				// exhaustion defers the retry without spending an attempt
				return nil, err
			}
			return preflight("lease", err)
		}
		defer func() {
			if err := e.energy.Reclaim(context.WithoutCancel(ctx), taskID); err != nil {
				e.log.WithError(err).WithField("task_id", taskID).Error("energy reclaim after retry failed")
			}
		}()
	}

	return e.collect(ctx, cfg, wl, balance, "retry")
}

// Reconcile settles a submitted collection from its receipt. A transaction
// still unknown after expireAfter never made it into a block and counts as
// failed. Returns false while the outcome is still open.
func (e *SweepEngine) Reconcile(ctx context.Context, rec *models.CollectionRecord, expireAfter time.Duration) (bool, error) {
	var reason string
	info, err := e.chain.TransactionInfo(ctx, rec.TxHash)
	switch {
	case errors.Is(err, clients.ErrTxNotFound):
		if time.Since(rec.UpdatedAt) < expireAfter {
			return false, nil
		}
		reason = "transferFrom never confirmed"
	case err != nil:
		return false, err
	case info.Succeeded():
		return true, e.complete(ctx, rec, info.EnergyUsed())
	default:
		reason = fmt.Sprintf("transferFrom reverted: %s %s", info.Receipt.Result, info.ResMessage)
	}

	if err := e.collections.UpdateRecord(ctx, rec.ID, map[string]interface{}{
		"status":       models.CollectionStatusFailed,
		"error_reason": reason,
	}); err != nil {
		return true, err
	}
	metrics.SweepCollections.WithLabelValues(string(models.CollectionStatusFailed)).Inc()
	e.scheduleRetry(ctx, e.cfg.Get(), rec.UserID, reason)
	return true, nil
}
