package services

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"settlement-backend/internal/clients"
	"settlement-backend/internal/config"
	"settlement-backend/internal/events"
	"settlement-backend/internal/metrics"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
)

// triggerAmountSun value of the entropy transaction
const triggerAmountSun = 1

var pendingStates = []models.WagerStatus{models.WagerStatusPending, models.WagerStatusPendingOnchainFailure}

// WagerRequest a new stake from a user
type WagerRequest struct {
	UserID uint64
	Mode   models.GameMode
	Choice models.WagerChoice
	Amount decimal.Decimal
}

type settleTask struct {
	wagerID uint64
	resp    chan settleResult
}

type settleResult struct {
	wager *models.Wager
	err   error
}

// SettlementQueue settles wagers one at a time. The stake is debited in the
// caller's goroutine; the on-chain trigger and the settlement transaction
// run on a single consumer so only one trigger is ever in flight.
//
// The single consumer is process wide. Per-user ordering would be enough
// for correctness and is the obvious place to shard if throughput matters.
type SettlementQueue struct {
	db      *gorm.DB
	chain   TronChain
	ledger  repository.LedgerRepository
	wagers  repository.WagerRepository
	trigger *ecdsa.PrivateKey
	sink    string
	cfg     *config.Store
	notify  notifier
	log     *logrus.Entry

	tasks    chan settleTask
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSettlementQueue(
	db *gorm.DB,
	chain TronChain,
	ledger repository.LedgerRepository,
	wagers repository.WagerRepository,
	triggerKey *ecdsa.PrivateKey,
	entropySink string,
	cfg *config.Store,
	pub events.Publisher,
	log *logrus.Logger,
) *SettlementQueue {
	entry := log.WithField("component", "settlement_queue")
	return &SettlementQueue{
		db:       db,
		chain:    chain,
		ledger:   ledger,
		wagers:   wagers,
		trigger:  triggerKey,
		sink:     entropySink,
		cfg:      cfg,
		notify:   notifier{pub: pub, log: entry},
		log:      entry,
		tasks:    make(chan settleTask, cfg.Get().Settlement.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// Start launches the consumer.
func (q *SettlementQueue) Start(ctx context.Context) {
	q.log.Info("🚀 Settlement queue starting")
	q.wg.Add(1)
	go q.consume(ctx)
}

// Stop halts the consumer after the task in hand. Wagers still queued stay
// pending and are picked up by recovery.
func (q *SettlementQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stopChan) })
	q.wg.Wait()
}

func (q *SettlementQueue) consume(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case task := <-q.tasks:
			metrics.SettlementQueueDepth.Set(float64(len(q.tasks)))
			started := time.Now()
			w, err := q.process(ctx, task.wagerID)
			metrics.SettlementDuration.Observe(time.Since(started).Seconds())
			task.resp <- settleResult{wager: w, err: err}
		case <-q.stopChan:
			q.log.Info("🛑 Settlement queue stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// PlaceWager debits the stake, records the wager and waits for it to settle.
// If ctx ends first the wager keeps settling in the background and the
// pending wager is returned with ctx's error.
func (q *SettlementQueue) PlaceWager(ctx context.Context, req WagerRequest) (*models.Wager, error) {
	if err := q.validate(req); err != nil {
		return nil, err
	}

	w := &models.Wager{
		PublicID: uuid.NewString(),
		UserID:   req.UserID,
		Mode:     req.Mode,
		Choice:   req.Choice,
		Amount:   req.Amount,
		Status:   models.WagerStatusPending,
	}
	var entry *models.LedgerEntry
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := q.ledger.WithTx(tx)
		acct, err := ledger.LockAccount(ctx, req.UserID, models.AssetUSDT)
		if err != nil {
			return err
		}
		entry, err = ledger.Debit(ctx, acct, req.Amount, repository.EntryRef{
			Reason:  models.EntryReasonWagerStake,
			RefType: "wager",
			RefID:   w.PublicID,
		})
		if err != nil {
			return err
		}
		return q.wagers.WithTx(tx).Create(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	q.notify.balanceChanged(ctx, entry, models.AssetUSDT)
	q.log.WithFields(logrus.Fields{
		"wager_id": w.PublicID,
		"user_id":  w.UserID,
		"amount":   w.Amount.String(),
		"choice":   w.Choice,
	}).Info("🎲 Wager accepted")

	return q.Submit(ctx, w)
}

func (q *SettlementQueue) validate(req WagerRequest) error {
	if !req.Choice.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidChoice, req.Choice)
	}
	if req.Mode != models.GameModeClassic && req.Mode != models.GameModeStreak {
		return fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	sc := q.cfg.Get().Settlement
	if !req.Amount.IsPositive() ||
		(sc.MinStake.IsPositive() && req.Amount.LessThan(sc.MinStake)) ||
		(sc.MaxStake.IsPositive() && req.Amount.GreaterThan(sc.MaxStake)) {
		return fmt.Errorf("%w: %s", ErrInvalidStake, req.Amount)
	}
	return nil
}

// Submit queues an already debited wager and waits for its result. Used for
// new wagers and by recovery.
func (q *SettlementQueue) Submit(ctx context.Context, w *models.Wager) (*models.Wager, error) {
	task := settleTask{wagerID: w.ID, resp: make(chan settleResult, 1)}

	select {
	case <-q.stopChan:
		q.parkUnqueued(ctx, w, ErrQueueStopped.Error())
		return w, ErrQueueStopped
	default:
	}

	select {
	case q.tasks <- task:
		metrics.SettlementQueueDepth.Set(float64(len(q.tasks)))
	case <-q.stopChan:
		q.parkUnqueued(ctx, w, ErrQueueStopped.Error())
		return w, ErrQueueStopped
	case <-ctx.Done():
		q.parkUnqueued(ctx, w, "not queued: "+ctx.Err().Error())
		return w, ctx.Err()
	}

	select {
	case res := <-task.resp:
		return res.wager, res.err
	case <-q.stopChan:
		// still pending; recovery picks it up once stale
		return w, ErrQueueStopped
	case <-ctx.Done():
		return w, ctx.Err()
	}
}

// parkUnqueued parks a wager that never reached the consumer for recovery.
func (q *SettlementQueue) parkUnqueued(ctx context.Context, w *models.Wager, reason string) {
	err := q.wagers.Transition(context.WithoutCancel(ctx), w.ID, []models.WagerStatus{models.WagerStatusPending}, map[string]interface{}{
		"status":         models.WagerStatusPendingOnchainFailure,
		"failure_reason": reason,
	})
	if err != nil && !errors.Is(err, repository.ErrStaleState) {
		q.log.WithError(err).WithField("wager_id", w.PublicID).Error("failed to park wager")
		return
	}
	w.Status = models.WagerStatusPendingOnchainFailure
	w.FailureReason = reason
}

// process runs on the consumer goroutine only.
func (q *SettlementQueue) process(ctx context.Context, wagerID uint64) (*models.Wager, error) {
	w, err := q.wagers.GetByID(ctx, wagerID)
	if err != nil {
		return nil, err
	}
	if w.Status.IsTerminal() {
		return w, nil
	}
	entry := q.log.WithFields(logrus.Fields{"wager_id": w.PublicID, "user_id": w.UserID})

	if w.TxHash == "" {
		txHash, err := q.chain.SendTRX(ctx, q.trigger, q.sink, triggerAmountSun, "wager:"+w.PublicID)
		if err != nil {
			if errors.Is(err, clients.ErrResourceExhausted) || errors.Is(err, clients.ErrUnknownOutcome) {
				entry.WithError(err).Warn("⚠️ Trigger deferred")
				return q.park(ctx, w, err.Error())
			}
			entry.WithError(err).Warn("trigger failed, refunding")
			return q.Refund(ctx, w, "trigger failed: "+err.Error())
		}
		if err := q.wagers.SetTxHash(ctx, w.ID, txHash); err != nil {
			if errors.Is(err, repository.ErrStaleState) {
				// another worker triggered first; settle against its hash
				return q.reloadAndSettle(ctx, w.ID)
			}
			q.notify.inconsistency(ctx, "trigger broadcast but hash not stored",
				logrus.Fields{"wager_id": w.PublicID, "tx_hash": txHash, "error": err.Error()})
			return w, err
		}
		w.TxHash = txHash
	}

	return q.settle(ctx, w)
}

func (q *SettlementQueue) reloadAndSettle(ctx context.Context, id uint64) (*models.Wager, error) {
	w, err := q.wagers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status.IsTerminal() || w.TxHash == "" {
		return w, nil
	}
	return q.settle(ctx, w)
}

func (q *SettlementQueue) park(ctx context.Context, w *models.Wager, reason string) (*models.Wager, error) {
	err := q.wagers.Transition(ctx, w.ID, pendingStates, map[string]interface{}{
		"status":         models.WagerStatusPendingOnchainFailure,
		"failure_reason": reason,
	})
	if err != nil {
		return w, err
	}
	w.Status = models.WagerStatusPendingOnchainFailure
	w.FailureReason = reason
	metrics.WagersSettled.WithLabelValues(string(w.Status)).Inc()
	return w, nil
}

// OutcomeDigit last decimal digit of the trigger hash. A hash without any
// decimal digit falls back to its last nibble mod 10.
func OutcomeDigit(txHash string) int {
	for i := len(txHash) - 1; i >= 0; i-- {
		if c := txHash[i]; c >= '0' && c <= '9' {
			return int(c - '0')
		}
	}
	if txHash == "" {
		return 0
	}
	c := txHash[len(txHash)-1] | 0x20
	return int(c-'a'+10) % 10
}

// Wins big is 5-9, small 0-4, odd and even by parity.
func Wins(choice models.WagerChoice, digit int) bool {
	switch choice {
	case models.ChoiceBig:
		return digit >= 5
	case models.ChoiceSmall:
		return digit <= 4
	case models.ChoiceOdd:
		return digit%2 == 1
	case models.ChoiceEven:
		return digit%2 == 0
	}
	return false
}

// Multiplier classic pays the base multiplier; streak mode indexes the
// table by wins in a row, capped at its last entry.
func Multiplier(sc config.SettlementConfig, mode models.GameMode, streak int) decimal.Decimal {
	if mode != models.GameModeStreak || len(sc.StreakMultipliers) == 0 {
		return sc.BaseMultiplier
	}
	return sc.StreakMultipliers[min(streak, len(sc.StreakMultipliers)-1)]
}

// LevelFor number of thresholds the wagered volume has reached.
func LevelFor(thresholds []decimal.Decimal, wagered decimal.Decimal) int {
	level := 0
	for _, t := range thresholds {
		if wagered.GreaterThanOrEqual(t) {
			level++
		}
	}
	return level
}

// settle status change, payout credit and stats update commit together.
func (q *SettlementQueue) settle(ctx context.Context, w *models.Wager) (*models.Wager, error) {
	sc := q.cfg.Get().Settlement
	digit := OutcomeDigit(w.TxHash)
	won := Wins(w.Choice, digit)

	var entry *models.LedgerEntry
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wagers := q.wagers.WithTx(tx)
		stats, err := wagers.LockStats(ctx, w.UserID)
		if err != nil {
			return err
		}

		multiplier := Multiplier(sc, w.Mode, stats.CurrentStreak)
		payout := decimal.Zero
		status := models.WagerStatusLost
		if won {
			payout = w.Amount.Mul(multiplier).Round(6)
			status = models.WagerStatusWon
		}
		now := time.Now()
		if err := wagers.Transition(ctx, w.ID, pendingStates, map[string]interface{}{
			"status":            status,
			"payout_multiplier": multiplier,
			"payout":            payout,
			"outcome_digit":     digit,
			"failure_reason":    "",
			"settled_at":        &now,
		}); err != nil {
			return err
		}

		if won {
			ledger := q.ledger.WithTx(tx)
			acct, err := ledger.LockAccount(ctx, w.UserID, models.AssetUSDT)
			if err != nil {
				return err
			}
			entry, err = ledger.Credit(ctx, acct, payout, repository.EntryRef{
				Reason:  models.EntryReasonWagerPayout,
				RefType: "wager",
				RefID:   w.PublicID,
			})
			if err != nil {
				return err
			}
		}

		stats.TotalWagered = stats.TotalWagered.Add(w.Amount)
		stats.WagerCount++
		if won {
			stats.WinCount++
			stats.TotalWon = stats.TotalWon.Add(payout)
			stats.CurrentStreak++
			stats.BestStreak = max(stats.BestStreak, stats.CurrentStreak)
		} else {
			stats.CurrentStreak = 0
		}
		stats.Level = LevelFor(sc.LevelThresholds, stats.TotalWagered)
		if err := wagers.SaveStats(ctx, stats); err != nil {
			return err
		}

		w.Status = status
		w.PayoutMultiplier = multiplier
		w.Payout = payout
		w.OutcomeDigit = &digit
		w.FailureReason = ""
		w.SettledAt = &now
		return nil
	})
	if errors.Is(err, repository.ErrStaleState) {
		q.log.WithField("wager_id", w.PublicID).Warn("wager already settled elsewhere")
		return q.wagers.GetByID(ctx, w.ID)
	}
	if err != nil {
		return w, fmt.Errorf("settle wager %s: %w", w.PublicID, err)
	}

	metrics.WagersSettled.WithLabelValues(string(w.Status)).Inc()
	q.log.WithFields(logrus.Fields{
		"wager_id": w.PublicID,
		"status":   w.Status,
		"digit":    digit,
		"payout":   w.Payout.String(),
		"tx_hash":  w.TxHash,
	}).Info("🏁 Wager settled")
	q.publishSettled(ctx, w)
	q.notify.balanceChanged(ctx, entry, models.AssetUSDT)
	return w, nil
}

// Refund returns the stake of a wager that cannot be settled.
func (q *SettlementQueue) Refund(ctx context.Context, w *models.Wager, reason string) (*models.Wager, error) {
	var (
		entry     *models.LedgerEntry
		settledAt time.Time
	)
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		if err := q.wagers.WithTx(tx).Transition(ctx, w.ID, pendingStates, map[string]interface{}{
			"status":         models.WagerStatusRefunded,
			"failure_reason": reason,
			"settled_at":     &now,
		}); err != nil {
			return err
		}
		ledger := q.ledger.WithTx(tx)
		acct, err := ledger.LockAccount(ctx, w.UserID, models.AssetUSDT)
		if err != nil {
			return err
		}
		entry, err = ledger.Credit(ctx, acct, w.Amount, repository.EntryRef{
			Reason:  models.EntryReasonWagerRefund,
			RefType: "wager",
			RefID:   w.PublicID,
		})
		settledAt = now
		return err
	})
	if errors.Is(err, repository.ErrStaleState) {
		return q.wagers.GetByID(ctx, w.ID)
	}
	if err != nil {
		return w, fmt.Errorf("refund wager %s: %w", w.PublicID, err)
	}
	w.Status = models.WagerStatusRefunded
	w.FailureReason = reason
	w.SettledAt = &settledAt

	metrics.WagersSettled.WithLabelValues(string(w.Status)).Inc()
	q.log.WithFields(logrus.Fields{"wager_id": w.PublicID, "reason": reason}).Info("↩️ Wager refunded")
	q.publishSettled(ctx, w)
	q.notify.balanceChanged(ctx, entry, models.AssetUSDT)
	return w, nil
}

func (q *SettlementQueue) publishSettled(ctx context.Context, w *models.Wager) {
	q.notify.publish(ctx, events.TopicWagerSettled, events.WagerSettled{
		UserID:       w.UserID,
		WagerID:      w.PublicID,
		Status:       string(w.Status),
		Choice:       string(w.Choice),
		Amount:       w.Amount,
		Payout:       w.Payout,
		OutcomeDigit: w.OutcomeDigit,
		TxHash:       w.TxHash,
	})
}
