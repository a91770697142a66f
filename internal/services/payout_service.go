package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"settlement-backend/internal/clients"
	"settlement-backend/internal/config"
	"settlement-backend/internal/events"
	"settlement-backend/internal/hdwallet"
	"settlement-backend/internal/metrics"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
	"settlement-backend/internal/utils"
)

// unconfirmedGrace how long a stored payout hash may stay unknown to the
// node before the send is treated as dropped.
const unconfirmedGrace = 10 * time.Minute

// PayoutRequest a user's cash-out
type PayoutRequest struct {
	UserID   uint64
	Amount   decimal.Decimal
	Address  string
	Password string
	OTP      string
}

// PayoutEngine sends withdrawals from the custody wallet.
//
// The ledger debit happens when the withdrawal is created. A failed send
// puts the withdrawal back to pending without refunding; only Reject
// returns the funds.
type PayoutEngine struct {
	db          *gorm.DB
	chain       TronChain
	ledger      repository.LedgerRepository
	withdrawals repository.WithdrawalRepository
	custody     Custody
	monitor     *CustodyMonitor
	cfg         *config.Store
	notify      notifier
	log         *logrus.Entry

	inflight sync.WaitGroup
}

// NewPayoutEngine monitor may be nil.
func NewPayoutEngine(
	db *gorm.DB,
	chain TronChain,
	ledger repository.LedgerRepository,
	withdrawals repository.WithdrawalRepository,
	custody Custody,
	monitor *CustodyMonitor,
	cfg *config.Store,
	pub events.Publisher,
	log *logrus.Logger,
) *PayoutEngine {
	entry := log.WithField("component", "payout_engine")
	return &PayoutEngine{
		db:          db,
		chain:       chain,
		ledger:      ledger,
		withdrawals: withdrawals,
		custody:     custody,
		monitor:     monitor,
		cfg:         cfg,
		notify:      notifier{pub: pub, log: entry},
		log:         entry,
	}
}

// RequestPayout debits the user and records the withdrawal. Small amounts
// with a ready custody wallet are sent in the background after return.
func (p *PayoutEngine) RequestPayout(ctx context.Context, req PayoutRequest) (*models.Withdrawal, error) {
	if !hdwallet.IsValidTronAddress(req.Address) {
		return nil, ErrInvalidAddress
	}
	if !req.Amount.IsPositive() {
		return nil, repository.ErrInvalidAmount
	}
	amount := req.Amount.Truncate(6)

	cfg := p.cfg.Get()
	auto := amount.LessThanOrEqual(cfg.Payout.AutoThreshold) && p.custodyReady(ctx, amount)

	w := &models.Withdrawal{
		UserID:       req.UserID,
		Address:      req.Address,
		Asset:        models.AssetUSDT,
		Amount:       amount,
		Status:       models.WithdrawalStatusPending,
		AutoApproved: auto,
	}
	if auto {
		w.Status = models.WithdrawalStatusProcessing
	}

	var entry *models.LedgerEntry
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := p.ledger.WithTx(tx)
		acct, err := ledger.LockAccount(ctx, req.UserID, models.AssetUSDT)
		if err != nil {
			return err
		}
		if cfg.Payout.RequireCredential {
			if err := verifyCredential(ctx, ledger, req); err != nil {
				return err
			}
		}
		if err := p.withdrawals.WithTx(tx).Create(ctx, w); err != nil {
			return err
		}
		entry, err = ledger.Debit(ctx, acct, amount, repository.EntryRef{
			Reason:  models.EntryReasonWithdrawal,
			RefType: "withdrawal",
			RefID:   strconv.FormatUint(w.ID, 10),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.Withdrawals.WithLabelValues(string(w.Status)).Inc()
	p.log.WithFields(logrus.Fields{
		"withdrawal_id": w.ID,
		"user_id":       w.UserID,
		"amount":        amount.String(),
		"auto":          auto,
	}).Info("Withdrawal requested")

	p.notify.balanceChanged(ctx, entry, models.AssetUSDT)
	p.published(ctx, w, "")

	if auto {
		p.dispatch(w.ID)
	}
	return w, nil
}

func verifyCredential(ctx context.Context, ledger repository.LedgerRepository, req PayoutRequest) error {
	cred, err := ledger.GetCredential(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidCredential
		}
		return err
	}
	if cred.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(req.Password)) != nil {
		return ErrInvalidCredential
	}
	if cred.TOTPSecret != "" && !totp.Validate(req.OTP, cred.TOTPSecret) {
		return ErrInvalidCredential
	}
	return nil
}

// custodyReady token balance covers amount and the wallet can pay for the
// transfer with energy or burned TRX. Lookup errors count as not ready.
func (p *PayoutEngine) custodyReady(ctx context.Context, amount decimal.Decimal) bool {
	cfg := p.cfg.Get()

	tokens, err := p.chain.TokenBalance(ctx, p.custody.Address)
	if err != nil {
		p.log.WithError(err).Warn("custody balance lookup failed")
		return false
	}
	if utils.FromBaseUnits(tokens, cfg.Tron.TokenDecimals).LessThan(amount) {
		return false
	}

	res, err := p.chain.AccountResource(ctx, p.custody.Address)
	if err == nil && res.AvailableEnergy() >= cfg.Energy.PerTransfer {
		return true
	}
	sun, err := p.chain.TRXBalance(ctx, p.custody.Address)
	if err != nil {
		return false
	}
	return sun >= cfg.Tron.FeeLimit
}

// dispatch sends in the background, detached from the request context.
func (p *PayoutEngine) dispatch(id uint64) {
	timeout := p.cfg.Get().Payout.SendTimeout
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := p.Execute(ctx, id); err != nil {
			p.log.WithError(err).WithField("withdrawal_id", id).Warn("⚠️ Payout send failed")
		}
	}()
}

// Wait blocks until background sends finish.
func (p *PayoutEngine) Wait() {
	p.inflight.Wait()
}

// Execute sends a processing withdrawal. A stored hash is reconciled against
// the chain first so a landed transfer is never sent twice.
func (p *PayoutEngine) Execute(ctx context.Context, id uint64) (*models.Withdrawal, error) {
	w, err := p.withdrawals.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	if w.Status != models.WithdrawalStatusProcessing {
		return w, ErrWithdrawalState
	}
	defer p.checkCustody(ctx)

	if w.TxHash != "" {
		done, err := p.reconcile(ctx, w)
		if err != nil || done {
			return p.reload(ctx, w, err)
		}
	}

	cfg := p.cfg.Get()
	units := utils.ToBaseUnits(w.Amount, cfg.Tron.TokenDecimals)

	tokens, err := p.chain.TokenBalance(ctx, p.custody.Address)
	if err != nil {
		return p.revert(ctx, w, "custody balance unavailable: "+err.Error(), false)
	}
	if tokens.Cmp(units) < 0 {
		return p.revert(ctx, w, ErrCustodyNotReady.Error(), false)
	}

	tx, err := p.chain.PrepareTransfer(ctx, p.custody.Key, w.Address, units)
	if err != nil {
		return p.revert(ctx, w, "build transfer: "+err.Error(), false)
	}

	// the hash is on the row before anything leaves the process
	err = p.withdrawals.Transition(ctx, w.ID, models.WithdrawalStatusProcessing, map[string]interface{}{
		"tx_hash":  tx.TxID,
		"sent_at":  time.Now(),
		"attempts": w.Attempts + 1,
	})
	if err != nil {
		return p.reload(ctx, w, err)
	}
	w.TxHash = tx.TxID

	if _, err := p.chain.Broadcast(ctx, tx); err != nil {
		if errors.Is(err, clients.ErrUnknownOutcome) {
			return p.revert(ctx, w, "broadcast outcome unknown", true)
		}
		return p.revert(ctx, w, "broadcast: "+err.Error(), false)
	}
	metrics.ChainBroadcasts.WithLabelValues("payout").Inc()

	confirmCtx, cancel := context.WithTimeout(ctx, cfg.Tron.ConfirmTimeout)
	defer cancel()
	info, err := p.chain.WaitForReceipt(confirmCtx, tx.TxID, receiptPoll)
	switch {
	case err != nil:
		return p.revert(ctx, w, "confirmation timed out", true)
	case !info.Succeeded():
		return p.revert(ctx, w, "transfer reverted: "+info.Receipt.Result, false)
	}
	return p.complete(ctx, w)
}

// sendSettling a stored hash the node does not know yet may still be
// propagating until unconfirmedGrace has passed since the broadcast.
func sendSettling(w *models.Withdrawal) bool {
	return w.SentAt != nil && time.Since(*w.SentAt) < unconfirmedGrace
}

// reconcile settles a withdrawal whose hash was stored by an earlier
// attempt. done reports whether the withdrawal left processing.
func (p *PayoutEngine) reconcile(ctx context.Context, w *models.Withdrawal) (bool, error) {
	info, err := p.chain.TransactionInfo(ctx, w.TxHash)
	switch {
	case errors.Is(err, clients.ErrTxNotFound):
		if sendSettling(w) {
			_, err := p.revert(ctx, w, "previous send not yet visible", true)
			return true, err
		}
		// dropped; a fresh send is safe
		return false, nil
	case err != nil:
		return true, err
	case info.Succeeded():
		_, err := p.complete(ctx, w)
		return true, err
	default:
		return false, nil
	}
}

func (p *PayoutEngine) complete(ctx context.Context, w *models.Withdrawal) (*models.Withdrawal, error) {
	now := time.Now()
	err := p.withdrawals.Transition(ctx, w.ID, models.WithdrawalStatusProcessing, map[string]interface{}{
		"status":         models.WithdrawalStatusCompleted,
		"completed_at":   now,
		"failure_reason": "",
	})
	if err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			p.notify.inconsistency(ctx, "payout landed on-chain but withdrawal left processing", logrus.Fields{
				"withdrawal_id": w.ID,
				"tx_hash":       w.TxHash,
			})
		}
		return w, err
	}
	w.Status = models.WithdrawalStatusCompleted
	w.CompletedAt = &now

	metrics.Withdrawals.WithLabelValues(string(w.Status)).Inc()
	p.log.WithFields(logrus.Fields{
		"withdrawal_id": w.ID,
		"tx_hash":       w.TxHash,
	}).Info("✅ Payout completed")
	p.published(ctx, w, "")
	return w, nil
}

// revert puts the withdrawal back to pending for an operator. keepHash
// holds on to a hash whose outcome is not known yet.
func (p *PayoutEngine) revert(ctx context.Context, w *models.Withdrawal, reason string, keepHash bool) (*models.Withdrawal, error) {
	updates := map[string]interface{}{
		"status":         models.WithdrawalStatusPending,
		"failure_reason": reason,
	}
	if !keepHash {
		updates["tx_hash"] = ""
		w.TxHash = ""
	}
	if err := p.withdrawals.Transition(ctx, w.ID, models.WithdrawalStatusProcessing, updates); err != nil {
		return w, err
	}
	w.Status = models.WithdrawalStatusPending
	w.FailureReason = reason

	metrics.Withdrawals.WithLabelValues("reverted").Inc()
	p.log.WithFields(logrus.Fields{
		"withdrawal_id": w.ID,
		"reason":        reason,
		"tx_hash":       w.TxHash,
	}).Warn("⚠️ Payout reverted to pending")
	p.published(ctx, w, reason)
	return w, fmt.Errorf("withdrawal %d: %s", w.ID, reason)
}

func (p *PayoutEngine) reload(ctx context.Context, w *models.Withdrawal, cause error) (*models.Withdrawal, error) {
	fresh, err := p.withdrawals.GetByID(ctx, w.ID)
	if err != nil {
		return w, errors.Join(cause, err)
	}
	return fresh, cause
}

// Approve moves a pending withdrawal to processing and sends it.
func (p *PayoutEngine) Approve(ctx context.Context, id, reviewerID uint64) (*models.Withdrawal, error) {
	err := p.withdrawals.Transition(ctx, id, models.WithdrawalStatusPending, map[string]interface{}{
		"status":      models.WithdrawalStatusProcessing,
		"reviewer_id": reviewerID,
	})
	if err != nil {
		return nil, p.stateError(ctx, id, err)
	}
	w, err := p.withdrawals.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"withdrawal_id": id,
		"reviewer_id":   reviewerID,
	}).Info("Withdrawal approved")
	p.published(ctx, w, "")
	p.dispatch(id)
	return w, nil
}

// Reject refunds a pending withdrawal. A stored hash that turns out to have
// landed completes the withdrawal instead, and one still inside the
// unconfirmed grace window blocks the refund with ErrSendOutcomePending.
func (p *PayoutEngine) Reject(ctx context.Context, id, reviewerID uint64, reason string) (*models.Withdrawal, error) {
	w, err := p.withdrawals.GetByID(ctx, id)
	if err != nil {
		return nil, p.stateError(ctx, id, err)
	}
	if w.Status != models.WithdrawalStatusPending {
		return w, ErrWithdrawalState
	}

	if w.TxHash != "" {
		info, err := p.chain.TransactionInfo(ctx, w.TxHash)
		switch {
		case errors.Is(err, clients.ErrTxNotFound):
			if sendSettling(w) {
				return w, ErrSendOutcomePending
			}
		case err != nil:
			return w, fmt.Errorf("check previous send: %w", err)
		case info.Succeeded():
			if err := p.withdrawals.Transition(ctx, id, models.WithdrawalStatusPending, map[string]interface{}{
				"status": models.WithdrawalStatusProcessing,
			}); err != nil {
				return nil, p.stateError(ctx, id, err)
			}
			w.Status = models.WithdrawalStatusProcessing
			return p.complete(ctx, w)
		}
	}

	var entry *models.LedgerEntry
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.withdrawals.WithTx(tx).Transition(ctx, id, models.WithdrawalStatusPending, map[string]interface{}{
			"status":        models.WithdrawalStatusRejected,
			"reviewer_id":   reviewerID,
			"reject_reason": reason,
		}); err != nil {
			return err
		}
		ledger := p.ledger.WithTx(tx)
		acct, err := ledger.LockAccount(ctx, w.UserID, w.Asset)
		if err != nil {
			return err
		}
		entry, err = ledger.Credit(ctx, acct, w.Amount, repository.EntryRef{
			Reason:  models.EntryReasonWithdrawRefund,
			RefType: "withdrawal",
			RefID:   strconv.FormatUint(id, 10),
		})
		return err
	})
	if err != nil {
		return nil, p.stateError(ctx, id, err)
	}
	w.Status = models.WithdrawalStatusRejected
	w.ReviewerID = &reviewerID
	w.RejectReason = reason

	metrics.Withdrawals.WithLabelValues(string(w.Status)).Inc()
	p.log.WithFields(logrus.Fields{
		"withdrawal_id": id,
		"reviewer_id":   reviewerID,
		"reason":        reason,
	}).Info("Withdrawal rejected and refunded")
	p.notify.balanceChanged(ctx, entry, w.Asset)
	p.published(ctx, w, reason)
	return w, nil
}

func (p *PayoutEngine) stateError(ctx context.Context, id uint64, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrWithdrawalNotFound
	case errors.Is(err, repository.ErrStaleState):
		if _, getErr := p.withdrawals.GetByID(ctx, id); errors.Is(getErr, repository.ErrNotFound) {
			return ErrWithdrawalNotFound
		}
		return ErrWithdrawalState
	}
	return err
}

func (p *PayoutEngine) published(ctx context.Context, w *models.Withdrawal, reason string) {
	p.notify.publish(ctx, events.TopicWithdrawalUpdated, events.WithdrawalUpdated{
		UserID:       w.UserID,
		WithdrawalID: w.ID,
		Status:       string(w.Status),
		Amount:       w.Amount,
		TxHash:       w.TxHash,
		Reason:       reason,
	})
}

func (p *PayoutEngine) checkCustody(ctx context.Context) {
	if p.monitor == nil {
		return
	}
	if _, err := p.monitor.Check(ctx); err != nil {
		p.log.WithError(err).Debug("custody check after payout failed")
	}
}
