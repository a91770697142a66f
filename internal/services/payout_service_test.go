package services

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"settlement-backend/internal/clients"
	"settlement-backend/internal/events"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
	"settlement-backend/internal/testutil"
)

func (f *fixture) payoutEngine() *PayoutEngine {
	f.chain.setTokens(f.custody.Address, usdt("1000"))
	f.chain.setEnergy(f.custody.Address, 1_000_000)
	monitor := NewCustodyMonitor(f.db, f.chain, f.custody.Address, f.cfg, f.pub, testutil.Logger())
	return NewPayoutEngine(f.db, f.chain, f.ledger, f.withdrawals, f.custody, monitor, f.cfg, f.pub, testutil.Logger())
}

func (f *fixture) destination() string {
	_, addr := newKey(f.t)
	return addr
}

func (f *fixture) withdrawal(id uint64) *models.Withdrawal {
	f.t.Helper()
	w, err := f.withdrawals.GetByID(f.ctx, id)
	require.NoError(f.t, err)
	return w
}

func TestSmallPayoutIsSentAutomatically(t *testing.T) {
	f := newFixture(t)
	f.provision(1)
	f.fund(1, "50")
	engine := f.payoutEngine()
	dest := f.destination()

	w, err := engine.RequestPayout(f.ctx, PayoutRequest{UserID: 1, Amount: dec("5"), Address: dest})
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusProcessing, w.Status)
	assert.True(t, w.AutoApproved)
	assert.True(t, f.balance(1).Equal(dec("45")))

	engine.Wait()
	stored := f.withdrawal(w.ID)
	assert.Equal(t, models.WithdrawalStatusCompleted, stored.Status)
	assert.NotEmpty(t, stored.TxHash)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, usdt("5"), f.chain.tokenBalance(dest))
	assert.Equal(t, usdt("995"), f.chain.tokenBalance(f.custody.Address))
	assert.GreaterOrEqual(t, f.pub.count(events.TopicWithdrawalUpdated), 2)
}

func TestLargePayoutWaitsForApproval(t *testing.T) {
	f := newFixture(t)
	f.provision(1)
	f.fund(1, "600")
	engine := f.payoutEngine()
	dest := f.destination()

	w, err := engine.RequestPayout(f.ctx, PayoutRequest{UserID: 1, Amount: dec("500"), Address: dest})
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusPending, w.Status)
	assert.False(t, w.AutoApproved)
	assert.True(t, f.balance(1).Equal(dec("100")))

	engine.Wait()
	assert.Equal(t, models.WithdrawalStatusPending, f.withdrawal(w.ID).Status)
	assert.Zero(t, f.chain.tokenBalance(dest).Sign())

	approved, err := engine.Approve(f.ctx, w.ID, 99)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusProcessing, approved.Status)
	engine.Wait()

	stored := f.withdrawal(w.ID)
	assert.Equal(t, models.WithdrawalStatusCompleted, stored.Status)
	require.NotNil(t, stored.ReviewerID)
	assert.Equal(t, uint64(99), *stored.ReviewerID)
	assert.Equal(t, usdt("500"), f.chain.tokenBalance(dest))

	_, err = engine.Approve(f.ctx, w.ID, 99)
	assert.ErrorIs(t, err, ErrWithdrawalState)
}

func TestPayoutNotAutoWhenCustodyShort(t *testing.T) {
	f := newFixture(t)
	f.provision(1)
	f.fund(1, "50")
	engine := f.payoutEngine()
	f.chain.setTokens(f.custody.Address, usdt("2"))

	w, err := engine.RequestPayout(f.ctx, PayoutRequest{UserID: 1, Amount: dec("5"), Address: f.destination()})
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusPending, w.Status)
}

func TestRejectRefundsDebit(t *testing.T) {
	f := newFixture(t)
	f.provision(1)
	f.fund(1, "600")
	engine := f.payoutEngine()

	w, err := engine.RequestPayout(f.ctx, PayoutRequest{UserID: 1, Amount: dec("500"), Address: f.destination()})
	require.NoError(t, err)

	rejected, err := engine.Reject(f.ctx, w.ID, 7, "suspicious")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusRejected, rejected.Status)
	assert.True(t, f.balance(1).Equal(dec("600")))

	stored := f.withdrawal(w.ID)
	assert.Equal(t, "suspicious", stored.RejectReason)

	_, err = engine.Reject(f.ctx, w.ID, 7, "again")
	assert.ErrorIs(t, err, ErrWithdrawalState)
	assert.True(t, f.balance(1).Equal(dec("600")))

	_, err = engine.Reject(f.ctx, 12345, 7, "missing")
	assert.ErrorIs(t, err, ErrWithdrawalNotFound)
}

func TestFailedSendRevertsWithoutRefund(t *testing.T) {
	f := newFixture(t)
	f.provision(1)
	f.fund(1, "50")
	engine := f.payoutEngine()
	f.chain.broadcastErrs = []error{clients.ErrBroadcastRejected}

	w, err := engine.RequestPayout(f.ctx, PayoutRequest{UserID: 1, Amount: dec("5"), Address: f.destination()})
	require.NoError(t, err)
	engine.Wait()

	stored := f.withdrawal(w.ID)
	assert.Equal(t, models.WithdrawalStatusPending, stored.Status)
	assert.NotEmpty(t, stored.FailureReason)
	assert.Empty(t, stored.TxHash)
	// still debited; only a rejection refunds
	assert.True(t, f.balance(1).Equal(dec("45")))

	// an operator approves it again and it goes through
	_, err = engine.Approve(f.ctx, w.ID, 1)
	require.NoError(t, err)
	engine.Wait()
	assert.Equal(t, models.WithdrawalStatusCompleted, f.withdrawal(w.ID).Status)
}

func TestUnknownBroadcastOutcomeIsReconciled(t *testing.T) {
	f := newFixture(t)
	f.provision(1)
	f.fund(1, "50")
	engine := f.payoutEngine()
	dest := f.destination()
	// the transfer lands but its receipt is not visible yet
	f.chain.withholdReceipts = true

	w, err := engine.RequestPayout(f.ctx, PayoutRequest{UserID: 1, Amount: dec("5"), Address: dest})
	require.NoError(t, err)
	engine.Wait()

	stored := f.withdrawal(w.ID)
	assert.Equal(t, models.WithdrawalStatusPending, stored.Status)
	require.NotEmpty(t, stored.TxHash, "hash of an unconfirmed send is kept")
	assert.Equal(t, usdt("5"), f.chain.tokenBalance(dest))

	// it confirms later; approving completes instead of sending twice
	f.chain.withholdReceipts = false
	f.chain.succeed(stored.TxHash)
	_, err = engine.Approve(f.ctx, w.ID, 1)
	require.NoError(t, err)
	engine.Wait()

	final := f.withdrawal(w.ID)
	assert.Equal(t, models.WithdrawalStatusCompleted, final.Status)
	assert.Equal(t, stored.TxHash, final.TxHash)
	assert.Equal(t, 1, final.Attempts)
	assert.Equal(t, usdt("5"), f.chain.tokenBalance(dest))
}

func TestRejectCompletesLandedTransfer(t *testing.T) {
	f := newFixture(t)
	f.provision(1)
	f.fund(1, "50")
	engine := f.payoutEngine()
	f.chain.withholdReceipts = true

	w, err := engine.RequestPayout(f.ctx, PayoutRequest{UserID: 1, Amount: dec("5"), Address: f.destination()})
	require.NoError(t, err)
	engine.Wait()
	stored := f.withdrawal(w.ID)
	require.Equal(t, models.WithdrawalStatusPending, stored.Status)

	f.chain.withholdReceipts = false
	f.chain.succeed(stored.TxHash)

	got, err := engine.Reject(f.ctx, w.ID, 3, "too late")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusCompleted, got.Status)
	assert.True(t, f.balance(1).Equal(dec("45")), "no refund for a payout that landed")
}

func TestRejectWaitsForUnconfirmedSend(t *testing.T) {
	f := newFixture(t)
	f.provision(1)
	f.fund(1, "50")
	engine := f.payoutEngine()
	dest := f.destination()
	f.chain.withholdReceipts = true

	w, err := engine.RequestPayout(f.ctx, PayoutRequest{UserID: 1, Amount: dec("5"), Address: dest})
	require.NoError(t, err)
	engine.Wait()
	stored := f.withdrawal(w.ID)
	require.Equal(t, models.WithdrawalStatusPending, stored.Status)
	require.NotEmpty(t, stored.TxHash)
	require.Equal(t, usdt("5"), f.chain.tokenBalance(dest))

	// the node has not seen the transfer yet; refunding now could pay twice
	_, err = engine.Reject(f.ctx, w.ID, 3, "operator")
	assert.ErrorIs(t, err, ErrSendOutcomePending)
	assert.Equal(t, models.WithdrawalStatusPending, f.withdrawal(w.ID).Status)
	assert.True(t, f.balance(1).Equal(dec("45")))

	// once the grace window has passed the send counts as dropped
	require.NoError(t, f.db.Model(&models.Withdrawal{}).Where("id = ?", w.ID).
		Update("sent_at", time.Now().Add(-2*unconfirmedGrace)).Error)
	rejected, err := engine.Reject(f.ctx, w.ID, 3, "operator")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusRejected, rejected.Status)
	assert.True(t, f.balance(1).Equal(dec("50")))
}

func TestPayoutValidation(t *testing.T) {
	f := newFixture(t)
	f.provision(1)
	f.fund(1, "10")
	engine := f.payoutEngine()

	_, err := engine.RequestPayout(f.ctx, PayoutRequest{UserID: 1, Amount: dec("5"), Address: "not-an-address"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = engine.RequestPayout(f.ctx, PayoutRequest{UserID: 1, Amount: dec("-1"), Address: f.destination()})
	assert.ErrorIs(t, err, repository.ErrInvalidAmount)
	_, err = engine.RequestPayout(f.ctx, PayoutRequest{UserID: 1, Amount: dec("11"), Address: f.destination()})
	assert.ErrorIs(t, err, repository.ErrInsufficientFunds)

	ws, err := f.withdrawals.ListByUser(f.ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, ws)
	assert.True(t, f.balance(1).Equal(dec("10")))
}

func TestPayoutCredentialCheck(t *testing.T) {
	f := newFixture(t)
	f.cfg.Get().Payout.RequireCredential = true
	f.provision(1)
	f.fund(1, "10")
	engine := f.payoutEngine()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "settlement", AccountName: "user-1"})
	require.NoError(t, err)
	require.NoError(t, f.ledger.SaveCredential(f.ctx, &models.FundCredential{
		UserID: 1, PasswordHash: string(hash), TOTPSecret: key.Secret(),
	}))

	req := PayoutRequest{UserID: 1, Amount: dec("2"), Address: f.destination(), Password: "wrong"}
	_, err = engine.RequestPayout(f.ctx, req)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	req.Password = "s3cret"
	req.OTP = "000000"
	_, err = engine.RequestPayout(f.ctx, req)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	req.OTP, err = totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	w, err := engine.RequestPayout(f.ctx, req)
	require.NoError(t, err)
	engine.Wait()
	assert.True(t, f.balance(1).Equal(dec("8")))
	assert.Equal(t, models.WithdrawalStatusCompleted, f.withdrawal(w.ID).Status)
}

func TestCustodyMonitorAlertsOnLowBalance(t *testing.T) {
	f := newFixture(t)
	f.cfg.Get().Custody.LowBalanceThreshold = dec("500")
	monitor := NewCustodyMonitor(f.db, f.chain, f.custody.Address, f.cfg, f.pub, testutil.Logger())

	f.chain.setTokens(f.custody.Address, usdt("800"))
	snap, err := monitor.Check(f.ctx)
	require.NoError(t, err)
	assert.False(t, snap.Low)
	assert.True(t, snap.USDT.Equal(dec("800")))
	assert.Zero(t, f.pub.count(events.TopicAlertCustodyLow))

	f.chain.setTokens(f.custody.Address, usdt("499.5"))
	snap, err = monitor.Check(f.ctx)
	require.NoError(t, err)
	assert.True(t, snap.Low)
	assert.Equal(t, 1, f.pub.count(events.TopicAlertCustodyLow))
	assert.Same(t, snap, monitor.Last())
}
