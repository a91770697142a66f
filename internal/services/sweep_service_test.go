package services

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-backend/internal/events"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
	"settlement-backend/internal/testutil"
)

func (f *fixture) sweepEngine(market *EnergyMarket) *SweepEngine {
	return NewSweepEngine(f.chain, market, f.walletSvc, f.wallets, f.deposits, f.collections, f.state, f.custody, f.cfg, f.pub, testutil.Logger())
}

// fundedWallet provisions a wallet holding amount on chain with custody
// already approved.
func (f *fixture) fundedWallet(userID uint64, amount string) *models.UserWallet {
	w := f.provision(userID)
	f.chain.setTokens(w.TronAddress, usdt(amount))
	f.chain.allowances[w.TronAddress] = new(big.Int).Set(maxAllowance)
	return w
}

// makeDue pulls the user's next retry into the past.
func (f *fixture) makeDue(userID uint64) {
	require.NoError(f.t, f.db.Model(&models.RetryTask{}).Where("user_id = ?", userID).
		Update("next_retry_at", time.Now().Add(-time.Minute)).Error)
}

func TestSweepRetriesWithBackoffThenCompletes(t *testing.T) {
	f := newFixture(t)
	f.chain.setEnergy(f.custody.Address, 1_000_000)
	w := f.fundedWallet(1, "100")

	market := f.energyMarket()
	engine := f.sweepEngine(market)
	retries := NewCollectionRetryService(engine, market, f.collections, f.cfg, testutil.Logger())

	f.chain.transferFromErrs = []error{errors.New("node busy"), errors.New("node busy")}

	// first attempt from the scheduled pass
	report, err := engine.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	task, err := f.collections.GetRetryTask(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), task.NextRetryAt, time.Minute)

	// not due yet
	require.NoError(t, retries.ProcessDue(f.ctx))
	task, err = f.collections.GetRetryTask(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount)

	f.makeDue(1)
	require.NoError(t, retries.ProcessDue(f.ctx))
	task, err = f.collections.GetRetryTask(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, task.RetryCount)
	assert.WithinDuration(t, time.Now().Add(4*time.Hour), task.NextRetryAt, time.Minute)

	f.makeDue(1)
	require.NoError(t, retries.ProcessDue(f.ctx))
	_, err = f.collections.GetRetryTask(f.ctx, 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	recs, err := f.collections.ListByUser(f.ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, models.CollectionStatusFailed, recs[0].Status)
	assert.Equal(t, models.CollectionStatusFailed, recs[1].Status)
	assert.Equal(t, models.CollectionStatusCompleted, recs[2].Status)
	assert.True(t, recs[2].Amount.Equal(dec("100")))
	assert.Equal(t, int64(30_000), recs[2].ResourceUsed)

	assert.Zero(t, f.chain.tokenBalance(w.TronAddress).Sign())
	assert.Equal(t, usdt("100"), f.chain.tokenBalance(f.custody.Address))
}

func TestSweepAbandonsAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	f.cfg.Get().Retry.MaxRetries = 2
	f.chain.setEnergy(f.custody.Address, 1_000_000)
	f.fundedWallet(1, "10")

	market := f.energyMarket()
	engine := f.sweepEngine(market)
	retries := NewCollectionRetryService(engine, market, f.collections, f.cfg, testutil.Logger())
	f.chain.transferFromErrs = []error{errors.New("boom"), errors.New("boom")}

	_, err := engine.Run(f.ctx)
	require.NoError(t, err)
	f.makeDue(1)
	require.NoError(t, retries.ProcessDue(f.ctx))

	task, err := f.collections.GetRetryTask(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.RetryTaskStatusAbandoned, task.Status)
	assert.NotNil(t, task.AbandonedAt)
	assert.Equal(t, 1, f.pub.count(events.TopicAlertRetryAbandoned))

	// abandoned wallets stay out of scheduled sweeps
	report, err := engine.Run(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Completed+report.Failed)
}

func TestSweepLookupFailuresCountTowardRetryLimit(t *testing.T) {
	f := newFixture(t)
	f.cfg.Get().Retry.MaxRetries = 2
	f.chain.setEnergy(f.custody.Address, 1_000_000)
	w := f.fundedWallet(1, "10")

	market := f.energyMarket()
	engine := f.sweepEngine(market)
	retries := NewCollectionRetryService(engine, market, f.collections, f.cfg, testutil.Logger())
	f.chain.transferFromErrs = []error{errors.New("boom")}

	_, err := engine.Run(f.ctx)
	require.NoError(t, err)

	// the wallet can no longer be read at all
	f.chain.balanceErrs = map[string]error{w.TronAddress: errors.New("account lookup: 500")}
	f.makeDue(1)
	require.NoError(t, retries.ProcessDue(f.ctx))

	task, err := f.collections.GetRetryTask(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, models.RetryTaskStatusAbandoned, task.Status)
	assert.Contains(t, task.ErrorReason, "balance")
	assert.Equal(t, 1, f.pub.count(events.TopicAlertRetryAbandoned))
}

func TestSweepRetryDeferredWithoutEnergy(t *testing.T) {
	f := newFixture(t)
	f.chain.setEnergy(f.custody.Address, 1_000_000)
	f.fundedWallet(1, "10")

	market := f.energyMarket()
	engine := f.sweepEngine(market)
	retries := NewCollectionRetryService(engine, market, f.collections, f.cfg, testutil.Logger())
	f.chain.transferFromErrs = []error{errors.New("boom")}

	_, err := engine.Run(f.ctx)
	require.NoError(t, err)

	// no custody energy and no provider to lease from
	f.chain.setEnergy(f.custody.Address, 0)
	f.makeDue(1)
	require.NoError(t, retries.ProcessDue(f.ctx))

	task, err := f.collections.GetRetryTask(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, models.RetryTaskStatusPending, task.Status)
}

func TestSweepStopsOnBudgetWithoutAdvancingCursor(t *testing.T) {
	f := newFixture(t)
	f.cfg.Get().Energy.PerTransfer = 65_000
	f.chain.energyPerCall = 65_000
	// below the working threshold and no providers to lease from
	f.chain.setEnergy(f.custody.Address, 100_000)
	first := f.fundedWallet(1, "20")
	second := f.fundedWallet(2, "30")

	engine := f.sweepEngine(f.energyMarket())
	report, err := engine.Run(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Completed)
	assert.True(t, report.StoppedOnBudget)
	assert.Equal(t, 1, f.pub.count(events.TopicAlertEnergyExhausted))
	assert.Zero(t, f.chain.tokenBalance(first.TronAddress).Sign())
	assert.Equal(t, usdt("30"), f.chain.tokenBalance(second.TronAddress))

	cursor, err := f.state.GetUint(f.ctx, repository.StateKeySweepCursor)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor)

	// next run resumes at the wallet that was skipped
	f.chain.setEnergy(f.custody.Address, 1_000_000)
	report, err = engine.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Zero(t, f.chain.tokenBalance(second.TronAddress).Sign())
}

func TestSweepLeasesEnergyForApproval(t *testing.T) {
	f := newFixture(t)
	f.chain.setEnergy(f.custody.Address, 1_000_000)
	w := f.provision(1)
	f.chain.setTokens(w.TronAddress, usdt("40"))

	p := f.provider(100_000)
	engine := f.sweepEngine(f.energyMarket(p))

	report, err := engine.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 0, maxAllowance.Cmp(f.chain.allowances[w.TronAddress]))

	// approval energy went to the user address and came back
	assert.Equal(t, []string{w.TronAddress}, f.chain.delegations)
	assert.Equal(t, []string{w.TronAddress}, f.chain.reclaims)

	recs, err := f.collections.ListByUser(f.ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].ApproveTxHash)
}

func TestSweepSkipsRecentlyActiveWallets(t *testing.T) {
	f := newFixture(t)
	f.chain.setEnergy(f.custody.Address, 1_000_000)
	w := f.fundedWallet(1, "15")
	require.NoError(t, f.deposits.Create(f.ctx, &models.Deposit{
		TxHash: "ee01", UserID: 1, Address: w.TronAddress, Chain: models.ChainTron,
		Asset: models.AssetUSDT, Amount: dec("15"), Status: models.DepositStatusCredited,
	}))

	report, err := f.sweepEngine(f.energyMarket()).Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Examined)
	assert.Zero(t, report.Completed)
	assert.Equal(t, usdt("15"), f.chain.tokenBalance(w.TronAddress))
}

func TestSweepUnconfirmedIsReconciled(t *testing.T) {
	f := newFixture(t)
	f.chain.setEnergy(f.custody.Address, 1_000_000)
	f.fundedWallet(1, "25")

	market := f.energyMarket()
	engine := f.sweepEngine(market)
	f.chain.withholdReceipts = true

	report, err := engine.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Submitted)

	recs, err := f.collections.ListByStatus(f.ctx, models.CollectionStatusSubmitted, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// still unknown and young: left alone
	done, err := engine.Reconcile(f.ctx, &recs[0], time.Hour)
	require.NoError(t, err)
	assert.False(t, done)

	// the receipt shows up
	f.chain.withholdReceipts = false
	f.chain.succeed(recs[0].TxHash)
	retries := NewCollectionRetryService(engine, market, f.collections, f.cfg, testutil.Logger())
	require.NoError(t, retries.ProcessDue(f.ctx))

	rec, err := f.collections.GetRecord(f.ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.CollectionStatusCompleted, rec.Status)
}

func TestSweepRunIsExclusive(t *testing.T) {
	f := newFixture(t)
	engine := f.sweepEngine(f.energyMarket())

	engine.running.Lock()
	defer engine.running.Unlock()

	_, err := engine.Run(f.ctx)
	assert.ErrorIs(t, err, ErrSweepRunning)
	_, err = engine.SweepUser(f.ctx, 1)
	assert.ErrorIs(t, err, ErrSweepRunning)
}
