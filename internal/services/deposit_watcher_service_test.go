package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-backend/internal/clients"
	"settlement-backend/internal/events"
	"settlement-backend/internal/models"
	"settlement-backend/internal/testutil"
)

func (f *fixture) depositWatcher() *DepositWatcher {
	return NewDepositWatcher(f.db, f.chain, f.chain, f.wallets, f.deposits, f.ledger, f.cfg, f.pub, testutil.Logger())
}

func TestDepositCreditedOnce(t *testing.T) {
	f := newFixture(t)
	w := f.provision(1)
	watcher := f.depositWatcher()

	now := time.Now().UnixMilli()
	f.chain.head = blockHeader(5000, now)
	f.chain.indexTransfers[w.TronAddress] = []clients.InboundTransfer{
		{TxHash: "aa01", Asset: models.AssetUSDT, From: "TSender", To: w.TronAddress, Amount: "50000000", BlockNumber: 4990, BlockTime: now - 30_000},
		{TxHash: "aa02", Asset: models.AssetTRX, From: "TSender", To: w.TronAddress, Amount: "2500000", BlockNumber: 4991, BlockTime: now - 27_000},
	}

	found, err := watcher.RunCycle(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, found)
	assert.True(t, f.balance(1).Equal(dec("50")), "usdt %s", f.balance(1))

	trx, err := f.ledger.GetAccount(f.ctx, 1, models.AssetTRX)
	require.NoError(t, err)
	assert.True(t, trx.Balance.Equal(dec("2.5")))

	// the overlap window returns the same transfers again
	f.chain.head = blockHeader(5010, now+30_000)
	found, err = watcher.RunCycle(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, found)
	assert.True(t, f.balance(1).Equal(dec("50")))

	deposits, err := f.deposits.ListByUser(f.ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, deposits, 2)

	wm, err := f.deposits.GetWatermark(f.ctx, models.AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, int64(5010), wm.LastBlock)
	assert.Equal(t, now+30_000, wm.LastTimestamp)

	assert.Equal(t, 2, f.pub.count(events.TopicDepositCredited))
	assert.Equal(t, 2, f.pub.count(events.TopicBalanceChanged))
}

func TestDepositBelowMinimumRecordedNotCredited(t *testing.T) {
	f := newFixture(t)
	w := f.provision(1)
	watcher := f.depositWatcher()

	credited, err := watcher.Ingest(f.ctx, 1, clients.InboundTransfer{
		TxHash: "bb01", Asset: models.AssetUSDT, To: w.TronAddress, Amount: "500000", BlockTime: time.Now().UnixMilli(),
	}, sourceIndex)
	require.NoError(t, err)
	assert.False(t, credited)
	assert.True(t, f.balance(1).IsZero())

	deposits, err := f.deposits.ListByUser(f.ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	assert.Equal(t, models.DepositStatusBelowMinimum, deposits[0].Status)

	// replaying it is still a no-op
	credited, err = watcher.Ingest(f.ctx, 1, clients.InboundTransfer{
		TxHash: "bb01", Asset: models.AssetUSDT, To: w.TronAddress, Amount: "500000",
	}, sourceNode)
	require.NoError(t, err)
	assert.False(t, credited)
}

func TestDepositRejectsUnknownAsset(t *testing.T) {
	f := newFixture(t)
	w := f.provision(1)

	_, err := f.depositWatcher().Ingest(f.ctx, 1, clients.InboundTransfer{
		TxHash: "cc01", Asset: "BTT", To: w.TronAddress, Amount: "1",
	}, sourceIndex)
	assert.ErrorIs(t, err, ErrUnsupportedAsset)
}

func TestDepositFallsBackToBlockScan(t *testing.T) {
	f := newFixture(t)
	w := f.provision(1)
	f.provision(2)
	watcher := f.depositWatcher()

	f.chain.head = blockHeader(800, time.Now().UnixMilli())
	f.chain.indexErr = errors.New("trongrid: 503")
	f.chain.scanTransfers = []clients.InboundTransfer{
		{TxHash: "dd01", Asset: models.AssetUSDT, To: w.TronAddress, Amount: "7500000", BlockNumber: 790},
		{TxHash: "dd02", Asset: models.AssetUSDT, To: "TNotOurs", Amount: "1000000000", BlockNumber: 791},
	}

	found, err := watcher.RunCycle(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, found)
	assert.Equal(t, 1, f.chain.scanCalls)
	assert.True(t, f.balance(1).Equal(dec("7.5")))
	assert.True(t, f.balance(2).IsZero())

	wm, err := f.deposits.GetWatermark(f.ctx, models.AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, int64(800), wm.LastBlock)
	// only the index path moves the timestamp
	assert.Zero(t, wm.LastTimestamp)
}

func TestDepositCycleWithoutWallets(t *testing.T) {
	f := newFixture(t)
	found, err := f.depositWatcher().RunCycle(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, found)
}

func TestDepositWatermarkHeldUntilFullScan(t *testing.T) {
	f := newFixture(t)
	w := f.provision(1)
	watcher := f.depositWatcher()

	now := time.Now().UnixMilli()
	f.chain.head = blockHeader(6000, now)
	f.chain.indexTransfers[w.TronAddress] = []clients.InboundTransfer{
		{TxHash: "ee01", Asset: models.AssetUSDT, To: w.TronAddress, Amount: "20000000", BlockNumber: 5990, BlockTime: now - 20_000},
		{TxHash: "ee02", Asset: models.AssetUSDT, To: w.TronAddress, Amount: "12x", BlockNumber: 5991, BlockTime: now - 10_000},
	}

	found, err := watcher.RunCycle(f.ctx)
	require.Error(t, err)
	assert.Equal(t, 1, found)
	assert.True(t, f.balance(1).Equal(dec("20")))

	wm, err := f.deposits.GetWatermark(f.ctx, models.AssetUSDT)
	require.NoError(t, err)
	assert.Zero(t, wm.LastBlock, "watermark stays put after a partial scan")
	assert.Zero(t, wm.LastTimestamp)

	// the node serves a readable amount on the next poll; the window is
	// scanned again and only the missing transfer is credited
	f.chain.indexTransfers[w.TronAddress][1].Amount = "3000000"
	found, err = watcher.RunCycle(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, found)
	assert.True(t, f.balance(1).Equal(dec("23")))

	deposits, err := f.deposits.ListByUser(f.ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, deposits, 2)

	wm, err = f.deposits.GetWatermark(f.ctx, models.AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), wm.LastBlock)
	assert.Equal(t, now, wm.LastTimestamp)
}

func TestDepositPollingCadence(t *testing.T) {
	f := newFixture(t)
	w := f.provision(1)
	f.cfg.Get().Deposit.FastInterval = 10 * time.Millisecond
	f.cfg.Get().Deposit.SlowInterval = time.Hour
	watcher := f.depositWatcher()

	assert.Equal(t, 10*time.Millisecond, watcher.nextWait(3))
	assert.Equal(t, time.Hour, watcher.nextWait(0))

	now := time.Now().UnixMilli()
	f.chain.head = blockHeader(7000, now)
	f.chain.indexTransfers[w.TronAddress] = []clients.InboundTransfer{
		{TxHash: "ff01", Asset: models.AssetUSDT, To: w.TronAddress, Amount: "5000000", BlockNumber: 6999, BlockTime: now - 1_000},
	}

	watcher.Start(f.ctx)
	defer watcher.Stop()

	// the first cycle finds a transfer, so the second follows quickly
	require.Eventually(t, func() bool { return f.chain.cycles() >= 2 }, 2*time.Second, 5*time.Millisecond)
	// the second finds nothing new and falls back to the slow interval
	assert.Never(t, func() bool { return f.chain.cycles() > 2 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.True(t, f.balance(1).Equal(dec("5")))
}
