package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"settlement-backend/internal/clients"
	"settlement-backend/internal/config"
	"settlement-backend/internal/events"
	"settlement-backend/internal/metrics"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
	"settlement-backend/internal/utils"
)

const (
	sourceIndex = "trongrid"
	sourceNode  = "node"

	trxDecimals = 6
)

// DepositWatcher polls for confirmed inbound transfers to user wallets and
// credits the ledger exactly once per transaction hash.
type DepositWatcher struct {
	db       *gorm.DB
	chain    TronChain
	source   TransferSource
	wallets  repository.WalletRepository
	deposits repository.DepositRepository
	ledger   repository.LedgerRepository
	cfg      *config.Store
	notify   notifier
	log      *logrus.Entry

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewDepositWatcher(
	db *gorm.DB,
	chain TronChain,
	source TransferSource,
	wallets repository.WalletRepository,
	deposits repository.DepositRepository,
	ledger repository.LedgerRepository,
	cfg *config.Store,
	pub events.Publisher,
	log *logrus.Logger,
) *DepositWatcher {
	entry := log.WithField("component", "deposit_watcher")
	return &DepositWatcher{
		db:       db,
		chain:    chain,
		source:   source,
		wallets:  wallets,
		deposits: deposits,
		ledger:   ledger,
		cfg:      cfg,
		notify:   notifier{pub: pub, log: entry},
		log:      entry,
		stopChan: make(chan struct{}),
	}
}

// Start polls until Stop. The next cycle comes after FastInterval when the
// last one found transfers, SlowInterval otherwise.
func (w *DepositWatcher) Start(ctx context.Context) {
	w.log.Info("🚀 Deposit watcher starting")
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			found, err := w.RunCycle(ctx)
			if err != nil {
				w.log.WithError(err).Error("❌ Deposit cycle failed")
			}

			select {
			case <-time.After(w.nextWait(found)):
			case <-w.stopChan:
				w.log.Info("🛑 Deposit watcher stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// nextWait short while transfers keep arriving, long once a cycle is empty.
func (w *DepositWatcher) nextWait(found int) time.Duration {
	dc := w.cfg.Get().Deposit
	if found > 0 {
		return dc.FastInterval
	}
	return dc.SlowInterval
}

func (w *DepositWatcher) Stop() {
	close(w.stopChan)
	w.wg.Wait()
}

// RunCycle scans once and returns how many new transfers were ingested.
// The watermark moves only after the whole window has been covered.
func (w *DepositWatcher) RunCycle(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() {
		metrics.DepositScanDuration.Observe(time.Since(started).Seconds())
	}()

	dc := w.cfg.Get().Deposit
	backoff := utils.Backoff{Attempts: dc.RetryAttempts, Base: time.Second, Max: 10 * time.Second}

	var head *clients.BlockHeader
	err := utils.Retry(ctx, backoff, func(ctx context.Context) error {
		var err error
		head, err = w.chain.LatestConfirmedBlock(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("confirmed head: %w", err)
	}

	wallets, err := w.wallets.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	if len(wallets) == 0 {
		return 0, nil
	}
	byAddress := make(map[string]uint64, len(wallets))
	for _, wl := range wallets {
		byAddress[wl.TronAddress] = wl.UserID
	}

	marks := make(map[string]*models.DepositWatermark, 2)
	for _, asset := range []string{models.AssetUSDT, models.AssetTRX} {
		wm, err := w.deposits.GetWatermark(ctx, asset)
		if err != nil {
			return 0, err
		}
		marks[asset] = wm
	}

	fromTs := min(marks[models.AssetUSDT].LastTimestamp, marks[models.AssetTRX].LastTimestamp)
	if fromTs == 0 {
		fromTs = oldestWallet(wallets).UnixMilli()
	}
	minTs := fromTs - dc.Overlap.Milliseconds()
	maxTs := head.Timestamp()

	transfers, err := w.fromIndex(ctx, wallets, minTs, maxTs, backoff)
	if err == nil {
		found, failed := w.ingestAll(ctx, transfers, byAddress, sourceIndex)
		if failed > 0 {
			return found, fmt.Errorf("%d transfers not ingested, watermark kept", failed)
		}
		for _, wm := range marks {
			wm.LastTimestamp = maxTs
			wm.LastBlock = head.Number()
			if err := w.deposits.SaveWatermark(ctx, wm); err != nil {
				return found, fmt.Errorf("save watermark: %w", err)
			}
			metrics.DepositWatermark.WithLabelValues(wm.Asset).Set(float64(wm.LastBlock))
		}
		return found, nil
	}

	w.log.WithError(err).Warn("⚠️ Index source failed, falling back to block scan")
	metrics.DepositSourceFallbacks.Inc()
	return w.fromNode(ctx, head, marks, byAddress, dc.FallbackBlocks)
}

// fromIndex per-address history with bounded concurrency. Any address that
// still fails after retries fails the whole window.
func (w *DepositWatcher) fromIndex(ctx context.Context, wallets []models.UserWallet, minTs, maxTs int64, backoff utils.Backoff) ([]clients.InboundTransfer, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(w.cfg.Get().Deposit.Concurrency, 1))

	var (
		mu  sync.Mutex
		all []clients.InboundTransfer
	)
	for _, wl := range wallets {
		addr := wl.TronAddress
		g.Go(func() error {
			var got []clients.InboundTransfer
			err := utils.Retry(gctx, backoff, func(ctx context.Context) error {
				var err error
				got, err = w.source.AddressTransfers(ctx, addr, minTs, maxTs)
				return err
			})
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, got...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// fromNode scans at most window blocks past the last covered block and
// advances the block watermark only as far as the scan got.
func (w *DepositWatcher) fromNode(ctx context.Context, head *clients.BlockHeader, marks map[string]*models.DepositWatermark, byAddress map[string]uint64, window int64) (int, error) {
	last := min(marks[models.AssetUSDT].LastBlock, marks[models.AssetTRX].LastBlock)
	start := last + 1
	if last == 0 {
		start = max(head.Number()-window+1, 1)
	}
	end := min(head.Number(), start+window-1)
	if end < start {
		return 0, nil
	}

	transfers, scanned, scanErr := w.source.ScanBlocks(ctx, start, end, byAddress)
	found, failed := w.ingestAll(ctx, transfers, byAddress, sourceNode)
	if failed > 0 {
		return found, fmt.Errorf("%d transfers not ingested, watermark kept", failed)
	}

	if scanned >= start {
		for _, wm := range marks {
			if scanned <= wm.LastBlock {
				continue
			}
			wm.LastBlock = scanned
			if err := w.deposits.SaveWatermark(ctx, wm); err != nil {
				return found, fmt.Errorf("save watermark: %w", err)
			}
			metrics.DepositWatermark.WithLabelValues(wm.Asset).Set(float64(wm.LastBlock))
		}
	}
	if scanErr != nil {
		return found, fmt.Errorf("block scan stopped at %d: %w", scanned, scanErr)
	}
	return found, nil
}

func (w *DepositWatcher) ingestAll(ctx context.Context, transfers []clients.InboundTransfer, byAddress map[string]uint64, source string) (found, failed int) {
	for _, t := range transfers {
		userID, ok := byAddress[t.To]
		if !ok {
			continue
		}
		credited, err := w.Ingest(ctx, userID, t, source)
		if err != nil {
			w.log.WithError(err).WithFields(logrus.Fields{"tx_hash": t.TxHash, "user_id": userID}).
				Error("deposit ingest failed, will retry next cycle")
			failed++
			continue
		}
		if credited {
			found++
		}
	}
	return found, failed
}

// Ingest records one transfer and credits its owner in the same
// transaction. A transfer seen before returns false without error.
func (w *DepositWatcher) Ingest(ctx context.Context, userID uint64, t clients.InboundTransfer, source string) (bool, error) {
	amount, err := w.parseAmount(t)
	if err != nil {
		return false, err
	}
	if !amount.IsPositive() {
		return false, nil
	}

	status := models.DepositStatusCredited
	if t.Asset == models.AssetUSDT && amount.LessThan(w.cfg.Get().Deposit.MinAmount) {
		status = models.DepositStatusBelowMinimum
	}

	var entry *models.LedgerEntry
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dep := &models.Deposit{
			TxHash:      t.TxHash,
			UserID:      userID,
			Address:     t.To,
			Chain:       models.ChainTron,
			Asset:       t.Asset,
			Amount:      amount,
			Status:      status,
			FromAddress: t.From,
			BlockNumber: t.BlockNumber,
			BlockTime:   time.UnixMilli(t.BlockTime),
			Source:      source,
		}
		if err := w.deposits.WithTx(tx).Create(ctx, dep); err != nil {
			return err
		}
		if status != models.DepositStatusCredited {
			return nil
		}

		ledger := w.ledger.WithTx(tx)
		acct, err := ledger.LockAccount(ctx, userID, t.Asset)
		if err != nil {
			return fmt.Errorf("lock %s account of user %d: %w", t.Asset, userID, err)
		}
		entry, err = ledger.Credit(ctx, acct, amount, repository.EntryRef{
			Reason:  models.EntryReasonDeposit,
			RefType: "deposit",
			RefID:   t.TxHash,
		})
		return err
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	metrics.DepositsCredited.WithLabelValues(t.Asset, string(status)).Inc()
	w.log.WithFields(logrus.Fields{
		"user_id": userID,
		"asset":   t.Asset,
		"amount":  amount.String(),
		"tx_hash": t.TxHash,
		"status":  status,
		"source":  source,
	}).Info("💰 Deposit recorded")

	w.notify.publish(ctx, events.TopicDepositCredited, events.DepositCredited{
		UserID: userID,
		Asset:  t.Asset,
		Amount: amount,
		TxHash: t.TxHash,
		Status: string(status),
	})
	w.notify.balanceChanged(ctx, entry, t.Asset)
	return status == models.DepositStatusCredited, nil
}

func (w *DepositWatcher) parseAmount(t clients.InboundTransfer) (decimal.Decimal, error) {
	switch t.Asset {
	case models.AssetUSDT:
		return utils.ParseBaseUnits(t.Amount, w.cfg.Get().Tron.TokenDecimals)
	case models.AssetTRX:
		return utils.ParseBaseUnits(t.Amount, trxDecimals)
	default:
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedAsset, t.Asset)
	}
}

func oldestWallet(wallets []models.UserWallet) time.Time {
	oldest := wallets[0].CreatedAt
	for _, wl := range wallets[1:] {
		if wl.CreatedAt.Before(oldest) {
			oldest = wl.CreatedAt
		}
	}
	return oldest
}
