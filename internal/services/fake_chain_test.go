package services

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"settlement-backend/internal/clients"
	"settlement-backend/internal/config"
	"settlement-backend/internal/events"
	"settlement-backend/internal/hdwallet"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
	"settlement-backend/internal/testutil"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// usdt base units of a token amount with 6 decimals
func usdt(s string) *big.Int { return dec(s).Shift(6).BigInt() }

type preparedTransfer struct {
	from   string
	to     string
	amount *big.Int
}

// fakeChain in-memory TRON node. Transfers move balances immediately and
// leave a successful receipt unless told otherwise.
type fakeChain struct {
	mu sync.Mutex

	tokens      map[string]*big.Int
	trx         map[string]int64
	resources   map[string]*clients.AccountResource
	delegatable map[string]int64
	allowances  map[string]*big.Int
	receipts    map[string]*clients.TxInfo
	prepared    map[string]preparedTransfer
	head        *clients.BlockHeader

	// queued failures, consumed one per call
	transferFromErrs []error
	sendTRXErrs      []error
	broadcastErrs    []error
	// balance lookups of these addresses fail
	balanceErrs map[string]error
	// hashes handed out by SendTRX before falling back to the counter
	triggerHashes []string
	// receipts of these calls are withheld, so confirmation times out
	withholdReceipts bool
	energyPerCall    int64

	indexTransfers map[string][]clients.InboundTransfer
	indexErr       error
	scanTransfers  []clients.InboundTransfer
	scanCalls      int
	headCalls      int

	counter     int
	delegations []string
	reclaims    []string
	triggers    []string
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		tokens:         make(map[string]*big.Int),
		trx:            make(map[string]int64),
		resources:      make(map[string]*clients.AccountResource),
		delegatable:    make(map[string]int64),
		allowances:     make(map[string]*big.Int),
		receipts:       make(map[string]*clients.TxInfo),
		prepared:       make(map[string]preparedTransfer),
		indexTransfers: make(map[string][]clients.InboundTransfer),
		head:           blockHeader(1000, time.Now().UnixMilli()),
		energyPerCall:  30_000,
	}
}

func blockHeader(number, ts int64) *clients.BlockHeader {
	h := &clients.BlockHeader{}
	h.Header.RawData.Number = number
	h.Header.RawData.Timestamp = ts
	return h
}

func (f *fakeChain) hash() string {
	f.counter++
	return fmt.Sprintf("%064x", f.counter)
}

func (f *fakeChain) succeed(txID string) {
	if f.withholdReceipts {
		return
	}
	info := &clients.TxInfo{ID: txID}
	info.Receipt.Result = "SUCCESS"
	info.Receipt.EnergyUsageTotal = f.energyPerCall
	f.receipts[txID] = info
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeChain) setTokens(addr string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[addr] = amount
}

func (f *fakeChain) cycles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headCalls
}

func (f *fakeChain) tokenBalance(addr string) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.tokens[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (f *fakeChain) setEnergy(addr string, energy int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[addr] = &clients.AccountResource{
		EnergyLimit:       energy,
		FreeNetLimit:      600,
		TotalEnergyLimit:  90_000_000_000,
		TotalEnergyWeight: 9_000_000_000,
	}
}

func (f *fakeChain) move(from, to string, amount *big.Int) error {
	bal, ok := f.tokens[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("transfer of %s exceeds balance of %s", amount, from)
	}
	f.tokens[from] = new(big.Int).Sub(bal, amount)
	if f.tokens[to] == nil {
		f.tokens[to] = new(big.Int)
	}
	f.tokens[to] = new(big.Int).Add(f.tokens[to], amount)
	return nil
}

func (f *fakeChain) TokenContract() string { return "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t" }

func (f *fakeChain) TokenBalance(_ context.Context, owner string) (*big.Int, error) {
	f.mu.Lock()
	err := f.balanceErrs[owner]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.tokenBalance(owner), nil
}

func (f *fakeChain) Allowance(_ context.Context, owner, _ string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.allowances[owner]; ok {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) Approve(_ context.Context, key *ecdsa.PrivateKey, _ string, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[hdwallet.TronAddressFromKey(key)] = amount
	txID := f.hash()
	f.succeed(txID)
	return txID, nil
}

func (f *fakeChain) TransferFrom(_ context.Context, _ *ecdsa.PrivateKey, from, to string, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.transferFromErrs); err != nil {
		return "", err
	}
	if a := f.allowances[from]; a == nil || a.Cmp(amount) < 0 {
		return "", errors.New("allowance too low")
	}
	if err := f.move(from, to, amount); err != nil {
		return "", err
	}
	txID := f.hash()
	f.succeed(txID)
	return txID, nil
}

func (f *fakeChain) PrepareTransfer(_ context.Context, key *ecdsa.PrivateKey, to string, amount *big.Int) (*clients.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txID := f.hash()
	f.prepared[txID] = preparedTransfer{from: hdwallet.TronAddressFromKey(key), to: to, amount: amount}
	return &clients.Transaction{TxID: txID}, nil
}

func (f *fakeChain) Broadcast(_ context.Context, tx *clients.Transaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.broadcastErrs); err != nil {
		return "", err
	}
	p, ok := f.prepared[tx.TxID]
	if !ok {
		return "", clients.ErrBroadcastRejected
	}
	if err := f.move(p.from, p.to, p.amount); err != nil {
		return "", err
	}
	f.succeed(tx.TxID)
	return tx.TxID, nil
}

func (f *fakeChain) SendTRX(_ context.Context, _ *ecdsa.PrivateKey, _ string, _ int64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.sendTRXErrs); err != nil {
		return "", err
	}
	var txID string
	if len(f.triggerHashes) > 0 {
		txID, f.triggerHashes = f.triggerHashes[0], f.triggerHashes[1:]
	} else {
		txID = f.hash()
	}
	f.triggers = append(f.triggers, txID)
	return txID, nil
}

func (f *fakeChain) TRXBalance(_ context.Context, addr string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trx[addr], nil
}

func (f *fakeChain) AccountResource(_ context.Context, addr string) (*clients.AccountResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.resources[addr]; ok {
		cp := *r
		return &cp, nil
	}
	return &clients.AccountResource{TotalEnergyLimit: 90_000_000_000, TotalEnergyWeight: 9_000_000_000}, nil
}

func (f *fakeChain) DelegatableEnergySun(_ context.Context, owner string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delegatable[owner], nil
}

func (f *fakeChain) DelegateEnergy(_ context.Context, key *ecdsa.PrivateKey, receiver string, balanceSun int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delegatable[hdwallet.TronAddressFromKey(key)] -= balanceSun
	f.delegations = append(f.delegations, receiver)
	return f.hash(), nil
}

func (f *fakeChain) UndelegateEnergy(_ context.Context, key *ecdsa.PrivateKey, receiver string, balanceSun int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delegatable[hdwallet.TronAddressFromKey(key)] += balanceSun
	f.reclaims = append(f.reclaims, receiver)
	return f.hash(), nil
}

func (f *fakeChain) TransactionInfo(_ context.Context, txID string) (*clients.TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.receipts[txID]; ok {
		return info, nil
	}
	return nil, clients.ErrTxNotFound
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, txID string, _ time.Duration) (*clients.TxInfo, error) {
	info, err := f.TransactionInfo(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("receipt of %s: %w", txID, clients.ErrUnknownOutcome)
	}
	return info, nil
}

func (f *fakeChain) LatestConfirmedBlock(context.Context) (*clients.BlockHeader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	return f.head, nil
}

func (f *fakeChain) AddressTransfers(_ context.Context, addr string, minTs, maxTs int64) ([]clients.InboundTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		return nil, f.indexErr
	}
	var out []clients.InboundTransfer
	for _, t := range f.indexTransfers[addr] {
		if t.BlockTime >= minTs && t.BlockTime <= maxTs {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeChain) ScanBlocks(_ context.Context, _, to int64, watch map[string]uint64) ([]clients.InboundTransfer, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanCalls++
	var out []clients.InboundTransfer
	for _, t := range f.scanTransfers {
		if _, ok := watch[t.To]; ok {
			out = append(out, t)
		}
	}
	return out, to, nil
}

var (
	_ TronChain      = (*fakeChain)(nil)
	_ TransferSource = (*fakeChain)(nil)
)

// recordingPublisher keeps every published topic
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	last   map[string]interface{}
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		p.last = make(map[string]interface{})
	}
	p.topics = append(p.topics, topic)
	p.last[topic] = payload
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

var _ events.Publisher = (*recordingPublisher)(nil)

func testConfig() *config.Config {
	cfg := &config.Config{
		Database: config.DatabaseConfig{DSN: "sqlite"},
		Wallet:   config.WalletConfig{Mnemonic: testMnemonic},
		Tron: config.TronConfig{
			FullNodes:     []string{"http://127.0.0.1:1"},
			TronGridURL:   "http://127.0.0.1:1",
			TokenContract: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
		},
	}
	cfg.ApplyDefaults()
	cfg.Tron.ConfirmTimeout = time.Second
	cfg.Deposit.RetryAttempts = 1
	cfg.Deposit.MinAmount = dec("1")
	cfg.Sweep.MinAmount = dec("1")
	cfg.Sweep.BatchSize = 10
	cfg.Payout.AutoThreshold = dec("100")
	cfg.Payout.SendTimeout = 5 * time.Second
	cfg.Settlement.StreakMultipliers = []decimal.Decimal{dec("1.95"), dec("2"), dec("2.5")}
	cfg.Settlement.LevelThresholds = []decimal.Decimal{dec("10"), dec("100"), dec("1000")}
	return cfg
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, hdwallet.TronAddressFromKey(key)
}

func keyHex(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(crypto.FromECDSA(key))
}

// fixture wires the services over one in-memory database and fake chain.
type fixture struct {
	t     *testing.T
	ctx   context.Context
	db    *gorm.DB
	chain *fakeChain
	cfg   *config.Store
	pub   *recordingPublisher

	wallets     repository.WalletRepository
	ledger      repository.LedgerRepository
	state       repository.StateRepository
	deposits    repository.DepositRepository
	wagers      repository.WagerRepository
	collections repository.CollectionRepository
	leases      repository.EnergyLeaseRepository
	withdrawals repository.WithdrawalRepository

	walletSvc *WalletService
	custody   Custody
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := testutil.NewDB(t)
	deriver, err := hdwallet.NewDeriver(testMnemonic, "")
	require.NoError(t, err)

	key, addr := newKey(t)
	f := &fixture{
		t:           t,
		ctx:         context.Background(),
		db:          database,
		chain:       newFakeChain(),
		cfg:         config.NewStore("", testConfig()),
		pub:         &recordingPublisher{},
		wallets:     repository.NewWalletRepository(database),
		ledger:      repository.NewLedgerRepository(database),
		state:       repository.NewStateRepository(database),
		deposits:    repository.NewDepositRepository(database),
		wagers:      repository.NewWagerRepository(database),
		collections: repository.NewCollectionRepository(database),
		leases:      repository.NewEnergyLeaseRepository(database),
		withdrawals: repository.NewWithdrawalRepository(database),
		custody:     Custody{Address: addr, Key: key},
	}
	f.walletSvc = NewWalletService(database, f.wallets, f.ledger, f.state, deriver, f.cfg, testutil.Logger())
	return f
}

func (f *fixture) provision(userID uint64) *models.UserWallet {
	f.t.Helper()
	w, err := f.walletSvc.Provision(f.ctx, userID)
	require.NoError(f.t, err)
	return w
}

// fund credits the USDT account directly.
func (f *fixture) fund(userID uint64, amount string) {
	f.t.Helper()
	err := f.db.Transaction(func(tx *gorm.DB) error {
		l := f.ledger.WithTx(tx)
		acct, err := l.LockAccount(f.ctx, userID, models.AssetUSDT)
		if err != nil {
			return err
		}
		_, err = l.Credit(f.ctx, acct, dec(amount), repository.EntryRef{Reason: models.EntryReasonDeposit, RefType: "test", RefID: amount})
		return err
	})
	require.NoError(f.t, err)
}

func (f *fixture) balance(userID uint64) decimal.Decimal {
	f.t.Helper()
	acct, err := f.ledger.GetAccount(f.ctx, userID, models.AssetUSDT)
	require.NoError(f.t, err)
	return acct.Balance
}

func (f *fixture) energyMarket(providers ...EnergyProvider) *EnergyMarket {
	return NewEnergyMarket(f.chain, f.leases, providers, testutil.Logger())
}
