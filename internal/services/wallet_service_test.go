package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-backend/internal/models"
)

func TestProvisionIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first := f.provision(42)
	again := f.provision(42)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.TronAddress, again.TronAddress)

	accounts, err := f.ledger.ListAccounts(f.ctx, 42)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, models.AssetTRX, accounts[0].Asset)
	assert.Equal(t, models.AssetUSDT, accounts[1].Asset)
}

func TestProvisionAllocatesDistinctIndexes(t *testing.T) {
	f := newFixture(t)

	const users = 8
	var wg sync.WaitGroup
	errs := make(chan error, users)
	for i := 1; i <= users; i++ {
		wg.Add(1)
		go func(userID uint64) {
			defer wg.Done()
			_, err := f.walletSvc.Provision(f.ctx, userID)
			errs <- err
		}(uint64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := f.wallets.ListAll(f.ctx)
	require.NoError(t, err)
	require.Len(t, all, users)

	indexes := make(map[uint32]bool)
	addresses := make(map[string]bool)
	for _, w := range all {
		assert.False(t, indexes[w.DerivationIndex], "index %d reused", w.DerivationIndex)
		assert.False(t, addresses[w.TronAddress], "address %s reused", w.TronAddress)
		indexes[w.DerivationIndex] = true
		addresses[w.TronAddress] = true
	}
}

func TestProvisionRespectsReservedIndexes(t *testing.T) {
	f := newFixture(t)
	f.cfg.Get().Wallet.ReservedIndexes = 100

	w := f.provision(1)
	assert.Equal(t, uint32(100), w.DerivationIndex)

	next := f.provision(2)
	assert.Equal(t, uint32(101), next.DerivationIndex)

	pair, err := f.walletSvc.DeriveAddresses(101)
	require.NoError(t, err)
	assert.Equal(t, pair.Tron, next.TronAddress)
	assert.Equal(t, pair.EVM, next.EVMAddress)
}

func TestSigningKeyMatchesWallet(t *testing.T) {
	f := newFixture(t)
	w := f.provision(5)

	key, err := f.walletSvc.SigningKey(w)
	require.NoError(t, err)
	assert.NotNil(t, key)

	tampered := *w
	tampered.TronAddress = f.custody.Address
	_, err = f.walletSvc.SigningKey(&tampered)
	assert.Error(t, err)
}

func TestOverview(t *testing.T) {
	f := newFixture(t)
	f.provision(9)
	f.fund(9, "12.5")

	w, accounts, err := f.walletSvc.Overview(f.ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), w.UserID)
	require.Len(t, accounts, 2)
	assert.True(t, accounts[1].Balance.Equal(dec("12.5")))
}
