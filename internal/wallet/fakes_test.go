package wallet

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/agrimarket-wallet/internal/balance"
	"github.com/zjoart/agrimarket-wallet/internal/chain"
	"github.com/zjoart/agrimarket-wallet/internal/ledger/ledgertest"
	"github.com/zjoart/agrimarket-wallet/internal/vault"
)

// fakeChain is an in-memory ChainClient.
type fakeChain struct {
	mu            sync.Mutex
	balances      map[string]decimal.Decimal
	activity      map[string][]chain.Activity
	activityErr   error
	activityCalls int
	send          func(privateKeyHex, to string, amount decimal.Decimal) (*chain.SentTransaction, error)
	notifier      *balance.Notifier
}

func newFakeChain(notifier *balance.Notifier) *fakeChain {
	return &fakeChain{
		balances: make(map[string]decimal.Decimal),
		activity: make(map[string][]chain.Activity),
		notifier: notifier,
	}
}

func (c *fakeChain) Network() string { return "sepolia" }

func (c *fakeChain) GetBalance(_ context.Context, address string) (decimal.Decimal, error) {
	c.mu.Lock()
	b := c.balances[strings.ToLower(address)]
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.Publish(balance.Update{Key: balance.AddressKey(address), Asset: balance.AssetETH, Balance: b})
	}
	return b, nil
}

func (c *fakeChain) SendTransaction(_ context.Context, privateKeyHex, to string, amount decimal.Decimal) (*chain.SentTransaction, error) {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	return send(privateKeyHex, to, amount)
}

func (c *fakeChain) RecentActivity(_ context.Context, address string, _ uint64) ([]chain.Activity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activityCalls++
	if c.activityErr != nil {
		return nil, c.activityErr
	}
	return append([]chain.Activity(nil), c.activity[strings.ToLower(address)]...), nil
}

func (c *fakeChain) setActivity(address string, a ...chain.Activity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activity[strings.ToLower(address)] = a
}

func (c *fakeChain) setBalance(address string, b decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[strings.ToLower(address)] = b
}

func (c *fakeChain) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activityCalls
}

type stubLocker struct {
	err      error
	acquired []string
	released int
}

func (l *stubLocker) AcquireLock(_ context.Context, key, _ string, _ time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired = append(l.acquired, key)
	return func() { l.released++ }, nil
}

type testEnv struct {
	repo     *ledgertest.Memory
	chain    *fakeChain
	vault    *vault.Vault
	notifier *balance.Notifier
	svc      *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	masterKey, err := vault.GenerateMasterKey()
	require.NoError(t, err)
	v, err := vault.New(masterKey)
	require.NoError(t, err)

	notifier := balance.NewNotifier()
	repo := ledgertest.NewMemory()
	fc := newFakeChain(notifier)

	svc := NewService(repo, fc, v, notifier, Config{
		StartingTokenBalance: decimal.NewFromInt(1000),
		ReconcileBlockWindow: 100,
		MinTransferAmount:    decimal.RequireFromString("0.000001"),
		USDTRate:             decimal.NewFromInt(83),
		LocalCurrency:        "INR",
	})

	return &testEnv{repo: repo, chain: fc, vault: v, notifier: notifier, svc: svc}
}

func (e *testEnv) wallet(t *testing.T) (uuid.UUID, *Identity) {
	t.Helper()
	userID := uuid.New()
	identity, err := e.svc.GetOrCreateWallet(context.Background(), userID)
	require.NoError(t, err)
	return userID, identity
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
