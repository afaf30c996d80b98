package balance

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_PublishReachesKeySubscribers(t *testing.T) {
	n := NewNotifier()

	var got []Update
	n.Subscribe("0xabc", func(u Update) { got = append(got, u) })

	var other int
	n.Subscribe("0xdef", func(Update) { other++ })

	n.Publish(Update{Key: "0xabc", Asset: AssetETH, Balance: decimal.RequireFromString("1.5")})

	require.Len(t, got, 1)
	assert.Equal(t, "1.5", got[0].Balance.String())
	assert.False(t, got[0].At.IsZero())
	assert.Equal(t, 0, other)
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := NewNotifier()

	calls := 0
	unsubscribe := n.Subscribe("wallet-1", func(Update) { calls++ })
	assert.Equal(t, 1, n.SubscriberCount("wallet-1"))

	unsubscribe()
	unsubscribe()

	n.Publish(Update{Key: "wallet-1", Asset: AssetToken, Balance: decimal.NewFromInt(10)})

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, n.SubscriberCount("wallet-1"))
}

func TestNotifier_Last(t *testing.T) {
	n := NewNotifier()

	_, ok := n.Last("0xabc", AssetETH)
	assert.False(t, ok)

	n.Publish(Update{Key: "0xabc", Asset: AssetETH, Balance: decimal.NewFromInt(1)})
	n.Publish(Update{Key: "0xabc", Asset: AssetETH, Balance: decimal.NewFromInt(2)})

	u, ok := n.Last("0xabc", AssetETH)
	require.True(t, ok)
	assert.True(t, u.Balance.Equal(decimal.NewFromInt(2)))

	_, ok = n.Last("0xabc", AssetToken)
	assert.False(t, ok)
}

func TestNotifier_ConcurrentUse(t *testing.T) {
	n := NewNotifier()

	var mu sync.Mutex
	total := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsubscribe := n.Subscribe("k", func(Update) {
				mu.Lock()
				total++
				mu.Unlock()
			})
			n.Publish(Update{Key: "k", Asset: AssetETH})
			unsubscribe()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, n.SubscriberCount("k"))
	assert.GreaterOrEqual(t, total, 20)
}

func TestAddressKey(t *testing.T) {
	assert.Equal(t, "0xabcdef", AddressKey(" 0xAbCdEf "))
}

func TestAsset_Valid(t *testing.T) {
	assert.True(t, AssetETH.Valid())
	assert.True(t, AssetToken.Valid())
	assert.False(t, Asset("BTC").Valid())
}
