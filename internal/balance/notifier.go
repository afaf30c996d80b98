package balance

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Asset string

const (
	AssetETH   Asset = "ETH"
	AssetToken Asset = "TOKEN"
)

func (a Asset) Valid() bool {
	return a == AssetETH || a == AssetToken
}

// Update is one observed balance. Key is a normalised address for ETH and a
// wallet id for TOKEN.
type Update struct {
	Key     string          `json:"key"`
	Asset   Asset           `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
	At      time.Time       `json:"at"`
}

type Listener func(Update)

// Notifier fans balance updates out to subscribers of a key. Listeners run
// on the publishing goroutine and must not block.
type Notifier struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]Listener
	last      map[string]Update
}

func NewNotifier() *Notifier {
	return &Notifier{
		listeners: make(map[string]map[uint64]Listener),
		last:      make(map[string]Update),
	}
}

// AddressKey normalises an address for use as a subscription key.
func AddressKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func (n *Notifier) Subscribe(key string, fn Listener) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	if n.listeners[key] == nil {
		n.listeners[key] = make(map[uint64]Listener)
	}
	n.listeners[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.listeners[key], id)
			if len(n.listeners[key]) == 0 {
				delete(n.listeners, key)
			}
		})
	}
}

func (n *Notifier) Publish(u Update) {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}

	n.mu.Lock()
	n.last[lastKey(u.Key, u.Asset)] = u
	fns := make([]Listener, 0, len(n.listeners[u.Key]))
	for _, fn := range n.listeners[u.Key] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

// Last returns the most recent update published for key and asset.
func (n *Notifier) Last(key string, asset Asset) (Update, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	u, ok := n.last[lastKey(key, asset)]
	return u, ok
}

func (n *Notifier) SubscriberCount(key string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners[key])
}

func lastKey(key string, asset Asset) string {
	return string(asset) + ":" + key
}
