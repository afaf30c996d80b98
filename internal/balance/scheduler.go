package balance

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/shopspring/decimal"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
)

// BalanceReader reads an on-chain balance. Implementations publish the
// result on the Notifier themselves.
type BalanceReader interface {
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// Scheduler is the single process-wide refresher of on-chain balances.
// Callers register interest with Watch; refreshes happen every interval and
// whenever Trigger is called.
type Scheduler struct {
	reader   BalanceReader
	interval time.Duration
	workers  int

	mu      sync.Mutex
	watched map[string]int

	trigger chan struct{}
}

func NewScheduler(reader BalanceReader, interval time.Duration, workers int) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		reader:   reader,
		interval: interval,
		workers:  workers,
		watched:  make(map[string]int),
		trigger:  make(chan struct{}, 1),
	}
}

// Watch adds address to the refresh set. The returned func drops this
// caller's interest; the address stays watched while any caller holds it.
func (s *Scheduler) Watch(address string) func() {
	key := AddressKey(address)

	s.mu.Lock()
	s.watched[key]++
	first := s.watched[key] == 1
	s.mu.Unlock()

	if first {
		s.Trigger()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.watched[key]--
			if s.watched[key] <= 0 {
				delete(s.watched, key)
			}
		})
	}
}

// Trigger requests a refresh. Calls made while a refresh is already pending
// coalesce into one.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Watched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.watched))
	for addr := range s.watched {
		out = append(out, addr)
	}
	return out
}

// Run refreshes until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	pool := pond.NewPool(s.workers, pond.WithContext(ctx))
	defer pool.StopAndWait()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info("Balance scheduler started", logger.Fields{"interval": s.interval.String(), "workers": s.workers})

	for {
		select {
		case <-ctx.Done():
			logger.Info("Balance scheduler stopped")
			return
		case <-ticker.C:
			s.refresh(ctx, pool)
		case <-s.trigger:
			s.refresh(ctx, pool)
		}
	}
}

func (s *Scheduler) refresh(ctx context.Context, pool pond.Pool) {
	addresses := s.Watched()
	if len(addresses) == 0 {
		return
	}

	group := pool.NewGroup()
	for _, addr := range addresses {
		group.Submit(func() {
			if _, err := s.reader.GetBalance(ctx, addr); err != nil {
				logger.Warn("Balance refresh failed", logger.Fields{logger.AddressKey: addr, "error": err.Error()})
			}
		})
	}

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		logger.Warn("Balance refresh incomplete", logger.Fields{"error": err.Error()})
	}
}
