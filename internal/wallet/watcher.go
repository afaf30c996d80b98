package wallet

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/zjoart/agrimarket-wallet/internal/ledger"
	"github.com/zjoart/agrimarket-wallet/pkg/events"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
)

// maxCatchUpBlocks bounds how far the polling fallback walks back after a gap.
const maxCatchUpBlocks = 10

type HeadSource interface {
	SubscribeNewHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	LatestBlock(ctx context.Context) (uint64, error)
	BlockParticipants(ctx context.Context, number *big.Int) (uint64, []string, error)
}

type Enqueuer interface {
	EnqueueReconcile(ctx context.Context, job events.ReconcileJob) error
}

type Refresher interface {
	Trigger()
}

// BlockWatcher turns new blocks into reconcile jobs for the custodial
// wallets they touch and nudges the balance scheduler.
type BlockWatcher struct {
	source       HeadSource
	wallets      ledger.Repository
	queue        Enqueuer
	refresher    Refresher
	PollInterval time.Duration
}

func NewBlockWatcher(source HeadSource, wallets ledger.Repository, queue Enqueuer, refresher Refresher) *BlockWatcher {
	return &BlockWatcher{
		source:       source,
		wallets:      wallets,
		queue:        queue,
		refresher:    refresher,
		PollInterval: 12 * time.Second,
	}
}

// Run follows new heads until ctx is done. When the node cannot push
// headers it polls for the latest block instead.
func (bw *BlockWatcher) Run(ctx context.Context) {
	heads := make(chan *types.Header, 16)
	sub, err := bw.source.SubscribeNewHeads(ctx, heads)
	if err != nil {
		logger.Warn("Head subscription unavailable, polling instead", logger.Fields{"error": err.Error()})
		bw.poll(ctx)
		return
	}
	defer sub.Unsubscribe()

	logger.Info("Block watcher subscribed to new heads")

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				logger.Warn("Head subscription dropped, polling instead", logger.Fields{"error": err.Error()})
			}
			bw.poll(ctx)
			return
		case head := <-heads:
			if err := bw.HandleBlock(ctx, head.Number); err != nil {
				logger.Warn("Failed to handle block", logger.Fields{"block": head.Number.String(), "error": err.Error()})
			}
		}
	}
}

func (bw *BlockWatcher) poll(ctx context.Context) {
	ticker := time.NewTicker(bw.PollInterval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		latest, err := bw.source.LatestBlock(ctx)
		if err != nil {
			logger.Warn("Failed to read latest block", logger.Fields{"error": err.Error()})
			continue
		}
		if latest <= last {
			continue
		}

		from := last + 1
		if last == 0 || latest-last > maxCatchUpBlocks {
			from = latest
		}
		for n := from; n <= latest; n++ {
			if err := bw.HandleBlock(ctx, new(big.Int).SetUint64(n)); err != nil {
				logger.Warn("Failed to handle block", logger.Fields{"block": n, "error": err.Error()})
			}
		}
		last = latest
	}
}

// HandleBlock enqueues a reconcile job for every custodial wallet that
// sent or received value in the block.
func (bw *BlockWatcher) HandleBlock(ctx context.Context, number *big.Int) error {
	if bw.refresher != nil {
		defer bw.refresher.Trigger()
	}

	blockNumber, addresses, err := bw.source.BlockParticipants(ctx, number)
	if err != nil {
		return err
	}
	if len(addresses) == 0 {
		return nil
	}

	wallets, err := bw.wallets.FindWalletsByAddresses(ctx, addresses)
	if err != nil {
		return err
	}

	for _, w := range wallets {
		job := events.ReconcileJob{
			WalletID: w.ID.String(),
			Address:  w.Address(),
			Reason:   "block",
			Block:    blockNumber,
		}
		if err := bw.queue.EnqueueReconcile(ctx, job); err != nil {
			return err
		}
		logger.Debug("Queued wallet reconcile", logger.Fields{logger.WalletIdKey: job.WalletID, "block": blockNumber})
	}

	return nil
}
