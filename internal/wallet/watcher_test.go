package wallet

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/agrimarket-wallet/internal/ledger"
	"github.com/zjoart/agrimarket-wallet/internal/ledger/ledgertest"
	"github.com/zjoart/agrimarket-wallet/pkg/events"
)

type fakeSubscription struct {
	errc chan error
	once sync.Once
}

func (s *fakeSubscription) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }
func (s *fakeSubscription) Err() <-chan error { return s.errc }

type fakeHeads struct {
	mu           sync.Mutex
	participants map[uint64][]string
	latest       uint64
	subErr       error
	heads        chan<- *types.Header
	handled      []uint64
}

func (f *fakeHeads) SubscribeNewHeads(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.mu.Lock()
	f.heads = ch
	f.mu.Unlock()
	return &fakeSubscription{errc: make(chan error)}, nil
}

func (f *fakeHeads) LatestBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeHeads) BlockParticipants(_ context.Context, number *big.Int) (uint64, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := number.Uint64()
	f.handled = append(f.handled, n)
	return n, f.participants[n], nil
}

func (f *fakeHeads) handledBlocks() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.handled...)
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []events.ReconcileJob
	err  error
}

func (q *recordingQueue) EnqueueReconcile(_ context.Context, job events.ReconcileJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) snapshot() []events.ReconcileJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]events.ReconcileJob(nil), q.jobs...)
}

type countingRefresher struct{ n atomic.Int32 }

func (r *countingRefresher) Trigger() { r.n.Add(1) }

func seedCustodial(t *testing.T, repo *ledgertest.Memory, address string) *ledger.Wallet {
	t.Helper()
	w := repo.SeedWallet(uuid.New(), "0")
	attached, err := repo.AttachKeyMaterial(context.Background(), w.ID, ledger.KeyMaterial{
		Address: address, EncryptedPrivateKey: "pk", EncryptedMnemonic: "m", KeyVersion: 1,
	})
	require.NoError(t, err)
	require.True(t, attached)
	return w
}

func TestBlockWatcher_HandleBlockEnqueuesCustodialWallets(t *testing.T) {
	repo := ledgertest.NewMemory()
	alice := seedCustodial(t, repo, "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa")
	seedCustodial(t, repo, "0xBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBb")

	source := &fakeHeads{participants: map[uint64][]string{
		12: {strings.ToLower("0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"), outsider},
	}}
	queue := &recordingQueue{}
	refresher := &countingRefresher{}

	bw := NewBlockWatcher(source, repo, queue, refresher)
	require.NoError(t, bw.HandleBlock(context.Background(), big.NewInt(12)))

	jobs := queue.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, alice.ID.String(), jobs[0].WalletID)
	assert.Equal(t, uint64(12), jobs[0].Block)
	assert.Equal(t, "block", jobs[0].Reason)
	assert.EqualValues(t, 1, refresher.n.Load())
}

func TestBlockWatcher_HandleBlockWithoutParticipants(t *testing.T) {
	repo := ledgertest.NewMemory()
	queue := &recordingQueue{}
	refresher := &countingRefresher{}

	bw := NewBlockWatcher(&fakeHeads{}, repo, queue, refresher)
	require.NoError(t, bw.HandleBlock(context.Background(), big.NewInt(1)))

	assert.Empty(t, queue.snapshot())
	assert.EqualValues(t, 1, refresher.n.Load(), "balances refresh on every block")
}

func TestBlockWatcher_HandleBlockQueueError(t *testing.T) {
	repo := ledgertest.NewMemory()
	address := "0xCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCcCc"
	seedCustodial(t, repo, address)

	source := &fakeHeads{participants: map[uint64][]string{3: {address}}}
	bw := NewBlockWatcher(source, repo, &recordingQueue{err: errors.New("redis down")}, nil)

	assert.Error(t, bw.HandleBlock(context.Background(), big.NewInt(3)))
}

func TestBlockWatcher_RunFollowsSubscription(t *testing.T) {
	source := &fakeHeads{}
	refresher := &countingRefresher{}
	bw := NewBlockWatcher(source, ledgertest.NewMemory(), &recordingQueue{}, refresher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bw.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.heads != nil
	}, time.Second, 5*time.Millisecond)

	source.mu.Lock()
	heads := source.heads
	source.mu.Unlock()
	heads <- &types.Header{Number: big.NewInt(100)}
	heads <- &types.Header{Number: big.NewInt(101)}

	assert.Eventually(t, func() bool { return len(source.handledBlocks()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{100, 101}, source.handledBlocks())

	cancel()
	<-done
}

func TestBlockWatcher_RunFallsBackToPolling(t *testing.T) {
	source := &fakeHeads{subErr: errors.New("http endpoints cannot subscribe"), latest: 50}
	bw := NewBlockWatcher(source, ledgertest.NewMemory(), &recordingQueue{}, nil)
	bw.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bw.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(source.handledBlocks()) == 1 }, time.Second, time.Millisecond)

	source.mu.Lock()
	source.latest = 53
	source.mu.Unlock()

	require.Eventually(t, func() bool { return len(source.handledBlocks()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint64{50, 51, 52, 53}, source.handledBlocks())

	cancel()
	<-done
}
