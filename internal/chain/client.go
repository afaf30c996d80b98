package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/zjoart/agrimarket-wallet/internal/balance"
	"github.com/zjoart/agrimarket-wallet/internal/metrics"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
)

const (
	transferGasLimit   = 21000
	DefaultBlockWindow = 100
)

var (
	ErrInvalidAddress      = errors.New("invalid address")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientFunds   = errors.New("insufficient funds for amount plus gas")
	ErrGasPriceTooHigh     = errors.New("suggested gas price exceeds configured maximum")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrConfirmationTimeout = errors.New("timed out waiting for transaction to be mined")
)

type Config struct {
	Network             string
	BalanceRetries      int
	BalanceRetryDelay   time.Duration
	ConfirmationTimeout time.Duration
	ReceiptPollInterval time.Duration
	ScanConcurrency     int
	MaxGasPrice         *big.Int
}

type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Activity is a native value transfer touching a watched address.
type Activity struct {
	Hash        string
	From        string
	To          string
	Value       decimal.Decimal
	BlockNumber uint64
	Timestamp   time.Time
	Direction   Direction
	Failed      bool
}

type SentTransaction struct {
	Hash        string
	From        string
	To          string
	Amount      decimal.Decimal
	Nonce       uint64
	GasPrice    *big.Int
	BlockNumber uint64
}

type Client struct {
	eth      EthClient
	notifier *balance.Notifier
	cfg      Config

	chainMu sync.Mutex
	chainID *big.Int
}

func NewClient(eth EthClient, notifier *balance.Notifier, cfg Config) *Client {
	if cfg.BalanceRetries <= 0 {
		cfg.BalanceRetries = 3
	}
	if cfg.BalanceRetryDelay <= 0 {
		cfg.BalanceRetryDelay = time.Second
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.ScanConcurrency <= 0 {
		cfg.ScanConcurrency = 8
	}
	return &Client{eth: eth, notifier: notifier, cfg: cfg}
}

func (c *Client) Network() string {
	return c.cfg.Network
}

// GetBalance reads the native balance of address in ether, retrying failed
// reads with a constant delay. Every successful read is published.
func (c *Client) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !IsValidAddress(address) {
		return decimal.Zero, ErrInvalidAddress
	}
	account := common.HexToAddress(address)

	var wei *big.Int
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		wei, err = c.eth.BalanceAt(ctx, account, nil)
		if err != nil {
			metrics.RPCRequests.WithLabelValues("eth_getBalance", "error").Inc()
			logger.Warn("Balance read failed", logger.Fields{
				logger.AddressKey: address,
				"attempt":         attempt,
				"error":           err.Error(),
			})
			if attempt < c.cfg.BalanceRetries {
				metrics.RPCRetries.WithLabelValues("eth_getBalance").Inc()
			}
			return err
		}
		metrics.RPCRequests.WithLabelValues("eth_getBalance", "ok").Inc()
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.BalanceRetryDelay), uint64(c.cfg.BalanceRetries-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch balance for %s: %w", address, err)
	}

	ether := WeiToEther(wei)
	if c.notifier != nil {
		c.notifier.Publish(balance.Update{
			Key:     balance.AddressKey(address),
			Asset:   balance.AssetETH,
			Balance: ether,
			At:      time.Now().UTC(),
		})
	}

	return ether, nil
}

// SendTransaction signs and broadcasts a native transfer from the key's
// account, then blocks until it is mined. A reverted transaction is
// returned together with ErrTransactionReverted.
func (c *Client) SendTransaction(ctx context.Context, privateKeyHex, to string, amount decimal.Decimal) (*SentTransaction, error) {
	if !IsValidAddress(to) {
		return nil, ErrInvalidAddress
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	value, err := EtherToWei(amount)
	if err != nil {
		return nil, err
	}

	key, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	toAddr := common.HexToAddress(to)

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	if c.cfg.MaxGasPrice != nil && gasPrice.Cmp(c.cfg.MaxGasPrice) > 0 {
		return nil, ErrGasPriceTooHigh
	}

	funds, err := c.eth.BalanceAt(ctx, from, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get sender balance: %w", err)
	}
	cost := new(big.Int).Mul(gasPrice, big.NewInt(transferGasLimit))
	cost.Add(cost, value)
	if funds.Cmp(cost) < 0 {
		return nil, ErrInsufficientFunds
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      transferGasLimit,
		To:       &toAddr,
		Value:    value,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		metrics.RPCRequests.WithLabelValues("eth_sendRawTransaction", "error").Inc()
		return nil, fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	metrics.RPCRequests.WithLabelValues("eth_sendRawTransaction", "ok").Inc()

	sent := &SentTransaction{
		Hash:     signed.Hash().Hex(),
		From:     from.Hex(),
		To:       toAddr.Hex(),
		Amount:   amount,
		Nonce:    nonce,
		GasPrice: gasPrice,
	}

	logger.Info("Transaction broadcast", logger.Fields{
		logger.TxHashKey: sent.Hash,
		"from":           sent.From,
		"to":             sent.To,
		"amount":         amount.String(),
	})

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return sent, err
	}
	if receipt.BlockNumber != nil {
		sent.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return sent, ErrTransactionReverted
	}

	return sent, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			logger.Debug("Receipt lookup failed", logger.Fields{logger.TxHashKey: hash.Hex(), "error": err.Error()})
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrConfirmationTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()

	if c.chainID != nil {
		return c.chainID, nil
	}

	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	c.chainID = id
	return id, nil
}

func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// RecentActivity scans the last window blocks for value transfers sent to
// or from address. Blocks are fetched concurrently.
func (c *Client) RecentActivity(ctx context.Context, address string, window uint64) ([]Activity, error) {
	if !IsValidAddress(address) {
		return nil, ErrInvalidAddress
	}
	if window == 0 {
		window = DefaultBlockWindow
	}

	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}

	from := uint64(0)
	if head+1 > window {
		from = head + 1 - window
	}

	watched := WatchSet(address)

	var (
		mu       sync.Mutex
		activity []Activity
	)

	pool := pond.NewPool(c.cfg.ScanConcurrency, pond.WithContext(ctx))
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for n := from; n <= head; n++ {
		group.SubmitErr(func() error {
			found, err := c.ScanBlock(ctx, n, watched)
			if err != nil {
				return err
			}
			mu.Lock()
			activity = append(activity, found...)
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	// a self-send appears once per side; its incoming entry sorts first
	sort.Slice(activity, func(i, j int) bool {
		if activity[i].BlockNumber != activity[j].BlockNumber {
			return activity[i].BlockNumber > activity[j].BlockNumber
		}
		if activity[i].Hash != activity[j].Hash {
			return activity[i].Hash < activity[j].Hash
		}
		return activity[i].Direction == DirectionIn && activity[j].Direction != DirectionIn
	})

	return activity, nil
}

// ScanBlock returns the value transfers in block number whose sender or
// recipient is in watched. Direction is relative to the matching address;
// a transfer between two watched addresses is reported once per side.
func (c *Client) ScanBlock(ctx context.Context, number uint64, watched map[common.Address]struct{}) ([]Activity, error) {
	block, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %d: %w", number, err)
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	signer := types.LatestSignerForChainID(chainID)

	var out []Activity
	for _, tx := range block.Transactions() {
		if tx.To() == nil || tx.Value() == nil || tx.Value().Sign() == 0 {
			continue
		}

		sender, err := types.Sender(signer, tx)
		if err != nil {
			logger.Debug("Skipping transaction with unrecoverable sender", logger.Fields{logger.TxHashKey: tx.Hash().Hex()})
			continue
		}

		_, toWatched := watched[*tx.To()]
		_, fromWatched := watched[sender]
		if !toWatched && !fromWatched {
			continue
		}

		failed, err := c.failed(ctx, tx.Hash())
		if err != nil {
			return nil, err
		}

		base := Activity{
			Hash:        tx.Hash().Hex(),
			From:        sender.Hex(),
			To:          tx.To().Hex(),
			Value:       WeiToEther(tx.Value()),
			BlockNumber: number,
			Timestamp:   time.Unix(int64(block.Time()), 0).UTC(),
			Failed:      failed,
		}
		if toWatched {
			in := base
			in.Direction = DirectionIn
			out = append(out, in)
		}
		if fromWatched {
			outgoing := base
			outgoing.Direction = DirectionOut
			out = append(out, outgoing)
		}
	}

	return out, nil
}

func (c *Client) failed(ctx context.Context, hash common.Hash) (bool, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("failed to fetch receipt %s: %w", hash.Hex(), err)
	}
	return receipt.Status != types.ReceiptStatusSuccessful, nil
}

// BlockParticipants returns the number of the block and every address that
// sent or received a value transfer in it.
func (c *Client) BlockParticipants(ctx context.Context, number *big.Int) (uint64, []string, error) {
	block, err := c.eth.BlockByNumber(ctx, number)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to fetch block: %w", err)
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return 0, nil, err
	}
	signer := types.LatestSignerForChainID(chainID)

	seen := make(map[common.Address]struct{})
	for _, tx := range block.Transactions() {
		if tx.To() == nil || tx.Value() == nil || tx.Value().Sign() == 0 {
			continue
		}
		seen[*tx.To()] = struct{}{}
		if sender, err := types.Sender(signer, tx); err == nil {
			seen[sender] = struct{}{}
		}
	}

	addresses := make([]string, 0, len(seen))
	for addr := range seen {
		addresses = append(addresses, addr.Hex())
	}
	sort.Strings(addresses)

	return block.NumberU64(), addresses, nil
}

// SubscribeNewHeads forwards new block headers to ch.
func (c *Client) SubscribeNewHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return c.eth.SubscribeNewHead(ctx, ch)
}

// WatchSet builds the address set ScanBlock matches against.
func WatchSet(addresses ...string) map[common.Address]struct{} {
	set := make(map[common.Address]struct{}, len(addresses))
	for _, a := range addresses {
		if IsValidAddress(a) {
			set[common.HexToAddress(a)] = struct{}{}
		}
	}
	return set
}

func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
