package chain_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjoart/agrimarket-wallet/internal/balance"
	"github.com/zjoart/agrimarket-wallet/internal/chain"
	"github.com/zjoart/agrimarket-wallet/internal/mocks"
)

var (
	testChainID = big.NewInt(11155111)
	oneEther    = big.NewInt(1_000_000_000_000_000_000)
	halfEther   = big.NewInt(500_000_000_000_000_000)
	gwei        = big.NewInt(1_000_000_000)
)

type testClientMocks struct {
	ctrl     *gomock.Controller
	eth      *mocks.MockEthClient
	notifier *balance.Notifier
	client   *chain.Client
}

func setupTestClient(t *testing.T) *testClientMocks {
	ctrl := gomock.NewController(t)

	tm := &testClientMocks{
		ctrl:     ctrl,
		eth:      mocks.NewMockEthClient(ctrl),
		notifier: balance.NewNotifier(),
	}

	tm.client = chain.NewClient(tm.eth, tm.notifier, chain.Config{
		Network:             "sepolia",
		BalanceRetries:      3,
		BalanceRetryDelay:   time.Millisecond,
		ConfirmationTimeout: time.Second,
		ReceiptPollInterval: time.Millisecond,
		ScanConcurrency:     2,
		MaxGasPrice:         chain.GweiToWei(100),
	})

	return tm
}

func tearDownTestClient(tm *testClientMocks) {
	tm.ctrl.Finish()
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func signedTransfer(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to common.Address, value *big.Int) *types.Transaction {
	t.Helper()
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gwei,
		Gas:      21000,
		To:       &to,
		Value:    value,
	}), types.LatestSignerForChainID(testChainID), key)
	require.NoError(t, err)
	return tx
}

func blockWith(number uint64, txs ...*types.Transaction) *types.Block {
	header := &types.Header{Number: new(big.Int).SetUint64(number), Time: 1_700_000_000 + number}
	return types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
}

func TestClient_GetBalance_PublishesResult(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	_, addr := newKey(t)

	var published []balance.Update
	tm.notifier.Subscribe(balance.AddressKey(addr.Hex()), func(u balance.Update) {
		published = append(published, u)
	})

	tm.eth.EXPECT().BalanceAt(gomock.Any(), addr, nil).Return(halfEther, nil)

	got, err := tm.client.GetBalance(context.Background(), addr.Hex())
	require.NoError(t, err)
	assert.Equal(t, "0.5", got.String())

	require.Len(t, published, 1)
	assert.Equal(t, balance.AssetETH, published[0].Asset)
	assert.True(t, published[0].Balance.Equal(decimal.RequireFromString("0.5")))
}

func TestClient_GetBalance_RetriesTransientErrors(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	_, addr := newKey(t)

	gomock.InOrder(
		tm.eth.EXPECT().BalanceAt(gomock.Any(), addr, nil).Return(nil, errors.New("connection reset")),
		tm.eth.EXPECT().BalanceAt(gomock.Any(), addr, nil).Return(nil, errors.New("connection reset")),
		tm.eth.EXPECT().BalanceAt(gomock.Any(), addr, nil).Return(oneEther, nil),
	)

	got, err := tm.client.GetBalance(context.Background(), addr.Hex())
	require.NoError(t, err)
	assert.Equal(t, "1", got.String())
}

func TestClient_GetBalance_GivesUpAfterThreeAttempts(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	_, addr := newKey(t)
	rpcErr := errors.New("upstream unavailable")

	tm.eth.EXPECT().BalanceAt(gomock.Any(), addr, nil).Return(nil, rpcErr).Times(3)

	published := 0
	tm.notifier.Subscribe(balance.AddressKey(addr.Hex()), func(balance.Update) { published++ })

	_, err := tm.client.GetBalance(context.Background(), addr.Hex())
	assert.ErrorIs(t, err, rpcErr)
	assert.Equal(t, 0, published)
}

func TestClient_GetBalance_InvalidAddress(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	_, err := tm.client.GetBalance(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)
}

func expectSendPreamble(tm *testClientMocks, from common.Address, funds *big.Int) {
	tm.eth.EXPECT().ChainID(gomock.Any()).Return(testChainID, nil)
	tm.eth.EXPECT().PendingNonceAt(gomock.Any(), from).Return(uint64(7), nil)
	tm.eth.EXPECT().SuggestGasPrice(gomock.Any()).Return(gwei, nil)
	tm.eth.EXPECT().BalanceAt(gomock.Any(), from, nil).Return(funds, nil)
}

func TestClient_SendTransaction_WaitsForReceipt(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	key, from := newKey(t)
	_, to := newKey(t)
	privHex := common.Bytes2Hex(crypto.FromECDSA(key))

	expectSendPreamble(tm, from, oneEther)

	var sentHash common.Hash
	tm.eth.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, tx *types.Transaction) error {
		sender, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
		require.NoError(t, err)
		assert.Equal(t, from, sender)
		assert.Equal(t, to, *tx.To())
		assert.Equal(t, halfEther, tx.Value())
		assert.Equal(t, uint64(7), tx.Nonce())
		assert.Equal(t, uint64(21000), tx.Gas())
		sentHash = tx.Hash()
		return nil
	})

	gomock.InOrder(
		tm.eth.EXPECT().TransactionReceipt(gomock.Any(), gomock.Any()).Return(nil, ethereum.NotFound),
		tm.eth.EXPECT().TransactionReceipt(gomock.Any(), gomock.Any()).Return(&types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(42),
		}, nil),
	)

	sent, err := tm.client.SendTransaction(context.Background(), privHex, to.Hex(), decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.Equal(t, sentHash.Hex(), sent.Hash)
	assert.Equal(t, from.Hex(), sent.From)
	assert.Equal(t, uint64(42), sent.BlockNumber)
}

func TestClient_SendTransaction_Reverted(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	key, from := newKey(t)
	_, to := newKey(t)

	expectSendPreamble(tm, from, oneEther)
	tm.eth.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(nil)
	tm.eth.EXPECT().TransactionReceipt(gomock.Any(), gomock.Any()).Return(&types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(43),
	}, nil)

	sent, err := tm.client.SendTransaction(context.Background(), common.Bytes2Hex(crypto.FromECDSA(key)), to.Hex(), decimal.RequireFromString("0.1"))
	assert.ErrorIs(t, err, chain.ErrTransactionReverted)
	require.NotNil(t, sent)
	assert.NotEmpty(t, sent.Hash)
}

func TestClient_SendTransaction_InsufficientFunds(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	key, from := newKey(t)
	_, to := newKey(t)

	expectSendPreamble(tm, from, halfEther)

	_, err := tm.client.SendTransaction(context.Background(), common.Bytes2Hex(crypto.FromECDSA(key)), to.Hex(), decimal.RequireFromString("0.5"))
	assert.ErrorIs(t, err, chain.ErrInsufficientFunds)
}

func TestClient_SendTransaction_GasPriceCap(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	key, from := newKey(t)
	_, to := newKey(t)

	tm.eth.EXPECT().ChainID(gomock.Any()).Return(testChainID, nil)
	tm.eth.EXPECT().PendingNonceAt(gomock.Any(), from).Return(uint64(0), nil)
	tm.eth.EXPECT().SuggestGasPrice(gomock.Any()).Return(chain.GweiToWei(500), nil)

	_, err := tm.client.SendTransaction(context.Background(), common.Bytes2Hex(crypto.FromECDSA(key)), to.Hex(), decimal.RequireFromString("0.1"))
	assert.ErrorIs(t, err, chain.ErrGasPriceTooHigh)
}

func TestClient_SendTransaction_RejectsBadInput(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	key, _ := newKey(t)
	_, to := newKey(t)
	privHex := common.Bytes2Hex(crypto.FromECDSA(key))

	tests := []struct {
		name    string
		to      string
		amount  string
		wantErr error
	}{
		{"bad recipient", "0x123", "1", chain.ErrInvalidAddress},
		{"zero amount", to.Hex(), "0", chain.ErrInvalidAmount},
		{"negative amount", to.Hex(), "-1", chain.ErrInvalidAmount},
		{"sub wei", to.Hex(), "0.0000000000000000001", chain.ErrSubWeiAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tm.client.SendTransaction(context.Background(), privHex, tt.to, decimal.RequireFromString(tt.amount))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClient_RecentActivity_ClassifiesTransfers(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	walletKey, wallet := newKey(t)
	strangerKey, _ := newKey(t)
	_, other := newKey(t)

	incoming := signedTransfer(t, strangerKey, 0, wallet, halfEther)
	unrelated := signedTransfer(t, strangerKey, 1, other, oneEther)
	outgoing := signedTransfer(t, walletKey, 0, other, big.NewInt(100_000_000_000_000_000))

	blocks := map[uint64]*types.Block{
		3: blockWith(3),
		4: blockWith(4, incoming, unrelated),
		5: blockWith(5, outgoing),
	}

	tm.eth.EXPECT().BlockNumber(gomock.Any()).Return(uint64(5), nil)
	tm.eth.EXPECT().ChainID(gomock.Any()).Return(testChainID, nil).AnyTimes()
	tm.eth.EXPECT().BlockByNumber(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, n *big.Int) (*types.Block, error) {
		return blocks[n.Uint64()], nil
	}).Times(3)
	tm.eth.EXPECT().TransactionReceipt(gomock.Any(), incoming.Hash()).Return(&types.Receipt{Status: types.ReceiptStatusSuccessful}, nil)
	tm.eth.EXPECT().TransactionReceipt(gomock.Any(), outgoing.Hash()).Return(&types.Receipt{Status: types.ReceiptStatusFailed}, nil)

	activity, err := tm.client.RecentActivity(context.Background(), wallet.Hex(), 3)
	require.NoError(t, err)
	require.Len(t, activity, 2)

	assert.Equal(t, outgoing.Hash().Hex(), activity[0].Hash)
	assert.Equal(t, chain.DirectionOut, activity[0].Direction)
	assert.Equal(t, uint64(5), activity[0].BlockNumber)
	assert.True(t, activity[0].Failed)

	assert.Equal(t, incoming.Hash().Hex(), activity[1].Hash)
	assert.Equal(t, chain.DirectionIn, activity[1].Direction)
	assert.Equal(t, "0.5", activity[1].Value.String())
	assert.False(t, activity[1].Failed)
}

func TestClient_RecentActivity_SelfSendsListIncomingFirst(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	walletKey, wallet := newKey(t)

	var txs []*types.Transaction
	for nonce := uint64(0); nonce < 40; nonce++ {
		txs = append(txs, signedTransfer(t, walletKey, nonce, wallet, halfEther))
	}

	tm.eth.EXPECT().BlockNumber(gomock.Any()).Return(uint64(7), nil)
	tm.eth.EXPECT().ChainID(gomock.Any()).Return(testChainID, nil).AnyTimes()
	tm.eth.EXPECT().BlockByNumber(gomock.Any(), big.NewInt(7)).Return(blockWith(7, txs...), nil)
	tm.eth.EXPECT().TransactionReceipt(gomock.Any(), gomock.Any()).Return(&types.Receipt{Status: types.ReceiptStatusSuccessful}, nil).AnyTimes()

	activity, err := tm.client.RecentActivity(context.Background(), wallet.Hex(), 1)
	require.NoError(t, err)
	require.Len(t, activity, 80)

	first := map[string]chain.Direction{}
	for _, a := range activity {
		if _, ok := first[a.Hash]; !ok {
			first[a.Hash] = a.Direction
		}
	}
	require.Len(t, first, 40)
	for hash, dir := range first {
		assert.Equal(t, chain.DirectionIn, dir, hash)
	}
}

func TestWatchSet(t *testing.T) {
	_, a := newKey(t)
	_, b := newKey(t)

	set := chain.WatchSet(a.Hex(), "not-an-address", strings.ToLower(b.Hex()), "")
	assert.Len(t, set, 2)
	assert.Contains(t, set, a)
	assert.Contains(t, set, common.HexToAddress(b.Hex()))
}

func TestClient_RecentActivity_WindowLargerThanChain(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	_, wallet := newKey(t)

	tm.eth.EXPECT().BlockNumber(gomock.Any()).Return(uint64(1), nil)
	tm.eth.EXPECT().ChainID(gomock.Any()).Return(testChainID, nil).AnyTimes()
	tm.eth.EXPECT().BlockByNumber(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, n *big.Int) (*types.Block, error) {
		return blockWith(n.Uint64()), nil
	}).Times(2)

	activity, err := tm.client.RecentActivity(context.Background(), wallet.Hex(), 100)
	require.NoError(t, err)
	assert.Empty(t, activity)
}

func TestClient_RecentActivity_BlockFetchError(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	_, wallet := newKey(t)

	tm.eth.EXPECT().BlockNumber(gomock.Any()).Return(uint64(0), nil)
	tm.eth.EXPECT().BlockByNumber(gomock.Any(), gomock.Any()).Return(nil, errors.New("rate limited"))

	_, err := tm.client.RecentActivity(context.Background(), wallet.Hex(), 10)
	assert.Error(t, err)
}

func TestClient_BlockParticipants(t *testing.T) {
	tm := setupTestClient(t)
	defer tearDownTestClient(tm)

	senderKey, sender := newKey(t)
	_, recipient := newKey(t)

	tx := signedTransfer(t, senderKey, 0, recipient, halfEther)

	tm.eth.EXPECT().ChainID(gomock.Any()).Return(testChainID, nil)
	tm.eth.EXPECT().BlockByNumber(gomock.Any(), big.NewInt(9)).Return(blockWith(9, tx), nil)

	number, addrs, err := tm.client.BlockParticipants(context.Background(), big.NewInt(9))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), number)
	assert.ElementsMatch(t, []string{sender.Hex(), recipient.Hex()}, addrs)
}
