// Package ledgertest provides an in-memory ledger.Repository that follows
// the same rules as the PostgreSQL store and its procedures.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zjoart/agrimarket-wallet/internal/ledger"
)

type Memory struct {
	mu       sync.Mutex
	wallets  map[uuid.UUID]*ledger.Wallet
	txs      []*ledger.Transaction
	requests map[uuid.UUID]*ledger.FundingRequest
	clock    func() time.Time

	// Err, when set, is returned by every call.
	Err error
}

var _ ledger.Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		wallets:  make(map[uuid.UUID]*ledger.Wallet),
		requests: make(map[uuid.UUID]*ledger.FundingRequest),
		clock:    time.Now,
	}
}

// SeedWallet stores a ledger-only wallet with the given balance.
func (m *Memory) SeedWallet(userID uuid.UUID, balance string) *ledger.Wallet {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	w := &ledger.Wallet{
		ID:           uuid.New(),
		UserID:       userID,
		TokenBalance: decimal.RequireFromString(balance),
		Network:      "sepolia",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.wallets[w.ID] = w
	return clone(w)
}

// WalletCount returns how many wallet rows exist for userID.
func (m *Memory) WalletCount(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, w := range m.wallets {
		if w.UserID == userID {
			n++
		}
	}
	return n
}

// AllTransactions returns every row of walletID regardless of limits.
func (m *Memory) AllTransactions(walletID uuid.UUID) []ledger.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transactionsLocked(walletID)
}

func (m *Memory) GetWalletByUserID(_ context.Context, userID uuid.UUID) (*ledger.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, w := range m.wallets {
		if w.UserID == userID {
			return clone(w), nil
		}
	}
	return nil, ledger.ErrWalletNotFound
}

func (m *Memory) GetWalletByID(_ context.Context, id uuid.UUID) (*ledger.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if w, ok := m.wallets[id]; ok {
		return clone(w), nil
	}
	return nil, ledger.ErrWalletNotFound
}

func (m *Memory) GetWalletByAddress(_ context.Context, address string) (*ledger.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if w := m.byAddressLocked(address); w != nil {
		return clone(w), nil
	}
	return nil, ledger.ErrWalletNotFound
}

func (m *Memory) FindWalletsByAddresses(_ context.Context, addresses []string) ([]ledger.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var out []ledger.Wallet
	seen := make(map[uuid.UUID]bool)
	for _, a := range addresses {
		if w := m.byAddressLocked(a); w != nil && !seen[w.ID] {
			seen[w.ID] = true
			out = append(out, *clone(w))
		}
	}
	return out, nil
}

func (m *Memory) CreateWallet(_ context.Context, wallet *ledger.Wallet) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	for _, w := range m.wallets {
		if w.UserID == wallet.UserID {
			return false, nil
		}
	}
	if wallet.HasKeyMaterial() && m.byAddressLocked(wallet.Address()) != nil {
		return false, fmt.Errorf("duplicate wallet address %s", wallet.Address())
	}

	if wallet.ID == uuid.Nil {
		wallet.ID = uuid.New()
	}
	now := m.clock()
	wallet.CreatedAt, wallet.UpdatedAt = now, now
	m.wallets[wallet.ID] = clone(wallet)
	return true, nil
}

func (m *Memory) AttachKeyMaterial(_ context.Context, walletID uuid.UUID, keys ledger.KeyMaterial) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	w, ok := m.wallets[walletID]
	if !ok || w.HasKeyMaterial() {
		return false, nil
	}

	address, pk, mnemonic := keys.Address, keys.EncryptedPrivateKey, keys.EncryptedMnemonic
	w.WalletAddress = &address
	w.EncryptedPrivateKey = &pk
	w.EncryptedMnemonic = &mnemonic
	w.KeyVersion = keys.KeyVersion
	w.UpdatedAt = m.clock()
	return true, nil
}

func (m *Memory) CreateTransaction(_ context.Context, tx *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if tx.Status == "" {
		tx.Status = ledger.TransactionPending
	}
	return m.insertLocked(tx)
}

func (m *Memory) RecordChainTransaction(_ context.Context, tx *ledger.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	hash := strings.ToLower(tx.Hash())
	if hash == "" {
		return false, fmt.Errorf("chain transaction requires %s metadata", ledger.MetaTxHash)
	}
	for _, existing := range m.txs {
		if existing.WalletID == tx.WalletID && strings.ToLower(existing.Hash()) == hash {
			return false, nil
		}
	}
	if tx.Status == "" {
		tx.Status = ledger.TransactionCompleted
	}
	return true, m.insertLocked(tx)
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, reference string, status ledger.TransactionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if status != ledger.TransactionCompleted && status != ledger.TransactionFailed {
		return ledger.ErrInvalidStatusTransition
	}

	for _, tx := range m.txs {
		if tx.Reference != reference {
			continue
		}
		if tx.Status != ledger.TransactionPending {
			return ledger.ErrInvalidStatusTransition
		}
		tx.Status = status
		tx.UpdatedAt = m.clock()
		return nil
	}
	return ledger.ErrTransactionNotFound
}

func (m *Memory) GetTransactions(_ context.Context, walletID uuid.UUID, limit, offset int) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	rows := m.transactionsLocked(walletID)
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *Memory) CountTransactions(_ context.Context, walletID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return int64(len(m.transactionsLocked(walletID))), nil
}

func (m *Memory) TransferTokens(_ context.Context, fromWalletID, toWalletID uuid.UUID, amount decimal.Decimal, reference, description string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return decimal.Zero, m.Err
	}

	if !amount.IsPositive() {
		return decimal.Zero, ledger.ErrInvalidAmount
	}
	if fromWalletID == toWalletID {
		return decimal.Zero, ledger.ErrSelfTransfer
	}
	from, okFrom := m.wallets[fromWalletID]
	to, okTo := m.wallets[toWalletID]
	if !okFrom || !okTo {
		return decimal.Zero, ledger.ErrWalletNotFound
	}
	if from.TokenBalance.LessThan(amount) {
		return decimal.Zero, ledger.ErrInsufficientBalance
	}

	now := m.clock()
	from.TokenBalance = from.TokenBalance.Sub(amount)
	to.TokenBalance = to.TokenBalance.Add(amount)
	from.UpdatedAt, to.UpdatedAt = now, now

	debit := &ledger.Transaction{
		WalletID:    fromWalletID,
		Reference:   reference + "-debit",
		Amount:      amount.Neg(),
		Type:        ledger.TransactionTransfer,
		Status:      ledger.TransactionCompleted,
		Metadata:    ledger.NewMetadata(map[string]any{ledger.MetaCounterpartyWalletID: toWalletID.String()}),
		Description: description,
	}
	credit := &ledger.Transaction{
		WalletID:    toWalletID,
		Reference:   reference + "-credit",
		Amount:      amount,
		Type:        ledger.TransactionTransfer,
		Status:      ledger.TransactionCompleted,
		Metadata:    ledger.NewMetadata(map[string]any{ledger.MetaCounterpartyWalletID: fromWalletID.String()}),
		Description: description,
	}
	if err := m.insertLocked(debit); err != nil {
		return decimal.Zero, err
	}
	if err := m.insertLocked(credit); err != nil {
		return decimal.Zero, err
	}

	return from.TokenBalance, nil
}

func (m *Memory) CreateFundingRequest(_ context.Context, req *ledger.FundingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.wallets[req.WalletID]; !ok {
		return ledger.ErrWalletNotFound
	}
	if !req.AmountUSDT.IsPositive() {
		return ledger.ErrInvalidAmount
	}

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Status == "" {
		req.Status = ledger.FundingPending
	}
	now := m.clock()
	req.CreatedAt, req.UpdatedAt = now, now

	stored := *req
	m.requests[req.ID] = &stored
	return nil
}

func (m *Memory) GetFundingRequest(_ context.Context, id uuid.UUID) (*ledger.FundingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	req, ok := m.requests[id]
	if !ok {
		return nil, ledger.ErrFundingRequestNotFound
	}
	out := *req
	return &out, nil
}

func (m *Memory) ListFundingRequests(_ context.Context, filter ledger.FundingFilter) ([]ledger.FundingRequest, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, 0, m.Err
	}

	var all []ledger.FundingRequest
	for _, req := range m.requests {
		if filter.UserID != nil && req.UserID != *filter.UserID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		all = append(all, *req)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := int64(len(all))
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if filter.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[filter.Offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *Memory) ApproveFundingRequest(_ context.Context, id, adminID uuid.UUID, note string) (*ledger.FundingRequest, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, decimal.Zero, m.Err
	}

	req, err := m.pendingLocked(id)
	if err != nil {
		return nil, decimal.Zero, err
	}
	w, ok := m.wallets[req.WalletID]
	if !ok {
		return nil, decimal.Zero, ledger.ErrWalletNotFound
	}

	credit := &ledger.Transaction{
		WalletID:  w.ID,
		Reference: ledger.FundingReference(req.ID),
		Amount:    req.AmountUSDT,
		Type:      ledger.TransactionDeposit,
		Status:    ledger.TransactionCompleted,
		Metadata: ledger.NewMetadata(map[string]any{
			ledger.MetaFundingRequestID: req.ID.String(),
			ledger.MetaNote:             note,
		}),
		Description: "Wallet funding",
	}
	if err := m.insertLocked(credit); err != nil {
		return nil, decimal.Zero, err
	}

	w.TokenBalance = w.TokenBalance.Add(req.AmountUSDT)
	m.markLocked(req, adminID, ledger.FundingApproved, note)

	out := *req
	return &out, w.TokenBalance, nil
}

func (m *Memory) RejectFundingRequest(_ context.Context, id, adminID uuid.UUID, note string) (*ledger.FundingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	req, err := m.pendingLocked(id)
	if err != nil {
		return nil, err
	}
	m.markLocked(req, adminID, ledger.FundingRejected, note)

	out := *req
	return &out, nil
}

func (m *Memory) pendingLocked(id uuid.UUID) (*ledger.FundingRequest, error) {
	req, ok := m.requests[id]
	if !ok {
		return nil, ledger.ErrFundingRequestNotFound
	}
	if req.Status != ledger.FundingPending {
		return nil, ledger.ErrAlreadyResolved
	}
	return req, nil
}

func (m *Memory) markLocked(req *ledger.FundingRequest, adminID uuid.UUID, status ledger.FundingStatus, note string) {
	now := m.clock()
	req.Status = status
	req.ReviewedBy = &adminID
	req.ReviewedAt = &now
	req.ReviewNote = note
	req.UpdatedAt = now
}

func (m *Memory) insertLocked(tx *ledger.Transaction) error {
	for _, existing := range m.txs {
		if existing.Reference == tx.Reference {
			return fmt.Errorf("duplicate reference %s", tx.Reference)
		}
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	now := m.clock()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	if h := tx.Hash(); h != "" {
		lowered := strings.ToLower(h)
		tx.TxHash = &lowered
	}

	stored := *tx
	m.txs = append(m.txs, &stored)
	return nil
}

func (m *Memory) transactionsLocked(walletID uuid.UUID) []ledger.Transaction {
	var rows []ledger.Transaction
	for _, tx := range m.txs {
		if tx.WalletID == walletID {
			rows = append(rows, *tx)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].Reference > rows[j].Reference
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	return rows
}

func (m *Memory) byAddressLocked(address string) *ledger.Wallet {
	for _, w := range m.wallets {
		if w.HasKeyMaterial() && strings.EqualFold(w.Address(), address) {
			return w
		}
	}
	return nil
}

func clone(w *ledger.Wallet) *ledger.Wallet {
	out := *w
	if w.WalletAddress != nil {
		v := *w.WalletAddress
		out.WalletAddress = &v
	}
	if w.EncryptedPrivateKey != nil {
		v := *w.EncryptedPrivateKey
		out.EncryptedPrivateKey = &v
	}
	if w.EncryptedMnemonic != nil {
		v := *w.EncryptedMnemonic
		out.EncryptedMnemonic = &v
	}
	return &out
}
