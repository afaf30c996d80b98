package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository interface {
	GetWalletByUserID(ctx context.Context, userID uuid.UUID) (*Wallet, error)
	GetWalletByID(ctx context.Context, id uuid.UUID) (*Wallet, error)
	GetWalletByAddress(ctx context.Context, address string) (*Wallet, error)
	FindWalletsByAddresses(ctx context.Context, addresses []string) ([]Wallet, error)
	CreateWallet(ctx context.Context, wallet *Wallet) (bool, error)
	AttachKeyMaterial(ctx context.Context, walletID uuid.UUID, keys KeyMaterial) (bool, error)

	CreateTransaction(ctx context.Context, tx *Transaction) error
	RecordChainTransaction(ctx context.Context, tx *Transaction) (bool, error)
	UpdateTransactionStatus(ctx context.Context, reference string, status TransactionStatus) error
	GetTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]Transaction, error)
	CountTransactions(ctx context.Context, walletID uuid.UUID) (int64, error)
	TransferTokens(ctx context.Context, fromWalletID, toWalletID uuid.UUID, amount decimal.Decimal, reference, description string) (decimal.Decimal, error)

	CreateFundingRequest(ctx context.Context, req *FundingRequest) error
	GetFundingRequest(ctx context.Context, id uuid.UUID) (*FundingRequest, error)
	ListFundingRequests(ctx context.Context, filter FundingFilter) ([]FundingRequest, int64, error)
	ApproveFundingRequest(ctx context.Context, id, adminID uuid.UUID, note string) (*FundingRequest, decimal.Decimal, error)
	RejectFundingRequest(ctx context.Context, id, adminID uuid.UUID, note string) (*FundingRequest, error)
}

// KeyMaterial is the encrypted on-chain identity attached to a wallet.
type KeyMaterial struct {
	Address             string
	EncryptedPrivateKey string
	EncryptedMnemonic   string
	KeyVersion          int
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetWalletByUserID(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	var wallet Wallet
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error; err != nil {
		return nil, notFound(err, ErrWalletNotFound)
	}
	return &wallet, nil
}

func (r *repository) GetWalletByID(ctx context.Context, id uuid.UUID) (*Wallet, error) {
	var wallet Wallet
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&wallet).Error; err != nil {
		return nil, notFound(err, ErrWalletNotFound)
	}
	return &wallet, nil
}

func (r *repository) GetWalletByAddress(ctx context.Context, address string) (*Wallet, error) {
	var wallet Wallet
	if err := r.db.WithContext(ctx).Where("lower(wallet_address) = ?", strings.ToLower(address)).First(&wallet).Error; err != nil {
		return nil, notFound(err, ErrWalletNotFound)
	}
	return &wallet, nil
}

func (r *repository) FindWalletsByAddresses(ctx context.Context, addresses []string) ([]Wallet, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	lowered := make([]string, len(addresses))
	for i, a := range addresses {
		lowered[i] = strings.ToLower(a)
	}

	var wallets []Wallet
	err := r.db.WithContext(ctx).Where("lower(wallet_address) IN ?", lowered).Find(&wallets).Error
	return wallets, err
}

// CreateWallet inserts wallet unless the user already has one. The bool
// reports whether this call created the row.
func (r *repository) CreateWallet(ctx context.Context, wallet *Wallet) (bool, error) {
	if wallet.ID == uuid.Nil {
		wallet.ID = uuid.New()
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(wallet)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AttachKeyMaterial sets the on-chain identity of a ledger-only wallet. It
// reports false when the wallet already had one.
func (r *repository) AttachKeyMaterial(ctx context.Context, walletID uuid.UUID, keys KeyMaterial) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Wallet{}).
		Where("id = ? AND wallet_address IS NULL", walletID).
		Updates(map[string]interface{}{
			"wallet_address":        keys.Address,
			"encrypted_private_key": keys.EncryptedPrivateKey,
			"encrypted_mnemonic":    keys.EncryptedMnemonic,
			"key_version":           keys.KeyVersion,
			"updated_at":            time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) CreateTransaction(ctx context.Context, tx *Transaction) error {
	if tx.Status == "" {
		tx.Status = TransactionPending
	}
	return r.db.WithContext(ctx).Create(tx).Error
}

// RecordChainTransaction inserts a ledger row for an on-chain transaction
// unless the wallet already has one for the same hash.
func (r *repository) RecordChainTransaction(ctx context.Context, tx *Transaction) (bool, error) {
	if tx.Hash() == "" {
		return false, fmt.Errorf("chain transaction requires %s metadata", MetaTxHash)
	}
	if tx.Status == "" {
		tx.Status = TransactionCompleted
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "wallet_id"}, {Name: "tx_hash"}},
			DoNothing: true,
		}).
		Create(tx)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) UpdateTransactionStatus(ctx context.Context, reference string, status TransactionStatus) error {
	if status != TransactionCompleted && status != TransactionFailed {
		return ErrInvalidStatusTransition
	}

	res := r.db.WithContext(ctx).Model(&Transaction{}).
		Where("reference = ? AND status = ?", reference, TransactionPending).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&Transaction{}).Where("reference = ?", reference).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrTransactionNotFound
	}
	return ErrInvalidStatusTransition
}

func (r *repository) GetTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]Transaction, error) {
	var txs []Transaction
	err := r.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at DESC, reference DESC").
		Limit(limit).
		Offset(offset).
		Find(&txs).Error
	return txs, err
}

func (r *repository) CountTransactions(ctx context.Context, walletID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Transaction{}).Where("wallet_id = ?", walletID).Count(&count).Error
	return count, err
}

// TransferTokens moves amount between two ledger balances through the
// transfer_tokens procedure and returns the sender's new balance.
func (r *repository) TransferTokens(ctx context.Context, fromWalletID, toWalletID uuid.UUID, amount decimal.Decimal, reference, description string) (decimal.Decimal, error) {
	var newBalance decimal.Decimal
	row := r.db.WithContext(ctx).
		Raw("SELECT transfer_tokens(?, ?, ?, ?, ?)", fromWalletID, toWalletID, amount, reference, description).
		Row()
	if err := row.Scan(&newBalance); err != nil {
		return decimal.Zero, mapPgError(err)
	}
	return newBalance, nil
}

func (r *repository) CreateFundingRequest(ctx context.Context, req *FundingRequest) error {
	if req.Status == "" {
		req.Status = FundingPending
	}
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *repository) GetFundingRequest(ctx context.Context, id uuid.UUID) (*FundingRequest, error) {
	var req FundingRequest
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&req).Error; err != nil {
		return nil, notFound(err, ErrFundingRequestNotFound)
	}
	return &req, nil
}

func (r *repository) ListFundingRequests(ctx context.Context, filter FundingFilter) ([]FundingRequest, int64, error) {
	query := r.db.WithContext(ctx).Model(&FundingRequest{})
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	var reqs []FundingRequest
	err := query.Order("created_at DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&reqs).Error
	return reqs, total, err
}

// ApproveFundingRequest marks a pending request approved and credits the
// wallet in the same database transaction. It returns the new balance.
func (r *repository) ApproveFundingRequest(ctx context.Context, id, adminID uuid.UUID, note string) (*FundingRequest, decimal.Decimal, error) {
	var (
		req        FundingRequest
		newBalance decimal.Decimal
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := resolve(tx, id, adminID, FundingApproved, note); err != nil {
			return err
		}

		if err := tx.Where("id = ?", id).First(&req).Error; err != nil {
			return err
		}

		meta, err := json.Marshal(map[string]interface{}{
			MetaFundingRequestID: req.ID.String(),
			"amount_local":       req.AmountLocal.String(),
			"local_currency":     req.LocalCurrency,
			"txid":               req.TxID,
			MetaNote:             note,
		})
		if err != nil {
			return err
		}

		row := tx.Raw("SELECT add_wallet_funds(?, ?, ?, ?::jsonb)", req.WalletID, req.AmountUSDT, FundingReference(req.ID), string(meta)).Row()
		if err := row.Scan(&newBalance); err != nil {
			return mapPgError(err)
		}
		return nil
	})
	if err != nil {
		return nil, decimal.Zero, err
	}

	return &req, newBalance, nil
}

func (r *repository) RejectFundingRequest(ctx context.Context, id, adminID uuid.UUID, note string) (*FundingRequest, error) {
	var req FundingRequest

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := resolve(tx, id, adminID, FundingRejected, note); err != nil {
			return err
		}
		return tx.Where("id = ?", id).First(&req).Error
	})
	if err != nil {
		return nil, err
	}

	return &req, nil
}

// FundingReference is the ledger reference of the credit for a funding
// request. Its uniqueness keeps a request from being credited twice.
func FundingReference(requestID uuid.UUID) string {
	return "FND_" + requestID.String()
}

func resolve(tx *gorm.DB, id, adminID uuid.UUID, status FundingStatus, note string) error {
	now := time.Now().UTC()
	res := tx.Model(&FundingRequest{}).
		Where("id = ? AND status = ?", id, FundingPending).
		Updates(map[string]interface{}{
			"status":      status,
			"reviewed_by": adminID,
			"reviewed_at": now,
			"review_note": note,
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := tx.Model(&FundingRequest{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrFundingRequestNotFound
	}
	return ErrAlreadyResolved
}
