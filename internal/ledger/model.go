package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Wallet struct {
	ID                  uuid.UUID       `gorm:"type:uuid;default:uuid_generate_v4();primary_key" json:"id"`
	UserID              uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex" json:"user_id"`
	WalletAddress       *string         `gorm:"uniqueIndex" json:"wallet_address"`
	EncryptedPrivateKey *string         `json:"-"`
	EncryptedMnemonic   *string         `json:"-"`
	KeyVersion          int             `gorm:"not null;default:0" json:"-"`
	TokenBalance        decimal.Decimal `gorm:"type:numeric(36,18);not null;default:0" json:"token_balance"`
	Network             string          `gorm:"not null;default:sepolia" json:"network"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// HasKeyMaterial reports whether the wallet has an on-chain identity.
func (w *Wallet) HasKeyMaterial() bool {
	return w.WalletAddress != nil && *w.WalletAddress != ""
}

func (w *Wallet) Address() string {
	if w.WalletAddress == nil {
		return ""
	}
	return *w.WalletAddress
}

type TransactionType string

const (
	TransactionDeposit    TransactionType = "DEPOSIT"
	TransactionWithdrawal TransactionType = "WITHDRAWAL"
	TransactionTransfer   TransactionType = "TRANSFER"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionFailed    TransactionStatus = "FAILED"
)

// Metadata keys stored on wallet transactions.
const (
	MetaTxHash               = "tx_hash"
	MetaFromAddress          = "from_address"
	MetaToAddress            = "to_address"
	MetaNetwork              = "network"
	MetaBlockNumber          = "block_number"
	MetaCounterpartyWalletID = "counterparty_wallet_id"
	MetaFundingRequestID     = "funding_request_id"
	MetaNote                 = "note"
)

// Transaction is one append-only ledger row. Amount is signed: deposits
// and incoming transfers are positive, withdrawals and outgoing transfers
// negative.
type Transaction struct {
	ID          uuid.UUID                          `gorm:"type:uuid;default:uuid_generate_v4();primary_key" json:"id"`
	WalletID    uuid.UUID                          `gorm:"type:uuid;not null" json:"wallet_id"`
	Reference   string                             `gorm:"uniqueIndex;not null" json:"reference"`
	Amount      decimal.Decimal                    `gorm:"type:numeric(36,18);not null" json:"amount"`
	Type        TransactionType                    `gorm:"not null" json:"type"`
	Status      TransactionStatus                  `gorm:"not null" json:"status"`
	Metadata    datatypes.JSONType[map[string]any] `gorm:"type:jsonb" json:"metadata"`
	TxHash      *string                            `gorm:"->" json:"tx_hash,omitempty"`
	Description string                             `json:"description"`
	CreatedAt   time.Time                          `json:"created_at"`
	UpdatedAt   time.Time                          `json:"updated_at"`
}

func (Transaction) TableName() string {
	return "wallet_transactions"
}

func (t *Transaction) Meta() map[string]any {
	m := t.Metadata.Data()
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Hash returns the on-chain hash recorded in metadata, if any.
func (t *Transaction) Hash() string {
	if h, ok := t.Meta()[MetaTxHash].(string); ok {
		return h
	}
	return ""
}

func NewMetadata(m map[string]any) datatypes.JSONType[map[string]any] {
	return datatypes.NewJSONType(m)
}

type FundingStatus string

const (
	FundingPending  FundingStatus = "PENDING"
	FundingApproved FundingStatus = "APPROVED"
	FundingRejected FundingStatus = "REJECTED"
)

func (s FundingStatus) Valid() bool {
	return s == FundingPending || s == FundingApproved || s == FundingRejected
}

type FundingRequest struct {
	ID              uuid.UUID       `gorm:"type:uuid;default:uuid_generate_v4();primary_key" json:"id"`
	UserID          uuid.UUID       `gorm:"type:uuid;not null" json:"user_id"`
	WalletID        uuid.UUID       `gorm:"type:uuid;not null" json:"wallet_id"`
	AmountUSDT      decimal.Decimal `gorm:"column:amount_usdt;type:numeric(36,18);not null" json:"amount_usdt"`
	AmountLocal     decimal.Decimal `gorm:"column:amount_local;type:numeric(36,2);not null" json:"amount_local"`
	LocalCurrency   string          `gorm:"not null" json:"local_currency"`
	TxID            string          `gorm:"column:txid" json:"txid"`
	PaymentProofURL string          `json:"payment_proof_url"`
	Status          FundingStatus   `gorm:"not null" json:"status"`
	ReviewedBy      *uuid.UUID      `gorm:"type:uuid" json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time      `json:"reviewed_at,omitempty"`
	ReviewNote      string          `json:"review_note,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (FundingRequest) TableName() string {
	return "wallet_funding_requests"
}

type FundingFilter struct {
	UserID *uuid.UUID
	Status FundingStatus
	Limit  int
	Offset int
}

// ChainReference is the ledger reference of the row recording on-chain
// transaction hash for walletID.
func ChainReference(walletID uuid.UUID, hash string) string {
	return "CHN_" + strings.ToLower(hash) + "_" + walletID.String()
}
