package ledger

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInvalidAmount           = errors.New("amount must be positive")
	ErrSelfTransfer            = errors.New("cannot transfer to own wallet")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrInvalidStatusTransition = errors.New("only pending transactions can change status")
	ErrFundingRequestNotFound  = errors.New("funding request not found")
	ErrAlreadyResolved         = errors.New("funding request already resolved")
)

// SQLSTATE codes raised by transfer_tokens and add_wallet_funds.
const (
	codeInsufficientBalance = "WL001"
	codeWalletNotFound      = "WL002"
	codeInvalidAmount       = "WL003"
	codeSelfTransfer        = "WL004"
)

func mapPgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeInsufficientBalance:
			return ErrInsufficientBalance
		case codeWalletNotFound:
			return ErrWalletNotFound
		case codeInvalidAmount:
			return ErrInvalidAmount
		case codeSelfTransfer:
			return ErrSelfTransfer
		}
	}

	return err
}

func notFound(err error, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}
