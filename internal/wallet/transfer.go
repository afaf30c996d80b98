package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zjoart/agrimarket-wallet/internal/chain"
	"github.com/zjoart/agrimarket-wallet/internal/ledger"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
)

const (
	KindToken  = "token"
	KindNative = "native"
)

// Transfer is either a LedgerTransfer or a ChainTransfer.
type Transfer interface {
	Kind() string
}

// LedgerTransfer moves AGRI tokens between two ledger balances. To is a
// wallet id or a custodial address.
type LedgerTransfer struct {
	To          string
	Amount      decimal.Decimal
	Description string
}

func (LedgerTransfer) Kind() string { return KindToken }

// ChainTransfer sends native currency from the custodial address.
type ChainTransfer struct {
	ToAddress string
	Amount    decimal.Decimal
}

func (ChainTransfer) Kind() string { return KindNative }

type TransferResult struct {
	Kind      string                   `json:"kind"`
	Reference string                   `json:"reference"`
	TxHash    string                   `json:"tx_hash,omitempty"`
	Amount    decimal.Decimal          `json:"amount"`
	Balance   *decimal.Decimal         `json:"balance,omitempty"`
	Status    ledger.TransactionStatus `json:"status"`
}

func (s *Service) Transfer(ctx context.Context, userID uuid.UUID, t Transfer) (*TransferResult, error) {
	var (
		res *TransferResult
		err error
	)

	switch t := t.(type) {
	case LedgerTransfer:
		res, err = s.transferTokens(ctx, userID, t)
	case ChainTransfer:
		res, err = s.sendNative(ctx, userID, t)
	default:
		return nil, ErrUnknownTransfer
	}

	recordTransfer(t.Kind(), err)
	return res, err
}

func (s *Service) transferTokens(ctx context.Context, userID uuid.UUID, t LedgerTransfer) (*TransferResult, error) {
	if err := s.checkAmount(t.Amount); err != nil {
		return nil, err
	}

	sender, err := s.repo.GetWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	recipient, err := s.resolveRecipient(ctx, t.To)
	if err != nil {
		return nil, err
	}

	reference := newTransferReference()
	newBalance, err := s.repo.TransferTokens(ctx, sender.ID, recipient.ID, t.Amount, reference, t.Description)
	if err != nil {
		logger.Warn("Token transfer failed", logger.Fields{
			logger.WalletIdKey: sender.ID.String(),
			"recipient":        recipient.ID.String(),
			"amount":           t.Amount.String(),
			"error":            err.Error(),
		})
		return nil, err
	}

	logger.Info("Token transfer completed", logger.Fields{
		"reference":        reference,
		logger.WalletIdKey: sender.ID.String(),
		"recipient":        recipient.ID.String(),
		"amount":           t.Amount.String(),
	})

	s.publishToken(sender.ID, newBalance)
	if updated, err := s.repo.GetWalletByID(ctx, recipient.ID); err == nil {
		s.publishToken(updated.ID, updated.TokenBalance)
	}

	return &TransferResult{
		Kind:      KindToken,
		Reference: reference,
		Amount:    t.Amount,
		Balance:   &newBalance,
		Status:    ledger.TransactionCompleted,
	}, nil
}

func (s *Service) resolveRecipient(ctx context.Context, to string) (*ledger.Wallet, error) {
	if walletID, err := uuid.Parse(to); err == nil {
		return s.repo.GetWalletByID(ctx, walletID)
	}
	if chain.IsValidAddress(to) {
		return s.repo.GetWalletByAddress(ctx, to)
	}
	return nil, ErrInvalidRecipient
}

// sendNative broadcasts the transfer, waits for it to be mined, and records
// the withdrawal. Failed sends are not retried.
func (s *Service) sendNative(ctx context.Context, userID uuid.UUID, t ChainTransfer) (*TransferResult, error) {
	if !chain.IsValidAddress(t.ToAddress) {
		return nil, chain.ErrInvalidAddress
	}
	if err := s.checkAmount(t.Amount); err != nil {
		return nil, err
	}

	w, err := s.repo.GetWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !w.HasKeyMaterial() {
		return nil, ErrNoOnChainWallet
	}

	privateKey, _, err := s.decryptKeys(w)
	if err != nil {
		return nil, err
	}

	sent, sendErr := s.chain.SendTransaction(ctx, privateKey, t.ToAddress, t.Amount)
	if sent == nil {
		if sendErr == nil {
			sendErr = errors.New("no transaction returned")
		}
		return nil, sendErr
	}

	status := ledger.TransactionCompleted
	switch {
	case errors.Is(sendErr, chain.ErrTransactionReverted):
		status = ledger.TransactionFailed
	case sendErr != nil:
		status = ledger.TransactionPending
	}

	row := &ledger.Transaction{
		WalletID:  w.ID,
		Reference: ledger.ChainReference(w.ID, sent.Hash),
		Amount:    t.Amount.Neg(),
		Type:      ledger.TransactionWithdrawal,
		Status:    status,
		Metadata: ledger.NewMetadata(map[string]any{
			ledger.MetaTxHash:      sent.Hash,
			ledger.MetaFromAddress: sent.From,
			ledger.MetaToAddress:   sent.To,
			ledger.MetaNetwork:     s.chain.Network(),
			ledger.MetaBlockNumber: strconv.FormatUint(sent.BlockNumber, 10),
		}),
		Description: "On-chain withdrawal",
	}

	// the transaction is on the network; record it even if the caller went away
	recordCtx := context.WithoutCancel(ctx)
	if _, err := s.repo.RecordChainTransaction(recordCtx, row); err != nil {
		logger.Error("Broadcast transaction could not be recorded", logger.Fields{
			logger.WalletIdKey: w.ID.String(),
			logger.TxHashKey:   sent.Hash,
			"error":            err.Error(),
		})
		return nil, fmt.Errorf("transaction %s sent but not recorded: %w", sent.Hash, err)
	}

	if _, err := s.chain.GetBalance(recordCtx, w.Address()); err != nil {
		logger.Warn("Balance refresh after send failed", logger.Fields{logger.AddressKey: w.Address(), "error": err.Error()})
	}

	return &TransferResult{
		Kind:      KindNative,
		Reference: row.Reference,
		TxHash:    sent.Hash,
		Amount:    t.Amount,
		Status:    status,
	}, sendErr
}
