package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/zjoart/agrimarket-wallet/internal/chain"
	"github.com/zjoart/agrimarket-wallet/internal/ledger"
	"github.com/zjoart/agrimarket-wallet/internal/metrics"
	"github.com/zjoart/agrimarket-wallet/pkg/events"
	"github.com/zjoart/agrimarket-wallet/pkg/id"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
)

const (
	defaultHistoryLimit = 20
	reconcileLockTTL    = 30 * time.Second

	// reconcileRowLimit is how many recent ledger rows a background
	// reconcile checks chain activity against.
	reconcileRowLimit = 500
)

// GetTransactionHistory returns the wallet's most recent ledger rows after
// recording any on-chain transfers in the recent block window that the
// ledger does not know yet. Chain errors are logged and the ledger rows
// are returned as they are.
func (s *Service) GetTransactionHistory(ctx context.Context, walletID uuid.UUID, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	w, err := s.repo.GetWalletByID(ctx, walletID)
	if err != nil {
		return nil, err
	}

	rows, err := s.repo.GetTransactions(ctx, w.ID, limit, 0)
	if err != nil {
		return nil, err
	}

	if !w.HasKeyMaterial() {
		return rows, nil
	}

	changed, err := s.reconcile(ctx, w, rows)
	if err != nil {
		logger.Warn("Reconciliation skipped", logger.Fields{
			logger.WalletIdKey: w.ID.String(),
			logger.AddressKey:  w.Address(),
			"error":            err.Error(),
		})
		return rows, nil
	}
	if changed == 0 {
		return rows, nil
	}

	return s.repo.GetTransactions(ctx, w.ID, limit, 0)
}

// ReconcileWallet reconciles one wallet and reports how many ledger rows
// were inserted or settled.
func (s *Service) ReconcileWallet(ctx context.Context, walletID uuid.UUID) (int, error) {
	w, err := s.repo.GetWalletByID(ctx, walletID)
	if err != nil {
		return 0, err
	}
	if !w.HasKeyMaterial() {
		return 0, nil
	}

	rows, err := s.repo.GetTransactions(ctx, w.ID, reconcileRowLimit, 0)
	if err != nil {
		return 0, err
	}

	return s.reconcile(ctx, w, rows)
}

func (s *Service) reconcile(ctx context.Context, w *ledger.Wallet, known []ledger.Transaction) (int, error) {
	if s.locker != nil {
		release, err := s.locker.AcquireLock(ctx, w.ID.String(), id.Generate(), reconcileLockTTL)
		switch {
		case errors.Is(err, events.ErrLockHeld):
			return 0, nil
		case err != nil:
			logger.Warn("Reconcile lock unavailable, continuing", logger.Fields{logger.WalletIdKey: w.ID.String(), "error": err.Error()})
		default:
			defer release()
		}
	}

	byHash := make(map[string]ledger.Transaction, len(known))
	for _, row := range known {
		if h := row.Hash(); h != "" {
			byHash[normalizeHash(h)] = row
		}
	}

	activity, err := s.chain.RecentActivity(ctx, w.Address(), s.cfg.ReconcileBlockWindow)
	if err != nil {
		return 0, fmt.Errorf("failed to read chain activity: %w", err)
	}

	changed := 0
	for _, a := range activity {
		hash := normalizeHash(a.Hash)

		if existing, ok := byHash[hash]; ok {
			if existing.Status == ledger.TransactionPending {
				if err := s.settle(ctx, existing, a); err != nil {
					return changed, err
				}
				changed++
			}
			continue
		}

		row := chainRow(w, a, s.chain.Network())
		inserted, err := s.repo.RecordChainTransaction(ctx, row)
		if err != nil {
			return changed, fmt.Errorf("failed to record %s: %w", a.Hash, err)
		}
		byHash[hash] = *row

		if !inserted {
			metrics.DuplicateHashes.Inc()
			continue
		}

		changed++
		metrics.ReconciledTransactions.WithLabelValues(string(row.Type)).Inc()
		logger.Info("Recorded on-chain transaction", logger.Fields{
			logger.WalletIdKey: w.ID.String(),
			logger.TxHashKey:   a.Hash,
			"type":             row.Type,
			"amount":           row.Amount.String(),
		})
	}

	return changed, nil
}

func (s *Service) settle(ctx context.Context, row ledger.Transaction, a chain.Activity) error {
	status := ledger.TransactionCompleted
	if a.Failed {
		status = ledger.TransactionFailed
	}

	err := s.repo.UpdateTransactionStatus(ctx, row.Reference, status)
	if errors.Is(err, ledger.ErrInvalidStatusTransition) {
		return nil
	}
	return err
}

// chainRow builds the ledger row for a. A transfer the wallet received is a
// deposit even when the wallet also sent it.
func chainRow(w *ledger.Wallet, a chain.Activity, network string) *ledger.Transaction {
	typ := ledger.TransactionDeposit
	amount := a.Value
	description := "On-chain deposit"
	if a.Direction == chain.DirectionOut && !chain.SameAddress(a.To, w.Address()) {
		typ = ledger.TransactionWithdrawal
		amount = a.Value.Neg()
		description = "On-chain withdrawal"
	}

	status := ledger.TransactionCompleted
	if a.Failed {
		status = ledger.TransactionFailed
	}

	return &ledger.Transaction{
		WalletID:  w.ID,
		Reference: ledger.ChainReference(w.ID, a.Hash),
		Amount:    amount,
		Type:      typ,
		Status:    status,
		Metadata: ledger.NewMetadata(map[string]any{
			ledger.MetaTxHash:      a.Hash,
			ledger.MetaFromAddress: a.From,
			ledger.MetaToAddress:   a.To,
			ledger.MetaNetwork:     network,
			ledger.MetaBlockNumber: strconv.FormatUint(a.BlockNumber, 10),
		}),
		Description: description,
		CreatedAt:   a.Timestamp,
	}
}
