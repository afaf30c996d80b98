package funding

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zjoart/agrimarket-wallet/internal/balance"
	"github.com/zjoart/agrimarket-wallet/internal/ledger"
	"github.com/zjoart/agrimarket-wallet/internal/metrics"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
)

var ErrInvalidStatus = errors.New("status must be PENDING, APPROVED or REJECTED")

// Service is the administrator side of funding requests.
type Service struct {
	repo     ledger.Repository
	notifier *balance.Notifier
}

func NewService(repo ledger.Repository, notifier *balance.Notifier) *Service {
	return &Service{repo: repo, notifier: notifier}
}

// List returns requests across all users, newest first. An empty status
// lists every request.
func (s *Service) List(ctx context.Context, status ledger.FundingStatus, limit, offset int) ([]ledger.FundingRequest, int64, error) {
	if status != "" && !status.Valid() {
		return nil, 0, ErrInvalidStatus
	}
	return s.repo.ListFundingRequests(ctx, ledger.FundingFilter{Status: status, Limit: limit, Offset: offset})
}

// Approve marks a pending request approved and credits its wallet with
// amount_usdt tokens in one step.
func (s *Service) Approve(ctx context.Context, requestID, adminID uuid.UUID, note string) (*ledger.FundingRequest, decimal.Decimal, error) {
	req, newBalance, err := s.repo.ApproveFundingRequest(ctx, requestID, adminID, note)
	if err != nil {
		return nil, decimal.Zero, err
	}

	metrics.FundingDecisions.WithLabelValues(string(ledger.FundingApproved)).Inc()
	logger.Info("Funding request approved", logger.Fields{
		"funding_request_id": req.ID.String(),
		logger.WalletIdKey:   req.WalletID.String(),
		"admin_id":           adminID.String(),
		"amount_usdt":        req.AmountUSDT.String(),
		"balance":            newBalance.String(),
	})

	if s.notifier != nil {
		s.notifier.Publish(balance.Update{
			Key:     req.WalletID.String(),
			Asset:   balance.AssetToken,
			Balance: newBalance,
			At:      time.Now().UTC(),
		})
	}

	return req, newBalance, nil
}

func (s *Service) Reject(ctx context.Context, requestID, adminID uuid.UUID, note string) (*ledger.FundingRequest, error) {
	req, err := s.repo.RejectFundingRequest(ctx, requestID, adminID, note)
	if err != nil {
		return nil, err
	}

	metrics.FundingDecisions.WithLabelValues(string(ledger.FundingRejected)).Inc()
	logger.Info("Funding request rejected", logger.Fields{
		"funding_request_id": req.ID.String(),
		"admin_id":           adminID.String(),
	})

	return req, nil
}
