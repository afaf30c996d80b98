package wallet

import (
	"context"
	"net/url"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zjoart/agrimarket-wallet/internal/ledger"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
)

type FundingInput struct {
	AmountUSDT      decimal.Decimal
	TxID            string
	PaymentProofURL string
}

// RequestFunding files a pending request to credit the wallet with
// AmountUSDT once an administrator has verified the off-platform payment.
func (s *Service) RequestFunding(ctx context.Context, userID uuid.UUID, in FundingInput) (*ledger.FundingRequest, error) {
	if !in.AmountUSDT.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	if in.PaymentProofURL != "" {
		if u, err := url.ParseRequestURI(in.PaymentProofURL); err != nil || u.Host == "" {
			return nil, ErrInvalidProofURL
		}
	}

	w, err := s.repo.GetWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	req := &ledger.FundingRequest{
		UserID:          userID,
		WalletID:        w.ID,
		AmountUSDT:      in.AmountUSDT,
		AmountLocal:     in.AmountUSDT.Mul(s.cfg.USDTRate).Round(2),
		LocalCurrency:   s.cfg.LocalCurrency,
		TxID:            in.TxID,
		PaymentProofURL: in.PaymentProofURL,
		Status:          ledger.FundingPending,
	}

	if err := s.repo.CreateFundingRequest(ctx, req); err != nil {
		return nil, err
	}

	logger.Info("Funding request created", logger.Fields{
		"request_id":       req.ID.String(),
		logger.WalletIdKey: w.ID.String(),
		"amount_usdt":      req.AmountUSDT.String(),
	})

	return req, nil
}

func (s *Service) ListFundingRequests(ctx context.Context, userID uuid.UUID, limit, offset int) ([]ledger.FundingRequest, int64, error) {
	return s.repo.ListFundingRequests(ctx, ledger.FundingFilter{UserID: &userID, Limit: limit, Offset: offset})
}
