package wallet

import (
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zjoart/agrimarket-wallet/internal/balance"
	"github.com/zjoart/agrimarket-wallet/internal/chain"
	"github.com/zjoart/agrimarket-wallet/internal/ledger"
	"github.com/zjoart/agrimarket-wallet/internal/user"
	"github.com/zjoart/agrimarket-wallet/pkg/config"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
	"github.com/zjoart/agrimarket-wallet/pkg/utils"
)

type Handler struct {
	Config    config.Config
	Service   *Service
	Scheduler *balance.Scheduler
	Notifier  *balance.Notifier
}

func NewHandler(cfg config.Config, svc *Service, scheduler *balance.Scheduler, notifier *balance.Notifier) *Handler {
	return &Handler{Config: cfg, Service: svc, Scheduler: scheduler, Notifier: notifier}
}

// CreateWallet returns the caller's wallet, creating it on first use. The
// private key and recovery phrase are only included in the response that
// created them.
func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	usr, ok := r.Context().Value(utils.UserKey).(user.User)
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	identity, err := h.Service.GetOrCreateWallet(r.Context(), usr.ID)
	if err != nil {
		writeError(w, err, "Failed to load wallet")
		return
	}

	data := map[string]interface{}{
		"wallet_id":     identity.WalletID,
		"address":       identity.Address,
		"network":       identity.Network,
		"token_balance": identity.TokenBalance,
	}

	if !identity.Created {
		utils.BuildSuccessResponse(w, http.StatusOK, "Wallet retrieved", data)
		return
	}

	data["private_key"] = identity.PrivateKey
	data["mnemonic"] = identity.Mnemonic
	utils.BuildSuccessResponse(w, http.StatusCreated, "Wallet created, the private key and recovery phrase are only shown once. Please save them securely.", data)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	usr, _ := r.Context().Value(utils.UserKey).(user.User)

	wallet, err := h.Service.GetWallet(r.Context(), usr.ID)
	if err != nil {
		writeError(w, err, "Failed to load wallet")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Wallet Details", wallet)
}

func (h *Handler) GetWalletBalance(w http.ResponseWriter, r *http.Request) {
	usr, _ := r.Context().Value(utils.UserKey).(user.User)

	asset := balance.Asset(strings.ToUpper(r.URL.Query().Get("asset")))
	if asset == "" {
		asset = balance.AssetToken
	}

	amount, err := h.Service.GetBalance(r.Context(), usr.ID, asset)
	if err != nil {
		writeError(w, err, "Failed to read balance")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Wallet Balance", map[string]any{
		"asset":   asset,
		"balance": amount,
	})
}

// GetTransactions returns the wallet's history after folding in recent
// on-chain activity.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	usr, _ := r.Context().Value(utils.UserKey).(user.User)

	wallet, err := h.Service.GetWallet(r.Context(), usr.ID)
	if err != nil {
		writeError(w, err, "Failed to load wallet")
		return
	}

	limit := utils.QueryInt(r, "limit", utils.DefaultPageLimit)
	if limit > utils.MaxPageLimit {
		limit = utils.MaxPageLimit
	}

	txs, err := h.Service.GetTransactionHistory(r.Context(), wallet.ID, limit)
	if err != nil {
		writeError(w, err, "Failed to fetch transactions")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Transaction History", map[string]interface{}{
		"transactions": txs,
		"meta": map[string]interface{}{
			"count": len(txs),
			"limit": limit,
		},
	})
}

type TransferRequest struct {
	Type        string          `json:"type"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (req TransferRequest) toTransfer() (Transfer, error) {
	switch strings.ToLower(req.Type) {
	case KindToken, "":
		return LedgerTransfer{To: strings.TrimSpace(req.To), Amount: req.Amount, Description: req.Description}, nil
	case KindNative:
		return ChainTransfer{ToAddress: strings.TrimSpace(req.To), Amount: req.Amount}, nil
	default:
		return nil, ErrUnknownTransfer
	}
}

func (h *Handler) TransferFunds(w http.ResponseWriter, r *http.Request) {
	usr, _ := r.Context().Value(utils.UserKey).(user.User)

	var req TransferRequest
	if status, err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, "Invalid request", map[string]string{"error": err.Error()})
		return
	}

	t, err := req.toTransfer()
	if err != nil {
		writeError(w, err, "Transfer failed")
		return
	}

	res, err := h.Service.Transfer(r.Context(), usr.ID, t)
	switch {
	case err == nil:
		utils.BuildSuccessResponse(w, http.StatusOK, "Transfer completed", res)
	case res != nil && errors.Is(err, chain.ErrTransactionReverted):
		utils.BuildErrorResponse(w, http.StatusUnprocessableEntity, "Transaction reverted on chain", res)
	case res != nil:
		// broadcast but not confirmed yet; reconciliation settles the row
		utils.BuildSuccessResponse(w, http.StatusAccepted, "Transfer submitted, awaiting confirmation", res)
	default:
		writeError(w, err, "Transfer failed")
	}
}

type FundingRequestBody struct {
	AmountUSDT      decimal.Decimal `json:"amount_usdt"`
	TxID            string          `json:"txid"`
	PaymentProofURL string          `json:"payment_proof_url"`
}

func (h *Handler) CreateFundingRequest(w http.ResponseWriter, r *http.Request) {
	usr, _ := r.Context().Value(utils.UserKey).(user.User)

	var body FundingRequestBody
	if status, err := utils.DecodeJSONBody(w, r, &body); err != nil {
		utils.BuildErrorResponse(w, status, "Invalid request", map[string]string{"error": err.Error()})
		return
	}

	req, err := h.Service.RequestFunding(r.Context(), usr.ID, FundingInput{
		AmountUSDT:      body.AmountUSDT,
		TxID:            strings.TrimSpace(body.TxID),
		PaymentProofURL: strings.TrimSpace(body.PaymentProofURL),
	})
	if err != nil {
		writeError(w, err, "Failed to create funding request")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusCreated, "Funding request submitted", req)
}

func (h *Handler) ListFundingRequests(w http.ResponseWriter, r *http.Request) {
	usr, _ := r.Context().Value(utils.UserKey).(user.User)

	limit, offset, page := utils.GetPaginationDetails(r)

	reqs, count, err := h.Service.ListFundingRequests(r.Context(), usr.ID, limit, offset)
	if err != nil {
		writeError(w, err, "Failed to fetch funding requests")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Funding Requests", map[string]interface{}{
		"funding_requests": reqs,
		"meta": map[string]interface{}{
			"total_items":  count,
			"total_pages":  int(math.Ceil(float64(count) / float64(limit))),
			"current_page": page,
			"limit":        limit,
		},
	})
}

// writeError maps service errors onto the response envelope. Unknown
// errors are logged and reported as 500 with fallback as the message.
func writeError(w http.ResponseWriter, err error, fallback string) {
	status, message := http.StatusInternalServerError, fallback

	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		status, message = http.StatusNotFound, "Wallet not found"
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, chain.ErrInsufficientFunds):
		status, message = http.StatusBadRequest, "Insufficient balance"
	case errors.Is(err, ledger.ErrSelfTransfer):
		status, message = http.StatusBadRequest, "Cannot transfer to self"
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, chain.ErrInvalidAmount), errors.Is(err, chain.ErrSubWeiAmount):
		status, message = http.StatusBadRequest, "Invalid amount"
	case errors.Is(err, ErrAmountTooSmall):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrInvalidRecipient), errors.Is(err, chain.ErrInvalidAddress):
		status, message = http.StatusBadRequest, "Invalid recipient"
	case errors.Is(err, ErrUnknownTransfer), errors.Is(err, ErrInvalidAsset), errors.Is(err, ErrInvalidProofURL):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrNoOnChainWallet):
		status, message = http.StatusConflict, "Wallet has no on-chain address yet"
	case errors.Is(err, chain.ErrGasPriceTooHigh):
		status, message = http.StatusServiceUnavailable, "Network fees are too high, try again later"
	}

	if status == http.StatusInternalServerError {
		logger.Error(fallback, logger.Fields{"error": err.Error()})
	}
	utils.BuildErrorResponse(w, status, message, nil)
}
