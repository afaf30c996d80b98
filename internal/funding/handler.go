package funding

import (
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/zjoart/agrimarket-wallet/internal/ledger"
	"github.com/zjoart/agrimarket-wallet/internal/user"
	"github.com/zjoart/agrimarket-wallet/pkg/config"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
	"github.com/zjoart/agrimarket-wallet/pkg/utils"
)

type Handler struct {
	Config  config.Config
	Service *Service
}

func NewHandler(cfg config.Config, svc *Service) *Handler {
	return &Handler{Config: cfg, Service: svc}
}

type ReviewRequest struct {
	Note string `json:"note"`
}

func (h *Handler) ListFundingRequests(w http.ResponseWriter, r *http.Request) {
	limit, offset, page := utils.GetPaginationDetails(r)
	status := ledger.FundingStatus(strings.ToUpper(r.URL.Query().Get("status")))

	reqs, count, err := h.Service.List(r.Context(), status, limit, offset)
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

func (h *Handler) ApproveFundingRequest(w http.ResponseWriter, r *http.Request) {
	admin, requestID, review, ok := h.readReview(w, r)
	if !ok {
		return
	}

	req, newBalance, err := h.Service.Approve(r.Context(), requestID, admin.ID, review.Note)
	if err != nil {
		writeError(w, err, "Failed to approve funding request")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Funding request approved", map[string]interface{}{
		"funding_request": req,
		"token_balance":   newBalance,
	})
}

func (h *Handler) RejectFundingRequest(w http.ResponseWriter, r *http.Request) {
	admin, requestID, review, ok := h.readReview(w, r)
	if !ok {
		return
	}

	req, err := h.Service.Reject(r.Context(), requestID, admin.ID, review.Note)
	if err != nil {
		writeError(w, err, "Failed to reject funding request")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Funding request rejected", map[string]interface{}{
		"funding_request": req,
	})
}

// readReview extracts the acting admin, the request id from the path and
// the optional review note.
func (h *Handler) readReview(w http.ResponseWriter, r *http.Request) (user.User, uuid.UUID, ReviewRequest, bool) {
	var review ReviewRequest

	admin, ok := r.Context().Value(utils.UserKey).(user.User)
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Unauthorized", nil)
		return admin, uuid.Nil, review, false
	}

	requestID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid funding request id", nil)
		return admin, uuid.Nil, review, false
	}

	if r.ContentLength != 0 {
		if status, err := utils.DecodeJSONBody(w, r, &review); err != nil {
			utils.BuildErrorResponse(w, status, "Invalid request", map[string]string{"error": err.Error()})
			return admin, uuid.Nil, review, false
		}
	}

	return admin, requestID, review, true
}

func writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, ledger.ErrFundingRequestNotFound):
		utils.BuildErrorResponse(w, http.StatusNotFound, "Funding request not found", nil)
	case errors.Is(err, ledger.ErrAlreadyResolved):
		utils.BuildErrorResponse(w, http.StatusConflict, "Funding request has already been resolved", nil)
	case errors.Is(err, ledger.ErrWalletNotFound):
		utils.BuildErrorResponse(w, http.StatusNotFound, "Wallet not found", nil)
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ledger.ErrInvalidAmount):
		utils.BuildErrorResponse(w, http.StatusBadRequest, err.Error(), nil)
	default:
		logger.Error(fallback, logger.Fields{"error": err.Error()})
		utils.BuildErrorResponse(w, http.StatusInternalServerError, fallback, nil)
	}
}
