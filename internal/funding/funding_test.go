package funding

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/agrimarket-wallet/internal/balance"
	"github.com/zjoart/agrimarket-wallet/internal/ledger"
	"github.com/zjoart/agrimarket-wallet/internal/ledger/ledgertest"
	"github.com/zjoart/agrimarket-wallet/internal/user"
	"github.com/zjoart/agrimarket-wallet/pkg/config"
	"github.com/zjoart/agrimarket-wallet/pkg/utils"
)

type fixture struct {
	repo     *ledgertest.Memory
	notifier *balance.Notifier
	svc      *Service
	wallet   *ledger.Wallet
	admin    user.User
}

func setup(t *testing.T) *fixture {
	t.Helper()

	repo := ledgertest.NewMemory()
	notifier := balance.NewNotifier()
	return &fixture{
		repo:     repo,
		notifier: notifier,
		svc:      NewService(repo, notifier),
		wallet:   repo.SeedWallet(uuid.New(), "1000"),
		admin:    user.User{ID: uuid.New(), Role: user.RoleAdmin},
	}
}

func (f *fixture) request(t *testing.T, usdt string) *ledger.FundingRequest {
	t.Helper()

	req := &ledger.FundingRequest{
		UserID:        f.wallet.UserID,
		WalletID:      f.wallet.ID,
		AmountUSDT:    decimal.RequireFromString(usdt),
		AmountLocal:   decimal.RequireFromString(usdt).Mul(decimal.NewFromInt(83)),
		LocalCurrency: "INR",
	}
	require.NoError(t, f.repo.CreateFundingRequest(context.Background(), req))
	return req
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	w, err := f.repo.GetWalletByID(context.Background(), f.wallet.ID)
	require.NoError(t, err)
	return w.TokenBalance
}

func TestApprove_CreditsAndPublishes(t *testing.T) {
	f := setup(t)
	req := f.request(t, "100")

	var published []balance.Update
	defer f.notifier.Subscribe(f.wallet.ID.String(), func(u balance.Update) { published = append(published, u) })()

	approved, newBalance, err := f.svc.Approve(context.Background(), req.ID, f.admin.ID, "paid")
	require.NoError(t, err)

	assert.Equal(t, ledger.FundingApproved, approved.Status)
	assert.Equal(t, f.admin.ID, *approved.ReviewedBy)
	assert.True(t, newBalance.Equal(decimal.NewFromInt(1100)))
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(1100)))

	require.Len(t, published, 1)
	assert.Equal(t, balance.AssetToken, published[0].Asset)
	assert.True(t, published[0].Balance.Equal(newBalance))

	rows := f.repo.AllTransactions(f.wallet.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, ledger.FundingReference(req.ID), rows[0].Reference)
	assert.Equal(t, ledger.TransactionDeposit, rows[0].Type)
}

func TestReject_LeavesBalance(t *testing.T) {
	f := setup(t)
	req := f.request(t, "100")

	rejected, err := f.svc.Reject(context.Background(), req.ID, f.admin.ID, "no payment found")
	require.NoError(t, err)

	assert.Equal(t, ledger.FundingRejected, rejected.Status)
	assert.Equal(t, "no payment found", rejected.ReviewNote)
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(1000)))
	assert.Empty(t, f.repo.AllTransactions(f.wallet.ID))
}

func TestSecondDecisionFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	approved := f.request(t, "100")
	_, _, err := f.svc.Approve(ctx, approved.ID, f.admin.ID, "")
	require.NoError(t, err)

	_, _, err = f.svc.Approve(ctx, approved.ID, f.admin.ID, "")
	assert.ErrorIs(t, err, ledger.ErrAlreadyResolved)
	_, err = f.svc.Reject(ctx, approved.ID, f.admin.ID, "")
	assert.ErrorIs(t, err, ledger.ErrAlreadyResolved)

	rejected := f.request(t, "50")
	_, err = f.svc.Reject(ctx, rejected.ID, f.admin.ID, "")
	require.NoError(t, err)
	_, _, err = f.svc.Approve(ctx, rejected.ID, f.admin.ID, "")
	assert.ErrorIs(t, err, ledger.ErrAlreadyResolved)

	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(1100)), "credited exactly once")
}

func TestList_FiltersByStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first := f.request(t, "10")
	f.request(t, "20")
	_, _, err := f.svc.Approve(ctx, first.ID, f.admin.ID, "")
	require.NoError(t, err)

	pending, total, err := f.svc.List(ctx, ledger.FundingPending, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].AmountUSDT.Equal(decimal.NewFromInt(20)))

	_, total, err = f.svc.List(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	_, _, err = f.svc.List(ctx, "DONE", 10, 0)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func newRouter(f *fixture) *mux.Router {
	h := NewHandler(config.Config{}, f.svc)
	r := mux.NewRouter()
	r.HandleFunc("/api/admin/funding-requests", h.ListFundingRequests).Methods("GET")
	r.HandleFunc("/api/admin/funding-requests/{id}/approve", h.ApproveFundingRequest).Methods("POST")
	r.HandleFunc("/api/admin/funding-requests/{id}/reject", h.RejectFundingRequest).Methods("POST")
	return r
}

func (f *fixture) do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req = req.WithContext(context.WithValue(req.Context(), utils.UserKey, f.admin))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandler_ApproveAndConflict(t *testing.T) {
	f := setup(t)
	router := newRouter(f)
	req := f.request(t, "100")
	path := "/api/admin/funding-requests/" + req.ID.String() + "/approve"

	rr := f.do(t, router, "POST", path, `{"note":"verified"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Data struct {
			TokenBalance decimal.Decimal       `json:"token_balance"`
			Request      ledger.FundingRequest `json:"funding_request"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.Data.TokenBalance.Equal(decimal.NewFromInt(1100)))
	assert.Equal(t, "verified", body.Data.Request.ReviewNote)

	rr = f.do(t, router, "POST", path, "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandler_Errors(t *testing.T) {
	f := setup(t)
	router := newRouter(f)

	rr := f.do(t, router, "POST", "/api/admin/funding-requests/not-a-uuid/reject", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, router, "POST", "/api/admin/funding-requests/"+uuid.NewString()+"/reject", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, router, "GET", "/api/admin/funding-requests?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_List(t *testing.T) {
	f := setup(t)
	router := newRouter(f)
	f.request(t, "10")
	time.Sleep(time.Millisecond)
	f.request(t, "20")

	rr := f.do(t, router, "GET", "/api/admin/funding-requests?status=pending&limit=1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Data struct {
			Requests []ledger.FundingRequest `json:"funding_requests"`
			Meta     map[string]any          `json:"meta"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Data.Requests, 1)
	assert.True(t, body.Data.Requests[0].AmountUSDT.Equal(decimal.NewFromInt(20)))
	assert.EqualValues(t, 2, body.Data.Meta["total_items"])
	assert.EqualValues(t, 2, body.Data.Meta["total_pages"])
}
