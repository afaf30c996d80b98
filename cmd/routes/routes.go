package routes

import (
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/zjoart/agrimarket-wallet/internal/auth"
	"github.com/zjoart/agrimarket-wallet/internal/funding"
	"github.com/zjoart/agrimarket-wallet/internal/key"
	"github.com/zjoart/agrimarket-wallet/internal/metrics"
	"github.com/zjoart/agrimarket-wallet/internal/middleware"
	"github.com/zjoart/agrimarket-wallet/internal/user"
	"github.com/zjoart/agrimarket-wallet/internal/wallet"
	"github.com/zjoart/agrimarket-wallet/pkg/config"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
	"github.com/zjoart/agrimarket-wallet/pkg/utils"
)

// Dependencies are the long-lived components the HTTP surface is built on.
type Dependencies struct {
	Users       user.Repository
	Keys        key.Repository
	Wallet      *wallet.Handler
	Funding     *funding.Handler
	RateLimiter *middleware.RateLimiter
}

func RegisterRoutes(r *mux.Router, cfg config.Config, deps Dependencies) http.Handler {
	authHandler := auth.NewHandler(cfg, deps.Users)
	keyHandler := key.NewHandler(cfg, deps.Keys)

	r.Use(middleware.LoggingMiddleware)
	if deps.RateLimiter != nil {
		r.Use(deps.RateLimiter.Limit)
	}

	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	authR := r.PathPrefix("/api/auth").Subrouter()
	authR.HandleFunc("/google", authHandler.GoogleLogin).Methods("GET")
	authR.HandleFunc("/google/callback", authHandler.GoogleCallback).Methods("GET")

	keysR := r.PathPrefix("/api/keys").Subrouter()
	keysR.Use(auth.JWTMiddleware(cfg, deps.Users))
	keysR.HandleFunc("", keyHandler.ListAPIKeys).Methods("GET")
	keysR.HandleFunc("/", keyHandler.ListAPIKeys).Methods("GET")
	keysR.HandleFunc("/create", keyHandler.CreateAPIKey).Methods("POST")
	keysR.HandleFunc("/rollover", keyHandler.RolloverAPIKey).Methods("POST")
	keysR.HandleFunc("/revoke", keyHandler.RevokeAPIKey).Methods("POST")

	walletR := r.PathPrefix("/api/wallet").Subrouter()
	walletR.Use(auth.UnifiedAuthMiddleware(cfg, deps.Users, deps.Keys))

	// the creating call returns the private key, so API keys cannot make it
	sessionOnly := auth.RequireAuthMethod(utils.AuthMethodJWT)
	read := auth.RequirePermission(key.PermissionRead)
	transfer := auth.RequirePermission(key.PermissionTransfer)
	fund := auth.RequirePermission(key.PermissionFund)

	wh := deps.Wallet
	walletR.Handle("", sessionOnly(http.HandlerFunc(wh.CreateWallet))).Methods("POST")
	walletR.Handle("", read(http.HandlerFunc(wh.GetWallet))).Methods("GET")
	walletR.Handle("/balance", read(http.HandlerFunc(wh.GetWalletBalance))).Methods("GET")
	walletR.Handle("/balance/stream", read(http.HandlerFunc(wh.BalanceStream))).Methods("GET")
	walletR.Handle("/transactions", read(http.HandlerFunc(wh.GetTransactions))).Methods("GET")
	walletR.Handle("/transfer", transfer(http.HandlerFunc(wh.TransferFunds))).Methods("POST")
	walletR.Handle("/funding-requests", fund(http.HandlerFunc(wh.CreateFundingRequest))).Methods("POST")
	walletR.Handle("/funding-requests", read(http.HandlerFunc(wh.ListFundingRequests))).Methods("GET")

	adminR := r.PathPrefix("/api/admin").Subrouter()
	adminR.Use(auth.JWTMiddleware(cfg, deps.Users))
	adminR.Use(auth.RequireRole(user.RoleAdmin))
	adminR.HandleFunc("/funding-requests", deps.Funding.ListFundingRequests).Methods("GET")
	adminR.HandleFunc("/funding-requests/{id}/approve", deps.Funding.ApproveFundingRequest).Methods("POST")
	adminR.HandleFunc("/funding-requests/{id}/reject", deps.Funding.RejectFundingRequest).Methods("POST")

	if cfg.Env != "production" {

		r.HandleFunc("/swagger.yaml", func(w http.ResponseWriter, r *http.Request) {
			content, err := os.ReadFile("docs/swagger.yaml")
			if err != nil {
				logger.Error("Failed to read swagger.yaml", logger.Fields{"error": err.Error()})
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			modified := strings.NewReplacer(
				"{{BASE_URL}}", "/",
				"{{MIN_TRANSFER_AMOUNT}}", cfg.Wallet.MinTransferAmount.String(),
				"{{LOCAL_CURRENCY}}", cfg.Funding.LocalCurrency,
			).Replace(string(content))

			w.Header().Set("Content-Type", "application/yaml")
			w.Write([]byte(modified))
		})

		r.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
			httpSwagger.URL("/swagger.yaml"),
		))
		logger.Info("Swagger documentation enabled at /swagger/index.html")
	}

	corsObj := handlers.CORS(
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "x-api-key"}),
	)

	return corsObj(r)
}
