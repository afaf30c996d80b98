package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/zjoart/agrimarket-wallet/cmd/routes"
	"github.com/zjoart/agrimarket-wallet/internal/balance"
	"github.com/zjoart/agrimarket-wallet/internal/chain"
	"github.com/zjoart/agrimarket-wallet/internal/funding"
	"github.com/zjoart/agrimarket-wallet/internal/key"
	"github.com/zjoart/agrimarket-wallet/internal/ledger"
	"github.com/zjoart/agrimarket-wallet/internal/middleware"
	"github.com/zjoart/agrimarket-wallet/internal/user"
	"github.com/zjoart/agrimarket-wallet/internal/vault"
	"github.com/zjoart/agrimarket-wallet/internal/wallet"
	"github.com/zjoart/agrimarket-wallet/pkg/config"
	"github.com/zjoart/agrimarket-wallet/pkg/database"
	"github.com/zjoart/agrimarket-wallet/pkg/events"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
)

const balanceRefreshWorkers = 4

func main() {
	cfg := config.LoadConfig()

	if err := logger.Configure(cfg.Debug, cfg.SentryDSN, cfg.Env); err != nil {
		logger.Fatal("Failed to configure logger", logger.WithError(err))
	}
	defer logger.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := database.Connect(cfg.DBUrl)
	if err := database.Migrate(ctx, db); err != nil {
		logger.Fatal("Failed to apply migrations", logger.WithError(err))
	}

	redisClient := events.NewRedisClient(cfg)

	v, err := vault.New(cfg.Wallet.MasterKey)
	if err != nil {
		logger.Fatal("Invalid wallet master key", logger.WithError(err))
	}

	dialer := chain.NewEthClientDialer()
	rpc, err := dialer.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		logger.Fatal("Failed to dial Ethereum node", logger.Merge(logger.WithError(err), logger.Fields{"network": cfg.Chain.Network}))
	}
	defer rpc.Close()

	notifier := balance.NewNotifier()
	chainCfg := chain.Config{
		Network:             cfg.Chain.Network,
		BalanceRetries:      cfg.Chain.BalanceRetries,
		BalanceRetryDelay:   cfg.Chain.BalanceRetryDelay,
		ConfirmationTimeout: cfg.Chain.ConfirmationTimeout,
		ScanConcurrency:     cfg.Chain.ScanConcurrency,
		MaxGasPrice:         chain.GweiToWei(cfg.Chain.MaxGasPriceGwei),
	}
	chainClient := chain.NewClient(rpc, notifier, chainCfg)

	// header subscriptions need a websocket endpoint; without one the
	// watcher falls back to polling over the RPC client
	heads := chainClient
	if cfg.Chain.WebSocketURL != "" {
		ws, err := dialer.Dial(ctx, cfg.Chain.WebSocketURL)
		if err != nil {
			logger.Warn("Failed to dial websocket endpoint, polling for blocks", logger.WithError(err))
		} else {
			defer ws.Close()
			heads = chain.NewClient(ws, notifier, chainCfg)
		}
	}

	ledgerRepo := ledger.NewRepository(db)

	walletSvc := wallet.NewService(ledgerRepo, chainClient, v, notifier, wallet.Config{
		StartingTokenBalance: cfg.Wallet.StartingTokenBalance,
		ReconcileBlockWindow: cfg.Wallet.ReconcileBlockWindow,
		MinTransferAmount:    cfg.Wallet.MinTransferAmount,
		USDTRate:             cfg.Funding.USDTRate,
		LocalCurrency:        cfg.Funding.LocalCurrency,
	}).WithLocker(redisClient)

	scheduler := balance.NewScheduler(chainClient, cfg.Wallet.BalanceRefreshInterval, balanceRefreshWorkers)
	go scheduler.Run(ctx)

	worker := wallet.NewReconcileWorker(walletSvc, redisClient)
	worker.Start(ctx)

	watcher := wallet.NewBlockWatcher(heads, ledgerRepo, redisClient, scheduler)
	go watcher.Run(ctx)

	limiter := middleware.NewRateLimiterFromConfig(cfg)
	go limiter.Run(ctx)

	r := mux.NewRouter()
	handler := routes.RegisterRoutes(r, cfg, routes.Dependencies{
		Users:       user.NewRepository(db),
		Keys:        key.NewRepository(db),
		Wallet:      wallet.NewHandler(cfg, walletSvc, scheduler, notifier),
		Funding:     funding.NewHandler(cfg, funding.NewService(ledgerRepo, notifier)),
		RateLimiter: limiter,
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// native transfers hold the request open until the transaction is mined
		WriteTimeout: cfg.Chain.ConfirmationTimeout + 15*time.Second,
	}

	go func() {
		logger.Info("Server starting", logger.Fields{"port": cfg.Port, "env": cfg.Env, "network": cfg.Chain.Network})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Could not listen", logger.Fields{"port": cfg.Port, "error": err.Error()})
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", logger.WithError(err))
	}
	if err := redisClient.Client.Close(); err != nil {
		logger.Warn("Failed to close Redis client", logger.WithError(err))
	}
	logger.Info("Server gracefully shut down")
}
