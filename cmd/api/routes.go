package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/profimatch/backend/internal/auth"
	"github.com/profimatch/backend/internal/commission"
	"github.com/profimatch/backend/internal/config"
	"github.com/profimatch/backend/internal/deals"
	"github.com/profimatch/backend/internal/dispute"
	"github.com/profimatch/backend/internal/escrow"
	"github.com/profimatch/backend/internal/gateway"
	"github.com/profimatch/backend/internal/handlers"
	"github.com/profimatch/backend/internal/ledger"
	"github.com/profimatch/backend/internal/lock"
	"github.com/profimatch/backend/internal/middleware"
	"github.com/profimatch/backend/internal/pricing"
	"github.com/profimatch/backend/internal/repository"
	"github.com/profimatch/backend/internal/responses"
	"github.com/profimatch/backend/internal/router"
	"github.com/profimatch/backend/internal/sweeper"
)

type app struct {
	tokens     auth.Service
	ledger     ledger.Service
	pricing    *pricing.Engine
	escrow     *escrow.Controller
	gateway    *gateway.Handler
	commission *commission.Service
	lifecycle  *deals.Service
	disputes   *dispute.Service
	responses  *responses.Service
	sweeper    *sweeper.Sweeper
	log        *slog.Logger
}

// buildApp wires repositories into services. Every service shares one keyed lock so
// gateway, escrow and ledger keys serialize across callers. Locks are taken in the order
// gateway key, deal row, deal key, wallet.
func buildApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*app, error) {
	locker := lock.NewKeyedMutex()

	wallets := repository.NewWalletRepo(pool)
	entries := repository.NewEntryRepo(pool)
	dealRepo := repository.NewDealRepo(pool)
	escrows := repository.NewEscrowRepo(pool)
	gatewayTxs := repository.NewGatewayRepo(pool)
	codes := repository.NewCommissionRepo(pool)
	disputes := repository.NewDisputeRepo(pool)
	resps := repository.NewResponseRepo(pool)
	requests := repository.NewRequestRepo(pool)
	tariffs := repository.NewTariffRepo(pool)

	ledgerSvc := ledger.NewService(pool, wallets, entries, locker, cfg.Currency, logger)

	engine, err := loadPricing(ctx, cfg, tariffs, logger)
	if err != nil {
		return nil, err
	}

	escrowCtl, err := escrow.NewController(pool, escrows, ledgerSvc, locker, cfg.Rate(), logger)
	if err != nil {
		return nil, err
	}

	gatewaySvc := gateway.NewService(pool, dealRepo, gatewayTxs, ledgerSvc, escrowCtl, locker, gateway.Options{
		Timeout:          cfg.PaymeTimeout,
		UnitsPerCurrency: cfg.PaymeUnits,
	}, logger)

	sw, err := sweeper.New(pool, resps, ledgerSvc, locker, cfg.RefundTTL, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		tokens:     auth.NewService(cfg.JWTSecret, auth.DefaultTokenTTL),
		ledger:     ledgerSvc,
		pricing:    engine,
		escrow:     escrowCtl,
		gateway:    gateway.NewHandler(gatewaySvc, cfg.PaymeLogin, cfg.PaymeKey, logger),
		commission: commission.NewService(pool, codes, dealRepo, ledgerSvc, engine, locker, logger),
		lifecycle:  deals.NewService(pool, dealRepo, escrowCtl, logger),
		disputes:   dispute.NewService(pool, disputes, dealRepo, escrowCtl, locker, logger),
		responses:  responses.NewService(pool, resps, requests, ledgerSvc, engine, locker, logger),
		sweeper:    sw,
		log:        logger,
	}, nil
}

// loadPricing prefers a tariff file when configured and falls back to the tariff table.
// With neither, every charge is priced at the safety net.
func loadPricing(ctx context.Context, cfg *config.Config, src pricing.Source, logger *slog.Logger) (*pricing.Engine, error) {
	if cfg.TariffFile != "" {
		rules, err := pricing.LoadFile(cfg.TariffFile)
		if err != nil {
			return nil, err
		}
		logger.Info("Tariff rules loaded from file", "path", cfg.TariffFile, "rules", rules.Len())
		return pricing.NewEngine(rules), nil
	}
	engine := pricing.NewEngine(nil)
	if err := engine.Reload(ctx, src); err != nil {
		logger.Warn("Tariff rules not loaded, using safety-net price", "error", err)
		return engine, nil
	}
	logger.Info("Tariff rules loaded from database", "rules", engine.Snapshot().Len())
	return engine, nil
}

// routes mounts the provider callback, the JSON API and the operational endpoints.
func (a *app) routes(pool *pgxpool.Pool) http.Handler {
	api := router.New(a.tokens, router.Handlers{
		Wallet:  &handlers.WalletHandler{Wallets: a.ledger, Logger: a.log},
		Pricing: &handlers.PricingHandler{Pricer: a.pricing},
		Deals: &handlers.DealHandler{
			Commissions: a.commission,
			Disputes:    a.disputes,
			Escrows:     a.escrow,
			Lifecycle:   a.lifecycle,
			Logger:      a.log,
		},
		Responses: &handlers.ResponseHandler{Responses: a.responses, Logger: a.log},
	})

	mux := http.NewServeMux()
	mux.Handle("/v1/", api)
	// POST /payme: provider JSON-RPC, Basic auth inside the handler.
	mux.Handle("POST /payme", middleware.Instrument("POST /payme", a.gateway))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
