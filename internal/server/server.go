package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/provadorai/provador/internal/billing"
	"github.com/provadorai/provador/internal/feed"
	"github.com/provadorai/provador/internal/handler"
	"github.com/provadorai/provador/internal/middleware"
	"github.com/provadorai/provador/internal/model"
	"github.com/provadorai/provador/internal/provider"
	"github.com/provadorai/provador/internal/store"
	"github.com/provadorai/provador/internal/tryon"
)

type Server struct {
	db           *sql.DB
	hub          *feed.Hub
	accountStore *store.AccountStore
	accountH     *handler.AccountHandler
	tryonH       *handler.TryonHandler
	webhookH     *billing.WebhookHandler
	rateLimiter  *middleware.RateLimiter
	cfg          Config
	logger       *slog.Logger
}

type Config struct {
	Tryon     tryon.Config
	Providers []provider.Provider
	// Archive is optional.
	Archive tryon.Archiver
	Stripe  billing.Config
	// Hub serves local feed subscribers. Notifier receives ledger mutations;
	// it is the hub itself unless events are relayed between instances.
	Hub      *feed.Hub
	Notifier store.Notifier

	MaxImageEdge   int
	TryonPerMinute int
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) (*Server, error) {
	if cfg.Hub == nil {
		cfg.Hub = feed.NewHub(logger.With("component", "feed"))
	}
	if cfg.Notifier == nil {
		cfg.Notifier = cfg.Hub
	}
	if cfg.TryonPerMinute <= 0 {
		cfg.TryonPerMinute = 30
	}

	accountStore := store.NewAccountStore(db, cfg.Notifier)

	orch, err := tryon.New(accountStore, cfg.Providers, cfg.Tryon, cfg.Archive, logger.With("component", "tryon"))
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	var webhookH *billing.WebhookHandler
	if cfg.Stripe.WebhookSecret != "" {
		webhookH = billing.NewWebhookHandler(billing.NewClient(cfg.Stripe), accountStore, logger)
	}

	return &Server{
		db:           db,
		hub:          cfg.Hub,
		accountStore: accountStore,
		accountH:     handler.NewAccountHandler(accountStore, logger.With("component", "account")),
		tryonH:       handler.NewTryonHandler(orch, cfg.MaxImageEdge, logger.With("component", "tryon_handler")),
		webhookH:     webhookH,
		rateLimiter:  middleware.NewRateLimiter(),
		cfg:          cfg,
		logger:       logger,
	}, nil
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// AccountStore returns the ledger.
func (s *Server) AccountStore() *store.AccountStore {
	return s.accountStore
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/stores/{id}/balance", s.accountH.Balance)
	mux.HandleFunc("GET /api/stores/{id}/eligibility", s.accountH.Eligibility)
	mux.HandleFunc("POST /api/stores/{id}/consume", s.accountH.Consume)
	mux.HandleFunc("GET /api/stores/{id}/consumptions", s.accountH.Consumptions)
	mux.Handle("POST /api/stores/{id}/tryon", s.tryonLimit(http.HandlerFunc(s.tryonH.Generate)))
	mux.HandleFunc("GET /api/stores/{id}/feed", feed.Handler(s.hub, s.feedSnapshot, s.logger.With("component", "feed")))

	if s.webhookH != nil {
		mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	}

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) feedSnapshot(ctx context.Context, storeID string) (*model.ChangeEvent, error) {
	a, err := s.accountStore.Get(ctx, storeID)
	if err != nil || a == nil {
		return nil, err
	}
	e := model.NewChangeEvent(*a)
	return &e, nil
}

func (s *Server) tryonLimit(h http.Handler) http.Handler {
	return middleware.RateLimit(s.rateLimiter, middleware.PathKey("tryon", "id"), s.cfg.TryonPerMinute, time.Minute)(h)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "database": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
