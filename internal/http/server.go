// Package http exposes the ledger as a JSON API under /api/v1. Every route
// except the probes requires a bearer token whose subject is the account id.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"saldo/internal/core"
	"saldo/internal/ledger"
	"saldo/internal/log"
	"saldo/internal/middleware/ratelimit"
	"saldo/internal/middleware/security"
	"saldo/internal/services"
)

// LedgerReader serves the read-only listings and the readiness probe.
type LedgerReader interface {
	ListEntries(ctx context.Context, accountID string, from, to core.Date) ([]core.LedgerEntry, error)
	ListExpenses(ctx context.Context, accountID string, from, to core.Date) ([]core.Expense, error)
	ListIncomes(ctx context.Context, accountID string, from, to core.Date) ([]core.Income, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Engine        *ledger.Engine
	Accounts      *services.AccountService
	Subscriptions *services.SubscriptionService
	Reader        LedgerReader
	JWTSecret     []byte
	Logger        *log.Logger
	// RateLimit bounds mutations per account; zero values take the defaults.
	RateLimit ratelimit.Config
	Now       func() time.Time
}

type Server struct {
	http.Server

	engine        *ledger.Engine
	accounts      *services.AccountService
	subscriptions *services.SubscriptionService
	ledger        LedgerReader
	logger        *log.Logger
	limiter       *ratelimit.Limiter
	now           func() time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// server.
func NewServer(addr string, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = log.Discard()
	}
	s := &Server{
		engine:        d.Engine,
		accounts:      d.Accounts,
		subscriptions: d.Subscriptions,
		ledger:        d.Reader,
		logger:        logger.WithComponent(log.ComponentHTTP),
		limiter:       ratelimit.NewLimiter(d.RateLimit),
		now:           d.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(logger, d.JWTSecret),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

func (s *Server) routes(logger *log.Logger, secret []byte) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(log.Middleware(logger))
	r.Use(log.RequestIDMiddleware)
	r.Use(log.AccessLog)
	r.Use(middleware.Recoverer)
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware)

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireAccount(secret))
		r.Use(s.limiter.Middleware(rateKey, func(w http.ResponseWriter, _ *http.Request) {
			writeMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
		}))

		r.Post("/account", s.handleOpenAccount)
		r.Get("/account", s.handleGetAccount)
		r.Patch("/account/budget", s.handleUpdateBudget)
		r.Get("/account/audit", s.handleAudit)

		r.Post("/categories", s.handleCreateCategory)
		r.Get("/categories", s.handleListCategories)
		r.Get("/categories/{id}", s.handleGetCategory)

		r.Route("/expenses", func(r chi.Router) {
			r.Post("/", s.handlePostExpense)
			r.Get("/", s.handleListExpenses)
			r.Patch("/{id}", s.handleReviseExpense)
			r.Delete("/{id}", s.handleRetractExpense)
		})

		r.Route("/incomes", func(r chi.Router) {
			r.Post("/", s.handlePostIncome)
			r.Get("/", s.handleListIncomes)
			r.Patch("/{id}", s.handleReviseIncome)
			r.Delete("/{id}", s.handleRetractIncome)
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", s.handleCreateSubscription)
			r.Get("/", s.handleListSubscriptions)
			r.Get("/upcoming", s.handleUpcoming)
			r.Patch("/{id}", s.handleUpdateSubscription)
			r.Delete("/{id}", s.handleDeleteSubscription)
		})

		r.Get("/transactions", s.handleListTransactions)
	})
	return r
}

// rateKey limits per account, falling back to the client address.
func rateKey(r *http.Request) string {
	if id := accountID(r); id != "" {
		return "acc:" + id
	}
	return "ip:" + r.RemoteAddr
}

// Shutdown stops the limiter and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
