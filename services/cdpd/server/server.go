package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"microstable/core/events"
	"microstable/crypto"
	"microstable/native/cdp"
	"microstable/native/params"
	"microstable/observability"
	"microstable/storage/journal"
)

const moduleName = "cdp"

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress      string
	ShutdownTimeout    time.Duration
	StreamWriteTimeout time.Duration
	Auth               AuthConfig
	RateLimit          RateLimit
}

// BalanceReader exposes bank balances for the account endpoint.
type BalanceReader interface {
	Balance(asset string, addr crypto.Address) (uint64, error)
}

// JournalReader lists audit entries for a position.
type JournalReader interface {
	Entries(ctx context.Context, owner string, limit int) ([]journal.Entry, error)
}

// Deps groups the engine components served over HTTP. Journal, Events and
// Price are optional.
type Deps struct {
	Manager  *cdp.Manager
	Params   *params.Store
	Balances BalanceReader
	Journal  JournalReader
	Events   *events.Broadcaster
	Price    *cdp.ManualPrice
	Logger   *slog.Logger
}

// Server hosts the position API, the event stream and operational endpoints.
type Server struct {
	cfg      Config
	manager  *cdp.Manager
	params   *params.Store
	balances BalanceReader
	journal  JournalReader
	events   *events.Broadcaster
	price    *cdp.ManualPrice
	logger   *slog.Logger
	auth     *Authenticator
	limiter  *RateLimiter
}

// New constructs a new HTTP server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Manager == nil {
		return nil, fmt.Errorf("position manager required")
	}
	if deps.Params == nil {
		return nil, fmt.Errorf("params store required")
	}
	if deps.Balances == nil {
		return nil, fmt.Errorf("balance reader required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7081"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = 10 * time.Second
	}
	auth, err := NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		manager:  deps.Manager,
		params:   deps.Params,
		balances: deps.Balances,
		journal:  deps.Journal,
		events:   deps.Events,
		price:    deps.Price,
		logger:   logger,
		auth:     auth,
		limiter:  NewRateLimiter(cfg.RateLimit),
	}, nil
}

// Handler builds the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(pub chi.Router) {
			pub.Use(s.limiter.Middleware("public"))
			pub.Get("/params", s.observe("params.get", s.handleGetParams))
			pub.Get("/positions", s.observe("positions.list", s.handleListPositions))
			pub.Get("/positions/{owner}", s.observe("positions.get", s.handleGetPosition))
			pub.Get("/positions/{owner}/health", s.observe("positions.health", s.handleHealthOf))
			pub.Get("/positions/{owner}/journal", s.observe("positions.journal", s.handleJournal))
			pub.Get("/accounts/{addr}/balances", s.observe("accounts.balances", s.handleBalances))
			pub.Get("/events", s.handleEvents)
		})
		v1.Group(func(w chi.Router) {
			w.Use(s.auth.Middleware(ScopeWrite))
			w.Use(s.limiter.Middleware("write"))
			w.Post("/positions/deposit", s.observe("positions.deposit", s.handleDeposit))
			w.Post("/positions/mint", s.observe("positions.mint", s.handleMint))
			w.Post("/positions/repay", s.observe("positions.repay", s.handleRepay))
			w.Post("/positions/withdraw", s.observe("positions.withdraw", s.handleWithdraw))
			w.Post("/positions/close", s.observe("positions.close", s.handleClose))
			w.Post("/positions/{owner}/liquidate", s.observe("positions.liquidate", s.handleLiquidate))
		})
		v1.Group(func(admin chi.Router) {
			admin.Use(s.auth.Middleware(ScopeAdmin))
			admin.Use(s.limiter.Middleware("admin"))
			admin.Put("/params/min-ratio", s.observe("params.min_ratio", s.handleUpdateMinRatio))
			admin.Put("/params/pauses", s.observe("params.pauses", s.handleSetPauses))
			admin.Put("/price", s.observe("price.set", s.handleSetPrice))
		})
	})

	return otelhttp.NewHandler(r, "cdpd")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("cdpd: http server listening", slog.String("address", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

// observe records request metrics under the given method label.
func (s *Server) observe(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		observability.ModuleMetrics().Observe(moduleName, method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
