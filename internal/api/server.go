package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/promobot/internal/config"
	"github.com/foxzi/promobot/internal/coupon"
	"github.com/foxzi/promobot/internal/dispatch"
	"github.com/foxzi/promobot/internal/engagement"
	"github.com/foxzi/promobot/internal/metrics"
	"github.com/foxzi/promobot/internal/models"
	"github.com/foxzi/promobot/internal/repository"
)

// Version is reported by the health endpoint
var Version = "dev"

// Enqueuer adds items to one dispatch queue
type Enqueuer interface {
	Enqueue(ctx context.Context, contentID int64, chatIDs []string) (*models.EnqueueResult, error)
	EnqueueAllActive(ctx context.Context, contentID int64) (*models.EnqueueResult, error)
	EnqueueAttentionNeeded(ctx context.Context, contentID int64) (*models.EnqueueResult, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// Drainer runs one drain cycle on demand
type Drainer interface {
	DrainNow(ctx context.Context) (*dispatch.CycleResult, error)
}

// CampaignIssuer sends coupons of a sales rule right away
type CampaignIssuer interface {
	IssueForCampaign(ctx context.Context, ruleID int64, chatIDs []string) (*coupon.IssueResult, error)
}

// AttentionTracker runs and reports the attention scan
type AttentionTracker interface {
	Scan(ctx context.Context) (*engagement.ScanResult, error)
	ResetByChatIDs(ctx context.Context, chatIDs []string) (int64, error)
	LastScanTime() (time.Time, bool)
}

// Redeemer looks up and confirms coupons
type Redeemer interface {
	Lookup(ctx context.Context, code string) (*coupon.Query, error)
	Confirm(ctx context.Context, couponID int64) (*coupon.Confirmation, error)
}

// PostStore manages posts
type PostStore interface {
	Create(ctx context.Context, p *models.Post) error
	GetByID(ctx context.Context, id int64) (*models.Post, error)
	Delete(ctx context.Context, id int64) error
}

// SalesRuleStore manages sales rules
type SalesRuleStore interface {
	Create(ctx context.Context, rule *models.SalesRule) error
	GetByID(ctx context.Context, id int64) (*models.SalesRule, error)
	Delete(ctx context.Context, id int64) error
}

// CouponStore lists and edits coupons
type CouponStore interface {
	GetByID(ctx context.Context, id int64) (*models.CouponCode, error)
	Patch(ctx context.Context, id int64, p repository.CouponPatch) (*models.CouponCode, error)
	List(ctx context.Context, filter models.CouponFilter) ([]models.CouponCode, int, error)
}

// UserStore removes users
type UserStore interface {
	DeleteByChatIDs(ctx context.Context, chatIDs []string) (int64, error)
}

// SettingsStore reads and writes runtime configuration
type SettingsStore interface {
	Get(ctx context.Context, key, def string) (string, error)
	Set(ctx context.Context, key, value, description string) error
}

// Pinger checks database connectivity
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the services exposed over HTTP
type Deps struct {
	PostQueue        Enqueuer
	SalesRuleQueue   Enqueuer
	PostDrainer      Drainer
	SalesRuleDrainer Drainer
	Issuer           CampaignIssuer
	Attention        AttentionTracker
	Redeemer         Redeemer
	Posts            PostStore
	SalesRules       SalesRuleStore
	Coupons          CouponStore
	Users            UserStore
	Settings         SettingsStore
	DB               Pinger
	Metrics          *metrics.Metrics
}

// Server is the admin HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.ServerConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware(s.deps.Metrics))
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/posts", func(r chi.Router) {
			r.Post("/", s.handleCreatePost)
			r.Get("/{id}", s.handleGetPost)
			r.Delete("/{id}", s.handleDeletePost)
			r.Post("/{id}/queue", s.handleEnqueuePost)
			r.Post("/{id}/queue/all", s.handleEnqueuePostAll)
			r.Post("/{id}/queue/attention", s.handleEnqueuePostAttention)
		})

		r.Route("/sales-rules", func(r chi.Router) {
			r.Post("/", s.handleCreateSalesRule)
			r.Get("/{id}", s.handleGetSalesRule)
			r.Delete("/{id}", s.handleDeleteSalesRule)
			r.Post("/{id}/queue", s.handleEnqueueSalesRule)
			r.Post("/{id}/send", s.handleSendSalesRule)
		})

		r.Delete("/users", s.handleDeleteUsers)
		r.Post("/users/attention/reset", s.handleResetAttention)

		r.Route("/coupons", func(r chi.Router) {
			r.Get("/", s.handleListCoupons)
			// {ref} is a code for lookups and a numeric id otherwise
			r.Get("/{ref}", s.handleLookupCoupon)
			r.Put("/{ref}", s.handleUpdateCoupon)
			r.Post("/{ref}/use", s.handleUseCoupon)
		})

		r.Get("/settings/{key}", s.handleGetSetting)
		r.Put("/settings/{key}", s.handlePutSetting)

		r.Route("/cron", func(r chi.Router) {
			r.Get("/queue-stats", s.handleQueueStats(s.deps.SalesRuleQueue))
			r.Get("/post-queue-stats", s.handleQueueStats(s.deps.PostQueue))
			r.Get("/last-attention-check", s.handleLastAttentionCheck)
			r.Post("/run-queue-process", s.handleRunDrain(s.deps.SalesRuleDrainer))
			r.Post("/run-post-queue-process", s.handleRunDrain(s.deps.PostDrainer))
			r.Post("/run-attention-check", s.handleRunAttentionCheck)
		})
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
