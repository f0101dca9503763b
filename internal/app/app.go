package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"

	"github.com/foxzi/promobot/internal/api"
	"github.com/foxzi/promobot/internal/config"
	"github.com/foxzi/promobot/internal/coupon"
	"github.com/foxzi/promobot/internal/db"
	"github.com/foxzi/promobot/internal/dispatch"
	"github.com/foxzi/promobot/internal/engagement"
	"github.com/foxzi/promobot/internal/lock"
	"github.com/foxzi/promobot/internal/metrics"
	"github.com/foxzi/promobot/internal/models"
	"github.com/foxzi/promobot/internal/repository"
	"github.com/foxzi/promobot/internal/scheduler"
	"github.com/foxzi/promobot/internal/state"
	"github.com/foxzi/promobot/internal/telegram"
)

// Services are the domain services shared by the server and the CLI
type Services struct {
	DB       *db.DB
	State    *state.BoltStore
	Redis    redis.UniversalClient
	Metrics  *metrics.Metrics
	Users    *repository.UserRepository
	Posts    *repository.PostRepository
	Rules    *repository.SalesRuleRepository
	Coupons  *repository.CouponRepository
	Settings *repository.SettingsRepository

	// BotAPI is the main bot client, nil without withBot
	BotAPI *tgbotapi.BotAPI

	PostQueue      *dispatch.Queue
	SalesRuleQueue *dispatch.Queue
	PostProc       *dispatch.Processor[models.Post]
	SalesRuleProc  *dispatch.Processor[models.SalesRule]
	Tracker        *engagement.Tracker
	Issuer         *coupon.Issuer
	Redeemer       *coupon.Redeemer
}

// Bot is the outbound messaging surface the services need
type Bot interface {
	dispatch.PostSender
	coupon.Notifier
}

// NewServices opens the stores and builds the domain services. Without
// withBot every delivery fails, so only read-only commands should use it.
func NewServices(ctx context.Context, cfg *config.Config, withBot bool, m *metrics.Metrics, logger *slog.Logger) (*Services, error) {
	conn, err := db.New(ctx, db.Options{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	store, err := state.NewBoltStore(cfg.State.Path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	// Stays a nil interface when redis is off so lock.New picks the local guard
	var rdb redis.UniversalClient
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, locks will fail until it recovers", "addr", cfg.Redis.Addr, "error", err)
		} else {
			logger.Info("redis job locks enabled", "addr", cfg.Redis.Addr)
		}
	}

	s := &Services{
		DB:       conn,
		State:    store,
		Redis:    rdb,
		Metrics:  m,
		Users:    repository.NewUserRepository(conn),
		Posts:    repository.NewPostRepository(conn),
		Rules:    repository.NewSalesRuleRepository(conn),
		Coupons:  repository.NewCouponRepository(conn),
		Settings: repository.NewSettingsRepository(conn),
	}

	var bot Bot = offlineBot{}
	if withBot {
		botAPI, err := newBotAPI(cfg.Telegram.Token, cfg.Telegram)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect main bot: %w", err)
		}
		logger.Info("main bot authorized", "username", botAPI.Self.UserName)
		s.BotAPI = botAPI

		bot = telegram.NewSender(botAPI, s.Users, telegram.SenderConfig{
			RatePerSecond: cfg.Telegram.RatePerSecond,
			MediaDir:      cfg.Telegram.MediaDir,
			ButtonText:    cfg.Telegram.ButtonText,
		}, logger)
	}

	guard := func(job string) lock.Guard {
		return lock.New(rdb, "promobot:lock:"+job, cfg.Redis.LockTTL, logger)
	}

	postStore := repository.NewPostQueueRepository(conn)
	ruleStore := repository.NewSalesRuleQueueRepository(conn)

	s.Tracker = engagement.NewTracker(s.Users, store, guard(engagement.JobName), cfg.Attention.StaleDays, m, logger)
	s.Issuer = coupon.NewIssuer(s.Coupons, s.Rules, s.Users, bot, s.Tracker, m, logger)
	s.Redeemer = coupon.NewRedeemer(s.Coupons, s.Rules, s.Users, s.Settings, m, logger)

	s.PostQueue = dispatch.NewQueue(postStore, s.Users, nil, logger)
	s.SalesRuleQueue = dispatch.NewQueue(ruleStore, s.Users, dispatch.ExistsBy(s.Rules.GetByID), logger)

	s.PostProc = dispatch.NewProcessor[models.Post](
		postStore, s.Users,
		dispatch.NewPostContent(s.Posts, bot),
		s.Tracker, guard(string(models.QueuePost)+"_queue"), store,
		dispatch.Config{BatchSize: cfg.Queue.PostBatchSize, SendTimeout: cfg.Queue.SendTimeout},
		m, logger,
	)
	s.SalesRuleProc = dispatch.NewProcessor[models.SalesRule](
		ruleStore, s.Users,
		dispatch.NewSalesRuleContent(s.Rules, s.Issuer),
		s.Tracker, guard(string(models.QueueSalesRule)+"_queue"), store,
		dispatch.Config{BatchSize: cfg.Queue.SalesRuleBatchSize, SendTimeout: cfg.Queue.SendTimeout},
		m, logger,
	)

	return s, nil
}

// Close releases the stores
func (s *Services) Close() error {
	var firstErr error
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.State.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// App runs the bots, the drain workers, the attention scan and the HTTP API
type App struct {
	config        *config.Config
	services      *Services
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	adminBot      *telegram.AdminBot
	subscriberBot *telegram.SubscriberBot
	scheduler     *scheduler.Scheduler
	logger        *slog.Logger
}

// New creates the application
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.ValidateBots(); err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	services, err := NewServices(ctx, cfg, true, m, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		config:   cfg,
		services: services,
		logger:   logger,
	}

	if cfg.Telegram.AdminToken != "" {
		adminAPI, err := newBotAPI(cfg.Telegram.AdminToken, cfg.Telegram)
		if err != nil {
			services.Close()
			return nil, fmt.Errorf("failed to connect admin bot: %w", err)
		}
		a.adminBot = telegram.NewAdminBot(adminAPI, services.Redeemer, cfg.Telegram.AdminChatIDs, logger)
		logger.Info("admin bot authorized", "username", adminAPI.Self.UserName)
	} else {
		logger.Warn("admin bot disabled, telegram.admin_token not set")
	}

	if cfg.Telegram.DisableUpdates {
		logger.Info("main bot updates disabled, users are not registered by this process")
	} else {
		a.subscriberBot = telegram.NewSubscriberBot(services.BotAPI, services.Users, cfg.Telegram.StartMessage, logger)
	}

	if m != nil {
		a.collector, err = metrics.NewCollector(
			services.State.DB(), m,
			[]metrics.QueueStatsProvider{services.PostQueue, services.SalesRuleQueue},
			cfg.State.Path, cfg.Metrics.FlushInterval,
		)
		if err != nil {
			services.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
	}

	a.apiServer = api.NewServer(api.Deps{
		PostQueue:        services.PostQueue,
		SalesRuleQueue:   services.SalesRuleQueue,
		PostDrainer:      services.PostProc,
		SalesRuleDrainer: services.SalesRuleProc,
		Issuer:           services.Issuer,
		Attention:        services.Tracker,
		Redeemer:         services.Redeemer,
		Posts:            services.Posts,
		SalesRules:       services.Rules,
		Coupons:          services.Coupons,
		Users:            services.Users,
		Settings:         services.Settings,
		DB:               services.DB,
		Metrics:          m,
	}, &cfg.Server, logger)

	a.scheduler, err = newScheduler(cfg, services, logger)
	if err != nil {
		services.Close()
		return nil, err
	}

	return a, nil
}

func newScheduler(cfg *config.Config, s *Services, logger *slog.Logger) (*scheduler.Scheduler, error) {
	sched := scheduler.New(logger)

	sched.Every(s.PostProc.JobName(), cfg.Queue.PostInterval, false, func(ctx context.Context) error {
		_, err := s.PostProc.DrainNow(ctx)
		return err
	})
	sched.Every(s.SalesRuleProc.JobName(), cfg.Queue.SalesRuleInterval, false, func(ctx context.Context) error {
		_, err := s.SalesRuleProc.DrainNow(ctx)
		return err
	})

	clock, err := scheduler.ParseClock(cfg.Attention.RunAt, cfg.Attention.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid attention schedule: %w", err)
	}
	sched.Daily(engagement.JobName, clock, func(ctx context.Context) error {
		_, err := s.Tracker.Scan(ctx)
		return err
	})

	sched.Every("state_cleanup", cfg.State.CleanupInterval, true, func(ctx context.Context) error {
		removed, err := s.State.CleanupHistory(ctx, cfg.State.HistoryMaxAge, cfg.State.HistoryMaxCount)
		if err != nil {
			return err
		}
		if removed > 0 {
			logger.Info("job history cleaned up", "removed", removed)
		}
		return nil
	})

	return sched, nil
}

// Run starts all components and blocks until a signal or a server error
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting promobot",
		"version", api.Version,
		"api_addr", a.config.Server.ListenAddr,
		"database", a.config.Database.Driver,
		"redis", a.config.Redis.Enabled(),
		"metrics", a.config.Metrics.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 4)

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	a.scheduler.Start(ctx)

	if a.adminBot != nil {
		go func() {
			if err := a.adminBot.Run(ctx); err != nil {
				errCh <- fmt.Errorf("admin bot: %w", err)
			}
		}()
	}

	if a.subscriberBot != nil {
		go func() {
			if err := a.subscriberBot.Run(ctx); err != nil {
				errCh <- fmt.Errorf("main bot: %w", err)
			}
		}()
	}

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Waits for in-flight drain cycles
	a.scheduler.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if err := a.services.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// SetupLogger builds the process logger from the logging config
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// botEndpoint is the Bot API URL pattern
var botEndpoint = tgbotapi.APIEndpoint

// newBotAPI connects a bot whose calls, long polls included, are bounded by
// cfg.RequestTimeout.
func newBotAPI(token string, cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	client := &http.Client{Timeout: cfg.RequestTimeout}
	bot, err := tgbotapi.NewBotAPIWithClient(token, botEndpoint, client)
	if err != nil {
		return nil, err
	}
	bot.Debug = cfg.Debug
	return bot, nil
}

// offlineBot fails every delivery
type offlineBot struct{}

func (offlineBot) SendPost(ctx context.Context, chatID string, post *models.Post) error {
	return errBotOffline
}

func (offlineBot) SendCoupon(ctx context.Context, chatID string, rule *models.SalesRule, c *models.CouponCode) error {
	return errBotOffline
}

var errBotOffline = fmt.Errorf("telegram bot not configured")
