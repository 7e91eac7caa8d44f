package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/amirtishiva/care-flow-navigator-sub000/internal/config"
	"github.com/amirtishiva/care-flow-navigator-sub000/internal/domain/triage"
	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/auth"
	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/db"
	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/eventbus"
	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/middleware"
	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/notification"
	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/websocket"
)

const version = "0.1.0"

// app holds the wired engine shared by serve, sweep and worker.
type app struct {
	pool      *pgxpool.Pool
	svc       *triage.Service
	directory *triage.PGDirectory
	roster    triage.Roster
	hub       *websocket.Hub
	pager     *notification.Pager
	closers   []func()
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level := zerolog.InfoLevel
	if cfg != nil {
		if l, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil && l != zerolog.NoLevel {
			level = l
		}
	}
	return logger.Level(level)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildApp connects to PostgreSQL and the optional Redis and NATS sinks and
// wires the triage service on top.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a := &app{pool: pool}
	a.onClose(pool.Close)
	logger.Info().Msg("connected to database")

	a.hub = websocket.NewHub(logger)
	a.pager = notification.NewPager(
		notification.LogSender{Logger: logger},
		notification.NewTemplateEngine(),
		cfg.PagerBroadcastGroup,
		logger,
	)
	publishers := eventbus.Fanout{a.hub, a.pager}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		a.onClose(func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		publishers = append(publishers, eventbus.NewStreamPublisher(rdb, cfg.EventStream, cfg.EventStreamMaxLen))
		logger.Info().Str("stream", cfg.EventStream).Msg("publishing events to redis stream")
	}

	if cfg.NATSURL != "" {
		nc, err := eventbus.ConnectNATS(cfg.NATSURL, "careflow")
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		a.onClose(func() { _ = nc.Drain() })
		publishers = append(publishers, eventbus.NewNATSPublisher(nc, cfg.NATSSubjectPrefix))
		logger.Info().Str("prefix", cfg.NATSSubjectPrefix).Msg("publishing events to nats")
	}

	a.directory = triage.NewPGDirectory(pool)
	var directory triage.ResponderDirectory = a.directory
	a.roster = a.directory
	if cfg.ResponderDirectory == "redis" {
		presence := triage.NewRedisDirectory(rdb, "")
		roster := triage.NewPresenceRoster(a.directory, presence)
		if err := roster.Resync(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("load responder presence: %w", err)
		}
		directory, a.roster = presence, roster
	}

	a.svc = triage.NewService(
		triage.NewRepo(pool),
		db.NewTxRunner(pool),
		directory,
		triage.NewPublisherSink(publishers, logger),
		logger,
		triage.Options{
			ResponseWindow:   cfg.AckWindow,
			SweepBatchSize:   cfg.SweepBatchSize,
			SweepConcurrency: cfg.SweepConcurrency,
		},
	)
	return a, nil
}

// newEcho builds the HTTP surface. a.pool may be nil in tests that never
// reach /health/db.
func newEcho(cfg *config.Config, logger zerolog.Logger, a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))

	websocket.NewHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg), middleware.CaseAccess(logger))
	triage.NewHandler(a.svc, a.roster).RegisterRoutes(apiV1)
	notification.NewHandler(a.pager).RegisterRoutes(apiV1)

	return e
}
