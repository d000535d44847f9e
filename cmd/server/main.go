package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ytakahashi/firebase-todo-web/internal/config"
	"github.com/ytakahashi/firebase-todo-web/internal/handlers"
	"github.com/ytakahashi/firebase-todo-web/internal/services"
	"github.com/ytakahashi/firebase-todo-web/internal/session"
	"golang.org/x/time/rate"
)

const (
	sessionSweepInterval = time.Minute
	sessionMaxIdle       = 30 * time.Minute
	shutdownTimeout      = 10 * time.Second
)

func main() {
	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(os.Stderr)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}

	cfg, dotenv, err := config.Load()
	if !dotenv {
		level.Info(logger).Log("msg", "No .env file found")
	}
	if err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, err := services.NewIdentityToolkit(ctx, cfg.Firebase.APIKey, cfg.Server.AuthEmulatorHost)
	if err != nil {
		level.Error(logger).Log("msg", "Failed to create identity client", "err", err)
		os.Exit(1)
	}

	var store services.TaskStore
	{
		switch cfg.Server.StoreBackend {
		case config.StoreMemory:
			level.Warn(logger).Log("msg", "using in-memory task store; tasks are lost on restart")
			store = services.NewMemoryStore()
		default:
			store, err = services.NewFirestoreService(ctx, cfg.Firebase.ProjectID, log.With(logger, "component", "firestore"))
			if err != nil {
				level.Error(logger).Log("msg", "Failed to create Firestore service", "err", err)
				os.Exit(1)
			}
		}

		fieldKeys := []string{"method", "error"}
		store = services.LoggingMiddleware(log.With(logger, "component", "store"))(store)
		store = services.InstrumentingMiddleware(
			kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
				Namespace: "todo",
				Subsystem: "store",
				Name:      "request_count",
				Help:      "Number of store requests received.",
			}, fieldKeys),
			kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
				Namespace: "todo",
				Subsystem: "store",
				Name:      "request_latency_seconds",
				Help:      "Total duration of store requests in seconds.",
			}, []string{"method"}),
			kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
				Namespace: "todo",
				Subsystem: "store",
				Name:      "live_subscriptions",
				Help:      "Number of open live task queries.",
			}, []string{}),
		)(store)
	}
	defer store.Close()

	federated := map[string]services.FederatedProvider{}
	var providers []string
	if cfg.FederatedEnabled() {
		federated["google"] = services.NewGoogleProvider(
			cfg.Server.GoogleClientID,
			cfg.Server.GoogleClientSecret,
			cfg.CallbackURL("google"),
		)
		providers = append(providers, "google")
	}

	hashKey, blockKey, generated, err := cfg.SessionKeys()
	if err != nil {
		level.Error(logger).Log("msg", "invalid session keys", "err", err)
		os.Exit(1)
	}
	if generated {
		level.Warn(logger).Log("msg", "SESSION_HASH_KEY not set; using a random key, sessions will not survive a restart")
	}

	registry := session.NewRegistry(session.RegistryConfig{
		HashKey:   hashKey,
		BlockKey:  blockKey,
		Secure:    cfg.SecureCookies(),
		Identity:  identity,
		Federated: federated,
		Store:     store,
		Logger:    logger,
	})
	defer registry.Close()
	go registry.Run(ctx, sessionSweepInterval, sessionMaxIdle)

	renderer, err := handlers.NewRenderer()
	if err != nil {
		level.Error(logger).Log("msg", "Failed to parse templates", "err", err)
		os.Exit(1)
	}

	e := echo.New()
	e.HideBanner = true
	e.Renderer = renderer
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CSRFWithConfig(middleware.CSRFConfig{
		TokenLookup:    "form:_csrf",
		CookiePath:     "/",
		CookieHTTPOnly: true,
		CookieSecure:   cfg.SecureCookies(),
		CookieSameSite: http.SameSiteLaxMode,
	}))

	handlers.NewWebHandler(registry, providers, logger).Register(e, rate.Limit(cfg.Server.AuthRateLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	errc := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "Server starting", "port", cfg.Server.Port, "store", cfg.Server.StoreBackend)
		errc <- e.Start(":" + cfg.Server.Port)
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(logger).Log("msg", "Server failed to start", "err", err)
		}
	case <-ctx.Done():
		level.Info(logger).Log("msg", "shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		level.Error(logger).Log("msg", "shutdown failed", "err", err)
	}
}
