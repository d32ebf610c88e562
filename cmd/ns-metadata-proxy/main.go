package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/natefinch/lumberjack"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"ns-metadata-proxy/internal/client"
	"ns-metadata-proxy/internal/config"
	"ns-metadata-proxy/internal/daemon"
	"ns-metadata-proxy/internal/handler"
	"ns-metadata-proxy/internal/metrics"
	"ns-metadata-proxy/internal/middleware"
	"ns-metadata-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("ns-metadata-proxy"),
		kong.Description("Metadata proxy for an isolated network namespace."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	var (
		cfg    *config.Config
		logger *slog.Logger
		d      *daemon.Daemon
	)
	app := fx.New(
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			fl := &fxevent.SlogLogger{Logger: l}
			fl.UseLogLevel(slog.LevelDebug)
			return fl
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			fx.Annotate(newProxyEcho, fx.ResultTags(`name:"proxy"`)),
			fx.Annotate(newAdminEcho, fx.ResultTags(`name:"admin"`)),
			client.NewUnixSocketClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			daemon.New,
			func(d *daemon.Daemon) handler.StateReporter { return d },
		),
		fx.Invoke(
			fx.Annotate(handler.RegisterRoutes, fx.ParamTags(`name:"proxy"`)),
			fx.Annotate(handler.RegisterAdminRoutes, fx.ParamTags(`name:"admin"`)),
		),
		fx.Populate(&cfg, &logger, &d),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg.LogValues(logger)
	cfg.WarnPermissions(logger)

	ctx := context.Background()
	var err error
	switch kctx.Command() {
	case "stop":
		err = d.Stop(ctx)
	case "restart":
		err = d.Restart(ctx)
	default:
		err = d.Start(ctx)
	}
	if err != nil {
		logger.Error("command failed", "command", kctx.Command(), "err", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var out io.Writer = os.Stdout
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(out, opts)
	default:
		h = slog.NewJSONHandler(out, opts)
	}

	return slog.New(h)
}

func newProxyEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks. Responses are
	// buffered, so writes are bounded by the backend timeout.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second + 30*time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	// The forwarded address is the direct peer; tenant-supplied
	// X-Forwarded-For is never trusted.
	e.IPExtractor = echo.ExtractIPDirect()
	e.HTTPErrorHandler = middleware.ErrorHandler(logger.With("component", "http"))

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	id, _ := cfg.Identity()
	e.Use(middleware.RequestLogger(logger.With("component", "access", "identity", id.UUID())))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newAdminEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Use(echomw.Recover())
	return e
}
