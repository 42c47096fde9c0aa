package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	awslambda "github.com/aws/aws-lambda-go/lambda"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"arch-install-proxy/internal/client"
	"arch-install-proxy/internal/config"
	"arch-install-proxy/internal/handler"
	"arch-install-proxy/internal/lambda"
	"arch-install-proxy/internal/metrics"
	"arch-install-proxy/internal/middleware"
	"arch-install-proxy/internal/service"
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
		kong.Name("arch-install-proxy"),
		kong.Description("Serves the Arch install script as a file download."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(appOptions(&cli, kctx.Command())...).Run()
}

// appOptions builds the fx graph for the selected command.
func appOptions(cli *config.CLI, command string) []fx.Option {
	opts := []fx.Option{
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			fx.Annotate(client.NewUpstreamClient, fx.As(new(service.Fetcher))),
			service.NewScriptService,
			handler.NewProxyHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions),
	}

	switch command {
	case "lambda":
		opts = append(opts,
			fx.Provide(newLambdaAdapter),
			fx.Invoke(startLambda),
		)
	default:
		opts = append(opts,
			fx.Provide(
				handler.NewHealthHandler,
				fx.Annotate(newAdminEcho, fx.ResultTags(`name:"admin"`)),
			),
			fx.Invoke(
				fx.Annotate(handler.RegisterAdminRoutes, fx.ParamTags(`name:"admin"`)),
				startServer,
				fx.Annotate(startAdminServer, fx.ParamTags(``, `name:"admin"`)),
			),
		)
	}

	return opts
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

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	setServerTimeouts(e)

	// No body limit: inbound bodies are never read, so none is rejected.
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
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
	setServerTimeouts(e)

	e.Use(echomw.Recover())

	return e
}

func setServerTimeouts(e *echo.Echo) {
	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays disabled so a slow upstream stream is not cut off mid-body.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	if path := cfg.FilePath(); path != "" {
		logger.Info("config loaded", "path", path)
	} else {
		logger.Info("no config file found; using defaults")
	}
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	serve(lc, e, cfg.Server.Addr(), logger.With("listener", "public"))
}

func startAdminServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		logger.Info("admin listener disabled")
		return
	}
	serve(lc, e, cfg.Admin.Addr(), logger.With("listener", "admin"))
}

// serve binds addr on start so bind errors fail startup, then serves in the background.
func serve(lc fx.Lifecycle, e *echo.Echo, addr string, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

func newLambdaAdapter(e *echo.Echo, logger *slog.Logger) *lambda.Adapter {
	return lambda.NewAdapter(e, logger)
}

func startLambda(lc fx.Lifecycle, a *lambda.Adapter, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("starting lambda handler")
			go awslambda.StartWithOptions(a.Handle, awslambda.WithContext(ctx))
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
}
