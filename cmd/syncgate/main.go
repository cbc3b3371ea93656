package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"syncgate-go/internal/apps"
	"syncgate-go/internal/bridge"
	"syncgate-go/internal/client"
	"syncgate-go/internal/config"
	"syncgate-go/internal/dispatch"
	"syncgate-go/internal/handler"
	"syncgate-go/internal/metrics"
	"syncgate-go/internal/server"
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
		kong.Name("syncgate"),
		kong.Description("Serve a blocking application behind a concurrent HTTP front end."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	cfg, err := config.Load(&cli)
	kctx.FatalIfErrorf(err)

	fx.New(
		fx.Supply(cfg),
		fx.StopTimeout(server.StopTimeout(&cfg.Server)),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() handler.Version { return handler.Version(version) },
			newLogger,
			metrics.New,
			newPool,
			client.NewUpstreamClient,
			apps.New,
			newCoordinator,
			server.NewEcho,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, server.Start),
	).Run()
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

func newPool(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *dispatch.Pool {
	return dispatch.New(cfg.Bridge.WorkerPoolSize, logger, m)
}

func newCoordinator(app bridge.App, pool *dispatch.Pool, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *bridge.Coordinator {
	return bridge.NewCoordinator(app, pool, bridge.Options{
		ScriptName:      cfg.Bridge.ScriptName,
		URLScheme:       cfg.Bridge.URLScheme,
		MemoryThreshold: cfg.Bridge.Threshold(),
		AbsoluteCeiling: cfg.Bridge.Ceiling(),
		SpoolDir:        cfg.Bridge.SpoolDir,
	}, logger, m)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}
