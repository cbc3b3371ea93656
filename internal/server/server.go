// Package server builds the Echo instance and manages its listener lifecycle.
package server

import (
	"context"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"syncgate-go/internal/config"
	"syncgate-go/internal/dispatch"
	"syncgate-go/internal/metrics"
	"syncgate-go/internal/middleware"
)

// NewEcho creates the Echo instance with the gateway middleware chain.
// Request bodies are not limited here; the bridge enforces its own ceiling.
func NewEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	// Read and write timeouts stay disabled: bodies are spooled at the
	// client's pace and responses may be long.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// Listen binds the configured unix socket, or host:port when none is set.
// A stale socket file is removed before binding.
func Listen(cfg *config.ServerConfig) (net.Listener, error) {
	if cfg.UnixSocket == "" {
		addr := cfg.Addr()
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "bind %s", addr)
		}
		return ln, nil
	}

	path := cfg.UnixSocket
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(err, "remove stale socket %s", path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", path)
	}
	if err := os.Chmod(path, fs.FileMode(cfg.UnixSocketPerms)); err != nil {
		_ = ln.Close()
		return nil, errors.Wrapf(err, "chmod %s", path)
	}
	return ln, nil
}

// PoolDrainTimeout is how long running applications get after the HTTP
// server has stopped.
const PoolDrainTimeout = 5 * time.Second

// ShutdownTimeout returns how long in-flight requests get to finish.
func ShutdownTimeout(cfg *config.ServerConfig) time.Duration {
	return time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
}

// StopTimeout returns the whole stop budget: the HTTP drain followed by the
// worker pool drain.
func StopTimeout(cfg *config.ServerConfig) time.Duration {
	return ShutdownTimeout(cfg) + PoolDrainTimeout
}

// Start registers the server with the fx lifecycle. On stop the server
// drains first, then the worker pool, each with its own deadline.
func Start(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, pool *dispatch.Pool, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := Listen(&cfg.Server)
			if err != nil {
				return err
			}
			logger.Info("starting server",
				"addr", ln.Addr().String(),
				"workers", pool.Size(),
				"script_name", cfg.Bridge.ScriptName,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			httpCtx, cancel := context.WithTimeout(ctx, ShutdownTimeout(&cfg.Server))
			defer cancel()
			err := e.Shutdown(httpCtx)

			poolCtx, cancelPool := context.WithTimeout(ctx, PoolDrainTimeout)
			defer cancelPool()
			if perr := pool.Close(poolCtx); perr != nil {
				err = errors.CombineErrors(err, errors.Wrap(perr, "close worker pool"))
			}
			if cfg.Server.UnixSocket != "" {
				_ = os.Remove(cfg.Server.UnixSocket)
			}
			return err
		},
	})
}
