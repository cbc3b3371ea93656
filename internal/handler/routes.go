package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"syncgate-go/internal/bridge"
	"syncgate-go/internal/config"
	"syncgate-go/internal/metrics"
	"syncgate-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Health,
// metrics and static routes take precedence over the mounted application.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, gate *bridge.Coordinator, health *HealthHandler, m *metrics.Metrics, logger *slog.Logger) {
	e.GET(cfg.Health.Path, health.Healthz)
	e.GET(cfg.Health.Path+"/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	for _, s := range cfg.Static {
		e.Match([]string{http.MethodGet, http.MethodHead}, s.Path+"/*", echo.NotFoundHandler,
			middleware.StaticHeaders(cfg.Server.StaticCORS),
			echomw.StaticWithConfig(echomw.StaticConfig{Root: s.Dir}),
		)
		logger.Info("serving static files", "path", s.Path, "dir", s.Dir)
	}

	mount := gate.ScriptName()
	if mount == "" {
		e.Any("/*", gate.Handle)
	} else {
		e.Any(mount, gate.Handle)
		e.Any(mount+"/*", gate.Handle)
	}
	logger.Info("application mounted", "script_name", mount, "app", cfg.App.Kind)
}
