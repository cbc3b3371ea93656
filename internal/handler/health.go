package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"syncgate-go/internal/config"
	"syncgate-go/internal/dispatch"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	pool    *dispatch.Pool
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, pool *dispatch.Pool, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, pool: pool, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	App        string         `json:"app"`
	ScriptName string         `json:"script_name"`
	Workers    dispatch.Stats `json:"workers"`
}

// Status returns gateway status information, including worker occupancy.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:     "ok",
		Version:    string(h.version),
		App:        h.cfg.App.Kind,
		ScriptName: h.cfg.Bridge.ScriptName,
		Workers:    h.pool.Stats(),
	})
}
