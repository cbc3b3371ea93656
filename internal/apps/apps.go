// Package apps contains the blocking applications shipped with syncgate.
package apps

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"syncgate-go/internal/bridge"
	"syncgate-go/internal/client"
	"syncgate-go/internal/config"
)

// New returns the application selected by cfg.App.Kind.
func New(cfg *config.Config, upstream *client.UpstreamClient, logger *slog.Logger) (bridge.App, error) {
	switch cfg.App.Kind {
	case config.AppEcho:
		return Echo{}, nil
	case config.AppEnviron, "":
		return Environ{}, nil
	case config.AppUpstream:
		return NewUpstream(cfg.Upstream.BaseURL, upstream, logger)
	}
	return nil, errors.Newf("unknown application %q", cfg.App.Kind)
}
