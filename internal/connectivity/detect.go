package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

const (
	ModeEvents = "events"
	ModeProbe  = "probe"
)

// Config selects and configures a monitor implementation.
type Config struct {
	Mode  string
	Probe ProbeConfig
}

// Runner is implemented by monitors that need a background loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Reporter is implemented by monitors that accept pushed platform events.
type Reporter interface {
	Report(online bool) bool
}

// New builds the monitor named by cfg.Mode.
func New(cfg Config, client *http.Client, logger *slog.Logger) (Monitor, error) {
	switch cfg.Mode {
	case "", ModeEvents:
		return NewEventMonitor(logger), nil
	case ModeProbe:
		return NewProbeMonitor(cfg.Probe, client, logger)
	default:
		return nil, fmt.Errorf("unknown connectivity mode %q (want %q or %q)", cfg.Mode, ModeEvents, ModeProbe)
	}
}
