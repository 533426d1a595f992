package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultProbeInterval = 5 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// ProbeConfig configures active probing.
type ProbeConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	// FailureThreshold is the number of consecutive failed probes needed to
	// report offline. A single success reports online again.
	FailureThreshold int
}

// ProbeMonitor determines connectivity by periodically requesting a health
// URL. Any response, even a 5xx, proves the network path is up.
type ProbeMonitor struct {
	*Signal
	cfg      ProbeConfig
	client   *http.Client
	failures int
	logger   *slog.Logger
}

// NewProbeMonitor creates a probing monitor. Call Run to start probing.
func NewProbeMonitor(cfg ProbeConfig, client *http.Client, logger *slog.Logger) (*ProbeMonitor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("probe URL is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeMonitor{
		Signal: NewSignal(logger),
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "probe"),
	}, nil
}

// Run probes once immediately and then every Interval until ctx is cancelled.
func (m *ProbeMonitor) Run(ctx context.Context) error {
	m.ProbeOnce(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce performs a single probe and updates the signal. Run is the only
// concurrent caller in production; tests call it directly.
func (m *ProbeMonitor) ProbeOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("probe panicked", "panic", r)
		}
	}()

	err := m.probe(ctx)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		m.failures = 0
		m.Set(true)
		return
	}

	m.failures++
	m.logger.Debug("probe failed", "url", m.cfg.URL, "failures", m.failures, "error", err)
	if m.failures >= m.cfg.FailureThreshold {
		m.Set(false)
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, m.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
	return nil
}
