package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cotrain/offlineq/internal/api"
	"github.com/cotrain/offlineq/internal/config"
	"github.com/cotrain/offlineq/internal/connectivity"
	"github.com/cotrain/offlineq/internal/drain"
	"github.com/cotrain/offlineq/internal/logging"
	"github.com/cotrain/offlineq/internal/metrics"
	"github.com/cotrain/offlineq/internal/persist"
	"github.com/cotrain/offlineq/internal/queue"
	"github.com/cotrain/offlineq/internal/submit"
)

const shutdownTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the offlineq daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running offlineq daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, connectivity and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "offlineq.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(withMCP bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logCloser, err := logging.Setup(logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logCloser.Close()
	logger := slog.Default()

	fmt.Fprintf(os.Stderr, "offlineq version %s\n", version)

	apiToken, err := config.EnsureAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	// Refuse to start twice against the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("offlineq is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("offlineq is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
	}

	store, err := persist.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening persistence store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing persistence store: %v\n", err)
		}
	}()
	worker := persist.NewWorker(store, persist.WorkerConfig{CacheTTL: cfg.Persist.CacheTTL}, logger)

	httpClient, err := drain.NewHTTPClient(cfg.Backend.Timeout)
	if err != nil {
		return fmt.Errorf("building backend client: %w", err)
	}

	monitor, err := connectivity.New(connectivity.Config{
		Mode: cfg.Connectivity.Mode,
		Probe: connectivity.ProbeConfig{
			URL:              cfg.Connectivity.ProbeURL,
			Interval:         cfg.Connectivity.ProbeInterval,
			Timeout:          cfg.Connectivity.ProbeTimeout,
			FailureThreshold: cfg.Connectivity.FailureThreshold,
		},
	}, httpClient, logger)
	if err != nil {
		return fmt.Errorf("building connectivity monitor: %w", err)
	}
	reporter, _ := monitor.(connectivity.Reporter)

	exec := drain.NewHTTPExecutor(httpClient, worker, logger)
	engine := drain.New(queue.NewStore(cfg.Queue.MaxSize, logger), monitor, exec, worker, drain.Config{
		RetryDelay:     cfg.Queue.RetryDelay,
		StabilizeDelay: cfg.Queue.StabilizeDelay,
		SweepSchedule:  cfg.Queue.SweepSchedule,
	}, logger)

	submitter, err := submit.New(engine, submit.Options{
		BaseURL:    cfg.Backend.BaseURL,
		MaxRetries: cfg.Queue.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("building submitter: %w", err)
	}

	hub := api.NewHub(logger)
	defer hub.Attach(engine, monitor)()

	handler := api.NewHandler(api.Deps{
		Engine:    engine,
		Submitter: submitter,
		Reporter:  reporter,
		Persist:   worker,
		Hub:       hub,
		Token:     apiToken,
		Metrics:   cfg.Metrics.Enabled,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return gctx
		},
	}

	g.Go(func() error { return worker.Run(gctx) })

	if r, ok := monitor.(connectivity.Runner); ok {
		g.Go(func() error { return r.Run(gctx) })
	}

	// Persisted actions must be back in the queue before the API accepts
	// new submissions, or those would jump ahead of them.
	if err := startEngine(gctx, engine, logger); err != nil {
		stop()
		g.Wait()
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		engine.Stop()
		return nil
	})

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "offlineq listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Engine: engine, Submitter: submitter}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

// startEngine restores mirrored actions and starts draining. A failed
// restore is logged; the daemon still runs with whatever it loaded.
func startEngine(ctx context.Context, engine *drain.Engine, logger *slog.Logger) error {
	n, err := engine.Rehydrate(ctx)
	if err != nil {
		logger.Warn("restoring persisted actions failed", "error", err)
	} else if n > 0 {
		logger.Info("restored persisted actions", "count", n)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting drain engine: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("offlineq is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop offlineq (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to offlineq (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	printStatus("Connectivity mode", "%s", cfg.Connectivity.Mode)
	if cfg.Backend.BaseURL != "" {
		printStatus("Backend", "%s", cfg.Backend.BaseURL)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	client, err := newAPIClient()
	if err != nil {
		printStatus("Server", "unknown (%v)", err)
		return nil
	}
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	resp, err = client.get(ctx, "/status")
	if err != nil {
		return err
	}
	var st api.Status
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	printQueueStatus(st)
	return nil
}

func printQueueStatus(st api.Status) {
	online := colorize(colorGreen, "online")
	if !st.IsOnline {
		online = colorize(colorYellow, "offline")
	}
	printStatus("Network", "%s", online)
	printStatus("Draining", "%t", st.IsProcessing)
	printStatus("Queued", "%d (pending %d, retrying %d, failed %d)",
		st.Stats.Total, st.Stats.Pending, st.Stats.Retrying, st.Stats.Exhausted)
}
