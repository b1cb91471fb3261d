package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/kalambet/exhibit/internal/api"
	"github.com/kalambet/exhibit/internal/config"
	"github.com/kalambet/exhibit/internal/detect"
	"github.com/kalambet/exhibit/internal/ledger"
	"github.com/kalambet/exhibit/internal/retention"
	"github.com/kalambet/exhibit/internal/storage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the exhibit server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running exhibit server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show exhibit server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "exhibit.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
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

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "exhibit version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if resp, err := (&http.Client{Timeout: 2 * time.Second}).Get(cfg.Server.URL() + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidFilePath(cfg.Storage.DataDir)); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", cfg.Server.Addr())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	uploads := cfg.Storage.Uploads()
	if err := os.MkdirAll(uploads, 0o700); err != nil {
		return fmt.Errorf("creating upload dir: %w", err)
	}

	core, err := newApp(cfg, logger, store)
	if err != nil {
		return err
	}

	// A missing sidecar degrades results but does not stop the server.
	readyCtx, cancelReady := context.WithTimeout(ctx, 5*time.Second)
	if err := detect.EnsureReady(readyCtx, core.detector, os.Stderr); err != nil {
		printWarning("%v", err)
	}
	cancelReady()

	sweeper := retention.New(retention.Config{
		Schedule:      cfg.Retention.Schedule,
		MaxAge:        cfg.Retention.MaxAge,
		ArchiveMaxAge: cfg.Retention.ArchiveMaxAge,
	}, retention.Deps{
		Ledger:  core.jobs,
		Archive: store,
		OnEvict: func(j ledger.Job) { api.RemoveUpload(uploads, j) },
		Metrics: core.metrics,
		Logger:  logger,
	})
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	var limiter *rate.Limiter
	if cfg.Admission.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Admission.Rate), cfg.Admission.Burst)
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewRouter(api.Deps{
			Jobs:      core.jobs,
			Processor: core.processor,
			Archive:   store,
			Detector:  core.detector,
			Limiter:   limiter,
			Metrics:   core.metrics,
			Token:     cfg.Auth.Token,
			UploadDir: uploads,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Jobs:      core.jobs,
			Processor: core.processor,
			Archive:   store,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("exhibit listening", "addr", srv.Addr, "workers", cfg.Analysis.Workers, "stride", cfg.Analysis.Stride)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	// Jobs must drain before storage closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, srv.Shutdown(shutdownCtx), core.processor.Shutdown(shutdownCtx))
}

func stopServer() error {
	cfg, err := config.LoadLocal()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("exhibit is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("could not stop exhibit (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to exhibit (PID %d)", pid)
	return nil
}

type healthView struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Detector *struct {
		Reachable    bool     `json:"reachable"`
		Capabilities []string `json:"capabilities"`
		Error        string   `json:"error"`
	} `json:"detector"`
	Jobs   map[string]int `json:"jobs"`
	Active int            `json:"active"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.LoadLocal()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := &apiClient{baseURL: cfg.Server.URL(), httpClient: &http.Client{Timeout: 2 * time.Second}}
	h, err := fetchHealth(ctx, client)
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}

	printStatus("Server", "%s on %s (v%s)", h.Status, cfg.Server.Addr(), h.Version)
	if d := h.Detector; d != nil {
		if d.Reachable {
			printStatus("Detector", "reachable at %s [%s]", cfg.Detector.BaseURL, strings.Join(d.Capabilities, ", "))
		} else {
			printStatus("Detector", "unreachable at %s: %s", cfg.Detector.BaseURL, d.Error)
		}
	}
	printStatus("Jobs", "%s", jobCounts(h.Jobs))
	printStatus("Active", "%d", h.Active)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchHealth(ctx context.Context, c *apiClient) (healthView, error) {
	var h healthView
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return h, err
	}
	err = decodeJSON(resp, &h)
	return h, err
}

// jobCounts renders per-status counts in a stable order.
func jobCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, " ")
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
