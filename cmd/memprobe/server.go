package main

import (
	"context"
	"encoding/json"
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
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/memprobe/internal/api"
	"github.com/kalambet/memprobe/internal/config"
	"github.com/kalambet/memprobe/internal/eval"
	"github.com/kalambet/memprobe/internal/experience"
	"github.com/kalambet/memprobe/internal/indexer"
	"github.com/kalambet/memprobe/internal/poison"
	"github.com/kalambet/memprobe/internal/retrieval"
	"github.com/kalambet/memprobe/internal/scenario"
	"github.com/kalambet/memprobe/internal/screening"
	"github.com/kalambet/memprobe/internal/snapshot"
	"github.com/kalambet/memprobe/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the memprobe server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running memprobe server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memprobe system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "memprobe.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "memprobe version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))

	token, err := config.EnsureAPIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("memprobe is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("memprobe is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Restore the experience store from the last snapshot when one exists.
	var records *experience.Store
	if snapshot.Exists(cfg.Storage.DataDir) {
		records, err = snapshot.Load(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("restoring snapshot: %w", err)
		}
		slog.Info("restored snapshot", "records", records.Count())
	} else {
		records = experience.NewStore()
	}

	// Open storage for runs, retrieval logs and index jobs.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	classifier := poison.NewDefault()

	// Build the retriever. The vector backend indexes through the job queue;
	// the lexical backend scores the store directly and needs no jobs.
	var retriever retrieval.Retriever
	var jobs api.JobQueue
	switch cfg.Retrieval.Backend {
	case "vector":
		index, err := retrieval.NewChromemIndex(filepath.Join(cfg.Storage.DataDir, "index"), records, cfg.Index.Compress)
		if err != nil {
			return fmt.Errorf("opening vector index: %w", err)
		}
		if index.Count() == 0 && records.Count() > 0 {
			if err := index.AddBatch(ctx, records.All()); err != nil {
				return fmt.Errorf("indexing restored records: %w", err)
			}
			slog.Info("indexed restored records", "count", records.Count())
		}
		worker := indexer.NewWorker(store, records, index, cfg.Index.PollInterval)
		go worker.Run(ctx)
		retriever = index
		jobs = store
	default:
		retriever = retrieval.NewEngine(records, retrieval.JaccardScorer{})
	}

	if cfg.Eval.Screening {
		retriever = screening.NewRetriever(retriever, screening.NewSignatureScreener(classifier))
		slog.Info("retrieval screening enabled")
	}

	deps := api.AppDeps{
		Records:    records,
		Runs:       store,
		Retriever:  retriever,
		Classifier: classifier,
		Scenarios:  scenario.NewLibrary(cfg.Storage.ScenariosDir),
		Eval: eval.Config{
			TopK:         cfg.Retrieval.TopK,
			MinScore:     cfg.Retrieval.MinScore,
			Concurrency:  cfg.Eval.Concurrency,
			SampleLimit:  cfg.Eval.SampleLimit,
			QueryTimeout: cfg.Eval.QueryTimeout,
		},
		Thresholds:  eval.DefaultThresholds,
		SnapshotDir: cfg.Storage.DataDir,
		Token:       token,
		Jobs:        jobs,
	}
	handler := api.NewAppHandler(deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(deps)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Serve with a bounded connection count.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConns)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "memprobe listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Final snapshot so the memory survives a restart.
	if err := snapshot.Save(records, cfg.Storage.DataDir); err != nil {
		return fmt.Errorf("saving snapshot on shutdown: %w", err)
	}
	slog.Info("snapshot saved", "records", records.Count())
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
		printError("memprobe is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop memprobe (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to memprobe (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Backend", "%s", cfg.Retrieval.Backend)
	printStatus("Screening", "%v", cfg.Eval.Screening)

	// Show store and run counts if server is running.
	if running {
		apiToken, tokenErr := config.EnsureAPIToken(cfg.Storage.DataDir)
		if tokenErr == nil {
			statsResp, err := apiGet(client, serverURL+"/experiences/stats", apiToken)
			if err == nil {
				var stats struct {
					Total    int `json:"total"`
					Benign   int `json:"benign"`
					Injected int `json:"injected"`
					Flagged  int `json:"flagged"`
				}
				if json.NewDecoder(statsResp.Body).Decode(&stats) == nil {
					printStatus("Experiences", "%d (%d benign, %d injected)", stats.Total, stats.Benign, stats.Injected)
					printStatus("Flagged", "%d", stats.Flagged)
				}
				statsResp.Body.Close()
			}
			runsResp, err2 := apiGet(client, serverURL+"/runs?limit=100", apiToken)
			if err2 == nil {
				var page struct {
					Runs []json.RawMessage `json:"runs"`
				}
				if json.NewDecoder(runsResp.Body).Decode(&page) == nil {
					printStatus("Runs", "%s", countLabel(len(page.Runs), 100))
				}
				runsResp.Body.Close()
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
