package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
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
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/askcube/internal/api"
	"github.com/kalambet/askcube/internal/cache"
	"github.com/kalambet/askcube/internal/config"
	"github.com/kalambet/askcube/internal/cube"
	"github.com/kalambet/askcube/internal/engine"
	"github.com/kalambet/askcube/internal/formatter"
	"github.com/kalambet/askcube/internal/maintenance"
	"github.com/kalambet/askcube/internal/pipeline"
	"github.com/kalambet/askcube/internal/retrieval"
	"github.com/kalambet/askcube/internal/retry"
	"github.com/kalambet/askcube/internal/storage"
	"github.com/kalambet/askcube/internal/synthesis"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the askcube server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(stdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running askcube server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show askcube system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "askcube.pid")
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

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// app is the wired object graph behind the server.
type app struct {
	store     *storage.Store
	history   *retrieval.HistoryStore
	cache     cache.Client
	embedder  *retrieval.Embedder
	retriever *retrieval.Retriever
	pipeline  *pipeline.Orchestrator
	worker    *maintenance.Worker
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		slog.Warn("closing cache", "error", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

func newEmbeddingCache(ctx context.Context, cfg config.CacheConfig) cache.Client {
	if cfg.RedisURL == "" {
		return cache.NewMemoryClient(0)
	}
	rc, err := cache.NewRedisClient(ctx, cfg.RedisURL, "askcube:")
	if err != nil {
		slog.Warn("redis unavailable, using in-memory embedding cache", "error", err)
		return cache.NewMemoryClient(0)
	}
	return rc
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	base, err := engine.New(engine.BackendConfig{
		Provider:           cfg.LLM.Provider,
		EmbedProvider:      cfg.LLM.EmbedProvider,
		OllamaBaseURL:      cfg.Ollama.BaseURL,
		OpenAIAPIKey:       cfg.OpenAI.APIKey,
		OpenAIBaseURL:      cfg.OpenAI.BaseURL,
		AnthropicAPIKey:    cfg.Anthropic.APIKey,
		AnthropicMaxTokens: cfg.Anthropic.MaxTokens,
		Temperature:        cfg.LLM.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("building inference engine: %w", err)
	}
	eng := engine.NewResilient(base, cfg.LLM.Timeout, retry.DefaultConfig().WithMaxRetries(cfg.LLM.MaxRetries))
	if err := engine.EnsureReady(ctx, eng, cfg.LLM.ChatModel, cfg.LLM.EmbedModel, os.Stderr); err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	if n, err := store.RequeueRunning(); err != nil {
		slog.Warn("requeueing interrupted jobs failed", "error", err)
	} else if n > 0 {
		slog.Info("requeued interrupted jobs", "count", n)
	}

	history, err := retrieval.OpenHistoryStore(filepath.Join(cfg.Storage.DataDir, "history"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening history: %w", err)
	}

	embCache := newEmbeddingCache(ctx, cfg.Cache)
	embedder := retrieval.NewEmbedder(eng, cfg.LLM.EmbedModel, retrieval.WithCache(embCache, cfg.Cache.TTL))
	retriever := retrieval.NewRetriever(embedder, history, float32(cfg.Retrieval.MaxDistance))

	cubeClient := cube.NewClient(cfg.Cube.APIURL, cfg.Cube.APIToken,
		cube.WithTimeout(cfg.Cube.Timeout),
		cube.WithRetry(retry.DefaultConfig().WithMaxRetries(cfg.LLM.MaxRetries)),
		cube.WithMaxWaitPolls(cfg.Cube.MaxWaitPolls, time.Second),
	)

	fmtr := formatter.New(eng, cfg.LLM.ChatModel)
	synth := synthesis.New(eng, retriever, fmtr, synthesis.Config{
		ChatModel:        cfg.LLM.ChatModel,
		ContextK:         cfg.Synthesis.ContextK,
		HistoryBudget:    cfg.Synthesis.HistoryBudget,
		SummarizeHistory: cfg.Synthesis.SummarizeHistory,
		PersistDrafts:    cfg.Synthesis.PersistDrafts,
		DefaultOrder:     cfg.Synthesis.DefaultOrder,
	})
	orch := pipeline.New(cubeClient, retriever, history, synth, cubeClient, fmtr,
		pipeline.WithAuditLog(store),
		pipeline.WithAugmentK(cfg.Retrieval.AugmentK),
	)

	return &app{
		store:     store,
		history:   history,
		cache:     embCache,
		embedder:  embedder,
		retriever: retriever,
		pipeline:  orch,
		worker:    maintenance.NewWorker(store, history, embedder, cfg.LLM.EmbedModel, cfg.Maintenance.PollInterval),
	}, nil
}

// checkEmbeddingDim queues a history rebuild when the configured embedding
// model produces vectors of a different size than the stored index.
func checkEmbeddingDim(ctx context.Context, a *app) {
	have := a.history.Dim()
	if have == 0 {
		return
	}
	v, err := a.embedder.Embed(ctx, "dimension probe")
	if err != nil {
		slog.Warn("embedding probe failed", "error", err)
		return
	}
	if len(v) == have {
		return
	}
	reason := fmt.Sprintf("embedding dimension changed from %d to %d", have, len(v))
	id, queued, err := maintenance.EnqueueRebuild(a.store, reason)
	if err != nil {
		slog.Error("enqueueing history rebuild failed", "error", err)
		return
	}
	slog.Warn("history index uses a different embedding size; rebuild scheduled", "job_id", id, "queued", queued, "reason", reason)
}

func runServer(stdio bool) error {
	fmt.Fprintf(os.Stderr, "askcube version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries MCP frames in stdio mode, so logs always go to stderr.
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("askcube is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("askcube is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	slog.Info("history loaded", "records", a.history.Len(), "dim", a.history.Dim())
	checkEmbeddingDim(ctx, a)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Pipeline: a.pipeline,
		Similar:  a.retriever,
		Version:  version,
	})
	if cfg.Server.APIToken == "" {
		slog.Warn("server.api_token is empty; admin routes are unauthenticated")
	}
	handler := api.NewRouter(api.AppDeps{
		Pipeline: a.pipeline,
		Similar:  a.retriever,
		History:  a.history,
		Store:    a.store,
		Token:    cfg.Server.APIToken,
		MCP:      server.NewStreamableHTTPServer(mcpSrv),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.worker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "askcube listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if stdio {
		g.Go(func() error {
			slog.Info("MCP server started (stdio transport)")
			err := server.NewStdioServer(mcpSrv).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			// The MCP client closing stdin ends the session.
			stop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
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
		printError("askcube is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop askcube (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to askcube (PID %d)", pid)
	return nil
}

type healthResult struct {
	Status         string `json:"status"`
	HistoryRecords int    `json:"history_records"`
	IndexDim       int    `json:"index_dim"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	c := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	reportServer(ctx, c, cfg.Server.Port)

	cubeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cc := cube.NewClient(cfg.Cube.APIURL, cfg.Cube.APIToken, cube.WithTimeout(5*time.Second))
	if cat, err := cc.LoadCatalog(cubeCtx); err != nil {
		printStatus("Semantic layer", "unreachable at %s (%v)", cfg.Cube.APIURL, err)
	} else {
		printStatus("Semantic layer", "%d models, %d views at %s", len(cat.Models), len(cat.Views), cfg.Cube.APIURL)
	}

	printStatus("Provider", "%s", cfg.LLM.Provider)
	printStatus("Chat model", "%s", cfg.LLM.ChatModel)
	printStatus("Embed model", "%s", cfg.LLM.EmbedModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func reportServer(ctx context.Context, c *apiClient, port int) {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return
	}
	var h healthResult
	if err := decodeJSON(resp, &h); err != nil {
		printStatus("Server", "error (%v)", err)
		return
	}
	printStatus("Server", "%s on port %d", h.Status, port)
	printStatus("History", "%d records, %d-dim index", h.HistoryRecords, h.IndexDim)

	resp, err = c.get(ctx, "/jobs?limit=100")
	if err != nil {
		return
	}
	var jobs []jobResult
	if decodeJSON(resp, &jobs) != nil {
		return
	}
	pending := 0
	for _, j := range jobs {
		if j.Status == "pending" || j.Status == "running" {
			pending++
		}
	}
	printStatus("Active jobs", "%s", countLabel(pending, 100))
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
