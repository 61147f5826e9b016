package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/ctf-agent/internal/agent"
	"github.com/nugget/ctf-agent/internal/capability"
	"github.com/nugget/ctf-agent/internal/checkpoint"
	"github.com/nugget/ctf-agent/internal/config"
	"github.com/nugget/ctf-agent/internal/embeddings"
	"github.com/nugget/ctf-agent/internal/events"
	"github.com/nugget/ctf-agent/internal/interact"
	"github.com/nugget/ctf-agent/internal/llm"
	"github.com/nugget/ctf-agent/internal/mcp"
	"github.com/nugget/ctf-agent/internal/memory"
	"github.com/nugget/ctf-agent/internal/opstate"
	"github.com/nugget/ctf-agent/internal/prompts"
	"github.com/nugget/ctf-agent/internal/router"
	"github.com/nugget/ctf-agent/internal/tools"
	"github.com/nugget/ctf-agent/internal/usage"
)

// app holds the wired components for one solve.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	bus    *events.Bus

	llm      llm.Client
	usage    *usage.Store
	embedder embeddings.Embedder
	registry *capability.Registry
	router   *router.Router

	attachments []tools.Attachment

	memory       *memory.Store
	checkpointer *checkpoint.Checkpointer
	assessor     *agent.ProblemAnalyzer
	loop         *agent.Loop

	closers []io.Closer
}

// newApp wires every component from cfg. in and out serve the console
// medium; they are unused in websocket mode.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, in io.Reader, out io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: events.New()}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db)

	a.llm = newLLMClient(cfg, logger)
	if a.usage, err = usage.NewStore(db); err != nil {
		a.Close()
		return nil, err
	}
	a.embedder = newEmbedder(cfg)

	if err := a.loadRegistry(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Router.Enabled {
		a.router = router.NewRouter(logger, router.ConfigFrom(cfg.Router, cfg.LLM.Timeout), a.registry, a.structured("classifier"), a.embedder)
		a.router.SetEventBus(a.bus)
		state, err := opstate.NewStore(db)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open state store: %w", err)
		}
		a.router.SetCache(state)
		if a.embedder != nil {
			if n, err := a.router.IndexEmbeddings(ctx); err != nil {
				logger.Warn("tool embeddings incomplete", "indexed", n, "error", err)
			}
		}
	}

	archive, err := memory.NewSQLiteArchive(db, a.embedder, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if n, err := archive.Count(ctx); err != nil {
		logger.Warn("archive unreadable", "error", err)
	} else {
		logger.Debug("memory archive opened", "entries", n)
	}
	compressor := memory.NewLLMCompressor(a.structured("compressor"), cfg.LLM.Timeout, logger)
	a.memory = memory.NewStore(memory.ConfigFrom(cfg.Memory), compressor, archive, logger)

	a.checkpointer, err = checkpoint.NewCheckpointer(db, checkpoint.Config{Every: cfg.Loop.CheckpointEvery}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	approver, confirmer, err := newMedium(cfg.Confirm, in, out, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	executor := agent.NewExecutor(a.registry, cfg.Loop.ActionTimeout, logger)
	executor.SetEventBus(a.bus)
	executor.SetParallelism(cfg.Loop.ActionParallelism)

	deps := agent.Deps{
		Memory:       a.memory,
		Registry:     a.registry,
		Planner:      agent.NewPlanner(a.structured("planner"), logger),
		Analyzer:     agent.NewAnalyzer(a.structured("analyzer"), logger),
		Executor:     executor,
		Confirmer:    confirmer,
		Checkpointer: a.checkpointer,
		Bus:          a.bus,
		Logger:       logger,
	}
	if !cfg.Loop.AutoMode {
		deps.Approver = approver
	}
	if a.router != nil {
		deps.Selector = a.router
	}
	a.loop = agent.NewLoop(agent.ConfigFrom(cfg.Loop, cfg.Confirm), deps)
	a.assessor = agent.NewProblemAnalyzer(a.structured("analyzer"), logger)
	return a, nil
}

// loadRegistry registers the built-in tools and every MCP server. A
// failing loader is logged and skipped; an empty registry is an error.
func (a *app) loadRegistry(ctx context.Context) error {
	a.registry = capability.NewRegistry(a.logger)

	files, err := tools.CollectAttachments(a.cfg.Tools.Attachments)
	if err != nil {
		return err
	}
	a.attachments = files

	builtin := tools.NewLoader(a.cfg.Tools, a.logger)
	builtin.SetAttachments(files)
	a.closers = append(a.closers, builtin)
	loaders := []capability.Loader{builtin}
	for _, s := range a.cfg.Tools.MCP {
		l := mcp.NewLoader(s, a.logger)
		a.closers = append(a.closers, l)
		loaders = append(loaders, l)
	}

	n, err := a.registry.Load(ctx, loaders...)
	if n == 0 {
		return fmt.Errorf("no tools available: %w", errors.Join(err, agent.ErrConfiguration))
	}
	a.logger.Info("tool registry ready", "tools", n, "loaders", len(loaders))
	return nil
}

// structured returns a JSON-decoding generator bound to the model for
// role.
func (a *app) structured(role string) *llm.Structured {
	gen := llm.NewModelGenerator(a.llm, a.cfg.LLM.Models.For(role), prompts.System, a.cfg.LLM.Timeout,
		a.logger.With("role", role))
	if a.usage != nil {
		gen.SetUsageRecorder(usage.NewRecorder(a.usage, a.cfg.LLM.Provider, role, a.logger))
	}
	return llm.NewStructured(gen, a.logger)
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func newLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	var c llm.Client
	switch cfg.LLM.Provider {
	case "openai":
		c = llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.URL, logger)
	default:
		c = llm.NewOllamaClient(cfg.LLM.URL, logger)
	}
	if cfg.LLM.RateLimit > 0 {
		c = llm.NewRateLimitedClient(c, cfg.LLM.RateLimit, cfg.LLM.Burst)
	}
	return c
}

// newEmbedder returns nil when embeddings are disabled; the router and
// archive then fall back to lexical matching.
func newEmbedder(cfg *config.Config) embeddings.Embedder {
	if !cfg.Embeddings.Enabled {
		return nil
	}
	provider := cfg.Embeddings.Provider
	if provider == "" {
		provider = cfg.LLM.Provider
	}
	baseURL := cfg.Embeddings.BaseURL
	if baseURL == "" && provider == cfg.LLM.Provider {
		baseURL = cfg.LLM.URL
	}
	if provider == "openai" {
		return embeddings.NewOpenAI(cfg.LLM.APIKey, baseURL, cfg.Embeddings.Model)
	}
	return embeddings.New(embeddings.Config{BaseURL: baseURL, Model: cfg.Embeddings.Model})
}

// newMedium returns the approver and confirmer for the configured mode.
func newMedium(cfg config.ConfirmConfig, in io.Reader, out io.Writer, logger *slog.Logger) (agent.Approver, agent.Confirmer, error) {
	if cfg.Mode == "websocket" {
		ws, err := interact.NewWebSocket(cfg.URL, cfg.Token, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("confirm medium: %w", err)
		}
		return ws, ws, nil
	}
	c := interact.NewConsole(in, out)
	return c, c, nil
}

// serveMetrics exposes prometheus metrics on listen until ctx ends.
func serveMetrics(ctx context.Context, listen string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("metrics listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}
