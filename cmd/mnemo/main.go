// Command mnemo runs an interactive chat session with persistent
// conversational memory: topics are segmented and summarised as the
// conversation moves, and relevant past topics are retrieved into each
// prompt.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mnemo-ai/mnemo/internal/agent"
	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/health"
	"github.com/mnemo-ai/mnemo/internal/memory"
	"github.com/mnemo-ai/mnemo/internal/memory/jsonstore"
	"github.com/mnemo-ai/mnemo/internal/memory/postgres"
	"github.com/mnemo-ai/mnemo/internal/observe"
	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings"
	ollamaembed "github.com/mnemo-ai/mnemo/pkg/provider/embeddings/ollama"
	oaembed "github.com/mnemo-ai/mnemo/pkg/provider/embeddings/openai"
	"github.com/mnemo-ai/mnemo/pkg/provider/llm"
	"github.com/mnemo-ai/mnemo/pkg/provider/llm/anyllm"
	oallm "github.com/mnemo-ai/mnemo/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	user := flag.String("user", "default", "user the session belongs to")
	clearParts := flag.String("clear", "", "wipe long-term memory before starting: comma-separated facts,topics,notepad or all")
	flag.Parse()

	clearScope, err := parseClearScope(*clearParts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mnemo: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mnemo: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mnemo: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("mnemo starting",
		"config", *configPath,
		"user", *user,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "mnemo"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	llmProvider, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	embedder, err := buildEmbeddings(cfg.Providers.Embeddings, cfg.Memory.EmbeddingDimensions)
	if err != nil {
		slog.Error("failed to create embeddings provider", "name", cfg.Providers.Embeddings.Name, "err", err)
		return 1
	}
	slog.Info("providers ready",
		"llm", cfg.Providers.LLM.Name,
		"embeddings", cfg.Providers.Embeddings.Name,
		"dimensions", embedder.Dimensions(),
	)

	// ── Memory stores ─────────────────────────────────────────────────────────
	sessionNum := 1
	if cfg.Memory.DataDir != "" {
		sessionNum, err = jsonstore.NextSessionNum(cfg.Memory.DataDir, *user)
		if err != nil {
			slog.Error("failed to allocate session number", "err", err)
			return 1
		}
	}

	ltStore, sessionStore, checks, cleanup, err := buildStores(ctx, cfg, *user, sessionNum, embedder)
	if err != nil {
		slog.Error("failed to open memory stores", "err", err)
		return 1
	}
	defer cleanup()

	// ── Ops endpoint: metrics + health probes ─────────────────────────────────
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New(checks...).Register(mux)
		srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			slog.Info("ops endpoint listening", "addr", cfg.Server.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("ops server error", "err", err)
			}
		}()
		defer srv.Close()
	}

	mgr, err := memory.NewManager(ctx, *user, sessionNum, llmProvider, embedder, ltStore, sessionStore)
	if err != nil {
		slog.Error("failed to initialise memory", "err", err)
		return 1
	}
	if clearScope != (memory.ClearScope{}) {
		if err := mgr.LongTerm().Clear(ctx, clearScope); err != nil {
			slog.Error("failed to clear long-term memory", "err", err)
			return 1
		}
		slog.Info("long-term memory cleared",
			"facts", clearScope.Facts,
			"topics", clearScope.Topics,
			"notepad", clearScope.Notepad,
		)
	}

	a := agent.New(*user, llmProvider, mgr)

	observe.DefaultMetrics().ActiveSessions.Add(ctx, 1)
	defer observe.DefaultMetrics().ActiveSessions.Add(context.Background(), -1)

	slog.Info("session started", "user", *user, "session", sessionNum)
	fmt.Println("mnemo — type a message, or 'exit' to end the session")

	// ── Chat loop ─────────────────────────────────────────────────────────────
	code := chatLoop(ctx, a)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.EndSession(shutdownCtx); err != nil {
		slog.Error("session end error", "err", err)
		return 1
	}
	slog.Info("session saved, goodbye")
	return code
}

// parseClearScope interprets the -clear flag value.
func parseClearScope(parts string) (memory.ClearScope, error) {
	var scope memory.ClearScope
	if parts == "" {
		return scope, nil
	}
	for _, part := range strings.Split(parts, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "facts":
			scope.Facts = true
		case "topics":
			scope.Topics = true
		case "notepad":
			scope.Notepad = true
		case "all":
			scope = memory.ClearAll
		default:
			return memory.ClearScope{}, fmt.Errorf("unknown -clear part %q (want facts, topics, notepad, or all)", part)
		}
	}
	return scope, nil
}

// chatLoop reads user lines from stdin until EOF, an exit command, or
// interruption, replying through the agent.
func chatLoop(ctx context.Context, a *agent.Agent) int {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				slog.Error("stdin read error", "err", err)
				return 1
			}
			return 0
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "exit", "quit", "q":
			return 0
		}

		reply, err := a.SingleTurnChat(ctx, line)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return 0
			}
			slog.Error("turn failed", "err", err)
			continue
		}
		fmt.Println(reply)

		select {
		case <-ctx.Done():
			return 0
		default:
		}
	}
}

// buildLLM constructs the configured LLM provider. OpenAI uses the native
// SDK; everything else goes through the any-llm backend.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	default:
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)
	}
}

// buildEmbeddings constructs the configured embeddings provider.
func buildEmbeddings(entry config.ProviderEntry, dimensions int) (embeddings.Provider, error) {
	switch entry.Name {
	case "ollama":
		var opts []ollamaembed.Option
		if dimensions > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dimensions))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	case "openai":
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if dimensions > 0 {
			opts = append(opts, oaembed.WithDimensions(dimensions))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", entry.Name)
	}
}

// buildStores opens the long-term store (postgres when a DSN is configured,
// the JSON file store otherwise) and the per-session file store.
func buildStores(ctx context.Context, cfg *config.Config, user string, sessionNum int, embedder embeddings.Provider) (memory.LongTermStore, memory.SessionStore, []health.Check, func(), error) {
	cleanup := func() {}
	var checks []health.Check

	var ltStore memory.LongTermStore
	if cfg.Memory.PostgresDSN != "" {
		dims := cfg.Memory.EmbeddingDimensions
		if dims <= 0 {
			dims = embedder.Dimensions()
		}
		pg, err := postgres.NewStore(ctx, cfg.Memory.PostgresDSN, user, dims)
		if err != nil {
			return nil, nil, nil, cleanup, err
		}
		ltStore = pg
		cleanup = pg.Close
		checks = append(checks, health.Check{Name: "postgres", Probe: pg.Ping})
	} else {
		fs, err := jsonstore.NewLongTermStore(cfg.Memory.DataDir, user)
		if err != nil {
			return nil, nil, nil, cleanup, err
		}
		ltStore = fs
	}

	var sessionStore memory.SessionStore
	if cfg.Memory.DataDir != "" {
		ss, err := jsonstore.NewSessionStore(cfg.Memory.DataDir, user, sessionNum)
		if err != nil {
			return nil, nil, nil, cleanup, err
		}
		sessionStore = ss
		dataDir := cfg.Memory.DataDir
		checks = append(checks, health.Check{Name: "data_dir", Probe: func(context.Context) error {
			_, err := os.Stat(dataDir)
			return err
		}})
	}

	return ltStore, sessionStore, checks, cleanup, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
