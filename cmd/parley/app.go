package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/embeddings"
	"github.com/nugget/parley/internal/facts"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/opstate"
	"github.com/nugget/parley/internal/recall"
	"github.com/nugget/parley/internal/telemetry"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/usage"
)

// shutdownTimeout bounds telemetry flush and pending extractions on exit.
const shutdownTimeout = 10 * time.Second

// app holds the components a command needs. Everything opened is
// released by close, in reverse order.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	providers *llm.Registry
	selector  *llm.Selector
	settings  *opstate.Store

	conversations memory.ConversationStore
	extractor     *memory.Extractor

	closers []func() error
}

// loadConfig locates and parses the configuration. An explicit path must
// exist; without one, built-in defaults are used when no file is found.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newApp loads configuration and opens the provider layer: logging,
// tracing, the provider registry and the persisted provider choice.
func newApp(ctx context.Context, opts *globalOptions, stderr io.Writer) (_ *app, err error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	logger, err := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	if cfgPath == "" {
		logger.Debug("no config file found, using defaults")
	} else {
		logger.Debug("config loaded", "path", cfgPath)
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		Version:      buildinfo.Version,
		Writer:       stderr,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return shutdown(ctx)
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	a.providers, err = newProviderRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.settings, err = opstate.NewStore(cfg.DataPath("settings.db"))
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}
	a.onClose(a.settings.Close)

	a.selector, err = llm.NewSelector(a.providers, a.settings, cfg.Providers.Default, cfg.Providers.Model, logger)
	if err != nil {
		return nil, err
	}
	if err := a.selector.Restore(); err != nil {
		return nil, err
	}

	return a, nil
}

// newProviderRegistry registers every configured provider. Ollama is
// always available; the hosted providers need credentials.
func newProviderRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.Registry, error) {
	p := cfg.Providers
	reg := llm.NewRegistry()

	reg.Register(llm.NewOllamaClient(llm.OllamaConfig{URL: p.Ollama.URL, Model: p.Ollama.Model}, logger))

	if p.Anthropic.Configured() {
		reg.Register(llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:    p.Anthropic.APIKey,
			Model:     p.Anthropic.Model,
			MaxTokens: p.Anthropic.MaxTokens,
			BaseURL:   p.Anthropic.BaseURL,
		}, logger))
	}
	if p.OpenAI.Configured() {
		reg.Register(llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  p.OpenAI.APIKey,
			Model:   p.OpenAI.Model,
			BaseURL: p.OpenAI.BaseURL,
		}, logger))
	}
	if p.Gemini.Configured() {
		g, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{APIKey: p.Gemini.APIKey, Model: p.Gemini.Model}, logger)
		if err != nil {
			return nil, fmt.Errorf("gemini provider: %w", err)
		}
		reg.Register(g)
	}
	for _, c := range p.Compatible {
		if c.ID == "" || c.BaseURL == "" {
			return nil, errors.New("openai_compatible entries need an id and a base_url")
		}
		reg.Register(llm.NewOpenAIClient(llm.OpenAIConfig{
			ProviderID: c.ID,
			APIKey:     c.APIKey,
			Model:      c.Model,
			BaseURL:    c.BaseURL,
		}, logger))
	}

	logger.Debug("providers registered", "providers", reg.IDs(), "default", p.Default)
	return reg, nil
}

// openConversations opens the configured conversation store.
func (a *app) openConversations(ctx context.Context) (memory.ConversationStore, error) {
	if a.conversations != nil {
		return a.conversations, nil
	}

	switch backend := a.cfg.Conversation.Backend; backend {
	case "memory":
		a.conversations = memory.NewStore()
	case "sqlite":
		s, err := memory.NewSQLiteStore(a.cfg.DataPath("conversations.db"))
		if err != nil {
			return nil, fmt.Errorf("open conversation store: %w", err)
		}
		a.onClose(s.Close)
		a.conversations = s
	case "postgres":
		if a.cfg.Conversation.PostgresDSN == "" {
			return nil, errors.New("conversation.postgres_dsn is required for the postgres backend")
		}
		s, err := memory.NewPostgresStore(ctx, a.cfg.Conversation.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open conversation store: %w", err)
		}
		a.onClose(s.Close)
		a.conversations = s
	default:
		return nil, fmt.Errorf("unknown conversation backend: %s", backend)
	}

	a.logger.Debug("conversation store opened", "backend", a.cfg.Conversation.Backend)
	return a.conversations, nil
}

// newLoop assembles the agent loop with fact tools, the profile block,
// optional memory retrieval and optional background extraction. store
// overrides the configured conversation store when non-nil.
func (a *app) newLoop(ctx context.Context, store memory.ConversationStore) (*agent.Loop, error) {
	cfg := a.cfg

	if store == nil {
		var err error
		if store, err = a.openConversations(ctx); err != nil {
			return nil, err
		}
	}

	factStore, err := facts.NewStore(cfg.DataPath("facts.db"))
	if err != nil {
		return nil, fmt.Errorf("open fact store: %w", err)
	}
	a.onClose(factStore.Close)

	registry := tools.NewRegistry(a.logger)
	factTools := facts.NewTools(factStore)
	factTools.Register(registry)

	loop := agent.NewLoop(a.selector, registry, store, cfg.Agent.MaxIterations, a.logger)
	loop.SetProfile(facts.NewProfileProvider(factStore, cfg.Agent.ProfileFacts))

	usageStore, err := a.openUsage()
	if err != nil {
		return nil, err
	}
	loop.SetUsageRecorder(usageStore)

	if cfg.PersonaFile != "" {
		persona, err := os.ReadFile(cfg.PersonaFile)
		if err != nil {
			return nil, fmt.Errorf("read persona file: %w", err)
		}
		loop.SetPersona(string(persona))
	}

	var index *recall.QdrantRetriever
	if cfg.Memory.Retrieval.Enabled {
		index, err = a.newRetriever(ctx)
		if err != nil {
			a.logger.Warn("memory retrieval disabled", "error", err)
			index = nil
		} else {
			loop.SetRetriever(index, cfg.Agent.RecallLimit)
			factTools.SetIndexer(index)
		}
	}

	if cfg.Memory.Extraction.Enabled {
		ex := memory.NewExtractor(
			facts.NewReinforcer(factStore, a.logger),
			agent.NewExtractFunc(a.selector, cfg.Memory.Extraction.Model, a.logger),
			a.logger,
			cfg.Memory.Extraction.MinMessages,
		)
		ex.SetTimeout(time.Duration(cfg.Memory.Extraction.TimeoutSeconds) * time.Second)
		if index != nil {
			ex.SetIndexer(index)
		}
		loop.SetExtractor(ex)
		a.extractor = ex
	}

	return loop, nil
}

// newRetriever connects to Qdrant and makes sure the collection matches
// the embedding model's vector size.
func (a *app) newRetriever(ctx context.Context) (*recall.QdrantRetriever, error) {
	rc := a.cfg.Memory.Retrieval
	timeout := time.Duration(rc.TimeoutSeconds) * time.Second

	emb := embeddings.New(embeddings.Config{BaseURL: rc.EmbeddingURL, Model: rc.EmbeddingModel})

	r, err := recall.NewQdrantRetriever(recall.QdrantConfig{
		Addr:       rc.QdrantAddr,
		Collection: rc.Collection,
		MinScore:   rc.MinScore,
		Timeout:    timeout,
	}, emb, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(r.Close)

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dims, err := emb.Dimensions(probeCtx)
	if err != nil {
		return nil, fmt.Errorf("probe embedding model: %w", err)
	}
	if err := r.EnsureCollection(probeCtx, dims); err != nil {
		return nil, err
	}

	a.logger.Info("memory retrieval enabled",
		"qdrant", rc.QdrantAddr,
		"collection", rc.Collection,
		"embedding_model", rc.EmbeddingModel,
		"dimensions", dims)
	return r, nil
}

// openUsage opens the token usage store.
func (a *app) openUsage() (*usage.Store, error) {
	s, err := usage.NewStore(a.cfg.DataPath("usage.db"))
	if err != nil {
		return nil, err
	}
	a.onClose(s.Close)
	return s, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close waits briefly for pending extractions, then releases everything
// in reverse order of opening.
func (a *app) close() {
	if a.extractor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.extractor.Wait(ctx); err != nil {
			a.logger.Warn("abandoning pending fact extraction", "error", err)
		}
		cancel()
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
