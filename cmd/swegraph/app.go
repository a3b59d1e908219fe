package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	openaiopt "github.com/openai/openai-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/dshills/swegraph/graph"
	"github.com/dshills/swegraph/graph/emit"
	"github.com/dshills/swegraph/graph/model"
	"github.com/dshills/swegraph/graph/model/anthropic"
	"github.com/dshills/swegraph/graph/model/google"
	"github.com/dshills/swegraph/graph/model/openai"
	"github.com/dshills/swegraph/graph/store"
	"github.com/dshills/swegraph/internal/config"
	"github.com/dshills/swegraph/internal/logging"
	"github.com/dshills/swegraph/swe"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    store.Store
	engine   *graph.Engine
	registry *prometheus.Registry
	costs    *model.CostTracker

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		costs:    model.NewCostTracker(),
	}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, locker, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = st

	chat, err := newChatModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	emitter := a.newEmitter()

	wf := swe.New(model.Metered(chat, a.costs), swe.NewArtifactStore(cfg.OutputDir),
		swe.WithLogger(logger),
		swe.WithGenerationTimeout(cfg.Model.Timeout),
	)
	opts := []graph.Option{
		graph.WithMaxSteps(cfg.Engine.MaxSteps),
		graph.WithDefaultStepTimeout(cfg.Engine.StepTimeout),
		graph.WithMetrics(graph.NewPrometheusMetrics(a.registry)),
	}
	if locker != nil {
		opts = append(opts, graph.WithLocker(locker))
	}
	a.engine, err = wf.NewEngine(st, emitter, opts...)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	return a, nil
}

// openStore opens the configured checkpoint store. The redis backend also
// returns a distributed locker so several processes can share sessions.
func (a *app) openStore(ctx context.Context) (store.Store, graph.Locker, error) {
	sc := a.cfg.Store
	var st store.Store
	var locker graph.Locker

	switch sc.Backend {
	case config.BackendMemory:
		st = store.NewMemStore()
	case config.BackendSQLite:
		s, err := store.NewSQLiteStore(sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		st = s
	case config.BackendMySQL:
		s, err := store.NewMySQLStore(sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql store: %w", err)
		}
		st = s
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: sc.RedisAddr, Password: sc.Password, DB: sc.RedisDB})
		prefix := strings.TrimSuffix(sc.Prefix, ":") + ":"
		st = store.NewRedisStoreFromClient(client, store.WithPrefix(prefix), store.WithTTL(sc.TTL))
		locker = store.NewRedisLocker(client, prefix+"lock:", a.cfg.Engine.StepTimeout*2)
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}

	if c, ok := st.(io.Closer); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}
	if p, ok := st.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("%s store unreachable: %w", sc.Backend, err)
		}
	}
	a.logger.Debug("checkpoint store ready", "backend", sc.Backend)
	return st, locker, nil
}

// newEmitter logs engine events and, when tracing is enabled, records
// them as spans.
func (a *app) newEmitter() emit.Emitter {
	emitters := emit.Multi{emit.NewLogEmitterFromLogger(a.logger)}
	if a.cfg.Tracing {
		tp := newTracerProvider(a.logger)
		otel.SetTracerProvider(tp)
		emitters = append(emitters, emit.NewOTelEmitter(tp.Tracer("github.com/dshills/swegraph")))
		a.closers = append(a.closers, tp.Shutdown)
	}
	return emitters
}

func newChatModel(mc config.ModelConfig) (model.ChatModel, error) {
	if mc.Provider != config.ProviderMock && mc.APIKey == "" {
		return nil, fmt.Errorf("%w: set %s or model.api_key", model.ErrMissingAPIKey, config.APIKeyEnv(mc.Provider))
	}
	switch mc.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewChatModel(mc.APIKey, mc.Name, anthropic.WithMaxRetries(mc.MaxRetries)), nil
	case config.ProviderOpenAI:
		return openai.NewChatModel(mc.APIKey, mc.Name, openaiopt.WithMaxRetries(mc.MaxRetries)), nil
	case config.ProviderGoogle:
		return google.NewChatModel(mc.APIKey, mc.Name), nil
	case config.ProviderMock:
		return &model.MockChatModel{Respond: offline}, nil
	}
	return nil, fmt.Errorf("unknown model provider %q", mc.Provider)
}

// afterRun trims the checkpoint history of a session when store.keep is
// set and the store supports it.
func (a *app) afterRun(ctx context.Context, sessionID string) {
	if a.cfg.Store.Keep <= 0 || sessionID == "" {
		return
	}
	p, ok := a.store.(store.Pruner)
	if !ok {
		return
	}
	if err := p.Prune(ctx, sessionID, a.cfg.Store.Keep); err != nil {
		a.logger.Warn("prune failed", logging.Session(sessionID), logging.Err(err))
	}
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown", logging.Err(err))
		}
	}
	a.closers = nil
}

func progressPrinter(w io.Writer) graph.ProgressSink {
	return func(_ context.Context, p graph.Progress) error {
		if p.Message == "" {
			return nil
		}
		_, err := fmt.Fprintf(w, "[%s] %s\n", p.Step, p.Message)
		return err
	}
}

func stderrProgress(ctx context.Context) context.Context {
	return graph.WithProgress(ctx, progressPrinter(os.Stderr))
}
