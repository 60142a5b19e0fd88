package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/clawroute/internal/bus"
	"github.com/nextlevelbuilder/clawroute/internal/channels"
	"github.com/nextlevelbuilder/clawroute/internal/config"
	"github.com/nextlevelbuilder/clawroute/internal/outbound"
	"github.com/nextlevelbuilder/clawroute/internal/outbound/queue"
	"github.com/nextlevelbuilder/clawroute/internal/sessions"
	"github.com/nextlevelbuilder/clawroute/internal/telemetry"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// runtime bundles the wired delivery core for CLI commands.
type runtime struct {
	cfg        *config.Config
	registry   *channels.Registry
	queue      *queue.Queue
	store      sessions.Store
	bus        *bus.Bus
	dispatcher *outbound.Dispatcher

	shutdownTelemetry func(context.Context) error
}

// newRuntime wires the full pipeline: console plugin, queue, session store,
// transcripts, hooks, bus, and telemetry.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	registry := channels.NewRegistry()
	if err := registry.Register(channels.NewConsolePlugin(os.Stdout)); err != nil {
		return nil, err
	}

	q, err := queue.Open(config.ExpandHome(cfg.Delivery.QueuePath))
	if err != nil {
		return nil, fmt.Errorf("open delivery queue: %w", err)
	}

	store, err := sessions.Open(ctx, cfg)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		q.Close()
		store.Close()
		return nil, err
	}

	eventBus := bus.New()
	transcriptsDir := filepath.Join(filepath.Dir(config.ExpandHome(cfg.Session.Store)), "transcripts")
	dispatcher := outbound.NewDispatcher(cfg, registry, q, outbound.DispatcherOptions{
		Sessions:    store,
		Transcripts: sessions.NewTranscriptWriter(transcriptsDir),
		Hooks:       outbound.NewHooks(),
		Bus:         eventBus,
	})

	return &runtime{
		cfg:               cfg,
		registry:          registry,
		queue:             q,
		store:             store,
		bus:               eventBus,
		dispatcher:        dispatcher,
		shutdownTelemetry: shutdown,
	}, nil
}

func (r *runtime) close(ctx context.Context) {
	if r.shutdownTelemetry != nil {
		r.shutdownTelemetry(ctx)
	}
	r.store.Close()
	r.queue.Close()
}
