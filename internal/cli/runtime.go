package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/storyguard"
	"github.com/aretw0/storyguard/internal/config"
	"github.com/aretw0/storyguard/internal/content"
	"github.com/aretw0/storyguard/internal/metrics"
	"github.com/aretw0/storyguard/pkg/adapters/file"
	"github.com/aretw0/storyguard/pkg/adapters/memory"
	"github.com/aretw0/storyguard/pkg/adapters/redis"
	"github.com/aretw0/storyguard/pkg/domain"
	"github.com/aretw0/storyguard/pkg/persistence/middleware"
	"github.com/aretw0/storyguard/pkg/ports"
	"github.com/aretw0/storyguard/pkg/session"
)

// Runtime is everything a command needs, built from one Config.
type Runtime struct {
	Config    config.Config
	Bundle    *content.Bundle
	Catalog   *memory.Catalog
	Game      *memory.GameStore
	Engine    *storyguard.Engine
	Snapshots ports.SnapshotStore
	Sessions  *session.Manager
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Backends groups the persistence selected by Config.Store.
type Backends struct {
	Snapshots ports.SnapshotStore
	Ledger    ports.LedgerStore
	Locker    ports.DistributedLocker
	Publisher ports.EventPublisher

	client *backend.Client
}

// OpenBackends connects the configured store. Redis also provides the
// distributed session lock and the outbound event channel. Snapshots are
// encrypted when a snapshot key is configured.
func OpenBackends(cfg config.Config) (*Backends, error) {
	var b *Backends
	switch cfg.Store {
	case config.StoreMemory:
		b = &Backends{Snapshots: memory.NewStore(), Ledger: memory.NewLedgerStore()}

	case config.StoreFile:
		b = &Backends{
			Snapshots: file.New(filepath.Join(cfg.StoreDir, "sessions")),
			Ledger:    file.NewLedgerStore(filepath.Join(cfg.StoreDir, "ledger.json")),
		}

	case config.StoreRedis:
		client := redis.NewClient(cfg.RedisAddr, "", 0)
		b = BackendsFromClient(cfg, client)

	default:
		return nil, fmt.Errorf("unknown store '%s'", cfg.Store)
	}

	active, fallback, err := cfg.SnapshotKeys()
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	if active != nil {
		b.Snapshots = middleware.Chain(b.Snapshots, middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
			ActiveKey:    active,
			FallbackKeys: fallback,
		}))
	}
	return b, nil
}

// BackendsFromClient builds the redis backends over an existing client.
func BackendsFromClient(cfg config.Config, client *backend.Client) *Backends {
	prefix := cfg.RedisPrefix + ":"
	return &Backends{
		Snapshots: redis.NewFromClient(client, redis.WithPrefix(prefix), redis.WithTTL(cfg.SessionTTL)),
		Ledger:    redis.NewLedgerStore(client, prefix),
		Locker:    redis.NewLocker(client, prefix),
		Publisher: redis.NewPublisher(client, prefix),
		client:    client,
	}
}

// Build loads the content directory and wires an engine over the backends.
// The caller keeps ownership of backends. Items, progress and knowledge live
// in an in-memory game store.
func Build(cfg config.Config, backends *Backends, logger *slog.Logger) (*Runtime, error) {
	loader := content.NewLoader(content.WithMaxVisits(cfg.MaxVisits), content.WithLogger(logger))
	bundle, err := loader.LoadDir(cfg.ContentDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load content: %w", err)
	}
	if len(bundle.Flows) == 0 {
		return nil, fmt.Errorf("no flows found in '%s'", cfg.ContentDir)
	}

	rt := &Runtime{
		Config:    cfg,
		Bundle:    bundle,
		Catalog:   bundle.Catalog(),
		Game:      memory.NewGameStore(),
		Snapshots: backends.Snapshots,
		Metrics:   metrics.New(),
		Logger:    logger,
	}

	sessionOpts := []session.Option{session.WithLogger(logger)}
	if backends.Locker != nil {
		sessionOpts = append(sessionOpts, session.WithLocker(backends.Locker))
	}
	rt.Sessions = session.NewManager(backends.Snapshots, sessionOpts...)

	opts := []storyguard.Option{
		storyguard.WithLedgerStore(backends.Ledger),
		storyguard.WithRequirements(bundle.Requirements...),
		storyguard.WithStaleAfter(cfg.StaleAfter),
		storyguard.WithBackstoryThreshold(cfg.BackstoryThreshold),
		storyguard.WithMetrics(rt.Metrics),
		storyguard.WithLifecycleHooks(debugHooks(logger)),
		storyguard.WithLogger(logger),
	}
	if backends.Publisher != nil {
		opts = append(opts, storyguard.WithForward(backends.Publisher))
	}

	stores := storyguard.Stores{Items: rt.Game, Progress: rt.Game, Knowledge: rt.Game, Resources: rt.Game}
	rt.Engine, err = storyguard.New(rt.Catalog, stores, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing engine: %w", err)
	}
	return rt, nil
}

// Close releases the redis connection, if any.
func (b *Backends) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func debugHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStateEnter: func(ctx context.Context, e *domain.StateEvent) {
			logger.DebugContext(ctx, "enter state", "flow", e.FlowID, "state", e.StateID, "kind", e.Kind, "visits", e.Visits)
		},
		OnStateLeave: func(ctx context.Context, e *domain.StateEvent) {
			logger.DebugContext(ctx, "leave state", "flow", e.FlowID, "state", e.StateID)
		},
		OnRepair: func(ctx context.Context, e *domain.RepairEvent) {
			logger.DebugContext(ctx, "repair", "source", e.Source, "checkpoint", e.CheckpointID, "description", e.Description)
		},
	}
}
