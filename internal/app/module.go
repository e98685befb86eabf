// Package app composes the client: store, transport, sync engine, outbox
// and TUI are wired here and torn down in reverse on shutdown.
package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/drivup/unibus/internal/bus"
	"github.com/drivup/unibus/internal/config"
	"github.com/drivup/unibus/internal/identity"
	"github.com/drivup/unibus/internal/lock"
	"github.com/drivup/unibus/internal/logging"
	"github.com/drivup/unibus/internal/outbox"
	"github.com/drivup/unibus/internal/profile"
	"github.com/drivup/unibus/internal/rest"
	"github.com/drivup/unibus/internal/status"
	"github.com/drivup/unibus/internal/store"
	intsync "github.com/drivup/unibus/internal/sync"
	"github.com/drivup/unibus/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile  string
	Config   *config.Config
	Identity *identity.Identity
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("unibus",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRestClient,
			provideAdapter,
			provideResolver,
			provideSyncEngine,
			provideSender,
			provideThread,
			provideList,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(identity.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := identity.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(identity.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("profile", p.Profile))
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := identity.CacheDBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRestClient(p Params) *rest.Client {
	return rest.NewClient(p.Config.APIURL, p.Identity.Token)
}

func provideAdapter(p Params, b *bus.Bus, m *status.Machine, logger *zap.Logger) *transport.Adapter {
	return transport.NewAdapter(p.Config.WSURL, p.Identity.UserID, p.Identity.Token, b, m, logger)
}

func provideResolver(p Params, c *rest.Client, logger *zap.Logger) *profile.Resolver {
	return profile.NewResolver(c, p.Config.UploadPrefix, logger)
}

func provideSyncEngine(p Params, db *store.DB, b *bus.Bus, c *rest.Client, a *transport.Adapter, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, c, a, p.Identity.UserID, logger)
}

func provideSender(p Params, db *store.DB, a *transport.Adapter, c *rest.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, a, c, b, p.Identity.UserID, logger)
}

func provideThread(p Params, db *store.DB, e *intsync.Engine, s *outbox.Sender, r *profile.Resolver, logger *zap.Logger) *intsync.Thread {
	return intsync.NewThread(db, e, s, r, p.Identity.UserID, logger)
}

func provideList(p Params, db *store.DB) *intsync.List {
	return intsync.NewList(db, p.Identity.UserID)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, a *transport.Adapter, engine *intsync.Engine, sender *outbox.Sender, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			sender.Start(context.Background())
			a.Start(context.Background())
			logger.Info("client started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			a.Stop()
			sender.Stop()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
