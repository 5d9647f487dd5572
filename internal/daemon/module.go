package daemon

import (
	"context"

	"github.com/matheus3301/imcore/internal/api"
	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/config"
	"github.com/matheus3301/imcore/internal/cursor"
	"github.com/matheus3301/imcore/internal/delivery"
	"github.com/matheus3301/imcore/internal/history"
	"github.com/matheus3301/imcore/internal/lock"
	"github.com/matheus3301/imcore/internal/logging"
	"github.com/matheus3301/imcore/internal/pin"
	"github.com/matheus3301/imcore/internal/profile"
	"github.com/matheus3301/imcore/internal/receipt"
	"github.com/matheus3301/imcore/internal/recent"
	"github.com/matheus3301/imcore/internal/status"
	"github.com/matheus3301/imcore/internal/store"
	intsync "github.com/matheus3301/imcore/internal/sync"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	Config     config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideTransport,
			providePinCursors,
			provideReconciler,
			provideDelivery,
			provideHistory,
			providePins,
			provideReceipts,
			provideSyncEngine,
			provideMessageService,
			provideSessionService,
			providePinService,
			provideReceiptService,
			provideEventService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// The lock is a parameter so the store is never opened by a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTransport(p Params, m *status.Machine, logger *zap.Logger) (*transport.Client, error) {
	cfg := p.Config
	return transport.Dial(transport.Config{
		URL:            cfg.Transport.URL,
		Name:           cfg.Transport.Name,
		SubjectPrefix:  cfg.Transport.SubjectPrefix,
		Account:        cfg.Account.ID,
		RequestTimeout: cfg.Transport.RequestTimeout,
	}, m, logger.Named("transport"))
}

func providePinCursors(db *store.DB, logger *zap.Logger) *cursor.Manager {
	return cursor.New("pins", db, logger)
}

func provideReconciler(p Params, db *store.DB, t *transport.Client, b *bus.Bus, logger *zap.Logger) *recent.Reconciler {
	return recent.New(db, t, b, p.Config.Account.ID, logger.Named("recent"))
}

func provideDelivery(p Params, db *store.DB, t *transport.Client, r *recent.Reconciler, b *bus.Bus, logger *zap.Logger) *delivery.Engine {
	return delivery.NewEngine(db, t, r, b, p.Config.Account.ID, logger.Named("delivery"))
}

func provideHistory(p Params, db *store.DB, t *transport.Client, r *recent.Reconciler, b *bus.Bus, logger *zap.Logger) *history.Service {
	return history.NewService(db, t, r, b, p.Config.Account.ID, logger.Named("history"))
}

func providePins(p Params, db *store.DB, t *transport.Client, c *cursor.Manager, b *bus.Bus, logger *zap.Logger) *pin.Tracker {
	return pin.NewTracker(db, t, c, b, p.Config.Account.ID, logger.Named("pin"))
}

func provideReceipts(db *store.DB, t *transport.Client, b *bus.Bus, logger *zap.Logger) *receipt.Tracker {
	return receipt.NewTracker(db, t, b, logger.Named("receipt"))
}

func provideSyncEngine(p Params, db *store.DB, r *recent.Reconciler, pins *pin.Tracker, receipts *receipt.Tracker, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, r, pins, receipts, b, p.Config.Account.ID, logger.Named("sync"))
}

func provideMessageService(d *delivery.Engine, h *history.Service) *api.MessageService {
	return api.NewMessageService(d, h)
}

func provideSessionService(p Params, m *status.Machine, r *recent.Reconciler, db *store.DB) *api.SessionService {
	return api.NewSessionService(p.Profile, p.Config.Account.ID, m, r, db)
}

func providePinService(t *pin.Tracker) *api.PinService {
	return api.NewPinService(t)
}

func provideReceiptService(t *receipt.Tracker) *api.ReceiptService {
	return api.NewReceiptService(t)
}

func provideEventService(p Params, b *bus.Bus, logger *zap.Logger) *api.EventService {
	return api.NewEventService(b, p.Profile, logger.Named("events"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, t *transport.Client, engine *intsync.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Ingestion must be running before the first push can arrive.
			engine.Start(context.Background())
			if err := t.Listen(engine); err != nil {
				engine.Stop()
				return err
			}
			srv.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("server stopped with error", zap.Error(err))
			}
			t.Close()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
