package daemon

import (
	"context"
	"time"

	"github.com/deptportal/msgcore/internal/api"
	"github.com/deptportal/msgcore/internal/attach"
	"github.com/deptportal/msgcore/internal/backend"
	"github.com/deptportal/msgcore/internal/bus"
	"github.com/deptportal/msgcore/internal/cache"
	"github.com/deptportal/msgcore/internal/chat"
	"github.com/deptportal/msgcore/internal/config"
	"github.com/deptportal/msgcore/internal/directory"
	"github.com/deptportal/msgcore/internal/live"
	"github.com/deptportal/msgcore/internal/lock"
	"github.com/deptportal/msgcore/internal/logging"
	"github.com/deptportal/msgcore/internal/msgsync"
	"github.com/deptportal/msgcore/internal/outbox"
	"github.com/deptportal/msgcore/internal/presence"
	"github.com/deptportal/msgcore/internal/profile"
	"github.com/deptportal/msgcore/internal/registry"
	"github.com/deptportal/msgcore/internal/router"
	"github.com/deptportal/msgcore/internal/status"
	"github.com/deptportal/msgcore/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// pingInterval keeps the websocket feed alive through idle proxies.
const pingInterval = 30 * time.Second

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	// Settings skips reading profile.toml when set.
	Settings *config.Profile
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideSettings,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBackend,
			provideTracker,
			provideStager,
			providePaginator,
			provideSender,
			provideRegistry,
			provideDirectory,
			provideFeed,
			provideRouter,
			provideRecorder,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideSettings(p Params) (*config.Profile, error) {
	if p.Settings != nil {
		return p.Settings, p.Settings.Validate()
	}
	return config.LoadProfile(profile.SettingsPath(p.Profile))
}

func provideLogger(p Params, settings *config.Profile) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, settings.LogLevel)
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

// provideStore takes the lock so the cache is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CachePath(p.Profile)
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
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	n, err := db.FailInterrupted()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if n > 0 {
		logger.Warn("sends interrupted by the last shutdown marked failed", zap.Int("count", n))
	}
	logger.Info("store initialized", zap.String("path", db.Path()))
	return db, nil
}

func provideBackend(settings *config.Profile, logger *zap.Logger) *backend.Client {
	return backend.New(backend.Options{
		BaseURL: settings.BaseURL,
		Token:   settings.Token,
		Timeout: settings.RequestTimeout.Std(),
		Logger:  logger.Named("backend"),
	})
}

func provideTracker(settings *config.Profile, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(settings.TypingTimeout.Std(), nil, b, logger.Named("presence"))
}

func provideStager(p Params, logger *zap.Logger) (*attach.Stager, error) {
	s, err := attach.NewStager(profile.StagingDir(p.Profile), logger.Named("attach"))
	if err != nil {
		return nil, err
	}
	if n, err := s.Sweep(); err != nil {
		logger.Warn("sweeping staging dir", zap.Error(err))
	} else if n > 0 {
		logger.Info("removed stale previews", zap.Int("count", n))
	}
	return s, nil
}

func providePaginator(client *backend.Client, settings *config.Profile, logger *zap.Logger) *msgsync.Paginator {
	return msgsync.NewPaginator(client, settings.PageSize, logger.Named("paginator"))
}

func provideSender(db *store.DB, client *backend.Client, settings *config.Profile, logger *zap.Logger) *outbox.Sender {
	s := outbox.NewSender(db, client, logger.Named("outbox"))
	s.Policy = outbox.NewPolicy(
		settings.Send.InitialInterval.Std(),
		settings.Send.MaxInterval.Std(),
		settings.Send.MaxAttempts,
	)
	return s
}

func provideRegistry(client *backend.Client, db *store.DB, paginator *msgsync.Paginator, sender *outbox.Sender, stager *attach.Stager, settings *config.Profile, b *bus.Bus, logger *zap.Logger) *registry.Registry {
	factory := func(id chat.ConversationID) *msgsync.Synchronizer {
		return msgsync.New(msgsync.Options{
			ConversationID: id,
			Self:           client.Self(),
			Window:         settings.ReconcileWindow.Std(),
			ReleasePreview: stager.ReleasePreview,
		}, sender, client, b, logger.Named("sync"))
	}
	return registry.New(client, db, paginator, factory, client.Self(), b, logger.Named("registry"))
}

func provideDirectory(client *backend.Client, settings *config.Profile, logger *zap.Logger) *directory.Directory {
	return directory.New(client, settings.SearchDebounce.Std(), logger.Named("directory"))
}

// provideFeed returns nil when the profile disables the live feed.
func provideFeed(p Params, settings *config.Profile, client *backend.Client, b *bus.Bus, machine *status.Machine, r *router.Router, logger *zap.Logger) *live.Feed {
	var src live.Source
	switch settings.Feed.Kind {
	case "websocket":
		src = &live.WebSocketSource{URL: settings.Feed.URL, Token: settings.Token, PingInterval: pingInterval}
	case "nats":
		src = &live.NATSSource{
			URL:     settings.Feed.URL,
			Subject: settings.Feed.Subject,
			Token:   settings.Token,
			Name:    "msgd-" + p.Profile,
		}
	default:
		return nil
	}
	return live.NewFeed(src, b, machine, live.Options{Self: client.Self(), Handler: r.Handle}, logger.Named("live"))
}

func provideRouter(reg *registry.Registry, tracker *presence.Tracker, db *store.DB, logger *zap.Logger) *router.Router {
	return router.New(reg, tracker, db, logger.Named("router"))
}

func provideRecorder(db *store.DB, b *bus.Bus, logger *zap.Logger) *cache.Recorder {
	return cache.NewRecorder(db, b, logger.Named("cache"))
}

func provideService(p Params, settings *config.Profile, client *backend.Client, reg *registry.Registry, stager *attach.Stager, tracker *presence.Tracker, dir *directory.Directory, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Options{
		Profile:        p.Profile,
		Self:           client.Self(),
		Registry:       reg,
		Stager:         stager,
		Tracker:        tracker,
		Directory:      dir,
		Machine:        machine,
		Bus:            b,
		MaxAttachments: settings.MaxAttachments,
	}, logger.Named("api"))
}

// components groups what the lifecycle hook starts and stops.
type components struct {
	fx.In

	Server   *Server
	Lock     *lock.Lock
	DB       *store.DB
	Client   *backend.Client
	Registry *registry.Registry
	Sender   *outbox.Sender
	Feed     *live.Feed
	Recorder *cache.Recorder
	Tracker  *presence.Tracker
	Machine  *status.Machine
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	logger := c.Logger
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			bg := context.Background()
			c.Recorder.Start(bg)
			c.Sender.Start(bg)

			if err := c.Registry.LoadCached(); err != nil {
				logger.Warn("loading cached conversations", zap.Error(err))
			}

			// Start gRPC server in background.
			go func() {
				if err := c.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if err := c.Client.CheckAuth(); err != nil {
				logger.Warn("token rejected, auth required", zap.Error(err))
				_ = c.Machine.Transition(status.AuthRequired)
				return nil
			}

			go func() {
				if err := c.Registry.Refresh(bg); err != nil {
					logger.Warn("initial conversation refresh failed", zap.Error(err))
				}
			}()

			if c.Feed == nil {
				logger.Info("live feed disabled")
				_ = c.Machine.Transition(status.Connecting)
				_ = c.Machine.Transition(status.Degraded)
				return nil
			}
			c.Feed.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if c.Feed != nil {
				c.Feed.Stop()
			}
			c.Sender.Stop()
			c.Registry.Wait()
			c.Recorder.Stop()
			c.Tracker.Stop()
			c.Server.Stop(ctx)
			if err := c.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := c.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
