package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/campus/internal/api"
	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/cache"
	"github.com/matheus3301/campus/internal/chat"
	"github.com/matheus3301/campus/internal/config"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/matheus3301/campus/internal/identity"
	"github.com/matheus3301/campus/internal/lock"
	"github.com/matheus3301/campus/internal/logging"
	"github.com/matheus3301/campus/internal/notify"
	"github.com/matheus3301/campus/internal/requests"
	"github.com/matheus3301/campus/internal/session"
	"github.com/matheus3301/campus/internal/subscription"
	intsync "github.com/matheus3301/campus/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // empty = ~/.campus/config.toml
	EnvPath     string // empty = ~/.campus/.env
}

func (p Params) socket() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return session.SocketPath(p.SessionName)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideTokens,
			provideBackend,
			provideIdentity,
			provideStore,
			provideCache,
			provideSubscriptions,
			providePoller,
			provideChat,
			provideNotify,
			provideRequests,
			provideSessionService,
			provideChatService,
			provideNotificationService,
			provideRequestService,
			provideLimiter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path, envPath := p.ConfigPath, p.EnvPath
	if path == "" {
		path = session.ConfigPath()
	}
	if envPath == "" {
		envPath = session.EnvPath()
	}
	return config.Build(path, envPath)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), p.socket())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideTokens() *tokenSource {
	return &tokenSource{}
}

// provideBackend depends on the lock so a second daemon never touches the
// session's database.
func provideBackend(p Params, cfg *config.Config, b *bus.Bus, tokens *tokenSource, _ *lock.Lock, logger *zap.Logger) (*Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Backend.RequestTimeout.Std())
	defer cancel()
	return openBackend(ctx, p, cfg, b, tokens, logger)
}

func provideIdentity(p Params, cfg *config.Config, backend *Backend, b *bus.Bus, tokens *tokenSource, logger *zap.Logger) *identity.Provider {
	provider := identity.NewProvider(identity.Options{
		Store:       backend.Store,
		Bus:         b,
		Secret:      cfg.Backend.JWTSecret,
		AuthPath:    session.AuthPath(p.SessionName),
		SessionName: p.SessionName,
		Logger:      logger,
	})
	tokens.set(provider.Token)
	return provider
}

// provideStore is the store every feature uses: requests carry the
// signed-in user.
func provideStore(backend *Backend, provider *identity.Provider) gateway.Store {
	return identity.Authorized(backend.Store, provider)
}

func provideCache(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *cache.Cache {
	return cache.New(cache.Options{
		QueryTimeout: cfg.Cache.QueryTimeout.Std(),
		GCAfter:      cfg.Cache.GCAfter.Std(),
	}, b, logger)
}

func provideSubscriptions(cfg *config.Config, backend *Backend, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *subscription.Manager {
	backoff := subscription.Backoff{
		Initial:     cfg.Reconnect.Initial.Std(),
		Max:         cfg.Reconnect.Max.Std(),
		Multiplier:  cfg.Reconnect.Multiplier,
		Jitter:      cfg.Reconnect.Jitter,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}
	return subscription.NewManager(backend.Feed, c, b, backoff, logger)
}

func providePoller(cfg *config.Config, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *intsync.Poller {
	return intsync.NewPoller(c, b, cfg.Cache.PollInterval.Std(), logger)
}

func provideChat(cfg *config.Config, s gateway.Store, c *cache.Cache, subs *subscription.Manager, provider *identity.Provider, b *bus.Bus, logger *zap.Logger) *chat.Controller {
	return chat.NewController(s, c, subs, provider, b, chat.Options{
		MaxLength: cfg.Chat.MaxLength,
		SendRate:  cfg.Chat.SendRate,
		SendBurst: cfg.Chat.SendBurst,
	}, logger)
}

func provideNotify(cfg *config.Config, s gateway.Store, c *cache.Cache, subs *subscription.Manager, logger *zap.Logger) *notify.Controller {
	return notify.NewController(s, c, subs, notify.Options{
		Limit:          cfg.Notifications.Limit,
		OptimisticRead: cfg.Notifications.OptimisticRead,
	}, logger)
}

func provideRequests(cfg *config.Config, s gateway.Store, provider *identity.Provider, logger *zap.Logger) *requests.Service {
	return requests.NewService(s, provider, cfg.Requests.MaxMessageLength, logger)
}

func provideSessionService(p Params, cfg *config.Config, provider *identity.Provider, subs *subscription.Manager, poller *intsync.Poller) *api.SessionService {
	return api.NewSessionService(api.SessionInfo{
		Name:     p.SessionName,
		Backend:  cfg.Backend.Mode,
		Realtime: cfg.Realtime.Driver,
	}, provider, subs, poller)
}

func provideChatService(ctrl *chat.Controller, b *bus.Bus, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(ctrl, b, logger)
}

func provideNotificationService(ctrl *notify.Controller, provider *identity.Provider, b *bus.Bus) *api.NotificationService {
	return api.NewNotificationService(ctrl, provider, b)
}

func provideRequestService(svc *requests.Service) *api.RequestService {
	return api.NewRequestService(svc)
}

func provideLimiter(cfg *config.Config) *api.LimiterStore {
	return api.NewLimiterStore(cfg.API.RequestsPerMinute, cfg.API.Burst, time.Minute)
}

// components groups what registerLifecycle starts and stops.
type components struct {
	fx.In

	Config        *config.Config
	Server        *Server
	Lock          *lock.Lock
	Backend       *Backend
	Identity      *identity.Provider
	Cache         *cache.Cache
	Subscriptions *subscription.Manager
	Poller        *intsync.Poller
	Chat          *chat.Controller
	Notify        *notify.Controller
	ChatAPI       *api.ChatService
	NotifyAPI     *api.NotificationService
	Limiter       *api.LimiterStore
	Logger        *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	logger := c.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Start the fallback poller before any channel can drop.
			c.Poller.Start(context.Background())

			// Restore the previous session. A backend outage leaves the
			// daemon running in the error state; sign-in can be retried.
			if err := c.Identity.Restore(ctx, c.Config.Backend.AccessToken); err != nil {
				logger.Warn("could not restore session", zap.Error(err))
			}

			// Start gRPC server in background.
			go func() {
				if err := c.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.ChatAPI.Close()
			c.NotifyAPI.Close()
			c.Server.Stop(ctx)
			c.Chat.Close()
			c.Notify.Close()
			c.Subscriptions.Close()
			c.Poller.Stop()
			c.Cache.Close()
			c.Limiter.Stop()
			if err := c.Backend.Close(); err != nil {
				logger.Warn("error closing backend", zap.Error(err))
			}
			if err := c.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
