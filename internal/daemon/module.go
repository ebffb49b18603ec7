package daemon

import (
	"context"
	"io"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nestly/inbox/internal/api"
	"github.com/nestly/inbox/internal/auth"
	"github.com/nestly/inbox/internal/bus"
	"github.com/nestly/inbox/internal/config"
	"github.com/nestly/inbox/internal/control"
	"github.com/nestly/inbox/internal/inbox"
	"github.com/nestly/inbox/internal/lock"
	"github.com/nestly/inbox/internal/logging"
	"github.com/nestly/inbox/internal/session"
	"github.com/nestly/inbox/internal/timers"
	"github.com/nestly/inbox/internal/transport"
)

// Params holds the resolved profile settings passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	Link       inbox.DeepLink
	// Console receives readable log lines; nil when the TUI owns the terminal.
	Console io.Writer
	// Config skips reading config.toml and the environment when set.
	Config *config.Config
}

// Module returns the fx module for a client process, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("inbox",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideIdentity,
			provideAPI,
			provideTransport,
			provideClient,
			provideControl,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		cfg, err = config.Resolve(session.ConfigPath(), session.EnvPath())
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    session.LogPath(p.Profile),
		Profile: p.Profile,
		Level:   cfg.LogLevel,
		Console: p.Console,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.Int("pid", l.Owner().PID))
	return l, nil
}

func provideIdentity(cfg *config.Config, logger *zap.Logger) (auth.Identity, error) {
	id, err := auth.FromToken(cfg.Token, cfg.TokenSecret)
	if err != nil {
		return auth.Identity{}, err
	}
	logger.Info("signed in", zap.String("user_id", id.UserID))
	return id, nil
}

func provideAPI(cfg *config.Config, logger *zap.Logger) (*api.Client, error) {
	return api.New(api.Options{
		BaseURL:           cfg.APIBaseURL,
		Token:             cfg.Token,
		Timeout:           cfg.RequestTimeout.Duration,
		MaxRetries:        cfg.MaxRetries,
		RetryBaseDelay:    cfg.RetryBaseDelay.Duration,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            logger.Named("api"),
	})
}

func provideTransport(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.WS {
	return transport.NewWS(transport.WSOptions{
		URL:            cfg.SocketURL,
		Token:          cfg.Token,
		ReconnectDelay: cfg.ReconnectDelay.Duration,
		Bus:            b,
		Logger:         logger.Named("transport"),
	})
}

// The lock parameter orders client construction after the profile lock.
func provideClient(cfg *config.Config, _ *lock.Lock, id auth.Identity, a *api.Client, ws *transport.WS, b *bus.Bus, logger *zap.Logger) (*inbox.Client, error) {
	return inbox.New(inbox.Options{
		Identity:        id,
		API:             a,
		Transport:       ws,
		Bus:             b,
		Scheduler:       timers.NewScheduler(nil),
		TypingIdle:      cfg.TypingIdle.Duration,
		TypingExpiry:    cfg.TypingExpiry.Duration,
		PresenceTimeout: cfg.PresenceTimeout.Duration,
		Logger:          logger,
	})
}

func provideControl(p Params, c *inbox.Client, ws *transport.WS) *control.Service {
	return control.NewService(p.Profile, c, ws.State())
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, lk *lock.Lock, client *inbox.Client, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			// The client outlives the start hook's deadline.
			if err := client.Start(context.Background(), p.Link); err != nil {
				_ = client.Close()
				srv.Stop(ctx)
				_ = lk.Release()
				return err
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := client.Close(); err != nil {
				logger.Warn("error closing client", zap.Error(err))
			}
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
