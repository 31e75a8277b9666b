package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tripmate/chatd/internal/api"
	"github.com/tripmate/chatd/internal/bus"
	"github.com/tripmate/chatd/internal/config"
	"github.com/tripmate/chatd/internal/conn"
	"github.com/tripmate/chatd/internal/creds"
	"github.com/tripmate/chatd/internal/lock"
	"github.com/tripmate/chatd/internal/logging"
	"github.com/tripmate/chatd/internal/outbox"
	"github.com/tripmate/chatd/internal/roster"
	"github.com/tripmate/chatd/internal/session"
	"github.com/tripmate/chatd/internal/status"
	"github.com/tripmate/chatd/internal/store"
	"github.com/tripmate/chatd/internal/thread"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCredentials,
			provideAPIClient,
			provideManager,
			provideThreads,
			provideSender,
			provideRoster,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if os.IsNotExist(err) {
		return &config.Config{}, nil
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCredentials(p Params) *creds.FileSource {
	return &creds.FileSource{Path: session.CredentialsPath(p.SessionName)}
}

func provideAPIClient(cfg *config.Config, source *creds.FileSource) *api.Client {
	return api.NewClient(cfg.API.BaseURL, source)
}

func provideManager(cfg *config.Config, source *creds.FileSource, b *bus.Bus, m *status.Machine, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(conn.Options{
		URL:         cfg.Socket.URL,
		Credentials: source,
		Transport:   conn.NewWebsocketTransport(),
		Bus:         b,
		Machine:     m,
		Logger:      logger,
		AckTimeout:  cfg.Timeouts.Ack(),
		Heartbeat:   cfg.Timeouts.Heartbeat(),
		Staleness:   cfg.Timeouts.Staleness(),
	})
}

// selfID is best-effort at startup: with no readable credential the daemon
// still comes up and reports auth-required through the connection manager.
func selfID(source *creds.FileSource) string {
	cred, err := source.Credentials()
	if err != nil {
		return ""
	}
	claims, err := cred.Claims()
	if err != nil {
		return ""
	}
	return claims.UserID
}

func provideThreads(db *store.DB, b *bus.Bus, client *api.Client, source *creds.FileSource, logger *zap.Logger) *thread.Store {
	return thread.NewStore(db, b, client, selfID(source), logger)
}

func provideSender(db *store.DB, threads *thread.Store, m *conn.Manager, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, threads, m, b, logger)
}

// rosterBackend adapts the REST client to the roster's preview model.
type rosterBackend struct {
	client *api.Client
}

func (rb rosterBackend) GetChatPreviews(ctx context.Context) ([]roster.Chat, error) {
	previews, err := rb.client.GetChatPreviews(ctx)
	if err != nil {
		return nil, err
	}
	chats := make([]roster.Chat, 0, len(previews))
	for _, p := range previews {
		chats = append(chats, roster.Chat{
			ID:              p.ID,
			DisplayName:     p.DisplayName,
			AvatarURL:       p.AvatarURL,
			IsGroup:         p.IsGroup,
			LastMessage:     p.LastMessage,
			LastMessageType: p.LastMessageType,
			LastActivity:    p.LastActivityMs,
			Unread:          p.UnreadCount,
			Online:          p.Online,
		})
	}
	return chats, nil
}

func (rb rosterBackend) MarkRead(ctx context.Context, conversationID string) error {
	return rb.client.MarkRead(ctx, conversationID)
}

func provideRoster(cfg *config.Config, db *store.DB, b *bus.Bus, client *api.Client, m *conn.Manager, source *creds.FileSource, logger *zap.Logger) *roster.Roster {
	return roster.NewRoster(db, b, rosterBackend{client: client}, m, selfID(source), cfg.Timeouts.TypingClear(), logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, m *conn.Manager, threads *thread.Store, sender *outbox.Sender, ro *roster.Roster, b *bus.Bus, logger *zap.Logger) {
	runCtx, cancelRun := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Stores consume bus events before the socket produces any.
			threads.Start(runCtx)
			ro.Start(runCtx)
			sender.Start(runCtx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("status server error", zap.Error(err))
				}
			}()

			go func() {
				if err := m.Run(runCtx); err != nil {
					logger.Warn("connection manager stopped", zap.Error(err))
				}
			}()

			// Seed the chat list; live events take over from here.
			go func() {
				if err := ro.Load(runCtx); err != nil {
					logger.Warn("initial chat list load failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelRun()
			sender.Stop()
			ro.Stop()
			threads.Stop()
			srv.Stop(ctx)
			b.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
