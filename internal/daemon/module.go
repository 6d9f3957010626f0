package daemon

import (
	"context"
	"os"

	"github.com/matheus3301/pulse/internal/config"
	"github.com/matheus3301/pulse/internal/hub"
	"github.com/matheus3301/pulse/internal/lastseen"
	"github.com/matheus3301/pulse/internal/lock"
	"github.com/matheus3301/pulse/internal/logging"
	"github.com/matheus3301/pulse/internal/profile"
	"github.com/matheus3301/pulse/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Version is stamped into the profile lock. Overridden with -ldflags.
var Version = "dev"

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	Config     *config.Config
}

func (p Params) socket() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return profile.SocketPath(p.Profile)
}

func (p Params) config() *config.Config {
	if p.Config != nil {
		return p.Config
	}
	return config.Defaults()
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideLock,
			provideStore,
			provideLastSeen,
			provideHub,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.config().LogLevel)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile), lock.Info{Socket: p.socket(), Version: Version})
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// The lock is a dependency so a second daemon never touches the database.
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
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// Heartbeats always land in SQLite. With a Redis address they are mirrored
// there as expiring keys.
func provideLastSeen(p Params, db *store.DB, logger *zap.Logger) (lastseen.Store, *redis.Client) {
	local := lastseen.NewSQLite(db)
	addr := p.config().RedisAddr
	if addr == "" {
		return local, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	logger.Info("mirroring last-seen to redis", zap.String("addr", addr))
	return lastseen.Tee{local, lastseen.NewRedis(rdb, 4*p.config().HeartbeatInterval.Duration)}, rdb
}

func provideHub(db *store.DB, seen lastseen.Store, logger *zap.Logger) (*hub.Hub, error) {
	return hub.New(db, seen, logger.Named("hub"), uint16(os.Getpid()))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, ms *MetricsServer, lk *lock.Lock, db *store.DB, rdb *redis.Client, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if rdb != nil {
				if err := rdb.Ping(ctx).Err(); err != nil {
					// Touches keep failing until redis is reachable; SQLite still records them.
					logger.Warn("redis unreachable", zap.Error(err))
				}
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			ms.Start()

			logger.Info("daemon started", zap.String("version", Version))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			ms.Stop(ctx)
			if rdb != nil {
				_ = rdb.Close()
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
