package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowcore/internal/catalog"
	"github.com/petrijr/flowcore/internal/config"
	"github.com/petrijr/flowcore/internal/engine"
	"github.com/petrijr/flowcore/internal/locks"
	"github.com/petrijr/flowcore/internal/messenger"
	"github.com/petrijr/flowcore/internal/persistence"
	"github.com/petrijr/flowcore/internal/rule"
	"github.com/petrijr/flowcore/internal/server"
	"github.com/petrijr/flowcore/pkg/api"
	"github.com/petrijr/flowcore/pkg/log"
	"github.com/petrijr/flowcore/pkg/worker"
)

type flowd struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         *sql.DB
	mongo      *mongo.Client
	redis      *redis.Client
	repo       persistence.Repository
	engine     api.Engine
	retention  *engine.Retention
	httpServer *http.Server
	cancel     context.CancelFunc
	done       chan struct{}
}

const serviceName = "flowd"

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	f := &flowd{cfg: cfg}
	if err := f.run(); err != nil {
		slog.Error("Failed to start application", slog.Any("error", err))
		os.Exit(1)
	}
}

// loadConfig layers defaults, an optional YAML file named by FLOW_CONFIG,
// .env and the process environment
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := config.NewDefaultConfig()
	if path := os.Getenv("FLOW_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *flowd) run() error {
	f.setupLogging()

	ctx := context.Background()
	if err := f.start(ctx); err != nil {
		f.shutdown()
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	f.shutdown()
	return nil
}

func (f *flowd) start(ctx context.Context) error {
	if err := f.initializeStore(ctx); err != nil {
		return err
	}
	if err := f.initializeEngine(ctx); err != nil {
		return err
	}
	if err := f.loadFlows(); err != nil {
		return err
	}
	if err := f.startBackground(ctx); err != nil {
		return err
	}
	f.startServer()
	return nil
}

func (f *flowd) setupLogging() {
	f.logger = log.NewWithLevel(serviceName, f.cfg.Env, log.ParseLevel(f.cfg.LogLevel))
	slog.SetDefault(f.logger)

	f.logger.Info("Configuration loaded",
		slog.String("store_driver", f.cfg.Store.Driver),
		slog.String("redis_addr", f.cfg.Redis.Addr),
		slog.String("flow_dir", f.cfg.FlowDir),
		slog.String("api_addr", f.cfg.Addr()))
}

func (f *flowd) initializeStore(ctx context.Context) error {
	var err error
	switch f.cfg.Store.Driver {
	case config.StoreMemory:
		f.repo = persistence.NewInMemoryStore()
	case config.StoreSQLite:
		if f.db, err = sql.Open("sqlite", f.cfg.Store.DSN); err != nil {
			return fmt.Errorf("failed to open sqlite: %w", err)
		}
		f.db.SetMaxOpenConns(1)
		f.repo, err = persistence.NewSQLiteStore(f.db)
	case config.StorePostgres:
		if f.db, err = sql.Open("pgx", f.cfg.Store.DSN); err != nil {
			return fmt.Errorf("failed to open postgres: %w", err)
		}
		if err = f.db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to reach postgres: %w", err)
		}
		f.repo, err = persistence.NewPostgresStore(f.db)
	case config.StoreMongo:
		f.mongo, err = mongo.Connect(ctx, options.Client().ApplyURI(f.cfg.Store.DSN))
		if err != nil {
			return fmt.Errorf("failed to connect mongo: %w", err)
		}
		f.repo, err = persistence.NewMongoStore(ctx, f.mongo, f.cfg.Store.Database)
	default:
		return fmt.Errorf("%w: %q", config.ErrInvalidStoreDriver, f.cfg.Store.Driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	return nil
}

func (f *flowd) initializeEngine(ctx context.Context) error {
	lockOpts := locks.Options{Wait: f.cfg.LockWait, TTL: f.cfg.LockTTL}

	var (
		lk   locks.Locks
		msgr messenger.Messenger
		err  error
	)
	switch {
	case f.cfg.Redis.Addr != "":
		f.redis = redis.NewClient(&redis.Options{
			Addr:     f.cfg.Redis.Addr,
			Password: f.cfg.Redis.Password,
			DB:       f.cfg.Redis.DB,
		})
		if err := f.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		lk = locks.NewRedis(f.redis, f.cfg.Redis.Prefix, lockOpts)
		if msgr, err = messenger.NewRedis(ctx, f.redis, f.cfg.Redis.Channel); err != nil {
			return fmt.Errorf("failed to subscribe notices: %w", err)
		}
	case f.db != nil:
		var dialect persistence.Dialect = persistence.SQLiteDialect{}
		if f.cfg.Store.Driver == config.StorePostgres {
			dialect = persistence.PostgresDialect{}
		}
		if lk, err = locks.NewSQL(f.db, dialect, lockOpts); err != nil {
			return fmt.Errorf("failed to create locks: %w", err)
		}
	default:
		lk = locks.NewLocal(lockOpts)
	}

	rules, err := rule.NewEvaluator(f.cfg.RuleCacheSize)
	if err != nil {
		return err
	}

	f.engine = engine.NewEngineWithConfig(engine.Config{
		Repo:      f.repo,
		Locks:     lk,
		Messenger: msgr,
		Rules:     rules,
		Observer:  api.NewLoggingObserver(f.logger),
		Logger:    f.logger,
		Pool:      f.cfg.StreamPool(),
		BatchSize: f.cfg.BatchSize,
	})
	return nil
}

func (f *flowd) loadFlows() error {
	if f.cfg.FlowDir == "" {
		f.logger.Warn("No flow directory configured")
		return nil
	}
	flows, err := catalog.LoadDir(f.cfg.FlowDir, catalog.Options{Logger: f.logger})
	if err != nil {
		return fmt.Errorf("failed to load flows: %w", err)
	}
	if err := catalog.Register(f.engine, flows); err != nil {
		return err
	}
	f.logger.Info("Flows loaded", log.Count(len(flows)))
	return nil
}

func (f *flowd) startBackground(ctx context.Context) error {
	if f.cfg.Retention.Enabled {
		var err error
		f.retention, err = engine.NewRetention(f.repo, engine.RetentionConfig{
			Schedule: f.cfg.Retention.Schedule,
			MaxAge:   f.cfg.Retention.MaxAge,
			Logger:   f.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to schedule retention: %w", err)
		}
		f.retention.Start()
	}

	w := worker.NewWithConfig(f.engine, worker.Config{
		Interval:       f.cfg.SweepInterval,
		RecoverOnStart: f.cfg.RecoverOnStart,
		Logger:         f.logger,
	})
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		_ = w.Run(ctx, 0)
	}()
	return nil
}

func (f *flowd) startServer() {
	srv := server.NewServer(f.engine, f.logger)
	f.httpServer = &http.Server{
		Addr:    f.cfg.Addr(),
		Handler: srv.SetupRoutes(),
	}

	go func() {
		f.logger.Info("HTTP server starting", slog.String("addr", f.httpServer.Addr))
		if err := f.httpServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			f.logger.Error("HTTP server error", log.Error(err))
		}
	}()
}

func (f *flowd) shutdown() {
	if f.logger != nil {
		f.logger.Info("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ShutdownTimeout)
	defer cancel()

	if f.httpServer != nil {
		if err := f.httpServer.Shutdown(ctx); err != nil {
			f.logger.Error("Shutdown failed", log.Error(err))
		}
	}
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
	if f.retention != nil {
		f.retention.Stop()
	}
	if f.engine != nil {
		if err := f.engine.Close(); err != nil {
			f.logger.Error("Engine shutdown failed", log.Error(err))
		}
	}
	if f.redis != nil {
		_ = f.redis.Close()
	}
	if f.mongo != nil {
		_ = f.mongo.Disconnect(ctx)
	}
	if f.db != nil {
		_ = f.db.Close()
	}

	if f.logger != nil {
		f.logger.Info("Server exited")
	}
}
