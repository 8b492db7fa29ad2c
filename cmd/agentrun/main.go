package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tradingrun/agentrun/internal/adapters/database"
	"github.com/tradingrun/agentrun/internal/agents"
	"github.com/tradingrun/agentrun/internal/aiclient"
	"github.com/tradingrun/agentrun/internal/config"
	"github.com/tradingrun/agentrun/internal/decisions"
	"github.com/tradingrun/agentrun/internal/events"
	"github.com/tradingrun/agentrun/internal/heartbeat"
	"github.com/tradingrun/agentrun/internal/positions"
	"github.com/tradingrun/agentrun/internal/strategies"
	"github.com/tradingrun/agentrun/internal/worker"
	"github.com/tradingrun/agentrun/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nreceived interrupt signal, shutting down...")
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("agentrun starting")

	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, locks, err := initRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	aiClient, err := aiclient.New("openai", cfg.AI.OpenAI)
	if err != nil {
		return fmt.Errorf("init ai client: %w", err)
	}

	repos := initRepositories(db)
	clickhouse := initClickHouse(cfg)

	positionsSvc := positions.NewService(repos.Positions, locks, repos.Agents)

	hub := events.NewHub()
	eventServer := startEventServer(cfg, hub)
	defer shutdownEventServer(eventServer)

	factory := NewFactory(cfg, repos, clickhouse, positionsSvc, aiClient, hub)

	manager := initWorkerManager(cfg, repos, rdb, factory)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start worker manager: %w", err)
	}

	heartbeatSvc := heartbeat.NewService(repos.Agents,
		time.Duration(cfg.Worker.HeartbeatTimeoutSeconds)*time.Second,
		time.Duration(cfg.Worker.StartupGraceSeconds)*time.Second)
	stopSweep := startStaleSweep(ctx, heartbeatSvc, time.Duration(cfg.Worker.HeartbeatIntervalSeconds)*time.Second)
	defer stopSweep()

	logger.Info("agentrun ready", zap.String("instance_id", worker.InstanceID()))

	<-ctx.Done()

	logger.Info("shutdown signal received, stopping worker manager")
	manager.Shutdown(25 * time.Second)

	return nil
}

// initConfig loads configuration and initializes the logger.
func initConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

// initDatabase connects and runs pending migrations.
func initDatabase(cfg *config.Config) (*database.DB, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.RunMigrations(db.Conn(), "./migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// initRedis builds both coordination clients the runtime needs: a go-redis
// client for OwnershipManager/ExecutionLock's Lua-scripted keys, and a
// redlock manager for positions.Service's per-symbol claim locks, grounded
// in the teacher's own Client (internal/adapters/redis/client.go).
func initRedis(ctx context.Context, cfg *config.Config) (*redis.Client, *redlock.RedLock, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis: ping: %w", err)
	}

	lockCtx, lockCancel := context.WithTimeout(ctx, 5*time.Second)
	defer lockCancel()
	locks, err := redlock.NewRedLock(lockCtx, []string{"tcp://" + cfg.Redis.Addr()})
	if err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis: redlock: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr()))
	return rdb, locks, nil
}

// initClickHouse connects the optional decisions analytics sink. A failed
// connection only disables the sink; Postgres remains the system of record.
func initClickHouse(cfg *config.Config) *decisions.ClickHouseRepository {
	if !cfg.ClickHouse.Enabled {
		return nil
	}
	ch, err := decisions.NewClickHouseRepository(&cfg.ClickHouse)
	if err != nil {
		logger.Warn("clickhouse sink disabled: connect failed", zap.Error(err))
		return nil
	}
	return ch
}

// repositorySet holds every repository the rest of run() wires together.
type repositorySet struct {
	Agents     *agents.Repository
	Strategies *strategies.Repository
	Positions  *positions.Repository
	Decisions  *decisions.Repository
}

func initRepositories(db *database.DB) *repositorySet {
	return &repositorySet{
		Agents:     agents.NewRepository(db.DB()),
		Strategies: strategies.NewRepository(db.DB()),
		Positions:  positions.NewRepository(db.DB()),
		Decisions:  decisions.NewRepository(db.DB()),
	}
}

// initWorkerManager wires the Redis-backed ownership/execution-lock
// coordination primitives and the Factory into a worker.Manager (§4.8).
func initWorkerManager(cfg *config.Config, repos *repositorySet, rdb *redis.Client, factory *Factory) *worker.Manager {
	ownership := worker.NewOwnershipManager(rdb, time.Duration(cfg.Redis.OwnershipKeyTTLSeconds)*time.Second)
	execLock := worker.NewExecutionLock(rdb, time.Duration(cfg.Redis.ExecutionLockTTLSeconds)*time.Second)

	return worker.NewManager(worker.ManagerConfig{
		InstanceID: worker.InstanceID(),

		Registry:  repos.Agents,
		Store:     repos.Agents,
		Ownership: ownership,
		ExecLock:  execLock,
		Factory:   factory.Build,

		SyncInterval:      time.Duration(cfg.Redis.SyncIntervalSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatIntervalSeconds) * time.Second,
		CycleTimeout:      time.Duration(cfg.Worker.CycleTimeoutSeconds) * time.Second,

		MaxConsecutiveErrors: cfg.Worker.MaxConsecutiveErrors,
		ErrorWindow:          time.Duration(cfg.Worker.ErrorWindowSeconds) * time.Second,
		BackoffBase:          cfg.Retry.BaseDelay,
		BackoffMax:           cfg.Retry.MaxDelay,
		BackoffJitter:        cfg.Retry.Jitter,
	})
}

// startEventServer exposes the event hub's websocket endpoint and a bare
// liveness probe (§6.5). The broader HTTP/REST surface agents would be
// managed through is an external collaborator this build doesn't provide.
func startEventServer(cfg *config.Config, hub *events.Hub) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := hub.ServeWS(w, r); err != nil {
			logger.Warn("event server: websocket upgrade failed", zap.Error(err))
		}
	})

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("event server: listen failed", zap.Error(err))
		}
	}()
	logger.Info("event server listening", zap.String("addr", cfg.HTTP.Addr))
	return srv
}

func shutdownEventServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("event server: shutdown error", zap.Error(err))
	}
}

// startStaleSweep runs the periodic stale-agent detector (§4.9) and returns
// a function that stops it.
func startStaleSweep(ctx context.Context, svc *heartbeat.Service, interval time.Duration) func() {
	sweepCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				n, err := svc.MarkStaleAsError(sweepCtx)
				if err != nil {
					logger.Warn("stale sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("stale sweep marked agents errored", zap.Int("count", n))
				}
			}
		}
	}()

	return cancel
}
