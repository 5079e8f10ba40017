package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/boostd/internal/config"
	"github.com/SirClappington/boostd/internal/engine"
	"github.com/SirClappington/boostd/internal/pool"
	"github.com/SirClappington/boostd/internal/queue"
	"github.com/SirClappington/boostd/internal/route"
	"github.com/SirClappington/boostd/internal/sched"
	"github.com/SirClappington/boostd/internal/secrets"
	"github.com/SirClappington/boostd/internal/storage"
)

// leaderLockID guards against two workers draining the same queue.
const leaderLockID = 7341

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlDB, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatal("open postgres", zap.Error(err))
	}
	defer sqlDB.Close()
	if err := storage.Migrate(sqlDB, cfg.MigrationsDir); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("open pgx pool", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass})
	defer rdb.Close()

	box, err := secrets.NewBox(cfg.SecretKey)
	if err != nil {
		log.Fatal("secret key", zap.Error(err))
	}

	store := storage.New(db)
	registry := pool.NewRegistry(store, cfg.CooldownWindow, log)
	pacer := engine.NewIntervalPacer(cfg.PaceMinInterval, cfg.PaceJitter)
	capability := &engine.HTTPCapability{
		Base:   cfg.ActionAPIBase,
		Token:  cfg.ActionAPIToken,
		Client: &http.Client{Timeout: cfg.ProviderTimeout},
	}
	exec := engine.New(registry, store, capability, box, pacer, cfg.MaxConsecFails, log)

	providerClient := &route.HTTPClient{HC: &http.Client{Timeout: cfg.ProviderTimeout}}
	reconciler := route.NewReconciler(store, store, providerClient, box, log)

	q := queue.New(rdb)
	scheduler := sched.New(q, store, exec, cfg.MaxRetries, cfg.BackoffBase, cfg.OrderTimeout, log)

	leaderConn, err := waitForLeadership(ctx, sqlDB, log)
	if err != nil {
		log.Fatal("leader election", zap.Error(err))
	}
	defer leaderConn.Close()
	log.Info("worker is leader, starting loops")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return holdLeadership(ctx, leaderConn) })
	g.Go(func() error { return scheduler.Run(ctx, cfg.TickInterval) })
	g.Go(func() error { return reconciler.RunEvery(ctx, cfg.PollInterval) })
	g.Go(func() error { return seedLoop(ctx, scheduler, cfg.SeedInterval, log) })
	g.Go(func() error {
		return maintenanceLoop(ctx, registry, engine.Prober{Cap: capability, Box: box},
			cfg.ResetInterval, cfg.SweepInterval, log)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("worker stopped", zap.Error(err))
	}
	log.Info("worker shut down")
}

// waitForLeadership blocks until this process holds the advisory lock. The
// lock is session-scoped, so it lives on a dedicated connection held for
// the life of the process; the caller keeps the connection open and feeds
// it to holdLeadership.
func waitForLeadership(ctx context.Context, db *sql.DB, log *zap.Logger) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	for {
		var ok bool
		if err := conn.QueryRowContext(ctx, "select pg_try_advisory_lock($1)", leaderLockID).Scan(&ok); err != nil {
			conn.Close()
			return nil, err
		}
		if ok {
			return conn, nil
		}
		log.Info("standby: another worker holds the leader lock")
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// holdLeadership re-verifies the advisory lock session. If the connection
// drops, Postgres releases the lock and a standby promotes itself, so the
// loops here must stop the moment the session can no longer be confirmed.
// Re-acquiring on the same session just bumps the lock's hold count.
func holdLeadership(ctx context.Context, conn *sql.Conn) error {
	tick := time.NewTicker(15 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			var ok bool
			if err := conn.QueryRowContext(ctx, "select pg_try_advisory_lock($1)", leaderLockID).Scan(&ok); err != nil {
				return errors.Wrap(err, "leader lock session lost")
			}
			if !ok {
				return errors.New("leader lock held by another session")
			}
		}
	}
}

// seedLoop periodically re-enqueues due pending orders, picking up rows
// written by API replicas and entries lost to restarts.
func seedLoop(ctx context.Context, s *sched.Scheduler, every time.Duration, log *zap.Logger) error {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := s.Seed(ctx); err != nil {
				log.Error("seed", zap.Error(err))
			}
		}
	}
}

func maintenanceLoop(ctx context.Context, registry *pool.Registry, prober engine.Prober, resetEvery, sweepEvery time.Duration, log *zap.Logger) error {
	reset := time.NewTicker(resetEvery)
	defer reset.Stop()
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reset.C:
			if err := registry.ResetDailyCounters(ctx); err != nil {
				log.Error("reset daily counters", zap.Error(err))
			} else {
				log.Info("daily counters reset")
			}
		case <-sweep.C:
			n, err := registry.DeactivateUnhealthy(ctx, prober)
			if err != nil {
				log.Error("health sweep", zap.Error(err))
			} else if n > 0 {
				log.Info("health sweep deactivated agents", zap.Int("count", n))
			}
		}
	}
}

func newLogger(env string) *zap.Logger {
	if env == "production" {
		log, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return log
}
