package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/boostd/internal/api"
	"github.com/SirClappington/boostd/internal/config"
	"github.com/SirClappington/boostd/internal/domain"
	"github.com/SirClappington/boostd/internal/plan"
	"github.com/SirClappington/boostd/internal/pool"
	"github.com/SirClappington/boostd/internal/queue"
	"github.com/SirClappington/boostd/internal/route"
	"github.com/SirClappington/boostd/internal/sched"
	"github.com/SirClappington/boostd/internal/secrets"
	"github.com/SirClappington/boostd/internal/storage"
)

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
	if err := storage.Migrate(sqlDB, cfg.MigrationsDir); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}
	sqlDB.Close()

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
	planPolicy := plan.Policy{
		Ratios:        cfg.Ratios(),
		InternalCaps:  cfg.InternalCaps(),
		MinAgentFloor: cfg.MinAgentFloor,
		AbsoluteCap:   cfg.AbsoluteCap,
	}
	routePolicy := route.Policy{
		EnableInternal:   cfg.EnableInternal,
		EnableExternal:   cfg.EnableExternal,
		InternalPriority: cfg.InternalPriority,
		ExternalPriority: cfg.ExternalPriority,
		FailoverEnabled:  cfg.FailoverEnabled,
	}
	providerClient := &route.HTTPClient{HC: &http.Client{Timeout: cfg.ProviderTimeout}}
	router := route.NewRouter(routePolicy, planPolicy, registry, store, store, providerClient, box, log)

	srv := &api.Server{
		Orders:     store,
		Agents:     store,
		Router:     router,
		Sched:      &queueFacade{q: queue.New(rdb), store: store},
		Pool:       registry,
		Box:        box,
		AdminToken: cfg.AdminToken,
		Log:        log,
	}

	httpSrv := &http.Server{Addr: cfg.APIAddr, Handler: srv.Routes()}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutCtx)
	}()

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("api server", zap.Error(err))
	}
	log.Info("api shut down")
}

// queueFacade exposes the shared queue to the HTTP layer. The worker owns
// execution, so Processing here reflects database state rather than this
// process's scheduler.
type queueFacade struct {
	q     *queue.RedisQ
	store *storage.Store
}

func (f *queueFacade) Enqueue(ctx context.Context, orderID string, priority int) error {
	return f.q.Enqueue(ctx, queue.Entry{OrderID: orderID, Priority: priority})
}

func (f *queueFacade) Status(ctx context.Context) (sched.Status, error) {
	n, err := f.q.Len(ctx)
	if err != nil {
		return sched.Status{}, err
	}
	processing, err := f.store.CountProcessing(ctx, domain.PathInternal)
	if err != nil {
		return sched.Status{}, err
	}
	st := sched.Status{Length: n, Processing: processing > 0}
	if head, ok, err := f.q.Peek(ctx, time.Now()); err == nil && ok {
		st.Head = &head
	} else if err != nil {
		return sched.Status{}, err
	}
	return st, nil
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
