package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eventattend/internal/attendance/sqlstore"
	"eventattend/internal/config"
	"eventattend/internal/evidence"
	"eventattend/internal/faceclient"
	"eventattend/internal/logging"
	"eventattend/internal/metrics"
	"eventattend/internal/queue"
	"eventattend/internal/store"
)

// Worker consumes transition messages and checks scan evidence for liveness.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" {
		log.Error("worker needs a shared queue; with QUEUE_BACKEND=memory the api process runs the evidence checks itself")
		os.Exit(1)
	}

	redisClient := store.NewRedis(store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() { _ = redisClient.Close() }()
	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)

	var sink evidence.Sink
	switch cfg.StoreBackend {
	case config.StorePostgres, config.StoreSQLite:
		var db *store.DB
		dialect := sqlstore.Postgres
		if cfg.StoreBackend == config.StoreSQLite {
			db, err = store.NewSQLite(ctx, cfg.SQLitePath)
			dialect = sqlstore.SQLite
		} else {
			db, err = store.NewPostgres(ctx, cfg.DatabaseURL)
		}
		if err != nil {
			log.Error("db connect failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		repo := sqlstore.NewRepository(db.Client, dialect)
		if err := repo.Migrate(ctx); err != nil {
			log.Error("migrate failed", "err", err)
			os.Exit(1)
		}
		sink = repo
	default:
		log.Info("evidence verdicts are logged only", "store", cfg.StoreBackend)
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if err := face.Health(ctx); err != nil {
		log.Warn("face service not available, checks will fail until it returns", "err", err)
	} else {
		log.Info("face service connected")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	srv := &http.Server{Addr: ":" + cfg.WorkerMetricsPort, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server failed", "err", err)
		}
	}()

	checker := evidence.NewChecker(face, sink, log, m.EvidenceChecked)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Error("queue consume init failed", "err", err)
		os.Exit(1)
	}

	log.Info("worker started, waiting for messages", "queue", cfg.QueueKey)
	checker.Run(ctx, messages)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("worker stopped")
}
