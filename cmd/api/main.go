package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eventattend/internal/attendance"
	"eventattend/internal/attendance/memstore"
	"eventattend/internal/attendance/restclient"
	"eventattend/internal/attendance/sqlstore"
	"eventattend/internal/cloudinary"
	"eventattend/internal/config"
	"eventattend/internal/evidence"
	"eventattend/internal/faceclient"
	"eventattend/internal/handler"
	"eventattend/internal/httpmiddleware"
	"eventattend/internal/logging"
	"eventattend/internal/metrics"
	"eventattend/internal/queue"
	"eventattend/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Error("http server failed", "err", err)
		os.Exit(1)
	}
}

// backend is the selected persister plus what else the store can offer.
type backend struct {
	persister attendance.Persister
	history   handler.History
	sink      evidence.Sink
	healthy   handler.HealthCheck
	close     func() error
}

func openBackend(ctx context.Context, cfg config.App) (backend, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return backend{
			persister: memstore.New(),
			healthy:   func(context.Context) bool { return true },
			close:     func() error { return nil },
		}, nil
	case config.StoreREST:
		client := restclient.New(cfg.BackendURL, cfg.BackendToken, cfg.BackendTimeout)
		return backend{
			persister: client,
			healthy:   func(context.Context) bool { return true },
			close:     func() error { return nil },
		}, nil
	}

	var db *store.DB
	var dialect sqlstore.Dialect
	var err error
	if cfg.StoreBackend == config.StoreSQLite {
		db, err = store.NewSQLite(ctx, cfg.SQLitePath)
		dialect = sqlstore.SQLite
	} else {
		db, err = store.NewPostgres(ctx, cfg.DatabaseURL)
		dialect = sqlstore.Postgres
	}
	if err != nil {
		return backend{}, err
	}
	repo := sqlstore.NewRepository(db.Client, dialect)
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return backend{}, err
	}
	return backend{persister: repo, history: repo, sink: repo, healthy: db.Healthy, close: db.Close}, nil
}

func runHTTP(cfg config.App, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	be, err := openBackend(startCtx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	defer func() { _ = be.close() }()

	redisClient := store.NewRedis(store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() { _ = redisClient.Close() }()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if err := face.Health(startCtx); err != nil {
		log.Warn("face service not available", "err", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	recorder := attendance.NewRecorder(be.persister,
		attendance.WithLogger(log),
		attendance.WithObserver(m),
		attendance.WithObserver(queue.NewTransitionPublisher(q, log)),
	)
	metrics.ActiveGauge(reg, recorder.ActiveCounts)

	// Without a shared queue there is no worker; evidence checks run here.
	if cfg.QueueBackend == "memory" {
		checker := evidence.NewChecker(face, be.sink, log, m.EvidenceChecked)
		if err := checker.Start(ctx, q); err != nil {
			return fmt.Errorf("start evidence checker: %w", err)
		}
		log.Info("evidence checks running in-process", "queue", "memory")
	}

	// Cloudinary client (nil when not configured)
	var uploader handler.EvidenceUploader
	if cfg.CloudinaryConfigured() {
		uploader = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Info("cloudinary configured", "cloud", cfg.CloudinaryCloudName)
	} else {
		log.Info("cloudinary not configured, scan uploads disabled")
	}

	health := map[string]handler.HealthCheck{
		"store": be.healthy,
	}
	if cfg.QueueBackend != "memory" {
		health["redis"] = redisClient.Healthy
	}

	h := handler.New(handler.Deps{
		Recorder: recorder,
		Uploader: uploader,
		Face:     face,
		History:  be.history,
		Tokens: handler.TokenConfig{
			Issuer:     cfg.JWTIssuer,
			SigningKey: cfg.JWTSigningKey,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		},
		MatchThreshold: cfg.FaceMatchThreshold,
		Health:         health,
		Log:            log,
	})

	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	r.Use(securityHeaders())
	r.Use(limiter.GinMiddleware(httpmiddleware.ClientIP, m.RateLimited.Inc))

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	h.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go pruneLimiter(ctx, limiter)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", srv.Addr, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", "err", err)
	}
	log.Info("server exited")
	return nil
}

// corsConfig lets the dashboards at origins call the API with credentials.
func corsConfig(origins []string) cors.Config {
	return cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}
}

func pruneLimiter(ctx context.Context, l *httpmiddleware.TokenBucket) {
	t := time.NewTicker(10 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Prune(30 * time.Minute)
		}
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
