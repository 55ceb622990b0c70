// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"compensation-engine/internal/clock"
	"compensation-engine/internal/config"
	"compensation-engine/internal/handler"
	"compensation-engine/internal/models"
	"compensation-engine/internal/repository"
	"compensation-engine/internal/service"
	"compensation-engine/pkg/database"
	"compensation-engine/pkg/logger"
	"compensation-engine/pkg/middleware"
	"compensation-engine/pkg/redis"
)

const memberChangesChannel = "member.changes"

func main() {
	cfg := config.Load()

	log := logger.New("compensation-engine", cfg.Environment)
	defer log.Sync()

	store, closeStore := openStore(cfg, log)
	defer closeStore()

	var (
		idempotency service.IdempotencyCache
		jobLock     service.JobLock = service.NewLocalJobLock()
		notifiers                   = service.Notifiers{service.NewLogNotifier(log)}
		ready                       = func(ctx context.Context) error { return nil }
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewRedisClient(cfg.RedisAddr)
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx); err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		cancel()

		idempotency = service.NewRedisIdempotency(rdb, 7*24*time.Hour)
		jobLock = service.NewRedisJobLock(rdb)
		notifiers = append(notifiers, service.NewRedisNotifier(rdb, memberChangesChannel, log))
		ready = rdb.Ping
	}

	clk := clock.System{Location: cfg.Location()}

	levelPlan := service.DefaultLevelPlan()
	levelPlan.FormacaoWindow = cfg.Engine.LiderFormacaoWindow
	commissionPlan := service.DefaultCommissionPlan()
	commissionPlan.MaxPerpetualDepth = cfg.Engine.MaxPerpetualDepth

	levels := service.NewLevelEngine(levelPlan, log)
	commissions := service.NewCommissionService(store, commissionPlan, clk, log)
	ledgerService := service.NewLedgerService(store, levels, commissions, cfg.Engine, clk, idempotency, notifiers, log)
	jobService := service.NewJobService(store, levels, commissions, cfg.Engine, clk, jobLock, notifiers, log)
	reconciliationService := service.NewReconciliationService(store, clk, log)

	ledgerHandler := handler.NewLedgerHandler(ledgerService, commissions, log)
	jobHandler := handler.NewJobHandler(jobService, reconciliationService, ledgerService, log)

	router := setupRouter(ledgerHandler, jobHandler, ready, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Engine.BatchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting compensation engine",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}

// openStore picks the ledger backend named by STORE_DRIVER
func openStore(cfg *config.Config, log *zap.Logger) (repository.Store, func()) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory store, data is lost on restart")
		return repository.NewMemoryStore(), func() {}
	}

	db, err := database.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(ctx, models.Schema...); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}
	return repository.NewPostgresStore(db.DB), func() { _ = db.Close() }
}

func setupRouter(ledger *handler.LedgerHandler, jobs *handler.JobHandler, ready func(ctx context.Context) error, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		if err := ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler.RegisterRoutes(router.Group("/api/v1"), ledger, jobs)

	return router
}
