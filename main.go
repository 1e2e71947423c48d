package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yeremiapane/plant-market/config"
	"github.com/yeremiapane/plant-market/controllers"
	"github.com/yeremiapane/plant-market/hub"
	"github.com/yeremiapane/plant-market/middlewares"
	"github.com/yeremiapane/plant-market/models"
	"github.com/yeremiapane/plant-market/router"
	"github.com/yeremiapane/plant-market/services"
	"github.com/yeremiapane/plant-market/utils"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		utils.ErrorLogger.Fatalf("Invalid configuration: %v", err)
	}
	utils.InitLogger(cfg.LogFormat)

	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := config.InitDB(cfg)
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to connect to database: %v", err)
	}
	autoMigrate(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, cleanup := buildServer(ctx, cfg, db, services.NewPortOneService(cfg.PortOne))
	defer cleanup()

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}
	go func() {
		utils.InfoLogger.Printf("Listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.ErrorLogger.Fatal(err)
		}
	}()

	<-ctx.Done()
	utils.InfoLogger.Println("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.ErrorLogger.Printf("Shutdown: %v", err)
	}
}

// buildServer wires the payment services around gateway. The returned
// cleanup closes whatever buildServer opened.
func buildServer(ctx context.Context, cfg *config.Config, db *gorm.DB, gateway services.PaymentGateway) (*gin.Engine, func()) {
	store := services.NewGormPaymentStore(db)
	monitor := services.NewPaymentMonitor()
	eventHub := hub.NewHub()

	reconciler := services.NewReconcileService(store, gateway, cfg.Reconcile, monitor, eventHub)
	canceller := services.NewCancelService(store, gateway, monitor, eventHub)
	webhooks := services.NewWebhookService(cfg.PortOne.WebhookSecret, reconciler, canceller)

	reconciler.StartSweeper(ctx, cfg.Reconcile.SweepInterval, cfg.Reconcile.SweepMinAge)

	cleanup := func() {}
	var limiter middlewares.Limiter
	switch cfg.RateLimitBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = middlewares.NewRedisLimiter(client, cfg.RateLimitBurst, time.Second)
		cleanup = func() { client.Close() }
	default:
		limiter = middlewares.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute)
	}

	engine := router.SetupRouter(router.Options{
		Payments:   controllers.NewPaymentController(store, reconciler, canceller, webhooks, monitor),
		Hub:        eventHub,
		Limiter:    limiter,
		JWTSecret:  []byte(cfg.JWTSecret),
		CORSOrigin: cfg.CORSOrigin,
	})
	return engine, cleanup
}

func autoMigrate(db *gorm.DB) {
	err := db.AutoMigrate(
		&models.Order{},
		&models.Payment{},
		&models.Bid{},
	)
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to AutoMigrate: %v", err)
	}
	utils.InfoLogger.Println("AutoMigrate completed.")
}
