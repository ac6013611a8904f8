package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/teamcast/backend/internal/config"
	"github.com/teamcast/backend/internal/db"
	"github.com/teamcast/backend/internal/events"
	apphttp "github.com/teamcast/backend/internal/http"
	"github.com/teamcast/backend/internal/http/handlers"
	"github.com/teamcast/backend/internal/queue"
	"github.com/teamcast/backend/internal/repositories"
	"github.com/teamcast/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	campaignRepo := repositories.NewCampaignRepo(pool)
	ledgerRepo := repositories.NewLedgerRepo(pool, cfg.LedgerPageSize)
	auditRepo := repositories.NewAuditRepo(pool)

	// Queue and events
	taskQueue := queue.New(rdb, log)
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Services
	campaignService := services.NewCampaignService(campaignRepo, ledgerRepo, taskQueue, publisher, auditRepo, log)

	// Handlers
	campaignHandler := handlers.NewCampaignHandler(campaignService, auditRepo, log)
	wsHub := handlers.NewWSHub(subscriber, log)
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, log, rdb, campaignHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
