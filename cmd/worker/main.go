package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teamcast/backend/internal/config"
	"github.com/teamcast/backend/internal/db"
	"github.com/teamcast/backend/internal/events"
	"github.com/teamcast/backend/internal/models"
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

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	campaignRepo := repositories.NewCampaignRepo(pool)
	ledgerRepo := repositories.NewLedgerRepo(pool, cfg.LedgerPageSize)
	auditRepo := repositories.NewAuditRepo(pool)

	// Queue and events
	taskQueue := queue.New(rdb, log)
	publisher := events.NewRedisPublisher(rdb, log)

	// Services
	membership := services.NewMembershipClient(cfg.MembershipBaseURL, log)
	resolver := services.NewResolver(membership, cfg.ResolveConcurrency, log)
	dispatcher := services.NewDispatcher(ledgerRepo, taskQueue, cfg.SendRatePerSec, log)
	monitor := services.NewMonitor(campaignRepo, ledgerRepo, taskQueue, publisher, auditRepo,
		cfg.MonitorInitialDelay, cfg.MonitorInterval, cfg.MonitorMaxWait, log)
	orchestrator := services.NewOrchestrator(campaignRepo, ledgerRepo, resolver, dispatcher, monitor,
		publisher, auditRepo, cfg.BatchSize, cfg.DispatchConcurrency, cfg.RetryAttempts, cfg.RetryBackoff, log)

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())

	log.Info("worker started", zap.String("consumer", consumer))

	// Task consumer
	go func() {
		if err := taskQueue.ConsumeTasks(ctx, consumer, orchestrator.HandleTask); err != nil && ctx.Err() == nil {
			log.Error("task consumer stopped", zap.Error(err))
			cancel()
		}
	}()

	// Scheduled-task promoter and stuck-campaign sweeper
	moveTicker := time.NewTicker(time.Second)
	sweepTicker := time.NewTicker(cfg.SweepInterval)
	defer moveTicker.Stop()
	defer sweepTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-moveTicker.C:
			if _, err := taskQueue.MoveDueTasks(ctx); err != nil && ctx.Err() == nil {
				log.Error("failed to promote scheduled tasks", zap.Error(err))
			}
		case <-sweepTicker.C:
			runStaleSweep(ctx, campaignRepo, taskQueue, cfg, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

// runStaleSweep requeues work for campaigns stuck in sending with no recent
// progress. A campaign whose checkpoint never reached monitoring lost its
// dispatch mid-flight and needs the pipeline re-driven; everything else just
// gets another monitor tick. Both handlers are idempotent, so a spurious
// requeue is harmless.
func runStaleSweep(ctx context.Context, campaignRepo *repositories.CampaignRepo, taskQueue *queue.Queue, cfg *config.Config, log *zap.Logger) {
	stale, err := campaignRepo.ListStaleSending(ctx, int(cfg.SweepStaleAfter.Seconds()), 50)
	if err != nil {
		log.Error("failed to list stale campaigns", zap.Error(err))
		return
	}

	for _, c := range stale {
		task := queue.Task{Type: queue.TaskMonitorTick, CampaignID: c.ID, Attempt: 1}
		if c.PipelineStep == models.PipelineStepInitializing || c.PipelineStep == models.PipelineStepDispatching {
			task.Type = queue.TaskRunPipeline
		}
		log.Info("requeueing task for stale campaign",
			zap.String("campaign_id", c.ID.String()),
			zap.String("type", task.Type))
		if err := taskQueue.EnqueueTask(ctx, task); err != nil {
			log.Error("failed to requeue stale campaign", zap.String("campaign_id", c.ID.String()), zap.Error(err))
		}
	}
}
