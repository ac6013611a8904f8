package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/teamcast/backend/internal/events"
	"github.com/teamcast/backend/internal/models"
	"github.com/teamcast/backend/internal/queue"
	"go.uber.org/zap"
)

// errCanceled aborts the pipeline from a stage boundary when the author has
// requested cancellation. It routes through the same compensation path as a
// fatal error.
var errCanceled = errors.New("cancel requested")

// Orchestrator sequences one campaign through
// resolve -> plan -> initialize -> dispatch -> monitor. Each stage checkpoint
// is persisted before the stage runs; any pipeline-critical failure triggers
// compensation that rolls the campaign back to an editable draft.
type Orchestrator struct {
	campaigns  CampaignStore
	ledger     Ledger
	resolver   *Resolver
	dispatcher *Dispatcher
	monitor    *Monitor
	publisher  events.Publisher
	audit      AuditLogger

	batchSize           int
	dispatchConcurrency int
	retryAttempts       int
	retryBackoff        time.Duration

	log *zap.Logger
}

func NewOrchestrator(
	campaigns CampaignStore,
	ledger Ledger,
	resolver *Resolver,
	dispatcher *Dispatcher,
	monitor *Monitor,
	publisher events.Publisher,
	audit AuditLogger,
	batchSize, dispatchConcurrency, retryAttempts int,
	retryBackoff time.Duration,
	log *zap.Logger,
) *Orchestrator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if dispatchConcurrency <= 0 {
		dispatchConcurrency = 1
	}
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	return &Orchestrator{
		campaigns:           campaigns,
		ledger:              ledger,
		resolver:            resolver,
		dispatcher:          dispatcher,
		monitor:             monitor,
		publisher:           publisher,
		audit:               audit,
		batchSize:           batchSize,
		dispatchConcurrency: dispatchConcurrency,
		retryAttempts:       retryAttempts,
		retryBackoff:        retryBackoff,
		log:                 log,
	}
}

// HandleTask dispatches one queue task to the right pipeline entry point.
func (o *Orchestrator) HandleTask(ctx context.Context, task queue.Task) error {
	switch task.Type {
	case queue.TaskRunPipeline:
		return o.Run(ctx, task.CampaignID)
	case queue.TaskMonitorTick:
		return o.monitor.HandleTick(ctx, task.CampaignID, task.Attempt)
	}
	o.log.Warn("unknown task type dropped", zap.String("type", task.Type))
	return nil
}

// Run drives a submitted campaign through the pipeline. The campaign must be
// in the preparing state (set by submit, which is the single-flight lock);
// anything else means a duplicate or stale task and is dropped.
func (o *Orchestrator) Run(ctx context.Context, campaignID uuid.UUID) error {
	c, err := o.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			o.log.Warn("pipeline task for unknown campaign", zap.String("campaign_id", campaignID.String()))
			return nil
		}
		return err
	}
	log := o.log.With(zap.String("campaign_id", campaignID.String()))

	if c.State == models.CampaignStateSending {
		// A redelivered task for a run that crashed mid-send. The ledger's
		// terminal-status filter makes re-driving the remainder safe.
		switch c.PipelineStep {
		case models.PipelineStepInitializing, models.PipelineStepDispatching:
			return o.resumeDispatch(ctx, c, log)
		case models.PipelineStepMonitoring:
			// Dispatch finished but the monitor handoff may have been lost.
			// An extra tick alongside a surviving one is harmless.
			return o.withRetry(ctx, "schedule completion monitor", func(ctx context.Context) error {
				return o.monitor.Schedule(ctx, c.ID)
			})
		}
	}
	if c.State != models.CampaignStatePreparing {
		o.log.Info("dropping duplicate pipeline task",
			zap.String("campaign_id", campaignID.String()),
			zap.String("state", c.State))
		return nil
	}

	result, err := o.prepare(ctx, c, log)
	if err != nil {
		return o.fail(ctx, campaignID, err)
	}

	if len(result.Recipients) == 0 {
		// Nothing to send; settle immediately rather than spinning up the
		// monitor for an empty ledger.
		if err := o.campaigns.MarkSending(ctx, campaignID, 0); err != nil {
			return o.fail(ctx, campaignID, err)
		}
		if err := o.campaigns.AppendWarnings(ctx, campaignID, []string{"audience resolved to zero recipients"}); err != nil {
			return o.fail(ctx, campaignID, err)
		}
		if err := o.campaigns.Finalize(ctx, campaignID, models.CampaignStateCompleted, models.StatusCounts{}); err != nil {
			return o.fail(ctx, campaignID, err)
		}
		log.Info("campaign completed with empty audience")
		return nil
	}

	if err := o.sendPhase(ctx, c, result, log); err != nil {
		return o.fail(ctx, campaignID, err)
	}
	return nil
}

// prepare covers the resolving and planning checkpoints and returns the
// resolved audience.
func (o *Orchestrator) prepare(ctx context.Context, c *models.Campaign, log *zap.Logger) (*ResolveResult, error) {
	if err := o.checkCancel(ctx, c.ID); err != nil {
		return nil, err
	}

	if err := o.campaigns.SetPipelineStep(ctx, c.ID, models.PipelineStepResolving); err != nil {
		return nil, err
	}
	var result *ResolveResult
	err := o.withRetry(ctx, "resolve audience", func(ctx context.Context) error {
		var err error
		result, err = o.resolver.Resolve(ctx, c.Audience)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := o.campaigns.AppendWarnings(ctx, c.ID, result.Warnings); err != nil {
		return nil, err
	}
	log.Info("audience resolved",
		zap.Int("recipients", len(result.Recipients)),
		zap.Int("warnings", len(result.Warnings)))
	return result, nil
}

// sendPhase covers initializing, dispatching and the monitoring handoff.
func (o *Orchestrator) sendPhase(ctx context.Context, c *models.Campaign, result *ResolveResult, log *zap.Logger) error {
	if err := o.checkCancel(ctx, c.ID); err != nil {
		return err
	}

	if err := o.campaigns.SetPipelineStep(ctx, c.ID, models.PipelineStepPlanning); err != nil {
		return err
	}
	batches := PlanBatches(result.Recipients, o.batchSize)

	if err := o.campaigns.SetPipelineStep(ctx, c.ID, models.PipelineStepInitializing); err != nil {
		return err
	}
	ids := recipientIDs(result.Recipients)
	if err := o.withRetry(ctx, "initialize ledger", func(ctx context.Context) error {
		return o.ledger.InitializePending(ctx, c.ID, ids)
	}); err != nil {
		return err
	}
	if err := o.campaigns.MarkSending(ctx, c.ID, len(result.Recipients)); err != nil {
		return err
	}
	o.publishState(ctx, c.ID, models.CampaignStatePreparing, models.CampaignStateSending)
	_ = o.audit.Log(ctx, models.AuditLog{
		ActorType:  "pipeline",
		Action:     "campaign_sending",
		EntityType: "campaign",
		EntityID:   &c.ID,
		Meta:       map[string]any{"recipients": len(result.Recipients), "batches": len(batches)},
	})

	return o.finishDispatch(ctx, c, batches, log)
}

// finishDispatch covers the dispatching checkpoint and the monitoring handoff.
// It is the shared tail of a fresh send and a resumed one.
func (o *Orchestrator) finishDispatch(ctx context.Context, c *models.Campaign, batches []models.Batch, log *zap.Logger) error {
	if err := o.checkCancel(ctx, c.ID); err != nil {
		return err
	}

	if err := o.campaigns.SetPipelineStep(ctx, c.ID, models.PipelineStepDispatching); err != nil {
		return err
	}
	o.dispatchBatches(ctx, c, batches, log)

	if err := o.checkCancel(ctx, c.ID); err != nil {
		return err
	}

	if err := o.campaigns.SetPipelineStep(ctx, c.ID, models.PipelineStepMonitoring); err != nil {
		return err
	}
	if err := o.withRetry(ctx, "schedule completion monitor", func(ctx context.Context) error {
		return o.monitor.Schedule(ctx, c.ID)
	}); err != nil {
		return err
	}

	log.Info("dispatch finished, monitoring scheduled", zap.Int("batches", len(batches)))
	return nil
}

// resumeDispatch re-drives a campaign a crashed worker left mid-send. The
// audience is re-resolved (descriptors are not persisted anywhere else) and
// the dispatcher's terminal-status filter skips every recipient the first run
// already handled, so only the stranded pending remainder goes out.
func (o *Orchestrator) resumeDispatch(ctx context.Context, c *models.Campaign, log *zap.Logger) error {
	log.Info("resuming interrupted dispatch", zap.String("step", c.PipelineStep))

	if err := o.checkCancel(ctx, c.ID); err != nil {
		return o.fail(ctx, c.ID, err)
	}

	var result *ResolveResult
	err := o.withRetry(ctx, "resolve audience", func(ctx context.Context) error {
		var err error
		result, err = o.resolver.Resolve(ctx, c.Audience)
		return err
	})
	if err != nil {
		return o.fail(ctx, c.ID, err)
	}

	// Ledger rows from the first run survive; this only tops up any the crash
	// lost and never regresses a status already written.
	if err := o.withRetry(ctx, "initialize ledger", func(ctx context.Context) error {
		return o.ledger.InitializePending(ctx, c.ID, recipientIDs(result.Recipients))
	}); err != nil {
		return o.fail(ctx, c.ID, err)
	}

	if err := o.finishDispatch(ctx, c, PlanBatches(result.Recipients, o.batchSize), log); err != nil {
		return o.fail(ctx, c.ID, err)
	}
	return nil
}

// dispatchBatches fans batches out under the concurrency ceiling. A batch
// that exhausts its retries is a per-recipient failure, not a pipeline one:
// its unsent recipients are marked failed with a warning and the campaign
// proceeds.
func (o *Orchestrator) dispatchBatches(ctx context.Context, c *models.Campaign, batches []models.Batch, log *zap.Logger) {
	sem := make(chan struct{}, o.dispatchConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var warnings []string

	for _, batch := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(batch models.Batch) {
			defer wg.Done()
			defer func() { <-sem }()

			var unsent []string
			err := o.withRetry(ctx, fmt.Sprintf("dispatch batch %d", batch.Index), func(ctx context.Context) error {
				var err error
				unsent, err = o.dispatcher.Dispatch(ctx, c, batch)
				return err
			})
			if err == nil {
				return
			}

			if len(unsent) == 0 {
				unsent = recipientIDs(batch.Recipients)
			}
			if markErr := o.ledger.MarkStatus(ctx, c.ID, unsent, models.StatusFailed); markErr != nil {
				log.Error("failed to mark undeliverable recipients",
					zap.Int("batch", batch.Index), zap.Error(markErr))
			}
			mu.Lock()
			warnings = append(warnings, fmt.Sprintf("batch %d: %d recipients failed to dispatch: %v", batch.Index, len(unsent), err))
			mu.Unlock()
		}(batch)
	}
	wg.Wait()

	if len(warnings) > 0 {
		if err := o.campaigns.AppendWarnings(ctx, c.ID, warnings); err != nil {
			log.Error("failed to record dispatch warnings", zap.Error(err))
		}
	}
}

func (o *Orchestrator) checkCancel(ctx context.Context, id uuid.UUID) error {
	requested, err := o.campaigns.IsCancelRequested(ctx, id)
	if err != nil {
		return err
	}
	if requested {
		return errCanceled
	}
	return nil
}

// fail runs the compensation path and reports the cause.
func (o *Orchestrator) fail(ctx context.Context, id uuid.UUID, cause error) error {
	reason := "canceled by author"
	if !errors.Is(cause, errCanceled) {
		reason = cause.Error()
		o.log.Error("pipeline failed, compensating",
			zap.String("campaign_id", id.String()),
			zap.Error(cause))
	}
	return compensate(ctx, o.campaigns, o.ledger, o.audit, o.publisher, "pipeline", id, reason)
}

// withRetry applies the bounded fixed-backoff policy to one external-call
// step. Exhausting it escalates to the caller's tier.
func (o *Orchestrator) withRetry(ctx context.Context, name string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= o.retryAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		o.log.Warn("step attempt failed",
			zap.String("step", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", o.retryAttempts),
			zap.Error(err))
		if attempt < o.retryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.retryBackoff):
			}
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (o *Orchestrator) publishState(ctx context.Context, id uuid.UUID, oldState, newState string) {
	_ = o.publisher.Publish(ctx, events.StreamCampaign, events.Event{
		Type: events.EventCampaignStateChanged,
		Payload: map[string]any{
			"campaign_id": id.String(),
			"old_state":   oldState,
			"new_state":   newState,
		},
	})
}

// compensate rolls a half-run pipeline back: ledger rows are deleted and the
// campaign returns to draft with the triggering reason attached. Shared by
// the orchestrator's failure path and the monitor's cancel path.
func compensate(
	ctx context.Context,
	campaigns CampaignStore,
	ledger Ledger,
	audit AuditLogger,
	publisher events.Publisher,
	actor string,
	id uuid.UUID,
	reason string,
) error {
	if err := ledger.DeleteCampaign(ctx, id); err != nil {
		return fmt.Errorf("compensation: delete ledger rows: %w", err)
	}
	if err := campaigns.ResetToDraft(ctx, id, reason); err != nil {
		return fmt.Errorf("compensation: reset campaign: %w", err)
	}
	_ = audit.Log(ctx, models.AuditLog{
		ActorType:  actor,
		Action:     "campaign_rolled_back",
		EntityType: "campaign",
		EntityID:   &id,
		Meta:       map[string]any{"reason": reason},
	})
	_ = publisher.Publish(ctx, events.StreamCampaign, events.Event{
		Type: events.EventCampaignStateChanged,
		Payload: map[string]any{
			"campaign_id": id.String(),
			"new_state":   models.CampaignStateDraft,
			"reason":      reason,
		},
	})
	return nil
}
