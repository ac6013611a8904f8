package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/teamcast/backend/internal/events"
	"github.com/teamcast/backend/internal/models"
	"github.com/teamcast/backend/internal/queue"
	"go.uber.org/zap"
)

// Monitor polls the ledger aggregate until every recipient reaches a terminal
// status or the campaign's budget runs out. Each tick is a queue task that
// reschedules itself with a delay, so no worker goroutine is parked for the
// lifetime of a campaign.
type Monitor struct {
	campaigns CampaignStore
	ledger    Ledger
	tasks     TaskQueue
	publisher events.Publisher
	audit     AuditLogger

	initialDelay time.Duration
	interval     time.Duration
	maxWait      time.Duration

	log *zap.Logger
}

func NewMonitor(
	campaigns CampaignStore,
	ledger Ledger,
	tasks TaskQueue,
	publisher events.Publisher,
	audit AuditLogger,
	initialDelay, interval, maxWait time.Duration,
	log *zap.Logger,
) *Monitor {
	return &Monitor{
		campaigns:    campaigns,
		ledger:       ledger,
		tasks:        tasks,
		publisher:    publisher,
		audit:        audit,
		initialDelay: initialDelay,
		interval:     interval,
		maxWait:      maxWait,
		log:          log,
	}
}

// Schedule queues the first tick after the settle delay, giving the transport
// time to drain before the first aggregate read.
func (m *Monitor) Schedule(ctx context.Context, campaignID uuid.UUID) error {
	return m.tasks.EnqueueTaskDelayed(ctx, queue.Task{
		Type:       queue.TaskMonitorTick,
		CampaignID: campaignID,
		Attempt:    1,
	}, m.initialDelay)
}

// HandleTick runs one poll. Outcomes: finalize completed, force-complete past
// the budget, compensate a requested cancel, or reschedule.
func (m *Monitor) HandleTick(ctx context.Context, campaignID uuid.UUID, attempt int) error {
	c, err := m.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			m.log.Warn("monitor tick for unknown campaign", zap.String("campaign_id", campaignID.String()))
			return nil
		}
		return err
	}
	if c.State != models.CampaignStateSending {
		// A duplicate or stale tick; the campaign already settled.
		return nil
	}

	if c.CancelRequested {
		return compensate(ctx, m.campaigns, m.ledger, m.audit, m.publisher, "monitor", campaignID, "canceled by author during send")
	}

	counts, err := m.ledger.AggregateCounts(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("aggregate counts: %w", err)
	}

	m.publishProgress(ctx, c, counts, attempt)

	if counts.Pending == 0 {
		return m.finalize(ctx, c, counts, nil)
	}

	if m.budgetExhausted(c) {
		swept, err := m.ledger.FailPending(ctx, campaignID, models.StatusUnknown)
		if err != nil {
			return fmt.Errorf("force completion sweep: %w", err)
		}
		counts.Unknown += swept
		counts.Pending = 0
		warning := fmt.Sprintf("forced completion: %d recipients never reached a terminal status within %s", swept, m.maxWait)
		m.log.Warn("campaign forcibly completed",
			zap.String("campaign_id", campaignID.String()),
			zap.Int("swept", swept))
		return m.finalize(ctx, c, counts, []string{warning})
	}

	return m.tasks.EnqueueTaskDelayed(ctx, queue.Task{
		Type:       queue.TaskMonitorTick,
		CampaignID: campaignID,
		Attempt:    attempt + 1,
	}, m.interval)
}

func (m *Monitor) budgetExhausted(c *models.Campaign) bool {
	started := c.CreatedAt
	if c.SendingStartedAt != nil {
		started = *c.SendingStartedAt
	}
	return time.Since(started) > m.maxWait
}

func (m *Monitor) finalize(ctx context.Context, c *models.Campaign, counts models.StatusCounts, warnings []string) error {
	if err := m.campaigns.AppendWarnings(ctx, c.ID, warnings); err != nil {
		return err
	}
	if err := m.campaigns.Finalize(ctx, c.ID, models.CampaignStateCompleted, counts); err != nil {
		return fmt.Errorf("finalize campaign: %w", err)
	}

	_ = m.audit.Log(ctx, models.AuditLog{
		ActorType:  "monitor",
		Action:     "campaign_completed",
		EntityType: "campaign",
		EntityID:   &c.ID,
		Meta: map[string]any{
			"dispatched": counts.Dispatched,
			"failed":     counts.Failed,
			"unknown":    counts.Unknown,
			"forced":     len(warnings) > 0,
		},
	})
	_ = m.publisher.Publish(ctx, events.StreamCampaign, events.Event{
		Type: events.EventCampaignStateChanged,
		Payload: map[string]any{
			"campaign_id": c.ID.String(),
			"old_state":   models.CampaignStateSending,
			"new_state":   models.CampaignStateCompleted,
		},
	})

	m.log.Info("campaign completed",
		zap.String("campaign_id", c.ID.String()),
		zap.Int("dispatched", counts.Dispatched),
		zap.Int("failed", counts.Failed),
		zap.Int("unknown", counts.Unknown))
	return nil
}

func (m *Monitor) publishProgress(ctx context.Context, c *models.Campaign, counts models.StatusCounts, attempt int) {
	_ = m.publisher.Publish(ctx, events.StreamCampaign, events.Event{
		Type: events.EventCampaignProgress,
		Payload: map[string]any{
			"campaign_id": c.ID.String(),
			"pending":     counts.Pending,
			"dispatched":  counts.Dispatched,
			"failed":      counts.Failed,
			"unknown":     counts.Unknown,
			"total":       counts.Total,
			"tick":        attempt,
		},
	})
}
