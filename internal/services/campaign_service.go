package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/teamcast/backend/internal/events"
	"github.com/teamcast/backend/internal/models"
	"github.com/teamcast/backend/internal/queue"
	"github.com/teamcast/backend/internal/repositories"
	"go.uber.org/zap"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	// ErrNotSubmittable means the campaign is not in draft state: either it
	// already finished or a pipeline run holds the single-flight lock.
	ErrNotSubmittable = errors.New("campaign is not in draft state")
	ErrNotCancelable  = errors.New("campaign is not in flight")
)

// CampaignService is the boundary the authoring layer talks to: draft CRUD,
// submit, cancel and status reads. Validation failures are rejected here and
// never enter the pipeline.
type CampaignService struct {
	campaigns CampaignStore
	ledger    Ledger
	tasks     TaskQueue
	publisher events.Publisher
	audit     AuditLogger
	log       *zap.Logger
}

func NewCampaignService(
	campaigns CampaignStore,
	ledger Ledger,
	tasks TaskQueue,
	publisher events.Publisher,
	audit AuditLogger,
	log *zap.Logger,
) *CampaignService {
	return &CampaignService{
		campaigns: campaigns,
		ledger:    ledger,
		tasks:     tasks,
		publisher: publisher,
		audit:     audit,
		log:       log,
	}
}

func (s *CampaignService) Create(ctx context.Context, c *models.Campaign) error {
	if c.Title == "" || c.ContentRef == "" {
		return fmt.Errorf("title and content_ref are required")
	}
	if !c.Audience.Validate() {
		return fmt.Errorf("invalid audience spec: kind must be one of all_users/rosters/channels/groups, with ids for all but all_users")
	}
	c.State = models.CampaignStateDraft

	if err := s.campaigns.Create(ctx, c); err != nil {
		return err
	}

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorType:  "api",
		Action:     "campaign_created",
		EntityType: "campaign",
		EntityID:   &c.ID,
		Meta:       map[string]any{"audience_kind": c.Audience.Kind},
	})
	return nil
}

func (s *CampaignService) GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	c, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *CampaignService) List(ctx context.Context, f repositories.CampaignFilter) ([]models.Campaign, error) {
	return s.campaigns.List(ctx, f)
}

// ListStatuses exposes one page of per-recipient ledger rows with a
// continuation token, for UI drill-down on large campaigns.
func (s *CampaignService) ListStatuses(ctx context.Context, id uuid.UUID, limit int, token string) ([]models.StatusEntry, string, error) {
	if _, err := s.GetByID(ctx, id); err != nil {
		return nil, "", err
	}
	return s.ledger.ListStatuses(ctx, id, limit, token)
}

// Submit moves a draft into the pipeline. The draft -> preparing transition
// doubles as the single-flight lock: a concurrent duplicate submit loses the
// conditional update and is rejected.
func (s *CampaignService) Submit(ctx context.Context, id uuid.UUID) error {
	c, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !c.Audience.Validate() {
		return fmt.Errorf("invalid audience spec")
	}

	ok, err := s.campaigns.TryTransition(ctx, id, models.CampaignStateDraft, models.CampaignStatePreparing)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotSubmittable
	}

	if err := s.tasks.EnqueueTask(ctx, queue.Task{Type: queue.TaskRunPipeline, CampaignID: id, Attempt: 1}); err != nil {
		// Hand the lock back or the campaign is stuck in preparing with no
		// task to drive it.
		if _, revertErr := s.campaigns.TryTransition(ctx, id, models.CampaignStatePreparing, models.CampaignStateDraft); revertErr != nil {
			s.log.Error("failed to revert submit after enqueue error",
				zap.String("campaign_id", id.String()), zap.Error(revertErr))
		}
		return fmt.Errorf("enqueue pipeline task: %w", err)
	}

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorType:  "api",
		Action:     "campaign_submitted",
		EntityType: "campaign",
		EntityID:   &id,
	})
	_ = s.publisher.Publish(ctx, events.StreamCampaign, events.Event{
		Type: events.EventCampaignStateChanged,
		Payload: map[string]any{
			"campaign_id": id.String(),
			"old_state":   models.CampaignStateDraft,
			"new_state":   models.CampaignStatePreparing,
		},
	})

	s.log.Info("campaign submitted", zap.String("campaign_id", id.String()))
	return nil
}

// Cancel flags an in-flight campaign for cancellation. The pipeline picks the
// flag up at its next stage boundary or monitor tick and rolls the campaign
// back to draft.
func (s *CampaignService) Cancel(ctx context.Context, id uuid.UUID) error {
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}

	ok, err := s.campaigns.RequestCancel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotCancelable
	}

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorType:  "api",
		Action:     "campaign_cancel_requested",
		EntityType: "campaign",
		EntityID:   &id,
	})

	s.log.Info("campaign cancel requested", zap.String("campaign_id", id.String()))
	return nil
}
