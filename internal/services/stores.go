package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/teamcast/backend/internal/models"
	"github.com/teamcast/backend/internal/queue"
	"github.com/teamcast/backend/internal/repositories"
)

// CampaignStore is the campaign persistence surface the pipeline drives.
// Implemented by repositories.CampaignRepo.
type CampaignStore interface {
	Create(ctx context.Context, c *models.Campaign) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	List(ctx context.Context, f repositories.CampaignFilter) ([]models.Campaign, error)
	TryTransition(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	SetPipelineStep(ctx context.Context, id uuid.UUID, step string) error
	MarkSending(ctx context.Context, id uuid.UUID, totalRecipients int) error
	AppendWarnings(ctx context.Context, id uuid.UUID, warnings []string) error
	Finalize(ctx context.Context, id uuid.UUID, state string, counts models.StatusCounts) error
	ResetToDraft(ctx context.Context, id uuid.UUID, reason string) error
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
}

// Ledger is the per-(campaign, recipient) status store. Implemented by
// repositories.LedgerRepo.
type Ledger interface {
	InitializePending(ctx context.Context, campaignID uuid.UUID, recipientIDs []string) error
	MarkStatus(ctx context.Context, campaignID uuid.UUID, recipientIDs []string, code models.StatusCode) error
	GetStatusSnapshot(ctx context.Context, campaignID uuid.UUID, recipientIDs []string) (map[string]models.StatusCode, error)
	ListStatuses(ctx context.Context, campaignID uuid.UUID, limit int, token string) ([]models.StatusEntry, string, error)
	AggregateCounts(ctx context.Context, campaignID uuid.UUID) (models.StatusCounts, error)
	FailPending(ctx context.Context, campaignID uuid.UUID, code models.StatusCode) (int, error)
	DeleteCampaign(ctx context.Context, campaignID uuid.UUID) error
}

// TaskQueue feeds the pipeline workers, immediately or after a delay.
type TaskQueue interface {
	EnqueueTask(ctx context.Context, task queue.Task) error
	EnqueueTaskDelayed(ctx context.Context, task queue.Task, delay time.Duration) error
}

// OutboundQueue hands send requests to the external transport. The returned
// slice holds indexes of messages that failed to enqueue.
type OutboundQueue interface {
	EnqueueOutboundBatch(ctx context.Context, msgs []queue.OutboundMessage) ([]int, error)
}

// AuditLogger records pipeline actions. Implemented by repositories.AuditRepo.
type AuditLogger interface {
	Log(ctx context.Context, entry models.AuditLog) error
}
