package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teamcast/backend/internal/models"
)

type CampaignRepo struct {
	pool *pgxpool.Pool
}

func NewCampaignRepo(pool *pgxpool.Pool) *CampaignRepo {
	return &CampaignRepo{pool: pool}
}

const campaignColumns = `
	id, title, content_ref, audience_kind, audience_ids, state, pipeline_step,
	total_recipients, succeeded, failed, unknown, canceled, warnings,
	error_message, cancel_requested, created_at, sending_started_at,
	completed_at, updated_at`

func scanCampaign(row interface{ Scan(dest ...any) error }) (*models.Campaign, error) {
	var c models.Campaign
	err := row.Scan(&c.ID, &c.Title, &c.ContentRef, &c.Audience.Kind, &c.Audience.IDs,
		&c.State, &c.PipelineStep, &c.TotalRecipients, &c.Succeeded, &c.Failed,
		&c.Unknown, &c.Canceled, &c.Warnings, &c.ErrorMessage, &c.CancelRequested,
		&c.CreatedAt, &c.SendingStartedAt, &c.CompletedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepo) Create(ctx context.Context, c *models.Campaign) error {
	if c.State == "" {
		c.State = models.CampaignStateDraft
	}
	if c.Audience.IDs == nil {
		c.Audience.IDs = []string{}
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO campaigns (title, content_ref, audience_kind, audience_ids, state)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, c.Title, c.ContentRef, c.Audience.Kind, c.Audience.IDs, c.State,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (r *CampaignRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	return scanCampaign(row)
}

// TryTransition flips state from -> to only when the row still holds the
// expected source state. The false return is the single-flight rejection: a
// concurrent submit lost the race and must not re-enter the pipeline.
func (r *CampaignRepo) TryTransition(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	if !models.IsValidTransition(from, to) {
		return false, fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET state = $1, updated_at = now()
		WHERE id = $2 AND state = $3
	`, to, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetPipelineStep checkpoints the stage about to run.
func (r *CampaignRepo) SetPipelineStep(ctx context.Context, id uuid.UUID, step string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET pipeline_step = $1, updated_at = now() WHERE id = $2
	`, step, id)
	return err
}

// MarkSending records the handoff from preparation to dispatch: the recipient
// total is now known and the monitor budget clock starts.
func (r *CampaignRepo) MarkSending(ctx context.Context, id uuid.UUID, totalRecipients int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE campaigns
		SET state = $1, total_recipients = $2, sending_started_at = now(), updated_at = now()
		WHERE id = $3 AND state = $4
	`, models.CampaignStateSending, totalRecipients, id, models.CampaignStatePreparing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s is not in %s state", id, models.CampaignStatePreparing)
	}
	return nil
}

func (r *CampaignRepo) AppendWarnings(ctx context.Context, id uuid.UUID, warnings []string) error {
	if len(warnings) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET warnings = warnings || $1, updated_at = now() WHERE id = $2
	`, warnings, id)
	return err
}

// Finalize moves the campaign into a terminal state and copies the ledger
// aggregate into the user-visible counters.
func (r *CampaignRepo) Finalize(ctx context.Context, id uuid.UUID, state string, counts models.StatusCounts) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE campaigns
		SET state = $1, pipeline_step = '', succeeded = $2, failed = $3,
		    unknown = $4, completed_at = now(), updated_at = now()
		WHERE id = $5
	`, state, counts.Dispatched, counts.Failed, counts.Unknown, id)
	return err
}

// ResetToDraft is the compensation path: the campaign returns to an editable
// draft with the triggering error attached, never stuck half-sent.
func (r *CampaignRepo) ResetToDraft(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE campaigns
		SET state = $1, pipeline_step = '', total_recipients = 0, succeeded = 0,
		    failed = 0, unknown = 0, canceled = 0, warnings = '{}',
		    error_message = $2, cancel_requested = FALSE,
		    sending_started_at = NULL, updated_at = now()
		WHERE id = $3
	`, models.CampaignStateDraft, reason, id)
	return err
}

// RequestCancel flags an in-flight campaign; the orchestrator picks the flag
// up at its next stage boundary. Returns false when the campaign is not
// in-flight.
func (r *CampaignRepo) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET cancel_requested = TRUE, updated_at = now()
		WHERE id = $1 AND state = ANY($2)
	`, id, []string{models.CampaignStatePreparing, models.CampaignStateSending})
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// IsCancelRequested is the cheap point read used at stage boundaries.
func (r *CampaignRepo) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := r.pool.QueryRow(ctx, `SELECT cancel_requested FROM campaigns WHERE id = $1`, id).Scan(&requested)
	return requested, err
}

type CampaignFilter struct {
	State  *string
	Limit  int
	Offset int
}

func (r *CampaignRepo) List(ctx context.Context, f CampaignFilter) ([]models.Campaign, error) {
	query := `SELECT` + campaignColumns + ` FROM campaigns`
	args := []any{}
	argIdx := 1

	if f.State != nil {
		query += fmt.Sprintf(" WHERE state = $%d", argIdx)
		args = append(args, *f.State)
		argIdx++
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// ListStaleSending finds campaigns stuck mid-send with no recent progress so
// the sweeper can re-drive them.
func (r *CampaignRepo) ListStaleSending(ctx context.Context, staleAfterSeconds int, limit int) ([]models.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT`+campaignColumns+`
		FROM campaigns
		WHERE state = $1 AND updated_at < now() - make_interval(secs => $2)
		ORDER BY updated_at ASC LIMIT $3
	`, models.CampaignStateSending, staleAfterSeconds, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}
