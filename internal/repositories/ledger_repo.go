package repositories

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teamcast/backend/internal/models"
)

// LedgerRepo is the durable per-(campaign, recipient) status store. Writes
// are upserts keyed by recipient id, so concurrent dispatch workers converge
// without any cross-worker lock.
type LedgerRepo struct {
	pool     *pgxpool.Pool
	pageSize int
}

func NewLedgerRepo(pool *pgxpool.Pool, pageSize int) *LedgerRepo {
	if pageSize <= 0 {
		pageSize = 100000
	}
	return &LedgerRepo{pool: pool, pageSize: pageSize}
}

// InitializePending seeds one pending row per recipient. ON CONFLICT DO
// NOTHING makes re-running it a no-op: row count stays stable and a recipient
// already dispatched or failed is never regressed to pending.
func (r *LedgerRepo) InitializePending(ctx context.Context, campaignID uuid.UUID, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO status_entries (campaign_id, recipient_id, status)
		SELECT $1, unnest($2::text[]), $3
		ON CONFLICT (campaign_id, recipient_id) DO NOTHING
	`, campaignID, recipientIDs, models.StatusPending)
	if err != nil {
		return fmt.Errorf("initialize pending: %w", err)
	}
	return nil
}

// MarkStatus bulk-upserts the given code for a set of recipients.
// Last-writer-wins; safe to call more than once for the same recipient.
func (r *LedgerRepo) MarkStatus(ctx context.Context, campaignID uuid.UUID, recipientIDs []string, code models.StatusCode) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO status_entries (campaign_id, recipient_id, status)
		SELECT $1, unnest($2::text[]), $3
		ON CONFLICT (campaign_id, recipient_id)
		DO UPDATE SET status = EXCLUDED.status, updated_at = now()
	`, campaignID, recipientIDs, code)
	if err != nil {
		return fmt.Errorf("mark status %s: %w", code, err)
	}
	return nil
}

// ListStatuses returns one page of ledger rows in recipient-id order, at most
// the configured page cap per call. A non-empty continuation token signals
// more rows; pass it back to get the next page.
func (r *LedgerRepo) ListStatuses(ctx context.Context, campaignID uuid.UUID, limit int, token string) ([]models.StatusEntry, string, error) {
	if limit <= 0 || limit > r.pageSize {
		limit = r.pageSize
	}
	afterKey, err := DecodePageToken(token)
	if err != nil {
		return nil, "", err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT campaign_id, recipient_id, status, updated_at
		FROM status_entries
		WHERE campaign_id = $1 AND recipient_id > $2
		ORDER BY recipient_id ASC
		LIMIT $3
	`, campaignID, afterKey, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var entries []models.StatusEntry
	for rows.Next() {
		var e models.StatusEntry
		if err := rows.Scan(&e.CampaignID, &e.RecipientID, &e.Status, &e.UpdatedAt); err != nil {
			return nil, "", err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(entries) == limit {
		next = EncodePageToken(entries[len(entries)-1].RecipientID)
	}
	return entries, next, nil
}

// GetStatusSnapshot returns recipient -> status for the given recipients.
// This is the idempotency read dispatch workers filter against before
// re-sending; it is scoped to the caller's batch so the cost tracks the batch
// size, not the whole campaign.
func (r *LedgerRepo) GetStatusSnapshot(ctx context.Context, campaignID uuid.UUID, recipientIDs []string) (map[string]models.StatusCode, error) {
	snapshot := make(map[string]models.StatusCode, len(recipientIDs))
	if len(recipientIDs) == 0 {
		return snapshot, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT recipient_id, status FROM status_entries
		WHERE campaign_id = $1 AND recipient_id = ANY($2::text[])
	`, campaignID, recipientIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var status models.StatusCode
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		snapshot[id] = status
	}
	return snapshot, rows.Err()
}

// AggregateCounts computes the exact per-status totals for a campaign.
// A campaign with no rows yields zero counts, not an error.
func (r *LedgerRepo) AggregateCounts(ctx context.Context, campaignID uuid.UUID) (models.StatusCounts, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM status_entries
		WHERE campaign_id = $1 GROUP BY status
	`, campaignID)
	if err != nil {
		return models.StatusCounts{}, err
	}
	defer rows.Close()

	var counts models.StatusCounts
	for rows.Next() {
		var status models.StatusCode
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.StatusCounts{}, err
		}
		switch status {
		case models.StatusPending:
			counts.Pending = n
		case models.StatusDispatched:
			counts.Dispatched = n
		case models.StatusFailed:
			counts.Failed = n
		case models.StatusUnknown:
			counts.Unknown = n
		}
		counts.Total += n
	}
	return counts, rows.Err()
}

// FailPending sweeps every still-pending row to the given terminal code and
// returns how many were swept. Used by forced completion.
func (r *LedgerRepo) FailPending(ctx context.Context, campaignID uuid.UUID, code models.StatusCode) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE status_entries SET status = $1, updated_at = now()
		WHERE campaign_id = $2 AND status = $3
	`, code, campaignID, models.StatusPending)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// DeleteCampaign removes every ledger row for the campaign. Only called on
// campaign-creation rollback (compensation).
func (r *LedgerRepo) DeleteCampaign(ctx context.Context, campaignID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM status_entries WHERE campaign_id = $1`, campaignID)
	return err
}

// EncodePageToken wraps the last-seen recipient id into an opaque token.
func EncodePageToken(lastKey string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(lastKey))
}

// DecodePageToken unwraps a continuation token; empty token means first page.
func DecodePageToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("invalid page token: %w", err)
	}
	return string(raw), nil
}
