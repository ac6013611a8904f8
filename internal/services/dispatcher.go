package services

import (
	"context"
	"fmt"

	"github.com/teamcast/backend/internal/models"
	"github.com/teamcast/backend/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Dispatcher drives one batch at a time: filter out recipients already at a
// terminal status, bulk-enqueue the rest for the transport, then mark them
// dispatched. Re-running a batch is safe because the ledger snapshot filter
// drops everything a previous run already handled.
type Dispatcher struct {
	ledger   Ledger
	outbound OutboundQueue
	limiter  *rate.Limiter
	log      *zap.Logger
}

func NewDispatcher(ledger Ledger, outbound OutboundQueue, sendRatePerSec int, log *zap.Logger) *Dispatcher {
	limit := rate.Inf
	if sendRatePerSec > 0 {
		limit = rate.Limit(sendRatePerSec)
	}
	burst := sendRatePerSec
	if burst <= 0 {
		burst = 1
	}
	return &Dispatcher{
		ledger:   ledger,
		outbound: outbound,
		limiter:  rate.NewLimiter(limit, burst),
		log:      log,
	}
}

// Dispatch sends one batch. On partial enqueue failure only the enqueued
// subset is marked dispatched; the ids that never made it are returned so the
// caller's retry policy can re-drive just that remainder.
func (d *Dispatcher) Dispatch(ctx context.Context, campaign *models.Campaign, batch models.Batch) ([]string, error) {
	snapshot, err := d.ledger.GetStatusSnapshot(ctx, campaign.ID, recipientIDs(batch.Recipients))
	if err != nil {
		return nil, fmt.Errorf("status snapshot: %w", err)
	}

	var survivors []models.RecipientDescriptor
	for _, rec := range batch.Recipients {
		if code, ok := snapshot[rec.RecipientID]; ok && code.IsTerminal() {
			continue
		}
		survivors = append(survivors, rec)
	}
	if len(survivors) == 0 {
		return nil, nil
	}

	msgs := make([]queue.OutboundMessage, len(survivors))
	for i, rec := range survivors {
		msgs[i] = queue.OutboundMessage{
			CampaignID: campaign.ID.String(),
			ContentRef: campaign.ContentRef,
			Recipient:  rec,
		}
	}

	if err := d.pace(ctx, len(msgs)); err != nil {
		return nil, err
	}

	failedIdx, err := d.outbound.EnqueueOutboundBatch(ctx, msgs)
	if err != nil {
		return recipientIDs(survivors), fmt.Errorf("enqueue batch %d: %w", batch.Index, err)
	}

	failed := make(map[int]struct{}, len(failedIdx))
	for _, i := range failedIdx {
		failed[i] = struct{}{}
	}

	var sent, unsent []string
	for i, rec := range survivors {
		if _, ok := failed[i]; ok {
			unsent = append(unsent, rec.RecipientID)
		} else {
			sent = append(sent, rec.RecipientID)
		}
	}

	if err := d.ledger.MarkStatus(ctx, campaign.ID, sent, models.StatusDispatched); err != nil {
		// Nothing was marked; the next attempt re-reads the snapshot and the
		// transport sees at most one duplicate per recipient.
		return unsent, fmt.Errorf("mark dispatched: %w", err)
	}

	if len(unsent) > 0 {
		d.log.Warn("partial enqueue failure",
			zap.String("campaign_id", campaign.ID.String()),
			zap.Int("batch", batch.Index),
			zap.Int("sent", len(sent)),
			zap.Int("unsent", len(unsent)))
		return unsent, fmt.Errorf("batch %d: %d of %d messages failed to enqueue", batch.Index, len(unsent), len(survivors))
	}
	return nil, nil
}

// pace reserves limiter slots for n messages in burst-sized chunks, so a
// batch larger than the per-second rate waits its turn instead of erroring.
func (d *Dispatcher) pace(ctx context.Context, n int) error {
	if d.limiter.Limit() == rate.Inf {
		return nil
	}
	burst := d.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := d.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func recipientIDs(recipients []models.RecipientDescriptor) []string {
	ids := make([]string, len(recipients))
	for i, rec := range recipients {
		ids[i] = rec.RecipientID
	}
	return ids
}
