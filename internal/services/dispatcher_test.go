package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/teamcast/backend/internal/models"
	"go.uber.org/zap"
)

func testCampaign() *models.Campaign {
	return &models.Campaign{
		ID:         uuid.New(),
		Title:      "quarterly update",
		ContentRef: "content/q3",
		State:      models.CampaignStateSending,
	}
}

func TestDispatchMarksEnqueuedRecipients(t *testing.T) {
	ledger := newFakeLedger()
	outbound := &fakeOutbound{}
	c := testCampaign()
	batch := models.Batch{Index: 0, Recipients: users("u1", "u2", "u3")}
	_ = ledger.InitializePending(context.Background(), c.ID, []string{"u1", "u2", "u3"})

	d := NewDispatcher(ledger, outbound, 0, zap.NewNop())
	unsent, err := d.Dispatch(context.Background(), c, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(unsent) != 0 {
		t.Fatalf("want no unsent recipients, got %v", unsent)
	}
	if outbound.count() != 3 {
		t.Fatalf("want 3 enqueued messages, got %d", outbound.count())
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		if code, _ := ledger.status(c.ID, id); code != models.StatusDispatched {
			t.Errorf("%s: got status %s, want dispatched", id, code)
		}
	}
}

func TestDispatchSkipsTerminalRecipients(t *testing.T) {
	ledger := newFakeLedger()
	outbound := &fakeOutbound{}
	c := testCampaign()
	batch := models.Batch{Index: 0, Recipients: users("u1", "u2", "u3")}
	_ = ledger.InitializePending(context.Background(), c.ID, []string{"u1", "u2", "u3"})
	_ = ledger.MarkStatus(context.Background(), c.ID, []string{"u1"}, models.StatusDispatched)
	_ = ledger.MarkStatus(context.Background(), c.ID, []string{"u3"}, models.StatusFailed)

	d := NewDispatcher(ledger, outbound, 0, zap.NewNop())
	if _, err := d.Dispatch(context.Background(), c, batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outbound.count() != 1 {
		t.Fatalf("only u2 should be enqueued, got %d messages", outbound.count())
	}
	if outbound.enqueued[0].Recipient.RecipientID != "u2" {
		t.Fatalf("enqueued %s, want u2", outbound.enqueued[0].Recipient.RecipientID)
	}
	if code, _ := ledger.status(c.ID, "u3"); code != models.StatusFailed {
		t.Errorf("u3 must stay failed, got %s", code)
	}
}

func TestDispatchRetryDoesNotDuplicate(t *testing.T) {
	ledger := newFakeLedger()
	outbound := &fakeOutbound{}
	c := testCampaign()
	batch := models.Batch{Index: 0, Recipients: users("u1", "u2")}
	_ = ledger.InitializePending(context.Background(), c.ID, []string{"u1", "u2"})

	d := NewDispatcher(ledger, outbound, 0, zap.NewNop())
	if _, err := d.Dispatch(context.Background(), c, batch); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), c, batch); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if outbound.count() != 2 {
		t.Fatalf("re-driving a finished batch must be a no-op, got %d total messages", outbound.count())
	}
}

func TestDispatchPartialEnqueueFailure(t *testing.T) {
	ledger := newFakeLedger()
	outbound := &fakeOutbound{failNext: []int{1}}
	c := testCampaign()
	batch := models.Batch{Index: 2, Recipients: users("u1", "u2", "u3")}
	_ = ledger.InitializePending(context.Background(), c.ID, []string{"u1", "u2", "u3"})

	d := NewDispatcher(ledger, outbound, 0, zap.NewNop())
	unsent, err := d.Dispatch(context.Background(), c, batch)
	if err == nil {
		t.Fatal("expected error on partial enqueue failure")
	}
	if len(unsent) != 1 || unsent[0] != "u2" {
		t.Fatalf("want unsent [u2], got %v", unsent)
	}
	if code, _ := ledger.status(c.ID, "u1"); code != models.StatusDispatched {
		t.Errorf("u1 was enqueued and must be marked dispatched, got %s", code)
	}
	if code, _ := ledger.status(c.ID, "u2"); code != models.StatusPending {
		t.Errorf("u2 never made it out and must stay pending, got %s", code)
	}

	// The retry only re-drives the remainder.
	if _, err := d.Dispatch(context.Background(), c, batch); err != nil {
		t.Fatalf("retry dispatch: %v", err)
	}
	if outbound.count() != 3 {
		t.Fatalf("retry must enqueue only u2, got %d total messages", outbound.count())
	}
}

func TestDispatchWholeBatchFailure(t *testing.T) {
	ledger := newFakeLedger()
	outbound := &fakeOutbound{errAlways: fmt.Errorf("broker down")}
	c := testCampaign()
	batch := models.Batch{Index: 0, Recipients: users("u1", "u2")}
	_ = ledger.InitializePending(context.Background(), c.ID, []string{"u1", "u2"})

	d := NewDispatcher(ledger, outbound, 0, zap.NewNop())
	unsent, err := d.Dispatch(context.Background(), c, batch)
	if err == nil {
		t.Fatal("expected error when the whole batch fails to enqueue")
	}
	if len(unsent) != 2 {
		t.Fatalf("all recipients are unsent, got %v", unsent)
	}
	for _, id := range []string{"u1", "u2"} {
		if code, _ := ledger.status(c.ID, id); code != models.StatusPending {
			t.Errorf("%s must stay pending, got %s", id, code)
		}
	}
}

func TestDispatchRateBelowBatchSize(t *testing.T) {
	ledger := newFakeLedger()
	outbound := &fakeOutbound{}
	c := testCampaign()
	ids := make([]string, 60)
	for i := range ids {
		ids[i] = fmt.Sprintf("u%02d", i)
	}
	batch := models.Batch{Index: 0, Recipients: users(ids...)}
	_ = ledger.InitializePending(context.Background(), c.ID, ids)

	// A per-second rate smaller than the batch must pace the batch out, not
	// reject it.
	d := NewDispatcher(ledger, outbound, 50, zap.NewNop())
	unsent, err := d.Dispatch(context.Background(), c, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(unsent) != 0 {
		t.Fatalf("want no unsent recipients, got %v", unsent)
	}
	if outbound.count() != 60 {
		t.Fatalf("want all 60 messages enqueued, got %d", outbound.count())
	}
}

func TestDispatchSnapshotScopedToBatch(t *testing.T) {
	ledger := newFakeLedger()
	outbound := &fakeOutbound{}
	c := testCampaign()
	all := []string{"u1", "u2", "u3", "u4", "u5", "u6"}
	_ = ledger.InitializePending(context.Background(), c.ID, all)

	d := NewDispatcher(ledger, outbound, 0, zap.NewNop())
	batch := models.Batch{Index: 1, Recipients: users("u3", "u4")}
	if _, err := d.Dispatch(context.Background(), c, batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The status read stays proportional to the batch, never the whole ledger.
	if len(ledger.snapshotReqs) != 1 {
		t.Fatalf("want one snapshot read, got %d", len(ledger.snapshotReqs))
	}
	if got := ledger.snapshotReqs[0]; len(got) != 2 || got[0] != "u3" || got[1] != "u4" {
		t.Fatalf("snapshot read asked for %v, want just the batch's recipients", got)
	}
}

func TestDispatchEmptyAfterFilter(t *testing.T) {
	ledger := newFakeLedger()
	outbound := &fakeOutbound{}
	c := testCampaign()
	batch := models.Batch{Index: 0, Recipients: users("u1")}
	_ = ledger.MarkStatus(context.Background(), c.ID, []string{"u1"}, models.StatusDispatched)

	d := NewDispatcher(ledger, outbound, 0, zap.NewNop())
	unsent, err := d.Dispatch(context.Background(), c, batch)
	if err != nil || len(unsent) != 0 {
		t.Fatalf("fully-handled batch must be a clean no-op, got unsent=%v err=%v", unsent, err)
	}
	if outbound.count() != 0 {
		t.Fatalf("nothing should be enqueued, got %d", outbound.count())
	}
}
