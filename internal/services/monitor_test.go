package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/teamcast/backend/internal/events"
	"github.com/teamcast/backend/internal/models"
	"go.uber.org/zap"
)

func newTestMonitor(campaigns *fakeCampaignStore, ledger *fakeLedger, tasks *fakeTaskQueue, maxWait time.Duration) (*Monitor, *fakePublisher, *fakeAudit) {
	publisher := &fakePublisher{}
	audit := &fakeAudit{}
	m := NewMonitor(campaigns, ledger, tasks, publisher, audit,
		30*time.Second, 30*time.Second, maxWait, zap.NewNop())
	return m, publisher, audit
}

func sendingCampaign(campaigns *fakeCampaignStore, startedAgo time.Duration) uuid.UUID {
	c := &models.Campaign{Title: "t", ContentRef: "c", State: models.CampaignStateSending}
	_ = campaigns.Create(context.Background(), c)
	started := time.Now().Add(-startedAgo)
	campaigns.mu.Lock()
	campaigns.campaigns[c.ID].State = models.CampaignStateSending
	campaigns.campaigns[c.ID].SendingStartedAt = &started
	campaigns.mu.Unlock()
	return c.ID
}

func TestMonitorFinalizesWhenAllTerminal(t *testing.T) {
	campaigns := newFakeCampaignStore()
	ledger := newFakeLedger()
	tasks := &fakeTaskQueue{}
	id := sendingCampaign(campaigns, time.Minute)
	_ = ledger.MarkStatus(context.Background(), id, []string{"u1", "u2"}, models.StatusDispatched)
	_ = ledger.MarkStatus(context.Background(), id, []string{"u3"}, models.StatusFailed)

	m, _, audit := newTestMonitor(campaigns, ledger, tasks, 24*time.Hour)
	if err := m.HandleTick(context.Background(), id, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := campaigns.get(id)
	if got.State != models.CampaignStateCompleted {
		t.Fatalf("got state %s, want completed", got.State)
	}
	if got.Succeeded != 2 || got.Failed != 1 || got.Unknown != 0 {
		t.Errorf("counts succeeded=%d failed=%d unknown=%d, want 2/1/0", got.Succeeded, got.Failed, got.Unknown)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at must be set")
	}
	if len(tasks.delayed) != 0 {
		t.Errorf("no further ticks should be scheduled, got %d", len(tasks.delayed))
	}
	actions := audit.actions()
	if len(actions) != 1 || actions[0] != "campaign_completed" {
		t.Errorf("want one campaign_completed audit entry, got %v", actions)
	}
}

func TestMonitorReschedulesWhilePending(t *testing.T) {
	campaigns := newFakeCampaignStore()
	ledger := newFakeLedger()
	tasks := &fakeTaskQueue{}
	id := sendingCampaign(campaigns, time.Minute)
	_ = ledger.InitializePending(context.Background(), id, []string{"u1", "u2"})
	_ = ledger.MarkStatus(context.Background(), id, []string{"u1"}, models.StatusDispatched)

	m, publisher, _ := newTestMonitor(campaigns, ledger, tasks, 24*time.Hour)
	if err := m.HandleTick(context.Background(), id, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := campaigns.get(id); got.State != models.CampaignStateSending {
		t.Fatalf("campaign must stay sending, got %s", got.State)
	}
	if len(tasks.delayed) != 1 {
		t.Fatalf("want one rescheduled tick, got %d", len(tasks.delayed))
	}
	if tasks.delayed[0].Attempt != 4 {
		t.Errorf("rescheduled tick attempt = %d, want 4", tasks.delayed[0].Attempt)
	}
	// Progress event carries the live aggregate.
	var sawProgress bool
	for _, e := range publisher.events {
		if e.Type == events.EventCampaignProgress {
			sawProgress = true
			if e.Payload["pending"] != 1 || e.Payload["dispatched"] != 1 {
				t.Errorf("progress payload pending=%v dispatched=%v, want 1/1", e.Payload["pending"], e.Payload["dispatched"])
			}
		}
	}
	if !sawProgress {
		t.Error("want a progress event per tick")
	}
}

func TestMonitorForcedCompletionPastBudget(t *testing.T) {
	campaigns := newFakeCampaignStore()
	ledger := newFakeLedger()
	tasks := &fakeTaskQueue{}
	id := sendingCampaign(campaigns, 2*time.Hour)
	_ = ledger.InitializePending(context.Background(), id, []string{"u1", "u2", "u3"})
	_ = ledger.MarkStatus(context.Background(), id, []string{"u1"}, models.StatusDispatched)

	m, _, _ := newTestMonitor(campaigns, ledger, tasks, time.Hour)
	if err := m.HandleTick(context.Background(), id, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := campaigns.get(id)
	if got.State != models.CampaignStateCompleted {
		t.Fatalf("got state %s, want completed after forced sweep", got.State)
	}
	if got.Unknown != 2 {
		t.Errorf("swept unknown = %d, want 2", got.Unknown)
	}
	if len(got.Warnings) == 0 {
		t.Error("forced completion must leave a warning")
	}
	for _, rid := range []string{"u2", "u3"} {
		if code, _ := ledger.status(id, rid); code != models.StatusUnknown {
			t.Errorf("%s: got %s, want unknown", rid, code)
		}
	}
	if code, _ := ledger.status(id, "u1"); code != models.StatusDispatched {
		t.Errorf("u1 already dispatched, must not be swept, got %s", code)
	}
	if len(tasks.delayed) != 0 {
		t.Errorf("no tick after forced completion, got %d", len(tasks.delayed))
	}
}

func TestMonitorCancelCompensates(t *testing.T) {
	campaigns := newFakeCampaignStore()
	ledger := newFakeLedger()
	tasks := &fakeTaskQueue{}
	id := sendingCampaign(campaigns, time.Minute)
	_ = ledger.InitializePending(context.Background(), id, []string{"u1", "u2"})
	if ok, _ := campaigns.RequestCancel(context.Background(), id); !ok {
		t.Fatal("cancel request should be accepted while sending")
	}

	m, _, audit := newTestMonitor(campaigns, ledger, tasks, 24*time.Hour)
	if err := m.HandleTick(context.Background(), id, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := campaigns.get(id)
	if got.State != models.CampaignStateDraft {
		t.Fatalf("canceled campaign must roll back to draft, got %s", got.State)
	}
	if got.CancelRequested {
		t.Error("cancel flag must be cleared by the rollback")
	}
	if !ledger.deleted[id] {
		t.Error("ledger rows must be removed on rollback")
	}
	actions := audit.actions()
	if len(actions) != 1 || actions[0] != "campaign_rolled_back" {
		t.Errorf("want one campaign_rolled_back entry, got %v", actions)
	}
}

func TestMonitorStaleTickIsNoop(t *testing.T) {
	campaigns := newFakeCampaignStore()
	ledger := newFakeLedger()
	tasks := &fakeTaskQueue{}
	c := &models.Campaign{Title: "t", ContentRef: "c"}
	_ = campaigns.Create(context.Background(), c)
	campaigns.mu.Lock()
	campaigns.campaigns[c.ID].State = models.CampaignStateCompleted
	campaigns.mu.Unlock()

	m, publisher, _ := newTestMonitor(campaigns, ledger, tasks, 24*time.Hour)
	if err := m.HandleTick(context.Background(), c.ID, 5); err != nil {
		t.Fatalf("stale tick must not error: %v", err)
	}
	if len(tasks.delayed) != 0 || len(publisher.events) != 0 {
		t.Error("stale tick must not schedule or publish anything")
	}
}

func TestMonitorUnknownCampaignIsNoop(t *testing.T) {
	campaigns := newFakeCampaignStore()
	m, _, _ := newTestMonitor(campaigns, newFakeLedger(), &fakeTaskQueue{}, 24*time.Hour)
	if err := m.HandleTick(context.Background(), uuid.New(), 1); err != nil {
		t.Fatalf("tick for a deleted campaign must not error: %v", err)
	}
}
