package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/teamcast/backend/internal/events"
	"github.com/teamcast/backend/internal/models"
	"github.com/teamcast/backend/internal/queue"
	"github.com/teamcast/backend/internal/repositories"
)

// In-memory doubles for the pipeline's stores and queues. They honor the same
// contracts as the real repositories: conditional transitions, insert-if-absent
// ledger init, upsert status writes, keyset pagination.

type fakeCampaignStore struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*models.Campaign
	steps     []string
}

func newFakeCampaignStore() *fakeCampaignStore {
	return &fakeCampaignStore{campaigns: make(map[uuid.UUID]*models.Campaign)}
}

func (s *fakeCampaignStore) Create(ctx context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.State == "" {
		c.State = models.CampaignStateDraft
	}
	c.CreatedAt = time.Now()
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *fakeCampaignStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (s *fakeCampaignStore) List(ctx context.Context, f repositories.CampaignFilter) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Campaign
	for _, c := range s.campaigns {
		if f.State != nil && c.State != *f.State {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *fakeCampaignStore) TryTransition(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.State != from {
		return false, nil
	}
	c.State = to
	return true, nil
}

func (s *fakeCampaignStore) SetPipelineStep(ctx context.Context, id uuid.UUID, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return pgx.ErrNoRows
	}
	c.PipelineStep = step
	s.steps = append(s.steps, step)
	return nil
}

func (s *fakeCampaignStore) MarkSending(ctx context.Context, id uuid.UUID, totalRecipients int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return pgx.ErrNoRows
	}
	now := time.Now()
	c.State = models.CampaignStateSending
	c.TotalRecipients = totalRecipients
	c.SendingStartedAt = &now
	return nil
}

func (s *fakeCampaignStore) AppendWarnings(ctx context.Context, id uuid.UUID, warnings []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return pgx.ErrNoRows
	}
	c.Warnings = append(c.Warnings, warnings...)
	return nil
}

func (s *fakeCampaignStore) Finalize(ctx context.Context, id uuid.UUID, state string, counts models.StatusCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return pgx.ErrNoRows
	}
	now := time.Now()
	c.State = state
	c.Succeeded = counts.Dispatched
	c.Failed = counts.Failed
	c.Unknown = counts.Unknown
	c.CompletedAt = &now
	return nil
}

func (s *fakeCampaignStore) ResetToDraft(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return pgx.ErrNoRows
	}
	c.State = models.CampaignStateDraft
	c.PipelineStep = models.PipelineStepNone
	c.CancelRequested = false
	c.TotalRecipients = 0
	c.Succeeded, c.Failed, c.Unknown = 0, 0, 0
	c.Warnings = nil
	c.SendingStartedAt = nil
	c.ErrorMessage = &reason
	return nil
}

func (s *fakeCampaignStore) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || !models.IsInFlight(c.State) {
		return false, nil
	}
	c.CancelRequested = true
	return true, nil
}

func (s *fakeCampaignStore) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return false, pgx.ErrNoRows
	}
	return c.CancelRequested, nil
}

func (s *fakeCampaignStore) get(id uuid.UUID) models.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

type fakeLedger struct {
	mu           sync.Mutex
	rows         map[uuid.UUID]map[string]models.StatusCode
	initCalls    int
	failInitLeft int
	deleted      map[uuid.UUID]bool
	snapshotReqs [][]string // recipient ids asked for per snapshot read
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		rows:    make(map[uuid.UUID]map[string]models.StatusCode),
		deleted: make(map[uuid.UUID]bool),
	}
}

func (l *fakeLedger) InitializePending(ctx context.Context, campaignID uuid.UUID, recipientIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initCalls++
	if l.failInitLeft > 0 {
		l.failInitLeft--
		return fmt.Errorf("ledger write refused")
	}
	m, ok := l.rows[campaignID]
	if !ok {
		m = make(map[string]models.StatusCode)
		l.rows[campaignID] = m
	}
	for _, id := range recipientIDs {
		if _, exists := m[id]; !exists {
			m[id] = models.StatusPending
		}
	}
	return nil
}

func (l *fakeLedger) MarkStatus(ctx context.Context, campaignID uuid.UUID, recipientIDs []string, code models.StatusCode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.rows[campaignID]
	if !ok {
		m = make(map[string]models.StatusCode)
		l.rows[campaignID] = m
	}
	for _, id := range recipientIDs {
		m[id] = code
	}
	return nil
}

func (l *fakeLedger) GetStatusSnapshot(ctx context.Context, campaignID uuid.UUID, recipientIDs []string) (map[string]models.StatusCode, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshotReqs = append(l.snapshotReqs, recipientIDs)
	out := make(map[string]models.StatusCode, len(recipientIDs))
	for _, id := range recipientIDs {
		if code, ok := l.rows[campaignID][id]; ok {
			out[id] = code
		}
	}
	return out, nil
}

func (l *fakeLedger) ListStatuses(ctx context.Context, campaignID uuid.UUID, limit int, token string) ([]models.StatusEntry, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	afterKey, err := repositories.DecodePageToken(token)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 1000
	}

	ids := make([]string, 0, len(l.rows[campaignID]))
	for id := range l.rows[campaignID] {
		if id > afterKey {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}

	entries := make([]models.StatusEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, models.StatusEntry{
			CampaignID:  campaignID.String(),
			RecipientID: id,
			Status:      l.rows[campaignID][id],
		})
	}
	next := ""
	if len(entries) == limit {
		next = repositories.EncodePageToken(entries[len(entries)-1].RecipientID)
	}
	return entries, next, nil
}

func (l *fakeLedger) AggregateCounts(ctx context.Context, campaignID uuid.UUID) (models.StatusCounts, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var counts models.StatusCounts
	for _, code := range l.rows[campaignID] {
		switch code {
		case models.StatusPending:
			counts.Pending++
		case models.StatusDispatched:
			counts.Dispatched++
		case models.StatusFailed:
			counts.Failed++
		case models.StatusUnknown:
			counts.Unknown++
		}
		counts.Total++
	}
	return counts, nil
}

func (l *fakeLedger) FailPending(ctx context.Context, campaignID uuid.UUID, code models.StatusCode) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	swept := 0
	for id, c := range l.rows[campaignID] {
		if c == models.StatusPending {
			l.rows[campaignID][id] = code
			swept++
		}
	}
	return swept, nil
}

func (l *fakeLedger) DeleteCampaign(ctx context.Context, campaignID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows, campaignID)
	l.deleted[campaignID] = true
	return nil
}

func (l *fakeLedger) status(campaignID uuid.UUID, recipientID string) (models.StatusCode, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	code, ok := l.rows[campaignID][recipientID]
	return code, ok
}

type fakeTaskQueue struct {
	mu      sync.Mutex
	tasks   []queue.Task
	delayed []queue.Task
	delays  []time.Duration
	err     error
}

func (q *fakeTaskQueue) EnqueueTask(ctx context.Context, task queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeTaskQueue) EnqueueTaskDelayed(ctx context.Context, task queue.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.delayed = append(q.delayed, task)
	q.delays = append(q.delays, delay)
	return nil
}

type fakeOutbound struct {
	mu        sync.Mutex
	enqueued  []queue.OutboundMessage
	failNext  []int // indexes to report failed on the next call only
	errAlways error
}

func (o *fakeOutbound) EnqueueOutboundBatch(ctx context.Context, msgs []queue.OutboundMessage) ([]int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.errAlways != nil {
		return nil, o.errAlways
	}
	failed := o.failNext
	o.failNext = nil
	bad := make(map[int]struct{}, len(failed))
	for _, i := range failed {
		bad[i] = struct{}{}
	}
	for i, msg := range msgs {
		if _, ok := bad[i]; ok {
			continue
		}
		o.enqueued = append(o.enqueued, msg)
	}
	return failed, nil
}

func (o *fakeOutbound) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.enqueued)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) Publish(ctx context.Context, stream string, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (a *fakeAudit) Log(ctx context.Context, entry models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

func user(id string) models.RecipientDescriptor {
	return models.RecipientDescriptor{Kind: "user", RecipientID: id}
}

func users(ids ...string) []models.RecipientDescriptor {
	out := make([]models.RecipientDescriptor, len(ids))
	for i, id := range ids {
		out[i] = user(id)
	}
	return out
}
