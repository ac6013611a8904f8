package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/teamcast/backend/internal/models"
	"go.uber.org/zap"
)

// MembershipLookup is the audience-enumeration capability the resolver
// consumes. Failures on individual ids become campaign warnings, never
// pipeline failures.
type MembershipLookup interface {
	GetAllTenantUsers(ctx context.Context) ([]models.RecipientDescriptor, error)
	GetTeamRoster(ctx context.Context, teamID string) ([]models.RecipientDescriptor, error)
	GetUsers(ctx context.Context, teamID string) ([]models.RecipientDescriptor, error)
	GetGroupMembers(ctx context.Context, groupID string) ([]models.RecipientDescriptor, error)
	GetTeam(ctx context.Context, teamID string) (*models.RecipientDescriptor, error)
}

// ResolveResult carries the deduplicated recipient list plus the non-fatal
// warnings gathered along the way.
type ResolveResult struct {
	Recipients []models.RecipientDescriptor
	Warnings   []string
}

type Resolver struct {
	lookup      MembershipLookup
	concurrency int
	log         *zap.Logger
}

func NewResolver(lookup MembershipLookup, concurrency int, log *zap.Logger) *Resolver {
	if concurrency <= 0 {
		concurrency = 100
	}
	return &Resolver{lookup: lookup, concurrency: concurrency, log: log}
}

// Resolve turns an audience spec into a deduplicated, ordered recipient list.
// Per-id lookups fan out concurrently under the configured ceiling; an id
// that resolves to nothing yields a warning and resolution continues for the
// rest. Only a whole-tenant enumeration failure is returned as an error.
func (r *Resolver) Resolve(ctx context.Context, audience models.AudienceSpec) (*ResolveResult, error) {
	switch audience.Kind {
	case models.AudienceAllUsers:
		recipients, err := r.lookup.GetAllTenantUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("tenant user enumeration: %w", err)
		}
		return &ResolveResult{Recipients: dedup(recipients)}, nil
	case models.AudienceRosters:
		return r.resolvePerID(ctx, audience.IDs, r.fetchRoster), nil
	case models.AudienceChannels:
		return r.resolvePerID(ctx, audience.IDs, r.fetchChannel), nil
	case models.AudienceGroups:
		return r.resolvePerID(ctx, audience.IDs, r.fetchGroup), nil
	}
	return nil, fmt.Errorf("unknown audience kind %q", audience.Kind)
}

type fetchFunc func(ctx context.Context, id string) ([]models.RecipientDescriptor, error)

// resolvePerID fans out one fetch per audience id with bounded concurrency,
// then merges results back in input order so dedup is deterministic.
func (r *Resolver) resolvePerID(ctx context.Context, ids []string, fetch fetchFunc) *ResolveResult {
	type slot struct {
		recipients []models.RecipientDescriptor
		warning    string
	}
	slots := make([]slot, len(ids))

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()

			recipients, err := fetch(ctx, id)
			if err != nil {
				slots[i].warning = fmt.Sprintf("skipped %q: %v", id, err)
				r.log.Warn("audience member lookup failed", zap.String("id", id), zap.Error(err))
				return
			}
			if len(recipients) == 0 {
				slots[i].warning = fmt.Sprintf("skipped %q: no members found", id)
				return
			}
			slots[i].recipients = recipients
		}(i, id)
	}
	wg.Wait()

	result := &ResolveResult{}
	var merged []models.RecipientDescriptor
	for _, s := range slots {
		if s.warning != "" {
			result.Warnings = append(result.Warnings, s.warning)
			continue
		}
		merged = append(merged, s.recipients...)
	}
	result.Recipients = dedup(merged)
	return result
}

func (r *Resolver) fetchRoster(ctx context.Context, teamID string) ([]models.RecipientDescriptor, error) {
	roster, err := r.lookup.GetTeamRoster(ctx, teamID)
	if err != nil {
		return nil, err
	}

	// Known users carry a resume handle (an existing delivery conversation).
	// Fill those in so the transport can skip re-establishing context; a
	// failure here only costs the optimization.
	known, err := r.lookup.GetUsers(ctx, teamID)
	if err != nil {
		r.log.Warn("known-user enrichment failed", zap.String("team_id", teamID), zap.Error(err))
		return roster, nil
	}
	handles := make(map[string]string, len(known))
	for _, u := range known {
		if u.ResumeHandle != "" {
			handles[u.RecipientID] = u.ResumeHandle
		}
	}
	for i := range roster {
		if roster[i].ResumeHandle == "" {
			roster[i].ResumeHandle = handles[roster[i].RecipientID]
		}
	}
	return roster, nil
}

func (r *Resolver) fetchChannel(ctx context.Context, teamID string) ([]models.RecipientDescriptor, error) {
	team, err := r.lookup.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return []models.RecipientDescriptor{*team}, nil
}

func (r *Resolver) fetchGroup(ctx context.Context, groupID string) ([]models.RecipientDescriptor, error) {
	return r.lookup.GetGroupMembers(ctx, groupID)
}

// dedup drops later duplicates of the same recipient id; the first-seen
// descriptor wins.
func dedup(recipients []models.RecipientDescriptor) []models.RecipientDescriptor {
	if len(recipients) == 0 {
		return recipients
	}
	seen := make(map[string]struct{}, len(recipients))
	out := recipients[:0]
	for _, rec := range recipients {
		if _, ok := seen[rec.RecipientID]; ok {
			continue
		}
		seen[rec.RecipientID] = struct{}{}
		out = append(out, rec)
	}
	return out
}
