package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"github.com/teamcast/backend/internal/models"
	"go.uber.org/zap"
)

// ResolutionError marks a named team or group that the membership service
// does not know. The resolver records it as a campaign warning instead of
// aborting the pipeline.
type ResolutionError struct {
	Kind string
	ID   string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s %q could not be resolved", e.Kind, e.ID)
}

// MembershipClient talks to the membership enumeration service (directory,
// rosters, groups). Calls run through a circuit breaker so a dead membership
// service degrades to per-id warnings instead of piling up timeouts.
type MembershipClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]models.RecipientDescriptor]
	log        *zap.Logger
}

func NewMembershipClient(baseURL string, log *zap.Logger) *MembershipClient {
	breaker := gobreaker.NewCircuitBreaker[[]models.RecipientDescriptor](gobreaker.Settings{
		Name:    "membership",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A missing team/group is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var re *ResolutionError
			return errors.As(err, &re)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("membership breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &MembershipClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		breaker: breaker,
		log:     log,
	}
}

func (c *MembershipClient) GetAllTenantUsers(ctx context.Context) ([]models.RecipientDescriptor, error) {
	return c.getRecipients(ctx, "/internal/users", "tenant", "")
}

func (c *MembershipClient) GetTeamRoster(ctx context.Context, teamID string) ([]models.RecipientDescriptor, error) {
	path := fmt.Sprintf("/internal/teams/%s/roster", url.PathEscape(teamID))
	return c.getRecipients(ctx, path, "team", teamID)
}

// GetUsers returns the subset of a team's members the platform already has a
// delivery conversation for. The resolver uses it to fill resume handles.
func (c *MembershipClient) GetUsers(ctx context.Context, teamID string) ([]models.RecipientDescriptor, error) {
	path := fmt.Sprintf("/internal/teams/%s/users", url.PathEscape(teamID))
	return c.getRecipients(ctx, path, "team", teamID)
}

func (c *MembershipClient) GetGroupMembers(ctx context.Context, groupID string) ([]models.RecipientDescriptor, error) {
	path := fmt.Sprintf("/internal/groups/%s/members", url.PathEscape(groupID))
	return c.getRecipients(ctx, path, "group", groupID)
}

// GetTeam returns the channel-conversation descriptor for a team, used when
// the audience is team channels rather than individual members.
func (c *MembershipClient) GetTeam(ctx context.Context, teamID string) (*models.RecipientDescriptor, error) {
	path := fmt.Sprintf("/internal/teams/%s", url.PathEscape(teamID))
	recipients, err := c.getRecipients(ctx, path, "team", teamID)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, &ResolutionError{Kind: "team", ID: teamID}
	}
	r := recipients[0]
	r.Kind = models.RecipientKindChannel
	return &r, nil
}

func (c *MembershipClient) getRecipients(ctx context.Context, path, kind, id string) ([]models.RecipientDescriptor, error) {
	return c.breaker.Execute(func() ([]models.RecipientDescriptor, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("membership service unavailable: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, &ResolutionError{Kind: kind, ID: id}
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("membership service returned %d: %s", resp.StatusCode, string(body))
		}

		var recipients []models.RecipientDescriptor
		if err := json.NewDecoder(resp.Body).Decode(&recipients); err != nil {
			return nil, err
		}
		return recipients, nil
	})
}
