package models

import (
	"time"

	"github.com/google/uuid"
)

// Campaign lifecycle states
const (
	CampaignStateDraft     = "draft"
	CampaignStatePreparing = "preparing"
	CampaignStateSending   = "sending"
	CampaignStateCompleted = "completed"
	CampaignStateFailed    = "failed"
)

// Pipeline checkpoint steps, persisted before each stage runs so a restarted
// worker can tell how far a campaign got.
const (
	PipelineStepNone         = ""
	PipelineStepResolving    = "resolving"
	PipelineStepPlanning     = "planning"
	PipelineStepInitializing = "initializing"
	PipelineStepDispatching  = "dispatching"
	PipelineStepMonitoring   = "monitoring"
)

// Valid state transitions: from -> []to. The draft targets on preparing and
// sending are the compensation path (rollback after failure or cancel).
var ValidCampaignTransitions = map[string][]string{
	CampaignStateDraft:     {CampaignStatePreparing},
	CampaignStatePreparing: {CampaignStateSending, CampaignStateFailed, CampaignStateDraft},
	CampaignStateSending:   {CampaignStateCompleted, CampaignStateFailed, CampaignStateDraft},
	CampaignStateCompleted: {},
	CampaignStateFailed:    {CampaignStateDraft},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidCampaignTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsInFlight reports whether the campaign is owned by a pipeline run.
// A second submit against an in-flight campaign must be rejected.
func IsInFlight(state string) bool {
	return state == CampaignStatePreparing || state == CampaignStateSending
}

// Audience kinds
const (
	AudienceAllUsers = "all_users"
	AudienceRosters  = "rosters"
	AudienceChannels = "channels"
	AudienceGroups   = "groups"
)

func IsValidAudienceKind(kind string) bool {
	switch kind {
	case AudienceAllUsers, AudienceRosters, AudienceChannels, AudienceGroups:
		return true
	}
	return false
}

// AudienceSpec names who a campaign goes to. IDs are empty for all_users and
// required otherwise (team ids for rosters/channels, group ids for groups).
type AudienceSpec struct {
	Kind string   `json:"kind"`
	IDs  []string `json:"ids,omitempty"`
}

func (a AudienceSpec) Validate() bool {
	if !IsValidAudienceKind(a.Kind) {
		return false
	}
	if a.Kind == AudienceAllUsers {
		return true
	}
	return len(a.IDs) > 0
}

type Campaign struct {
	ID               uuid.UUID    `json:"id"`
	Title            string       `json:"title"`
	ContentRef       string       `json:"content_ref"`
	Audience         AudienceSpec `json:"audience"`
	State            string       `json:"state"`
	PipelineStep     string       `json:"pipeline_step,omitempty"`
	TotalRecipients  int          `json:"total_recipients"`
	Succeeded        int          `json:"succeeded"`
	Failed           int          `json:"failed"`
	Unknown          int          `json:"unknown"`
	Canceled         int          `json:"canceled"`
	Warnings         []string     `json:"warnings,omitempty"`
	ErrorMessage     *string      `json:"error_message,omitempty"`
	CancelRequested  bool         `json:"cancel_requested"`
	CreatedAt        time.Time    `json:"created_at"`
	SendingStartedAt *time.Time   `json:"sending_started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}
