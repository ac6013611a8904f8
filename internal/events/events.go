package events

import "context"

// Event types
const (
	EventCampaignStateChanged = "campaign_state_changed"
	EventCampaignProgress     = "campaign_progress"
	EventCampaignWarning      = "campaign_warning"
)

// StreamCampaign is the pub/sub channel the websocket hub fans out from.
const StreamCampaign = "events:campaign"

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
