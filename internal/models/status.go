package models

import "time"

// Per-recipient delivery status codes. Pending is the only non-terminal code;
// writes are last-writer-wins upserts and are not forced to be monotonic.
type StatusCode int

const (
	StatusPending    StatusCode = 0
	StatusDispatched StatusCode = 1
	StatusFailed     StatusCode = 2
	// StatusUnknown marks recipients force-completed past the monitor budget
	// without a delivery outcome.
	StatusUnknown StatusCode = 3
)

func (c StatusCode) IsTerminal() bool {
	return c != StatusPending
}

func (c StatusCode) String() string {
	switch c {
	case StatusPending:
		return "pending"
	case StatusDispatched:
		return "dispatched"
	case StatusFailed:
		return "failed"
	case StatusUnknown:
		return "unknown"
	}
	return "invalid"
}

// StatusEntry is one ledger row, keyed by (campaign_id, recipient_id).
type StatusEntry struct {
	CampaignID  string     `json:"campaign_id"`
	RecipientID string     `json:"recipient_id"`
	Status      StatusCode `json:"status"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StatusCounts is the exact aggregate the completion monitor converges on.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
	Unknown    int `json:"unknown"`
	Total      int `json:"total"`
}
