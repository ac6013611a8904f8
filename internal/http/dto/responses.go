package dto

import "github.com/teamcast/backend/internal/models"

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

// SubmitResponse reports whether a submit or cancel was accepted.
type SubmitResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// StatusPageResponse is one page of per-recipient ledger rows. A non-empty
// next_token means more rows are available.
type StatusPageResponse struct {
	Entries   []models.StatusEntry `json:"entries"`
	NextToken string               `json:"next_token,omitempty"`
}
