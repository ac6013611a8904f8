package models

// Recipient kinds
const (
	RecipientKindUser    = "user"
	RecipientKindChannel = "channel"
)

// RecipientDescriptor is one resolved audience member with everything the
// transport needs to address it. Immutable once produced by the resolver.
type RecipientDescriptor struct {
	Kind           string `json:"kind"`
	RecipientID    string `json:"recipient_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	ServiceURL     string `json:"service_url,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
	// ResumeHandle carries a prior conversation reference so the transport can
	// skip re-establishing delivery context. Empty when none exists.
	ResumeHandle string `json:"resume_handle,omitempty"`
}

// Batch is a planning artifact: an ordered slice of up to batch-size
// recipients plus its position in the plan. Not persisted beyond the queue
// message that carries it.
type Batch struct {
	Index      int                   `json:"index"`
	Recipients []RecipientDescriptor `json:"recipients"`
}
