package dto

// Campaigns

type CreateCampaignRequest struct {
	Title        string   `json:"title"`
	ContentRef   string   `json:"content_ref"`
	AudienceKind string   `json:"audience_kind"` // all_users / rosters / channels / groups
	AudienceIDs  []string `json:"audience_ids,omitempty"`
}
