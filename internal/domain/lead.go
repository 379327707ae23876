package domain

// Lead is the counterparty of a conversation as seen by the lead directory.
type Lead struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"orgId"`
	Name      string    `json:"name,omitempty"`
	Company   string    `json:"company,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Sentiment Sentiment `json:"sentiment,omitempty"`
	StageTag  string    `json:"stageTag,omitempty"`
}
