package domain

import "time"

// ChannelKind identifies the external messaging channel a conversation runs on.
type ChannelKind string

const (
	ChannelWhatsApp  ChannelKind = "whatsapp"
	ChannelInstagram ChannelKind = "instagram"
	ChannelSMS       ChannelKind = "sms"
	ChannelEmail     ChannelKind = "email"
	ChannelWebchat   ChannelKind = "webchat"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive ConversationStatus = "active"
	StatusClosed ConversationStatus = "closed"
)

// Sentiment is the coarse sentiment marker attached to leads and messages.
type Sentiment string

const (
	SentimentNone     Sentiment = ""
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Conversation is a message thread between an org's agents and one lead on one channel.
// At most one active conversation exists per (org, lead).
type Conversation struct {
	ID                 string             `json:"id"`
	OrgID              string             `json:"orgId"`
	LeadID             string             `json:"leadId"`
	Channel            ChannelKind        `json:"channel"`
	Status             ConversationStatus `json:"status"`
	AssignedAgentID    string             `json:"assignedAgentId,omitempty"`
	AutomationActive   bool               `json:"automationActive"`
	LastMessagePreview string             `json:"lastMessagePreview,omitempty"`
	LastMessageAt      *time.Time         `json:"lastMessageAt,omitempty"`
	UnreadCount        int                `json:"unreadCount"`
	CreatedAt          time.Time          `json:"createdAt"`

	// MessageSeq is the sequence number of the conversation's newest stored
	// message. UnreadCount covers every inbound message up to it.
	MessageSeq int64 `json:"messageSeq,omitempty"`

	// Enrichment from the lead directory; not persisted on the conversation row.
	DisplayName string    `json:"displayName,omitempty"`
	Sentiment   Sentiment `json:"sentiment,omitempty"`
	StageTag    string    `json:"stageTag,omitempty"`
	LeadPhone   string    `json:"leadPhone,omitempty"`
	LeadEmail   string    `json:"leadEmail,omitempty"`
}

// MessageSummary is the slice of a message the directory needs to update a row.
type MessageSummary struct {
	Preview   string
	At        time.Time
	Direction Direction
	Seq       int64
}

// Summary returns the directory-facing summary of m.
func (m Message) Summary() MessageSummary {
	preview := m.Body
	if preview == "" && m.Kind != KindText {
		preview = "[" + string(m.Kind) + "]"
	}
	return MessageSummary{Preview: preview, At: m.CreatedAt, Direction: m.Direction, Seq: m.Seq}
}
