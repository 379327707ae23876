package domain

import (
	"strings"
	"time"
)

// Direction tells whether a message came from the lead or went to it.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// SenderKind classifies who authored a message.
type SenderKind string

const (
	SenderAIAgent    SenderKind = "ai_agent"
	SenderHumanAgent SenderKind = "human_agent"
	SenderLead       SenderKind = "lead"
)

// MessageKind is the payload type of a message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindAudio    MessageKind = "audio"
	KindVideo    MessageKind = "video"
	KindDocument MessageKind = "document"
)

// Media references an attachment stored outside the message row.
type Media struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
}

// Message is a single entry of a conversation timeline.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	LeadID         string      `json:"leadId,omitempty"`
	Body           string      `json:"body,omitempty"` // empty for pure media
	Direction      Direction   `json:"direction"`
	Sender         SenderKind  `json:"sender"`
	SenderName     string      `json:"senderName,omitempty"`
	Kind           MessageKind `json:"kind"`
	Media          *Media      `json:"media,omitempty"`
	Sentiment      Sentiment   `json:"sentiment,omitempty"`
	ExternalID     string      `json:"externalId,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`

	// Seq orders messages within a conversation by insertion. Zero until
	// the store assigns it.
	Seq int64 `json:"seq,omitempty"`

	// Local marks an optimistic entry whose id was generated client-side
	// because persistence returned no usable id.
	Local bool `json:"local,omitempty"`
}

// Before reports whether m sorts before o in a timeline: by creation time,
// ties broken by id.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// ContentKey is the fallback dedup key used when ids cannot be reconciled:
// conversation, sender, trimmed body and second-granularity timestamp.
func (m Message) ContentKey() string {
	return m.ConversationID + "|" + string(m.Sender) + "|" + strings.TrimSpace(m.Body) + "|" +
		m.CreatedAt.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// DeliveryRequest is what the external delivery channel needs to send a message.
// Its response carries nothing the inbox depends on.
type DeliveryRequest struct {
	OrgID          string      `json:"orgId"`
	LeadID         string      `json:"leadId"`
	ConversationID string      `json:"conversationId"`
	Channel        ChannelKind `json:"channel"`
	Recipient      string      `json:"recipient,omitempty"`
	Author         string      `json:"author"`
	Text           string      `json:"text"`
}
