package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/soyeahso/salesdesk/internal/domain"
)

// ProtocolVersion is the wire protocol this gateway speaks.
const ProtocolVersion = 1

const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Events pushed to agents. EventChallenge opens every connection and
// EventGatewayShutdown precedes a server-side close. The inbox events
// mirror session hooks.
const (
	EventChallenge         = "connect.challenge"
	EventGatewayShutdown   = "gateway.shutdown"
	EventInboxConversation = "inbox.conversation"
	EventInboxMessage      = "inbox.message"
	EventInboxReloaded     = "inbox.reloaded"
	EventInboxFeedLost     = "inbox.feedLost"
	EventInboxFeedRestored = "inbox.feedRestored"
	EventInboxSendFailed   = "inbox.sendFailed"
)

// Frame is the envelope of every websocket message. Type selects which of
// the request, response or event fields are set.
type Frame struct {
	Type string `json:"type"`

	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`

	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

// ErrorShape is the error body of a failed response. Retryable and
// RetryAfter tell the agent UI whether to offer a retry.
type ErrorShape struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	RetryAfter int    `json:"retryAfterMs,omitempty"`
}

// ConnectParams are sent by the agent in the initial "connect" request.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
	// OrgID, when set, starts the connection's inbox on that org right
	// after the handshake.
	OrgID string `json:"orgId,omitempty"`
}

// negotiate checks that ProtocolVersion falls in the agent's range. A zero
// bound is open.
func (p ConnectParams) negotiate() error {
	if p.MinProtocol > ProtocolVersion || (p.MaxProtocol != 0 && p.MaxProtocol < ProtocolVersion) {
		return fmt.Errorf("protocol %d not in client range [%d, %d]", ProtocolVersion, p.MinProtocol, p.MaxProtocol)
	}
	return nil
}

// ClientInfo identifies the agent. DisplayName is the author name put on
// outbound messages.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
}

// ConnectAuth carries credentials in the connect request.
type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// HelloOK answers a successful connect.
type HelloOK struct {
	Protocol int          `json:"protocol"`
	Server   ServerInfo   `json:"server"`
	Features Features     `json:"features"`
	Policy   ServerPolicy `json:"policy"`
}

type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	ConnID  string `json:"connId"`
}

// Features advertises the RPC methods and events of this gateway.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

type ServerPolicy struct {
	MaxPayload     int `json:"maxPayload"`
	TickIntervalMs int `json:"tickIntervalMs"`
}

// Inbox RPC params.

type SwitchOrgParams struct {
	OrgID string `json:"orgId"`
}

type ConversationParams struct {
	ConversationID string `json:"conversationId"`
}

type SendParams struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

// Inbox RPC results.

type ConversationsResult struct {
	Conversations []domain.Conversation `json:"conversations"`
}

// TimelineResult answers inbox.open and inbox.timeline. Stale is set when a
// later open superseded this one; Messages is then empty.
type TimelineResult struct {
	ConversationID string           `json:"conversationId"`
	Messages       []domain.Message `json:"messages,omitempty"`
	Stale          bool             `json:"stale,omitempty"`
}

type SendResult struct {
	Message domain.Message      `json:"message"`
	Pending *domain.PendingSend `json:"pending,omitempty"`
}

type PendingResult struct {
	Pending *domain.PendingSend `json:"pending"`
}

type UnreadResult struct {
	ConversationID string `json:"conversationId,omitempty"`
	Unread         int    `json:"unread"`
}

func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}, nil
}

func NewResponse(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{Type: FrameTypeResponse, ID: id, OK: &ok, Payload: raw}, nil
}

func NewErrorResponse(id string, errShape ErrorShape) Frame {
	ok := false
	return Frame{Type: FrameTypeResponse, ID: id, OK: &ok, Error: &errShape}
}

func NewEvent(event string, payload any, seq int64) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeEvent, Event: event, Payload: raw, Seq: seq}, nil
}
