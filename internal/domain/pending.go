package domain

import (
	"fmt"
	"time"
)

// SendState is the lifecycle state of a PendingSend.
type SendState string

const (
	SendSubmitted SendState = "submitted"
	SendDelivered SendState = "delivered"
	SendPersisted SendState = "persisted"
	SendFailed    SendState = "failed"
)

var sendTransitions = map[SendState][]SendState{
	SendSubmitted: {SendDelivered, SendFailed},
	SendDelivered: {SendPersisted},
}

// PendingSend tracks one outbound message between submission and confirmation.
// Submitted -> Delivered -> Persisted, or Submitted -> Failed. A send whose
// persistence failed stays Delivered: the message left the building but no
// canonical row exists for it.
type PendingSend struct {
	LocalID        string    `json:"localId"`
	ConversationID string    `json:"conversationId"`
	Body           string    `json:"body"`
	SubmittedAt    time.Time `json:"submittedAt"`
	State          SendState `json:"state"`
	ServerID       string    `json:"serverId,omitempty"`
	Err            string    `json:"error,omitempty"`
}

// NewPendingSend creates a pending send in the Submitted state.
func NewPendingSend(localID, conversationID, body string, at time.Time) *PendingSend {
	return &PendingSend{
		LocalID:        localID,
		ConversationID: conversationID,
		Body:           body,
		SubmittedAt:    at,
		State:          SendSubmitted,
	}
}

// Transition moves p to the next state, rejecting moves the lifecycle does not allow.
func (p *PendingSend) Transition(to SendState) error {
	for _, allowed := range sendTransitions[p.State] {
		if allowed == to {
			p.State = to
			return nil
		}
	}
	return fmt.Errorf("pending send %s: illegal transition %s -> %s", p.LocalID, p.State, to)
}

// Fail moves p to Failed and records the cause.
func (p *PendingSend) Fail(cause error) error {
	if err := p.Transition(SendFailed); err != nil {
		return err
	}
	if cause != nil {
		p.Err = cause.Error()
	}
	return nil
}

// MessageID is the id the timeline entry for p carries.
func (p *PendingSend) MessageID() string {
	if p.ServerID != "" {
		return p.ServerID
	}
	return p.LocalID
}

// Terminal reports whether p will not change state again.
func (p *PendingSend) Terminal() bool {
	return len(sendTransitions[p.State]) == 0 || p.Err != ""
}
