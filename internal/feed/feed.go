// Package feed carries canonical-store change notifications to inbox sessions.
//
// A Transport delivers Rows for a Topic to a Sink. Delivery is at-least-once
// and unordered; consumers dedupe by message id. Rows committed while a
// subscription is down are not replayed, so consumers resync on OnRestored.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soyeahso/salesdesk/internal/domain"
)

// Table names the canonical table a Row came from.
type Table string

const (
	TableMessages      Table = "messages"
	TableConversations Table = "conversations"
)

// Op is the kind of change. Only inserts are published.
type Op string

const OpInsert Op = "INSERT"

// Row is one committed change.
type Row struct {
	Table       Table           `json:"table"`
	Op          Op              `json:"op"`
	OrgID       string          `json:"orgId"`
	Record      json.RawMessage `json:"record"`
	CommittedAt time.Time       `json:"committedAt"`
}

// NewRow encodes record as an insert Row.
func NewRow(table Table, orgID string, record any) (Row, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return Row{}, fmt.Errorf("encoding %s row: %w", table, err)
	}
	return Row{
		Table:       table,
		Op:          OpInsert,
		OrgID:       orgID,
		Record:      data,
		CommittedAt: time.Now().UTC(),
	}, nil
}

// Message decodes a messages row.
func (r Row) Message() (domain.Message, error) {
	var m domain.Message
	if r.Table != TableMessages {
		return m, fmt.Errorf("row is from %s, not messages", r.Table)
	}
	if err := json.Unmarshal(r.Record, &m); err != nil {
		return m, fmt.Errorf("decoding message row: %w", err)
	}
	if m.ID == "" || m.ConversationID == "" {
		return m, fmt.Errorf("message row missing id or conversation id")
	}
	return m, nil
}

// Conversation decodes a conversations row.
func (r Row) Conversation() (domain.Conversation, error) {
	var c domain.Conversation
	if r.Table != TableConversations {
		return c, fmt.Errorf("row is from %s, not conversations", r.Table)
	}
	if err := json.Unmarshal(r.Record, &c); err != nil {
		return c, fmt.Errorf("decoding conversation row: %w", err)
	}
	if c.ID == "" {
		return c, fmt.Errorf("conversation row missing id")
	}
	if c.OrgID == "" {
		c.OrgID = r.OrgID
	}
	return c, nil
}

// Topic selects the rows a subscription receives: every table of one org.
type Topic struct {
	OrgID string
}

func (t Topic) String() string { return "org." + t.OrgID }

// Matches reports whether r belongs to t.
func (t Topic) Matches(r Row) bool { return r.OrgID == t.OrgID }

// Sink receives callbacks from a Transport. OnLost and OnRestored may be nil.
type Sink struct {
	OnRow      func(Row)
	OnLost     func(error)
	OnRestored func()
}

// Handle is a live transport subscription.
type Handle interface {
	Close() error
}

// Transport is a change feed source.
type Transport interface {
	Subscribe(ctx context.Context, topic Topic, sink Sink) (Handle, error)
}

// Publisher pushes rows onto a transport.
type Publisher interface {
	Publish(ctx context.Context, row Row) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, row Row) error

func (f PublisherFunc) Publish(ctx context.Context, row Row) error { return f(ctx, row) }
