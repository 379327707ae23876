// Package hooks dispatches inbox lifecycle events to interested listeners:
// the gateway pushes them to connected agents, the server logs them.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/soyeahso/salesdesk/internal/logging"
)

const (
	EventConversationUpdated  = "conversation_updated"
	EventMessageAppended      = "message_appended"
	EventDirectoryReloaded    = "directory_reloaded"
	EventSubscriptionLost     = "subscription_lost"
	EventSubscriptionRestored = "subscription_restored"
	EventSendFailed           = "send_failed"
	EventGatewayStart         = "gateway_start"
	EventGatewayStop          = "gateway_stop"
)

// AllEvents is every event a Manager can emit.
var AllEvents = []string{
	EventConversationUpdated,
	EventMessageAppended,
	EventDirectoryReloaded,
	EventSubscriptionLost,
	EventSubscriptionRestored,
	EventSendFailed,
	EventGatewayStart,
	EventGatewayStop,
}

// Payload carries event data to hook handlers. Data holds the event's
// subject: a domain.Conversation, a domain.Message, a *domain.PendingSend,
// or nil.
type Payload struct {
	Event          string `json:"event"`
	OrgID          string `json:"orgId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Data           any    `json:"data,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Handler reacts to one event. An error is logged and the remaining
// handlers still run.
type Handler func(ctx context.Context, p Payload) error

type binding struct {
	name string
	fn   Handler
}

// Manager holds handler registrations per event name. A child Manager
// re-emits everything on its parent after its own handlers, so a
// session's listeners and the server's listeners see the same stream.
type Manager struct {
	mu     sync.RWMutex
	byName map[string][]binding
	parent *Manager
	log    *logging.Logger
}

func NewManager(log *logging.Logger) *Manager {
	return &Manager{byName: map[string][]binding{}, log: log.Sub("hooks")}
}

func (m *Manager) Child() *Manager {
	return &Manager{byName: map[string][]binding{}, parent: m, log: m.log}
}

// On adds handler for event under name. Names need not be unique; Off
// removes every binding with the name.
func (m *Manager) On(event, name string, handler Handler) {
	m.mu.Lock()
	m.byName[event] = append(m.byName[event], binding{name: name, fn: handler})
	m.mu.Unlock()
}

// OnAll binds handler to every event in AllEvents.
func (m *Manager) OnAll(name string, handler Handler) {
	for _, event := range AllEvents {
		m.On(event, name, handler)
	}
}

func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.byName[event][:0:0]
	for _, b := range m.byName[event] {
		if b.name != name {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		delete(m.byName, event)
		return
	}
	m.byName[event] = kept
}

func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byName[event])
}

// Emit runs the handlers bound to p.Event in the order they were added,
// on the calling goroutine, and then emits on the parent. A panicking
// handler is logged like one that returned an error.
func (m *Manager) Emit(ctx context.Context, p Payload) {
	m.mu.RLock()
	bound := append([]binding(nil), m.byName[p.Event]...)
	m.mu.RUnlock()

	for _, b := range bound {
		if err := call(ctx, b.fn, p); err != nil {
			m.log.Warn().Err(err).Str("event", p.Event).Str("handler", b.name).Msg("hook failed")
		}
	}
	if m.parent != nil {
		m.parent.Emit(ctx, p)
	}
}

func call(ctx context.Context, fn Handler, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, p)
}
