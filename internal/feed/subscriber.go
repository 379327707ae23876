package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/logging"
)

// Handlers are the typed callbacks a Subscription dispatches to. Any may be nil.
type Handlers struct {
	OnMessage      func(domain.Message)
	OnConversation func(domain.Conversation)
	OnLost         func(error)
	OnRestored     func()
}

// Subscriber owns at most one Subscription at a time. Subscribing for a new
// org closes the previous subscription first.
type Subscriber struct {
	transport Transport
	log       *logging.Logger

	mu      sync.Mutex
	current *Subscription
}

// NewSubscriber creates a Subscriber on top of transport.
func NewSubscriber(transport Transport, log *logging.Logger) *Subscriber {
	return &Subscriber{transport: transport, log: log.Sub("feed")}
}

// Subscribe starts receiving inserts for orgID. Subscribing again for the
// org already subscribed returns the existing Subscription unchanged.
func (s *Subscriber) Subscribe(ctx context.Context, orgID string, h Handlers) (*Subscription, error) {
	if orgID == "" {
		return nil, fmt.Errorf("subscribe: empty org id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		if s.current.OrgID == orgID && !s.current.isClosed() {
			return s.current, nil
		}
		s.current.close()
		s.current = nil
	}

	sub := &Subscription{OrgID: orgID, handlers: h, log: s.log.With("org", orgID)}
	topic := Topic{OrgID: orgID}
	handle, err := s.transport.Subscribe(ctx, topic, Sink{
		OnRow:      sub.dispatch,
		OnLost:     sub.lost,
		OnRestored: sub.restored,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSubscriptionLost, err)
	}
	sub.handle = handle
	s.current = sub

	s.log.Debug().Str("topic", topic.String()).Msg("subscribed")
	return sub, nil
}

// Current returns the live subscription, if any.
func (s *Subscriber) Current() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.isClosed() {
		return nil
	}
	return s.current
}

// Close tears down the current subscription.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.close()
	s.current = nil
	return err
}

// Subscription is one org's feed. Callbacks stop once it is closed.
type Subscription struct {
	OrgID string

	handlers Handlers
	handle   Handle
	log      *logging.Logger

	mu     sync.Mutex
	closed bool
}

// Unsubscribe closes the subscription. Safe to call more than once.
func (sub *Subscription) Unsubscribe() error {
	return sub.close()
}

func (sub *Subscription) close() error {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return nil
	}
	sub.closed = true
	sub.mu.Unlock()

	if sub.handle == nil {
		return nil
	}
	return sub.handle.Close()
}

func (sub *Subscription) isClosed() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.closed
}

func (sub *Subscription) dispatch(r Row) {
	if sub.isClosed() {
		return
	}
	if r.OrgID != sub.OrgID {
		sub.log.Debug().Str("rowOrg", r.OrgID).Msg("dropping row for another org")
		return
	}
	if r.Op != OpInsert {
		sub.log.Debug().Str("op", string(r.Op)).Msg("ignoring non-insert row")
		return
	}

	switch r.Table {
	case TableMessages:
		m, err := r.Message()
		if err != nil {
			sub.log.Warn().Err(err).Msg("dropping undecodable row")
			return
		}
		if sub.handlers.OnMessage != nil {
			sub.handlers.OnMessage(m)
		}
	case TableConversations:
		c, err := r.Conversation()
		if err != nil {
			sub.log.Warn().Err(err).Msg("dropping undecodable row")
			return
		}
		if c.OrgID != sub.OrgID {
			sub.log.Debug().Str("conversation", c.ID).Msg("dropping conversation for another org")
			return
		}
		if sub.handlers.OnConversation != nil {
			sub.handlers.OnConversation(c)
		}
	default:
		sub.log.Debug().Str("table", string(r.Table)).Msg("ignoring row from unknown table")
	}
}

func (sub *Subscription) lost(err error) {
	if sub.isClosed() {
		return
	}
	sub.log.Warn().Err(err).Msg("subscription lost")
	if sub.handlers.OnLost != nil {
		sub.handlers.OnLost(fmt.Errorf("%w: %v", domain.ErrSubscriptionLost, err))
	}
}

func (sub *Subscription) restored() {
	if sub.isClosed() {
		return
	}
	sub.log.Info().Msg("subscription restored")
	if sub.handlers.OnRestored != nil {
		sub.handlers.OnRestored()
	}
}
