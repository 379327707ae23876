package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/soyeahso/salesdesk/internal/logging"
)

var errBrokerOffline = errors.New("broker offline")

// Broker is an in-process Transport and Publisher. Rows are fanned out
// synchronously to matching subscriptions on the publishing goroutine.
// Rows published while disconnected are lost, like a real feed outage.
type Broker struct {
	log *logging.Logger

	mu      sync.Mutex
	subs    map[uint64]*brokerSub
	nextID  uint64
	offline bool
}

type brokerSub struct {
	topic Topic
	sink  Sink
}

// NewBroker creates a connected Broker.
func NewBroker(log *logging.Logger) *Broker {
	return &Broker{
		log:  log.Sub("broker"),
		subs: make(map[uint64]*brokerSub),
	}
}

// Subscribe registers sink for topic.
func (b *Broker) Subscribe(_ context.Context, topic Topic, sink Sink) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return nil, errBrokerOffline
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = &brokerSub{topic: topic, sink: sink}
	return &brokerHandle{broker: b, id: id}, nil
}

// Publish delivers row to every subscription whose topic matches.
func (b *Broker) Publish(_ context.Context, row Row) error {
	targets, ok := b.matching(func(s *brokerSub) bool { return s.topic.Matches(row) })
	if !ok {
		b.log.Debug().Str("table", string(row.Table)).Msg("broker offline, row lost")
		return nil
	}
	for _, s := range targets {
		if s.sink.OnRow != nil {
			s.sink.OnRow(row)
		}
	}
	return nil
}

// Disconnect simulates a transport outage and notifies every subscriber.
func (b *Broker) Disconnect(cause error) {
	if cause == nil {
		cause = errBrokerOffline
	}
	b.mu.Lock()
	if b.offline {
		b.mu.Unlock()
		return
	}
	b.offline = true
	targets := b.snapshot()
	b.mu.Unlock()

	b.log.Warn().Err(cause).Int("subscribers", len(targets)).Msg("broker disconnected")
	for _, s := range targets {
		if s.sink.OnLost != nil {
			s.sink.OnLost(cause)
		}
	}
}

// Reconnect ends an outage and notifies every subscriber.
func (b *Broker) Reconnect() {
	b.mu.Lock()
	if !b.offline {
		b.mu.Unlock()
		return
	}
	b.offline = false
	targets := b.snapshot()
	b.mu.Unlock()

	b.log.Info().Int("subscribers", len(targets)).Msg("broker reconnected")
	for _, s := range targets {
		if s.sink.OnRestored != nil {
			s.sink.OnRestored()
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) matching(keep func(*brokerSub) bool) ([]*brokerSub, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return nil, false
	}
	var out []*brokerSub
	for _, s := range b.subs {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out, true
}

// snapshot must be called with b.mu held.
func (b *Broker) snapshot() []*brokerSub {
	out := make([]*brokerSub, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	return out
}

type brokerHandle struct {
	broker *Broker
	id     uint64
}

func (h *brokerHandle) Close() error {
	h.broker.mu.Lock()
	delete(h.broker.subs, h.id)
	h.broker.mu.Unlock()
	return nil
}
