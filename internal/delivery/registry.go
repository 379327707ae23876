// Package delivery hands outbound messages to the external channel that
// actually reaches the lead (WhatsApp provider webhook, Gmail, ...).
package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/logging"
)

// Deliverer sends one message over an external channel.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, req domain.DeliveryRequest) error
}

// Registry routes delivery requests by channel kind, with a fallback for
// kinds that have no dedicated deliverer.
type Registry struct {
	mu       sync.RWMutex
	byKind   map[domain.ChannelKind]Deliverer
	fallback Deliverer
	log      *logging.Logger
}

// NewRegistry creates a registry. fallback may be nil, in which case
// unrouted kinds fail.
func NewRegistry(fallback Deliverer, log *logging.Logger) *Registry {
	return &Registry{
		byKind:   make(map[domain.ChannelKind]Deliverer),
		fallback: fallback,
		log:      log.Sub("delivery"),
	}
}

// Register routes kind to d.
func (r *Registry) Register(kind domain.ChannelKind, d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = d
	r.log.Info().Str("channel", string(kind)).Str("deliverer", d.Name()).Msg("deliverer registered")
}

// For returns the deliverer for kind.
func (r *Registry) For(kind domain.ChannelKind) (Deliverer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.byKind[kind]; ok {
		return d, true
	}
	return r.fallback, r.fallback != nil
}

// Deliver sends req through the deliverer for its channel.
func (r *Registry) Deliver(ctx context.Context, req domain.DeliveryRequest) error {
	d, ok := r.For(req.Channel)
	if !ok {
		return fmt.Errorf("no deliverer for channel %q", req.Channel)
	}
	if err := d.Deliver(ctx, req); err != nil {
		r.log.Warn().Err(err).
			Str("deliverer", d.Name()).
			Str("conversation", req.ConversationID).
			Msg("delivery failed")
		return fmt.Errorf("%s: %w", d.Name(), err)
	}
	r.log.Debug().Str("deliverer", d.Name()).Str("conversation", req.ConversationID).Msg("delivered")
	return nil
}

// Routes lists channel kind -> deliverer name, sorted by kind. The fallback
// is listed under "*".
func (r *Registry) Routes() [][2]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][2]string, 0, len(r.byKind)+1)
	for kind, d := range r.byKind {
		out = append(out, [2]string{string(kind), d.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	if r.fallback != nil {
		out = append(out, [2]string{"*", r.fallback.Name()})
	}
	return out
}

// Count returns the number of channel-specific routes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKind)
}

// LogOnly records deliveries in the log and always succeeds. It is the
// development default when no provider is configured.
type LogOnly struct {
	log *logging.Logger
}

// NewLogOnly creates a LogOnly deliverer.
func NewLogOnly(log *logging.Logger) *LogOnly {
	return &LogOnly{log: log.Sub("delivery.log")}
}

func (l *LogOnly) Name() string { return "log" }

func (l *LogOnly) Deliver(_ context.Context, req domain.DeliveryRequest) error {
	l.log.Info().
		Str("org", req.OrgID).
		Str("conversation", req.ConversationID).
		Str("channel", string(req.Channel)).
		Str("author", req.Author).
		Int("chars", len(req.Text)).
		Msg("outbound message")
	return nil
}
