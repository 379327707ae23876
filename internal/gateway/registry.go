package gateway

import (
	"errors"
	"sync"

	"github.com/soyeahso/salesdesk/internal/logging"
)

// ClientRegistry tracks live connections by ConnID.
type ClientRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Client
	log   *logging.Logger
}

func NewClientRegistry(log *logging.Logger) *ClientRegistry {
	return &ClientRegistry{conns: map[string]*Client{}, log: log}
}

func (r *ClientRegistry) Add(c *Client) {
	r.mu.Lock()
	r.conns[c.ConnID] = c
	n := len(r.conns)
	r.mu.Unlock()
	r.log.Info().Str("connId", c.ConnID).Str("client", c.Info.ID).Int("clients", n).Msg("client connected")
}

func (r *ClientRegistry) Remove(connID string) {
	r.mu.Lock()
	_, ok := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()
	if ok {
		r.log.Info().Str("connId", connID).Msg("client disconnected")
	}
}

func (r *ClientRegistry) Get(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *ClientRegistry) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Each calls fn for every client without holding the registry lock, so fn
// may block on a socket write.
func (r *ClientRegistry) Each(fn func(*Client)) {
	for _, c := range r.snapshot() {
		fn(c)
	}
}

// Broadcast sends one event to every client. Closed clients are skipped.
func (r *ClientRegistry) Broadcast(event string, payload any, seq int64) {
	r.Each(func(c *Client) {
		err := c.SendEvent(event, payload, seq)
		if err != nil && !errors.Is(err, ErrClientClosed) {
			r.log.Warn().Err(err).Str("connId", c.ConnID).Str("event", event).Msg("broadcast failed")
		}
	})
}

// CloseAll empties the registry and closes every client. Clients close in
// parallel since each one waits for its in-flight requests.
func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = map[string]*Client{}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()
}
