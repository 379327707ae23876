package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soyeahso/salesdesk/internal/hooks"
	"github.com/soyeahso/salesdesk/internal/inbox"
	"github.com/soyeahso/salesdesk/internal/logging"
)

// writeTimeout bounds a single frame write so a stalled socket cannot hold
// up the inbox loop that emits events.
const writeTimeout = 10 * time.Second

// Client is one authenticated agent connection. Session is nil when the
// gateway runs without a store.
type Client struct {
	ConnID      string
	Info        ClientInfo
	Socket      *websocket.Conn
	AuthResult  AuthResult
	ConnectedAt time.Time
	Session     *inbox.Session

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	seq      atomic.Int64
	log      *logging.Logger
}

func NewClient(conn *websocket.Conn, info ClientInfo, authResult AuthResult, log *logging.Logger) *Client {
	return &Client{
		ConnID:      uuid.NewString(),
		Info:        info,
		Socket:      conn,
		AuthResult:  authResult,
		ConnectedAt: time.Now(),
		log:         log,
	}
}

// Send writes one frame. Handlers, session hooks and broadcasts all write
// through here, so writes are serialized on mu.
func (c *Client) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.Socket == nil {
		return ErrClientClosed
	}
	c.Socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Socket.WriteJSON(frame)
}

// sendBuilt sends a frame from one of the New* constructors.
func (c *Client) sendBuilt(f Frame, err error) error {
	if err != nil {
		return err
	}
	return c.Send(f)
}

func (c *Client) SendEvent(event string, payload any, seq int64) error {
	return c.sendBuilt(NewEvent(event, payload, seq))
}

func (c *Client) Respond(reqID string, payload any) error {
	return c.sendBuilt(NewResponse(reqID, payload))
}

func (c *Client) RespondError(reqID string, shape ErrorShape) error {
	return c.Send(NewErrorResponse(reqID, shape))
}

// ReadFrame blocks for the next frame. Only the read loop calls it.
func (c *Client) ReadFrame() (Frame, error) {
	var f Frame
	err := c.Socket.ReadJSON(&f)
	return f, err
}

// Close waits for in-flight requests, closes the inbox session and then the
// WebSocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.Session != nil {
		if err := c.Session.Close(); err != nil {
			c.log.Warn().Err(err).Str("connId", c.ConnID).Msg("closing inbox session")
		}
	}
	c.inflight.Wait()
	if c.Socket == nil {
		return nil
	}
	return c.Socket.Close()
}

// keepalive pings the agent until done closes or a ping fails.
func (c *Client) keepalive(done <-chan struct{}, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := c.Socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Debug().Err(err).Str("connId", c.ConnID).Msg("ping failed")
				return
			}
		}
	}
}

// inboxEvents maps session hook events to the event names pushed to clients.
var inboxEvents = map[string]string{
	hooks.EventConversationUpdated:  EventInboxConversation,
	hooks.EventMessageAppended:      EventInboxMessage,
	hooks.EventDirectoryReloaded:    EventInboxReloaded,
	hooks.EventSubscriptionLost:     EventInboxFeedLost,
	hooks.EventSubscriptionRestored: EventInboxFeedRestored,
	hooks.EventSendFailed:           EventInboxSendFailed,
}

// forwardEvents pushes the session's hook events to the socket. Handlers run
// on the session loop, so they only write frames.
func (c *Client) forwardEvents(hm *hooks.Manager) {
	for event, name := range inboxEvents {
		hm.On(event, "ws:"+c.ConnID, func(_ context.Context, p hooks.Payload) error {
			return c.SendEvent(name, p, c.seq.Add(1))
		})
	}
}
