// Package amqpfeed runs the change feed over a RabbitMQ topic exchange.
//
// Rows are published with routing key org.<org>.<table>.<op>. Each
// subscription binds an exclusive auto-delete queue to org.<org>.# so an
// agent session only sees its own org's rows.
package amqpfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/soyeahso/salesdesk/internal/feed"
	"github.com/soyeahso/salesdesk/internal/logging"
)

// Config configures the AMQP transport.
type Config struct {
	URL      string
	Exchange string
	Prefetch int

	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// Dialer overrides amqp.Dial, mainly for tests.
	Dialer func(url string) (*amqp.Connection, error)
}

// Transport implements feed.Transport and feed.Publisher.
type Transport struct {
	cfg Config
	log *logging.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

type subscription struct {
	id    uint64
	topic feed.Topic
	sink  feed.Sink

	// Guarded by Transport.mu.
	ch     io.Closer
	closed bool
}

var errSubscriptionClosed = errors.New("subscription closed")

// Dial connects, declares the exchange and starts the reconnect supervisor.
func Dial(ctx context.Context, cfg Config, log *logging.Logger) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "salesdesk.changes"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 64
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = amqp.Dial
	}

	t := &Transport{
		cfg:  cfg,
		log:  log.Sub("amqp"),
		subs: make(map[uint64]*subscription),
		done: make(chan struct{}),
	}
	if err := t.connect(); err != nil {
		return nil, err
	}

	t.wg.Add(1)
	go t.supervise()

	t.log.Info().Str("exchange", cfg.Exchange).Msg("feed transport connected")
	return t, nil
}

func (t *Transport) connect() error {
	conn, err := t.cfg.Dialer(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("opening publish channel: %w", err)
	}
	if err := ch.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declaring exchange %s: %w", t.cfg.Exchange, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.pubCh = ch
	t.mu.Unlock()
	return nil
}

// supervise waits for the connection to drop, tells every subscriber, then
// reconnects with jittered exponential backoff and restarts consumers.
func (t *Transport) supervise() {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()

		errCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		var cause error
		select {
		case <-t.done:
			return
		case amqpErr, ok := <-errCh:
			if !ok || amqpErr == nil {
				cause = errors.New("connection closed")
			} else {
				cause = amqpErr
			}
		}

		t.log.Error().Err(cause).Msg("amqp connection closed, reconnecting")
		for _, s := range t.snapshot() {
			if s.sink.OnLost != nil {
				s.sink.OnLost(cause)
			}
		}

		backoff := t.cfg.ReconnectBase
		for {
			select {
			case <-t.done:
				return
			default:
			}
			if err := t.connect(); err != nil {
				wait := jitteredDelay(backoff, t.cfg.ReconnectCap, 25)
				t.log.Error().Err(err).Dur("retryIn", wait).Msg("reconnect failed")
				select {
				case <-t.done:
					return
				case <-time.After(wait):
				}
				if backoff*2 < t.cfg.ReconnectCap {
					backoff *= 2
				}
				continue
			}
			break
		}

		for _, s := range t.snapshot() {
			err := t.consume(s)
			if errors.Is(err, errSubscriptionClosed) {
				continue
			}
			if err != nil {
				t.log.Error().Err(err).Str("topic", s.topic.String()).Msg("restart consumer after reconnect failed")
				continue
			}
			if s.sink.OnRestored != nil {
				s.sink.OnRestored()
			}
		}
		t.log.Info().Msg("amqp connection restored")
	}
}

// Subscribe binds a private queue for topic and starts consuming.
func (t *Transport) Subscribe(_ context.Context, topic feed.Topic, sink feed.Sink) (feed.Handle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport closed")
	}
	t.nextID++
	s := &subscription{id: t.nextID, topic: topic, sink: sink}
	t.mu.Unlock()

	if err := t.consume(s); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.subs[s.id] = s
	t.mu.Unlock()
	return &handle{t: t, s: s}, nil
}

func (t *Transport) consume(s *subscription) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consumer channel: %w", err)
	}
	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("declaring queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, BindingKey(s.topic), t.cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("binding queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consuming: %w", err)
	}
	if !t.attach(s, ch) {
		return errSubscriptionClosed
	}

	log := t.log.With("topic", s.topic.String())
	go func() {
		for d := range msgs {
			row, err := DecodeRow(d.Body)
			if err != nil {
				log.Warn().Err(err).Str("routingKey", d.RoutingKey).Msg("dropping poison delivery")
				continue
			}
			if s.sink.OnRow != nil {
				s.sink.OnRow(row)
			}
		}
	}()

	log.Debug().Str("queue", q.Name).Msg("consumer started")
	return nil
}

// attach installs ch as s's consumer channel. If s was closed while its
// consumer was being set up, ch is closed instead and attach reports false.
func (t *Transport) attach(s *subscription, ch io.Closer) bool {
	t.mu.Lock()
	closed := s.closed
	if !closed {
		s.ch = ch
	}
	t.mu.Unlock()
	if closed {
		_ = ch.Close()
	}
	return !closed
}

// Publish sends row to the exchange.
func (t *Transport) Publish(ctx context.Context, row feed.Row) error {
	body, err := json.Marshal(row)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubCh == nil || t.pubCh.IsClosed() {
		return errors.New("publish channel unavailable")
	}
	return t.pubCh.PublishWithContext(ctx, t.cfg.Exchange, RoutingKey(row), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   row.CommittedAt,
		Body:        body,
	})
}

// Close stops the supervisor and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	close(t.done)
	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}

func (t *Transport) snapshot() []*subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	return out
}

type handle struct {
	t    *Transport
	s    *subscription
	once sync.Once
}

func (h *handle) Close() error {
	var err error
	h.once.Do(func() {
		h.t.mu.Lock()
		delete(h.t.subs, h.s.id)
		h.s.closed = true
		ch := h.s.ch
		h.t.mu.Unlock()
		if ch != nil {
			err = ch.Close()
		}
	})
	return err
}

// RoutingKey is the topic-exchange key a row is published under.
func RoutingKey(row feed.Row) string {
	return "org." + keySegment(row.OrgID) + "." + keySegment(string(row.Table)) + "." + strings.ToLower(string(row.Op))
}

// BindingKey is the pattern a subscription for topic binds with.
func BindingKey(topic feed.Topic) string {
	return "org." + keySegment(topic.OrgID) + ".#"
}

// keySegment keeps dots and wildcards in ids from splitting routing words.
func keySegment(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", "#", "_").Replace(s)
}

// DecodeRow decodes a delivery body. Bodies without a table or org are poison.
func DecodeRow(body []byte) (feed.Row, error) {
	var row feed.Row
	if err := json.Unmarshal(body, &row); err != nil {
		return row, fmt.Errorf("decoding row: %w", err)
	}
	if row.Table == "" || row.OrgID == "" {
		return row, errors.New("row missing table or org")
	}
	return row, nil
}

func jitteredDelay(base, limit time.Duration, jitterPct int) time.Duration {
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > limit {
		wait = limit
	}
	return wait
}
