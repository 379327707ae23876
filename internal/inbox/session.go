// Package inbox keeps one agent's view of an org's conversations in sync.
//
// A Session merges three producers into a Directory and a Timeline: bulk
// reads from the canonical store, change feed rows, and the agent's own
// outbound sends. Every mutation runs on the session's loop goroutine, fed
// by a bounded queue; producers block when it is full.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soyeahso/salesdesk/internal/config"
	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/feed"
	"github.com/soyeahso/salesdesk/internal/hooks"
	"github.com/soyeahso/salesdesk/internal/logging"
)

// Options configures a Session.
type Options struct {
	AgentID   string
	AgentName string

	Store     Store
	Deliverer Deliverer
	Transport feed.Transport
	Hooks     *hooks.Manager
	Log       *logging.Logger

	QueueSize    int
	DedupWindow  time.Duration
	SeenCapacity int
	PhoneRegion  string

	Now func() time.Time
}

// ApplyConfig copies inbox tuning from cfg into o.
func (o *Options) ApplyConfig(cfg config.InboxConfig) {
	o.QueueSize = cfg.QueueSize
	o.DedupWindow = time.Duration(cfg.DedupWindowSeconds) * time.Second
	o.SeenCapacity = cfg.SeenCapacity
	o.PhoneRegion = cfg.PhoneRegion
}

// Session is one agent's live inbox for one org at a time.
type Session struct {
	agentID   string
	agentName string

	store      Store
	deliverer  Deliverer
	subscriber *feed.Subscriber
	hooks      *hooks.Manager
	log        *logging.Logger
	region     string
	window     time.Duration
	now        func() time.Time

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
	loopWG    sync.WaitGroup
	bg        sync.WaitGroup // joined by Close once the loop has stopped

	// Owned by the loop goroutine.
	orgID    string
	epoch    uint64
	openID   string
	openGen  uint64
	dir      *Directory
	tl       *Timeline
	seen     *seenSet
	inflight map[string]*domain.PendingSend
	sends    map[string]*domain.PendingSend
	feedErr  error
	bgBusy   int
	bgIdle   []chan struct{}
}

// NewSession creates a Session and starts its loop. Call Start to load an org.
func NewSession(opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 512
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 2 * time.Second
	}
	if opts.PhoneRegion == "" {
		opts.PhoneRegion = "BR"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logging.New(nil, "silent")
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewManager(opts.Log)
	}

	log := opts.Log.Sub("inbox")
	if opts.AgentID != "" {
		log = log.With("agent", opts.AgentID)
	}

	s := &Session{
		agentID:    opts.AgentID,
		agentName:  opts.AgentName,
		store:      opts.Store,
		deliverer:  opts.Deliverer,
		subscriber: feed.NewSubscriber(opts.Transport, opts.Log),
		hooks:      opts.Hooks,
		log:        log,
		region:     opts.PhoneRegion,
		window:     opts.DedupWindow,
		now:        opts.Now,
		events:     make(chan func(), opts.QueueSize),
		done:       make(chan struct{}),
		dir:        NewDirectory(),
		tl:         NewTimeline(),
		seen:       newSeenSet(opts.SeenCapacity),
		inflight:   make(map[string]*domain.PendingSend),
		sends:      make(map[string]*domain.PendingSend),
	}

	s.loopWG.Add(1)
	go s.loop()
	return s
}

func (s *Session) loop() {
	defer s.loopWG.Done()
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.events:
			fn()
		}
	}
}

// enqueue hands fn to the loop, blocking while the queue is full.
func (s *Session) enqueue(ctx context.Context, fn func()) error {
	select {
	case <-s.done:
		return domain.ErrSessionClosed
	default:
	}
	select {
	case s.events <- fn:
		return nil
	case <-s.done:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the loop and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := s.enqueue(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return domain.ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is do without a caller deadline, for bookkeeping that must happen.
func (s *Session) run(fn func()) {
	_ = s.do(context.Background(), fn)
}

func (s *Session) emit(event, convID string, data any, err error) {
	p := hooks.Payload{Event: event, OrgID: s.orgID, ConversationID: convID, Data: data}
	if err != nil {
		p.Error = err.Error()
	}
	s.hooks.Emit(context.Background(), p)
}

// Hooks returns the manager the session emits on. Handlers run on the
// session loop and must not call back into the Session.
func (s *Session) Hooks() *hooks.Manager { return s.hooks }

// Start loads orgID's conversations and subscribes to its feed. Any state
// from a previous org is discarded first. A failed subscription is recorded
// (see Status) and retried on Resync; a failed load returns
// ErrDataUnavailable.
func (s *Session) Start(ctx context.Context, orgID string) error {
	if orgID == "" {
		return errors.New("start: empty org id")
	}
	if err := s.subscriber.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing previous subscription")
	}

	var epoch uint64
	if err := s.do(ctx, func() {
		s.epoch++
		epoch = s.epoch
		s.orgID = orgID
		s.openID = ""
		s.openGen++
		s.dir.Clear()
		s.tl.Clear()
		s.seen.Reset()
		s.inflight = make(map[string]*domain.PendingSend)
		s.sends = make(map[string]*domain.PendingSend)
		s.feedErr = nil
	}); err != nil {
		return err
	}

	if err := s.subscribe(ctx, orgID, epoch); err != nil {
		s.log.Warn().Err(err).Str("org", orgID).Msg("feed subscription failed, continuing without live updates")
	}
	return s.reload(ctx, orgID, epoch)
}

// SwitchOrg moves the session to another org. Nothing from the previous org
// survives the switch.
func (s *Session) SwitchOrg(ctx context.Context, orgID string) error {
	return s.Start(ctx, orgID)
}

func (s *Session) subscribe(ctx context.Context, orgID string, epoch uint64) error {
	guard := func(fn func()) {
		_ = s.enqueue(context.Background(), func() {
			if s.epoch == epoch {
				fn()
			}
		})
	}

	_, err := s.subscriber.Subscribe(ctx, orgID, feed.Handlers{
		OnMessage: func(m domain.Message) {
			guard(func() { s.applyMessage(m, false) })
		},
		OnConversation: func(c domain.Conversation) {
			c = s.enrichOne(c)
			guard(func() { s.applyConversation(c) })
		},
		OnLost: func(err error) {
			guard(func() { s.feedLost(err) })
		},
		OnRestored: func() {
			guard(func() { s.feedRestored() })
		},
	})
	if err != nil {
		s.run(func() {
			if s.epoch == epoch {
				s.feedLost(err)
			}
		})
		return err
	}
	return nil
}

func (s *Session) enrichOne(c domain.Conversation) domain.Conversation {
	leads, err := s.store.LookupLeads(context.Background(), c.OrgID, []string{c.LeadID})
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", c.ID).Msg("lead lookup failed")
	}
	lead, ok := leads[c.LeadID]
	return enrich(c, lead, ok, s.region)
}

// reload fetches the directory and merges it on the loop unless the org
// changed meanwhile.
func (s *Session) reload(ctx context.Context, orgID string, epoch uint64) error {
	since := s.now()
	convs, err := loadConversations(ctx, s.store, s.store, orgID, s.region)
	if err != nil {
		s.log.Warn().Err(err).Str("org", orgID).Msg("directory load failed, keeping last known state")
		return err
	}
	return s.do(ctx, func() {
		if s.epoch != epoch {
			s.log.Debug().Err(domain.ErrStaleResult).Str("org", orgID).Msg("discarding directory for previous org")
			return
		}
		s.dir.Merge(convs, since, s.openID)
		s.emit(hooks.EventDirectoryReloaded, "", s.dir.List(), nil)
	})
}

// History is what Open returns. Stale is set when another Open or a
// CloseConversation overtook the load: nothing was applied and Messages is
// empty.
type History struct {
	Messages []domain.Message
	Stale    bool
}

// Open makes id the open conversation and loads its history. Unread is
// cleared locally and in the store. An overtaken load is discarded and
// reported through History.Stale, not as an error.
func (s *Session) Open(ctx context.Context, id string) (History, error) {
	var known bool
	var gen, epoch uint64
	if err := s.do(ctx, func() {
		if _, known = s.dir.Get(id); !known {
			return
		}
		if s.openID != "" {
			s.tl.Evict(s.openID)
		}
		s.tl.Evict(id)
		s.openID = id
		s.openGen++
		gen, epoch = s.openGen, s.epoch
	}); err != nil {
		return History{}, err
	}
	if !known {
		return History{}, fmt.Errorf("%w: %s", domain.ErrUnknownConversation, id)
	}
	msgs, err := s.loadOpen(ctx, id, gen, epoch)
	if errors.Is(err, domain.ErrStaleResult) {
		return History{Stale: true}, nil
	}
	if err != nil {
		return History{}, err
	}
	return History{Messages: msgs}, nil
}

func (s *Session) loadOpen(ctx context.Context, id string, gen, epoch uint64) ([]domain.Message, error) {
	msgs, err := loadHistory(ctx, s.store, id)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", id).Msg("history load failed")
		return nil, err
	}

	var applied, cleared bool
	var out []domain.Message
	if err := s.do(ctx, func() {
		if s.epoch != epoch || s.openID != id || s.openGen != gen {
			return
		}
		applied = true
		s.tl.Load(id, msgs, s.window)
		out = s.tl.Messages(id)
		if s.dir.MarkRead(id) {
			cleared = true
			c, _ := s.dir.Get(id)
			s.emit(hooks.EventConversationUpdated, id, c, nil)
		}
	}); err != nil {
		return nil, err
	}
	if !applied {
		s.log.Debug().Str("conversation", id).Msg("discarding stale history")
		return nil, fmt.Errorf("%w: history for %s", domain.ErrStaleResult, id)
	}
	if cleared {
		_ = s.persistRead(ctx, id)
	}
	return out, nil
}

// CloseConversation leaves the open conversation and drops its timeline.
func (s *Session) CloseConversation(ctx context.Context) error {
	return s.do(ctx, func() {
		if s.openID != "" {
			s.tl.Evict(s.openID)
		}
		s.openID = ""
		s.openGen++
	})
}

// MarkRead clears a conversation's unread count and persists it.
func (s *Session) MarkRead(ctx context.Context, id string) error {
	var known, changed bool
	if err := s.do(ctx, func() {
		if _, known = s.dir.Get(id); !known {
			return
		}
		if changed = s.dir.MarkRead(id); changed {
			c, _ := s.dir.Get(id)
			s.emit(hooks.EventConversationUpdated, id, c, nil)
		}
	}); err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("%w: %s", domain.ErrUnknownConversation, id)
	}
	if !changed {
		return nil
	}
	return s.persistRead(ctx, id)
}

func (s *Session) persistRead(ctx context.Context, id string) error {
	if err := s.store.UpdateUnread(ctx, id, 0); err != nil {
		s.log.Warn().Err(err).Str("conversation", id).Msg("persisting read state failed")
		return err
	}
	return nil
}

// persistReadAsync keeps the store's counter at zero for the open
// conversation after the store counted an inbound insert.
func (s *Session) persistReadAsync(id string) {
	s.background(func() {
		_ = s.persistRead(context.Background(), id)
	})
}

// background runs fn on its own goroutine. It is called on the loop, which
// also owns the busy count Sync waits on.
func (s *Session) background(fn func()) {
	s.bgBusy++
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
		_ = s.enqueue(context.Background(), func() {
			s.bgBusy--
			if s.bgBusy > 0 {
				return
			}
			for _, ch := range s.bgIdle {
				close(ch)
			}
			s.bgIdle = nil
		})
	}()
}

// Resync reloads the directory and the open timeline, and resubscribes if
// there is no live subscription. It is the recovery path for rows missed
// while the feed was down.
func (s *Session) Resync(ctx context.Context) error {
	var orgID, openID string
	var epoch, gen uint64
	if err := s.do(ctx, func() {
		orgID, openID, epoch, gen = s.orgID, s.openID, s.epoch, s.openGen
	}); err != nil {
		return err
	}
	if orgID == "" {
		return nil
	}

	if s.subscriber.Current() == nil {
		if err := s.subscribe(ctx, orgID, epoch); err == nil {
			s.run(func() {
				if s.epoch == epoch {
					s.feedErr = nil
				}
			})
		}
	}
	if err := s.reload(ctx, orgID, epoch); err != nil {
		return err
	}
	if openID != "" {
		if _, err := s.loadOpen(ctx, openID, gen, epoch); err != nil && !errors.Is(err, domain.ErrStaleResult) {
			return err
		}
	}
	return nil
}

// Sync waits until every event queued so far, and any background work it
// started, has been applied.
func (s *Session) Sync(ctx context.Context) error {
	var idle chan struct{}
	if err := s.do(ctx, func() {
		if s.bgBusy > 0 {
			idle = make(chan struct{})
			s.bgIdle = append(s.bgIdle, idle)
		}
	}); err != nil {
		return err
	}
	if idle != nil {
		select {
		case <-idle:
		case <-s.done:
			return domain.ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.do(ctx, func() {})
}

// Close tears down the subscription and stops the loop.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.subscriber.Close()
		close(s.done)
		s.loopWG.Wait()
		s.bg.Wait()
	})
	return err
}

// --- read side ---

// OrgID returns the current org.
func (s *Session) OrgID(ctx context.Context) (string, error) {
	var org string
	err := s.do(ctx, func() { org = s.orgID })
	return org, err
}

// OpenID returns the open conversation id, or "".
func (s *Session) OpenID(ctx context.Context) (string, error) {
	var id string
	err := s.do(ctx, func() { id = s.openID })
	return id, err
}

// Conversations returns the directory filtered by f.
func (s *Session) Conversations(ctx context.Context, f Filter) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := s.do(ctx, func() { out = s.dir.Filter(f) })
	return out, err
}

// Conversation returns one directory entry.
func (s *Session) Conversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	var c domain.Conversation
	var ok bool
	err := s.do(ctx, func() { c, ok = s.dir.Get(id) })
	return c, ok, err
}

// Timeline returns the open conversation's messages.
func (s *Session) Timeline(ctx context.Context) ([]domain.Message, error) {
	var out []domain.Message
	err := s.do(ctx, func() {
		if s.openID != "" {
			out = s.tl.Messages(s.openID)
		}
	})
	return out, err
}

// Unread returns the total unread count across the directory.
func (s *Session) Unread(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, func() { n = s.dir.TotalUnread() })
	return n, err
}

// Status is a point-in-time summary of a session.
type Status struct {
	OrgID         string `json:"orgId"`
	OpenID        string `json:"openId,omitempty"`
	Conversations int    `json:"conversations"`
	Unread        int    `json:"unread"`
	FeedErr       string `json:"feedError,omitempty"`
}

// Status reports the session's org, open conversation and feed health.
// FeedErr is set while the change feed is down.
func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func() {
		st = Status{
			OrgID:         s.orgID,
			OpenID:        s.openID,
			Conversations: s.dir.Len(),
			Unread:        s.dir.TotalUnread(),
		}
		if s.feedErr != nil {
			st.FeedErr = s.feedErr.Error()
		}
	})
	return st, err
}

// PendingSend returns a copy of the latest send on a conversation.
func (s *Session) PendingSend(ctx context.Context, convID string) (domain.PendingSend, bool, error) {
	var p domain.PendingSend
	var ok bool
	err := s.do(ctx, func() {
		if cur := s.sends[convID]; cur != nil {
			p, ok = *cur, true
		}
	})
	return p, ok, err
}
