package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/feed"
)

// timeLayout is fixed width so lexicographic order matches time order.
const timeLayout = "2006-01-02 15:04:05.000000000"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrActiveConversationExists is returned when a lead already has an
	// active conversation in the org.
	ErrActiveConversationExists = errors.New("lead already has an active conversation")
)

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.ParseInLocation(timeLayout, s, time.UTC)
	return t
}

// Repository reads and writes inbox rows. After every committed insert it
// publishes a feed.Row through the change sink, if one is set.
type Repository struct {
	db   *DB
	sink feed.Publisher
	now  func() time.Time
}

// NewRepository creates a Repository. sink may be nil.
func NewRepository(db *DB, sink feed.Publisher) *Repository {
	return &Repository{db: db, sink: sink, now: time.Now}
}

func (r *Repository) publish(ctx context.Context, table feed.Table, orgID string, record any) {
	if r.sink == nil {
		return
	}
	row, err := feed.NewRow(table, orgID, record)
	if err == nil {
		err = r.sink.Publish(ctx, row)
	}
	if err != nil {
		r.db.log.Warn().Err(err).Str("table", string(table)).Str("org", orgID).Msg("change publish failed")
	}
}

// --- leads ---

// UpsertLead inserts or updates a lead, assigning an id when empty.
func (r *Repository) UpsertLead(ctx context.Context, lead domain.Lead) (domain.Lead, error) {
	if lead.OrgID == "" {
		return lead, fmt.Errorf("upsert lead: empty org id")
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	_, err := r.db.sql.ExecContext(ctx,
		`INSERT INTO leads (id, org_id, name, company, phone, email, sentiment, stage_tag, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   company = excluded.company,
		   phone = excluded.phone,
		   email = excluded.email,
		   sentiment = excluded.sentiment,
		   stage_tag = excluded.stage_tag`,
		lead.ID, lead.OrgID, lead.Name, lead.Company, lead.Phone, lead.Email,
		string(lead.Sentiment), lead.StageTag, formatTime(r.now()),
	)
	if err != nil {
		return lead, fmt.Errorf("upsert lead %s: %w", lead.ID, err)
	}
	return lead, nil
}

// LookupLeads returns the org's leads with the given ids, keyed by id.
// Unknown ids are absent from the result.
func (r *Repository) LookupLeads(ctx context.Context, orgID string, ids []string) (map[string]domain.Lead, error) {
	out := make(map[string]domain.Lead, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT id, org_id, name, company, phone, email, sentiment, stage_tag
		 FROM leads WHERE org_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup leads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.Lead
		var sentiment string
		if err := rows.Scan(&l.ID, &l.OrgID, &l.Name, &l.Company, &l.Phone, &l.Email, &sentiment, &l.StageTag); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		l.Sentiment = domain.Sentiment(sentiment)
		out[l.ID] = l
	}
	return out, rows.Err()
}

// ResolveLead matches lead against the org's existing leads by id, then
// phone, then email. Fields left empty are filled from the match before the
// lead is upserted; with no match a new lead is created.
func (r *Repository) ResolveLead(ctx context.Context, lead domain.Lead) (domain.Lead, error) {
	if lead.OrgID == "" {
		return lead, fmt.Errorf("resolve lead: empty org id")
	}
	if lead.ID == "" && lead.Phone == "" && lead.Email == "" {
		return lead, fmt.Errorf("resolve lead: need an id, phone or email")
	}

	var existing domain.Lead
	var sentiment string
	err := r.db.sql.QueryRowContext(ctx,
		`SELECT id, org_id, name, company, phone, email, sentiment, stage_tag
		 FROM leads
		 WHERE org_id = ? AND ((? <> '' AND id = ?) OR (? <> '' AND phone = ?) OR (? <> '' AND email = ?))
		 ORDER BY CASE WHEN id = ? THEN 0 WHEN phone = ? THEN 1 ELSE 2 END, created_at
		 LIMIT 1`,
		lead.OrgID, lead.ID, lead.ID, lead.Phone, lead.Phone, lead.Email, lead.Email, lead.ID, lead.Phone,
	).Scan(&existing.ID, &existing.OrgID, &existing.Name, &existing.Company, &existing.Phone, &existing.Email, &sentiment, &existing.StageTag)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return r.UpsertLead(ctx, lead)
	case err != nil:
		return lead, fmt.Errorf("resolve lead: %w", err)
	}

	existing.Sentiment = domain.Sentiment(sentiment)
	lead.ID = existing.ID
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&lead.Name, existing.Name)
	fill(&lead.Company, existing.Company)
	fill(&lead.Phone, existing.Phone)
	fill(&lead.Email, existing.Email)
	fill(&lead.StageTag, existing.StageTag)
	if lead.Sentiment == domain.SentimentNone {
		lead.Sentiment = existing.Sentiment
	}
	return r.UpsertLead(ctx, lead)
}

// --- conversations ---

const conversationColumns = `id, org_id, lead_id, channel, status, assigned_agent_id, automation_active,
	last_message_preview, last_message_at, unread_count, created_at, message_seq`

func scanConversation(scan func(...any) error) (domain.Conversation, error) {
	var c domain.Conversation
	var channel, status, createdAt string
	var lastAt sql.NullString
	var automation int
	err := scan(&c.ID, &c.OrgID, &c.LeadID, &channel, &status, &c.AssignedAgentID, &automation,
		&c.LastMessagePreview, &lastAt, &c.UnreadCount, &createdAt, &c.MessageSeq)
	if err != nil {
		return c, err
	}
	c.Channel = domain.ChannelKind(channel)
	c.Status = domain.ConversationStatus(status)
	c.AutomationActive = automation != 0
	c.CreatedAt = parseTime(createdAt)
	if lastAt.Valid {
		t := parseTime(lastAt.String)
		c.LastMessageAt = &t
	}
	return c, nil
}

// CreateConversation inserts a new conversation and publishes it.
func (r *Repository) CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	if c.OrgID == "" || c.LeadID == "" {
		return c, fmt.Errorf("create conversation: org and lead are required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = domain.StatusActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	var lastAt any
	if c.LastMessageAt != nil {
		lastAt = formatTime(*c.LastMessageAt)
	}

	_, err := r.db.sql.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OrgID, c.LeadID, string(c.Channel), string(c.Status), c.AssignedAgentID,
		boolInt(c.AutomationActive), c.LastMessagePreview, lastAt, c.UnreadCount, formatTime(c.CreatedAt),
		c.MessageSeq,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: conversations.org_id") {
			return c, ErrActiveConversationExists
		}
		return c, fmt.Errorf("create conversation: %w", err)
	}

	r.publish(ctx, feed.TableConversations, c.OrgID, c)
	return c, nil
}

// EnsureConversation returns the lead's active conversation, creating one on
// channel when there is none. created reports whether a row was inserted.
func (r *Repository) EnsureConversation(ctx context.Context, orgID, leadID string, channel domain.ChannelKind) (domain.Conversation, bool, error) {
	row := r.db.sql.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE org_id = ? AND lead_id = ? AND status = 'active'`, orgID, leadID)
	c, err := scanConversation(row.Scan)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return c, false, fmt.Errorf("find active conversation: %w", err)
	}

	c, err = r.CreateConversation(ctx, domain.Conversation{OrgID: orgID, LeadID: leadID, Channel: channel})
	if err != nil {
		return c, false, err
	}
	return c, true, nil
}

// GetConversation returns one conversation by id.
func (r *Repository) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	row := r.db.sql.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

// ListConversations returns the org's conversations with the given status,
// most recent activity first. Conversations without messages come last.
func (r *Repository) ListConversations(ctx context.Context, orgID string, status domain.ConversationStatus) ([]domain.Conversation, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE org_id = ? AND status = ?
		 ORDER BY last_message_at IS NULL, last_message_at DESC, created_at DESC, id`,
		orgID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CloseConversation marks a conversation closed.
func (r *Repository) CloseConversation(ctx context.Context, id string) error {
	res, err := r.db.sql.ExecContext(ctx, `UPDATE conversations SET status = 'closed' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("close conversation %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// UpdateUnread sets a conversation's unread counter.
func (r *Repository) UpdateUnread(ctx context.Context, conversationID string, n int) error {
	if n < 0 {
		return fmt.Errorf("update unread %s: negative count %d", conversationID, n)
	}
	res, err := r.db.sql.ExecContext(ctx,
		`UPDATE conversations SET unread_count = ? WHERE id = ?`, n, conversationID)
	if err != nil {
		return fmt.Errorf("update unread %s: %w", conversationID, err)
	}
	return requireAffected(res, conversationID)
}

// --- messages ---

const messageColumns = `id, conversation_id, lead_id, body, direction, sender, sender_name, kind,
	media_url, media_mime, sentiment, external_id, created_at, seq`

// ListMessages returns a conversation's messages oldest first.
func (r *Repository) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(scan func(...any) error) (domain.Message, error) {
	var m domain.Message
	var direction, sender, kind, mediaURL, mediaMime, sentiment, createdAt string
	err := scan(&m.ID, &m.ConversationID, &m.LeadID, &m.Body, &direction, &sender, &m.SenderName,
		&kind, &mediaURL, &mediaMime, &sentiment, &m.ExternalID, &createdAt, &m.Seq)
	if err != nil {
		return m, err
	}
	m.Direction = domain.Direction(direction)
	m.Sender = domain.SenderKind(sender)
	m.Kind = domain.MessageKind(kind)
	m.Sentiment = domain.Sentiment(sentiment)
	m.CreatedAt = parseTime(createdAt)
	if mediaURL != "" {
		m.Media = &domain.Media{URL: mediaURL, MimeType: mediaMime}
	}
	return m, nil
}

// InsertMessage persists m and bumps the conversation's preview, last
// activity, message sequence and, for inbound rows, unread counter in the
// same transaction. The message takes the new sequence number, so a reader
// holding the conversation row knows which messages its unread count covers.
// A repeated external id returns the stored row without inserting.
// The returned message carries the server-assigned id.
func (r *Repository) InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	if m.ConversationID == "" {
		return m, fmt.Errorf("insert message: empty conversation id")
	}
	m.ID = uuid.NewString()
	m.Local = false
	if m.Kind == "" {
		m.Kind = domain.KindText
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now()
	}
	m.CreatedAt = m.CreatedAt.UTC()

	tx, err := r.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return m, fmt.Errorf("insert message: %w", err)
	}
	defer tx.Rollback()

	var orgID, leadID string
	err = tx.QueryRowContext(ctx, `SELECT org_id, lead_id FROM conversations WHERE id = ?`, m.ConversationID).Scan(&orgID, &leadID)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("conversation %s: %w", m.ConversationID, ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("insert message: %w", err)
	}
	if m.LeadID == "" {
		m.LeadID = leadID
	}

	if m.ExternalID != "" {
		row := tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND external_id = ?`,
			m.ConversationID, m.ExternalID)
		existing, err := scanMessage(row.Scan)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return m, fmt.Errorf("insert message: %w", err)
		}
	}

	unreadDelta := 0
	if m.Direction == domain.DirectionInbound {
		unreadDelta = 1
	}
	at := formatTime(m.CreatedAt)
	if err := tx.QueryRowContext(ctx,
		`UPDATE conversations SET
		   last_message_preview = CASE WHEN last_message_at IS NULL OR last_message_at <= ? THEN ? ELSE last_message_preview END,
		   last_message_at = CASE WHEN last_message_at IS NULL OR last_message_at < ? THEN ? ELSE last_message_at END,
		   unread_count = unread_count + ?,
		   message_seq = message_seq + 1
		 WHERE id = ?
		 RETURNING message_seq`,
		at, m.Summary().Preview, at, at, unreadDelta, m.ConversationID,
	).Scan(&m.Seq); err != nil {
		return m, fmt.Errorf("update conversation activity: %w", err)
	}

	var mediaURL, mediaMime string
	if m.Media != nil {
		mediaURL, mediaMime = m.Media.URL, m.Media.MimeType
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.LeadID, m.Body, string(m.Direction), string(m.Sender), m.SenderName,
		string(m.Kind), mediaURL, mediaMime, string(m.Sentiment), m.ExternalID, at, m.Seq,
	); err != nil {
		return m, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return m, fmt.Errorf("insert message: %w", err)
	}

	r.publish(ctx, feed.TableMessages, orgID, m)
	return m, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
