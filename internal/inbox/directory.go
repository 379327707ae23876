package inbox

import (
	"slices"
	"strings"
	"time"

	"github.com/soyeahso/salesdesk/internal/domain"
)

// Directory is a session's recency-sorted list of visible conversations.
// It is owned by the session loop and is not safe for concurrent use.
type Directory struct {
	convs []domain.Conversation

	// counted holds, per conversation, the message sequence a loaded
	// unread count already covers.
	counted map[string]int64
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory { return &Directory{counted: make(map[string]int64)} }

// compareConversations orders by last activity descending, conversations
// without messages last, then by creation time descending, then id.
func compareConversations(a, b domain.Conversation) int {
	switch {
	case a.LastMessageAt != nil && b.LastMessageAt == nil:
		return -1
	case a.LastMessageAt == nil && b.LastMessageAt != nil:
		return 1
	case a.LastMessageAt != nil && !a.LastMessageAt.Equal(*b.LastMessageAt):
		return b.LastMessageAt.Compare(*a.LastMessageAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return b.CreatedAt.Compare(a.CreatedAt)
	}
	return strings.Compare(a.ID, b.ID)
}

func (d *Directory) resort() {
	slices.SortStableFunc(d.convs, compareConversations)
}

func (d *Directory) index(id string) int {
	return slices.IndexFunc(d.convs, func(c domain.Conversation) bool { return c.ID == id })
}

// Replace swaps in a freshly loaded list.
func (d *Directory) Replace(convs []domain.Conversation) {
	d.convs = slices.Clone(convs)
	d.counted = make(map[string]int64, len(convs))
	for _, c := range convs {
		d.markCounted(c)
	}
	d.resort()
}

// markCounted records that c's unread count already includes every message
// up to c.MessageSeq.
func (d *Directory) markCounted(c domain.Conversation) {
	if c.MessageSeq > d.counted[c.ID] {
		d.counted[c.ID] = c.MessageSeq
	}
}

// Merge integrates a reload that began at since. The loaded list is the base,
// with three local facts kept: activity newer than the loaded row (the feed
// raced ahead of the read), conversations absent from the load that were
// created at or after since, and a zero unread count for the open
// conversation.
func (d *Directory) Merge(loaded []domain.Conversation, since time.Time, openID string) {
	local := make(map[string]domain.Conversation, len(d.convs))
	for _, c := range d.convs {
		local[c.ID] = c
	}

	merged := make([]domain.Conversation, 0, len(loaded))
	seen := make(map[string]bool, len(loaded))
	for _, c := range loaded {
		seen[c.ID] = true
		d.markCounted(c)
		if prev, ok := local[c.ID]; ok && prev.LastMessageAt != nil &&
			(c.LastMessageAt == nil || prev.LastMessageAt.After(*c.LastMessageAt)) {
			c.LastMessageAt = prev.LastMessageAt
			c.LastMessagePreview = prev.LastMessagePreview
			if prev.UnreadCount > c.UnreadCount {
				c.UnreadCount = prev.UnreadCount
			}
		}
		if c.ID == openID {
			c.UnreadCount = 0
		}
		merged = append(merged, c)
	}
	for _, c := range d.convs {
		if !seen[c.ID] && !c.CreatedAt.Before(since) {
			merged = append(merged, c)
		}
	}

	d.convs = merged
	d.resort()
}

// UpsertFromFeed adds a conversation first seen on the feed. It is additive
// only: a known id is left untouched. Reports whether c was added.
func (d *Directory) UpsertFromFeed(c domain.Conversation) bool {
	if c.Status != "" && c.Status != domain.StatusActive {
		return false
	}
	if d.index(c.ID) >= 0 {
		return false
	}
	d.convs = append(d.convs, c)
	d.markCounted(c)
	d.resort()
	return true
}

// ApplyMessageActivity records a message on conversation id: preview and
// last activity move forward, and inbound messages on a conversation that is
// not open count as unread. A sequenced message at or below what a loaded
// row already counted is not counted again. Reports false for unknown ids.
func (d *Directory) ApplyMessageActivity(id string, s domain.MessageSummary, isOpen bool) bool {
	i := d.index(id)
	if i < 0 {
		return false
	}
	c := &d.convs[i]
	if c.LastMessageAt == nil || !s.At.Before(*c.LastMessageAt) {
		at := s.At
		c.LastMessageAt = &at
		c.LastMessagePreview = s.Preview
	}
	if s.Direction == domain.DirectionInbound && !isOpen {
		if s.Seq == 0 || s.Seq > d.counted[id] {
			c.UnreadCount++
		}
	}
	d.resort()
	return true
}

// MarkRead zeroes the unread count. Reports whether anything changed, so
// the caller only persists real transitions.
func (d *Directory) MarkRead(id string) bool {
	i := d.index(id)
	if i < 0 || d.convs[i].UnreadCount == 0 {
		return false
	}
	d.convs[i].UnreadCount = 0
	return true
}

// Get returns a copy of conversation id.
func (d *Directory) Get(id string) (domain.Conversation, bool) {
	i := d.index(id)
	if i < 0 {
		return domain.Conversation{}, false
	}
	return d.convs[i], true
}

// List returns a copy of the sorted list.
func (d *Directory) List() []domain.Conversation {
	return slices.Clone(d.convs)
}

// Len returns the number of conversations.
func (d *Directory) Len() int { return len(d.convs) }

// TotalUnread sums unread counts, the inbox badge.
func (d *Directory) TotalUnread() int {
	n := 0
	for _, c := range d.convs {
		n += c.UnreadCount
	}
	return n
}

// Clear empties the directory.
func (d *Directory) Clear() {
	d.convs = nil
	d.counted = make(map[string]int64)
}

// Filter narrows the list for display. Zero fields match everything.
type Filter struct {
	StageTag string `json:"stageTag,omitempty"`
	Search   string `json:"search,omitempty"`
	Unread   bool   `json:"unread,omitempty"`
}

// Filter returns the conversations matching f, in directory order. It never
// mutates the directory.
func (d *Directory) Filter(f Filter) []domain.Conversation {
	search := strings.ToLower(strings.TrimSpace(f.Search))
	out := make([]domain.Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		if f.StageTag != "" && c.StageTag != f.StageTag {
			continue
		}
		if f.Unread && c.UnreadCount == 0 {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(c.DisplayName), search) {
			continue
		}
		out = append(out, c)
	}
	return out
}
