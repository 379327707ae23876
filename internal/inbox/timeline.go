package inbox

import (
	"slices"
	"sort"
	"time"

	"github.com/soyeahso/salesdesk/internal/domain"
)

// Timeline holds ordered message lists per conversation. In practice only
// the open conversation is materialized. Owned by the session loop.
type Timeline struct {
	byConv map[string][]domain.Message
}

// NewTimeline creates an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{byConv: make(map[string][]domain.Message)}
}

func compareMessages(a, b domain.Message) int {
	switch {
	case a.Before(b):
		return -1
	case b.Before(a):
		return 1
	}
	return 0
}

// Replace installs a loaded history: sorted, deduplicated by id.
func (t *Timeline) Replace(convID string, msgs []domain.Message) {
	sorted := slices.Clone(msgs)
	slices.SortStableFunc(sorted, compareMessages)
	out := sorted[:0]
	ids := make(map[string]bool, len(sorted))
	for _, m := range sorted {
		if ids[m.ID] {
			continue
		}
		ids[m.ID] = true
		out = append(out, m)
	}
	t.byConv[convID] = out
}

// Load installs a loaded history while keeping entries the loaded set does
// not contain: messages appended while the fetch was in flight and local
// optimistic entries. A local entry whose content matches a loaded row is
// dropped in favour of the row.
func (t *Timeline) Load(convID string, msgs []domain.Message, window time.Duration) {
	prior := t.byConv[convID]
	t.Replace(convID, msgs)
	for _, m := range prior {
		if t.Has(convID, m.ID) {
			continue
		}
		if m.Local && t.matchContent(convID, m, window, false) >= 0 {
			continue
		}
		t.Append(convID, m)
	}
}

// Append inserts m at its sorted position. Reports false if the id is
// already present.
func (t *Timeline) Append(convID string, m domain.Message) bool {
	msgs := t.byConv[convID]
	if t.Has(convID, m.ID) {
		return false
	}
	i := sort.Search(len(msgs), func(i int) bool { return m.Before(msgs[i]) })
	t.byConv[convID] = slices.Insert(msgs, i, m)
	return true
}

// Has reports whether conversation convID holds message id.
func (t *Timeline) Has(convID, id string) bool {
	return slices.ContainsFunc(t.byConv[convID], func(m domain.Message) bool { return m.ID == id })
}

// Loaded reports whether a timeline exists for convID.
func (t *Timeline) Loaded(convID string) bool {
	_, ok := t.byConv[convID]
	return ok
}

// PromoteLocal replaces a local optimistic entry with the canonical row m
// when their content keys match within window. Reports whether a
// replacement happened.
func (t *Timeline) PromoteLocal(convID string, m domain.Message, window time.Duration) bool {
	i := t.matchContent(convID, m, window, true)
	if i < 0 {
		return false
	}
	msgs := t.byConv[convID]
	t.byConv[convID] = slices.Delete(msgs, i, i+1)
	t.Append(convID, m)
	return true
}

// HasCanonicalMatch reports whether a non-local entry matches local
// entry m by content within window.
func (t *Timeline) HasCanonicalMatch(convID string, m domain.Message, window time.Duration) bool {
	return t.matchContent(convID, m, window, false) >= 0
}

// matchContent finds an entry with the same sender and trimmed body as m,
// created within window of it, whose Local flag equals wantLocal.
func (t *Timeline) matchContent(convID string, m domain.Message, window time.Duration, wantLocal bool) int {
	if window <= 0 {
		window = time.Second
	}
	key := contentKeyNoTime(m)
	for i, e := range t.byConv[convID] {
		if e.Local != wantLocal || e.ID == m.ID {
			continue
		}
		if contentKeyNoTime(e) != key {
			continue
		}
		d := e.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= window || e.ContentKey() == m.ContentKey() {
			return i
		}
	}
	return -1
}

func contentKeyNoTime(m domain.Message) string {
	m.CreatedAt = time.Time{}
	return m.ContentKey()
}

// Messages returns a copy of a conversation's timeline.
func (t *Timeline) Messages(convID string) []domain.Message {
	return slices.Clone(t.byConv[convID])
}

// Evict drops a conversation's timeline.
func (t *Timeline) Evict(convID string) { delete(t.byConv, convID) }

// Clear drops every timeline.
func (t *Timeline) Clear() { t.byConv = make(map[string][]domain.Message) }
