package amqpfeed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/feed"
	"github.com/soyeahso/salesdesk/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		name string
		row  feed.Row
		want string
	}{
		{"message", feed.Row{Table: feed.TableMessages, Op: feed.OpInsert, OrgID: "acme"}, "org.acme.messages.insert"},
		{"conversation", feed.Row{Table: feed.TableConversations, Op: feed.OpInsert, OrgID: "acme"}, "org.acme.conversations.insert"},
		{"dotted org", feed.Row{Table: feed.TableMessages, Op: feed.OpInsert, OrgID: "acme.br"}, "org.acme_br.messages.insert"},
		{"wildcard org", feed.Row{Table: feed.TableMessages, Op: feed.OpInsert, OrgID: "a#*"}, "org.a__.messages.insert"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RoutingKey(tt.row))
		})
	}
}

func TestBindingKey(t *testing.T) {
	assert.Equal(t, "org.acme.#", BindingKey(feed.Topic{OrgID: "acme"}))
	assert.Equal(t, "org.acme_br.#", BindingKey(feed.Topic{OrgID: "acme.br"}))
}

func TestDecodeRow(t *testing.T) {
	row, err := feed.NewRow(feed.TableMessages, "acme", domain.Message{ID: "m1", ConversationID: "c1"})
	require.NoError(t, err)
	body, err := json.Marshal(row)
	require.NoError(t, err)

	got, err := DecodeRow(body)
	require.NoError(t, err)
	assert.Equal(t, feed.TableMessages, got.Table)
	assert.Equal(t, "acme", got.OrgID)

	m, err := got.Message()
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)

	_, err = DecodeRow([]byte(`not json`))
	assert.Error(t, err)
	_, err = DecodeRow([]byte(`{"table":"messages"}`))
	assert.Error(t, err)
}

func TestJitteredDelay(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitteredDelay(time.Second, 30*time.Second, 25)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
	assert.Equal(t, 5*time.Second, jitteredDelay(10*time.Second, 5*time.Second, 25))
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), Config{}, logging.New(nil, "silent"))
	assert.Error(t, err)
}

type countingCloser struct{ closes int }

func (c *countingCloser) Close() error {
	c.closes++
	return nil
}

func TestAttach_ClosedDuringResubscribe(t *testing.T) {
	tr := &Transport{subs: make(map[uint64]*subscription), log: logging.New(nil, "silent")}
	s := &subscription{id: 1, topic: feed.Topic{OrgID: "org-1"}}
	tr.subs[s.id] = s
	h := &handle{t: tr, s: s}

	first := &countingCloser{}
	require.True(t, tr.attach(s, first))

	// The supervisor snapshots s, then the session unsubscribes before the
	// new consumer channel is attached.
	stale := tr.snapshot()
	require.NoError(t, h.Close())
	assert.Equal(t, 1, first.closes)
	assert.Empty(t, tr.snapshot())

	second := &countingCloser{}
	assert.False(t, tr.attach(stale[0], second))
	assert.Equal(t, 1, second.closes, "the late channel is closed, not leaked")
	assert.Equal(t, 1, first.closes)
	require.NoError(t, h.Close())
}
