package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTarget struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingTarget) Resync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *countingTarget) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestNewResyncer_Schedules(t *testing.T) {
	log := logging.New(nil, "silent")

	for _, sched := range []string{"", "off", "*/5 * * * *", "@every 1m"} {
		r, err := NewResyncer(sched, log)
		require.NoError(t, err, sched)
		assert.Equal(t, sched != "" && sched != "off", r.Enabled(), sched)
	}

	_, err := NewResyncer("every five minutes", log)
	assert.Error(t, err)
}

func TestResyncer_RunOnce(t *testing.T) {
	r, err := NewResyncer("off", logging.New(nil, "silent"))
	require.NoError(t, err)

	ok := &countingTarget{}
	bad := &countingTarget{err: errors.New("boom")}
	r.Add("a", ok)
	r.Add("b", bad)
	assert.Equal(t, 2, r.Len())

	assert.Equal(t, 1, r.RunOnce(context.Background()))
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, bad.count())

	r.Remove("b")
	assert.Equal(t, 0, r.RunOnce(context.Background()))
	assert.Equal(t, 1, bad.count())
}

func TestResyncer_StartDisabledIsNoop(t *testing.T) {
	r, err := NewResyncer("off", logging.New(nil, "silent"))
	require.NoError(t, err)
	require.NoError(t, r.Start())
	r.Stop()
}

func TestResyncer_PeriodicRun(t *testing.T) {
	r, err := NewResyncer("@every 1s", logging.New(nil, "silent"))
	require.NoError(t, err)
	target := &countingTarget{}
	r.Add("session", target)

	require.NoError(t, r.Start())
	require.NoError(t, r.Start(), "second start is a no-op")
	defer r.Stop()

	assert.Eventually(t, func() bool { return target.count() > 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestResyncer_DrivesSessionResync(t *testing.T) {
	h := newHarness(t)
	c := h.conversation(h.lead("org-1", "Ana", ""), domain.ChannelWhatsApp)
	require.NoError(t, h.s.Start(h.ctx, "org-1"))

	h.broker.Disconnect(nil)
	h.inbound(c.ID, "missed", time.Minute)

	r, err := NewResyncer("off", logging.New(nil, "silent"))
	require.NoError(t, err)
	r.Add("agent-1", h.s)
	assert.Equal(t, 0, r.RunOnce(h.ctx))

	got := h.get(c.ID)
	assert.Equal(t, "missed", got.LastMessagePreview)
	assert.Equal(t, 1, got.UnreadCount)
}
