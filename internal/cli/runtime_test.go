package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/soyeahso/salesdesk/internal/config"
	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/inbox"
	"github.com/soyeahso/salesdesk/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTempHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	paths = config.PathsAt(dir)
	log = logging.New(nil, "silent")
	return dir
}

func TestOpenRuntime_MemoryFeed(t *testing.T) {
	dir := useTempHome(t)
	ctx := context.Background()

	rt, err := openRuntime(ctx, config.Defaults(), log)
	require.NoError(t, err)
	defer rt.Close()
	assert.FileExists(t, filepath.Join(dir, "data", "salesdesk.db"))

	lead, err := rt.repo.ResolveLead(ctx, domain.Lead{OrgID: "org-1", Name: "Ana", Phone: "+5511987654321"})
	require.NoError(t, err)
	conv, created, err := rt.repo.EnsureConversation(ctx, "org-1", lead.ID, domain.ChannelWhatsApp)
	require.NoError(t, err)
	assert.True(t, created)
	_, err = rt.repo.InsertMessage(ctx, domain.Message{
		ConversationID: conv.ID,
		Body:           "oi",
		Direction:      domain.DirectionInbound,
		Sender:         domain.SenderLead,
	})
	require.NoError(t, err)

	s, err := rt.session(ctx, "org-1", "tester")
	require.NoError(t, err)
	defer s.Close()

	convs, err := s.Conversations(ctx, inbox.Filter{})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Ana", convs[0].DisplayName)
	assert.Equal(t, 1, convs[0].UnreadCount)

	msg, err := s.Send(ctx, conv.ID, "Olá Ana")
	require.NoError(t, err)
	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, domain.DirectionOutbound, msg.Direction)
	assert.Equal(t, "tester", msg.SenderName)

	stored, err := rt.repo.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestOpenRuntime_CustomStorePath(t *testing.T) {
	dir := useTempHome(t)
	cfg := config.Defaults()
	cfg.Store.Path = filepath.Join(dir, "nested", "inbox.db")

	rt, err := openRuntime(context.Background(), cfg, log)
	require.NoError(t, err)
	require.NoError(t, rt.Close())
	assert.FileExists(t, cfg.Store.Path)
}

func TestOpenRuntime_BadDelivery(t *testing.T) {
	useTempHome(t)
	cfg := config.Defaults()
	cfg.Delivery.Default = "webhook"

	_, err := openRuntime(context.Background(), cfg, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "building deliverers")
}

func TestInboxOptions_AppliesConfig(t *testing.T) {
	useTempHome(t)
	cfg := config.Defaults()
	cfg.Inbox.QueueSize = 64
	cfg.Inbox.PhoneRegion = "US"

	rt, err := openRuntime(context.Background(), cfg, log)
	require.NoError(t, err)
	defer rt.Close()

	opts := rt.inboxOptions()
	assert.Equal(t, 64, opts.QueueSize)
	assert.Equal(t, "US", opts.PhoneRegion)
	assert.Same(t, rt.repo, opts.Store)
	assert.NotNil(t, opts.Transport)
	assert.NotNil(t, opts.Deliverer)
}

func TestLoadConfig(t *testing.T) {
	useTempHome(t)

	cfg, err := loadConfig()
	require.NoError(t, err, "a missing file means defaults")
	assert.Equal(t, "memory", cfg.Feed.Transport)

	require.NoError(t, os.WriteFile(paths.Config, []byte("feed:\n  transport: carrier-pigeon\n"), 0o600))
	_, err = loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestConfiguredLogger(t *testing.T) {
	dir := useTempHome(t)
	cfg := config.Defaults()
	cfg.Logging.ConsoleStyle = "json"
	cfg.Logging.File = "gateway.jsonl"

	logLevel = "debug"
	t.Cleanup(func() { logLevel = "" })

	l, closer, err := configuredLogger(cfg)
	require.NoError(t, err)
	l.Debug().Msg("runtime ready")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "logs", "gateway.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"runtime ready"`, "--log-level overrides logging.level")
}

func TestResolveDelivery(t *testing.T) {
	dir := useTempHome(t)
	cfg := config.DeliveryConfig{Gmail: &config.GmailConfig{
		CredentialsFile: "gmail-client.json",
		TokenFile:       "/etc/salesdesk/gmail-token.json",
		From:            "vendas@acme.example",
	}}

	got := resolveDelivery(cfg)
	assert.Equal(t, filepath.Join(dir, "credentials", "gmail-client.json"), got.Gmail.CredentialsFile)
	assert.Equal(t, "/etc/salesdesk/gmail-token.json", got.Gmail.TokenFile)
	assert.Equal(t, "gmail-client.json", cfg.Gmail.CredentialsFile, "the input is not modified")

	assert.Nil(t, resolveDelivery(config.DeliveryConfig{}).Gmail)
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, false, parseValue("FALSE"))
	assert.Equal(t, 42, parseValue("42"))
	assert.Equal(t, 1.5, parseValue("1.5"))
	assert.Equal(t, "@every 5m", parseValue("@every 5m"))
}
