package delivery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/soyeahso/salesdesk/internal/config"
	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.New(nil, "silent")
}

// mockDeliverer is a test double for Deliverer.
type mockDeliverer struct {
	name string
	sent []domain.DeliveryRequest
	err  error
}

func (m *mockDeliverer) Name() string { return m.name }
func (m *mockDeliverer) Deliver(_ context.Context, req domain.DeliveryRequest) error {
	m.sent = append(m.sent, req)
	return m.err
}

func sampleRequest(kind domain.ChannelKind) domain.DeliveryRequest {
	return domain.DeliveryRequest{
		OrgID:          "org-1",
		LeadID:         "lead-1",
		ConversationID: "conv-1",
		Channel:        kind,
		Recipient:      "ana@example.com",
		Author:         "Carla",
		Text:           "Olá Ana!",
	}
}

// --- Registry ---

func TestRegistry_RoutesByKind(t *testing.T) {
	fallback := &mockDeliverer{name: "fallback"}
	wa := &mockDeliverer{name: "wa"}
	reg := NewRegistry(fallback, testLogger())
	reg.Register(domain.ChannelWhatsApp, wa)

	require.NoError(t, reg.Deliver(context.Background(), sampleRequest(domain.ChannelWhatsApp)))
	require.NoError(t, reg.Deliver(context.Background(), sampleRequest(domain.ChannelSMS)))

	assert.Len(t, wa.sent, 1)
	assert.Len(t, fallback.sent, 1)
	assert.Equal(t, domain.ChannelSMS, fallback.sent[0].Channel)
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, [][2]string{{"whatsapp", "wa"}, {"*", "fallback"}}, reg.Routes())
}

func TestRegistry_NoFallback(t *testing.T) {
	reg := NewRegistry(nil, testLogger())
	_, ok := reg.For(domain.ChannelEmail)
	assert.False(t, ok)
	assert.Error(t, reg.Deliver(context.Background(), sampleRequest(domain.ChannelEmail)))
}

func TestRegistry_WrapsDelivererError(t *testing.T) {
	boom := errors.New("provider down")
	reg := NewRegistry(&mockDeliverer{name: "wa", err: boom}, testLogger())

	err := reg.Deliver(context.Background(), sampleRequest(domain.ChannelWhatsApp))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "wa:")
}

func TestLogOnly(t *testing.T) {
	l := NewLogOnly(testLogger())
	assert.Equal(t, "log", l.Name())
	assert.NoError(t, l.Deliver(context.Background(), sampleRequest(domain.ChannelWebchat)))
}

// --- Webhook ---

func TestWebhook_PostsJSONWithToken(t *testing.T) {
	var got domain.DeliveryRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "salesdesk/"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookOptions{URL: srv.URL, Token: "tok"}, testLogger())
	require.NoError(t, w.Deliver(context.Background(), sampleRequest(domain.ChannelWhatsApp)))

	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, "Olá Ana!", got.Text)
}

func TestWebhook_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookOptions{URL: srv.URL, Retries: 3, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond}, testLogger())
	err := w.Deliver(context.Background(), sampleRequest(domain.ChannelWhatsApp))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhook_ServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookOptions{URL: srv.URL, Retries: 2, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond}, testLogger())
	require.NoError(t, w.Deliver(context.Background(), sampleRequest(domain.ChannelWhatsApp)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookOptions{URL: srv.URL, Retries: 1, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond}, testLogger())
	assert.Error(t, w.Deliver(context.Background(), sampleRequest(domain.ChannelWhatsApp)))
}

// --- Gmail ---

func TestBuildRaw(t *testing.T) {
	raw := buildRaw("sales@example.com", "ana@example.com", "Hello", "Carla", "Body text")
	assert.Contains(t, raw, "From: \"Carla\" <sales@example.com>\r\n")
	assert.Contains(t, raw, "To: ana@example.com\r\n")
	assert.Contains(t, raw, "Subject: Hello\r\n")
	assert.Contains(t, raw, "\r\n\r\nBody text")

	bare := buildRaw("sales@example.com", "ana@example.com", "Hello", "", "x")
	assert.Contains(t, bare, "From: sales@example.com\r\n")
}

func TestGmail_SendsRawMessage(t *testing.T) {
	var got gmail.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/users/me/messages/send")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"gm-1"}`))
	}))
	defer srv.Close()

	svc, err := gmail.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"),
	)
	require.NoError(t, err)

	g := NewGmailWithService(svc, "sales@example.com", "", testLogger())
	require.NoError(t, g.Deliver(context.Background(), sampleRequest(domain.ChannelEmail)))

	decoded, err := base64.URLEncoding.DecodeString(got.Raw)
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "To: ana@example.com")
	assert.Contains(t, string(decoded), "Subject: "+defaultSubject)
	assert.Contains(t, string(decoded), "Olá Ana!")
}

func TestGmail_RequiresRecipient(t *testing.T) {
	g := NewGmailWithService(nil, "sales@example.com", "", testLogger())
	req := sampleRequest(domain.ChannelEmail)
	req.Recipient = ""
	assert.Error(t, g.Deliver(context.Background(), req))
}

func TestTokenFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"abc","token_type":"Bearer"}`), 0o600))

	tok, err := tokenFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)

	_, err = tokenFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

// --- Build ---

func TestBuild_FromConfig(t *testing.T) {
	cfg := config.Defaults().Delivery
	cfg.Channels = map[string]string{"whatsapp": "webhook"}
	cfg.Webhook.URL = "https://hooks.example.com/send"

	reg, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	wa, ok := reg.For(domain.ChannelWhatsApp)
	require.True(t, ok)
	assert.Equal(t, "webhook", wa.Name())

	other, ok := reg.For(domain.ChannelSMS)
	require.True(t, ok)
	assert.Equal(t, "log", other.Name())
}

func TestBuild_Errors(t *testing.T) {
	cfg := config.Defaults().Delivery
	cfg.Default = "webhook"
	_, err := Build(context.Background(), cfg, testLogger())
	assert.Error(t, err)

	cfg = config.Defaults().Delivery
	cfg.Channels = map[string]string{"email": "gmail"}
	_, err = Build(context.Background(), cfg, testLogger())
	assert.Error(t, err)

	cfg = config.Defaults().Delivery
	cfg.Channels = map[string]string{"sms": "pigeon"}
	_, err = Build(context.Background(), cfg, testLogger())
	assert.Error(t, err)
}
