package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/salesdesk/internal/config"
	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/feed"
	"github.com/soyeahso/salesdesk/internal/inbox"
	"github.com/soyeahso/salesdesk/internal/logging"
	"github.com/soyeahso/salesdesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken       = "test-token-123"
	testIngestToken = "ingest-token-456"
	testOrg         = "org-acme"
)

// gatedStore holds ListMessages for a conversation until its gate is closed.
type gatedStore struct {
	inbox.Store

	mu      sync.Mutex
	gates   map[string]chan struct{}
	entered chan string
}

func (g *gatedStore) gate(convID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan struct{})
	g.gates[convID] = ch
	return ch
}

func (g *gatedStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	g.mu.Lock()
	ch := g.gates[conversationID]
	g.mu.Unlock()
	if ch != nil {
		g.entered <- conversationID
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Store.ListMessages(ctx, conversationID)
}

// recordingDeliverer accepts every delivery.
type recordingDeliverer struct {
	mu   sync.Mutex
	reqs []domain.DeliveryRequest
}

func (d *recordingDeliverer) Deliver(_ context.Context, req domain.DeliveryRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return nil
}

func (d *recordingDeliverer) requests() []domain.DeliveryRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.DeliveryRequest(nil), d.reqs...)
}

type gatewayEnv struct {
	t     *testing.T
	ctx   context.Context
	srv   *Server
	ts    *httptest.Server
	repo  *store.Repository
	store *gatedStore
	out   *recordingDeliverer
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.Gateway.Auth.Mode = "token"
	cfg.Gateway.Auth.Token = testToken
	cfg.Gateway.IngestToken = testIngestToken

	log := logging.New(nil, "silent")
	raw := map[string]any{
		"gateway": map[string]any{
			"port": 18789,
			"auth": map[string]any{"token": testToken},
		},
	}

	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	broker := feed.NewBroker(log)
	repo := store.NewRepository(db, broker)
	gs := &gatedStore{Store: repo, gates: make(map[string]chan struct{}), entered: make(chan string, 8)}
	out := &recordingDeliverer{}

	srv := New(cfg, log,
		WithConfigRaw(raw),
		WithInbox(inbox.Options{
			Store:     gs,
			Deliverer: out,
			Transport: broker,
		}),
		WithIngest(repo),
	)

	mux := http.NewServeMux()
	srv.registerHTTPRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.clients.CloseAll()
		ts.Close()
	})
	return &gatewayEnv{t: t, ctx: context.Background(), srv: srv, ts: ts, repo: repo, store: gs, out: out}
}

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	env := newGatewayEnv(t)
	return env.srv, env.ts
}

// seed creates a lead with an active conversation holding one inbound message.
func (e *gatewayEnv) seed(name, phone string, at time.Time) (domain.Conversation, domain.Message) {
	e.t.Helper()
	lead, err := e.repo.UpsertLead(e.ctx, domain.Lead{OrgID: testOrg, Name: name, Phone: phone})
	require.NoError(e.t, err)
	conv, err := e.repo.CreateConversation(e.ctx, domain.Conversation{OrgID: testOrg, LeadID: lead.ID, Channel: domain.ChannelWhatsApp})
	require.NoError(e.t, err)
	msg, err := e.repo.InsertMessage(e.ctx, domain.Message{
		ConversationID: conv.ID,
		Body:           "oi, tudo bem?",
		Direction:      domain.DirectionInbound,
		Sender:         domain.SenderLead,
		CreatedAt:      at,
	})
	require.NoError(e.t, err)
	return conv, msg
}

// dial completes the handshake, optionally binding the session to org.
func (e *gatewayEnv) dial(org string) *websocket.Conn {
	e.t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { conn.Close() })

	var challenge Frame
	require.NoError(e.t, conn.ReadJSON(&challenge))

	connectReq, _ := NewRequest("auth-req", "connect", ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Client: ClientInfo{
			ID:          "agent-7",
			DisplayName: "Carla",
			Version:     "1.0.0",
			Platform:    "linux",
		},
		Auth:  &ConnectAuth{Token: testToken},
		OrgID: org,
	})
	require.NoError(e.t, conn.WriteJSON(connectReq))

	helloResp := readResponse(e.t, conn, "auth-req")
	require.NotNil(e.t, helloResp.OK)
	require.True(e.t, *helloResp.OK, "handshake should succeed")
	return conn
}

// call sends one request and waits for its response, skipping pushed events.
func call(t *testing.T, conn *websocket.Conn, id, method string, params any) Frame {
	t.Helper()
	req, err := NewRequest(id, method, params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))
	return readResponse(t, conn, id)
}

func readResponse(t *testing.T, conn *websocket.Conn, id string) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == FrameTypeResponse && f.ID == id {
			return f
		}
	}
}

func readEvent(t *testing.T, conn *websocket.Conn, name string, match func(Frame) bool) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == FrameTypeEvent && f.Event == name && (match == nil || match(f)) {
			return f
		}
	}
}

func ok(t *testing.T, f Frame, target any) {
	t.Helper()
	require.NotNil(t, f.OK)
	require.True(t, *f.OK, "response error: %+v", f.Error)
	if target != nil {
		require.NoError(t, json.Unmarshal(f.Payload, target))
	}
}

func postInbound(t *testing.T, ts *httptest.Server, token string, body any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/messages/inbound", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHTTPRoutes(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, HealthResponse{Status: "ok"}, health, "public health hides details")

	resp, err = http.Get(ts.URL + "/nonexistent")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// connectRaw reads the challenge, sends req as the connect frame and
// returns the challenge and the server's answer.
func connectRaw(t *testing.T, ts *httptest.Server, req any) (Frame, Frame) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))
	require.NoError(t, conn.WriteJSON(req))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var answer Frame
	require.NoError(t, conn.ReadJSON(&answer))
	return challenge, answer
}

func connectFrame(t *testing.T, params ConnectParams) Frame {
	t.Helper()
	f, err := NewRequest("req-1", "connect", params)
	require.NoError(t, err)
	return f
}

func TestWebSocketHandshake(t *testing.T) {
	_, ts := testServer(t)

	agent := ClientInfo{ID: "agent-7", Version: "1.0.0", Platform: "linux"}
	tests := []struct {
		name string
		req  func(t *testing.T) Frame
		code string
	}{
		{"token", func(t *testing.T) Frame {
			return connectFrame(t, ConnectParams{MinProtocol: 1, MaxProtocol: 1, Client: agent, Auth: &ConnectAuth{Token: testToken}})
		}, ""},
		{"open max protocol", func(t *testing.T) Frame {
			return connectFrame(t, ConnectParams{MinProtocol: 1, Client: agent, Auth: &ConnectAuth{Token: testToken}})
		}, ""},
		{"wrong token", func(t *testing.T) Frame {
			return connectFrame(t, ConnectParams{MinProtocol: 1, MaxProtocol: 1, Client: agent, Auth: &ConnectAuth{Token: "wrong-token"}})
		}, "unauthorized"},
		{"no credentials", func(t *testing.T) Frame {
			return connectFrame(t, ConnectParams{MinProtocol: 1, MaxProtocol: 1, Client: agent})
		}, "unauthorized"},
		{"future protocol", func(t *testing.T) Frame {
			return connectFrame(t, ConnectParams{
				MinProtocol: ProtocolVersion + 1, MaxProtocol: ProtocolVersion + 2,
				Client: ClientInfo{ID: "future-app", Version: "9.0.0"}, Auth: &ConnectAuth{Token: testToken},
			})
		}, "protocol_mismatch"},
		{"not a connect", func(t *testing.T) Frame {
			f, err := NewRequest("req-1", "health", nil)
			require.NoError(t, err)
			return f
		}, "protocol_error"},
		{"bad params", func(t *testing.T) Frame {
			return Frame{Type: FrameTypeRequest, ID: "req-1", Method: "connect", Params: json.RawMessage(`[1,2]`)}
		}, "invalid_params"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			challenge, answer := connectRaw(t, ts, tt.req(t))
			assert.Equal(t, FrameTypeEvent, challenge.Type)
			assert.Equal(t, EventChallenge, challenge.Event)

			assert.Equal(t, FrameTypeResponse, answer.Type)
			assert.Equal(t, "req-1", answer.ID)
			require.NotNil(t, answer.OK)
			if tt.code != "" {
				assert.False(t, *answer.OK)
				require.NotNil(t, answer.Error)
				assert.Equal(t, tt.code, answer.Error.Code)
				return
			}

			require.True(t, *answer.OK)
			var hello HelloOK
			require.NoError(t, json.Unmarshal(answer.Payload, &hello))
			assert.Equal(t, ProtocolVersion, hello.Protocol)
			assert.NotEmpty(t, hello.Server.ConnID)
			assert.Contains(t, hello.Features.Methods, "inbox.send")
			assert.Equal(t, Events(), hello.Features.Events)
			assert.Equal(t, maxFrameBytes, hello.Policy.MaxPayload)
			assert.Equal(t, 30000, hello.Policy.TickIntervalMs)
		})
	}
}

func TestWebSocketRPCHealth(t *testing.T) {
	env := newGatewayEnv(t)
	conn := env.dial(testOrg)

	resp := call(t, conn, "req-2", "health", nil)
	assert.Equal(t, FrameTypeResponse, resp.Type)

	var health HealthResponse
	ok(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Clients)
	assert.Equal(t, testOrg, health.OrgID)
	assert.Equal(t, "live", health.Feed)
}

func TestWebSocketRPCConfigGet(t *testing.T) {
	env := newGatewayEnv(t)
	conn := env.dial("")

	resp := call(t, conn, "req-3", "config.get", configGetParams{Key: "gateway.port"})
	var result map[string]any
	ok(t, resp, &result)
	assert.Equal(t, "gateway.port", result["key"])
	assert.Equal(t, float64(18789), result["value"])
}

func TestWebSocketRPCConfigGetDenied(t *testing.T) {
	env := newGatewayEnv(t)
	conn := env.dial("")

	resp := call(t, conn, "req-4", "config.get", configGetParams{Key: "gateway.auth.token"})
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	assert.Equal(t, "forbidden", resp.Error.Code)

	resp = call(t, conn, "req-5", "config.get", configGetParams{Key: "inbox.queueSize"})
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	assert.Equal(t, "not_found", resp.Error.Code)
}

func TestWebSocketRPCUnknownMethod(t *testing.T) {
	env := newGatewayEnv(t)
	conn := env.dial("")

	resp := call(t, conn, "req-6", "nonexistent.method", nil)
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "method_not_found", resp.Error.Code)
}

func TestInboxConversationsAfterConnect(t *testing.T) {
	env := newGatewayEnv(t)
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	older, _ := env.seed("Ana", "+5511987650001", base)
	newer, _ := env.seed("Bruno", "+5511987650002", base.Add(time.Minute))

	conn := env.dial(testOrg)

	var result ConversationsResult
	ok(t, call(t, conn, "c-1", "inbox.conversations", inbox.Filter{}), &result)
	require.Len(t, result.Conversations, 2)
	assert.Equal(t, newer.ID, result.Conversations[0].ID)
	assert.Equal(t, older.ID, result.Conversations[1].ID)
	assert.Equal(t, "Bruno", result.Conversations[0].DisplayName)

	var unread UnreadResult
	ok(t, call(t, conn, "c-2", "inbox.unread", nil), &unread)
	assert.Equal(t, 2, unread.Unread)

	var st inbox.Status
	ok(t, call(t, conn, "c-3", "session.status", nil), &st)
	assert.Equal(t, testOrg, st.OrgID)
	assert.Equal(t, 2, st.Conversations)
	assert.Empty(t, st.FeedErr)
}

func TestInboxOpenSendMarkRead(t *testing.T) {
	env := newGatewayEnv(t)
	conv, first := env.seed("Ana", "+5511987650001", time.Now().UTC().Add(-time.Minute))
	conn := env.dial(testOrg)

	var opened TimelineResult
	ok(t, call(t, conn, "o-1", "inbox.open", ConversationParams{ConversationID: conv.ID}), &opened)
	assert.Equal(t, conv.ID, opened.ConversationID)
	require.Len(t, opened.Messages, 1)
	assert.Equal(t, first.ID, opened.Messages[0].ID)

	var unread UnreadResult
	ok(t, call(t, conn, "o-2", "inbox.unread", nil), &unread)
	assert.Equal(t, 0, unread.Unread, "opening a conversation reads it")

	var sent SendResult
	ok(t, call(t, conn, "o-3", "inbox.send", SendParams{ConversationID: conv.ID, Text: "  Olá Ana!  "}), &sent)
	assert.Equal(t, "Olá Ana!", sent.Message.Body)
	assert.Equal(t, domain.DirectionOutbound, sent.Message.Direction)
	assert.NotEmpty(t, sent.Message.ID)
	require.NotNil(t, sent.Pending)
	assert.Equal(t, domain.SendPersisted, sent.Pending.State)
	assert.Equal(t, sent.Message.ID, sent.Pending.ServerID)

	reqs := env.out.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Carla", reqs[0].Author)
	assert.Equal(t, "+5511987650001", reqs[0].Recipient)

	var tl TimelineResult
	ok(t, call(t, conn, "o-4", "inbox.timeline", nil), &tl)
	assert.Equal(t, conv.ID, tl.ConversationID)
	require.Len(t, tl.Messages, 2, "feed echo collapses into the optimistic entry")
	assert.Equal(t, first.ID, tl.Messages[0].ID)
	assert.Equal(t, sent.Message.ID, tl.Messages[1].ID)

	var read UnreadResult
	ok(t, call(t, conn, "o-5", "inbox.markRead", ConversationParams{ConversationID: conv.ID}), &read)
	assert.Equal(t, conv.ID, read.ConversationID)
	assert.Zero(t, read.Unread)

	var pending PendingResult
	ok(t, call(t, conn, "o-6", "inbox.pending", ConversationParams{ConversationID: conv.ID}), &pending)
	require.NotNil(t, pending.Pending)
	assert.Equal(t, domain.SendPersisted, pending.Pending.State)

	var closed map[string]any
	ok(t, call(t, conn, "o-7", "inbox.close", nil), &closed)
	var after TimelineResult
	ok(t, call(t, conn, "o-8", "inbox.timeline", nil), &after)
	assert.Empty(t, after.ConversationID)
	assert.Empty(t, after.Messages)
}

func TestInboxErrors(t *testing.T) {
	env := newGatewayEnv(t)
	conv, _ := env.seed("Ana", "+5511987650001", time.Now().UTC())
	conn := env.dial(testOrg)

	resp := call(t, conn, "e-1", "inbox.open", ConversationParams{ConversationID: "missing"})
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	assert.Equal(t, "not_found", resp.Error.Code)

	resp = call(t, conn, "e-2", "inbox.open", map[string]any{})
	assert.Equal(t, "invalid_params", resp.Error.Code)

	resp = call(t, conn, "e-3", "inbox.send", SendParams{ConversationID: conv.ID, Text: "   "})
	assert.Equal(t, "invalid_params", resp.Error.Code)

	resp = call(t, conn, "e-4", "inbox.markRead", ConversationParams{ConversationID: "missing"})
	assert.Equal(t, "not_found", resp.Error.Code)
	assert.Empty(t, env.out.requests())
}

func TestInboxWithoutStore(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Auth.Token = testToken
	srv := New(cfg, logging.New(nil, "silent"))
	mux := http.NewServeMux()
	srv.registerHTTPRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	env := &gatewayEnv{t: t, ctx: context.Background(), srv: srv, ts: ts}
	conn := env.dial(testOrg)

	resp := call(t, conn, "n-1", "inbox.conversations", nil)
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	assert.Equal(t, "unavailable", resp.Error.Code)
}

func TestInboxOpenStale(t *testing.T) {
	env := newGatewayEnv(t)
	base := time.Now().UTC().Add(-time.Hour)
	slow, _ := env.seed("Ana", "+5511987650001", base)
	fast, _ := env.seed("Bruno", "+5511987650002", base.Add(time.Minute))
	conn := env.dial(testOrg)

	release := env.store.gate(slow.ID)

	req, _ := NewRequest("s-1", "inbox.open", ConversationParams{ConversationID: slow.ID})
	require.NoError(t, conn.WriteJSON(req))
	select {
	case id := <-env.store.entered:
		require.Equal(t, slow.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("history fetch never started")
	}

	var opened TimelineResult
	ok(t, call(t, conn, "s-2", "inbox.open", ConversationParams{ConversationID: fast.ID}), &opened)
	assert.Equal(t, fast.ID, opened.ConversationID)

	close(release)
	var stale TimelineResult
	ok(t, readResponse(t, conn, "s-1"), &stale)
	assert.Equal(t, slow.ID, stale.ConversationID)
	assert.True(t, stale.Stale)

	var st inbox.Status
	ok(t, call(t, conn, "s-3", "session.status", nil), &st)
	assert.Equal(t, fast.ID, st.OpenID)
}

func TestSwitchOrgRPC(t *testing.T) {
	env := newGatewayEnv(t)
	env.seed("Ana", "+5511987650001", time.Now().UTC())
	conn := env.dial("")

	var st inbox.Status
	ok(t, call(t, conn, "w-1", "session.status", nil), &st)
	assert.Empty(t, st.OrgID)

	resp := call(t, conn, "w-2", "session.switchOrg", map[string]any{})
	assert.Equal(t, "invalid_params", resp.Error.Code)

	ok(t, call(t, conn, "w-3", "session.switchOrg", SwitchOrgParams{OrgID: testOrg}), &st)
	assert.Equal(t, testOrg, st.OrgID)
	assert.Equal(t, 1, st.Conversations)

	ok(t, call(t, conn, "w-4", "session.switchOrg", SwitchOrgParams{OrgID: "org-other"}), &st)
	assert.Equal(t, "org-other", st.OrgID)
	assert.Equal(t, 0, st.Conversations)
}

func TestInboxPushesFeedEvents(t *testing.T) {
	env := newGatewayEnv(t)
	conv, _ := env.seed("Ana", "+5511987650001", time.Now().UTC().Add(-time.Minute))
	conn := env.dial(testOrg)

	ok(t, call(t, conn, "p-1", "inbox.open", ConversationParams{ConversationID: conv.ID}), nil)

	resp, _ := postInbound(t, env.ts, testIngestToken, InboundRequest{
		OrgID:      testOrg,
		Channel:    domain.ChannelWhatsApp,
		Lead:       InboundLead{Phone: "+5511987650001"},
		Body:       "Pode me mandar a proposta?",
		ExternalID: "wamid.push-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ev := readEvent(t, conn, "inbox.message", nil)
	var p struct {
		Event          string         `json:"event"`
		OrgID          string         `json:"orgId"`
		ConversationID string         `json:"conversationId"`
		Data           domain.Message `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, testOrg, p.OrgID)
	assert.Equal(t, conv.ID, p.ConversationID)
	assert.Equal(t, "Pode me mandar a proposta?", p.Data.Body)
	assert.Greater(t, ev.Seq, int64(0))

	var tl TimelineResult
	ok(t, call(t, conn, "p-2", "inbox.timeline", nil), &tl)
	require.Len(t, tl.Messages, 2)
	assert.Equal(t, "wamid.push-1", tl.Messages[1].ExternalID)
}

func TestIngestEndpoint(t *testing.T) {
	env := newGatewayEnv(t)

	body := InboundRequest{
		OrgID:      testOrg,
		Channel:    domain.ChannelWhatsApp,
		Lead:       InboundLead{Name: "Dora", Phone: "+5511987650009"},
		Body:       "Quero um orçamento",
		ExternalID: "wamid.1",
	}

	resp, _ := postInbound(t, env.ts, "", body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = postInbound(t, env.ts, "wrong", body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad := body
	bad.Channel = "fax"
	resp, _ = postInbound(t, env.ts, testIngestToken, bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data := postInbound(t, env.ts, testIngestToken, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var first InboundResponse
	require.NoError(t, json.Unmarshal(data, &first))
	assert.True(t, first.ConversationCreated)
	assert.NotEmpty(t, first.Message.ID)
	assert.Equal(t, domain.KindText, first.Message.Kind)

	// A provider retry with the same external id lands on the same row.
	resp, data = postInbound(t, env.ts, testIngestToken, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var retry InboundResponse
	require.NoError(t, json.Unmarshal(data, &retry))
	assert.False(t, retry.ConversationCreated)
	assert.Equal(t, first.ConversationID, retry.ConversationID)
	assert.Equal(t, first.Message.ID, retry.Message.ID)

	next := body
	next.Lead = InboundLead{Phone: "+55 11 98765-0009"}
	next.ExternalID = "wamid.2"
	next.Body = "Alguém aí?"
	resp, data = postInbound(t, env.ts, testIngestToken, next)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var second InboundResponse
	require.NoError(t, json.Unmarshal(data, &second))
	assert.Equal(t, first.ConversationID, second.ConversationID, "phone formatting does not split the lead")
	assert.NotEqual(t, first.Message.ID, second.Message.ID)

	msgs, err := env.repo.ListMessages(env.ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	conv, err := env.repo.GetConversation(env.ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 2, conv.UnreadCount)
}

func TestIngestDisabled(t *testing.T) {
	cfg := config.Defaults()
	srv := New(cfg, logging.New(nil, "silent"))
	mux := http.NewServeMux()
	srv.registerHTTPRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, _ := postInbound(t, ts, testIngestToken, InboundRequest{OrgID: testOrg})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestResolveBindAddr(t *testing.T) {
	tests := []struct {
		name string
		bind string
		port int
		host string
		want string
	}{
		{"loopback", "loopback", 18789, "", "127.0.0.1:18789"},
		{"lan", "lan", 9999, "", "0.0.0.0:9999"},
		{"auto", "auto", 8080, "", "0.0.0.0:8080"},
		{"custom without host", "custom", 3000, "", "0.0.0.0:3000"},
		{"custom host", "custom", 3000, "10.0.0.1", "10.0.0.1:3000"},
		{"unknown falls back", "whatever", 5000, "", "127.0.0.1:5000"},
		{"empty falls back", "", 5000, "", "127.0.0.1:5000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.GatewayConfig{Bind: tt.bind, Port: tt.port, CustomBindHost: tt.host}
			assert.Equal(t, tt.want, resolveBindAddr(cfg))
		})
	}
}

func TestServerStart(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Port = 0
	cfg.Gateway.Auth.Token = testToken
	srv := New(cfg, logging.New(nil, "silent"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err, "cancel is a clean stop")
	case <-time.After(15 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestServerStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.Defaults()
	cfg.Gateway.Port = ln.Addr().(*net.TCPAddr).Port
	srv := New(cfg, logging.New(nil, "silent"))

	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}

func TestServerShutdownNotifiesClients(t *testing.T) {
	env := newGatewayEnv(t)
	conn := env.dial("")
	require.Eventually(t, func() bool { return env.srv.clients.Count() == 1 }, time.Second, 5*time.Millisecond)

	env.srv.httpServer = &http.Server{}
	env.srv.shutdown()

	f := readEvent(t, conn, EventGatewayShutdown, nil)
	assert.JSONEq(t, `{"reason":"shutdown"}`, string(f.Payload))
	assert.Zero(t, env.srv.clients.Count())
}
