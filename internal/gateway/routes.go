package gateway

import (
	"net/http"
	"strings"

	"github.com/soyeahso/salesdesk/internal/config"
	"github.com/soyeahso/salesdesk/internal/inbox"
)

// safeConfigPrefixes lists config path prefixes that can be read via RPC.
// All other paths are denied by default (allowlist).
var safeConfigPrefixes = []string{
	"gateway.port",
	"gateway.bind",
	"gateway.customBindHost",
	"gateway.allowedOrigins",
	"logging",
	"feed.transport",
	"feed.exchange",
	"delivery.default",
	"delivery.channels",
	"inbox",
}

func isAllowedConfigPath(key string) bool {
	for _, prefix := range safeConfigPrefixes {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			return true
		}
	}
	return false
}

// inboundPath receives inbound messages from channel providers.
const inboundPath = "/api/messages/inbound"

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST "+inboundPath, s.handleInbound)

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// registerRPCHandlers sets up all JSON-RPC method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("config.get", s.rpcConfigGet)
	s.Handle("session.switchOrg", s.rpcSwitchOrg)
	s.Handle("session.status", s.rpcStatus)
	s.Handle("inbox.conversations", s.rpcConversations)
	s.Handle("inbox.open", s.rpcOpen)
	s.Handle("inbox.close", s.rpcClose)
	s.Handle("inbox.timeline", s.rpcTimeline)
	s.Handle("inbox.send", s.rpcSend)
	s.Handle("inbox.markRead", s.rpcMarkRead)
	s.Handle("inbox.pending", s.rpcPending)
	s.Handle("inbox.resync", s.rpcResync)
	s.Handle("inbox.unread", s.rpcUnread)
}

// session returns the client's inbox, or responds with an error.
func session(rc *RequestContext) (*inbox.Session, bool) {
	if rc.Client.Session == nil {
		rc.RespondError("unavailable", "inbox is not configured on this gateway")
		return nil, false
	}
	return rc.Client.Session, true
}

func (s *Server) rpcHealth(rc *RequestContext) {
	h := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Clients: s.clients.Count(),
	}
	if sess := rc.Client.Session; sess != nil {
		if st, err := sess.Status(rc.Ctx); err == nil {
			h.OrgID = st.OrgID
			h.Feed = "live"
			if st.FeedErr != "" {
				h.Feed = "lost"
			}
		}
	}
	rc.Respond(h)
}

type configGetParams struct {
	Key string `json:"key"`
}

func (s *Server) rpcConfigGet(rc *RequestContext) {
	var p configGetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Key == "" {
		rc.RespondError("invalid_params", "key is required")
		return
	}
	if !isAllowedConfigPath(p.Key) {
		rc.RespondError("forbidden", "access denied for config path: "+p.Key)
		return
	}

	path, err := config.ParseKeyPath(p.Key)
	if err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	s.mu.RLock()
	val, ok := path.Get(s.configRaw)
	s.mu.RUnlock()
	if !ok {
		rc.RespondError("not_found", "key not found: "+p.Key)
		return
	}
	rc.Respond(map[string]any{"key": p.Key, "value": val})
}

func (s *Server) rpcSwitchOrg(rc *RequestContext) {
	sess, ok := session(rc)
	if !ok {
		return
	}
	var p SwitchOrgParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.OrgID == "" {
		rc.RespondError("invalid_params", "orgId is required")
		return
	}
	if err := sess.SwitchOrg(rc.Ctx, p.OrgID); err != nil {
		rc.RespondErr(err)
		return
	}
	s.respondStatus(rc, sess)
}

func (s *Server) rpcStatus(rc *RequestContext) {
	sess, ok := session(rc)
	if !ok {
		return
	}
	s.respondStatus(rc, sess)
}

func (s *Server) respondStatus(rc *RequestContext, sess *inbox.Session) {
	st, err := sess.Status(rc.Ctx)
	if err != nil {
		rc.RespondErr(err)
		return
	}
	rc.Respond(st)
}

func (s *Server) rpcConversations(rc *RequestContext) {
	sess, ok := session(rc)
	if !ok {
		return
	}
	var f inbox.Filter
	if err := rc.Params(&f); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	convs, err := sess.Conversations(rc.Ctx, f)
	if err != nil {
		rc.RespondErr(err)
		return
	}
	rc.Respond(ConversationsResult{Conversations: convs})
}

func (rc *RequestContext) conversationID() (string, bool) {
	var p ConversationParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return "", false
	}
	if p.ConversationID == "" {
		rc.RespondError("invalid_params", "conversationId is required")
		return "", false
	}
	return p.ConversationID, true
}

func (s *Server) rpcOpen(rc *RequestContext) {
	sess, ok := session(rc)
	if !ok {
		return
	}
	id, ok := rc.conversationID()
	if !ok {
		return
	}
	hist, err := sess.Open(rc.Ctx, id)
	if err != nil {
		rc.RespondErr(err)
		return
	}
	rc.Respond(TimelineResult{ConversationID: id, Messages: hist.Messages, Stale: hist.Stale})
}

func (s *Server) rpcClose(rc *RequestContext) {
	sess, ok := session(rc)
	if !ok {
		return
	}
	if err := sess.CloseConversation(rc.Ctx); err != nil {
		rc.RespondErr(err)
		return
	}
	rc.Respond(map[string]any{"ok": true})
}

func (s *Server) rpcTimeline(rc *RequestContext) {
	sess, ok := session(rc)
	if !ok {
		return
	}
	st, err := sess.Status(rc.Ctx)
	if err != nil {
		rc.RespondErr(err)
		return
	}
	msgs, err := sess.Timeline(rc.Ctx)
	if err != nil {
		rc.RespondErr(err)
		return
	}
	rc.Respond(TimelineResult{ConversationID: st.OpenID, Messages: msgs})
}

func (s *Server) rpcSend(rc *RequestContext) {
	sess, ok := session(rc)
	if !ok {
		return
	}
	var p SendParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.ConversationID == "" {
		rc.RespondError("invalid_params", "conversationId is required")
		return
	}
	msg, err := sess.Send(rc.Ctx, p.ConversationID, p.Text)
	if err != nil {
		rc.RespondErr(err)
		return
	}
	out := SendResult{Message: msg}
	if pending, ok, err := sess.PendingSend(rc.Ctx, p.ConversationID); err == nil && ok {
		out.Pending = &pending
	}
	rc.Respond(out)
}

func (s *Server) rpcMarkRead(rc *RequestContext) {
	sess, ok := session(rc)
	if !ok {
		return
	}
	id, ok := rc.conversationID()
	if !ok {
		return
	}
	if err := sess.MarkRead(rc.Ctx, id); err != nil {
		rc.RespondErr(err)
		return
	}
	rc.Respond(UnreadResult{ConversationID: id})
}

func (s *Server) rpcPending(rc *RequestContext) {
	sess, ok := session(rc)
	if !ok {
		return
	}
	id, ok := rc.conversationID()
	if !ok {
		return
	}
	pending, found, err := sess.PendingSend(rc.Ctx, id)
	if err != nil {
		rc.RespondErr(err)
		return
	}
	var out PendingResult
	if found {
		out.Pending = &pending
	}
	rc.Respond(out)
}

func (s *Server) rpcResync(rc *RequestContext) {
	sess, ok := session(rc)
	if !ok {
		return
	}
	if err := sess.Resync(rc.Ctx); err != nil {
		rc.RespondErr(err)
		return
	}
	s.respondStatus(rc, sess)
}

func (s *Server) rpcUnread(rc *RequestContext) {
	sess, ok := session(rc)
	if !ok {
		return
	}
	n, err := sess.Unread(rc.Ctx)
	if err != nil {
		rc.RespondErr(err)
		return
	}
	rc.Respond(UnreadResult{Unread: n})
}
