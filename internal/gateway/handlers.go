package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/soyeahso/salesdesk/internal/domain"
)

// HealthResponse answers GET /health with Status only. The health RPC
// fills in the rest for authenticated clients.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Clients int    `json:"clients,omitempty"`
	OrgID   string `json:"orgId,omitempty"`
	Feed    string `json:"feed,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequestHandler serves one RPC method.
type RequestHandler func(ctx *RequestContext)

// RequestContext is one in-flight request. Ctx is cancelled when the
// request times out or the connection closes.
type RequestContext struct {
	Client *Client
	Frame  Frame
	Server *Server
	Ctx    context.Context
}

func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

func (rc *RequestContext) RespondError(code, message string) {
	rc.Client.RespondError(rc.Frame.ID, ErrorShape{
		Code:    code,
		Message: message,
	})
}

// RespondErr answers with the wire shape of err. Unmapped errors are
// logged since the client only sees "internal".
func (rc *RequestContext) RespondErr(err error) {
	shape := errorShape(err)
	if shape.Code == "internal" {
		rc.Server.log.Error().Err(err).Str("method", rc.Frame.Method).Msg("request failed")
	}
	rc.Client.RespondError(rc.Frame.ID, shape)
}

// Params decodes the request params into target. Absent params leave
// target untouched.
func (rc *RequestContext) Params(target any) error {
	if rc.Frame.Params == nil {
		return nil
	}
	return json.Unmarshal(rc.Frame.Params, target)
}

// errorCodes maps inbox errors to wire codes, first match wins. Anything
// unmatched is "internal".
var errorCodes = []struct {
	err        error
	code       string
	retryAfter int // ms; -1 means not retryable
}{
	{domain.ErrUnknownConversation, "not_found", -1},
	{domain.ErrEmptyBody, "invalid_params", -1},
	{domain.ErrSendInFlight, "conflict", 500},
	{domain.ErrSendFailed, "send_failed", 0},
	{domain.ErrDataUnavailable, "unavailable", 1000},
	{domain.ErrSubscriptionLost, "feed_lost", 0},
	{domain.ErrSessionClosed, "closed", -1},
	{context.DeadlineExceeded, "timeout", 0},
}

func errorShape(err error) ErrorShape {
	for _, e := range errorCodes {
		if !errors.Is(err, e.err) {
			continue
		}
		shape := ErrorShape{Code: e.code, Message: err.Error()}
		if e.retryAfter >= 0 {
			shape.Retryable = true
			shape.RetryAfter = e.retryAfter
		}
		return shape
	}
	return ErrorShape{Code: "internal", Message: err.Error()}
}
