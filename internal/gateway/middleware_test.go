package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/salesdesk/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func serve(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	})
	h := requestIDMiddleware(inner)

	rr := serve(h, "POST", inboundPath, nil)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, rr.Header().Get("X-Request-ID"), seen, "context carries the same id")

	rr = serve(h, "POST", inboundPath, map[string]string{"X-Request-ID": "provider-retry-7"})
	assert.Equal(t, "provider-retry-7", rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "provider-retry-7", seen)

	long := strings.Repeat("x", 200)
	rr = serve(h, "POST", inboundPath, map[string]string{"X-Request-ID": long})
	assert.NotEqual(t, long, rr.Header().Get("X-Request-ID"))
}

func TestRequestID_EmptyContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, RequestID(req.Context()))
}

func TestLoggingMiddleware_CapturesStatus(t *testing.T) {
	log := logging.New(nil, "silent")
	var sw *statusWriter
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw = w.(*statusWriter)
		w.WriteHeader(http.StatusCreated)
	})

	rr := serve(loggingMiddleware(inner, log), "POST", inboundPath, nil)
	assert.Equal(t, http.StatusCreated, rr.Code)
	require.NotNil(t, sw)
	assert.Equal(t, http.StatusCreated, sw.status)
}

func TestRecoverMiddleware(t *testing.T) {
	log := logging.New(nil, "silent")
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rr := serve(recoverMiddleware(inner, log), "POST", inboundPath, nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rr.Body.String())
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"deny when unconfigured", nil, "http://localhost:3000", ""},
		{"wildcard", []string{"*"}, "http://localhost:3000", "http://localhost:3000"},
		{"listed origin", []string{"https://app.salesdesk.io"}, "https://app.salesdesk.io", "https://app.salesdesk.io"},
		{"unlisted origin", []string{"https://app.salesdesk.io"}, "https://evil.example", ""},
		{"no origin header", []string{"*"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := map[string]string{}
			if tt.origin != "" {
				header["Origin"] = tt.origin
			}
			rr := serve(corsMiddleware(okHandler(), tt.allowed), "GET", "/health", header)
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, tt.want, rr.Header().Get("Access-Control-Allow-Origin"))
			if tt.want != "" {
				assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "Authorization")
				assert.Equal(t, "X-Request-ID", rr.Header().Get("Access-Control-Expose-Headers"))
			}
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	rr := serve(corsMiddleware(okHandler(), []string{"*"}), "OPTIONS", inboundPath,
		map[string]string{"Origin": "http://localhost:3000"})

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestWithMiddleware(t *testing.T) {
	log := logging.New(nil, "silent")

	rr := serve(withMiddleware(okHandler(), log, nil), "GET", "/health",
		map[string]string{"Origin": "http://test.com"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))

	rr = serve(withMiddleware(okHandler(), log, []string{"http://test.com"}), "GET", "/health",
		map[string]string{"Origin": "http://test.com"})
	assert.Equal(t, "http://test.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

// The full chain must stay hijackable or the websocket upgrade fails.
func TestHandler_WebSocketThroughMiddleware(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))
	assert.Equal(t, "connect.challenge", challenge.Event)
}
