package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/soyeahso/salesdesk/internal/config"
)

const (
	AuthModeToken    = "token"
	AuthModePassword = "password"
)

// AuthResult is the outcome of checking an agent's or a provider's
// credentials.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func denied(reason string) AuthResult { return AuthResult{Reason: reason} }

// ResolvedAuth is the agent auth the gateway enforces, after environment
// fallbacks.
type ResolvedAuth struct {
	Mode     string
	Token    string
	Password string
}

// ResolveAuth fills empty config secrets from SALESDESK_GATEWAY_TOKEN and
// SALESDESK_GATEWAY_PASSWORD. Without an explicit mode a configured password
// selects password auth.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	auth := ResolvedAuth{
		Mode:     cfg.Mode,
		Token:    firstNonEmpty(cfg.Token, os.Getenv("SALESDESK_GATEWAY_TOKEN")),
		Password: firstNonEmpty(cfg.Password, os.Getenv("SALESDESK_GATEWAY_PASSWORD")),
	}
	if auth.Mode == "" {
		auth.Mode = AuthModeToken
		if auth.Password != "" {
			auth.Mode = AuthModePassword
		}
	}
	return auth
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Authorize checks an agent's connect credentials.
func Authorize(server ResolvedAuth, client *ConnectAuth) AuthResult {
	if client == nil {
		return denied("no credentials provided")
	}
	switch server.Mode {
	case AuthModeToken:
		return checkSecret(AuthModeToken, client.Token, server.Token)
	case AuthModePassword:
		return checkSecret(AuthModePassword, client.Password, server.Password)
	default:
		return denied("unknown auth mode: " + server.Mode)
	}
}

func checkSecret(kind, got, want string) AuthResult {
	switch {
	case want == "":
		return denied("server " + kind + " not configured")
	case got == "":
		return denied(kind + " required")
	case !safeEqual(got, want):
		return denied(kind + "_mismatch")
	}
	return AuthResult{OK: true, Method: kind}
}

// authorizeIngest checks the bearer token a channel provider sends with an
// inbound message. An empty configured token disables ingest.
func authorizeIngest(r *http.Request, token string) AuthResult {
	if token == "" {
		return denied("ingest disabled")
	}
	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || bearer == "" {
		return denied("token required")
	}
	return checkSecret(AuthModeToken, bearer, token)
}

// safeEqual compares in constant time, including when lengths differ.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}

// checkWebSocketOrigin admits non-browser agents (no Origin) and the
// configured browser origins.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isOriginAllowed(origin, allowed)
	}
}

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
	authRateMaxHosts = 10000
)

// authRateLimiter locks out a host after authRateMaxFails failed agent
// handshakes or ingest calls within authRateWindow.
type authRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{failures: make(map[string][]time.Time), now: time.Now}
}

func remoteHost(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// recent drops failures older than the window. Callers hold mu.
func (l *authRateLimiter) recent(host string, cutoff time.Time) []time.Time {
	times := l.failures[host]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == len(times) {
		delete(l.failures, host)
		return nil
	}
	l.failures[host] = times[i:]
	return times[i:]
}

func (l *authRateLimiter) allow(remoteAddr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recent(remoteHost(remoteAddr), l.now().Add(-authRateWindow))) < authRateMaxFails
}

func (l *authRateLimiter) recordFailure(remoteAddr string) {
	host := remoteHost(remoteAddr)
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if _, tracked := l.failures[host]; !tracked && len(l.failures) >= authRateMaxHosts {
		l.evict(now.Add(-authRateWindow))
	}
	l.failures[host] = append(l.failures[host], now)
}

// evict prunes expired hosts and, if the table is still full, the host
// whose oldest failure is earliest. Callers hold mu.
func (l *authRateLimiter) evict(cutoff time.Time) {
	for host := range l.failures {
		l.recent(host, cutoff)
	}
	if len(l.failures) < authRateMaxHosts {
		return
	}
	var oldest string
	var oldestAt time.Time
	for host, times := range l.failures {
		if oldest == "" || times[0].Before(oldestAt) {
			oldest, oldestAt = host, times[0]
		}
	}
	delete(l.failures, oldest)
}
