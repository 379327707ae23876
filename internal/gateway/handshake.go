package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soyeahso/salesdesk/internal/version"
)

const handshakeTimeout = 10 * time.Second

// rejection is a handshake failure the agent is told about before the
// socket closes.
type rejection struct {
	id, code, message string
}

func (r *rejection) Error() string { return r.code + ": " + r.message }

// handshake runs challenge, connect, hello-ok on a fresh socket and
// returns the authenticated client with the org it asked to start in.
func (s *Server) handshake(conn *websocket.Conn) (*Client, string, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	challenge, err := NewEvent(EventChallenge, map[string]any{
		"nonce": uuid.NewString(),
		"ts":    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, "", err
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, "", fmt.Errorf("sending challenge: %w", err)
	}

	id, params, auth, err := s.readConnect(conn)
	if err != nil {
		var rej *rejection
		if errors.As(err, &rej) {
			reject(conn, rej)
		}
		return nil, "", err
	}
	conn.SetReadDeadline(time.Time{})

	client := NewClient(conn, params.Client, auth, s.log.Sub("ws"))
	resp, err := NewResponse(id, s.hello(client))
	if err != nil {
		return nil, "", err
	}
	if err := conn.WriteJSON(resp); err != nil {
		return nil, "", fmt.Errorf("sending hello: %w", err)
	}

	// Sessions push events, so one only exists once hello-ok is out.
	s.openSession(client)

	s.log.Info().
		Str("connId", client.ConnID).
		Str("clientId", params.Client.ID).
		Str("clientVersion", params.Client.Version).
		Str("authMethod", auth.Method).
		Str("org", params.OrgID).
		Msg("client authenticated")
	return client, params.OrgID, nil
}

// readConnect reads and checks the connect request. Failures the agent
// should hear about come back as *rejection.
func (s *Server) readConnect(conn *websocket.Conn) (string, ConnectParams, AuthResult, error) {
	var params ConnectParams

	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return "", params, AuthResult{}, fmt.Errorf("reading connect: %w", err)
	}
	if frame.Type != FrameTypeRequest || frame.Method != "connect" {
		return "", params, AuthResult{}, &rejection{frame.ID, "protocol_error",
			fmt.Sprintf("expected connect request, got %s %s", frame.Type, frame.Method)}
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return "", params, AuthResult{}, &rejection{frame.ID, "invalid_params", "invalid connect params"}
	}
	if err := params.negotiate(); err != nil {
		return "", params, AuthResult{}, &rejection{frame.ID, "protocol_mismatch", err.Error()}
	}
	auth := Authorize(s.auth, params.Auth)
	if !auth.OK {
		return "", params, auth, &rejection{frame.ID, "unauthorized", auth.Reason}
	}
	return frame.ID, params, auth, nil
}

func (s *Server) hello(client *Client) HelloOK {
	build := version.Resolve()
	return HelloOK{
		Protocol: ProtocolVersion,
		Server: ServerInfo{
			Version: build.Version,
			Commit:  build.Commit,
			ConnID:  client.ConnID,
		},
		Features: Features{Methods: s.Methods(), Events: Events()},
		Policy: ServerPolicy{
			MaxPayload:     maxFrameBytes,
			TickIntervalMs: int(pingInterval / time.Millisecond),
		},
	}
}

// reject answers the connect request with an error and closes politely.
func reject(conn *websocket.Conn, r *rejection) {
	conn.WriteJSON(NewErrorResponse(r.id, ErrorShape{Code: r.code, Message: r.message}))
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, r.message),
		time.Now().Add(time.Second))
}
