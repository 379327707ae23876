package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/inbox"
)

// maxInboundBody caps an ingest request body.
const maxInboundBody = 1 << 20

// Ingestor persists inbound messages arriving from channel providers. The
// store publishes each insert on the change feed, which is how connected
// sessions learn about it.
type Ingestor interface {
	ResolveLead(ctx context.Context, lead domain.Lead) (domain.Lead, error)
	EnsureConversation(ctx context.Context, orgID, leadID string, channel domain.ChannelKind) (domain.Conversation, bool, error)
	InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error)
}

// InboundLead identifies the sender. At least one of ID, Phone or Email is
// required; the rest updates the lead record.
type InboundLead struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
}

// InboundRequest is the body of POST /api/messages/inbound.
type InboundRequest struct {
	OrgID      string             `json:"orgId"`
	Channel    domain.ChannelKind `json:"channel"`
	Lead       InboundLead        `json:"lead"`
	Body       string             `json:"body,omitempty"`
	Kind       domain.MessageKind `json:"kind,omitempty"`
	MediaURL   string             `json:"mediaUrl,omitempty"`
	MediaMime  string             `json:"mediaMime,omitempty"`
	Sentiment  domain.Sentiment   `json:"sentiment,omitempty"`
	ExternalID string             `json:"externalId,omitempty"`
	SentAt     *time.Time         `json:"sentAt,omitempty"`
}

// InboundResponse reports where an inbound message landed.
type InboundResponse struct {
	ConversationID      string         `json:"conversationId"`
	ConversationCreated bool           `json:"conversationCreated"`
	Message             domain.Message `json:"message"`
}

var knownChannels = map[domain.ChannelKind]bool{
	domain.ChannelWhatsApp:  true,
	domain.ChannelInstagram: true,
	domain.ChannelSMS:       true,
	domain.ChannelEmail:     true,
	domain.ChannelWebchat:   true,
}

func (req *InboundRequest) validate() error {
	switch {
	case req.OrgID == "":
		return errors.New("orgId is required")
	case !knownChannels[req.Channel]:
		return errors.New("unknown channel: " + string(req.Channel))
	case req.Lead.ID == "" && req.Lead.Phone == "" && req.Lead.Email == "":
		return errors.New("lead needs an id, phone or email")
	case strings.TrimSpace(req.Body) == "" && req.MediaURL == "":
		return errors.New("body or mediaUrl is required")
	}
	if req.Kind == "" {
		req.Kind = domain.KindText
		if req.MediaURL != "" {
			req.Kind = domain.KindDocument
		}
	}
	return nil
}

// message builds the timeline entry for req on conversation conv.
func (req *InboundRequest) message(conv domain.Conversation) domain.Message {
	m := domain.Message{
		ConversationID: conv.ID,
		LeadID:         conv.LeadID,
		Body:           strings.TrimSpace(req.Body),
		Direction:      domain.DirectionInbound,
		Sender:         domain.SenderLead,
		SenderName:     req.Lead.Name,
		Kind:           req.Kind,
		Sentiment:      req.Sentiment,
		ExternalID:     req.ExternalID,
	}
	if req.MediaURL != "" {
		m.Media = &domain.Media{URL: req.MediaURL, MimeType: req.MediaMime}
	}
	if req.SentAt != nil {
		m.CreatedAt = req.SentAt.UTC()
	}
	return m
}

// handleInbound accepts one inbound message from a channel provider. It
// resolves the lead, finds or opens the lead's active conversation and
// inserts the message; retries with the same externalId are idempotent.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ingest disabled"})
		return
	}
	if !s.authLimiter.allow(r.RemoteAddr) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
		return
	}
	if res := authorizeIngest(r, s.cfg.Gateway.IngestToken); !res.OK {
		s.authLimiter.recordFailure(r.RemoteAddr)
		s.log.Warn().Str("remote", r.RemoteAddr).Str("reason", res.Reason).Msg("ingest rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": res.Reason})
		return
	}

	var req InboundRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInboundBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx := r.Context()
	log := s.log.With("org", req.OrgID)
	if id := RequestID(ctx); id != "" {
		log = log.With("requestId", id)
	}

	lead, err := s.ingest.ResolveLead(ctx, domain.Lead{
		ID:      req.Lead.ID,
		OrgID:   req.OrgID,
		Name:    req.Lead.Name,
		Company: req.Lead.Company,
		Phone:   inbox.NormalizePhone(req.Lead.Phone, s.inbox.PhoneRegion),
		Email:   strings.ToLower(strings.TrimSpace(req.Lead.Email)),
	})
	if err != nil {
		log.Error().Err(err).Msg("ingest: resolving lead")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "resolving lead failed"})
		return
	}

	conv, created, err := s.ingest.EnsureConversation(ctx, req.OrgID, lead.ID, req.Channel)
	if err != nil {
		log.Error().Err(err).Str("lead", lead.ID).Msg("ingest: finding conversation")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "finding conversation failed"})
		return
	}

	msg, err := s.ingest.InsertMessage(ctx, req.message(conv))
	if err != nil {
		log.Error().Err(err).Str("conversation", conv.ID).Msg("ingest: inserting message")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storing message failed"})
		return
	}

	log.Debug().
		Str("conversation", conv.ID).
		Str("message", msg.ID).
		Bool("conversationCreated", created).
		Msg("inbound message stored")

	writeJSON(w, http.StatusCreated, InboundResponse{
		ConversationID:      conv.ID,
		ConversationCreated: created,
		Message:             msg,
	})
}
