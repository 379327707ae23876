package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/hooks"
)

// Send delivers text to the conversation's lead and records it as a
// human-agent message.
//
// Delivery happens first; if it fails nothing is written and
// ErrSendFailed is returned. After delivery the message is persisted. If
// persistence fails the message still shows in the timeline as a local
// entry and the PendingSend stays Delivered with its error set, so the
// caller gets the message back alongside a nil error. Only one send may be
// in flight per conversation.
func (s *Session) Send(ctx context.Context, conversationID, text string) (domain.Message, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return domain.Message{}, domain.ErrEmptyBody
	}

	var (
		conv    domain.Conversation
		known   bool
		busy    bool
		epoch   uint64
		pending *domain.PendingSend
	)
	if err := s.do(ctx, func() {
		if conv, known = s.dir.Get(conversationID); !known {
			return
		}
		if _, busy = s.inflight[conversationID]; busy {
			return
		}
		epoch = s.epoch
		pending = domain.NewPendingSend(uuid.NewString(), conversationID, body, s.now().UTC())
		s.inflight[conversationID] = pending
		s.sends[conversationID] = pending
	}); err != nil {
		return domain.Message{}, err
	}
	if !known {
		return domain.Message{}, fmt.Errorf("%w: %s", domain.ErrUnknownConversation, conversationID)
	}
	if busy {
		return domain.Message{}, domain.ErrSendInFlight
	}

	// pending is only mutated on the loop from here on.
	defer s.run(func() {
		if s.inflight[conversationID] == pending {
			delete(s.inflight, conversationID)
		}
	})

	log := s.log.With("conversation", conversationID).With("send", pending.LocalID)

	req := domain.DeliveryRequest{
		OrgID:          conv.OrgID,
		LeadID:         conv.LeadID,
		ConversationID: conversationID,
		Channel:        conv.Channel,
		Recipient:      recipientFor(conv),
		Author:         s.agentName,
		Text:           body,
	}
	if err := s.deliverer.Deliver(ctx, req); err != nil {
		log.Warn().Err(err).Msg("delivery failed")
		s.run(func() {
			_ = pending.Fail(err)
			s.emit(hooks.EventSendFailed, conversationID, *pending, err)
		})
		return domain.Message{}, fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
	}
	s.run(func() { _ = pending.Transition(domain.SendDelivered) })

	msg := domain.Message{
		ID:             pending.LocalID,
		ConversationID: conversationID,
		LeadID:         conv.LeadID,
		Body:           body,
		Direction:      domain.DirectionOutbound,
		Sender:         domain.SenderHumanAgent,
		SenderName:     s.agentName,
		Kind:           domain.KindText,
		CreatedAt:      pending.SubmittedAt,
	}

	saved, err := s.store.InsertMessage(ctx, msg)
	if err != nil || saved.ID == "" {
		if err == nil {
			err = errors.New("store returned no id")
		}
		log.Warn().Err(err).Msg("delivered message not persisted, keeping local entry")
		msg.Local = true
		s.run(func() { pending.Err = err.Error() })
	} else {
		msg = saved
		s.run(func() {
			pending.ServerID = saved.ID
			_ = pending.Transition(domain.SendPersisted)
		})
	}

	s.run(func() {
		if s.epoch == epoch {
			s.applyMessage(msg, true)
		}
	})
	log.Debug().Str("message", msg.ID).Bool("local", msg.Local).Msg("sent")
	return msg, nil
}

// recipientFor picks the lead address the conversation's channel delivers to.
func recipientFor(c domain.Conversation) string {
	if c.Channel == domain.ChannelEmail {
		return c.LeadEmail
	}
	return c.LeadPhone
}
