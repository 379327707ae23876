package inbox

import (
	"context"

	"github.com/soyeahso/salesdesk/internal/domain"
	"github.com/soyeahso/salesdesk/internal/hooks"
)

// applyMessage merges one message into session state. It runs on the loop.
// optimistic is set for the sender's own just-sent entry.
//
// For the open conversation the message lands in the timeline unless its id
// is already there, or it is a local entry whose canonical row already
// arrived. A canonical row replaces a matching local entry. For any other
// conversation only the directory row moves, and each message id counts
// once.
func (s *Session) applyMessage(m domain.Message, optimistic bool) {
	convID := m.ConversationID

	if convID == s.openID {
		if s.tl.Has(convID, m.ID) {
			s.log.Trace().Str("conversation", convID).Str("message", m.ID).Msg("duplicate dropped")
			return
		}
		switch {
		case m.Local && s.tl.HasCanonicalMatch(convID, m, s.window):
			s.log.Debug().Str("conversation", convID).Str("message", m.ID).Msg("local entry already persisted")
			s.seen.Add(m.ID)
			return
		case !m.Local && s.tl.PromoteLocal(convID, m, s.window):
			s.log.Debug().Str("conversation", convID).Str("message", m.ID).Msg("local entry promoted")
		default:
			s.tl.Append(convID, m)
		}
		s.seen.Add(m.ID)
		s.dir.ApplyMessageActivity(convID, m.Summary(), true)
		if m.Direction == domain.DirectionInbound && !optimistic {
			s.persistReadAsync(convID)
		}
		s.emit(hooks.EventMessageAppended, convID, m, nil)
		s.emitConversation(convID)
		return
	}

	if s.seen.Has(m.ID) {
		s.log.Trace().Str("conversation", convID).Str("message", m.ID).Msg("redelivery dropped")
		return
	}
	if !s.dir.ApplyMessageActivity(convID, m.Summary(), false) {
		s.log.Debug().Str("conversation", convID).Str("message", m.ID).Msg("message for unknown conversation dropped")
		return
	}
	s.seen.Add(m.ID)
	s.emitConversation(convID)
}

// applyConversation adds or refreshes a conversation row seen on the feed.
func (s *Session) applyConversation(c domain.Conversation) {
	if c.OrgID != s.orgID {
		return
	}
	if s.dir.UpsertFromFeed(c) {
		s.emitConversation(c.ID)
	}
}

func (s *Session) emitConversation(id string) {
	if c, ok := s.dir.Get(id); ok {
		s.emit(hooks.EventConversationUpdated, id, c, nil)
	}
}

func (s *Session) feedLost(err error) {
	s.feedErr = err
	s.log.Warn().Err(err).Str("org", s.orgID).Msg("change feed lost")
	s.emit(hooks.EventSubscriptionLost, "", nil, err)
}

// feedRestored clears the failure and resyncs in the background, since
// rows committed during the outage were never delivered.
func (s *Session) feedRestored() {
	s.feedErr = nil
	s.log.Info().Str("org", s.orgID).Msg("change feed restored, resyncing")
	s.emit(hooks.EventSubscriptionRestored, "", nil, nil)

	s.background(func() {
		if err := s.Resync(context.Background()); err != nil {
			s.log.Warn().Err(err).Msg("resync after restore failed")
		}
	})
}
