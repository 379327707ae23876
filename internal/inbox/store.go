package inbox

import (
	"context"
	"fmt"
	"slices"

	"github.com/soyeahso/salesdesk/internal/domain"
)

// ConversationSource is the bulk conversation read of the canonical store.
type ConversationSource interface {
	ListConversations(ctx context.Context, orgID string, status domain.ConversationStatus) ([]domain.Conversation, error)
}

// MessageStore is the message side of the canonical store.
type MessageStore interface {
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	UpdateUnread(ctx context.Context, conversationID string, n int) error
}

// LeadDirectory resolves lead display data.
type LeadDirectory interface {
	LookupLeads(ctx context.Context, orgID string, ids []string) (map[string]domain.Lead, error)
}

// Store is everything a Session needs from persistence.
type Store interface {
	ConversationSource
	MessageStore
	LeadDirectory
}

// Deliverer sends an outbound message over the conversation's external channel.
type Deliverer interface {
	Deliver(ctx context.Context, req domain.DeliveryRequest) error
}

// loadConversations reads the org's active conversations, enriched with
// lead display data and sorted by recency.
func loadConversations(ctx context.Context, src ConversationSource, leads LeadDirectory, orgID, region string) ([]domain.Conversation, error) {
	convs, err := src.ListConversations(ctx, orgID, domain.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("%w: loading conversations: %v", domain.ErrDataUnavailable, err)
	}

	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		if !slices.Contains(ids, c.LeadID) {
			ids = append(ids, c.LeadID)
		}
	}
	byID, err := leads.LookupLeads(ctx, orgID, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: loading leads: %v", domain.ErrDataUnavailable, err)
	}

	out := make([]domain.Conversation, 0, len(convs))
	for _, c := range convs {
		if c.OrgID != orgID {
			continue
		}
		lead, ok := byID[c.LeadID]
		out = append(out, enrich(c, lead, ok, region))
	}
	slices.SortStableFunc(out, compareConversations)
	return out, nil
}

// loadHistory reads a conversation's full message history.
func loadHistory(ctx context.Context, src MessageStore, conversationID string) ([]domain.Message, error) {
	msgs, err := src.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading history for %s: %v", domain.ErrDataUnavailable, conversationID, err)
	}
	return msgs, nil
}
