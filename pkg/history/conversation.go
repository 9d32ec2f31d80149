package history

import (
	"context"

	"github.com/mintstream/mintstream/pkg/realtime"
	"github.com/mintstream/mintstream/pkg/tokens"
)

// Budget bounds how much transcript is kept per conversation.
type Budget struct {
	TokenLimit   int
	MessageLimit int
}

// DefaultBudget keeps roughly one model context window of transcript.
var DefaultBudget = Budget{TokenLimit: 8192, MessageLimit: 200}

// ConversationStore adapts a Store to the session engine's persistence
// interface, attaching token counts on save and truncating to the budget.
type ConversationStore struct {
	store  Store
	budget Budget
}

// NewConversationStore wraps store. A zero budget falls back to
// DefaultBudget.
func NewConversationStore(store Store, budget Budget) *ConversationStore {
	if budget.TokenLimit <= 0 && budget.MessageLimit <= 0 {
		budget = DefaultBudget
	}
	return &ConversationStore{store: store, budget: budget}
}

func (s *ConversationStore) SaveMessages(ctx context.Context, convID string, msgs []realtime.Message) error {
	stored := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		stored = append(stored, Message{
			ID:         m.ID,
			Role:       string(m.Role),
			Content:    m.Content,
			TokenCount: tokens.Count(m.Content),
			Timestamp:  m.Timestamp,
		})
	}
	stored = TruncateHistory(stored, s.budget.TokenLimit, s.budget.MessageLimit)
	return s.store.Save(ctx, convID, stored)
}

func (s *ConversationStore) LoadMessages(ctx context.Context, convID string) ([]realtime.Message, error) {
	stored, err := s.store.Load(ctx, convID)
	if err != nil {
		return nil, err
	}
	msgs := make([]realtime.Message, 0, len(stored))
	for _, m := range stored {
		msgs = append(msgs, realtime.Message{
			ID:        m.ID,
			Role:      realtime.Role(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return msgs, nil
}

// Close closes the underlying store.
func (s *ConversationStore) Close() error { return s.store.Close() }

var _ realtime.HistoryStore = (*ConversationStore)(nil)
