package history

import "time"

// Message represents a single persisted conversation turn.
type Message struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"` // "user" or "assistant"
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"` // Estimated tokens
	Timestamp  time.Time `json:"timestamp"`
}

// TruncateHistory trims a transcript to the given limits, keeping the most
// recent messages. The message limit applies first, then the token limit.
func TruncateHistory(msgs []Message, tokenLimit, messageLimit int) []Message {
	if len(msgs) == 0 {
		return msgs
	}

	if messageLimit > 0 && len(msgs) > messageLimit {
		msgs = msgs[len(msgs)-messageLimit:]
	}

	if tokenLimit <= 0 {
		return msgs
	}

	totalTokens := 0
	for _, m := range msgs {
		totalTokens += m.TokenCount
	}
	for totalTokens > tokenLimit && len(msgs) > 0 {
		totalTokens -= msgs[0].TokenCount
		msgs = msgs[1:]
	}
	return msgs
}
