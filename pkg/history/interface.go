// Package history persists conversation transcripts across sessions with
// interchangeable storage drivers.
package history

import "context"

// Store defines transcript storage operations keyed by conversation id.
type Store interface {
	// Save replaces the stored transcript for a conversation.
	Save(ctx context.Context, convID string, msgs []Message) error

	// Load retrieves a transcript. A missing conversation returns an
	// empty slice, not an error.
	Load(ctx context.Context, convID string) ([]Message, error)

	// Delete removes a conversation's transcript.
	Delete(ctx context.Context, convID string) error

	// Close closes the store and releases any resources.
	Close() error
}
