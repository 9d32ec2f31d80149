package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTranscript() []Message {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return []Message{
		{ID: "u1", Role: "user", Content: "what is this listing?", TokenCount: 6, Timestamp: now},
		{ID: "a1", Role: "assistant", Content: "a tokenized film script", TokenCount: 5, Timestamp: now.Add(time.Second)},
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store, err := NewStore(StoreTypeMemory)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "conv-1", sampleTranscript()))

	loaded, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, sampleTranscript(), loaded)

	missing, err := store.Load(ctx, "conv-unknown")
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, store.Delete(ctx, "conv-1"))
	gone, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestMemoryStoreSaveCopiesInput(t *testing.T) {
	store, err := NewStore(StoreTypeMemory)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	msgs := sampleTranscript()
	require.NoError(t, store.Save(context.Background(), "conv-1", msgs))
	msgs[0].Content = "mutated"

	loaded, err := store.Load(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "what is this listing?", loaded[0].Content)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := NewStore(StoreTypeSQLite, WithSQLitePath(path))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "conv-1", sampleTranscript()))

	loaded, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, sampleTranscript(), loaded)

	// upsert replaces the transcript
	require.NoError(t, store.Save(ctx, "conv-1", sampleTranscript()[:1]))
	loaded, err = store.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, loaded, 1)

	require.NoError(t, store.Delete(ctx, "conv-1"))
	gone, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(StoreTypeRedis)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewStore(StoreTypeSQLite)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewStore(StoreType("bogus"))
	assert.ErrorIs(t, err, ErrInvalidStoreType)
}

func TestTruncateHistoryMessageLimitFirst(t *testing.T) {
	msgs := make([]Message, 10)
	for i := range msgs {
		msgs[i] = Message{ID: string(rune('a' + i)), TokenCount: 10}
	}

	got := TruncateHistory(msgs, 1000, 4)
	require.Len(t, got, 4)
	assert.Equal(t, msgs[6].ID, got[0].ID)
}

func TestTruncateHistoryTokenLimit(t *testing.T) {
	msgs := []Message{
		{ID: "a", TokenCount: 50},
		{ID: "b", TokenCount: 50},
		{ID: "c", TokenCount: 50},
	}

	got := TruncateHistory(msgs, 100, 100)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

func TestTruncateHistoryEmpty(t *testing.T) {
	assert.Empty(t, TruncateHistory(nil, 100, 10))
}
