package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferDeltaAppendsInArrivalOrder(t *testing.T) {
	now := time.Now()
	b := NewBuffer()

	b = b.Apply(ContentEvent{ID: "m1", Role: RoleAssistant, Text: "Hel"}, now)
	b = b.Apply(ContentEvent{ID: "m1", Role: RoleAssistant, Text: "lo"}, now)

	msg, ok := b.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "Hello", msg.Content)
	assert.True(t, msg.Streaming)
	assert.Equal(t, RoleAssistant, msg.Role)
}

func TestBufferFinalReplacesAndIsIdempotent(t *testing.T) {
	now := time.Now()
	b := NewBuffer()

	b = b.Apply(ContentEvent{ID: "m1", Role: RoleAssistant, Text: "partial junk"}, now)
	b = b.Apply(ContentEvent{ID: "m1", Role: RoleAssistant, Text: "final text", Final: true}, now)
	after := b.Apply(ContentEvent{ID: "m1", Role: RoleAssistant, Text: "final text", Final: true}, now)

	require.Equal(t, b.Messages(), after.Messages())
	msg, ok := after.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "final text", msg.Content)
	assert.False(t, msg.Streaming)
	assert.Equal(t, 1, after.Len())
}

func TestBufferKeepsFirstSeenOrder(t *testing.T) {
	now := time.Now()
	b := NewBuffer()

	b = b.Apply(ContentEvent{ID: "a", Role: RoleUser, Text: "question", Final: true}, now)
	b = b.Apply(ContentEvent{ID: "b", Role: RoleAssistant, Text: "ans"}, now)
	b = b.Apply(ContentEvent{ID: "c", Role: RoleUser, Text: "next", Final: true}, now)
	// late update for b must not move it
	b = b.Apply(ContentEvent{ID: "b", Role: RoleAssistant, Text: "answer", Final: true}, now)

	msgs := b.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "b", msgs[1].ID)
	assert.Equal(t, "c", msgs[2].ID)
	assert.Equal(t, "answer", msgs[1].Content)
}

func TestBufferInterleavedStreams(t *testing.T) {
	now := time.Now()
	b := NewBuffer()

	b = b.Apply(ContentEvent{ID: "x", Role: RoleAssistant, Text: "foo"}, now)
	b = b.Apply(ContentEvent{ID: "y", Role: RoleAssistant, Text: "bar"}, now)
	b = b.Apply(ContentEvent{ID: "x", Role: RoleAssistant, Text: "foo2"}, now)
	b = b.Apply(ContentEvent{ID: "y", Role: RoleAssistant, Text: "bar2"}, now)

	x, _ := b.Get("x")
	y, _ := b.Get("y")
	assert.Equal(t, "foofoo2", x.Content)
	assert.Equal(t, "barbar2", y.Content)
}

func TestBufferApplyDoesNotMutateReceiver(t *testing.T) {
	now := time.Now()
	b := NewBuffer()
	b = b.Apply(ContentEvent{ID: "m1", Role: RoleUser, Text: "hi", Final: true}, now)

	snapshot := b
	_ = b.Apply(ContentEvent{ID: "m2", Role: RoleAssistant, Text: "reply"}, now)

	assert.Equal(t, 1, snapshot.Len())
	_, ok := snapshot.Get("m2")
	assert.False(t, ok)
}

func TestBufferFinalForUnseenIDInsertsCompleted(t *testing.T) {
	now := time.Now()
	b := NewBuffer()
	b = b.Apply(ContentEvent{ID: "m1", Role: RoleUser, Text: "hello", Final: true}, now)

	msg, ok := b.Get("m1")
	require.True(t, ok)
	assert.False(t, msg.Streaming)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, now, msg.Timestamp)
}
