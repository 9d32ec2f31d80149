package realtime

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one logical conversation entry. Identity is ID: events that
// share an id describe the same message at different points in its
// construction.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Streaming bool      `json:"streaming"`
}

// ContentEvent is a partial or complete content update for a message id.
type ContentEvent struct {
	ID    string
	Role  Role
	Text  string
	Final bool
}

// Buffer is an ordered set of messages keyed by id. Order reflects the first
// appearance of each id; later updates never move a message.
//
// Apply treats the receiver as immutable and returns an updated copy, so a
// caller can hold onto earlier snapshots (rendering, tests) safely.
type Buffer struct {
	order []string
	byID  map[string]Message
}

// NewBuffer returns an empty buffer.
func NewBuffer() Buffer {
	return Buffer{byID: map[string]Message{}}
}

// Apply folds a single content event into the buffer.
//
// Deltas append text to the message (inserting a new streaming message for an
// unseen id); finals replace the content wholesale and clear the streaming
// flag, which makes re-applying an identical final a no-op.
func (b Buffer) Apply(ev ContentEvent, now time.Time) Buffer {
	next := b.clone()
	msg, seen := next.byID[ev.ID]
	if !seen {
		msg = Message{ID: ev.ID, Role: ev.Role, Timestamp: now}
		next.order = append(next.order, ev.ID)
	}
	if ev.Final {
		msg.Content = ev.Text
		msg.Streaming = false
	} else {
		msg.Content += ev.Text
		msg.Streaming = true
	}
	if ev.Role != "" {
		msg.Role = ev.Role
	}
	next.byID[ev.ID] = msg
	return next
}

// Messages returns the buffered messages in first-seen order.
func (b Buffer) Messages() []Message {
	out := make([]Message, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.byID[id])
	}
	return out
}

// Get returns the message for id, if present.
func (b Buffer) Get(id string) (Message, bool) {
	m, ok := b.byID[id]
	return m, ok
}

// Len returns the number of messages in the buffer.
func (b Buffer) Len() int { return len(b.order) }

func (b Buffer) clone() Buffer {
	next := Buffer{
		order: append([]string(nil), b.order...),
		byID:  make(map[string]Message, len(b.byID)+1),
	}
	for id, m := range b.byID {
		next.byID[id] = m
	}
	return next
}
