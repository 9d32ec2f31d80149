// Package stream fans conversation activity out over a message bus so any
// number of renderers (CLI, web views) can follow a conversation live.
package stream

import (
	"time"

	"github.com/mintstream/mintstream/pkg/realtime"
)

// Frame event types.
const (
	FrameMessageUpsert = "message.upsert"
	FrameSessionState  = "session.state"
	FrameCredits       = "credits.balance"
	FrameNotice        = "notice"
)

// Frame is the wire envelope for one conversation event.
type Frame struct {
	RT    bool       `json:"rt"`
	Event FrameEvent `json:"event"`
}

// FrameEvent carries one typed conversation event. Exactly one of the
// optional payloads is set, matching Type.
type FrameEvent struct {
	Type      string          `json:"type"`
	ConvID    string          `json:"convId"`
	Message   *MessagePayload `json:"message,omitempty"`
	State     string          `json:"state,omitempty"`
	Error     string          `json:"error,omitempty"`
	Remaining *int64          `json:"remaining,omitempty"`
	Notice    *NoticePayload  `json:"notice,omitempty"`
}

// MessagePayload is a renderable transcript entry.
type MessagePayload struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Streaming bool      `json:"streaming"`
	Timestamp time.Time `json:"timestamp"`
}

// NoticePayload is a user-facing notice.
type NoticePayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func messageFrame(convID string, msg realtime.Message) Frame {
	return Frame{RT: true, Event: FrameEvent{
		Type:   FrameMessageUpsert,
		ConvID: convID,
		Message: &MessagePayload{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			Streaming: msg.Streaming,
			Timestamp: msg.Timestamp,
		},
	}}
}

func stateFrame(convID string, st realtime.State) Frame {
	ev := FrameEvent{
		Type:   FrameSessionState,
		ConvID: convID,
		State:  st.Kind.String(),
	}
	if st.Reason != nil {
		ev.Error = st.Reason.Error()
	}
	return Frame{RT: true, Event: ev}
}

func creditsFrame(convID string, remaining int64) Frame {
	return Frame{RT: true, Event: FrameEvent{
		Type:      FrameCredits,
		ConvID:    convID,
		Remaining: &remaining,
	}}
}

func noticeFrame(convID string, n realtime.Notice) Frame {
	return Frame{RT: true, Event: FrameEvent{
		Type:   FrameNotice,
		ConvID: convID,
		Notice: &NoticePayload{Kind: string(n.Kind), Message: n.Message},
	}}
}
