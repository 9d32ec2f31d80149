package realtime

import "encoding/json"

// Control-channel event types. Outbound events are only sent while the
// session is ready; inbound events are dispatched by the type discriminant.
const (
	typeSessionUpdate  = "session.update"
	typeItemCreate     = "conversation.item.create"
	typeResponseCreate = "response.create"

	typeSessionCreated       = "session.created"
	typeSessionUpdated       = "session.updated"
	typeItemAdded            = "conversation.item.added"
	typeTextDelta            = "response.output_text.delta"
	typeTextDone             = "response.output_text.done"
	typeAudioTranscriptDelta = "response.output_audio_transcript.delta"
	typeAudioTranscriptDone  = "response.output_audio_transcript.done"
	typeInputAudioDelta      = "conversation.item.input_audio_transcription.delta"
	typeInputAudioDone       = "conversation.item.input_audio_transcription.completed"
	typeResponseDone         = "response.done"
	typeError                = "error"
)

// serverEvent is the inbound control-channel envelope. Fields are populated
// depending on Type; unknown types are logged and dropped.
type serverEvent struct {
	Type       string            `json:"type"`
	EventID    string            `json:"event_id,omitempty"`
	ItemID     string            `json:"item_id,omitempty"`
	ResponseID string            `json:"response_id,omitempty"`
	Delta      string            `json:"delta,omitempty"`
	Text       string            `json:"text,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Item       *conversationItem `json:"item,omitempty"`
	Response   *responsePayload  `json:"response,omitempty"`
	Session    json.RawMessage   `json:"session,omitempty"`
	Error      *protocolError    `json:"error,omitempty"`
}

type conversationItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
}

type contentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// text returns the best available textual content of the item.
func (it *conversationItem) text() string {
	if it == nil {
		return ""
	}
	for _, p := range it.Content {
		if p.Text != "" {
			return p.Text
		}
		if p.Transcript != "" {
			return p.Transcript
		}
	}
	return ""
}

type responsePayload struct {
	ID     string       `json:"id,omitempty"`
	Status string       `json:"status,omitempty"`
	Usage  *usageTotals `json:"usage,omitempty"`
}

type usageTotals struct {
	TotalTokens  int `json:"total_tokens"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type protocolError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// sessionUpdateEvent reconfigures the remote session (modalities, voice
// activity detection, transcription).
type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioTranscription *transcriptionModel  `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionConfig `json:"turn_detection"`
}

type transcriptionModel struct {
	Model string `json:"model"`
}

type turnDetectionConfig struct {
	Type string `json:"type"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type responseCreateEvent struct {
	Type string `json:"type"`
}

func newTextSessionUpdate(instructions string) sessionUpdateEvent {
	return sessionUpdateEvent{
		Type: typeSessionUpdate,
		Session: sessionConfig{
			Modalities:   []string{"text"},
			Instructions: instructions,
			// null turn_detection disables server VAD in text mode
			TurnDetection: nil,
		},
	}
}

func newVoiceSessionUpdate(instructions, voice, transcription string) sessionUpdateEvent {
	return sessionUpdateEvent{
		Type: typeSessionUpdate,
		Session: sessionConfig{
			Modalities:              []string{"text", "audio"},
			Instructions:            instructions,
			Voice:                   voice,
			InputAudioTranscription: &transcriptionModel{Model: transcription},
			TurnDetection:           &turnDetectionConfig{Type: "server_vad"},
		},
	}
}

func newUserItemCreate(id, text string) itemCreateEvent {
	return itemCreateEvent{
		Type: typeItemCreate,
		Item: conversationItem{
			ID:      id,
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}
}

// newContextItemCreate builds a context-only replay item. It is never
// followed by a response.create, so it must not trigger generation.
func newContextItemCreate(id string, role Role, text string) itemCreateEvent {
	partType := "input_text"
	if role == RoleAssistant {
		partType = "text"
	}
	return itemCreateEvent{
		Type: typeItemCreate,
		Item: conversationItem{
			ID:      id,
			Type:    "message",
			Role:    string(role),
			Content: []contentPart{{Type: partType, Text: text}},
		},
	}
}
