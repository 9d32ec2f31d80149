package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// SessionHooks receive inbound protocol activity. Callbacks run on the
// transport's delivery goroutine in strict arrival order; they must not
// block.
type SessionHooks struct {
	// OnContent receives partial and complete message content.
	OnContent func(ev ContentEvent)
	// OnUsage receives usage totals from completion accounting events.
	OnUsage func(totalTokens int)
	// OnState receives every connection state transition.
	OnState func(st State)
}

// SessionConfig wires a SessionManager.
type SessionConfig struct {
	Transport          TransportFactory
	TransportConfig    TransportConfig
	Microphone         MicrophoneFactory
	Instructions       string
	Voice              string
	TranscriptionModel string
	Logger             zerolog.Logger
}

// SessionManager owns exactly one transport attempt at a time and exposes
// the connection state machine:
//
//	Idle -> Connecting -> Connected -> Ready
//	any  -> Failed{reason} on fatal error
//	any  -> Disconnected on explicit disconnect or remote close
//
// Failed and Disconnected are re-entrant through InitSession, which always
// constructs a fresh transport. A monotonic generation counter guards
// against stale attempts mutating state after they were superseded.
type SessionManager struct {
	mu        sync.Mutex
	cfg       SessionConfig
	hooks     SessionHooks
	state     State
	gen       uint64
	transport Transport
	channel   ControlChannel
	mic       Microphone
	micCancel context.CancelFunc
	mode      Mode
	log       zerolog.Logger
}

// NewSessionManager builds a manager in the Idle state.
func NewSessionManager(cfg SessionConfig, hooks SessionHooks) *SessionManager {
	if cfg.Transport == nil {
		cfg.Transport = NewWebRTCTransport
	}
	return &SessionManager{
		cfg:   cfg,
		hooks: hooks,
		state: State{Kind: StateIdle},
		mode:  ModeText,
		log:   cfg.Logger.With().Str("component", "session_manager").Logger(),
	}
}

// State returns the current connection state.
func (s *SessionManager) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode returns the active input modality.
func (s *SessionManager) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// InitSession tears down any previous attempt and negotiates a new transport
// session with the given credential. Failures transition to Failed and are
// returned; the caller decides whether to fetch a new credential and retry.
func (s *SessionManager) InitSession(ctx context.Context, cred Credential) error {
	s.mu.Lock()
	s.gen++
	myGen := s.gen
	mic, micCancel, prevCh, prevTr := s.mic, s.micCancel, s.channel, s.transport
	s.mic, s.micCancel, s.channel, s.transport = nil, nil, nil, nil
	s.mode = ModeText
	s.state = State{Kind: StateConnecting}
	notify := s.hooks.OnState
	s.mu.Unlock()

	// The previous transport and its media handles are fully released
	// before the new attempt starts.
	releaseResources(micCancel, mic, prevCh, prevTr)

	if notify != nil {
		notify(State{Kind: StateConnecting})
	}

	transport := s.cfg.Transport(s.cfg.TransportConfig)
	s.mu.Lock()
	if s.gen != myGen {
		s.mu.Unlock()
		_ = transport.Close()
		return ErrSuperseded
	}
	s.transport = transport
	s.mu.Unlock()

	ch, err := transport.Connect(ctx, cred)
	if err != nil {
		_ = transport.Close()
		if !s.transition(myGen, State{Kind: StateFailed, Reason: err}) {
			return ErrSuperseded
		}
		s.log.Warn().Err(err).Msg("session negotiation failed")
		return err
	}

	s.mu.Lock()
	if s.gen != myGen {
		s.mu.Unlock()
		_ = ch.Close()
		_ = transport.Close()
		return ErrSuperseded
	}
	s.channel = ch
	s.mu.Unlock()

	transport.OnClose(func(err error) {
		if err != nil {
			s.transition(myGen, State{Kind: StateFailed, Reason: &NegotiationError{Cause: err}})
			return
		}
		s.transition(myGen, State{Kind: StateDisconnected})
	})
	ch.OnMessage(func(data []byte) { s.handleMessage(myGen, data) })
	ch.OnClose(func() { s.transition(myGen, State{Kind: StateDisconnected}) })

	s.transition(myGen, State{Kind: StateConnected})
	ch.OnOpen(func() { s.channelOpen(myGen) })
	return nil
}

// channelOpen completes the control channel handshake. Configuration is
// treated as acknowledged once the first session.update send succeeds.
func (s *SessionManager) channelOpen(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.channel == nil {
		s.mu.Unlock()
		return
	}
	ch := s.channel
	instructions := s.cfg.Instructions
	s.mu.Unlock()

	if err := sendEvent(ch, newTextSessionUpdate(instructions)); err != nil {
		s.log.Error().Err(err).Msg("initial session configuration failed")
		s.transition(gen, State{Kind: StateFailed, Reason: &NegotiationError{Cause: err}})
		return
	}
	s.log.Info().Msg("control channel ready")
	s.transition(gen, State{Kind: StateReady})
}

// SendText emits a create-message event followed by a response request. It
// is a no-op with a logged warning when the session is not ready; callers
// are expected to gate the control on connection state.
func (s *SessionManager) SendText(id, text string) {
	s.mu.Lock()
	if s.state.Kind != StateReady || s.channel == nil {
		st := s.state
		s.mu.Unlock()
		s.log.Warn().Stringer("state", st).Msg("sendText ignored: session not ready")
		return
	}
	ch := s.channel
	s.mu.Unlock()

	if err := sendEvent(ch, newUserItemCreate(id, text)); err != nil {
		s.log.Error().Err(err).Str("item_id", id).Msg("send message failed")
		return
	}
	if err := sendEvent(ch, responseCreateEvent{Type: typeResponseCreate}); err != nil {
		s.log.Error().Err(err).Str("item_id", id).Msg("response request failed")
	}
}

// RestoreContext replays prior conversation messages as context-only items.
// No response is requested, so the remote side must not generate output.
// System messages and still-streaming messages are skipped.
func (s *SessionManager) RestoreContext(messages []Message) {
	s.mu.Lock()
	if s.state.Kind != StateReady || s.channel == nil {
		st := s.state
		s.mu.Unlock()
		s.log.Warn().Stringer("state", st).Msg("restoreContext ignored: session not ready")
		return
	}
	ch := s.channel
	s.mu.Unlock()

	restored := 0
	for _, m := range messages {
		if m.Role == RoleSystem || m.Streaming || m.Content == "" {
			continue
		}
		if err := sendEvent(ch, newContextItemCreate(m.ID, m.Role, m.Content)); err != nil {
			s.log.Warn().Err(err).Str("item_id", m.ID).Msg("context replay item failed")
			continue
		}
		restored++
	}
	s.log.Info().Int("messages", restored).Msg("conversation context restored")
}

// ToggleMode switches between text and voice input. Voice acquires the
// microphone and enables server-side voice activity detection and
// transcription; text releases the microphone. On any failure the mode does
// not change and an existing ready session stays up.
func (s *SessionManager) ToggleMode(mode Mode) error {
	s.mu.Lock()
	gen := s.gen
	ch, tr := s.channel, s.transport
	cur := s.mode
	s.mu.Unlock()

	if ch == nil || tr == nil {
		return errors.Wrap(ErrNotReady, "no active transport")
	}
	if mode == cur {
		return nil
	}

	switch mode {
	case ModeVoice:
		return s.enableVoice(gen, ch, tr)
	case ModeText:
		return s.enableText(gen, ch, tr)
	default:
		return errors.Errorf("unknown mode %q", mode)
	}
}

func (s *SessionManager) enableVoice(gen uint64, ch ControlChannel, tr Transport) error {
	if s.cfg.Microphone == nil {
		return &MediaAccessDeniedError{Cause: errors.New("no microphone configured")}
	}
	mic, err := s.cfg.Microphone()
	if err != nil {
		s.log.Warn().Err(err).Msg("microphone acquisition refused")
		return &MediaAccessDeniedError{Cause: err}
	}
	micCtx, cancel := context.WithCancel(context.Background())
	if err := mic.Start(micCtx); err != nil {
		cancel()
		_ = mic.Close()
		s.log.Warn().Err(err).Msg("microphone capture failed to start")
		return &MediaAccessDeniedError{Cause: err}
	}
	if err := tr.SetMicrophone(mic.Track()); err != nil {
		cancel()
		_ = mic.Close()
		return errors.Wrap(err, "attach microphone track")
	}
	if err := sendEvent(ch, newVoiceSessionUpdate(s.cfg.Instructions, s.cfg.Voice, s.cfg.TranscriptionModel)); err != nil {
		cancel()
		_ = mic.Close()
		_ = tr.SetMicrophone(nil)
		return errors.Wrap(err, "send voice session update")
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		cancel()
		_ = mic.Close()
		return ErrSuperseded
	}
	s.mic = mic
	s.micCancel = cancel
	s.mode = ModeVoice
	s.mu.Unlock()
	s.log.Info().Msg("voice mode enabled")
	return nil
}

func (s *SessionManager) enableText(gen uint64, ch ControlChannel, tr Transport) error {
	s.mu.Lock()
	mic, cancel := s.mic, s.micCancel
	s.mic, s.micCancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if mic != nil {
		_ = mic.Close()
	}
	if err := tr.SetMicrophone(nil); err != nil {
		s.log.Warn().Err(err).Msg("detach microphone track failed")
	}
	if err := sendEvent(ch, newTextSessionUpdate(s.cfg.Instructions)); err != nil {
		s.log.Warn().Err(err).Msg("send text session update failed")
	}

	s.mu.Lock()
	if gen == s.gen {
		s.mode = ModeText
	}
	s.mu.Unlock()
	s.log.Info().Msg("text mode enabled")
	return nil
}

// Disconnect tears down transport, control channel and any acquired media
// device from any state. It is idempotent and always ends in Disconnected.
func (s *SessionManager) Disconnect() {
	s.mu.Lock()
	s.gen++
	mic, micCancel, ch, tr := s.mic, s.micCancel, s.channel, s.transport
	s.mic, s.micCancel, s.channel, s.transport = nil, nil, nil, nil
	s.mode = ModeText
	changed := s.state.Kind != StateDisconnected
	s.state = State{Kind: StateDisconnected}
	notify := s.hooks.OnState
	s.mu.Unlock()

	releaseResources(micCancel, mic, ch, tr)

	if changed {
		s.log.Info().Msg("session disconnected")
		if notify != nil {
			notify(State{Kind: StateDisconnected})
		}
	}
}

// transition applies a state change if the attempt generation is still
// current. Callbacks run outside the lock.
func (s *SessionManager) transition(gen uint64, st State) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	s.state = st
	notify := s.hooks.OnState
	s.mu.Unlock()
	if notify != nil {
		notify(st)
	}
	return true
}

// handleMessage dispatches one inbound control-channel event by its type
// discriminant. Unknown types only log, to stay forward-compatible with
// protocol additions.
func (s *SessionManager) handleMessage(gen uint64, data []byte) {
	s.mu.Lock()
	stale := gen != s.gen
	hooks := s.hooks
	s.mu.Unlock()
	if stale {
		return
	}

	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn().Err(err).Msg("undecodable control channel event")
		return
	}

	content := func(ce ContentEvent) {
		if ce.ID == "" || hooks.OnContent == nil {
			return
		}
		hooks.OnContent(ce)
	}

	switch ev.Type {
	case typeSessionCreated, typeSessionUpdated:
		s.log.Debug().Str("event_type", ev.Type).Msg("session lifecycle event")

	case typeTextDelta, typeAudioTranscriptDelta:
		content(ContentEvent{ID: itemKey(ev), Role: RoleAssistant, Text: ev.Delta})

	case typeTextDone:
		content(ContentEvent{ID: itemKey(ev), Role: RoleAssistant, Text: ev.Text, Final: true})

	case typeAudioTranscriptDone:
		content(ContentEvent{ID: itemKey(ev), Role: RoleAssistant, Text: ev.Transcript, Final: true})

	case typeInputAudioDelta:
		content(ContentEvent{ID: itemKey(ev), Role: RoleUser, Text: ev.Delta})

	case typeInputAudioDone:
		content(ContentEvent{ID: itemKey(ev), Role: RoleUser, Text: ev.Transcript, Final: true})

	case typeItemAdded:
		// The echo of a created item is authoritative content for that id.
		if ev.Item == nil || ev.Item.ID == "" {
			return
		}
		role := RoleAssistant
		if ev.Item.Role == string(RoleUser) {
			role = RoleUser
		}
		content(ContentEvent{ID: ev.Item.ID, Role: role, Text: ev.Item.text(), Final: true})

	case typeResponseDone:
		if ev.Response != nil && ev.Response.Usage != nil && hooks.OnUsage != nil {
			hooks.OnUsage(ev.Response.Usage.TotalTokens)
		}

	case typeError:
		if ev.Error != nil {
			s.log.Warn().Str("code", ev.Error.Code).Str("message", ev.Error.Message).Msg("remote protocol error")
		}

	default:
		s.log.Debug().Str("event_type", ev.Type).Msg("unhandled control channel event")
	}
}

func itemKey(ev serverEvent) string {
	if ev.ItemID != "" {
		return ev.ItemID
	}
	return ev.ResponseID
}

func sendEvent(ch ControlChannel, ev any) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal protocol event")
	}
	return ch.Send(payload)
}

func releaseResources(micCancel context.CancelFunc, mic Microphone, ch ControlChannel, tr Transport) {
	if micCancel != nil {
		micCancel()
	}
	if mic != nil {
		_ = mic.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}
	if tr != nil {
		_ = tr.Close()
	}
}
