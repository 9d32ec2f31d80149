package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel is a control channel whose open event fires synchronously at
// registration, mimicking a channel that was already open when handed out.
type fakeChannel struct {
	mu        sync.Mutex
	onMessage func([]byte)
	onCloseFn func()
	sent      [][]byte
	sendErr   error
	closed    bool
}

func (c *fakeChannel) OnOpen(fn func()) {
	if fn != nil {
		fn()
	}
}

func (c *fakeChannel) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onCloseFn = fn
	c.mu.Unlock()
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) deliver(t *testing.T, ev any) {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	require.NotNil(t, fn, "no message handler registered")
	fn(payload)
}

func (c *fakeChannel) sentTypes(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.sent))
	for _, payload := range c.sent {
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(payload, &env))
		types = append(types, env.Type)
	}
	return types
}

func (c *fakeChannel) sentEvent(t *testing.T, idx int) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Greater(t, len(c.sent), idx)
	var out map[string]any
	require.NoError(t, json.Unmarshal(c.sent[idx], &out))
	return out
}

type fakeTransport struct {
	mu         sync.Mutex
	ch         *fakeChannel
	connectErr error
	lastCred   Credential
	track      webrtc.TrackLocal
	trackSet   bool
	onClose    func(error)
	closed     bool
}

func (f *fakeTransport) Connect(ctx context.Context, cred Credential) (ControlChannel, error) {
	f.mu.Lock()
	f.lastCred = cred
	f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.ch, nil
}

func (f *fakeTransport) SetMicrophone(track webrtc.TrackLocal) error {
	f.mu.Lock()
	f.track = track
	f.trackSet = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnClose(fn func(err error)) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type hookRecorder struct {
	mu       sync.Mutex
	states   []StateKind
	contents []ContentEvent
	usages   []int
}

func (r *hookRecorder) hooks() SessionHooks {
	return SessionHooks{
		OnContent: func(ev ContentEvent) {
			r.mu.Lock()
			r.contents = append(r.contents, ev)
			r.mu.Unlock()
		},
		OnUsage: func(n int) {
			r.mu.Lock()
			r.usages = append(r.usages, n)
			r.mu.Unlock()
		},
		OnState: func(st State) {
			r.mu.Lock()
			r.states = append(r.states, st.Kind)
			r.mu.Unlock()
		},
	}
}

func (r *hookRecorder) stateKinds() []StateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateKind(nil), r.states...)
}

func (r *hookRecorder) contentEvents() []ContentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ContentEvent(nil), r.contents...)
}

func (r *hookRecorder) usageTotals() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.usages...)
}

func newTestSession(tr Transport, rec *hookRecorder) *SessionManager {
	return NewSessionManager(SessionConfig{
		Transport:    func(TransportConfig) Transport { return tr },
		Instructions: "be helpful",
		Logger:       zerolog.Nop(),
	}, rec.hooks())
}

func TestSessionConnectLifecycle(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)

	require.Equal(t, StateIdle, s.State().Kind)
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	assert.Equal(t, []StateKind{StateConnecting, StateConnected, StateReady}, rec.stateKinds())
	assert.Equal(t, StateReady, s.State().Kind)
	assert.Equal(t, "tok", tr.lastCred.Value)

	// the first outbound event configures the session for text
	require.Equal(t, []string{typeSessionUpdate}, ch.sentTypes(t))
	ev := ch.sentEvent(t, 0)
	session := ev["session"].(map[string]any)
	assert.Equal(t, []any{"text"}, session["modalities"])
}

func TestSessionConnectAuthFailure(t *testing.T) {
	tr := &fakeTransport{connectErr: &AuthFailureError{Cause: &TransportError{Status: 401, Body: "nope"}}}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)

	err := s.InitSession(context.Background(), Credential{Value: "expired"})
	require.Error(t, err)
	assert.True(t, IsAuthFailure(err))

	st := s.State()
	assert.Equal(t, StateFailed, st.Kind)
	assert.True(t, IsAuthFailure(st.Reason))
	assert.True(t, tr.closed)
}

func TestSessionInitialConfigFailureFails(t *testing.T) {
	ch := &fakeChannel{sendErr: errors.New("channel torn")}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)

	err := s.InitSession(context.Background(), Credential{Value: "tok"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, s.State().Kind)
}

func TestSendTextBeforeReadyIsNoOp(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)

	s.SendText("m1", "hello")
	assert.Empty(t, ch.sentTypes(t))
}

func TestSendTextEmitsItemThenResponse(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	s.SendText("m1", "hello there")

	require.Equal(t, []string{typeSessionUpdate, typeItemCreate, typeResponseCreate}, ch.sentTypes(t))
	item := ch.sentEvent(t, 1)["item"].(map[string]any)
	assert.Equal(t, "m1", item["id"])
	assert.Equal(t, "user", item["role"])
}

func TestRestoreContextSkipsSystemAndStreaming(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	s.RestoreContext([]Message{
		{ID: "sys", Role: RoleSystem, Content: "internal"},
		{ID: "u1", Role: RoleUser, Content: "earlier question"},
		{ID: "a1", Role: RoleAssistant, Content: "earlier answer"},
		{ID: "a2", Role: RoleAssistant, Content: "half-done", Streaming: true},
	})

	// context replay never requests generation
	types := ch.sentTypes(t)
	require.Equal(t, []string{typeSessionUpdate, typeItemCreate, typeItemCreate}, types)
	assert.Equal(t, "u1", ch.sentEvent(t, 1)["item"].(map[string]any)["id"])
	assert.Equal(t, "a1", ch.sentEvent(t, 2)["item"].(map[string]any)["id"])
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	s.Disconnect()
	s.Disconnect()

	assert.Equal(t, []StateKind{StateConnecting, StateConnected, StateReady, StateDisconnected}, rec.stateKinds())
	assert.Equal(t, StateDisconnected, s.State().Kind)
	assert.True(t, tr.closed)
	assert.True(t, ch.closed)
}

func TestDisconnectFromIdle(t *testing.T) {
	rec := &hookRecorder{}
	s := newTestSession(&fakeTransport{ch: &fakeChannel{}}, rec)

	s.Disconnect()
	assert.Equal(t, []StateKind{StateDisconnected}, rec.stateKinds())
}

func TestStaleChannelEventsAreDropped(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	s.Disconnect()
	ch.deliver(t, map[string]any{"type": typeTextDelta, "item_id": "m1", "delta": "late"})

	assert.Empty(t, rec.contentEvents())
	assert.Equal(t, StateDisconnected, s.State().Kind)
}

func TestContentEventRouting(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	ch.deliver(t, map[string]any{"type": typeTextDelta, "item_id": "a1", "delta": "Hel"})
	ch.deliver(t, map[string]any{"type": typeTextDelta, "item_id": "a1", "delta": "lo"})
	ch.deliver(t, map[string]any{"type": typeTextDone, "item_id": "a1", "text": "Hello"})
	ch.deliver(t, map[string]any{"type": typeInputAudioDelta, "item_id": "u1", "delta": "hi "})
	ch.deliver(t, map[string]any{"type": typeInputAudioDone, "item_id": "u1", "transcript": "hi there"})

	events := rec.contentEvents()
	require.Len(t, events, 5)
	assert.Equal(t, ContentEvent{ID: "a1", Role: RoleAssistant, Text: "Hel"}, events[0])
	assert.Equal(t, ContentEvent{ID: "a1", Role: RoleAssistant, Text: "Hello", Final: true}, events[2])
	assert.Equal(t, ContentEvent{ID: "u1", Role: RoleUser, Text: "hi "}, events[3])
	assert.Equal(t, ContentEvent{ID: "u1", Role: RoleUser, Text: "hi there", Final: true}, events[4])
}

func TestItemAddedEchoIsFinal(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	ch.deliver(t, map[string]any{
		"type": typeItemAdded,
		"item": map[string]any{
			"id":      "u1",
			"role":    "user",
			"content": []map[string]any{{"type": "input_text", "text": "hello"}},
		},
	})

	events := rec.contentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, ContentEvent{ID: "u1", Role: RoleUser, Text: "hello", Final: true}, events[0])
}

func TestResponseDoneReportsUsage(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	ch.deliver(t, map[string]any{
		"type":     typeResponseDone,
		"response": map[string]any{"usage": map[string]any{"total_tokens": 123}},
	})

	assert.Equal(t, []int{123}, rec.usageTotals())
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	ch.deliver(t, map[string]any{"type": "response.unknown_thing", "item_id": "x", "delta": "??"})

	assert.Empty(t, rec.contentEvents())
	assert.Equal(t, StateReady, s.State().Kind)
}

func TestRemoteCloseTransitionsDisconnected(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	ch.mu.Lock()
	onClose := ch.onCloseFn
	ch.mu.Unlock()
	require.NotNil(t, onClose)
	onClose()

	assert.Equal(t, StateDisconnected, s.State().Kind)
}

func TestTransportFailureTransitionsFailed(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	tr.mu.Lock()
	onClose := tr.onClose
	tr.mu.Unlock()
	require.NotNil(t, onClose)
	onClose(errors.New("ice went away"))

	st := s.State()
	assert.Equal(t, StateFailed, st.Kind)
	require.Error(t, st.Reason)
}

type fakeMic struct {
	mu      sync.Mutex
	started bool
	closed  bool
}

func (m *fakeMic) Start(ctx context.Context) error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMic) Track() webrtc.TrackLocal { return nil }

func (m *fakeMic) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func TestToggleModeWithoutTransport(t *testing.T) {
	rec := &hookRecorder{}
	s := newTestSession(&fakeTransport{ch: &fakeChannel{}}, rec)

	err := s.ToggleMode(ModeVoice)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotReady))
}

func TestToggleModeVoiceAndBack(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	mic := &fakeMic{}
	s := NewSessionManager(SessionConfig{
		Transport:          func(TransportConfig) Transport { return tr },
		Microphone:         func() (Microphone, error) { return mic, nil },
		Voice:              "verse",
		TranscriptionModel: "whisper-1",
		Logger:             zerolog.Nop(),
	}, rec.hooks())
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	require.NoError(t, s.ToggleMode(ModeVoice))
	assert.Equal(t, ModeVoice, s.Mode())
	assert.True(t, mic.started)
	assert.True(t, tr.trackSet)

	voiceUpdate := ch.sentEvent(t, 1)
	session := voiceUpdate["session"].(map[string]any)
	assert.Equal(t, []any{"text", "audio"}, session["modalities"])
	assert.Equal(t, "server_vad", session["turn_detection"].(map[string]any)["type"])

	require.NoError(t, s.ToggleMode(ModeText))
	assert.Equal(t, ModeText, s.Mode())
	assert.True(t, mic.closed)
}

func TestToggleModeVoiceDeniedKeepsSession(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := NewSessionManager(SessionConfig{
		Transport:  func(TransportConfig) Transport { return tr },
		Microphone: func() (Microphone, error) { return nil, errors.New("permission denied") },
		Logger:     zerolog.Nop(),
	}, rec.hooks())
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	err := s.ToggleMode(ModeVoice)
	require.Error(t, err)
	var denied *MediaAccessDeniedError
	assert.True(t, errors.As(err, &denied))
	assert.Equal(t, ModeText, s.Mode())
	assert.Equal(t, StateReady, s.State().Kind)
}

func TestToggleModeSameModeIsNoOp(t *testing.T) {
	ch := &fakeChannel{}
	tr := &fakeTransport{ch: ch}
	rec := &hookRecorder{}
	s := newTestSession(tr, rec)
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok"}))

	require.NoError(t, s.ToggleMode(ModeText))
	require.Equal(t, []string{typeSessionUpdate}, ch.sentTypes(t))
}

func TestReconnectTearsDownPreviousTransport(t *testing.T) {
	ch1 := &fakeChannel{}
	tr1 := &fakeTransport{ch: ch1}
	ch2 := &fakeChannel{}
	tr2 := &fakeTransport{ch: ch2}

	transports := []Transport{tr1, tr2}
	idx := 0
	rec := &hookRecorder{}
	s := NewSessionManager(SessionConfig{
		Transport: func(TransportConfig) Transport {
			tr := transports[idx]
			idx++
			return tr
		},
		Logger: zerolog.Nop(),
	}, rec.hooks())

	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok-1"}))
	require.NoError(t, s.InitSession(context.Background(), Credential{Value: "tok-2"}))

	assert.True(t, tr1.closed)
	assert.True(t, ch1.closed)
	assert.False(t, tr2.closed)
	assert.Equal(t, StateReady, s.State().Kind)
	assert.Equal(t, "tok-2", tr2.lastCred.Value)
}
