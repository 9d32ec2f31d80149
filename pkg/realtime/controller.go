package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// FrameSink fans conversation activity out to subscribers (web views, CLI
// renderers). Implementations must be safe for concurrent use and absorb
// their own delivery errors.
type FrameSink interface {
	PublishMessage(convID string, msg Message)
	PublishState(convID string, st State)
	PublishNotice(convID string, n Notice)
	PublishCredits(convID string, remaining int64)
}

// HistoryStore persists conversation transcripts between sessions.
type HistoryStore interface {
	SaveMessages(ctx context.Context, convID string, msgs []Message) error
	LoadMessages(ctx context.Context, convID string) ([]Message, error)
}

const (
	// DefaultSaveDebounce coalesces bursts of streaming updates into one
	// persistence write.
	DefaultSaveDebounce = 2 * time.Second
	// DefaultLoadGuard suppresses saves right after a history load so a
	// freshly loaded transcript cannot clobber itself mid-hydration.
	DefaultLoadGuard = time.Second

	saveTimeout       = 10 * time.Second
	accountingTimeout = 10 * time.Second
)

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	ConversationID string
	Source         CredentialSource
	Consumer       CreditConsumer
	History        HistoryStore
	Sink           FrameSink
	Session        SessionConfig
	CredentialTTL  time.Duration
	SaveDebounce   time.Duration
	LoadGuard      time.Duration
	Logger         zerolog.Logger
}

// Controller owns one conversation end to end: it loads and persists the
// transcript, drives the session state machine, folds streamed content into
// the message buffer, bills usage, and publishes frames for renderers.
type Controller struct {
	convID   string
	provider *CredentialProvider
	meter    *CreditMeter
	session  *SessionManager
	history  HistoryStore
	sink     FrameSink
	log      zerolog.Logger

	saveDebounce time.Duration
	loadGuard    time.Duration
	now          func() time.Time

	mu        sync.Mutex
	buffer    Buffer
	restored  bool
	loading   bool
	loadedAt  time.Time
	saveTimer *time.Timer
	closed    bool
}

// NewController builds a controller for one conversation. The session
// manager, credential provider and credit meter are constructed internally
// so their interplay (depletion teardown, credential invalidation) cannot be
// miswired by callers.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("credential source is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("frame sink is required")
	}
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = DefaultSaveDebounce
	}
	if cfg.LoadGuard <= 0 {
		cfg.LoadGuard = DefaultLoadGuard
	}

	c := &Controller{
		convID:       cfg.ConversationID,
		history:      cfg.History,
		sink:         cfg.Sink,
		saveDebounce: cfg.SaveDebounce,
		loadGuard:    cfg.LoadGuard,
		now:          time.Now,
		buffer:       NewBuffer(),
		log: cfg.Logger.With().
			Str("component", "conversation_controller").
			Str("conv_id", cfg.ConversationID).
			Logger(),
	}

	c.provider = NewCredentialProvider(cfg.Source, cfg.CredentialTTL, cfg.Logger)
	c.meter = NewCreditMeter(cfg.Consumer, sinkNotifier{sink: cfg.Sink, convID: cfg.ConversationID}, c.handleDepleted, cfg.Logger)

	cfg.Session.Logger = cfg.Logger
	c.session = NewSessionManager(cfg.Session, SessionHooks{
		OnContent: c.onContent,
		OnUsage:   c.onUsage,
		OnState:   c.onState,
	})
	return c, nil
}

// sinkNotifier adapts a FrameSink to the meter's Notifier.
type sinkNotifier struct {
	sink   FrameSink
	convID string
}

func (n sinkNotifier) Notify(notice Notice) { n.sink.PublishNotice(n.convID, notice) }

// Connect loads persisted history, obtains a fresh credential and negotiates
// a session. An authentication rejection invalidates the cached credential
// and retries once with a newly minted one.
func (c *Controller) Connect(ctx context.Context) error {
	c.loadHistory(ctx)

	cred, err := c.provider.Fresh(ctx)
	if err != nil {
		return errors.Wrap(err, "obtain session credential")
	}

	err = c.session.InitSession(ctx, cred)
	if err == nil {
		return nil
	}
	if !IsAuthFailure(err) {
		return err
	}

	c.log.Warn().Err(err).Msg("credential rejected, retrying with fresh token")
	c.provider.Invalidate()
	cred, ferr := c.provider.Fetch(ctx)
	if ferr != nil {
		return errors.Wrap(ferr, "re-mint session credential")
	}
	return c.session.InitSession(ctx, cred)
}

// SendMessage records a local user message and forwards it to the remote
// side. The locally applied message is final, so the remote echo of the same
// item id cannot duplicate it.
func (c *Controller) SendMessage(text string) {
	if text == "" {
		return
	}
	id := uuid.NewString()
	c.onContent(ContentEvent{ID: id, Role: RoleUser, Text: text, Final: true})
	c.session.SendText(id, text)
}

// ToggleMode switches the input modality of the live session.
func (c *Controller) ToggleMode(mode Mode) error {
	return c.session.ToggleMode(mode)
}

// Disconnect tears down the live session. The transcript stays in memory and
// a later Connect resumes the same conversation.
func (c *Controller) Disconnect() {
	c.session.Disconnect()
}

// Close disconnects and flushes any pending transcript save synchronously.
func (c *Controller) Close() {
	c.session.Disconnect()

	c.mu.Lock()
	c.closed = true
	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
	}
	c.mu.Unlock()

	c.flushSave()
}

// Messages returns the transcript in first-seen order.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.Messages()
}

// State returns the current connection state.
func (c *Controller) State() State { return c.session.State() }

// Mode returns the current input modality.
func (c *Controller) Mode() Mode { return c.session.Mode() }

// Remaining returns the last credit balance reported by the backend.
func (c *Controller) Remaining() int64 { return c.meter.Remaining() }

func (c *Controller) loadHistory(ctx context.Context) {
	if c.history == nil {
		return
	}

	c.mu.Lock()
	c.loading = true
	c.mu.Unlock()

	msgs, err := c.history.LoadMessages(ctx, c.convID)

	c.mu.Lock()
	c.loading = false
	c.loadedAt = c.now()
	if err == nil {
		for _, m := range msgs {
			c.buffer = c.buffer.Apply(ContentEvent{ID: m.ID, Role: m.Role, Text: m.Content, Final: true}, m.Timestamp)
		}
	}
	loaded := c.buffer.Messages()
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Msg("history load failed, starting empty")
		return
	}
	for _, m := range loaded {
		c.sink.PublishMessage(c.convID, m)
	}
	c.log.Info().Int("messages", len(loaded)).Msg("conversation history loaded")
}

func (c *Controller) onContent(ev ContentEvent) {
	c.mu.Lock()
	c.buffer = c.buffer.Apply(ev, c.now())
	msg, ok := c.buffer.Get(ev.ID)
	c.mu.Unlock()
	if !ok {
		return
	}

	c.sink.PublishMessage(c.convID, msg)
	c.scheduleSave()
}

func (c *Controller) onUsage(totalTokens int) {
	ctx, cancel := context.WithTimeout(context.Background(), accountingTimeout)
	defer cancel()
	c.meter.OnUsage(ctx, totalTokens)
	c.sink.PublishCredits(c.convID, c.meter.Remaining())
}

func (c *Controller) onState(st State) {
	c.sink.PublishState(c.convID, st)

	if st.Kind != StateReady {
		return
	}
	c.mu.Lock()
	first := !c.restored
	c.restored = true
	snapshot := c.buffer.Messages()
	c.mu.Unlock()

	// Context replay happens once per controller lifetime; reconnects of
	// the same conversation rely on server-side context carried over by
	// the transcript saves.
	if first && len(snapshot) > 0 {
		c.session.RestoreContext(snapshot)
	}
}

func (c *Controller) handleDepleted() {
	c.log.Info().Msg("terminating session on exhausted balance")
	c.session.Disconnect()
	c.provider.Invalidate()
}

// scheduleSave arms the debounced persistence write. Saves are suppressed
// while a load is in flight and inside the guard window right after one.
func (c *Controller) scheduleSave() {
	if c.history == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.loading {
		return
	}
	if !c.loadedAt.IsZero() && c.now().Sub(c.loadedAt) < c.loadGuard {
		return
	}
	if c.saveTimer != nil {
		c.saveTimer.Reset(c.saveDebounce)
		return
	}
	c.saveTimer = time.AfterFunc(c.saveDebounce, c.flushSave)
}

// flushSave persists the transcript, excluding system messages and messages
// that are still streaming.
func (c *Controller) flushSave() {
	if c.history == nil {
		return
	}

	c.mu.Lock()
	c.saveTimer = nil
	snapshot := c.buffer.Messages()
	c.mu.Unlock()

	persistable := make([]Message, 0, len(snapshot))
	for _, m := range snapshot {
		if m.Role == RoleSystem || m.Streaming {
			continue
		}
		persistable = append(persistable, m)
	}
	if len(persistable) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := c.history.SaveMessages(ctx, c.convID, persistable); err != nil {
		c.log.Warn().Err(err).Int("messages", len(persistable)).Msg("transcript save failed")
		return
	}
	c.log.Debug().Int("messages", len(persistable)).Msg("transcript saved")
}
