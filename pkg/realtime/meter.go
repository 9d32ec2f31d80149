package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// CreditConsumer bills token usage against the backend wallet and reports the
// remaining balance.
type CreditConsumer interface {
	ConsumeCredits(ctx context.Context, tokens int) (remaining int64, err error)
}

// NoticeKind classifies user-facing notices emitted by the engine.
type NoticeKind string

const (
	NoticeCreditsDepleted NoticeKind = "credits_depleted"
	NoticeQuotaExceeded   NoticeKind = "quota_exceeded"
)

// Notice is a user-visible message. Depletion notices carry a call to action
// and are deduplicated by the meter.
type Notice struct {
	Kind    NoticeKind
	Message string
}

// Notifier surfaces notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// CreditMeter converts usage accounting events into consume-credits calls and
// forces session teardown when the balance is exhausted. The depletion
// sequence runs at most once per session.
type CreditMeter struct {
	mu        sync.Mutex
	consumer  CreditConsumer
	notifier  Notifier
	onDeplete func()
	depleted  bool
	remaining int64
	log       zerolog.Logger
}

// NewCreditMeter builds a meter. onDeplete is invoked exactly once, after the
// depletion notice, when the backend reports a non-positive balance.
func NewCreditMeter(consumer CreditConsumer, notifier Notifier, onDeplete func(), logger zerolog.Logger) *CreditMeter {
	return &CreditMeter{
		consumer:  consumer,
		notifier:  notifier,
		onDeplete: onDeplete,
		remaining: -1,
		log:       logger.With().Str("component", "credit_meter").Logger(),
	}
}

// OnUsage bills totalTokens against the wallet. Zero or negative usage is
// ignored, as is any usage arriving after depletion was observed. A failed
// accounting call is logged and otherwise ignored, unless the backend rejects
// it with a quota error, in which case the depletion sequence runs.
func (m *CreditMeter) OnUsage(ctx context.Context, totalTokens int) {
	if m == nil || totalTokens <= 0 {
		return
	}

	m.mu.Lock()
	if m.depleted {
		m.mu.Unlock()
		m.log.Debug().Int("tokens", totalTokens).Msg("usage after depletion ignored")
		return
	}
	m.mu.Unlock()

	remaining, err := m.consumer.ConsumeCredits(ctx, totalTokens)
	if err != nil {
		// A quota rejection is not an accounting hiccup: the backend is
		// refusing further consumption, so the session comes down.
		if IsQuotaExceeded(err) {
			m.log.Info().Err(err).Int("tokens", totalTokens).Msg("quota exceeded, terminating session")
			m.depleteOnce(Notice{
				Kind:    NoticeQuotaExceeded,
				Message: "You have hit the usage limit. Try again later or upgrade your plan.",
			})
			return
		}
		m.log.Warn().Err(err).Int("tokens", totalTokens).Msg("credit accounting call failed")
		return
	}

	m.mu.Lock()
	m.remaining = remaining
	m.mu.Unlock()
	if remaining > 0 {
		return
	}

	m.log.Info().Int64("remaining", remaining).Msg("credits depleted, terminating session")
	m.depleteOnce(Notice{
		Kind:    NoticeCreditsDepleted,
		Message: "You are out of chat credits. Upgrade your plan to continue.",
	})
}

// depleteOnce runs the depletion sequence at most once: a user-facing notice
// followed by the teardown callback.
func (m *CreditMeter) depleteOnce(n Notice) {
	m.mu.Lock()
	if m.depleted {
		m.mu.Unlock()
		return
	}
	m.depleted = true
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.Notify(n)
	}
	if m.onDeplete != nil {
		m.onDeplete()
	}
}

// Remaining returns the last balance reported by the backend, or -1 if no
// accounting call has completed yet.
func (m *CreditMeter) Remaining() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

// Depleted reports whether the depletion sequence has run.
func (m *CreditMeter) Depleted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depleted
}
