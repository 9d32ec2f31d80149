package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCredentialTTL is the client-side ceiling on credential lifetime.
// The backend-issued token's true expiry is not reliably observable from the
// response, so a conservative fixed window is used instead of parsing server
// expiry claims.
const DefaultCredentialTTL = 55 * time.Second

// Credential is a short-lived opaque token for the realtime endpoint.
type Credential struct {
	Value      string
	ObtainedAt time.Time
}

// CredentialSource mints fresh session tokens from the backend.
type CredentialSource interface {
	MintRealtimeToken(ctx context.Context) (string, error)
}

// CredentialProvider hands out session credentials and guarantees no caller
// ever sees one past its lifetime. Expiry fires unconditionally once a
// credential is issued, whether or not it was used.
type CredentialProvider struct {
	mu    sync.Mutex
	src   CredentialSource
	ttl   time.Duration
	cur   *Credential
	timer *time.Timer
	now   func() time.Time
	log   zerolog.Logger

	onAvailable   func(Credential)
	onInvalidated func()
}

// CredentialProviderOption configures a CredentialProvider.
type CredentialProviderOption func(*CredentialProvider)

// WithCredentialClock overrides the time source (tests).
func WithCredentialClock(now func() time.Time) CredentialProviderOption {
	return func(p *CredentialProvider) { p.now = now }
}

// WithCredentialObserver registers callbacks for credential availability and
// invalidation.
func WithCredentialObserver(onAvailable func(Credential), onInvalidated func()) CredentialProviderOption {
	return func(p *CredentialProvider) {
		p.onAvailable = onAvailable
		p.onInvalidated = onInvalidated
	}
}

// NewCredentialProvider builds a provider with the given source and lifetime
// ceiling. A zero ttl falls back to DefaultCredentialTTL.
func NewCredentialProvider(src CredentialSource, ttl time.Duration, logger zerolog.Logger, opts ...CredentialProviderOption) *CredentialProvider {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	p := &CredentialProvider{
		src: src,
		ttl: ttl,
		now: time.Now,
		log: logger.With().Str("component", "credential_provider").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch mints a new credential from the backend, replacing any held one, and
// arms the expiry timer.
func (p *CredentialProvider) Fetch(ctx context.Context) (Credential, error) {
	value, err := p.src.MintRealtimeToken(ctx)
	if err != nil {
		return Credential{}, err
	}

	cred := Credential{Value: value, ObtainedAt: p.now()}

	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.cur = &cred
	p.timer = time.AfterFunc(p.ttl, p.expire)
	notify := p.onAvailable
	p.mu.Unlock()

	p.log.Debug().Time("obtained_at", cred.ObtainedAt).Msg("credential minted")
	if notify != nil {
		notify(cred)
	}
	return cred, nil
}

// Fresh returns the held credential if it is still inside its lifetime,
// otherwise fetches a new one.
func (p *CredentialProvider) Fresh(ctx context.Context) (Credential, error) {
	if cred, ok := p.Current(); ok {
		return cred, nil
	}
	return p.Fetch(ctx)
}

// Current returns the held credential if one exists and has not passed its
// lifetime ceiling.
func (p *CredentialProvider) Current() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return Credential{}, false
	}
	if p.now().Sub(p.cur.ObtainedAt) >= p.ttl {
		return Credential{}, false
	}
	return *p.cur, true
}

// Invalidate drops the held credential immediately. An in-flight session that
// already consumed the credential is unaffected; only future negotiation
// attempts are forced through a re-fetch.
func (p *CredentialProvider) Invalidate() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	had := p.cur != nil
	p.cur = nil
	notify := p.onInvalidated
	p.mu.Unlock()

	if had {
		p.log.Debug().Msg("credential invalidated")
	}
	if notify != nil {
		notify()
	}
}

func (p *CredentialProvider) expire() {
	p.log.Debug().Msg("credential lifetime elapsed")
	p.Invalidate()
}
