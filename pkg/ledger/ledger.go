// Package ledger talks to the backend wallet: it mints short-lived realtime
// session tokens and bills token usage against the caller's credit balance.
package ledger

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/supabase-community/supabase-go"

	"github.com/mintstream/mintstream/pkg/realtime"
)

// Config holds backend connection configuration.
type Config struct {
	URL    string
	APIKey string
	UserID string
}

// Service implements realtime.CredentialSource and realtime.CreditConsumer
// on top of the backend's RPC surface.
type Service struct {
	client *supabase.Client
	userID string
	log    zerolog.Logger
}

// New creates a ledger service.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.URL == "" {
		return nil, errors.New("backend URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("backend API key is required")
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create backend client")
	}

	return &Service{
		client: client,
		userID: cfg.UserID,
		log:    logger.With().Str("component", "ledger").Logger(),
	}, nil
}

// MintRealtimeToken asks the backend to mint an ephemeral realtime session
// token for the current user.
func (s *Service) MintRealtimeToken(ctx context.Context) (string, error) {
	raw := s.client.Rpc("mint_realtime_token", "", map[string]any{"user_id": s.userID})
	if raw == "" {
		return "", &realtime.AuthFailureError{Cause: errors.New("empty token response")}
	}

	token, err := decodeTokenResponse(raw)
	if err != nil {
		return "", classifyMintError(err)
	}
	s.log.Debug().Msg("realtime token minted")
	return token, nil
}

// classifyMintError maps a token-mint failure to the engine's error taxonomy.
// Quota rejections keep their quota classification; everything else, including
// malformed or valueless responses, is an authentication failure.
func classifyMintError(err error) error {
	if classified := ClassifyBackendError(err.Error()); realtime.IsQuotaExceeded(classified) {
		return classified
	}
	return &realtime.AuthFailureError{Cause: err}
}

// ConsumeCredits bills tokens against the wallet and returns the remaining
// balance.
func (s *Service) ConsumeCredits(ctx context.Context, tokens int) (int64, error) {
	raw := s.client.Rpc("consume_credits", "", map[string]any{
		"user_id": s.userID,
		"amount":  tokens,
	})
	if raw == "" {
		return 0, errors.New("empty consume-credits response")
	}

	var result struct {
		Remaining *int64 `json:"remaining"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		// Some deployments return the bare balance as a number.
		var remaining int64
		if nerr := json.Unmarshal([]byte(raw), &remaining); nerr == nil {
			return remaining, nil
		}
		return 0, errors.Wrap(err, "decode consume-credits response")
	}
	if result.Error != "" {
		return 0, ClassifyBackendError(result.Error)
	}
	if result.Remaining == nil {
		return 0, errors.New("consume-credits response has no balance")
	}
	return *result.Remaining, nil
}

// Balance reads the current wallet balance.
func (s *Service) Balance(ctx context.Context) (int64, error) {
	var rows []struct {
		Credits int64 `json:"credits"`
	}
	_, err := s.client.From("wallets").
		Select("credits", "", false).
		Eq("user_id", s.userID).
		ExecuteTo(&rows)
	if err != nil {
		return 0, errors.Wrap(err, "read wallet balance")
	}
	if len(rows) == 0 {
		return 0, errors.New("wallet not found")
	}
	return rows[0].Credits, nil
}

// decodeTokenResponse unwraps the RPC response. The backend returns either a
// bare JSON string or an object with a value field, depending on version.
func decodeTokenResponse(raw string) (string, error) {
	var direct string
	if err := json.Unmarshal([]byte(raw), &direct); err == nil && direct != "" {
		if strings.HasPrefix(strings.TrimSpace(direct), "{") {
			raw = direct
		} else {
			return direct, nil
		}
	}

	var wrapped struct {
		Value string `json:"value"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return "", errors.Wrap(err, "decode token response")
	}
	if wrapped.Error != "" {
		return "", errors.New(wrapped.Error)
	}
	if wrapped.Value == "" {
		return "", errors.New("token response has no value")
	}
	return wrapped.Value, nil
}

// ClassifyBackendError maps a backend error message to the engine's error
// taxonomy. Quota conditions are recognized by substring because the backend
// reports them as free-form text rather than structured codes.
func ClassifyBackendError(message string) error {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "insufficient balance") {
		return &realtime.QuotaExceededError{Reason: message}
	}
	return errors.New(message)
}

var (
	_ realtime.CredentialSource = (*Service)(nil)
	_ realtime.CreditConsumer   = (*Service)(nil)
)
