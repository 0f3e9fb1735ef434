package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"authgate/internal/kv"
)

type ProviderType string

const (
	TypeTOTP  ProviderType = "totp"
	TypeSMS   ProviderType = "sms"
	TypeEmail ProviderType = "email"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
	StatusExpired  Status = "expired"
)

var (
	ErrChallengeNotFound  = errors.New("mfa challenge not found")
	ErrChallengeExpired   = errors.New("mfa challenge expired")
	ErrChallengeExhausted = errors.New("mfa challenge attempts exhausted")
)

// Challenge is the stored state machine for one verification round.
// Pending is the only state a verify can succeed from; the terminal states
// are reached on success, attempt exhaustion, or lazily on expiry.
type Challenge struct {
	ChallengeID  string            `json:"challenge_id"`
	UserID       string            `json:"user_id"`
	ProviderType ProviderType      `json:"provider_type"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"max_attempts"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Result is the uniform outcome every provider returns, so calling code
// never branches on provider type.
type Result struct {
	Success     bool              `json:"success"`
	Message     string            `json:"message"`
	ChallengeID string            `json:"challenge_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Provider is the closed capability set shared by the TOTP, SMS and Email
// channels. target is provider-specific: a phone number, an email address,
// or empty for TOTP.
type Provider interface {
	Type() ProviderType
	GenerateChallenge(ctx context.Context, userID, target string) (Result, error)
	VerifyChallenge(ctx context.Context, challengeID, code string) (Result, error)
}

// Resender is satisfied by providers that transmit codes out of band.
type Resender interface {
	Resend(ctx context.Context, challengeID string) (Result, error)
}

const (
	DefaultChallengeTTL = 5 * time.Minute
	DefaultMaxAttempts  = 3
)

// challenges persists Challenge records in the ephemeral store. The attempt
// counter lives in its own key and is bumped with the store's atomic
// increment, so concurrent verifies of one challenge can never see more
// than MaxAttempts total.
type challenges struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time
}

func newChallenges(store kv.Store, ttl time.Duration) *challenges {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &challenges{store: store, ttl: ttl, now: time.Now}
}

func challengeKey(id string) string {
	return "mfa:chal:" + id
}

func attemptsKey(id string) string {
	return "mfa:att:" + id
}

func (c *challenges) create(ctx context.Context, userID string, providerType ProviderType, maxAttempts int, metadata map[string]string) (Challenge, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Challenge{}, fmt.Errorf("generate challenge id: %w", err)
	}

	now := c.now().UTC()
	challenge := Challenge{
		ChallengeID:  id.String(),
		UserID:       userID,
		ProviderType: providerType,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.ttl),
		MaxAttempts:  maxAttempts,
		Metadata:     metadata,
	}

	if err := c.save(ctx, challenge); err != nil {
		return Challenge{}, err
	}
	return challenge, nil
}

func (c *challenges) save(ctx context.Context, challenge Challenge) error {
	encoded, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}

	// Keep the record around a little past its logical expiry so a late
	// verify can report Expired instead of NotFound.
	ttl := challenge.ExpiresAt.Sub(c.now().UTC()) + time.Minute
	if ttl <= 0 {
		ttl = time.Minute
	}
	return c.store.Set(ctx, challengeKey(challenge.ChallengeID), string(encoded), ttl)
}

func (c *challenges) load(ctx context.Context, challengeID string) (Challenge, error) {
	raw, ok, err := c.store.Get(ctx, challengeKey(challengeID))
	if err != nil {
		return Challenge{}, err
	}
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}

	var challenge Challenge
	if err := json.Unmarshal([]byte(raw), &challenge); err != nil {
		return Challenge{}, fmt.Errorf("decode challenge: %w", err)
	}
	return challenge, nil
}

// begin gates one verification attempt. It returns the challenge with its
// attempt count already incremented, or a terminal-state error.
func (c *challenges) begin(ctx context.Context, challengeID string) (Challenge, error) {
	challenge, err := c.load(ctx, challengeID)
	if err != nil {
		return Challenge{}, err
	}

	switch challenge.Status {
	case StatusVerified, StatusFailed:
		return challenge, ErrChallengeExhausted
	case StatusExpired:
		return challenge, ErrChallengeExpired
	}

	if c.now().UTC().After(challenge.ExpiresAt) {
		challenge.Status = StatusExpired
		_ = c.save(ctx, challenge)
		return challenge, ErrChallengeExpired
	}

	attempts, err := c.store.Incr(ctx, attemptsKey(challengeID), c.ttl+time.Minute)
	if err != nil {
		return Challenge{}, err
	}
	challenge.Attempts = int(attempts)

	if challenge.Attempts > challenge.MaxAttempts {
		challenge.Status = StatusFailed
		_ = c.save(ctx, challenge)
		return challenge, ErrChallengeExhausted
	}

	return challenge, nil
}

// finish records the outcome of an attempt. A verified challenge is
// destroyed; a failed last attempt moves the record to Failed.
func (c *challenges) finish(ctx context.Context, challenge Challenge, verified bool) error {
	if verified {
		challenge.Status = StatusVerified
		if err := c.store.Delete(ctx, challengeKey(challenge.ChallengeID)); err != nil {
			return err
		}
		return c.store.Delete(ctx, attemptsKey(challenge.ChallengeID))
	}

	if challenge.Attempts >= challenge.MaxAttempts {
		challenge.Status = StatusFailed
	}
	return c.save(ctx, challenge)
}
