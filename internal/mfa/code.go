package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"authgate/internal/kv"
)

const (
	digits       = "0123456789"
	alphanumeric = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	DefaultSendLimit  = 5
	DefaultSendWindow = 10 * time.Minute
)

// CodeProviderConfig tunes one out-of-band channel.
type CodeProviderConfig struct {
	CodeLength  int
	MaxAttempts int
	SendLimit   int
	SendWindow  time.Duration
	TTL         time.Duration
}

// CodeProvider implements the SMS and Email channels: a server-generated
// one-time code is hashed into the challenge metadata and transmitted via
// the Notifier. Sends are rate limited per user per channel, independently
// of the general request limiter.
type CodeProvider struct {
	challenges   *challenges
	store        kv.Store
	notifier     Notifier
	providerType ProviderType
	config       CodeProviderConfig
}

func NewSMSProvider(store kv.Store, notifier Notifier, config CodeProviderConfig) *CodeProvider {
	return newCodeProvider(store, notifier, TypeSMS, config)
}

func NewEmailProvider(store kv.Store, notifier Notifier, config CodeProviderConfig) *CodeProvider {
	return newCodeProvider(store, notifier, TypeEmail, config)
}

func newCodeProvider(store kv.Store, notifier Notifier, providerType ProviderType, config CodeProviderConfig) *CodeProvider {
	if config.CodeLength <= 0 {
		if providerType == TypeSMS {
			config.CodeLength = 6
		} else {
			config.CodeLength = 8
		}
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.SendLimit <= 0 {
		config.SendLimit = DefaultSendLimit
	}
	if config.SendWindow <= 0 {
		config.SendWindow = DefaultSendWindow
	}

	return &CodeProvider{
		challenges:   newChallenges(store, config.TTL),
		store:        store,
		notifier:     notifier,
		providerType: providerType,
		config:       config,
	}
}

func (p *CodeProvider) Type() ProviderType {
	return p.providerType
}

func sendLimitKey(providerType ProviderType, userID string) string {
	return fmt.Sprintf("mfa:sends:%s:%s", providerType, userID)
}

// GenerateChallenge creates a challenge, stores the code hash, and
// transmits the code to target (phone number or email address).
func (p *CodeProvider) GenerateChallenge(ctx context.Context, userID, target string) (Result, error) {
	if strings.TrimSpace(target) == "" {
		return Result{Message: "missing delivery target"}, fmt.Errorf("empty %s target", p.providerType)
	}

	sends, err := p.store.Incr(ctx, sendLimitKey(p.providerType, userID), p.config.SendWindow)
	if err != nil {
		return Result{}, err
	}
	if sends > int64(p.config.SendLimit) {
		return Result{Message: "too many codes requested, try again later"}, nil
	}

	code, err := p.generateCode()
	if err != nil {
		return Result{}, err
	}

	challenge, err := p.challenges.create(ctx, userID, p.providerType, p.config.MaxAttempts, map[string]string{
		"code_hash": hashCode(p.normalize(code)),
		"target":    target,
	})
	if err != nil {
		return Result{}, err
	}

	if err := p.send(ctx, target, code); err != nil {
		return Result{ChallengeID: challenge.ChallengeID}, err
	}

	return Result{
		Success:     true,
		Message:     fmt.Sprintf("code sent via %s", p.providerType),
		ChallengeID: challenge.ChallengeID,
	}, nil
}

func (p *CodeProvider) VerifyChallenge(ctx context.Context, challengeID, code string) (Result, error) {
	challenge, err := p.challenges.begin(ctx, challengeID)
	if err != nil {
		return Result{ChallengeID: challengeID, Message: beginMessage(err)}, err
	}

	expected := challenge.Metadata["code_hash"]
	got := hashCode(p.normalize(code))
	valid := expected != "" && subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1

	if finishErr := p.challenges.finish(ctx, challenge, valid); finishErr != nil {
		return Result{ChallengeID: challengeID}, finishErr
	}

	if !valid {
		return Result{
			ChallengeID: challengeID,
			Message:     "invalid verification code",
			Metadata:    attemptsMetadata(challenge),
		}, nil
	}

	return Result{Success: true, Message: "verified", ChallengeID: challengeID}, nil
}

// Resend generates a fresh code for an existing pending challenge and
// transmits it again. Counts against the same send limit.
func (p *CodeProvider) Resend(ctx context.Context, challengeID string) (Result, error) {
	challenge, err := p.challenges.load(ctx, challengeID)
	if err != nil {
		return Result{ChallengeID: challengeID}, err
	}
	if challenge.Status != StatusPending {
		return Result{ChallengeID: challengeID, Message: "challenge is no longer active"}, ErrChallengeExhausted
	}

	sends, err := p.store.Incr(ctx, sendLimitKey(p.providerType, challenge.UserID), p.config.SendWindow)
	if err != nil {
		return Result{}, err
	}
	if sends > int64(p.config.SendLimit) {
		return Result{ChallengeID: challengeID, Message: "too many codes requested, try again later"}, nil
	}

	code, err := p.generateCode()
	if err != nil {
		return Result{}, err
	}

	challenge.Metadata["code_hash"] = hashCode(p.normalize(code))
	if err := p.challenges.save(ctx, challenge); err != nil {
		return Result{}, err
	}

	if err := p.send(ctx, challenge.Metadata["target"], code); err != nil {
		return Result{ChallengeID: challengeID}, err
	}

	return Result{Success: true, Message: "code resent", ChallengeID: challengeID}, nil
}

func (p *CodeProvider) send(ctx context.Context, target, code string) error {
	if p.providerType == TypeSMS {
		return p.notifier.SendSMS(ctx, target, "Your verification code is "+code)
	}
	return p.notifier.SendEmail(ctx, target, "Your verification code", "Your verification code is "+code+". It expires shortly.")
}

func (p *CodeProvider) generateCode() (string, error) {
	alphabet := alphanumeric
	if p.providerType == TypeSMS {
		alphabet = digits
	}

	raw := make([]byte, p.config.CodeLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	code := make([]byte, p.config.CodeLength)
	for i, b := range raw {
		code[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(code), nil
}

// normalize folds case for email codes; SMS codes are digits only.
func (p *CodeProvider) normalize(code string) string {
	code = strings.TrimSpace(code)
	if p.providerType == TypeEmail {
		return strings.ToUpper(code)
	}
	return code
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
