package mfa

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"authgate/internal/kv"
)

// SecretSource resolves a user's enrolled TOTP secret. The auth layer backs
// this with the user repository; secrets never pass through challenges.
type SecretSource interface {
	TOTPSecret(ctx context.Context, userID string) (string, error)
}

// BackupCodeStore holds the bcrypt hashes of a user's single-use recovery
// codes. Consume must remove exactly the matched hash.
type BackupCodeStore interface {
	BackupCodeHashes(ctx context.Context, userID string) ([]string, error)
	ConsumeBackupCode(ctx context.Context, userID, hash string) error
	ReplaceBackupCodes(ctx context.Context, userID string, hashes []string) error
}

// SetupResult is returned once at enrollment; the plaintext secret and
// codes are never reproducible afterwards.
type SetupResult struct {
	Secret          string   `json:"secret"`
	ProvisioningURL string   `json:"provisioning_url"`
	BackupCodes     []string `json:"backup_codes"`
}

type TOTPProvider struct {
	challenges *challenges
	secrets    SecretSource
	backup     BackupCodeStore
	issuer     string
	skew       uint
}

func NewTOTPProvider(store kv.Store, secrets SecretSource, backup BackupCodeStore, issuer string, challengeTTL time.Duration) *TOTPProvider {
	return &TOTPProvider{
		challenges: newChallenges(store, challengeTTL),
		secrets:    secrets,
		backup:     backup,
		issuer:     issuer,
		skew:       1,
	}
}

func (p *TOTPProvider) Type() ProviderType {
	return TypeTOTP
}

const backupCodeCount = 8

// Setup enrolls a user: fresh base32 secret, otpauth:// provisioning
// payload for the QR code, and eight single-use backup codes. Persisting
// the secret and code hashes is the caller's job.
func (p *TOTPProvider) Setup(ctx context.Context, userID, accountName string) (SetupResult, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return SetupResult{}, fmt.Errorf("generate totp key: %w", err)
	}

	codes, hashes, err := generateBackupCodes(backupCodeCount)
	if err != nil {
		return SetupResult{}, err
	}
	if err := p.backup.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return SetupResult{}, fmt.Errorf("store backup codes: %w", err)
	}

	return SetupResult{
		Secret:          key.Secret(),
		ProvisioningURL: key.URL(),
		BackupCodes:     codes,
	}, nil
}

// GenerateChallenge opens a verification round. TOTP needs nothing sent to
// the user; the challenge only tracks state and attempts.
func (p *TOTPProvider) GenerateChallenge(ctx context.Context, userID, _ string) (Result, error) {
	challenge, err := p.challenges.create(ctx, userID, TypeTOTP, DefaultMaxAttempts, nil)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Success:     true,
		Message:     "enter the code from your authenticator app",
		ChallengeID: challenge.ChallengeID,
	}, nil
}

func (p *TOTPProvider) VerifyChallenge(ctx context.Context, challengeID, code string) (Result, error) {
	challenge, err := p.challenges.begin(ctx, challengeID)
	if err != nil {
		return Result{ChallengeID: challengeID, Message: beginMessage(err)}, err
	}

	secret, err := p.secrets.TOTPSecret(ctx, challenge.UserID)
	if err != nil {
		return Result{ChallengeID: challengeID}, fmt.Errorf("load totp secret: %w", err)
	}

	// One step of clock tolerance either side covers device drift without
	// widening the replay surface much.
	valid, err := totp.ValidateCustom(strings.TrimSpace(code), secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      p.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		valid = false
	}

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

// VerifyBackupCode consumes a recovery code. Matching is case-insensitive
// and each code works exactly once.
func (p *TOTPProvider) VerifyBackupCode(ctx context.Context, userID, code string) (Result, error) {
	normalized := normalizeBackupCode(code)
	if normalized == "" {
		return Result{Message: "invalid backup code"}, nil
	}

	hashes, err := p.backup.BackupCodeHashes(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load backup codes: %w", err)
	}

	for _, hash := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(normalized)) == nil {
			if err := p.backup.ConsumeBackupCode(ctx, userID, hash); err != nil {
				return Result{}, fmt.Errorf("consume backup code: %w", err)
			}
			return Result{Success: true, Message: "backup code accepted"}, nil
		}
	}

	return Result{Message: "invalid backup code"}, nil
}

const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func generateBackupCodes(count int) (codes []string, hashes []string, err error) {
	codes = make([]string, 0, count)
	hashes = make([]string, 0, count)

	for i := 0; i < count; i++ {
		raw := make([]byte, 8)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}

		chars := make([]byte, 8)
		for j, b := range raw {
			chars[j] = backupCodeAlphabet[int(b)%len(backupCodeAlphabet)]
		}
		code := string(chars[:4]) + "-" + string(chars[4:])

		hash, err := bcrypt.GenerateFromPassword([]byte(normalizeBackupCode(code)), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, fmt.Errorf("hash backup code: %w", err)
		}

		codes = append(codes, code)
		hashes = append(hashes, string(hash))
	}
	return codes, hashes, nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

func beginMessage(err error) string {
	switch {
	case err == ErrChallengeExpired:
		return "challenge expired, request a new one"
	case err == ErrChallengeExhausted:
		return "too many attempts, request a new challenge"
	case err == ErrChallengeNotFound:
		return "unknown challenge"
	default:
		return "verification unavailable"
	}
}

func attemptsMetadata(challenge Challenge) map[string]string {
	return map[string]string{
		"attempts":     fmt.Sprintf("%d", challenge.Attempts),
		"max_attempts": fmt.Sprintf("%d", challenge.MaxAttempts),
	}
}
