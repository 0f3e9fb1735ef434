package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"authgate/internal/audit"
	"authgate/internal/blocklist"
	"authgate/internal/kv"
	"authgate/internal/mfa"
	"authgate/internal/observability"
	"authgate/internal/password"
	"authgate/internal/ratelimit"
	"authgate/internal/session"
)

const defaultAccessTTL = 15 * time.Minute

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

// Service runs the fixed authentication pipeline: rate limit, IP blocklist,
// account lockout, password verify, MFA, session creation. Each gate
// returns an early-exit error; every denial writes an audit event.
// userStore is the slice of the repository the service reads and writes.
type userStore interface {
	GetByUsername(ctx context.Context, username string) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	Create(ctx context.Context, user User, plainPassword string) (User, error)
	EnableMFA(ctx context.Context, userID string, method mfa.ProviderType, totpSecret string) error
}

type Service struct {
	repo      userStore
	limiter   *ratelimit.Limiter
	blocklist *blocklist.Blocklist
	lockouts  *password.Lockouts
	policy    *password.Policy
	providers *mfa.Registry
	sessions  *session.Manager
	auditor   *audit.Logger
	logger    *observability.Logger
	jwtSecret []byte
	accessTTL time.Duration
}

type ServiceConfig struct {
	JWTSecret string
	AccessTTL time.Duration
}

func NewService(
	repo userStore,
	limiter *ratelimit.Limiter,
	bl *blocklist.Blocklist,
	lockouts *password.Lockouts,
	policy *password.Policy,
	providers *mfa.Registry,
	sessions *session.Manager,
	auditor *audit.Logger,
	logger *observability.Logger,
	config ServiceConfig,
) *Service {
	if config.AccessTTL <= 0 {
		config.AccessTTL = defaultAccessTTL
	}

	return &Service{
		repo:      repo,
		limiter:   limiter,
		blocklist: bl,
		lockouts:  lockouts,
		policy:    policy,
		providers: providers,
		sessions:  sessions,
		auditor:   auditor,
		logger:    logger,
		jwtSecret: []byte(config.JWTSecret),
		accessTTL: config.AccessTTL,
	}
}

// Authenticate runs an inbound credential attempt through every gate.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (AuthResult, error) {
	username := strings.TrimSpace(strings.ToLower(creds.Username))
	pass := strings.TrimSpace(creds.Password)
	ip := creds.Device.IPAddress

	// Shape validation fails fast with no side effects.
	if !usernameRegex.MatchString(username) || pass == "" {
		return AuthResult{}, ErrValidation
	}

	// Gate 1: request rate.
	decision, err := s.limiter.Check(ctx, ratelimit.Key{
		SubjectType: ratelimit.SubjectIP,
		SubjectID:   ip,
		Scope:       ratelimit.ScopeLogin,
	}, loginLimit.Requests, loginLimit.Window)
	if err != nil && !decision.Allowed {
		// Limiter configured fail-closed and the store is down.
		return AuthResult{}, s.storeFailure(ctx, "rate_limiter", ip, creds.Device.UserAgent, err)
	}
	if !decision.Allowed {
		s.auditor.SecurityViolation(ctx, audit.Event{
			EventType: audit.EventRateLimited,
			IPAddress: ip,
			UserAgent: creds.Device.UserAgent,
			Severity:  audit.SeverityWarning,
			Extra:     map[string]string{"scope": ratelimit.ScopeLogin},
		})
		return AuthResult{}, ErrRateLimited{RetryAfter: decision.RetryAfter}
	}

	// Gate 2: source address blocklist.
	blocked, blockInfo, err := s.blocklist.IsBlocked(ctx, ip)
	if err != nil {
		return AuthResult{}, s.storeFailure(ctx, "blocklist", ip, creds.Device.UserAgent, err)
	}
	if blocked {
		s.auditor.SecurityViolation(ctx, audit.Event{
			EventType: audit.EventIPBlocked,
			IPAddress: ip,
			UserAgent: creds.Device.UserAgent,
			Extra:     map[string]string{"reason": blockInfo.Reason},
		})
		return AuthResult{}, ErrIPBlocked{Until: blockInfo.BlockedUntil}
	}

	// Gate 3: account lockout. The lock holds until it expires regardless
	// of what the password would have been.
	locked, lockout, err := s.lockouts.IsLocked(ctx, username)
	if err != nil {
		return AuthResult{}, s.storeFailure(ctx, "lockout", ip, creds.Device.UserAgent, err)
	}
	if locked {
		s.auditor.Authentication(ctx, audit.Event{
			EventType: audit.EventAccountLocked,
			Subject:   username,
			IPAddress: ip,
			UserAgent: creds.Device.UserAgent,
			Result:    audit.ResultFailure,
		})
		var until time.Time
		if lockout.LockedUntil != nil {
			until = *lockout.LockedUntil
		}
		return AuthResult{}, ErrAccountLocked{Until: until}
	}

	// Gate 4: the credential itself.
	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuthResult{}, s.failLogin(ctx, username, creds.Device, "unknown user")
		}
		return AuthResult{}, fmt.Errorf("load user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(pass)) != nil {
		return AuthResult{}, s.failLogin(ctx, username, creds.Device, "wrong password")
	}

	if err := s.lockouts.RecordLogin(ctx, username, ip, true); err != nil {
		return AuthResult{}, s.storeFailure(ctx, "lockout", ip, creds.Device.UserAgent, err)
	}

	// Gate 5: second factor.
	if user.MFAEnabled {
		result, err := s.providers.Generate(ctx, user.MFAMethod, user.ID, mfaTarget(user))
		if err != nil {
			return AuthResult{}, fmt.Errorf("generate mfa challenge: %w", err)
		}
		s.auditor.Authentication(ctx, audit.Event{
			EventType: audit.EventMFAChallenge,
			Subject:   user.ID,
			IPAddress: ip,
			UserAgent: creds.Device.UserAgent,
			Result:    audit.ResultSuccess,
			Extra:     map[string]string{"provider": string(user.MFAMethod)},
		})
		return AuthResult{MFARequired: true, Challenge: &result}, nil
	}

	return s.openSession(ctx, user.ID, creds.Device, session.MethodPassword)
}

// VerifyMFA completes a pending challenge and opens the session.
func (s *Service) VerifyMFA(ctx context.Context, challengeID, code string, device session.DeviceInfo) (AuthResult, error) {
	challenge, result, err := s.providers.Verify(ctx, challengeID, code)
	if err != nil {
		mapped := mapChallengeErr(err)
		s.auditor.Authentication(ctx, audit.Event{
			EventType: audit.EventMFAFailure,
			Subject:   challenge.UserID,
			IPAddress: device.IPAddress,
			UserAgent: device.UserAgent,
			Result:    audit.ResultFailure,
			Extra:     map[string]string{"challenge_id": challengeID, "error": mapped.Error()},
		})
		return AuthResult{}, mapped
	}

	if !result.Success {
		s.auditor.Authentication(ctx, audit.Event{
			EventType: audit.EventMFAFailure,
			Subject:   challenge.UserID,
			IPAddress: device.IPAddress,
			UserAgent: device.UserAgent,
			Result:    audit.ResultFailure,
			Extra:     map[string]string{"challenge_id": challengeID},
		})
		return AuthResult{OK: false, MFARequired: true, Challenge: &result}, nil
	}

	s.auditor.Authentication(ctx, audit.Event{
		EventType: audit.EventMFASuccess,
		Subject:   challenge.UserID,
		IPAddress: device.IPAddress,
		UserAgent: device.UserAgent,
		Result:    audit.ResultSuccess,
	})

	return s.openSession(ctx, challenge.UserID, device, session.MethodPasswordMFA)
}

// ResendMFA re-transmits the code for an out-of-band challenge.
func (s *Service) ResendMFA(ctx context.Context, challengeID string) (mfa.Result, error) {
	result, err := s.providers.Resend(ctx, challengeID)
	if err != nil {
		return result, mapChallengeErr(err)
	}
	return result, nil
}

// CheckRateLimit is the caller-facing limit check for arbitrary scopes.
func (s *Service) CheckRateLimit(ctx context.Context, rc RequestContext, scope string) (ratelimit.Decision, error) {
	key := ratelimit.Key{SubjectType: ratelimit.SubjectIP, SubjectID: rc.IPAddress, Scope: scope}
	if rc.UserID != "" {
		key = ratelimit.Key{SubjectType: ratelimit.SubjectUser, SubjectID: rc.UserID, Scope: scope}
	}

	limit := ratelimit.LimitFor(rc.Role, scope)
	decision, err := s.limiter.Check(ctx, key, limit.Requests, limit.Window)
	if err != nil && !decision.Allowed {
		return decision, ErrStoreUnavailable
	}

	if !decision.Allowed {
		s.auditor.SecurityViolation(ctx, audit.Event{
			EventType: audit.EventRateLimited,
			Subject:   rc.UserID,
			IPAddress: rc.IPAddress,
			UserAgent: rc.UserAgent,
			Severity:  audit.SeverityWarning,
			Extra:     map[string]string{"scope": scope},
		})
	}
	return decision, nil
}

// SecurityStatus summarizes one user's standing for the caller-facing API.
func (s *Service) SecurityStatus(ctx context.Context, userID string) (SecurityStatus, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SecurityStatus{}, ErrValidation
		}
		return SecurityStatus{}, fmt.Errorf("load user: %w", err)
	}

	locked, lockout, err := s.lockouts.IsLocked(ctx, user.Username)
	if err != nil {
		return SecurityStatus{}, mapStoreErr(err)
	}

	sessions, err := s.sessions.ActiveSessions(ctx, userID)
	if err != nil {
		return SecurityStatus{}, mapStoreErr(err)
	}

	var risk float64
	if len(sessions) > 0 {
		risk = sessions[len(sessions)-1].RiskScore
	}

	return SecurityStatus{
		Locked:         locked,
		Lockout:        lockout,
		RiskScore:      risk,
		ActiveSessions: len(sessions),
	}, nil
}

// Register creates an account after the password policy passes.
func (s *Service) Register(ctx context.Context, user User, plainPassword string) (User, error) {
	user.Username = strings.TrimSpace(strings.ToLower(user.Username))
	if !usernameRegex.MatchString(user.Username) {
		return User{}, ErrValidation
	}

	report := s.policy.Validate(plainPassword, password.UserInfo{
		Username:  user.Username,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	})
	if !report.Valid {
		return User{}, fmt.Errorf("%w: %s", ErrPolicyViolation, strings.Join(report.Errors, "; "))
	}

	return s.repo.Create(ctx, user, plainPassword)
}

// ValidatePassword exposes the policy engine without side effects.
func (s *Service) ValidatePassword(plainPassword string, info password.UserInfo) password.Report {
	return s.policy.Validate(plainPassword, info)
}

// SetupTOTP enrolls the user in TOTP and persists the sealed secret.
func (s *Service) SetupTOTP(ctx context.Context, userID string) (mfa.SetupResult, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return mfa.SetupResult{}, fmt.Errorf("load user: %w", err)
	}

	provider, ok := s.providers.Provider(mfa.TypeTOTP)
	if !ok {
		return mfa.SetupResult{}, fmt.Errorf("totp provider not configured")
	}
	totpProvider, ok := provider.(*mfa.TOTPProvider)
	if !ok {
		return mfa.SetupResult{}, fmt.Errorf("totp provider not configured")
	}

	account := user.Email
	if account == "" {
		account = user.Username
	}
	setup, err := totpProvider.Setup(ctx, userID, account)
	if err != nil {
		return mfa.SetupResult{}, err
	}

	if err := s.repo.EnableMFA(ctx, userID, mfa.TypeTOTP, setup.Secret); err != nil {
		return mfa.SetupResult{}, err
	}
	return setup, nil
}

// RevokeSession revokes one session and records the action.
func (s *Service) RevokeSession(ctx context.Context, sessionID, reason string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return mapStoreErr(err)
	}
	if err := s.sessions.Revoke(ctx, sessionID, reason); err != nil {
		return mapStoreErr(err)
	}

	s.auditor.Authentication(ctx, audit.Event{
		EventType: audit.EventSessionRevoked,
		Subject:   sess.UserID,
		IPAddress: sess.Device.IPAddress,
		Result:    audit.ResultSuccess,
		Extra:     map[string]string{"session_id": sessionID, "reason": reason},
	})
	return nil
}

// ValidateSession is the middleware hook: liveness plus device match.
func (s *Service) ValidateSession(ctx context.Context, sessionID string, device session.DeviceInfo) (bool, error) {
	ok, err := s.sessions.Validate(ctx, sessionID, device)
	if err != nil {
		return false, mapStoreErr(err)
	}
	return ok, nil
}

var loginLimit = ratelimit.LimitFor(ratelimit.RoleAnonymous, ratelimit.ScopeLogin)

func (s *Service) failLogin(ctx context.Context, username string, device session.DeviceInfo, reason string) error {
	if err := s.lockouts.RecordLogin(ctx, username, device.IPAddress, false); err != nil {
		return s.storeFailure(ctx, "lockout", device.IPAddress, device.UserAgent, err)
	}

	s.auditor.Authentication(ctx, audit.Event{
		EventType: audit.EventLoginFailure,
		Subject:   username,
		IPAddress: device.IPAddress,
		UserAgent: device.UserAgent,
		Result:    audit.ResultFailure,
		Extra:     map[string]string{"reason": reason},
	})
	return ErrInvalidCredentials
}

func (s *Service) openSession(ctx context.Context, userID string, device session.DeviceInfo, method session.LoginMethod) (AuthResult, error) {
	sess, err := s.sessions.Create(ctx, userID, device, method)
	if err != nil {
		return AuthResult{}, s.storeFailure(ctx, "session", device.IPAddress, device.UserAgent, err)
	}

	tokens, err := s.issueTokens(userID, sess.ID)
	if err != nil {
		return AuthResult{}, err
	}

	s.auditor.Authentication(ctx, audit.Event{
		EventType: audit.EventLoginSuccess,
		Subject:   userID,
		IPAddress: device.IPAddress,
		UserAgent: device.UserAgent,
		Result:    audit.ResultSuccess,
		Extra:     map[string]string{"session_id": sess.ID, "method": string(method)},
	})

	return AuthResult{OK: true, Session: &sess, Tokens: &tokens}, nil
}

func (s *Service) issueTokens(userID, sessionID string) (Tokens, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": userID,
		"sid": sessionID,
		"iat": now.Unix(),
		"exp": now.Add(s.accessTTL).Unix(),
		"typ": "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return Tokens{}, fmt.Errorf("sign jwt: %w", err)
	}

	return Tokens{
		AccessToken: encoded,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTTL.Seconds()),
		SessionID:   sessionID,
	}, nil
}

// storeFailure is the fail-closed path: the denial is logged as a critical
// audit event and the caller sees a store error, never a silent allow.
func (s *Service) storeFailure(ctx context.Context, component, ip, userAgent string, err error) error {
	observability.CaptureSecurityFailure(component, err)
	s.auditor.SecurityViolation(ctx, audit.Event{
		EventType: audit.EventStoreFailure,
		IPAddress: ip,
		UserAgent: userAgent,
		Severity:  audit.SeverityCritical,
		Extra:     map[string]string{"component": component, "error": err.Error()},
	})
	s.logger.Critical("security_store_failure", map[string]any{
		"component": component,
		"error":     err.Error(),
	})
	return fmt.Errorf("%w: %s", ErrStoreUnavailable, component)
}

func mapStoreErr(err error) error {
	if errors.Is(err, kv.ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

func mapChallengeErr(err error) error {
	switch {
	case errors.Is(err, mfa.ErrChallengeExpired):
		return ErrChallengeExpired
	case errors.Is(err, mfa.ErrChallengeExhausted):
		return ErrChallengeExhausted
	case errors.Is(err, mfa.ErrChallengeNotFound):
		return ErrValidation
	default:
		return err
	}
}

func mfaTarget(user User) string {
	switch user.MFAMethod {
	case mfa.TypeSMS:
		return user.Phone
	case mfa.TypeEmail:
		return user.Email
	default:
		return ""
	}
}
