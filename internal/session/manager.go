package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"authgate/internal/kv"
	"authgate/internal/observability"
)

var ErrSessionNotFound = errors.New("session not found")

type ManagerConfig struct {
	MaxConcurrent int           // sessions per user before FIFO eviction
	SessionTTL    time.Duration // absolute lifetime
	IdleTimeout   time.Duration // sliding inactivity limit
	RiskThreshold float64
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConcurrent: 5,
		SessionTTL:    24 * time.Hour,
		IdleTimeout:   30 * time.Minute,
		RiskThreshold: DefaultRiskThreshold,
	}
}

// Manager owns the session records in the ephemeral store. Creation
// serializes per user around a short-lived store lock so two simultaneous
// logins cannot push a user past the concurrency cap.
type Manager struct {
	store  kv.Store
	logger *observability.Logger
	config ManagerConfig
	now    func() time.Time
}

func NewManager(store kv.Store, logger *observability.Logger, config ManagerConfig) *Manager {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 5
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 24 * time.Hour
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Minute
	}
	if config.RiskThreshold <= 0 {
		config.RiskThreshold = DefaultRiskThreshold
	}

	return &Manager{store: store, logger: logger, config: config, now: time.Now}
}

// WithClock replaces the time source for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) RiskThreshold() float64 {
	return m.config.RiskThreshold
}

func sessionKey(id string) string {
	return "sess:" + id
}

func userIndexKey(userID string) string {
	return "sess:user:" + userID
}

func userLockKey(userID string) string {
	return "sess:lock:" + userID
}

// Create opens a new session, evicting the user's oldest active session
// when the concurrency cap would be exceeded.
func (m *Manager) Create(ctx context.Context, userID string, device DeviceInfo, method LoginMethod) (Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	now := m.now().UTC()
	session := Session{
		ID:          id.String(),
		UserID:      userID,
		Device:      device,
		Status:      StatusActive,
		LoginMethod: method,
		CreatedAt:   now,
		LastSeenAt:  now,
	}

	unlock, err := m.lockUser(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	active, err := m.activeSessions(ctx, userID)
	if err != nil {
		return Session{}, err
	}

	// FIFO eviction: the sessions are sorted oldest first, so revoke from
	// the front until the new session fits under the cap.
	for len(active) >= m.config.MaxConcurrent {
		oldest := active[0]
		active = active[1:]
		if err := m.revoke(ctx, oldest, "evicted"); err != nil {
			return Session{}, err
		}
		m.logger.Info("session_evicted", map[string]any{
			"user_id":    userID,
			"session_id": oldest.ID,
		})
	}

	if err := m.save(ctx, session); err != nil {
		return Session{}, err
	}

	ids := make([]string, 0, len(active)+1)
	for _, s := range active {
		ids = append(ids, s.ID)
	}
	ids = append(ids, session.ID)
	if err := m.saveIndex(ctx, userID, ids); err != nil {
		return Session{}, err
	}

	return session, nil
}

// Get loads a session, lazily marking it Expired past its idle timeout.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	raw, ok, err := m.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}

	if session.Status == StatusActive && m.now().UTC().After(session.LastSeenAt.Add(m.config.IdleTimeout)) {
		session.Status = StatusExpired
		_ = m.save(ctx, session)
	}

	return session, nil
}

// Validate checks liveness and that the presenting device matches the one
// the session was created with. A changed device id is treated as a
// hijacking signal and fails the check; IP or user-agent drift is allowed
// but recorded as a security event.
func (m *Manager) Validate(ctx context.Context, sessionID string, device DeviceInfo) (bool, error) {
	valid := false
	session, err := m.update(ctx, sessionID, func(session *Session) {
		if session.Status != StatusActive {
			return
		}

		now := m.now().UTC()
		if session.Device.DeviceID != "" && device.DeviceID != "" && session.Device.DeviceID != device.DeviceID {
			session.SecurityEvents = append(session.SecurityEvents, SecurityEvent{
				Type:      EventDeviceChange,
				Detail:    "device id mismatch on validate",
				Timestamp: now,
			})
			session.RiskScore = computeRiskScore(session.SecurityEvents, now)
			return
		}

		if device.IPAddress != "" && session.Device.IPAddress != "" && device.IPAddress != session.Device.IPAddress {
			session.SecurityEvents = append(session.SecurityEvents, SecurityEvent{
				Type:      EventIPChange,
				Detail:    fmt.Sprintf("ip changed from %s to %s", session.Device.IPAddress, device.IPAddress),
				Timestamp: now,
			})
			session.Device.IPAddress = device.IPAddress
		}
		if device.UserAgent != "" && session.Device.UserAgent != "" && device.UserAgent != session.Device.UserAgent {
			session.SecurityEvents = append(session.SecurityEvents, SecurityEvent{
				Type:      EventDeviceChange,
				Detail:    "user agent changed",
				Timestamp: now,
			})
			session.Device.UserAgent = device.UserAgent
		}

		session.LastSeenAt = now
		session.RiskScore = computeRiskScore(session.SecurityEvents, now)
		valid = true
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}

	m.warnIfRisky(session)
	return valid, nil
}

// Revoke marks the session revoked. The record is kept until its TTL so
// the revocation is observable.
func (m *Manager) Revoke(ctx context.Context, sessionID, reason string) error {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return m.revoke(ctx, session, reason)
}

// RevokeAll revokes every active session for a user.
func (m *Manager) RevokeAll(ctx context.Context, userID, reason string) (int, error) {
	unlock, err := m.lockUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	active, err := m.activeSessions(ctx, userID)
	if err != nil {
		return 0, err
	}

	for _, session := range active {
		if err := m.revoke(ctx, session, reason); err != nil {
			return 0, err
		}
	}
	if err := m.saveIndex(ctx, userID, nil); err != nil {
		return 0, err
	}
	return len(active), nil
}

// AddSecurityEvent appends an event and recomputes the risk score.
func (m *Manager) AddSecurityEvent(ctx context.Context, sessionID string, event SecurityEvent) error {
	session, err := m.update(ctx, sessionID, func(session *Session) {
		if event.Timestamp.IsZero() {
			event.Timestamp = m.now().UTC()
		}
		session.SecurityEvents = append(session.SecurityEvents, event)
		session.RiskScore = computeRiskScore(session.SecurityEvents, m.now().UTC())
	})
	if err != nil {
		return err
	}

	m.warnIfRisky(session)
	return nil
}

// update reloads the session under its user's lock, applies fn, and saves
// the result. Event appends and touches from concurrent requests serialize
// here so none of them overwrites another's write.
func (m *Manager) update(ctx context.Context, sessionID string, fn func(*Session)) (Session, error) {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	unlock, err := m.lockUser(ctx, session.UserID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	session, err = m.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	fn(&session)
	if err := m.save(ctx, session); err != nil {
		return Session{}, err
	}
	return session, nil
}

func (m *Manager) warnIfRisky(session Session) {
	if session.RiskScore >= m.config.RiskThreshold {
		m.logger.Warn("session_risk_elevated", map[string]any{
			"session_id": session.ID,
			"user_id":    session.UserID,
			"risk_score": session.RiskScore,
		})
	}
}

// ActiveSessions returns the user's live sessions, oldest first.
func (m *Manager) ActiveSessions(ctx context.Context, userID string) ([]Session, error) {
	return m.activeSessions(ctx, userID)
}

func (m *Manager) activeSessions(ctx context.Context, userID string) ([]Session, error) {
	raw, ok, err := m.store.Get(ctx, userIndexKey(userID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode session index: %w", err)
	}

	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		session, err := m.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		if session.Status == StatusActive {
			sessions = append(sessions, session)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (m *Manager) revoke(ctx context.Context, session Session, reason string) error {
	session.Status = StatusRevoked
	session.RevokedReason = reason
	return m.save(ctx, session)
}

func (m *Manager) save(ctx context.Context, session Session) error {
	encoded, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	ttl := session.CreatedAt.Add(m.config.SessionTTL).Sub(m.now().UTC())
	if ttl <= 0 {
		ttl = time.Minute
	}
	return m.store.Set(ctx, sessionKey(session.ID), string(encoded), ttl)
}

func (m *Manager) saveIndex(ctx context.Context, userID string, ids []string) error {
	encoded, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode session index: %w", err)
	}
	return m.store.Set(ctx, userIndexKey(userID), string(encoded), m.config.SessionTTL)
}

const (
	lockTTL      = 3 * time.Second
	lockAttempts = 50
	lockBackoff  = 20 * time.Millisecond
)

// lockUser takes a short-lived store lock keyed by user. The store's atomic
// increment doubles as try-lock: only the caller that created the key owns
// it.
func (m *Manager) lockUser(ctx context.Context, userID string) (func(), error) {
	key := userLockKey(userID)
	for attempt := 0; attempt < lockAttempts; attempt++ {
		count, err := m.store.Incr(ctx, key, lockTTL)
		if err != nil {
			return nil, err
		}
		if count == 1 {
			return func() { _ = m.store.Delete(context.WithoutCancel(ctx), key) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockBackoff):
		}
	}
	return nil, fmt.Errorf("session lock for user %s not acquired", userID)
}
