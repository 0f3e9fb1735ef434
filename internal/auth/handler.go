package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"authgate/internal/observability"
	"authgate/internal/password"
	"authgate/internal/session"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

type verifyMFARequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
	DeviceID    string `json:"device_id"`
}

type resendMFARequest struct {
	ChallengeID string `json:"challenge_id"`
}

type registerRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type validatePasswordRequest struct {
	Password  string `json:"password"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type revokeSessionRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Authenticate(r.Context(), Credentials{
		Username: body.Username,
		Password: body.Password,
		Device:   deviceFromRequest(r, body.DeviceID),
	})
	if err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var body verifyMFARequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.ChallengeID) == "" || strings.TrimSpace(body.Code) == "" {
		writeError(w, http.StatusBadRequest, "challenge_id and code are required")
		return
	}

	result, err := h.service.VerifyMFA(r.Context(), body.ChallengeID, body.Code, deviceFromRequest(r, body.DeviceID))
	if err != nil {
		writeAuthError(w, err)
		return
	}

	status := http.StatusOK
	if !result.OK {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, result)
}

func (h *Handler) ResendMFA(w http.ResponseWriter, r *http.Request) {
	var body resendMFARequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.ChallengeID) == "" {
		writeError(w, http.StatusBadRequest, "challenge_id is required")
		return
	}

	result, err := h.service.ResendMFA(r.Context(), body.ChallengeID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	user, err := h.service.Register(r.Context(), User{
		Username:  body.Username,
		Email:     body.Email,
		Phone:     body.Phone,
		FirstName: body.FirstName,
		LastName:  body.LastName,
	}, body.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": user.ID, "username": user.Username})
}

func (h *Handler) ValidatePassword(w http.ResponseWriter, r *http.Request) {
	var body validatePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	report := h.service.ValidatePassword(body.Password, password.UserInfo{
		Username:  body.Username,
		Email:     body.Email,
		FirstName: body.FirstName,
		LastName:  body.LastName,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    report.Valid,
		"strength": report.Strength.String(),
		"errors":   report.Errors,
	})
}

func (h *Handler) SetupTOTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	setup, err := h.service.SetupTOTP(r.Context(), userID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to set up totp")
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (h *Handler) SecurityStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	status, err := h.service.SecurityStatus(r.Context(), userID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	var body revokeSessionRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "user_revoke"
	}

	if err := h.service.RevokeSession(r.Context(), body.SessionID, reason); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := SessionIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.service.RevokeSession(r.Context(), sessionID, "logout"); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func deviceFromRequest(r *http.Request, deviceID string) session.DeviceInfo {
	return session.DeviceInfo{
		DeviceID:  strings.TrimSpace(deviceID),
		UserAgent: r.UserAgent(),
		IPAddress: observability.ClientIP(r),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// writeAuthError maps the service error taxonomy onto transport statuses,
// attaching retry metadata where the caller can act on it.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid input")
	case errors.Is(err, ErrPolicyViolation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrUserExists):
		writeError(w, http.StatusConflict, "username already taken")
	case errors.Is(err, ErrChallengeExpired):
		writeError(w, http.StatusGone, "challenge expired, restart the flow")
	case errors.Is(err, ErrChallengeExhausted):
		writeError(w, http.StatusTooManyRequests, "too many attempts, restart the flow")
	case errors.Is(err, ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		var rateErr ErrRateLimited
		if errors.As(err, &rateErr) {
			setRetryAfter(w, rateErr.RetryAfter)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		var lockedErr ErrAccountLocked
		if errors.As(err, &lockedErr) {
			setRetryAfter(w, time.Until(lockedErr.Until))
			writeError(w, http.StatusTooManyRequests, "account temporarily locked")
			return
		}
		var blockedErr ErrIPBlocked
		if errors.As(err, &blockedErr) {
			setRetryAfter(w, time.Until(blockedErr.Until))
			writeError(w, http.StatusForbidden, "source address blocked")
			return
		}

		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	seconds := int(d.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
