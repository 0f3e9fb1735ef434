package auth

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteAuthErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid credentials", ErrInvalidCredentials, 401},
		{"validation", ErrValidation, 400},
		{"policy violation", ErrPolicyViolation, 422},
		{"user exists", ErrUserExists, 409},
		{"challenge expired", ErrChallengeExpired, 410},
		{"challenge exhausted", ErrChallengeExhausted, 429},
		{"store unavailable", ErrStoreUnavailable, 503},
		{"rate limited", ErrRateLimited{RetryAfter: 30 * time.Second}, 429},
		{"account locked", ErrAccountLocked{Until: time.Now().Add(10 * time.Minute)}, 429},
		{"ip blocked", ErrIPBlocked{Until: time.Now().Add(time.Hour)}, 403},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeAuthError(rec, tc.err)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestWriteAuthErrorSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAuthError(rec, ErrRateLimited{RetryAfter: 42 * time.Second})
	require.Equal(t, "42", rec.Header().Get("Retry-After"))

	// Sub-second remainders round up rather than telling the client zero.
	rec = httptest.NewRecorder()
	writeAuthError(rec, ErrRateLimited{RetryAfter: 100 * time.Millisecond})
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/auth/login", strings.NewReader(`{"username":"alice","bogus":1}`))
	rec := httptest.NewRecorder()

	var body loginRequest
	require.False(t, decodeJSON(rec, req, &body))
	require.Equal(t, 400, rec.Code)
}

func TestDecodeJSONAcceptsValidBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/auth/login", strings.NewReader(`{"username":"alice","password":"pw"}`))
	rec := httptest.NewRecorder()

	var body loginRequest
	require.True(t, decodeJSON(rec, req, &body))
	require.Equal(t, "alice", body.Username)
	require.Equal(t, "pw", body.Password)
}

func TestDeviceFromRequestPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("POST", "/auth/login", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("User-Agent", "test-agent/1.0")

	device := deviceFromRequest(req, " device-1 ")
	require.Equal(t, "device-1", device.DeviceID)
	require.Equal(t, "test-agent/1.0", device.UserAgent)
	require.Equal(t, "203.0.113.7", device.IPAddress)
}
