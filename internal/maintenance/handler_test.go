package maintenance

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authgate/internal/observability"
)

func newGuardedHandler(secret string) *Handler {
	return NewHandler(nil, nil, observability.NewLogger(), secret, 90*24*time.Hour, 500, time.Hour)
}

func TestCleanupHiddenWithoutSecret(t *testing.T) {
	handler := newGuardedHandler("")

	req := httptest.NewRequest("GET", "/internal/maintenance/cleanup", nil)
	rec := httptest.NewRecorder()
	handler.Cleanup(rec, req)
	require.Equal(t, 404, rec.Code)
}

func TestCleanupRejectsBadCredentials(t *testing.T) {
	handler := newGuardedHandler("cron-secret")

	req := httptest.NewRequest("GET", "/internal/maintenance/cleanup", nil)
	rec := httptest.NewRecorder()
	handler.Cleanup(rec, req)
	require.Equal(t, 401, rec.Code)

	req = httptest.NewRequest("GET", "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.Cleanup(rec, req)
	require.Equal(t, 401, rec.Code)

	req = httptest.NewRequest("GET", "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Basic cron-secret")
	rec = httptest.NewRecorder()
	handler.Cleanup(rec, req)
	require.Equal(t, 401, rec.Code)
}

func TestCleanupRejectsOtherMethods(t *testing.T) {
	handler := newGuardedHandler("cron-secret")

	req := httptest.NewRequest("DELETE", "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec := httptest.NewRecorder()
	handler.Cleanup(rec, req)
	require.Equal(t, 405, rec.Code)
}

func TestAnomaliesGuardedBySameSecret(t *testing.T) {
	handler := newGuardedHandler("cron-secret")

	req := httptest.NewRequest("GET", "/internal/maintenance/anomalies", nil)
	rec := httptest.NewRecorder()
	handler.Anomalies(rec, req)
	require.Equal(t, 401, rec.Code)
}
