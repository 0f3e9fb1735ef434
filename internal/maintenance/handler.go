package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"authgate/internal/audit"
	"authgate/internal/observability"
)

// Handler exposes the cron-driven endpoints: audit retention purge and the
// anomaly report for external alerting. Both are guarded by a shared
// secret; without one configured they pretend not to exist.
type Handler struct {
	repo           *audit.Repository
	detector       *audit.Detector
	logger         *observability.Logger
	cronSecret     string
	auditRetention time.Duration
	batchSize      int
	anomalyWindow  time.Duration
}

func NewHandler(
	repo *audit.Repository,
	detector *audit.Detector,
	logger *observability.Logger,
	cronSecret string,
	auditRetention time.Duration,
	batchSize int,
	anomalyWindow time.Duration,
) *Handler {
	if auditRetention <= 0 {
		auditRetention = 90 * 24 * time.Hour
	}
	if anomalyWindow <= 0 {
		anomalyWindow = time.Hour
	}

	return &Handler{
		repo:           repo,
		detector:       detector,
		logger:         logger,
		cronSecret:     strings.TrimSpace(cronSecret),
		auditRetention: auditRetention,
		batchSize:      batchSize,
		anomalyWindow:  anomalyWindow,
	}
}

func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	deleted, err := h.repo.PurgeOlderThan(r.Context(), h.auditRetention, h.batchSize)
	if err != nil {
		h.logger.Error("audit_purge_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("audit_purge_completed", map[string]any{"deleted_audit_events": deleted})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"deleted_audit_events": deleted,
	})
}

// Anomalies runs the detector and returns its descriptors. The caller, not
// this endpoint, decides what to alert on or block.
func (h *Handler) Anomalies(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	anomalies, err := h.detector.Detect(r.Context(), h.anomalyWindow)
	if err != nil {
		h.logger.Error("anomaly_scan_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "anomaly scan failed"})
		return
	}

	if len(anomalies) > 0 {
		h.logger.Warn("anomalies_detected", map[string]any{"count": len(anomalies)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window":    h.anomalyWindow.String(),
		"anomalies": anomalies,
	})
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return false
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
