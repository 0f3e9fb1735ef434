package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"authgate/internal/kv"
	"authgate/internal/observability"
)

// mirrorWindow sizes the fast-path counter buckets in the ephemeral store.
// Counters are bucketed per window like the rate limiter's, with each
// bucket living two windows so the previous one stays readable. A count is
// the sum of both buckets: it always covers the trailing window and at
// most two.
const mirrorWindow = time.Hour

// Logger writes every event to the durable repository, bumps short-TTL
// counters in the ephemeral store for fast per-subject anomaly checks, and
// emits a structured log line at the severity-mapped level. An event that
// cannot be persisted is itself a critical condition.
type Logger struct {
	sink  EventSink
	store kv.Store
	log   *observability.Logger
	now   func() time.Time
}

// EventSink is what the Logger needs from the durable store. The Postgres
// Repository is the production implementation.
type EventSink interface {
	Insert(ctx context.Context, event Event) error
}

func NewLogger(sink EventSink, store kv.Store, log *observability.Logger) *Logger {
	return &Logger{sink: sink, store: store, log: log, now: time.Now}
}

// Authentication records a login, logout or MFA outcome.
func (l *Logger) Authentication(ctx context.Context, event Event) {
	event.Category = CategoryAuthentication
	if event.Severity == "" {
		if event.Result == ResultSuccess {
			event.Severity = SeverityInfo
		} else {
			event.Severity = SeverityWarning
		}
	}
	l.write(ctx, event)

	if event.Result == ResultFailure {
		bucket := l.bucket()
		if event.Subject != "" {
			_, _ = l.store.Incr(ctx, failCounterKey("user", event.Subject, bucket), 2*mirrorWindow)
		}
		if event.IPAddress != "" {
			_, _ = l.store.Incr(ctx, failCounterKey("ip", event.IPAddress, bucket), 2*mirrorWindow)
		}
	}
}

// Permission records an authorization decision. Denials map to warning.
func (l *Logger) Permission(ctx context.Context, event Event) {
	event.Category = CategoryPermission
	if event.Severity == "" {
		if event.Result == ResultSuccess {
			event.Severity = SeverityInfo
		} else {
			event.Severity = SeverityWarning
		}
	}
	l.write(ctx, event)
}

// SecurityViolation records a flagged event. Defaults to error severity;
// pass SeverityCritical for store failures and the like.
func (l *Logger) SecurityViolation(ctx context.Context, event Event) {
	event.Category = CategorySecurityViolation
	if event.Severity == "" {
		event.Severity = SeverityError
	}
	event.Result = ResultFailure
	l.write(ctx, event)

	if event.IPAddress != "" {
		_, _ = l.store.Incr(ctx, violationCounterKey(event.IPAddress, l.bucket()), 2*mirrorWindow)
	}
}

func (l *Logger) write(ctx context.Context, event Event) {
	if event.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			event.ID = id.String()
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	if err := l.sink.Insert(ctx, event); err != nil {
		observability.CaptureSecurityFailure("audit", err)
		l.log.Critical("audit_write_failed", map[string]any{
			"event_type": string(event.EventType),
			"error":      err.Error(),
		})
	}

	fields := map[string]any{
		"audit_id":   event.ID,
		"category":   string(event.Category),
		"event_type": string(event.EventType),
		"subject":    event.Subject,
		"ip":         event.IPAddress,
		"result":     string(event.Result),
		"severity":   string(event.Severity),
	}
	for k, v := range event.Extra {
		fields["extra_"+k] = v
	}

	// Fixed severity-to-level mapping.
	switch event.Severity {
	case SeverityCritical:
		l.log.Critical("audit_event", fields)
	case SeverityError:
		l.log.Error("audit_event", fields)
	case SeverityWarning:
		l.log.Warn("audit_event", fields)
	default:
		l.log.Info("audit_event", fields)
	}
}

func (l *Logger) bucket() int64 {
	return l.now().UTC().UnixNano() / int64(mirrorWindow)
}

func failCounterKey(kind, subject string, bucket int64) string {
	return fmt.Sprintf("audit:fail:%s:%s:%d", kind, subject, bucket)
}

func violationCounterKey(ip string, bucket int64) string {
	return fmt.Sprintf("audit:viol:ip:%s:%d", ip, bucket)
}

// RecentFailures answers the fast-path counter for one subject without
// touching the durable store. See mirrorWindow for the window semantics.
func (l *Logger) RecentFailures(ctx context.Context, kind, subject string) (int, error) {
	bucket := l.bucket()
	total := 0
	for _, b := range []int64{bucket, bucket - 1} {
		raw, ok, err := l.store.Get(ctx, failCounterKey(kind, subject, b))
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if count, err := strconv.Atoi(raw); err == nil {
			total += count
		}
	}
	return total, nil
}
