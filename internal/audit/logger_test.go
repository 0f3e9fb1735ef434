package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authgate/internal/kv"
	"authgate/internal/observability"
)

type captureSink struct {
	events []Event
	err    error
}

func (s *captureSink) Insert(_ context.Context, event Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func newTestAuditLogger(sink *captureSink, store kv.Store) *Logger {
	return NewLogger(sink, store, observability.NewLogger())
}

func TestAuthenticationDefaultsSeverityByResult(t *testing.T) {
	sink := &captureSink{}
	logger := newTestAuditLogger(sink, kv.NewMemory())
	ctx := context.Background()

	logger.Authentication(ctx, Event{
		EventType: EventLoginSuccess,
		Subject:   "alice",
		IPAddress: "203.0.113.7",
		Result:    ResultSuccess,
	})
	logger.Authentication(ctx, Event{
		EventType: EventLoginFailure,
		Subject:   "alice",
		IPAddress: "203.0.113.7",
		Result:    ResultFailure,
	})

	require.Len(t, sink.events, 2)
	require.Equal(t, CategoryAuthentication, sink.events[0].Category)
	require.Equal(t, SeverityInfo, sink.events[0].Severity)
	require.Equal(t, SeverityWarning, sink.events[1].Severity)
	require.NotEmpty(t, sink.events[0].ID)
	require.False(t, sink.events[0].Timestamp.IsZero())
}

func TestAuthenticationKeepsExplicitSeverity(t *testing.T) {
	sink := &captureSink{}
	logger := newTestAuditLogger(sink, kv.NewMemory())

	logger.Authentication(context.Background(), Event{
		EventType: EventLoginFailure,
		Result:    ResultFailure,
		Severity:  SeverityCritical,
	})
	require.Equal(t, SeverityCritical, sink.events[0].Severity)
}

func TestFailureCountersMirrorToStore(t *testing.T) {
	sink := &captureSink{}
	logger := newTestAuditLogger(sink, kv.NewMemory())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		logger.Authentication(ctx, Event{
			EventType: EventLoginFailure,
			Subject:   "alice",
			IPAddress: "203.0.113.7",
			Result:    ResultFailure,
		})
	}
	// Successes leave the failure counters alone.
	logger.Authentication(ctx, Event{
		EventType: EventLoginSuccess,
		Subject:   "alice",
		IPAddress: "203.0.113.7",
		Result:    ResultSuccess,
	})

	count, err := logger.RecentFailures(ctx, "user", "alice")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	count, err = logger.RecentFailures(ctx, "ip", "203.0.113.7")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	count, err = logger.RecentFailures(ctx, "user", "bob")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRecentFailuresWindowRolls(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	store := kv.NewMemory().WithClock(func() time.Time { return now })
	sink := &captureSink{}
	logger := newTestAuditLogger(sink, store)
	logger.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		logger.Authentication(ctx, Event{
			EventType: EventLoginFailure,
			Subject:   "alice",
			Result:    ResultFailure,
		})
	}

	count, err := logger.RecentFailures(ctx, "user", "alice")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	// Still visible from the next bucket.
	now = now.Add(45 * time.Minute)
	count, err = logger.RecentFailures(ctx, "user", "alice")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	// Two buckets on, the failures have aged out.
	now = now.Add(time.Hour)
	count, err = logger.RecentFailures(ctx, "user", "alice")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestSecurityViolationForcesFailure(t *testing.T) {
	sink := &captureSink{}
	logger := newTestAuditLogger(sink, kv.NewMemory())
	ctx := context.Background()

	logger.SecurityViolation(ctx, Event{
		EventType: EventRateLimited,
		IPAddress: "203.0.113.7",
		Result:    ResultSuccess, // overwritten
	})

	require.Len(t, sink.events, 1)
	require.Equal(t, CategorySecurityViolation, sink.events[0].Category)
	require.Equal(t, ResultFailure, sink.events[0].Result)
	require.Equal(t, SeverityError, sink.events[0].Severity)
}

func TestPermissionDenialMapsToWarning(t *testing.T) {
	sink := &captureSink{}
	logger := newTestAuditLogger(sink, kv.NewMemory())

	logger.Permission(context.Background(), Event{
		EventType: EventPermissionDenied,
		Subject:   "alice",
		Result:    ResultFailure,
	})
	require.Equal(t, CategoryPermission, sink.events[0].Category)
	require.Equal(t, SeverityWarning, sink.events[0].Severity)
}

func TestWriteSurvivesSinkFailure(t *testing.T) {
	sink := &captureSink{err: context.DeadlineExceeded}
	logger := newTestAuditLogger(sink, kv.NewMemory())

	// Must not panic; the failure is reported out of band.
	logger.Authentication(context.Background(), Event{
		EventType: EventLoginFailure,
		Subject:   "alice",
		Result:    ResultFailure,
	})
}
