package audit

import (
	"context"
	"time"
)

type DetectorConfig struct {
	BruteForceThreshold int // failed logins per subject within the window
	SuspiciousThreshold int // flagged events per IP within window/4
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		BruteForceThreshold: 5,
		SuspiciousThreshold: 3,
	}
}

// Detector scans the audit trail for statistical patterns and returns
// descriptors for external alerting. It never blocks anything; enforcement
// belongs to the failure tracker.
type Detector struct {
	repo   aggregator
	config DetectorConfig
	now    func() time.Time
}

// aggregator is the slice of the repository the detector scans with.
type aggregator interface {
	failedLoginsBySubject(ctx context.Context, since time.Time, bySubject bool, threshold int) ([]subjectCount, error)
	violationsByIP(ctx context.Context, since time.Time, threshold int) ([]subjectCount, error)
}

func NewDetector(repo *Repository, config DetectorConfig) *Detector {
	if config.BruteForceThreshold <= 0 {
		config.BruteForceThreshold = 5
	}
	if config.SuspiciousThreshold <= 0 {
		config.SuspiciousThreshold = 3
	}
	return &Detector{repo: repo, config: config, now: time.Now}
}

// Detect runs the brute-force scan over the full window and the
// suspicious-pattern scan over a quarter of it, so a burst of flagged
// events surfaces faster than slow-roll credential guessing.
func (d *Detector) Detect(ctx context.Context, window time.Duration) ([]Anomaly, error) {
	if window <= 0 {
		window = time.Hour
	}
	now := d.now().UTC()

	var anomalies []Anomaly

	byUser, err := d.repo.failedLoginsBySubject(ctx, now.Add(-window), true, d.config.BruteForceThreshold)
	if err != nil {
		return nil, err
	}
	for _, entry := range byUser {
		anomalies = append(anomalies, Anomaly{
			Type:    AnomalyBruteForceUser,
			Subject: entry.Subject,
			Count:   entry.Count,
			Window:  window.String(),
		})
	}

	byIP, err := d.repo.failedLoginsBySubject(ctx, now.Add(-window), false, d.config.BruteForceThreshold)
	if err != nil {
		return nil, err
	}
	for _, entry := range byIP {
		anomalies = append(anomalies, Anomaly{
			Type:    AnomalyBruteForceIP,
			Subject: entry.Subject,
			Count:   entry.Count,
			Window:  window.String(),
		})
	}

	suspiciousWindow := window / 4
	if suspiciousWindow < time.Minute {
		suspiciousWindow = time.Minute
	}
	violations, err := d.repo.violationsByIP(ctx, now.Add(-suspiciousWindow), d.config.SuspiciousThreshold)
	if err != nil {
		return nil, err
	}
	for _, entry := range violations {
		anomalies = append(anomalies, Anomaly{
			Type:    AnomalySuspiciousIP,
			Subject: entry.Subject,
			Count:   entry.Count,
			Window:  suspiciousWindow.String(),
		})
	}

	return anomalies, nil
}
