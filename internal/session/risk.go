package session

import "time"

// riskWeights is the fixed weight table for risk scoring. Scoring is a
// fold over the session's recent events, so the same event list always
// produces the same score.
var riskWeights = map[EventType]float64{
	EventFailedMFA:        0.3,
	EventNewLocation:      0.2,
	EventImpossibleTravel: 0.4,
	EventDeviceChange:     0.15,
	EventIPChange:         0.1,
	EventSuspicious:       0.25,
}

// DefaultRiskThreshold is the score above which callers should force
// re-authentication or an additional MFA round.
const DefaultRiskThreshold = 0.7

// riskWindow bounds which events still count against the score.
const riskWindow = 24 * time.Hour

// computeRiskScore folds the weight table over events newer than the risk
// window, clamped to [0, 1].
func computeRiskScore(events []SecurityEvent, now time.Time) float64 {
	cutoff := now.Add(-riskWindow)

	var score float64
	for _, event := range events {
		if event.Timestamp.Before(cutoff) {
			continue
		}
		score += riskWeights[event.Type]
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
