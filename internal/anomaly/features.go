// Package anomaly extracts behavioral features from session telemetry and
// scores them across temporal, activity, safety, and behavioral dimensions.
package anomaly

import (
	"math"
	"time"
)

// RequestSample is one request observed during a session, supplied by the
// telemetry pipeline.
type RequestSample struct {
	Endpoint      string `json:"endpoint"`
	ContentLength int    `json:"content_length"`
	Failed        bool   `json:"failed"`
}

// SessionData is the raw telemetry for one session.
type SessionData struct {
	StartedAt                time.Time       `json:"started_at"`
	EndedAt                  time.Time       `json:"ended_at"`
	Requests                 []RequestSample `json:"requests"`
	ChildSafetyViolations    int             `json:"child_safety_violations"`
	AgeInappropriateAttempts int             `json:"age_inappropriate_attempts"`
}

// Features is a per-session behavioral snapshot. All derived metrics default
// to zero on empty input.
type Features struct {
	UserID                   string    `json:"user_id"`
	Timestamp                time.Time `json:"timestamp"`
	HourOfDay                int       `json:"hour_of_day"`
	DayOfWeek                int       `json:"day_of_week"`
	SessionDurationSeconds   float64   `json:"session_duration_seconds"`
	RequestsPerMinute        float64   `json:"requests_per_minute"`
	ContentLengthAvg         float64   `json:"content_length_avg"`
	ContentLengthStdDev      float64   `json:"content_length_std_dev"`
	UniqueEndpoints          int       `json:"unique_endpoints"`
	ErrorRate                float64   `json:"error_rate"`
	ChildSafetyViolations    int       `json:"child_safety_violations"`
	AgeInappropriateAttempts int       `json:"age_inappropriate_attempts"`
}

// ExtractFeatures derives a feature snapshot from raw session telemetry.
func ExtractFeatures(subjectID string, session SessionData) Features {
	start := session.StartedAt
	end := session.EndedAt
	if end.Before(start) {
		end = start
	}
	duration := end.Sub(start).Seconds()

	features := Features{
		UserID:                   subjectID,
		Timestamp:                end,
		HourOfDay:                end.Hour(),
		DayOfWeek:                int(end.Weekday()),
		SessionDurationSeconds:   duration,
		ChildSafetyViolations:    session.ChildSafetyViolations,
		AgeInappropriateAttempts: session.AgeInappropriateAttempts,
	}

	total := len(session.Requests)
	if total == 0 {
		return features
	}

	if duration > 0 {
		features.RequestsPerMinute = float64(total) / (duration / 60)
	}

	endpoints := make(map[string]struct{}, total)
	sum := 0.0
	failed := 0
	for _, req := range session.Requests {
		endpoints[req.Endpoint] = struct{}{}
		sum += float64(req.ContentLength)
		if req.Failed {
			failed++
		}
	}
	features.UniqueEndpoints = len(endpoints)
	features.ContentLengthAvg = sum / float64(total)
	features.ErrorRate = float64(failed) / float64(total)

	variance := 0.0
	for _, req := range session.Requests {
		diff := float64(req.ContentLength) - features.ContentLengthAvg
		variance += diff * diff
	}
	features.ContentLengthStdDev = math.Sqrt(variance / float64(total))

	return features
}
