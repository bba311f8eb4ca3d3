package anomaly

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/kidsafe-ai/guardian/internal/storage"
)

func newTestDetector() *Detector {
	return NewDetector(nil, DefaultWeights(), DefaultThreshold, func() time.Time {
		return time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	})
}

func TestScoreIsDeterministic(t *testing.T) {
	d := newTestDetector()
	features := Features{
		HourOfDay:              2,
		RequestsPerMinute:      45,
		SessionDurationSeconds: 3 * 60 * 60,
		ErrorRate:              0.5,
		ContentLengthAvg:       100,
		ContentLengthStdDev:    300,
	}
	first := d.Score(features)
	for i := 0; i < 5; i++ {
		if got := d.Score(features); !reflect.DeepEqual(got, first) {
			t.Fatalf("expected identical results, got %+v and %+v", first, got)
		}
	}
}

func TestScoreNormalSessionIsNotAnomalous(t *testing.T) {
	d := newTestDetector()
	result := d.Score(Features{
		HourOfDay:              14,
		RequestsPerMinute:      3,
		SessionDurationSeconds: 600,
		ErrorRate:              0.0,
	})
	if result.IsAnomaly {
		t.Fatalf("expected normal session to score below threshold, got %+v", result)
	}
	if len(result.DetectedPatterns) != 0 {
		t.Fatalf("expected no patterns, got %v", result.DetectedPatterns)
	}
}

func TestScoreSafetyViolationIsDecisive(t *testing.T) {
	d := newTestDetector()
	// Everything else is normal; the single violation must still decide.
	result := d.Score(Features{
		HourOfDay:             14,
		RequestsPerMinute:     3,
		ChildSafetyViolations: 1,
	})
	if !result.IsAnomaly {
		t.Fatalf("expected safety violation to be anomalous, got score %f", result.AnomalyScore)
	}
	if result.AnomalyScore < d.threshold {
		t.Fatalf("expected score >= %f, got %f", d.threshold, result.AnomalyScore)
	}
	found := false
	for _, pattern := range result.DetectedPatterns {
		if pattern == PatternSafetyViolations {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in %v", PatternSafetyViolations, result.DetectedPatterns)
	}
}

func TestScoreAgeInappropriateAttemptIsDecisive(t *testing.T) {
	d := newTestDetector()
	result := d.Score(Features{HourOfDay: 14, AgeInappropriateAttempts: 1})
	if !result.IsAnomaly {
		t.Fatalf("expected age-inappropriate attempt to be anomalous, got %+v", result)
	}
}

func TestScoreVerdictMatchesThreshold(t *testing.T) {
	d := newTestDetector()
	samples := []Features{
		{},
		{HourOfDay: 3},
		{HourOfDay: 3, RequestsPerMinute: 80},
		{HourOfDay: 3, RequestsPerMinute: 80, ErrorRate: 0.9, SessionDurationSeconds: 4 * 60 * 60},
		{ChildSafetyViolations: 2},
		{HourOfDay: 14, RequestsPerMinute: 200},
	}
	for i, features := range samples {
		result := d.Score(features)
		if result.IsAnomaly != (result.AnomalyScore >= result.ThresholdUsed) {
			t.Fatalf("sample %d: verdict %v inconsistent with score %f threshold %f", i, result.IsAnomaly, result.AnomalyScore, result.ThresholdUsed)
		}
		if result.AnomalyScore < 0 || result.AnomalyScore > 1 {
			t.Fatalf("sample %d: score %f out of range", i, result.AnomalyScore)
		}
		if result.Confidence < 0 || result.Confidence > 1 {
			t.Fatalf("sample %d: confidence %f out of range", i, result.Confidence)
		}
		if result.Explanation == "" {
			t.Fatalf("sample %d: expected explanation", i)
		}
	}
}

func TestScoreHighActivityAtNight(t *testing.T) {
	d := newTestDetector()
	result := d.Score(Features{
		HourOfDay:              2,
		RequestsPerMinute:      60,
		SessionDurationSeconds: 3 * 60 * 60,
		ErrorRate:              0.5,
	})
	want := []string{PatternAbnormalBehavior, PatternHighRequestRate, PatternUnusualHours}
	if !reflect.DeepEqual(result.DetectedPatterns, want) {
		t.Fatalf("expected patterns %v, got %v", want, result.DetectedPatterns)
	}
	// Without a safety signal the weighted score stays below the verdict
	// threshold even when every other sub-detector fires.
	if result.IsAnomaly {
		t.Fatalf("expected no verdict without safety signal, got score %f", result.AnomalyScore)
	}
	if result.AnomalyScore <= 0.4 {
		t.Fatalf("expected elevated score, got %f", result.AnomalyScore)
	}
}

func TestEvaluateRaisesBaselineFromHistory(t *testing.T) {
	now := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	backend := storage.NewMemoryBackend(func() time.Time { return now })
	defer backend.Close()
	d := NewDetector(backend, DefaultWeights(), DefaultThreshold, func() time.Time { return now })
	ctx := context.Background()

	// Without history, 40 rpm sits well above the static 10 rpm baseline.
	cold := d.Score(Features{HourOfDay: 14, RequestsPerMinute: 40})
	if len(cold.DetectedPatterns) == 0 {
		t.Fatalf("expected high_request_rate against the static baseline")
	}

	// Seed history with sustained 40 rpm sessions.
	for i := 0; i < 10; i++ {
		d.Evaluate(ctx, "subject-1", Features{HourOfDay: 14, RequestsPerMinute: 40})
	}
	warm := d.Evaluate(ctx, "subject-1", Features{HourOfDay: 14, RequestsPerMinute: 40})
	if len(warm.DetectedPatterns) != 0 {
		t.Fatalf("expected learned baseline to absorb 40 rpm, got %v", warm.DetectedPatterns)
	}
	if warm.IsAnomaly {
		t.Fatalf("expected no anomaly against learned baseline, got %+v", warm)
	}
}

func TestEvaluateWithoutBackendFallsBack(t *testing.T) {
	d := newTestDetector()
	result := d.Evaluate(context.Background(), "subject-2", Features{HourOfDay: 14, RequestsPerMinute: 3})
	if result.IsAnomaly {
		t.Fatalf("expected static-baseline fallback to score normally, got %+v", result)
	}
}

func TestExtractFeaturesEmptySession(t *testing.T) {
	start := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	features := ExtractFeatures("subject-3", SessionData{StartedAt: start, EndedAt: start.Add(10 * time.Minute)})
	if features.RequestsPerMinute != 0 || features.ContentLengthAvg != 0 || features.ErrorRate != 0 {
		t.Fatalf("expected zeroed request metrics on empty session, got %+v", features)
	}
	if features.SessionDurationSeconds != 600 {
		t.Fatalf("expected duration 600s, got %f", features.SessionDurationSeconds)
	}
	if features.HourOfDay != 14 {
		t.Fatalf("expected hour 14, got %d", features.HourOfDay)
	}
}

func TestExtractFeaturesClampsReversedTimes(t *testing.T) {
	start := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	features := ExtractFeatures("subject-4", SessionData{StartedAt: start, EndedAt: start.Add(-time.Hour)})
	if features.SessionDurationSeconds != 0 {
		t.Fatalf("expected clamped duration 0, got %f", features.SessionDurationSeconds)
	}
}

func TestExtractFeaturesMetrics(t *testing.T) {
	start := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	session := SessionData{
		StartedAt: start,
		EndedAt:   start.Add(2 * time.Minute),
		Requests: []RequestSample{
			{Endpoint: "/v1/check", ContentLength: 100},
			{Endpoint: "/v1/check", ContentLength: 300, Failed: true},
			{Endpoint: "/v1/usage", ContentLength: 200},
			{Endpoint: "/v1/check", ContentLength: 200, Failed: true},
		},
	}
	features := ExtractFeatures("subject-5", session)
	if features.RequestsPerMinute != 2 {
		t.Fatalf("expected 2 rpm, got %f", features.RequestsPerMinute)
	}
	if features.UniqueEndpoints != 2 {
		t.Fatalf("expected 2 unique endpoints, got %d", features.UniqueEndpoints)
	}
	if features.ContentLengthAvg != 200 {
		t.Fatalf("expected avg 200, got %f", features.ContentLengthAvg)
	}
	if features.ErrorRate != 0.5 {
		t.Fatalf("expected error rate 0.5, got %f", features.ErrorRate)
	}
	if features.ContentLengthStdDev <= 0 {
		t.Fatalf("expected positive stddev, got %f", features.ContentLengthStdDev)
	}
}
