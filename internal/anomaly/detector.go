package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kidsafe-ai/guardian/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Weights combines the four sub-scores into the overall anomaly score. The
// safety weight dominates so a single safety violation is never diluted
// below the decision threshold.
type Weights struct {
	Temporal   float64 `yaml:"temporal"`
	Activity   float64 `yaml:"activity"`
	Safety     float64 `yaml:"safety"`
	Behavioral float64 `yaml:"behavioral"`
}

// DefaultWeights returns the default sub-score weighting.
func DefaultWeights() Weights {
	return Weights{Temporal: 0.15, Activity: 0.20, Safety: 0.45, Behavioral: 0.20}
}

// DefaultThreshold is the anomaly decision threshold.
const DefaultThreshold = 0.6

// Defaults for the static "normal" bands used when no history exists.
const (
	defaultBaselineRPM     = 10.0
	longSessionSeconds     = 2 * 60 * 60
	highErrorRate          = 0.3
	historyWindow          = 24 * time.Hour
	historyCap             = 50
	safetyConfidenceBoost  = 0.2
	patternFiringThreshold = 0.5
)

// Pattern names reported for fired sub-detectors.
const (
	PatternUnusualHours     = "unusual_hours"
	PatternHighRequestRate  = "high_request_rate"
	PatternSafetyViolations = "safety_violations"
	PatternAbnormalBehavior = "abnormal_behavior"
)

// Result is a confidence-rated anomaly verdict.
type Result struct {
	IsAnomaly        bool     `json:"is_anomaly"`
	AnomalyScore     float64  `json:"anomaly_score"`
	Confidence       float64  `json:"confidence"`
	DetectedPatterns []string `json:"detected_patterns"`
	RiskFactors      []string `json:"risk_factors"`
	Explanation      string   `json:"explanation"`
	ThresholdUsed    float64  `json:"threshold_used"`
}

// Detector scores behavioral features. Scoring itself is pure; the storage
// backend only holds the rolling per-subject baseline history.
type Detector struct {
	backend   storage.Backend
	weights   Weights
	threshold float64
	nowFn     func() time.Time
}

// NewDetector constructs a Detector with default dependencies when zero.
func NewDetector(backend storage.Backend, weights Weights, threshold float64, nowFn func() time.Time) *Detector {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Detector{backend: backend, weights: weights, threshold: threshold, nowFn: nowFn}
}

// baseline captures the historical "normal" for one subject.
type baseline struct {
	requestsPerMinute float64
}

func staticBaseline() baseline {
	return baseline{requestsPerMinute: defaultBaselineRPM}
}

// Score computes the anomaly verdict for a feature snapshot against the
// static baseline. Identical features always produce identical results.
func (d *Detector) Score(features Features) Result {
	return d.score(features, staticBaseline())
}

// Evaluate scores features against the subject's historical baseline and
// records the snapshot for future evaluations. Missing or unreadable history
// falls back to the static defaults; history problems never block scoring.
func (d *Detector) Evaluate(ctx context.Context, subjectID string, features Features) Result {
	base := staticBaseline()
	history, errLoad := d.loadHistory(ctx, subjectID)
	if errLoad != nil {
		log.WithError(errLoad).Debug("anomaly: baseline load failed, using static defaults")
	} else if len(history) > 0 {
		sum := 0.0
		for _, prior := range history {
			sum += prior.RequestsPerMinute
		}
		mean := sum / float64(len(history))
		if mean > base.requestsPerMinute {
			base.requestsPerMinute = mean
		}
	}
	result := d.score(features, base)
	d.recordHistory(ctx, subjectID, features, history)
	return result
}

func (d *Detector) score(features Features, base baseline) Result {
	temporal := temporalScore(features.HourOfDay)
	activity := activityScore(features.RequestsPerMinute, base.requestsPerMinute)
	safety := safetyScore(features)
	behavioral, behavioralFactors := behavioralScore(features)

	var patterns []string
	var riskFactors []string
	if temporal >= patternFiringThreshold {
		patterns = append(patterns, PatternUnusualHours)
		riskFactors = append(riskFactors, fmt.Sprintf("access at hour %02d outside normal band", features.HourOfDay))
	}
	if activity >= patternFiringThreshold {
		patterns = append(patterns, PatternHighRequestRate)
		riskFactors = append(riskFactors, fmt.Sprintf("%.1f requests/minute against baseline %.1f", features.RequestsPerMinute, base.requestsPerMinute))
	}
	if safety >= patternFiringThreshold {
		patterns = append(patterns, PatternSafetyViolations)
		riskFactors = append(riskFactors, fmt.Sprintf("%d safety violations, %d age-inappropriate attempts", features.ChildSafetyViolations, features.AgeInappropriateAttempts))
	}
	if behavioral >= patternFiringThreshold {
		patterns = append(patterns, PatternAbnormalBehavior)
		riskFactors = append(riskFactors, behavioralFactors...)
	}

	weightSum := d.weights.Temporal + d.weights.Activity + d.weights.Safety + d.weights.Behavioral
	score := 0.0
	if weightSum > 0 {
		score = (temporal*d.weights.Temporal + activity*d.weights.Activity +
			safety*d.weights.Safety + behavioral*d.weights.Behavioral) / weightSum
	}
	// A single safety violation is decisive on its own.
	if safety > 0 && score < d.threshold {
		score = d.threshold
	}
	score = clamp01(score)

	fired := len(patterns)
	confidence := 0.4 + 0.15*float64(fired)
	if safety >= patternFiringThreshold {
		confidence += safetyConfidenceBoost
	}
	confidence = clamp01(confidence)

	sort.Strings(patterns)
	result := Result{
		IsAnomaly:        score >= d.threshold,
		AnomalyScore:     score,
		Confidence:       confidence,
		DetectedPatterns: patterns,
		RiskFactors:      riskFactors,
		ThresholdUsed:    d.threshold,
	}
	result.Explanation = explain(result)
	return result
}

func temporalScore(hour int) float64 {
	switch {
	case hour >= 23 || hour < 6:
		return 0.9
	case hour >= 21 || hour < 8:
		return 0.4
	default:
		return 0.1
	}
}

func activityScore(rpm, baselineRPM float64) float64 {
	if baselineRPM <= 0 {
		baselineRPM = defaultBaselineRPM
	}
	if rpm <= baselineRPM {
		return 0.1
	}
	return clamp01(0.1 + (rpm-baselineRPM)/(baselineRPM*4))
}

func safetyScore(features Features) float64 {
	if features.ChildSafetyViolations > 0 || features.AgeInappropriateAttempts > 0 {
		return 1.0
	}
	return 0.0
}

func behavioralScore(features Features) (float64, []string) {
	score := 0.0
	var factors []string
	if features.SessionDurationSeconds > longSessionSeconds {
		score += 0.4
		factors = append(factors, fmt.Sprintf("session lasted %.0f seconds", features.SessionDurationSeconds))
	}
	if features.ErrorRate > highErrorRate {
		score += 0.3
		factors = append(factors, fmt.Sprintf("error rate %.2f", features.ErrorRate))
	}
	if features.ContentLengthAvg > 0 && features.ContentLengthStdDev > 2*features.ContentLengthAvg {
		score += 0.3
		factors = append(factors, fmt.Sprintf("content length variance %.0f against mean %.0f", features.ContentLengthStdDev, features.ContentLengthAvg))
	}
	return clamp01(score), factors
}

// explain builds a deterministic human-readable summary from the verdict.
func explain(result Result) string {
	if !result.IsAnomaly {
		return fmt.Sprintf("no anomaly: score %.2f below threshold %.2f", result.AnomalyScore, result.ThresholdUsed)
	}
	summary := fmt.Sprintf("anomaly: score %.2f at or above threshold %.2f", result.AnomalyScore, result.ThresholdUsed)
	if len(result.DetectedPatterns) > 0 {
		summary += "; patterns: " + strings.Join(result.DetectedPatterns, ", ")
	}
	if len(result.RiskFactors) > 0 {
		summary += "; risk factors: " + strings.Join(result.RiskFactors, "; ")
	}
	return summary
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func historyKey(subjectID string) string {
	return "anomaly:history:" + subjectID
}

func (d *Detector) loadHistory(ctx context.Context, subjectID string) ([]Features, error) {
	if d.backend == nil {
		return nil, nil
	}
	raw, found, errGet := d.backend.Get(ctx, historyKey(subjectID))
	if errGet != nil {
		return nil, errGet
	}
	if !found || raw == "" {
		return nil, nil
	}
	var history []Features
	if errUnmarshal := json.Unmarshal([]byte(raw), &history); errUnmarshal != nil {
		return nil, errUnmarshal
	}
	return history, nil
}

// recordHistory appends the snapshot to the subject's rolling baseline,
// keeping the most recent entries. Best-effort: failures are logged only.
func (d *Detector) recordHistory(ctx context.Context, subjectID string, features Features, history []Features) {
	if d.backend == nil {
		return
	}
	history = append(history, features)
	if len(history) > historyCap {
		history = history[len(history)-historyCap:]
	}
	payload, errMarshal := json.Marshal(history)
	if errMarshal != nil {
		log.WithError(errMarshal).Debug("anomaly: baseline marshal failed")
		return
	}
	if errSet := d.backend.Set(ctx, historyKey(subjectID), string(payload), historyWindow); errSet != nil {
		log.WithError(errSet).Debug("anomaly: baseline write failed")
	}
}
