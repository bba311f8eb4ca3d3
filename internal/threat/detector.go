package threat

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kidsafe-ai/guardian/internal/audit"
)

// Defaults for the brute-force detector.
const (
	DefaultBruteForceWindow    = time.Hour
	DefaultBruteForceThreshold = 10
)

// recentThreatCap bounds the in-memory ring used for health reporting.
const recentThreatCap = 256

// injectionPatterns is the fixed, case-insensitive pattern set for content
// injection scanning: script/markup injection, SQL fragments, JS sinks.
var injectionPatterns = []string{
	"<script",
	"</script",
	"<iframe",
	"javascript:",
	"onerror=",
	"onload=",
	"eval(",
	"alert(",
	"document.cookie",
	"document.write",
	"drop table",
	"union select",
	"insert into",
	"delete from",
	"exec(",
}

// AccessPattern summarizes an actor's access behavior toward one child's
// data, supplied by the calling layer.
type AccessPattern struct {
	TotalCount int     // total accesses observed for this pair
	PerHour    float64 // recent access frequency
	HourOfDay  int     // local hour of the most recent access
}

// Thresholds for the suspicious child-access indicators.
const (
	excessiveAccessCount     = 100
	excessiveAccessFrequency = 30.0
	unusualHourStart         = 23
	unusualHourEnd           = 6
)

// Detector runs the rule-based threat detectors. The failed-attempt ledger
// is an in-memory performance cache, not a source of truth; losing it on
// restart is safe.
type Detector struct {
	bruteForceWindow    time.Duration
	bruteForceThreshold int
	nowFn               func() time.Time
	audit               *audit.Logger

	mu             sync.Mutex
	failedAttempts map[string][]time.Time
	recent         []Threat
}

// NewDetector constructs a Detector with default dependencies when zero.
func NewDetector(window time.Duration, threshold int, nowFn func() time.Time, auditLog *audit.Logger) *Detector {
	if window <= 0 {
		window = DefaultBruteForceWindow
	}
	if threshold <= 0 {
		threshold = DefaultBruteForceThreshold
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if auditLog == nil {
		auditLog = audit.NewLogger("threat")
	}
	return &Detector{
		bruteForceWindow:    window,
		bruteForceThreshold: threshold,
		nowFn:               nowFn,
		audit:               auditLog,
		failedAttempts:      make(map[string][]time.Time),
	}
}

// record appends a threat to the rolling buffer and emits it on the audit
// channel.
func (d *Detector) record(t *Threat) {
	if t == nil {
		return
	}
	d.mu.Lock()
	d.recent = append(d.recent, *t)
	if len(d.recent) > recentThreatCap {
		d.recent = d.recent[len(d.recent)-recentThreatCap:]
	}
	d.mu.Unlock()
	d.audit.ThreatDetected(t.ThreatID, t.Type, string(t.Severity), t.Metadata)
}

// RecentThreats returns a copy of the rolling threat buffer, newest last.
func (d *Detector) RecentThreats() []Threat {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Threat, len(d.recent))
	copy(out, d.recent)
	return out
}

// DetectBruteForce records a failed attempt for the source IP and returns a
// high-severity threat once the in-window count reaches the threshold.
// Entries older than the window are pruned on every call.
func (d *Detector) DetectBruteForce(sourceIP, userID string) *Threat {
	if strings.TrimSpace(sourceIP) == "" {
		return nil
	}
	now := d.nowFn()
	cutoff := now.Add(-d.bruteForceWindow)

	d.mu.Lock()
	attempts := d.failedAttempts[sourceIP]
	kept := attempts[:0]
	for _, ts := range attempts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	d.failedAttempts[sourceIP] = kept
	count := len(kept)
	d.mu.Unlock()

	if count < d.bruteForceThreshold {
		return nil
	}
	t := &Threat{
		ThreatID:    threatID(TypeBruteForce, sourceIP, now),
		Type:        TypeBruteForce,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("%d failed attempts from one source within %s", count, d.bruteForceWindow),
		DetectedAt:  now,
		SourceIP:    sourceIP,
		UserID:      userID,
		Metadata: map[string]any{
			"failed_attempts": count,
			"window_seconds":  int(d.bruteForceWindow.Seconds()),
		},
	}
	d.record(t)
	return t
}

// ClearFailedAttempts drops the ledger for a source IP, used after a
// successful authentication.
func (d *Detector) ClearFailedAttempts(sourceIP string) {
	d.mu.Lock()
	delete(d.failedAttempts, sourceIP)
	d.mu.Unlock()
}

// DetectSuspiciousChildAccess evaluates three independent indicators of
// abnormal access to a child's data. Two or more firing indicators yield a
// critical threat, exactly one yields medium, none yields nil. The child
// identifier only ever appears as a truncated one-way digest.
func (d *Detector) DetectSuspiciousChildAccess(actorID, childID string, pattern AccessPattern) *Threat {
	var indicators []string
	if pattern.TotalCount > excessiveAccessCount {
		indicators = append(indicators, "excessive_access_count")
	}
	if pattern.PerHour > excessiveAccessFrequency {
		indicators = append(indicators, "excessive_access_frequency")
	}
	if pattern.HourOfDay >= unusualHourStart || pattern.HourOfDay < unusualHourEnd {
		indicators = append(indicators, "unusual_hours")
	}
	if len(indicators) == 0 {
		return nil
	}
	severity := SeverityMedium
	if len(indicators) >= 2 {
		severity = SeverityCritical
	}
	now := d.nowFn()
	childHash := audit.HashIdentifier(childID)
	t := &Threat{
		ThreatID:    threatID(TypeSuspiciousChildAccess, actorID+":"+childHash, now),
		Type:        TypeSuspiciousChildAccess,
		Severity:    severity,
		Description: fmt.Sprintf("suspicious access to child data: %s", strings.Join(indicators, ", ")),
		DetectedAt:  now,
		UserID:      actorID,
		Metadata: map[string]any{
			"child_hash":        childHash,
			"threat_indicators": indicators,
			"access_count":      pattern.TotalCount,
			"access_per_hour":   pattern.PerHour,
			"hour_of_day":       pattern.HourOfDay,
		},
	}
	d.record(t)
	return t
}

// DetectContentInjection scans content case-insensitively against the fixed
// injection pattern set. The returned threat carries the matched patterns
// plus a length and digest fingerprint, never the raw content.
func (d *Detector) DetectContentInjection(content, userID string) *Threat {
	if content == "" {
		return nil
	}
	lowered := strings.ToLower(content)
	var matched []string
	for _, pattern := range injectionPatterns {
		if strings.Contains(lowered, pattern) {
			matched = append(matched, pattern)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	sort.Strings(matched)
	now := d.nowFn()
	fingerprint := audit.FingerprintContent(content)
	t := &Threat{
		ThreatID:    threatID(TypeContentInjection, fingerprint, now),
		Type:        TypeContentInjection,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("content injection patterns detected: %s", strings.Join(matched, ", ")),
		DetectedAt:  now,
		UserID:      userID,
		Metadata: map[string]any{
			"detectedPatterns": matched,
			"content_length":   len(content),
			"content_hash":     fingerprint,
		},
	}
	d.record(t)
	return t
}
