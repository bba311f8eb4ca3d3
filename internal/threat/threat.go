// Package threat implements the rule-based threat detectors: brute force,
// suspicious child-data access, and content injection.
package threat

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Severity grades a detected threat.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Threat types emitted by the detectors.
const (
	TypeBruteForce            = "brute_force_attack"
	TypeSuspiciousChildAccess = "suspicious_child_access"
	TypeContentInjection      = "content_injection_attempt"
	TypeAnomalousBehavior     = "anomalous_behavior"
)

// Threat is an immutable record of one detected security threat.
type Threat struct {
	ThreatID    string         `json:"threat_id"`
	Type        string         `json:"threat_type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	DetectedAt  time.Time      `json:"detected_at"`
	SourceIP    string         `json:"source_ip,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// threatID derives a deterministic identifier from the threat type, subject,
// and detection time, so replayed detections log idempotently.
func threatID(threatType, subject string, detectedAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", threatType, subject, detectedAt.Unix())))
	return hex.EncodeToString(sum[:])[:32]
}
