// Package audit is the structured channel for safety and security events.
// Payloads never carry raw child identifiers or raw content; callers pass
// hashed identifiers produced by HashIdentifier.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	log "github.com/sirupsen/logrus"
)

// hashTruncateLen bounds the hex digest so logs stay compact while the
// identifier stays unrecoverable.
const hashTruncateLen = 16

// HashIdentifier returns a one-way truncated digest of an identifier,
// suitable for log and threat payloads.
func HashIdentifier(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:hashTruncateLen]
}

// FingerprintContent returns a one-way digest of content for threat
// payloads. The full digest is kept so fingerprints can be correlated
// across systems.
func FingerprintContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Logger emits audit events through the structured logging channel.
type Logger struct {
	entry *log.Entry
}

// NewLogger constructs a Logger for the named component.
func NewLogger(component string) *Logger {
	return &Logger{entry: log.WithField("component", component)}
}

// Event records a structured audit event.
func (l *Logger) Event(event string, fields log.Fields) {
	if l == nil || l.entry == nil {
		return
	}
	l.entry.WithFields(fields).WithField("event", event).Info("audit event")
}

// CooldownActivated records a safety cooldown activation for a subject.
func (l *Logger) CooldownActivated(subjectHash string, duration time.Duration, reason string) {
	l.Event("safety_cooldown_activated", log.Fields{
		"subject_hash":     subjectHash,
		"cooldown_seconds": int(duration.Seconds()),
		"reason":           reason,
	})
}

// ThreatDetected records a detected security threat.
func (l *Logger) ThreatDetected(threatID, threatType, severity string, metadata map[string]any) {
	l.Event("threat_detected", log.Fields{
		"threat_id":   threatID,
		"threat_type": threatType,
		"severity":    severity,
		"metadata":    metadata,
	})
}
