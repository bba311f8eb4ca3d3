package ratelimit

import (
	"errors"
	"time"
)

// Operation identifies an admission-controlled operation type. The set is
// closed; callers must use these values verbatim.
type Operation string

const (
	OpAIRequest               Operation = "ai_request"
	OpAudioGeneration         Operation = "audio_generation"
	OpConversationMessage     Operation = "conversation_message"
	OpConversationStart       Operation = "conversation_start"
	OpConversationEnd         Operation = "conversation_end"
	OpMessageBurst            Operation = "message_burst"
	OpSafetyIncident          Operation = "safety_incident"
	OpDailyUsage              Operation = "daily_usage"
	OpConcurrentConversations Operation = "concurrent_conversations"
	OpAPICall                 Operation = "api_call"
	OpAuthentication          Operation = "authentication"
	OpDataAccess              Operation = "data_access"
)

// Operations lists every supported operation type.
func Operations() []Operation {
	return []Operation{
		OpAIRequest, OpAudioGeneration, OpConversationMessage,
		OpConversationStart, OpConversationEnd, OpMessageBurst,
		OpSafetyIncident, OpDailyUsage, OpConcurrentConversations,
		OpAPICall, OpAuthentication, OpDataAccess,
	}
}

// KnownOperation reports whether op belongs to the closed operation set.
func KnownOperation(op Operation) bool {
	for _, known := range Operations() {
		if op == known {
			return true
		}
	}
	return false
}

// Algorithm selects the admission algorithm for a resolved config.
type Algorithm string

const (
	SlidingWindow Algorithm = "sliding_window"
	TokenBucket   Algorithm = "token_bucket"
	FixedWindow   Algorithm = "fixed_window"
)

// Severity grades a reported safety incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Config is the concrete limit for one operation, resolved per request and
// immutable afterwards.
type Config struct {
	Operation      Operation
	MaxRequests    int
	Window         time.Duration
	Algorithm      Algorithm
	BurstCapacity  int
	RefillRate     float64 // tokens per second, token bucket only
	BlockDuration  time.Duration
	ChildSafeMode  bool
	AgeBasedScaled bool
}

// UsageStat is the per-operation view returned by GetUsageStats.
type UsageStat struct {
	CurrentRequests int     `json:"current_requests"`
	MaxRequests     int     `json:"max_requests"`
	Remaining       int     `json:"remaining"`
	UsagePercentage float64 `json:"usage_percentage"`
}

// Result describes the outcome of an admission check.
type Result struct {
	Allowed                  bool                 `json:"allowed"`
	Remaining                int                  `json:"remaining"`
	ResetTime                int64                `json:"reset_time,omitempty"`
	RetryAfterSeconds        int                  `json:"retry_after_seconds"`
	Operation                Operation            `json:"operation"`
	SubjectID                string               `json:"subject_id"`
	Reason                   string               `json:"reason,omitempty"`
	SafetyTriggered          bool                 `json:"safety_triggered"`
	UsageStats               map[string]UsageStat `json:"usage_stats,omitempty"`
	ConversationID           string               `json:"conversation_id,omitempty"`
	ConcurrentConversations  int                  `json:"concurrent_conversations"`
	SafetyCooldownActive     bool                 `json:"safety_cooldown_active"`
	BurstProtectionTriggered bool                 `json:"burst_protection_triggered"`
	DailyLimitReached        bool                 `json:"daily_limit_reached"`
}

// HealthStatus is the operational snapshot returned by HealthCheck.
type HealthStatus struct {
	Status                string      `json:"status"`
	BackendType           string      `json:"backend_type"`
	TotalRequestsObserved int64       `json:"total_requests_observed"`
	SupportedOperations   []Operation `json:"supported_operations"`
	SafetyCooldownsActive int64       `json:"safety_cooldowns_active"`
	StorageErrorsObserved int64       `json:"storage_errors_observed"`
}

// ErrInvalidSubject marks a malformed subject identifier. Checks reject
// these synchronously rather than silently allowing them.
var ErrInvalidSubject = errors.New("ratelimit: invalid subject id")

// Reason strings surfaced on denied or degraded results.
const (
	ReasonRateLimitExceeded    = "rate_limit_exceeded"
	ReasonSafetyCooldownActive = "safety_cooldown_active"
	ReasonBurstProtection      = "burst_protection_triggered"
	ReasonDailyLimitReached    = "daily_limit_reached"
	ReasonConcurrentLimit      = "concurrent_conversation_limit"
	ReasonStorageError         = "rate_limit_error"
	ReasonValidationError      = "validation_error"
)
