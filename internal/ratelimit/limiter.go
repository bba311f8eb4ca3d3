// Package ratelimit implements the adaptive admission-control engine that
// gates every child-facing operation: age-tiered quota policies, three
// interchangeable admission algorithms, conversation concurrency tracking,
// and safety-incident cooldowns.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/kidsafe-ai/guardian/internal/audit"
	"github.com/kidsafe-ai/guardian/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Limiter answers "is this operation allowed right now". All counters live
// in the storage backend; the limiter itself holds no per-subject state.
type Limiter struct {
	backend  storage.Backend
	resolver *PolicyResolver
	nowFn    func() time.Time
	audit    *audit.Logger

	totalRequests atomic.Int64
	storageErrors atomic.Int64
	cooldownsSet  atomic.Int64
}

// NewLimiter constructs a Limiter with default dependencies when nil.
func NewLimiter(backend storage.Backend, resolver *PolicyResolver, nowFn func() time.Time, auditLog *audit.Logger) *Limiter {
	if resolver == nil {
		resolver = NewPolicyResolver(nil)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if auditLog == nil {
		auditLog = audit.NewLogger("ratelimit")
	}
	return &Limiter{
		backend:  backend,
		resolver: resolver,
		nowFn:    nowFn,
		audit:    auditLog,
	}
}

// failOpen converts a storage failure into an allowed result tagged with the
// rate_limit_error reason. Availability of the chat path wins over
// strictness; the failed call is never retried.
func (l *Limiter) failOpen(result Result, err error) Result {
	l.storageErrors.Add(1)
	log.WithError(err).WithFields(log.Fields{
		"operation":    result.Operation,
		"subject_hash": audit.HashIdentifier(result.SubjectID),
	}).Warn("rate limit: storage failure, failing open")
	result.Allowed = true
	result.Remaining = 0
	result.Reason = fmt.Sprintf("%s: %v", ReasonStorageError, err)
	return result
}

// cooldownState reports whether a safety cooldown is active for the subject
// and when it expires.
func (l *Limiter) cooldownState(ctx context.Context, subjectID string, now time.Time) (bool, time.Time, error) {
	raw, found, errGet := l.backend.Get(ctx, cooldownKey(subjectID))
	if errGet != nil {
		return false, time.Time{}, errGet
	}
	if !found {
		return false, time.Time{}, nil
	}
	expiry, errParse := strconv.ParseInt(raw, 10, 64)
	if errParse != nil {
		return false, time.Time{}, nil
	}
	until := time.Unix(expiry, 0)
	if until.After(now) {
		return true, until, nil
	}
	return false, time.Time{}, nil
}

// deniedByCooldown fills the denial fields for an active safety cooldown.
func deniedByCooldown(result Result, now, until time.Time) Result {
	result.Allowed = false
	result.Remaining = 0
	result.Reason = ReasonSafetyCooldownActive
	result.SafetyCooldownActive = true
	result.SafetyTriggered = true
	result.ResetTime = until.Unix()
	result.RetryAfterSeconds = int(until.Sub(now).Seconds())
	return result
}

// CheckRateLimit resolves the policy for the operation and claimed age, then
// runs the configured algorithm. An active safety cooldown denies
// immediately, regardless of remaining quota.
func (l *Limiter) CheckRateLimit(ctx context.Context, subjectID string, op Operation, age *int) (Result, error) {
	result := Result{Operation: op, SubjectID: subjectID}
	if !ValidSubject(subjectID) {
		result.Reason = ReasonValidationError
		return result, ErrInvalidSubject
	}
	l.totalRequests.Add(1)
	now := l.nowFn()

	active, until, errCooldown := l.cooldownState(ctx, subjectID, now)
	if errCooldown != nil {
		return l.failOpen(result, errCooldown), nil
	}
	if active {
		return deniedByCooldown(result, now, until), nil
	}

	cfg := l.resolver.Resolve(op, age)
	dec, errRun := runAlgorithm(ctx, l.backend, checkKey(op, subjectID), cfg, now)
	if errRun != nil {
		return l.failOpen(result, errRun), nil
	}
	result = applyDecision(result, dec)
	if dec.allowed {
		if _, errStats := l.backend.IncrementWithExpiry(ctx, statsKey(op, subjectID), cfg.Window); errStats != nil {
			log.WithError(errStats).Debug("rate limit: stats counter update failed")
		}
	} else {
		result.UsageStats = l.usageSnapshot(ctx, subjectID)
	}
	return result, nil
}

// usageSnapshot builds the consumption view attached to denials so callers
// can surface it without a second call. Best-effort: failures yield nil.
func (l *Limiter) usageSnapshot(ctx context.Context, subjectID string) map[string]UsageStat {
	stats, errStats := l.GetUsageStats(ctx, subjectID)
	if errStats != nil {
		log.WithError(errStats).Debug("rate limit: usage snapshot failed")
		return nil
	}
	snapshot := make(map[string]UsageStat, len(stats))
	for op, stat := range stats {
		snapshot[string(op)] = stat
	}
	return snapshot
}

func applyDecision(result Result, dec decision) Result {
	result.Allowed = dec.allowed
	result.Remaining = dec.remaining
	if !dec.reset.IsZero() {
		result.ResetTime = dec.reset.Unix()
	}
	if !dec.allowed {
		result.Remaining = 0
		result.Reason = ReasonRateLimitExceeded
		retry := dec.retryAfter
		if retry < 0 {
			retry = 0
		}
		result.RetryAfterSeconds = int(retry.Seconds())
	}
	return result
}

// CheckConversationStartLimit enforces the hourly and daily conversation
// ceilings plus the concurrent-conversation ceiling for the subject's band.
func (l *Limiter) CheckConversationStartLimit(ctx context.Context, subjectID string, age *int) (Result, error) {
	result := Result{Operation: OpConversationStart, SubjectID: subjectID}
	if !ValidSubject(subjectID) {
		result.Reason = ReasonValidationError
		return result, ErrInvalidSubject
	}
	l.totalRequests.Add(1)
	now := l.nowFn()

	active, until, errCooldown := l.cooldownState(ctx, subjectID, now)
	if errCooldown != nil {
		return l.failOpen(result, errCooldown), nil
	}
	if active {
		return deniedByCooldown(result, now, until), nil
	}

	band := l.resolver.Band(age)

	// Take the concurrency slot first: the increment is atomic, and a denial
	// here must not consume the subject's windowed conversation quotas.
	activeKey := activeConversationsKey(subjectID)
	count, errIncr := l.backend.IncrementWithExpiry(ctx, activeKey, band.MaxConversationDuration)
	if errIncr != nil {
		return l.failOpen(result, errIncr), nil
	}
	if count > int64(band.MaxConcurrentConvs) {
		l.releaseSlot(ctx, activeKey)
		result.Allowed = false
		result.Remaining = 0
		result.Reason = ReasonConcurrentLimit
		result.ConcurrentConversations = int(count - 1)
		return result, nil
	}

	dailyCfg := Config{
		Operation:   OpConversationStart,
		Algorithm:   FixedWindow,
		MaxRequests: band.ConversationsPerDay,
		Window:      24 * time.Hour,
	}
	dailyDec, errDaily := runAlgorithm(ctx, l.backend, checkKey(OpDailyUsage, subjectID)+":conv", dailyCfg, now)
	if errDaily != nil {
		return l.failOpen(result, errDaily), nil
	}
	if !dailyDec.allowed {
		l.releaseSlot(ctx, activeKey)
		result = applyDecision(result, dailyDec)
		result.Reason = ReasonDailyLimitReached
		result.DailyLimitReached = true
		return result, nil
	}

	hourlyCfg := l.resolver.Resolve(OpConversationStart, age)
	hourlyDec, errHourly := runAlgorithm(ctx, l.backend, checkKey(OpConversationStart, subjectID), hourlyCfg, now)
	if errHourly != nil {
		return l.failOpen(result, errHourly), nil
	}
	if !hourlyDec.allowed {
		l.releaseSlot(ctx, activeKey)
		return applyDecision(result, hourlyDec), nil
	}

	result = applyDecision(result, hourlyDec)
	result.ConcurrentConversations = int(count)
	return result, nil
}

// releaseSlot returns a provisionally held conversation slot.
func (l *Limiter) releaseSlot(ctx context.Context, activeKey string) {
	if _, errDecr := l.backend.DecrementClamped(ctx, activeKey); errDecr != nil {
		log.WithError(errDecr).Warn("rate limit: conversation slot release failed")
	}
}

// CheckMessageLimit layers a short burst window on top of the per-minute and
// per-day message ceilings.
func (l *Limiter) CheckMessageLimit(ctx context.Context, subjectID string, age *int, conversationID string) (Result, error) {
	result := Result{Operation: OpConversationMessage, SubjectID: subjectID, ConversationID: conversationID}
	if !ValidSubject(subjectID) {
		result.Reason = ReasonValidationError
		return result, ErrInvalidSubject
	}
	l.totalRequests.Add(1)
	now := l.nowFn()

	active, until, errCooldown := l.cooldownState(ctx, subjectID, now)
	if errCooldown != nil {
		return l.failOpen(result, errCooldown), nil
	}
	if active {
		return deniedByCooldown(result, now, until), nil
	}

	band := l.resolver.Band(age)

	dailyCfg := l.resolver.Resolve(OpDailyUsage, age)
	dailyDec, errDaily := runAlgorithm(ctx, l.backend, checkKey(OpDailyUsage, subjectID), dailyCfg, now)
	if errDaily != nil {
		return l.failOpen(result, errDaily), nil
	}
	if !dailyDec.allowed {
		result = applyDecision(result, dailyDec)
		result.Reason = ReasonDailyLimitReached
		result.DailyLimitReached = true
		return result, nil
	}

	minuteCfg := Config{
		Operation:   OpConversationMessage,
		Algorithm:   FixedWindow,
		MaxRequests: band.MessagesPerMinute,
		Window:      time.Minute,
	}
	minuteDec, errMinute := runAlgorithm(ctx, l.backend, checkKey(OpConversationMessage, subjectID), minuteCfg, now)
	if errMinute != nil {
		return l.failOpen(result, errMinute), nil
	}
	if !minuteDec.allowed {
		return applyDecision(result, minuteDec), nil
	}

	burstCfg := l.resolver.Resolve(OpMessageBurst, age)
	burstDec, errBurst := runAlgorithm(ctx, l.backend, checkKey(OpMessageBurst, subjectID), burstCfg, now)
	if errBurst != nil {
		return l.failOpen(result, errBurst), nil
	}
	if !burstDec.allowed {
		result = applyDecision(result, burstDec)
		result.Reason = ReasonBurstProtection
		result.BurstProtectionTriggered = true
		return result, nil
	}

	result = applyDecision(result, minuteDec)
	if _, errStats := l.backend.IncrementWithExpiry(ctx, statsKey(OpConversationMessage, subjectID), time.Hour); errStats != nil {
		log.WithError(errStats).Debug("rate limit: stats counter update failed")
	}
	return result, nil
}

// ReportSafetyIncident records a day-scoped incident and activates a
// cooldown when the severity is high or critical, or when the daily count
// exceeds the band's ceiling.
func (l *Limiter) ReportSafetyIncident(ctx context.Context, subjectID string, age *int, incidentType string, severity Severity, conversationID string) (Result, error) {
	result := Result{Operation: OpSafetyIncident, SubjectID: subjectID, ConversationID: conversationID, SafetyTriggered: true}
	if !ValidSubject(subjectID) {
		result.Reason = ReasonValidationError
		return result, ErrInvalidSubject
	}
	now := l.nowFn()
	band := l.resolver.Band(age)

	count, errIncr := l.backend.IncrementWithExpiry(ctx, incidentsKey(subjectID, now), 24*time.Hour)
	if errIncr != nil {
		return l.failOpen(result, errIncr), nil
	}

	trigger := severity == SeverityHigh || severity == SeverityCritical ||
		count > int64(band.MaxSafetyIncidentsPerDay)
	if trigger {
		until := now.Add(band.SafetyIncidentCooldown)
		errSet := l.backend.Set(ctx, cooldownKey(subjectID), strconv.FormatInt(until.Unix(), 10), band.SafetyIncidentCooldown)
		if errSet != nil {
			return l.failOpen(result, errSet), nil
		}
		l.cooldownsSet.Add(1)
		l.audit.CooldownActivated(audit.HashIdentifier(subjectID), band.SafetyIncidentCooldown, incidentType)
		result.Allowed = false
		result.Reason = ReasonSafetyCooldownActive
		result.SafetyCooldownActive = true
		result.ResetTime = until.Unix()
		result.RetryAfterSeconds = int(band.SafetyIncidentCooldown.Seconds())
		return result, nil
	}

	result.Allowed = true
	result.Remaining = band.MaxSafetyIncidentsPerDay - int(count)
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

// ConversationEnded decrements the concurrent-conversation counter for the
// subject. Calling it for a conversation that never started is a no-op; the
// counter is clamped at zero and never goes negative.
func (l *Limiter) ConversationEnded(ctx context.Context, subjectID, conversationID string) {
	if !ValidSubject(subjectID) {
		return
	}
	if _, errDecr := l.backend.DecrementClamped(ctx, activeConversationsKey(subjectID)); errDecr != nil {
		log.WithError(errDecr).Warn("rate limit: conversation end decrement failed")
	}
}

// GetUsageStats returns a read-only snapshot of consumption across every
// tracked operation type for the subject. Ceilings are reported against the
// strictest band because the snapshot carries no claimed age.
func (l *Limiter) GetUsageStats(ctx context.Context, subjectID string) (map[Operation]UsageStat, error) {
	if !ValidSubject(subjectID) {
		return nil, ErrInvalidSubject
	}
	ops := Operations()
	batch := make([]storage.Op, len(ops))
	for i, op := range ops {
		batch[i] = storage.Op{Kind: storage.OpGet, Key: statsKey(op, subjectID)}
	}
	results, errPipe := l.backend.Pipeline(ctx, batch)
	if errPipe != nil {
		return nil, errPipe
	}
	stats := make(map[Operation]UsageStat, len(ops))
	for i, op := range ops {
		current := 0
		if i < len(results) && results[i].Found && results[i].Err == nil {
			if parsed, errParse := strconv.Atoi(results[i].Value); errParse == nil {
				current = parsed
			}
		}
		cfg := l.resolver.Resolve(op, nil)
		remaining := cfg.MaxRequests - current
		if remaining < 0 {
			remaining = 0
		}
		usagePct := 0.0
		if cfg.MaxRequests > 0 {
			usagePct = float64(current) / float64(cfg.MaxRequests) * 100
		}
		stats[op] = UsageStat{
			CurrentRequests: current,
			MaxRequests:     cfg.MaxRequests,
			Remaining:       remaining,
			UsagePercentage: usagePct,
		}
	}
	return stats, nil
}

// ResetLimits clears counters for one operation, or every operation when op
// is nil. Administrative override for incident remediation; never exposed to
// end users.
func (l *Limiter) ResetLimits(ctx context.Context, subjectID string, op *Operation) error {
	if !ValidSubject(subjectID) {
		return ErrInvalidSubject
	}
	now := l.nowFn()
	var batch []storage.Op

	appendOpKeys := func(target Operation) {
		cfg := l.resolver.Resolve(target, nil)
		base := checkKey(target, subjectID)
		batch = append(batch,
			storage.Op{Kind: storage.OpDelete, Key: base},
			storage.Op{Kind: storage.OpDelete, Key: statsKey(target, subjectID)},
		)
		windows := []time.Duration{cfg.Window}
		if target == OpConversationMessage {
			// message admission counts against a minute-scoped window, not
			// the hourly policy window
			windows = append(windows, time.Minute)
		}
		for _, window := range windows {
			if window > 0 {
				windowStart := now.Truncate(window)
				batch = append(batch, storage.Op{Kind: storage.OpDelete, Key: fmt.Sprintf("%s:%d", base, windowStart.Unix())})
			}
		}
	}

	if op != nil {
		appendOpKeys(*op)
	} else {
		for _, target := range Operations() {
			appendOpKeys(target)
		}
		dayStart := now.Truncate(24 * time.Hour)
		batch = append(batch,
			storage.Op{Kind: storage.OpDelete, Key: cooldownKey(subjectID)},
			storage.Op{Kind: storage.OpDelete, Key: activeConversationsKey(subjectID)},
			storage.Op{Kind: storage.OpDelete, Key: incidentsKey(subjectID, now)},
			storage.Op{Kind: storage.OpDelete, Key: fmt.Sprintf("%s:conv:%d", checkKey(OpDailyUsage, subjectID), dayStart.Unix())},
		)
	}
	if _, errPipe := l.backend.Pipeline(ctx, batch); errPipe != nil {
		return fmt.Errorf("reset limits: %w", errPipe)
	}
	l.audit.Event("limits_reset", log.Fields{
		"subject_hash": audit.HashIdentifier(subjectID),
		"scope":        resetScope(op),
	})
	return nil
}

func resetScope(op *Operation) string {
	if op == nil {
		return "all"
	}
	return string(*op)
}

// HealthCheck reports backend reachability and aggregate counters for
// operational monitoring.
func (l *Limiter) HealthCheck(ctx context.Context) HealthStatus {
	status := "healthy"
	if _, _, errPing := l.backend.Get(ctx, "health:ping"); errPing != nil {
		status = "degraded"
	}
	return HealthStatus{
		Status:                status,
		BackendType:           l.backend.Name(),
		TotalRequestsObserved: l.totalRequests.Load(),
		SupportedOperations:   Operations(),
		SafetyCooldownsActive: l.cooldownsSet.Load(),
		StorageErrorsObserved: l.storageErrors.Load(),
	}
}
