package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

const maxSubjectLen = 128

// ValidSubject reports whether the subject identifier is well formed.
func ValidSubject(subjectID string) bool {
	if subjectID == "" || len(subjectID) > maxSubjectLen {
		return false
	}
	return !strings.ContainsAny(subjectID, " \t\n\r:")
}

// checkKey builds the counter key for an operation and subject.
func checkKey(op Operation, subjectID string) string {
	return fmt.Sprintf("%s:%s", op, subjectID)
}

// statsKey builds the rolling usage-stats key for an operation and subject.
func statsKey(op Operation, subjectID string) string {
	return fmt.Sprintf("stats:%s:%s", op, subjectID)
}

// cooldownKey builds the safety-cooldown key for a subject.
func cooldownKey(subjectID string) string {
	return "cooldown:" + subjectID
}

// activeConversationsKey builds the concurrent-conversation counter key.
func activeConversationsKey(subjectID string) string {
	return "conv_active:" + subjectID
}

// incidentsKey builds the day-scoped safety incident counter key.
func incidentsKey(subjectID string, day time.Time) string {
	return fmt.Sprintf("incidents:%s:%s", subjectID, day.UTC().Format("2006-01-02"))
}
