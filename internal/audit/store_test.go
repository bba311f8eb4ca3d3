package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *IncidentStore {
	t.Helper()
	store, errOpen := OpenIncidentStore(filepath.Join(t.TempDir(), "audit.db"))
	if errOpen != nil {
		t.Fatalf("expected no error, got %v", errOpen)
	}
	return store
}

func TestIncidentStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	detected := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store.Record(ctx, IncidentRecord{
		ThreatID:    "threat-1",
		Kind:        "content_injection_attempt",
		Severity:    "high",
		SubjectHash: HashIdentifier("child-1"),
		Description: "injection patterns detected",
		Metadata:    RecordMetadata(map[string]any{"content_length": 24}),
		DetectedAt:  detected,
	})

	rows, errRecent := store.Recent(ctx, 10)
	if errRecent != nil {
		t.Fatalf("expected no error, got %v", errRecent)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].ThreatID != "threat-1" || rows[0].Severity != "high" {
		t.Fatalf("expected persisted incident, got %+v", rows[0])
	}
	if rows[0].Metadata == "" {
		t.Fatalf("expected metadata payload")
	}
}

func TestIncidentStoreDeduplicatesThreatID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		store.Record(ctx, IncidentRecord{ThreatID: "threat-2", Kind: "brute_force_attack", Severity: "high"})
	}
	rows, errRecent := store.Recent(ctx, 10)
	if errRecent != nil {
		t.Fatalf("expected no error, got %v", errRecent)
	}
	if len(rows) != 1 {
		t.Fatalf("expected replayed detections to dedupe, got %d rows", len(rows))
	}
}

func TestIncidentStoreNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		store.Record(ctx, IncidentRecord{
			ThreatID:   HashIdentifier(string(rune('a' + i))),
			Kind:       "safety_incident",
			DetectedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	rows, errRecent := store.Recent(ctx, 2)
	if errRecent != nil {
		t.Fatalf("expected no error, got %v", errRecent)
	}
	if len(rows) != 2 {
		t.Fatalf("expected limit applied, got %d rows", len(rows))
	}
	if !rows[0].DetectedAt.After(rows[1].DetectedAt) {
		t.Fatalf("expected newest first, got %v then %v", rows[0].DetectedAt, rows[1].DetectedAt)
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var store *IncidentStore
	store.Record(context.Background(), IncidentRecord{ThreatID: "x"})
	if _, errRecent := store.Recent(context.Background(), 5); errRecent == nil {
		t.Fatalf("expected error from uninitialized store")
	}
}

func TestRecordMetadata(t *testing.T) {
	if RecordMetadata(nil) != "" {
		t.Fatalf("expected empty payload for nil metadata")
	}
	payload := RecordMetadata(map[string]any{"k": "v"})
	if payload != `{"k":"v"}` {
		t.Fatalf("expected marshaled metadata, got %q", payload)
	}
}
