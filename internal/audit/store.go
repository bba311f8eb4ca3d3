package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// IncidentRecord is a durable row for a detected threat or safety event.
// ThreatID is deterministic, so replayed detections upsert into no-ops.
type IncidentRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	ThreatID    string    `gorm:"size:64;uniqueIndex"`
	Kind        string    `gorm:"size:64;index"`
	Severity    string    `gorm:"size:16"`
	SubjectHash string    `gorm:"size:32;index"`
	Description string    `gorm:"size:512"`
	Metadata    string    `gorm:"type:text"`
	DetectedAt  time.Time `gorm:"index"`
	CreatedAt   time.Time
}

// TableName sets the incident table name.
func (IncidentRecord) TableName() string { return "audit_incidents" }

// IncidentStore persists audit incidents best-effort via GORM.
type IncidentStore struct {
	db *gorm.DB
}

// OpenIncidentStore opens the incident store for the given DSN. A postgres
// DSN selects the PostgreSQL driver, anything else is treated as a SQLite
// path.
func OpenIncidentStore(dsn string) (*IncidentStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("audit store: empty dsn")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	conn, errOpen := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if errOpen != nil {
		return nil, fmt.Errorf("audit store: open: %w", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&IncidentRecord{}); errMigrate != nil {
		return nil, fmt.Errorf("audit store: migrate: %w", errMigrate)
	}
	return &IncidentStore{db: conn}, nil
}

// NewIncidentStore wraps an existing GORM connection.
func NewIncidentStore(db *gorm.DB) *IncidentStore {
	return &IncidentStore{db: db}
}

// Record persists an incident. Persistence is best-effort: failures are
// logged and swallowed so detection never blocks the request path.
func (s *IncidentStore) Record(ctx context.Context, rec IncidentRecord) {
	if s == nil || s.db == nil {
		return
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = time.Now().UTC()
	}
	rec.CreatedAt = time.Now().UTC()
	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if errCreate := s.db.WithContext(dbCtx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "threat_id"}}, DoNothing: true}).
		Create(&rec).Error; errCreate != nil {
		log.WithError(errCreate).Warn("audit store: failed to persist incident")
	}
}

// RecordMetadata marshals metadata for an incident row. Marshal failures
// degrade to an empty payload.
func RecordMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return ""
	}
	payload, errMarshal := json.Marshal(metadata)
	if errMarshal != nil {
		return ""
	}
	return string(payload)
}

// Recent returns the most recent incidents, newest first.
func (s *IncidentStore) Recent(ctx context.Context, limit int) ([]IncidentRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit store: not initialized")
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	var rows []IncidentRecord
	if errFind := s.db.WithContext(ctx).
		Order("detected_at DESC").
		Limit(limit).
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}
