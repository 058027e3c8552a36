package indexer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tranchelend/core/events"
	"tranchelend/core/types"
)

// EventRecord is one persisted engine event. Attributes are stored as a JSON
// blob; the loan identity is lifted into its own indexed column because it is
// the dominant query key.
type EventRecord struct {
	ID         uint   `gorm:"primaryKey"`
	Type       string `gorm:"index;size:64"`
	LoanID     string `gorm:"index;size:66"`
	Attributes string
	CreatedAt  time.Time `gorm:"index"`
}

// Store persists engine events to a relational database and satisfies the
// events.Emitter interface, so it can sit directly on the engine event stream.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open connects to the configured backend and migrates the schema. Supported
// drivers are "sqlite" (embedded, pure Go) and "postgres".
func Open(driver, dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("indexer: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", driver, err)
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// wireEvent is implemented by payloads that can flatten themselves into the
// attribute map representation.
type wireEvent interface {
	Event() *types.Event
}

// Emit persists an event. Indexing is best effort: a storage failure is
// logged, never propagated back into settlement.
func (s *Store) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	wire, ok := evt.(wireEvent)
	if !ok {
		return
	}
	payload := wire.Event()
	if payload == nil {
		return
	}
	attrs, err := json.Marshal(payload.Attributes)
	if err != nil {
		s.log.Error("indexer: marshal attributes", "type", payload.Type, "err", err)
		return
	}
	record := EventRecord{
		Type:       payload.Type,
		LoanID:     loanKey(payload.Attributes),
		Attributes: string(attrs),
	}
	if err := s.db.Create(&record).Error; err != nil {
		s.log.Error("indexer: persist event", "type", payload.Type, "err", err)
	}
}

func loanKey(attrs map[string]string) string {
	if v, ok := attrs["loanId"]; ok {
		return v
	}
	return attrs["id"]
}

// Recent returns the newest events, most recent first.
func (s *Store) Recent(limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []EventRecord
	err := s.db.Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

// ByLoan returns the event history for one loan identity, oldest first.
func (s *Store) ByLoan(loanID string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []EventRecord
	err := s.db.Where("loan_id = ?", loanID).Order("id asc").Limit(limit).Find(&out).Error
	return out, err
}

// ByType returns the newest events of one type, most recent first.
func (s *Store) ByType(eventType string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []EventRecord
	err := s.db.Where("type = ?", eventType).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
