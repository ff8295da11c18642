package audit

import (
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"notepool/pool"
)

// Entry is one persisted pool event. Amounts are stored as decimal strings so
// the 1e18 scale survives the round trip.
type Entry struct {
	ID         uint      `gorm:"primaryKey"`
	PoolID     string    `gorm:"index;size:64"`
	Kind       string    `gorm:"index;size:32"`
	LoanID     uuid.UUID `gorm:"type:uuid;index"`
	Tranche    string    `gorm:"size:16"`
	Amount     string    `gorm:"size:96"`
	Detail     string    `gorm:"size:256"`
	OccurredAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// Trail persists pool events to a relational store. It implements
// pool.EventSink; recording failures are logged and swallowed so the engine is
// never blocked by the audit side.
type Trail struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates or opens the audit database at the given DSN and migrates the
// schema. Use "file::memory:?cache=shared" for an ephemeral trail.
func Open(dsn string, log *slog.Logger) (*Trail, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Trail{db: db, logger: log}, nil
}

// Record implements pool.EventSink.
func (t *Trail) Record(event pool.Event) {
	entry := Entry{
		PoolID:     event.PoolID,
		Kind:       string(event.Kind),
		LoanID:     event.LoanID,
		Tranche:    event.Tranche.String(),
		Detail:     event.Detail,
		OccurredAt: event.Timestamp,
	}
	if event.Amount != nil {
		entry.Amount = event.Amount.String()
	}
	if err := t.db.Create(&entry).Error; err != nil {
		t.logger.Error("audit record failed", "pool", event.PoolID, "kind", event.Kind, "error", err)
	}
}

// Entries returns the most recent events for a pool, newest first. A limit of
// zero returns everything.
func (t *Trail) Entries(poolID string, limit int) ([]Entry, error) {
	query := t.db.Where("pool_id = ?", poolID).Order("id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// EntriesByKind filters the trail to one event kind, newest first.
func (t *Trail) EntriesByKind(poolID string, kind pool.EventKind, limit int) ([]Entry, error) {
	query := t.db.Where("pool_id = ? AND kind = ?", poolID, string(kind)).Order("id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
