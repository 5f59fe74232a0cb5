package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account mirrors the accounts table.
type Account struct {
	Identity       string    `gorm:"primaryKey"`
	Class          string    `gorm:"not null"`
	FreeCredits    int64     `gorm:"not null"`
	PaidCredits    int64     `gorm:"not null"`
	PendingCredits int64     `gorm:"not null"`
	Version        int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Reservation mirrors the reservations table.
type Reservation struct {
	ReservationID string    `gorm:"primaryKey"`
	Identity      string    `gorm:"not null;index:idx_reservations_identity"`
	Estimate      int64     `gorm:"not null"`
	FromFree      int64     `gorm:"not null"`
	FromPaid      int64     `gorm:"not null"`
	Status        string    `gorm:"not null;index:idx_reservations_status_created,priority:1"`
	CreatedAt     time.Time `gorm:"not null;index:idx_reservations_status_created,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// JournalEntry mirrors the journal_entries table.
type JournalEntry struct {
	EntryID       string         `gorm:"type:uuid;primaryKey"`
	Identity      string         `gorm:"not null;index:idx_journal_identity_created,priority:1"`
	Operation     string         `gorm:"not null"`
	Amount        int64          `gorm:"not null"`
	ReservationID *string        `gorm:""`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_journal_identity_created,priority:2"`
}

func (JournalEntry) TableName() string { return "journal_entries" }

func (entry *JournalEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// ProcessedEvent records webhook event ids for caller-side idempotency.
type ProcessedEvent struct {
	EventID   string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }
