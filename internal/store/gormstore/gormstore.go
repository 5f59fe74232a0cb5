// Package gormstore implements ledger.Store on GORM, supporting SQLite and
// PostgreSQL backends behind one schema.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/philomenia/tokenledger/pkg/ledger"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectReservation = "reservation"
	errorSubjectJournal     = "journal"
	errorSubjectEvent       = "event"
	errorCodeCreate         = "create"
	errorCodeDelete         = "delete"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &Reservation{}, &JournalEntry{}, &ProcessedEvent{})
}

func (store *Store) GetAccount(ctx context.Context, identity string) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("identity = ?", identity).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, unavailable(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	model := Account{
		Identity:       account.Identity,
		Class:          account.Class.String(),
		FreeCredits:    account.FreeCredits.Int64(),
		PaidCredits:    account.PaidCredits.Int64(),
		PendingCredits: account.PendingCredits.Int64(),
		Version:        account.Version,
		CreatedAt:      time.Unix(account.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, ledger.ErrAccountExists)
	}
	if err != nil {
		return unavailable(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateAccount(ctx context.Context, account ledger.Account, expectedVersion int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("identity = ? AND version = ?", account.Identity, expectedVersion).
		Updates(map[string]interface{}{
			"free_credits":    account.FreeCredits.Int64(),
			"paid_credits":    account.PaidCredits.Int64(),
			"pending_credits": account.PendingCredits.Int64(),
			"version":         account.Version,
		})
	if result.Error != nil {
		return unavailable(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrVersionConflict)
	}
	return nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	model := Reservation{
		ReservationID: reservation.ReservationID,
		Identity:      reservation.Identity,
		Estimate:      reservation.Estimate.Int64(),
		FromFree:      reservation.FromFree.Int64(),
		FromPaid:      reservation.FromPaid.Int64(),
		Status:        reservation.Status.String(),
		CreatedAt:     time.Unix(reservation.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, ledger.ErrReservationExists)
	}
	if err != nil {
		return unavailable(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (ledger.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).Where("reservation_id = ?", reservationID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrReservationNotFound)
		}
		return ledger.Reservation{}, unavailable(errorSubjectReservation, errorCodeGet, err)
	}
	return mapReservation(model)
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from, to ledger.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return unavailable(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, ledger.ErrReservationNotFound)
	}
	return nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, cutoffUnixUTC int64, limit int) ([]ledger.Reservation, error) {
	cutoff := time.Unix(cutoffUnixUTC, 0).UTC()
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", ledger.ReservationStatusActive.String(), cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, unavailable(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]ledger.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) AppendJournal(ctx context.Context, entry ledger.JournalEntry) error {
	var reservationID *string
	if entry.ReservationID != "" {
		value := entry.ReservationID
		reservationID = &value
	}
	model := JournalEntry{
		EntryID:       entry.EntryID,
		Identity:      entry.Identity,
		Operation:     entry.Operation.String(),
		Amount:        entry.Amount,
		ReservationID: reservationID,
		Metadata:      datatypesJSON(entry.MetadataJSON),
		CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return unavailable(errorSubjectJournal, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListJournal(ctx context.Context, identity string, beforeUnixUTC int64, limit int) ([]ledger.JournalEntry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []JournalEntry
	err := store.db.WithContext(ctx).
		Where("identity = ? AND created_at < ?", identity, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, unavailable(errorSubjectJournal, errorCodeList, err)
	}
	entries := make([]ledger.JournalEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapJournalEntry(row))
	}
	return entries, nil
}

func (store *Store) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	model := ProcessedEvent{EventID: eventID, CreatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(errorSubjectEvent, errorCodeInsert, err)
	}
	return true, nil
}

func (store *Store) UnmarkEventProcessed(ctx context.Context, eventID string) error {
	err := store.db.WithContext(ctx).Where("event_id = ?", eventID).Delete(&ProcessedEvent{}).Error
	if err != nil {
		return unavailable(errorSubjectEvent, errorCodeDelete, err)
	}
	return nil
}

func mapAccount(model Account) (ledger.Account, error) {
	class, err := ledger.ParseAllotmentClass(model.Class)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	free, err := ledger.NewCredits(model.FreeCredits)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	paid, err := ledger.NewCredits(model.PaidCredits)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	pending, err := ledger.NewCredits(model.PendingCredits)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		Identity:       model.Identity,
		Class:          class,
		FreeCredits:    free,
		PaidCredits:    paid,
		PendingCredits: pending,
		Version:        model.Version,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapReservation(model Reservation) (ledger.Reservation, error) {
	status, err := ledger.ParseReservationStatus(model.Status)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return ledger.Reservation{
		ReservationID:  model.ReservationID,
		Identity:       model.Identity,
		Estimate:       ledger.Credits(model.Estimate),
		FromFree:       ledger.Credits(model.FromFree),
		FromPaid:       ledger.Credits(model.FromPaid),
		Status:         status,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapJournalEntry(model JournalEntry) ledger.JournalEntry {
	entry := ledger.JournalEntry{
		EntryID:        model.EntryID,
		Identity:       model.Identity,
		Operation:      ledger.Operation(model.Operation),
		Amount:         model.Amount,
		MetadataJSON:   string(model.Metadata),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
	if model.ReservationID != nil {
		entry.ReservationID = *model.ReservationID
	}
	return entry
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func unavailable(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err))
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
