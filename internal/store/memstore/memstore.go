// Package memstore provides an in-memory Store for tests and single-process
// deployments. It enforces the same compare-and-swap discipline as the
// durable stores so the ledger behaves identically against either.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/philomenia/tokenledger/pkg/ledger"
)

// Store implements ledger.Store with mutex-guarded maps.
type Store struct {
	mu           sync.Mutex
	accounts     map[string]ledger.Account
	reservations map[string]ledger.Reservation
	journal      map[string][]ledger.JournalEntry
	events       map[string]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]ledger.Account),
		reservations: make(map[string]ledger.Reservation),
		journal:      make(map[string][]ledger.JournalEntry),
		events:       make(map[string]struct{}),
	}
}

// GetAccount returns a copy of the stored account.
func (store *Store) GetAccount(_ context.Context, identity string) (ledger.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[identity]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return account, nil
}

// CreateAccount inserts a new account record.
func (store *Store) CreateAccount(_ context.Context, account ledger.Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.accounts[account.Identity]; exists {
		return ledger.ErrAccountExists
	}
	store.accounts[account.Identity] = account
	return nil
}

// UpdateAccount applies the update only when the stored version matches.
func (store *Store) UpdateAccount(_ context.Context, account ledger.Account, expectedVersion int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	current, ok := store.accounts[account.Identity]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if current.Version != expectedVersion {
		return ledger.ErrVersionConflict
	}
	store.accounts[account.Identity] = account
	return nil
}

// CreateReservation inserts a new reservation record.
func (store *Store) CreateReservation(_ context.Context, reservation ledger.Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.reservations[reservation.ReservationID]; exists {
		return ledger.ErrReservationExists
	}
	store.reservations[reservation.ReservationID] = reservation
	return nil
}

// GetReservation returns a copy of the stored reservation.
func (store *Store) GetReservation(_ context.Context, reservationID string) (ledger.Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return ledger.Reservation{}, ledger.ErrReservationNotFound
	}
	return reservation, nil
}

// UpdateReservationStatus swaps the status only when the stored status matches from.
func (store *Store) UpdateReservationStatus(_ context.Context, reservationID string, from, to ledger.ReservationStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, ok := store.reservations[reservationID]
	if !ok || reservation.Status != from {
		return ledger.ErrReservationNotFound
	}
	reservation.Status = to
	store.reservations[reservationID] = reservation
	return nil
}

// ListExpiredReservations returns active reservations created at or before the cutoff.
func (store *Store) ListExpiredReservations(_ context.Context, cutoffUnixUTC int64, limit int) ([]ledger.Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var expired []ledger.Reservation
	for _, reservation := range store.reservations {
		if reservation.Status == ledger.ReservationStatusActive && reservation.CreatedUnixUTC <= cutoffUnixUTC {
			expired = append(expired, reservation)
		}
	}
	sort.Slice(expired, func(left, right int) bool {
		return expired[left].CreatedUnixUTC < expired[right].CreatedUnixUTC
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// AppendJournal records an audit line.
func (store *Store) AppendJournal(_ context.Context, entry ledger.JournalEntry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.journal[entry.Identity] = append(store.journal[entry.Identity], entry)
	return nil
}

// ListJournal returns entries for one identity before the cutoff, newest first.
func (store *Store) ListJournal(_ context.Context, identity string, beforeUnixUTC int64, limit int) ([]ledger.JournalEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var entries []ledger.JournalEntry
	for _, entry := range store.journal[identity] {
		if entry.CreatedUnixUTC < beforeUnixUTC {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(left, right int) bool {
		return entries[left].CreatedUnixUTC > entries[right].CreatedUnixUTC
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// MarkEventProcessed records an event id, reporting whether it was new.
func (store *Store) MarkEventProcessed(_ context.Context, eventID string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, seen := store.events[eventID]; seen {
		return false, nil
	}
	store.events[eventID] = struct{}{}
	return true, nil
}

// UnmarkEventProcessed forgets an event id so the event may be retried.
func (store *Store) UnmarkEventProcessed(_ context.Context, eventID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.events, eventID)
	return nil
}
