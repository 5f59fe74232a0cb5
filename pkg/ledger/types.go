package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is an integer amount of usage credits.
type Credits int64

// Int64 returns the raw credit count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewCredits validates a credit amount and ensures it is non-negative.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// NewPositiveCredits validates a credit amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Identity is the opaque key identifying a billable party.
type Identity struct {
	value string
}

// NewIdentity validates and normalizes an identity key.
func NewIdentity(raw string) (Identity, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Identity{}, fmt.Errorf("%w: empty value", ErrInvalidIdentity)
	}
	return Identity{value: trimmed}, nil
}

// String returns the normalized identity key.
func (identity Identity) String() string {
	return identity.value
}

// AllotmentClass selects the free-credit seed applied when an account is
// created on first contact. The identity resolver decides the class; the
// ledger never infers it.
type AllotmentClass string

const (
	ClassAnonymous AllotmentClass = "anonymous"
	ClassMember    AllotmentClass = "member"
)

// ParseAllotmentClass validates a raw allotment class.
func ParseAllotmentClass(raw string) (AllotmentClass, error) {
	switch AllotmentClass(raw) {
	case ClassAnonymous, ClassMember:
		return AllotmentClass(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAllotmentClass, raw)
}

// String returns the class name.
func (class AllotmentClass) String() string {
	return string(class)
}

// Bucket names a balance bucket for grants.
type Bucket string

const (
	BucketFree Bucket = "free"
	BucketPaid Bucket = "paid"
)

// ParseBucket validates a raw bucket name.
func ParseBucket(raw string) (Bucket, error) {
	switch Bucket(raw) {
	case BucketFree, BucketPaid:
		return Bucket(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBucket, raw)
}

// String returns the bucket name.
func (bucket Bucket) String() string {
	return string(bucket)
}

// MetadataJSON stores arbitrary request metadata attached to journal entries.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// Account is the stored balance record for one identity.
//
// FreeCredits and PaidCredits hold settled spendable credit; PendingCredits
// tracks provisional holds for in-flight reservations. All three stay
// non-negative through every operation. Version supports optimistic
// concurrency on updates.
type Account struct {
	Identity       string
	Class          AllotmentClass
	FreeCredits    Credits
	PaidCredits    Credits
	PendingCredits Credits
	Version        int64
	CreatedUnixUTC int64
}

// Snapshot derives the spendable view of an account. Pending holds are not
// spendable and are not included.
func (account Account) Snapshot() BalanceSnapshot {
	return BalanceSnapshot{
		FreeCredits:  account.FreeCredits,
		PaidCredits:  account.PaidCredits,
		TotalCredits: account.FreeCredits + account.PaidCredits,
	}
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusSettled  ReservationStatus = "settled"
	ReservationStatusReleased ReservationStatus = "released"
	ReservationStatusExpired  ReservationStatus = "expired"
)

// ParseReservationStatus validates a raw reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusActive, ReservationStatusSettled, ReservationStatusReleased, ReservationStatusExpired:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// String returns the status name.
func (status ReservationStatus) String() string {
	return string(status)
}

// Reservation is a provisional hold on credit for one unit of work. The
// handle returned by Reserve is consumable exactly once via Settle or
// Release; FromFree and FromPaid record the draw split so refunds restore
// the buckets in reverse draw order.
type Reservation struct {
	ReservationID  string
	Identity       string
	Estimate       Credits
	FromFree       Credits
	FromPaid       Credits
	Status         ReservationStatus
	CreatedUnixUTC int64
}

// BalanceSnapshot is a consistent read of an account's spendable credit.
type BalanceSnapshot struct {
	FreeCredits  Credits
	PaidCredits  Credits
	TotalCredits Credits
}

// Settlement reports the outcome of settling a reservation. Shortfall is the
// portion of an overage that could not be charged because the remaining
// balance was insufficient; it is a warning, not an error.
type Settlement struct {
	Balance   BalanceSnapshot
	Charged   Credits
	Shortfall Credits
}

// Operation enumerates journal entry kinds.
type Operation string

const (
	OperationGrant   Operation = "grant"
	OperationReserve Operation = "reserve"
	OperationSettle  Operation = "settle"
	OperationRelease Operation = "release"
	OperationExpire  Operation = "expire"
)

// String returns the operation name.
func (operation Operation) String() string {
	return string(operation)
}

// JournalEntry is a single immutable line in the audit journal.
type JournalEntry struct {
	EntryID        string
	Identity       string
	Operation      Operation
	Amount         int64
	ReservationID  string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service. Implementations must
// honor compare-and-swap semantics: UpdateAccount applies only when the
// stored version matches expectedVersion, and UpdateReservationStatus applies
// only when the stored status matches from. Transient backend faults wrap
// ErrStoreUnavailable.
type Store interface {
	GetAccount(ctx context.Context, identity string) (Account, error)
	CreateAccount(ctx context.Context, account Account) error
	UpdateAccount(ctx context.Context, account Account, expectedVersion int64) error
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, reservationID string, from, to ReservationStatus) error
	ListExpiredReservations(ctx context.Context, cutoffUnixUTC int64, limit int) ([]Reservation, error)
	AppendJournal(ctx context.Context, entry JournalEntry) error
	ListJournal(ctx context.Context, identity string, beforeUnixUTC int64, limit int) ([]JournalEntry, error)
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
	UnmarkEventProcessed(ctx context.Context, eventID string) error
}
