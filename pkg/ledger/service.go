package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config carries the ledger policy knobs.
type Config struct {
	// AnonymousAllotment seeds accounts created for anonymous identities.
	AnonymousAllotment Credits
	// MemberAllotment seeds accounts created for signed-up identities.
	MemberAllotment Credits
	// MaxReservationAge bounds how long a reservation may stay active before
	// the sweep releases it back to the balance.
	MaxReservationAge time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg Config) Validate() error {
	if cfg.AnonymousAllotment < 0 || cfg.MemberAllotment < 0 {
		return fmt.Errorf("%w: allotments must not be negative", ErrInvalidServiceConfig)
	}
	if cfg.MaxReservationAge <= 0 {
		return fmt.Errorf("%w: max reservation age must be positive", ErrInvalidServiceConfig)
	}
	return nil
}

func (cfg Config) seedFor(class AllotmentClass) Credits {
	if class == ClassMember {
		return cfg.MemberAllotment
	}
	return cfg.AnonymousAllotment
}

// Service is the sole authority over account balances. All admission
// decisions and debits go through it; collaborators never mutate balances
// directly.
type Service struct {
	store  Store
	cfg    Config
	nowFn  func() int64
	newID  func() string
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, cfg Config, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	service := &Service{store: store, cfg: cfg, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns a consistent snapshot of spendable credit, creating the
// account on first contact seeded per the identity's allotment class.
func (service *Service) Balance(ctx context.Context, identity Identity, class AllotmentClass) (BalanceSnapshot, error) {
	account, err := service.getOrCreateAccount(ctx, identity, class)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	return account.Snapshot(), nil
}

// Reserve atomically checks admission and moves estimate from the balance
// (free before paid) into the pending hold, returning a one-time handle.
// It fails with an InsufficientCreditError when spendable credit cannot
// cover the estimate; no partial reservation is ever made.
func (service *Service) Reserve(ctx context.Context, identity Identity, class AllotmentClass, estimate Credits, metadata MetadataJSON) (*Reservation, error) {
	var operationError error
	var handle *Reservation
	defer func() {
		service.logOperation(ctx, OperationLog{
			Operation: OperationReserve,
			Identity:  identity,
			Handle:    handle,
			Amount:    estimate,
			Metadata:  metadata,
			Error:     operationError,
		})
	}()
	if estimate < 0 {
		operationError = fmt.Errorf("%w: estimate must not be negative", ErrInvalidCredits)
		return nil, operationError
	}
	var fromFree, fromPaid Credits
	account, operationError := service.mutateAccount(ctx, identity, class, func(account *Account) error {
		available := account.FreeCredits + account.PaidCredits
		if available < estimate {
			return &InsufficientCreditError{Available: available, Requested: estimate}
		}
		fromFree = minCredits(account.FreeCredits, estimate)
		fromPaid = estimate - fromFree
		account.FreeCredits -= fromFree
		account.PaidCredits -= fromPaid
		account.PendingCredits += estimate
		return nil
	})
	if operationError != nil {
		return nil, operationError
	}
	reservation := Reservation{
		ReservationID:  service.newID(),
		Identity:       identity.String(),
		Estimate:       estimate,
		FromFree:       fromFree,
		FromPaid:       fromPaid,
		Status:         ReservationStatusActive,
		CreatedUnixUTC: service.nowFn(),
	}
	if operationError = service.store.CreateReservation(ctx, reservation); operationError != nil {
		// Undo the hold so the failed reserve leaves no trace.
		_, undoErr := service.mutateAccount(ctx, identity, account.Class, func(account *Account) error {
			account.FreeCredits += fromFree
			account.PaidCredits += fromPaid
			account.PendingCredits -= estimate
			return nil
		})
		if undoErr != nil {
			operationError = errors.Join(operationError, undoErr)
		}
		return nil, operationError
	}
	service.appendJournal(ctx, JournalEntry{
		Identity:      identity.String(),
		Operation:     OperationReserve,
		Amount:        estimate.Int64(),
		ReservationID: reservation.ReservationID,
		MetadataJSON:  metadata.String(),
	})
	handle = &reservation
	return handle, nil
}

// Settle finalizes a reservation with the actual cost of completed work.
//
// When actual is at or below the estimate, the difference is refunded in
// reverse draw order (paid first), leaving the account as if the correct
// amount had been reserved from the start. When actual exceeds the estimate,
// the overage is drawn from the remaining balance (free before paid); any
// part that cannot be covered is reported as Shortfall rather than failing
// the completed work. The handle is consumed either way.
func (service *Service) Settle(ctx context.Context, handle *Reservation, actual Credits, metadata MetadataJSON) (Settlement, error) {
	var operationError error
	defer func() {
		entry := OperationLog{
			Operation: OperationSettle,
			Handle:    handle,
			Amount:    actual,
			Metadata:  metadata,
			Error:     operationError,
		}
		if handle != nil {
			entry.Identity = Identity{value: handle.Identity}
		}
		service.logOperation(ctx, entry)
	}()
	if actual < 0 {
		operationError = fmt.Errorf("%w: actual cost must not be negative", ErrInvalidCredits)
		return Settlement{}, operationError
	}
	reservation, operationError := service.consumeReservation(ctx, handle, ReservationStatusSettled)
	if operationError != nil {
		return Settlement{}, operationError
	}
	var shortfall Credits
	account, operationError := service.mutateExistingAccount(ctx, reservation.Identity, func(account *Account) error {
		shortfall = applySettlement(account, reservation, actual)
		return nil
	})
	if operationError != nil {
		return Settlement{}, operationError
	}
	service.appendJournal(ctx, JournalEntry{
		Identity:      reservation.Identity,
		Operation:     OperationSettle,
		Amount:        actual.Int64(),
		ReservationID: reservation.ReservationID,
		MetadataJSON:  metadata.String(),
	})
	return Settlement{
		Balance:   account.Snapshot(),
		Charged:   actual,
		Shortfall: shortfall,
	}, nil
}

// Release cancels a reservation, refunding the full estimate in reverse draw
// order. Used when the work executor fails or the request is abandoned before
// a chargeable result exists. The handle is consumed.
func (service *Service) Release(ctx context.Context, handle *Reservation, metadata MetadataJSON) (BalanceSnapshot, error) {
	var operationError error
	defer func() {
		entry := OperationLog{
			Operation: OperationRelease,
			Handle:    handle,
			Metadata:  metadata,
			Error:     operationError,
		}
		if handle != nil {
			entry.Identity = Identity{value: handle.Identity}
			entry.Amount = handle.Estimate
		}
		service.logOperation(ctx, entry)
	}()
	reservation, operationError := service.consumeReservation(ctx, handle, ReservationStatusReleased)
	if operationError != nil {
		return BalanceSnapshot{}, operationError
	}
	account, operationError := service.refundReservation(ctx, reservation)
	if operationError != nil {
		return BalanceSnapshot{}, operationError
	}
	service.appendJournal(ctx, JournalEntry{
		Identity:      reservation.Identity,
		Operation:     OperationRelease,
		Amount:        reservation.Estimate.Int64(),
		ReservationID: reservation.ReservationID,
		MetadataJSON:  metadata.String(),
	})
	return account.Snapshot(), nil
}

// Grant adds credit to one bucket. Strictly additive; repeated calls add
// credit each time, so event deduplication belongs to the caller.
func (service *Service) Grant(ctx context.Context, identity Identity, class AllotmentClass, amount Credits, bucket Bucket, metadata MetadataJSON) (BalanceSnapshot, error) {
	var operationError error
	defer func() {
		service.logOperation(ctx, OperationLog{
			Operation: OperationGrant,
			Identity:  identity,
			Amount:    amount,
			Metadata:  metadata,
			Error:     operationError,
		})
	}()
	if amount <= 0 {
		operationError = fmt.Errorf("%w: grant amount must be greater than zero", ErrInvalidCredits)
		return BalanceSnapshot{}, operationError
	}
	account, operationError := service.mutateAccount(ctx, identity, class, func(account *Account) error {
		switch bucket {
		case BucketFree:
			account.FreeCredits += amount
		case BucketPaid:
			account.PaidCredits += amount
		default:
			return fmt.Errorf("%w: %q", ErrInvalidBucket, bucket)
		}
		return nil
	})
	if operationError != nil {
		return BalanceSnapshot{}, operationError
	}
	service.appendJournal(ctx, JournalEntry{
		Identity:     identity.String(),
		Operation:    OperationGrant,
		Amount:       amount.Int64(),
		MetadataJSON: metadata.String(),
	})
	return account.Snapshot(), nil
}

// consumeReservation performs the one-time consumption of a handle via a
// status compare-and-swap. Exactly one of any concurrent Settle/Release calls
// on the same handle wins; the rest observe ErrReservationNotFound.
func (service *Service) consumeReservation(ctx context.Context, handle *Reservation, to ReservationStatus) (Reservation, error) {
	if handle == nil {
		return Reservation{}, WrapError(errorOperationService, errorSubjectHandle, errorCodeConsumed, ErrReservationNotFound)
	}
	reservation, err := service.store.GetReservation(ctx, handle.ReservationID)
	if err != nil {
		return Reservation{}, err
	}
	if reservation.Status != ReservationStatusActive {
		return Reservation{}, WrapError(errorOperationService, errorSubjectHandle, errorCodeConsumed, ErrReservationNotFound)
	}
	if err := service.store.UpdateReservationStatus(ctx, handle.ReservationID, ReservationStatusActive, to); err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			return Reservation{}, WrapError(errorOperationService, errorSubjectHandle, errorCodeConsumed, ErrReservationNotFound)
		}
		return Reservation{}, err
	}
	return reservation, nil
}

func (service *Service) refundReservation(ctx context.Context, reservation Reservation) (Account, error) {
	return service.mutateExistingAccount(ctx, reservation.Identity, func(account *Account) error {
		account.FreeCredits += reservation.FromFree
		account.PaidCredits += reservation.FromPaid
		account.PendingCredits -= reservation.Estimate
		return nil
	})
}

// applySettlement releases the hold and charges the actual cost against the
// account, returning the uncovered shortfall (zero in the common case).
func applySettlement(account *Account, reservation Reservation, actual Credits) Credits {
	account.PendingCredits -= reservation.Estimate
	if actual <= reservation.Estimate {
		refund := reservation.Estimate - actual
		refundPaid := minCredits(refund, reservation.FromPaid)
		refundFree := refund - refundPaid
		account.PaidCredits += refundPaid
		account.FreeCredits += refundFree
		return 0
	}
	overage := actual - reservation.Estimate
	drawFree := minCredits(account.FreeCredits, overage)
	drawPaid := minCredits(account.PaidCredits, overage-drawFree)
	account.FreeCredits -= drawFree
	account.PaidCredits -= drawPaid
	return overage - drawFree - drawPaid
}

// mutateAccount runs a read-modify-write loop with optimistic concurrency,
// creating the account (seeded per class) when it does not exist yet.
func (service *Service) mutateAccount(ctx context.Context, identity Identity, class AllotmentClass, fn func(*Account) error) (Account, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		account, err := service.store.GetAccount(ctx, identity.String())
		if errors.Is(err, ErrAccountNotFound) {
			if createErr := service.store.CreateAccount(ctx, service.seedAccount(identity, class)); createErr != nil && !errors.Is(createErr, ErrAccountExists) {
				return Account{}, createErr
			}
			continue
		}
		if err != nil {
			return Account{}, err
		}
		updated := account
		if err := fn(&updated); err != nil {
			return Account{}, err
		}
		updated.Version = account.Version + 1
		err = service.store.UpdateAccount(ctx, updated, account.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Account{}, err
		}
		return updated, nil
	}
	return Account{}, WrapError(errorOperationService, errorSubjectAccount, errorCodeContention, ErrStoreUnavailable)
}

// mutateExistingAccount is mutateAccount without lazy creation; the account
// must already exist (it was created when the reservation was taken).
func (service *Service) mutateExistingAccount(ctx context.Context, identity string, fn func(*Account) error) (Account, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		account, err := service.store.GetAccount(ctx, identity)
		if err != nil {
			return Account{}, err
		}
		updated := account
		if err := fn(&updated); err != nil {
			return Account{}, err
		}
		updated.Version = account.Version + 1
		err = service.store.UpdateAccount(ctx, updated, account.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Account{}, err
		}
		return updated, nil
	}
	return Account{}, WrapError(errorOperationService, errorSubjectAccount, errorCodeContention, ErrStoreUnavailable)
}

func (service *Service) getOrCreateAccount(ctx context.Context, identity Identity, class AllotmentClass) (Account, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		account, err := service.store.GetAccount(ctx, identity.String())
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return Account{}, err
		}
		seeded := service.seedAccount(identity, class)
		createErr := service.store.CreateAccount(ctx, seeded)
		if createErr == nil {
			return seeded, nil
		}
		if !errors.Is(createErr, ErrAccountExists) {
			return Account{}, createErr
		}
	}
	return Account{}, WrapError(errorOperationService, errorSubjectAccount, errorCodeContention, ErrStoreUnavailable)
}

func (service *Service) seedAccount(identity Identity, class AllotmentClass) Account {
	return Account{
		Identity:       identity.String(),
		Class:          class,
		FreeCredits:    service.cfg.seedFor(class),
		Version:        1,
		CreatedUnixUTC: service.nowFn(),
	}
}

// appendJournal records an audit line. The balance change has already been
// committed at this point, so a journal failure is reported through the
// operation logger instead of failing the request.
func (service *Service) appendJournal(ctx context.Context, entry JournalEntry) {
	entry.EntryID = service.newID()
	entry.CreatedUnixUTC = service.nowFn()
	if entry.MetadataJSON == "" {
		entry.MetadataJSON = "{}"
	}
	if err := service.store.AppendJournal(ctx, entry); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: entry.Operation,
			Identity:  Identity{value: entry.Identity},
			Status:    operationStatusError,
			Error:     err,
		})
	}
}

func minCredits(left, right Credits) Credits {
	if left < right {
		return left
	}
	return right
}
