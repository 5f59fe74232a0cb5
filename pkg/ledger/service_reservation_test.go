package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestBalanceSeedsFreshAccount(test *testing.T) {
	test.Parallel()
	service := mustServiceWithConfig(test, newTestStore(), Config{AnonymousAllotment: 200, MemberAllotment: 1000, MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "u1")

	balance, err := service.Balance(context.Background(), identity, ClassMember)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.FreeCredits != 1000 || balance.PaidCredits != 0 || balance.TotalCredits != 1000 {
		test.Fatalf("unexpected seeded balance: %+v", balance)
	}

	anonymous, err := service.Balance(context.Background(), mustIdentity(test, "anon-1"), ClassAnonymous)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if anonymous.FreeCredits != 200 {
		test.Fatalf("expected anonymous allotment 200, got %d", anonymous.FreeCredits)
	}
}

func TestReserveThenSettleRefundsDifference(test *testing.T) {
	test.Parallel()
	service := mustServiceWithConfig(test, newTestStore(), Config{MemberAllotment: 1000, MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "u1")

	handle, err := service.Reserve(context.Background(), identity, ClassMember, 300, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	settlement, err := service.Settle(context.Background(), handle, 250, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if settlement.Balance.FreeCredits != 950 || settlement.Balance.PaidCredits != 0 || settlement.Balance.TotalCredits != 950 {
		test.Fatalf("unexpected balance after settle: %+v", settlement.Balance)
	}
	if settlement.Charged != 250 || settlement.Shortfall != 0 {
		test.Fatalf("unexpected settlement: %+v", settlement)
	}
}

func TestReserveDrawsFreeBeforePaid(test *testing.T) {
	test.Parallel()
	store := newTestStore()
	service := mustServiceWithConfig(test, store, Config{MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "draw-order")
	mustGrant(test, service, identity, 100, BucketFree)
	mustGrant(test, service, identity, 50, BucketPaid)

	first, err := service.Reserve(context.Background(), identity, ClassAnonymous, 30, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if first.FromFree != 30 || first.FromPaid != 0 {
		test.Fatalf("expected draw from free only, got %+v", first)
	}
	account := store.mustAccount(test, identity.String())
	if account.FreeCredits != 70 || account.PaidCredits != 50 || account.PendingCredits != 30 {
		test.Fatalf("unexpected account after first reserve: %+v", account)
	}

	second, err := service.Reserve(context.Background(), identity, ClassAnonymous, 120, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if second.FromFree != 70 || second.FromPaid != 50 {
		test.Fatalf("expected draw 70 free and 50 paid, got %+v", second)
	}
	account = store.mustAccount(test, identity.String())
	if account.FreeCredits != 0 || account.PaidCredits != 0 || account.PendingCredits != 150 {
		test.Fatalf("unexpected account after second reserve: %+v", account)
	}

	if _, err := service.Reserve(context.Background(), identity, ClassAnonymous, 1, mustMetadata(test, "{}")); !errors.Is(err, ErrInsufficientCredit) {
		test.Fatalf("expected insufficient credit, got %v", err)
	}
}

func TestReserveInsufficientCreditReportsAmounts(test *testing.T) {
	test.Parallel()
	service := mustServiceWithConfig(test, newTestStore(), Config{MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "u2")

	_, err := service.Reserve(context.Background(), identity, ClassAnonymous, 1, mustMetadata(test, "{}"))
	var insufficient *InsufficientCreditError
	if !errors.As(err, &insufficient) {
		test.Fatalf("expected InsufficientCreditError, got %v", err)
	}
	if insufficient.Available != 0 || insufficient.Requested != 1 {
		test.Fatalf("unexpected amounts: %+v", insufficient)
	}
}

func TestReserveRejectsNegativeEstimate(test *testing.T) {
	test.Parallel()
	service := mustServiceWithConfig(test, newTestStore(), Config{AnonymousAllotment: 100, MaxReservationAge: time.Minute})
	_, err := service.Reserve(context.Background(), mustIdentity(test, "negative"), ClassAnonymous, -1, mustMetadata(test, "{}"))
	if !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf("expected ErrInvalidCredits, got %v", err)
	}
}

func TestReserveZeroEstimateHoldsNothing(test *testing.T) {
	test.Parallel()
	store := newTestStore()
	service := mustServiceWithConfig(test, store, Config{AnonymousAllotment: 10, MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "zero-estimate")

	handle, err := service.Reserve(context.Background(), identity, ClassAnonymous, 0, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	settlement, err := service.Settle(context.Background(), handle, 4, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if settlement.Balance.TotalCredits != 6 || settlement.Shortfall != 0 {
		test.Fatalf("unexpected settlement: %+v", settlement)
	}
}

func TestReservePreservesTotalAcrossBuckets(test *testing.T) {
	test.Parallel()
	store := newTestStore()
	service := mustServiceWithConfig(test, store, Config{MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "conservation")
	mustGrant(test, service, identity, 80, BucketFree)
	mustGrant(test, service, identity, 40, BucketPaid)

	before := store.mustAccount(test, identity.String())
	handle, err := service.Reserve(context.Background(), identity, ClassAnonymous, 90, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	after := store.mustAccount(test, identity.String())
	sumBefore := before.FreeCredits + before.PaidCredits + before.PendingCredits
	sumAfter := after.FreeCredits + after.PaidCredits + after.PendingCredits
	if sumBefore != sumAfter {
		test.Fatalf("reserve changed conserved sum: before %d after %d", sumBefore, sumAfter)
	}

	if _, err := service.Release(context.Background(), handle, mustMetadata(test, "{}")); err != nil {
		test.Fatalf("release: %v", err)
	}
	final := store.mustAccount(test, identity.String())
	if final.PendingCredits != 0 {
		test.Fatalf("expected pending released in full, got %d", final.PendingCredits)
	}
	if final.FreeCredits != 80 || final.PaidCredits != 40 {
		test.Fatalf("expected buckets restored, got %+v", final)
	}
}

func TestSettleTwiceFailsSecondCall(test *testing.T) {
	test.Parallel()
	service := mustServiceWithConfig(test, newTestStore(), Config{AnonymousAllotment: 100, MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "double-settle")

	handle, err := service.Reserve(context.Background(), identity, ClassAnonymous, 40, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Settle(context.Background(), handle, 40, mustMetadata(test, "{}")); err != nil {
		test.Fatalf("settle: %v", err)
	}
	if _, err := service.Settle(context.Background(), handle, 40, mustMetadata(test, "{}")); !errors.Is(err, ErrReservationNotFound) {
		test.Fatalf("expected ErrReservationNotFound on second settle, got %v", err)
	}
	if _, err := service.Release(context.Background(), handle, mustMetadata(test, "{}")); !errors.Is(err, ErrReservationNotFound) {
		test.Fatalf("expected ErrReservationNotFound on release after settle, got %v", err)
	}
}

func TestReleaseRefundsInReverseDrawOrder(test *testing.T) {
	test.Parallel()
	store := newTestStore()
	service := mustServiceWithConfig(test, store, Config{MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "release-order")
	mustGrant(test, service, identity, 10, BucketFree)
	mustGrant(test, service, identity, 100, BucketPaid)

	handle, err := service.Reserve(context.Background(), identity, ClassAnonymous, 50, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if handle.FromFree != 10 || handle.FromPaid != 40 {
		test.Fatalf("unexpected draw split: %+v", handle)
	}
	balance, err := service.Release(context.Background(), handle, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("release: %v", err)
	}
	if balance.FreeCredits != 10 || balance.PaidCredits != 100 {
		test.Fatalf("expected full refund to both buckets, got %+v", balance)
	}
}

func TestSettleRefundRestoresPaidFirst(test *testing.T) {
	test.Parallel()
	service := mustServiceWithConfig(test, newTestStore(), Config{MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "refund-order")
	mustGrant(test, service, identity, 10, BucketFree)
	mustGrant(test, service, identity, 100, BucketPaid)

	handle, err := service.Reserve(context.Background(), identity, ClassAnonymous, 60, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	settlement, err := service.Settle(context.Background(), handle, 20, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	// As if 20 had been reserved from the start: 10 from free, 10 from paid.
	if settlement.Balance.FreeCredits != 0 || settlement.Balance.PaidCredits != 90 {
		test.Fatalf("unexpected balance after refund: %+v", settlement.Balance)
	}
}

func TestSettleOverageDrawsRemainingBalance(test *testing.T) {
	test.Parallel()
	service := mustServiceWithConfig(test, newTestStore(), Config{AnonymousAllotment: 100, MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "overage")

	handle, err := service.Reserve(context.Background(), identity, ClassAnonymous, 50, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	settlement, err := service.Settle(context.Background(), handle, 70, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if settlement.Balance.TotalCredits != 30 {
		test.Fatalf("expected total decrease of exactly 70, got balance %+v", settlement.Balance)
	}
	if settlement.Charged != 70 || settlement.Shortfall != 0 {
		test.Fatalf("unexpected settlement: %+v", settlement)
	}
}

func TestSettleOverageReportsShortfall(test *testing.T) {
	test.Parallel()
	service := mustServiceWithConfig(test, newTestStore(), Config{AnonymousAllotment: 60, MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "shortfall")

	handle, err := service.Reserve(context.Background(), identity, ClassAnonymous, 50, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	settlement, err := service.Settle(context.Background(), handle, 70, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if settlement.Balance.FreeCredits != 0 || settlement.Balance.PaidCredits != 0 {
		test.Fatalf("expected balance floored at zero, got %+v", settlement.Balance)
	}
	if settlement.Shortfall != 10 {
		test.Fatalf("expected shortfall 10, got %d", settlement.Shortfall)
	}
}

func TestGrantAddsToRequestedBucket(test *testing.T) {
	test.Parallel()
	service := mustServiceWithConfig(test, newTestStore(), Config{MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "u3")

	balance, err := service.Grant(context.Background(), identity, ClassMember, 2000, BucketFree, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if balance.FreeCredits != 2000 || balance.PaidCredits != 0 || balance.TotalCredits != 2000 {
		test.Fatalf("unexpected balance after free grant: %+v", balance)
	}

	balance, err = service.Grant(context.Background(), identity, ClassMember, 500, BucketPaid, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if balance.PaidCredits != 500 || balance.TotalCredits != 2500 {
		test.Fatalf("unexpected balance after paid grant: %+v", balance)
	}
}

func TestGrantRejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()
	service := mustServiceWithConfig(test, newTestStore(), Config{MaxReservationAge: time.Minute})
	_, err := service.Grant(context.Background(), mustIdentity(test, "grant-zero"), ClassAnonymous, 0, BucketFree, mustMetadata(test, "{}"))
	if !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf("expected ErrInvalidCredits, got %v", err)
	}
}

func TestConcurrentReservesAdmitExactlyOne(test *testing.T) {
	test.Parallel()
	service := mustServiceWithConfig(test, newTestStore(), Config{AnonymousAllotment: 100, MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "double-click")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, results[slot] = service.Reserve(context.Background(), identity, ClassAnonymous, 80, MetadataJSON{})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var insufficient *InsufficientCreditError
		if !errors.As(err, &insufficient) {
			test.Fatalf("expected InsufficientCreditError, got %v", err)
		}
		if insufficient.Requested != 80 || insufficient.Available != 20 {
			test.Fatalf("unexpected amounts in rejection: %+v", insufficient)
		}
	}
	if succeeded != 1 {
		test.Fatalf("expected exactly one reserve to succeed, got %d", succeeded)
	}
}

func TestHistoryListsJournalNewestFirst(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: 100}
	store := newTestStore()
	service := mustService(test, store, clock.Now, Config{AnonymousAllotment: 50, MaxReservationAge: time.Minute})
	identity := mustIdentity(test, "history")

	if _, err := service.Grant(context.Background(), identity, ClassAnonymous, 10, BucketFree, mustMetadata(test, "{}")); err != nil {
		test.Fatalf("grant: %v", err)
	}
	clock.Advance(10)
	handle, err := service.Reserve(context.Background(), identity, ClassAnonymous, 5, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	clock.Advance(10)
	if _, err := service.Settle(context.Background(), handle, 5, mustMetadata(test, "{}")); err != nil {
		test.Fatalf("settle: %v", err)
	}

	entries, err := service.History(context.Background(), identity, ClassAnonymous, 0, 10)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		test.Fatalf("expected 3 journal entries, got %d", len(entries))
	}
	if entries[0].Operation != OperationSettle || entries[2].Operation != OperationGrant {
		test.Fatalf("unexpected ordering: %+v", entries)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	validConfig := Config{MaxReservationAge: time.Minute}
	if _, err := NewService(nil, func() int64 { return 0 }, validConfig); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	if _, err := NewService(newTestStore(), nil, validConfig); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	if _, err := NewService(newTestStore(), func() int64 { return 0 }, Config{MaxReservationAge: 0}); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config on zero reservation age, got %v", err)
	}
	if _, err := NewService(newTestStore(), func() int64 { return 0 }, Config{AnonymousAllotment: -1, MaxReservationAge: time.Minute}); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config on negative allotment, got %v", err)
	}
}

// testStore mirrors the semantics the real stores implement: copy-on-read
// records, version compare-and-swap on accounts, status compare-and-swap on
// reservations. Guarded by a mutex so concurrency tests exercise real races.
type testStore struct {
	mu           sync.Mutex
	accounts     map[string]Account
	reservations map[string]Reservation
	journal      map[string][]JournalEntry
	events       map[string]struct{}

	failGet    error
	failUpdate error
	failCreate error
}

func newTestStore() *testStore {
	return &testStore{
		accounts:     make(map[string]Account),
		reservations: make(map[string]Reservation),
		journal:      make(map[string][]JournalEntry),
		events:       make(map[string]struct{}),
	}
}

func (store *testStore) GetAccount(_ context.Context, identity string) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failGet != nil {
		return Account{}, store.failGet
	}
	account, ok := store.accounts[identity]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *testStore) CreateAccount(_ context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.accounts[account.Identity]; exists {
		return ErrAccountExists
	}
	store.accounts[account.Identity] = account
	return nil
}

func (store *testStore) UpdateAccount(_ context.Context, account Account, expectedVersion int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failUpdate != nil {
		return store.failUpdate
	}
	current, ok := store.accounts[account.Identity]
	if !ok {
		return ErrAccountNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	store.accounts[account.Identity] = account
	return nil
}

func (store *testStore) CreateReservation(_ context.Context, reservation Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failCreate != nil {
		return store.failCreate
	}
	if _, exists := store.reservations[reservation.ReservationID]; exists {
		return ErrReservationExists
	}
	store.reservations[reservation.ReservationID] = reservation
	return nil
}

func (store *testStore) GetReservation(_ context.Context, reservationID string) (Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return reservation, nil
}

func (store *testStore) UpdateReservationStatus(_ context.Context, reservationID string, from, to ReservationStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, ok := store.reservations[reservationID]
	if !ok || reservation.Status != from {
		return ErrReservationNotFound
	}
	reservation.Status = to
	store.reservations[reservationID] = reservation
	return nil
}

func (store *testStore) ListExpiredReservations(_ context.Context, cutoffUnixUTC int64, limit int) ([]Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var expired []Reservation
	for _, reservation := range store.reservations {
		if reservation.Status == ReservationStatusActive && reservation.CreatedUnixUTC <= cutoffUnixUTC {
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

func (store *testStore) AppendJournal(_ context.Context, entry JournalEntry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.journal[entry.Identity] = append(store.journal[entry.Identity], entry)
	return nil
}

func (store *testStore) ListJournal(_ context.Context, identity string, beforeUnixUTC int64, limit int) ([]JournalEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var entries []JournalEntry
	for _, entry := range store.journal[identity] {
		if entry.CreatedUnixUTC < beforeUnixUTC {
			entries = append(entries, entry)
		}
	}
	sort.SliceStable(entries, func(left, right int) bool {
		return entries[left].CreatedUnixUTC > entries[right].CreatedUnixUTC
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (store *testStore) MarkEventProcessed(_ context.Context, eventID string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, seen := store.events[eventID]; seen {
		return false, nil
	}
	store.events[eventID] = struct{}{}
	return true, nil
}

func (store *testStore) UnmarkEventProcessed(_ context.Context, eventID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.events, eventID)
	return nil
}

func (store *testStore) mustAccount(test *testing.T, identity string) Account {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[identity]
	if !ok {
		test.Fatalf("account %q not found", identity)
	}
	return account
}

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (clock *fakeClock) Now() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(seconds int64) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now += seconds
}

func mustService(test *testing.T, store Store, now func() int64, cfg Config, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, now, cfg, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustServiceWithConfig(test *testing.T, store Store, cfg Config) *Service {
	test.Helper()
	return mustService(test, store, func() int64 { return time.Now().UTC().Unix() }, cfg)
}

func mustIdentity(test *testing.T, raw string) Identity {
	test.Helper()
	identity, err := NewIdentity(raw)
	if err != nil {
		test.Fatalf("identity %q: %v", raw, err)
	}
	return identity
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func mustGrant(test *testing.T, service *Service, identity Identity, amount Credits, bucket Bucket) {
	test.Helper()
	if _, err := service.Grant(context.Background(), identity, ClassAnonymous, amount, bucket, MetadataJSON{}); err != nil {
		test.Fatalf("grant %d %s: %v", amount, bucket, err)
	}
}
