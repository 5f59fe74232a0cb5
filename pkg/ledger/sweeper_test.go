package ledger

import (
	"context"
	"testing"
	"time"
)

func TestSweepExpiredReleasesStaleReservations(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: 1000}
	store := newTestStore()
	service := mustService(test, store, clock.Now, Config{AnonymousAllotment: 100, MaxReservationAge: 30 * time.Second})
	identity := mustIdentity(test, "stale")

	handle, err := service.Reserve(context.Background(), identity, ClassAnonymous, 60, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	// Not yet expired.
	clock.Advance(10)
	released, err := service.SweepExpired(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if released != 0 {
		test.Fatalf("expected no releases before expiry, got %d", released)
	}

	clock.Advance(30)
	released, err = service.SweepExpired(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if released != 1 {
		test.Fatalf("expected one release, got %d", released)
	}
	account := store.mustAccount(test, identity.String())
	if account.FreeCredits != 100 || account.PendingCredits != 0 {
		test.Fatalf("expected hold refunded, got %+v", account)
	}

	// The swept handle is spent; a late settle must fail.
	if _, err := service.Settle(context.Background(), handle, 60, mustMetadata(test, "{}")); err == nil {
		test.Fatalf("expected settle after sweep to fail")
	}
}

func TestSweepExpiredSkipsSettledReservations(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: 500}
	store := newTestStore()
	service := mustService(test, store, clock.Now, Config{AnonymousAllotment: 100, MaxReservationAge: 5 * time.Second})
	identity := mustIdentity(test, "settled-not-swept")

	handle, err := service.Reserve(context.Background(), identity, ClassAnonymous, 20, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Settle(context.Background(), handle, 20, mustMetadata(test, "{}")); err != nil {
		test.Fatalf("settle: %v", err)
	}

	clock.Advance(60)
	released, err := service.SweepExpired(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if released != 0 {
		test.Fatalf("expected settled reservation to be left alone, got %d releases", released)
	}
}

func TestSweeperRunStopsOnCancel(test *testing.T) {
	test.Parallel()
	service := mustServiceWithConfig(test, newTestStore(), Config{MaxReservationAge: time.Minute})
	sweeper := NewSweeper(service, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		test.Fatalf("sweeper did not stop after cancel")
	}
}
