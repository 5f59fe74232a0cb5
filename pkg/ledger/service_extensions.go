package ledger

import "context"

// History lists journal entries for an identity before a cutoff time.
func (service *Service) History(ctx context.Context, identity Identity, class AllotmentClass, beforeUnixUTC int64, limit int) ([]JournalEntry, error) {
	if _, err := service.getOrCreateAccount(ctx, identity, class); err != nil {
		return nil, err
	}
	if beforeUnixUTC == 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListJournal(ctx, identity.String(), beforeUnixUTC, limit)
}

// SweepExpired releases reservations that outlived the configured maximum
// age, refunding their holds. It is safe to run from multiple processes: the
// status compare-and-swap lets only one sweeper win each reservation.
func (service *Service) SweepExpired(ctx context.Context) (int, error) {
	cutoff := service.nowFn() - int64(service.cfg.MaxReservationAge.Seconds())
	expired, err := service.store.ListExpiredReservations(ctx, cutoff, defaultSweepBatchSize)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, reservation := range expired {
		if err := service.store.UpdateReservationStatus(ctx, reservation.ReservationID, ReservationStatusActive, ReservationStatusExpired); err != nil {
			// Lost the race to a settle, release, or another sweeper.
			continue
		}
		if _, err := service.refundReservation(ctx, reservation); err != nil {
			return released, err
		}
		service.appendJournal(ctx, JournalEntry{
			Identity:      reservation.Identity,
			Operation:     OperationExpire,
			Amount:        reservation.Estimate.Int64(),
			ReservationID: reservation.ReservationID,
		})
		service.logOperation(ctx, OperationLog{
			Operation: OperationExpire,
			Identity:  Identity{value: reservation.Identity},
			Amount:    reservation.Estimate,
		})
		released++
	}
	return released, nil
}
