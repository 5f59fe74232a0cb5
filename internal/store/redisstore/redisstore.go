// Package redisstore implements ledger.Store on Redis. Account updates use
// WATCH-based optimistic transactions, which gives the same compare-and-swap
// discipline as the SQL store and works across processes sharing one Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/philomenia/tokenledger/pkg/ledger"
)

const (
	accountKeyPrefix      = "tokenledger:account:"
	reservationKeyPrefix  = "tokenledger:reservation:"
	journalKeyPrefix      = "tokenledger:journal:"
	eventKeyPrefix        = "tokenledger:event:"
	activeReservationsKey = "tokenledger:reservations:active"

	fieldClass   = "class"
	fieldFree    = "free_credits"
	fieldPaid    = "paid_credits"
	fieldPending = "pending_credits"
	fieldVersion = "version"
	fieldCreated = "created_unix_utc"
)

// Store implements ledger.Store using a Redis client.
type Store struct {
	client *redis.Client
}

// New returns a Store backed by the given client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func accountKey(identity string) string {
	return accountKeyPrefix + identity
}

func reservationKey(reservationID string) string {
	return reservationKeyPrefix + reservationID
}

func journalKey(identity string) string {
	return journalKeyPrefix + identity
}

func (store *Store) GetAccount(ctx context.Context, identity string) (ledger.Account, error) {
	values, err := store.client.HGetAll(ctx, accountKey(identity)).Result()
	if err != nil {
		return ledger.Account{}, unavailable("account", "get", err)
	}
	if len(values) == 0 {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return parseAccount(identity, values)
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	key := accountKey(account.Identity)
	err := store.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ledger.ErrAccountExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, accountFields(account))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ledger.ErrAccountExists
	}
	if errors.Is(err, ledger.ErrAccountExists) {
		return err
	}
	if err != nil {
		return unavailable("account", "create", err)
	}
	return nil
}

func (store *Store) UpdateAccount(ctx context.Context, account ledger.Account, expectedVersion int64) error {
	key := accountKey(account.Identity)
	err := store.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := tx.HGet(ctx, key, fieldVersion).Result()
		if errors.Is(err, redis.Nil) {
			return ledger.ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		version, err := strconv.ParseInt(stored, 10, 64)
		if err != nil {
			return fmt.Errorf("parse stored version: %w", err)
		}
		if version != expectedVersion {
			return ledger.ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, accountFields(account))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ledger.ErrVersionConflict
	}
	if errors.Is(err, ledger.ErrVersionConflict) || errors.Is(err, ledger.ErrAccountNotFound) {
		return err
	}
	if err != nil {
		return unavailable("account", "update", err)
	}
	return nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	payload, err := json.Marshal(reservation)
	if err != nil {
		return unavailable("reservation", "encode", err)
	}
	created, err := store.client.SetNX(ctx, reservationKey(reservation.ReservationID), payload, 0).Result()
	if err != nil {
		return unavailable("reservation", "create", err)
	}
	if !created {
		return ledger.ErrReservationExists
	}
	err = store.client.ZAdd(ctx, activeReservationsKey, redis.Z{
		Score:  float64(reservation.CreatedUnixUTC),
		Member: reservation.ReservationID,
	}).Err()
	if err != nil {
		return unavailable("reservation", "index", err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (ledger.Reservation, error) {
	payload, err := store.client.Get(ctx, reservationKey(reservationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.Reservation{}, ledger.ErrReservationNotFound
	}
	if err != nil {
		return ledger.Reservation{}, unavailable("reservation", "get", err)
	}
	var reservation ledger.Reservation
	if err := json.Unmarshal(payload, &reservation); err != nil {
		return ledger.Reservation{}, unavailable("reservation", "decode", err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from, to ledger.ReservationStatus) error {
	key := reservationKey(reservationID)
	err := store.client.Watch(ctx, func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ledger.ErrReservationNotFound
		}
		if err != nil {
			return err
		}
		var reservation ledger.Reservation
		if err := json.Unmarshal(payload, &reservation); err != nil {
			return fmt.Errorf("decode reservation: %w", err)
		}
		if reservation.Status != from {
			return ledger.ErrReservationNotFound
		}
		reservation.Status = to
		updated, err := json.Marshal(reservation)
		if err != nil {
			return fmt.Errorf("encode reservation: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			if to != ledger.ReservationStatusActive {
				pipe.ZRem(ctx, activeReservationsKey, reservationID)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ledger.ErrReservationNotFound
	}
	if errors.Is(err, ledger.ErrReservationNotFound) {
		return err
	}
	if err != nil {
		return unavailable("reservation", "update", err)
	}
	return nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, cutoffUnixUTC int64, limit int) ([]ledger.Reservation, error) {
	ids, err := store.client.ZRangeByScore(ctx, activeReservationsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoffUnixUTC, 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable("reservation", "list", err)
	}
	reservations := make([]ledger.Reservation, 0, len(ids))
	for _, reservationID := range ids {
		reservation, err := store.GetReservation(ctx, reservationID)
		if errors.Is(err, ledger.ErrReservationNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if reservation.Status != ledger.ReservationStatusActive {
			continue
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) AppendJournal(ctx context.Context, entry ledger.JournalEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return unavailable("journal", "encode", err)
	}
	err = store.client.ZAdd(ctx, journalKey(entry.Identity), redis.Z{
		Score:  float64(entry.CreatedUnixUTC),
		Member: payload,
	}).Err()
	if err != nil {
		return unavailable("journal", "append", err)
	}
	return nil
}

func (store *Store) ListJournal(ctx context.Context, identity string, beforeUnixUTC int64, limit int) ([]ledger.JournalEntry, error) {
	rows, err := store.client.ZRevRangeByScore(ctx, journalKey(identity), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(beforeUnixUTC, 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable("journal", "list", err)
	}
	entries := make([]ledger.JournalEntry, 0, len(rows))
	for _, row := range rows {
		var entry ledger.JournalEntry
		if err := json.Unmarshal([]byte(row), &entry); err != nil {
			return nil, unavailable("journal", "decode", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	created, err := store.client.SetNX(ctx, eventKeyPrefix+eventID, 1, 0).Result()
	if err != nil {
		return false, unavailable("event", "mark", err)
	}
	return created, nil
}

func (store *Store) UnmarkEventProcessed(ctx context.Context, eventID string) error {
	if err := store.client.Del(ctx, eventKeyPrefix+eventID).Err(); err != nil {
		return unavailable("event", "unmark", err)
	}
	return nil
}

func accountFields(account ledger.Account) map[string]interface{} {
	return map[string]interface{}{
		fieldClass:   account.Class.String(),
		fieldFree:    account.FreeCredits.Int64(),
		fieldPaid:    account.PaidCredits.Int64(),
		fieldPending: account.PendingCredits.Int64(),
		fieldVersion: account.Version,
		fieldCreated: account.CreatedUnixUTC,
	}
}

func parseAccount(identity string, values map[string]string) (ledger.Account, error) {
	class, err := ledger.ParseAllotmentClass(values[fieldClass])
	if err != nil {
		return ledger.Account{}, unavailable("account", "decode", err)
	}
	free, err := parseField(values, fieldFree)
	if err != nil {
		return ledger.Account{}, err
	}
	paid, err := parseField(values, fieldPaid)
	if err != nil {
		return ledger.Account{}, err
	}
	pending, err := parseField(values, fieldPending)
	if err != nil {
		return ledger.Account{}, err
	}
	version, err := parseField(values, fieldVersion)
	if err != nil {
		return ledger.Account{}, err
	}
	created, err := parseField(values, fieldCreated)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		Identity:       identity,
		Class:          class,
		FreeCredits:    ledger.Credits(free),
		PaidCredits:    ledger.Credits(paid),
		PendingCredits: ledger.Credits(pending),
		Version:        version,
		CreatedUnixUTC: created,
	}, nil
}

func parseField(values map[string]string, field string) (int64, error) {
	parsed, err := strconv.ParseInt(values[field], 10, 64)
	if err != nil {
		return 0, unavailable("account", "decode", fmt.Errorf("field %s: %w", field, err))
	}
	return parsed, nil
}

func unavailable(subject string, code string, err error) error {
	return ledger.WrapError("store", subject, code, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err))
}
