package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/store"
)

// memTx stages every write and applies it under the store mutex on commit. Row locks on
// the touched components are held from first access until the transaction ends.
type memTx struct {
	store *Store
	held  map[string]chan struct{}

	balances     map[string]domain.StockBalance
	entries      []domain.LedgerEntry
	reservations []domain.Reservation
	deleted      map[string]struct{}
}

func reservationKey(referenceType string, referenceID string) string {
	return referenceType + "\x00" + referenceID
}

// referenceLockKey cannot collide with a component id; ids never contain NUL.
func referenceLockKey(referenceType string, referenceID string) string {
	return "\x00ref\x00" + reservationKey(referenceType, referenceID)
}

func (tx *memTx) lock(ctx context.Context, ids []string) error {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	for _, id := range sorted {
		if err := tx.acquire(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memTx) acquire(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	lock := tx.store.rowLock(key)
	select {
	case lock <- struct{}{}:
		tx.held[key] = lock
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lock %q: %w: %v", key, store.ErrConcurrencyConflict, ctx.Err())
	}
}

func (tx *memTx) LockReference(ctx context.Context, referenceType string, referenceID string) error {
	return tx.acquire(ctx, referenceLockKey(referenceType, referenceID))
}

func (tx *memTx) release() {
	for id, lock := range tx.held {
		<-lock
		delete(tx.held, id)
	}
}

func (tx *memTx) current(id string) (domain.StockBalance, bool) {
	if b, ok := tx.balances[id]; ok {
		return b, true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	b, ok := tx.store.balances[id]
	return cloneBalance(b), ok
}

func (tx *memTx) LockBalances(ctx context.Context, componentIDs []string) (map[string]domain.StockBalance, error) {
	if err := tx.lock(ctx, componentIDs); err != nil {
		return nil, err
	}

	result := make(map[string]domain.StockBalance, len(componentIDs))
	for _, id := range componentIDs {
		if b, ok := tx.current(id); ok {
			result[id] = b
		}
	}
	return result, nil
}

func (tx *memTx) GetOrCreateBalance(ctx context.Context, componentID string) (domain.StockBalance, error) {
	if err := tx.lock(ctx, []string{componentID}); err != nil {
		return domain.StockBalance{}, err
	}
	if b, ok := tx.current(componentID); ok {
		return b, nil
	}

	tx.store.mu.RLock()
	_, known := tx.store.components[componentID]
	tx.store.mu.RUnlock()
	if !known {
		return domain.StockBalance{}, fmt.Errorf("component %s: %w", componentID, store.ErrNotFound)
	}

	now := time.Now().UTC()
	b := domain.StockBalance{
		ComponentID: componentID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx.balances[componentID] = b
	return b, nil
}

func (tx *memTx) UpdateBalance(_ context.Context, balance domain.StockBalance) (domain.StockBalance, error) {
	if _, ok := tx.held[balance.ComponentID]; !ok {
		return domain.StockBalance{}, fmt.Errorf("balance %s not locked: %w", balance.ComponentID, store.ErrInvalidTransaction)
	}
	existing, ok := tx.current(balance.ComponentID)
	if !ok {
		return domain.StockBalance{}, fmt.Errorf("balance %s: %w", balance.ComponentID, store.ErrNotFound)
	}
	if existing.Version != balance.Version {
		return domain.StockBalance{}, fmt.Errorf("balance %s: %w", balance.ComponentID, store.ErrConcurrencyConflict)
	}

	balance.Version++
	balance.CreatedAt = existing.CreatedAt
	balance.UpdatedAt = time.Now().UTC()
	tx.balances[balance.ComponentID] = balance
	return cloneBalance(balance), nil
}

func (tx *memTx) AppendEntry(_ context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if _, ok := tx.held[entry.ComponentID]; !ok {
		return domain.LedgerEntry{}, fmt.Errorf("balance %s not locked: %w", entry.ComponentID, store.ErrInvalidTransaction)
	}
	if entry.MovementDate.IsZero() {
		entry.MovementDate = time.Now().UTC()
	}
	entry.ID = tx.store.nextEntryID.Add(1)
	tx.entries = append(tx.entries, entry)
	return entry, nil
}

func (tx *memTx) ListEntriesByReference(_ context.Context, referenceType string, referenceID string) ([]domain.LedgerEntry, error) {
	tx.store.mu.RLock()
	entries := make([]domain.LedgerEntry, 0, 8)
	for _, e := range tx.store.ledger {
		if e.ReferenceType == referenceType && e.ReferenceID == referenceID {
			entries = append(entries, e)
		}
	}
	tx.store.mu.RUnlock()

	for _, e := range tx.entries {
		if e.ReferenceType == referenceType && e.ReferenceID == referenceID {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b domain.LedgerEntry) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return entries, nil
}

func (tx *memTx) InsertReservation(_ context.Context, reservation domain.Reservation) (domain.Reservation, error) {
	if _, ok := tx.held[reservation.ComponentID]; !ok {
		return domain.Reservation{}, fmt.Errorf("balance %s not locked: %w", reservation.ComponentID, store.ErrInvalidTransaction)
	}
	reservation.ID = tx.store.nextReservationID.Add(1)
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = time.Now().UTC()
	}
	tx.reservations = append(tx.reservations, reservation)
	return reservation, nil
}

func (tx *memTx) ListReservations(_ context.Context, referenceType string, referenceID string) ([]domain.Reservation, error) {
	result := make([]domain.Reservation, 0, 4)
	key := reservationKey(referenceType, referenceID)
	if _, gone := tx.deleted[key]; !gone {
		tx.store.mu.RLock()
		for _, r := range tx.store.reservations {
			if r.ReferenceType == referenceType && r.ReferenceID == referenceID {
				result = append(result, r)
			}
		}
		tx.store.mu.RUnlock()
	}
	for _, r := range tx.reservations {
		if r.ReferenceType == referenceType && r.ReferenceID == referenceID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (tx *memTx) DeleteReservations(_ context.Context, referenceType string, referenceID string) error {
	tx.deleted[reservationKey(referenceType, referenceID)] = struct{}{}
	kept := tx.reservations[:0]
	for _, r := range tx.reservations {
		if r.ReferenceType == referenceType && r.ReferenceID == referenceID {
			continue
		}
		kept = append(kept, r)
	}
	tx.reservations = kept
	return nil
}

func (tx *memTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, b := range tx.balances {
		s.balances[id] = b
	}
	s.ledger = append(s.ledger, tx.entries...)

	if len(tx.deleted) > 0 {
		kept := s.reservations[:0]
		for _, r := range s.reservations {
			if _, gone := tx.deleted[reservationKey(r.ReferenceType, r.ReferenceID)]; gone {
				continue
			}
			kept = append(kept, r)
		}
		s.reservations = kept
	}
	s.reservations = append(s.reservations, tx.reservations...)
}
