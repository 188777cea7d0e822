package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"

	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/store"
)

type txn struct {
	tx *sqlx.Tx
}

func (t *txn) LockReference(ctx context.Context, referenceType string, referenceID string) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`, referenceType, referenceID)
	return mapError(err)
}

// LockBalances locks the rows in component order. Missing rows of known components are
// inserted first so they are locked in the same pass rather than after the others.
func (t *txn) LockBalances(ctx context.Context, componentIDs []string) (map[string]domain.StockBalance, error) {
	result := make(map[string]domain.StockBalance, len(componentIDs))
	if len(componentIDs) == 0 {
		return result, nil
	}

	ids := slices.Clone(componentIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	insert, args, err := sqlx.In(`
		INSERT INTO stock_balances (component_id, created_at, updated_at)
		SELECT id, now(), now()
		FROM components
		WHERE id IN (?)
		ORDER BY id
		ON CONFLICT (component_id) DO NOTHING
	`, ids)
	if err != nil {
		return nil, err
	}
	if _, err := t.tx.ExecContext(ctx, t.tx.Rebind(insert), args...); err != nil {
		return nil, mapError(err)
	}

	query, args, err := sqlx.In(`
		SELECT `+balanceColumns+`
		FROM stock_balances
		WHERE component_id IN (?)
		ORDER BY component_id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}

	var balances []domain.StockBalance
	if err := t.tx.SelectContext(ctx, &balances, t.tx.Rebind(query), args...); err != nil {
		return nil, mapError(err)
	}
	for _, b := range balances {
		result[b.ComponentID] = b
	}
	return result, nil
}

func (t *txn) GetOrCreateBalance(ctx context.Context, componentID string) (domain.StockBalance, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_balances (component_id, created_at, updated_at)
		VALUES ($1, now(), now())
		ON CONFLICT (component_id) DO NOTHING
	`, componentID)
	if err != nil {
		return domain.StockBalance{}, mapError(err)
	}

	var b domain.StockBalance
	err = t.tx.GetContext(ctx, &b, `
		SELECT `+balanceColumns+`
		FROM stock_balances
		WHERE component_id = $1
		FOR UPDATE
	`, componentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockBalance{}, store.ErrNotFound
		}
		return domain.StockBalance{}, mapError(err)
	}
	return b, nil
}

func (t *txn) UpdateBalance(ctx context.Context, balance domain.StockBalance) (domain.StockBalance, error) {
	var updated domain.StockBalance
	err := t.tx.GetContext(ctx, &updated, `
		UPDATE stock_balances
		SET current_stock = $3,
			reserved_stock = $4,
			reorder_level = $5,
			max_stock_level = $6,
			average_cost = $7,
			last_restocked_at = $8,
			version = version + 1,
			updated_at = now()
		WHERE component_id = $1 AND version = $2
		RETURNING `+balanceColumns,
		balance.ComponentID,
		balance.Version,
		balance.CurrentStock,
		balance.ReservedStock,
		balance.ReorderLevel,
		balance.MaxStockLevel,
		balance.AverageCost,
		balance.LastRestockedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockBalance{}, fmt.Errorf("balance %s: %w", balance.ComponentID, store.ErrConcurrencyConflict)
		}
		return domain.StockBalance{}, mapError(err)
	}
	return updated, nil
}

func (t *txn) AppendEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if entry.MovementDate.IsZero() {
		entry.MovementDate = time.Now().UTC()
	}

	rows, err := sqlx.NamedQueryContext(ctx, t.tx, `
		INSERT INTO stock_ledger (
			component_id, sellable_unit_id, movement_type, quantity, per_unit_quantity,
			stock_before, stock_after, unit_cost, total_cost, reference_type, reference_id,
			notes, movement_date, created_by, created_at
		)
		VALUES (
			:component_id, :sellable_unit_id, :movement_type, :quantity, :per_unit_quantity,
			:stock_before, :stock_after, :unit_cost, :total_cost, :reference_type, :reference_id,
			:notes, :movement_date, :created_by, now()
		)
		RETURNING id
	`, entry)
	if err != nil {
		return domain.LedgerEntry{}, mapError(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.LedgerEntry{}, mapError(err)
		}
		return domain.LedgerEntry{}, store.ErrTransactionFailure
	}
	if err := rows.Scan(&entry.ID); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

func (t *txn) ListEntriesByReference(ctx context.Context, referenceType string, referenceID string) ([]domain.LedgerEntry, error) {
	entries := make([]domain.LedgerEntry, 0, 8)
	err := t.tx.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+`
		FROM stock_ledger
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY id
	`, referenceType, referenceID)
	if err != nil {
		return nil, mapError(err)
	}
	return entries, nil
}

func (t *txn) InsertReservation(ctx context.Context, reservation domain.Reservation) (domain.Reservation, error) {
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO stock_reservations (
			reference_type, reference_id, sellable_unit_id, component_id, per_unit_quantity, quantity, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, created_at
	`,
		reservation.ReferenceType,
		reservation.ReferenceID,
		reservation.SellableUnitID,
		reservation.ComponentID,
		reservation.PerUnitQuantity,
		reservation.Quantity,
	).Scan(&reservation.ID, &reservation.CreatedAt)
	if err != nil {
		return domain.Reservation{}, mapError(err)
	}
	return reservation, nil
}

func (t *txn) ListReservations(ctx context.Context, referenceType string, referenceID string) ([]domain.Reservation, error) {
	reservations := make([]domain.Reservation, 0, 4)
	err := t.tx.SelectContext(ctx, &reservations, `
		SELECT `+reservationColumns+`
		FROM stock_reservations
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY id
	`, referenceType, referenceID)
	if err != nil {
		return nil, mapError(err)
	}
	return reservations, nil
}

func (t *txn) DeleteReservations(ctx context.Context, referenceType string, referenceID string) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM stock_reservations
		WHERE reference_type = $1 AND reference_id = $2
	`, referenceType, referenceID)
	return mapError(err)
}
