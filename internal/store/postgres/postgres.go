package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/store"
)

//go:embed schema.sql
var schema string

const (
	componentColumns = `id, name, unit, kind, usable_dine_in, usable_takeaway, active`
	unitColumns      = `id, name, recipe_model, stock_component_id, active`
	lineColumns      = `sellable_unit_id, component_id, quantity_per_unit, essential, cost_per_unit, notes, position`
	balanceColumns   = `component_id, current_stock, reserved_stock, reorder_level, max_stock_level,
		average_cost, last_restocked_at, version, created_at, updated_at`
	entryColumns = `id, component_id, sellable_unit_id, movement_type, quantity, per_unit_quantity,
		stock_before, stock_after, unit_cost, total_cost, reference_type, reference_id, notes,
		movement_date, created_by`
	reservationColumns = `id, reference_type, reference_id, sellable_unit_id, component_id, per_unit_quantity, quantity, created_at`
)

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the ledger tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetComponent(ctx context.Context, id string) (*domain.Component, error) {
	var c domain.Component
	err := s.db.GetContext(ctx, &c, `SELECT `+componentColumns+` FROM components WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetComponents(ctx context.Context, ids []string) (map[string]domain.Component, error) {
	result := make(map[string]domain.Component, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`SELECT `+componentColumns+` FROM components WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var components []domain.Component
	if err := s.db.SelectContext(ctx, &components, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, c := range components {
		result[c.ID] = c
	}
	return result, nil
}

func (s *Store) ListComponents(ctx context.Context) ([]domain.Component, error) {
	components := make([]domain.Component, 0, 64)
	err := s.db.SelectContext(ctx, &components, `SELECT `+componentColumns+` FROM components ORDER BY id`)
	return components, err
}

func (s *Store) SaveComponent(ctx context.Context, component domain.Component) error {
	component.ID = strings.TrimSpace(component.ID)
	if component.ID == "" || strings.TrimSpace(component.Name) == "" {
		return store.ErrInvalidTransaction
	}
	if component.Kind == "" {
		component.Kind = domain.ComponentKindItem
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO components (id, name, unit, kind, usable_dine_in, usable_takeaway, active, created_at, updated_at)
		VALUES (:id, :name, :unit, :kind, :usable_dine_in, :usable_takeaway, :active, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			unit = EXCLUDED.unit,
			kind = EXCLUDED.kind,
			usable_dine_in = EXCLUDED.usable_dine_in,
			usable_takeaway = EXCLUDED.usable_takeaway,
			active = EXCLUDED.active,
			updated_at = now()
	`, component)
	return mapError(err)
}

func (s *Store) GetSellableUnit(ctx context.Context, id string) (*domain.SellableUnit, error) {
	var u domain.SellableUnit
	err := s.db.GetContext(ctx, &u, `SELECT `+unitColumns+` FROM sellable_units WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) SaveSellableUnit(ctx context.Context, unit domain.SellableUnit) error {
	unit.ID = strings.TrimSpace(unit.ID)
	if unit.ID == "" || strings.TrimSpace(unit.Name) == "" {
		return store.ErrInvalidTransaction
	}
	if unit.RecipeModel == "" {
		unit.RecipeModel = domain.RecipeModelItems
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sellable_units (id, name, recipe_model, stock_component_id, active, created_at, updated_at)
		VALUES (:id, :name, :recipe_model, :stock_component_id, :active, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			recipe_model = EXCLUDED.recipe_model,
			stock_component_id = EXCLUDED.stock_component_id,
			active = EXCLUDED.active,
			updated_at = now()
	`, unit)
	return mapError(err)
}

func (s *Store) ListProductItems(ctx context.Context, unitID string) ([]domain.BOMLine, error) {
	return s.listLines(ctx, "product_items", unitID)
}

func (s *Store) ListCompositions(ctx context.Context, unitID string) ([]domain.BOMLine, error) {
	return s.listLines(ctx, "product_compositions", unitID)
}

func (s *Store) listLines(ctx context.Context, table string, unitID string) ([]domain.BOMLine, error) {
	lines := make([]domain.BOMLine, 0, 8)
	err := s.db.SelectContext(ctx, &lines, `
		SELECT `+lineColumns+`
		FROM `+table+`
		WHERE sellable_unit_id = $1
		ORDER BY position, component_id
	`, unitID)
	return lines, err
}

func (s *Store) ReplaceProductItems(ctx context.Context, unitID string, lines []domain.BOMLine) error {
	return s.replaceLines(ctx, "product_items", unitID, lines)
}

func (s *Store) ReplaceCompositions(ctx context.Context, unitID string, lines []domain.BOMLine) error {
	return s.replaceLines(ctx, "product_compositions", unitID, lines)
}

func (s *Store) replaceLines(ctx context.Context, table string, unitID string, lines []domain.BOMLine) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM sellable_units WHERE id = $1)`, unitID); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE sellable_unit_id = $1`, unitID); err != nil {
		return err
	}
	for _, line := range lines {
		line.SellableUnitID = unitID
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO `+table+` (`+lineColumns+`)
			VALUES (:sellable_unit_id, :component_id, :quantity_per_unit, :essential, :cost_per_unit, :notes, :position)
		`, line)
		if err != nil {
			return mapError(err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetBalances(ctx context.Context, componentIDs []string) (map[string]domain.StockBalance, error) {
	result := make(map[string]domain.StockBalance, len(componentIDs))
	if len(componentIDs) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`SELECT `+balanceColumns+` FROM stock_balances WHERE component_id IN (?)`, componentIDs)
	if err != nil {
		return nil, err
	}
	var balances []domain.StockBalance
	if err := s.db.SelectContext(ctx, &balances, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, b := range balances {
		result[b.ComponentID] = b
	}
	return result, nil
}

func (s *Store) ListBalances(ctx context.Context) ([]domain.StockBalance, error) {
	balances := make([]domain.StockBalance, 0, 64)
	err := s.db.SelectContext(ctx, &balances, `SELECT `+balanceColumns+` FROM stock_balances ORDER BY component_id`)
	return balances, err
}

func (s *Store) SetStockLevels(ctx context.Context, componentID string, reorderLevel decimal.Decimal, maxStockLevel decimal.Decimal) error {
	if reorderLevel.IsNegative() || maxStockLevel.IsNegative() {
		return store.ErrInvalidTransaction
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_balances (component_id, reorder_level, max_stock_level, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (component_id) DO UPDATE
		SET reorder_level = EXCLUDED.reorder_level,
			max_stock_level = EXCLUDED.max_stock_level,
			version = stock_balances.version + 1,
			updated_at = now()
	`, componentID, reorderLevel, maxStockLevel)
	return mapError(err)
}

func (s *Store) ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error) {
	conditions := []string{}
	args := map[string]interface{}{}

	if filter.ComponentID != "" {
		conditions = append(conditions, "component_id = :component_id")
		args["component_id"] = filter.ComponentID
	}
	if filter.ReferenceType != "" {
		conditions = append(conditions, "reference_type = :reference_type")
		args["reference_type"] = filter.ReferenceType
	}
	if filter.ReferenceID != "" {
		conditions = append(conditions, "reference_id = :reference_id")
		args["reference_id"] = filter.ReferenceID
	}
	if filter.Type != "" {
		conditions = append(conditions, "movement_type = :movement_type")
		args["movement_type"] = string(filter.Type)
	}
	if filter.PurchasesOnly {
		conditions = append(conditions, "movement_type = 'in' AND sellable_unit_id = ''")
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "movement_date >= :from")
		args["from"] = filter.From
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "movement_date <= :to")
		args["to"] = filter.To
	}

	query := `SELECT ` + entryColumns + ` FROM stock_ledger`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY movement_date DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	named, namedArgs, err := sqlx.Named(query, args)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.LedgerEntry, 0, 64)
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(named), namedArgs...); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) LedgerTotals(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT component_id,
			COALESCE(SUM(
				CASE
					WHEN movement_type = 'in' THEN quantity
					WHEN movement_type = 'out' THEN -quantity
					WHEN stock_after < stock_before THEN -quantity
					ELSE quantity
				END
			), 0) AS total
		FROM stock_ledger
		GROUP BY component_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]decimal.Decimal, 64)
	for rows.Next() {
		var (
			componentID string
			total       decimal.Decimal
		)
		if err := rows.Scan(&componentID, &total); err != nil {
			return nil, err
		}
		totals[componentID] = total
	}
	return totals, rows.Err()
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrTransactionFailure, err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(ctx, &txn{tx: pgTx}); err != nil {
		return mapError(err)
	}
	if err := pgTx.Commit(); err != nil {
		if mapped := mapError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("%w: %v", store.ErrTransactionFailure, err)
	}
	return nil
}

// mapError folds driver errors into store sentinels. Lock timeouts, deadlocks and
// serialization failures are all reported as retryable conflicts.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %s", store.ErrConcurrencyConflict, pgErr.Message)
	case "23503":
		return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.Detail)
	case "23505", "23514":
		return fmt.Errorf("%w: %s", store.ErrInvalidTransaction, pgErr.Message)
	default:
		return err
	}
}
