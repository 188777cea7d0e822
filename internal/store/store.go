package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"kasirinaja/stockledger/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrNegativeStock      = errors.New("negative stock")
	// ErrConcurrencyConflict is returned when a stock row changed under a writer; the whole
	// operation may be retried.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrTransactionFailure  = errors.New("transaction failure")
)

// IsRetryable reports whether err is transient and the whole operation can be run again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

type Catalog interface {
	GetComponent(ctx context.Context, id string) (*domain.Component, error)
	GetComponents(ctx context.Context, ids []string) (map[string]domain.Component, error)
	ListComponents(ctx context.Context) ([]domain.Component, error)
	SaveComponent(ctx context.Context, component domain.Component) error
	GetSellableUnit(ctx context.Context, id string) (*domain.SellableUnit, error)
	SaveSellableUnit(ctx context.Context, unit domain.SellableUnit) error
	ListProductItems(ctx context.Context, unitID string) ([]domain.BOMLine, error)
	ListCompositions(ctx context.Context, unitID string) ([]domain.BOMLine, error)
	ReplaceProductItems(ctx context.Context, unitID string, lines []domain.BOMLine) error
	ReplaceCompositions(ctx context.Context, unitID string, lines []domain.BOMLine) error
}

type Repository interface {
	Catalog

	GetBalances(ctx context.Context, componentIDs []string) (map[string]domain.StockBalance, error)
	ListBalances(ctx context.Context) ([]domain.StockBalance, error)
	SetStockLevels(ctx context.Context, componentID string, reorderLevel decimal.Decimal, maxStockLevel decimal.Decimal) error
	ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error)
	// LedgerTotals sums signed ledger quantities per component.
	LedgerTotals(ctx context.Context) (map[string]decimal.Decimal, error)

	// WithTx runs fn in one atomic unit. Any error returned by fn rolls everything back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view of the ledger. Balances returned by LockBalances and
// GetOrCreateBalance stay exclusively locked until the transaction ends.
//
// Lock order: at most one LockReference first, then every balance the transaction touches
// in a single LockBalances call.
type Tx interface {
	// LockReference serializes transactions working on the same business reference until
	// the transaction ends. Ledger entries and reservations read after it are stable.
	LockReference(ctx context.Context, referenceType string, referenceID string) error
	LockBalances(ctx context.Context, componentIDs []string) (map[string]domain.StockBalance, error)
	GetOrCreateBalance(ctx context.Context, componentID string) (domain.StockBalance, error)
	UpdateBalance(ctx context.Context, balance domain.StockBalance) (domain.StockBalance, error)
	AppendEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error)
	ListEntriesByReference(ctx context.Context, referenceType string, referenceID string) ([]domain.LedgerEntry, error)
	InsertReservation(ctx context.Context, reservation domain.Reservation) (domain.Reservation, error)
	ListReservations(ctx context.Context, referenceType string, referenceID string) ([]domain.Reservation, error)
	DeleteReservations(ctx context.Context, referenceType string, referenceID string) error
}
