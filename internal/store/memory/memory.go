package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/store"
)

type Store struct {
	mu           sync.RWMutex
	components   map[string]domain.Component
	units        map[string]domain.SellableUnit
	productItems map[string][]domain.BOMLine
	compositions map[string][]domain.BOMLine
	balances     map[string]domain.StockBalance
	ledger       []domain.LedgerEntry
	reservations []domain.Reservation

	nextEntryID       atomic.Int64
	nextReservationID atomic.Int64

	rowLocksMu sync.Mutex
	rowLocks   map[string]chan struct{}
}

func New() *Store {
	return &Store{
		components:   make(map[string]domain.Component),
		units:        make(map[string]domain.SellableUnit),
		productItems: make(map[string][]domain.BOMLine),
		compositions: make(map[string][]domain.BOMLine),
		balances:     make(map[string]domain.StockBalance),
		ledger:       make([]domain.LedgerEntry, 0, 256),
		reservations: make([]domain.Reservation, 0, 32),
		rowLocks:     make(map[string]chan struct{}),
	}
}

// NewSeeded returns a store with a small demo kitchen catalog. Opening stock is written
// through the ledger so balances and movements agree from the first read.
func NewSeeded() *Store {
	s := New()

	components := []domain.Component{
		{ID: "flour", Name: "Tepung Terigu", Unit: "kg", Kind: domain.ComponentKindItem},
		{ID: "cheese", Name: "Keju Mozzarella", Unit: "kg", Kind: domain.ComponentKindItem},
		{ID: "tomato-sauce", Name: "Saus Tomat", Unit: "l", Kind: domain.ComponentKindItem},
		{ID: "box", Name: "Kotak Pizza", Unit: "pcs", Kind: domain.ComponentKindItem, UsableDineIn: false, UsableTakeaway: true},
		{ID: "plate-garnish", Name: "Garnish Piring", Unit: "pcs", Kind: domain.ComponentKindItem, UsableDineIn: true, UsableTakeaway: false},
		{ID: "dough-ball", Name: "Adonan Pizza", Unit: "pcs", Kind: domain.ComponentKindBaseProduct},
		{ID: "soda-can", Name: "Soda Kaleng", Unit: "pcs", Kind: domain.ComponentKindItem},
	}
	for _, c := range components {
		c.Active = true
		if c.ID != "box" && c.ID != "plate-garnish" {
			c.UsableDineIn = true
			c.UsableTakeaway = true
		}
		s.components[c.ID] = c
	}

	s.units["PIZZA-MARG"] = domain.SellableUnit{ID: "PIZZA-MARG", Name: "Pizza Margherita", RecipeModel: domain.RecipeModelItems, Active: true}
	s.units["PIZZA-BASE"] = domain.SellableUnit{ID: "PIZZA-BASE", Name: "Pizza Polos", RecipeModel: domain.RecipeModelCompositions, Active: true}
	s.units["SODA"] = domain.SellableUnit{ID: "SODA", Name: "Soda", RecipeModel: domain.RecipeModelItems, StockComponentID: "soda-can", Active: true}

	s.productItems["PIZZA-MARG"] = []domain.BOMLine{
		{SellableUnitID: "PIZZA-MARG", ComponentID: "flour", QuantityPerUnit: decimal.RequireFromString("0.2"), Essential: true, Position: 1},
		{SellableUnitID: "PIZZA-MARG", ComponentID: "cheese", QuantityPerUnit: decimal.RequireFromString("0.1"), Essential: true, Position: 2},
		{SellableUnitID: "PIZZA-MARG", ComponentID: "tomato-sauce", QuantityPerUnit: decimal.RequireFromString("0.05"), Essential: false, Position: 3},
		{SellableUnitID: "PIZZA-MARG", ComponentID: "box", QuantityPerUnit: decimal.NewFromInt(1), Essential: false, Position: 4},
		{SellableUnitID: "PIZZA-MARG", ComponentID: "plate-garnish", QuantityPerUnit: decimal.NewFromInt(1), Essential: false, Position: 5},
	}
	s.compositions["PIZZA-BASE"] = []domain.BOMLine{
		{SellableUnitID: "PIZZA-BASE", ComponentID: "dough-ball", QuantityPerUnit: decimal.NewFromInt(1), Essential: true, Position: 1},
		{SellableUnitID: "PIZZA-BASE", ComponentID: "tomato-sauce", QuantityPerUnit: decimal.RequireFromString("0.05"), Essential: true, Position: 2},
	}

	opening := []struct {
		id   string
		qty  string
		cost int64
	}{
		{"flour", "3", 12000},
		{"cheese", "2", 95000},
		{"tomato-sauce", "5", 30000},
		{"box", "100", 2500},
		{"plate-garnish", "100", 500},
		{"dough-ball", "40", 4000},
		{"soda-can", "48", 6000},
	}
	now := time.Now().UTC()
	for _, o := range opening {
		s.seedOpeningBalance(o.id, decimal.RequireFromString(o.qty), decimal.NewFromInt(o.cost), now)
	}

	return s
}

func (s *Store) seedOpeningBalance(componentID string, qty decimal.Decimal, unitCost decimal.Decimal, at time.Time) {
	entry := domain.LedgerEntry{
		ID:            s.nextEntryID.Add(1),
		ComponentID:   componentID,
		Type:          domain.MovementIn,
		Quantity:      qty,
		StockBefore:   decimal.Zero,
		StockAfter:    qty,
		UnitCost:      unitCost,
		TotalCost:     unitCost.Mul(qty),
		ReferenceType: "opening_balance",
		ReferenceID:   componentID,
		Notes:         "seed",
		MovementDate:  at,
		CreatedBy:     "system",
	}
	s.ledger = append(s.ledger, entry)
	restocked := at
	s.balances[componentID] = domain.StockBalance{
		ComponentID:     componentID,
		CurrentStock:    qty,
		AverageCost:     unitCost,
		LastRestockedAt: &restocked,
		Version:         1,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func (s *Store) GetComponent(_ context.Context, id string) (*domain.Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.components[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetComponents(_ context.Context, ids []string) (map[string]domain.Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Component, len(ids))
	for _, id := range ids {
		if c, ok := s.components[id]; ok {
			result[id] = c
		}
	}
	return result, nil
}

func (s *Store) ListComponents(_ context.Context) ([]domain.Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	components := make([]domain.Component, 0, len(s.components))
	for _, c := range s.components {
		components = append(components, c)
	}
	slices.SortFunc(components, func(a, b domain.Component) int {
		return cmpString(a.ID, b.ID)
	})
	return components, nil
}

func (s *Store) SaveComponent(_ context.Context, component domain.Component) error {
	component.ID = strings.TrimSpace(component.ID)
	if component.ID == "" || strings.TrimSpace(component.Name) == "" {
		return store.ErrInvalidTransaction
	}
	if component.Kind == "" {
		component.Kind = domain.ComponentKindItem
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[component.ID] = component
	return nil
}

func (s *Store) GetSellableUnit(_ context.Context, id string) (*domain.SellableUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.units[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) SaveSellableUnit(_ context.Context, unit domain.SellableUnit) error {
	unit.ID = strings.TrimSpace(unit.ID)
	if unit.ID == "" || strings.TrimSpace(unit.Name) == "" {
		return store.ErrInvalidTransaction
	}
	if unit.RecipeModel == "" {
		unit.RecipeModel = domain.RecipeModelItems
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[unit.ID] = unit
	return nil
}

func (s *Store) ListProductItems(_ context.Context, unitID string) ([]domain.BOMLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneLines(s.productItems[unitID]), nil
}

func (s *Store) ListCompositions(_ context.Context, unitID string) ([]domain.BOMLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneLines(s.compositions[unitID]), nil
}

func (s *Store) ReplaceProductItems(_ context.Context, unitID string, lines []domain.BOMLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRecipeLocked(unitID, lines); err != nil {
		return err
	}
	s.productItems[unitID] = cloneLines(lines)
	return nil
}

func (s *Store) ReplaceCompositions(_ context.Context, unitID string, lines []domain.BOMLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRecipeLocked(unitID, lines); err != nil {
		return err
	}
	s.compositions[unitID] = cloneLines(lines)
	return nil
}

func (s *Store) checkRecipeLocked(unitID string, lines []domain.BOMLine) error {
	if _, ok := s.units[unitID]; !ok {
		return store.ErrNotFound
	}
	for _, line := range lines {
		if _, ok := s.components[line.ComponentID]; !ok {
			return fmt.Errorf("component %s: %w", line.ComponentID, store.ErrNotFound)
		}
	}
	return nil
}

func (s *Store) GetBalances(_ context.Context, componentIDs []string) (map[string]domain.StockBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.StockBalance, len(componentIDs))
	for _, id := range componentIDs {
		if b, ok := s.balances[id]; ok {
			result[id] = cloneBalance(b)
		}
	}
	return result, nil
}

func (s *Store) ListBalances(_ context.Context) ([]domain.StockBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balances := make([]domain.StockBalance, 0, len(s.balances))
	for _, b := range s.balances {
		balances = append(balances, cloneBalance(b))
	}
	slices.SortFunc(balances, func(a, b domain.StockBalance) int {
		return cmpString(a.ComponentID, b.ComponentID)
	})
	return balances, nil
}

func (s *Store) SetStockLevels(ctx context.Context, componentID string, reorderLevel decimal.Decimal, maxStockLevel decimal.Decimal) error {
	if reorderLevel.IsNegative() || maxStockLevel.IsNegative() {
		return store.ErrInvalidTransaction
	}
	return s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		balance, err := tx.GetOrCreateBalance(ctx, componentID)
		if err != nil {
			return err
		}
		balance.ReorderLevel = reorderLevel
		balance.MaxStockLevel = maxStockLevel
		_, err = tx.UpdateBalance(ctx, balance)
		return err
	})
}

func (s *Store) ListLedgerEntries(_ context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.LedgerEntry, 0, 64)
	for _, e := range s.ledger {
		if matchesFilter(e, filter) {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, compareEntriesNewestFirst)
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (s *Store) LedgerTotals(_ context.Context) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]decimal.Decimal, len(s.balances))
	for _, e := range s.ledger {
		totals[e.ComponentID] = totals[e.ComponentID].Add(e.SignedQuantity())
	}
	return totals, nil
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx := &memTx{
		store:    s,
		held:     make(map[string]chan struct{}),
		balances: make(map[string]domain.StockBalance),
		deleted:  make(map[string]struct{}),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) rowLock(componentID string) chan struct{} {
	s.rowLocksMu.Lock()
	defer s.rowLocksMu.Unlock()

	lock, ok := s.rowLocks[componentID]
	if !ok {
		lock = make(chan struct{}, 1)
		s.rowLocks[componentID] = lock
	}
	return lock
}

func matchesFilter(e domain.LedgerEntry, f domain.LedgerFilter) bool {
	if f.ComponentID != "" && e.ComponentID != f.ComponentID {
		return false
	}
	if f.ReferenceType != "" && e.ReferenceType != f.ReferenceType {
		return false
	}
	if f.ReferenceID != "" && e.ReferenceID != f.ReferenceID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.PurchasesOnly && !e.IsPurchase() {
		return false
	}
	if !f.From.IsZero() && e.MovementDate.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.MovementDate.After(f.To) {
		return false
	}
	return true
}

func compareEntriesNewestFirst(a, b domain.LedgerEntry) int {
	if !a.MovementDate.Equal(b.MovementDate) {
		if a.MovementDate.After(b.MovementDate) {
			return -1
		}
		return 1
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	default:
		return 0
	}
}

func cmpString(a string, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cloneLines(src []domain.BOMLine) []domain.BOMLine {
	if src == nil {
		return nil
	}
	out := make([]domain.BOMLine, len(src))
	copy(out, src)
	return out
}

func cloneBalance(src domain.StockBalance) domain.StockBalance {
	if src.LastRestockedAt != nil {
		t := *src.LastRestockedAt
		src.LastRestockedAt = &t
	}
	return src
}
