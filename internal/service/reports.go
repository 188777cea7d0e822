package service

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/domain"
)

// Ledger lists movements newest first.
func (s *Service) Ledger(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLedgerLimit
	}
	if filter.Limit > maxLedgerLimit {
		filter.Limit = maxLedgerLimit
	}
	return s.repo.ListLedgerEntries(ctx, filter)
}

// Reconcile compares every balance with the sum of its ledger movements and reports the
// components where the two disagree.
func (s *Service) Reconcile(ctx context.Context) ([]domain.Discrepancy, error) {
	balances, err := s.repo.ListBalances(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := s.repo.LedgerTotals(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(balances))
	discrepancies := make([]domain.Discrepancy, 0)
	for _, b := range balances {
		seen[b.ComponentID] = struct{}{}
		ledger := totals[b.ComponentID]
		if ledger.Equal(b.CurrentStock) {
			continue
		}
		discrepancies = append(discrepancies, domain.Discrepancy{
			ComponentID:  b.ComponentID,
			BalanceStock: b.CurrentStock,
			LedgerStock:  ledger,
		})
	}
	for id, ledger := range totals {
		if _, ok := seen[id]; ok || ledger.IsZero() {
			continue
		}
		discrepancies = append(discrepancies, domain.Discrepancy{
			ComponentID:  id,
			BalanceStock: decimal.Zero,
			LedgerStock:  ledger,
		})
	}
	sort.Slice(discrepancies, func(i, j int) bool {
		return discrepancies[i].ComponentID < discrepancies[j].ComponentID
	})

	for _, d := range discrepancies {
		s.logger.Warn("balance disagrees with ledger",
			zap.String("component_id", d.ComponentID),
			zap.String("balance_stock", d.BalanceStock.String()),
			zap.String("ledger_stock", d.LedgerStock.String()),
		)
	}
	s.metrics.Discrepancies(len(discrepancies))
	return discrepancies, nil
}

// LowStock suggests purchases for components whose available stock fell to their reorder
// level. Components without a reorder level are never suggested.
func (s *Service) LowStock(ctx context.Context) ([]domain.ReorderSuggestion, error) {
	balances, err := s.repo.ListBalances(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(balances))
	for _, b := range balances {
		ids = append(ids, b.ComponentID)
	}
	components, err := s.repo.GetComponents(ctx, ids)
	if err != nil {
		return nil, err
	}

	suggestions := make([]domain.ReorderSuggestion, 0, 16)
	for _, b := range balances {
		if !b.ReorderLevel.IsPositive() {
			continue
		}
		component, ok := components[b.ComponentID]
		if ok && !component.Active {
			continue
		}
		available := b.Available()
		if available.GreaterThan(b.ReorderLevel) {
			continue
		}

		target := b.MaxStockLevel
		if !target.IsPositive() {
			target = b.ReorderLevel.Mul(decimal.NewFromInt(2))
		}
		recommended := target.Sub(available)
		if !recommended.IsPositive() {
			continue
		}

		suggestions = append(suggestions, domain.ReorderSuggestion{
			ComponentID:       b.ComponentID,
			Name:              component.Name,
			Unit:              component.Unit,
			CurrentStock:      b.CurrentStock,
			Available:         available,
			ReorderLevel:      b.ReorderLevel,
			RecommendedQty:    recommended,
			AverageCost:       b.AverageCost,
			EstimatedPurchase: roundCost(recommended.Mul(b.AverageCost)),
		})
	}

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Available.Equal(suggestions[j].Available) {
			return suggestions[i].EstimatedPurchase.GreaterThan(suggestions[j].EstimatedPurchase)
		}
		return suggestions[i].Available.LessThan(suggestions[j].Available)
	})

	s.metrics.LowStock(len(suggestions))
	return suggestions, nil
}
