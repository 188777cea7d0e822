package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/store"
)

// RecordReceipt books purchased stock and folds its price into the weighted average.
func (s *Service) RecordReceipt(ctx context.Context, req domain.ReceiptRequest) (domain.ReceiptResult, error) {
	results, err := s.ReceivePurchase(ctx, domain.PurchaseReceiptRequest{
		Lines: []domain.PurchaseLine{{
			ComponentID: req.ComponentID,
			Quantity:    req.Quantity,
			UnitCost:    req.UnitCost,
		}},
		Reference: req.Reference,
		Actor:     req.Actor,
		Notes:     req.Notes,
	})
	if err != nil {
		return domain.ReceiptResult{}, err
	}
	return results[0], nil
}

// ReceivePurchase books every line of a purchase receipt in one transaction.
func (s *Service) ReceivePurchase(ctx context.Context, req domain.PurchaseReceiptRequest) ([]domain.ReceiptResult, error) {
	for _, line := range req.Lines {
		if !line.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: receipt quantity for %s must be positive", store.ErrInvalidTransaction, line.ComponentID)
		}
		if line.UnitCost.IsNegative() {
			return nil, ErrInvalidUnitCost
		}
	}
	actor, err := s.resolveActor(ctx, req.Actor)
	if err != nil {
		return nil, err
	}
	req.Actor = actor
	if err := s.check(req); err != nil {
		return nil, err
	}

	var results []domain.ReceiptResult
	err = s.withRetry(ctx, "receive_purchase", func(ctx context.Context) error {
		results = nil
		return s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.LockReference(ctx, req.Reference.Type, req.Reference.ID); err != nil {
				return err
			}
			if req.Once {
				prior, err := tx.ListEntriesByReference(ctx, req.Reference.Type, req.Reference.ID)
				if err != nil {
					return err
				}
				for _, e := range prior {
					if e.IsPurchase() {
						s.logger.Info("purchase already received, skipping",
							zap.String("reference_type", req.Reference.Type),
							zap.String("reference_id", req.Reference.ID),
						)
						return nil
					}
				}
			}

			ids := make([]string, 0, len(req.Lines))
			for _, line := range req.Lines {
				ids = append(ids, line.ComponentID)
			}
			balances, err := lockOrCreate(ctx, tx, ids)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			results = make([]domain.ReceiptResult, 0, len(req.Lines))
			for _, line := range req.Lines {
				balance := balances[line.ComponentID]
				before := balance.CurrentStock
				after := before.Add(line.Quantity)

				balance.AverageCost = weightedAverage(before, balance.AverageCost, line.Quantity, line.UnitCost)
				balance.CurrentStock = after
				balance.LastRestockedAt = &now

				updated, err := tx.UpdateBalance(ctx, balance)
				if err != nil {
					return err
				}
				balances[line.ComponentID] = updated

				entry, err := tx.AppendEntry(ctx, domain.LedgerEntry{
					ComponentID:   line.ComponentID,
					Type:          domain.MovementIn,
					Quantity:      line.Quantity,
					StockBefore:   before,
					StockAfter:    after,
					UnitCost:      line.UnitCost,
					TotalCost:     line.UnitCost.Mul(line.Quantity),
					ReferenceType: req.Reference.Type,
					ReferenceID:   req.Reference.ID,
					Notes:         req.Notes,
					MovementDate:  now,
					CreatedBy:     req.Actor,
				})
				if err != nil {
					return err
				}
				results = append(results, domain.ReceiptResult{Entry: entry, AverageCost: updated.AverageCost})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		s.metrics.LedgerEntry(string(r.Entry.Type))
	}
	return results, nil
}

// CostBasis answers the unit cost of a component under one of three strategies. The
// latest and average strategies only look at purchase entries.
func (s *Service) CostBasis(ctx context.Context, componentID string, basis domain.CostBasis, lookback int) (decimal.Decimal, error) {
	switch basis {
	case domain.CostBasisCurrent:
		balances, err := s.repo.GetBalances(ctx, []string{componentID})
		if err != nil {
			return decimal.Zero, err
		}
		balance, ok := balances[componentID]
		if !ok {
			return decimal.Zero, fmt.Errorf("balance for %s: %w", componentID, store.ErrNotFound)
		}
		return balance.AverageCost, nil

	case domain.CostBasisLatest:
		entries, err := s.repo.ListLedgerEntries(ctx, domain.LedgerFilter{ComponentID: componentID, PurchasesOnly: true, Limit: 1})
		if err != nil {
			return decimal.Zero, err
		}
		if len(entries) == 0 {
			return decimal.Zero, fmt.Errorf("purchases for %s: %w", componentID, store.ErrNotFound)
		}
		return entries[0].UnitCost, nil

	case domain.CostBasisAverage:
		if lookback <= 0 {
			lookback = defaultCostLookback
		}
		entries, err := s.repo.ListLedgerEntries(ctx, domain.LedgerFilter{ComponentID: componentID, PurchasesOnly: true, Limit: lookback})
		if err != nil {
			return decimal.Zero, err
		}
		if len(entries) == 0 {
			return decimal.Zero, fmt.Errorf("purchases for %s: %w", componentID, store.ErrNotFound)
		}
		sum := decimal.Zero
		for _, e := range entries {
			sum = sum.Add(e.UnitCost)
		}
		return roundCost(sum.Div(decimal.NewFromInt(int64(len(entries))))), nil

	default:
		return decimal.Zero, fmt.Errorf("%w: unknown cost basis %q", store.ErrInvalidTransaction, basis)
	}
}

// RecipeCost rolls component costs up to one sellable unit. Line overrides win over the
// chosen basis; components never purchased cost zero.
func (s *Service) RecipeCost(ctx context.Context, unitID string, basis domain.CostBasis, lookback int) (domain.RecipeCost, error) {
	lines, err := s.resolver.Resolve(ctx, unitID)
	if err != nil {
		return domain.RecipeCost{}, err
	}

	result := domain.RecipeCost{
		UnitID: unitID,
		Basis:  basis,
		Total:  decimal.Zero,
		Lines:  make([]domain.RecipeCostLine, 0, len(lines)),
	}
	for _, line := range lines {
		costLine := domain.RecipeCostLine{
			ComponentID:     line.ComponentID,
			QuantityPerUnit: line.QuantityPerUnit,
		}
		if line.CostPerUnit != nil {
			costLine.UnitCost = *line.CostPerUnit
			costLine.Overridden = true
		} else {
			cost, err := s.CostBasis(ctx, line.ComponentID, basis, lookback)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return domain.RecipeCost{}, err
			}
			if err != nil {
				s.logger.Debug("component has no cost history", zap.String("component_id", line.ComponentID))
			}
			costLine.UnitCost = cost
		}
		costLine.LineCost = roundCost(costLine.UnitCost.Mul(line.QuantityPerUnit))
		result.Total = result.Total.Add(costLine.LineCost)
		result.Lines = append(result.Lines, costLine)
	}
	return result, nil
}

// weightedAverage blends an incoming cost into the running average. When the resulting
// stock is zero or below the incoming cost becomes the average.
func weightedAverage(stock decimal.Decimal, average decimal.Decimal, qty decimal.Decimal, unitCost decimal.Decimal) decimal.Decimal {
	total := stock.Add(qty)
	if !total.IsPositive() {
		return roundCost(unitCost)
	}
	value := stock.Mul(average).Add(qty.Mul(unitCost))
	avg := value.Div(total)
	// A deep negative balance can push the blend below zero; cost is never negative.
	if avg.IsNegative() {
		return roundCost(unitCost)
	}
	return roundCost(avg)
}
