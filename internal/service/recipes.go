package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/store"
)

// SaveRecipe replaces the lines of a unit in the table matching its recipe model. An empty
// list turns the unit into a direct-stock unit.
func (s *Service) SaveRecipe(ctx context.Context, unitID string, lines []domain.BOMLine) error {
	unit, err := s.repo.GetSellableUnit(ctx, unitID)
	if err != nil {
		return fmt.Errorf("sellable unit %s: %w", unitID, err)
	}

	ids := make([]string, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))
	normalized := make([]domain.BOMLine, 0, len(lines))
	for i, line := range lines {
		if line.ComponentID == "" {
			return fmt.Errorf("%w: line %d has no component", store.ErrInvalidTransaction, i)
		}
		if !line.QuantityPerUnit.IsPositive() {
			return fmt.Errorf("%w: quantity per unit for %s must be positive", store.ErrInvalidTransaction, line.ComponentID)
		}
		if line.CostPerUnit != nil && line.CostPerUnit.IsNegative() {
			return ErrInvalidUnitCost
		}
		if _, dup := seen[line.ComponentID]; dup {
			return fmt.Errorf("%w: component %s listed twice", store.ErrInvalidTransaction, line.ComponentID)
		}
		seen[line.ComponentID] = struct{}{}
		ids = append(ids, line.ComponentID)

		line.SellableUnitID = unitID
		if line.Position == 0 {
			line.Position = i + 1
		}
		normalized = append(normalized, line)
	}

	components, err := s.repo.GetComponents(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := components[id]; !ok {
			return fmt.Errorf("component %s: %w", id, store.ErrNotFound)
		}
	}

	switch unit.RecipeModel {
	case domain.RecipeModelCompositions:
		err = s.repo.ReplaceCompositions(ctx, unitID, normalized)
	default:
		err = s.repo.ReplaceProductItems(ctx, unitID, normalized)
	}
	if err != nil {
		return err
	}

	if inv, ok := s.resolver.(Invalidator); ok {
		if err := inv.Invalidate(ctx, unitID); err != nil {
			s.logger.Warn("recipe cache invalidation failed", zap.String("unit_id", unitID), zap.Error(err))
		}
	}
	s.logger.Info("recipe saved", zap.String("unit_id", unitID), zap.Int("lines", len(normalized)))
	return nil
}
