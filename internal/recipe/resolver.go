// Package recipe turns a sellable unit into the component lines it draws from stock.
//
// Item-based recipes and base-product compositions are stored separately; both are
// exposed through Resolver so availability, consumption and costing never care which
// model a unit uses.
package recipe

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/store"
)

type Resolver interface {
	Resolve(ctx context.Context, unitID string) ([]domain.RecipeLine, error)
}

type lineSource func(ctx context.Context, unitID string) ([]domain.BOMLine, error)

type ItemResolver struct {
	catalog store.Catalog
	logger  *zap.Logger
}

func NewItemResolver(catalog store.Catalog, logger *zap.Logger) *ItemResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ItemResolver{catalog: catalog, logger: logger}
}

func (r *ItemResolver) Resolve(ctx context.Context, unitID string) ([]domain.RecipeLine, error) {
	unit, err := loadUnit(ctx, r.catalog, unitID)
	if err != nil {
		return nil, err
	}
	return r.resolveUnit(ctx, unit)
}

func (r *ItemResolver) resolveUnit(ctx context.Context, unit *domain.SellableUnit) ([]domain.RecipeLine, error) {
	return resolve(ctx, r.catalog.ListProductItems, r.logger, unit)
}

type CompositionResolver struct {
	catalog store.Catalog
	logger  *zap.Logger
}

func NewCompositionResolver(catalog store.Catalog, logger *zap.Logger) *CompositionResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompositionResolver{catalog: catalog, logger: logger}
}

func (r *CompositionResolver) Resolve(ctx context.Context, unitID string) ([]domain.RecipeLine, error) {
	unit, err := loadUnit(ctx, r.catalog, unitID)
	if err != nil {
		return nil, err
	}
	return r.resolveUnit(ctx, unit)
}

func (r *CompositionResolver) resolveUnit(ctx context.Context, unit *domain.SellableUnit) ([]domain.RecipeLine, error) {
	return resolve(ctx, r.catalog.ListCompositions, r.logger, unit)
}

// Router picks the adapter matching the unit's recipe model.
type Router struct {
	catalog      store.Catalog
	items        *ItemResolver
	compositions *CompositionResolver
}

func NewRouter(catalog store.Catalog, logger *zap.Logger) *Router {
	return &Router{
		catalog:      catalog,
		items:        NewItemResolver(catalog, logger),
		compositions: NewCompositionResolver(catalog, logger),
	}
}

// Resolve reads the unit once and hands it to the matching adapter.
func (r *Router) Resolve(ctx context.Context, unitID string) ([]domain.RecipeLine, error) {
	unit, err := loadUnit(ctx, r.catalog, unitID)
	if err != nil {
		return nil, err
	}

	switch unit.RecipeModel {
	case domain.RecipeModelCompositions:
		return r.compositions.resolveUnit(ctx, unit)
	case domain.RecipeModelItems, "":
		return r.items.resolveUnit(ctx, unit)
	default:
		return nil, fmt.Errorf("sellable unit %s has unknown recipe model %q: %w", unitID, unit.RecipeModel, store.ErrInvalidTransaction)
	}
}

func loadUnit(ctx context.Context, catalog store.Catalog, unitID string) (*domain.SellableUnit, error) {
	unit, err := catalog.GetSellableUnit(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("sellable unit %s: %w", unitID, err)
	}
	return unit, nil
}

func resolve(ctx context.Context, source lineSource, logger *zap.Logger, unit *domain.SellableUnit) ([]domain.RecipeLine, error) {
	unitID := unit.ID
	bom, err := source(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("load recipe for %s: %w", unitID, err)
	}

	slices.SortStableFunc(bom, func(a, b domain.BOMLine) int {
		if a.Position != b.Position {
			return a.Position - b.Position
		}
		return strings.Compare(a.ComponentID, b.ComponentID)
	})

	lines := make([]domain.RecipeLine, 0, len(bom))
	for _, b := range bom {
		if !b.QuantityPerUnit.IsPositive() {
			logger.Warn("skipping recipe line with non-positive rate",
				zap.String("unit_id", unitID),
				zap.String("component_id", b.ComponentID),
				zap.String("rate", b.QuantityPerUnit.String()),
			)
			continue
		}
		lines = append(lines, domain.RecipeLine{
			ComponentID:     b.ComponentID,
			QuantityPerUnit: b.QuantityPerUnit,
			Essential:       b.Essential,
			CostPerUnit:     b.CostPerUnit,
		})
	}

	if len(lines) == 0 {
		return []domain.RecipeLine{DirectLine(*unit)}, nil
	}
	return lines, nil
}

// DirectLine is the single requirement of a unit sold straight from its own balance.
func DirectLine(unit domain.SellableUnit) domain.RecipeLine {
	return domain.RecipeLine{
		ComponentID:     unit.DirectComponentID(),
		QuantityPerUnit: decimal.NewFromInt(1),
		Essential:       true,
		Direct:          true,
	}
}
