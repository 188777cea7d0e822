package service

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"kasirinaja/stockledger/internal/domain"
)

const cartCheckConcurrency = 8

// CheckAvailability reports how many units can be produced from current stock. It reads
// without locking; ReserveAndConsume repeats the same evaluation under lock.
func (s *Service) CheckAvailability(ctx context.Context, req domain.AvailabilityRequest) (domain.AvailabilityResult, error) {
	if req.Quantity < 0 {
		return domain.AvailabilityResult{}, ErrInvalidQuantity
	}
	if err := s.check(req); err != nil {
		return domain.AvailabilityResult{}, err
	}

	lines, err := s.resolver.Resolve(ctx, req.UnitID)
	if err != nil {
		return domain.AvailabilityResult{}, err
	}
	ids := lineComponentIDs(lines)

	components, err := s.repo.GetComponents(ctx, ids)
	if err != nil {
		return domain.AvailabilityResult{}, err
	}
	balances, err := s.repo.GetBalances(ctx, ids)
	if err != nil {
		return domain.AvailabilityResult{}, err
	}

	return evaluate(req.UnitID, req.Quantity, req.Channel, lines, components, balances), nil
}

// CheckCart evaluates every cart line and the combined demand on components shared
// between lines.
func (s *Service) CheckCart(ctx context.Context, reqs []domain.AvailabilityRequest) (domain.CartAvailability, error) {
	results := make([]domain.AvailabilityResult, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cartCheckConcurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := s.CheckAvailability(gctx, req)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.CartAvailability{}, err
	}

	cart := domain.CartAvailability{
		Producible: true,
		Units:      results,
		Shortages:  combinedShortages(results),
	}
	for _, res := range results {
		if !res.Producible {
			cart.Producible = false
		}
	}
	if len(cart.Shortages) > 0 {
		cart.Producible = false
	}
	return cart, nil
}

func evaluate(
	unitID string,
	qty int64,
	channel domain.Channel,
	lines []domain.RecipeLine,
	components map[string]domain.Component,
	balances map[string]domain.StockBalance,
) domain.AvailabilityResult {
	result := domain.AvailabilityResult{
		UnitID:        unitID,
		Requested:     qty,
		MaxProducible: domain.UnlimitedProduction,
		Lines:         make([]domain.ComponentAvailability, 0, len(lines)),
	}
	requested := decimal.NewFromInt(qty)

	for _, line := range lines {
		balance := balances[line.ComponentID]
		excluded := false
		if c, ok := components[line.ComponentID]; ok {
			excluded = !c.UsableIn(channel)
		}

		available := balance.Available()
		required := line.QuantityPerUnit.Mul(requested)
		canProduce := producibleFrom(available, line.QuantityPerUnit)

		result.Lines = append(result.Lines, domain.ComponentAvailability{
			ComponentID:     line.ComponentID,
			QuantityPerUnit: line.QuantityPerUnit,
			Required:        required,
			OnHand:          balance.CurrentStock,
			Reserved:        balance.ReservedStock,
			Available:       available,
			CanProduce:      canProduce,
			Essential:       line.Essential,
			Excluded:        excluded,
			Sufficient:      excluded || available.GreaterThanOrEqual(required),
		})

		if !line.Essential || excluded {
			continue
		}
		if canProduce < result.MaxProducible {
			result.MaxProducible = canProduce
			result.LimitingComponent = line.ComponentID
		}
	}

	result.Producible = result.MaxProducible >= qty
	return result
}

// producibleFrom is floor(available / rate), never negative.
func producibleFrom(available decimal.Decimal, rate decimal.Decimal) int64 {
	if !rate.IsPositive() {
		return domain.UnlimitedProduction
	}
	if !available.IsPositive() {
		return 0
	}
	q, _ := available.QuoRem(rate, 0)
	if q.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return math.MaxInt64
	}
	return q.IntPart()
}

// combinedShortages sums essential demand per component across results and reports the
// components that cannot cover it.
func combinedShortages(results []domain.AvailabilityResult) []domain.ComponentShortage {
	demand := make(map[string]decimal.Decimal)
	available := make(map[string]decimal.Decimal)
	order := make([]string, 0, 8)

	for _, res := range results {
		for _, line := range res.Lines {
			if !line.Essential || line.Excluded {
				continue
			}
			if _, seen := demand[line.ComponentID]; !seen {
				order = append(order, line.ComponentID)
			}
			demand[line.ComponentID] = demand[line.ComponentID].Add(line.Required)
			available[line.ComponentID] = line.Available
		}
	}

	var shortages []domain.ComponentShortage
	for _, id := range order {
		if demand[id].GreaterThan(available[id]) {
			shortages = append(shortages, domain.ComponentShortage{
				ComponentID: id,
				Required:    demand[id],
				Available:   available[id],
			})
		}
	}
	return shortages
}

func lineComponentIDs(lines []domain.RecipeLine) []string {
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ComponentID)
	}
	return uniqueSorted(ids)
}
