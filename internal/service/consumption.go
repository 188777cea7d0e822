package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/store"
)

// NegativeStockFault is returned when a consumption would leave a balance below zero.
type NegativeStockFault struct {
	ComponentID   string
	StockBefore   decimal.Decimal
	Quantity      decimal.Decimal
	StockAfter    decimal.Decimal
	ReferenceType string
	ReferenceID   string
}

func (f *NegativeStockFault) Error() string {
	return fmt.Sprintf("negative stock for component %s: %s - %s = %s (reference %s/%s)",
		f.ComponentID, f.StockBefore, f.Quantity, f.StockAfter, f.ReferenceType, f.ReferenceID)
}

func (f *NegativeStockFault) Unwrap() error {
	return store.ErrNegativeStock
}

// InsufficientStockError carries the availability evaluated under lock so callers can
// tell the cashier which component ran out.
type InsufficientStockError struct {
	Results   []domain.AvailabilityResult
	Shortages []domain.ComponentShortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Results)+len(e.Shortages))
	for _, res := range e.Results {
		if res.Producible {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s limited by %s (max %d, requested %d)",
			res.UnitID, res.LimitingComponent, res.MaxProducible, res.Requested))
	}
	for _, sh := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s needs %s, available %s", sh.ComponentID, sh.Required, sh.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Unwrap() error {
	return store.ErrInsufficientStock
}

// draw is one component deduction derived from a sale line.
type draw struct {
	UnitID      string
	ComponentID string
	Rate        decimal.Decimal
	Quantity    decimal.Decimal
	Essential   bool
}

type movement struct {
	Reference domain.Reference
	Actor     string
	Notes     string
	At        time.Time
}

func newMovement(ref domain.Reference, actor string, notes string) movement {
	return movement{Reference: ref, Actor: actor, Notes: notes, At: time.Now().UTC()}
}

type unitPlan struct {
	UnitID   string
	Quantity int64
	Lines    []domain.RecipeLine
}

func (p unitPlan) draws(channel domain.Channel, components map[string]domain.Component) []draw {
	qty := decimal.NewFromInt(p.Quantity)
	out := make([]draw, 0, len(p.Lines))
	for _, line := range p.Lines {
		if c, ok := components[line.ComponentID]; ok && !c.UsableIn(channel) {
			continue
		}
		q := line.QuantityPerUnit.Mul(qty)
		if q.IsZero() {
			continue
		}
		out = append(out, draw{
			UnitID:      p.UnitID,
			ComponentID: line.ComponentID,
			Rate:        line.QuantityPerUnit,
			Quantity:    q,
			Essential:   line.Essential,
		})
	}
	return out
}

// Consume deducts the recipe of one sale line from stock without an availability check.
func (s *Service) Consume(ctx context.Context, req domain.ConsumeRequest) ([]domain.LedgerEntry, error) {
	return s.consumeOne(ctx, "consume", req, false)
}

// ReserveAndConsume re-checks availability on locked balances and consumes in the same
// transaction, so two concurrent sales can never both pass the check.
func (s *Service) ReserveAndConsume(ctx context.Context, req domain.ConsumeRequest) ([]domain.LedgerEntry, error) {
	return s.consumeOne(ctx, "reserve_and_consume", req, true)
}

func (s *Service) ConsumeBatch(ctx context.Context, req domain.BatchConsumeRequest) ([]domain.LedgerEntry, error) {
	return s.consumeBatch(ctx, "consume_batch", req, false)
}

func (s *Service) ReserveAndConsumeBatch(ctx context.Context, req domain.BatchConsumeRequest) ([]domain.LedgerEntry, error) {
	return s.consumeBatch(ctx, "reserve_and_consume_batch", req, true)
}

func (s *Service) consumeOne(ctx context.Context, op string, req domain.ConsumeRequest, guarded bool) ([]domain.LedgerEntry, error) {
	if req.Quantity < 0 {
		return nil, ErrInvalidQuantity
	}
	actor, err := s.resolveActor(ctx, req.Actor)
	if err != nil {
		return nil, err
	}
	req.Actor = actor
	if err := s.check(req); err != nil {
		return nil, err
	}
	if req.Quantity == 0 {
		return []domain.LedgerEntry{}, nil
	}

	mv := newMovement(req.Reference, req.Actor, req.Notes)
	return s.consumeLines(ctx, op, []domain.SaleLine{{UnitID: req.UnitID, Quantity: req.Quantity}}, req.Channel, mv, guarded, false)
}

func (s *Service) consumeBatch(ctx context.Context, op string, req domain.BatchConsumeRequest, guarded bool) ([]domain.LedgerEntry, error) {
	for _, line := range req.Lines {
		if line.Quantity < 0 {
			return nil, ErrInvalidQuantity
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

	lines := make([]domain.SaleLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		if line.Quantity > 0 {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return []domain.LedgerEntry{}, nil
	}

	mv := newMovement(req.Reference, req.Actor, req.Notes)
	return s.consumeLines(ctx, op, lines, req.Channel, mv, guarded, req.Once)
}

func (s *Service) consumeLines(ctx context.Context, op string, lines []domain.SaleLine, channel domain.Channel, mv movement, guarded bool, once bool) ([]domain.LedgerEntry, error) {
	plans, components, err := s.loadPlans(ctx, lines)
	if err != nil {
		return nil, err
	}
	draws := make([]draw, 0, len(plans)*4)
	for _, p := range plans {
		draws = append(draws, p.draws(channel, components)...)
	}

	var (
		entries  []domain.LedgerEntry
		replayed bool
	)
	err = s.withRetry(ctx, op, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.LockReference(ctx, mv.Reference.Type, mv.Reference.ID); err != nil {
				return err
			}
			if once {
				prior, err := tx.ListEntriesByReference(ctx, mv.Reference.Type, mv.Reference.ID)
				if err != nil {
					return err
				}
				if done := saleConsumption(prior); len(done) > 0 {
					entries, replayed = done, true
					return nil
				}
			}

			balances, err := lockOrCreate(ctx, tx, drawComponentIDs(draws))
			if err != nil {
				return err
			}

			toApply := draws
			if guarded {
				toApply, err = s.guard(plans, channel, components, balances, draws)
				if err != nil {
					return err
				}
			}

			entries, err = s.applyDraws(ctx, tx, balances, toApply, mv)
			return err
		})
	})
	if err != nil {
		var insufficient *InsufficientStockError
		if errors.As(err, &insufficient) {
			s.metrics.InsufficientStock()
		}
		return nil, err
	}
	if replayed {
		s.logger.Info("reference already consumed, skipping",
			zap.String("reference_type", mv.Reference.Type),
			zap.String("reference_id", mv.Reference.ID),
		)
		return entries, nil
	}

	s.recordEntries(entries)
	return entries, nil
}

func saleConsumption(prior []domain.LedgerEntry) []domain.LedgerEntry {
	out := make([]domain.LedgerEntry, 0, len(prior))
	for _, e := range prior {
		if e.Type == domain.MovementOut && e.SellableUnitID != "" {
			out = append(out, e)
		}
	}
	return out
}

func (s *Service) loadPlans(ctx context.Context, lines []domain.SaleLine) ([]unitPlan, map[string]domain.Component, error) {
	plans := make([]unitPlan, 0, len(lines))
	ids := make([]string, 0, len(lines)*4)
	for _, line := range lines {
		recipe, err := s.resolver.Resolve(ctx, line.UnitID)
		if err != nil {
			return nil, nil, err
		}
		plans = append(plans, unitPlan{UnitID: line.UnitID, Quantity: line.Quantity, Lines: recipe})
		ids = append(ids, lineComponentIDs(recipe)...)
	}

	components, err := s.repo.GetComponents(ctx, uniqueSorted(ids))
	if err != nil {
		return nil, nil, err
	}
	return plans, components, nil
}

// guard evaluates availability on locked balances. Essential shortages fail the call;
// advisory lines that cannot be covered are dropped from the draw list.
func (s *Service) guard(
	plans []unitPlan,
	channel domain.Channel,
	components map[string]domain.Component,
	balances map[string]domain.StockBalance,
	draws []draw,
) ([]draw, error) {
	results := make([]domain.AvailabilityResult, 0, len(plans))
	producible := true
	for _, p := range plans {
		res := evaluate(p.UnitID, p.Quantity, channel, p.Lines, components, balances)
		if !res.Producible {
			producible = false
		}
		results = append(results, res)
	}
	shortages := combinedShortages(results)
	if !producible || len(shortages) > 0 {
		return nil, &InsufficientStockError{Results: results, Shortages: shortages}
	}

	remaining := make(map[string]decimal.Decimal, len(balances))
	for id, b := range balances {
		remaining[id] = b.Available()
	}

	kept := make([]draw, 0, len(draws))
	for _, d := range draws {
		left := remaining[d.ComponentID]
		if !d.Essential && d.Quantity.GreaterThan(left) {
			s.logger.Warn("skipping advisory component without enough stock",
				zap.String("unit_id", d.UnitID),
				zap.String("component_id", d.ComponentID),
				zap.String("required", d.Quantity.String()),
				zap.String("available", left.String()),
			)
			continue
		}
		remaining[d.ComponentID] = left.Sub(d.Quantity)
		kept = append(kept, d)
	}
	return kept, nil
}

func (s *Service) applyDraws(ctx context.Context, tx store.Tx, balances map[string]domain.StockBalance, draws []draw, mv movement) ([]domain.LedgerEntry, error) {
	entries := make([]domain.LedgerEntry, 0, len(draws))
	for _, d := range draws {
		balance := balances[d.ComponentID]
		before := balance.CurrentStock
		after := before.Sub(d.Quantity)

		if after.IsNegative() {
			fault := &NegativeStockFault{
				ComponentID:   d.ComponentID,
				StockBefore:   before,
				Quantity:      d.Quantity,
				StockAfter:    after,
				ReferenceType: mv.Reference.Type,
				ReferenceID:   mv.Reference.ID,
			}
			s.metrics.NegativeStock(s.allowNeg)
			fields := []zap.Field{
				zap.String("component_id", d.ComponentID),
				zap.String("unit_id", d.UnitID),
				zap.String("stock_before", before.String()),
				zap.String("quantity", d.Quantity.String()),
				zap.String("reference_type", mv.Reference.Type),
				zap.String("reference_id", mv.Reference.ID),
			}
			if !s.allowNeg {
				s.logger.Warn("rejected consumption below zero", fields...)
				return nil, fault
			}
			s.logger.Error("stock driven below zero", append(fields, zap.Error(fault))...)
		}

		balance.CurrentStock = after
		updated, err := tx.UpdateBalance(ctx, balance)
		if err != nil {
			return nil, err
		}
		balances[d.ComponentID] = updated

		entry, err := tx.AppendEntry(ctx, domain.LedgerEntry{
			ComponentID:     d.ComponentID,
			SellableUnitID:  d.UnitID,
			Type:            domain.MovementOut,
			Quantity:        d.Quantity,
			PerUnitQuantity: d.Rate,
			StockBefore:     before,
			StockAfter:      after,
			UnitCost:        balance.AverageCost,
			TotalCost:       balance.AverageCost.Mul(d.Quantity),
			ReferenceType:   mv.Reference.Type,
			ReferenceID:     mv.Reference.ID,
			Notes:           mv.Notes,
			MovementDate:    mv.At,
			CreatedBy:       mv.Actor,
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// lockOrCreate locks every balance in ids, creating missing rows under the same lock.
func lockOrCreate(ctx context.Context, tx store.Tx, ids []string) (map[string]domain.StockBalance, error) {
	ids = uniqueSorted(ids)
	balances, err := tx.LockBalances(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := balances[id]; ok {
			continue
		}
		b, err := tx.GetOrCreateBalance(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("balance for %s: %w", id, err)
		}
		balances[id] = b
	}
	return balances, nil
}

func drawComponentIDs(draws []draw) []string {
	ids := make([]string, 0, len(draws))
	for _, d := range draws {
		ids = append(ids, d.ComponentID)
	}
	return ids
}
