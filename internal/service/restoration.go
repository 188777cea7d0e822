package service

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/store"
)

type refund struct {
	UnitID      string
	ComponentID string
	Rate        decimal.Decimal
	Quantity    decimal.Decimal
	// UnitCost is the cost the stock left at; nil means the balance's current average.
	UnitCost *decimal.Decimal
}

// consumed is the net quantity of one component drawn for one unit under a reference.
type consumed struct {
	ComponentID string
	Rate        decimal.Decimal
	UnitCost    decimal.Decimal
	Outstanding decimal.Decimal
}

// Restore puts back what a sale line drew from stock. The components and rates come from
// the ledger entries written under the same reference, so later recipe or channel-flag
// edits do not change what is returned. Without such entries it falls back to the current
// recipe.
func (s *Service) Restore(ctx context.Context, req domain.RestoreRequest) ([]domain.LedgerEntry, error) {
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

	qty := decimal.NewFromInt(req.Quantity)
	mv := newMovement(req.Reference, req.Actor, req.Notes)

	var entries []domain.LedgerEntry
	err = s.withRetry(ctx, "restore", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.LockReference(ctx, req.Reference.Type, req.Reference.ID); err != nil {
				return err
			}
			prior, err := tx.ListEntriesByReference(ctx, req.Reference.Type, req.Reference.ID)
			if err != nil {
				return err
			}

			var refunds []refund
			snapshot, found := outstandingFor(prior, req.UnitID)
			if found {
				for _, c := range snapshot {
					q := c.Rate.Mul(qty)
					if q.GreaterThan(c.Outstanding) {
						q = c.Outstanding
					}
					if !q.IsPositive() {
						continue
					}
					cost := c.UnitCost
					refunds = append(refunds, refund{UnitID: req.UnitID, ComponentID: c.ComponentID, Rate: c.Rate, Quantity: q, UnitCost: &cost})
				}
			} else {
				s.logger.Warn("no consumption recorded for reference, restoring from current recipe",
					zap.String("unit_id", req.UnitID),
					zap.String("reference_type", req.Reference.Type),
					zap.String("reference_id", req.Reference.ID),
				)
				lines, err := s.resolver.Resolve(ctx, req.UnitID)
				if err != nil {
					return err
				}
				for _, line := range lines {
					refunds = append(refunds, refund{
						UnitID:      req.UnitID,
						ComponentID: line.ComponentID,
						Rate:        line.QuantityPerUnit,
						Quantity:    line.QuantityPerUnit.Mul(qty),
					})
				}
			}

			balances, err := lockOrCreate(ctx, tx, refundComponentIDs(refunds))
			if err != nil {
				return err
			}
			entries, err = s.applyRefunds(ctx, tx, balances, refunds, mv)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.recordEntries(entries)
	return entries, nil
}

// RestoreReference returns everything still outstanding under a reference and releases
// its open reservations. Used when a whole order is cancelled.
func (s *Service) RestoreReference(ctx context.Context, ref domain.Reference, actor string, notes string) ([]domain.LedgerEntry, error) {
	actor, err := s.resolveActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	if err := s.check(ref); err != nil {
		return nil, err
	}
	mv := newMovement(ref, actor, notes)

	var entries []domain.LedgerEntry
	err = s.withRetry(ctx, "restore_reference", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.LockReference(ctx, ref.Type, ref.ID); err != nil {
				return err
			}
			reservations, err := tx.ListReservations(ctx, ref.Type, ref.ID)
			if err != nil {
				return err
			}
			prior, err := tx.ListEntriesByReference(ctx, ref.Type, ref.ID)
			if err != nil {
				return err
			}

			var refunds []refund
			for _, unitID := range consumingUnits(prior) {
				snapshot, _ := outstandingFor(prior, unitID)
				for _, c := range snapshot {
					cost := c.UnitCost
					refunds = append(refunds, refund{UnitID: unitID, ComponentID: c.ComponentID, Rate: c.Rate, Quantity: c.Outstanding, UnitCost: &cost})
				}
			}

			ids := append(reservationComponentIDs(reservations), refundComponentIDs(refunds)...)
			balances, err := lockOrCreate(ctx, tx, ids)
			if err != nil {
				return err
			}
			if _, err := s.releaseLocked(ctx, tx, ref, reservations, balances); err != nil {
				return err
			}
			entries, err = s.applyRefunds(ctx, tx, balances, refunds, mv)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.recordEntries(entries)
	return entries, nil
}

func (s *Service) applyRefunds(
	ctx context.Context,
	tx store.Tx,
	balances map[string]domain.StockBalance,
	refunds []refund,
	mv movement,
) ([]domain.LedgerEntry, error) {
	entries := make([]domain.LedgerEntry, 0, len(refunds))
	for _, r := range refunds {
		if !r.Quantity.IsPositive() {
			continue
		}
		balance := balances[r.ComponentID]
		unitCost := balance.AverageCost
		if r.UnitCost != nil {
			unitCost = *r.UnitCost
		}

		before := balance.CurrentStock
		after := before.Add(r.Quantity)
		balance.AverageCost = weightedAverage(before, balance.AverageCost, r.Quantity, unitCost)
		balance.CurrentStock = after

		updated, err := tx.UpdateBalance(ctx, balance)
		if err != nil {
			return nil, err
		}
		balances[r.ComponentID] = updated

		entry, err := tx.AppendEntry(ctx, domain.LedgerEntry{
			ComponentID:     r.ComponentID,
			SellableUnitID:  r.UnitID,
			Type:            domain.MovementIn,
			Quantity:        r.Quantity,
			PerUnitQuantity: r.Rate,
			StockBefore:     before,
			StockAfter:      after,
			UnitCost:        unitCost,
			TotalCost:       unitCost.Mul(r.Quantity),
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

// outstandingFor nets consumption against earlier restorations for one unit. found is
// false when the reference never consumed anything for the unit.
func outstandingFor(prior []domain.LedgerEntry, unitID string) ([]consumed, bool) {
	byComponent := make(map[string]*consumed)
	order := make([]string, 0, 4)
	found := false

	for _, e := range prior {
		if e.SellableUnitID != unitID {
			continue
		}
		c, ok := byComponent[e.ComponentID]
		if !ok {
			c = &consumed{ComponentID: e.ComponentID}
			byComponent[e.ComponentID] = c
			order = append(order, e.ComponentID)
		}
		switch e.Type {
		case domain.MovementOut:
			found = true
			c.Outstanding = c.Outstanding.Add(e.Quantity)
			c.Rate = e.PerUnitQuantity
			c.UnitCost = e.UnitCost
		case domain.MovementIn:
			c.Outstanding = c.Outstanding.Sub(e.Quantity)
		}
	}

	result := make([]consumed, 0, len(order))
	for _, id := range order {
		c := byComponent[id]
		if c.Outstanding.IsPositive() {
			result = append(result, *c)
		}
	}
	return result, found
}

func consumingUnits(prior []domain.LedgerEntry) []string {
	seen := make(map[string]struct{})
	units := make([]string, 0, 4)
	for _, e := range prior {
		if e.Type != domain.MovementOut || e.SellableUnitID == "" {
			continue
		}
		if _, ok := seen[e.SellableUnitID]; ok {
			continue
		}
		seen[e.SellableUnitID] = struct{}{}
		units = append(units, e.SellableUnitID)
	}
	return units
}

func refundComponentIDs(refunds []refund) []string {
	ids := make([]string, 0, len(refunds))
	for _, r := range refunds {
		ids = append(ids, r.ComponentID)
	}
	return ids
}
