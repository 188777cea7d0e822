package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/store"
)

// Reserve earmarks stock for a reference without deducting it. Reserved quantities are
// excluded from availability until committed or released.
func (s *Service) Reserve(ctx context.Context, req domain.ReserveRequest) ([]domain.Reservation, error) {
	actor, err := s.resolveActor(ctx, req.Actor)
	if err != nil {
		return nil, err
	}
	req.Actor = actor
	if req.Quantity < 0 {
		return nil, ErrInvalidQuantity
	}
	if err := s.check(req); err != nil {
		return nil, err
	}

	plans, components, err := s.loadPlans(ctx, []domain.SaleLine{{UnitID: req.UnitID, Quantity: req.Quantity}})
	if err != nil {
		return nil, err
	}
	draws := plans[0].draws(req.Channel, components)

	var reservations []domain.Reservation
	err = s.withRetry(ctx, "reserve", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.LockReference(ctx, req.Reference.Type, req.Reference.ID); err != nil {
				return err
			}
			balances, err := lockOrCreate(ctx, tx, drawComponentIDs(draws))
			if err != nil {
				return err
			}
			kept, err := s.guard(plans, req.Channel, components, balances, draws)
			if err != nil {
				return err
			}

			reservations = make([]domain.Reservation, 0, len(kept))
			for _, d := range kept {
				balance := balances[d.ComponentID]
				balance.ReservedStock = balance.ReservedStock.Add(d.Quantity)
				updated, err := tx.UpdateBalance(ctx, balance)
				if err != nil {
					return err
				}
				balances[d.ComponentID] = updated

				r, err := tx.InsertReservation(ctx, domain.Reservation{
					ReferenceType:   req.Reference.Type,
					ReferenceID:     req.Reference.ID,
					SellableUnitID:  d.UnitID,
					ComponentID:     d.ComponentID,
					PerUnitQuantity: d.Rate,
					Quantity:        d.Quantity,
				})
				if err != nil {
					return err
				}
				reservations = append(reservations, r)
			}
			return nil
		})
	})
	if err != nil {
		var insufficient *InsufficientStockError
		if errors.As(err, &insufficient) {
			s.metrics.InsufficientStock()
		}
		return nil, err
	}
	return reservations, nil
}

// ReleaseReservation drops every reservation held under ref. Releasing an unknown
// reference is a no-op.
func (s *Service) ReleaseReservation(ctx context.Context, ref domain.Reference) ([]domain.Reservation, error) {
	if err := s.check(ref); err != nil {
		return nil, err
	}

	var released []domain.Reservation
	err := s.withRetry(ctx, "release_reservation", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.LockReference(ctx, ref.Type, ref.ID); err != nil {
				return err
			}
			reservations, err := tx.ListReservations(ctx, ref.Type, ref.ID)
			if err != nil {
				return err
			}
			balances, err := lockOrCreate(ctx, tx, reservationComponentIDs(reservations))
			if err != nil {
				return err
			}
			released, err = s.releaseLocked(ctx, tx, ref, reservations, balances)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// CommitReservation turns the reservations under ref into ledger consumption.
func (s *Service) CommitReservation(ctx context.Context, ref domain.Reference, actor string, notes string) ([]domain.LedgerEntry, error) {
	actor, err := s.resolveActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	if err := s.check(ref); err != nil {
		return nil, err
	}
	mv := newMovement(ref, actor, notes)

	var entries []domain.LedgerEntry
	err = s.withRetry(ctx, "commit_reservation", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.LockReference(ctx, ref.Type, ref.ID); err != nil {
				return err
			}
			reservations, err := tx.ListReservations(ctx, ref.Type, ref.ID)
			if err != nil {
				return err
			}
			if len(reservations) == 0 {
				return fmt.Errorf("reservation %s/%s: %w", ref.Type, ref.ID, store.ErrNotFound)
			}
			balances, err := lockOrCreate(ctx, tx, reservationComponentIDs(reservations))
			if err != nil {
				return err
			}
			released, err := s.releaseLocked(ctx, tx, ref, reservations, balances)
			if err != nil {
				return err
			}

			draws := make([]draw, 0, len(released))
			for _, r := range released {
				draws = append(draws, draw{
					UnitID:      r.SellableUnitID,
					ComponentID: r.ComponentID,
					Rate:        r.PerUnitQuantity,
					Quantity:    r.Quantity,
					Essential:   true,
				})
			}
			entries, err = s.applyDraws(ctx, tx, balances, draws, mv)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.recordEntries(entries)
	return entries, nil
}

// releaseLocked drops reservations whose balances the caller already holds.
func (s *Service) releaseLocked(
	ctx context.Context,
	tx store.Tx,
	ref domain.Reference,
	reservations []domain.Reservation,
	balances map[string]domain.StockBalance,
) ([]domain.Reservation, error) {
	if len(reservations) == 0 {
		return nil, nil
	}

	for _, r := range reservations {
		balance := balances[r.ComponentID]
		reserved := balance.ReservedStock.Sub(r.Quantity)
		if reserved.IsNegative() {
			reserved = decimal.Zero
		}
		balance.ReservedStock = reserved
		updated, err := tx.UpdateBalance(ctx, balance)
		if err != nil {
			return nil, err
		}
		balances[r.ComponentID] = updated
	}

	if err := tx.DeleteReservations(ctx, ref.Type, ref.ID); err != nil {
		return nil, err
	}
	return reservations, nil
}

func reservationComponentIDs(reservations []domain.Reservation) []string {
	ids := make([]string, 0, len(reservations))
	for _, r := range reservations {
		ids = append(ids, r.ComponentID)
	}
	return ids
}
