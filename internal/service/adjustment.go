package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/store"
	"kasirinaja/stockledger/internal/xid"
)

// AdjustStock sets a component to a physically counted quantity. The difference is
// written as one adjustment entry; a count matching the balance writes nothing and
// returns a nil entry.
func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustmentRequest) (*domain.LedgerEntry, error) {
	if req.CountedQuantity.IsNegative() {
		return nil, ErrInvalidQuantity
	}
	actor, err := s.resolveActor(ctx, req.Actor)
	if err != nil {
		return nil, err
	}
	req.Actor = actor
	if req.Reference.Type == "" {
		req.Reference.Type = domain.ReferenceStockTake
	}
	if req.Reference.ID == "" {
		req.Reference.ID = xid.New("take")
	}
	if err := s.check(req); err != nil {
		return nil, err
	}

	var written *domain.LedgerEntry
	err = s.withRetry(ctx, "adjust_stock", func(ctx context.Context) error {
		written = nil
		return s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			balances, err := lockOrCreate(ctx, tx, []string{req.ComponentID})
			if err != nil {
				return err
			}
			balance := balances[req.ComponentID]
			before := balance.CurrentStock
			delta := req.CountedQuantity.Sub(before)
			if delta.IsZero() {
				return nil
			}

			balance.CurrentStock = req.CountedQuantity
			if _, err := tx.UpdateBalance(ctx, balance); err != nil {
				return err
			}

			qty := delta.Abs()
			entry, err := tx.AppendEntry(ctx, domain.LedgerEntry{
				ComponentID:   req.ComponentID,
				Type:          domain.MovementAdjustment,
				Quantity:      qty,
				StockBefore:   before,
				StockAfter:    req.CountedQuantity,
				UnitCost:      balance.AverageCost,
				TotalCost:     balance.AverageCost.Mul(qty),
				ReferenceType: req.Reference.Type,
				ReferenceID:   req.Reference.ID,
				Notes:         req.Notes,
				MovementDate:  time.Now().UTC(),
				CreatedBy:     req.Actor,
			})
			if err != nil {
				return err
			}
			written = &entry
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if written != nil {
		s.metrics.LedgerEntry(string(written.Type))
		s.logger.Info("stock adjusted",
			zap.String("component_id", written.ComponentID),
			zap.String("stock_before", written.StockBefore.String()),
			zap.String("stock_after", written.StockAfter.String()),
			zap.String("reference_id", written.ReferenceID),
		)
	}
	return written, nil
}
