package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/domain"
)

const defaultLowStockLimit = 50

// Ledger is what the maintenance jobs need from the ledger service.
type Ledger interface {
	Reconcile(ctx context.Context) ([]domain.Discrepancy, error)
	LowStock(ctx context.Context) ([]domain.ReorderSuggestion, error)
}

// ErrDiscrepancies is returned by a reconcile run configured to fail on mismatches.
var ErrDiscrepancies = errors.New("ledger discrepancies found")

type ReconcileJob struct {
	ledger Ledger
	logger *zap.Logger
}

func NewReconcileJob(ledger Ledger, logger *zap.Logger) *ReconcileJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconcileJob{ledger: ledger, logger: logger.Named("reconcile")}
}

func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.ledger == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("reconcile payload: %v: %w", err, asynq.SkipRetry)
	}

	start := time.Now()
	discrepancies, err := j.ledger.Reconcile(ctx)
	if err != nil {
		j.logger.Error("reconcile failed", zap.Error(err))
		return err
	}
	j.logger.Info("reconcile finished",
		zap.Int("discrepancies", len(discrepancies)),
		zap.Duration("took", time.Since(start)),
	)
	if len(discrepancies) > 0 && payload.FailOnDiscrepancy {
		return fmt.Errorf("%w: %d components: %w", ErrDiscrepancies, len(discrepancies), asynq.SkipRetry)
	}
	return nil
}

type LowStockJob struct {
	ledger Ledger
	logger *zap.Logger
}

func NewLowStockJob(ledger Ledger, logger *zap.Logger) *LowStockJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LowStockJob{ledger: ledger, logger: logger.Named("low_stock")}
}

func (j *LowStockJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.ledger == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload LowStockScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("low stock payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultLowStockLimit
	}

	suggestions, err := j.ledger.LowStock(ctx)
	if err != nil {
		j.logger.Error("low stock scan failed", zap.Error(err))
		return err
	}
	for i, s := range suggestions {
		if i == payload.Limit {
			j.logger.Info("more components below reorder level", zap.Int("omitted", len(suggestions)-payload.Limit))
			break
		}
		j.logger.Warn("component at or below reorder level",
			zap.String("component_id", s.ComponentID),
			zap.String("available", s.Available.String()),
			zap.String("reorder_level", s.ReorderLevel.String()),
			zap.String("recommended_qty", s.RecommendedQty.String()),
			zap.String("estimated_purchase", s.EstimatedPurchase.String()),
		)
	}
	j.logger.Info("low stock scan finished", zap.Int("components", len(suggestions)))
	return nil
}
