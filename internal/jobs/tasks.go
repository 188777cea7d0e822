// Package jobs runs the periodic ledger maintenance tasks on asynq.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	QueueDefault = "default"

	// TaskReconcile compares every balance with the sum of its ledger movements.
	TaskReconcile = "stockledger:reconcile"
	// TaskLowStockScan lists components at or below their reorder level.
	TaskLowStockScan = "stockledger:low_stock_scan"
)

type ReconcilePayload struct {
	// FailOnDiscrepancy makes the task fail, and show up as failed in the queue, when
	// any component disagrees with its ledger.
	FailOnDiscrepancy bool `json:"fail_on_discrepancy"`
}

type LowStockScanPayload struct {
	Limit int `json:"limit"`
}

func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcile, data), nil
}

func NewLowStockScanTask(payload LowStockScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockScan, data), nil
}
