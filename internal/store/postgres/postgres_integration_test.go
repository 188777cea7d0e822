package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	databaseURL := os.Getenv("STOCKLEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set STOCKLEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedComponent(t *testing.T, s *Store, id string) {
	t.Helper()
	ctx := context.Background()

	if err := s.SaveComponent(ctx, domain.Component{
		ID: id, Name: "Komponen IT", Unit: "kg", Kind: domain.ComponentKindItem,
		UsableDineIn: true, UsableTakeaway: true, Active: true,
	}); err != nil {
		t.Fatalf("save component: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_reservations WHERE component_id = $1`, id)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_ledger WHERE component_id = $1`, id)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_balances WHERE component_id = $1`, id)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM components WHERE id = $1`, id)
	})
}

func TestLedgerEntryAndBalanceCommitTogether(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	componentID := fmt.Sprintf("cmp-it-%d", time.Now().UnixNano())
	seedComponent(t, s, componentID)

	qty := decimal.RequireFromString("2.5")
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		balance, err := tx.GetOrCreateBalance(ctx, componentID)
		if err != nil {
			return err
		}
		before := balance.CurrentStock
		balance.CurrentStock = before.Add(qty)
		if _, err := tx.UpdateBalance(ctx, balance); err != nil {
			return err
		}
		_, err = tx.AppendEntry(ctx, domain.LedgerEntry{
			ComponentID:   componentID,
			Type:          domain.MovementIn,
			Quantity:      qty,
			StockBefore:   before,
			StockAfter:    before.Add(qty),
			ReferenceType: domain.ReferencePurchaseReceipt,
			ReferenceID:   "PO-IT",
			CreatedBy:     "it",
		})
		return err
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	balances, err := s.GetBalances(ctx, []string{componentID})
	if err != nil {
		t.Fatalf("get balances: %v", err)
	}
	if !balances[componentID].CurrentStock.Equal(qty) {
		t.Fatalf("expected stock %s, got %s", qty, balances[componentID].CurrentStock)
	}

	totals, err := s.LedgerTotals(ctx)
	if err != nil {
		t.Fatalf("ledger totals: %v", err)
	}
	if !totals[componentID].Equal(qty) {
		t.Fatalf("expected ledger total %s, got %s", qty, totals[componentID])
	}
}

func TestFailedTransactionLeavesNoTrace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	componentID := fmt.Sprintf("cmp-it-rb-%d", time.Now().UnixNano())
	seedComponent(t, s, componentID)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		balance, err := tx.GetOrCreateBalance(ctx, componentID)
		if err != nil {
			return err
		}
		balance.CurrentStock = decimal.NewFromInt(9)
		if _, err := tx.UpdateBalance(ctx, balance); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	balances, err := s.GetBalances(ctx, []string{componentID})
	if err != nil {
		t.Fatalf("get balances: %v", err)
	}
	if _, ok := balances[componentID]; ok {
		t.Fatalf("expected no balance row after rollback")
	}
}

func TestStaleVersionIsConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	componentID := fmt.Sprintf("cmp-it-cas-%d", time.Now().UnixNano())
	seedComponent(t, s, componentID)
	if err := s.SetStockLevels(ctx, componentID, decimal.NewFromInt(1), decimal.NewFromInt(10)); err != nil {
		t.Fatalf("set levels: %v", err)
	}

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		balance, err := tx.GetOrCreateBalance(ctx, componentID)
		if err != nil {
			return err
		}
		balance.Version--
		_, err = tx.UpdateBalance(ctx, balance)
		return err
	})
	if !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
}
