package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
)

func TestVoidSaleRestoresExactBatches(t *testing.T) {
	databaseURL := os.Getenv("FARMAPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set FARMAPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-void-it-%d", stamp)
	medicineID := fmt.Sprintf("MED-IT-%d", stamp)
	txnID := fmt.Sprintf("TXN-IT-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `
			DELETE FROM sale_item_allocations
			WHERE sale_item_id IN (
				SELECT i.id FROM sale_items i JOIN sales sl ON sl.id = i.sale_id
				WHERE sl.transaction_id = $1
			)
		`, txnID)
		_, _ = s.db.ExecContext(ctx, `
			DELETE FROM sale_items WHERE sale_id IN (SELECT id FROM sales WHERE transaction_id = $1)
		`, txnID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE transaction_id = $1`, txnID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM batches WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	created, err := s.CreateProduct(ctx, domain.Product{
		ID:            productID,
		MedicineID:    medicineID,
		Name:          "Void Integration Capsule",
		Category:      "analgesic",
		PriceCents:    2500,
		MinStockLevel: 2,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	// Two batches; the earlier expiry must be consumed first.
	near, err := s.ReceiveBatch(ctx, domain.Batch{
		ProductID:      created.ID,
		BatchNumber:    "IT-NEAR",
		ExpirationDate: time.Now().UTC().AddDate(0, 1, 0),
		Stock:          3,
	})
	if err != nil {
		t.Fatalf("receive near batch: %v", err)
	}
	far, err := s.ReceiveBatch(ctx, domain.Batch{
		ProductID:      created.ID,
		BatchNumber:    "IT-FAR",
		ExpirationDate: time.Now().UTC().AddDate(0, 6, 0),
		Stock:          10,
	})
	if err != nil {
		t.Fatalf("receive far batch: %v", err)
	}

	sale, err := s.CommitSale(ctx, domain.Sale{
		TransactionID: txnID,
		UserID:        "cashier",
		Items: []domain.SaleItem{
			{ProductID: created.ID, Quantity: 5},
		},
	})
	if err != nil {
		t.Fatalf("commit sale: %v", err)
	}
	if len(sale.Allocations) != 2 {
		t.Fatalf("expected allocation across 2 batches, got %d", len(sale.Allocations))
	}

	batchStock := func(id string) int {
		var qty int
		if err := s.db.QueryRowContext(ctx, `SELECT stock FROM batches WHERE id = $1`, id).Scan(&qty); err != nil {
			t.Fatalf("query batch stock: %v", err)
		}
		return qty
	}
	if got := batchStock(near.ID); got != 0 {
		t.Fatalf("expected near batch drained to 0, got %d", got)
	}
	if got := batchStock(far.ID); got != 8 {
		t.Fatalf("expected far batch at 8 after FEFO split, got %d", got)
	}

	if _, err := s.VoidSale(ctx, sale.ID, time.Now().UTC()); err != nil {
		t.Fatalf("void sale: %v", err)
	}

	if got := batchStock(near.ID); got != 3 {
		t.Fatalf("expected near batch restored to 3, got %d", got)
	}
	if got := batchStock(far.ID); got != 10 {
		t.Fatalf("expected far batch restored to 10, got %d", got)
	}

	report, err := s.CheckStockConsistency(ctx, created.ID)
	if err != nil {
		t.Fatalf("consistency check: %v", err)
	}
	if !report.Consistent || report.AggregateStock != 13 {
		t.Fatalf("expected consistent aggregate 13 after void, got %+v", report)
	}

	if _, err := s.GetSale(ctx, sale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected sale to be removed after void, got %v", err)
	}
}
