package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/txid"
)

func seedProduct(t *testing.T, s *Store, price int64, batchStocks ...int) domain.Product {
	t.Helper()
	ctx := context.Background()
	product, err := s.CreateProduct(ctx, domain.Product{
		ID:         txid.New("prod"),
		MedicineID: txid.New("med"),
		Name:       "Paracetamol 500mg",
		Category:   "analgesic",
		PriceCents: price,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, stock := range batchStocks {
		_, err := s.ReceiveBatch(ctx, domain.Batch{
			ProductID:      product.ID,
			BatchNumber:    "LOT",
			ExpirationDate: base.AddDate(0, i, 0),
			Stock:          stock,
		})
		if err != nil {
			t.Fatalf("receive batch: %v", err)
		}
	}
	got, err := s.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	return *got
}

func commit(t *testing.T, s *Store, at time.Time, productID string, qty int) *domain.Sale {
	t.Helper()
	sale, err := s.CommitSale(context.Background(), domain.Sale{
		TransactionID: txid.New("txn"),
		SaleDate:      at,
		UserID:        "cashier",
		Items:         []domain.SaleItem{{ProductID: productID, Quantity: qty}},
	})
	if err != nil {
		t.Fatalf("commit sale: %v", err)
	}
	return sale
}

func mustConsistent(t *testing.T, s *Store, productID string) domain.StockConsistencyReport {
	t.Helper()
	report, err := s.CheckStockConsistency(context.Background(), productID)
	if err != nil {
		t.Fatalf("consistency check: %v", err)
	}
	if !report.Consistent {
		t.Fatalf("aggregate %d diverged from batch sum %d", report.AggregateStock, report.BatchStockSum)
	}
	return report
}

func TestCommitSaleConsumesFEFO(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	product := seedProduct(t, s, 550, 5, 10)

	sale := commit(t, s, at, product.ID, 7)
	if sale.TotalAmountCents != 7*550 {
		t.Fatalf("total = %d, want %d", sale.TotalAmountCents, 7*550)
	}
	if len(sale.Allocations) != 2 {
		t.Fatalf("allocations = %d, want 2", len(sale.Allocations))
	}

	batches, err := s.ListBatches(ctx, product.ID)
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if batches[0].Stock != 0 || batches[1].Stock != 8 {
		t.Fatalf("batch stocks = %d,%d, want 0,8", batches[0].Stock, batches[1].Stock)
	}
	report := mustConsistent(t, s, product.ID)
	if report.AggregateStock != 8 {
		t.Fatalf("aggregate = %d, want 8", report.AggregateStock)
	}
}

func TestCommitSaleOversellLeavesNothingChanged(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	product := seedProduct(t, s, 550, 5, 10)

	_, err := s.CommitSale(ctx, domain.Sale{
		TransactionID: txid.New("txn"),
		SaleDate:      at,
		Items: []domain.SaleItem{
			{ProductID: product.ID, Quantity: 4},
			{ProductID: product.ID, Quantity: 100},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}

	// the valid first line must not have been applied
	got, _ := s.GetProduct(ctx, product.ID)
	if got.Stock != 15 {
		t.Fatalf("stock = %d, want untouched 15", got.Stock)
	}
	sales, _ := s.ListSales(ctx, at.AddDate(0, 0, -1), at.AddDate(0, 0, 1), 0)
	if len(sales) != 0 {
		t.Fatalf("sales = %d, want 0", len(sales))
	}
}

func TestCommitSaleBatchlessFallback(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	product, err := s.CreateProduct(ctx, domain.Product{
		ID:         txid.New("prod"),
		MedicineID: txid.New("med"),
		Name:       "ORS Sachet",
		Category:   "rehydration",
		PriceCents: 700,
		Stock:      10,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	sale := commit(t, s, at, product.ID, 4)
	if len(sale.Allocations) != 0 {
		t.Fatalf("allocations = %d, want 0 for batchless product", len(sale.Allocations))
	}
	got, _ := s.GetProduct(ctx, product.ID)
	if got.Stock != 6 {
		t.Fatalf("stock = %d, want 6", got.Stock)
	}

	_, err = s.CommitSale(ctx, domain.Sale{
		TransactionID: txid.New("txn"),
		SaleDate:      at,
		Items:         []domain.SaleItem{{ProductID: product.ID, Quantity: 7}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
}

func TestVoidSaleRestoresExactBatches(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	product := seedProduct(t, s, 550, 5, 10)

	sale := commit(t, s, at, product.ID, 7)
	voided, err := s.VoidSale(ctx, sale.ID, at.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("void sale: %v", err)
	}
	if voided.ID != sale.ID {
		t.Fatalf("voided %s, want %s", voided.ID, sale.ID)
	}

	batches, _ := s.ListBatches(ctx, product.ID)
	if batches[0].Stock != 5 || batches[1].Stock != 10 {
		t.Fatalf("batch stocks = %d,%d, want restored 5,10", batches[0].Stock, batches[1].Stock)
	}
	mustConsistent(t, s, product.ID)

	if _, err := s.GetSale(ctx, sale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get voided sale err = %v, want ErrNotFound", err)
	}
}

func TestVoidSaleNextDayRejected(t *testing.T) {
	s := New()
	at := time.Date(2026, 1, 15, 23, 50, 0, 0, time.UTC)
	product := seedProduct(t, s, 550, 20)

	sale := commit(t, s, at, product.ID, 3)
	_, err := s.VoidSale(context.Background(), sale.ID, at.Add(15*time.Minute))
	if !errors.Is(err, store.ErrEditWindowExpired) {
		t.Fatalf("err = %v, want ErrEditWindowExpired", err)
	}
}

func TestEditSaleUpward(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	product := seedProduct(t, s, 550, 5, 10)

	sale := commit(t, s, at, product.ID, 3)
	edited, err := s.EditSale(ctx, sale.ID, []domain.SaleLine{{ProductID: product.ID, Quantity: 8}}, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("edit sale: %v", err)
	}
	if edited.Items[0].Quantity != 8 || edited.TotalAmountCents != 8*550 {
		t.Fatalf("edited qty=%d total=%d", edited.Items[0].Quantity, edited.TotalAmountCents)
	}

	batches, _ := s.ListBatches(ctx, product.ID)
	if batches[0].Stock != 0 || batches[1].Stock != 7 {
		t.Fatalf("batch stocks = %d,%d, want 0,7", batches[0].Stock, batches[1].Stock)
	}
	mustConsistent(t, s, product.ID)
}

func TestEditSaleDownwardReleasesNewestLegsFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	product := seedProduct(t, s, 550, 5, 10)

	sale := commit(t, s, at, product.ID, 7) // 5 from first batch, 2 from second
	_, err := s.EditSale(ctx, sale.ID, []domain.SaleLine{{ProductID: product.ID, Quantity: 4}}, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("edit sale: %v", err)
	}

	batches, _ := s.ListBatches(ctx, product.ID)
	if batches[0].Stock != 1 || batches[1].Stock != 10 {
		t.Fatalf("batch stocks = %d,%d, want 1,10", batches[0].Stock, batches[1].Stock)
	}
	mustConsistent(t, s, product.ID)
}

func TestEditSaleCeiling(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	product := seedProduct(t, s, 550, 10)

	sale := commit(t, s, at, product.ID, 6)
	// ceiling is remaining 4 plus the 6 already held
	if _, err := s.EditSale(ctx, sale.ID, []domain.SaleLine{{ProductID: product.ID, Quantity: 10}}, at.Add(time.Hour)); err != nil {
		t.Fatalf("edit to ceiling: %v", err)
	}
	_, err := s.EditSale(ctx, sale.ID, []domain.SaleLine{{ProductID: product.ID, Quantity: 11}}, at.Add(time.Hour))
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
	mustConsistent(t, s, product.ID)
}

func TestEditSaleBatchlessSaleAfterBatchArrives(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	product, err := s.CreateProduct(ctx, domain.Product{
		ID:         txid.New("prod"),
		MedicineID: txid.New("med"),
		Name:       "ORS Sachet",
		Category:   "rehydration",
		PriceCents: 700,
		Stock:      10,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	sale := commit(t, s, at, product.ID, 5) // aggregate-only, no legs
	if _, err := s.ReceiveBatch(ctx, domain.Batch{
		ProductID:      product.ID,
		BatchNumber:    "LOT",
		ExpirationDate: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Stock:          10,
	}); err != nil {
		t.Fatalf("receive batch: %v", err)
	}

	// upward: only the two added units touch the batch
	edited, err := s.EditSale(ctx, sale.ID, []domain.SaleLine{{ProductID: product.ID, Quantity: 7}}, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("edit sale: %v", err)
	}
	if len(edited.Allocations) != 1 || edited.Allocations[0].Quantity != 2 {
		t.Fatalf("allocations = %+v, want one leg of 2", edited.Allocations)
	}
	batches, _ := s.ListBatches(ctx, product.ID)
	got, _ := s.GetProduct(ctx, product.ID)
	if got.Stock != 13 || batches[0].Stock != 8 {
		t.Fatalf("aggregate=%d batch=%d, want 13 and 8", got.Stock, batches[0].Stock)
	}

	// downward below the aggregate-only portion returns the batch legs
	edited, err = s.EditSale(ctx, sale.ID, []domain.SaleLine{{ProductID: product.ID, Quantity: 4}}, at.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("edit sale: %v", err)
	}
	if len(edited.Allocations) != 0 {
		t.Fatalf("allocations = %d, want 0", len(edited.Allocations))
	}
	batches, _ = s.ListBatches(ctx, product.ID)
	got, _ = s.GetProduct(ctx, product.ID)
	if got.Stock != 16 || batches[0].Stock != 10 {
		t.Fatalf("aggregate=%d batch=%d, want 16 and 10", got.Stock, batches[0].Stock)
	}
}

func TestEditSaleRefusesNegativeAggregate(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	product, err := s.CreateProduct(ctx, domain.Product{
		ID:         txid.New("prod"),
		MedicineID: txid.New("med"),
		Name:       "ORS Sachet",
		Category:   "rehydration",
		PriceCents: 700,
		Stock:      5,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	sale := commit(t, s, at, product.ID, 5)
	if _, err := s.ReceiveBatch(ctx, domain.Batch{
		ProductID:      product.ID,
		BatchNumber:    "LOT",
		ExpirationDate: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Stock:          10,
	}); err != nil {
		t.Fatalf("receive batch: %v", err)
	}

	// force the aggregate out of step with the batch records
	s.mu.Lock()
	corrupted := s.products[product.ID]
	corrupted.Stock = 1
	s.products[product.ID] = corrupted
	s.mu.Unlock()

	_, err = s.EditSale(ctx, sale.ID, []domain.SaleLine{{ProductID: product.ID, Quantity: 7}}, at.Add(time.Hour))
	if !errors.Is(err, store.ErrNegativeStock) {
		t.Fatalf("err = %v, want ErrNegativeStock", err)
	}
	batches, _ := s.ListBatches(ctx, product.ID)
	got, _ := s.GetProduct(ctx, product.ID)
	if got.Stock != 1 || batches[0].Stock != 10 {
		t.Fatalf("aggregate=%d batch=%d, want untouched 1 and 10", got.Stock, batches[0].Stock)
	}
}

func TestDebitsWithinStock(t *testing.T) {
	s := New()
	product := seedProduct(t, s, 550, 3)
	batches, _ := s.ListBatches(context.Background(), product.ID)

	if err := s.debitsWithinStock(map[string]int{product.ID: 3}, map[string]int{batches[0].ID: 3}); err != nil {
		t.Fatalf("debits within stock: %v", err)
	}
	if err := s.debitsWithinStock(map[string]int{product.ID: 4}, nil); !errors.Is(err, store.ErrNegativeStock) {
		t.Fatalf("err = %v, want ErrNegativeStock", err)
	}
	if err := s.debitsWithinStock(nil, map[string]int{batches[0].ID: 4}); !errors.Is(err, store.ErrNegativeStock) {
		t.Fatalf("err = %v, want ErrNegativeStock", err)
	}
}

func TestEditSaleSwapsProducts(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	first := seedProduct(t, s, 550, 20)
	second, err := s.CreateProduct(ctx, domain.Product{
		ID:         txid.New("prod"),
		MedicineID: txid.New("med"),
		Name:       "Cetirizine 10mg",
		Category:   "antihistamine",
		PriceCents: 900,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := s.ReceiveBatch(ctx, domain.Batch{ProductID: second.ID, ExpirationDate: at.AddDate(1, 0, 0), Stock: 15}); err != nil {
		t.Fatalf("receive batch: %v", err)
	}

	sale := commit(t, s, at, first.ID, 5)
	edited, err := s.EditSale(ctx, sale.ID, []domain.SaleLine{{ProductID: second.ID, Quantity: 2}}, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("edit sale: %v", err)
	}
	if len(edited.Items) != 1 || edited.Items[0].ProductID != second.ID {
		t.Fatalf("edited items = %+v", edited.Items)
	}
	if edited.TotalAmountCents != 2*900 {
		t.Fatalf("total = %d, want %d", edited.TotalAmountCents, 2*900)
	}

	gotFirst, _ := s.GetProduct(ctx, first.ID)
	gotSecond, _ := s.GetProduct(ctx, second.ID)
	if gotFirst.Stock != 20 || gotSecond.Stock != 13 {
		t.Fatalf("stocks = %d,%d, want 20,13", gotFirst.Stock, gotSecond.Stock)
	}
	mustConsistent(t, s, first.ID)
	mustConsistent(t, s, second.ID)
}

func TestExpiredBatchNotSold(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := seedProduct(t, s, 550, 5)
	if _, err := s.ReceiveBatch(ctx, domain.Batch{
		ProductID:      product.ID,
		ExpirationDate: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		Stock:          10,
	}); err != nil {
		t.Fatalf("receive batch: %v", err)
	}

	// first batch expired by sale time
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	_, err := s.CommitSale(ctx, domain.Sale{
		TransactionID: txid.New("txn"),
		SaleDate:      at,
		Items:         []domain.SaleItem{{ProductID: product.ID, Quantity: 12}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
	sale := commit(t, s, at, product.ID, 10)
	for _, alloc := range sale.Allocations {
		batches, _ := s.ListBatches(ctx, product.ID)
		for _, b := range batches {
			if b.ID == alloc.BatchID && b.IsExpired(at) {
				t.Fatalf("allocated from expired batch %s", b.ID)
			}
		}
	}
}

func TestConcurrentCommitsOnlyOneWins(t *testing.T) {
	s := New()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	product := seedProduct(t, s, 550, 10)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.CommitSale(context.Background(), domain.Sale{
				TransactionID: txid.New("txn"),
				SaleDate:      at,
				Items:         []domain.SaleItem{{ProductID: product.ID, Quantity: 6}},
			})
			results <- err
		}()
	}
	var failures, successes int
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			successes++
		} else if errors.Is(err, store.ErrInsufficientStock) {
			failures++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || failures != 1 {
		t.Fatalf("successes=%d failures=%d, want exactly one of each", successes, failures)
	}
	got, _ := s.GetProduct(context.Background(), product.ID)
	if got.Stock != 4 {
		t.Fatalf("stock = %d, want 4", got.Stock)
	}
}

func TestReceiveBatchRaisesAggregate(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := seedProduct(t, s, 550, 5)

	if _, err := s.ReceiveBatch(ctx, domain.Batch{
		ProductID:      product.ID,
		ExpirationDate: time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC),
		Stock:          25,
	}); err != nil {
		t.Fatalf("receive batch: %v", err)
	}
	report := mustConsistent(t, s, product.ID)
	if report.AggregateStock != 30 || report.BatchCount != 2 {
		t.Fatalf("aggregate=%d batches=%d, want 30 across 2", report.AggregateStock, report.BatchCount)
	}

	_, err := s.ReceiveBatch(ctx, domain.Batch{ProductID: product.ID, ExpirationDate: time.Now(), Stock: 0})
	if !errors.Is(err, store.ErrInvalidQuantity) {
		t.Fatalf("err = %v, want ErrInvalidQuantity", err)
	}
}

func TestReportsReflectSales(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	product := seedProduct(t, s, 550, 50)

	commit(t, s, at, product.ID, 3)
	commit(t, s, at.Add(time.Hour), product.ID, 2)

	summary, err := s.GetSalesSummary(ctx, at.AddDate(0, 0, -1), at.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Sales != 2 || summary.ItemsSold != 5 || summary.TotalAmountCents != 5*550 {
		t.Fatalf("summary = %+v", summary)
	}

	sellers, err := s.TopSellers(ctx, at.AddDate(0, 0, -1), at.AddDate(0, 0, 1), 10)
	if err != nil {
		t.Fatalf("top sellers: %v", err)
	}
	if len(sellers) != 1 || sellers[0].QuantitySold != 5 {
		t.Fatalf("sellers = %+v", sellers)
	}
}
