package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"farmapos/backend/internal/cache"
	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/store/memory"
)

func newTestService() *Service {
	svc := New(memory.New(), cache.NoopReportCache{}, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC) }
	return svc
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func mustCreateProduct(t *testing.T, svc *Service, price int64, batchStocks ...int) domain.Product {
	t.Helper()
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Name:       "Paracetamol 500mg",
		Category:   "analgesic",
		PriceCents: price,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	for i, stock := range batchStocks {
		_, err := svc.ReceiveBatch(adminCtx(), domain.BatchReceiveRequest{
			ProductID:      product.ID,
			ExpirationDate: time.Date(2026, time.Month(8+i), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02"),
			Quantity:       stock,
		})
		if err != nil {
			t.Fatalf("receive batch: %v", err)
		}
	}
	got, err := svc.GetProduct(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	return got
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{
		Name: "Ibuprofen 200mg", Category: "analgesic", PriceCents: 800,
	})
	if err == nil {
		t.Fatalf("expected create product to fail for cashier role")
	}

	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Name: "Ibuprofen 200mg", Category: "analgesic", PriceCents: 800,
	})
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	if !strings.HasPrefix(product.MedicineID, "MED-") {
		t.Fatalf("medicine id = %s, want MED- prefix", product.MedicineID)
	}
}

func TestCommitSaleAssignsTransactionID(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, 550, 20)

	resp, err := svc.CommitSale(cashierCtx(), domain.CommitSaleRequest{
		Items: []domain.SaleLine{{ProductID: product.ID, Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("commit sale failed: %v", err)
	}
	if !strings.HasPrefix(resp.Sale.TransactionID, "TXN-20260520-") {
		t.Fatalf("transaction id = %s, want TXN-20260520- prefix", resp.Sale.TransactionID)
	}
	if resp.Sale.UserID != "cashier" {
		t.Fatalf("user id = %s, want actor username", resp.Sale.UserID)
	}
	if resp.Sale.TotalAmountCents != 3*550 {
		t.Fatalf("total = %d, want %d", resp.Sale.TotalAmountCents, 3*550)
	}

	lookup, err := svc.GetSaleByTransactionID(context.Background(), resp.Sale.TransactionID)
	if err != nil {
		t.Fatalf("lookup by transaction id failed: %v", err)
	}
	if lookup.Sale.ID != resp.Sale.ID {
		t.Fatalf("lookup returned %s, want %s", lookup.Sale.ID, resp.Sale.ID)
	}
}

func TestCommitSaleValidationBeforeStock(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, 550, 20)

	_, err := svc.CommitSale(cashierCtx(), domain.CommitSaleRequest{})
	if !errors.Is(err, store.ErrEmptySale) {
		t.Fatalf("err = %v, want ErrEmptySale", err)
	}

	_, err = svc.CommitSale(cashierCtx(), domain.CommitSaleRequest{
		Items: []domain.SaleLine{{ProductID: product.ID, Quantity: 0}},
	})
	if !errors.Is(err, store.ErrInvalidQuantity) {
		t.Fatalf("err = %v, want ErrInvalidQuantity", err)
	}

	// one bad line rejects the whole sale even when other lines are fine
	_, err = svc.CommitSale(cashierCtx(), domain.CommitSaleRequest{
		Items: []domain.SaleLine{
			{ProductID: product.ID, Quantity: 2},
			{ProductID: product.ID, Quantity: -1},
		},
	})
	if !errors.Is(err, store.ErrInvalidQuantity) {
		t.Fatalf("err = %v, want ErrInvalidQuantity", err)
	}
	got, _ := svc.GetProduct(context.Background(), product.ID)
	if got.Stock != 20 {
		t.Fatalf("stock = %d, want untouched 20", got.Stock)
	}
}

func TestCommitSaleMergesDuplicateLines(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, 550, 20)

	resp, err := svc.CommitSale(cashierCtx(), domain.CommitSaleRequest{
		Items: []domain.SaleLine{
			{ProductID: product.ID, Quantity: 2},
			{ProductID: product.ID, Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("commit sale failed: %v", err)
	}
	if len(resp.Sale.Items) != 1 || resp.Sale.Items[0].Quantity != 5 {
		t.Fatalf("items = %+v, want single merged line of 5", resp.Sale.Items)
	}
}

func TestEditSaleSameDayOnly(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, 550, 20)

	resp, err := svc.CommitSale(cashierCtx(), domain.CommitSaleRequest{
		Items: []domain.SaleLine{{ProductID: product.ID, Quantity: 5}},
	})
	if err != nil {
		t.Fatalf("commit sale failed: %v", err)
	}

	// later the same day the edit succeeds
	svc.now = func() time.Time { return time.Date(2026, 5, 20, 23, 30, 0, 0, time.UTC) }
	edited, err := svc.EditSale(cashierCtx(), domain.EditSaleRequest{
		SaleID: resp.Sale.ID,
		Items:  []domain.SaleLine{{ProductID: product.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("same-day edit failed: %v", err)
	}
	if edited.Sale.TotalAmountCents != 2*550 {
		t.Fatalf("total = %d, want %d", edited.Sale.TotalAmountCents, 2*550)
	}

	// the next day both edit and void are rejected
	svc.now = func() time.Time { return time.Date(2026, 5, 21, 0, 5, 0, 0, time.UTC) }
	_, err = svc.EditSale(cashierCtx(), domain.EditSaleRequest{
		SaleID: resp.Sale.ID,
		Items:  []domain.SaleLine{{ProductID: product.ID, Quantity: 1}},
	})
	if !errors.Is(err, store.ErrEditWindowExpired) {
		t.Fatalf("edit err = %v, want ErrEditWindowExpired", err)
	}
	_, err = svc.VoidSale(cashierCtx(), domain.DeleteSaleRequest{SaleID: resp.Sale.ID})
	if !errors.Is(err, store.ErrEditWindowExpired) {
		t.Fatalf("void err = %v, want ErrEditWindowExpired", err)
	}
}

func TestVoidSaleRoundTrip(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, 550, 5, 10)

	resp, err := svc.CommitSale(cashierCtx(), domain.CommitSaleRequest{
		Items: []domain.SaleLine{{ProductID: product.ID, Quantity: 7}},
	})
	if err != nil {
		t.Fatalf("commit sale failed: %v", err)
	}

	void, err := svc.VoidSale(cashierCtx(), domain.DeleteSaleRequest{SaleID: resp.Sale.ID})
	if err != nil {
		t.Fatalf("void sale failed: %v", err)
	}
	if void.TransactionID != resp.Sale.TransactionID {
		t.Fatalf("void txn = %s, want %s", void.TransactionID, resp.Sale.TransactionID)
	}

	report, err := svc.CheckStockConsistency(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("consistency check failed: %v", err)
	}
	if !report.Consistent || report.AggregateStock != 15 {
		t.Fatalf("report = %+v, want consistent aggregate 15", report)
	}

	batches, err := svc.ListBatches(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	if batches[0].Stock != 5 || batches[1].Stock != 10 {
		t.Fatalf("batch stocks = %d,%d, want restored 5,10", batches[0].Stock, batches[1].Stock)
	}
}

func TestReceiveBatchRequiresAdmin(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, 550)

	_, err := svc.ReceiveBatch(cashierCtx(), domain.BatchReceiveRequest{
		ProductID:      product.ID,
		ExpirationDate: "2027-01-01",
		Quantity:       10,
	})
	if err == nil {
		t.Fatalf("expected receive batch to fail for cashier role")
	}

	_, err = svc.ReceiveBatch(adminCtx(), domain.BatchReceiveRequest{
		ProductID:      product.ID,
		ExpirationDate: "01-01-2027",
		Quantity:       10,
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest for bad date", err)
	}
}

func TestSalesSummaryAndTopSellers(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, 550, 50)

	for i := 0; i < 3; i++ {
		_, err := svc.CommitSale(cashierCtx(), domain.CommitSaleRequest{
			Items: []domain.SaleLine{{ProductID: product.ID, Quantity: 2}},
		})
		if err != nil {
			t.Fatalf("commit sale failed: %v", err)
		}
	}

	summary, err := svc.SalesSummary(context.Background(), "2026-05-20", "2026-05-20")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.Sales != 3 || summary.ItemsSold != 6 || summary.TotalAmountCents != 6*550 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.From != "2026-05-20" || summary.To != "2026-05-20" {
		t.Fatalf("summary range = %s..%s", summary.From, summary.To)
	}

	sellers, err := svc.TopSellers(context.Background(), "2026-05-20", "2026-05-20", 5)
	if err != nil {
		t.Fatalf("top sellers failed: %v", err)
	}
	if len(sellers.Sellers) != 1 || sellers.Sellers[0].QuantitySold != 6 {
		t.Fatalf("sellers = %+v", sellers.Sellers)
	}

	_, err = svc.SalesSummary(context.Background(), "2026-05-21", "2026-05-20")
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest for inverted range", err)
	}
}

func TestExpiringBatchesWindow(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, 550)

	near, err := svc.ReceiveBatch(adminCtx(), domain.BatchReceiveRequest{
		ProductID:      product.ID,
		ExpirationDate: "2026-06-05",
		Quantity:       10,
	})
	if err != nil {
		t.Fatalf("receive batch: %v", err)
	}
	if _, err := svc.ReceiveBatch(adminCtx(), domain.BatchReceiveRequest{
		ProductID:      product.ID,
		ExpirationDate: "2027-06-05",
		Quantity:       10,
	}); err != nil {
		t.Fatalf("receive batch: %v", err)
	}

	resp, err := svc.ExpiringBatches(context.Background(), 30)
	if err != nil {
		t.Fatalf("expiring batches failed: %v", err)
	}
	if len(resp.Batches) != 1 || resp.Batches[0].BatchID != near.ID {
		t.Fatalf("batches = %+v, want only the near-expiry batch", resp.Batches)
	}
}

func TestAuditTrailRecordsSaleLifecycle(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, 550, 20)

	resp, err := svc.CommitSale(cashierCtx(), domain.CommitSaleRequest{
		Items: []domain.SaleLine{{ProductID: product.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("commit sale failed: %v", err)
	}
	if _, err := svc.VoidSale(cashierCtx(), domain.DeleteSaleRequest{SaleID: resp.Sale.ID}); err != nil {
		t.Fatalf("void sale failed: %v", err)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), "2026-05-20", 50)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	var commits, voids int
	for _, entry := range logs {
		switch entry.Action {
		case "sale_commit":
			commits++
		case "sale_void":
			voids++
		}
	}
	if commits != 1 || voids != 1 {
		t.Fatalf("audit commits=%d voids=%d, want 1 and 1", commits, voids)
	}
}

func TestUpdateProductKeepsStock(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, 550, 20)

	newPrice := int64(700)
	updated, err := svc.UpdateProduct(adminCtx(), product.ID, domain.ProductUpdateRequest{PriceCents: &newPrice})
	if err != nil {
		t.Fatalf("update product failed: %v", err)
	}
	if updated.PriceCents != 700 {
		t.Fatalf("price = %d, want 700", updated.PriceCents)
	}
	if updated.Stock != 20 {
		t.Fatalf("stock = %d, want preserved 20", updated.Stock)
	}
}
