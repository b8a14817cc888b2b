package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/ledger"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/txid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	productsByMedID map[string]string
	batchesByProd   map[string][]domain.Batch
	salesByID       map[string]*domain.Sale
	salesByTxnID    map[string]string
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; unset
// variables fall back to hardcoded dev defaults with a warning. The memory
// store is never used in production (DATABASE_URL selects PostgreSQL).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		products:        map[string]domain.Product{},
		productsByMedID: map[string]string{},
		batchesByProd:   map[string][]domain.Batch{},
		salesByID:       map[string]*domain.Sale{},
		salesByTxnID:    map[string]string{},
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

// NewSeeded returns a store preloaded with a small pharmacy catalog and
// batches, for dev/demo mode.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	exp := func(months int) time.Time {
		return domain.DayUTC(now.AddDate(0, months, 0))
	}

	seed := []struct {
		product domain.Product
		batches []domain.Batch
	}{
		{
			product: domain.Product{MedicineID: "MED-0001-SEED01", Name: "Paracetamol 500mg", BrandName: "Biogesic", GenericName: "Paracetamol", Category: "analgesic", PriceCents: 550, MinStockLevel: 50, Unit: "tablet", Supplier: "Unilab"},
			batches: []domain.Batch{
				{BatchNumber: "PCM-2603", ExpirationDate: exp(7), Stock: 120},
				{BatchNumber: "PCM-2702", ExpirationDate: exp(18), Stock: 200},
			},
		},
		{
			product: domain.Product{MedicineID: "MED-0002-SEED02", Name: "Amoxicillin 500mg", BrandName: "Amoxil", GenericName: "Amoxicillin", Category: "antibiotic", PriceCents: 1250, MinStockLevel: 40, Unit: "capsule", Supplier: "GSK"},
			batches: []domain.Batch{
				{BatchNumber: "AMX-2605", ExpirationDate: exp(9), Stock: 90},
			},
		},
		{
			product: domain.Product{MedicineID: "MED-0003-SEED03", Name: "Cetirizine 10mg", BrandName: "Zyrtec", GenericName: "Cetirizine", Category: "antihistamine", PriceCents: 900, MinStockLevel: 30, Unit: "tablet", Supplier: "UCB"},
			batches: []domain.Batch{
				{BatchNumber: "CTZ-2602", ExpirationDate: exp(6), Stock: 60},
				{BatchNumber: "CTZ-2711", ExpirationDate: exp(27), Stock: 100},
			},
		},
		{
			product: domain.Product{MedicineID: "MED-0004-SEED04", Name: "Omeprazole 20mg", BrandName: "Losec", GenericName: "Omeprazole", Category: "antacid", PriceCents: 1600, MinStockLevel: 25, Unit: "capsule", Supplier: "AstraZeneca"},
			batches: []domain.Batch{
				{BatchNumber: "OMP-2608", ExpirationDate: exp(12), Stock: 75},
			},
		},
		{
			product: domain.Product{MedicineID: "MED-0005-SEED05", Name: "Oral Rehydration Salts", BrandName: "Hydrite", GenericName: "ORS", Category: "rehydration", PriceCents: 700, MinStockLevel: 20, Unit: "sachet", Supplier: "Unilab"},
			// no batches: aggregate stock is the sole counter
		},
	}

	for _, entry := range seed {
		p := entry.product
		p.ID = txid.New("prod")
		p.CreatedAt = now
		stock := 0
		batches := make([]domain.Batch, 0, len(entry.batches))
		for _, b := range entry.batches {
			b.ID = txid.New("batch")
			b.ProductID = p.ID
			b.ReceivedAt = now
			batches = append(batches, b)
			stock += b.Stock
		}
		if len(batches) == 0 {
			stock = 40
		}
		p.Stock = stock
		s.products[p.ID] = p
		s.productsByMedID[p.MedicineID] = p.ID
		if len(batches) > 0 {
			s.batchesByProd[p.ID] = batches
		}
	}
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductByMedicineID(_ context.Context, medicineID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.productsByMedID[medicineID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := s.products[id]
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.MedicineID == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidRequest
	}
	if product.Stock < 0 || product.MinStockLevel < 0 {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.productsByMedID[product.MedicineID]; exists {
		return nil, store.ErrInvalidRequest
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	s.products[product.ID] = product
	s.productsByMedID[product.MedicineID] = product.ID
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidRequest
	}
	existing, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	// stock and identity fields are owned by the sale/batch paths
	product.MedicineID = existing.MedicineID
	product.Stock = existing.Stock
	product.CreatedAt = existing.CreatedAt

	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) ListBatches(_ context.Context, productID string) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.products[productID]; !exists {
		return nil, store.ErrNotFound
	}
	batches := s.batchesByProd[productID]
	result := make([]domain.Batch, len(batches))
	copy(result, batches)
	ledger.SortFEFO(result)
	return result, nil
}

// ReceiveBatch appends a batch and raises the product aggregate by the same
// quantity in one locked section.
func (s *Store) ReceiveBatch(_ context.Context, batch domain.Batch) (*domain.Batch, error) {
	if batch.ProductID == "" || batch.ExpirationDate.IsZero() {
		return nil, store.ErrInvalidRequest
	}
	if batch.Stock < 1 {
		return nil, store.ErrInvalidQuantity
	}
	if batch.ID == "" {
		batch.ID = txid.New("batch")
	}
	if strings.TrimSpace(batch.BatchNumber) == "" {
		batch.BatchNumber = "MANUAL-" + batch.ID
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[batch.ProductID]
	if !exists {
		return nil, store.ErrNotFound
	}

	s.batchesByProd[batch.ProductID] = append(s.batchesByProd[batch.ProductID], batch)
	product.Stock += batch.Stock
	s.products[batch.ProductID] = product
	created := batch
	return &created, nil
}

// CommitSale allocates stock for every line before mutating anything, then
// applies all batch decrements, the aggregate decrements, and the sale rows
// in the same locked section. Prices and names are snapshotted from the
// catalog at commit time.
func (s *Store) CommitSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.TransactionID == "" {
		return nil, store.ErrInvalidRequest
	}
	if len(sale.Items) == 0 {
		return nil, store.ErrEmptySale
	}
	if _, exists := s.salesByTxnID[sale.TransactionID]; exists {
		return nil, store.ErrInvalidRequest
	}

	if sale.ID == "" {
		sale.ID = txid.New("sale")
	}
	if sale.SaleDate.IsZero() {
		sale.SaleDate = time.Now().UTC()
	}
	now := sale.SaleDate

	// phase 1: plan every line, mutate nothing. Lines repeating a product
	// plan against what earlier lines already reserved.
	type lineAlloc struct {
		item domain.SaleItem
		plan ledger.Plan
	}
	planned := make([]lineAlloc, 0, len(sale.Items))
	reservedAgg := map[string]int{}
	reservedBatch := map[string]int{}
	total := int64(0)
	for _, item := range sale.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidQuantity
		}
		product, exists := s.products[item.ProductID]
		if !exists {
			return nil, store.ErrNotFound
		}

		plan, err := s.planLocked(product, item.Quantity, now, reservedAgg, reservedBatch)
		if err != nil {
			return nil, err
		}
		reservedAgg[product.ID] += item.Quantity
		for _, leg := range plan.Allocations {
			reservedBatch[leg.BatchID] += leg.Quantity
		}

		if item.ID == "" {
			item.ID = txid.New("item")
		}
		item.MedicineID = product.MedicineID
		item.MedicineName = product.Name
		item.UnitPriceCents = product.PriceCents
		item.SubtotalCents = item.Subtotal()
		total += item.SubtotalCents
		planned = append(planned, lineAlloc{item: item, plan: plan})
	}

	// phase 2: apply. Debits were bounded during planning; re-check them
	// so a disagreement surfaces as an error instead of a clamped count.
	if err := s.debitsWithinStock(reservedAgg, reservedBatch); err != nil {
		return nil, err
	}
	items := make([]domain.SaleItem, 0, len(planned))
	allocations := make([]domain.ItemAllocation, 0, len(planned))
	for _, la := range planned {
		s.applyPlanLocked(la.plan, la.item.Quantity, -1)
		items = append(items, la.item)
		for _, leg := range la.plan.Allocations {
			allocations = append(allocations, domain.ItemAllocation{
				SaleItemID: la.item.ID,
				BatchID:    leg.BatchID,
				Quantity:   leg.Quantity,
			})
		}
	}

	sale.Items = items
	sale.Allocations = allocations
	sale.TotalAmountCents = total

	saved := cloneSale(&sale)
	s.salesByID[sale.ID] = saved
	s.salesByTxnID[sale.TransactionID] = sale.ID
	return cloneSale(saved), nil
}

// planLocked builds the FEFO plan for one product against current batch
// state minus what the enclosing operation has already reserved. With no
// batches on record the aggregate is the sole counter and the plan stays
// empty.
func (s *Store) planLocked(product domain.Product, qty int, now time.Time, reservedAgg map[string]int, reservedBatch map[string]int) (ledger.Plan, error) {
	if product.Stock-reservedAgg[product.ID] < qty {
		return ledger.Plan{}, store.ErrInsufficientStock
	}
	batches := s.batchesByProd[product.ID]
	if len(batches) == 0 {
		return ledger.Plan{ProductID: product.ID}, nil
	}
	adjusted := make([]domain.Batch, len(batches))
	copy(adjusted, batches)
	for i := range adjusted {
		adjusted[i].Stock -= reservedBatch[adjusted[i].ID]
	}
	return ledger.Allocate(product.ID, adjusted, qty, now, ledger.Policy{})
}

// applyPlanLocked moves qty units for one product. direction is -1 to
// consume and +1 to restore; the plan's legs adjust batches and qty adjusts
// the aggregate, keeping the two in step.
func (s *Store) applyPlanLocked(plan ledger.Plan, qty int, direction int) {
	product := s.products[plan.ProductID]
	product.Stock += direction * qty
	s.products[plan.ProductID] = product

	if len(plan.Allocations) == 0 {
		return
	}
	batches := s.batchesByProd[plan.ProductID]
	for _, leg := range plan.Allocations {
		for i := range batches {
			if batches[i].ID == leg.BatchID {
				batches[i].Stock += direction * leg.Quantity
				break
			}
		}
	}
	s.batchesByProd[plan.ProductID] = batches
}

// EditSale replaces a same-day sale's lines with a new set, reallocating
// only the per-product deltas. Added quantity draws from current batches in
// FEFO order; removed quantity flows back to the most recently allocated
// batches first. All deltas are planned before any is applied.
func (s *Store) EditSale(_ context.Context, saleID string, lines []domain.SaleLine, now time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.salesByID[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !domain.IsEditable(*sale, now) {
		return nil, store.ErrEditWindowExpired
	}
	if len(lines) == 0 {
		return nil, store.ErrEmptySale
	}

	newQty := map[string]int{}
	order := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidQuantity
		}
		if _, seen := newQty[line.ProductID]; !seen {
			order = append(order, line.ProductID)
		}
		newQty[line.ProductID] += line.Quantity
	}

	origQty := map[string]int{}
	origItems := map[string]domain.SaleItem{}
	for _, item := range sale.Items {
		origQty[item.ProductID] += item.Quantity
		origItems[item.ProductID] = item
	}
	origPlans := s.plansFromAllocations(sale)
	for productID := range origQty {
		if _, listed := newQty[productID]; !listed {
			order = append(order, productID)
		}
	}

	// phase 1: plan the delta for every touched product
	type productChange struct {
		productID string
		qtyDelta  int
		consume   ledger.Plan
		restore   []ledger.Allocation
		nextPlan  ledger.Plan
	}
	changes := make([]productChange, 0, len(order))
	for _, productID := range order {
		product, exists := s.products[productID]
		if !exists {
			return nil, store.ErrNotFound
		}
		oq, nq := origQty[productID], newQty[productID]
		if oq == nq {
			changes = append(changes, productChange{productID: productID, nextPlan: origPlans[productID]})
			continue
		}

		batches := s.batchesByProd[productID]
		if len(batches) == 0 {
			// ceiling is current stock plus what this sale already holds
			if product.Stock+oq < nq {
				return nil, store.ErrInsufficientStock
			}
			changes = append(changes, productChange{
				productID: productID,
				qtyDelta:  nq - oq,
				nextPlan:  ledger.Plan{ProductID: productID},
			})
			continue
		}

		orig := origPlans[productID]
		orig.ProductID = productID
		// units sold before the product had batches carry no allocation
		// legs; they settle against the aggregate alone, so the batch-side
		// target excludes them
		held := oq - orig.Total()
		if nq == 0 {
			changes = append(changes, productChange{
				productID: productID,
				qtyDelta:  -oq,
				restore:   ledger.Release(orig),
			})
			continue
		}
		legTarget := nq - held
		if legTarget <= 0 {
			changes = append(changes, productChange{
				productID: productID,
				qtyDelta:  nq - oq,
				restore:   ledger.Release(orig),
				nextPlan:  ledger.Plan{ProductID: productID},
			})
			continue
		}
		next, released, err := ledger.ReallocateDelta(batches, orig, legTarget, now, ledger.Policy{})
		if err != nil {
			return nil, err
		}
		change := productChange{productID: productID, qtyDelta: nq - oq, nextPlan: next, restore: released}
		if legTarget > orig.Total() {
			change.consume = ledger.Plan{ProductID: productID}
			change.consume.Allocations = planDiff(orig, next)
		}
		changes = append(changes, change)
	}

	// phase 2: apply every delta, checking debits first so nothing is
	// applied once any count would land below zero
	aggDebit := map[string]int{}
	batchDebit := map[string]int{}
	for _, change := range changes {
		if change.qtyDelta > 0 {
			aggDebit[change.productID] = change.qtyDelta
		}
		for _, leg := range change.consume.Allocations {
			batchDebit[leg.BatchID] += leg.Quantity
		}
	}
	if err := s.debitsWithinStock(aggDebit, batchDebit); err != nil {
		return nil, err
	}
	for _, change := range changes {
		if change.qtyDelta == 0 && len(change.restore) == 0 {
			continue
		}
		product := s.products[change.productID]
		product.Stock -= change.qtyDelta
		s.products[change.productID] = product

		batches := s.batchesByProd[change.productID]
		for _, leg := range change.consume.Allocations {
			adjustBatch(batches, leg.BatchID, -leg.Quantity)
		}
		for _, leg := range change.restore {
			adjustBatch(batches, leg.BatchID, leg.Quantity)
		}
		s.batchesByProd[change.productID] = batches
	}

	// rebuild items and allocations; kept products keep their price snapshot
	items := make([]domain.SaleItem, 0, len(newQty))
	allocations := make([]domain.ItemAllocation, 0, len(newQty))
	total := int64(0)
	for _, change := range changes {
		nq := newQty[change.productID]
		if nq == 0 {
			continue
		}
		item, kept := origItems[change.productID]
		if !kept {
			product := s.products[change.productID]
			item = domain.SaleItem{
				ID:             txid.New("item"),
				ProductID:      product.ID,
				MedicineID:     product.MedicineID,
				MedicineName:   product.Name,
				UnitPriceCents: product.PriceCents,
			}
		}
		item.Quantity = nq
		item.SubtotalCents = item.Subtotal()
		total += item.SubtotalCents
		items = append(items, item)
		for _, leg := range change.nextPlan.Allocations {
			allocations = append(allocations, domain.ItemAllocation{
				SaleItemID: item.ID,
				BatchID:    leg.BatchID,
				Quantity:   leg.Quantity,
			})
		}
	}

	sale.Items = items
	sale.Allocations = allocations
	sale.TotalAmountCents = total
	return cloneSale(sale), nil
}

// VoidSale restores the exact batches the sale consumed and removes the
// sale. Only same-day sales may be voided.
func (s *Store) VoidSale(_ context.Context, saleID string, now time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.salesByID[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !domain.IsEditable(*sale, now) {
		return nil, store.ErrEditWindowExpired
	}

	plans := s.plansFromAllocations(sale)
	for _, item := range sale.Items {
		plan := plans[item.ProductID]
		plan.ProductID = item.ProductID
		s.applyPlanLocked(plan, item.Quantity, +1)
	}

	delete(s.salesByID, saleID)
	delete(s.salesByTxnID, sale.TransactionID)
	return cloneSale(sale), nil
}

// plansFromAllocations regroups a sale's persisted batch allocations per
// product.
func (s *Store) plansFromAllocations(sale *domain.Sale) map[string]ledger.Plan {
	itemProduct := map[string]string{}
	for _, item := range sale.Items {
		itemProduct[item.ID] = item.ProductID
	}
	plans := map[string]ledger.Plan{}
	for _, alloc := range sale.Allocations {
		productID := itemProduct[alloc.SaleItemID]
		plan := plans[productID]
		plan.ProductID = productID
		plan.Allocations = append(plan.Allocations, ledger.Allocation{BatchID: alloc.BatchID, Quantity: alloc.Quantity})
		plans[productID] = plan
	}
	return plans
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) GetSaleByTransactionID(_ context.Context, transactionID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saleID, exists := s.salesByTxnID[transactionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.salesByID[saleID]), nil
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 64)
	for _, sale := range s.salesByID {
		if !inRange(sale.SaleDate, from, to) {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.SaleDate.Equal(b.SaleDate) {
			return cmpString(b.ID, a.ID)
		}
		if a.SaleDate.After(b.SaleDate) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetSalesSummary(_ context.Context, from time.Time, to time.Time) (domain.SalesSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.SalesSummary{}
	for _, sale := range s.salesByID {
		if !inRange(sale.SaleDate, from, to) {
			continue
		}
		summary.Sales++
		summary.TotalAmountCents += sale.TotalAmountCents
		for _, item := range sale.Items {
			summary.ItemsSold += int64(item.Quantity)
		}
	}
	return summary, nil
}

func (s *Store) TopSellers(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.TopSeller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byProduct := map[string]*domain.TopSeller{}
	for _, sale := range s.salesByID {
		if !inRange(sale.SaleDate, from, to) {
			continue
		}
		for _, item := range sale.Items {
			entry := byProduct[item.ProductID]
			if entry == nil {
				entry = &domain.TopSeller{
					ProductID:    item.ProductID,
					MedicineID:   item.MedicineID,
					MedicineName: item.MedicineName,
				}
				byProduct[item.ProductID] = entry
			}
			entry.QuantitySold += int64(item.Quantity)
			entry.TotalAmountCents += item.SubtotalCents
		}
	}

	result := make([]domain.TopSeller, 0, len(byProduct))
	for _, entry := range byProduct {
		result = append(result, *entry)
	}
	slices.SortFunc(result, func(a, b domain.TopSeller) int {
		if a.QuantitySold == b.QuantitySold {
			return cmpString(a.MedicineName, b.MedicineName)
		}
		if a.QuantitySold > b.QuantitySold {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) LowStockProducts(_ context.Context) ([]domain.LowStockProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LowStockProduct, 0, 16)
	for _, p := range s.products {
		if p.Stock > p.MinStockLevel {
			continue
		}
		result = append(result, domain.LowStockProduct{
			ProductID:     p.ID,
			MedicineID:    p.MedicineID,
			Name:          p.Name,
			Stock:         p.Stock,
			MinStockLevel: p.MinStockLevel,
		})
	}
	slices.SortFunc(result, func(a, b domain.LowStockProduct) int {
		if a.Stock == b.Stock {
			return cmpString(a.Name, b.Name)
		}
		if a.Stock < b.Stock {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) ExpiringBatches(_ context.Context, before time.Time) ([]domain.ExpiringBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := domain.DayUTC(before)
	result := make([]domain.ExpiringBatch, 0, 16)
	for productID, batches := range s.batchesByProd {
		product := s.products[productID]
		for _, b := range batches {
			if b.Stock < 1 || domain.DayUTC(b.ExpirationDate).After(cutoff) {
				continue
			}
			result = append(result, domain.ExpiringBatch{
				BatchID:        b.ID,
				ProductID:      productID,
				MedicineID:     product.MedicineID,
				Name:           product.Name,
				BatchNumber:    b.BatchNumber,
				ExpirationDate: b.ExpirationDate,
				Stock:          b.Stock,
			})
		}
	}
	slices.SortFunc(result, func(a, b domain.ExpiringBatch) int {
		if a.ExpirationDate.Equal(b.ExpirationDate) {
			return cmpString(a.BatchID, b.BatchID)
		}
		if a.ExpirationDate.Before(b.ExpirationDate) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) CheckStockConsistency(_ context.Context, productID string) (domain.StockConsistencyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return domain.StockConsistencyReport{}, store.ErrNotFound
	}
	batches := s.batchesByProd[productID]
	sum := 0
	for _, b := range batches {
		sum += b.Stock
	}
	report := domain.StockConsistencyReport{
		ProductID:      productID,
		AggregateStock: product.Stock,
		BatchStockSum:  sum,
		BatchCount:     len(batches),
	}
	report.Consistent = len(batches) == 0 || report.AggregateStock == report.BatchStockSum
	return report, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = txid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if !inRange(entry.CreatedAt, from, to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRequest
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidRequest
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// planDiff returns the legs present in next beyond orig, per batch.
func planDiff(orig ledger.Plan, next ledger.Plan) []ledger.Allocation {
	origByBatch := map[string]int{}
	for _, leg := range orig.Allocations {
		origByBatch[leg.BatchID] += leg.Quantity
	}
	diff := make([]ledger.Allocation, 0, len(next.Allocations))
	for _, leg := range next.Allocations {
		extra := leg.Quantity - origByBatch[leg.BatchID]
		if extra > 0 {
			diff = append(diff, ledger.Allocation{BatchID: leg.BatchID, Quantity: extra})
		}
	}
	return diff
}

// debitsWithinStock verifies planned aggregate and batch debits all leave
// non-negative counts. Returns ErrNegativeStock when the records disagree
// with the plan; negative stock is never written.
func (s *Store) debitsWithinStock(aggDebit map[string]int, batchDebit map[string]int) error {
	for productID, qty := range aggDebit {
		if s.products[productID].Stock < qty {
			return store.ErrNegativeStock
		}
	}
	if len(batchDebit) == 0 {
		return nil
	}
	for _, batches := range s.batchesByProd {
		for _, b := range batches {
			if qty, ok := batchDebit[b.ID]; ok && b.Stock < qty {
				return store.ErrNegativeStock
			}
		}
	}
	return nil
}

func adjustBatch(batches []domain.Batch, batchID string, delta int) {
	for i := range batches {
		if batches[i].ID == batchID {
			batches[i].Stock += delta
			return
		}
	}
}

func inRange(at time.Time, from time.Time, to time.Time) bool {
	return !at.Before(from) && at.Before(to)
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.SaleItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	allocations := make([]domain.ItemAllocation, len(src.Allocations))
	copy(allocations, src.Allocations)
	dup.Allocations = allocations
	return &dup
}
