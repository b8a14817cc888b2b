package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/ledger"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/txid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `id, medicine_id, name, brand_name, generic_name, category,
	price_cents, stock, min_stock_level, expiration_date, supplier, unit, created_at`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	var expiration sql.NullTime
	err := row.Scan(&p.ID, &p.MedicineID, &p.Name, &p.BrandName, &p.GenericName, &p.Category,
		&p.PriceCents, &p.Stock, &p.MinStockLevel, &expiration, &p.Supplier, &p.Unit, &p.CreatedAt)
	if err != nil {
		return p, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	if expiration.Valid {
		e := domain.DayUTC(expiration.Time)
		p.ExpirationDate = &e
	}
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductByMedicineID(ctx context.Context, medicineID string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE medicine_id = $1
	`, medicineID)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.MedicineID == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidRequest
	}
	if product.Stock < 0 || product.MinStockLevel < 0 {
		return nil, store.ErrInvalidRequest
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (
			id, medicine_id, name, brand_name, generic_name, category,
			price_cents, stock, min_stock_level, expiration_date, supplier, unit,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now())
	`, product.ID, product.MedicineID, product.Name, product.BrandName, product.GenericName, product.Category,
		product.PriceCents, product.Stock, product.MinStockLevel, nullDate(product.ExpirationDate),
		product.Supplier, product.Unit, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}

	created := product
	return &created, nil
}

// UpdateProduct writes catalog fields only. Stock, medicine id and creation
// time are owned by the sale/batch paths and never change here.
func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidRequest
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, brand_name = $3, generic_name = $4, category = $5,
			price_cents = $6, min_stock_level = $7, expiration_date = $8,
			supplier = $9, unit = $10, updated_at = now()
		WHERE id = $1
	`, product.ID, product.Name, product.BrandName, product.GenericName, product.Category,
		product.PriceCents, product.MinStockLevel, nullDate(product.ExpirationDate),
		product.Supplier, product.Unit)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetProduct(ctx, product.ID)
}

func (s *Store) ListBatches(ctx context.Context, productID string) ([]domain.Batch, error) {
	if _, err := s.GetProduct(ctx, productID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, batch_number, expiration_date, stock, received_at
		FROM batches
		WHERE product_id = $1
		ORDER BY expiration_date ASC, id ASC
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0, 16)
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(&b.ID, &b.ProductID, &b.BatchNumber, &b.ExpirationDate, &b.Stock, &b.ReceivedAt); err != nil {
			return nil, err
		}
		b.ExpirationDate = domain.DayUTC(b.ExpirationDate)
		b.ReceivedAt = b.ReceivedAt.UTC()
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

// ReceiveBatch inserts the batch and raises the product aggregate in one
// serializable transaction.
func (s *Store) ReceiveBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error) {
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

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var productID string
	err = pgTx.QueryRowContext(ctx, `
		SELECT id FROM products WHERE id = $1 FOR UPDATE
	`, batch.ProductID).Scan(&productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO batches (id, product_id, batch_number, expiration_date, stock, received_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, batch.ID, batch.ProductID, batch.BatchNumber, domain.DayUTC(batch.ExpirationDate), batch.Stock, batch.ReceivedAt)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1
	`, batch.ProductID, batch.Stock)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := batch
	return &created, nil
}

// lockProduct reads one product row under FOR UPDATE.
func lockProduct(ctx context.Context, pgTx *sql.Tx, productID string) (domain.Product, error) {
	row := pgTx.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return product, store.ErrNotFound
		}
		return product, err
	}
	return product, nil
}

// lockBatches reads a product's batches in FEFO order under FOR UPDATE.
func lockBatches(ctx context.Context, pgTx *sql.Tx, productID string) ([]domain.Batch, error) {
	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, product_id, batch_number, expiration_date, stock, received_at
		FROM batches
		WHERE product_id = $1
		ORDER BY expiration_date ASC, id ASC
		FOR UPDATE
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0, 8)
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(&b.ID, &b.ProductID, &b.BatchNumber, &b.ExpirationDate, &b.Stock, &b.ReceivedAt); err != nil {
			return nil, err
		}
		b.ExpirationDate = domain.DayUTC(b.ExpirationDate)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// adjustBatchStock applies a delta to one batch row. The WHERE clause
// refuses any result below zero; planning already bounds every debit, so a
// zero row count means the rows disagree with the plan and the transaction
// must fail rather than write a clamped count.
func adjustBatchStock(ctx context.Context, pgTx *sql.Tx, batchID string, delta int) error {
	if delta == 0 {
		return nil
	}
	res, err := pgTx.ExecContext(ctx, `
		UPDATE batches SET stock = stock + $2, updated_at = now()
		WHERE id = $1 AND stock + $2 >= 0
	`, batchID, delta)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNegativeStock
	}
	return nil
}

func adjustProductStock(ctx context.Context, pgTx *sql.Tx, productID string, delta int) error {
	if delta == 0 {
		return nil
	}
	res, err := pgTx.ExecContext(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1 AND stock + $2 >= 0
	`, productID, delta)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNegativeStock
	}
	return nil
}

func insertSaleItems(ctx context.Context, pgTx *sql.Tx, saleID string, items []domain.SaleItem, allocations []domain.ItemAllocation) error {
	for _, item := range items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (
				id, sale_id, product_id, medicine_id, medicine_name,
				quantity, unit_price_cents, subtotal_cents
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, item.ID, saleID, item.ProductID, item.MedicineID, item.MedicineName,
			item.Quantity, item.UnitPriceCents, item.SubtotalCents)
		if err != nil {
			return err
		}
	}
	for _, alloc := range allocations {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_item_allocations (sale_item_id, batch_id, quantity)
			VALUES ($1,$2,$3)
		`, alloc.SaleItemID, alloc.BatchID, alloc.Quantity)
		if err != nil {
			return err
		}
	}
	return nil
}

// CommitSale plans a FEFO allocation for every line before mutating anything,
// then applies the batch decrements, the aggregate decrements, and the sale
// rows inside one serializable transaction. Product and batch rows are locked
// with FOR UPDATE so concurrent commits on the same product serialize.
func (s *Store) CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.TransactionID == "" {
		return nil, store.ErrInvalidRequest
	}
	if len(sale.Items) == 0 {
		return nil, store.ErrEmptySale
	}
	if sale.ID == "" {
		sale.ID = txid.New("sale")
	}
	if sale.SaleDate.IsZero() {
		sale.SaleDate = time.Now().UTC()
	}
	now := sale.SaleDate

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// phase 1: plan every line against locked rows, mutate nothing. Lines
	// repeating a product plan against what earlier lines already reserved.
	type lineAlloc struct {
		item domain.SaleItem
		plan ledger.Plan
	}
	planned := make([]lineAlloc, 0, len(sale.Items))
	lockedProducts := map[string]domain.Product{}
	lockedBatches := map[string][]domain.Batch{}
	reservedAgg := map[string]int{}
	reservedBatch := map[string]int{}
	total := int64(0)
	for _, item := range sale.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidQuantity
		}
		product, locked := lockedProducts[item.ProductID]
		if !locked {
			product, err = lockProduct(ctx, pgTx, item.ProductID)
			if err != nil {
				return nil, err
			}
			lockedProducts[item.ProductID] = product
			batches, err := lockBatches(ctx, pgTx, item.ProductID)
			if err != nil {
				return nil, err
			}
			lockedBatches[item.ProductID] = batches
		}

		plan, err := planAllocation(product, lockedBatches[item.ProductID], item.Quantity, now, reservedAgg, reservedBatch)
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

	// phase 2: apply
	items := make([]domain.SaleItem, 0, len(planned))
	allocations := make([]domain.ItemAllocation, 0, len(planned))
	for _, la := range planned {
		if err := adjustProductStock(ctx, pgTx, la.plan.ProductID, -la.item.Quantity); err != nil {
			return nil, err
		}
		for _, leg := range la.plan.Allocations {
			if err := adjustBatchStock(ctx, pgTx, leg.BatchID, -leg.Quantity); err != nil {
				return nil, err
			}
			allocations = append(allocations, domain.ItemAllocation{
				SaleItemID: la.item.ID,
				BatchID:    leg.BatchID,
				Quantity:   leg.Quantity,
			})
		}
		items = append(items, la.item)
	}

	sale.Items = items
	sale.Allocations = allocations
	sale.TotalAmountCents = total

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (id, transaction_id, sale_date, user_id, total_amount_cents)
		VALUES ($1,$2,$3,$4,$5)
	`, sale.ID, sale.TransactionID, sale.SaleDate, sale.UserID, sale.TotalAmountCents)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}
	if err := insertSaleItems(ctx, pgTx, sale.ID, items, allocations); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

// planAllocation builds the FEFO plan for one product minus what the
// enclosing operation has already reserved. With no batches on record the
// aggregate is the sole counter and the plan stays empty.
func planAllocation(product domain.Product, batches []domain.Batch, qty int, now time.Time, reservedAgg map[string]int, reservedBatch map[string]int) (ledger.Plan, error) {
	if product.Stock-reservedAgg[product.ID] < qty {
		return ledger.Plan{}, store.ErrInsufficientStock
	}
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

// lockSale reads a sale with its items and allocations, locking the sale row.
func lockSale(ctx context.Context, pgTx *sql.Tx, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	err := pgTx.QueryRowContext(ctx, `
		SELECT id, transaction_id, sale_date, user_id, total_amount_cents
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID).Scan(&sale.ID, &sale.TransactionID, &sale.SaleDate, &sale.UserID, &sale.TotalAmountCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.SaleDate = sale.SaleDate.UTC()

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT id, product_id, medicine_id, medicine_name, quantity, unit_price_cents, subtotal_cents
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	for itemRows.Next() {
		var item domain.SaleItem
		if err := itemRows.Scan(&item.ID, &item.ProductID, &item.MedicineID, &item.MedicineName, &item.Quantity, &item.UnitPriceCents, &item.SubtotalCents); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		sale.Items = append(sale.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	allocRows, err := pgTx.QueryContext(ctx, `
		SELECT a.sale_item_id, a.batch_id, a.quantity
		FROM sale_item_allocations a
		JOIN sale_items i ON i.id = a.sale_item_id
		WHERE i.sale_id = $1
		ORDER BY a.sale_item_id, a.batch_id
	`, saleID)
	if err != nil {
		return nil, err
	}
	for allocRows.Next() {
		var alloc domain.ItemAllocation
		if err := allocRows.Scan(&alloc.SaleItemID, &alloc.BatchID, &alloc.Quantity); err != nil {
			_ = allocRows.Close()
			return nil, err
		}
		sale.Allocations = append(sale.Allocations, alloc)
	}
	if err := allocRows.Err(); err != nil {
		_ = allocRows.Close()
		return nil, err
	}
	_ = allocRows.Close()

	return &sale, nil
}

// plansByProduct regroups a sale's persisted batch allocations per product.
func plansByProduct(sale *domain.Sale) map[string]ledger.Plan {
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

// EditSale replaces a same-day sale's lines with a new set, reallocating only
// the per-product deltas. Added quantity draws from current batches in FEFO
// order; removed quantity flows back to the most recently allocated batches
// first. All deltas are planned before any row changes.
func (s *Store) EditSale(ctx context.Context, saleID string, lines []domain.SaleLine, now time.Time) (*domain.Sale, error) {
	if len(lines) == 0 {
		return nil, store.ErrEmptySale
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	sale, err := lockSale(ctx, pgTx, saleID)
	if err != nil {
		return nil, err
	}
	if !domain.IsEditable(*sale, now) {
		return nil, store.ErrEditWindowExpired
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
	origPlans := plansByProduct(sale)
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
	products := map[string]domain.Product{}
	changes := make([]productChange, 0, len(order))
	for _, productID := range order {
		product, err := lockProduct(ctx, pgTx, productID)
		if err != nil {
			return nil, err
		}
		products[productID] = product
		oq, nq := origQty[productID], newQty[productID]
		if oq == nq {
			changes = append(changes, productChange{productID: productID, nextPlan: origPlans[productID]})
			continue
		}

		batches, err := lockBatches(ctx, pgTx, productID)
		if err != nil {
			return nil, err
		}
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
			change.consume.Allocations = allocationDiff(orig, next)
		}
		changes = append(changes, change)
	}

	// phase 2: apply every delta
	for _, change := range changes {
		if change.qtyDelta == 0 && len(change.restore) == 0 {
			continue
		}
		if err := adjustProductStock(ctx, pgTx, change.productID, -change.qtyDelta); err != nil {
			return nil, err
		}
		for _, leg := range change.consume.Allocations {
			if err := adjustBatchStock(ctx, pgTx, leg.BatchID, -leg.Quantity); err != nil {
				return nil, err
			}
		}
		for _, leg := range change.restore {
			if err := adjustBatchStock(ctx, pgTx, leg.BatchID, leg.Quantity); err != nil {
				return nil, err
			}
		}
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
			product := products[change.productID]
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

	if err := deleteSaleItems(ctx, pgTx, saleID); err != nil {
		return nil, err
	}
	if err := insertSaleItems(ctx, pgTx, saleID, items, allocations); err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales SET total_amount_cents = $2 WHERE id = $1
	`, saleID, total)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	sale.Items = items
	sale.Allocations = allocations
	sale.TotalAmountCents = total
	return sale, nil
}

// allocationDiff returns the legs present in next beyond what orig already
// held, per batch.
func allocationDiff(orig ledger.Plan, next ledger.Plan) []ledger.Allocation {
	held := map[string]int{}
	for _, leg := range orig.Allocations {
		held[leg.BatchID] += leg.Quantity
	}
	diff := make([]ledger.Allocation, 0, len(next.Allocations))
	for _, leg := range next.Allocations {
		extra := leg.Quantity - held[leg.BatchID]
		if extra > 0 {
			diff = append(diff, ledger.Allocation{BatchID: leg.BatchID, Quantity: extra})
		}
	}
	return diff
}

// VoidSale restores the exact batches the sale consumed and removes the sale.
// Only same-day sales may be voided.
func (s *Store) VoidSale(ctx context.Context, saleID string, now time.Time) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	sale, err := lockSale(ctx, pgTx, saleID)
	if err != nil {
		return nil, err
	}
	if !domain.IsEditable(*sale, now) {
		return nil, store.ErrEditWindowExpired
	}

	for _, item := range sale.Items {
		if _, err := lockProduct(ctx, pgTx, item.ProductID); err != nil {
			return nil, err
		}
		if err := adjustProductStock(ctx, pgTx, item.ProductID, item.Quantity); err != nil {
			return nil, err
		}
	}
	for _, alloc := range sale.Allocations {
		if err := adjustBatchStock(ctx, pgTx, alloc.BatchID, alloc.Quantity); err != nil {
			return nil, err
		}
	}

	if err := deleteSaleItems(ctx, pgTx, saleID); err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

func deleteSaleItems(ctx context.Context, pgTx *sql.Tx, saleID string) error {
	_, err := pgTx.ExecContext(ctx, `
		DELETE FROM sale_item_allocations
		WHERE sale_item_id IN (SELECT id FROM sale_items WHERE sale_id = $1)
	`, saleID)
	if err != nil {
		return err
	}
	_, err = pgTx.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, saleID)
	return err
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", saleID)
}

func (s *Store) GetSaleByTransactionID(ctx context.Context, transactionID string) (*domain.Sale, error) {
	return s.findSale(ctx, "transaction_id", transactionID)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, sale_date, user_id, total_amount_cents
		FROM sales
		WHERE `+column+` = $1
	`, value).Scan(&sale.ID, &sale.TransactionID, &sale.SaleDate, &sale.UserID, &sale.TotalAmountCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.SaleDate = sale.SaleDate.UTC()

	items, err := s.loadItems(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

func (s *Store) loadItems(ctx context.Context, saleIDs []string) (map[string][]domain.SaleItem, error) {
	result := make(map[string][]domain.SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, id, product_id, medicine_id, medicine_name, quantity, unit_price_cents, subtotal_cents
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, id
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var saleID string
		var item domain.SaleItem
		if err := rows.Scan(&saleID, &item.ID, &item.ProductID, &item.MedicineID, &item.MedicineName, &item.Quantity, &item.UnitPriceCents, &item.SubtotalCents); err != nil {
			return nil, err
		}
		result[saleID] = append(result[saleID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, sale_date, user_id, total_amount_cents
		FROM sales
		WHERE sale_date >= $1 AND sale_date < $2
		ORDER BY sale_date DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.TransactionID, &sale.SaleDate, &sale.UserID, &sale.TotalAmountCents); err != nil {
			return nil, err
		}
		sale.SaleDate = sale.SaleDate.UTC()
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := s.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) GetSalesSummary(ctx context.Context, from time.Time, to time.Time) (domain.SalesSummary, error) {
	var summary domain.SalesSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint, COALESCE(SUM(total_amount_cents),0)::bigint
		FROM sales
		WHERE sale_date >= $1 AND sale_date < $2
	`, from, to).Scan(&summary.Sales, &summary.TotalAmountCents)
	if err != nil {
		return summary, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(i.quantity),0)::bigint
		FROM sale_items i
		JOIN sales s ON s.id = i.sale_id
		WHERE s.sale_date >= $1 AND s.sale_date < $2
	`, from, to).Scan(&summary.ItemsSold)
	return summary, err
}

func (s *Store) TopSellers(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.TopSeller, error) {
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT i.product_id, i.medicine_id, i.medicine_name,
			SUM(i.quantity)::bigint, SUM(i.subtotal_cents)::bigint
		FROM sale_items i
		JOIN sales s ON s.id = i.sale_id
		WHERE s.sale_date >= $1 AND s.sale_date < $2
		GROUP BY i.product_id, i.medicine_id, i.medicine_name
		ORDER BY SUM(i.quantity) DESC, i.medicine_name ASC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sellers := make([]domain.TopSeller, 0, limit)
	for rows.Next() {
		var seller domain.TopSeller
		if err := rows.Scan(&seller.ProductID, &seller.MedicineID, &seller.MedicineName, &seller.QuantitySold, &seller.TotalAmountCents); err != nil {
			return nil, err
		}
		sellers = append(sellers, seller)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sellers, nil
}

func (s *Store) LowStockProducts(ctx context.Context) ([]domain.LowStockProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, medicine_id, name, stock, min_stock_level
		FROM products
		WHERE stock <= min_stock_level
		ORDER BY stock ASC, name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.LowStockProduct, 0, 16)
	for rows.Next() {
		var p domain.LowStockProduct
		if err := rows.Scan(&p.ProductID, &p.MedicineID, &p.Name, &p.Stock, &p.MinStockLevel); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ExpiringBatches(ctx context.Context, before time.Time) ([]domain.ExpiringBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.product_id, p.medicine_id, p.name, b.batch_number, b.expiration_date, b.stock
		FROM batches b
		JOIN products p ON p.id = b.product_id
		WHERE b.stock >= 1 AND b.expiration_date <= $1
		ORDER BY b.expiration_date ASC, b.id ASC
	`, domain.DayUTC(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.ExpiringBatch, 0, 16)
	for rows.Next() {
		var b domain.ExpiringBatch
		if err := rows.Scan(&b.BatchID, &b.ProductID, &b.MedicineID, &b.Name, &b.BatchNumber, &b.ExpirationDate, &b.Stock); err != nil {
			return nil, err
		}
		b.ExpirationDate = domain.DayUTC(b.ExpirationDate)
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CheckStockConsistency(ctx context.Context, productID string) (domain.StockConsistencyReport, error) {
	report := domain.StockConsistencyReport{ProductID: productID}

	err := s.db.QueryRowContext(ctx, `
		SELECT stock FROM products WHERE id = $1
	`, productID).Scan(&report.AggregateStock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return report, store.ErrNotFound
		}
		return report, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::int, COALESCE(SUM(stock),0)::int
		FROM batches
		WHERE product_id = $1
	`, productID).Scan(&report.BatchCount, &report.BatchStockSum)
	if err != nil {
		return report, err
	}

	report.Consistent = report.BatchCount == 0 || report.AggregateStock == report.BatchStockSum
	return report, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = txid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRequest
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidRequest
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return domain.DayUTC(*val)
}
