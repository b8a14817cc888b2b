package domain

import "time"

type Product struct {
	ID             string     `json:"id"`
	MedicineID     string     `json:"medicine_id"`
	Name           string     `json:"name"`
	BrandName      string     `json:"brand_name,omitempty"`
	GenericName    string     `json:"generic_name,omitempty"`
	Category       string     `json:"category"`
	PriceCents     int64      `json:"price_cents"`
	Stock          int        `json:"stock"`
	MinStockLevel  int        `json:"min_stock_level"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	Supplier       string     `json:"supplier,omitempty"`
	Unit           string     `json:"unit,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type ProductCreateRequest struct {
	Name           string `json:"name"`
	BrandName      string `json:"brand_name"`
	GenericName    string `json:"generic_name"`
	Category       string `json:"category"`
	PriceCents     int64  `json:"price_cents"`
	MinStockLevel  int    `json:"min_stock_level"`
	InitialStock   int    `json:"initial_stock"`
	Supplier       string `json:"supplier"`
	Unit           string `json:"unit"`
	ExpirationDate string `json:"expiration_date,omitempty"`
}

type ProductUpdateRequest struct {
	Name          *string `json:"name,omitempty"`
	BrandName     *string `json:"brand_name,omitempty"`
	GenericName   *string `json:"generic_name,omitempty"`
	Category      *string `json:"category,omitempty"`
	PriceCents    *int64  `json:"price_cents,omitempty"`
	MinStockLevel *int    `json:"min_stock_level,omitempty"`
	Supplier      *string `json:"supplier,omitempty"`
	Unit          *string `json:"unit,omitempty"`
}

// Batch is a received lot of one product sharing a single expiration date.
// A batch with zero remaining stock stays on record for history.
type Batch struct {
	ID             string    `json:"id"`
	ProductID      string    `json:"product_id"`
	BatchNumber    string    `json:"batch_number"`
	ExpirationDate time.Time `json:"expiration_date"`
	Stock          int       `json:"stock"`
	ReceivedAt     time.Time `json:"received_at"`
}

type BatchReceiveRequest struct {
	ProductID      string `json:"product_id"`
	BatchNumber    string `json:"batch_number"`
	ExpirationDate string `json:"expiration_date"`
	Quantity       int    `json:"quantity"`
}

// SaleItem carries a snapshot of the product at sale time so historical
// receipts stay correct if the catalog later changes.
type SaleItem struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	MedicineID     string `json:"medicine_id"`
	MedicineName   string `json:"medicine_name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

// ItemAllocation records how much of one sale item was taken from which
// batch, so a void or downward edit restores the exact batches consumed.
type ItemAllocation struct {
	SaleItemID string `json:"sale_item_id"`
	BatchID    string `json:"batch_id"`
	Quantity   int    `json:"quantity"`
}

type Sale struct {
	ID               string           `json:"id"`
	TransactionID    string           `json:"transaction_id"`
	SaleDate         time.Time        `json:"sale_date"`
	UserID           string           `json:"user_id"`
	TotalAmountCents int64            `json:"total_amount_cents"`
	Items            []SaleItem       `json:"items"`
	Allocations      []ItemAllocation `json:"-"`
}

type SaleLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CommitSaleRequest struct {
	UserID string     `json:"user_id"`
	Items  []SaleLine `json:"items"`
}

type EditSaleRequest struct {
	SaleID string     `json:"sale_id"`
	Items  []SaleLine `json:"items"`
}

type DeleteSaleRequest struct {
	SaleID string `json:"sale_id"`
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

type VoidSaleResponse struct {
	SaleID        string `json:"sale_id"`
	TransactionID string `json:"transaction_id"`
	VoidedAt      string `json:"voided_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type SalesSummary struct {
	From             string `json:"from"`
	To               string `json:"to"`
	Sales            int64  `json:"sales"`
	ItemsSold        int64  `json:"items_sold"`
	TotalAmountCents int64  `json:"total_amount_cents"`
}

type TopSeller struct {
	ProductID        string `json:"product_id"`
	MedicineID       string `json:"medicine_id"`
	MedicineName     string `json:"medicine_name"`
	QuantitySold     int64  `json:"quantity_sold"`
	TotalAmountCents int64  `json:"total_amount_cents"`
}

type TopSellersResponse struct {
	From    string      `json:"from"`
	To      string      `json:"to"`
	Sellers []TopSeller `json:"sellers"`
}

type LowStockProduct struct {
	ProductID     string `json:"product_id"`
	MedicineID    string `json:"medicine_id"`
	Name          string `json:"name"`
	Stock         int    `json:"stock"`
	MinStockLevel int    `json:"min_stock_level"`
}

type LowStockResponse struct {
	Products []LowStockProduct `json:"products"`
}

type ExpiringBatch struct {
	BatchID        string    `json:"batch_id"`
	ProductID      string    `json:"product_id"`
	MedicineID     string    `json:"medicine_id"`
	Name           string    `json:"name"`
	BatchNumber    string    `json:"batch_number"`
	ExpirationDate time.Time `json:"expiration_date"`
	Stock          int       `json:"stock"`
}

type ExpiringBatchesResponse struct {
	WithinDays int             `json:"within_days"`
	Batches    []ExpiringBatch `json:"batches"`
}

// StockConsistencyReport is a diagnostic read: a mismatch means an earlier
// commit was not atomic and must be surfaced, never silently corrected.
type StockConsistencyReport struct {
	ProductID      string `json:"product_id"`
	AggregateStock int    `json:"aggregate_stock"`
	BatchStockSum  int    `json:"batch_stock_sum"`
	BatchCount     int    `json:"batch_count"`
	Consistent     bool   `json:"consistent"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// IsEditable reports whether a sale may still be edited or voided: only
// while its sale date falls on the same calendar day as now (UTC).
func IsEditable(sale Sale, now time.Time) bool {
	saleDay := sale.SaleDate.UTC()
	today := now.UTC()
	return saleDay.Year() == today.Year() && saleDay.YearDay() == today.YearDay()
}

// Subtotal recomputes the line subtotal from quantity and the snapshotted
// unit price.
func (i SaleItem) Subtotal() int64 {
	return int64(i.Quantity) * i.UnitPriceCents
}

// IsExpired reports whether the batch is past its expiration date relative
// to the given day (dates compare at day precision, UTC).
func (b Batch) IsExpired(now time.Time) bool {
	return DayUTC(b.ExpirationDate).Before(DayUTC(now))
}

// DayUTC truncates a timestamp to its UTC calendar day.
func DayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
