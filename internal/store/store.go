package store

import (
	"context"
	"errors"
	"time"

	"farmapos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNegativeStock     = errors.New("negative stock")
	ErrEditWindowExpired = errors.New("edit window expired")
	ErrEmptySale         = errors.New("empty sale")
	ErrInvalidRequest    = errors.New("invalid request")
)

// Repository is the persistence boundary for the sale-inventory engine.
// Every sale mutation (CommitSale, EditSale, VoidSale, ReceiveBatch) must be
// atomic: the sale rows, the touched batch rows, and the product stock
// aggregate change together or not at all.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductByMedicineID(ctx context.Context, medicineID string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	ListBatches(ctx context.Context, productID string) ([]domain.Batch, error)
	ReceiveBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error)

	CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	EditSale(ctx context.Context, saleID string, lines []domain.SaleLine, now time.Time) (*domain.Sale, error)
	VoidSale(ctx context.Context, saleID string, now time.Time) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	GetSaleByTransactionID(ctx context.Context, transactionID string) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error)

	GetSalesSummary(ctx context.Context, from time.Time, to time.Time) (domain.SalesSummary, error)
	TopSellers(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.TopSeller, error)
	LowStockProducts(ctx context.Context) ([]domain.LowStockProduct, error)
	ExpiringBatches(ctx context.Context, before time.Time) ([]domain.ExpiringBatch, error)
	CheckStockConsistency(ctx context.Context, productID string) (domain.StockConsistencyReport, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
