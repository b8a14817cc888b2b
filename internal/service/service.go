package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"farmapos/backend/internal/cache"
	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/txid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const summaryCachePrefix = "report:summary:"

type Service struct {
	repo            store.Repository
	reports         cache.ReportCache
	summaryTTL      time.Duration
	expiryAlertDays int
	ids             *txid.Generator
	log             zerolog.Logger

	// now is swappable so the same-day edit window can be tested
	now func() time.Time
}

func New(repo store.Repository, reports cache.ReportCache, logger zerolog.Logger) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	s := &Service{
		repo:            repo,
		reports:         reports,
		summaryTTL:      5 * time.Minute,
		expiryAlertDays: 30,
		log:             logger,
		now:             time.Now,
	}
	// the generator reads the service clock so a transaction id's date
	// segment always matches the sale date it stamps
	s.ids = txid.NewGeneratorAt(func() time.Time { return s.now() })
	return s
}

// SetSummaryCacheTTL overrides how long cached sales summaries stay fresh.
func (s *Service) SetSummaryCacheTTL(ttl time.Duration) {
	if ttl > 0 {
		s.summaryTTL = ttl
	}
}

// SetExpiryAlertDays overrides the default window for expiring-batch alerts.
func (s *Service) SetExpiryAlertDays(days int) {
	if days > 0 {
		s.expiryAlertDays = days
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrInvalidRequest
	}
	if req.PriceCents < 1 || req.InitialStock < 0 || req.MinStockLevel < 0 {
		return domain.Product{}, store.ErrInvalidRequest
	}

	var expiration *time.Time
	if strings.TrimSpace(req.ExpirationDate) != "" {
		parsed, err := time.Parse("2006-01-02", req.ExpirationDate)
		if err != nil {
			return domain.Product{}, store.ErrInvalidRequest
		}
		exp := parsed.UTC()
		expiration = &exp
	}

	product := domain.Product{
		ID:             txid.New("prod"),
		MedicineID:     s.ids.NextMedicineID(),
		Name:           req.Name,
		BrandName:      strings.TrimSpace(req.BrandName),
		GenericName:    strings.TrimSpace(req.GenericName),
		Category:       req.Category,
		PriceCents:     req.PriceCents,
		Stock:          req.InitialStock,
		MinStockLevel:  req.MinStockLevel,
		ExpirationDate: expiration,
		Supplier:       strings.TrimSpace(req.Supplier),
		Unit:           strings.TrimSpace(req.Unit),
		CreatedAt:      s.now().UTC(),
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("medicine_id=%s,name=%s,price=%d,stock=%d", created.MedicineID, created.Name, created.PriceCents, created.Stock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}
	if strings.TrimSpace(id) == "" {
		return domain.Product{}, store.ErrInvalidRequest
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidRequest
		}
		updated.Name = name
	}
	if req.BrandName != nil {
		updated.BrandName = strings.TrimSpace(*req.BrandName)
	}
	if req.GenericName != nil {
		updated.GenericName = strings.TrimSpace(*req.GenericName)
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, store.ErrInvalidRequest
		}
		updated.Category = category
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Product{}, store.ErrInvalidRequest
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.MinStockLevel != nil {
		if *req.MinStockLevel < 0 {
			return domain.Product{}, store.ErrInvalidRequest
		}
		updated.MinStockLevel = *req.MinStockLevel
	}
	if req.Supplier != nil {
		updated.Supplier = strings.TrimSpace(*req.Supplier)
	}
	if req.Unit != nil {
		updated.Unit = strings.TrimSpace(*req.Unit)
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("name=%s,price=%d", saved.Name, saved.PriceCents))
	return *saved, nil
}

func (s *Service) ListBatches(ctx context.Context, productID string) ([]domain.Batch, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, store.ErrInvalidRequest
	}
	return s.repo.ListBatches(ctx, productID)
}

func (s *Service) ReceiveBatch(ctx context.Context, req domain.BatchReceiveRequest) (domain.Batch, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Batch{}, fmt.Errorf("admin role required")
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return domain.Batch{}, store.ErrInvalidRequest
	}
	if req.Quantity < 1 {
		return domain.Batch{}, store.ErrInvalidQuantity
	}
	expiration, err := time.Parse("2006-01-02", req.ExpirationDate)
	if err != nil {
		return domain.Batch{}, store.ErrInvalidRequest
	}

	batch, err := s.repo.ReceiveBatch(ctx, domain.Batch{
		ID:             txid.New("batch"),
		ProductID:      req.ProductID,
		BatchNumber:    strings.TrimSpace(req.BatchNumber),
		ExpirationDate: expiration.UTC(),
		Stock:          req.Quantity,
		ReceivedAt:     s.now().UTC(),
	})
	if err != nil {
		return domain.Batch{}, err
	}

	s.logAudit(ctx, "batch_receive", "batch", batch.ID, fmt.Sprintf("product=%s,qty=%d,expires=%s", batch.ProductID, batch.Stock, req.ExpirationDate))
	return *batch, nil
}

// CommitSale validates every line before any stock is read, then hands the
// whole sale to the repository as one atomic unit.
func (s *Service) CommitSale(ctx context.Context, req domain.CommitSaleRequest) (domain.SaleResponse, error) {
	lines, err := normalizeLines(req.Items)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	userID := strings.TrimSpace(req.UserID)
	if actor, ok := ActorFromContext(ctx); ok && userID == "" {
		userID = actor.Username
	}

	items := make([]domain.SaleItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.SaleItem{
			ID:        txid.New("item"),
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
		})
	}

	sale := domain.Sale{
		ID:            txid.New("sale"),
		TransactionID: s.ids.NextTransactionID(),
		SaleDate:      s.now().UTC(),
		UserID:        userID,
		Items:         items,
	}

	created, err := s.repo.CommitSale(ctx, sale)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale_commit", "sale", created.ID, fmt.Sprintf("txn=%s,items=%d,total=%d", created.TransactionID, len(created.Items), created.TotalAmountCents))
	return domain.SaleResponse{Sale: *created}, nil
}

// EditSale replaces a same-day sale's lines. The repository reallocates
// only the deltas against current batch stock.
func (s *Service) EditSale(ctx context.Context, req domain.EditSaleRequest) (domain.SaleResponse, error) {
	if strings.TrimSpace(req.SaleID) == "" {
		return domain.SaleResponse{}, store.ErrInvalidRequest
	}
	lines, err := normalizeLines(req.Items)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	edited, err := s.repo.EditSale(ctx, req.SaleID, lines, s.now().UTC())
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale_edit", "sale", edited.ID, fmt.Sprintf("txn=%s,items=%d,total=%d", edited.TransactionID, len(edited.Items), edited.TotalAmountCents))
	return domain.SaleResponse{Sale: *edited}, nil
}

// VoidSale removes a same-day sale and restores the exact batches it
// consumed.
func (s *Service) VoidSale(ctx context.Context, req domain.DeleteSaleRequest) (domain.VoidSaleResponse, error) {
	if strings.TrimSpace(req.SaleID) == "" {
		return domain.VoidSaleResponse{}, store.ErrInvalidRequest
	}

	voidedAt := s.now().UTC()
	voided, err := s.repo.VoidSale(ctx, req.SaleID, voidedAt)
	if err != nil {
		return domain.VoidSaleResponse{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale_void", "sale", voided.ID, fmt.Sprintf("txn=%s,total=%d", voided.TransactionID, voided.TotalAmountCents))
	return domain.VoidSaleResponse{
		SaleID:        voided.ID,
		TransactionID: voided.TransactionID,
		VoidedAt:      voidedAt.Format(time.RFC3339),
	}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleResponse, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) GetSaleByTransactionID(ctx context.Context, transactionID string) (domain.SaleResponse, error) {
	sale, err := s.repo.GetSaleByTransactionID(ctx, transactionID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) ListSales(ctx context.Context, fromDate string, toDate string, limit int) (domain.SaleListResponse, error) {
	from, to, err := s.dateRange(fromDate, toDate)
	if err != nil {
		return domain.SaleListResponse{}, err
	}
	if limit < 1 {
		limit = 100
	}
	sales, err := s.repo.ListSales(ctx, from, to, limit)
	if err != nil {
		return domain.SaleListResponse{}, err
	}
	return domain.SaleListResponse{Sales: sales}, nil
}

func (s *Service) SalesSummary(ctx context.Context, fromDate string, toDate string) (domain.SalesSummary, error) {
	from, to, err := s.dateRange(fromDate, toDate)
	if err != nil {
		return domain.SalesSummary{}, err
	}

	key := summaryCachePrefix + from.Format("20060102") + ":" + to.Format("20060102")
	if cached, hit, err := s.reports.GetSummary(ctx, key); err == nil && hit {
		return *cached, nil
	} else if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("report cache read failed")
	}

	summary, err := s.repo.GetSalesSummary(ctx, from, to)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	summary.From = from.Format("2006-01-02")
	summary.To = to.AddDate(0, 0, -1).Format("2006-01-02")

	if err := s.reports.SetSummary(ctx, key, &summary, s.summaryTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("report cache write failed")
	}
	return summary, nil
}

func (s *Service) TopSellers(ctx context.Context, fromDate string, toDate string, limit int) (domain.TopSellersResponse, error) {
	from, to, err := s.dateRange(fromDate, toDate)
	if err != nil {
		return domain.TopSellersResponse{}, err
	}
	if limit < 1 {
		limit = 10
	}
	sellers, err := s.repo.TopSellers(ctx, from, to, limit)
	if err != nil {
		return domain.TopSellersResponse{}, err
	}
	return domain.TopSellersResponse{
		From:    from.Format("2006-01-02"),
		To:      to.AddDate(0, 0, -1).Format("2006-01-02"),
		Sellers: sellers,
	}, nil
}

func (s *Service) LowStockProducts(ctx context.Context) (domain.LowStockResponse, error) {
	products, err := s.repo.LowStockProducts(ctx)
	if err != nil {
		return domain.LowStockResponse{}, err
	}
	return domain.LowStockResponse{Products: products}, nil
}

func (s *Service) ExpiringBatches(ctx context.Context, withinDays int) (domain.ExpiringBatchesResponse, error) {
	if withinDays < 1 {
		withinDays = s.expiryAlertDays
	}
	before := domain.DayUTC(s.now()).AddDate(0, 0, withinDays)
	batches, err := s.repo.ExpiringBatches(ctx, before)
	if err != nil {
		return domain.ExpiringBatchesResponse{}, err
	}
	return domain.ExpiringBatchesResponse{WithinDays: withinDays, Batches: batches}, nil
}

func (s *Service) CheckStockConsistency(ctx context.Context, productID string) (domain.StockConsistencyReport, error) {
	if strings.TrimSpace(productID) == "" {
		return domain.StockConsistencyReport{}, store.ErrInvalidRequest
	}
	report, err := s.repo.CheckStockConsistency(ctx, productID)
	if err != nil {
		return domain.StockConsistencyReport{}, err
	}
	if !report.Consistent {
		s.log.Error().
			Str("product_id", report.ProductID).
			Int("aggregate", report.AggregateStock).
			Int("batch_sum", report.BatchStockSum).
			Msg("stock aggregate diverged from batch sum")
	}
	return report, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	day := domain.DayUTC(s.now())
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidRequest
		}
		day = domain.DayUTC(parsed)
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, day, day.AddDate(0, 0, 1), limit)
}

// dateRange parses inclusive yyyy-mm-dd bounds into a half-open UTC
// interval. Empty bounds default to today.
func (s *Service) dateRange(fromDate string, toDate string) (time.Time, time.Time, error) {
	today := domain.DayUTC(s.now())
	from, to := today, today
	var err error
	if strings.TrimSpace(fromDate) != "" {
		from, err = time.Parse("2006-01-02", fromDate)
		if err != nil {
			return time.Time{}, time.Time{}, store.ErrInvalidRequest
		}
		from = domain.DayUTC(from)
	}
	if strings.TrimSpace(toDate) != "" {
		to, err = time.Parse("2006-01-02", toDate)
		if err != nil {
			return time.Time{}, time.Time{}, store.ErrInvalidRequest
		}
		to = domain.DayUTC(to)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, store.ErrInvalidRequest
	}
	return from, to.AddDate(0, 0, 1), nil
}

// normalizeLines trims, validates, and merges duplicate product lines while
// keeping first-seen order.
func normalizeLines(lines []domain.SaleLine) ([]domain.SaleLine, error) {
	if len(lines) == 0 {
		return nil, store.ErrEmptySale
	}
	merged := make([]domain.SaleLine, 0, len(lines))
	index := map[string]int{}
	for _, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" {
			return nil, store.ErrInvalidRequest
		}
		if line.Quantity < 1 {
			return nil, store.ErrInvalidQuantity
		}
		if i, seen := index[line.ProductID]; seen {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

func (s *Service) invalidateReports(ctx context.Context) {
	if err := s.reports.Invalidate(ctx, summaryCachePrefix); err != nil {
		s.log.Warn().Err(err).Msg("report cache invalidation failed")
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            txid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		s.log.Warn().Err(err).Str("action", action).Str("entity", entityType+"/"+entityID).Msg("audit log write failed")
	}
}
