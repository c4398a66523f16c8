package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bodegapos/backend/internal/domain"
	"bodegapos/backend/internal/payment"
	"bodegapos/backend/internal/pricing"
	"bodegapos/backend/internal/queue"
	"bodegapos/backend/internal/retry"
	"bodegapos/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// PromoResolver turns a promotion id into an order-level discount for the
// given lock-free subtotal estimate. The result is frozen into the sale
// draft before the transaction opens so the commit path stays pure.
type PromoResolver func(ctx context.Context, promotionID string, subtotal pricing.Price) (pricing.Price, error)

// SaleGate decides whether a store may generate sales at all. When it
// returns false the reason is surfaced to the caller verbatim.
type SaleGate func(ctx context.Context, storeID string) (bool, string)

type Service struct {
	repo           store.Repository
	jobs           queue.Queue
	logger         *zap.Logger
	defaultStoreID string
	deviceID       string

	// ResolvePromo may be replaced to plug in a promotion engine. The
	// default resolves every promotion to a zero discount.
	ResolvePromo PromoResolver

	// AllowSale may be replaced to gate sale generation per store, for
	// example on subscription state. The default allows every store.
	AllowSale SaleGate
}

func New(repo store.Repository, jobs queue.Queue, logger *zap.Logger, defaultStoreID string, deviceID string) *Service {
	if jobs == nil {
		jobs = queue.NoopQueue{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deviceID == "" {
		deviceID = domain.ServerDeviceID
	}

	return &Service{
		repo:           repo,
		jobs:           jobs,
		logger:         logger,
		defaultStoreID: defaultStoreID,
		deviceID:       deviceID,
		ResolvePromo: func(context.Context, string, pricing.Price) (pricing.Price, error) {
			return pricing.Price{}, nil
		},
		AllowSale: func(context.Context, string) (bool, string) {
			return true, ""
		},
	}
}

// CreateSale runs the full sale pipeline: pre-commit validation and
// resolution without any locks, the transactional commit under a
// deadlock-retry policy, and best-effort post-commit work that never fails
// the sale.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (*domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authenticated actor required")
	}

	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	if ok, reason := s.AllowSale(ctx, req.StoreID); !ok {
		return nil, fmt.Errorf("sale generation disabled for store %s: %s: %w", req.StoreID, reason, store.ErrInvalidSale)
	}
	if len(req.PaymentSplits) > 0 {
		req.PaymentMethod = domain.PaymentSplitMethod
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCashBs
	}
	if req.CurrencyMode == "" {
		req.CurrencyMode = domain.CurrencyModeDual
	}

	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("sale has no lines: %w", store.ErrInvalidSale)
	}
	if !req.ExchangeRate.IsPositive() {
		return nil, fmt.Errorf("exchange rate must be positive: %w", store.ErrInvalidSale)
	}

	session, err := s.repo.GetOpenCashSession(ctx, req.StoreID, actor.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNoOpenSession
		}
		return nil, err
	}
	if req.CashSessionID != "" && req.CashSessionID != session.ID {
		return nil, fmt.Errorf("cash session %s is not the caller's open session: %w", req.CashSessionID, store.ErrInvalidSale)
	}

	warehouseID, err := s.resolveWarehouse(ctx, req.StoreID, req.WarehouseID)
	if err != nil {
		return nil, err
	}

	products, err := s.loadLineProducts(ctx, req.StoreID, req.Lines)
	if err != nil {
		return nil, err
	}

	subtotal, err := s.validateLines(ctx, req, products, warehouseID, actor)
	if err != nil {
		return nil, err
	}

	customerID, err := s.resolveCustomer(ctx, req.StoreID, req.Customer)
	if err != nil {
		return nil, err
	}

	if hasFiao(req) {
		if customerID == "" {
			return nil, fmt.Errorf("credit sale requires a registered customer: %w", store.ErrInvalidSale)
		}
		// Lock-free estimate only; the commit re-checks under the customer
		// row lock.
		customer, err := s.repo.GetCustomerByID(ctx, customerID)
		if err != nil {
			return nil, err
		}
		outstanding, err := s.repo.GetOutstandingDebtUSD(ctx, customerID)
		if err != nil {
			return nil, err
		}
		fiaoUSD := fiaoEstimateUSD(req, subtotal.USD)
		if err := payment.CheckCredit(customer, outstanding, fiaoUSD); err != nil {
			return nil, err
		}
	}

	promoDiscount := pricing.Price{}
	if req.PromotionID != "" {
		promoDiscount, err = s.ResolvePromo(ctx, req.PromotionID, subtotal)
		if err != nil {
			return nil, err
		}
	}

	configs, err := s.repo.GetPaymentMethodConfigs(ctx, req.StoreID)
	if err != nil {
		return nil, err
	}

	// Invoice numbering is best effort: a store without a configured series
	// still sells.
	invoice, err := s.repo.NextInvoiceNumber(ctx, req.StoreID, req.InvoiceSeries)
	if err != nil {
		s.logger.Warn("invoice number unavailable, continuing without one",
			zap.String("store_id", req.StoreID), zap.Error(err))
		invoice = nil
	}

	draft := domain.SaleDraft{
		Request:        req,
		StoreID:        req.StoreID,
		WarehouseID:    warehouseID,
		CashSessionID:  session.ID,
		CustomerID:     customerID,
		ActorUsername:  actor.Username,
		ActorRole:      actor.Role,
		DeviceID:       defaultString(req.DeviceID, s.deviceID),
		Invoice:        invoice,
		PromoDiscBs:    promoDiscount.Bs,
		PromoDiscUSD:   promoDiscount.USD,
		PaymentConfigs: configs,
	}

	var sale *domain.Sale
	err = retry.Do(ctx, retry.TxPolicy, store.IsTxConflict, func(ctx context.Context) error {
		var err error
		sale, err = s.repo.CreateSale(ctx, draft)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.dispatchPostCommit(ctx, sale)
	return sale, nil
}

// dispatchPostCommit handles everything that happens after the sale is
// durable: the event log append, background jobs, and usage accounting.
// Failures here are logged and swallowed; the sale already committed.
func (s *Service) dispatchPostCommit(ctx context.Context, sale *domain.Sale) {
	payload, err := json.Marshal(sale)
	if err != nil {
		s.logger.Warn("marshal sale event payload", zap.String("sale_id", sale.ID), zap.Error(err))
		payload = []byte("{}")
	}

	if _, err := s.repo.AppendEvent(ctx, domain.StoreEvent{
		StoreID:     sale.StoreID,
		EventType:   domain.EventSaleCreated,
		AggregateID: sale.ID,
		DeviceID:    sale.DeviceID,
		Payload:     payload,
		CreatedAt:   sale.CreatedAt,
	}); err != nil {
		s.logger.Warn("append sale event", zap.String("sale_id", sale.ID), zap.Error(err))
	}

	if err := s.jobs.Enqueue(ctx, queue.Job{
		ID:          "post-process-" + sale.ID,
		Type:        "sale.post-process",
		Payload:     payload,
		MaxAttempts: 3,
		Backoff:     5 * time.Second,
	}); err != nil {
		s.logger.Warn("enqueue post-process job", zap.String("sale_id", sale.ID), zap.Error(err))
	}

	if err := s.jobs.Enqueue(ctx, queue.Job{
		ID:          "relay-" + sale.ID,
		Type:        "federation.relay",
		Payload:     payload,
		MaxAttempts: 10,
		Backoff:     5 * time.Second,
	}); err != nil {
		s.logger.Warn("enqueue federation relay job", zap.String("sale_id", sale.ID), zap.Error(err))
	}

	day := sale.CreatedAt.Format("2006-01-02")
	if err := s.repo.IncrementUsageCounter(ctx, sale.StoreID, day); err != nil {
		s.logger.Warn("increment usage counter", zap.String("store_id", sale.StoreID), zap.Error(err))
	}
}

func (s *Service) resolveWarehouse(ctx context.Context, storeID string, warehouseID string) (string, error) {
	if warehouseID != "" {
		warehouse, err := s.repo.GetWarehouseByID(ctx, warehouseID)
		if err != nil {
			return "", err
		}
		if warehouse.StoreID != storeID {
			return "", fmt.Errorf("warehouse %s does not belong to store %s: %w", warehouseID, storeID, store.ErrInvalidSale)
		}
		return warehouse.ID, nil
	}

	warehouse, err := s.repo.GetDefaultWarehouse(ctx, storeID)
	if errors.Is(err, store.ErrNotFound) {
		// No warehouses at all: the commit path falls back to store-wide
		// stock rows.
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return warehouse.ID, nil
}

func (s *Service) loadLineProducts(ctx context.Context, storeID string, lines []domain.SaleLineRequest) (map[string]domain.Product, error) {
	ids := make([]string, 0, len(lines))
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			return nil, fmt.Errorf("sale line without product: %w", store.ErrInvalidSale)
		}
		if !seen[line.ProductID] {
			seen[line.ProductID] = true
			ids = append(ids, line.ProductID)
		}
	}

	products, err := s.repo.GetProductsByIDs(ctx, storeID, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
	}
	return products, nil
}

// validateLines is the lock-free pre-commit pass: quantities, weight price
// deviation (audited on every attempt), and stock and serial estimates. The
// commit re-validates everything under row locks; this pass exists to reject
// obviously bad carts without paying for a transaction.
func (s *Service) validateLines(ctx context.Context, req domain.CreateSaleRequest, products map[string]domain.Product, warehouseID string, actor domain.Actor) (pricing.Price, error) {
	subtotal := pricing.Price{}
	type lineKey struct {
		productID string
		variantID string
	}
	requested := make(map[lineKey]decimal.Decimal, len(req.Lines))

	for _, line := range req.Lines {
		product := products[line.ProductID]

		qty := line.Quantity
		if product.IsSoldByWeight {
			qty = line.WeightValue
		}
		if !qty.IsPositive() {
			return pricing.Price{}, fmt.Errorf("non-positive quantity for product %s: %w", product.ID, store.ErrInvalidSale)
		}

		unit := pricing.Price{Bs: product.PriceBs, USD: product.PriceUSD}
		if product.IsSoldByWeight && line.UnitPriceBs != nil && line.UnitPriceUSD != nil {
			given := pricing.Price{Bs: *line.UnitPriceBs, USD: *line.UnitPriceUSD}
			if err := s.checkWeightPrice(ctx, req.StoreID, product, given, actor); err != nil {
				return pricing.Price{}, err
			}
			unit = given
		}
		subtotal = subtotal.Add(unit.MulQty(qty))

		key := lineKey{productID: product.ID, variantID: line.VariantID}
		requested[key] = requested[key].Add(qty)
	}

	for key, qty := range requested {
		product := products[key.productID]

		if product.IsSerialized {
			count, err := s.repo.CountAvailableSerials(ctx, product.ID, key.variantID)
			if err != nil {
				return pricing.Price{}, err
			}
			if decimal.NewFromInt(int64(count)).LessThan(qty) {
				return pricing.Price{}, &domain.InsufficientStockError{
					ProductID: product.ID,
					Requested: qty,
					Available: decimal.NewFromInt(int64(count)),
				}
			}
			continue
		}

		if product.IsLotTracked {
			lots, err := s.repo.ListLots(ctx, product.ID, false)
			if err != nil {
				return pricing.Price{}, err
			}
			available := decimal.Zero
			for _, lot := range lots {
				available = available.Add(lot.RemainingQty)
			}
			if available.LessThan(qty) {
				return pricing.Price{}, &domain.InsufficientStockError{
					ProductID: product.ID,
					Requested: qty,
					Available: available,
				}
			}
			continue
		}

		available, err := s.repo.GetStockAvailability(ctx, req.StoreID, warehouseID, product.ID, key.variantID)
		if err != nil {
			return pricing.Price{}, err
		}
		if available.LessThan(qty) {
			return pricing.Price{}, &domain.InsufficientStockError{
				ProductID: product.ID,
				Requested: qty,
				Available: available,
			}
		}
	}

	return subtotal, nil
}

// checkWeightPrice validates a caller-supplied price for a weight product in
// both currencies independently and writes a security audit entry whether the
// attempt passes or not. A deviation in either currency blocks the line.
func (s *Service) checkWeightPrice(ctx context.Context, storeID string, product domain.Product, given pricing.Price, actor domain.Actor) error {
	pctBs, err := pricing.CheckWeightPrice(product.ID, product.PriceBs, given.Bs, actor.Role)
	pctUSD, usdErr := pricing.CheckWeightPrice(product.ID, product.PriceUSD, given.USD, actor.Role)
	if err == nil {
		err = usdErr
	}

	status := domain.AuditStatusApproved
	if err != nil {
		status = domain.AuditStatusBlocked
	}
	details := fmt.Sprintf("product=%s catalog_bs=%s given_bs=%s deviation_bs_pct=%s catalog_usd=%s given_usd=%s deviation_usd_pct=%s role=%s",
		product.ID, product.PriceBs, given.Bs, pctBs.StringFixed(2),
		product.PriceUSD, given.USD, pctUSD.StringFixed(2), actor.Role)
	if auditErr := s.repo.CreateSecurityAudit(ctx, domain.SecurityAudit{
		StoreID:   storeID,
		EventType: "weight_price_override",
		Username:  actor.Username,
		Status:    status,
		Details:   details,
	}); auditErr != nil {
		s.logger.Warn("record weight price audit", zap.String("product_id", product.ID), zap.Error(auditErr))
	}

	return err
}

// resolveCustomer maps the request's customer reference to a customer id,
// creating the customer on the fly when only a document and name are given.
func (s *Service) resolveCustomer(ctx context.Context, storeID string, ref *domain.SaleCustomerRef) (string, error) {
	if ref == nil {
		return "", nil
	}
	if ref.ID != "" {
		customer, err := s.repo.GetCustomerByID(ctx, ref.ID)
		if err != nil {
			return "", err
		}
		if customer.StoreID != storeID {
			return "", fmt.Errorf("customer %s does not belong to store %s: %w", ref.ID, storeID, store.ErrInvalidSale)
		}
		return customer.ID, nil
	}

	document := strings.TrimSpace(ref.DocumentID)
	name := strings.TrimSpace(ref.Name)
	if document == "" {
		if name != "" {
			return "", fmt.Errorf("customer name given without a document id: %w", store.ErrInvalidSale)
		}
		return "", nil
	}

	existing, err := s.repo.FindCustomerByDocument(ctx, storeID, document)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if name == "" {
		return "", fmt.Errorf("new customer requires a name: %w", store.ErrInvalidSale)
	}
	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		StoreID:    storeID,
		Name:       name,
		DocumentID: document,
		Phone:      strings.TrimSpace(ref.Phone),
		Active:     true,
	})
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return s.repo.GetSaleByID(ctx, saleID)
}

func (s *Service) ListSales(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Minute)
	}
	return s.repo.ListSales(ctx, storeID, from, to, limit)
}

func (s *Service) OpenCashSession(ctx context.Context, req domain.CashSessionOpenRequest) (*domain.CashSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authenticated actor required")
	}
	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	if req.OpeningBs.IsNegative() || req.OpeningUSD.IsNegative() {
		return nil, fmt.Errorf("opening amounts must not be negative: %w", store.ErrInvalidSale)
	}

	session, err := s.repo.OpenCashSession(ctx, domain.CashSession{
		StoreID:    req.StoreID,
		OpenedBy:   actor.Username,
		DeviceID:   defaultString(req.DeviceID, s.deviceID),
		OpeningBs:  req.OpeningBs,
		OpeningUSD: req.OpeningUSD,
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) CloseCashSession(ctx context.Context, req domain.CashSessionCloseRequest) (*domain.CashSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authenticated actor required")
	}
	if req.ClosingBs.IsNegative() || req.ClosingUSD.IsNegative() {
		return nil, fmt.Errorf("closing amounts must not be negative: %w", store.ErrInvalidSale)
	}

	session, err := s.repo.GetOpenCashSession(ctx, s.defaultStoreID, actor.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNoOpenSession
		}
		return nil, err
	}
	if req.SessionID != "" && req.SessionID != session.ID {
		return nil, fmt.Errorf("cash session %s is not the caller's open session: %w", req.SessionID, store.ErrInvalidSale)
	}

	return s.repo.CloseCashSession(ctx, session.ID, actor.Username, req.ClosingBs, req.ClosingUSD, req.Note, time.Now().UTC())
}

func (s *Service) GetActiveCashSession(ctx context.Context, storeID string) (*domain.CashSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authenticated actor required")
	}
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	return s.repo.GetOpenCashSession(ctx, storeID, actor.Username)
}

func (s *Service) ReceiveLot(ctx context.Context, req domain.LotReceiveRequest) (*domain.ProductLot, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleOwner && actor.Role != domain.RoleAdmin) {
		return nil, fmt.Errorf("owner or admin role required")
	}
	if req.ProductID == "" || req.LotNumber == "" || !req.Quantity.IsPositive() {
		return nil, store.ErrInvalidSale
	}

	lot := domain.ProductLot{
		ProductID:   req.ProductID,
		LotNumber:   strings.TrimSpace(req.LotNumber),
		InitialQty:  req.Quantity,
		UnitCostBs:  req.UnitCostBs,
		UnitCostUSD: req.UnitCostUSD,
	}
	if req.ExpirationDate != "" {
		expiry, err := time.Parse("2006-01-02", req.ExpirationDate)
		if err != nil {
			return nil, fmt.Errorf("expiration date must be YYYY-MM-DD: %w", store.ErrInvalidSale)
		}
		lot.ExpirationDate = &expiry
	}

	warehouseID, err := s.resolveWarehouse(ctx, s.defaultStoreID, "")
	if err != nil {
		return nil, err
	}
	return s.repo.ReceiveLot(ctx, warehouseID, lot)
}

func (s *Service) ListLots(ctx context.Context, productID string, includeExpired bool) ([]domain.ProductLot, error) {
	if productID == "" {
		return nil, store.ErrInvalidSale
	}
	return s.repo.ListLots(ctx, productID, includeExpired)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (*domain.Customer, error) {
	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("customer requires a name: %w", store.ErrInvalidSale)
	}
	if req.CreditLimitUSD.IsNegative() {
		return nil, fmt.Errorf("credit limit must not be negative: %w", store.ErrInvalidSale)
	}

	return s.repo.CreateCustomer(ctx, domain.Customer{
		StoreID:        req.StoreID,
		Name:           strings.TrimSpace(req.Name),
		DocumentID:     strings.TrimSpace(req.DocumentID),
		Phone:          strings.TrimSpace(req.Phone),
		CreditLimitUSD: req.CreditLimitUSD,
		Active:         true,
	})
}

func (s *Service) ListDebts(ctx context.Context, storeID string, customerID string, limit int) ([]domain.Debt, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	return s.repo.ListDebts(ctx, storeID, customerID, limit)
}

func (s *Service) PayDebt(ctx context.Context, debtID string, req domain.DebtPaymentRequest) (*domain.Debt, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return nil, fmt.Errorf("authenticated actor required")
	}
	if debtID == "" || !req.AmountUSD.IsPositive() {
		return nil, store.ErrInvalidSale
	}
	method := defaultString(req.Method, domain.PaymentCashUSD)
	return s.repo.RecordDebtPayment(ctx, debtID, domain.DebtPayment{
		AmountUSD: req.AmountUSD,
		Method:    method,
		Reference: strings.TrimSpace(req.Reference),
	})
}

func (s *Service) ListEvents(ctx context.Context, storeID string, afterSeq int64, limit int) ([]domain.StoreEvent, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	return s.repo.ListEventsSince(ctx, storeID, afterSeq, limit)
}

func (s *Service) ListSecurityAudits(ctx context.Context, storeID string, limit int) ([]domain.SecurityAudit, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleOwner && actor.Role != domain.RoleAdmin) {
		return nil, fmt.Errorf("owner or admin role required")
	}
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	return s.repo.ListSecurityAudits(ctx, storeID, limit)
}

func hasFiao(req domain.CreateSaleRequest) bool {
	if req.PaymentMethod == domain.PaymentFiao {
		return true
	}
	for _, split := range req.PaymentSplits {
		if split.Method == domain.PaymentFiao {
			return true
		}
	}
	return false
}

// fiaoEstimateUSD approximates the credit slice of the sale from the
// undiscounted subtotal: the full subtotal for a plain credit sale, or the
// declared credit slice of a split.
func fiaoEstimateUSD(req domain.CreateSaleRequest, subtotalUSD decimal.Decimal) decimal.Decimal {
	if req.PaymentMethod == domain.PaymentFiao {
		return subtotalUSD
	}
	amount := decimal.Zero
	for _, split := range req.PaymentSplits {
		if split.Method == domain.PaymentFiao {
			amount = amount.Add(split.AmountUSD)
		}
	}
	return amount
}

func defaultString(value string, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
