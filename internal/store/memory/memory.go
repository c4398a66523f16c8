package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"bodegapos/backend/internal/domain"
	"bodegapos/backend/internal/inventory"
	"bodegapos/backend/internal/payment"
	"bodegapos/backend/internal/pricing"
	"bodegapos/backend/internal/store"
	"bodegapos/backend/internal/xid"
)

// Seed identifiers exposed for dev mode and tests.
const (
	SeedStoreID     = "store-bodega-1"
	SeedWarehouseID = "wh-main"

	// Soda: plain unit product with aggregate stock only.
	SeedProductSoda = "prod-soda"
	// Rice: lot-tracked, two seeded lots of 10 and 20 units.
	SeedProductRice = "prod-rice"
	SeedLotRiceOld  = "lot-rice-old"
	SeedLotRiceNew  = "lot-rice-new"
	// Cheese: sold by weight, priced per kg.
	SeedProductCheese = "prod-cheese"
	// Phone: serialized, two serials available.
	SeedProductPhone = "prod-phone"

	SeedVariantSodaLiter = "var-soda-liter"

	// Customer with a 100 USD credit line and 90 USD of outstanding debt.
	SeedCustomerID = "cust-maria"
	SeedDebtID     = "debt-maria-1"
)

type stockRowKey struct {
	warehouseID string
	productID   string
	variantID   string
}

type seriesKey struct {
	storeID string
	series  string
}

type invoiceSeriesRow struct {
	prefix     string
	isDefault  bool
	nextNumber int64
}

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	variants        map[string]domain.ProductVariant
	priceEntries    []domain.PriceListEntry
	warehouses      map[string]domain.Warehouse
	stocks          map[stockRowKey]*domain.WarehouseStock
	lots            map[string]*domain.ProductLot
	lotMovements    []domain.LotMovement
	invMovements    []domain.InventoryMovement
	serials         map[string]domain.ProductSerial
	payConfigs      map[string]map[string]domain.PaymentMethodConfig
	customers       map[string]domain.Customer
	debts           map[string]*domain.Debt
	debtPayments    []domain.DebtPayment
	sessions        map[string]*domain.CashSession
	invoiceSeries   map[seriesKey]*invoiceSeriesRow
	saleSequences   map[string]int64
	eventSequences  map[string]int64
	salesByID       map[string]*domain.Sale
	events          []domain.StoreEvent
	audits          []domain.SecurityAudit
	usageCounters   map[string]int64
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_OWNER_PASSWORD, SEED_ADMIN_PASSWORD and
// SEED_CASHIER_PASSWORD; unset variables fall back to hardcoded dev defaults
// with a warning. Production deployments use PostgreSQL and never touch
// these.
func seedUsers() map[string]domain.UserAccount {
	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner123")
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_OWNER_PASSWORD, SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"owner", ownerPwd, domain.RoleOwner},
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
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

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func NewSeeded() *Store {
	now := time.Now().UTC()

	products := map[string]domain.Product{
		SeedProductSoda: {
			ID: SeedProductSoda, StoreID: SeedStoreID, SKU: "SODA-01", Name: "Refresco 355ml",
			PriceBs: dec("54.00"), PriceUSD: dec("1.50"), Active: true,
		},
		SeedProductRice: {
			ID: SeedProductRice, StoreID: SeedStoreID, SKU: "RICE-01", Name: "Arroz 1kg",
			PriceBs: dec("72.00"), PriceUSD: dec("2.00"), IsLotTracked: true, Active: true,
		},
		SeedProductCheese: {
			ID: SeedProductCheese, StoreID: SeedStoreID, SKU: "CHEESE-01", Name: "Queso Blanco",
			PriceBs: dec("360.00"), PriceUSD: dec("10.00"), IsSoldByWeight: true, WeightUnit: "kg", Active: true,
		},
		SeedProductPhone: {
			ID: SeedProductPhone, StoreID: SeedStoreID, SKU: "PHONE-01", Name: "Telefono Basico",
			PriceBs: dec("2880.00"), PriceUSD: dec("80.00"), IsSerialized: true, Active: true,
		},
	}

	literBs, literUSD := dec("90.00"), dec("2.50")
	variants := map[string]domain.ProductVariant{
		SeedVariantSodaLiter: {
			ID: SeedVariantSodaLiter, ProductID: SeedProductSoda, Name: "1L",
			PriceBs: &literBs, PriceUSD: &literUSD, Active: true,
		},
	}

	warehouses := map[string]domain.Warehouse{
		SeedWarehouseID: {ID: SeedWarehouseID, StoreID: SeedStoreID, Name: "Principal", IsDefault: true},
	}

	stocks := map[stockRowKey]*domain.WarehouseStock{}
	for productID, qty := range map[string]string{
		SeedProductSoda:   "100",
		SeedProductRice:   "30",
		SeedProductCheese: "50",
		SeedProductPhone:  "2",
	} {
		key := stockRowKey{warehouseID: SeedWarehouseID, productID: productID}
		stocks[key] = &domain.WarehouseStock{
			WarehouseID: SeedWarehouseID, ProductID: productID,
			Quantity: dec(qty), Reserved: decimal.Zero,
		}
	}
	literKey := stockRowKey{warehouseID: SeedWarehouseID, productID: SeedProductSoda, variantID: SeedVariantSodaLiter}
	stocks[literKey] = &domain.WarehouseStock{
		WarehouseID: SeedWarehouseID, ProductID: SeedProductSoda, VariantID: SeedVariantSodaLiter,
		Quantity: dec("40"), Reserved: decimal.Zero,
	}

	oldExpiry := now.AddDate(0, 1, 0)
	newExpiry := now.AddDate(0, 3, 0)
	lots := map[string]*domain.ProductLot{
		SeedLotRiceOld: {
			ID: SeedLotRiceOld, ProductID: SeedProductRice, LotNumber: "R-2026-001",
			InitialQty: dec("10"), RemainingQty: dec("10"),
			UnitCostBs: dec("50.00"), UnitCostUSD: dec("1.40"),
			ExpirationDate: &oldExpiry, ReceivedAt: now.AddDate(0, -2, 0),
		},
		SeedLotRiceNew: {
			ID: SeedLotRiceNew, ProductID: SeedProductRice, LotNumber: "R-2026-002",
			InitialQty: dec("20"), RemainingQty: dec("20"),
			UnitCostBs: dec("52.00"), UnitCostUSD: dec("1.45"),
			ExpirationDate: &newExpiry, ReceivedAt: now.AddDate(0, -1, 0),
		},
	}

	serials := map[string]domain.ProductSerial{
		"ser-phone-1": {ID: "ser-phone-1", ProductID: SeedProductPhone, Serial: "IMEI-0001", Status: domain.SerialStatusAvailable},
		"ser-phone-2": {ID: "ser-phone-2", ProductID: SeedProductPhone, Serial: "IMEI-0002", Status: domain.SerialStatusAvailable},
	}

	payConfigs := map[string]map[string]domain.PaymentMethodConfig{
		SeedStoreID: {},
	}
	for _, cfg := range []domain.PaymentMethodConfig{
		{StoreID: SeedStoreID, Method: domain.PaymentCashBs, Enabled: true},
		{StoreID: SeedStoreID, Method: domain.PaymentCashUSD, Enabled: true},
		{StoreID: SeedStoreID, Method: domain.PaymentCard, Enabled: true, MaxUSD: dec("500")},
		{StoreID: SeedStoreID, Method: domain.PaymentPagoMovil, Enabled: true},
		{StoreID: SeedStoreID, Method: domain.PaymentFiao, Enabled: true},
		{StoreID: SeedStoreID, Method: domain.PaymentZelle, Enabled: true, RequiresAuthorization: true},
		{StoreID: SeedStoreID, Method: domain.PaymentTransfer, Enabled: false},
	} {
		payConfigs[SeedStoreID][cfg.Method] = cfg
	}

	customers := map[string]domain.Customer{
		SeedCustomerID: {
			ID: SeedCustomerID, StoreID: SeedStoreID, Name: "Maria Perez", DocumentID: "V-12345678",
			CreditLimitUSD: dec("100"), Active: true, CreatedAt: now.AddDate(-1, 0, 0),
		},
	}

	debts := map[string]*domain.Debt{
		SeedDebtID: {
			ID: SeedDebtID, StoreID: SeedStoreID, CustomerID: SeedCustomerID, SaleID: "sale-historic-1",
			AmountBs: dec("3240.00"), AmountUSD: dec("90.00"), PaidUSD: decimal.Zero,
			Status: domain.DebtStatusPending, CreatedAt: now.AddDate(0, -1, 0),
		},
	}

	return &Store{
		products:     products,
		variants:     variants,
		priceEntries: []domain.PriceListEntry{},
		warehouses:   warehouses,
		stocks:       stocks,
		lots:         lots,
		lotMovements: make([]domain.LotMovement, 0, 64),
		invMovements: make([]domain.InventoryMovement, 0, 64),
		serials:      serials,
		payConfigs:   payConfigs,
		customers:    customers,
		debts:        debts,
		debtPayments: make([]domain.DebtPayment, 0, 16),
		sessions:     make(map[string]*domain.CashSession),
		invoiceSeries: map[seriesKey]*invoiceSeriesRow{
			{storeID: SeedStoreID, series: "A"}: {prefix: "FA-", isDefault: true, nextNumber: 1},
		},
		saleSequences:   make(map[string]int64),
		eventSequences:  make(map[string]int64),
		salesByID:       make(map[string]*domain.Sale),
		events:          make([]domain.StoreEvent, 0, 64),
		audits:          make([]domain.SecurityAudit, 0, 32),
		usageCounters:   make(map[string]int64),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.StoreID == "" || product.Name == "" {
		return nil, store.ErrInvalidSale
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, storeID string, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.StoreID == storeID {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) GetVariantsByIDs(_ context.Context, ids []string) (map[string]domain.ProductVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.ProductVariant, len(ids))
	for _, id := range ids {
		if v, ok := s.variants[id]; ok {
			result[id] = v
		}
	}
	return result, nil
}

func (s *Store) CreateVariant(_ context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error) {
	if variant.ProductID == "" || variant.Name == "" {
		return nil, store.ErrInvalidSale
	}
	if variant.ID == "" {
		variant.ID = xid.New("var")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.variants[variant.ID] = variant
	return &variant, nil
}

func (s *Store) GetPriceListEntries(_ context.Context, priceListID string, productIDs []string) ([]domain.PriceListEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priceEntriesLocked(priceListID, productIDs), nil
}

func (s *Store) priceEntriesLocked(priceListID string, productIDs []string) []domain.PriceListEntry {
	if priceListID == "" {
		return nil
	}
	wanted := make(map[string]bool, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = true
	}
	entries := make([]domain.PriceListEntry, 0, 8)
	for _, e := range s.priceEntries {
		if e.PriceListID == priceListID && wanted[e.ProductID] {
			entries = append(entries, e)
		}
	}
	return entries
}

func (s *Store) UpsertPriceListEntry(_ context.Context, entry domain.PriceListEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.priceEntries {
		if e.PriceListID == entry.PriceListID && e.ProductID == entry.ProductID &&
			e.VariantID == entry.VariantID && e.MinQuantity.Equal(entry.MinQuantity) {
			s.priceEntries[i] = entry
			return nil
		}
	}
	s.priceEntries = append(s.priceEntries, entry)
	return nil
}

func (s *Store) CreateWarehouse(_ context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	if warehouse.StoreID == "" || warehouse.Name == "" {
		return nil, store.ErrInvalidSale
	}
	if warehouse.ID == "" {
		warehouse.ID = xid.New("wh")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.warehouses[warehouse.ID] = warehouse
	return &warehouse, nil
}

func (s *Store) GetWarehouseByID(_ context.Context, warehouseID string) (*domain.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.warehouses[warehouseID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &w, nil
}

func (s *Store) GetDefaultWarehouse(_ context.Context, storeID string) (*domain.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fallback *domain.Warehouse
	for id := range s.warehouses {
		w := s.warehouses[id]
		if w.StoreID != storeID {
			continue
		}
		if w.IsDefault {
			return &w, nil
		}
		if fallback == nil {
			fallback = &w
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) SetStock(_ context.Context, warehouseID string, productID string, variantID string, qty decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stockRowKey{warehouseID: warehouseID, productID: productID, variantID: variantID}
	if row, ok := s.stocks[key]; ok {
		row.Quantity = qty
		return nil
	}
	s.stocks[key] = &domain.WarehouseStock{
		WarehouseID: warehouseID, ProductID: productID, VariantID: variantID,
		Quantity: qty, Reserved: decimal.Zero,
	}
	return nil
}

func (s *Store) GetStockAvailability(_ context.Context, storeID string, warehouseID string, productID string, variantID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.availabilityLocked(storeID, warehouseID, productID, variantID), nil
}

func (s *Store) availabilityLocked(storeID string, warehouseID string, productID string, variantID string) decimal.Decimal {
	available := decimal.Zero
	for key, row := range s.stocks {
		if key.productID != productID || key.variantID != variantID {
			continue
		}
		if warehouseID != "" {
			if key.warehouseID != warehouseID {
				continue
			}
		} else {
			w, ok := s.warehouses[key.warehouseID]
			if !ok || w.StoreID != storeID {
				continue
			}
		}
		available = available.Add(row.Quantity.Sub(row.Reserved))
	}
	return available
}

func (s *Store) ReceiveLot(_ context.Context, warehouseID string, lot domain.ProductLot) (*domain.ProductLot, error) {
	if lot.ProductID == "" || lot.LotNumber == "" || !lot.InitialQty.IsPositive() {
		return nil, store.ErrInvalidSale
	}
	if lot.ID == "" {
		lot.ID = xid.New("lot")
	}
	if lot.ReceivedAt.IsZero() {
		lot.ReceivedAt = time.Now().UTC()
	}
	lot.RemainingQty = lot.InitialQty

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.lots {
		if existing.ProductID == lot.ProductID && existing.LotNumber == lot.LotNumber {
			return nil, store.ErrConflict
		}
	}

	stored := lot
	s.lots[lot.ID] = &stored
	s.lotMovements = append(s.lotMovements, domain.LotMovement{
		ID: xid.New("lmov"), LotID: lot.ID, ProductID: lot.ProductID,
		MovementType: domain.LotMovementReceived, QtyDelta: lot.InitialQty, CreatedAt: lot.ReceivedAt,
	})

	if warehouseID != "" {
		key := stockRowKey{warehouseID: warehouseID, productID: lot.ProductID}
		if row, ok := s.stocks[key]; ok {
			row.Quantity = row.Quantity.Add(lot.InitialQty)
		} else {
			s.stocks[key] = &domain.WarehouseStock{
				WarehouseID: warehouseID, ProductID: lot.ProductID,
				Quantity: lot.InitialQty, Reserved: decimal.Zero,
			}
		}
		s.invMovements = append(s.invMovements, domain.InventoryMovement{
			ID: xid.New("imov"), WarehouseID: warehouseID, ProductID: lot.ProductID,
			MovementType: domain.InventoryMovementReception, QtyDelta: lot.InitialQty, CreatedAt: lot.ReceivedAt,
		})
	}

	return &lot, nil
}

func (s *Store) ListLots(_ context.Context, productID string, includeExpired bool) ([]domain.ProductLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	today := dateUTC(time.Now())
	lots := make([]domain.ProductLot, 0, 8)
	for _, lot := range s.lots {
		if lot.ProductID != productID {
			continue
		}
		if !includeExpired && lot.ExpirationDate != nil && dateUTC(*lot.ExpirationDate).Before(today) {
			continue
		}
		lots = append(lots, *lot)
	}
	sortLotsFIFO(lots)
	return lots, nil
}

func (s *Store) ListLotMovements(_ context.Context, saleID string) ([]domain.LotMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.LotMovement, 0, 8)
	for _, m := range s.lotMovements {
		if m.SaleID == saleID {
			movements = append(movements, m)
		}
	}
	return movements, nil
}

func (s *Store) ListInventoryMovements(_ context.Context, saleID string) ([]domain.InventoryMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.InventoryMovement, 0, 8)
	for _, m := range s.invMovements {
		if m.SaleID == saleID {
			movements = append(movements, m)
		}
	}
	return movements, nil
}

func (s *Store) CreateSerial(_ context.Context, serial domain.ProductSerial) error {
	if serial.ID == "" {
		serial.ID = xid.New("ser")
	}
	if serial.Status == "" {
		serial.Status = domain.SerialStatusAvailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.serials {
		if existing.ProductID == serial.ProductID && existing.Serial == serial.Serial {
			return store.ErrConflict
		}
	}
	s.serials[serial.ID] = serial
	return nil
}

func (s *Store) CountAvailableSerials(_ context.Context, productID string, variantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countSerialsLocked(productID, variantID), nil
}

func (s *Store) countSerialsLocked(productID string, variantID string) int {
	count := 0
	for _, serial := range s.serials {
		if serial.ProductID != productID || serial.Status != domain.SerialStatusAvailable {
			continue
		}
		if variantID != "" && serial.VariantID != variantID {
			continue
		}
		count++
	}
	return count
}

func (s *Store) GetPaymentMethodConfigs(_ context.Context, storeID string) (map[string]domain.PaymentMethodConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	configs := make(map[string]domain.PaymentMethodConfig, len(s.payConfigs[storeID]))
	for method, cfg := range s.payConfigs[storeID] {
		configs[method] = cfg
	}
	return configs, nil
}

func (s *Store) UpsertPaymentMethodConfig(_ context.Context, cfg domain.PaymentMethodConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.payConfigs[cfg.StoreID] == nil {
		s.payConfigs[cfg.StoreID] = make(map[string]domain.PaymentMethodConfig, 8)
	}
	s.payConfigs[cfg.StoreID][cfg.Method] = cfg
	return nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.StoreID == "" || customer.Name == "" {
		return nil, store.ErrInvalidSale
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if customer.DocumentID != "" {
		for _, existing := range s.customers {
			if existing.StoreID == customer.StoreID && existing.DocumentID == customer.DocumentID {
				return nil, store.ErrConflict
			}
		}
	}
	s.customers[customer.ID] = customer
	return &customer, nil
}

func (s *Store) GetCustomerByID(_ context.Context, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) FindCustomerByDocument(_ context.Context, storeID string, documentID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.customers {
		if c.StoreID == storeID && c.DocumentID == documentID {
			customer := c
			return &customer, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetOutstandingDebtUSD(_ context.Context, customerID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outstandingLocked(customerID), nil
}

func (s *Store) outstandingLocked(customerID string) decimal.Decimal {
	outstanding := decimal.Zero
	for _, d := range s.debts {
		if d.CustomerID == customerID && d.Status != domain.DebtStatusPaid {
			outstanding = outstanding.Add(d.AmountUSD.Sub(d.PaidUSD))
		}
	}
	return outstanding
}

func (s *Store) GetDebtByID(_ context.Context, debtID string) (*domain.Debt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.debts[debtID]
	if !ok {
		return nil, store.ErrNotFound
	}
	debt := *d
	return &debt, nil
}

func (s *Store) ListDebts(_ context.Context, storeID string, customerID string, limit int) ([]domain.Debt, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	debts := make([]domain.Debt, 0, 16)
	for _, d := range s.debts {
		if d.StoreID != storeID {
			continue
		}
		if customerID != "" && d.CustomerID != customerID {
			continue
		}
		debts = append(debts, *d)
	}
	slices.SortFunc(debts, func(a, b domain.Debt) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(debts) > limit {
		debts = debts[:limit]
	}
	return debts, nil
}

func (s *Store) RecordDebtPayment(_ context.Context, debtID string, paymentEntry domain.DebtPayment) (*domain.Debt, error) {
	if !paymentEntry.AmountUSD.IsPositive() {
		return nil, store.ErrInvalidSale
	}
	if paymentEntry.ID == "" {
		paymentEntry.ID = xid.New("dpay")
	}
	if paymentEntry.CreatedAt.IsZero() {
		paymentEntry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.debts[debtID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if d.Status == domain.DebtStatusPaid {
		return nil, store.ErrInvalidSale
	}

	newPaid := d.PaidUSD.Add(paymentEntry.AmountUSD)
	if newPaid.GreaterThan(d.AmountUSD) {
		return nil, store.ErrInvalidSale
	}
	d.PaidUSD = newPaid
	if newPaid.Equal(d.AmountUSD) {
		d.Status = domain.DebtStatusPaid
	} else {
		d.Status = domain.DebtStatusPartial
	}

	paymentEntry.DebtID = debtID
	s.debtPayments = append(s.debtPayments, paymentEntry)

	debt := *d
	return &debt, nil
}

func (s *Store) OpenCashSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if session.StoreID == "" || session.OpenedBy == "" {
		return nil, store.ErrInvalidSale
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.StoreID == session.StoreID && existing.OpenedBy == session.OpenedBy && existing.ClosedAt == nil {
			return nil, store.ErrConflict
		}
	}
	stored := session
	s.sessions[session.ID] = &stored
	return &session, nil
}

func (s *Store) CloseCashSession(_ context.Context, sessionID string, closedBy string, closingBs decimal.Decimal, closingUSD decimal.Decimal, note string, at time.Time) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.ClosedAt != nil {
		return nil, store.ErrNotFound
	}

	closedAt := at
	session.ClosedAt = &closedAt
	session.ClosedBy = closedBy
	session.ClosingBs = closingBs
	session.ClosingUSD = closingUSD
	session.ClosingNote = note

	closed := *session
	return &closed, nil
}

func (s *Store) GetOpenCashSession(_ context.Context, storeID string, openedBy string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		if session.StoreID == storeID && session.OpenedBy == openedBy && session.ClosedAt == nil {
			open := *session
			return &open, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) NextInvoiceNumber(_ context.Context, storeID string, series string) (*domain.InvoiceNumber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key seriesKey
	var row *invoiceSeriesRow
	for k := range s.invoiceSeries {
		if k.storeID != storeID {
			continue
		}
		if series != "" && k.series != series {
			continue
		}
		candidate := s.invoiceSeries[k]
		if row == nil || (candidate.isDefault && !row.isDefault) ||
			(candidate.isDefault == row.isDefault && k.series < key.series) {
			key, row = k, candidate
		}
	}
	if row == nil {
		return nil, fmt.Errorf("no invoice series configured for store %s: %w", storeID, store.ErrNotFound)
	}

	number := row.nextNumber
	row.nextNumber++
	return &domain.InvoiceNumber{
		Series:     key.series,
		Number:     number,
		FullNumber: fmt.Sprintf("%s%s-%06d", row.prefix, key.series, number),
	}, nil
}

// CreateSale mirrors the transactional commit of the SQL store: all checks
// run against staged state and nothing is applied unless the whole sale
// passes. Tests rely on this all-or-nothing behavior.
func (s *Store) CreateSale(_ context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	req := draft.Request
	if len(req.Lines) == 0 || !req.ExchangeRate.IsPositive() || draft.CashSessionID == "" {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	saleID := xid.New("sale")

	// Staged mutations, applied only after every line and the payment gate
	// pass.
	lotRemaining := make(map[string]decimal.Decimal, 4)
	var stagedLotMovements []domain.LotMovement
	var stagedInvMovements []domain.InventoryMovement
	stockDeltas := make(map[stockRowKey]decimal.Decimal, len(req.Lines))

	lines := make([]pricing.Line, 0, len(req.Lines))
	items := make([]domain.SaleItem, 0, len(req.Lines))
	productIDs := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		productIDs = append(productIDs, line.ProductID)
	}
	priceEntries := s.priceEntriesLocked(req.PriceListID, productIDs)

	for _, line := range req.Lines {
		product, ok := s.products[line.ProductID]
		if !ok || product.StoreID != draft.StoreID || !product.Active {
			return nil, fmt.Errorf("product %s: %w", line.ProductID, store.ErrNotFound)
		}

		var variant *domain.ProductVariant
		if line.VariantID != "" {
			v, ok := s.variants[line.VariantID]
			if !ok || v.ProductID != product.ID || !v.Active {
				return nil, fmt.Errorf("variant %s of product %s: %w", line.VariantID, product.ID, store.ErrNotFound)
			}
			variant = &v
		}

		qty := line.Quantity
		if product.IsSoldByWeight {
			qty = line.WeightValue
		}
		if !qty.IsPositive() {
			return nil, store.ErrInvalidSale
		}

		var unit pricing.Price
		if product.IsSoldByWeight && line.UnitPriceBs != nil && line.UnitPriceUSD != nil {
			unit = pricing.Price{Bs: *line.UnitPriceBs, USD: *line.UnitPriceUSD}
		} else {
			resolved, ok := pricing.ResolveUnitPrice(
				pricing.VariantPrice(variant),
				pricing.ListPrice(priceEntries, product.ID, line.VariantID, qty),
				pricing.BasePrice(product),
			)
			if !ok {
				return nil, fmt.Errorf("no price for product %s: %w", product.ID, store.ErrNotFound)
			}
			unit = resolved
		}

		if product.IsSerialized {
			available := s.countSerialsLocked(product.ID, line.VariantID)
			if decimal.NewFromInt(int64(available)).LessThan(qty) {
				return nil, &domain.InsufficientStockError{
					ProductID: product.ID,
					Requested: qty,
					Available: decimal.NewFromInt(int64(available)),
				}
			}
		}

		firstLotID := ""
		if product.IsLotTracked {
			candidates := make([]domain.ProductLot, 0, 4)
			for _, lot := range s.lots {
				if lot.ProductID != product.ID {
					continue
				}
				staged := *lot
				if remaining, ok := lotRemaining[lot.ID]; ok {
					staged.RemainingQty = remaining
				}
				candidates = append(candidates, staged)
			}
			allocations, err := inventory.AllocateFIFO(product.ID, qty, candidates, now)
			if err != nil {
				return nil, err
			}
			for _, alloc := range allocations {
				if firstLotID == "" {
					firstLotID = alloc.LotID
				}
				current := s.lots[alloc.LotID].RemainingQty
				if remaining, ok := lotRemaining[alloc.LotID]; ok {
					current = remaining
				}
				lotRemaining[alloc.LotID] = current.Sub(alloc.Quantity)
				stagedLotMovements = append(stagedLotMovements, domain.LotMovement{
					ID: xid.New("lmov"), LotID: alloc.LotID, ProductID: product.ID,
					MovementType: domain.LotMovementSold, QtyDelta: alloc.Quantity.Neg(),
					SaleID: saleID, CreatedAt: now,
				})
			}
		} else {
			available := s.availabilityLocked(draft.StoreID, draft.WarehouseID, product.ID, line.VariantID)
			pending := decimal.Zero
			for k, delta := range stockDeltas {
				if k.productID == product.ID && k.variantID == line.VariantID {
					pending = pending.Add(delta)
				}
			}
			if available.Sub(pending).LessThan(qty) {
				return nil, &domain.InsufficientStockError{
					ProductID: product.ID,
					Requested: qty,
					Available: available.Sub(pending),
				}
			}
		}

		key := stockRowKey{warehouseID: draft.WarehouseID, productID: product.ID, variantID: line.VariantID}
		stockDeltas[key] = stockDeltas[key].Add(qty)

		stagedInvMovements = append(stagedInvMovements, domain.InventoryMovement{
			ID: xid.New("imov"), WarehouseID: draft.WarehouseID, ProductID: product.ID, VariantID: line.VariantID,
			MovementType: domain.InventoryMovementSale, QtyDelta: qty.Neg(), SaleID: saleID, CreatedAt: now,
		})

		lines = append(lines, pricing.Line{
			Quantity: qty,
			Unit:     unit,
			Discount: pricing.Price{Bs: line.DiscountBs, USD: line.DiscountUSD},
		})
		items = append(items, domain.SaleItem{
			ID:             xid.New("item"),
			SaleID:         saleID,
			ProductID:      product.ID,
			VariantID:      line.VariantID,
			LotID:          firstLotID,
			Quantity:       qty,
			UnitPriceBs:    unit.Bs,
			UnitPriceUSD:   unit.USD,
			DiscountBs:     line.DiscountBs,
			DiscountUSD:    line.DiscountUSD,
			IsSoldByWeight: product.IsSoldByWeight,
			WeightValue:    line.WeightValue,
			WeightUnit:     product.WeightUnit,
		})
	}

	totals := pricing.OrderTotals(lines, pricing.Price{Bs: draft.PromoDiscBs, USD: draft.PromoDiscUSD})
	if totals.Total.Bs.IsNegative() || totals.Total.USD.IsNegative() {
		return nil, store.ErrInvalidSale
	}

	var err error
	if len(req.PaymentSplits) > 0 {
		err = payment.AuthorizeSplit(req.PaymentSplits, totals.Total.Bs, totals.Total.USD, draft.PaymentConfigs, draft.ActorRole)
	} else {
		err = payment.Authorize(req.PaymentMethod, totals.Total.Bs, totals.Total.USD, draft.PaymentConfigs, draft.ActorRole)
	}
	if err != nil {
		return nil, err
	}

	var stagedDebt *domain.Debt
	if payment.HasMethod(req.PaymentMethod, req.PaymentSplits, domain.PaymentFiao) {
		if draft.CustomerID == "" {
			return nil, store.ErrInvalidSale
		}
		customerRow, ok := s.customers[draft.CustomerID]
		if !ok {
			return nil, fmt.Errorf("customer %s: %w", draft.CustomerID, store.ErrNotFound)
		}
		customer := customerRow
		fiaoUSD := payment.FiaoAmountUSD(req.PaymentMethod, req.PaymentSplits, totals.Total.USD)
		if err := payment.CheckCredit(&customer, s.outstandingLocked(customer.ID), fiaoUSD); err != nil {
			return nil, err
		}
		fiaoBs := totals.Total.Bs
		if req.PaymentMethod != domain.PaymentFiao {
			fiaoBs = decimal.Zero
			for _, split := range req.PaymentSplits {
				if split.Method == domain.PaymentFiao {
					fiaoBs = fiaoBs.Add(split.AmountBs)
				}
			}
		}
		stagedDebt = &domain.Debt{
			ID: xid.New("debt"), StoreID: draft.StoreID, CustomerID: customer.ID, SaleID: saleID,
			AmountBs: fiaoBs, AmountUSD: fiaoUSD, PaidUSD: decimal.Zero,
			Status: domain.DebtStatusPending, CreatedAt: now,
		}
	}

	// Everything passed; apply staged state.
	for lotID, remaining := range lotRemaining {
		s.lots[lotID].RemainingQty = remaining
	}
	s.lotMovements = append(s.lotMovements, stagedLotMovements...)
	s.invMovements = append(s.invMovements, stagedInvMovements...)
	for key, delta := range stockDeltas {
		if row, ok := s.stocks[key]; ok {
			row.Quantity = row.Quantity.Sub(delta)
		} else {
			s.stocks[key] = &domain.WarehouseStock{
				WarehouseID: key.warehouseID, ProductID: key.productID, VariantID: key.variantID,
				Quantity: delta.Neg(), Reserved: decimal.Zero,
			}
		}
	}
	if stagedDebt != nil {
		s.debts[stagedDebt.ID] = stagedDebt
	}

	s.saleSequences[draft.StoreID]++
	sale := domain.Sale{
		ID:            saleID,
		StoreID:       draft.StoreID,
		CashSessionID: draft.CashSessionID,
		Number:        s.saleSequences[draft.StoreID],
		CurrencyMode:  req.CurrencyMode,
		ExchangeRate:  req.ExchangeRate,
		SubtotalBs:    totals.Subtotal.Bs,
		SubtotalUSD:   totals.Subtotal.USD,
		DiscountBs:    totals.Discount.Bs,
		DiscountUSD:   totals.Discount.USD,
		TotalBs:       totals.Total.Bs,
		TotalUSD:      totals.Total.USD,
		PaymentMethod: req.PaymentMethod,
		PaymentSplits: req.PaymentSplits,
		CustomerID:    draft.CustomerID,
		Note:          req.Note,
		CreatedBy:     draft.ActorUsername,
		DeviceID:      draft.DeviceID,
		CreatedAt:     now,
		Items:         items,
	}
	if draft.Invoice != nil {
		sale.InvoiceSeries = draft.Invoice.Series
		sale.InvoiceNumber = draft.Invoice.FullNumber
	}

	stored := sale
	s.salesByID[saleID] = &stored
	return &sale, nil
}

func (s *Store) GetSaleByID(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *sale
	out.Items = slices.Clone(sale.Items)
	return &out, nil
}

func (s *Store) ListSales(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, 16)
	for _, sale := range s.salesByID {
		if sale.StoreID != storeID {
			continue
		}
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		out := *sale
		out.Items = slices.Clone(sale.Items)
		sales = append(sales, out)
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		return int(b.Number - a.Number)
	})
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) AppendEvent(_ context.Context, event domain.StoreEvent) (*domain.StoreEvent, error) {
	if event.StoreID == "" || event.EventType == "" {
		return nil, store.ErrInvalidSale
	}
	if event.ID == "" {
		event.ID = xid.New("evt")
	}
	if event.DeviceID == "" {
		event.DeviceID = domain.ServerDeviceID
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if len(event.Payload) == 0 {
		event.Payload = json.RawMessage("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventSequences[event.StoreID]++
	event.Seq = s.eventSequences[event.StoreID]
	event.VectorClock = map[string]int64{event.DeviceID: event.Seq}
	s.events = append(s.events, event)
	return &event, nil
}

func (s *Store) ListEventsSince(_ context.Context, storeID string, afterSeq int64, limit int) ([]domain.StoreEvent, error) {
	if limit < 1 || limit > 1000 {
		limit = 200
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]domain.StoreEvent, 0, 16)
	for _, event := range s.events {
		if event.StoreID != storeID || event.Seq <= afterSeq {
			continue
		}
		events = append(events, event)
	}
	slices.SortFunc(events, func(a, b domain.StoreEvent) int {
		return int(a.Seq - b.Seq)
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Store) CreateSecurityAudit(_ context.Context, entry domain.SecurityAudit) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

func (s *Store) ListSecurityAudits(_ context.Context, storeID string, limit int) ([]domain.SecurityAudit, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.SecurityAudit, 0, 16)
	for i := len(s.audits) - 1; i >= 0 && len(entries) < limit; i-- {
		if s.audits[i].StoreID == storeID {
			entries = append(entries, s.audits[i])
		}
	}
	return entries, nil
}

func (s *Store) IncrementUsageCounter(_ context.Context, storeID string, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageCounters[storeID+"|"+day]++
	return nil
}

// UsageCount reports the sales counter for a store and day. Test helper.
func (s *Store) UsageCount(storeID string, day string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usageCounters[storeID+"|"+day]
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.TrimSpace(user.Username)
	if username == "" {
		return store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func sortLotsFIFO(lots []domain.ProductLot) {
	slices.SortStableFunc(lots, func(a, b domain.ProductLot) int {
		switch {
		case a.ExpirationDate == nil && b.ExpirationDate != nil:
			return 1
		case a.ExpirationDate != nil && b.ExpirationDate == nil:
			return -1
		case a.ExpirationDate != nil && b.ExpirationDate != nil && !a.ExpirationDate.Equal(*b.ExpirationDate):
			return a.ExpirationDate.Compare(*b.ExpirationDate)
		}
		return a.ReceivedAt.Compare(b.ReceivedAt)
	})
}

func dateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}
