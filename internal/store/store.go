package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"bodegapos/backend/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidSale     = errors.New("invalid sale")
	ErrNoOpenSession   = errors.New("no open cash session")
	ErrSequenceFailure = errors.New("sale number sequence failure")
	// ErrTxConflict marks a deadlock or serialization failure; commits that
	// hit it are safe to retry.
	ErrTxConflict = errors.New("transaction conflict")
)

// IsTxConflict is the retryable predicate for the transactional commit path.
func IsTxConflict(err error) bool {
	return errors.Is(err, ErrTxConflict)
}

type Repository interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, storeID string, ids []string) (map[string]domain.Product, error)
	GetVariantsByIDs(ctx context.Context, ids []string) (map[string]domain.ProductVariant, error)
	CreateVariant(ctx context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error)
	GetPriceListEntries(ctx context.Context, priceListID string, productIDs []string) ([]domain.PriceListEntry, error)
	UpsertPriceListEntry(ctx context.Context, entry domain.PriceListEntry) error

	CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error)
	GetWarehouseByID(ctx context.Context, warehouseID string) (*domain.Warehouse, error)
	GetDefaultWarehouse(ctx context.Context, storeID string) (*domain.Warehouse, error)
	SetStock(ctx context.Context, warehouseID string, productID string, variantID string, qty decimal.Decimal) error
	GetStockAvailability(ctx context.Context, storeID string, warehouseID string, productID string, variantID string) (decimal.Decimal, error)

	ReceiveLot(ctx context.Context, warehouseID string, lot domain.ProductLot) (*domain.ProductLot, error)
	ListLots(ctx context.Context, productID string, includeExpired bool) ([]domain.ProductLot, error)
	ListLotMovements(ctx context.Context, saleID string) ([]domain.LotMovement, error)
	ListInventoryMovements(ctx context.Context, saleID string) ([]domain.InventoryMovement, error)

	CreateSerial(ctx context.Context, serial domain.ProductSerial) error
	CountAvailableSerials(ctx context.Context, productID string, variantID string) (int, error)

	GetPaymentMethodConfigs(ctx context.Context, storeID string) (map[string]domain.PaymentMethodConfig, error)
	UpsertPaymentMethodConfig(ctx context.Context, cfg domain.PaymentMethodConfig) error

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomerByID(ctx context.Context, customerID string) (*domain.Customer, error)
	FindCustomerByDocument(ctx context.Context, storeID string, documentID string) (*domain.Customer, error)
	GetOutstandingDebtUSD(ctx context.Context, customerID string) (decimal.Decimal, error)
	GetDebtByID(ctx context.Context, debtID string) (*domain.Debt, error)
	ListDebts(ctx context.Context, storeID string, customerID string, limit int) ([]domain.Debt, error)
	RecordDebtPayment(ctx context.Context, debtID string, payment domain.DebtPayment) (*domain.Debt, error)

	OpenCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	CloseCashSession(ctx context.Context, sessionID string, closedBy string, closingBs decimal.Decimal, closingUSD decimal.Decimal, note string, at time.Time) (*domain.CashSession, error)
	GetOpenCashSession(ctx context.Context, storeID string, openedBy string) (*domain.CashSession, error)

	NextInvoiceNumber(ctx context.Context, storeID string, series string) (*domain.InvoiceNumber, error)

	CreateSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.Sale, error)

	AppendEvent(ctx context.Context, event domain.StoreEvent) (*domain.StoreEvent, error)
	ListEventsSince(ctx context.Context, storeID string, afterSeq int64, limit int) ([]domain.StoreEvent, error)

	CreateSecurityAudit(ctx context.Context, entry domain.SecurityAudit) error
	ListSecurityAudits(ctx context.Context, storeID string, limit int) ([]domain.SecurityAudit, error)
	IncrementUsageCounter(ctx context.Context, storeID string, day string) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
