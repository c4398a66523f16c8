package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID             string          `json:"id"`
	StoreID        string          `json:"store_id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	PriceBs        decimal.Decimal `json:"price_bs"`
	PriceUSD       decimal.Decimal `json:"price_usd"`
	IsSoldByWeight bool            `json:"is_sold_by_weight"`
	WeightUnit     string          `json:"weight_unit,omitempty"`
	IsLotTracked   bool            `json:"is_lot_tracked"`
	IsSerialized   bool            `json:"is_serialized"`
	Active         bool            `json:"active"`
}

type ProductVariant struct {
	ID        string           `json:"id"`
	ProductID string           `json:"product_id"`
	Name      string           `json:"name"`
	PriceBs   *decimal.Decimal `json:"price_bs,omitempty"`
	PriceUSD  *decimal.Decimal `json:"price_usd,omitempty"`
	Active    bool             `json:"active"`
}

type PriceListEntry struct {
	PriceListID string          `json:"price_list_id"`
	ProductID   string          `json:"product_id"`
	VariantID   string          `json:"variant_id,omitempty"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
	PriceBs     decimal.Decimal `json:"price_bs"`
	PriceUSD    decimal.Decimal `json:"price_usd"`
}

type Warehouse struct {
	ID        string `json:"id"`
	StoreID   string `json:"store_id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// WarehouseStock is the aggregate stock row per (warehouse, product, variant).
// Available quantity is Quantity - Reserved.
type WarehouseStock struct {
	WarehouseID string          `json:"warehouse_id"`
	ProductID   string          `json:"product_id"`
	VariantID   string          `json:"variant_id,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	Reserved    decimal.Decimal `json:"reserved"`
}

// ProductLot is a received batch of stock. RemainingQty is mutated only
// through paired LotMovement rows and must never go negative.
type ProductLot struct {
	ID             string          `json:"id"`
	ProductID      string          `json:"product_id"`
	LotNumber      string          `json:"lot_number"`
	InitialQty     decimal.Decimal `json:"initial_qty"`
	RemainingQty   decimal.Decimal `json:"remaining_qty"`
	UnitCostBs     decimal.Decimal `json:"unit_cost_bs"`
	UnitCostUSD    decimal.Decimal `json:"unit_cost_usd"`
	ExpirationDate *time.Time      `json:"expiration_date,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}

type LotMovement struct {
	ID           string          `json:"id"`
	LotID        string          `json:"lot_id"`
	ProductID    string          `json:"product_id"`
	MovementType string          `json:"movement_type"`
	QtyDelta     decimal.Decimal `json:"qty_delta"`
	SaleID       string          `json:"sale_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type InventoryMovement struct {
	ID           string          `json:"id"`
	WarehouseID  string          `json:"warehouse_id,omitempty"`
	ProductID    string          `json:"product_id"`
	VariantID    string          `json:"variant_id,omitempty"`
	MovementType string          `json:"movement_type"`
	QtyDelta     decimal.Decimal `json:"qty_delta"`
	SaleID       string          `json:"sale_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type ProductSerial struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Serial    string `json:"serial"`
	Status    string `json:"status"`
}

type Customer struct {
	ID             string          `json:"id"`
	StoreID        string          `json:"store_id"`
	Name           string          `json:"name"`
	DocumentID     string          `json:"document_id,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	CreditLimitUSD decimal.Decimal `json:"credit_limit_usd"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Debt struct {
	ID         string          `json:"id"`
	StoreID    string          `json:"store_id"`
	CustomerID string          `json:"customer_id"`
	SaleID     string          `json:"sale_id"`
	AmountBs   decimal.Decimal `json:"amount_bs"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	PaidUSD    decimal.Decimal `json:"paid_usd"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

type DebtPayment struct {
	ID        string          `json:"id"`
	DebtID    string          `json:"debt_id"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	Method    string          `json:"method"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type CashSession struct {
	ID              string          `json:"id"`
	StoreID         string          `json:"store_id"`
	OpenedBy        string          `json:"opened_by"`
	DeviceID        string          `json:"device_id,omitempty"`
	OpeningBs       decimal.Decimal `json:"opening_bs"`
	OpeningUSD      decimal.Decimal `json:"opening_usd"`
	ClosingBs       decimal.Decimal `json:"closing_bs"`
	ClosingUSD      decimal.Decimal `json:"closing_usd"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	ClosedBy        string          `json:"closed_by,omitempty"`
	ClosingNote     string          `json:"closing_note,omitempty"`
}

type PaymentMethodConfig struct {
	StoreID               string          `json:"store_id"`
	Method                string          `json:"method"`
	Enabled               bool            `json:"enabled"`
	RequiresAuthorization bool            `json:"requires_authorization"`
	MinBs                 decimal.Decimal `json:"min_bs"`
	MaxBs                 decimal.Decimal `json:"max_bs"`
	MinUSD                decimal.Decimal `json:"min_usd"`
	MaxUSD                decimal.Decimal `json:"max_usd"`
}

type PaymentSplit struct {
	Method    string          `json:"method"`
	AmountBs  decimal.Decimal `json:"amount_bs"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	Reference string          `json:"reference,omitempty"`
}

type SaleItem struct {
	ID             string          `json:"id"`
	SaleID         string          `json:"sale_id"`
	ProductID      string          `json:"product_id"`
	VariantID      string          `json:"variant_id,omitempty"`
	LotID          string          `json:"lot_id,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPriceBs    decimal.Decimal `json:"unit_price_bs"`
	UnitPriceUSD   decimal.Decimal `json:"unit_price_usd"`
	DiscountBs     decimal.Decimal `json:"discount_bs"`
	DiscountUSD    decimal.Decimal `json:"discount_usd"`
	IsSoldByWeight bool            `json:"is_sold_by_weight"`
	WeightValue    decimal.Decimal `json:"weight_value"`
	WeightUnit     string          `json:"weight_unit,omitempty"`
}

type Sale struct {
	ID            string          `json:"id"`
	StoreID       string          `json:"store_id"`
	CashSessionID string          `json:"cash_session_id"`
	Number        int64           `json:"number"`
	CurrencyMode  string          `json:"currency_mode"`
	ExchangeRate  decimal.Decimal `json:"exchange_rate"`
	SubtotalBs    decimal.Decimal `json:"subtotal_bs"`
	SubtotalUSD   decimal.Decimal `json:"subtotal_usd"`
	DiscountBs    decimal.Decimal `json:"discount_bs"`
	DiscountUSD   decimal.Decimal `json:"discount_usd"`
	TotalBs       decimal.Decimal `json:"total_bs"`
	TotalUSD      decimal.Decimal `json:"total_usd"`
	PaymentMethod string          `json:"payment_method"`
	PaymentSplits []PaymentSplit  `json:"payment_splits,omitempty"`
	CustomerID    string          `json:"customer_id,omitempty"`
	InvoiceSeries string          `json:"invoice_series,omitempty"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	Note          string          `json:"note,omitempty"`
	CreatedBy     string          `json:"created_by"`
	DeviceID      string          `json:"device_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Items         []SaleItem      `json:"items"`
}

type InvoiceNumber struct {
	Series     string `json:"series"`
	Number     int64  `json:"number"`
	FullNumber string `json:"full_number"`
}

// StoreEvent is one entry of the per-store append-only event log. Seq is
// assigned at append time and is strictly increasing per store.
type StoreEvent struct {
	ID          string           `json:"id"`
	StoreID     string           `json:"store_id"`
	Seq         int64            `json:"seq"`
	EventType   string           `json:"event_type"`
	AggregateID string           `json:"aggregate_id"`
	DeviceID    string           `json:"device_id"`
	VectorClock map[string]int64 `json:"vector_clock"`
	Payload     json.RawMessage  `json:"payload"`
	CreatedAt   time.Time        `json:"created_at"`
}

type SecurityAudit struct {
	ID        string    `json:"id"`
	StoreID   string    `json:"store_id"`
	EventType string    `json:"event_type"`
	Username  string    `json:"username"`
	Status    string    `json:"status"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
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

type SaleLineRequest struct {
	ProductID    string           `json:"product_id"`
	VariantID    string           `json:"variant_id,omitempty"`
	Quantity     decimal.Decimal  `json:"quantity"`
	UnitPriceBs  *decimal.Decimal `json:"unit_price_bs,omitempty"`
	UnitPriceUSD *decimal.Decimal `json:"unit_price_usd,omitempty"`
	DiscountBs   decimal.Decimal  `json:"discount_bs"`
	DiscountUSD  decimal.Decimal  `json:"discount_usd"`
	WeightValue  decimal.Decimal  `json:"weight_value"`
}

type SaleCustomerRef struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

type CreateSaleRequest struct {
	StoreID       string            `json:"store_id"`
	CashSessionID string            `json:"cash_session_id"`
	WarehouseID   string            `json:"warehouse_id,omitempty"`
	PriceListID   string            `json:"price_list_id,omitempty"`
	PromotionID   string            `json:"promotion_id,omitempty"`
	CurrencyMode  string            `json:"currency_mode"`
	ExchangeRate  decimal.Decimal   `json:"exchange_rate"`
	PaymentMethod string            `json:"payment_method"`
	PaymentSplits []PaymentSplit    `json:"payment_splits,omitempty"`
	Customer      *SaleCustomerRef  `json:"customer,omitempty"`
	InvoiceSeries string            `json:"invoice_series,omitempty"`
	Note          string            `json:"note,omitempty"`
	DeviceID      string            `json:"device_id,omitempty"`
	Lines         []SaleLineRequest `json:"lines"`
}

// SaleDraft is the fully resolved input to the transactional commit: the
// normalized request plus everything the pre-commit phase already settled
// (warehouse, customer, invoice number, payment method configs).
type SaleDraft struct {
	Request        CreateSaleRequest
	StoreID        string
	WarehouseID    string
	CashSessionID  string
	CustomerID     string
	ActorUsername  string
	ActorRole      string
	DeviceID       string
	Invoice        *InvoiceNumber
	PromoDiscBs    decimal.Decimal
	PromoDiscUSD   decimal.Decimal
	PaymentConfigs map[string]PaymentMethodConfig
}

type DebtPaymentRequest struct {
	AmountUSD decimal.Decimal `json:"amount_usd"`
	Method    string          `json:"method"`
	Reference string          `json:"reference,omitempty"`
}

type CashSessionOpenRequest struct {
	StoreID    string          `json:"store_id"`
	DeviceID   string          `json:"device_id,omitempty"`
	OpeningBs  decimal.Decimal `json:"opening_bs"`
	OpeningUSD decimal.Decimal `json:"opening_usd"`
}

type CashSessionCloseRequest struct {
	SessionID  string          `json:"session_id"`
	ClosingBs  decimal.Decimal `json:"closing_bs"`
	ClosingUSD decimal.Decimal `json:"closing_usd"`
	Note       string          `json:"note"`
}

type LotReceiveRequest struct {
	ProductID      string          `json:"product_id"`
	LotNumber      string          `json:"lot_number"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCostBs     decimal.Decimal `json:"unit_cost_bs"`
	UnitCostUSD    decimal.Decimal `json:"unit_cost_usd"`
	ExpirationDate string          `json:"expiration_date,omitempty"`
}

type CustomerCreateRequest struct {
	StoreID        string          `json:"store_id"`
	Name           string          `json:"name"`
	DocumentID     string          `json:"document_id"`
	Phone          string          `json:"phone,omitempty"`
	CreditLimitUSD decimal.Decimal `json:"credit_limit_usd"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
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

const (
	PaymentCashBs       = "cash_bs"
	PaymentCashUSD      = "cash_usd"
	PaymentCard         = "card"
	PaymentPagoMovil    = "pago_movil"
	PaymentTransfer     = "transfer"
	PaymentZelle        = "zelle"
	PaymentFiao         = "fiao"
	PaymentSplitMethod  = "split"
	PaymentOther        = "other"
)

const (
	CurrencyModeBs   = "bs"
	CurrencyModeUSD  = "usd"
	CurrencyModeDual = "dual"
)

const (
	DebtStatusPending = "pending"
	DebtStatusPartial = "partial"
	DebtStatusPaid    = "paid"
)

const (
	LotMovementReceived = "received"
	LotMovementSold     = "sold"
	LotMovementExpired  = "expired"
	LotMovementDamaged  = "damaged"
	LotMovementAdjusted = "adjusted"
)

const (
	InventoryMovementSale       = "sale"
	InventoryMovementReception  = "reception"
	InventoryMovementAdjustment = "adjustment"
)

const (
	SerialStatusAvailable = "available"
	SerialStatusSold      = "sold"
)

const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const (
	AuditStatusApproved = "approved"
	AuditStatusBlocked  = "blocked"
)

const (
	EventSaleCreated = "sale.created"
)

// ServerDeviceID is the device identity used for events committed directly on
// the server rather than relayed from a client device.
const ServerDeviceID = "00000000-0000-0000-0000-000000000001"
