package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"bodegapos/backend/internal/domain"
	"bodegapos/backend/internal/inventory"
	"bodegapos/backend/internal/payment"
	"bodegapos/backend/internal/pricing"
	"bodegapos/backend/internal/store"
	"bodegapos/backend/internal/xid"
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

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.StoreID == "" || product.Name == "" {
		return nil, store.ErrInvalidSale
	}
	if product.ID == "" {
		product.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, store_id, sku, name, price_bs, price_usd, is_sold_by_weight, weight_unit, is_lot_tracked, is_serialized, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())
	`, product.ID, product.StoreID, nullIfEmpty(product.SKU), product.Name,
		product.PriceBs, product.PriceUSD, product.IsSoldByWeight, nullIfEmpty(product.WeightUnit),
		product.IsLotTracked, product.IsSerialized, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, storeID string, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, COALESCE(sku, ''), name, price_bs, price_usd, is_sold_by_weight, COALESCE(weight_unit, ''), is_lot_tracked, is_serialized, active
		FROM products
		WHERE store_id = $1 AND id = ANY($2)
	`, storeID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.StoreID, &p.SKU, &p.Name, &p.PriceBs, &p.PriceUSD,
			&p.IsSoldByWeight, &p.WeightUnit, &p.IsLotTracked, &p.IsSerialized, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) GetVariantsByIDs(ctx context.Context, ids []string) (map[string]domain.ProductVariant, error) {
	result := make(map[string]domain.ProductVariant, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, name, price_bs, price_usd, active
		FROM product_variants
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var v domain.ProductVariant
		var priceBs, priceUSD sql.NullString
		if err := rows.Scan(&v.ID, &v.ProductID, &v.Name, &priceBs, &priceUSD, &v.Active); err != nil {
			return nil, err
		}
		if priceBs.Valid && priceUSD.Valid {
			bs, err := decimal.NewFromString(priceBs.String)
			if err != nil {
				return nil, err
			}
			usd, err := decimal.NewFromString(priceUSD.String)
			if err != nil {
				return nil, err
			}
			v.PriceBs, v.PriceUSD = &bs, &usd
		}
		result[v.ID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) CreateVariant(ctx context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error) {
	if variant.ProductID == "" || variant.Name == "" {
		return nil, store.ErrInvalidSale
	}
	if variant.ID == "" {
		variant.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_variants (id, product_id, name, price_bs, price_usd, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, variant.ID, variant.ProductID, variant.Name, nullDecimal(variant.PriceBs), nullDecimal(variant.PriceUSD), variant.Active)
	if err != nil {
		return nil, err
	}
	return &variant, nil
}

func (s *Store) GetPriceListEntries(ctx context.Context, priceListID string, productIDs []string) ([]domain.PriceListEntry, error) {
	if priceListID == "" || len(productIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT price_list_id, product_id, COALESCE(variant_id, ''), min_quantity, price_bs, price_usd
		FROM price_list_entries
		WHERE price_list_id = $1 AND product_id = ANY($2)
	`, priceListID, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.PriceListEntry, 0, len(productIDs))
	for rows.Next() {
		var e domain.PriceListEntry
		if err := rows.Scan(&e.PriceListID, &e.ProductID, &e.VariantID, &e.MinQuantity, &e.PriceBs, &e.PriceUSD); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *Store) UpsertPriceListEntry(ctx context.Context, entry domain.PriceListEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_list_entries (price_list_id, product_id, variant_id, min_quantity, price_bs, price_usd)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (price_list_id, product_id, COALESCE(variant_id, ''), min_quantity)
		DO UPDATE SET price_bs = EXCLUDED.price_bs, price_usd = EXCLUDED.price_usd
	`, entry.PriceListID, entry.ProductID, nullIfEmpty(entry.VariantID), entry.MinQuantity, entry.PriceBs, entry.PriceUSD)
	return err
}

func (s *Store) CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	if warehouse.StoreID == "" || warehouse.Name == "" {
		return nil, store.ErrInvalidSale
	}
	if warehouse.ID == "" {
		warehouse.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warehouses (id, store_id, name, is_default, created_at)
		VALUES ($1,$2,$3,$4,now())
	`, warehouse.ID, warehouse.StoreID, warehouse.Name, warehouse.IsDefault)
	if err != nil {
		return nil, err
	}
	return &warehouse, nil
}

func (s *Store) GetWarehouseByID(ctx context.Context, warehouseID string) (*domain.Warehouse, error) {
	var w domain.Warehouse
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, name, is_default FROM warehouses WHERE id = $1
	`, warehouseID).Scan(&w.ID, &w.StoreID, &w.Name, &w.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) GetDefaultWarehouse(ctx context.Context, storeID string) (*domain.Warehouse, error) {
	var w domain.Warehouse
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, name, is_default
		FROM warehouses
		WHERE store_id = $1
		ORDER BY is_default DESC, created_at ASC
		LIMIT 1
	`, storeID).Scan(&w.ID, &w.StoreID, &w.Name, &w.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) SetStock(ctx context.Context, warehouseID string, productID string, variantID string, qty decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warehouse_stocks (warehouse_id, product_id, variant_id, quantity, reserved, updated_at)
		VALUES ($1,$2,$3,$4,0,now())
		ON CONFLICT (warehouse_id, product_id, COALESCE(variant_id, ''))
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()
	`, warehouseID, productID, nullIfEmpty(variantID), qty)
	return err
}

// GetStockAvailability is the lock-free estimate used before the transaction
// opens. When warehouseID is empty, availability is summed across all of the
// store's warehouses.
func (s *Store) GetStockAvailability(ctx context.Context, storeID string, warehouseID string, productID string, variantID string) (decimal.Decimal, error) {
	var available decimal.Decimal
	var err error
	if warehouseID != "" {
		err = s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(quantity - reserved), 0)
			FROM warehouse_stocks
			WHERE warehouse_id = $1 AND product_id = $2 AND COALESCE(variant_id, '') = $3
		`, warehouseID, productID, variantID).Scan(&available)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(ws.quantity - ws.reserved), 0)
			FROM warehouse_stocks ws
			JOIN warehouses w ON w.id = ws.warehouse_id
			WHERE w.store_id = $1 AND ws.product_id = $2 AND COALESCE(ws.variant_id, '') = $3
		`, storeID, productID, variantID).Scan(&available)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return available, nil
}

func (s *Store) ReceiveLot(ctx context.Context, warehouseID string, lot domain.ProductLot) (*domain.ProductLot, error) {
	if lot.ProductID == "" || lot.LotNumber == "" || !lot.InitialQty.IsPositive() {
		return nil, store.ErrInvalidSale
	}
	if lot.ID == "" {
		lot.ID = uuid.NewString()
	}
	if lot.ReceivedAt.IsZero() {
		lot.ReceivedAt = time.Now().UTC()
	}
	lot.RemainingQty = lot.InitialQty

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO product_lots (id, product_id, lot_number, initial_qty, remaining_qty, unit_cost_bs, unit_cost_usd, expiration_date, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, lot.ID, lot.ProductID, lot.LotNumber, lot.InitialQty, lot.RemainingQty,
		lot.UnitCostBs, lot.UnitCostUSD, nullDate(lot.ExpirationDate), lot.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO lot_movements (id, lot_id, product_id, movement_type, qty_delta, sale_id, created_at)
		VALUES ($1,$2,$3,$4,$5,NULL,$6)
	`, uuid.NewString(), lot.ID, lot.ProductID, domain.LotMovementReceived, lot.InitialQty, lot.ReceivedAt)
	if err != nil {
		return nil, err
	}

	if warehouseID != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO warehouse_stocks (warehouse_id, product_id, variant_id, quantity, reserved, updated_at)
			VALUES ($1,$2,NULL,$3,0,now())
			ON CONFLICT (warehouse_id, product_id, COALESCE(variant_id, ''))
			DO UPDATE SET quantity = warehouse_stocks.quantity + EXCLUDED.quantity, updated_at = now()
		`, warehouseID, lot.ProductID, lot.InitialQty)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory_movements (id, warehouse_id, product_id, variant_id, movement_type, qty_delta, sale_id, created_at)
			VALUES ($1,$2,$3,NULL,$4,$5,NULL,$6)
		`, uuid.NewString(), warehouseID, lot.ProductID, domain.InventoryMovementReception, lot.InitialQty, lot.ReceivedAt)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &lot, nil
}

func (s *Store) ListLots(ctx context.Context, productID string, includeExpired bool) ([]domain.ProductLot, error) {
	query := `
		SELECT id, product_id, lot_number, initial_qty, remaining_qty, unit_cost_bs, unit_cost_usd, expiration_date, received_at
		FROM product_lots
		WHERE product_id = $1
	`
	if !includeExpired {
		query += ` AND (expiration_date IS NULL OR expiration_date >= CURRENT_DATE)`
	}
	query += ` ORDER BY expiration_date ASC NULLS LAST, received_at ASC`

	rows, err := s.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLots(rows)
}

func (s *Store) ListLotMovements(ctx context.Context, saleID string) ([]domain.LotMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lot_id, product_id, movement_type, qty_delta, COALESCE(sale_id, ''), created_at
		FROM lot_movements
		WHERE sale_id = $1
		ORDER BY created_at ASC, id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.LotMovement, 0, 8)
	for rows.Next() {
		var m domain.LotMovement
		if err := rows.Scan(&m.ID, &m.LotID, &m.ProductID, &m.MovementType, &m.QtyDelta, &m.SaleID, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) ListInventoryMovements(ctx context.Context, saleID string) ([]domain.InventoryMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(warehouse_id, ''), product_id, COALESCE(variant_id, ''), movement_type, qty_delta, COALESCE(sale_id, ''), created_at
		FROM inventory_movements
		WHERE sale_id = $1
		ORDER BY created_at ASC, id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.InventoryMovement, 0, 8)
	for rows.Next() {
		var m domain.InventoryMovement
		if err := rows.Scan(&m.ID, &m.WarehouseID, &m.ProductID, &m.VariantID, &m.MovementType, &m.QtyDelta, &m.SaleID, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreateSerial(ctx context.Context, serial domain.ProductSerial) error {
	if serial.ID == "" {
		serial.ID = uuid.NewString()
	}
	if serial.Status == "" {
		serial.Status = domain.SerialStatusAvailable
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_serials (id, product_id, variant_id, serial, status)
		VALUES ($1,$2,$3,$4,$5)
	`, serial.ID, serial.ProductID, nullIfEmpty(serial.VariantID), serial.Serial, serial.Status)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) CountAvailableSerials(ctx context.Context, productID string, variantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM product_serials
		WHERE product_id = $1 AND ($2 = '' OR COALESCE(variant_id, '') = $2) AND status = $3
	`, productID, variantID, domain.SerialStatusAvailable).Scan(&count)
	return count, err
}

func (s *Store) GetPaymentMethodConfigs(ctx context.Context, storeID string) (map[string]domain.PaymentMethodConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT store_id, method, enabled, requires_authorization, min_bs, max_bs, min_usd, max_usd
		FROM payment_method_configs
		WHERE store_id = $1
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]domain.PaymentMethodConfig, 8)
	for rows.Next() {
		var cfg domain.PaymentMethodConfig
		if err := rows.Scan(&cfg.StoreID, &cfg.Method, &cfg.Enabled, &cfg.RequiresAuthorization,
			&cfg.MinBs, &cfg.MaxBs, &cfg.MinUSD, &cfg.MaxUSD); err != nil {
			return nil, err
		}
		configs[cfg.Method] = cfg
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return configs, nil
}

func (s *Store) UpsertPaymentMethodConfig(ctx context.Context, cfg domain.PaymentMethodConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_method_configs (store_id, method, enabled, requires_authorization, min_bs, max_bs, min_usd, max_usd)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (store_id, method)
		DO UPDATE SET enabled = EXCLUDED.enabled, requires_authorization = EXCLUDED.requires_authorization,
			min_bs = EXCLUDED.min_bs, max_bs = EXCLUDED.max_bs, min_usd = EXCLUDED.min_usd, max_usd = EXCLUDED.max_usd
	`, cfg.StoreID, cfg.Method, cfg.Enabled, cfg.RequiresAuthorization, cfg.MinBs, cfg.MaxBs, cfg.MinUSD, cfg.MaxUSD)
	return err
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.StoreID == "" || customer.Name == "" {
		return nil, store.ErrInvalidSale
	}
	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, store_id, name, document_id, phone, credit_limit_usd, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, customer.ID, customer.StoreID, customer.Name, nullIfEmpty(customer.DocumentID),
		nullIfEmpty(customer.Phone), customer.CreditLimitUSD, customer.Active, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &customer, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, customerID string) (*domain.Customer, error) {
	return s.findCustomer(ctx, `id = $1`, customerID)
}

func (s *Store) FindCustomerByDocument(ctx context.Context, storeID string, documentID string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, name, COALESCE(document_id, ''), COALESCE(phone, ''), credit_limit_usd, active, created_at
		FROM customers
		WHERE store_id = $1 AND document_id = $2
	`, storeID, documentID).Scan(&c.ID, &c.StoreID, &c.Name, &c.DocumentID, &c.Phone, &c.CreditLimitUSD, &c.Active, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) findCustomer(ctx context.Context, where string, arg any) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, name, COALESCE(document_id, ''), COALESCE(phone, ''), credit_limit_usd, active, created_at
		FROM customers
		WHERE `+where, arg).Scan(&c.ID, &c.StoreID, &c.Name, &c.DocumentID, &c.Phone, &c.CreditLimitUSD, &c.Active, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetOutstandingDebtUSD sums what the customer still owes across non-paid
// debts. This lock-free read is an estimate; the commit path recomputes it
// under the customer row lock.
func (s *Store) GetOutstandingDebtUSD(ctx context.Context, customerID string) (decimal.Decimal, error) {
	var outstanding decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_usd - paid_usd), 0)
		FROM debts
		WHERE customer_id = $1 AND status <> $2
	`, customerID, domain.DebtStatusPaid).Scan(&outstanding)
	if err != nil {
		return decimal.Zero, err
	}
	return outstanding, nil
}

func (s *Store) GetDebtByID(ctx context.Context, debtID string) (*domain.Debt, error) {
	var d domain.Debt
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, customer_id, sale_id, amount_bs, amount_usd, paid_usd, status, created_at
		FROM debts
		WHERE id = $1
	`, debtID).Scan(&d.ID, &d.StoreID, &d.CustomerID, &d.SaleID, &d.AmountBs, &d.AmountUSD, &d.PaidUSD, &d.Status, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListDebts(ctx context.Context, storeID string, customerID string, limit int) ([]domain.Debt, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, customer_id, sale_id, amount_bs, amount_usd, paid_usd, status, created_at
		FROM debts
		WHERE store_id = $1 AND ($2 = '' OR customer_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, storeID, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	debts := make([]domain.Debt, 0, limit)
	for rows.Next() {
		var d domain.Debt
		if err := rows.Scan(&d.ID, &d.StoreID, &d.CustomerID, &d.SaleID, &d.AmountBs, &d.AmountUSD, &d.PaidUSD, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		debts = append(debts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return debts, nil
}

func (s *Store) RecordDebtPayment(ctx context.Context, debtID string, paymentEntry domain.DebtPayment) (*domain.Debt, error) {
	if !paymentEntry.AmountUSD.IsPositive() {
		return nil, store.ErrInvalidSale
	}
	if paymentEntry.ID == "" {
		paymentEntry.ID = uuid.NewString()
	}
	if paymentEntry.CreatedAt.IsZero() {
		paymentEntry.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var d domain.Debt
	err = tx.QueryRowContext(ctx, `
		SELECT id, store_id, customer_id, sale_id, amount_bs, amount_usd, paid_usd, status, created_at
		FROM debts
		WHERE id = $1
		FOR UPDATE
	`, debtID).Scan(&d.ID, &d.StoreID, &d.CustomerID, &d.SaleID, &d.AmountBs, &d.AmountUSD, &d.PaidUSD, &d.Status, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.Status == domain.DebtStatusPaid {
		return nil, store.ErrInvalidSale
	}

	newPaid := d.PaidUSD.Add(paymentEntry.AmountUSD)
	if newPaid.GreaterThan(d.AmountUSD) {
		return nil, store.ErrInvalidSale
	}
	status := domain.DebtStatusPartial
	if newPaid.Equal(d.AmountUSD) {
		status = domain.DebtStatusPaid
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE debts SET paid_usd = $1, status = $2 WHERE id = $3
	`, newPaid, status, d.ID)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO debt_payments (id, debt_id, amount_usd, method, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, paymentEntry.ID, d.ID, paymentEntry.AmountUSD, paymentEntry.Method, nullIfEmpty(paymentEntry.Reference), paymentEntry.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	d.PaidUSD = newPaid
	d.Status = status
	return &d, nil
}

func (s *Store) OpenCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if session.StoreID == "" || session.OpenedBy == "" {
		return nil, store.ErrInvalidSale
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}

	existing, err := s.GetOpenCashSession(ctx, session.StoreID, session.OpenedBy)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, store.ErrConflict
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (id, store_id, opened_by, device_id, opening_bs, opening_usd, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, session.ID, session.StoreID, session.OpenedBy, nullIfEmpty(session.DeviceID),
		session.OpeningBs, session.OpeningUSD, session.OpenedAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) CloseCashSession(ctx context.Context, sessionID string, closedBy string, closingBs decimal.Decimal, closingUSD decimal.Decimal, note string, at time.Time) (*domain.CashSession, error) {
	var session domain.CashSession
	err := s.db.QueryRowContext(ctx, `
		UPDATE cash_sessions
		SET closed_at = $1, closed_by = $2, closing_bs = $3, closing_usd = $4, closing_note = $5
		WHERE id = $6 AND closed_at IS NULL
		RETURNING id, store_id, opened_by, COALESCE(device_id, ''), opening_bs, opening_usd, closing_bs, closing_usd, opened_at, closed_at, COALESCE(closed_by, ''), COALESCE(closing_note, '')
	`, at, closedBy, closingBs, closingUSD, nullIfEmpty(note), sessionID).Scan(
		&session.ID, &session.StoreID, &session.OpenedBy, &session.DeviceID,
		&session.OpeningBs, &session.OpeningUSD, &session.ClosingBs, &session.ClosingUSD,
		&session.OpenedAt, &session.ClosedAt, &session.ClosedBy, &session.ClosingNote)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) GetOpenCashSession(ctx context.Context, storeID string, openedBy string) (*domain.CashSession, error) {
	var session domain.CashSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, opened_by, COALESCE(device_id, ''), opening_bs, opening_usd, opened_at
		FROM cash_sessions
		WHERE store_id = $1 AND opened_by = $2 AND closed_at IS NULL
		ORDER BY opened_at DESC
		LIMIT 1
	`, storeID, openedBy).Scan(&session.ID, &session.StoreID, &session.OpenedBy, &session.DeviceID,
		&session.OpeningBs, &session.OpeningUSD, &session.OpenedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// NextInvoiceNumber consumes one number from the store's invoice series.
// With an empty series name the default series is used. A store without a
// configured series returns ErrNotFound; callers treat that as non-fatal.
func (s *Store) NextInvoiceNumber(ctx context.Context, storeID string, series string) (*domain.InvoiceNumber, error) {
	var name, prefix string
	var number int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE invoice_series
		SET next_number = next_number + 1
		WHERE id = (
			SELECT id FROM invoice_series
			WHERE store_id = $1 AND ($2 = '' OR series = $2)
			ORDER BY is_default DESC, series ASC
			LIMIT 1
		)
		RETURNING series, COALESCE(prefix, ''), next_number - 1
	`, storeID, series).Scan(&name, &prefix, &number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no invoice series configured for store %s: %w", storeID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return &domain.InvoiceNumber{
		Series:     name,
		Number:     number,
		FullNumber: fmt.Sprintf("%s%s-%06d", prefix, name, number),
	}, nil
}

type stockKey struct {
	productID string
	variantID string
}

// CreateSale is the transactional core of a sale commit: batch resolution,
// lot allocation under skip-locked row locks, aggregate stock locking,
// pricing, payment authorization, and the atomic write of the Sale aggregate
// with its movements and optional Debt. Deadlock and serialization failures
// come back wrapped as store.ErrTxConflict so the caller's retry policy can
// run the whole unit of work again.
func (s *Store) CreateSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	req := draft.Request
	if len(req.Lines) == 0 || !req.ExchangeRate.IsPositive() || draft.CashSessionID == "" {
		return nil, store.ErrInvalidSale
	}

	sale, err := s.createSaleTx(ctx, draft)
	if err != nil {
		return nil, wrapTxConflict(err)
	}
	return sale, nil
}

func (s *Store) createSaleTx(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	req := draft.Request
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	productIDs := make([]string, 0, len(req.Lines))
	variantIDs := make([]string, 0, len(req.Lines))
	seenProducts := make(map[string]bool, len(req.Lines))
	for _, line := range req.Lines {
		if line.ProductID == "" {
			return nil, store.ErrInvalidSale
		}
		if !seenProducts[line.ProductID] {
			seenProducts[line.ProductID] = true
			productIDs = append(productIDs, line.ProductID)
		}
		if line.VariantID != "" {
			variantIDs = append(variantIDs, line.VariantID)
		}
	}

	products, err := queryProducts(ctx, tx, draft.StoreID, productIDs)
	if err != nil {
		return nil, err
	}
	variants, err := queryVariants(ctx, tx, variantIDs)
	if err != nil {
		return nil, err
	}

	var priceEntries []domain.PriceListEntry
	if req.PriceListID != "" {
		priceEntries, err = queryPriceListEntries(ctx, tx, req.PriceListID, productIDs)
		if err != nil {
			return nil, err
		}
	}

	saleID := uuid.NewString()
	lines := make([]pricing.Line, 0, len(req.Lines))
	items := make([]domain.SaleItem, 0, len(req.Lines))
	stockDeltas := make(map[stockKey]decimal.Decimal, len(req.Lines))
	stockOrder := make([]stockKey, 0, len(req.Lines))

	for _, line := range req.Lines {
		product, ok := products[line.ProductID]
		if !ok || !product.Active {
			return nil, fmt.Errorf("product %s: %w", line.ProductID, store.ErrNotFound)
		}

		var variant *domain.ProductVariant
		if line.VariantID != "" {
			v, ok := variants[line.VariantID]
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
			// Deviation against the catalog price was authorized and audited
			// before the transaction opened.
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
			available, err := countAvailableSerialsTx(ctx, tx, product.ID, line.VariantID)
			if err != nil {
				return nil, err
			}
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
			lots, err := lockLots(ctx, tx, product.ID)
			if err != nil {
				return nil, err
			}
			allocations, err := inventory.AllocateFIFO(product.ID, qty, lots, now)
			if err != nil {
				return nil, err
			}
			for _, alloc := range allocations {
				if firstLotID == "" {
					firstLotID = alloc.LotID
				}
				_, err = tx.ExecContext(ctx, `
					UPDATE product_lots
					SET remaining_qty = remaining_qty - $1, updated_at = now()
					WHERE id = $2
				`, alloc.Quantity, alloc.LotID)
				if err != nil {
					return nil, err
				}
				_, err = tx.ExecContext(ctx, `
					INSERT INTO lot_movements (id, lot_id, product_id, movement_type, qty_delta, sale_id, created_at)
					VALUES ($1,$2,$3,$4,$5,$6,$7)
				`, uuid.NewString(), alloc.LotID, product.ID, domain.LotMovementSold, alloc.Quantity.Neg(), saleID, now)
				if err != nil {
					return nil, err
				}
			}
		} else {
			if err := lockAndCheckStock(ctx, tx, draft.StoreID, draft.WarehouseID, product.ID, line.VariantID, qty); err != nil {
				return nil, err
			}
		}

		key := stockKey{productID: product.ID, variantID: line.VariantID}
		if _, seen := stockDeltas[key]; !seen {
			stockOrder = append(stockOrder, key)
		}
		stockDeltas[key] = stockDeltas[key].Add(qty)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory_movements (id, warehouse_id, product_id, variant_id, movement_type, qty_delta, sale_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, uuid.NewString(), nullIfEmpty(draft.WarehouseID), product.ID, nullIfEmpty(line.VariantID),
			domain.InventoryMovementSale, qty.Neg(), saleID, now)
		if err != nil {
			return nil, err
		}

		lines = append(lines, pricing.Line{
			Quantity: qty,
			Unit:     unit,
			Discount: pricing.Price{Bs: line.DiscountBs, USD: line.DiscountUSD},
		})
		items = append(items, domain.SaleItem{
			ID:             uuid.NewString(),
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

	// One aggregate stock update per (product, variant) pair, not per line.
	for _, key := range stockOrder {
		if err := applyStockDelta(ctx, tx, draft.StoreID, draft.WarehouseID, key, stockDeltas[key]); err != nil {
			return nil, err
		}
	}

	totals := pricing.OrderTotals(lines, pricing.Price{Bs: draft.PromoDiscBs, USD: draft.PromoDiscUSD})
	if totals.Total.Bs.IsNegative() || totals.Total.USD.IsNegative() {
		return nil, store.ErrInvalidSale
	}

	role := draft.ActorRole
	if len(req.PaymentSplits) > 0 {
		err = payment.AuthorizeSplit(req.PaymentSplits, totals.Total.Bs, totals.Total.USD, draft.PaymentConfigs, role)
	} else {
		err = payment.Authorize(req.PaymentMethod, totals.Total.Bs, totals.Total.USD, draft.PaymentConfigs, role)
	}
	if err != nil {
		return nil, err
	}

	if payment.HasMethod(req.PaymentMethod, req.PaymentSplits, domain.PaymentFiao) {
		if _, err := s.createDebtTx(ctx, tx, draft, saleID, totals, now); err != nil {
			return nil, err
		}
	}

	number, err := nextSaleNumber(ctx, tx, draft.StoreID)
	if err != nil {
		return nil, fmt.Errorf("sale number for store %s: %v: %w", draft.StoreID, err, store.ErrSequenceFailure)
	}

	sale := domain.Sale{
		ID:            saleID,
		StoreID:       draft.StoreID,
		CashSessionID: draft.CashSessionID,
		Number:        number,
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

	splitsJSON, err := encodeSplits(sale.PaymentSplits)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, store_id, cash_session_id, number, currency_mode, exchange_rate,
			subtotal_bs, subtotal_usd, discount_bs, discount_usd, total_bs, total_usd,
			payment_method, payment_splits, customer_id, invoice_series, invoice_number,
			note, created_by, device_id, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, sale.ID, sale.StoreID, sale.CashSessionID, sale.Number, sale.CurrencyMode, sale.ExchangeRate,
		sale.SubtotalBs, sale.SubtotalUSD, sale.DiscountBs, sale.DiscountUSD, sale.TotalBs, sale.TotalUSD,
		sale.PaymentMethod, splitsJSON, nullIfEmpty(sale.CustomerID), nullIfEmpty(sale.InvoiceSeries),
		nullIfEmpty(sale.InvoiceNumber), nullIfEmpty(sale.Note), sale.CreatedBy, nullIfEmpty(sale.DeviceID), sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, item := range sale.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_items (
				id, sale_id, product_id, variant_id, lot_id, quantity,
				unit_price_bs, unit_price_usd, discount_bs, discount_usd,
				is_sold_by_weight, weight_value, weight_unit
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, item.ID, item.SaleID, item.ProductID, nullIfEmpty(item.VariantID), nullIfEmpty(item.LotID),
			item.Quantity, item.UnitPriceBs, item.UnitPriceUSD, item.DiscountBs, item.DiscountUSD,
			item.IsSoldByWeight, item.WeightValue, nullIfEmpty(item.WeightUnit))
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &sale, nil
}

// createDebtTx re-validates the customer's credit under the customer row lock
// and records the Debt. Locking the customer closes the race where two
// concurrent credit sales would each pass a lock-free estimate.
func (s *Store) createDebtTx(ctx context.Context, tx *sql.Tx, draft domain.SaleDraft, saleID string, totals pricing.Totals, now time.Time) (*domain.Debt, error) {
	if draft.CustomerID == "" {
		return nil, store.ErrInvalidSale
	}

	var customer domain.Customer
	err := tx.QueryRowContext(ctx, `
		SELECT id, store_id, name, COALESCE(document_id, ''), credit_limit_usd, active
		FROM customers
		WHERE id = $1
		FOR UPDATE
	`, draft.CustomerID).Scan(&customer.ID, &customer.StoreID, &customer.Name, &customer.DocumentID,
		&customer.CreditLimitUSD, &customer.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", draft.CustomerID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var outstanding decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_usd - paid_usd), 0)
		FROM debts
		WHERE customer_id = $1 AND status <> $2
	`, customer.ID, domain.DebtStatusPaid).Scan(&outstanding)
	if err != nil {
		return nil, err
	}

	req := draft.Request
	fiaoUSD := payment.FiaoAmountUSD(req.PaymentMethod, req.PaymentSplits, totals.Total.USD)
	if err := payment.CheckCredit(&customer, outstanding, fiaoUSD); err != nil {
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

	debt := domain.Debt{
		ID:         uuid.NewString(),
		StoreID:    draft.StoreID,
		CustomerID: customer.ID,
		SaleID:     saleID,
		AmountBs:   fiaoBs,
		AmountUSD:  fiaoUSD,
		PaidUSD:    decimal.Zero,
		Status:     domain.DebtStatusPending,
		CreatedAt:  now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO debts (id, store_id, customer_id, sale_id, amount_bs, amount_usd, paid_usd, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, debt.ID, debt.StoreID, debt.CustomerID, debt.SaleID, debt.AmountBs, debt.AmountUSD, debt.PaidUSD, debt.Status, debt.CreatedAt)
	if err != nil {
		return nil, err
	}

	return &debt, nil
}

// lockLots locks the product's usable lots in FIFO order. SKIP LOCKED keeps
// two concurrent sales on the same product working against disjoint lots
// instead of serializing; a lot held by another in-flight sale simply drops
// out of the candidate set.
func lockLots(ctx context.Context, tx *sql.Tx, productID string) ([]domain.ProductLot, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, product_id, lot_number, initial_qty, remaining_qty, unit_cost_bs, unit_cost_usd, expiration_date, received_at
		FROM product_lots
		WHERE product_id = $1 AND remaining_qty > 0
		ORDER BY expiration_date ASC NULLS LAST, received_at ASC
		FOR UPDATE SKIP LOCKED
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLots(rows)
}

// lockAndCheckStock guards a non-lot-tracked line. With a designated
// warehouse it locks the single (warehouse, product, variant) row; without
// one it locks and sums every stock row of the store.
func lockAndCheckStock(ctx context.Context, tx *sql.Tx, storeID string, warehouseID string, productID string, variantID string, qty decimal.Decimal) error {
	var available decimal.Decimal
	var err error
	if warehouseID != "" {
		err = tx.QueryRowContext(ctx, `
			SELECT quantity - reserved
			FROM warehouse_stocks
			WHERE warehouse_id = $1 AND product_id = $2 AND COALESCE(variant_id, '') = $3
			FOR UPDATE
		`, warehouseID, productID, variantID).Scan(&available)
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.InsufficientStockError{ProductID: productID, Requested: qty, Available: decimal.Zero}
		}
	} else {
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(ws.quantity - ws.reserved), 0)
			FROM (
				SELECT ws.quantity, ws.reserved
				FROM warehouse_stocks ws
				JOIN warehouses w ON w.id = ws.warehouse_id
				WHERE w.store_id = $1 AND ws.product_id = $2 AND COALESCE(ws.variant_id, '') = $3
				FOR UPDATE OF ws
			) ws
		`, storeID, productID, variantID).Scan(&available)
	}
	if err != nil {
		return err
	}
	if available.LessThan(qty) {
		return &domain.InsufficientStockError{ProductID: productID, Requested: qty, Available: available}
	}
	return nil
}

// applyStockDelta decrements aggregate stock once per (product, variant)
// pair. Without a designated warehouse the delta is consumed greedily across
// the store's warehouses in default-first order.
func applyStockDelta(ctx context.Context, tx *sql.Tx, storeID string, warehouseID string, key stockKey, delta decimal.Decimal) error {
	if warehouseID != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE warehouse_stocks
			SET quantity = quantity - $1, updated_at = now()
			WHERE warehouse_id = $2 AND product_id = $3 AND COALESCE(variant_id, '') = $4
		`, delta, warehouseID, key.productID, key.variantID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			// Lot-tracked products may have no aggregate row yet; create a
			// negative one so warehouse totals stay reconcilable.
			_, err = tx.ExecContext(ctx, `
				INSERT INTO warehouse_stocks (warehouse_id, product_id, variant_id, quantity, reserved, updated_at)
				VALUES ($1,$2,$3,$4,0,now())
			`, warehouseID, key.productID, nullIfEmpty(key.variantID), delta.Neg())
			return err
		}
		return nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT ws.warehouse_id, ws.quantity - ws.reserved
		FROM warehouse_stocks ws
		JOIN warehouses w ON w.id = ws.warehouse_id
		WHERE w.store_id = $1 AND ws.product_id = $2 AND COALESCE(ws.variant_id, '') = $3
		ORDER BY w.is_default DESC, w.created_at ASC
	`, storeID, key.productID, key.variantID)
	if err != nil {
		return err
	}
	type slot struct {
		warehouseID string
		available   decimal.Decimal
	}
	slots := make([]slot, 0, 4)
	for rows.Next() {
		var sl slot
		if err := rows.Scan(&sl.warehouseID, &sl.available); err != nil {
			_ = rows.Close()
			return err
		}
		slots = append(slots, sl)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	remaining := delta
	for _, sl := range slots {
		if !remaining.IsPositive() {
			break
		}
		take := sl.available
		if take.GreaterThan(remaining) {
			take = remaining
		}
		if !take.IsPositive() {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE warehouse_stocks
			SET quantity = quantity - $1, updated_at = now()
			WHERE warehouse_id = $2 AND product_id = $3 AND COALESCE(variant_id, '') = $4
		`, take, sl.warehouseID, key.productID, key.variantID)
		if err != nil {
			return err
		}
		remaining = remaining.Sub(take)
	}
	return nil
}

// nextSaleNumber allocates the per-store sale number with an atomic
// upsert-and-increment. Numbers are strictly increasing per store; gaps are
// possible when a commit retries.
func nextSaleNumber(ctx context.Context, tx *sql.Tx, storeID string) (int64, error) {
	var number int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO sale_sequences (store_id, current_number)
		VALUES ($1, 1)
		ON CONFLICT (store_id)
		DO UPDATE SET current_number = sale_sequences.current_number + 1
		RETURNING current_number
	`, storeID).Scan(&number)
	if err != nil {
		return 0, err
	}
	return number, nil
}

func (s *Store) GetSaleByID(ctx context.Context, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	var splitsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, cash_session_id, number, currency_mode, exchange_rate,
			subtotal_bs, subtotal_usd, discount_bs, discount_usd, total_bs, total_usd,
			payment_method, COALESCE(payment_splits, '[]'), COALESCE(customer_id, ''),
			COALESCE(invoice_series, ''), COALESCE(invoice_number, ''), COALESCE(note, ''),
			created_by, COALESCE(device_id, ''), created_at
		FROM sales
		WHERE id = $1
	`, saleID).Scan(&sale.ID, &sale.StoreID, &sale.CashSessionID, &sale.Number, &sale.CurrencyMode, &sale.ExchangeRate,
		&sale.SubtotalBs, &sale.SubtotalUSD, &sale.DiscountBs, &sale.DiscountUSD, &sale.TotalBs, &sale.TotalUSD,
		&sale.PaymentMethod, &splitsJSON, &sale.CustomerID, &sale.InvoiceSeries, &sale.InvoiceNumber, &sale.Note,
		&sale.CreatedBy, &sale.DeviceID, &sale.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sale.PaymentSplits, err = decodeSplits(splitsJSON); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, COALESCE(variant_id, ''), COALESCE(lot_id, ''), quantity,
			unit_price_bs, unit_price_usd, discount_bs, discount_usd,
			is_sold_by_weight, weight_value, COALESCE(weight_unit, '')
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.VariantID, &item.LotID, &item.Quantity,
			&item.UnitPriceBs, &item.UnitPriceUSD, &item.DiscountBs, &item.DiscountUSD,
			&item.IsSoldByWeight, &item.WeightValue, &item.WeightUnit); err != nil {
			return nil, err
		}
		sale.Items = append(sale.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, cash_session_id, number, currency_mode, exchange_rate,
			subtotal_bs, subtotal_usd, discount_bs, discount_usd, total_bs, total_usd,
			payment_method, COALESCE(payment_splits, '[]'), COALESCE(customer_id, ''),
			COALESCE(invoice_series, ''), COALESCE(invoice_number, ''), COALESCE(note, ''),
			created_by, COALESCE(device_id, ''), created_at
		FROM sales
		WHERE store_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY number DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var splitsJSON []byte
		if err := rows.Scan(&sale.ID, &sale.StoreID, &sale.CashSessionID, &sale.Number, &sale.CurrencyMode, &sale.ExchangeRate,
			&sale.SubtotalBs, &sale.SubtotalUSD, &sale.DiscountBs, &sale.DiscountUSD, &sale.TotalBs, &sale.TotalUSD,
			&sale.PaymentMethod, &splitsJSON, &sale.CustomerID, &sale.InvoiceSeries, &sale.InvoiceNumber, &sale.Note,
			&sale.CreatedBy, &sale.DeviceID, &sale.CreatedAt); err != nil {
			return nil, err
		}
		if sale.PaymentSplits, err = decodeSplits(splitsJSON); err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

// AppendEvent assigns the next store-scoped sequence number and writes the
// event with a single-entry vector clock for the committing device.
func (s *Store) AppendEvent(ctx context.Context, event domain.StoreEvent) (*domain.StoreEvent, error) {
	if event.StoreID == "" || event.EventType == "" {
		return nil, store.ErrInvalidSale
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.DeviceID == "" {
		event.DeviceID = domain.ServerDeviceID
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO event_sequences (store_id, current_seq)
		VALUES ($1, 1)
		ON CONFLICT (store_id)
		DO UPDATE SET current_seq = event_sequences.current_seq + 1
		RETURNING current_seq
	`, event.StoreID).Scan(&event.Seq)
	if err != nil {
		return nil, err
	}

	event.VectorClock = map[string]int64{event.DeviceID: event.Seq}
	clockJSON, err := json.Marshal(event.VectorClock)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO store_events (id, store_id, seq, event_type, aggregate_id, device_id, vector_clock, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, event.ID, event.StoreID, event.Seq, event.EventType, nullIfEmpty(event.AggregateID),
		event.DeviceID, clockJSON, []byte(event.Payload), event.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *Store) ListEventsSince(ctx context.Context, storeID string, afterSeq int64, limit int) ([]domain.StoreEvent, error) {
	if limit < 1 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, seq, event_type, COALESCE(aggregate_id, ''), device_id, vector_clock, payload, created_at
		FROM store_events
		WHERE store_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, storeID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.StoreEvent, 0, limit)
	for rows.Next() {
		var event domain.StoreEvent
		var clockJSON []byte
		var payload []byte
		if err := rows.Scan(&event.ID, &event.StoreID, &event.Seq, &event.EventType, &event.AggregateID,
			&event.DeviceID, &clockJSON, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		if len(clockJSON) > 0 {
			if err := json.Unmarshal(clockJSON, &event.VectorClock); err != nil {
				return nil, err
			}
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) CreateSecurityAudit(ctx context.Context, entry domain.SecurityAudit) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_audits (id, store_id, event_type, username, status, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.StoreID, entry.EventType, entry.Username, entry.Status, nullIfEmpty(entry.Details), entry.CreatedAt)
	return err
}

func (s *Store) ListSecurityAudits(ctx context.Context, storeID string, limit int) ([]domain.SecurityAudit, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, event_type, username, status, COALESCE(details, ''), created_at
		FROM security_audits
		WHERE store_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.SecurityAudit, 0, limit)
	for rows.Next() {
		var e domain.SecurityAudit
		if err := rows.Scan(&e.ID, &e.StoreID, &e.EventType, &e.Username, &e.Status, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) IncrementUsageCounter(ctx context.Context, storeID string, day string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_counters (store_id, day, sales_count)
		VALUES ($1,$2,1)
		ON CONFLICT (store_id, day)
		DO UPDATE SET sales_count = usage_counters.sales_count + 1
	`, storeID, day)
	return err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at FROM users
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $1 WHERE username = $2
	`, password, username)
	return err
}

func queryProducts(ctx context.Context, tx *sql.Tx, storeID string, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, store_id, COALESCE(sku, ''), name, price_bs, price_usd, is_sold_by_weight, COALESCE(weight_unit, ''), is_lot_tracked, is_serialized, active
		FROM products
		WHERE store_id = $1 AND id = ANY($2)
	`, storeID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.StoreID, &p.SKU, &p.Name, &p.PriceBs, &p.PriceUSD,
			&p.IsSoldByWeight, &p.WeightUnit, &p.IsLotTracked, &p.IsSerialized, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

func queryVariants(ctx context.Context, tx *sql.Tx, ids []string) (map[string]domain.ProductVariant, error) {
	result := make(map[string]domain.ProductVariant, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, product_id, name, price_bs, price_usd, active
		FROM product_variants
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var v domain.ProductVariant
		var priceBs, priceUSD sql.NullString
		if err := rows.Scan(&v.ID, &v.ProductID, &v.Name, &priceBs, &priceUSD, &v.Active); err != nil {
			return nil, err
		}
		if priceBs.Valid && priceUSD.Valid {
			bs, err := decimal.NewFromString(priceBs.String)
			if err != nil {
				return nil, err
			}
			usd, err := decimal.NewFromString(priceUSD.String)
			if err != nil {
				return nil, err
			}
			v.PriceBs, v.PriceUSD = &bs, &usd
		}
		result[v.ID] = v
	}
	return result, rows.Err()
}

func queryPriceListEntries(ctx context.Context, tx *sql.Tx, priceListID string, productIDs []string) ([]domain.PriceListEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT price_list_id, product_id, COALESCE(variant_id, ''), min_quantity, price_bs, price_usd
		FROM price_list_entries
		WHERE price_list_id = $1 AND product_id = ANY($2)
	`, priceListID, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.PriceListEntry, 0, len(productIDs))
	for rows.Next() {
		var e domain.PriceListEntry
		if err := rows.Scan(&e.PriceListID, &e.ProductID, &e.VariantID, &e.MinQuantity, &e.PriceBs, &e.PriceUSD); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func countAvailableSerialsTx(ctx context.Context, tx *sql.Tx, productID string, variantID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM product_serials
		WHERE product_id = $1 AND ($2 = '' OR COALESCE(variant_id, '') = $2) AND status = $3
	`, productID, variantID, domain.SerialStatusAvailable).Scan(&count)
	return count, err
}

func scanLots(rows *sql.Rows) ([]domain.ProductLot, error) {
	lots := make([]domain.ProductLot, 0, 8)
	for rows.Next() {
		var lot domain.ProductLot
		var expiry sql.NullTime
		if err := rows.Scan(&lot.ID, &lot.ProductID, &lot.LotNumber, &lot.InitialQty, &lot.RemainingQty,
			&lot.UnitCostBs, &lot.UnitCostUSD, &expiry, &lot.ReceivedAt); err != nil {
			return nil, err
		}
		if expiry.Valid {
			e := expiry.Time.UTC()
			lot.ExpirationDate = &e
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lots, nil
}

func encodeSplits(splits []domain.PaymentSplit) ([]byte, error) {
	if len(splits) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(splits)
}

func decodeSplits(raw []byte) ([]domain.PaymentSplit, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var splits []domain.PaymentSplit
	if err := json.Unmarshal(raw, &splits); err != nil {
		return nil, err
	}
	if len(splits) == 0 {
		return nil, nil
	}
	return splits, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// wrapTxConflict marks Postgres deadlock (40P01) and serialization (40001)
// failures as retryable for the commit path's retry policy.
func wrapTxConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40P01" || pgErr.Code == "40001") {
		return fmt.Errorf("%v: %w", err, store.ErrTxConflict)
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC().Format("2006-01-02")
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}
