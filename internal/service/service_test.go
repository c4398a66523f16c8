package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bodegapos/backend/internal/domain"
	"bodegapos/backend/internal/queue"
	"bodegapos/backend/internal/store"
	"bodegapos/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store, *queue.MemoryQueue) {
	repo := memory.NewSeeded()
	jobs := queue.NewMemoryQueue()
	svc := New(repo, jobs, nil, memory.SeedStoreID, "")
	return svc, repo, jobs
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})
}

func ownerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "owner", Role: domain.RoleOwner})
}

func openSession(t *testing.T, svc *Service, ctx context.Context) *domain.CashSession {
	t.Helper()
	session, err := svc.OpenCashSession(ctx, domain.CashSessionOpenRequest{
		StoreID:    memory.SeedStoreID,
		OpeningBs:  decimal.RequireFromString("500"),
		OpeningUSD: decimal.RequireFromString("20"),
	})
	if err != nil {
		t.Fatalf("open cash session failed: %v", err)
	}
	return session
}

func testRate() decimal.Decimal {
	return decimal.RequireFromString("36.00")
}

func TestCreateSaleBlockedWhenGenerationDisabled(t *testing.T) {
	svc, _, _ := newTestService()
	svc.AllowSale = func(context.Context, string) (bool, string) {
		return false, "subscription expired"
	}
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(1)},
		},
	})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "subscription expired") {
		t.Fatalf("expected reason in error, got %v", err)
	}
}

func TestCreateSaleRequiresOpenSession(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(1)},
		},
	})
	if !errors.Is(err, store.ErrNoOpenSession) {
		t.Fatalf("expected ErrNoOpenSession, got %v", err)
	}
}

func TestCreateSaleRejectsForeignSessionID(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		CashSessionID: "someone-elses-session",
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(1)},
		},
	})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for session mismatch, got %v", err)
	}
}

func TestCreateSaleHappyPath(t *testing.T) {
	svc, repo, jobs := newTestService()
	ctx := cashierCtx()
	session := openSession(t, svc, ctx)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(2)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if sale.Number != 1 {
		t.Fatalf("expected sale number 1, got %d", sale.Number)
	}
	if sale.CashSessionID != session.ID {
		t.Fatalf("sale bound to wrong cash session")
	}
	if !sale.TotalUSD.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("expected total 3.00 USD, got %s", sale.TotalUSD)
	}
	if !sale.TotalBs.Equal(decimal.RequireFromString("108")) {
		t.Fatalf("expected total 108.00 Bs, got %s", sale.TotalBs)
	}
	if sale.InvoiceNumber != "FA-A-000001" {
		t.Fatalf("expected invoice FA-A-000001, got %q", sale.InvoiceNumber)
	}
	if len(sale.Items) != 1 {
		t.Fatalf("expected 1 sale item, got %d", len(sale.Items))
	}

	available, err := repo.GetStockAvailability(ctx, memory.SeedStoreID, memory.SeedWarehouseID, memory.SeedProductSoda, "")
	if err != nil {
		t.Fatalf("stock availability failed: %v", err)
	}
	if !available.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("expected 98 units left, got %s", available)
	}

	events, err := repo.ListEventsSince(ctx, memory.SeedStoreID, 0, 10)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != domain.EventSaleCreated {
		t.Fatalf("expected one sale.created event, got %+v", events)
	}
	if events[0].AggregateID != sale.ID {
		t.Fatalf("event aggregate mismatch")
	}
	if events[0].VectorClock[events[0].DeviceID] != events[0].Seq {
		t.Fatalf("vector clock should carry the device's own sequence")
	}

	if len(jobs.Jobs()) != 2 {
		t.Fatalf("expected 2 post-commit jobs, got %d", len(jobs.Jobs()))
	}
	wantIDs := map[string]bool{"post-process-" + sale.ID: true, "relay-" + sale.ID: true}
	for _, job := range jobs.Jobs() {
		if !wantIDs[job.ID] {
			t.Fatalf("unexpected job id %q", job.ID)
		}
	}

	day := sale.CreatedAt.Format("2006-01-02")
	if repo.UsageCount(memory.SeedStoreID, day) != 1 {
		t.Fatalf("expected usage counter 1 for %s", day)
	}
}

func TestCreateSaleAllocatesLotsOldestFirst(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashBs,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductRice, Quantity: decimal.NewFromInt(15)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if sale.Items[0].LotID != memory.SeedLotRiceOld {
		t.Fatalf("item should reference the first allocated lot, got %s", sale.Items[0].LotID)
	}

	movements, err := repo.ListLotMovements(ctx, sale.ID)
	if err != nil {
		t.Fatalf("list lot movements failed: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("expected 2 lot movements, got %d", len(movements))
	}
	byLot := map[string]decimal.Decimal{}
	for _, m := range movements {
		byLot[m.LotID] = m.QtyDelta
	}
	if !byLot[memory.SeedLotRiceOld].Equal(decimal.NewFromInt(-10)) {
		t.Fatalf("expected -10 from the older lot, got %s", byLot[memory.SeedLotRiceOld])
	}
	if !byLot[memory.SeedLotRiceNew].Equal(decimal.NewFromInt(-5)) {
		t.Fatalf("expected -5 from the newer lot, got %s", byLot[memory.SeedLotRiceNew])
	}

	lots, err := repo.ListLots(ctx, memory.SeedProductRice, false)
	if err != nil {
		t.Fatalf("list lots failed: %v", err)
	}
	remaining := map[string]decimal.Decimal{}
	for _, lot := range lots {
		remaining[lot.ID] = lot.RemainingQty
	}
	if !remaining[memory.SeedLotRiceOld].IsZero() {
		t.Fatalf("older lot should be exhausted, got %s", remaining[memory.SeedLotRiceOld])
	}
	if !remaining[memory.SeedLotRiceNew].Equal(decimal.NewFromInt(15)) {
		t.Fatalf("newer lot should have 15 left, got %s", remaining[memory.SeedLotRiceNew])
	}
}

func TestConcurrentSalesNeverOversellLots(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	// 8 cashier submissions of 7 rice units each against 30 units across
	// the two seeded lots. Some must fail; the ones that commit may never
	// drain the lots past zero.
	const workers = 8
	perSale := decimal.NewFromInt(7)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var saleIDs []string
	var failures []error
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
				ExchangeRate:  testRate(),
				PaymentMethod: domain.PaymentCashUSD,
				Lines: []domain.SaleLineRequest{
					{ProductID: memory.SeedProductRice, Quantity: perSale},
				},
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			saleIDs = append(saleIDs, sale.ID)
		}()
	}
	wg.Wait()

	if len(saleIDs) == 0 {
		t.Fatal("expected at least one sale to commit")
	}
	if len(failures) == 0 {
		t.Fatal("demand exceeds stock, expected at least one rejection")
	}
	for _, err := range failures {
		var stockErr *domain.InsufficientStockError
		if !errors.As(err, &stockErr) {
			t.Fatalf("rejections must be stock errors, got %v", err)
		}
	}

	sold := decimal.Zero
	for _, id := range saleIDs {
		movements, err := repo.ListLotMovements(ctx, id)
		if err != nil {
			t.Fatalf("list lot movements failed: %v", err)
		}
		for _, m := range movements {
			sold = sold.Add(m.QtyDelta.Neg())
		}
	}

	lots, err := repo.ListLots(ctx, memory.SeedProductRice, false)
	if err != nil {
		t.Fatalf("list lots failed: %v", err)
	}
	remaining := decimal.Zero
	initial := decimal.Zero
	for _, lot := range lots {
		if lot.RemainingQty.IsNegative() {
			t.Fatalf("lot %s oversold to %s", lot.ID, lot.RemainingQty)
		}
		remaining = remaining.Add(lot.RemainingQty)
		initial = initial.Add(lot.InitialQty)
	}
	if sold.GreaterThan(initial) {
		t.Fatalf("sold %s exceeds initial stock %s", sold, initial)
	}
	if !initial.Sub(remaining).Equal(sold) {
		t.Fatalf("lot movements (%s) do not reconcile with remaining stock (%s of %s)", sold, remaining, initial)
	}
}

func TestCreateSaleInsufficientStockLeavesNoTrace(t *testing.T) {
	svc, repo, jobs := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashBs,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductRice, Quantity: decimal.NewFromInt(31)},
		},
	})

	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if !stockErr.Shortfall().Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected shortfall 1, got %s", stockErr.Shortfall())
	}

	lots, err := repo.ListLots(ctx, memory.SeedProductRice, false)
	if err != nil {
		t.Fatalf("list lots failed: %v", err)
	}
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.RemainingQty)
	}
	if !total.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("lots must be untouched after a failed sale, got %s", total)
	}

	sales, err := repo.ListSales(ctx, memory.SeedStoreID, time.Time{}, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list sales failed: %v", err)
	}
	if len(sales) != 0 {
		t.Fatalf("no sale should be recorded, got %d", len(sales))
	}
	if len(jobs.Jobs()) != 0 {
		t.Fatalf("no jobs should be enqueued after a failed sale")
	}
}

func TestCreateSaleFiaoAtCreditBoundary(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	// The seeded customer has a 100 USD limit with 90 USD outstanding; one
	// kilo of cheese is exactly the remaining 10 USD.
	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentFiao,
		Customer:      &domain.SaleCustomerRef{ID: memory.SeedCustomerID},
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductCheese, WeightValue: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("sale at the exact credit boundary should pass: %v", err)
	}

	debts, err := repo.ListDebts(ctx, memory.SeedStoreID, memory.SeedCustomerID, 10)
	if err != nil {
		t.Fatalf("list debts failed: %v", err)
	}
	if len(debts) != 2 {
		t.Fatalf("expected the seeded debt plus one new debt, got %d", len(debts))
	}
	found := false
	for _, d := range debts {
		if d.SaleID != sale.ID {
			continue
		}
		found = true
		if !d.AmountUSD.Equal(decimal.NewFromInt(10)) {
			t.Fatalf("expected 10 USD debt, got %s", d.AmountUSD)
		}
		if d.Status != domain.DebtStatusPending {
			t.Fatalf("new debt should be pending, got %s", d.Status)
		}
	}
	if !found {
		t.Fatalf("debt for the new sale not recorded")
	}
}

func TestCreateSaleFiaoOverCreditLimit(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentFiao,
		Customer:      &domain.SaleCustomerRef{ID: memory.SeedCustomerID},
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductCheese, WeightValue: decimal.RequireFromString("1.001")},
		},
	})

	var creditErr *domain.InsufficientCreditError
	if !errors.As(err, &creditErr) {
		t.Fatalf("expected InsufficientCreditError, got %v", err)
	}
}

func TestCreateSaleFiaoRequiresCustomer(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentFiao,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(1)},
		},
	})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale without a customer, got %v", err)
	}
}

func TestCreateSaleSplitPayment(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate: testRate(),
		PaymentSplits: []domain.PaymentSplit{
			{Method: domain.PaymentCard, AmountBs: decimal.RequireFromString("54"), AmountUSD: decimal.RequireFromString("1.5"), Reference: "POS-1"},
			{Method: domain.PaymentCashBs, AmountBs: decimal.RequireFromString("54"), AmountUSD: decimal.RequireFromString("1.5")},
		},
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(2)},
		},
	})
	if err != nil {
		t.Fatalf("split sale failed: %v", err)
	}
	if sale.PaymentMethod != domain.PaymentSplitMethod {
		t.Fatalf("expected split method, got %s", sale.PaymentMethod)
	}
	if len(sale.PaymentSplits) != 2 {
		t.Fatalf("expected 2 splits persisted, got %d", len(sale.PaymentSplits))
	}
}

func TestCreateSaleSplitSumMismatch(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate: testRate(),
		PaymentSplits: []domain.PaymentSplit{
			{Method: domain.PaymentCard, AmountBs: decimal.RequireFromString("54"), AmountUSD: decimal.RequireFromString("1.5")},
			{Method: domain.PaymentCashBs, AmountBs: decimal.RequireFromString("30"), AmountUSD: decimal.RequireFromString("1.5")},
		},
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(2)},
		},
	})

	var rejected *domain.PaymentRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected PaymentRejectedError, got %v", err)
	}
}

func TestCreateSaleDisabledMethodRejected(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentTransfer,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(1)},
		},
	})

	var rejected *domain.PaymentRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected PaymentRejectedError for disabled method, got %v", err)
	}
}

func TestCreateSaleZelleNeedsOwner(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	req := domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentZelle,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(1)},
		},
	}

	var rejected *domain.PaymentRejectedError
	if _, err := svc.CreateSale(ctx, req); !errors.As(err, &rejected) {
		t.Fatalf("expected PaymentRejectedError for cashier, got %v", err)
	}

	svc2, _, _ := newTestService()
	octx := ownerCtx()
	openSession(t, svc2, octx)
	if _, err := svc2.CreateSale(octx, req); err != nil {
		t.Fatalf("owner should authorize zelle: %v", err)
	}
}

type flakyRepo struct {
	store.Repository
	failures int
	calls    int
}

func (f *flakyRepo) CreateSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("deadlock detected: %w", store.ErrTxConflict)
	}
	return f.Repository.CreateSale(ctx, draft)
}

func TestCreateSaleRetriesTransactionConflicts(t *testing.T) {
	repo := memory.NewSeeded()
	flaky := &flakyRepo{Repository: repo, failures: 2}
	svc := New(flaky, queue.NewMemoryQueue(), nil, memory.SeedStoreID, "")
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("expected retry to absorb transient conflicts: %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 commit attempts, got %d", flaky.calls)
	}

	sales, err := repo.ListSales(ctx, memory.SeedStoreID, time.Time{}, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list sales failed: %v", err)
	}
	if len(sales) != 1 || sales[0].ID != sale.ID {
		t.Fatalf("expected exactly one committed sale")
	}
}

func TestCreateSaleGivesUpAfterPersistentConflicts(t *testing.T) {
	repo := memory.NewSeeded()
	flaky := &flakyRepo{Repository: repo, failures: 10}
	svc := New(flaky, queue.NewMemoryQueue(), nil, memory.SeedStoreID, "")
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(1)},
		},
	})
	if !store.IsTxConflict(err) {
		t.Fatalf("expected conflict error after exhausting retries, got %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 commit attempts, got %d", flaky.calls)
	}
}

type noInvoiceRepo struct {
	store.Repository
}

func (noInvoiceRepo) NextInvoiceNumber(context.Context, string, string) (*domain.InvoiceNumber, error) {
	return nil, store.ErrNotFound
}

func TestCreateSaleInvoiceNumberingIsBestEffort(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(noInvoiceRepo{Repository: repo}, queue.NewMemoryQueue(), nil, memory.SeedStoreID, "")
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("sale must succeed without an invoice number: %v", err)
	}
	if sale.InvoiceNumber != "" || sale.InvoiceSeries != "" {
		t.Fatalf("expected empty invoice fields, got %q %q", sale.InvoiceSeries, sale.InvoiceNumber)
	}
}

func TestCreateSaleWeightPriceDeviation(t *testing.T) {
	givenBs := decimal.RequireFromString("414.00")
	givenUSD := decimal.RequireFromString("11.50") // 15% over the 10.00 catalog price

	line := domain.SaleLineRequest{
		ProductID:    memory.SeedProductCheese,
		WeightValue:  decimal.NewFromInt(1),
		UnitPriceBs:  &givenBs,
		UnitPriceUSD: &givenUSD,
	}

	svc, repo, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Lines:         []domain.SaleLineRequest{line},
	})
	var devErr *domain.PriceDeviationError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected PriceDeviationError for cashier, got %v", err)
	}

	audits, err := repo.ListSecurityAudits(ctx, memory.SeedStoreID, 10)
	if err != nil {
		t.Fatalf("list audits failed: %v", err)
	}
	if len(audits) != 1 || audits[0].Status != domain.AuditStatusBlocked {
		t.Fatalf("blocked attempt must be audited, got %+v", audits)
	}

	// The same override passes for the owner and is audited as approved.
	svc2, repo2, _ := newTestService()
	octx := ownerCtx()
	openSession(t, svc2, octx)

	sale, err := svc2.CreateSale(octx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Lines:         []domain.SaleLineRequest{line},
	})
	if err != nil {
		t.Fatalf("owner override failed: %v", err)
	}
	if !sale.Items[0].UnitPriceUSD.Equal(givenUSD) {
		t.Fatalf("expected override price persisted, got %s", sale.Items[0].UnitPriceUSD)
	}

	audits, err = repo2.ListSecurityAudits(octx, memory.SeedStoreID, 10)
	if err != nil {
		t.Fatalf("list audits failed: %v", err)
	}
	if len(audits) != 1 || audits[0].Status != domain.AuditStatusApproved {
		t.Fatalf("approved attempt must be audited, got %+v", audits)
	}
}

func TestCreateSaleWeightPriceDeviationBsOnly(t *testing.T) {
	// The catalog USD price exactly, but a Bs price far below the 360.00
	// catalog. Each currency is validated on its own.
	givenBs := decimal.RequireFromString("100.00")
	givenUSD := decimal.RequireFromString("10.00")

	svc, repo, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Lines: []domain.SaleLineRequest{
			{
				ProductID:    memory.SeedProductCheese,
				WeightValue:  decimal.NewFromInt(1),
				UnitPriceBs:  &givenBs,
				UnitPriceUSD: &givenUSD,
			},
		},
	})
	var devErr *domain.PriceDeviationError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected PriceDeviationError for Bs-only deviation, got %v", err)
	}

	audits, err := repo.ListSecurityAudits(ctx, memory.SeedStoreID, 10)
	if err != nil {
		t.Fatalf("list audits failed: %v", err)
	}
	if len(audits) != 1 || audits[0].Status != domain.AuditStatusBlocked {
		t.Fatalf("blocked attempt must be audited, got %+v", audits)
	}
}

func TestCreateSaleTotalsRederiveFromPersistedValues(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	// 0.3335 kg at 10.00/kg is 3.335 USD before rounding.
	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductCheese, WeightValue: decimal.RequireFromString("0.3335")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	sale, err := repo.GetSaleByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	if !sale.SubtotalUSD.Equal(decimal.RequireFromString("3.34")) {
		t.Fatalf("expected subtotal 3.34, got %s", sale.SubtotalUSD)
	}
	rederived := sale.SubtotalUSD.Sub(sale.DiscountUSD).Round(2)
	if !sale.TotalUSD.Equal(rederived) {
		t.Fatalf("total %s must equal rounded subtotal minus discount %s", sale.TotalUSD, rederived)
	}
	rederivedBs := sale.SubtotalBs.Sub(sale.DiscountBs).Round(2)
	if !sale.TotalBs.Equal(rederivedBs) {
		t.Fatalf("total %s must equal rounded subtotal minus discount %s", sale.TotalBs, rederivedBs)
	}
}

func TestCreateSaleCustomerNameWithoutDocumentRejected(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Customer:      &domain.SaleCustomerRef{Name: "Pedro"},
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(1)},
		},
	})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale, got %v", err)
	}
}

func TestCreateSaleFindsOrCreatesCustomerByDocument(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	sale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Customer:      &domain.SaleCustomerRef{Name: "Pedro Gomez", DocumentID: "V-99887766"},
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if sale.CustomerID == "" {
		t.Fatalf("expected customer created and attached")
	}

	customer, err := repo.FindCustomerByDocument(ctx, memory.SeedStoreID, "V-99887766")
	if err != nil {
		t.Fatalf("customer should exist: %v", err)
	}
	if customer.ID != sale.CustomerID {
		t.Fatalf("sale should reference the created customer")
	}

	// An existing document resolves to the same customer.
	sale2, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Customer:      &domain.SaleCustomerRef{DocumentID: "V-99887766"},
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductSoda, Quantity: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("second sale failed: %v", err)
	}
	if sale2.CustomerID != customer.ID {
		t.Fatalf("expected existing customer reused")
	}
	if sale2.Number != sale.Number+1 {
		t.Fatalf("sale numbers must be consecutive, got %d then %d", sale.Number, sale2.Number)
	}
}

func TestCreateSaleSerializedShortage(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := cashierCtx()
	openSession(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		ExchangeRate:  testRate(),
		PaymentMethod: domain.PaymentCashUSD,
		Lines: []domain.SaleLineRequest{
			{ProductID: memory.SeedProductPhone, Quantity: decimal.NewFromInt(3)},
		},
	})

	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError for serial shortage, got %v", err)
	}
}

func TestCloseCashSession(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := cashierCtx()
	session := openSession(t, svc, ctx)

	closed, err := svc.CloseCashSession(ctx, domain.CashSessionCloseRequest{
		SessionID:  session.ID,
		ClosingBs:  decimal.RequireFromString("700"),
		ClosingUSD: decimal.RequireFromString("35"),
		Note:       "turno completo",
	})
	if err != nil {
		t.Fatalf("close session failed: %v", err)
	}
	if closed.ClosedAt == nil || closed.ClosedBy != "cashier" {
		t.Fatalf("session not closed properly: %+v", closed)
	}

	if _, err := svc.GetActiveCashSession(ctx, memory.SeedStoreID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no active session after close, got %v", err)
	}
}

func TestPayDebtTransitions(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := cashierCtx()

	debt, err := svc.PayDebt(ctx, memory.SeedDebtID, domain.DebtPaymentRequest{
		AmountUSD: decimal.NewFromInt(40),
	})
	if err != nil {
		t.Fatalf("partial payment failed: %v", err)
	}
	if debt.Status != domain.DebtStatusPartial {
		t.Fatalf("expected partial status, got %s", debt.Status)
	}

	debt, err = svc.PayDebt(ctx, memory.SeedDebtID, domain.DebtPaymentRequest{
		AmountUSD: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("final payment failed: %v", err)
	}
	if debt.Status != domain.DebtStatusPaid {
		t.Fatalf("expected paid status, got %s", debt.Status)
	}

	if _, err := svc.PayDebt(ctx, memory.SeedDebtID, domain.DebtPaymentRequest{
		AmountUSD: decimal.NewFromInt(1),
	}); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("overpaying a settled debt must fail, got %v", err)
	}
}

func TestReceiveLotRequiresElevatedRole(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.ReceiveLot(cashierCtx(), domain.LotReceiveRequest{
		ProductID: memory.SeedProductRice,
		LotNumber: "R-2026-003",
		Quantity:  decimal.NewFromInt(5),
	})
	if err == nil {
		t.Fatalf("cashier must not receive lots")
	}

	lot, err := svc.ReceiveLot(ownerCtx(), domain.LotReceiveRequest{
		ProductID:      memory.SeedProductRice,
		LotNumber:      "R-2026-003",
		Quantity:       decimal.NewFromInt(5),
		ExpirationDate: "2027-03-01",
	})
	if err != nil {
		t.Fatalf("owner lot reception failed: %v", err)
	}
	if !lot.RemainingQty.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected remaining 5, got %s", lot.RemainingQty)
	}
}
