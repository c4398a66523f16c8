package payment

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"bodegapos/backend/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfigs() map[string]domain.PaymentMethodConfig {
	return map[string]domain.PaymentMethodConfig{
		domain.PaymentCashUSD: {
			Method: domain.PaymentCashUSD, Enabled: true,
			MinUSD: dec("0.5"), MaxUSD: dec("500"),
		},
		domain.PaymentPagoMovil: {
			Method: domain.PaymentPagoMovil, Enabled: true,
			MinBs: dec("10"), MaxBs: dec("20000"),
		},
		domain.PaymentTransfer: {
			Method: domain.PaymentTransfer, Enabled: true, RequiresAuthorization: true,
		},
		domain.PaymentCard: {
			Method: domain.PaymentCard, Enabled: false,
		},
		domain.PaymentFiao: {
			Method: domain.PaymentFiao, Enabled: true,
		},
	}
}

func TestAuthorizeDisabledMethod(t *testing.T) {
	err := Authorize(domain.PaymentCard, dec("100"), dec("3"), testConfigs(), domain.RoleOwner)
	var rejected *domain.PaymentRejectedError
	require.True(t, errors.As(err, &rejected))

	err = Authorize("unknown-method", dec("1"), dec("1"), testConfigs(), domain.RoleOwner)
	require.True(t, errors.As(err, &rejected), "unconfigured method is rejected")
}

func TestAuthorizeBounds(t *testing.T) {
	cfgs := testConfigs()

	require.NoError(t, Authorize(domain.PaymentCashUSD, decimal.Zero, dec("20"), cfgs, domain.RoleCashier))

	err := Authorize(domain.PaymentCashUSD, decimal.Zero, dec("0.25"), cfgs, domain.RoleCashier)
	var rejected *domain.PaymentRejectedError
	require.True(t, errors.As(err, &rejected), "below minimum")

	err = Authorize(domain.PaymentCashUSD, decimal.Zero, dec("750"), cfgs, domain.RoleCashier)
	require.True(t, errors.As(err, &rejected), "above maximum")

	err = Authorize(domain.PaymentPagoMovil, dec("5"), decimal.Zero, cfgs, domain.RoleCashier)
	require.True(t, errors.As(err, &rejected), "bs bound applies independently")
}

func TestAuthorizeRequiresOwnerRole(t *testing.T) {
	cfgs := testConfigs()

	var rejected *domain.PaymentRejectedError
	err := Authorize(domain.PaymentTransfer, dec("100"), dec("3"), cfgs, domain.RoleCashier)
	require.True(t, errors.As(err, &rejected))
	err = Authorize(domain.PaymentTransfer, dec("100"), dec("3"), cfgs, domain.RoleAdmin)
	require.True(t, errors.As(err, &rejected), "admin is not enough")
	require.NoError(t, Authorize(domain.PaymentTransfer, dec("100"), dec("3"), cfgs, domain.RoleOwner))
}

func TestAuthorizeSplitSumMustMatchTotal(t *testing.T) {
	cfgs := testConfigs()
	splits := []domain.PaymentSplit{
		{Method: domain.PaymentCashUSD, AmountUSD: dec("6")},
		{Method: domain.PaymentPagoMovil, AmountBs: dec("146")},
	}

	require.NoError(t, AuthorizeSplit(splits, dec("146"), dec("6"), cfgs, domain.RoleCashier))

	err := AuthorizeSplit(splits, dec("200"), dec("6"), cfgs, domain.RoleCashier)
	var rejected *domain.PaymentRejectedError
	require.True(t, errors.As(err, &rejected))
}

func TestAuthorizeSplitChecksEveryDistinctMethod(t *testing.T) {
	cfgs := testConfigs()
	splits := []domain.PaymentSplit{
		{Method: domain.PaymentCashUSD, AmountUSD: dec("5")},
		{Method: domain.PaymentTransfer, AmountBs: dec("100")},
	}

	err := AuthorizeSplit(splits, dec("100"), dec("5"), cfgs, domain.RoleCashier)
	var rejected *domain.PaymentRejectedError
	require.True(t, errors.As(err, &rejected), "transfer in the split requires owner")

	require.NoError(t, AuthorizeSplit(splits, dec("100"), dec("5"), cfgs, domain.RoleOwner))
}

func TestCheckCreditBoundary(t *testing.T) {
	customer := &domain.Customer{ID: "c1", Active: true, CreditLimitUSD: dec("100")}
	currentDebt := dec("90")

	require.NoError(t, CheckCredit(customer, currentDebt, dec("10")))

	err := CheckCredit(customer, currentDebt, dec("10.01"))
	var credErr *domain.InsufficientCreditError
	require.True(t, errors.As(err, &credErr))
	require.True(t, credErr.CurrentDebt.Equal(dec("90")))
}

func TestCheckCreditRequiresPositiveLimit(t *testing.T) {
	var rejected *domain.PaymentRejectedError

	err := CheckCredit(&domain.Customer{ID: "c1", Active: true}, decimal.Zero, dec("1"))
	require.True(t, errors.As(err, &rejected))

	err = CheckCredit(nil, decimal.Zero, dec("1"))
	require.True(t, errors.As(err, &rejected))
}

func TestFiaoAmountUSD(t *testing.T) {
	require.True(t, FiaoAmountUSD(domain.PaymentFiao, nil, dec("42")).Equal(dec("42")))

	splits := []domain.PaymentSplit{
		{Method: domain.PaymentCashUSD, AmountUSD: dec("30")},
		{Method: domain.PaymentFiao, AmountUSD: dec("12")},
	}
	require.True(t, FiaoAmountUSD(domain.PaymentSplitMethod, splits, dec("42")).Equal(dec("12")))
	require.True(t, HasMethod(domain.PaymentSplitMethod, splits, domain.PaymentFiao))
}
