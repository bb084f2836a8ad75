/*
eligibility_test.go - Catalog, usage window and eligibility evaluation

Each test follows GIVEN/WHEN/THEN. Histories are built by hand; nothing here
touches a store.
*/
package advance_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/salary-advance/advance"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const alice advance.RequesterID = "alice"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func salary(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func at(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 10, 0, 0, 0, time.UTC)
}

func request(id advance.RequestID, policy advance.PolicyType, status advance.Status, created time.Time) advance.Request {
	return advance.Request{
		ID:               id,
		RequesterID:      alice,
		RequesterName:    "Alice Martin",
		PolicyType:       policy,
		Amount:           dec("100"),
		InstallmentCount: 1,
		Status:           status,
		CreatedAt:        created,
	}
}

func profile(s *decimal.Decimal) advance.RequesterProfile {
	return advance.RequesterProfile{ID: alice, Name: "Alice Martin", BaseSalary: s, CalendarYear: 2025}
}

func referenceCatalog(t *testing.T) *advance.Catalog {
	t.Helper()
	c, err := advance.NewCatalog(advance.ReferencePolicies())
	require.NoError(t, err)
	return c
}

func assertDecimal(t *testing.T, want string, got *decimal.Decimal) {
	t.Helper()
	require.NotNil(t, got, "expected amount %s, got nil", want)
	assert.Truef(t, dec(want).Equal(*got), "expected %s, got %s", want, got)
}

func mustPolicy(t *testing.T, s advance.EligibilitySummary, p advance.PolicyType) advance.PolicyEligibility {
	t.Helper()
	pe, ok := s.Policy(p)
	require.True(t, ok, "policy %s missing from summary", p)
	return pe
}

// =============================================================================
// CATALOG
// =============================================================================

func TestCatalog_ReferencePoliciesInOrder(t *testing.T) {
	c := referenceCatalog(t)

	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, advance.PolicyAnnualOnce, all[0].Type)
	assert.Equal(t, advance.PolicyPeriodicThrice, all[1].Type)
	assert.Equal(t, int32(2), c.Precision())
}

func TestCatalog_UnknownPolicy(t *testing.T) {
	c := referenceCatalog(t)

	_, err := c.Get("payday-loan")

	require.Error(t, err)
	assert.True(t, errors.Is(err, advance.ErrUnknownPolicy))
	var upe *advance.UnknownPolicyError
	require.ErrorAs(t, err, &upe)
	assert.Equal(t, advance.PolicyType("payday-loan"), upe.PolicyType)
}

func TestCatalog_RejectsInvalidDefinitions(t *testing.T) {
	valid := advance.ReferencePolicies()[0]

	tests := []struct {
		name   string
		mutate func(d *advance.PolicyDefinition)
	}{
		{"empty type", func(d *advance.PolicyDefinition) { d.Type = "" }},
		{"zero percent", func(d *advance.PolicyDefinition) { d.MaxPercentOfSalary = decimal.Zero }},
		{"percent above one", func(d *advance.PolicyDefinition) { d.MaxPercentOfSalary = dec("1.5") }},
		{"no occurrences", func(d *advance.PolicyDefinition) { d.MaxOccurrencesPerYear = 0 }},
		{"no installments", func(d *advance.PolicyDefinition) { d.AllowedInstallments = nil }},
		{"negative installment", func(d *advance.PolicyDefinition) { d.AllowedInstallments = []int{1, -2} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := valid
			def.AllowedInstallments = []int{1, 2, 3}
			tt.mutate(&def)

			_, err := advance.NewCatalog([]advance.PolicyDefinition{def})

			assert.ErrorIs(t, err, advance.ErrInvalidCatalog)
		})
	}
}

func TestCatalog_RejectsDuplicatesAndEmpty(t *testing.T) {
	defs := advance.ReferencePolicies()
	_, err := advance.NewCatalog(append(defs, defs[0]))
	assert.ErrorIs(t, err, advance.ErrInvalidCatalog)

	_, err = advance.NewCatalog(nil)
	assert.ErrorIs(t, err, advance.ErrInvalidCatalog)
}

func TestCatalog_NormalizesInstallments(t *testing.T) {
	def := advance.ReferencePolicies()[0]
	def.AllowedInstallments = []int{3, 1, 3, 2}

	c, err := advance.NewCatalog([]advance.PolicyDefinition{def})
	require.NoError(t, err)

	got, err := c.Get(def.Type)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got.AllowedInstallments)
	assert.True(t, got.AllowsInstallments(2))
	assert.False(t, got.AllowsInstallments(4))
}

func TestCatalog_IsImmutable(t *testing.T) {
	c := referenceCatalog(t)

	got, err := c.Get(advance.PolicyAnnualOnce)
	require.NoError(t, err)
	got.AllowedInstallments[0] = 99

	again, err := c.Get(advance.PolicyAnnualOnce)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, again.AllowedInstallments, "callers must not be able to mutate the catalog")
}

// =============================================================================
// USAGE WINDOW
// =============================================================================

func TestUsage_CountsOnlyQuotaConsumingRequestsInYear(t *testing.T) {
	// GIVEN: a mix of statuses across two years
	history := []advance.Request{
		request(1, advance.PolicyPeriodicThrice, advance.StatusClosed, at(2024, time.December, 20)),
		request(2, advance.PolicyPeriodicThrice, advance.StatusClosed, at(2025, time.January, 5)),
		request(3, advance.PolicyPeriodicThrice, advance.StatusRejected, at(2025, time.February, 5)),
		request(4, advance.PolicyPeriodicThrice, advance.StatusCancelled, at(2025, time.March, 5)),
		request(5, advance.PolicyAnnualOnce, advance.StatusClosed, at(2025, time.April, 5)),
	}

	// WHEN: usage is built for 2025
	u := advance.BuildUsage(alice, 2025, time.UTC, history)

	// THEN: only closed/approved/pending requests created in 2025 count
	assert.Equal(t, 1, u.UsedCount(advance.PolicyPeriodicThrice))
	assert.Equal(t, 1, u.UsedCount(advance.PolicyAnnualOnce))
	assert.False(t, u.HasActiveLoan)
	assert.Zero(t, u.ActiveRequestID)
}

func TestUsage_ActiveLoanFromPreviousYear(t *testing.T) {
	// GIVEN: an advance approved last December and not yet closed
	history := []advance.Request{
		request(7, advance.PolicyAnnualOnce, advance.StatusApproved, at(2024, time.December, 28)),
	}

	u := advance.BuildUsage(alice, 2025, time.UTC, history)

	assert.True(t, u.HasActiveLoan, "an active request blocks regardless of year")
	assert.Equal(t, advance.RequestID(7), u.ActiveRequestID)
	assert.Zero(t, u.UsedCount(advance.PolicyAnnualOnce), "last year's request does not use this year's quota")
}

func TestUsage_IgnoresOtherRequesters(t *testing.T) {
	other := request(1, advance.PolicyAnnualOnce, advance.StatusPending, at(2025, time.May, 1))
	other.RequesterID = "bob"

	u := advance.BuildUsage(alice, 2025, time.UTC, []advance.Request{other})

	assert.False(t, u.HasActiveLoan)
	assert.Zero(t, u.UsedCount(advance.PolicyAnnualOnce))
}

func TestUsage_YearBoundaryFollowsLocation(t *testing.T) {
	// GIVEN: 23:30 UTC on Dec 31 is already Jan 1 in Tokyo
	tokyo := time.FixedZone("JST", 9*60*60)
	created := time.Date(2024, time.December, 31, 23, 30, 0, 0, time.UTC)
	history := []advance.Request{request(1, advance.PolicyAnnualOnce, advance.StatusClosed, created)}

	assert.Equal(t, 0, advance.BuildUsage(alice, 2025, time.UTC, history).UsedCount(advance.PolicyAnnualOnce))
	assert.Equal(t, 1, advance.BuildUsage(alice, 2025, tokyo, history).UsedCount(advance.PolicyAnnualOnce))
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

func TestEvaluate_FreshRequester(t *testing.T) {
	// GIVEN: salary 10000 and no history
	c := referenceCatalog(t)

	// WHEN
	s := advance.Evaluate(c, profile(salary("10000")), nil, time.UTC)

	// THEN: both policies open with salary-derived caps
	assert.False(t, s.HasActiveLoan)
	assert.True(t, s.AnyAvailable())

	annual := mustPolicy(t, s, advance.PolicyAnnualOnce)
	assert.False(t, annual.Blocked)
	assert.Equal(t, 1, annual.Remaining)
	assert.False(t, annual.Used())
	assertDecimal(t, "7500", annual.MaxAmountAllowed)
	assert.Equal(t, []int{1, 2, 3}, annual.AllowedInstallments)

	periodic := mustPolicy(t, s, advance.PolicyPeriodicThrice)
	assert.Equal(t, 3, periodic.Remaining)
	assertDecimal(t, "3000", periodic.MaxAmountAllowed)
}

func TestEvaluate_ActiveLoanBlocksEverything(t *testing.T) {
	// GIVEN: one pending request and heavy prior usage
	c := referenceCatalog(t)
	history := []advance.Request{
		request(1, advance.PolicyPeriodicThrice, advance.StatusClosed, at(2025, time.January, 1)),
		request(2, advance.PolicyPeriodicThrice, advance.StatusClosed, at(2025, time.February, 1)),
		request(3, advance.PolicyPeriodicThrice, advance.StatusPending, at(2025, time.March, 1)),
	}

	s := advance.Evaluate(c, profile(salary("10000")), history, time.UTC)

	// THEN: every policy reports the active request, not the quota
	assert.True(t, s.HasActiveLoan)
	assert.Equal(t, advance.RequestID(3), s.ActiveRequestID)
	assert.False(t, s.AnyAvailable())
	for _, pe := range s.Policies {
		assert.True(t, pe.Blocked, pe.PolicyType)
		assert.Equal(t, advance.BlockReasonActiveRequest, pe.BlockReason, pe.PolicyType)
	}
}

func TestEvaluate_AnnualOnceBlockedAfterOneUse(t *testing.T) {
	c := referenceCatalog(t)
	history := []advance.Request{
		request(1, advance.PolicyAnnualOnce, advance.StatusClosed, at(2025, time.February, 1)),
		request(2, advance.PolicyAnnualOnce, advance.StatusCancelled, at(2025, time.March, 1)),
	}

	s := advance.Evaluate(c, profile(salary("10000")), history, time.UTC)

	annual := mustPolicy(t, s, advance.PolicyAnnualOnce)
	assert.True(t, annual.Blocked)
	assert.Equal(t, advance.BlockReasonQuotaExhausted, annual.BlockReason)
	assert.Equal(t, 1, annual.UsedCount, "the cancelled request does not count")
	assert.Zero(t, annual.Remaining)

	assert.False(t, mustPolicy(t, s, advance.PolicyPeriodicThrice).Blocked, "quotas are per policy")
}

func TestEvaluate_CancelledAnnualDoesNotBlock(t *testing.T) {
	c := referenceCatalog(t)
	history := []advance.Request{
		request(1, advance.PolicyAnnualOnce, advance.StatusCancelled, at(2025, time.March, 1)),
	}

	s := advance.Evaluate(c, profile(salary("10000")), history, time.UTC)

	assert.False(t, mustPolicy(t, s, advance.PolicyAnnualOnce).Blocked)
}

func TestEvaluate_PeriodicBlockedExactlyAtThree(t *testing.T) {
	c := referenceCatalog(t)

	var history []advance.Request
	for i := 1; i <= 3; i++ {
		s := advance.Evaluate(c, profile(salary("10000")), history, time.UTC)
		pe := mustPolicy(t, s, advance.PolicyPeriodicThrice)
		assert.False(t, pe.Blocked, "blocked after only %d uses", i-1)
		assert.Equal(t, 3-(i-1), pe.Remaining)

		history = append(history, request(advance.RequestID(i), advance.PolicyPeriodicThrice,
			advance.StatusClosed, at(2025, time.Month(i), 1)))
	}

	s := advance.Evaluate(c, profile(salary("10000")), history, time.UTC)
	pe := mustPolicy(t, s, advance.PolicyPeriodicThrice)
	assert.True(t, pe.Blocked)
	assert.Equal(t, 3, pe.UsedCount)
	assert.Equal(t, advance.BlockReasonQuotaExhausted, pe.BlockReason)
}

func TestEvaluate_UnknownSalaryGoesToManualReview(t *testing.T) {
	c := referenceCatalog(t)

	for name, s := range map[string]*decimal.Decimal{"nil": nil, "zero": salary("0")} {
		t.Run(name, func(t *testing.T) {
			summary := advance.Evaluate(c, profile(s), nil, time.UTC)

			for _, pe := range summary.Policies {
				assert.Nil(t, pe.MaxAmountAllowed, pe.PolicyType)
				assert.True(t, pe.ManualReview, pe.PolicyType)
				assert.False(t, pe.Blocked, pe.PolicyType)
			}
		})
	}
}

func TestEvaluate_RoundsToCurrencyPrecision(t *testing.T) {
	c := referenceCatalog(t)

	s := advance.Evaluate(c, profile(salary("1234.567")), nil, time.UTC)

	// 1234.567 * 0.30 = 370.3701
	assertDecimal(t, "370.37", mustPolicy(t, s, advance.PolicyPeriodicThrice).MaxAmountAllowed)
	// 1234.567 * 0.75 = 925.92525
	assertDecimal(t, "925.93", mustPolicy(t, s, advance.PolicyAnnualOnce).MaxAmountAllowed)
}

func TestEvaluate_NewPolicyIsJustData(t *testing.T) {
	// GIVEN: a third scheme added purely through the catalog
	defs := append(advance.ReferencePolicies(), advance.PolicyDefinition{
		Type:                  "emergency",
		Name:                  "Emergency advance",
		MaxPercentOfSalary:    dec("0.5"),
		MaxOccurrencesPerYear: 2,
		AllowedInstallments:   []int{6, 12},
	})
	c, err := advance.NewCatalog(defs)
	require.NoError(t, err)

	s := advance.Evaluate(c, profile(salary("2000")), nil, time.UTC)

	pe := mustPolicy(t, s, "emergency")
	assertDecimal(t, "1000", pe.MaxAmountAllowed)
	assert.Equal(t, 2, pe.Remaining)
	assert.Equal(t, []int{6, 12}, pe.AllowedInstallments)
}

func TestPolicyEligibility_ResolveInstallment(t *testing.T) {
	pe := advance.PolicyEligibility{AllowedInstallments: []int{2, 4}}

	assert.Equal(t, 4, pe.ResolveInstallment(4))
	assert.Equal(t, 2, pe.ResolveInstallment(3), "an unavailable choice falls back to the smallest option")
}
