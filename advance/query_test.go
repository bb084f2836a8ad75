package advance_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/salary-advance/advance"
)

func dashboard() []advance.Request {
	mk := func(id advance.RequestID, who advance.RequesterID, name string, status advance.Status, amount string, created time.Time) advance.Request {
		r := request(id, advance.PolicyPeriodicThrice, status, created)
		r.RequesterID = who
		r.RequesterName = name
		r.Amount = dec(amount)
		return r
	}
	return []advance.Request{
		mk(1, "alice", "Alice Martin", advance.StatusApproved, "1500.5", at(2025, time.March, 3)),
		mk(2, "bob", "Bob Stone", advance.StatusPending, "200", at(2025, time.March, 10)),
		mk(3, "carol", "Carol Wu", advance.StatusRejected, "300", at(2025, time.March, 10)),
		mk(4, "alice", "Alice Martin", advance.StatusClosed, "400", at(2025, time.February, 14)),
		mk(5, "bob", "Bob Stone", advance.StatusApproved, "500", at(2025, time.March, 20)),
	}
}

func ids(reqs []advance.Request) []advance.RequestID {
	out := make([]advance.RequestID, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}

func TestFilter_StatusAndRequester(t *testing.T) {
	got := advance.FilterRequests(dashboard(), advance.Filter{Status: advance.StatusApproved}, time.UTC)
	assert.Equal(t, []advance.RequestID{1, 5}, ids(got))

	got = advance.FilterRequests(dashboard(), advance.Filter{RequesterID: "alice"}, time.UTC)
	assert.Equal(t, []advance.RequestID{1, 4}, ids(got))
}

func TestFilter_TextMatchesNameIDAndAmount(t *testing.T) {
	tests := []struct {
		text string
		want []advance.RequestID
	}{
		{"bob", []advance.RequestID{2, 5}},
		{"WU", []advance.RequestID{3}},
		{"1500.50", []advance.RequestID{1}},
		{"4", []advance.RequestID{4}},
		{"  ", []advance.RequestID{1, 2, 3, 4, 5}},
	}
	for _, tt := range tests {
		got := advance.FilterRequests(dashboard(), advance.Filter{Text: tt.text}, time.UTC)
		assert.Equal(t, tt.want, ids(got), "text %q", tt.text)
	}
}

func TestFilter_TextMatchesRequesterID(t *testing.T) {
	// GIVEN: an employee id that does not appear in the name
	r := request(6, advance.PolicyAnnualOnce, advance.StatusPending, at(2025, time.March, 4))
	r.RequesterID = "EMP-42"
	r.RequesterName = "Dana Cole"
	reqs := append(dashboard(), r)

	// WHEN/THEN: searching by the id finds it, case-insensitively
	got := advance.FilterRequests(reqs, advance.Filter{Text: "emp-42"}, time.UTC)
	assert.Equal(t, []advance.RequestID{6}, ids(got))
}

func TestFilter_MonthBoundary(t *testing.T) {
	// GIVEN: a request created at the last instant of March
	r := request(9, advance.PolicyAnnualOnce, advance.StatusPending,
		time.Date(2025, time.March, 31, 23, 59, 59, 999999999, time.UTC))
	march := advance.NewMonth(2025, time.March)
	april := advance.NewMonth(2025, time.April)

	// THEN: it is in March, not April
	assert.True(t, advance.Filter{Month: &march}.Matches(r, time.UTC))
	assert.False(t, advance.Filter{Month: &april}.Matches(r, time.UTC))
}

func TestSortNewestFirst_TieBreaksOnID(t *testing.T) {
	reqs := dashboard()

	advance.SortNewestFirst(reqs)

	assert.Equal(t, []advance.RequestID{5, 3, 2, 1, 4}, ids(reqs))
}

func TestComputeKPI_IgnoresStatusFilter(t *testing.T) {
	march := advance.NewMonth(2025, time.March)

	// WHEN: the KPI is computed while the pending tab is open
	k := advance.ComputeKPI(dashboard(), advance.Filter{Month: &march, Status: advance.StatusPending, Text: "bob"}, time.UTC)

	// THEN: all four March requests are counted
	assert.Equal(t, 4, k.Total)
	assert.Equal(t, 2, k.Totals(advance.StatusApproved).Count)
	assert.True(t, dec("2000.5").Equal(k.Totals(advance.StatusApproved).Amount))
	assert.Equal(t, 1, k.Totals(advance.StatusPending).Count)
	assert.Equal(t, 0, k.Totals(advance.StatusClosed).Count)
	assert.True(t, dec("2500.5").Equal(k.TotalAmount))
	assert.Equal(t, 0.5, k.ApprovalRate)
}

func TestComputeKPI_EmptyScope(t *testing.T) {
	k := advance.ComputeKPI(nil, advance.Filter{}, time.UTC)

	assert.Zero(t, k.Total)
	assert.Equal(t, 0.0, k.ApprovalRate, "no NaN on an empty dashboard")
	assert.Len(t, k.ByStatus, len(advance.Statuses))
	assert.True(t, k.TotalAmount.IsZero())
}

func TestBuildReport(t *testing.T) {
	r := advance.BuildReport(dashboard(), advance.Filter{Status: advance.StatusApproved}, time.UTC)

	require.Len(t, r.Rows, 2)
	assert.Equal(t, []advance.RequestID{5, 1}, ids(r.Rows))
	assert.Equal(t, 5, r.KPI.Total)
	assert.InDelta(t, 0.4, r.KPI.ApprovalRate, 1e-9)
}
