package advance

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FILTER - Local filtering over an already loaded slice of requests
// =============================================================================

// Filter narrows a request list. Zero-valued fields match everything.
type Filter struct {
	Status      Status
	RequesterID RequesterID
	Month       *Month
	// Text is matched case-insensitively against the requester's name and id,
	// the request id and the amount.
	Text string
}

// scope drops the status and free-text parts; KPIs are computed over it.
func (f Filter) scope() Filter {
	return Filter{RequesterID: f.RequesterID, Month: f.Month}
}

// Matches reports whether a single request passes the filter.
func (f Filter) Matches(r Request, loc *time.Location) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.Month != nil && !f.Month.Contains(r.CreatedAt, loc) {
		return false
	}
	if text := strings.TrimSpace(f.Text); text != "" && !matchesText(r, text) {
		return false
	}
	return true
}

func matchesText(r Request, text string) bool {
	needle := strings.ToLower(text)
	haystack := []string{
		strings.ToLower(r.RequesterName),
		strings.ToLower(string(r.RequesterID)),
		strconv.FormatInt(int64(r.ID), 10),
		r.Amount.String(),
		r.Amount.StringFixed(DefaultCurrencyPrecision),
	}
	for _, h := range haystack {
		if strings.Contains(h, needle) {
			return true
		}
	}
	return false
}

// FilterRequests returns the matching requests in their original order.
func FilterRequests(reqs []Request, f Filter, loc *time.Location) []Request {
	out := make([]Request, 0, len(reqs))
	for _, r := range reqs {
		if f.Matches(r, loc) {
			out = append(out, r)
		}
	}
	return out
}

// SortNewestFirst orders by creation time descending, then id descending.
func SortNewestFirst(reqs []Request) {
	slices.SortStableFunc(reqs, func(a, b Request) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

// =============================================================================
// KPI - Aggregates for the manager dashboard
// =============================================================================

// StatusTotals is the count and amount sum for one status.
type StatusTotals struct {
	Count  int
	Amount decimal.Decimal
}

type KPI struct {
	ByStatus     map[Status]StatusTotals
	Total        int
	TotalAmount  decimal.Decimal
	ApprovalRate float64 // approved / total, 0 when total is 0
}

// Totals returns the entry for a status, zero when absent.
func (k KPI) Totals(s Status) StatusTotals {
	if t, ok := k.ByStatus[s]; ok {
		return t
	}
	return StatusTotals{Amount: decimal.Zero}
}

// ComputeKPI aggregates over the requests matching the filter's month and
// requester. The status and free-text parts of the filter are ignored so the
// dashboard numbers do not change while a manager flips between status tabs.
func ComputeKPI(reqs []Request, f Filter, loc *time.Location) KPI {
	scope := f.scope()
	k := KPI{
		ByStatus:    make(map[Status]StatusTotals, len(Statuses)),
		TotalAmount: decimal.Zero,
	}
	for _, s := range Statuses {
		k.ByStatus[s] = StatusTotals{Amount: decimal.Zero}
	}

	for _, r := range reqs {
		if !scope.Matches(r, loc) {
			continue
		}
		t := k.ByStatus[r.Status]
		t.Count++
		t.Amount = t.Amount.Add(r.Amount)
		k.ByStatus[r.Status] = t
		k.Total++
		k.TotalAmount = k.TotalAmount.Add(r.Amount)
	}

	if k.Total > 0 {
		k.ApprovalRate = float64(k.ByStatus[StatusApproved].Count) / float64(k.Total)
	}
	return k
}

// Report is a filtered, newest-first list plus the scope KPIs.
type Report struct {
	Rows []Request
	KPI  KPI
}

// BuildReport filters, sorts and aggregates in one pass over the caller's slice.
func BuildReport(reqs []Request, f Filter, loc *time.Location) Report {
	rows := FilterRequests(reqs, f, loc)
	SortNewestFirst(rows)
	return Report{Rows: rows, KPI: ComputeKPI(reqs, f, loc)}
}
