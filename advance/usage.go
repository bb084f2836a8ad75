package advance

import (
	"time"
)

// =============================================================================
// USAGE WINDOW INDEX - Per-policy usage within a calendar year
// =============================================================================

// Usage is the per-requester, per-year view of a request history.
type Usage struct {
	RequesterID   RequesterID
	Year          int
	HasActiveLoan bool

	// ActiveRequestID is the most recent active request, if any.
	ActiveRequestID RequestID

	// Counts is keyed by the policy type stored on each request, so requests
	// made under a since-redefined or removed policy keep counting.
	Counts map[PolicyType]int
}

// UsedCount returns how many quota-consuming requests of type t fall in the year.
func (u Usage) UsedCount(t PolicyType) int { return u.Counts[t] }

// BuildUsage buckets a requester's history for one calendar year.
//
// A request counts toward its policy's quota when it was created inside the
// year (in loc) and is pending, approved or closed. Rejected and cancelled
// requests never count. HasActiveLoan looks at every year: an approved
// advance from December still blocks submissions in January.
func BuildUsage(requesterID RequesterID, year int, loc *time.Location, history []Request) Usage {
	u := Usage{
		RequesterID: requesterID,
		Year:        year,
		Counts:      make(map[PolicyType]int),
	}

	var activeAt time.Time
	for _, r := range history {
		if r.RequesterID != requesterID {
			continue
		}
		if r.Status.IsActive() {
			u.HasActiveLoan = true
			if u.ActiveRequestID == 0 || r.CreatedAt.After(activeAt) {
				u.ActiveRequestID = r.ID
				activeAt = r.CreatedAt
			}
		}
		if r.Status.ConsumesQuota() && InYear(r.CreatedAt, year, loc) {
			u.Counts[r.PolicyType]++
		}
	}
	return u
}
