/*
eligibility.go - What a requester may ask for right now

PURPOSE:
  Combines the catalog, the requester's usage for a calendar year and their
  base salary into a per-policy summary: is the policy blocked (and why),
  how many uses remain, the maximum amount, and the legal installment counts.

ALGORITHM (per policy):
  1. Active request anywhere -> blocked, "active request exists"
  2. usedCount >= maxOccurrencesPerYear -> blocked, "quota exhausted"
  3. maxAmountAllowed = round(salary * percent, precision); undefined when the
     salary is unknown or zero, in which case submissions go to manual review
  4. installment counts are the policy's, unchanged

Evaluate is pure: callers fetch the history and salary, this file only
computes. Tests build synthetic histories directly.
*/
package advance

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	BlockReasonActiveRequest  = "active request exists"
	BlockReasonQuotaExhausted = "quota exhausted"
)

// PolicyEligibility is the summary for a single policy.
type PolicyEligibility struct {
	PolicyType PolicyType
	Name       string

	UsedCount int
	Remaining int

	// MaxAmountAllowed is nil when the cap cannot be computed (unknown salary).
	MaxAmountAllowed    *decimal.Decimal
	AllowedInstallments []int
	ManualReview        bool

	Blocked     bool
	BlockReason string
}

// Used is the boolean form of the usage count, meaningful for once-per-year policies.
func (p PolicyEligibility) Used() bool { return p.UsedCount > 0 }

// ResolveInstallment returns chosen when it is legal for the policy, otherwise
// the smallest legal count. Use it to repair a previously chosen option that
// is no longer offered; the validator still rejects illegal counts.
func (p PolicyEligibility) ResolveInstallment(chosen int) int {
	for _, n := range p.AllowedInstallments {
		if n == chosen {
			return chosen
		}
	}
	if len(p.AllowedInstallments) == 0 {
		return chosen
	}
	return p.AllowedInstallments[0]
}

// EligibilitySummary is the derived, per-policy and overall snapshot.
type EligibilitySummary struct {
	RequesterID     RequesterID
	Year            int
	HasActiveLoan   bool
	ActiveRequestID RequestID
	// Precision is the number of decimal places a submitted amount may carry.
	Precision       int32
	Policies        []PolicyEligibility
}

// Policy returns the entry for a policy type.
func (s EligibilitySummary) Policy(t PolicyType) (PolicyEligibility, bool) {
	for _, p := range s.Policies {
		if p.PolicyType == t {
			return p, true
		}
	}
	return PolicyEligibility{}, false
}

// AnyAvailable reports whether at least one policy is open for submission.
func (s EligibilitySummary) AnyAvailable() bool {
	for _, p := range s.Policies {
		if !p.Blocked {
			return true
		}
	}
	return false
}

// Evaluate computes the eligibility summary for profile.CalendarYear.
func Evaluate(catalog *Catalog, profile RequesterProfile, history []Request, loc *time.Location) EligibilitySummary {
	usage := BuildUsage(profile.ID, profile.CalendarYear, loc, history)
	return EvaluateUsage(catalog, profile, usage)
}

// EvaluateUsage is Evaluate over an already built usage index.
func EvaluateUsage(catalog *Catalog, profile RequesterProfile, usage Usage) EligibilitySummary {
	summary := EligibilitySummary{
		RequesterID:     profile.ID,
		Year:            profile.CalendarYear,
		HasActiveLoan:   usage.HasActiveLoan,
		ActiveRequestID: usage.ActiveRequestID,
		Precision:       catalog.Precision(),
	}

	for _, def := range catalog.All() {
		pe := PolicyEligibility{PolicyType: def.Type, Name: def.Name}

		if usage.HasActiveLoan {
			pe.Blocked = true
			pe.BlockReason = BlockReasonActiveRequest
			summary.Policies = append(summary.Policies, pe)
			continue
		}

		pe.UsedCount = usage.UsedCount(def.Type)
		pe.Remaining = max(def.MaxOccurrencesPerYear-pe.UsedCount, 0)
		if pe.UsedCount >= def.MaxOccurrencesPerYear {
			pe.Blocked = true
			pe.BlockReason = BlockReasonQuotaExhausted
		}

		if profile.SalaryKnown() {
			limit := profile.BaseSalary.Mul(def.MaxPercentOfSalary).Round(catalog.Precision())
			pe.MaxAmountAllowed = &limit
		} else {
			pe.ManualReview = true
		}

		pe.AllowedInstallments = def.AllowedInstallments
		summary.Policies = append(summary.Policies, pe)
	}
	return summary
}
