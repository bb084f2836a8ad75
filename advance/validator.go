package advance

import (
	"fmt"
	"slices"
	"time"
)

// =============================================================================
// REJECTION - A validation failure, returned as a value
// =============================================================================

type RejectionCode string

const (
	RejectActiveRequest         RejectionCode = "active_request"
	RejectQuotaExhausted        RejectionCode = "quota_exhausted"
	RejectAmountNotPositive     RejectionCode = "amount_not_positive"
	RejectAmountPrecision       RejectionCode = "amount_precision"
	RejectAmountExceedsMax      RejectionCode = "amount_exceeds_max"
	RejectInstallmentNotAllowed RejectionCode = "installment_not_allowed"
)

// Rejection carries the single first-triggered reason a submission failed.
type Rejection struct {
	Code       RejectionCode
	Reason     string
	PolicyType PolicyType
}

func (r *Rejection) Error() string { return "submission rejected: " + r.Reason }

func reject(code RejectionCode, reason string, t PolicyType) *Rejection {
	return &Rejection{Code: code, Reason: reason, PolicyType: t}
}

// codeForBlockReason maps a policy block reason onto its rejection code.
func codeForBlockReason(reason string) RejectionCode {
	if reason == BlockReasonActiveRequest {
		return RejectActiveRequest
	}
	return RejectQuotaExhausted
}

// =============================================================================
// VALIDATE
// =============================================================================

// Validate checks a submission against the requester's eligibility summary.
// Checks run in a fixed order and the first failure wins:
//
//  1. an active request exists
//  2. the chosen policy is blocked (its own reason)
//  3. amount must be positive and carry no more decimal places than the
//     currency precision
//  4. amount must not exceed the policy maximum, when one is defined
//  5. installment count must be one the policy allows
//
// The returned error is non-nil only when the submission names a policy the
// summary does not know about.
func Validate(sub Submission, summary EligibilitySummary) (*Rejection, error) {
	pe, ok := summary.Policy(sub.PolicyType)
	if !ok {
		return nil, &UnknownPolicyError{PolicyType: sub.PolicyType}
	}

	if summary.HasActiveLoan {
		return reject(RejectActiveRequest, BlockReasonActiveRequest, sub.PolicyType), nil
	}
	if pe.Blocked {
		return reject(codeForBlockReason(pe.BlockReason), pe.BlockReason, sub.PolicyType), nil
	}
	if !sub.Amount.IsPositive() {
		return reject(RejectAmountNotPositive, "amount must be positive", sub.PolicyType), nil
	}
	if !sub.Amount.Equal(sub.Amount.Round(summary.Precision)) {
		return reject(RejectAmountPrecision, fmt.Sprintf("amount has more than %d decimal places", summary.Precision), sub.PolicyType), nil
	}
	if pe.MaxAmountAllowed != nil && sub.Amount.GreaterThan(*pe.MaxAmountAllowed) {
		return reject(RejectAmountExceedsMax, "amount exceeds maximum allowed", sub.PolicyType), nil
	}
	if !slices.Contains(pe.AllowedInstallments, sub.InstallmentCount) {
		return reject(RejectInstallmentNotAllowed, "installment count not permitted for this policy", sub.PolicyType), nil
	}
	return nil, nil
}

// NewPendingRequest builds the request emitted by a successful validation.
// The store assigns the id.
func NewPendingRequest(sub Submission, summary EligibilitySummary, requesterName string, now time.Time) (Request, error) {
	pe, ok := summary.Policy(sub.PolicyType)
	if !ok {
		return Request{}, fmt.Errorf("building request: %w", &UnknownPolicyError{PolicyType: sub.PolicyType})
	}
	return Request{
		RequesterID:      sub.RequesterID,
		RequesterName:    requesterName,
		PolicyType:       sub.PolicyType,
		Amount:           sub.Amount,
		InstallmentCount: sub.InstallmentCount,
		Note:             sub.Note,
		Status:           StatusPending,
		ManualReview:     pe.MaxAmountAllowed == nil,
		CreatedAt:        now,
	}, nil
}
