/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the advance
  domain types from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts leave the API as strings fixed to the catalog precision
  ("7500.00") so clients never round-trip money through a float. Incoming
  amounts accept either a JSON string or a number.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/catalog.go: CatalogJSON, returned as-is by GET /api/policies
*/
package api

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/salary-advance/advance"
)

// =============================================================================
// REQUESTERS
// =============================================================================

type RequesterDTO struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Email      string  `json:"email,omitempty"`
	BaseSalary *string `json:"base_salary,omitempty"`
	CreatedAt  string  `json:"created_at,omitempty"`
}

// CreateRequesterRequest creates or replaces a directory entry.
type CreateRequesterRequest struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Email      string           `json:"email"`
	BaseSalary *decimal.Decimal `json:"base_salary"`
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

type PolicyEligibilityDTO struct {
	PolicyType          string  `json:"policy_type"`
	Name                string  `json:"name"`
	UsedCount           int     `json:"used_count"`
	Used                bool    `json:"used"`
	Remaining           int     `json:"remaining"`
	MaxAmountAllowed    *string `json:"max_amount_allowed"`
	AllowedInstallments []int   `json:"allowed_installments"`
	ManualReview        bool    `json:"manual_review"`
	Blocked             bool    `json:"blocked"`
	BlockReason         string  `json:"block_reason,omitempty"`
}

type EligibilityDTO struct {
	RequesterID     string                 `json:"requester_id"`
	Year            int                    `json:"year"`
	HasActiveLoan   bool                   `json:"has_active_loan"`
	ActiveRequestID *int64                 `json:"active_request_id,omitempty"`
	AnyAvailable    bool                   `json:"any_available"`
	Policies        []PolicyEligibilityDTO `json:"policies"`
}

// =============================================================================
// REQUESTS
// =============================================================================

// SubmitRequest is the body of POST /api/requesters/{id}/requests.
type SubmitRequest struct {
	PolicyType       string          `json:"policy_type"`
	Amount           decimal.Decimal `json:"amount"`
	InstallmentCount int             `json:"installment_count"`
	Note             string          `json:"note"`
}

// DecisionRequest is the optional body of the transition endpoints.
type DecisionRequest struct {
	Note       string `json:"note"`
	StartMonth string `json:"start_month,omitempty"` // YYYY-MM, approve only
}

type RequestDTO struct {
	ID               int64  `json:"id"`
	RequesterID      string `json:"requester_id"`
	RequesterName    string `json:"requester_name"`
	PolicyType       string `json:"policy_type"`
	Amount           string `json:"amount"`
	InstallmentCount int    `json:"installment_count"`
	Note             string `json:"note,omitempty"`
	Status           string `json:"status"`
	DecisionNote     string `json:"decision_note,omitempty"`
	DecidedAt        string `json:"decided_at,omitempty"`
	StartMonth       string `json:"start_month,omitempty"`
	ManualReview     bool   `json:"manual_review"`
	CreatedAt        string `json:"created_at"`
}

// RejectionDTO is returned with 422 when a submission is refused.
type RejectionDTO struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Reason     string `json:"reason"`
	PolicyType string `json:"policy_type"`
}

type TransitionDTO struct {
	ID        string `json:"id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
	Note      string `json:"note,omitempty"`
	At        string `json:"at"`
}

// =============================================================================
// REPORT
// =============================================================================

type StatusTotalsDTO struct {
	Count  int    `json:"count"`
	Amount string `json:"amount"`
}

type KPIDTO struct {
	ByStatus     map[string]StatusTotalsDTO `json:"by_status"`
	Total        int                        `json:"total"`
	TotalAmount  string                     `json:"total_amount"`
	ApprovalRate float64                    `json:"approval_rate"`
}

type ReportDTO struct {
	Rows []RequestDTO `json:"rows"`
	KPI  KPIDTO       `json:"kpi"`
}

// =============================================================================
// MISC
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal, places int32) string { return d.StringFixed(places) }

func toRequesterDTO(r advance.Requester, places int32) RequesterDTO {
	dto := RequesterDTO{ID: string(r.ID), Name: r.Name, Email: r.Email}
	if r.BaseSalary != nil {
		s := money(*r.BaseSalary, places)
		dto.BaseSalary = &s
	}
	if !r.CreatedAt.IsZero() {
		dto.CreatedAt = r.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toEligibilityDTO(s advance.EligibilitySummary, places int32) EligibilityDTO {
	dto := EligibilityDTO{
		RequesterID:   string(s.RequesterID),
		Year:          s.Year,
		HasActiveLoan: s.HasActiveLoan,
		AnyAvailable:  s.AnyAvailable(),
		Policies:      make([]PolicyEligibilityDTO, len(s.Policies)),
	}
	if s.HasActiveLoan && s.ActiveRequestID != 0 {
		id := int64(s.ActiveRequestID)
		dto.ActiveRequestID = &id
	}
	for i, p := range s.Policies {
		pe := PolicyEligibilityDTO{
			PolicyType:          string(p.PolicyType),
			Name:                p.Name,
			UsedCount:           p.UsedCount,
			Used:                p.Used(),
			Remaining:           p.Remaining,
			AllowedInstallments: p.AllowedInstallments,
			ManualReview:        p.ManualReview,
			Blocked:             p.Blocked,
			BlockReason:         p.BlockReason,
		}
		if pe.AllowedInstallments == nil {
			pe.AllowedInstallments = []int{}
		}
		if p.MaxAmountAllowed != nil {
			m := money(*p.MaxAmountAllowed, places)
			pe.MaxAmountAllowed = &m
		}
		dto.Policies[i] = pe
	}
	return dto
}

func toRequestDTO(r advance.Request, places int32) RequestDTO {
	dto := RequestDTO{
		ID:               int64(r.ID),
		RequesterID:      string(r.RequesterID),
		RequesterName:    r.RequesterName,
		PolicyType:       string(r.PolicyType),
		Amount:           money(r.Amount, places),
		InstallmentCount: r.InstallmentCount,
		Note:             r.Note,
		Status:           string(r.Status),
		DecisionNote:     r.DecisionNote,
		ManualReview:     r.ManualReview,
		CreatedAt:        r.CreatedAt.Format(time.RFC3339),
	}
	if r.DecidedAt != nil {
		dto.DecidedAt = r.DecidedAt.Format(time.RFC3339)
	}
	if r.StartMonth != nil {
		dto.StartMonth = r.StartMonth.String()
	}
	return dto
}

func toRequestDTOs(reqs []advance.Request, places int32) []RequestDTO {
	dtos := make([]RequestDTO, len(reqs))
	for i, r := range reqs {
		dtos[i] = toRequestDTO(r, places)
	}
	return dtos
}

func toTransitionDTO(t advance.TransitionRecord) TransitionDTO {
	return TransitionDTO{
		ID:        t.ID,
		From:      string(t.From),
		To:        string(t.To),
		ActorID:   string(t.ActorID),
		ActorRole: string(t.ActorRole),
		Note:      t.Note,
		At:        t.At.Format(time.RFC3339),
	}
}

func toReportDTO(rep advance.Report, places int32) ReportDTO {
	kpi := KPIDTO{
		ByStatus:     make(map[string]StatusTotalsDTO, len(advance.Statuses)),
		Total:        rep.KPI.Total,
		TotalAmount:  money(rep.KPI.TotalAmount, places),
		ApprovalRate: rep.KPI.ApprovalRate,
	}
	for _, s := range advance.Statuses {
		t := rep.KPI.Totals(s)
		kpi.ByStatus[string(s)] = StatusTotalsDTO{Count: t.Count, Amount: money(t.Amount, places)}
	}
	return ReportDTO{Rows: toRequestDTOs(rep.Rows, places), KPI: kpi}
}

func toRejectionDTO(r *advance.Rejection) RejectionDTO {
	return RejectionDTO{
		Error:      "rejected",
		Code:       string(r.Code),
		Reason:     r.Reason,
		PolicyType: string(r.PolicyType),
	}
}

func parseRequestID(s string) (advance.RequestID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidRequestID
	}
	return advance.RequestID(id), nil
}
