/*
Package advance implements the salary-advance eligibility and approval engine.

PURPOSE:
  Employees may request an advance against their salary under one of a small
  set of benefit policies. This package decides whether a requester may
  submit, how much they may ask for, which repayment splits are legal, and
  governs the request lifecycle once a manager gets involved.

KEY CONCEPTS IN THIS FILE (types.go):
  - Request: A submitted advance request and its decision fields
  - Status: The lifecycle state vocabulary
  - Actor/Role: Who is performing an operation
  - Submission: What a requester asks for

DESIGN PRINCIPLES:
  1. Purity: Usage, eligibility, validation and querying are pure functions
  2. Precision: Money is decimal.Decimal, never float64
  3. Policies are data: a new policy is a catalog entry, not new control flow
  4. Stores own atomicity: the one-active-request rule is enforced at write time

SEE ALSO:
  - catalog.go: Policy definitions
  - eligibility.go: Eligibility evaluation
  - state.go: Request state machine
  - service.go: Orchestration over the external collaborators
*/
package advance

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RequestID int64
type RequesterID string
type PolicyType string

// =============================================================================
// STATUS - Request lifecycle states
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every state in lifecycle order.
var Statuses = []Status{StatusPending, StatusApproved, StatusRejected, StatusClosed, StatusCancelled}

// IsActive reports whether a request in this state blocks new submissions.
func (s Status) IsActive() bool { return s == StatusPending || s == StatusApproved }

// ConsumesQuota reports whether a request in this state counts against the
// per-year occurrence limit of its policy.
func (s Status) ConsumesQuota() bool {
	return s == StatusPending || s == StatusApproved || s == StatusClosed
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusClosed || s == StatusCancelled
}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// =============================================================================
// ACTORS
// =============================================================================

type Role string

const (
	RoleRequester Role = "requester"
	RoleManager   Role = "manager"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleRequester || r == RoleManager || r == RoleAdmin
}

// Actor is the authenticated caller. The engine trusts it as given.
type Actor struct {
	ID   RequesterID
	Role Role
}

// CanSeeAll reports whether the actor may read other requesters' data.
func (a Actor) CanSeeAll() bool { return a.Role == RoleManager || a.Role == RoleAdmin }

// =============================================================================
// REQUESTER
// =============================================================================

// Requester is a directory entry for an employee who may request advances.
type Requester struct {
	ID         RequesterID
	Name       string
	Email      string
	BaseSalary *decimal.Decimal // nil when unknown
	CreatedAt  time.Time
}

// RequesterProfile is the snapshot eligibility is evaluated against.
type RequesterProfile struct {
	ID           RequesterID
	Name         string
	BaseSalary   *decimal.Decimal
	CalendarYear int
}

// SalaryKnown reports whether a usable (positive) base salary is available.
func (p RequesterProfile) SalaryKnown() bool {
	return p.BaseSalary != nil && p.BaseSalary.IsPositive()
}

// =============================================================================
// REQUEST
// =============================================================================

// Request is a benefit request. After creation only Status, DecisionNote,
// DecidedAt and StartMonth change, and only through the state machine.
type Request struct {
	ID               RequestID
	RequesterID      RequesterID
	RequesterName    string
	PolicyType       PolicyType
	Amount           decimal.Decimal
	InstallmentCount int
	Note             string

	Status       Status
	DecisionNote string
	DecidedAt    *time.Time
	StartMonth   *Month

	// ManualReview is set when the request was accepted without a salary
	// cap because the requester's salary was unknown.
	ManualReview bool

	CreatedAt time.Time
}

// Submission is what a requester asks for.
type Submission struct {
	RequesterID      RequesterID
	PolicyType       PolicyType
	Amount           decimal.Decimal
	InstallmentCount int
	Note             string
}
