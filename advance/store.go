/*
store.go - Interfaces to the external collaborators

PURPOSE:
  The engine reads requester history and salaries, and writes requests and
  their transitions, through these interfaces. Implementations live in
  advance/memory (tests, dev), store/sqlite and store/postgres.

ATOMICITY CONTRACT:
  Save must reject a request that would give its requester a second
  pending/approved request (ErrActiveRequestExists). The validator's check is
  a pre-check against a snapshot; this is the actual boundary. SQL stores use
  a partial unique index so two concurrent submissions cannot both win.

  UpdateStatus must compare-and-set on the prior status and write the
  transition record in the same transaction: either status, timestamps, note
  and history all commit, or nothing does (ErrConcurrentModification when the
  status moved underneath).

ERRORS:
  Stores return the advance sentinels (ErrRequestNotFound,
  ErrRequesterNotFound, ErrActiveRequestExists, ErrConcurrentModification)
  for domain facts. Anything else is treated as the store being unavailable.
*/
package advance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// StoreFilter is the manager-side listing filter pushed down to storage.
type StoreFilter struct {
	RequesterID RequesterID
	Status      Status
	From        *time.Time // created_at >= From
	To          *time.Time // created_at < To
}

// RequestStore persists benefit requests.
type RequestStore interface {
	// ListRequestsForRequester returns the requests created in year plus any
	// pending/approved request of any year.
	ListRequestsForRequester(ctx context.Context, id RequesterID, year int, loc *time.Location) ([]Request, error)

	// ListRequests returns requests matching the filter, newest first.
	ListRequests(ctx context.Context, f StoreFilter) ([]Request, error)

	Get(ctx context.Context, id RequestID) (Request, error)

	// Save inserts a new request with the creation record and returns it with its id.
	Save(ctx context.Context, r Request, created TransitionRecord) (Request, error)

	// UpdateStatus persists a transition produced by Apply.
	UpdateStatus(ctx context.Context, r Request, rec TransitionRecord) (Request, error)

	// ListTransitions returns the history of a request, oldest first.
	ListTransitions(ctx context.Context, id RequestID) ([]TransitionRecord, error)
}

// SalarySource returns a requester's base salary, nil when unknown.
type SalarySource interface {
	BaseSalaryFor(ctx context.Context, id RequesterID) (*decimal.Decimal, error)
}

// RequesterDirectory resolves requester display data.
type RequesterDirectory interface {
	GetRequester(ctx context.Context, id RequesterID) (Requester, error)
	ListRequesters(ctx context.Context) ([]Requester, error)
	SaveRequester(ctx context.Context, r Requester) error
}

// =============================================================================
// EVENTS - Published after a change commits
// =============================================================================

type EventType string

const (
	EventSubmitted EventType = "request.submitted"
	EventApproved  EventType = "request.approved"
	EventRejected  EventType = "request.rejected"
	EventClosed    EventType = "request.closed"
	EventCancelled EventType = "request.cancelled"
)

// EventForStatus maps a status reached by a transition to its event type.
func EventForStatus(s Status) EventType {
	switch s {
	case StatusApproved:
		return EventApproved
	case StatusRejected:
		return EventRejected
	case StatusClosed:
		return EventClosed
	case StatusCancelled:
		return EventCancelled
	default:
		return EventSubmitted
	}
}

type Event struct {
	ID          string
	Type        EventType
	RequestID   RequestID
	RequesterID RequesterID
	PolicyType  PolicyType
	Amount      decimal.Decimal
	Status      Status
	ActorID     RequesterID
	Note        string
	At          time.Time
}

// EventPublisher delivers lifecycle events. Delivery is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
