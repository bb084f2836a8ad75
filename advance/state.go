/*
state.go - Request state machine

STATES:
  ┌─────────┐  approve   ┌──────────┐  close   ┌────────┐
  │ pending │──────────▶ │ approved │────────▶ │ closed │
  └─────────┘            └──────────┘          └────────┘
     │    │                    │
     │    │ reject             │ cancel
     │    ▼                    ▼
     │  ┌──────────┐      ┌───────────┐
     │  │ rejected │      │ cancelled │
     │  └──────────┘      └───────────┘
     │        cancel            ▲
     └──────────────────────────┘

  rejected, closed and cancelled are terminal.

ACTORS:
  approve, reject: manager or admin
  close:           admin (the repayment-completion trigger lives outside the engine)
  cancel:          the owning requester, or an admin

SIDE EFFECTS:
  approve: decision note (default "approved" when blank), decidedAt, optional start month
  reject:  decision note (required), decidedAt
  any:     decidedAt is set by the first transition out of pending (approve,
           reject or cancel) and never overwritten

Apply never mutates its input. The caller persists the returned request and
transition record in one store operation.
*/
package advance

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionClose   Action = "close"
	ActionCancel  Action = "cancel"
)

// DefaultApprovalNote is recorded when a manager approves without a note.
const DefaultApprovalNote = "approved"

type transitionRule struct {
	from  []Status
	to    Status
	roles []Role
	// owner may perform the action on their own request regardless of role
	owner        bool
	setsNote     bool
	noteRequired bool
	defaultNote  string
}

var transitionRules = map[Action]transitionRule{
	ActionApprove: {
		from:        []Status{StatusPending},
		to:          StatusApproved,
		roles:       []Role{RoleManager, RoleAdmin},
		setsNote:    true,
		defaultNote: DefaultApprovalNote,
	},
	ActionReject: {
		from:         []Status{StatusPending},
		to:           StatusRejected,
		roles:        []Role{RoleManager, RoleAdmin},
		setsNote:     true,
		noteRequired: true,
	},
	ActionClose: {
		from:  []Status{StatusApproved},
		to:    StatusClosed,
		roles: []Role{RoleAdmin},
	},
	ActionCancel: {
		from:  []Status{StatusPending, StatusApproved},
		to:    StatusCancelled,
		roles: []Role{RoleAdmin},
		owner: true,
	},
}

// TargetOf returns the status an action leads to.
func TargetOf(a Action) (Status, bool) {
	r, ok := transitionRules[a]
	return r.to, ok
}

// CanTransition reports whether from -> to is a legal edge, ignoring actors.
func CanTransition(from, to Status) bool {
	for _, r := range transitionRules {
		if r.to == to && slices.Contains(r.from, from) {
			return true
		}
	}
	return false
}

// Command is one attempted transition.
type Command struct {
	Action     Action
	Actor      Actor
	Note       string
	StartMonth *Month // approve only
}

// TransitionRecord is the audit entry written with every status change.
type TransitionRecord struct {
	ID        string
	RequestID RequestID
	From      Status // empty for creation
	To        Status
	ActorID   RequesterID
	ActorRole Role
	Note      string
	At        time.Time
}

// CreationRecord is the history entry written when a request is submitted.
func CreationRecord(req Request, actor Actor) TransitionRecord {
	return TransitionRecord{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		To:        StatusPending,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Note:      req.Note,
		At:        req.CreatedAt,
	}
}

// Apply validates cmd against the request's current state and the actor's
// role, and returns the updated copy plus the record to persist.
func Apply(req Request, cmd Command, now time.Time) (Request, TransitionRecord, error) {
	rule, ok := transitionRules[cmd.Action]
	if !ok {
		return Request{}, TransitionRecord{}, &IllegalTransitionError{RequestID: req.ID, From: req.Status, To: Status(cmd.Action)}
	}

	if !permitted(rule, cmd.Actor, req) {
		return Request{}, TransitionRecord{}, fmt.Errorf("%w: %s may not %s request %d",
			ErrForbidden, cmd.Actor.Role, cmd.Action, req.ID)
	}

	if req.Status.IsTerminal() || !slices.Contains(rule.from, req.Status) {
		return Request{}, TransitionRecord{}, &IllegalTransitionError{RequestID: req.ID, From: req.Status, To: rule.to}
	}

	note := strings.TrimSpace(cmd.Note)
	if note == "" {
		if rule.noteRequired {
			return Request{}, TransitionRecord{}, fmt.Errorf("%w to %s request %d", ErrDecisionNoteRequired, cmd.Action, req.ID)
		}
		note = rule.defaultNote
	}

	out := req
	out.Status = rule.to
	if rule.setsNote {
		out.DecisionNote = note
	}
	if out.DecidedAt == nil {
		at := now
		out.DecidedAt = &at
	}
	if cmd.Action == ActionApprove && cmd.StartMonth != nil {
		m := *cmd.StartMonth
		out.StartMonth = &m
	}

	rec := TransitionRecord{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		From:      req.Status,
		To:        rule.to,
		ActorID:   cmd.Actor.ID,
		ActorRole: cmd.Actor.Role,
		Note:      note,
		At:        now,
	}
	return out, rec, nil
}

func permitted(rule transitionRule, actor Actor, req Request) bool {
	if slices.Contains(rule.roles, actor.Role) {
		return true
	}
	return rule.owner && actor.ID != "" && actor.ID == req.RequesterID
}
