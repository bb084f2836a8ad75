/*
service.go - Request service over the external collaborators

PURPOSE:
  Exposes the engine's operations to callers (the HTTP API, tests, tools):

    Eligibility(requester)           -> EligibilitySummary
    Submit(requester, submission)    -> Request | Rejection
    Decide(request, approve|reject)  -> Request | IllegalTransition
    Cancel / Close                   -> Request | IllegalTransition
    Report(filter)                   -> rows + KPI
    History(request)                 -> transition records

REQUEST FLOW:
  Submit:  catalog -> history + salary -> Evaluate -> Validate -> store.Save
  Decide:  store.Get -> Apply -> store.UpdateStatus -> publish event

  Rejections come back as values. The error return is for everything else:
  unknown policy, permission, state conflicts, store failures.

SEE ALSO:
  - eligibility.go, validator.go, state.go, query.go: the pure parts
  - store.go: collaborator interfaces
*/
package advance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder receives counters about engine activity.
type Recorder interface {
	EligibilityEvaluated(anyAvailable bool)
	SubmissionAccepted(p PolicyType, manualReview bool)
	SubmissionRejected(p PolicyType, code RejectionCode)
	Transitioned(to Status)
}

type nopRecorder struct{}

func (nopRecorder) EligibilityEvaluated(bool)                   {}
func (nopRecorder) SubmissionAccepted(PolicyType, bool)         {}
func (nopRecorder) SubmissionRejected(PolicyType, RejectionCode) {}
func (nopRecorder) Transitioned(Status)                         {}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	catalog   *Catalog
	store     RequestStore
	salaries  SalarySource
	directory RequesterDirectory
	publisher EventPublisher
	recorder  Recorder
	logger    *zap.Logger
	loc       *time.Location
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithLocation sets the calendar used for year and month windows.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(catalog *Catalog, store RequestStore, salaries SalarySource, directory RequesterDirectory, opts ...Option) (*Service, error) {
	if catalog == nil {
		return nil, fmt.Errorf("policy catalog is required")
	}
	if store == nil {
		return nil, fmt.Errorf("request store is required")
	}
	if salaries == nil {
		return nil, fmt.Errorf("salary source is required")
	}
	if directory == nil {
		return nil, fmt.Errorf("requester directory is required")
	}

	svc := &Service{
		catalog:   catalog,
		store:     store,
		salaries:  salaries,
		directory: directory,
		publisher: NopPublisher{},
		recorder:  nopRecorder{},
		logger:    zap.NewNop(),
		loc:       time.Local,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *Service) Catalog() *Catalog { return s.catalog }

func (s *Service) Location() *time.Location { return s.loc }

// Now is the service clock.
func (s *Service) Now() time.Time { return s.now() }

// =============================================================================
// ELIGIBILITY
// =============================================================================

// Eligibility evaluates a requester for a calendar year; year 0 means the
// current year.
func (s *Service) Eligibility(ctx context.Context, actor Actor, id RequesterID, year int) (EligibilitySummary, error) {
	if !canRead(actor, id) {
		return EligibilitySummary{}, fmt.Errorf("%w: %s may not read eligibility of %s", ErrForbidden, actor.ID, id)
	}
	if year == 0 {
		year = s.now().In(s.loc).Year()
	}

	profile, history, err := s.loadProfile(ctx, id, year)
	if err != nil {
		return EligibilitySummary{}, err
	}

	summary := Evaluate(s.catalog, profile, history, s.loc)
	s.recorder.EligibilityEvaluated(summary.AnyAvailable())
	return summary, nil
}

func (s *Service) loadProfile(ctx context.Context, id RequesterID, year int) (RequesterProfile, []Request, error) {
	requester, err := s.directory.GetRequester(ctx, id)
	if err != nil {
		return RequesterProfile{}, nil, s.storeErr("get requester", err)
	}

	salary, err := s.salaries.BaseSalaryFor(ctx, id)
	if err != nil {
		return RequesterProfile{}, nil, s.storeErr("base salary", err)
	}

	history, err := s.store.ListRequestsForRequester(ctx, id, year, s.loc)
	if err != nil {
		return RequesterProfile{}, nil, s.storeErr("list requester history", err)
	}

	return RequesterProfile{
		ID:           id,
		Name:         requester.Name,
		BaseSalary:   salary,
		CalendarYear: year,
	}, history, nil
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit validates and stores a new request. A non-nil Rejection means the
// submission was refused for a user-facing reason; nothing was written.
func (s *Service) Submit(ctx context.Context, actor Actor, sub Submission) (*Request, *Rejection, error) {
	if actor.ID != sub.RequesterID && actor.Role != RoleAdmin {
		return nil, nil, fmt.Errorf("%w: %s may not submit for %s", ErrForbidden, actor.ID, sub.RequesterID)
	}
	if _, err := s.catalog.Get(sub.PolicyType); err != nil {
		return nil, nil, err
	}

	now := s.now()
	profile, history, err := s.loadProfile(ctx, sub.RequesterID, now.In(s.loc).Year())
	if err != nil {
		return nil, nil, err
	}
	summary := Evaluate(s.catalog, profile, history, s.loc)

	rejection, err := Validate(sub, summary)
	if err != nil {
		return nil, nil, err
	}
	if rejection != nil {
		s.rejected(sub, rejection)
		return nil, rejection, nil
	}

	req, err := NewPendingRequest(sub, summary, profile.Name, now)
	if err != nil {
		return nil, nil, err
	}

	saved, err := s.store.Save(ctx, req, CreationRecord(req, actor))
	if errors.Is(err, ErrActiveRequestExists) {
		// Lost a race with a concurrent submission from the same requester.
		rejection := reject(RejectActiveRequest, BlockReasonActiveRequest, sub.PolicyType)
		s.rejected(sub, rejection)
		return nil, rejection, nil
	}
	if err != nil {
		return nil, nil, s.storeErr("save request", err)
	}

	s.recorder.SubmissionAccepted(saved.PolicyType, saved.ManualReview)
	s.logger.Info("request submitted",
		zap.Int64("request_id", int64(saved.ID)),
		zap.String("requester_id", string(saved.RequesterID)),
		zap.String("policy", string(saved.PolicyType)),
		zap.String("amount", saved.Amount.String()),
		zap.Int("installments", saved.InstallmentCount),
		zap.Bool("manual_review", saved.ManualReview),
	)
	s.publish(ctx, saved, StatusPending, actor, saved.Note, saved.CreatedAt)
	return &saved, nil, nil
}

func (s *Service) rejected(sub Submission, r *Rejection) {
	s.recorder.SubmissionRejected(sub.PolicyType, r.Code)
	s.logger.Info("submission rejected",
		zap.String("requester_id", string(sub.RequesterID)),
		zap.String("policy", string(sub.PolicyType)),
		zap.String("code", string(r.Code)),
		zap.String("reason", r.Reason),
	)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Decide approves or rejects a pending request.
func (s *Service) Decide(ctx context.Context, actor Actor, id RequestID, approve bool, note string, startMonth *Month) (Request, error) {
	action := ActionReject
	if approve {
		action = ActionApprove
	}
	return s.Transition(ctx, id, Command{Action: action, Actor: actor, Note: note, StartMonth: startMonth})
}

// Cancel withdraws a pending or approved request.
func (s *Service) Cancel(ctx context.Context, actor Actor, id RequestID, note string) (Request, error) {
	return s.Transition(ctx, id, Command{Action: ActionCancel, Actor: actor, Note: note})
}

// Close marks an approved request as fully settled.
func (s *Service) Close(ctx context.Context, actor Actor, id RequestID, note string) (Request, error) {
	return s.Transition(ctx, id, Command{Action: ActionClose, Actor: actor, Note: note})
}

// Transition applies cmd to a stored request and persists the result atomically.
func (s *Service) Transition(ctx context.Context, id RequestID, cmd Command) (Request, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Request{}, s.storeErr("get request", err)
	}

	next, rec, err := Apply(current, cmd, s.now())
	if err != nil {
		s.logger.Info("transition refused",
			zap.Int64("request_id", int64(id)),
			zap.String("action", string(cmd.Action)),
			zap.String("from", string(current.Status)),
			zap.Error(err),
		)
		return Request{}, err
	}

	saved, err := s.store.UpdateStatus(ctx, next, rec)
	if err != nil {
		return Request{}, s.storeErr("update status", err)
	}

	s.recorder.Transitioned(saved.Status)
	s.logger.Info("request transitioned",
		zap.Int64("request_id", int64(saved.ID)),
		zap.String("from", string(rec.From)),
		zap.String("to", string(rec.To)),
		zap.String("actor", string(rec.ActorID)),
	)
	s.publish(ctx, saved, saved.Status, cmd.Actor, rec.Note, rec.At)
	return saved, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns a request visible to the actor.
func (s *Service) Get(ctx context.Context, actor Actor, id RequestID) (Request, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return Request{}, s.storeErr("get request", err)
	}
	if !canRead(actor, req.RequesterID) {
		return Request{}, fmt.Errorf("%w: request %d", ErrForbidden, id)
	}
	return req, nil
}

// History returns the transition records of a request, oldest first.
func (s *Service) History(ctx context.Context, actor Actor, id RequestID) ([]TransitionRecord, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	recs, err := s.store.ListTransitions(ctx, id)
	if err != nil {
		return nil, s.storeErr("list transitions", err)
	}
	return recs, nil
}

// Report lists requests for the dashboard. Requesters only ever see their
// own requests; managers and admins see everyone's.
func (s *Service) Report(ctx context.Context, actor Actor, f Filter) (Report, error) {
	if !actor.CanSeeAll() {
		f.RequesterID = actor.ID
	}

	sf := StoreFilter{RequesterID: f.RequesterID}
	if f.Month != nil {
		from, to := f.Month.Window(s.loc)
		sf.From, sf.To = &from, &to
	}

	reqs, err := s.store.ListRequests(ctx, sf)
	if err != nil {
		return Report{}, s.storeErr("list requests", err)
	}
	return BuildReport(reqs, f, s.loc), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func canRead(actor Actor, owner RequesterID) bool {
	return actor.CanSeeAll() || actor.ID == owner
}

// storeErr passes domain facts through and marks everything else as the
// store being unavailable.
func (s *Service) storeErr(op string, err error) error {
	if IsNotFound(err) || IsConflict(err) || errors.Is(err, ErrActiveRequestExists) {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Error("store failure", zap.String("op", op), zap.Error(err))
	return &StoreUnavailableError{Op: op, Err: err}
}

func (s *Service) publish(ctx context.Context, r Request, status Status, actor Actor, note string, at time.Time) {
	e := Event{
		ID:          uuid.NewString(),
		Type:        EventForStatus(status),
		RequestID:   r.ID,
		RequesterID: r.RequesterID,
		PolicyType:  r.PolicyType,
		Amount:      r.Amount,
		Status:      status,
		ActorID:     actor.ID,
		Note:        note,
		At:          at,
	}
	// The state change is already committed; the event must outlive the caller.
	if err := s.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("event", string(e.Type)),
			zap.Int64("request_id", int64(r.ID)),
			zap.Error(err),
		)
	}
}
