package advance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/warp/salary-advance/advance"
	"github.com/warp/salary-advance/advance/memory"
)

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events  []advance.Event
	ctxErrs []error
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, e advance.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	return p.err
}

func (p *recordingPublisher) types() []advance.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]advance.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type countingRecorder struct {
	mu          sync.Mutex
	accepted    int
	rejected    map[advance.RejectionCode]int
	transitions map[advance.Status]int
	evaluations int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		rejected:    make(map[advance.RejectionCode]int),
		transitions: make(map[advance.Status]int),
	}
}

func (r *countingRecorder) EligibilityEvaluated(bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluations++
}

func (r *countingRecorder) SubmissionAccepted(advance.PolicyType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted++
}

func (r *countingRecorder) SubmissionRejected(_ advance.PolicyType, code advance.RejectionCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[code]++
}

func (r *countingRecorder) Transitioned(to advance.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[to]++
}

// =============================================================================
// SUITE
// =============================================================================

type ServiceSuite struct {
	suite.Suite
	ctx       context.Context
	store     *memory.Store
	publisher *recordingPublisher
	recorder  *countingRecorder
	svc       *advance.Service
	now       time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.New()
	s.publisher = &recordingPublisher{}
	s.recorder = newCountingRecorder()
	s.now = at(2025, time.March, 10)

	catalog, err := advance.NewCatalog(advance.ReferencePolicies())
	s.Require().NoError(err)

	s.svc, err = advance.New(catalog, s.store, s.store, s.store,
		advance.WithPublisher(s.publisher),
		advance.WithRecorder(s.recorder),
		advance.WithLocation(time.UTC),
		advance.WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)

	s.Require().NoError(s.store.SaveRequester(s.ctx, advance.Requester{ID: alice, Name: "Alice Martin", BaseSalary: salary("10000")}))
	s.Require().NoError(s.store.SaveRequester(s.ctx, advance.Requester{ID: "bob", Name: "Bob Stone"}))
}

func (s *ServiceSuite) submit(policy advance.PolicyType, amount string, installments int) (*advance.Request, *advance.Rejection) {
	req, rej, err := s.svc.Submit(s.ctx, owner, submission(policy, amount, installments))
	s.Require().NoError(err)
	return req, rej
}

func (s *ServiceSuite) tick(d time.Duration) { s.now = s.now.Add(d) }

// TestRejectedRequestFreesAnnualQuota walks the annual policy end to end.
func (s *ServiceSuite) TestRejectedRequestFreesAnnualQuota() {
	// GIVEN: salary 10000 and no history
	summary, err := s.svc.Eligibility(s.ctx, owner, alice, 0)
	s.Require().NoError(err)
	annual, ok := summary.Policy(advance.PolicyAnnualOnce)
	s.Require().True(ok)
	s.Require().NotNil(annual.MaxAmountAllowed)
	s.True(dec("7500").Equal(*annual.MaxAmountAllowed))

	// WHEN: the requester asks for the full amount
	req, rej := s.submit(advance.PolicyAnnualOnce, "7500", 3)
	s.Require().Nil(rej)
	s.Equal(advance.StatusPending, req.Status)
	s.NotZero(req.ID)

	// AND: a manager rejects it
	s.tick(time.Hour)
	rejected, err := s.svc.Decide(s.ctx, manager, req.ID, false, "insufficient docs", nil)
	s.Require().NoError(err)
	s.Equal(advance.StatusRejected, rejected.Status)
	s.Equal("insufficient docs", rejected.DecisionNote)
	s.Require().NotNil(rejected.DecidedAt)
	s.Equal(s.now, *rejected.DecidedAt)

	// THEN: the policy is open again and a new submission is accepted
	summary, err = s.svc.Eligibility(s.ctx, owner, alice, 2025)
	s.Require().NoError(err)
	annual, _ = summary.Policy(advance.PolicyAnnualOnce)
	s.False(annual.Blocked)
	s.Zero(annual.UsedCount)
	s.False(summary.HasActiveLoan)

	again, rej := s.submit(advance.PolicyAnnualOnce, "5000", 1)
	s.Require().Nil(rej)
	s.Equal(advance.StatusPending, again.Status)

	s.Equal([]advance.EventType{advance.EventSubmitted, advance.EventRejected, advance.EventSubmitted}, s.publisher.types())
	s.Equal(2, s.recorder.accepted)
	s.Equal(1, s.recorder.transitions[advance.StatusRejected])
}

// TestPeriodicQuotaExhaustedAfterThreeClosed covers the thrice-per-year policy.
func (s *ServiceSuite) TestPeriodicQuotaExhaustedAfterThreeClosed() {
	// GIVEN: three approved-then-closed requests this year
	for i := 0; i < 3; i++ {
		req, rej := s.submit(advance.PolicyPeriodicThrice, "1000", 2)
		s.Require().Nil(rej)

		s.tick(time.Hour)
		_, err := s.svc.Decide(s.ctx, manager, req.ID, true, "", nil)
		s.Require().NoError(err)

		s.tick(time.Hour)
		_, err = s.svc.Close(s.ctx, admin, req.ID, "repaid")
		s.Require().NoError(err)
		s.tick(time.Hour)
	}

	// WHEN: a fourth is submitted with no active request
	summary, err := s.svc.Eligibility(s.ctx, owner, alice, 0)
	s.Require().NoError(err)
	s.False(summary.HasActiveLoan)

	req, rej := s.submit(advance.PolicyPeriodicThrice, "1000", 2)

	// THEN
	s.Nil(req)
	s.Require().NotNil(rej)
	s.Equal(advance.RejectQuotaExhausted, rej.Code)
	s.Equal("quota exhausted", rej.Reason)
	s.Equal(1, s.recorder.rejected[advance.RejectQuotaExhausted])

	// AND: the annual policy is still available
	req, rej = s.submit(advance.PolicyAnnualOnce, "100", 1)
	s.Nil(rej)
	s.NotNil(req)
}

func (s *ServiceSuite) TestActiveRequestBlocksSecondSubmission() {
	_, rej := s.submit(advance.PolicyPeriodicThrice, "100", 1)
	s.Require().Nil(rej)

	req, rej := s.submit(advance.PolicyAnnualOnce, "100", 1)

	s.Nil(req)
	s.Require().NotNil(rej)
	s.Equal(advance.RejectActiveRequest, rej.Code)
}

func (s *ServiceSuite) TestConcurrentSubmissionsOnlyOneWins() {
	const n = 8
	var wg sync.WaitGroup
	results := make(chan *advance.Request, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _, err := s.svc.Submit(s.ctx, owner, submission(advance.PolicyPeriodicThrice, "100", 1))
			if err == nil && req != nil {
				results <- req
			}
		}()
	}
	wg.Wait()
	close(results)

	s.Len(results, 1, "the store admits a single active request")
}

func (s *ServiceSuite) TestUnknownSalaryGoesToManualReview() {
	bob := advance.Actor{ID: "bob", Role: advance.RoleRequester}

	req, rej, err := s.svc.Submit(s.ctx, bob, advance.Submission{
		RequesterID:      "bob",
		PolicyType:       advance.PolicyAnnualOnce,
		Amount:           dec("99999"),
		InstallmentCount: 1,
	})

	s.Require().NoError(err)
	s.Nil(rej)
	s.True(req.ManualReview)
}

func (s *ServiceSuite) TestPermissions() {
	s.Run("requester cannot submit for someone else", func() {
		_, _, err := s.svc.Submit(s.ctx, someone, submission(advance.PolicyAnnualOnce, "10", 1))
		s.ErrorIs(err, advance.ErrForbidden)
	})

	s.Run("requester cannot read another requester's eligibility", func() {
		_, err := s.svc.Eligibility(s.ctx, someone, alice, 0)
		s.ErrorIs(err, advance.ErrForbidden)
	})

	s.Run("manager reads anyone's eligibility", func() {
		_, err := s.svc.Eligibility(s.ctx, manager, alice, 0)
		s.NoError(err)
	})

	s.Run("requester cannot approve", func() {
		req, rej := s.submit(advance.PolicyAnnualOnce, "10", 1)
		s.Require().Nil(rej)

		_, err := s.svc.Decide(s.ctx, owner, req.ID, true, "", nil)
		s.ErrorIs(err, advance.ErrForbidden)

		_, err = s.svc.Get(s.ctx, someone, req.ID)
		s.ErrorIs(err, advance.ErrForbidden)
	})
}

func (s *ServiceSuite) TestCancelAndHistory() {
	req, rej := s.submit(advance.PolicyAnnualOnce, "10", 1)
	s.Require().Nil(rej)

	s.tick(time.Minute)
	cancelled, err := s.svc.Cancel(s.ctx, owner, req.ID, "not needed")
	s.Require().NoError(err)
	s.Equal(advance.StatusCancelled, cancelled.Status)

	_, err = s.svc.Decide(s.ctx, manager, req.ID, true, "", nil)
	s.ErrorIs(err, advance.ErrIllegalTransition)

	history, err := s.svc.History(s.ctx, owner, req.ID)
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(advance.Status(""), history[0].From)
	s.Equal(advance.StatusPending, history[0].To)
	s.Equal(advance.StatusPending, history[1].From)
	s.Equal(advance.StatusCancelled, history[1].To)
	s.Equal("not needed", history[1].Note)
}

func (s *ServiceSuite) TestReportScopesRequesters() {
	_, rej := s.submit(advance.PolicyAnnualOnce, "10", 1)
	s.Require().Nil(rej)
	bob := advance.Actor{ID: "bob", Role: advance.RoleRequester}
	_, rej, err := s.svc.Submit(s.ctx, bob, advance.Submission{RequesterID: "bob", PolicyType: advance.PolicyAnnualOnce, Amount: dec("20"), InstallmentCount: 1})
	s.Require().NoError(err)
	s.Require().Nil(rej)

	all, err := s.svc.Report(s.ctx, manager, advance.Filter{})
	s.Require().NoError(err)
	s.Len(all.Rows, 2)
	s.Equal(2, all.KPI.Total)

	// A requester asking for everything still only sees their own.
	own, err := s.svc.Report(s.ctx, bob, advance.Filter{RequesterID: alice})
	s.Require().NoError(err)
	s.Require().Len(own.Rows, 1)
	s.Equal(advance.RequesterID("bob"), own.Rows[0].RequesterID)

	march := advance.NewMonth(2025, time.March)
	inMarch, err := s.svc.Report(s.ctx, manager, advance.Filter{Month: &march})
	s.Require().NoError(err)
	s.Len(inMarch.Rows, 2)

	april := advance.NewMonth(2025, time.April)
	inApril, err := s.svc.Report(s.ctx, manager, advance.Filter{Month: &april})
	s.Require().NoError(err)
	s.Empty(inApril.Rows)
}

func (s *ServiceSuite) TestStoreFailureIsRetryable() {
	s.store.FailWith(errors.New("disk on fire"))

	_, err := s.svc.Eligibility(s.ctx, owner, alice, 0)

	s.Require().Error(err)
	s.True(advance.IsRetryable(err))
	var sue *advance.StoreUnavailableError
	s.Require().ErrorAs(err, &sue)
	s.Equal("get requester", sue.Op)
}

func (s *ServiceSuite) TestPublishFailureDoesNotFailSubmit() {
	s.publisher.err = errors.New("broker down")

	req, rej := s.submit(advance.PolicyAnnualOnce, "10", 1)

	s.Nil(rej)
	s.NotNil(req)
}

func (s *ServiceSuite) TestPublishOutlivesCallerContext() {
	// GIVEN: a caller that has already gone away
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	// WHEN: the submission still commits
	req, rej, err := s.svc.Submit(ctx, owner, submission(advance.PolicyAnnualOnce, "10", 1))
	s.Require().NoError(err)
	s.Require().Nil(rej)
	s.Require().NotNil(req)

	// THEN: the publisher receives a live context
	s.Require().Len(s.publisher.ctxErrs, 1)
	s.NoError(s.publisher.ctxErrs[0])
}

func (s *ServiceSuite) TestNotFound() {
	_, err := s.svc.Get(s.ctx, manager, 999)
	s.True(advance.IsNotFound(err))

	_, err = s.svc.Eligibility(s.ctx, manager, "nobody", 0)
	s.True(advance.IsNotFound(err))
}

func (s *ServiceSuite) TestUnknownPolicy() {
	_, _, err := s.svc.Submit(s.ctx, owner, submission("payday-loan", "10", 1))
	s.ErrorIs(err, advance.ErrUnknownPolicy)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	c := advance.MustCatalog(advance.ReferencePolicies())
	m := memory.New()

	for name, build := range map[string]func() (*advance.Service, error){
		"catalog":   func() (*advance.Service, error) { return advance.New(nil, m, m, m) },
		"store":     func() (*advance.Service, error) { return advance.New(c, nil, m, m) },
		"salaries":  func() (*advance.Service, error) { return advance.New(c, m, nil, m) },
		"directory": func() (*advance.Service, error) { return advance.New(c, m, m, nil) },
	} {
		t.Run(name, func(t *testing.T) {
			svc, err := build()
			if err == nil || svc != nil {
				t.Errorf("expected error when %s is missing", name)
			}
		})
	}
}
