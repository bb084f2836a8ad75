package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/warp/salary-advance/advance"
	"github.com/warp/salary-advance/store/postgres"
)

// PostgresStoreSuite runs against a live database named by
// ADVANCE_TEST_DATABASE_URL and is skipped otherwise.
type PostgresStoreSuite struct {
	suite.Suite
	store *postgres.Store
	ctx   context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	if os.Getenv("ADVANCE_TEST_DATABASE_URL") == "" {
		t.Skip("ADVANCE_TEST_DATABASE_URL not set")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	store, err := postgres.Open(s.ctx, os.Getenv("ADVANCE_TEST_DATABASE_URL"))
	s.Require().NoError(err)
	s.store = store
}

func (s *PostgresStoreSuite) TearDownSuite() {
	s.store.Close()
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.store.Reset(s.ctx))
	salary := decimal.RequireFromString("3000")
	s.Require().NoError(s.store.SaveRequester(s.ctx, advance.Requester{ID: "alice", Name: "Alice Martin", BaseSalary: &salary}))
}

func (s *PostgresStoreSuite) pending(created time.Time) advance.Request {
	return advance.Request{
		RequesterID:      "alice",
		RequesterName:    "Alice Martin",
		PolicyType:       advance.PolicyAnnualOnce,
		Amount:           decimal.RequireFromString("999.99"),
		InstallmentCount: 3,
		Status:           advance.StatusPending,
		CreatedAt:        created,
	}
}

func (s *PostgresStoreSuite) TestLifecycle() {
	alice := advance.Actor{ID: "alice", Role: advance.RoleRequester}
	manager := advance.Actor{ID: "maria", Role: advance.RoleManager}
	r := s.pending(time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC))

	saved, err := s.store.Save(s.ctx, r, advance.CreationRecord(r, alice))
	s.Require().NoError(err)
	s.NotZero(saved.ID)

	_, err = s.store.Save(s.ctx, r, advance.CreationRecord(r, alice))
	s.ErrorIs(err, advance.ErrActiveRequestExists)

	next, rec, err := advance.Apply(saved, advance.Command{Action: advance.ActionApprove, Actor: manager}, time.Date(2025, time.March, 2, 9, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	_, err = s.store.UpdateStatus(s.ctx, next, rec)
	s.Require().NoError(err)

	_, err = s.store.UpdateStatus(s.ctx, next, rec)
	s.ErrorIs(err, advance.ErrConcurrentModification)

	got, err := s.store.Get(s.ctx, saved.ID)
	s.Require().NoError(err)
	s.Equal(advance.StatusApproved, got.Status)
	s.True(decimal.RequireFromString("999.99").Equal(got.Amount))

	history, err := s.store.ListTransitions(s.ctx, saved.ID)
	s.Require().NoError(err)
	s.Len(history, 2)

	inYear, err := s.store.ListRequestsForRequester(s.ctx, "alice", 2025, time.UTC)
	s.Require().NoError(err)
	s.Len(inYear, 1)
}

func (s *PostgresStoreSuite) TestMissingRows() {
	_, err := s.store.Get(s.ctx, 424242)
	s.ErrorIs(err, advance.ErrRequestNotFound)

	_, err = s.store.GetRequester(s.ctx, "nobody")
	s.ErrorIs(err, advance.ErrRequesterNotFound)
}
