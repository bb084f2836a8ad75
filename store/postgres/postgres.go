/*
Package postgres provides a PostgreSQL-backed implementation of the advance
storage interfaces using pgx.

Same schema and contract as store/sqlite: a partial unique index enforces one
pending/approved request per requester, and status updates compare-and-set
on the previous status inside the transaction that writes the history row.
Amounts are NUMERIC and cross the wire as decimal text.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/salary-advance/advance"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL, verifies the connection and migrates the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS requesters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		base_salary NUMERIC,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS benefit_requests (
		id BIGSERIAL PRIMARY KEY,
		requester_id TEXT NOT NULL REFERENCES requesters(id),
		requester_name TEXT NOT NULL,
		policy_type TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		installment_count INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		decision_note TEXT NOT NULL DEFAULT '',
		decided_at TIMESTAMPTZ,
		start_month TEXT,
		manual_review BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_request
		ON benefit_requests(requester_id)
		WHERE status IN ('pending', 'approved');

	CREATE INDEX IF NOT EXISTS idx_requests_requester_created
		ON benefit_requests(requester_id, created_at);

	CREATE TABLE IF NOT EXISTS request_transitions (
		id UUID PRIMARY KEY,
		seq BIGSERIAL,
		request_id BIGINT NOT NULL REFERENCES benefit_requests(id),
		from_status TEXT,
		to_status TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_request
		ON request_transitions(request_id, at);
	`)
	return err
}

// =============================================================================
// REQUEST STORE
// =============================================================================

const requestColumns = `
	id, requester_id, requester_name, policy_type, amount::text, installment_count, note,
	status, decision_note, decided_at, start_month, manual_review, created_at`

func (s *Store) ListRequestsForRequester(ctx context.Context, id advance.RequesterID, year int, loc *time.Location) ([]advance.Request, error) {
	from, to := advance.YearWindow(year, loc)
	return s.queryRequests(ctx, `SELECT `+requestColumns+`
		FROM benefit_requests
		WHERE requester_id = $1
		  AND (status IN ('pending', 'approved') OR (created_at >= $2 AND created_at < $3))
		ORDER BY created_at ASC, id ASC`, string(id), from, to)
}

func (s *Store) ListRequests(ctx context.Context, f advance.StoreFilter) ([]advance.Request, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.RequesterID != "" {
		add("requester_id = $%d", string(f.RequesterID))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}

	query := `SELECT ` + requestColumns + ` FROM benefit_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	return s.queryRequests(ctx, query, args...)
}

func (s *Store) Get(ctx context.Context, id advance.RequestID) (advance.Request, error) {
	return getRequest(ctx, s.pool, id)
}

func (s *Store) Save(ctx context.Context, r advance.Request, created advance.TransitionRecord) (advance.Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return advance.Request{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO benefit_requests (requester_id, requester_name, policy_type, amount,
			installment_count, note, status, decision_note, decided_at, start_month,
			manual_review, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING id
	`, string(r.RequesterID), r.RequesterName, string(r.PolicyType), r.Amount.String(),
		r.InstallmentCount, r.Note, string(r.Status), r.DecisionNote,
		r.DecidedAt, monthText(r.StartMonth), r.ManualReview, r.CreatedAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return advance.Request{}, fmt.Errorf("requester %s: %w", r.RequesterID, advance.ErrActiveRequestExists)
		}
		return advance.Request{}, fmt.Errorf("insert request: %w", err)
	}
	r.ID = advance.RequestID(id)
	created.RequestID = r.ID

	if err := insertTransition(ctx, tx, created); err != nil {
		return advance.Request{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return advance.Request{}, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

func (s *Store) UpdateStatus(ctx context.Context, r advance.Request, rec advance.TransitionRecord) (advance.Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return advance.Request{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE benefit_requests
		SET status = $1, decision_note = $2, decided_at = $3, start_month = $4, updated_at = $5
		WHERE id = $6 AND status = $7
	`, string(r.Status), r.DecisionNote, r.DecidedAt, monthText(r.StartMonth), rec.At,
		int64(r.ID), string(rec.From))
	if err != nil {
		if isUniqueViolation(err) {
			return advance.Request{}, fmt.Errorf("requester %s: %w", r.RequesterID, advance.ErrActiveRequestExists)
		}
		return advance.Request{}, fmt.Errorf("update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := getRequest(ctx, tx, r.ID)
		if err != nil {
			return advance.Request{}, err
		}
		return advance.Request{}, fmt.Errorf("request %d is %s, expected %s: %w",
			r.ID, current.Status, rec.From, advance.ErrConcurrentModification)
	}

	if err := insertTransition(ctx, tx, rec); err != nil {
		return advance.Request{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return advance.Request{}, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

func (s *Store) ListTransitions(ctx context.Context, id advance.RequestID) ([]advance.TransitionRecord, error) {
	if _, err := getRequest(ctx, s.pool, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, request_id, from_status, to_status, actor_id, actor_role, note, at
		FROM request_transitions
		WHERE request_id = $1
		ORDER BY at ASC, seq ASC`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []advance.TransitionRecord
	for rows.Next() {
		var rec advance.TransitionRecord
		var reqID int64
		var from *string
		var to, actorID, actorRole string
		if err := rows.Scan(&rec.ID, &reqID, &from, &to, &actorID, &actorRole, &rec.Note, &rec.At); err != nil {
			return nil, err
		}
		rec.RequestID = advance.RequestID(reqID)
		if from != nil {
			rec.From = advance.Status(*from)
		}
		rec.To = advance.Status(to)
		rec.ActorID = advance.RequesterID(actorID)
		rec.ActorRole = advance.Role(actorRole)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRequest(ctx context.Context, q queryer, id advance.RequestID) (advance.Request, error) {
	r, err := scanRequest(q.QueryRow(ctx, `SELECT `+requestColumns+` FROM benefit_requests WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return advance.Request{}, fmt.Errorf("request %d: %w", id, advance.ErrRequestNotFound)
	}
	return r, err
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]advance.Request, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []advance.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (advance.Request, error) {
	var r advance.Request
	var id int64
	var requesterID, policyType, status, amount string
	var startMonth *string
	if err := row.Scan(&id, &requesterID, &r.RequesterName, &policyType, &amount, &r.InstallmentCount,
		&r.Note, &status, &r.DecisionNote, &r.DecidedAt, &startMonth, &r.ManualReview, &r.CreatedAt); err != nil {
		return advance.Request{}, err
	}
	r.ID = advance.RequestID(id)
	r.RequesterID = advance.RequesterID(requesterID)
	r.PolicyType = advance.PolicyType(policyType)
	r.Status = advance.Status(status)

	var err error
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return advance.Request{}, fmt.Errorf("request %d: invalid amount %q: %w", id, amount, err)
	}
	if startMonth != nil {
		m, err := advance.ParseMonth(*startMonth)
		if err != nil {
			return advance.Request{}, fmt.Errorf("request %d: %w", id, err)
		}
		r.StartMonth = &m
	}
	return r, nil
}

func insertTransition(ctx context.Context, tx pgx.Tx, rec advance.TransitionRecord) error {
	var from *string
	if rec.From != "" {
		f := string(rec.From)
		from = &f
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO request_transitions (id, request_id, from_status, to_status, actor_id, actor_role, note, at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, int64(rec.RequestID), from, string(rec.To),
		string(rec.ActorID), string(rec.ActorRole), rec.Note, rec.At,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// =============================================================================
// REQUESTER DIRECTORY
// =============================================================================

func (s *Store) SaveRequester(ctx context.Context, r advance.Requester) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO requesters (id, name, email, base_salary, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			base_salary = excluded.base_salary
	`, string(r.ID), r.Name, r.Email, decimalText(r.BaseSalary), createdAt)
	return err
}

func (s *Store) GetRequester(ctx context.Context, id advance.RequesterID) (advance.Requester, error) {
	r, err := scanRequester(s.pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(email, ''), base_salary::text, created_at
		FROM requesters WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return advance.Requester{}, fmt.Errorf("requester %s: %w", id, advance.ErrRequesterNotFound)
	}
	return r, err
}

func (s *Store) ListRequesters(ctx context.Context) ([]advance.Requester, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, COALESCE(email, ''), base_salary::text, created_at
		FROM requesters ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []advance.Requester
	for rows.Next() {
		r, err := scanRequester(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) BaseSalaryFor(ctx context.Context, id advance.RequesterID) (*decimal.Decimal, error) {
	r, err := s.GetRequester(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.BaseSalary, nil
}

func scanRequester(row pgx.Row) (advance.Requester, error) {
	var r advance.Requester
	var id string
	var salary *string
	if err := row.Scan(&id, &r.Name, &r.Email, &salary, &r.CreatedAt); err != nil {
		return advance.Requester{}, err
	}
	r.ID = advance.RequesterID(id)
	if salary != nil {
		d, err := decimal.NewFromString(*salary)
		if err != nil {
			return advance.Requester{}, fmt.Errorf("requester %s: invalid salary %q: %w", id, *salary, err)
		}
		r.BaseSalary = &d
	}
	return r, nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE request_transitions, benefit_requests, requesters RESTART IDENTITY`)
	return err
}

// Helper functions

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func monthText(m *advance.Month) *string {
	if m == nil {
		return nil
	}
	s := m.String()
	return &s
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
