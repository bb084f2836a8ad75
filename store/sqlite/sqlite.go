/*
Package sqlite provides a SQLite-backed implementation of the advance storage
interfaces.

PURPOSE:
  Persists requesters, benefit requests and their transition history. The
  same schema runs on PostgreSQL (see store/postgres) with only dialect
  differences.

INTERFACES IMPLEMENTED:
  advance.RequestStore:       Requests and transition history
  advance.SalarySource:       Base salaries from the requesters table
  advance.RequesterDirectory: Requester records

KEY TABLES:
  requesters:          Directory entries with an optional base salary
  benefit_requests:    One row per request, status updated in place
  request_transitions: Append-only audit trail, one row per status change

ONE ACTIVE REQUEST:
  idx_one_active_request is a partial unique index on requester_id over rows
  in pending/approved. Two concurrent submissions for the same requester
  cannot both insert; the loser gets ErrActiveRequestExists.

COMPARE-AND-SET:
  UpdateStatus updates WHERE status = <previous status> and inserts the
  transition row in the same database transaction.

TIMESTAMPS:
  Stored as fixed-width UTC text so that string comparison orders them.
  Amounts are stored as decimal text, never REAL.

USAGE:
  store, err := sqlite.New("./data/advance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc, err := advance.New(catalog, store, store, store)

SEE ALSO:
  - advance/store.go: Interface definitions
  - advance/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/salary-advance/advance"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the advance storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requesters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		base_salary TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS benefit_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		requester_id TEXT NOT NULL REFERENCES requesters(id),
		requester_name TEXT NOT NULL,
		policy_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		installment_count INTEGER NOT NULL,
		note TEXT,
		status TEXT NOT NULL,
		decision_note TEXT,
		decided_at TEXT,
		start_month TEXT,
		manual_review INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- At most one pending/approved request per requester
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_request
		ON benefit_requests(requester_id)
		WHERE status IN ('pending', 'approved');

	-- Usage window lookups (hot path for eligibility)
	CREATE INDEX IF NOT EXISTS idx_requests_requester_created
		ON benefit_requests(requester_id, created_at);

	-- Manager dashboard month filter
	CREATE INDEX IF NOT EXISTS idx_requests_created
		ON benefit_requests(created_at DESC);

	CREATE TABLE IF NOT EXISTS request_transitions (
		id TEXT PRIMARY KEY,
		request_id INTEGER NOT NULL REFERENCES benefit_requests(id),
		from_status TEXT,
		to_status TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		note TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_request
		ON request_transitions(request_id, at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// REQUEST STORE (advance.RequestStore interface)
// =============================================================================

const requestColumns = `
	id, requester_id, requester_name, policy_type, amount, installment_count, note,
	status, decision_note, decided_at, start_month, manual_review, created_at`

func (s *Store) ListRequestsForRequester(ctx context.Context, id advance.RequesterID, year int, loc *time.Location) ([]advance.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to := advance.YearWindow(year, loc)
	query := `SELECT ` + requestColumns + `
		FROM benefit_requests
		WHERE requester_id = ?
		  AND (status IN ('pending', 'approved') OR (created_at >= ? AND created_at < ?))
		ORDER BY created_at ASC, id ASC`

	return s.queryRequests(ctx, query, id, formatTime(from), formatTime(to))
}

func (s *Store) ListRequests(ctx context.Context, f advance.StoreFilter) ([]advance.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if f.RequesterID != "" {
		where = append(where, "requester_id = ?")
		args = append(args, f.RequesterID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(*f.To))
	}

	query := `SELECT ` + requestColumns + ` FROM benefit_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	return s.queryRequests(ctx, query, args...)
}

func (s *Store) Get(ctx context.Context, id advance.RequestID) (advance.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getRequest(ctx, s.db, id)
}

// Save inserts a new request and its creation record.
func (s *Store) Save(ctx context.Context, r advance.Request, created advance.TransitionRecord) (advance.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return advance.Request{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO benefit_requests (requester_id, requester_name, policy_type, amount,
			installment_count, note, status, decision_note, decided_at, start_month,
			manual_review, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := tx.ExecContext(ctx, query,
		r.RequesterID, r.RequesterName, r.PolicyType, r.Amount.String(),
		r.InstallmentCount, r.Note, r.Status, r.DecisionNote,
		nullTime(r.DecidedAt), nullMonth(r.StartMonth), r.ManualReview,
		formatTime(r.CreatedAt), formatTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return advance.Request{}, fmt.Errorf("requester %s: %w", r.RequesterID, advance.ErrActiveRequestExists)
		}
		return advance.Request{}, fmt.Errorf("failed to insert request: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return advance.Request{}, fmt.Errorf("failed to read request id: %w", err)
	}
	r.ID = advance.RequestID(id)
	created.RequestID = r.ID

	if err := insertTransition(ctx, tx, created); err != nil {
		return advance.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return advance.Request{}, fmt.Errorf("failed to commit request: %w", err)
	}
	return r, nil
}

// UpdateStatus applies a transition with compare-and-set on the previous status.
func (s *Store) UpdateStatus(ctx context.Context, r advance.Request, rec advance.TransitionRecord) (advance.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return advance.Request{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE benefit_requests
		SET status = ?, decision_note = ?, decided_at = ?, start_month = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := tx.ExecContext(ctx, query,
		r.Status, r.DecisionNote, nullTime(r.DecidedAt), nullMonth(r.StartMonth),
		formatTime(rec.At), r.ID, rec.From,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return advance.Request{}, fmt.Errorf("requester %s: %w", r.RequesterID, advance.ErrActiveRequestExists)
		}
		return advance.Request{}, fmt.Errorf("failed to update request: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return advance.Request{}, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		current, err := s.getRequest(ctx, tx, r.ID)
		if err != nil {
			return advance.Request{}, err
		}
		return advance.Request{}, fmt.Errorf("request %d is %s, expected %s: %w",
			r.ID, current.Status, rec.From, advance.ErrConcurrentModification)
	}

	if err := insertTransition(ctx, tx, rec); err != nil {
		return advance.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return advance.Request{}, fmt.Errorf("failed to commit transition: %w", err)
	}
	return r, nil
}

func (s *Store) ListTransitions(ctx context.Context, id advance.RequestID) ([]advance.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getRequest(ctx, s.db, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, from_status, to_status, actor_id, actor_role, note, at
		FROM request_transitions
		WHERE request_id = ?
		ORDER BY at ASC, rowid ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []advance.TransitionRecord
	for rows.Next() {
		var rec advance.TransitionRecord
		var from, note sql.NullString
		var at string
		if err := rows.Scan(&rec.ID, &rec.RequestID, &from, &rec.To, &rec.ActorID, &rec.ActorRole, &note, &at); err != nil {
			return nil, err
		}
		rec.From = advance.Status(from.String)
		rec.Note = note.String
		rec.At = parseTime(at)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getRequest(ctx context.Context, q querier, id advance.RequestID) (advance.Request, error) {
	row := q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM benefit_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return advance.Request{}, fmt.Errorf("request %d: %w", id, advance.ErrRequestNotFound)
	}
	return r, err
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]advance.Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []advance.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (advance.Request, error) {
	var r advance.Request
	var amount, createdAt string
	var note, decisionNote, decidedAt, startMonth sql.NullString
	if err := row.Scan(
		&r.ID, &r.RequesterID, &r.RequesterName, &r.PolicyType, &amount, &r.InstallmentCount,
		&note, &r.Status, &decisionNote, &decidedAt, &startMonth, &r.ManualReview, &createdAt,
	); err != nil {
		return advance.Request{}, err
	}

	var err error
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return advance.Request{}, fmt.Errorf("request %d: invalid amount %q: %w", r.ID, amount, err)
	}
	r.Note = note.String
	r.DecisionNote = decisionNote.String
	r.CreatedAt = parseTime(createdAt)
	if decidedAt.Valid {
		t := parseTime(decidedAt.String)
		r.DecidedAt = &t
	}
	if startMonth.Valid {
		m, err := advance.ParseMonth(startMonth.String)
		if err != nil {
			return advance.Request{}, fmt.Errorf("request %d: %w", r.ID, err)
		}
		r.StartMonth = &m
	}
	return r, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, rec advance.TransitionRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO request_transitions (id, request_id, from_status, to_status, actor_id, actor_role, note, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, nullString(string(rec.From)), rec.To,
		rec.ActorID, rec.ActorRole, nullString(rec.Note), formatTime(rec.At),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// =============================================================================
// REQUESTER DIRECTORY (advance.RequesterDirectory, advance.SalarySource)
// =============================================================================

// SaveRequester inserts or updates a requester.
func (s *Store) SaveRequester(ctx context.Context, r advance.Requester) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO requesters (id, name, email, base_salary, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			base_salary = excluded.base_salary
	`
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Name, nullString(r.Email), nullDecimal(r.BaseSalary), formatTime(createdAt),
	)
	return err
}

// GetRequester retrieves a requester by ID.
func (s *Store) GetRequester(ctx context.Context, id advance.RequesterID) (advance.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, base_salary, created_at FROM requesters WHERE id = ?", id)
	r, err := scanRequester(row)
	if errors.Is(err, sql.ErrNoRows) {
		return advance.Requester{}, fmt.Errorf("requester %s: %w", id, advance.ErrRequesterNotFound)
	}
	return r, err
}

// ListRequesters returns all requesters ordered by id.
func (s *Store) ListRequesters(ctx context.Context) ([]advance.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, email, base_salary, created_at FROM requesters ORDER BY id")
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

// BaseSalaryFor returns nil when the salary is not on file.
func (s *Store) BaseSalaryFor(ctx context.Context, id advance.RequesterID) (*decimal.Decimal, error) {
	r, err := s.GetRequester(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.BaseSalary, nil
}

func scanRequester(row scanner) (advance.Requester, error) {
	var r advance.Requester
	var email, salary sql.NullString
	var createdAt string
	if err := row.Scan(&r.ID, &r.Name, &email, &salary, &createdAt); err != nil {
		return advance.Requester{}, err
	}
	r.Email = email.String
	r.CreatedAt = parseTime(createdAt)
	if salary.Valid {
		d, err := decimal.NewFromString(salary.String)
		if err != nil {
			return advance.Requester{}, fmt.Errorf("requester %s: invalid salary %q: %w", r.ID, salary.String, err)
		}
		r.BaseSalary = &d
	}
	return r, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"request_transitions", "benefit_requests", "requesters"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM sqlite_sequence WHERE name = 'benefit_requests'")
	return err
}

// Helper functions

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullMonth(m *advance.Month) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: m.String(), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
