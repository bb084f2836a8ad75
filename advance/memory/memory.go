// Package memory provides an in-memory implementation of the advance store
// interfaces, for tests and local development.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/salary-advance/advance"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store implements advance.RequestStore, advance.SalarySource and
// advance.RequesterDirectory behind a single mutex, so the active-request
// check and the insert happen atomically.
type Store struct {
	mu          sync.RWMutex
	nextID      advance.RequestID
	requests    map[advance.RequestID]advance.Request
	order       []advance.RequestID
	transitions map[advance.RequestID][]advance.TransitionRecord
	requesters  map[advance.RequesterID]advance.Requester
	failWith    error
}

func New() *Store {
	return &Store{
		nextID:      1,
		requests:    make(map[advance.RequestID]advance.Request),
		transitions: make(map[advance.RequestID][]advance.TransitionRecord),
		requesters:  make(map[advance.RequesterID]advance.Requester),
	}
}

// FailWith makes every subsequent call return err; nil restores normal
// operation. Used to simulate an unavailable backend.
func (m *Store) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Reset drops all data.
func (m *Store) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID = 1
	m.requests = make(map[advance.RequestID]advance.Request)
	m.order = nil
	m.transitions = make(map[advance.RequestID][]advance.TransitionRecord)
	m.requesters = make(map[advance.RequesterID]advance.Requester)
	return nil
}

// =============================================================================
// REQUESTS
// =============================================================================

func (m *Store) ListRequestsForRequester(_ context.Context, id advance.RequesterID, year int, loc *time.Location) ([]advance.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	var out []advance.Request
	for _, rid := range m.order {
		r := m.requests[rid]
		if r.RequesterID != id {
			continue
		}
		if r.Status.IsActive() || advance.InYear(r.CreatedAt, year, loc) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Store) ListRequests(_ context.Context, f advance.StoreFilter) ([]advance.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	out := make([]advance.Request, 0, len(m.order))
	for _, rid := range m.order {
		r := m.requests[rid]
		if f.RequesterID != "" && r.RequesterID != f.RequesterID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.From != nil && r.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !r.CreatedAt.Before(*f.To) {
			continue
		}
		out = append(out, r)
	}
	advance.SortNewestFirst(out)
	return out, nil
}

func (m *Store) Get(_ context.Context, id advance.RequestID) (advance.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return advance.Request{}, m.failWith
	}

	r, ok := m.requests[id]
	if !ok {
		return advance.Request{}, fmt.Errorf("request %d: %w", id, advance.ErrRequestNotFound)
	}
	return r, nil
}

func (m *Store) Save(_ context.Context, r advance.Request, created advance.TransitionRecord) (advance.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return advance.Request{}, m.failWith
	}

	if r.Status.IsActive() {
		for _, existing := range m.requests {
			if existing.RequesterID == r.RequesterID && existing.Status.IsActive() {
				return advance.Request{}, fmt.Errorf("requester %s: %w", r.RequesterID, advance.ErrActiveRequestExists)
			}
		}
	}

	r.ID = m.nextID
	m.nextID++
	m.requests[r.ID] = r
	m.order = append(m.order, r.ID)

	created.RequestID = r.ID
	m.transitions[r.ID] = append(m.transitions[r.ID], created)
	return r, nil
}

func (m *Store) UpdateStatus(_ context.Context, r advance.Request, rec advance.TransitionRecord) (advance.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return advance.Request{}, m.failWith
	}

	current, ok := m.requests[r.ID]
	if !ok {
		return advance.Request{}, fmt.Errorf("request %d: %w", r.ID, advance.ErrRequestNotFound)
	}
	if current.Status != rec.From {
		return advance.Request{}, fmt.Errorf("request %d is %s, expected %s: %w",
			r.ID, current.Status, rec.From, advance.ErrConcurrentModification)
	}

	m.requests[r.ID] = r
	m.transitions[r.ID] = append(m.transitions[r.ID], rec)
	return r, nil
}

func (m *Store) ListTransitions(_ context.Context, id advance.RequestID) ([]advance.TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	if _, ok := m.requests[id]; !ok {
		return nil, fmt.Errorf("request %d: %w", id, advance.ErrRequestNotFound)
	}
	recs := m.transitions[id]
	out := make([]advance.TransitionRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// =============================================================================
// REQUESTERS
// =============================================================================

func (m *Store) GetRequester(_ context.Context, id advance.RequesterID) (advance.Requester, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return advance.Requester{}, m.failWith
	}

	r, ok := m.requesters[id]
	if !ok {
		return advance.Requester{}, fmt.Errorf("requester %s: %w", id, advance.ErrRequesterNotFound)
	}
	return r, nil
}

func (m *Store) ListRequesters(_ context.Context) ([]advance.Requester, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	out := make([]advance.Requester, 0, len(m.requesters))
	for _, r := range m.requesters {
		out = append(out, r)
	}
	sortRequesters(out)
	return out, nil
}

func (m *Store) SaveRequester(_ context.Context, r advance.Requester) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if r.CreatedAt.IsZero() {
		if existing, ok := m.requesters[r.ID]; ok {
			r.CreatedAt = existing.CreatedAt
		} else {
			r.CreatedAt = time.Now()
		}
	}
	m.requesters[r.ID] = r
	return nil
}

// BaseSalaryFor returns nil for an unknown salary.
func (m *Store) BaseSalaryFor(_ context.Context, id advance.RequesterID) (*decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	r, ok := m.requesters[id]
	if !ok {
		return nil, fmt.Errorf("requester %s: %w", id, advance.ErrRequesterNotFound)
	}
	if r.BaseSalary == nil {
		return nil, nil
	}
	s := *r.BaseSalary
	return &s, nil
}

func sortRequesters(rs []advance.Requester) {
	slices.SortFunc(rs, func(a, b advance.Requester) int { return cmp.Compare(a.ID, b.ID) })
}
