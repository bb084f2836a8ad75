/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with requesters and
	request histories dated within the current calendar year, so eligibility
	and the manager dashboard have something to show.

AVAILABLE SCENARIOS:

	fresh-requester:  Salary 10000, no history; submit 7500 under the annual
	                  policy, reject it, and submit again
	quota-exhausted:  Three closed periodic advances this year; a fourth is
	                  rejected with "quota exhausted"
	active-loan:      One approved annual advance; every policy is blocked
	unknown-salary:   No salary on file; submissions go to manual review
	dashboard:        All of the above plus a pending queue for managers

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create requesters
 3. Save requests and walk them through the state machine as admin, so the
    history records are the ones a real lifecycle would write

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "quota-exhausted"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/warp/salary-advance/advance"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-requester",
		Name:        "Fresh Requester",
		Description: "Salary 10000, no history: the annual policy allows up to 7500",
	},
	{
		ID:          "quota-exhausted",
		Name:        "Quota Exhausted",
		Description: "Three closed periodic advances this year: a fourth is rejected",
	},
	{
		ID:          "active-loan",
		Name:        "Active Loan",
		Description: "An approved annual advance blocks every policy",
	},
	{
		ID:          "unknown-salary",
		Name:        "Unknown Salary",
		Description: "No salary on file: no cap is computed and submissions need manual review",
	},
	{
		ID:          "dashboard",
		Name:        "Manager Dashboard",
		Description: "Every scenario above plus pending requests awaiting a decision",
	},
}

var scenarioLoaders = map[string]func(*seeder) error{
	"fresh-requester": loadFreshRequester,
	"quota-exhausted": loadQuotaExhausted,
	"active-loan":     loadActiveLoan,
	"unknown-salary":  loadUnknownSalary,
	"dashboard":       loadDashboard,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario. Admin only.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if actor := actorOf(r); actor.Role != advance.RoleAdmin {
		writeError(w, http.StatusForbidden, "Only admins may load scenarios", nil)
		return
	}

	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if _, ok := scenarioLoaders[req.ScenarioID]; !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// loadScenario resets the store and seeds scenario id.
func (h *Handler) loadScenario(ctx context.Context, id string) error {
	load, ok := scenarioLoaders[id]
	if !ok {
		return fmt.Errorf("unknown scenario %q", id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.currentScenario = ""

	s := &seeder{
		ctx:     ctx,
		backend: h.Backend,
		loc:     h.Service.Location(),
		now:     h.Service.Now(),
	}
	if err := load(s); err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}
	h.currentScenario = id
	return nil
}

// =============================================================================
// SEEDER
// =============================================================================

var seedAdmin = advance.Actor{ID: "admin", Role: advance.RoleAdmin}

// seeder writes requesters and requests straight to the backend. Requests are
// dated inside the current year, between January 1st and now.
type seeder struct {
	ctx     context.Context
	backend Backend
	loc     *time.Location
	now     time.Time
}

func (s *seeder) requester(id, name string, salary string) error {
	r := advance.Requester{
		ID:        advance.RequesterID(id),
		Name:      name,
		Email:     id + "@example.com",
		CreatedAt: s.now,
	}
	if salary != "" {
		d, err := decimal.NewFromString(salary)
		if err != nil {
			return err
		}
		r.BaseSalary = &d
	}
	return s.backend.SaveRequester(s.ctx, r)
}

// at returns a point in the current year: fraction 0 is January 1st, 1 is now.
func (s *seeder) at(fraction float64) time.Time {
	start, _ := advance.YearWindow(s.now.In(s.loc).Year(), s.loc)
	elapsed := s.now.Sub(start)
	return start.Add(time.Duration(float64(elapsed) * fraction))
}

// request saves a pending request created at the given point of the year,
// then applies actions to it one after another.
func (s *seeder) request(owner, name string, policy advance.PolicyType, amount string, installments int, fraction float64, actions ...advance.Action) (advance.Request, error) {
	created := s.at(fraction)
	req := advance.Request{
		RequesterID:      advance.RequesterID(owner),
		RequesterName:    name,
		PolicyType:       policy,
		Amount:           decimal.RequireFromString(amount),
		InstallmentCount: installments,
		Status:           advance.StatusPending,
		CreatedAt:        created,
	}
	ownerActor := advance.Actor{ID: req.RequesterID, Role: advance.RoleRequester}

	saved, err := s.backend.Save(s.ctx, req, advance.CreationRecord(req, ownerActor))
	if err != nil {
		return advance.Request{}, err
	}

	at := created
	for _, action := range actions {
		at = at.Add(24 * time.Hour)
		if at.After(s.now) {
			at = s.now
		}
		cmd := advance.Command{Action: action, Actor: seedAdmin}
		if action == advance.ActionReject {
			cmd.Note = "missing documents"
		}
		if action == advance.ActionApprove {
			m := advance.MonthOf(at, s.loc).Next()
			cmd.StartMonth = &m
		}

		next, rec, err := advance.Apply(saved, cmd, at)
		if err != nil {
			return advance.Request{}, err
		}
		if saved, err = s.backend.UpdateStatus(s.ctx, next, rec); err != nil {
			return advance.Request{}, err
		}
	}
	return saved, nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadFreshRequester(s *seeder) error {
	return s.requester("alice", "Alice Martin", "10000")
}

func loadQuotaExhausted(s *seeder) error {
	if err := s.requester("carol", "Carol Nguyen", "8000"); err != nil {
		return err
	}
	for i, amount := range []string{"1200", "900", "2400"} {
		_, err := s.request("carol", "Carol Nguyen", advance.PolicyPeriodicThrice, amount, 2,
			float64(i+1)/5, advance.ActionApprove, advance.ActionClose)
		if err != nil {
			return err
		}
	}
	return nil
}

func loadActiveLoan(s *seeder) error {
	if err := s.requester("dave", "Dave Okafor", "5000"); err != nil {
		return err
	}
	_, err := s.request("dave", "Dave Okafor", advance.PolicyAnnualOnce, "3000", 3, 0.5, advance.ActionApprove)
	return err
}

func loadUnknownSalary(s *seeder) error {
	return s.requester("erin", "Erin Kowalski", "")
}

func loadDashboard(s *seeder) error {
	for _, load := range []func(*seeder) error{loadFreshRequester, loadQuotaExhausted, loadActiveLoan, loadUnknownSalary} {
		if err := load(s); err != nil {
			return err
		}
	}

	if err := s.requester("frank", "Frank Dubois", "6200"); err != nil {
		return err
	}
	if _, err := s.request("frank", "Frank Dubois", advance.PolicyPeriodicThrice, "1500", 1, 0.3, advance.ActionReject); err != nil {
		return err
	}
	if _, err := s.request("frank", "Frank Dubois", advance.PolicyPeriodicThrice, "1800", 2, 0.9); err != nil {
		return err
	}

	if err := s.requester("grace", "Grace Lindqvist", "9400"); err != nil {
		return err
	}
	if _, err := s.request("grace", "Grace Lindqvist", advance.PolicyAnnualOnce, "4000", 2, 0.2, advance.ActionCancel); err != nil {
		return err
	}
	_, err := s.request("grace", "Grace Lindqvist", advance.PolicyAnnualOnce, "5000", 3, 0.95)
	return err
}
