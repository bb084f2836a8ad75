/*
handlers.go - HTTP API handlers for the salary advance engine

PURPOSE:
  Exposes advance.Service over REST. Handles HTTP request/response and JSON
  serialization; every decision is delegated to the service.

ENDPOINTS:
  Catalog:
    GET    /api/policies                        Policy catalog

  Requesters:
    GET    /api/requesters                      Directory (own entry for requesters)
    POST   /api/requesters                      Create or update (admin)
    GET    /api/requesters/{id}                 One entry
    GET    /api/requesters/{id}/eligibility     Eligibility summary (?year=)
    POST   /api/requesters/{id}/requests        Submit a request

  Requests:
    GET    /api/requests                        Report (?status=&requester_id=&month=&q=)
    GET    /api/requests/{id}                   One request
    GET    /api/requests/{id}/history           Transition records
    POST   /api/requests/{id}/approve           Manager decision
    POST   /api/requests/{id}/reject            Manager decision, note required
    POST   /api/requests/{id}/cancel            Owner or admin
    POST   /api/requests/{id}/close             Admin

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input, unknown policy, missing decision note
  - 401: Missing or invalid credentials (identity.go)
  - 403: The actor's role does not permit the operation
  - 404: Request or requester not found
  - 409: Illegal transition or concurrent modification
  - 422: Submission rejected (body carries the reason code)
  - 503: Store unavailable, safe to retry

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/warp/salary-advance/advance"
	"github.com/warp/salary-advance/factory"
	"github.com/warp/salary-advance/metrics"
)

var errInvalidRequestID = errors.New("request id must be a positive integer")

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the storage the handlers reach past the service: directory
// writes, scenario seeding and reset.
type Backend interface {
	advance.RequestStore
	advance.RequesterDirectory
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service  *advance.Service
	Backend  Backend
	Identity *Identity
	Metrics  *metrics.Metrics // nil disables /metrics

	logger *zap.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. A nil logger discards logs.
func NewHandler(svc *advance.Service, backend Backend, identity *Identity, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Service:  svc,
		Backend:  backend,
		Identity: identity,
		Metrics:  m,
		logger:   logger,
	}
}

func (h *Handler) precision() int32 { return h.Service.Catalog().Precision() }

// =============================================================================
// CATALOG
// =============================================================================

// ListPolicies returns the policy catalog in its JSON configuration form.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, factory.ToJSON(h.Service.Catalog()))
}

// =============================================================================
// REQUESTER HANDLERS
// =============================================================================

// ListRequesters returns the directory. Requesters only see themselves.
func (h *Handler) ListRequesters(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)

	requesters, err := h.Backend.ListRequesters(r.Context())
	if err != nil {
		h.writeServiceError(w, backendErr("list requesters", err))
		return
	}

	dtos := make([]RequesterDTO, 0, len(requesters))
	for _, req := range requesters {
		if !actor.CanSeeAll() && req.ID != actor.ID {
			continue
		}
		dtos = append(dtos, toRequesterDTO(req, h.precision()))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRequester returns a single directory entry.
func (h *Handler) GetRequester(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	id := advance.RequesterID(chi.URLParam(r, "id"))
	if !actor.CanSeeAll() && actor.ID != id {
		writeError(w, http.StatusForbidden, "Not allowed to read this requester", nil)
		return
	}

	req, err := h.Backend.GetRequester(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, backendErr("get requester", err))
		return
	}
	writeJSON(w, http.StatusOK, toRequesterDTO(req, h.precision()))
}

// CreateRequester creates or replaces a directory entry. Admin only.
func (h *Handler) CreateRequester(w http.ResponseWriter, r *http.Request) {
	if actor := actorOf(r); actor.Role != advance.RoleAdmin {
		writeError(w, http.StatusForbidden, "Only admins may manage requesters", nil)
		return
	}

	var req CreateRequesterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}
	if req.BaseSalary != nil && req.BaseSalary.IsNegative() {
		writeError(w, http.StatusBadRequest, "base_salary must not be negative", nil)
		return
	}

	requester := advance.Requester{
		ID:         advance.RequesterID(req.ID),
		Name:       req.Name,
		Email:      req.Email,
		BaseSalary: req.BaseSalary,
		CreatedAt:  h.Service.Now(),
	}
	if err := h.Backend.SaveRequester(r.Context(), requester); err != nil {
		h.writeServiceError(w, backendErr("save requester", err))
		return
	}
	writeJSON(w, http.StatusCreated, toRequesterDTO(requester, h.precision()))
}

// =============================================================================
// ELIGIBILITY AND SUBMISSION
// =============================================================================

// GetEligibility returns what the requester may ask for.
// GET /api/requesters/{id}/eligibility?year=2025
func (h *Handler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	year := 0
	if v := r.URL.Query().Get("year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil || y < 1 {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		year = y
	}

	id := advance.RequesterID(chi.URLParam(r, "id"))
	summary, err := h.Service.Eligibility(r.Context(), actorOf(r), id, year)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEligibilityDTO(summary, h.precision()))
}

// SubmitRequest submits a new advance request.
// POST /api/requesters/{id}/requests
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sub := advance.Submission{
		RequesterID:      advance.RequesterID(chi.URLParam(r, "id")),
		PolicyType:       advance.PolicyType(body.PolicyType),
		Amount:           body.Amount,
		InstallmentCount: body.InstallmentCount,
		Note:             strings.TrimSpace(body.Note),
	}

	req, rejection, err := h.Service.Submit(r.Context(), actorOf(r), sub)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if rejection != nil {
		writeJSON(w, http.StatusUnprocessableEntity, toRejectionDTO(rejection))
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(*req, h.precision()))
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// ListRequests returns the filtered, newest-first report with KPIs.
// GET /api/requests?status=pending&requester_id=alice&month=2025-03&q=alice
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := advance.Filter{
		RequesterID: advance.RequesterID(q.Get("requester_id")),
		Text:        q.Get("q"),
	}
	if v := q.Get("status"); v != "" {
		f.Status = advance.Status(v)
		if !f.Status.Valid() {
			writeError(w, http.StatusBadRequest, "Unknown status", nil)
			return
		}
	}
	if v := q.Get("month"); v != "" {
		m, err := advance.ParseMonth(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid month format (use YYYY-MM)", err)
			return
		}
		f.Month = &m
	}

	report, err := h.Service.Report(r.Context(), actorOf(r), f)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report, h.precision()))
}

// GetRequest returns a single request.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request id", err)
		return
	}

	req, err := h.Service.Get(r.Context(), actorOf(r), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req, h.precision()))
}

// GetHistory returns the transition records of a request, oldest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request id", err)
		return
	}

	recs, err := h.Service.History(r.Context(), actorOf(r), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	dtos := make([]TransitionDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toTransitionDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApproveRequest approves a pending request.
// POST /api/requests/{id}/approve {"note": "...", "start_month": "2025-04"}
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, advance.ActionApprove)
}

// RejectRequest rejects a pending request. A note is required.
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, advance.ActionReject)
}

// CancelRequest withdraws a pending or approved request.
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, advance.ActionCancel)
}

// CloseRequest settles an approved request.
func (h *Handler) CloseRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, advance.ActionClose)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, action advance.Action) {
	id, err := parseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request id", err)
		return
	}

	var body DecisionRequest
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cmd := advance.Command{Action: action, Actor: actorOf(r), Note: body.Note}
	if body.StartMonth != "" {
		if action != advance.ActionApprove {
			writeError(w, http.StatusBadRequest, "start_month is only accepted on approve", nil)
			return
		}
		m, err := advance.ParseMonth(body.StartMonth)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start_month format (use YYYY-MM)", err)
			return
		}
		cmd.StartMonth = &m
	}

	req, err := h.Service.Transition(r.Context(), id, cmd)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req, h.precision()))
}

// ResetDatabase clears all data. Admin only.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if actor := actorOf(r); actor.Role != advance.RoleAdmin {
		writeError(w, http.StatusForbidden, "Only admins may reset the database", nil)
		return
	}
	if err := h.Backend.Reset(r.Context()); err != nil {
		h.writeServiceError(w, backendErr("reset", err))
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps engine errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var ite *advance.IllegalTransitionError
	switch {
	case errors.Is(err, advance.ErrForbidden):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "Forbidden", Code: "forbidden", Details: err.Error()})
	case advance.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found", Code: "not_found", Details: err.Error()})
	case errors.As(err, &ite):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Illegal transition",
			Code:    "illegal_transition",
			Details: map[string]string{"from": string(ite.From), "to": string(ite.To)},
		})
	case advance.IsConflict(err), errors.Is(err, advance.ErrActiveRequestExists):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Conflict", Code: "conflict", Details: err.Error()})
	case errors.Is(err, advance.ErrUnknownPolicy):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Unknown policy", Code: "unknown_policy", Details: err.Error()})
	case errors.Is(err, advance.ErrDecisionNoteRequired):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Decision note required", Code: "decision_note_required"})
	case advance.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Details: err.Error()})
	case advance.IsRetryable(err):
		h.logger.Warn("store unavailable", zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "Service unavailable, retry later", Code: "store_unavailable"})
	default:
		h.logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

// backendErr classifies an error from a direct Backend call the same way the
// service classifies store errors.
func backendErr(op string, err error) error {
	if advance.IsNotFound(err) || advance.IsConflict(err) || errors.Is(err, advance.ErrActiveRequestExists) {
		return err
	}
	return &advance.StoreUnavailableError{Op: op, Err: err}
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// actorOf returns the actor stored by Identity.Middleware. Routes behind it
// always have one.
func actorOf(r *http.Request) advance.Actor {
	actor, _ := ActorFrom(r.Context())
	return actor
}
