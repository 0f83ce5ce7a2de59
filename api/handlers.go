/*
handlers.go - HTTP API handlers for the allowance engine

PURPOSE:
  Exposes the screen-time and budget services via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the services.

ENDPOINTS:
  Screen time:
    POST   /api/consumption                       Log a session (debit)
    GET    /api/members/{id}/balances/{typeID}    Current balance
    GET    /api/members/{id}/consumption          Session history (?allowance_type_id, from, to)
    GET    /api/allowance-types                   List the caller's family types
    POST   /api/allowance-types                   Create type (guardian)
    POST   /api/allowance-types/{id}/archive      Archive type (guardian)

  Grace:
    POST   /api/grace                             Request grace for the caller
    GET    /api/members/{id}/grace/status         Eligibility + balance summary
    GET    /api/members/{id}/grace/logs           Request history
    GET    /api/members/{id}/grace/settings       Settings (lazily created)
    PUT    /api/members/{id}/grace/settings       Replace settings (guardian)
    GET    /api/grace/pending                     Pending requests in the caller's family
    POST   /api/grace/{id}/approve|reject         Resolve (guardian)
    POST   /api/grace/{id}/waive|repaid           Settle repayment (guardian)

  Budgets:
    POST   /api/budgets                           Create (guardian)
    GET    /api/members/{id}/budgets              List
    POST   /api/budgets/{id}/spend                Record spend
    POST   /api/budgets/{id}/evaluate             Evaluate a prospective spend
    POST   /api/budgets/{id}/activate|deactivate  Toggle warnings (guardian)

ERROR HANDLING:
  Engine errors map to HTTP status in statusFor:
  - 400: INVALID_INPUT
  - 403: FORBIDDEN
  - 404: NOT_FOUND
  - 409: ALREADY_PROCESSED, CONFLICT
  - 422: INVALID_STATE
  - 429: QUOTA_EXCEEDED (with window)
  - 500: everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - auth.go: bearer token -> Actor
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/allowance-engine/budget"
	"github.com/warp/allowance-engine/family"
	"github.com/warp/allowance-engine/generic"
	"github.com/warp/allowance-engine/screentime"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Screentime *screentime.Service
	Budgets    *budget.Service
	Directory  family.Directory
	Logger     *slog.Logger
}

func NewHandler(st *screentime.Service, budgets *budget.Service, dir family.Directory, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Screentime: st,
		Budgets:    budgets,
		Directory:  dir,
		Logger:     logger.With("component", "api"),
	}
}

// =============================================================================
// CONSUMPTION & BALANCES
// =============================================================================

// LogConsumption debits a session. Guardians may log for a child.
// POST /api/consumption
func (h *Handler) LogConsumption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := mustActor(r)

	var req LogConsumptionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MemberID == "" {
		req.MemberID = actor.MemberID
	}
	if err := family.RequireSelfOrGuardian(ctx, h.Directory, actor.MemberID, req.MemberID); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Screentime.LogConsumption(ctx, screentime.LogConsumptionInput{
		MemberID:        req.MemberID,
		AllowanceTypeID: req.AllowanceTypeID,
		Minutes:         req.Minutes,
		Device:          req.Device,
		Metadata:        req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, ConsumptionResultDTO{
		EventID:           res.EventID,
		Balance:           toBalanceDTO(res.Balance),
		LowBalanceWarning: res.LowBalance,
	})
}

// GetBalance returns the balance as of now.
// GET /api/members/{id}/balances/{typeID}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.memberParam(w, r)
	if !ok {
		return
	}
	bal, err := h.Screentime.Balance(r.Context(), memberID, chi.URLParam(r, "typeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// GetConsumption lists sessions. from/to default to the last 7 days.
// GET /api/members/{id}/consumption?allowance_type_id=&from=&to=
func (h *Handler) GetConsumption(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.memberParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -7)
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			h.fail(w, r, fmt.Errorf("%w: from: %v", generic.ErrInvalidInput, err))
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			h.fail(w, r, fmt.Errorf("%w: to: %v", generic.ErrInvalidInput, err))
			return
		}
	}

	events, err := h.Screentime.Consumption(r.Context(), memberID, q.Get("allowance_type_id"), from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsumptionEventDTOs(events))
}

// =============================================================================
// ALLOWANCE TYPES
// =============================================================================

// GET /api/allowance-types
func (h *Handler) ListAllowanceTypes(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	types, err := h.Screentime.ListAllowanceTypes(r.Context(), actor.FamilyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]AllowanceTypeDTO, 0, len(types))
	for _, t := range types {
		dtos = append(dtos, toAllowanceTypeDTO(t))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// POST /api/allowance-types
func (h *Handler) CreateAllowanceType(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req CreateAllowanceTypeRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.Screentime.CreateAllowanceType(r.Context(), actor.MemberID, screentime.AllowanceType{
		FamilyID:     actor.FamilyID,
		Name:         req.Name,
		DailyMinutes: req.DailyMinutes,
		ResetPeriod:  generic.PeriodType(req.ResetPeriod),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllowanceTypeDTO(a))
}

// POST /api/allowance-types/{id}/archive
func (h *Handler) ArchiveAllowanceType(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	a, err := h.Screentime.ArchiveAllowanceType(r.Context(), actor.MemberID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllowanceTypeDTO(a))
}

// =============================================================================
// GRACE
// =============================================================================

// RequestGrace borrows minutes for the caller.
// POST /api/grace
func (h *Handler) RequestGrace(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req GraceRequestDTO
	if !decode(w, r, &req) {
		return
	}

	out, err := h.Screentime.RequestGrace(r.Context(), screentime.GraceRequest{
		MemberID:        actor.MemberID,
		AllowanceTypeID: req.AllowanceTypeID,
		Reason:          req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if out.RequiresApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, GraceOutcomeDTO{
		Granted:          out.Granted,
		RequiresApproval: out.RequiresApproval,
		LogID:            out.LogID,
		Minutes:          out.Minutes,
		Resolution:       string(out.Resolution),
	})
}

// GET /api/members/{id}/grace/status?allowance_type_id=
func (h *Handler) GetGraceStatus(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.memberParam(w, r)
	if !ok {
		return
	}
	st, err := h.Screentime.GetGraceStatus(r.Context(), memberID, r.URL.Query().Get("allowance_type_id"), time.Time{})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GraceStatusDTO{
		CanRequestGrace:         st.CanRequestGrace,
		CurrentBalance:          st.CurrentBalance,
		BorrowedMinutes:         st.BorrowedMinutes,
		LowBalanceWarning:       st.LowBalanceWarning,
		RemainingDailyRequests:  st.RemainingDailyRequests,
		RemainingWeeklyRequests: st.RemainingWeeklyRequests,
		NextResetTime:           st.NextResetTime,
		Settings:                toGraceSettingsDTO(st.Settings),
	})
}

// GET /api/members/{id}/grace/logs
func (h *Handler) ListGraceLogs(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.memberParam(w, r)
	if !ok {
		return
	}
	logs, err := h.Screentime.ListGraceLogs(r.Context(), screentime.GraceLogFilter{
		MemberID:   memberID,
		Resolution: screentime.Resolution(r.URL.Query().Get("resolution")),
		Limit:      100,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGraceLogDTOs(logs))
}

// GET /api/grace/pending
func (h *Handler) ListPendingGrace(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if actor.Role != family.RoleGuardian {
		h.fail(w, r, fmt.Errorf("%w: only guardians review requests", generic.ErrForbidden))
		return
	}
	logs, err := h.Screentime.ListPendingGrace(r.Context(), actor.FamilyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGraceLogDTOs(logs))
}

// ResolveGrace returns a handler for one decision.
// POST /api/grace/{id}/approve, POST /api/grace/{id}/reject
func (h *Handler) ResolveGrace(decision screentime.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := mustActor(r)
		g, err := h.Screentime.ResolveGrace(r.Context(), chi.URLParam(r, "id"), actor.MemberID, decision)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toGraceLogDTO(g))
	}
}

// POST /api/grace/{id}/waive
func (h *Handler) WaiveGrace(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	g, err := h.Screentime.Waive(r.Context(), chi.URLParam(r, "id"), actor.MemberID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGraceLogDTO(g))
}

// POST /api/grace/{id}/repaid
func (h *Handler) MarkGraceRepaid(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	g, err := h.Screentime.MarkRepaid(r.Context(), chi.URLParam(r, "id"), actor.MemberID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGraceLogDTO(g))
}

// GET /api/members/{id}/grace/settings
func (h *Handler) GetGraceSettings(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.memberParam(w, r)
	if !ok {
		return
	}
	s, err := h.Screentime.GetSettings(r.Context(), memberID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGraceSettingsDTO(s))
}

// PUT /api/members/{id}/grace/settings
func (h *Handler) UpdateGraceSettings(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req GraceSettingsDTO
	if !decode(w, r, &req) {
		return
	}
	s, err := h.Screentime.UpdateSettings(r.Context(), actor.MemberID, req.toSettings(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGraceSettingsDTO(s))
}

// =============================================================================
// BUDGETS
// =============================================================================

// POST /api/budgets
func (h *Handler) CreateBudget(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req CreateBudgetRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.Budgets.Create(r.Context(), actor.MemberID, budget.Budget{
		MemberID:   req.MemberID,
		Category:   req.Category,
		PeriodType: generic.PeriodType(req.PeriodType),
		Limit:      req.Limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBudgetDTO(b))
}

// GET /api/members/{id}/budgets
func (h *Handler) ListBudgets(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.memberParam(w, r)
	if !ok {
		return
	}
	budgets, err := h.Budgets.List(r.Context(), memberID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]BudgetDTO, 0, len(budgets))
	for _, b := range budgets {
		dtos = append(dtos, toBudgetDTO(b))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// POST /api/budgets/{id}/spend
func (h *Handler) RecordSpend(w http.ResponseWriter, r *http.Request) {
	b, ok := h.budgetParam(w, r)
	if !ok {
		return
	}
	var req SpendRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Budgets.RecordSpend(r.Context(), b.ID, req.Amount, time.Time{})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetPeriodDTO(p))
}

// POST /api/budgets/{id}/evaluate
func (h *Handler) EvaluateBudget(w http.ResponseWriter, r *http.Request) {
	b, ok := h.budgetParam(w, r)
	if !ok {
		return
	}
	var req EvaluateBudgetRequest
	if !decode(w, r, &req) {
		return
	}
	ev, err := h.Budgets.Evaluate(r.Context(), b.ID, req.Amount, time.Time{})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BudgetEvaluationDTO{
		Status:         string(ev.Status),
		ProjectedSpent: ev.ProjectedSpent,
		Remaining:      ev.Remaining,
		PercentageUsed: ev.PercentageUsed,
		ShouldWarn:     ev.ShouldWarn,
		Period:         toBudgetPeriodDTO(ev.Period),
	})
}

// SetBudgetActive returns the activate/deactivate handler.
func (h *Handler) SetBudgetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := mustActor(r)
		b, err := h.Budgets.SetActive(r.Context(), actor.MemberID, chi.URLParam(r, "id"), active)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toBudgetDTO(b))
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// memberParam reads {id} and checks the caller may see that member.
func (h *Handler) memberParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	memberID := chi.URLParam(r, "id")
	actor := mustActor(r)
	if err := family.RequireSelfOrGuardian(r.Context(), h.Directory, actor.MemberID, memberID); err != nil {
		h.fail(w, r, err)
		return "", false
	}
	return memberID, true
}

// budgetParam loads {id} and checks the caller may see its member.
func (h *Handler) budgetParam(w http.ResponseWriter, r *http.Request) (budget.Budget, bool) {
	b, err := h.Budgets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return budget.Budget{}, false
	}
	actor := mustActor(r)
	if err := family.RequireSelfOrGuardian(r.Context(), h.Directory, actor.MemberID, b.MemberID); err != nil {
		h.fail(w, r, err)
		return budget.Budget{}, false
	}
	return b, true
}

// mustActor is only used behind Authenticator.Middleware.
func mustActor(r *http.Request) Actor {
	a, _ := ActorFromContext(r.Context())
	return a
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body", err)
		return false
	}
	return true
}

// statusFor maps engine errors to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, generic.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "QUOTA_EXCEEDED"
	case errors.Is(err, generic.ErrAlreadyProcessed):
		return http.StatusConflict, "ALREADY_PROCESSED"
	case errors.Is(err, generic.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, generic.ErrInvalidState):
		return http.StatusUnprocessableEntity, "INVALID_STATE"
	case errors.Is(err, generic.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, generic.ErrInvalidInput), errors.Is(err, generic.ErrInvalidPeriod):
		return http.StatusBadRequest, "INVALID_INPUT"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, code, "internal error", nil)
		return
	}

	resp := ErrorResponse{Error: err.Error(), Code: code}
	var quota *generic.QuotaExceededError
	if errors.As(err, &quota) {
		resp.Window = string(quota.Window)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
