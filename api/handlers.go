/*
handlers.go - HTTP API handlers for the replacement-leave engine

PURPOSE:
  Exposes engine.Engine via REST. Handles HTTP request/response and JSON
  serialization, and delegates every decision to the engine.

ENDPOINTS:
  Registry:
    GET    /api/leave-types                      List leave types
    POST   /api/leave-types                      Create leave type (admin)
    PUT    /api/leave-types/{code}               Update leave type (admin)
    POST   /api/leave-types/{code}/deactivate    Deactivate leave type (admin)
    GET    /api/rules                            List TOIL rules
    POST   /api/rules                            Create rule (admin)
    PUT    /api/rules/{code}                     Update rule (admin)
    POST   /api/rules/{code}/deactivate          Deactivate rule (admin)

  Training:
    POST   /api/courses                          Create course
    POST   /api/events                           Create event
    GET    /api/events/{id}                      Get event
    GET    /api/events/{id}/allocations          List allocations
    POST   /api/events/{id}/allocations          Allocate workers
    POST   /api/allocations/{id}/attendance      Mark attendance
    POST   /api/allocations/{id}/completion      Confirm completion (may credit RL)

  Leave:
    POST   /api/leave-requests                   Apply
    GET    /api/leave-requests?employee_id=      List by employee, or pending when omitted
    GET    /api/leave-requests/{id}              Get
    POST   /api/leave-requests/{id}/approve      Approve
    POST   /api/leave-requests/{id}/reject       Reject
    POST   /api/leave-requests/{id}/cancel       Cancel
    POST   /api/leave-requests/{id}/override     Admin override
    GET    /api/escalations?threshold_days=      Overdue PENDING requests (default 3)

  Compliance and data:
    GET    /api/audit-logs                       Filter by employee_id, action, from, to
    POST   /api/employees                        Register employee (admin)
    GET    /api/employees/{id}                   Get employee
    GET    /api/employees/{id}/balance?leave_type=
    GET    /api/employees/{id}/ledger?leave_type=
    POST   /api/employees/{id}/entitlements      Grant entitlement (admin)
    GET    /api/holidays?from=&to=
    POST   /api/holidays                         Add holiday (admin)

  Scenarios:
    GET    /api/scenarios                        List demo scenarios
    POST   /api/scenarios/load                   Load a demo scenario (admin)

PRINCIPAL:
  Authentication is external. The caller's identity arrives in the
  X-Principal-ID and X-Principal-Role headers (see principalFromRequest).

ERROR HANDLING:
  Typed engine errors map to HTTP status:
  - 400: Validation
  - 401: missing principal
  - 403: Forbidden
  - 404: NotFound
  - 409: InvalidState, Conflict
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
  - engine/engine.go: Operations
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/toil-engine/engine"
	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/leave"
	"github.com/warp/toil-engine/training"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	Health Pinger // optional
	Logger *zap.Logger
}

// NewHandler creates a new handler over an engine.
func NewHandler(eng *engine.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Engine: eng, Logger: logger}
}

const (
	HeaderPrincipalID   = "X-Principal-ID"
	HeaderPrincipalRole = "X-Principal-Role"
)

type principalKey struct{}

// principalFromRequest builds the principal from identity headers. A missing
// role means EMPLOYEE.
func principalFromRequest(r *http.Request) (hr.Principal, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderPrincipalID))
	if id == "" {
		return hr.Principal{}, errMissingPrincipal
	}
	role := hr.Role(strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderPrincipalRole))))
	switch role {
	case "":
		role = hr.RoleEmployee
	case hr.RoleEmployee, hr.RoleManager, hr.RoleAdmin:
	default:
		return hr.Principal{}, hr.Validation(HeaderPrincipalRole, "unknown role %q", role)
	}
	return hr.Principal{ID: id, Role: role}, nil
}

var errMissingPrincipal = errors.New("missing " + HeaderPrincipalID + " header")

// RequirePrincipal rejects requests without identity headers and stores the
// principal in the request context.
func (h *Handler) RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFromRequest(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func principal(r *http.Request) hr.Principal {
	p, _ := r.Context().Value(principalKey{}).(hr.Principal)
	return p
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RULE REGISTRY ENDPOINTS
// =============================================================================

func (h *Handler) ListLeaveTypes(w http.ResponseWriter, r *http.Request) {
	list, err := h.Engine.ListLeaveTypes(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]LeaveTypeDTO, 0, len(list))
	for _, lt := range list {
		out = append(out, toLeaveTypeDTO(lt))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateLeaveType(w http.ResponseWriter, r *http.Request) {
	var req LeaveTypeDTO
	if !h.decode(w, r, &req) {
		return
	}
	lt, err := h.Engine.CreateLeaveType(r.Context(), principal(r), req.toDomain())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLeaveTypeDTO(lt))
}

func (h *Handler) UpdateLeaveType(w http.ResponseWriter, r *http.Request) {
	var req LeaveTypeDTO
	if !h.decode(w, r, &req) {
		return
	}
	req.Code = chi.URLParam(r, "code")
	lt, err := h.Engine.UpdateLeaveType(r.Context(), principal(r), req.toDomain())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveTypeDTO(lt))
}

func (h *Handler) DeactivateLeaveType(w http.ResponseWriter, r *http.Request) {
	lt, err := h.Engine.DeactivateLeaveType(r.Context(), principal(r), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveTypeDTO(lt))
}

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	list, err := h.Engine.ListTOILRules(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]RuleDTO, 0, len(list))
	for _, rule := range list {
		out = append(out, toRuleDTO(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleDTO
	if !h.decode(w, r, &req) {
		return
	}
	rule, err := req.toDomain()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rule, err = h.Engine.CreateTOILRule(r.Context(), principal(r), rule)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(rule))
}

func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleDTO
	if !h.decode(w, r, &req) {
		return
	}
	req.Code = chi.URLParam(r, "code")
	rule, err := req.toDomain()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rule, err = h.Engine.UpdateTOILRule(r.Context(), principal(r), rule)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Engine.DeactivateTOILRule(r.Context(), principal(r), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

// =============================================================================
// TRAINING ENDPOINTS
// =============================================================================

func (h *Handler) CreateCourse(w http.ResponseWriter, r *http.Request) {
	var req CourseRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Engine.CreateTrainingCourse(r.Context(), principal(r), training.CourseInput{
		Code:              req.Code,
		Name:              req.Name,
		DefaultRLEligible: req.DefaultRLEligible,
		RuleCode:          req.RuleCode,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCourseDTO(c))
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ev, err := h.Engine.CreateTrainingEvent(r.Context(), principal(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(ev))
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.Engine.GetTrainingEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	list, err := h.Engine.ListAllocations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTOs(list))
}

func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.AllocateWorkers(r.Context(), principal(r), chi.URLParam(r, "id"), req.EmployeeIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocateResponse(res))
}

func (h *Handler) MarkAttendance(w http.ResponseWriter, r *http.Request) {
	var req AttendanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.Engine.MarkAttendance(r.Context(), principal(r), chi.URLParam(r, "id"),
		hr.AttendanceStatus(strings.ToUpper(req.Status)), req.HoursAttended)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(a))
}

func (h *Handler) ConfirmCompletion(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.ConfirmCompletion(r.Context(), principal(r), chi.URLParam(r, "id"),
		hr.CompletionStatus(strings.ToUpper(req.Status)), req.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompletionResponse(res))
}

// =============================================================================
// LEAVE REQUEST ENDPOINTS
// =============================================================================

func (h *Handler) ApplyLeave(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	lr, err := h.Engine.ApplyLeave(r.Context(), principal(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLeaveRequestDTO(lr))
}

func (h *Handler) ListLeaveRequests(w http.ResponseWriter, r *http.Request) {
	var (
		list []hr.LeaveRequest
		err  error
	)
	if emp := r.URL.Query().Get("employee_id"); emp != "" {
		list, err = h.Engine.ListLeaveRequests(r.Context(), emp)
	} else {
		list, err = h.Engine.ListPendingLeave(r.Context())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveRequestDTOs(list))
}

func (h *Handler) GetLeaveRequest(w http.ResponseWriter, r *http.Request) {
	lr, err := h.Engine.GetLeaveRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveRequestDTO(lr))
}

func (h *Handler) ApproveLeave(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	h.writeRequest(w, r)(h.Engine.ApproveLeave(r.Context(), principal(r), chi.URLParam(r, "id"), req.Notes))
}

func (h *Handler) RejectLeave(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	h.writeRequest(w, r)(h.Engine.RejectLeave(r.Context(), principal(r), chi.URLParam(r, "id"), req.Reason))
}

func (h *Handler) CancelLeave(w http.ResponseWriter, r *http.Request) {
	h.writeRequest(w, r)(h.Engine.CancelLeave(r.Context(), principal(r), chi.URLParam(r, "id")))
}

func (h *Handler) OverrideLeave(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	action := leave.OverrideAction(strings.ToLower(req.Action))
	h.writeRequest(w, r)(h.Engine.OverrideLeave(r.Context(), principal(r), chi.URLParam(r, "id"), action, req.Justification))
}

func (h *Handler) writeRequest(w http.ResponseWriter, r *http.Request) func(hr.LeaveRequest, error) {
	return func(lr hr.LeaveRequest, err error) {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toLeaveRequestDTO(lr))
	}
}

func (h *Handler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	threshold := leave.DefaultEscalationDays
	if s := r.URL.Query().Get("threshold_days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			h.fail(w, r, hr.Validation("threshold_days", "must be an integer"))
			return
		}
		threshold = n
	}
	list, err := h.Engine.ListEscalations(r.Context(), principal(r), threshold)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]EscalationDTO, 0, len(list))
	for _, e := range list {
		out = append(out, EscalationDTO{Request: toLeaveRequestDTO(e.Request), AgeDays: e.AgeDays})
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// AUDIT ENDPOINTS
// =============================================================================

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := hr.AuditFilter{EmployeeID: q.Get("employee_id")}
	for _, a := range q["action"] {
		f.Actions = append(f.Actions, hr.AuditAction(strings.ToUpper(a)))
	}

	var err error
	if f.From, err = queryTime(q.Get("from"), "from"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.To, err = queryTime(q.Get("to"), "to"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Limit, err = queryInt(q.Get("limit"), "limit"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Offset, err = queryInt(q.Get("offset"), "offset"); err != nil {
		h.fail(w, r, err)
		return
	}

	list, err := h.Engine.ListAuditLogs(r.Context(), principal(r), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]AuditEntryDTO, 0, len(list))
	for _, e := range list {
		out = append(out, toAuditEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// queryTime accepts RFC3339 or a plain date.
func queryTime(s, field string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, hr.Validation(field, "must be RFC3339 or YYYY-MM-DD")
	}
	return &t, nil
}

func queryInt(s, field string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, hr.Validation(field, "must be an integer")
	}
	return n, nil
}

// =============================================================================
// EMPLOYEE ENDPOINTS
// =============================================================================

func (h *Handler) RegisterEmployee(w http.ResponseWriter, r *http.Request) {
	var req EmployeeDTO
	if !h.decode(w, r, &req) {
		return
	}
	emp, err := h.Engine.RegisterEmployee(r.Context(), principal(r), req.toDomain())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(emp))
}

func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Engine.GetEmployee(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(emp))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("leave_type")
	if code == "" {
		h.fail(w, r, hr.Validation("leave_type", "is required"))
		return
	}
	b, err := h.Engine.Balance(r.Context(), principal(r), chi.URLParam(r, "id"), code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("leave_type")
	if code == "" {
		h.fail(w, r, hr.Validation("leave_type", "is required"))
		return
	}
	entries, err := h.Engine.BalanceHistory(r.Context(), principal(r), chi.URLParam(r, "id"), code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toLedgerEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GrantEntitlement(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	e, err := h.Engine.GrantEntitlement(r.Context(), principal(r), chi.URLParam(r, "id"),
		req.LeaveTypeCode, req.Days, req.Reason, req.IdempotencyKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(e))
}

// =============================================================================
// HOLIDAY ENDPOINTS
// =============================================================================

func (h *Handler) ListHolidays(w http.ResponseWriter, r *http.Request) {
	from, err := parseDate("from", r.URL.Query().Get("from"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := parseDate("to", r.URL.Query().Get("to"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if from.IsZero() {
		from = hr.NewDate(time.Now().Year(), time.January, 1)
	}
	if to.IsZero() {
		to = hr.NewDate(from.Year(), time.December, 31)
	}

	list, err := h.Engine.ListHolidays(r.Context(), from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]HolidayDTO, 0, len(list))
	for _, hol := range list {
		out = append(out, toHolidayDTO(hol))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateHoliday(w http.ResponseWriter, r *http.Request) {
	var req HolidayDTO
	if !h.decode(w, r, &req) {
		return
	}
	hol, err := req.toDomain()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hol, err = h.Engine.AddHoliday(r.Context(), principal(r), hol)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toHolidayDTO(hol))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, dst)
}

// fail maps an engine error to its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errMissingPrincipal) {
		writeError(w, http.StatusUnauthorized, err.Error(), nil)
		return
	}

	var he *hr.Error
	if !errors.As(err, &he) {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
		return
	}

	status := http.StatusInternalServerError
	switch he.Kind {
	case hr.KindValidation:
		status = http.StatusBadRequest
	case hr.KindInvalidState, hr.KindConflict:
		status = http.StatusConflict
	case hr.KindNotFound:
		status = http.StatusNotFound
	case hr.KindForbidden:
		status = http.StatusForbidden
	}
	writeJSON(w, status, ErrorResponse{Error: he.Message, Kind: string(he.Kind), Field: he.Field})
}

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
