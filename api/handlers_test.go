/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Principal headers (401 / 400)
- Error kind to status mapping
- Training completion crediting RL over HTTP
- Override with and without justification
- Demo scenario loading
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/toil-engine/engine"
	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var clock = time.Date(2026, 5, 11, 8, 0, 0, 0, time.UTC)

type testServer struct {
	t      *testing.T
	eng    *engine.Engine
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	eng := engine.New(memory.New(), engine.Options{Now: func() time.Time { return clock }})
	h := NewHandler(eng, nil)
	return &testServer{t: t, eng: eng, router: NewRouter(h, RouterOptions{})}
}

func (s *testServer) do(method, path, principalID, role string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if principalID != "" {
		req.Header.Set(HeaderPrincipalID, principalID)
	}
	if role != "" {
		req.Header.Set(HeaderPrincipalRole, role)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) admin(method, path string, body any) *httptest.ResponseRecorder {
	return s.do(method, path, "ADM", "ADMIN", body)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// =============================================================================
// PRINCIPAL AND ERRORS
// =============================================================================

func TestMissingPrincipalIsUnauthorized(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/leave-types", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownRoleIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/leave-types", "X", "SUPERUSER", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthzAndMetricsNeedNoPrincipal(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/metrics", "", "", nil).Code)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/leave-types", "E1", "EMPLOYEE", LeaveTypeDTO{Code: "AL", Name: "Annual"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.admin(http.MethodPost, "/api/leave-types", LeaveTypeDTO{Code: "AL", Name: "Annual", RequiresApproval: true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[LeaveTypeDTO](t, rec).Active)

	rec = s.admin(http.MethodPost, "/api/leave-types", LeaveTypeDTO{Code: "AL", Name: "Annual"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.admin(http.MethodPost, "/api/leave-types", LeaveTypeDTO{Name: "No code"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(hr.KindValidation), decodeBody[ErrorResponse](t, rec).Kind)

	rec = s.admin(http.MethodGet, "/api/leave-requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.admin(http.MethodPost, "/api/events", EventRequest{CourseID: "c", StartDate: "09/05/2026", DayType: "OFF_DAY"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "start_date", decodeBody[ErrorResponse](t, rec).Field)
}

// =============================================================================
// END-TO-END FLOWS
// =============================================================================

func TestCompletionCreditsOverHTTP(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, LoadScenario(context.Background(), s.eng, "baseline", clock))

	rec := s.admin(http.MethodPost, "/api/courses", CourseRequest{Code: "FA", Name: "First aid", RuleCode: "TRAIN1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	course := decodeBody[CourseDTO](t, rec)

	yes := true
	rec = s.do(http.MethodPost, "/api/events", "M1", "MANAGER", EventRequest{
		CourseID: course.ID, StartDate: "2026-05-09", DayType: "OFF_DAY", RLEligible: &yes,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ev := decodeBody[EventDTO](t, rec)
	assert.Equal(t, "TRAIN1", ev.RuleCode)

	rec = s.admin(http.MethodPost, "/api/events/"+ev.ID+"/allocations", AllocateRequest{EmployeeIDs: []string{"E1", "GHOST"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	alloc := decodeBody[AllocateResponse](t, rec)
	require.Len(t, alloc.Allocated, 1)
	require.Len(t, alloc.Failed, 1)
	assert.True(t, alloc.Preview["E1"].Eligible)
	id := alloc.Allocated[0].ID

	rec = s.admin(http.MethodPost, "/api/allocations/"+id+"/completion", CompletionRequest{Status: "COMPLETED"})
	assert.Equal(t, http.StatusConflict, rec.Code, "completion before attendance")

	rec = s.admin(http.MethodPost, "/api/allocations/"+id+"/attendance", AttendanceRequest{Status: "attended"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.admin(http.MethodPost, "/api/allocations/"+id+"/completion", CompletionRequest{Status: "COMPLETED"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decodeBody[CompletionResponse](t, rec)
	assert.True(t, done.Credited)
	assert.True(t, done.Days.Equal(hr.NewDays(1)))
	assert.Equal(t, done.CreditID, done.Allocation.RLCreditID)

	rec = s.admin(http.MethodPost, "/api/allocations/"+id+"/completion", CompletionRequest{Status: "COMPLETED"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, "/api/employees/E1/balance?leave_type=RL", "E1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var balance struct {
		Available hr.Days `json:"available"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.True(t, balance.Available.Equal(hr.NewDays(1)))

	rec = s.do(http.MethodGet, "/api/employees/E1/balance?leave_type=RL", "E2", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOverrideOverHTTP(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, LoadScenario(context.Background(), s.eng, "baseline", clock))

	rec := s.do(http.MethodPost, "/api/leave-requests", "E2", "EMPLOYEE", ApplyRequest{
		LeaveTypeCode: "AL", StartDate: "2026-06-01", EndDate: "2026-06-03",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	lr := decodeBody[LeaveRequestDTO](t, rec)
	assert.Equal(t, "PENDING", lr.Status)
	assert.True(t, lr.Days.Equal(hr.NewDays(3)))

	rec = s.admin(http.MethodPost, "/api/leave-requests/"+lr.ID+"/override", OverrideRequest{Action: "approve"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/leave-requests/"+lr.ID+"/override", "M1", "MANAGER", OverrideRequest{Action: "approve", Justification: "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.admin(http.MethodPost, "/api/leave-requests/"+lr.ID+"/override", OverrideRequest{Action: "approve", Justification: "urgent"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "APPROVED", decodeBody[LeaveRequestDTO](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/leave-requests/"+lr.ID+"/cancel", "E2", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.admin(http.MethodGet, "/api/audit-logs?action=override&employee_id=E2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decodeBody[[]AuditEntryDTO](t, rec)
	require.Len(t, logs, 1)
	assert.Equal(t, "[OVERRIDE] urgent", logs[0].Notes)

	rec = s.do(http.MethodGet, "/api/audit-logs", "E2", "EMPLOYEE", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApproveWithEmptyBody(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, LoadScenario(context.Background(), s.eng, "leave-approval", clock))

	rec := s.do(http.MethodGet, "/api/leave-requests", "M1", "MANAGER", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[[]LeaveRequestDTO](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, "M1", pending[0].ApproverID)

	req := httptest.NewRequest(http.MethodPost, "/api/leave-requests/"+pending[0].ID+"/approve", nil)
	req.Header.Set(HeaderPrincipalID, "M1")
	req.Header.Set(HeaderPrincipalRole, "MANAGER")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "APPROVED", decodeBody[LeaveRequestDTO](t, rec).Status)
}

func TestEscalationsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/escalations?threshold_days=abc", "M1", "MANAGER", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/escalations", "M1", "MANAGER", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]EscalationDTO](t, rec))
}

func TestLoadScenarioOverHTTP(t *testing.T) {
	s := newTestServer(t)
	rec := s.admin(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.admin(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "baseline"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.admin(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "baseline"})
	require.Equal(t, http.StatusOK, rec.Code, "reloading reuses existing entries")

	rec = s.do(http.MethodGet, "/api/leave-types", "E1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]LeaveTypeDTO](t, rec), 3)

	rec = s.do(http.MethodPost, "/api/scenarios/load", "E1", "", LoadScenarioRequest{ScenarioID: "baseline"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTrainingCreditScenarioCreditsE1Only(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, LoadScenario(context.Background(), s.eng, "training-credit", clock))

	admin := hr.Principal{ID: "ADM", Role: hr.RoleAdmin}
	b1, err := s.eng.Balance(context.Background(), admin, "E1", "RL")
	require.NoError(t, err)
	assert.True(t, b1.Credits.Equal(hr.NewDays(1)))

	b2, err := s.eng.Balance(context.Background(), admin, "E2", "RL")
	require.NoError(t, err)
	assert.True(t, b2.Credits.IsZero())
}

func TestSchedulerScanFindsOverdueRequests(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, LoadScenario(context.Background(), s.eng, "leave-approval", clock))

	sched := NewEscalationScheduler(s.eng, nil)
	assert.Empty(t, sched.Scan(context.Background()))

	s.eng.SetClock(func() time.Time { return clock.Add(5 * 24 * time.Hour) })
	found := sched.Scan(context.Background())
	require.Len(t, found, 1)
	assert.Equal(t, "E1", found[0].Request.EmployeeID)
}

func TestEscalationThresholdDefaultsOnlyWhenAbsent(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, LoadScenario(context.Background(), s.eng, "leave-approval", clock))
	s.eng.SetClock(func() time.Time { return clock.Add(time.Hour) })

	rec := s.do(http.MethodGet, "/api/escalations", "M1", "MANAGER", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]EscalationDTO](t, rec))

	rec = s.do(http.MethodGet, "/api/escalations?threshold_days=0", "M1", "MANAGER", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]EscalationDTO](t, rec), 1)
}
