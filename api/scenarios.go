/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the engine with realistic data for demos. Every scenario goes
	through the normal engine operations as the admin principal, so the data
	carries audit entries and ledger rows like production data.

AVAILABLE SCENARIOS:

	baseline:         Employees, leave types (AL, MC, RL), rule TRAIN1, entitlements
	training-credit:  baseline + an off-day course completed by E1 (earns 1 RL day)
	leave-approval:   baseline + a PENDING annual leave request awaiting M1

HOW SCENARIOS WORK:
 1. Register employees
 2. Create leave types and TOIL rules (existing codes are left alone)
 3. Grant entitlements with fixed idempotency keys
 4. Run the scenario's own operations

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "training-credit"}

NOTE:

	Scenarios do not reset the store. Loading one twice reuses the registry
	entries and grants, and repeats the scenario-specific operations.

SEE ALSO:
  - handlers.go: error mapping
  - engine/engine.go: operations used by the loaders
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/toil-engine/engine"
	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/leave"
	"github.com/warp/toil-engine/training"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "baseline",
		Name:        "Baseline",
		Description: "Employees, AL/MC/RL leave types, TRAIN1 rule and annual entitlements",
	},
	{
		ID:          "training-credit",
		Name:        "Training Credit",
		Description: "E1 completes a Saturday course and earns one replacement-leave day",
	},
	{
		ID:          "leave-approval",
		Name:        "Leave Approval",
		Description: "E1 applies for annual leave that waits for manager M1",
	},
}

var scenarioLoaders = map[string]func(context.Context, *engine.Engine, time.Time) error{
	"baseline":        loadBaseline,
	"training-credit": loadTrainingCredit,
	"leave-approval":  loadLeaveApproval,
}

var demoAdmin = hr.Principal{ID: "demo-admin", Role: hr.RoleAdmin}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs a scenario loader. Admin only.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsAdmin() {
		h.fail(w, r, hr.Forbidden("only admins may load scenarios"))
		return
	}
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := LoadScenario(r.Context(), h.Engine, req.ScenarioID, time.Now()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

// LoadScenario runs the named scenario against eng as of now.
func LoadScenario(ctx context.Context, eng *engine.Engine, id string, now time.Time) error {
	load, ok := scenarioLoaders[id]
	if !ok {
		return hr.Validation("scenario_id", "unknown scenario %q", id)
	}
	return load(ctx, eng, now)
}

// =============================================================================
// LOADERS
// =============================================================================

func loadBaseline(ctx context.Context, eng *engine.Engine, now time.Time) error {
	for _, emp := range []hr.Employee{
		{ID: "M1", Name: "Maya Lim", Department: "OPS", Grade: "M1", EmploymentType: "FULL_TIME", Active: true},
		{ID: "E1", Name: "Evan Tan", Department: "OPS", Grade: "G5", EmploymentType: "FULL_TIME", ManagerID: "M1", Active: true},
		{ID: "E2", Name: "Erin Goh", Department: "IT", Grade: "G4", EmploymentType: "CONTRACT", ManagerID: "M1", Active: true},
	} {
		if _, err := eng.RegisterEmployee(ctx, demoAdmin, emp); err != nil {
			return fmt.Errorf("register %s: %w", emp.ID, err)
		}
	}

	for _, lt := range []hr.LeaveType{
		{Code: "AL", Name: "Annual leave", Paid: true, RequiresApproval: true, MaxDaysPerYear: hr.NewDays(21)},
		{Code: "MC", Name: "Medical leave", Paid: true, RequiresApproval: true, RequiresDocument: true},
		{Code: engine.DefaultRLLeaveType, Name: "Replacement leave", Paid: true, RequiresApproval: true, CreditBacked: true},
	} {
		if _, err := eng.CreateLeaveType(ctx, demoAdmin, lt); err != nil && !hr.IsKind(err, hr.KindConflict) {
			return fmt.Errorf("leave type %s: %w", lt.Code, err)
		}
	}

	_, err := eng.CreateTOILRule(ctx, demoAdmin, hr.TOILRule{
		Code:          "TRAIN1",
		Name:          "Training on an off day",
		Trigger:       hr.TriggerTraining,
		CreditType:    hr.CreditFixed,
		CreditDays:    hr.NewDays(1),
		MaxPerMonth:   hr.NewDays(4),
		ExpiryDays:    90,
		EffectiveFrom: hr.NewDate(now.Year(), time.January, 1),
	})
	if err != nil && !hr.IsKind(err, hr.KindConflict) {
		return fmt.Errorf("rule TRAIN1: %w", err)
	}

	for _, id := range []string{"E1", "E2"} {
		for code, days := range map[string]float64{"AL": 14, "MC": 14} {
			key := fmt.Sprintf("demo:%s:%s:%d", code, id, now.Year())
			_, err := eng.GrantEntitlement(ctx, demoAdmin, id, code, hr.NewDays(days), "annual entitlement", key)
			if err != nil && !hr.IsKind(err, hr.KindConflict) {
				return fmt.Errorf("grant %s to %s: %w", code, id, err)
			}
		}
	}
	return nil
}

func loadTrainingCredit(ctx context.Context, eng *engine.Engine, now time.Time) error {
	if err := loadBaseline(ctx, eng, now); err != nil {
		return err
	}

	course, err := eng.CreateTrainingCourse(ctx, demoAdmin, training.CourseInput{
		Code:              fmt.Sprintf("FIRST-AID-%d", now.UnixNano()),
		Name:              "First aid refresher",
		DefaultRLEligible: true,
		RuleCode:          "TRAIN1",
	})
	if err != nil {
		return err
	}

	saturday := hr.Date(now)
	for saturday.Weekday() != time.Saturday {
		saturday = saturday.AddDate(0, 0, -1)
	}
	ev, err := eng.CreateTrainingEvent(ctx, demoAdmin, training.EventInput{
		CourseID:  course.ID,
		StartDate: saturday,
		DayType:   hr.DayRest,
	})
	if err != nil {
		return err
	}

	res, err := eng.AllocateWorkers(ctx, demoAdmin, ev.ID, []string{"E1", "E2"})
	if err != nil {
		return err
	}
	for _, a := range res.Allocated {
		status := hr.AttendanceAttended
		if a.EmployeeID == "E2" {
			status = hr.AttendanceNoShow
		}
		if _, err := eng.MarkAttendance(ctx, demoAdmin, a.ID, status, hr.ZeroDays()); err != nil {
			return err
		}
		if status == hr.AttendanceAttended {
			if _, err := eng.ConfirmCompletion(ctx, demoAdmin, a.ID, hr.CompletionCompleted, "demo"); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadLeaveApproval(ctx context.Context, eng *engine.Engine, now time.Time) error {
	if err := loadBaseline(ctx, eng, now); err != nil {
		return err
	}
	start := hr.Date(now).AddDate(0, 0, 14)
	for start.Weekday() != time.Monday {
		start = start.AddDate(0, 0, 1)
	}
	_, err := eng.ApplyLeave(ctx, hr.Principal{ID: "E1", Role: hr.RoleEmployee}, leave.ApplyInput{
		LeaveTypeCode: "AL",
		StartDate:     start,
		EndDate:       start.AddDate(0, 0, 2),
		Reason:        "family visit",
	})
	return err
}
