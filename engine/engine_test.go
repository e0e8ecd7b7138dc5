package engine_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/toil-engine/engine"
	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/leave"
	"github.com/warp/toil-engine/store/memory"
	"github.com/warp/toil-engine/store/sqlite"
	"github.com/warp/toil-engine/training"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	admin   = hr.Principal{ID: "ADM", Role: hr.RoleAdmin}
	manager = hr.Principal{ID: "M1", Role: hr.RoleManager}
	e1      = hr.Principal{ID: "E1", Role: hr.RoleEmployee}
	e2      = hr.Principal{ID: "E2", Role: hr.RoleEmployee}

	saturday = hr.NewDate(2026, time.May, 9)
	start    = time.Date(2026, 5, 11, 8, 0, 0, 0, time.UTC)
)

type storeFactory func(t *testing.T) hr.Store

var stores = map[string]storeFactory{
	"memory": func(t *testing.T) hr.Store { return memory.New() },
	"sqlite": func(t *testing.T) hr.Store {
		s, err := sqlite.New(filepath.Join(t.TempDir(), "toil.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	},
}

type fixture struct {
	eng *engine.Engine
	now time.Time
}

func eachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			fn(t, newFixture(t, newStore(t)))
		})
	}
}

func newFixture(t *testing.T, store hr.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{now: start}
	f.eng = engine.New(store, engine.Options{Now: func() time.Time { return f.now }})

	for _, emp := range []hr.Employee{
		{ID: "M1", Name: "Mia", Department: "OPS", Active: true},
		{ID: "E1", Name: "Ana", Department: "OPS", ManagerID: "M1", Active: true},
		{ID: "E2", Name: "Ben", Department: "OPS", Active: true},
	} {
		_, err := f.eng.RegisterEmployee(ctx, admin, emp)
		require.NoError(t, err)
	}

	for _, lt := range []hr.LeaveType{
		{Code: "AL", Name: "Annual leave", Paid: true, RequiresApproval: true},
		{Code: "RL", Name: "Replacement leave", Paid: true, RequiresApproval: true, CreditBacked: true},
	} {
		_, err := f.eng.CreateLeaveType(ctx, admin, lt)
		require.NoError(t, err)
	}
	_, err := f.eng.GrantEntitlement(ctx, admin, "E2", "AL", hr.NewDays(14), "2026 entitlement", "al-2026-E2")
	require.NoError(t, err)

	_, err = f.eng.CreateTOILRule(ctx, admin, hr.TOILRule{
		Code:          "TRAIN1",
		Name:          "Training on an off day",
		Trigger:       hr.TriggerTraining,
		CreditType:    hr.CreditFixed,
		CreditDays:    hr.NewDays(1),
		ExpiryDays:    90,
		EffectiveFrom: hr.NewDate(2026, time.January, 1),
	})
	require.NoError(t, err)
	return f
}

// completedTraining runs allocate → attended → confirmation for E1 on a new event.
func (f *fixture) completedTraining(t *testing.T, dayType hr.DayType, eligible bool) (hr.Allocation, training.CompletionResult) {
	t.Helper()
	a := f.attendedAllocation(t, dayType, eligible)
	res, err := f.eng.ConfirmCompletion(context.Background(), manager, a.ID, hr.CompletionCompleted, "")
	require.NoError(t, err)
	return a, res
}

func (f *fixture) attendedAllocation(t *testing.T, dayType hr.DayType, eligible bool) hr.Allocation {
	t.Helper()
	ctx := context.Background()
	course, err := f.eng.CreateTrainingCourse(ctx, admin, training.CourseInput{
		Code: "FA-" + string(dayType), Name: "First aid", RuleCode: "TRAIN1",
	})
	require.NoError(t, err)
	ev, err := f.eng.CreateTrainingEvent(ctx, manager, training.EventInput{
		CourseID: course.ID, StartDate: saturday, DayType: dayType, RLEligible: &eligible,
	})
	require.NoError(t, err)

	alloc, err := f.eng.AllocateWorkers(ctx, manager, ev.ID, []string{"E1"})
	require.NoError(t, err)
	require.Len(t, alloc.Allocated, 1)

	a, err := f.eng.MarkAttendance(ctx, manager, alloc.Allocated[0].ID, hr.AttendanceAttended, hr.ZeroDays())
	require.NoError(t, err)
	return a
}

func (f *fixture) credits(t *testing.T, employeeID string) hr.Days {
	t.Helper()
	b, err := f.eng.Balance(context.Background(), admin, employeeID, "RL")
	require.NoError(t, err)
	return b.Credits
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarioA_OffDayTrainingEarnsFixedCredit(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		a, res := f.completedTraining(t, hr.DayOff, true)

		require.True(t, res.Credit.Credited)
		assert.True(t, res.Credit.Days.Equal(hr.NewDays(1)))
		require.NotNil(t, res.Credit.ExpiresAt)
		assert.Equal(t, start.AddDate(0, 0, 90), *res.Credit.ExpiresAt)
		assert.Equal(t, res.Credit.CreditID, res.Allocation.RLCreditID)
		assert.Equal(t, a.ID, res.Allocation.ID)
		assert.Equal(t, hr.CompletionCompleted, res.Allocation.CompletionStatus)
		assert.True(t, f.credits(t, "E1").Equal(hr.NewDays(1)))

		logs, err := f.eng.ListAuditLogs(context.Background(), admin, hr.AuditFilter{
			Actions: []hr.AuditAction{hr.ActionRLCredited},
		})
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "E1", logs[0].TargetEmployee)
	})
}

func TestScenarioB_WorkingDayTrainingEarnsNothing(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		_, res := f.completedTraining(t, hr.DayWorking, false)

		assert.False(t, res.Credit.Credited)
		assert.Empty(t, res.Allocation.RLCreditID)
		assert.Equal(t, hr.CompletionCompleted, res.Allocation.CompletionStatus)
		assert.True(t, f.credits(t, "E1").IsZero())
	})
}

func TestScenarioC_ConcurrentConfirmationsCreditOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		a := f.attendedAllocation(t, hr.DayOff, true)

		const callers = 2
		var (
			wg      sync.WaitGroup
			results = make([]training.CompletionResult, callers)
			errs    = make([]error, callers)
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = f.eng.ConfirmCompletion(context.Background(), manager, a.ID, hr.CompletionCompleted, "")
			}(i)
		}
		wg.Wait()

		var ok, invalid int
		for i := range errs {
			switch {
			case errs[i] == nil:
				ok++
				assert.True(t, results[i].Credit.Credited)
			case hr.IsKind(errs[i], hr.KindInvalidState):
				invalid++
			default:
				t.Fatalf("unexpected error: %v", errs[i])
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, invalid)
		assert.True(t, f.credits(t, "E1").Equal(hr.NewDays(1)))
	})
}

func TestScenarioD_OverrideNeedsJustification(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		req, err := f.eng.ApplyLeave(ctx, e2, leave.ApplyInput{
			LeaveTypeCode: "AL",
			StartDate:     hr.NewDate(2026, time.June, 1),
			EndDate:       hr.NewDate(2026, time.June, 2),
		})
		require.NoError(t, err)
		require.Equal(t, hr.RequestPending, req.Status)

		_, err = f.eng.OverrideLeave(ctx, admin, req.ID, leave.OverrideApprove, "")
		assert.True(t, hr.IsKind(err, hr.KindValidation), "got %v", err)

		got, err := f.eng.OverrideLeave(ctx, admin, req.ID, leave.OverrideApprove, "manager on leave")
		require.NoError(t, err)
		assert.Equal(t, hr.RequestApproved, got.Status)

		logs, err := f.eng.ListAuditLogs(ctx, admin, hr.AuditFilter{Actions: []hr.AuditAction{hr.ActionOverride}})
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, req.ID, logs[0].RequestID)
		assert.Equal(t, "[OVERRIDE] manager on leave", logs[0].Notes)

		b, err := f.eng.Balance(ctx, e2, "E2", "AL")
		require.NoError(t, err)
		assert.True(t, b.Available.Equal(hr.NewDays(12)), "available=%s", b.Available)
	})
}

func TestScenarioE_Escalations(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		apply := func(p hr.Principal, day int) hr.LeaveRequest {
			req, err := f.eng.ApplyLeave(ctx, p, leave.ApplyInput{
				EmployeeID:    "E2",
				LeaveTypeCode: "AL",
				StartDate:     hr.NewDate(2026, time.June, day),
				EndDate:       hr.NewDate(2026, time.June, day),
			})
			require.NoError(t, err)
			return req
		}

		f.now = start.Add(-4 * 24 * time.Hour)
		old := apply(e2, 1)
		oldApproved := apply(e2, 2)
		_, err := f.eng.ApproveLeave(ctx, admin, oldApproved.ID, "")
		require.NoError(t, err)

		f.now = start.Add(-2 * 24 * time.Hour)
		recent := apply(e2, 3)

		f.now = start
		got, err := f.eng.ListEscalations(ctx, manager, 3)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, old.ID, got[0].Request.ID)
		assert.NotEqual(t, recent.ID, got[0].Request.ID)

		_, err = f.eng.ListEscalations(ctx, e1, 3)
		assert.True(t, hr.IsKind(err, hr.KindForbidden))
	})
}

// =============================================================================
// CREDIT ROUND TRIP
// =============================================================================

func TestCreditIsSpentByReplacementLeave(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		_, res := f.completedTraining(t, hr.DayOff, true)
		require.True(t, res.Credit.Credited)

		// Wednesday 20 May 2026, one working day.
		req, err := f.eng.ApplyLeave(ctx, e1, leave.ApplyInput{
			LeaveTypeCode: "RL",
			StartDate:     hr.NewDate(2026, time.May, 20),
			EndDate:       hr.NewDate(2026, time.May, 20),
		})
		require.NoError(t, err)

		_, err = f.eng.ApplyLeave(ctx, e1, leave.ApplyInput{
			LeaveTypeCode: "RL",
			StartDate:     hr.NewDate(2026, time.May, 21),
			EndDate:       hr.NewDate(2026, time.May, 21),
		})
		assert.True(t, hr.IsKind(err, hr.KindValidation), "pending request already holds the only credit day")

		_, err = f.eng.ApproveLeave(ctx, e2, req.ID, "")
		assert.True(t, hr.IsKind(err, hr.KindForbidden))

		approved, err := f.eng.ApproveLeave(ctx, manager, req.ID, "enjoy")
		require.NoError(t, err)
		assert.Equal(t, hr.RequestApproved, approved.Status)

		b, err := f.eng.Balance(ctx, e1, "E1", "RL")
		require.NoError(t, err)
		assert.True(t, b.Available.IsZero(), "available=%s", b.Available)

		history, err := f.eng.BalanceHistory(ctx, manager, "E1", "RL")
		require.NoError(t, err)
		var types []hr.LedgerEntryType
		for _, e := range history {
			types = append(types, e.Type)
		}
		assert.Equal(t, []hr.LedgerEntryType{hr.EntryCredit, hr.EntryCreditUse}, types)
	})
}

// =============================================================================
// FACADE CHECKS
// =============================================================================

func TestBalanceVisibility(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		_, err := f.eng.Balance(ctx, e1, "E2", "AL")
		assert.True(t, hr.IsKind(err, hr.KindForbidden))

		// M1 manages E1 but not E2.
		_, err = f.eng.Balance(ctx, manager, "E1", "AL")
		assert.NoError(t, err)
		_, err = f.eng.Balance(ctx, manager, "E2", "AL")
		assert.True(t, hr.IsKind(err, hr.KindForbidden))

		_, err = f.eng.Balance(ctx, admin, "E2", "NOPE")
		assert.True(t, hr.IsKind(err, hr.KindNotFound))
	})
}

func TestGrantEntitlementIsIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		_, err := f.eng.GrantEntitlement(ctx, admin, "E2", "AL", hr.NewDays(14), "again", "al-2026-E2")
		assert.True(t, hr.IsKind(err, hr.KindConflict), "got %v", err)

		_, err = f.eng.GrantEntitlement(ctx, manager, "E2", "AL", hr.NewDays(1), "", "")
		assert.True(t, hr.IsKind(err, hr.KindForbidden))

		_, err = f.eng.GrantEntitlement(ctx, admin, "GHOST", "AL", hr.NewDays(1), "", "")
		assert.True(t, hr.IsKind(err, hr.KindNotFound))

		b, err := f.eng.Balance(ctx, admin, "E2", "AL")
		require.NoError(t, err)
		assert.True(t, b.Available.Equal(hr.NewDays(14)))
	})
}

func TestHolidaysReduceChargedDays(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		_, err := f.eng.AddHoliday(ctx, admin, hr.Holiday{Date: hr.NewDate(2026, time.June, 3), Name: "Founders day"})
		require.NoError(t, err)

		_, err = f.eng.AddHoliday(ctx, e1, hr.Holiday{Date: hr.NewDate(2026, time.June, 4), Name: "Nope"})
		assert.True(t, hr.IsKind(err, hr.KindForbidden))

		req, err := f.eng.ApplyLeave(ctx, e2, leave.ApplyInput{
			LeaveTypeCode: "AL",
			StartDate:     hr.NewDate(2026, time.June, 1),
			EndDate:       hr.NewDate(2026, time.June, 5),
		})
		require.NoError(t, err)
		assert.True(t, req.Days.Equal(hr.NewDays(4)), "days=%s", req.Days)
	})
}

func TestRegisterEmployeeValidation(t *testing.T) {
	f := newFixture(t, memory.New())
	ctx := context.Background()

	_, err := f.eng.RegisterEmployee(ctx, manager, hr.Employee{ID: "X", Name: "X"})
	assert.True(t, hr.IsKind(err, hr.KindForbidden))

	_, err = f.eng.RegisterEmployee(ctx, admin, hr.Employee{ID: "X", Name: "X", ManagerID: "X"})
	assert.True(t, hr.IsKind(err, hr.KindValidation))

	_, err = f.eng.RegisterEmployee(ctx, admin, hr.Employee{ID: " ", Name: "X"})
	assert.True(t, hr.IsKind(err, hr.KindValidation))
}
