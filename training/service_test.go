package training_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/toil-engine/credit"
	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/store/memory"
	"github.com/warp/toil-engine/training"
)

var (
	admin    = hr.Principal{ID: "admin", Role: hr.RoleAdmin}
	employee = hr.Principal{ID: "E1", Role: hr.RoleEmployee}
	saturday = hr.NewDate(2026, time.May, 9)
	clock    = time.Date(2026, 5, 11, 8, 0, 0, 0, time.UTC)
)

type fixture struct {
	store *memory.Memory
	svc   *training.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.WithTx(ctx, func(r hr.Repository) error {
		for _, e := range []hr.Employee{
			{ID: "E1", Name: "Ana", Department: "OPS", Active: true},
			{ID: "E2", Name: "Ben", Department: "OPS", Active: true},
			{ID: "E3", Name: "Cy", Department: "OPS", Active: false},
		} {
			if err := r.SaveEmployee(ctx, e); err != nil {
				return err
			}
		}
		return r.InsertRule(ctx, hr.TOILRule{
			Code:          "TRAIN1",
			Trigger:       hr.TriggerTraining,
			CreditType:    hr.CreditFixed,
			CreditDays:    hr.NewDays(1),
			ExpiryDays:    90,
			Active:        true,
			EffectiveFrom: hr.NewDate(2026, time.January, 1),
		})
	}))

	svc := training.New(store, hr.StoreDirectory{Store: store}, credit.NewIssuer("RL", nil), nil)
	svc.Now = func() time.Time { return clock }
	return &fixture{store: store, svc: svc}
}

func (f *fixture) event(t *testing.T, dayType hr.DayType, eligible bool) hr.TrainingEvent {
	t.Helper()
	ctx := context.Background()
	course, err := f.svc.CreateCourse(ctx, admin, training.CourseInput{
		Code:              "FIRST-AID-" + string(dayType),
		Name:              "First aid",
		DefaultRLEligible: true,
		RuleCode:          "TRAIN1",
	})
	require.NoError(t, err)
	ev, err := f.svc.CreateEvent(ctx, admin, training.EventInput{
		CourseID:   course.ID,
		StartDate:  saturday,
		DayType:    dayType,
		RLEligible: &eligible,
	})
	require.NoError(t, err)
	return ev
}

func (f *fixture) allocateOne(t *testing.T, ev hr.TrainingEvent) hr.Allocation {
	t.Helper()
	res, err := f.svc.Allocate(context.Background(), admin, ev.ID, []string{"E1"})
	require.NoError(t, err)
	require.Len(t, res.Allocated, 1)
	return res.Allocated[0]
}

func TestCreateEventRejectsEligibleWorkingDay(t *testing.T) {
	f := newFixture(t)
	course, err := f.svc.CreateCourse(context.Background(), admin, training.CourseInput{Code: "C1", Name: "Course", RuleCode: "TRAIN1"})
	require.NoError(t, err)

	yes := true
	_, err = f.svc.CreateEvent(context.Background(), admin, training.EventInput{
		CourseID:   course.ID,
		StartDate:  saturday,
		DayType:    hr.DayWorking,
		RLEligible: &yes,
	})
	require.Error(t, err)
	assert.True(t, hr.IsKind(err, hr.KindValidation))
}

func TestCreateEventInheritsCourseDefaults(t *testing.T) {
	f := newFixture(t)
	course, err := f.svc.CreateCourse(context.Background(), admin, training.CourseInput{
		Code: "C1", Name: "Course", DefaultRLEligible: true, RuleCode: "TRAIN1",
	})
	require.NoError(t, err)

	off, err := f.svc.CreateEvent(context.Background(), admin, training.EventInput{
		CourseID: course.ID, StartDate: saturday, DayType: hr.DayRest,
	})
	require.NoError(t, err)
	assert.True(t, off.RLEligible)
	assert.Equal(t, "TRAIN1", off.RuleCode)
	assert.Equal(t, "Course", off.Title)

	working, err := f.svc.CreateEvent(context.Background(), admin, training.EventInput{
		CourseID: course.ID, StartDate: saturday, DayType: hr.DayWorking,
	})
	require.NoError(t, err)
	assert.False(t, working.RLEligible, "course default must not make a working day eligible")
}

func TestCreateEventValidation(t *testing.T) {
	f := newFixture(t)
	course, err := f.svc.CreateCourse(context.Background(), admin, training.CourseInput{Code: "C1", Name: "Course"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		in    training.EventInput
		field string
	}{
		{"missing start", training.EventInput{CourseID: course.ID, DayType: hr.DayOff}, "start_date"},
		{"end before start", training.EventInput{CourseID: course.ID, StartDate: saturday, EndDate: saturday.AddDate(0, 0, -1), DayType: hr.DayOff}, "end_date"},
		{"bad day type", training.EventInput{CourseID: course.ID, StartDate: saturday, DayType: "HOLIDAY"}, "day_type"},
		{"unknown rule", training.EventInput{CourseID: course.ID, StartDate: saturday, DayType: hr.DayOff, RuleCode: "NOPE"}, "rule_code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateEvent(context.Background(), admin, tt.in)
			var he *hr.Error
			require.ErrorAs(t, err, &he)
			assert.Equal(t, hr.KindValidation, he.Kind)
			assert.Equal(t, tt.field, he.Field)
		})
	}

	_, err = f.svc.CreateEvent(context.Background(), admin, training.EventInput{CourseID: "missing", StartDate: saturday, DayType: hr.DayOff})
	assert.True(t, hr.IsKind(err, hr.KindNotFound))
}

func TestEmployeesCannotScheduleTraining(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateCourse(context.Background(), employee, training.CourseInput{Code: "C1", Name: "Course"})
	assert.True(t, hr.IsKind(err, hr.KindForbidden))
}

func TestAllocateSkipsExistingAndReportsUnknown(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t, hr.DayOff, true)
	ctx := context.Background()

	res, err := f.svc.Allocate(ctx, admin, ev.ID, []string{"E1", "E1", "GHOST", "E3"})
	require.NoError(t, err)
	assert.Len(t, res.Allocated, 1)
	assert.Empty(t, res.Skipped)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, "GHOST", res.Failed[0].EmployeeID)
	assert.Equal(t, "E3", res.Failed[1].EmployeeID)
	assert.True(t, res.Preview["E1"].Eligible)

	a := res.Allocated[0]
	assert.Equal(t, hr.AttendancePending, a.AttendanceStatus)
	assert.Equal(t, hr.CompletionPending, a.CompletionStatus)
	assert.True(t, a.RLEligible)

	res, err = f.svc.Allocate(ctx, admin, ev.ID, []string{"E1", "E2"})
	require.NoError(t, err)
	assert.Len(t, res.Allocated, 1)
	assert.Equal(t, []string{"E1"}, res.Skipped)

	all, err := f.svc.ListAllocations(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAllocateUnknownEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Allocate(context.Background(), admin, "nope", []string{"E1"})
	assert.True(t, hr.IsKind(err, hr.KindNotFound))
}

func TestMarkAttendanceOnlyFromPending(t *testing.T) {
	f := newFixture(t)
	a := f.allocateOne(t, f.event(t, hr.DayOff, true))
	ctx := context.Background()

	_, err := f.svc.MarkAttendance(ctx, admin, a.ID, hr.AttendancePending, hr.ZeroDays())
	assert.True(t, hr.IsKind(err, hr.KindValidation))

	_, err = f.svc.MarkAttendance(ctx, admin, a.ID, hr.AttendanceNoShow, hr.NewDays(2))
	assert.True(t, hr.IsKind(err, hr.KindValidation))

	marked, err := f.svc.MarkAttendance(ctx, admin, a.ID, hr.AttendancePartial, hr.NewDays(4))
	require.NoError(t, err)
	assert.Equal(t, hr.AttendancePartial, marked.AttendanceStatus)
	assert.Equal(t, 1, marked.Version)

	_, err = f.svc.MarkAttendance(ctx, admin, a.ID, hr.AttendanceAttended, hr.ZeroDays())
	assert.True(t, hr.IsKind(err, hr.KindInvalidState))
}

func TestCompletionRequiresPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.allocateOne(t, f.event(t, hr.DayOff, true))

	_, err := f.svc.ConfirmCompletion(ctx, admin, a.ID, hr.CompletionCompleted, "")
	assert.True(t, hr.IsKind(err, hr.KindInvalidState), "pending attendance")

	_, err = f.svc.MarkAttendance(ctx, admin, a.ID, hr.AttendanceNoShow, hr.ZeroDays())
	require.NoError(t, err)
	_, err = f.svc.ConfirmCompletion(ctx, admin, a.ID, hr.CompletionCompleted, "")
	assert.True(t, hr.IsKind(err, hr.KindInvalidState), "no-show")
}

func TestConfirmCompletionCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.allocateOne(t, f.event(t, hr.DayOff, true))
	_, err := f.svc.MarkAttendance(ctx, admin, a.ID, hr.AttendanceAttended, hr.ZeroDays())
	require.NoError(t, err)

	res, err := f.svc.ConfirmCompletion(ctx, admin, a.ID, hr.CompletionCompleted, "passed")
	require.NoError(t, err)
	assert.True(t, res.Credit.Credited)
	assert.True(t, res.Credit.Days.Equal(hr.NewDays(1)))
	assert.Equal(t, res.Credit.CreditID, res.Allocation.RLCreditID)
	assert.Equal(t, "passed", res.Allocation.Notes)

	_, err = f.svc.ConfirmCompletion(ctx, admin, a.ID, hr.CompletionCompleted, "")
	assert.True(t, hr.IsKind(err, hr.KindInvalidState))

	require.NoError(t, f.store.View(ctx, func(r hr.Repository) error {
		entries, err := r.ListAudit(ctx, hr.AuditFilter{Actions: []hr.AuditAction{hr.ActionRLCredited}})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
		return nil
	}))
}

func TestIncompleteTakesNoCreditPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.allocateOne(t, f.event(t, hr.DayOff, true))
	_, err := f.svc.MarkAttendance(ctx, admin, a.ID, hr.AttendanceAttended, hr.ZeroDays())
	require.NoError(t, err)

	res, err := f.svc.ConfirmCompletion(ctx, admin, a.ID, hr.CompletionIncomplete, "")
	require.NoError(t, err)
	assert.False(t, res.Credit.Credited)
	assert.Empty(t, res.Allocation.RLCreditID)

	require.NoError(t, f.store.View(ctx, func(r hr.Repository) error {
		entries, err := r.ListAudit(ctx, hr.AuditFilter{Actions: []hr.AuditAction{hr.ActionCompletionConfirmed}})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
		return nil
	}))
}

func TestConcurrentConfirmationsIssueOneCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.allocateOne(t, f.event(t, hr.DayOff, true))
	_, err := f.svc.MarkAttendance(ctx, admin, a.ID, hr.AttendanceAttended, hr.ZeroDays())
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ConfirmCompletion(ctx, admin, a.ID, hr.CompletionCompleted, "")
		}(i)
	}
	wg.Wait()

	var ok, invalid int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case hr.IsKind(err, hr.KindInvalidState):
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, invalid)

	require.NoError(t, f.store.View(ctx, func(r hr.Repository) error {
		credits, err := r.ListCredits(ctx, hr.CreditFilter{EmployeeID: "E1"})
		require.NoError(t, err)
		assert.Len(t, credits, 1)
		return nil
	}))
}

func TestAuditFailureRollsBackCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.allocateOne(t, f.event(t, hr.DayOff, true))
	_, err := f.svc.MarkAttendance(ctx, admin, a.ID, hr.AttendanceAttended, hr.ZeroDays())
	require.NoError(t, err)

	f.store.FailAuditWith(hr.ErrStoreUnavailable)
	_, err = f.svc.ConfirmCompletion(ctx, admin, a.ID, hr.CompletionCompleted, "")
	require.ErrorIs(t, err, hr.ErrStoreUnavailable)
	f.store.FailAuditWith(nil)

	got, err := f.svc.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, hr.CompletionPending, got.CompletionStatus)
	assert.Empty(t, got.RLCreditID)

	require.NoError(t, f.store.View(ctx, func(r hr.Repository) error {
		_, err := r.GetCreditByAllocation(ctx, a.ID)
		assert.ErrorIs(t, err, hr.ErrNotFound)
		return nil
	}))
}
