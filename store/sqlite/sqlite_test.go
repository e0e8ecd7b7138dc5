package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func tx(t *testing.T, store *sqlite.Store, fn func(hr.Repository) error) {
	t.Helper()
	require.NoError(t, store.WithTx(context.Background(), fn))
}

func seedEvent(t *testing.T, store *sqlite.Store) {
	ctx := context.Background()
	tx(t, store, func(r hr.Repository) error {
		if err := r.InsertCourse(ctx, hr.TrainingCourse{ID: "C1", Code: "FIRST-AID", Name: "First aid", CreatedAt: now}); err != nil {
			return err
		}
		return r.InsertEvent(ctx, hr.TrainingEvent{
			ID: "EV1", CourseID: "C1", Title: "Saturday session",
			StartDate: time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC),
			EndDate:   time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC),
			DayType:   hr.DayRest, RLEligible: true, RuleCode: "TRAIN1", CreatedAt: now,
		})
	})
}

func newAllocation(id, employee string) hr.Allocation {
	return hr.Allocation{
		ID: id, EventID: "EV1", EmployeeID: employee,
		AttendanceStatus: hr.AttendancePending, HoursAttended: hr.ZeroDays(),
		CompletionStatus: hr.CompletionPending, RLEligible: true,
		CreatedAt: now, UpdatedAt: now,
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRuleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	to := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)

	rule := hr.TOILRule{
		Code: "TRAIN1", Name: "Training on rest day",
		Trigger: hr.TriggerTraining, CreditType: hr.CreditRatio,
		CreditDays: hr.NewDays(1), MinHoursRequired: hr.NewDays(8),
		MaxPerMonth: hr.NewDays(2.5), ExpiryDays: 90,
		Departments: []string{"OPS", "IT"}, Grades: []string{"G5"},
		Active: true, EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), EffectiveTo: &to,
		CreatedAt: now, UpdatedAt: now,
	}
	tx(t, store, func(r hr.Repository) error { return r.InsertRule(ctx, rule) })

	err := store.WithTx(ctx, func(r hr.Repository) error { return r.InsertRule(ctx, rule) })
	assert.ErrorIs(t, err, hr.ErrDuplicate)

	rule.Name = "Renamed"
	rule.EffectiveTo = nil
	rule.Departments = nil
	tx(t, store, func(r hr.Repository) error { return r.UpdateRule(ctx, rule) })

	require.NoError(t, store.View(ctx, func(r hr.Repository) error {
		got, err := r.GetRule(ctx, "TRAIN1")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Name)
		assert.Equal(t, hr.CreditRatio, got.CreditType)
		assert.True(t, got.MaxPerMonth.Equal(hr.NewDays(2.5)))
		assert.True(t, got.MaxPerYear.IsZero())
		assert.Nil(t, got.EffectiveTo)
		assert.Empty(t, got.Departments)
		assert.Equal(t, []string{"G5"}, got.Grades)
		assert.Equal(t, now, got.CreatedAt)

		_, err = r.GetRule(ctx, "NOPE")
		assert.ErrorIs(t, err, hr.ErrNotFound)
		return nil
	}))

	err = store.WithTx(ctx, func(r hr.Repository) error {
		return r.UpdateRule(ctx, hr.TOILRule{Code: "NOPE"})
	})
	assert.ErrorIs(t, err, hr.ErrNotFound)
}

func TestLeaveTypesListedByCode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tx(t, store, func(r hr.Repository) error {
		for _, code := range []string{"RL", "AL", "MC"} {
			if err := r.InsertLeaveType(ctx, hr.LeaveType{Code: code, Name: code, Active: true, CreatedAt: now, UpdatedAt: now}); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, store.View(ctx, func(r hr.Repository) error {
		list, err := r.ListLeaveTypes(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"AL", "MC", "RL"}, []string{list[0].Code, list[1].Code, list[2].Code})
		return nil
	}))
}

// =============================================================================
// ALLOCATIONS AND CREDITS
// =============================================================================

func TestAllocationPairIsUnique(t *testing.T) {
	store := newTestStore(t)
	seedEvent(t, store)
	ctx := context.Background()

	tx(t, store, func(r hr.Repository) error { return r.InsertAllocation(ctx, newAllocation("A1", "E1")) })
	err := store.WithTx(ctx, func(r hr.Repository) error {
		return r.InsertAllocation(ctx, newAllocation("A2", "E1"))
	})
	assert.ErrorIs(t, err, hr.ErrDuplicate)
}

func TestUpdateAllocationCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	seedEvent(t, store)
	ctx := context.Background()
	tx(t, store, func(r hr.Repository) error { return r.InsertAllocation(ctx, newAllocation("A1", "E1")) })

	a := newAllocation("A1", "E1")
	a.AttendanceStatus = hr.AttendanceAttended
	a.HoursAttended = hr.NewDays(7.5)
	tx(t, store, func(r hr.Repository) error { return r.UpdateAllocation(ctx, a) })

	// Same version again is stale.
	err := store.WithTx(ctx, func(r hr.Repository) error { return r.UpdateAllocation(ctx, a) })
	assert.ErrorIs(t, err, hr.ErrConcurrentModification)

	a.Version = 1
	a.RLCreditID = "CR1"
	a.CompletionStatus = hr.CompletionCompleted
	tx(t, store, func(r hr.Repository) error { return r.UpdateAllocation(ctx, a) })

	a.Version = 2
	a.RLCreditID = "CR2"
	err = store.WithTx(ctx, func(r hr.Repository) error { return r.UpdateAllocation(ctx, a) })
	assert.ErrorIs(t, err, hr.ErrDuplicateCredit)

	require.NoError(t, store.View(ctx, func(r hr.Repository) error {
		got, err := r.GetAllocation(ctx, "A1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, "CR1", got.RLCreditID)
		assert.True(t, got.HoursAttended.Equal(hr.NewDays(7.5)))
		assert.Equal(t, hr.CompletionCompleted, got.CompletionStatus)
		return nil
	}))

	err = store.WithTx(ctx, func(r hr.Repository) error {
		return r.UpdateAllocation(ctx, newAllocation("missing", "E1"))
	})
	assert.ErrorIs(t, err, hr.ErrNotFound)
}

func TestOneCreditPerAllocation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	expires := now.AddDate(0, 0, 90)

	credit := hr.RLCredit{
		ID: "CR1", EmployeeID: "E1", SourceAllocationID: "A1", RuleCode: "TRAIN1",
		EventDate: time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC),
		Days:      hr.NewDays(1), Consumed: hr.ZeroDays(), IssuedAt: now, ExpiresAt: &expires,
	}
	tx(t, store, func(r hr.Repository) error { return r.InsertCredit(ctx, credit) })

	credit.ID = "CR2"
	err := store.WithTx(ctx, func(r hr.Repository) error { return r.InsertCredit(ctx, credit) })
	assert.ErrorIs(t, err, hr.ErrDuplicateCredit)

	tx(t, store, func(r hr.Repository) error { return r.UpdateCreditConsumed(ctx, "CR1", hr.NewDays(0.5)) })

	require.NoError(t, store.View(ctx, func(r hr.Repository) error {
		got, err := r.GetCreditByAllocation(ctx, "A1")
		require.NoError(t, err)
		assert.Equal(t, "CR1", got.ID)
		assert.True(t, got.Remaining().Equal(hr.NewDays(0.5)))
		require.NotNil(t, got.ExpiresAt)
		assert.Equal(t, expires, *got.ExpiresAt)

		march := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		endMarch := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
		list, err := r.ListCredits(ctx, hr.CreditFilter{EmployeeID: "E1", RuleCode: "TRAIN1", EventFrom: &march, EventTo: &endMarch})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		april := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		list, err = r.ListCredits(ctx, hr.CreditFilter{EmployeeID: "E1", EventFrom: &april})
		require.NoError(t, err)
		assert.Empty(t, list)
		return nil
	}))
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

func TestUpdateRequestCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tx(t, store, func(r hr.Repository) error {
		if err := r.InsertLeaveType(ctx, hr.LeaveType{Code: "AL", Name: "Annual", Active: true, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return r.InsertRequest(ctx, hr.LeaveRequest{
			ID: "LR1", EmployeeID: "E1", LeaveTypeCode: "AL",
			StartDate: now, EndDate: now, Days: hr.NewDays(1),
			Status: hr.RequestPending, SubmittedAt: now,
		})
	})

	decided := now.Add(time.Hour)
	approved := hr.LeaveRequest{
		ID: "LR1", Status: hr.RequestApproved, DecidedBy: "M1", DecidedAt: &decided, Version: 0,
	}
	tx(t, store, func(r hr.Repository) error { return r.UpdateRequest(ctx, approved) })

	rejected := approved
	rejected.Status = hr.RequestRejected
	err := store.WithTx(ctx, func(r hr.Repository) error { return r.UpdateRequest(ctx, rejected) })
	assert.ErrorIs(t, err, hr.ErrConcurrentModification)

	err = store.WithTx(ctx, func(r hr.Repository) error {
		return r.UpdateRequest(ctx, hr.LeaveRequest{ID: "missing"})
	})
	assert.ErrorIs(t, err, hr.ErrNotFound)

	require.NoError(t, store.View(ctx, func(r hr.Repository) error {
		got, err := r.GetRequest(ctx, "LR1")
		require.NoError(t, err)
		assert.Equal(t, hr.RequestApproved, got.Status)
		assert.Equal(t, 1, got.Version)
		require.NotNil(t, got.DecidedAt)
		assert.Equal(t, decided, *got.DecidedAt)

		pending, err := r.ListRequests(ctx, hr.RequestFilter{Status: hr.RequestPending})
		require.NoError(t, err)
		assert.Empty(t, pending)
		return nil
	}))
}

// =============================================================================
// LEDGER AND AUDIT
// =============================================================================

func TestAppendLedgerIsAllOrNone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entry := func(id, key string, d float64) hr.LedgerEntry {
		return hr.LedgerEntry{
			ID: id, EmployeeID: "E1", LeaveTypeCode: "AL", Type: hr.EntryGrant,
			Delta: hr.NewDays(d), IdempotencyKey: key, EffectiveAt: now, CreatedAt: now,
		}
	}
	tx(t, store, func(r hr.Repository) error { return r.AppendLedger(ctx, entry("L1", "k1", 10)) })

	// Second batch collides on its last entry; the first entry must not survive.
	tx(t, store, func(r hr.Repository) error {
		err := r.AppendLedger(ctx, entry("L2", "k2", 1), entry("L3", "k1", 1))
		assert.ErrorIs(t, err, hr.ErrDuplicate)
		return nil
	})

	require.NoError(t, store.View(ctx, func(r hr.Repository) error {
		list, err := r.ListLedger(ctx, "E1", "AL")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "L1", list[0].ID)
		return nil
	}))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(r hr.Repository) error {
		if err := r.AppendAudit(ctx, hr.AuditEntry{ID: "AU1", Action: hr.ActionSubmitted, PerformedBy: "E1", Timestamp: now}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, store.View(ctx, func(r hr.Repository) error {
		list, err := r.ListAudit(ctx, hr.AuditFilter{})
		require.NoError(t, err)
		assert.Empty(t, list)
		return nil
	}))
}

func TestListAuditFiltersNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tx(t, store, func(r hr.Repository) error {
		entries := []hr.AuditEntry{
			{ID: "1", Action: hr.ActionSubmitted, PerformedBy: "E1", TargetEmployee: "E1", Timestamp: now},
			{ID: "2", Action: hr.ActionApproved, PerformedBy: "M1", TargetEmployee: "E1", Timestamp: now.Add(time.Hour)},
			{ID: "3", Action: hr.ActionSubmitted, PerformedBy: "E2", TargetEmployee: "E2", Timestamp: now.Add(2 * time.Hour)},
			{ID: "4", Action: hr.ActionOverride, PerformedBy: "ADM", TargetEmployee: "E2", Timestamp: now.Add(2 * time.Hour)},
		}
		for _, e := range entries {
			if err := r.AppendAudit(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})

	ids := func(list []hr.AuditEntry) []string {
		var out []string
		for _, e := range list {
			out = append(out, e.ID)
		}
		return out
	}

	require.NoError(t, store.View(ctx, func(r hr.Repository) error {
		all, err := r.ListAudit(ctx, hr.AuditFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"4", "3", "2", "1"}, ids(all))

		e1, err := r.ListAudit(ctx, hr.AuditFilter{EmployeeID: "E1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"2", "1"}, ids(e1))

		submitted, err := r.ListAudit(ctx, hr.AuditFilter{Actions: []hr.AuditAction{hr.ActionSubmitted}})
		require.NoError(t, err)
		assert.Equal(t, []string{"3", "1"}, ids(submitted))

		from, to := now.Add(30*time.Minute), now.Add(90*time.Minute)
		window, err := r.ListAudit(ctx, hr.AuditFilter{From: &from, To: &to})
		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, ids(window))

		page, err := r.ListAudit(ctx, hr.AuditFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"3", "2"}, ids(page))
		return nil
	}))
}

// =============================================================================
// DIRECTORY AND CALENDAR
// =============================================================================

func TestEmployeesAndHolidays(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tx(t, store, func(r hr.Repository) error {
		if err := r.SaveEmployee(ctx, hr.Employee{ID: "E1", Name: "Ana", Department: "OPS", ManagerID: "M1", Active: true}); err != nil {
			return err
		}
		if err := r.SaveHoliday(ctx, hr.Holiday{ID: "H1", Date: time.Date(2020, 12, 25, 0, 0, 0, 0, time.UTC), Name: "Christmas", Recurring: true}); err != nil {
			return err
		}
		return r.SaveHoliday(ctx, hr.Holiday{ID: "H2", Date: time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC), Name: "Founders day"})
	})

	emp, err := hr.StoreDirectory{Store: store}.Employee(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, "M1", emp.ManagerID)
	assert.True(t, emp.Active)

	_, err = hr.StoreDirectory{Store: store}.Employee(ctx, "nobody")
	assert.ErrorIs(t, err, hr.ErrNotFound)

	june, err := hr.StoreHolidays{Store: store}.HolidaysBetween(ctx,
		time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 6, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	// Recurring holidays are always returned; the calendar matches them by month and day.
	require.Len(t, june, 2)
	assert.Equal(t, "H1", june[0].ID)
	assert.Equal(t, "H2", june[1].ID)
}

func TestFileDatabaseSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toil.db")
	ctx := context.Background()

	store, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))
	tx(t, store, func(r hr.Repository) error {
		return r.InsertLeaveType(ctx, hr.LeaveType{Code: "AL", Name: "Annual", Active: true, CreatedAt: now, UpdatedAt: now})
	})
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	require.NoError(t, reopened.View(ctx, func(r hr.Repository) error {
		lt, err := r.GetLeaveType(ctx, "AL")
		require.NoError(t, err)
		assert.Equal(t, "Annual", lt.Name)
		return nil
	}))
}
