/*
Package engine is the caller-facing facade of the replacement-leave engine.

PURPOSE:
  Wires the rule registry, leave lifecycle, training lifecycle, credit
  issuer, escalation monitor and audit log over one hr.Store, and exposes
  every operation with an explicit hr.Principal. The HTTP layer and the
  CLI talk to this type only.

WIRING:
  store ──┬── registry.Service
          ├── leave.Service      (directory, calendar)
          ├── training.Service   (directory, credit.Issuer)
          └── audit.Log

DEFAULT COLLABORATORS:
  Directory  hr.StoreDirectory over the store's employee table
  Calendar   hr.WeekdayCalendar with holidays from the store

SEE ALSO:
  - api/: HTTP transport over Engine
  - cmd/server: process wiring
*/
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/toil-engine/audit"
	"github.com/warp/toil-engine/credit"
	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/ledger"
	"github.com/warp/toil-engine/leave"
	"github.com/warp/toil-engine/registry"
	"github.com/warp/toil-engine/training"
)

// DefaultRLLeaveType is the credit-backed leave type RL credits are issued against.
const DefaultRLLeaveType = "RL"

type Options struct {
	Logger          *zap.Logger
	Directory       hr.Directory
	Calendar        hr.Calendar
	RLLeaveTypeCode string
	Now             func() time.Time
}

type Engine struct {
	store  hr.Store
	logger *zap.Logger
	now    func() time.Time

	Registry *registry.Service
	Leave    *leave.Service
	Training *training.Service
	Audit    *audit.Log
}

func New(store hr.Store, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Directory == nil {
		opts.Directory = hr.StoreDirectory{Store: store}
	}
	if opts.Calendar == nil {
		opts.Calendar = hr.WeekdayCalendar{Holidays: hr.StoreHolidays{Store: store}}
	}
	if opts.RLLeaveTypeCode == "" {
		opts.RLLeaveTypeCode = DefaultRLLeaveType
	}

	issuer := credit.NewIssuer(opts.RLLeaveTypeCode, opts.Logger.Named("credit"))
	e := &Engine{
		store:    store,
		logger:   opts.Logger,
		Registry: registry.New(store, opts.Logger.Named("registry")),
		Leave:    leave.New(store, opts.Directory, opts.Calendar, opts.Logger.Named("leave")),
		Training: training.New(store, opts.Directory, issuer, opts.Logger.Named("training")),
		Audit:    audit.New(store),
	}
	e.SetClock(opts.Now)
	return e
}

// SetClock replaces the time source of every component. nil restores time.Now.
func (e *Engine) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.now = now
	e.Registry.Now = now
	e.Leave.Now = now
	e.Training.Now = now
}

// =============================================================================
// RULE REGISTRY
// =============================================================================

func (e *Engine) CreateLeaveType(ctx context.Context, p hr.Principal, lt hr.LeaveType) (hr.LeaveType, error) {
	return e.Registry.CreateLeaveType(ctx, p, lt)
}

func (e *Engine) UpdateLeaveType(ctx context.Context, p hr.Principal, lt hr.LeaveType) (hr.LeaveType, error) {
	return e.Registry.UpdateLeaveType(ctx, p, lt)
}

func (e *Engine) DeactivateLeaveType(ctx context.Context, p hr.Principal, code string) (hr.LeaveType, error) {
	return e.Registry.DeactivateLeaveType(ctx, p, code)
}

func (e *Engine) ListLeaveTypes(ctx context.Context) ([]hr.LeaveType, error) {
	return e.Registry.ListLeaveTypes(ctx)
}

func (e *Engine) CreateTOILRule(ctx context.Context, p hr.Principal, rule hr.TOILRule) (hr.TOILRule, error) {
	return e.Registry.CreateRule(ctx, p, rule)
}

func (e *Engine) UpdateTOILRule(ctx context.Context, p hr.Principal, rule hr.TOILRule) (hr.TOILRule, error) {
	return e.Registry.UpdateRule(ctx, p, rule)
}

func (e *Engine) DeactivateTOILRule(ctx context.Context, p hr.Principal, code string) (hr.TOILRule, error) {
	return e.Registry.DeactivateRule(ctx, p, code)
}

func (e *Engine) ListTOILRules(ctx context.Context) ([]hr.TOILRule, error) {
	return e.Registry.ListRules(ctx)
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

func (e *Engine) ApplyLeave(ctx context.Context, p hr.Principal, in leave.ApplyInput) (hr.LeaveRequest, error) {
	return e.Leave.Apply(ctx, p, in)
}

func (e *Engine) ApproveLeave(ctx context.Context, p hr.Principal, id, notes string) (hr.LeaveRequest, error) {
	return e.Leave.Approve(ctx, p, id, notes)
}

func (e *Engine) RejectLeave(ctx context.Context, p hr.Principal, id, reason string) (hr.LeaveRequest, error) {
	return e.Leave.Reject(ctx, p, id, reason)
}

func (e *Engine) CancelLeave(ctx context.Context, p hr.Principal, id string) (hr.LeaveRequest, error) {
	return e.Leave.Cancel(ctx, p, id)
}

func (e *Engine) OverrideLeave(ctx context.Context, p hr.Principal, id string, action leave.OverrideAction, justification string) (hr.LeaveRequest, error) {
	return e.Leave.Override(ctx, p, id, action, justification)
}

func (e *Engine) GetLeaveRequest(ctx context.Context, id string) (hr.LeaveRequest, error) {
	return e.Leave.Get(ctx, id)
}

func (e *Engine) ListLeaveRequests(ctx context.Context, employeeID string) ([]hr.LeaveRequest, error) {
	return e.Leave.ListByEmployee(ctx, employeeID)
}

func (e *Engine) ListPendingLeave(ctx context.Context) ([]hr.LeaveRequest, error) {
	return e.Leave.ListPending(ctx)
}

// ListEscalations is open to managers and admins.
func (e *Engine) ListEscalations(ctx context.Context, p hr.Principal, thresholdDays int) ([]leave.Escalation, error) {
	if !p.IsManager() {
		return nil, hr.Forbidden("only managers and admins may view escalations")
	}
	return e.Leave.FindEscalations(ctx, thresholdDays)
}

// =============================================================================
// TRAINING
// =============================================================================

func (e *Engine) CreateTrainingCourse(ctx context.Context, p hr.Principal, in training.CourseInput) (hr.TrainingCourse, error) {
	return e.Training.CreateCourse(ctx, p, in)
}

func (e *Engine) CreateTrainingEvent(ctx context.Context, p hr.Principal, in training.EventInput) (hr.TrainingEvent, error) {
	return e.Training.CreateEvent(ctx, p, in)
}

func (e *Engine) GetTrainingEvent(ctx context.Context, id string) (hr.TrainingEvent, error) {
	return e.Training.GetEvent(ctx, id)
}

func (e *Engine) AllocateWorkers(ctx context.Context, p hr.Principal, eventID string, employeeIDs []string) (training.AllocateResult, error) {
	return e.Training.Allocate(ctx, p, eventID, employeeIDs)
}

func (e *Engine) ListAllocations(ctx context.Context, eventID string) ([]hr.Allocation, error) {
	return e.Training.ListAllocations(ctx, eventID)
}

func (e *Engine) MarkAttendance(ctx context.Context, p hr.Principal, allocationID string, status hr.AttendanceStatus, hours hr.Days) (hr.Allocation, error) {
	return e.Training.MarkAttendance(ctx, p, allocationID, status, hours)
}

func (e *Engine) ConfirmCompletion(ctx context.Context, p hr.Principal, allocationID string, status hr.CompletionStatus, notes string) (training.CompletionResult, error) {
	return e.Training.ConfirmCompletion(ctx, p, allocationID, status, notes)
}

// =============================================================================
// AUDIT
// =============================================================================

// ListAuditLogs is compliance reporting for managers and admins.
func (e *Engine) ListAuditLogs(ctx context.Context, p hr.Principal, f hr.AuditFilter) ([]hr.AuditEntry, error) {
	if !p.IsManager() {
		return nil, hr.Forbidden("only managers and admins may read the audit log")
	}
	return e.Audit.List(ctx, f)
}

// =============================================================================
// BALANCES
// =============================================================================

// GrantEntitlement credits entitlement days to an employee. The idempotency
// key makes retries safe; an empty key always grants.
func (e *Engine) GrantEntitlement(ctx context.Context, p hr.Principal, employeeID, leaveTypeCode string, days hr.Days, reason, idempotencyKey string) (hr.LedgerEntry, error) {
	if !p.IsAdmin() {
		return hr.LedgerEntry{}, hr.Forbidden("only admins may grant entitlement")
	}
	emp, err := e.directory(ctx, employeeID)
	if err != nil {
		return hr.LedgerEntry{}, err
	}

	now := e.now().UTC()
	var entry hr.LedgerEntry
	err = e.store.WithTx(ctx, func(r hr.Repository) error {
		lt, err := r.GetLeaveType(ctx, strings.TrimSpace(leaveTypeCode))
		if err != nil {
			return hr.Missing(err, "leave type", leaveTypeCode)
		}
		entry, err = ledger.Grant(ctx, r, emp.ID, lt, days, reason, idempotencyKey, p.ID, now)
		if err != nil {
			return err
		}
		return audit.Append(ctx, r, hr.AuditEntry{
			Action:         hr.ActionEntitlementGranted,
			PerformedBy:    p.ID,
			TargetEmployee: emp.ID,
			Code:           lt.Code,
			Notes:          days.String() + " days: " + reason,
			Timestamp:      now,
		})
	})
	if err != nil {
		return hr.LedgerEntry{}, err
	}
	e.logger.Info("entitlement granted",
		zap.String("employee", emp.ID),
		zap.String("type", entry.LeaveTypeCode),
		zap.String("days", days.String()))
	return entry, nil
}

// Balance is visible to the employee, their manager and admins.
func (e *Engine) Balance(ctx context.Context, p hr.Principal, employeeID, leaveTypeCode string) (ledger.Balance, error) {
	if err := e.canView(ctx, p, employeeID); err != nil {
		return ledger.Balance{}, err
	}
	var b ledger.Balance
	err := e.store.View(ctx, func(r hr.Repository) error {
		lt, err := r.GetLeaveType(ctx, leaveTypeCode)
		if err != nil {
			return hr.Missing(err, "leave type", leaveTypeCode)
		}
		b, err = ledger.Compute(ctx, r, employeeID, lt, e.now().UTC())
		return err
	})
	return b, err
}

func (e *Engine) BalanceHistory(ctx context.Context, p hr.Principal, employeeID, leaveTypeCode string) ([]hr.LedgerEntry, error) {
	if err := e.canView(ctx, p, employeeID); err != nil {
		return nil, err
	}
	var out []hr.LedgerEntry
	err := e.store.View(ctx, func(r hr.Repository) error {
		var err error
		out, err = ledger.History(ctx, r, employeeID, leaveTypeCode)
		return err
	})
	return out, err
}

func (e *Engine) canView(ctx context.Context, p hr.Principal, employeeID string) error {
	if p.ID == employeeID || p.IsAdmin() {
		return nil
	}
	emp, err := e.directory(ctx, employeeID)
	if err != nil {
		return err
	}
	if p.IsManager() && emp.ManagerID == p.ID {
		return nil
	}
	return hr.Forbidden("principal %s may not view balances of %s", p.ID, employeeID)
}

func (e *Engine) directory(ctx context.Context, id string) (hr.Employee, error) {
	emp, err := e.Leave.Directory.Employee(ctx, id)
	if err != nil {
		return hr.Employee{}, hr.Missing(err, "employee", id)
	}
	return emp, nil
}

// =============================================================================
// DIRECTORY AND CALENDAR DATA
// =============================================================================

// RegisterEmployee upserts a directory record in the store.
func (e *Engine) RegisterEmployee(ctx context.Context, p hr.Principal, emp hr.Employee) (hr.Employee, error) {
	if !p.IsAdmin() {
		return hr.Employee{}, hr.Forbidden("only admins may register employees")
	}
	emp.ID = strings.TrimSpace(emp.ID)
	if emp.ID == "" {
		return hr.Employee{}, hr.Validation("id", "is required")
	}
	if strings.TrimSpace(emp.Name) == "" {
		return hr.Employee{}, hr.Validation("name", "is required")
	}
	if emp.ManagerID == emp.ID {
		return hr.Employee{}, hr.Validation("manager_id", "an employee cannot manage themselves")
	}
	err := e.store.WithTx(ctx, func(r hr.Repository) error {
		return r.SaveEmployee(ctx, emp)
	})
	if err != nil {
		return hr.Employee{}, err
	}
	return emp, nil
}

func (e *Engine) GetEmployee(ctx context.Context, id string) (hr.Employee, error) {
	return e.directory(ctx, id)
}

// AddHoliday records a non-working day for the default calendar.
func (e *Engine) AddHoliday(ctx context.Context, p hr.Principal, h hr.Holiday) (hr.Holiday, error) {
	if !p.IsAdmin() {
		return hr.Holiday{}, hr.Forbidden("only admins may manage holidays")
	}
	if h.Date.IsZero() {
		return hr.Holiday{}, hr.Validation("date", "is required")
	}
	if strings.TrimSpace(h.Name) == "" {
		return hr.Holiday{}, hr.Validation("name", "is required")
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	h.Date = hr.Date(h.Date)
	err := e.store.WithTx(ctx, func(r hr.Repository) error {
		return r.SaveHoliday(ctx, h)
	})
	if err != nil {
		return hr.Holiday{}, err
	}
	return h, nil
}

func (e *Engine) ListHolidays(ctx context.Context, start, end time.Time) ([]hr.Holiday, error) {
	var out []hr.Holiday
	err := e.store.View(ctx, func(r hr.Repository) error {
		var err error
		out, err = r.HolidaysBetween(ctx, hr.Date(start), hr.Date(end))
		return err
	})
	return out, err
}
