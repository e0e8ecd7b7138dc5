/*
store.go - Persistence contract

PURPOSE:
  Defines the boundary between the engine and the database. Every public
  operation runs inside exactly one transaction obtained from Store.WithTx,
  so a state transition, its balance effect and its audit entry either all
  commit or all roll back.

CONCURRENCY CONTRACT:
  - UpdateAllocation / UpdateRequest are compare-and-set on Version.
    A stale version returns ErrConcurrentModification.
  - InsertCredit enforces uniqueness of SourceAllocationID and returns
    ErrDuplicateCredit. This is the last line of defence against two
    confirmations crediting the same allocation.
  - AppendAudit and AppendLedger have no update or delete counterpart.

IMPLEMENTATIONS:
  - store/memory: snapshot/restore transactions, for tests and demos
  - store/sqlite: database/sql with mattn/go-sqlite3
*/
package hr

import (
	"context"
	"time"
)

// Repository is the set of reads and writes available inside a transaction.
type Repository interface {
	// Employees (directory)
	SaveEmployee(ctx context.Context, e Employee) error
	GetEmployee(ctx context.Context, id string) (Employee, error)

	// Rule registry
	InsertLeaveType(ctx context.Context, lt LeaveType) error
	UpdateLeaveType(ctx context.Context, lt LeaveType) error
	GetLeaveType(ctx context.Context, code string) (LeaveType, error)
	ListLeaveTypes(ctx context.Context) ([]LeaveType, error)

	InsertRule(ctx context.Context, r TOILRule) error
	UpdateRule(ctx context.Context, r TOILRule) error
	GetRule(ctx context.Context, code string) (TOILRule, error)
	ListRules(ctx context.Context) ([]TOILRule, error)

	// Training
	InsertCourse(ctx context.Context, c TrainingCourse) error
	GetCourse(ctx context.Context, id string) (TrainingCourse, error)
	InsertEvent(ctx context.Context, e TrainingEvent) error
	GetEvent(ctx context.Context, id string) (TrainingEvent, error)

	InsertAllocation(ctx context.Context, a Allocation) error
	GetAllocation(ctx context.Context, id string) (Allocation, error)
	ListAllocations(ctx context.Context, eventID string) ([]Allocation, error)
	UpdateAllocation(ctx context.Context, a Allocation) error

	// Credits
	InsertCredit(ctx context.Context, c RLCredit) error
	GetCreditByAllocation(ctx context.Context, allocationID string) (RLCredit, error)
	ListCredits(ctx context.Context, f CreditFilter) ([]RLCredit, error)
	UpdateCreditConsumed(ctx context.Context, id string, consumed Days) error

	// Leave requests
	InsertRequest(ctx context.Context, r LeaveRequest) error
	GetRequest(ctx context.Context, id string) (LeaveRequest, error)
	UpdateRequest(ctx context.Context, r LeaveRequest) error
	ListRequests(ctx context.Context, f RequestFilter) ([]LeaveRequest, error)

	// Balance ledger (append-only)
	AppendLedger(ctx context.Context, entries ...LedgerEntry) error
	ListLedger(ctx context.Context, employeeID, leaveTypeCode string) ([]LedgerEntry, error)

	// Audit log (append-only)
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	// Holidays
	SaveHoliday(ctx context.Context, h Holiday) error
	HolidaysBetween(ctx context.Context, start, end time.Time) ([]Holiday, error)
}

// Store hands out repositories bound to a transaction.
type Store interface {
	// WithTx runs fn in a transaction. If fn returns an error every write is
	// rolled back, otherwise all of them commit.
	WithTx(ctx context.Context, fn func(Repository) error) error

	// View runs fn against a read-only view.
	View(ctx context.Context, fn func(Repository) error) error
}

// =============================================================================
// DIRECTORY - Employee lookup (external collaborator)
// =============================================================================

type Directory interface {
	Employee(ctx context.Context, id string) (Employee, error)
}

// StoreDirectory serves the directory from the store's employee table.
type StoreDirectory struct {
	Store Store
}

func (d StoreDirectory) Employee(ctx context.Context, id string) (Employee, error) {
	var e Employee
	err := d.Store.View(ctx, func(r Repository) error {
		var err error
		e, err = r.GetEmployee(ctx, id)
		return err
	})
	return e, err
}

// StoreHolidays serves holidays from the store.
type StoreHolidays struct {
	Store Store
}

func (h StoreHolidays) HolidaysBetween(ctx context.Context, start, end time.Time) ([]Holiday, error) {
	var out []Holiday
	err := h.Store.View(ctx, func(r Repository) error {
		var err error
		out, err = r.HolidaysBetween(ctx, start, end)
		return err
	})
	return out, err
}
