/*
Package sqlite provides the SQLite-backed hr.Store.

PURPOSE:
  Production persistence for the engine. Every public operation runs in a
  single *sql.Tx; the repository handed to the engine is bound to that
  transaction, so a transition, its ledger rows and its audit entry commit
  or roll back together.

KEY TABLES:
  leave_types, toil_rules:      rule registry (never deleted)
  training_courses/events:      training catalogue
  allocations:                  (event, employee) pairs, versioned
  rl_credits:                   one row per credited allocation
  leave_requests:               versioned request state machine
  ledger_entries:               append-only balance movements
  audit_log:                    append-only audit trail
  employees, holidays:          directory and calendar collaborators

INDEXES THAT ENFORCE INVARIANTS:
  - idx_credits_source_allocation: at most one credit per allocation
  - idx_allocations_event_employee: one allocation per (event, employee)
  - idx_ledger_idempotency: an idempotency key is written once
  - idx_courses_code: course codes are unique

CONCURRENCY:
  The pool is limited to one connection, so transactions are serialised
  by SQLite itself. Allocation and request updates are additionally
  compare-and-set on version.

USAGE:
  store, err := sqlite.New("./data/toil.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is created on New() with CREATE ... IF NOT EXISTS.

SEE ALSO:
  - hr/store.go: the Repository contract
  - store/memory: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/toil-engine/hr"
)

// Fixed width so text ordering matches time ordering.
const (
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
	dateLayout = "2006-01-02"
)

// Store implements hr.Store on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at dbPath. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", hr.ErrStoreUnavailable, err)
	}
	return nil
}

// Migrate creates the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		department TEXT,
		grade TEXT,
		employment_type TEXT,
		manager_id TEXT,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS leave_types (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		paid INTEGER NOT NULL,
		requires_approval INTEGER NOT NULL,
		requires_document INTEGER NOT NULL,
		max_days_per_year TEXT NOT NULL,
		carry_forward_days TEXT NOT NULL,
		carry_forward_expiry_days INTEGER NOT NULL,
		min_notice_days INTEGER NOT NULL,
		credit_backed INTEGER NOT NULL,
		active INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS toil_rules (
		code TEXT PRIMARY KEY,
		name TEXT,
		trigger_type TEXT NOT NULL,
		credit_type TEXT NOT NULL,
		credit_days TEXT NOT NULL,
		min_hours_required TEXT NOT NULL,
		max_per_event TEXT NOT NULL,
		max_per_month TEXT NOT NULL,
		max_per_year TEXT NOT NULL,
		expiry_days INTEGER NOT NULL,
		carry_forward INTEGER NOT NULL,
		departments_json TEXT NOT NULL,
		grades_json TEXT NOT NULL,
		employment_types_json TEXT NOT NULL,
		requires_approval INTEGER NOT NULL,
		active INTEGER NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS training_courses (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		default_rl_eligible INTEGER NOT NULL,
		rule_code TEXT,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_courses_code ON training_courses(code);

	CREATE TABLE IF NOT EXISTS training_events (
		id TEXT PRIMARY KEY,
		course_id TEXT NOT NULL REFERENCES training_courses(id),
		title TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		day_type TEXT NOT NULL,
		rl_eligible INTEGER NOT NULL,
		rule_code TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		CHECK (rl_eligible = 0 OR day_type <> 'WORKING_DAY')
	);

	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES training_events(id),
		employee_id TEXT NOT NULL,
		attendance_status TEXT NOT NULL,
		hours_attended TEXT NOT NULL,
		completion_status TEXT NOT NULL,
		rl_eligible INTEGER NOT NULL,
		rl_credit_id TEXT,
		notes TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_allocations_event_employee
		ON allocations(event_id, employee_id);

	CREATE TABLE IF NOT EXISTS rl_credits (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		source_allocation_id TEXT NOT NULL,
		rule_code TEXT NOT NULL,
		event_date TEXT NOT NULL,
		days TEXT NOT NULL,
		consumed TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		expires_at TEXT
	);
	-- CRITICAL: at most one credit per allocation
	CREATE UNIQUE INDEX IF NOT EXISTS idx_credits_source_allocation
		ON rl_credits(source_allocation_id);
	CREATE INDEX IF NOT EXISTS idx_credits_employee_rule_date
		ON rl_credits(employee_id, rule_code, event_date);

	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type_code TEXT NOT NULL REFERENCES leave_types(code),
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		days TEXT NOT NULL,
		reason TEXT,
		document_ref TEXT,
		status TEXT NOT NULL,
		approver_id TEXT,
		decided_by TEXT,
		decision_notes TEXT,
		submitted_at TEXT NOT NULL,
		decided_at TEXT,
		version INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_requests_employee ON leave_requests(employee_id, leave_type_code);
	CREATE INDEX IF NOT EXISTS idx_requests_status ON leave_requests(status, submitted_at);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type_code TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		delta TEXT NOT NULL,
		credit_id TEXT,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT,
		effective_at TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_employee_type
		ON ledger_entries(employee_id, leave_type_code, effective_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_idempotency
		ON ledger_entries(idempotency_key) WHERE idempotency_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		performed_by TEXT NOT NULL,
		target_employee TEXT,
		request_id TEXT,
		allocation_id TEXT,
		code TEXT,
		notes TEXT,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_employee ON audit_log(target_employee, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);

	CREATE TABLE IF NOT EXISTS holidays (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		name TEXT NOT NULL,
		recurring INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_holidays_date ON holidays(date);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONS (hr.Store)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(hr.Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", hr.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if err := fn(&repo{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", hr.ErrStoreUnavailable, err)
	}
	return nil
}

// View executes fn outside of an explicit transaction. fn must not write.
func (s *Store) View(ctx context.Context, fn func(hr.Repository) error) error {
	return fn(&repo{q: s.db})
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type repo struct {
	q querier
}

var _ hr.Repository = (*repo)(nil)

// =============================================================================
// EMPLOYEES
// =============================================================================

func (r *repo) SaveEmployee(ctx context.Context, e hr.Employee) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO employees (id, name, department, grade, employment_type, manager_id, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			department = excluded.department,
			grade = excluded.grade,
			employment_type = excluded.employment_type,
			manager_id = excluded.manager_id,
			active = excluded.active
	`, e.ID, e.Name, e.Department, e.Grade, e.EmploymentType, nullString(e.ManagerID), e.Active)
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

func (r *repo) GetEmployee(ctx context.Context, id string) (hr.Employee, error) {
	var (
		e                             hr.Employee
		dept, grade, empType, manager sql.NullString
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, name, department, grade, employment_type, manager_id, active
		FROM employees WHERE id = ?
	`, id).Scan(&e.ID, &e.Name, &dept, &grade, &empType, &manager, &e.Active)
	if err != nil {
		return hr.Employee{}, notFound(err)
	}
	e.Department = dept.String
	e.Grade = grade.String
	e.EmploymentType = empType.String
	e.ManagerID = manager.String
	return e, nil
}

// =============================================================================
// LEAVE TYPES
// =============================================================================

const leaveTypeColumns = `code, name, paid, requires_approval, requires_document,
	max_days_per_year, carry_forward_days, carry_forward_expiry_days, min_notice_days,
	credit_backed, active, created_at, updated_at`

func leaveTypeArgs(lt hr.LeaveType) []any {
	return []any{
		lt.Code, lt.Name, lt.Paid, lt.RequiresApproval, lt.RequiresDocument,
		days(lt.MaxDaysPerYear), days(lt.CarryForwardDays), lt.CarryForwardExpiryDays, lt.MinNoticeDays,
		lt.CreditBacked, lt.Active, formatTime(lt.CreatedAt), formatTime(lt.UpdatedAt),
	}
}

func (r *repo) InsertLeaveType(ctx context.Context, lt hr.LeaveType) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO leave_types (`+leaveTypeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		leaveTypeArgs(lt)...)
	if isUniqueConstraintError(err) {
		return hr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert leave type: %w", err)
	}
	return nil
}

func (r *repo) UpdateLeaveType(ctx context.Context, lt hr.LeaveType) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE leave_types SET
			name = ?, paid = ?, requires_approval = ?, requires_document = ?,
			max_days_per_year = ?, carry_forward_days = ?, carry_forward_expiry_days = ?,
			min_notice_days = ?, credit_backed = ?, active = ?, updated_at = ?
		WHERE code = ?
	`, lt.Name, lt.Paid, lt.RequiresApproval, lt.RequiresDocument,
		days(lt.MaxDaysPerYear), days(lt.CarryForwardDays), lt.CarryForwardExpiryDays,
		lt.MinNoticeDays, lt.CreditBacked, lt.Active, formatTime(lt.UpdatedAt), lt.Code)
	if err != nil {
		return fmt.Errorf("failed to update leave type: %w", err)
	}
	return requireRow(res)
}

func (r *repo) GetLeaveType(ctx context.Context, code string) (hr.LeaveType, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+leaveTypeColumns+` FROM leave_types WHERE code = ?`, code)
	lt, err := scanLeaveType(row)
	if err != nil {
		return hr.LeaveType{}, notFound(err)
	}
	return lt, nil
}

func (r *repo) ListLeaveTypes(ctx context.Context) ([]hr.LeaveType, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+leaveTypeColumns+` FROM leave_types ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to query leave types: %w", err)
	}
	defer rows.Close()

	var out []hr.LeaveType
	for rows.Next() {
		lt, err := scanLeaveType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lt)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLeaveType(row scanner) (hr.LeaveType, error) {
	var (
		lt                 hr.LeaveType
		createdAt, updated string
	)
	err := row.Scan(&lt.Code, &lt.Name, &lt.Paid, &lt.RequiresApproval, &lt.RequiresDocument,
		&lt.MaxDaysPerYear, &lt.CarryForwardDays, &lt.CarryForwardExpiryDays, &lt.MinNoticeDays,
		&lt.CreditBacked, &lt.Active, &createdAt, &updated)
	if err != nil {
		return hr.LeaveType{}, err
	}
	lt.CreatedAt = parseTime(createdAt)
	lt.UpdatedAt = parseTime(updated)
	return lt, nil
}

// =============================================================================
// TOIL RULES
// =============================================================================

const ruleColumns = `code, name, trigger_type, credit_type, credit_days, min_hours_required,
	max_per_event, max_per_month, max_per_year, expiry_days, carry_forward,
	departments_json, grades_json, employment_types_json, requires_approval, active,
	effective_from, effective_to, created_at, updated_at`

func ruleArgs(rule hr.TOILRule) []any {
	return []any{
		rule.Code, rule.Name, string(rule.Trigger), string(rule.CreditType),
		days(rule.CreditDays), days(rule.MinHoursRequired),
		days(rule.MaxPerEvent), days(rule.MaxPerMonth), days(rule.MaxPerYear),
		rule.ExpiryDays, rule.CarryForward,
		stringList(rule.Departments), stringList(rule.Grades), stringList(rule.EmploymentTypes),
		rule.RequiresApproval, rule.Active,
		formatDate(rule.EffectiveFrom), nullDate(rule.EffectiveTo),
		formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt),
	}
}

func (r *repo) InsertRule(ctx context.Context, rule hr.TOILRule) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO toil_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ruleArgs(rule)...)
	if isUniqueConstraintError(err) {
		return hr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func (r *repo) UpdateRule(ctx context.Context, rule hr.TOILRule) error {
	args := ruleArgs(rule)
	// Code moves from first to last for the WHERE clause; created_at is immutable.
	res, err := r.q.ExecContext(ctx, `
		UPDATE toil_rules SET
			name = ?, trigger_type = ?, credit_type = ?, credit_days = ?, min_hours_required = ?,
			max_per_event = ?, max_per_month = ?, max_per_year = ?, expiry_days = ?, carry_forward = ?,
			departments_json = ?, grades_json = ?, employment_types_json = ?,
			requires_approval = ?, active = ?, effective_from = ?, effective_to = ?, updated_at = ?
		WHERE code = ?
	`, append(append(args[1:18:18], args[19]), args[0])...)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRow(res)
}

func (r *repo) GetRule(ctx context.Context, code string) (hr.TOILRule, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM toil_rules WHERE code = ?`, code)
	rule, err := scanRule(row)
	if err != nil {
		return hr.TOILRule{}, notFound(err)
	}
	return rule, nil
}

func (r *repo) ListRules(ctx context.Context) ([]hr.TOILRule, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+ruleColumns+` FROM toil_rules ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []hr.TOILRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func scanRule(row scanner) (hr.TOILRule, error) {
	var (
		rule                    hr.TOILRule
		name                    sql.NullString
		trigger, creditType     string
		depts, grades, empTypes string
		effectiveFrom           string
		effectiveTo             sql.NullString
		createdAt, updatedAt    string
	)
	err := row.Scan(&rule.Code, &name, &trigger, &creditType, &rule.CreditDays, &rule.MinHoursRequired,
		&rule.MaxPerEvent, &rule.MaxPerMonth, &rule.MaxPerYear, &rule.ExpiryDays, &rule.CarryForward,
		&depts, &grades, &empTypes, &rule.RequiresApproval, &rule.Active,
		&effectiveFrom, &effectiveTo, &createdAt, &updatedAt)
	if err != nil {
		return hr.TOILRule{}, err
	}
	rule.Name = name.String
	rule.Trigger = hr.TriggerType(trigger)
	rule.CreditType = hr.CreditType(creditType)
	rule.Departments = parseStringList(depts)
	rule.Grades = parseStringList(grades)
	rule.EmploymentTypes = parseStringList(empTypes)
	rule.EffectiveFrom = parseDate(effectiveFrom)
	rule.EffectiveTo = parseNullDate(effectiveTo)
	rule.CreatedAt = parseTime(createdAt)
	rule.UpdatedAt = parseTime(updatedAt)
	return rule, nil
}

// =============================================================================
// TRAINING
// =============================================================================

func (r *repo) InsertCourse(ctx context.Context, c hr.TrainingCourse) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO training_courses (id, code, name, default_rl_eligible, rule_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.Code, c.Name, c.DefaultRLEligible, nullString(c.RuleCode), formatTime(c.CreatedAt))
	if isUniqueConstraintError(err) {
		return hr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert course: %w", err)
	}
	return nil
}

func (r *repo) GetCourse(ctx context.Context, id string) (hr.TrainingCourse, error) {
	var (
		c         hr.TrainingCourse
		ruleCode  sql.NullString
		createdAt string
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, code, name, default_rl_eligible, rule_code, created_at
		FROM training_courses WHERE id = ?
	`, id).Scan(&c.ID, &c.Code, &c.Name, &c.DefaultRLEligible, &ruleCode, &createdAt)
	if err != nil {
		return hr.TrainingCourse{}, notFound(err)
	}
	c.RuleCode = ruleCode.String
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

func (r *repo) InsertEvent(ctx context.Context, e hr.TrainingEvent) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO training_events
		(id, course_id, title, start_date, end_date, day_type, rl_eligible, rule_code, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.CourseID, e.Title, formatDate(e.StartDate), formatDate(e.EndDate), string(e.DayType),
		e.RLEligible, nullString(e.RuleCode), e.CreatedBy, formatTime(e.CreatedAt))
	if isUniqueConstraintError(err) {
		return hr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (r *repo) GetEvent(ctx context.Context, id string) (hr.TrainingEvent, error) {
	var (
		e                   hr.TrainingEvent
		title, ruleCode     sql.NullString
		createdBy           sql.NullString
		start, end, dayType string
		createdAt           string
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, course_id, title, start_date, end_date, day_type, rl_eligible, rule_code, created_by, created_at
		FROM training_events WHERE id = ?
	`, id).Scan(&e.ID, &e.CourseID, &title, &start, &end, &dayType, &e.RLEligible, &ruleCode, &createdBy, &createdAt)
	if err != nil {
		return hr.TrainingEvent{}, notFound(err)
	}
	e.Title = title.String
	e.StartDate = parseDate(start)
	e.EndDate = parseDate(end)
	e.DayType = hr.DayType(dayType)
	e.RuleCode = ruleCode.String
	e.CreatedBy = createdBy.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

const allocationColumns = `id, event_id, employee_id, attendance_status, hours_attended,
	completion_status, rl_eligible, rl_credit_id, notes, version, created_at, updated_at`

func (r *repo) InsertAllocation(ctx context.Context, a hr.Allocation) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO allocations (`+allocationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EventID, a.EmployeeID, string(a.AttendanceStatus), days(a.HoursAttended),
		string(a.CompletionStatus), a.RLEligible, nullString(a.RLCreditID), a.Notes, a.Version,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if isUniqueConstraintError(err) {
		return hr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	return nil
}

func (r *repo) GetAllocation(ctx context.Context, id string) (hr.Allocation, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id)
	a, err := scanAllocation(row)
	if err != nil {
		return hr.Allocation{}, notFound(err)
	}
	return a, nil
}

func (r *repo) ListAllocations(ctx context.Context, eventID string) ([]hr.Allocation, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE event_id = ? ORDER BY created_at, employee_id`,
		eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var out []hr.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAllocation is compare-and-set on version. The credit id can be set
// once and never replaced.
func (r *repo) UpdateAllocation(ctx context.Context, a hr.Allocation) error {
	var (
		version  int
		creditID sql.NullString
	)
	err := r.q.QueryRowContext(ctx, `SELECT version, rl_credit_id FROM allocations WHERE id = ?`, a.ID).
		Scan(&version, &creditID)
	if err != nil {
		return notFound(err)
	}
	if version != a.Version {
		return hr.ErrConcurrentModification
	}
	if creditID.String != "" && creditID.String != a.RLCreditID {
		return hr.ErrDuplicateCredit
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE allocations SET
			attendance_status = ?, hours_attended = ?, completion_status = ?,
			rl_credit_id = ?, notes = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, string(a.AttendanceStatus), days(a.HoursAttended), string(a.CompletionStatus),
		nullString(a.RLCreditID), a.Notes, formatTime(a.UpdatedAt), a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hr.ErrConcurrentModification
	}
	return nil
}

func scanAllocation(row scanner) (hr.Allocation, error) {
	var (
		a                    hr.Allocation
		attendance, complete string
		creditID, notes      sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.EventID, &a.EmployeeID, &attendance, &a.HoursAttended,
		&complete, &a.RLEligible, &creditID, &notes, &a.Version, &createdAt, &updatedAt)
	if err != nil {
		return hr.Allocation{}, err
	}
	a.AttendanceStatus = hr.AttendanceStatus(attendance)
	a.CompletionStatus = hr.CompletionStatus(complete)
	a.RLCreditID = creditID.String
	a.Notes = notes.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// =============================================================================
// CREDITS
// =============================================================================

const creditColumns = `id, employee_id, source_allocation_id, rule_code, event_date,
	days, consumed, issued_at, expires_at`

func (r *repo) InsertCredit(ctx context.Context, c hr.RLCredit) error {
	var expires sql.NullString
	if c.ExpiresAt != nil {
		expires = sql.NullString{String: formatTime(*c.ExpiresAt), Valid: true}
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO rl_credits (`+creditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.EmployeeID, c.SourceAllocationID, c.RuleCode, formatDate(c.EventDate),
		days(c.Days), days(c.Consumed), formatTime(c.IssuedAt), expires)
	if isUniqueConstraintError(err) {
		if strings.Contains(err.Error(), "source_allocation_id") {
			return hr.ErrDuplicateCredit
		}
		return hr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert credit: %w", err)
	}
	return nil
}

func (r *repo) GetCreditByAllocation(ctx context.Context, allocationID string) (hr.RLCredit, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+creditColumns+` FROM rl_credits WHERE source_allocation_id = ?`, allocationID)
	c, err := scanCredit(row)
	if err != nil {
		return hr.RLCredit{}, notFound(err)
	}
	return c, nil
}

func (r *repo) ListCredits(ctx context.Context, f hr.CreditFilter) ([]hr.RLCredit, error) {
	var (
		where []string
		args  []any
	)
	if f.EmployeeID != "" {
		where = append(where, "employee_id = ?")
		args = append(args, f.EmployeeID)
	}
	if f.RuleCode != "" {
		where = append(where, "rule_code = ?")
		args = append(args, f.RuleCode)
	}
	if f.EventFrom != nil {
		where = append(where, "event_date >= ?")
		args = append(args, formatDate(*f.EventFrom))
	}
	if f.EventTo != nil {
		where = append(where, "event_date <= ?")
		args = append(args, formatDate(*f.EventTo))
	}

	query := `SELECT ` + creditColumns + ` FROM rl_credits` + whereClause(where) + ` ORDER BY issued_at, id`
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credits: %w", err)
	}
	defer rows.Close()

	var out []hr.RLCredit
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *repo) UpdateCreditConsumed(ctx context.Context, id string, consumed hr.Days) error {
	res, err := r.q.ExecContext(ctx, `UPDATE rl_credits SET consumed = ? WHERE id = ?`, days(consumed), id)
	if err != nil {
		return fmt.Errorf("failed to update credit: %w", err)
	}
	return requireRow(res)
}

func scanCredit(row scanner) (hr.RLCredit, error) {
	var (
		c                   hr.RLCredit
		eventDate, issuedAt string
		expires             sql.NullString
	)
	err := row.Scan(&c.ID, &c.EmployeeID, &c.SourceAllocationID, &c.RuleCode, &eventDate,
		&c.Days, &c.Consumed, &issuedAt, &expires)
	if err != nil {
		return hr.RLCredit{}, err
	}
	c.EventDate = parseDate(eventDate)
	c.IssuedAt = parseTime(issuedAt)
	if expires.Valid {
		t := parseTime(expires.String)
		c.ExpiresAt = &t
	}
	return c, nil
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

const requestColumns = `id, employee_id, leave_type_code, start_date, end_date, days, reason,
	document_ref, status, approver_id, decided_by, decision_notes, submitted_at, decided_at, version`

func (r *repo) InsertRequest(ctx context.Context, req hr.LeaveRequest) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO leave_requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.EmployeeID, req.LeaveTypeCode, formatDate(req.StartDate), formatDate(req.EndDate),
		days(req.Days), req.Reason, nullString(req.DocumentRef), string(req.Status),
		nullString(req.ApproverID), nullString(req.DecidedBy), nullString(req.DecisionNotes),
		formatTime(req.SubmittedAt), nullTime(req.DecidedAt), req.Version)
	if isUniqueConstraintError(err) {
		return hr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert leave request: %w", err)
	}
	return nil
}

func (r *repo) GetRequest(ctx context.Context, id string) (hr.LeaveRequest, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM leave_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err != nil {
		return hr.LeaveRequest{}, notFound(err)
	}
	return req, nil
}

// UpdateRequest is compare-and-set on version.
func (r *repo) UpdateRequest(ctx context.Context, req hr.LeaveRequest) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE leave_requests SET
			status = ?, approver_id = ?, decided_by = ?, decision_notes = ?, decided_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, string(req.Status), nullString(req.ApproverID), nullString(req.DecidedBy),
		nullString(req.DecisionNotes), nullTime(req.DecidedAt), req.ID, req.Version)
	if err != nil {
		return fmt.Errorf("failed to update leave request: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.GetRequest(ctx, req.ID); err != nil {
		return err
	}
	return hr.ErrConcurrentModification
}

func (r *repo) ListRequests(ctx context.Context, f hr.RequestFilter) ([]hr.LeaveRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.EmployeeID != "" {
		where = append(where, "employee_id = ?")
		args = append(args, f.EmployeeID)
	}
	if f.LeaveTypeCode != "" {
		where = append(where, "leave_type_code = ?")
		args = append(args, f.LeaveTypeCode)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + requestColumns + ` FROM leave_requests` + whereClause(where) + ` ORDER BY submitted_at, id`
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query leave requests: %w", err)
	}
	defer rows.Close()

	var out []hr.LeaveRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanRequest(row scanner) (hr.LeaveRequest, error) {
	var (
		req                             hr.LeaveRequest
		start, end, status, submittedAt string
		reason, docRef, approver        sql.NullString
		decidedBy, notes, decidedAt     sql.NullString
	)
	err := row.Scan(&req.ID, &req.EmployeeID, &req.LeaveTypeCode, &start, &end, &req.Days, &reason,
		&docRef, &status, &approver, &decidedBy, &notes, &submittedAt, &decidedAt, &req.Version)
	if err != nil {
		return hr.LeaveRequest{}, err
	}
	req.StartDate = parseDate(start)
	req.EndDate = parseDate(end)
	req.Reason = reason.String
	req.DocumentRef = docRef.String
	req.Status = hr.RequestStatus(status)
	req.ApproverID = approver.String
	req.DecidedBy = decidedBy.String
	req.DecisionNotes = notes.String
	req.SubmittedAt = parseTime(submittedAt)
	if decidedAt.Valid {
		t := parseTime(decidedAt.String)
		req.DecidedAt = &t
	}
	return req, nil
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

// AppendLedger inserts entries in the caller's transaction, all or none.
// There is no UPDATE or DELETE on ledger_entries anywhere in this package.
func (r *repo) AppendLedger(ctx context.Context, entries ...hr.LedgerEntry) (err error) {
	if _, err := r.q.ExecContext(ctx, `SAVEPOINT ledger_append`); err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}
	defer func() {
		if err != nil {
			r.q.ExecContext(ctx, `ROLLBACK TO ledger_append`)
		}
		r.q.ExecContext(ctx, `RELEASE ledger_append`)
	}()

	for _, e := range entries {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(id, employee_id, leave_type_code, entry_type, delta, credit_id, reference_id,
			 reason, idempotency_key, effective_at, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.EmployeeID, e.LeaveTypeCode, string(e.Type), days(e.Delta),
			nullString(e.CreditID), nullString(e.ReferenceID), e.Reason, nullString(e.IdempotencyKey),
			formatTime(e.EffectiveAt), e.CreatedBy, formatTime(e.CreatedAt))
		if isUniqueConstraintError(err) {
			return hr.ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}
	return nil
}

func (r *repo) ListLedger(ctx context.Context, employeeID, leaveTypeCode string) ([]hr.LedgerEntry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, employee_id, leave_type_code, entry_type, delta, credit_id, reference_id,
		       reason, idempotency_key, effective_at, created_by, created_at
		FROM ledger_entries
		WHERE employee_id = ? AND leave_type_code = ?
		ORDER BY effective_at ASC, rowid ASC
	`, employeeID, leaveTypeCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var out []hr.LedgerEntry
	for rows.Next() {
		var (
			e                                 hr.LedgerEntry
			entryType, effectiveAt, createdAt string
			creditID, refID, reason, key, by  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EmployeeID, &e.LeaveTypeCode, &entryType, &e.Delta,
			&creditID, &refID, &reason, &key, &effectiveAt, &by, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Type = hr.LedgerEntryType(entryType)
		e.CreditID = creditID.String
		e.ReferenceID = refID.String
		e.Reason = reason.String
		e.IdempotencyKey = key.String
		e.CreatedBy = by.String
		e.EffectiveAt = parseTime(effectiveAt)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG (append-only)
// =============================================================================

func (r *repo) AppendAudit(ctx context.Context, e hr.AuditEntry) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO audit_log
		(id, action, performed_by, target_employee, request_id, allocation_id, code, notes, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, string(e.Action), e.PerformedBy, nullString(e.TargetEmployee), nullString(e.RequestID),
		nullString(e.AllocationID), nullString(e.Code), e.Notes, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("%w: %v", hr.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *repo) ListAudit(ctx context.Context, f hr.AuditFilter) ([]hr.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.EmployeeID != "" {
		where = append(where, "target_employee = ?")
		args = append(args, f.EmployeeID)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if f.From != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(*f.To))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, f.Offset)

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, action, performed_by, target_employee, request_id, allocation_id, code, notes, timestamp
		FROM audit_log`+whereClause(where)+`
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []hr.AuditEntry
	for rows.Next() {
		var (
			e                            hr.AuditEntry
			action, ts                   string
			target, reqID, allocID, code sql.NullString
			notes                        sql.NullString
		)
		if err := rows.Scan(&e.ID, &action, &e.PerformedBy, &target, &reqID, &allocID, &code, &notes, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = hr.AuditAction(action)
		e.TargetEmployee = target.String
		e.RequestID = reqID.String
		e.AllocationID = allocID.String
		e.Code = code.String
		e.Notes = notes.String
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HOLIDAYS
// =============================================================================

func (r *repo) SaveHoliday(ctx context.Context, h hr.Holiday) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO holidays (id, date, name, recurring) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET date = excluded.date, name = excluded.name, recurring = excluded.recurring
	`, h.ID, formatDate(h.Date), h.Name, h.Recurring)
	if err != nil {
		return fmt.Errorf("failed to save holiday: %w", err)
	}
	return nil
}

func (r *repo) HolidaysBetween(ctx context.Context, start, end time.Time) ([]hr.Holiday, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, date, name, recurring FROM holidays
		WHERE recurring = 1 OR (date >= ? AND date <= ?)
		ORDER BY date
	`, formatDate(start), formatDate(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query holidays: %w", err)
	}
	defer rows.Close()

	var out []hr.Holiday
	for rows.Next() {
		var (
			h    hr.Holiday
			date string
		)
		if err := rows.Scan(&h.ID, &date, &h.Name, &h.Recurring); err != nil {
			return nil, fmt.Errorf("failed to scan holiday: %w", err)
		}
		h.Date = parseDate(date)
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// days stores a zero value for unset quantities so NOT NULL columns hold.
func days(d hr.Days) string {
	return d.Decimal.String()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }
func formatDate(t time.Time) string { return t.UTC().Format(dateLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t.UTC()
}

func parseDate(s string) time.Time {
	t, _ := time.Parse(dateLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(*t), Valid: true}
}

func parseNullDate(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseDate(s.String)
	return &t
}

func stringList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func parseStringList(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(s), &out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return hr.ErrNotFound
	}
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return hr.ErrNotFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
