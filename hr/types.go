/*
Package hr holds the domain model shared by every component of the
replacement-leave engine.

PURPOSE:
  Replacement leave (RL, also called time-off-in-lieu) is credited to an
  employee who works or trains on a day they would normally be off. This
  package defines the records the engine persists and the state enums
  that drive the two lifecycles:

    Leave request:  PENDING ──▶ APPROVED | REJECTED | CANCELLED
    Allocation:     attendance PENDING ──▶ ATTENDED | NO_SHOW | PARTIAL
                    completion PENDING ──▶ COMPLETED | INCOMPLETE

KEY CONCEPTS IN THIS FILE (types.go):
  - LeaveType / TOILRule: admin configuration, soft-deactivated only
  - TrainingCourse / TrainingEvent: what an employee can be allocated to
  - Allocation: one employee on one event, the unit of credit issuance
  - RLCredit: at most one per allocation
  - LeaveRequest: an application for leave against a balance
  - Principal: the acting user, passed explicitly into every operation

SEE ALSO:
  - errors.go: typed error taxonomy
  - store.go: persistence contract
  - days.go: decimal day quantities
*/
package hr

import "time"

// =============================================================================
// PRINCIPAL - Who is acting
// =============================================================================

type Role string

const (
	RoleEmployee Role = "EMPLOYEE"
	RoleManager  Role = "MANAGER"
	RoleAdmin    Role = "ADMIN"
)

// Principal is supplied by the identity collaborator. The engine trusts it
// and only performs role-conditioned business checks.
type Principal struct {
	ID   string
	Role Role
}

// SystemPrincipal performs automatic transitions (auto-approval).
var SystemPrincipal = Principal{ID: "system", Role: RoleAdmin}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

func (p Principal) IsManager() bool { return p.Role == RoleManager || p.Role == RoleAdmin }

// =============================================================================
// EMPLOYEE - Directory record (read-only to the engine)
// =============================================================================

type Employee struct {
	ID             string
	Name           string
	Department     string
	Grade          string
	EmploymentType string
	ManagerID      string
	Active         bool
}

// =============================================================================
// LEAVE TYPE
// =============================================================================

type LeaveType struct {
	Code                   string
	Name                   string
	Paid                   bool
	RequiresApproval       bool
	RequiresDocument       bool
	MaxDaysPerYear         Days
	CarryForwardDays       Days
	CarryForwardExpiryDays int
	MinNoticeDays          int

	// CreditBacked marks the RL leave type: its balance is funded by
	// RL credits in addition to entitlement grants.
	CreditBacked bool

	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// TOIL RULE
// =============================================================================

type TriggerType string

const (
	TriggerTraining          TriggerType = "TRAINING"
	TriggerPublicHolidayWork TriggerType = "PUBLIC_HOLIDAY_WORK"
	TriggerRestDayWork       TriggerType = "REST_DAY_WORK"
	TriggerOvertime          TriggerType = "OVERTIME"
	TriggerOfficialDuty      TriggerType = "OFFICIAL_DUTY"
	TriggerCustom            TriggerType = "CUSTOM"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerTraining, TriggerPublicHolidayWork, TriggerRestDayWork,
		TriggerOvertime, TriggerOfficialDuty, TriggerCustom:
		return true
	}
	return false
}

type CreditType string

const (
	CreditFixed CreditType = "FIXED"
	CreditRatio CreditType = "RATIO"
)

func (c CreditType) Valid() bool { return c == CreditFixed || c == CreditRatio }

// TOILRule decides how much RL a qualifying event earns and who may earn it.
// Zero caps and zero ExpiryDays mean "no limit".
type TOILRule struct {
	Code             string
	Name             string
	Trigger          TriggerType
	CreditType       CreditType
	CreditDays       Days
	MinHoursRequired Days

	MaxPerEvent Days
	MaxPerMonth Days
	MaxPerYear  Days

	ExpiryDays   int
	CarryForward bool

	// Eligibility filters. Empty means everyone matches.
	Departments     []string
	Grades          []string
	EmploymentTypes []string

	RequiresApproval bool
	Active           bool
	EffectiveFrom    time.Time
	EffectiveTo      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// TRAINING
// =============================================================================

type DayType string

const (
	DayWorking       DayType = "WORKING_DAY"
	DayOff           DayType = "OFF_DAY"
	DayRest          DayType = "REST_DAY"
	DayPublicHoliday DayType = "PUBLIC_HOLIDAY"
)

func (d DayType) Valid() bool {
	switch d {
	case DayWorking, DayOff, DayRest, DayPublicHoliday:
		return true
	}
	return false
}

type TrainingCourse struct {
	ID                string
	Code              string
	Name              string
	DefaultRLEligible bool
	RuleCode          string
	CreatedAt         time.Time
}

// TrainingEvent is one scheduled occurrence of a course.
// RLEligible may only be true when DayType is not WORKING_DAY.
type TrainingEvent struct {
	ID         string
	CourseID   string
	Title      string
	StartDate  time.Time
	EndDate    time.Time
	DayType    DayType
	RLEligible bool
	RuleCode   string
	CreatedBy  string
	CreatedAt  time.Time
}

type AttendanceStatus string

const (
	AttendancePending  AttendanceStatus = "PENDING"
	AttendanceAttended AttendanceStatus = "ATTENDED"
	AttendanceNoShow   AttendanceStatus = "NO_SHOW"
	AttendancePartial  AttendanceStatus = "PARTIAL"
)

func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendancePending, AttendanceAttended, AttendanceNoShow, AttendancePartial:
		return true
	}
	return false
}

// Present reports whether completion may be confirmed.
func (s AttendanceStatus) Present() bool {
	return s == AttendanceAttended || s == AttendancePartial
}

type CompletionStatus string

const (
	CompletionPending    CompletionStatus = "PENDING"
	CompletionCompleted  CompletionStatus = "COMPLETED"
	CompletionIncomplete CompletionStatus = "INCOMPLETE"
)

func (s CompletionStatus) Valid() bool {
	switch s {
	case CompletionPending, CompletionCompleted, CompletionIncomplete:
		return true
	}
	return false
}

// Allocation pairs one employee with one event. RLEligible is copied from the
// event when the allocation is created and never changes. RLCreditID is set at
// most once and never cleared.
type Allocation struct {
	ID               string
	EventID          string
	EmployeeID       string
	AttendanceStatus AttendanceStatus
	HoursAttended    Days
	CompletionStatus CompletionStatus
	RLEligible       bool
	RLCreditID       string
	Notes            string
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// =============================================================================
// RL CREDIT
// =============================================================================

type RLCredit struct {
	ID                 string
	EmployeeID         string
	SourceAllocationID string
	RuleCode           string
	EventDate          time.Time
	Days               Days
	Consumed           Days
	IssuedAt           time.Time
	ExpiresAt          *time.Time
}

// Remaining is the unconsumed part of the credit.
func (c RLCredit) Remaining() Days { return c.Days.Sub(c.Consumed) }

// ExpiredAt reports whether the credit can no longer be used at t.
func (c RLCredit) ExpiredAt(t time.Time) bool {
	return c.ExpiresAt != nil && !t.Before(*c.ExpiresAt)
}

// =============================================================================
// LEAVE REQUEST
// =============================================================================

type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestApproved  RequestStatus = "APPROVED"
	RequestRejected  RequestStatus = "REJECTED"
	RequestCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool { return s != RequestPending }

type LeaveRequest struct {
	ID            string
	EmployeeID    string
	LeaveTypeCode string
	StartDate     time.Time
	EndDate       time.Time
	Days          Days
	Reason        string
	DocumentRef   string
	Status        RequestStatus
	ApproverID    string
	DecidedBy     string
	DecisionNotes string
	SubmittedAt   time.Time
	DecidedAt     *time.Time
	Version       int
}

// =============================================================================
// HOLIDAY
// =============================================================================

// Holiday is a non-working calendar day that does not count against leave.
type Holiday struct {
	ID        string
	Date      time.Time
	Name      string
	Recurring bool
}
