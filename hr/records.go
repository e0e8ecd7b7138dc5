package hr

import "time"

// =============================================================================
// AUDIT LOG ENTRY - Immutable, never updated or deleted
// =============================================================================

type AuditAction string

const (
	ActionSubmitted AuditAction = "SUBMITTED"
	ActionApproved  AuditAction = "APPROVED"
	ActionRejected  AuditAction = "REJECTED"
	ActionCancelled AuditAction = "CANCELLED"
	ActionOverride  AuditAction = "OVERRIDE"

	ActionLeaveTypeCreated     AuditAction = "LEAVE_TYPE_CREATED"
	ActionLeaveTypeUpdated     AuditAction = "LEAVE_TYPE_UPDATED"
	ActionLeaveTypeDeactivated AuditAction = "LEAVE_TYPE_DEACTIVATED"
	ActionRuleCreated          AuditAction = "RULE_CREATED"
	ActionRuleUpdated          AuditAction = "RULE_UPDATED"
	ActionRuleDeactivated      AuditAction = "RULE_DEACTIVATED"

	ActionCourseCreated       AuditAction = "COURSE_CREATED"
	ActionEventCreated        AuditAction = "EVENT_CREATED"
	ActionAllocated           AuditAction = "ALLOCATED"
	ActionAttendanceMarked    AuditAction = "ATTENDANCE_MARKED"
	ActionCompletionConfirmed AuditAction = "COMPLETION_CONFIRMED"
	ActionRLCredited          AuditAction = "RL_CREDITED"

	ActionEntitlementGranted AuditAction = "ENTITLEMENT_GRANTED"
)

type AuditEntry struct {
	ID             string
	Action         AuditAction
	PerformedBy    string
	TargetEmployee string
	RequestID      string
	AllocationID   string
	Code           string // leave type or rule code
	Notes          string
	Timestamp      time.Time
}

// AuditFilter selects entries for compliance reporting. Zero fields match all.
type AuditFilter struct {
	EmployeeID string
	Actions    []AuditAction
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// =============================================================================
// LEDGER ENTRY - Append-only balance movement
// =============================================================================

type LedgerEntryType string

const (
	EntryGrant       LedgerEntryType = "grant"       // entitlement granted
	EntryConsumption LedgerEntryType = "consumption" // approved leave drawn from entitlement
	EntryAdjustment  LedgerEntryType = "adjustment"  // manual correction
	EntryCredit      LedgerEntryType = "credit"      // RL credit issued
	EntryCreditUse   LedgerEntryType = "credit_use"  // approved leave drawn from an RL credit
)

// LedgerEntry records one balance movement. Entries with a CreditID belong to
// the credit side of the balance and are tracked through the credit rows.
type LedgerEntry struct {
	ID             string
	EmployeeID     string
	LeaveTypeCode  string
	Type           LedgerEntryType
	Delta          Days
	CreditID       string
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	EffectiveAt    time.Time
	CreatedBy      string
	CreatedAt      time.Time
}

// =============================================================================
// QUERY FILTERS
// =============================================================================

type CreditFilter struct {
	EmployeeID string
	RuleCode   string
	EventFrom  *time.Time
	EventTo    *time.Time
}

type RequestFilter struct {
	EmployeeID    string
	LeaveTypeCode string
	Status        RequestStatus
}
