/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain records in hr/ from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DATES:
  Calendar dates travel as "YYYY-MM-DD" strings, instants as RFC3339.
  Day quantities are decimal strings ("1.5"); numbers are accepted on input.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers;
  the only checks here are date parsing.

SEE ALSO:
  - handlers.go: Uses these types
  - hr/types.go: Domain records
*/
package api

import (
	"time"

	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/leave"
	"github.com/warp/toil-engine/training"
)

const dateLayout = "2006-01-02"

func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, hr.Validation(field, "must be a YYYY-MM-DD date")
	}
	return t, nil
}

func parseOptionalDate(field string, s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseDate(field, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

// =============================================================================
// EMPLOYEES
// =============================================================================

type EmployeeDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Department     string `json:"department,omitempty"`
	Grade          string `json:"grade,omitempty"`
	EmploymentType string `json:"employment_type,omitempty"`
	ManagerID      string `json:"manager_id,omitempty"`
	Active         bool   `json:"active"`
}

func toEmployeeDTO(e hr.Employee) EmployeeDTO {
	return EmployeeDTO(e)
}

func (d EmployeeDTO) toDomain() hr.Employee {
	return hr.Employee(d)
}

// GrantRequest credits entitlement days to an employee.
type GrantRequest struct {
	LeaveTypeCode  string  `json:"leave_type_code"`
	Days           hr.Days `json:"days"`
	Reason         string  `json:"reason"`
	IdempotencyKey string  `json:"idempotency_key"`
}

type LedgerEntryDTO struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Delta         hr.Days   `json:"delta"`
	CreditID      string    `json:"credit_id,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	EffectiveAt   time.Time `json:"effective_at"`
	CreatedBy     string    `json:"created_by,omitempty"`
	LeaveTypeCode string    `json:"leave_type_code"`
}

func toLedgerEntryDTO(e hr.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:            e.ID,
		Type:          string(e.Type),
		Delta:         e.Delta,
		CreditID:      e.CreditID,
		ReferenceID:   e.ReferenceID,
		Reason:        e.Reason,
		EffectiveAt:   e.EffectiveAt,
		CreatedBy:     e.CreatedBy,
		LeaveTypeCode: e.LeaveTypeCode,
	}
}

// =============================================================================
// RULE REGISTRY
// =============================================================================

type LeaveTypeDTO struct {
	Code                   string    `json:"code"`
	Name                   string    `json:"name"`
	Paid                   bool      `json:"paid"`
	RequiresApproval       bool      `json:"requires_approval"`
	RequiresDocument       bool      `json:"requires_document"`
	MaxDaysPerYear         hr.Days   `json:"max_days_per_year"`
	CarryForwardDays       hr.Days   `json:"carry_forward_days"`
	CarryForwardExpiryDays int       `json:"carry_forward_expiry_days"`
	MinNoticeDays          int       `json:"min_notice_days"`
	CreditBacked           bool      `json:"credit_backed"`
	Active                 bool      `json:"active"`
	CreatedAt              time.Time `json:"created_at,omitempty"`
	UpdatedAt              time.Time `json:"updated_at,omitempty"`
}

func toLeaveTypeDTO(lt hr.LeaveType) LeaveTypeDTO {
	return LeaveTypeDTO(lt)
}

func (d LeaveTypeDTO) toDomain() hr.LeaveType {
	return hr.LeaveType(d)
}

type RuleDTO struct {
	Code             string   `json:"code"`
	Name             string   `json:"name"`
	Trigger          string   `json:"trigger"`
	CreditType       string   `json:"credit_type"`
	CreditDays       hr.Days  `json:"credit_days"`
	MinHoursRequired hr.Days  `json:"min_hours_required"`
	MaxPerEvent      hr.Days  `json:"max_per_event"`
	MaxPerMonth      hr.Days  `json:"max_per_month"`
	MaxPerYear       hr.Days  `json:"max_per_year"`
	ExpiryDays       int      `json:"expiry_days"`
	CarryForward     bool     `json:"carry_forward"`
	Departments      []string `json:"departments,omitempty"`
	Grades           []string `json:"grades,omitempty"`
	EmploymentTypes  []string `json:"employment_types,omitempty"`
	RequiresApproval bool     `json:"requires_approval"`
	Active           bool     `json:"active"`
	EffectiveFrom    string   `json:"effective_from"`
	EffectiveTo      *string  `json:"effective_to,omitempty"`
}

func toRuleDTO(r hr.TOILRule) RuleDTO {
	d := RuleDTO{
		Code:             r.Code,
		Name:             r.Name,
		Trigger:          string(r.Trigger),
		CreditType:       string(r.CreditType),
		CreditDays:       r.CreditDays,
		MinHoursRequired: r.MinHoursRequired,
		MaxPerEvent:      r.MaxPerEvent,
		MaxPerMonth:      r.MaxPerMonth,
		MaxPerYear:       r.MaxPerYear,
		ExpiryDays:       r.ExpiryDays,
		CarryForward:     r.CarryForward,
		Departments:      r.Departments,
		Grades:           r.Grades,
		EmploymentTypes:  r.EmploymentTypes,
		RequiresApproval: r.RequiresApproval,
		Active:           r.Active,
		EffectiveFrom:    formatDate(r.EffectiveFrom),
	}
	if r.EffectiveTo != nil {
		to := formatDate(*r.EffectiveTo)
		d.EffectiveTo = &to
	}
	return d
}

func (d RuleDTO) toDomain() (hr.TOILRule, error) {
	from, err := parseDate("effective_from", d.EffectiveFrom)
	if err != nil {
		return hr.TOILRule{}, err
	}
	to, err := parseOptionalDate("effective_to", d.EffectiveTo)
	if err != nil {
		return hr.TOILRule{}, err
	}
	return hr.TOILRule{
		Code:             d.Code,
		Name:             d.Name,
		Trigger:          hr.TriggerType(d.Trigger),
		CreditType:       hr.CreditType(d.CreditType),
		CreditDays:       d.CreditDays,
		MinHoursRequired: d.MinHoursRequired,
		MaxPerEvent:      d.MaxPerEvent,
		MaxPerMonth:      d.MaxPerMonth,
		MaxPerYear:       d.MaxPerYear,
		ExpiryDays:       d.ExpiryDays,
		CarryForward:     d.CarryForward,
		Departments:      d.Departments,
		Grades:           d.Grades,
		EmploymentTypes:  d.EmploymentTypes,
		RequiresApproval: d.RequiresApproval,
		EffectiveFrom:    from,
		EffectiveTo:      to,
	}, nil
}

// =============================================================================
// TRAINING
// =============================================================================

type CourseRequest struct {
	Code              string `json:"code"`
	Name              string `json:"name"`
	DefaultRLEligible bool   `json:"default_rl_eligible"`
	RuleCode          string `json:"rule_code"`
}

type CourseDTO struct {
	ID                string `json:"id"`
	Code              string `json:"code"`
	Name              string `json:"name"`
	DefaultRLEligible bool   `json:"default_rl_eligible"`
	RuleCode          string `json:"rule_code,omitempty"`
}

func toCourseDTO(c hr.TrainingCourse) CourseDTO {
	return CourseDTO{
		ID:                c.ID,
		Code:              c.Code,
		Name:              c.Name,
		DefaultRLEligible: c.DefaultRLEligible,
		RuleCode:          c.RuleCode,
	}
}

type EventRequest struct {
	CourseID   string `json:"course_id"`
	Title      string `json:"title"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	DayType    string `json:"day_type"`
	RLEligible *bool  `json:"rl_eligible"`
	RuleCode   string `json:"rule_code"`
}

func (r EventRequest) toInput() (training.EventInput, error) {
	start, err := parseDate("start_date", r.StartDate)
	if err != nil {
		return training.EventInput{}, err
	}
	end, err := parseDate("end_date", r.EndDate)
	if err != nil {
		return training.EventInput{}, err
	}
	return training.EventInput{
		CourseID:   r.CourseID,
		Title:      r.Title,
		StartDate:  start,
		EndDate:    end,
		DayType:    hr.DayType(r.DayType),
		RLEligible: r.RLEligible,
		RuleCode:   r.RuleCode,
	}, nil
}

type EventDTO struct {
	ID         string `json:"id"`
	CourseID   string `json:"course_id"`
	Title      string `json:"title"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	DayType    string `json:"day_type"`
	RLEligible bool   `json:"rl_eligible"`
	RuleCode   string `json:"rule_code,omitempty"`
}

func toEventDTO(e hr.TrainingEvent) EventDTO {
	return EventDTO{
		ID:         e.ID,
		CourseID:   e.CourseID,
		Title:      e.Title,
		StartDate:  formatDate(e.StartDate),
		EndDate:    formatDate(e.EndDate),
		DayType:    string(e.DayType),
		RLEligible: e.RLEligible,
		RuleCode:   e.RuleCode,
	}
}

type AllocateRequest struct {
	EmployeeIDs []string `json:"employee_ids"`
}

type AllocationDTO struct {
	ID               string  `json:"id"`
	EventID          string  `json:"event_id"`
	EmployeeID       string  `json:"employee_id"`
	AttendanceStatus string  `json:"attendance_status"`
	HoursAttended    hr.Days `json:"hours_attended"`
	CompletionStatus string  `json:"completion_status"`
	RLEligible       bool    `json:"rl_eligible"`
	RLCreditID       string  `json:"rl_credit_id,omitempty"`
	Notes            string  `json:"notes,omitempty"`
}

func toAllocationDTO(a hr.Allocation) AllocationDTO {
	return AllocationDTO{
		ID:               a.ID,
		EventID:          a.EventID,
		EmployeeID:       a.EmployeeID,
		AttendanceStatus: string(a.AttendanceStatus),
		HoursAttended:    a.HoursAttended,
		CompletionStatus: string(a.CompletionStatus),
		RLEligible:       a.RLEligible,
		RLCreditID:       a.RLCreditID,
		Notes:            a.Notes,
	}
}

func toAllocationDTOs(in []hr.Allocation) []AllocationDTO {
	out := make([]AllocationDTO, 0, len(in))
	for _, a := range in {
		out = append(out, toAllocationDTO(a))
	}
	return out
}

type AllocateResponse struct {
	Allocated []AllocationDTO              `json:"allocated"`
	Skipped   []string                     `json:"skipped"`
	Failed    []training.AllocationFailure `json:"failed"`
	Preview   map[string]EligibilityDTO    `json:"preview,omitempty"`
}

type EligibilityDTO struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

func toAllocateResponse(r training.AllocateResult) AllocateResponse {
	resp := AllocateResponse{
		Allocated: toAllocationDTOs(r.Allocated),
		Skipped:   r.Skipped,
		Failed:    r.Failed,
		Preview:   make(map[string]EligibilityDTO, len(r.Preview)),
	}
	if resp.Skipped == nil {
		resp.Skipped = []string{}
	}
	if resp.Failed == nil {
		resp.Failed = []training.AllocationFailure{}
	}
	for id, el := range r.Preview {
		resp.Preview[id] = EligibilityDTO{Eligible: el.Eligible, Reason: el.Reason}
	}
	return resp
}

type AttendanceRequest struct {
	Status        string  `json:"status"`
	HoursAttended hr.Days `json:"hours_attended"`
}

type CompletionRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

type CompletionResponse struct {
	Allocation AllocationDTO `json:"allocation"`
	Credited   bool          `json:"credited"`
	Days       hr.Days       `json:"days"`
	CreditID   string        `json:"credit_id,omitempty"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

func toCompletionResponse(r training.CompletionResult) CompletionResponse {
	return CompletionResponse{
		Allocation: toAllocationDTO(r.Allocation),
		Credited:   r.Credit.Credited,
		Days:       r.Credit.Days,
		CreditID:   r.Credit.CreditID,
		ExpiresAt:  r.Credit.ExpiresAt,
		Reason:     r.Credit.Reason,
	}
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

type ApplyRequest struct {
	EmployeeID    string `json:"employee_id"`
	LeaveTypeCode string `json:"leave_type_code"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	Reason        string `json:"reason"`
	DocumentRef   string `json:"document_ref"`
}

func (r ApplyRequest) toInput() (leave.ApplyInput, error) {
	start, err := parseDate("start_date", r.StartDate)
	if err != nil {
		return leave.ApplyInput{}, err
	}
	end, err := parseDate("end_date", r.EndDate)
	if err != nil {
		return leave.ApplyInput{}, err
	}
	return leave.ApplyInput{
		EmployeeID:    r.EmployeeID,
		LeaveTypeCode: r.LeaveTypeCode,
		StartDate:     start,
		EndDate:       end,
		Reason:        r.Reason,
		DocumentRef:   r.DocumentRef,
	}, nil
}

// DecisionRequest carries notes for approve and the reason for reject.
type DecisionRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

type OverrideRequest struct {
	Action        string `json:"action"`
	Justification string `json:"justification"`
}

type LeaveRequestDTO struct {
	ID            string     `json:"id"`
	EmployeeID    string     `json:"employee_id"`
	LeaveTypeCode string     `json:"leave_type_code"`
	StartDate     string     `json:"start_date"`
	EndDate       string     `json:"end_date"`
	Days          hr.Days    `json:"days"`
	Reason        string     `json:"reason,omitempty"`
	DocumentRef   string     `json:"document_ref,omitempty"`
	Status        string     `json:"status"`
	ApproverID    string     `json:"approver_id,omitempty"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	DecisionNotes string     `json:"decision_notes,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
}

func toLeaveRequestDTO(r hr.LeaveRequest) LeaveRequestDTO {
	return LeaveRequestDTO{
		ID:            r.ID,
		EmployeeID:    r.EmployeeID,
		LeaveTypeCode: r.LeaveTypeCode,
		StartDate:     formatDate(r.StartDate),
		EndDate:       formatDate(r.EndDate),
		Days:          r.Days,
		Reason:        r.Reason,
		DocumentRef:   r.DocumentRef,
		Status:        string(r.Status),
		ApproverID:    r.ApproverID,
		DecidedBy:     r.DecidedBy,
		DecisionNotes: r.DecisionNotes,
		SubmittedAt:   r.SubmittedAt,
		DecidedAt:     r.DecidedAt,
	}
}

func toLeaveRequestDTOs(in []hr.LeaveRequest) []LeaveRequestDTO {
	out := make([]LeaveRequestDTO, 0, len(in))
	for _, r := range in {
		out = append(out, toLeaveRequestDTO(r))
	}
	return out
}

type EscalationDTO struct {
	Request LeaveRequestDTO `json:"request"`
	AgeDays int             `json:"age_days"`
}

// =============================================================================
// AUDIT AND CALENDAR
// =============================================================================

type AuditEntryDTO struct {
	ID             string    `json:"id"`
	Action         string    `json:"action"`
	PerformedBy    string    `json:"performed_by"`
	TargetEmployee string    `json:"target_employee,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	AllocationID   string    `json:"allocation_id,omitempty"`
	Code           string    `json:"code,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func toAuditEntryDTO(e hr.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:             e.ID,
		Action:         string(e.Action),
		PerformedBy:    e.PerformedBy,
		TargetEmployee: e.TargetEmployee,
		RequestID:      e.RequestID,
		AllocationID:   e.AllocationID,
		Code:           e.Code,
		Notes:          e.Notes,
		Timestamp:      e.Timestamp,
	}
}

type HolidayDTO struct {
	ID        string `json:"id"`
	Date      string `json:"date"`
	Name      string `json:"name"`
	Recurring bool   `json:"recurring"`
}

func toHolidayDTO(h hr.Holiday) HolidayDTO {
	return HolidayDTO{ID: h.ID, Date: formatDate(h.Date), Name: h.Name, Recurring: h.Recurring}
}

func (d HolidayDTO) toDomain() (hr.Holiday, error) {
	date, err := parseDate("date", d.Date)
	if err != nil {
		return hr.Holiday{}, err
	}
	return hr.Holiday{ID: d.ID, Date: date, Name: d.Name, Recurring: d.Recurring}, nil
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}
