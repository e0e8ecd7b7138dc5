/*
Package training runs the training allocation lifecycle.

STATE MACHINE:
  Each Allocation tracks two axes together:

    attendance:  PENDING -> ATTENDED | NO_SHOW | PARTIAL
    completion:  PENDING -> COMPLETED | INCOMPLETE

  Completion may only be set once attendance is ATTENDED or PARTIAL, and
  only once. Re-confirming fails with InvalidState instead of succeeding
  quietly, which is what keeps a second confirmation from issuing a second
  credit.

CREDIT PATH:
  ConfirmCompletion(COMPLETED) calls the credit issuer in the same
  transaction. The allocation update is compare-and-set on Version and the
  credit insert is unique on the allocation, so two racing confirmations
  cannot both commit.

LOOKUPS:
  Directory reads happen before the transaction opens. The default
  directory is backed by the same store.
*/
package training

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/toil-engine/audit"
	"github.com/warp/toil-engine/credit"
	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/metrics"
	"github.com/warp/toil-engine/registry"
)

type Service struct {
	Store     hr.Store
	Directory hr.Directory
	Issuer    *credit.Issuer
	Logger    *zap.Logger
	Now       func() time.Time
}

func New(store hr.Store, dir hr.Directory, issuer *credit.Issuer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Store: store, Directory: dir, Issuer: issuer, Logger: logger, Now: time.Now}
}

func requireOrganiser(p hr.Principal, what string) error {
	if !p.IsManager() {
		return hr.Forbidden("only managers and admins may %s", what)
	}
	return nil
}

// =============================================================================
// COURSES AND EVENTS
// =============================================================================

type CourseInput struct {
	Code              string
	Name              string
	DefaultRLEligible bool
	RuleCode          string
}

func (s *Service) CreateCourse(ctx context.Context, p hr.Principal, in CourseInput) (hr.TrainingCourse, error) {
	if err := requireOrganiser(p, "create courses"); err != nil {
		return hr.TrainingCourse{}, err
	}
	c := hr.TrainingCourse{
		ID:                uuid.NewString(),
		Code:              strings.TrimSpace(in.Code),
		Name:              strings.TrimSpace(in.Name),
		DefaultRLEligible: in.DefaultRLEligible,
		RuleCode:          strings.TrimSpace(in.RuleCode),
		CreatedAt:         s.Now().UTC(),
	}
	if c.Code == "" {
		return hr.TrainingCourse{}, hr.Validation("code", "is required")
	}
	if c.Name == "" {
		return hr.TrainingCourse{}, hr.Validation("name", "is required")
	}

	err := s.Store.WithTx(ctx, func(r hr.Repository) error {
		if c.RuleCode != "" {
			if _, err := r.GetRule(ctx, c.RuleCode); err != nil {
				if errors.Is(err, hr.ErrNotFound) {
					return hr.Validation("rule_code", "unknown TOIL rule %q", c.RuleCode)
				}
				return err
			}
		}
		if err := r.InsertCourse(ctx, c); err != nil {
			if errors.Is(err, hr.ErrDuplicate) {
				return hr.Conflict("course %q already exists", c.Code)
			}
			return err
		}
		return audit.Append(ctx, r, hr.AuditEntry{
			Action:      hr.ActionCourseCreated,
			PerformedBy: p.ID,
			Code:        c.RuleCode,
			Notes:       c.Code,
			Timestamp:   c.CreatedAt,
		})
	})
	if err != nil {
		return hr.TrainingCourse{}, err
	}
	return c, nil
}

// EventInput describes a scheduled course occurrence. A nil RLEligible takes
// the course default; an empty RuleCode takes the course's bound rule.
type EventInput struct {
	CourseID   string
	Title      string
	StartDate  time.Time
	EndDate    time.Time
	DayType    hr.DayType
	RLEligible *bool
	RuleCode   string
}

func (s *Service) CreateEvent(ctx context.Context, p hr.Principal, in EventInput) (hr.TrainingEvent, error) {
	if err := requireOrganiser(p, "schedule training"); err != nil {
		return hr.TrainingEvent{}, err
	}
	if in.StartDate.IsZero() {
		return hr.TrainingEvent{}, hr.Validation("start_date", "is required")
	}
	if in.EndDate.IsZero() {
		in.EndDate = in.StartDate
	}
	start, end := hr.Date(in.StartDate), hr.Date(in.EndDate)
	if end.Before(start) {
		return hr.TrainingEvent{}, hr.Validation("end_date", "must not be before start_date")
	}
	if !in.DayType.Valid() {
		return hr.TrainingEvent{}, hr.Validation("day_type", "unknown day type %q", in.DayType)
	}
	if in.RLEligible != nil && *in.RLEligible && in.DayType == hr.DayWorking {
		return hr.TrainingEvent{}, hr.Validation("rl_eligible", "cannot be true for a %s event", hr.DayWorking)
	}

	var ev hr.TrainingEvent
	err := s.Store.WithTx(ctx, func(r hr.Repository) error {
		course, err := r.GetCourse(ctx, in.CourseID)
		if err != nil {
			return hr.Missing(err, "course", in.CourseID)
		}

		eligible := course.DefaultRLEligible
		if in.RLEligible != nil {
			eligible = *in.RLEligible
		}
		// A course default never makes a working-day event eligible.
		if in.DayType == hr.DayWorking {
			eligible = false
		}

		ruleCode := strings.TrimSpace(in.RuleCode)
		if ruleCode == "" {
			ruleCode = course.RuleCode
		}
		if ruleCode != "" {
			if _, err := r.GetRule(ctx, ruleCode); err != nil {
				if errors.Is(err, hr.ErrNotFound) {
					return hr.Validation("rule_code", "unknown TOIL rule %q", ruleCode)
				}
				return err
			}
		} else if eligible {
			return hr.Validation("rule_code", "an RL-eligible event needs a TOIL rule")
		}

		title := strings.TrimSpace(in.Title)
		if title == "" {
			title = course.Name
		}
		ev = hr.TrainingEvent{
			ID:         uuid.NewString(),
			CourseID:   course.ID,
			Title:      title,
			StartDate:  start,
			EndDate:    end,
			DayType:    in.DayType,
			RLEligible: eligible,
			RuleCode:   ruleCode,
			CreatedBy:  p.ID,
			CreatedAt:  s.Now().UTC(),
		}
		if err := r.InsertEvent(ctx, ev); err != nil {
			return err
		}
		return audit.Append(ctx, r, hr.AuditEntry{
			Action:      hr.ActionEventCreated,
			PerformedBy: p.ID,
			Code:        ruleCode,
			Notes:       ev.ID,
			Timestamp:   ev.CreatedAt,
		})
	})
	if err != nil {
		return hr.TrainingEvent{}, err
	}

	s.Logger.Info("training event created",
		zap.String("event", ev.ID),
		zap.String("day_type", string(ev.DayType)),
		zap.Bool("rl_eligible", ev.RLEligible))
	return ev, nil
}

func (s *Service) GetEvent(ctx context.Context, id string) (hr.TrainingEvent, error) {
	var ev hr.TrainingEvent
	err := s.Store.View(ctx, func(r hr.Repository) error {
		var err error
		ev, err = r.GetEvent(ctx, id)
		return hr.Missing(err, "training event", id)
	})
	return ev, err
}

func (s *Service) GetAllocation(ctx context.Context, id string) (hr.Allocation, error) {
	var a hr.Allocation
	err := s.Store.View(ctx, func(r hr.Repository) error {
		var err error
		a, err = r.GetAllocation(ctx, id)
		return hr.Missing(err, "allocation", id)
	})
	return a, err
}

func (s *Service) ListAllocations(ctx context.Context, eventID string) ([]hr.Allocation, error) {
	var out []hr.Allocation
	err := s.Store.View(ctx, func(r hr.Repository) error {
		if _, err := r.GetEvent(ctx, eventID); err != nil {
			return hr.Missing(err, "training event", eventID)
		}
		var err error
		out, err = r.ListAllocations(ctx, eventID)
		return err
	})
	return out, err
}

// =============================================================================
// ALLOCATION
// =============================================================================

// AllocationFailure reports one employee id that could not be allocated.
type AllocationFailure struct {
	EmployeeID string `json:"employee_id"`
	Reason     string `json:"reason"`
}

// AllocateResult reports what Allocate did per employee. Preview holds the
// eligibility of each newly allocated employee under the event's rule, so
// callers can see up front who will earn RL.
type AllocateResult struct {
	Allocated []hr.Allocation                 `json:"allocated"`
	Skipped   []string                        `json:"skipped"`
	Failed    []AllocationFailure             `json:"failed"`
	Preview   map[string]registry.Eligibility `json:"preview,omitempty"`
}

// Allocate assigns employees to an event. Existing pairs are skipped, unknown
// employees are reported in Failed, and neither aborts the call.
func (s *Service) Allocate(ctx context.Context, p hr.Principal, eventID string, employeeIDs []string) (AllocateResult, error) {
	if err := requireOrganiser(p, "allocate workers"); err != nil {
		return AllocateResult{}, err
	}
	if len(employeeIDs) == 0 {
		return AllocateResult{}, hr.Validation("employee_ids", "at least one employee is required")
	}

	res := AllocateResult{Preview: make(map[string]registry.Eligibility)}
	var known []hr.Employee
	seen := make(map[string]bool)
	for _, raw := range employeeIDs {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		emp, err := s.Directory.Employee(ctx, id)
		switch {
		case errors.Is(err, hr.ErrNotFound):
			res.Failed = append(res.Failed, AllocationFailure{EmployeeID: id, Reason: "unknown employee"})
			continue
		case err != nil:
			return AllocateResult{}, err
		case !emp.Active:
			res.Failed = append(res.Failed, AllocationFailure{EmployeeID: id, Reason: "employee inactive"})
			continue
		}
		known = append(known, emp)
	}

	now := s.Now().UTC()
	err := s.Store.WithTx(ctx, func(r hr.Repository) error {
		ev, err := r.GetEvent(ctx, eventID)
		if err != nil {
			return hr.Missing(err, "training event", eventID)
		}

		var rule *hr.TOILRule
		if ev.RLEligible && ev.RuleCode != "" {
			if found, err := r.GetRule(ctx, ev.RuleCode); err == nil {
				rule = &found
			} else if !errors.Is(err, hr.ErrNotFound) {
				return err
			}
		}

		for _, emp := range known {
			a := hr.Allocation{
				ID:               uuid.NewString(),
				EventID:          ev.ID,
				EmployeeID:       emp.ID,
				AttendanceStatus: hr.AttendancePending,
				HoursAttended:    hr.ZeroDays(),
				CompletionStatus: hr.CompletionPending,
				RLEligible:       ev.RLEligible,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := r.InsertAllocation(ctx, a); err != nil {
				if errors.Is(err, hr.ErrDuplicate) {
					res.Skipped = append(res.Skipped, emp.ID)
					continue
				}
				return err
			}
			if err := audit.Append(ctx, r, hr.AuditEntry{
				Action:         hr.ActionAllocated,
				PerformedBy:    p.ID,
				TargetEmployee: emp.ID,
				AllocationID:   a.ID,
				Code:           ev.RuleCode,
				Timestamp:      now,
			}); err != nil {
				return err
			}
			res.Allocated = append(res.Allocated, a)

			switch {
			case !ev.RLEligible:
				res.Preview[emp.ID] = registry.Eligibility{Reason: credit.ReasonEventIneligible}
			case rule == nil:
				res.Preview[emp.ID] = registry.Eligibility{Reason: credit.ReasonNoRule}
			default:
				res.Preview[emp.ID] = registry.ResolveEligibility(*rule, emp, ev.StartDate)
			}
		}
		return nil
	})
	if err != nil {
		return AllocateResult{}, err
	}

	metrics.AllocationTransitions.WithLabelValues("allocation", "created").Add(float64(len(res.Allocated)))
	s.Logger.Info("workers allocated",
		zap.String("event", eventID),
		zap.Int("allocated", len(res.Allocated)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("failed", len(res.Failed)))
	return res, nil
}

// =============================================================================
// ATTENDANCE AND COMPLETION
// =============================================================================

// MarkAttendance moves attendance out of PENDING. hours is only meaningful for
// ATTENDED and PARTIAL and feeds RATIO rules.
func (s *Service) MarkAttendance(ctx context.Context, p hr.Principal, allocationID string, status hr.AttendanceStatus, hours hr.Days) (hr.Allocation, error) {
	if err := requireOrganiser(p, "mark attendance"); err != nil {
		return hr.Allocation{}, err
	}
	if !status.Valid() || status == hr.AttendancePending {
		return hr.Allocation{}, hr.Validation("status", "must be ATTENDED, NO_SHOW or PARTIAL")
	}
	if hours.IsNegative() {
		return hr.Allocation{}, hr.Validation("hours_attended", "must not be negative")
	}
	if status == hr.AttendanceNoShow && hours.IsPositive() {
		return hr.Allocation{}, hr.Validation("hours_attended", "must be zero for NO_SHOW")
	}

	var a hr.Allocation
	err := s.Store.WithTx(ctx, func(r hr.Repository) error {
		var err error
		a, err = r.GetAllocation(ctx, allocationID)
		if err != nil {
			return hr.Missing(err, "allocation", allocationID)
		}
		if a.AttendanceStatus != hr.AttendancePending {
			return hr.InvalidState("attendance already %s", a.AttendanceStatus)
		}

		a.AttendanceStatus = status
		a.HoursAttended = hours
		a.UpdatedAt = s.Now().UTC()
		if err := r.UpdateAllocation(ctx, a); err != nil {
			return hr.LostRace(err, "allocation "+allocationID)
		}
		a.Version++
		return audit.Append(ctx, r, hr.AuditEntry{
			Action:         hr.ActionAttendanceMarked,
			PerformedBy:    p.ID,
			TargetEmployee: a.EmployeeID,
			AllocationID:   a.ID,
			Notes:          string(status),
			Timestamp:      a.UpdatedAt,
		})
	})
	if err != nil {
		return hr.Allocation{}, err
	}

	metrics.AllocationTransitions.WithLabelValues("attendance", string(status)).Inc()
	return a, nil
}

// CompletionResult is returned by ConfirmCompletion.
type CompletionResult struct {
	Allocation hr.Allocation `json:"allocation"`
	Credit     credit.Result `json:"credit"`
}

// ConfirmCompletion sets the completion outcome once. COMPLETED runs the credit
// issuer in the same transaction.
func (s *Service) ConfirmCompletion(ctx context.Context, p hr.Principal, allocationID string, status hr.CompletionStatus, notes string) (CompletionResult, error) {
	if err := requireOrganiser(p, "confirm completion"); err != nil {
		return CompletionResult{}, err
	}
	if status != hr.CompletionCompleted && status != hr.CompletionIncomplete {
		return CompletionResult{}, hr.Validation("status", "must be COMPLETED or INCOMPLETE")
	}

	current, err := s.GetAllocation(ctx, allocationID)
	if err != nil {
		return CompletionResult{}, err
	}
	emp, err := s.Directory.Employee(ctx, current.EmployeeID)
	if err != nil {
		return CompletionResult{}, hr.Missing(err, "employee", current.EmployeeID)
	}

	var res CompletionResult
	err = s.Store.WithTx(ctx, func(r hr.Repository) error {
		a, err := r.GetAllocation(ctx, allocationID)
		if err != nil {
			return hr.Missing(err, "allocation", allocationID)
		}
		if !a.AttendanceStatus.Present() {
			return hr.InvalidState("completion requires ATTENDED or PARTIAL attendance, got %s", a.AttendanceStatus)
		}
		if a.CompletionStatus != hr.CompletionPending {
			return hr.InvalidState("completion already %s", a.CompletionStatus)
		}
		ev, err := r.GetEvent(ctx, a.EventID)
		if err != nil {
			return hr.Missing(err, "training event", a.EventID)
		}

		now := s.Now().UTC()
		a.CompletionStatus = status
		if notes = strings.TrimSpace(notes); notes != "" {
			a.Notes = notes
		}
		a.UpdatedAt = now

		res.Credit = credit.Result{Days: hr.ZeroDays()}
		if status == hr.CompletionCompleted {
			res.Credit, err = s.Issuer.Issue(ctx, r, &a, ev, emp, p.ID, now)
			if err != nil {
				return err
			}
		}

		if err := r.UpdateAllocation(ctx, a); err != nil {
			return hr.LostRace(err, "allocation "+allocationID)
		}
		a.Version++
		res.Allocation = a

		if err := audit.Append(ctx, r, hr.AuditEntry{
			Action:         hr.ActionCompletionConfirmed,
			PerformedBy:    p.ID,
			TargetEmployee: a.EmployeeID,
			AllocationID:   a.ID,
			Code:           ev.RuleCode,
			Notes:          completionNotes(status, res.Credit),
			Timestamp:      now,
		}); err != nil {
			return err
		}
		if !res.Credit.Credited {
			return nil
		}
		return audit.Append(ctx, r, hr.AuditEntry{
			Action:         hr.ActionRLCredited,
			PerformedBy:    p.ID,
			TargetEmployee: a.EmployeeID,
			AllocationID:   a.ID,
			Code:           ev.RuleCode,
			Notes:          res.Credit.Days.String() + " day(s)",
			Timestamp:      now,
		})
	})
	if err != nil {
		return CompletionResult{}, err
	}

	metrics.AllocationTransitions.WithLabelValues("completion", string(status)).Inc()
	switch {
	case res.Credit.Credited:
		metrics.CreditsIssued.Inc()
		metrics.CreditDaysIssued.Add(res.Credit.Days.InexactFloat64())
		s.Logger.Info("rl credited",
			zap.String("allocation", allocationID),
			zap.String("employee", res.Allocation.EmployeeID),
			zap.String("days", res.Credit.Days.String()))
	case status == hr.CompletionCompleted:
		metrics.CreditsSkipped.WithLabelValues(res.Credit.Reason).Inc()
	}
	return res, nil
}

func completionNotes(status hr.CompletionStatus, res credit.Result) string {
	switch {
	case status != hr.CompletionCompleted:
		return string(status)
	case res.Credited:
		return string(status) + ": credited"
	default:
		return string(status) + ": no credit (" + res.Reason + ")"
	}
}
