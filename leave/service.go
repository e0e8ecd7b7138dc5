/*
Package leave runs the leave request lifecycle.

STATE MACHINE:

  PENDING --approve--> APPROVED
          --reject---> REJECTED
          --cancel---> CANCELLED
          --override-> APPROVED | REJECTED   (admin, justification required)

  PENDING is the only non-terminal state. A transition from anything else
  fails with InvalidState, and so does a lost compare-and-set race.

BALANCE:
  Nothing is deducted while PENDING. Approval (normal or override) deducts
  through the ledger inside the same transaction that flips the status, so
  a request is never APPROVED without its deduction or the other way round.

APPROVER CHAIN:
  ApproverID is the applicant's manager from the directory at submission.
  Approve/Reject require that principal, or any manager/admin when no
  approver is recorded. Override is the only transition that bypasses it.

SEE ALSO:
  - escalation.go: FindEscalations, the read-side over PENDING requests
  - ledger/ledger.go: Available and Consume
*/
package leave

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/toil-engine/audit"
	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/ledger"
	"github.com/warp/toil-engine/metrics"
)

type Service struct {
	Store     hr.Store
	Directory hr.Directory
	Calendar  hr.Calendar
	Logger    *zap.Logger
	Now       func() time.Time
}

func New(store hr.Store, dir hr.Directory, cal hr.Calendar, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Store: store, Directory: dir, Calendar: cal, Logger: logger, Now: time.Now}
}

// ApplyInput is a leave application.
type ApplyInput struct {
	EmployeeID    string
	LeaveTypeCode string
	StartDate     time.Time
	EndDate       time.Time
	Reason        string
	DocumentRef   string
}

// OverrideAction is the outcome an admin forces on a request.
type OverrideAction string

const (
	OverrideApprove OverrideAction = "approve"
	OverrideReject  OverrideAction = "reject"
)

// =============================================================================
// APPLY
// =============================================================================

// Apply validates and submits a request. Leave types that do not require
// approval are approved by the system principal in the same transaction.
func (s *Service) Apply(ctx context.Context, p hr.Principal, in ApplyInput) (req hr.LeaveRequest, err error) {
	defer s.observe("apply", &err)

	in.EmployeeID = strings.TrimSpace(in.EmployeeID)
	if in.EmployeeID == "" {
		in.EmployeeID = p.ID
	}
	if in.EmployeeID != p.ID && !p.IsManager() {
		return hr.LeaveRequest{}, hr.Forbidden("employees may only apply for themselves")
	}
	if in.StartDate.IsZero() {
		return hr.LeaveRequest{}, hr.Validation("start_date", "is required")
	}
	if in.EndDate.IsZero() {
		return hr.LeaveRequest{}, hr.Validation("end_date", "is required")
	}
	start, end := hr.Date(in.StartDate), hr.Date(in.EndDate)
	if start.After(end) {
		return hr.LeaveRequest{}, hr.Validation("end_date", "must not be before start_date")
	}

	emp, err := s.Directory.Employee(ctx, in.EmployeeID)
	if err != nil {
		return hr.LeaveRequest{}, hr.Missing(err, "employee", in.EmployeeID)
	}
	if !emp.Active {
		return hr.LeaveRequest{}, hr.Validation("employee_id", "employee %s is inactive", emp.ID)
	}

	working, err := s.Calendar.WorkingDays(ctx, start, end)
	if err != nil {
		return hr.LeaveRequest{}, err
	}
	if working == 0 {
		return hr.LeaveRequest{}, hr.Validation("end_date", "range contains no working days")
	}
	days := hr.DaysFromInt(working)
	now := s.Now().UTC()

	req = hr.LeaveRequest{
		ID:            uuid.NewString(),
		EmployeeID:    emp.ID,
		LeaveTypeCode: strings.TrimSpace(in.LeaveTypeCode),
		StartDate:     start,
		EndDate:       end,
		Days:          days,
		Reason:        strings.TrimSpace(in.Reason),
		DocumentRef:   strings.TrimSpace(in.DocumentRef),
		Status:        hr.RequestPending,
		ApproverID:    emp.ManagerID,
		SubmittedAt:   now,
	}

	var autoApproved bool
	err = s.Store.WithTx(ctx, func(r hr.Repository) error {
		lt, err := r.GetLeaveType(ctx, req.LeaveTypeCode)
		if err != nil {
			return hr.Missing(err, "leave type", req.LeaveTypeCode)
		}
		if err := s.checkApplication(ctx, r, req, lt, now); err != nil {
			return err
		}

		if err := r.InsertRequest(ctx, req); err != nil {
			return err
		}
		if err := audit.Append(ctx, r, hr.AuditEntry{
			Action:         hr.ActionSubmitted,
			PerformedBy:    p.ID,
			TargetEmployee: req.EmployeeID,
			RequestID:      req.ID,
			Code:           lt.Code,
			Notes:          req.Reason,
			Timestamp:      now,
		}); err != nil {
			return err
		}

		if lt.RequiresApproval {
			return nil
		}
		autoApproved = true
		return s.approve(ctx, r, &req, lt, hr.SystemPrincipal, "approval not required", hr.ActionApproved, now)
	})
	if err != nil {
		return hr.LeaveRequest{}, err
	}

	metrics.LeaveTransitions.WithLabelValues(string(hr.ActionSubmitted)).Inc()
	if autoApproved {
		metrics.LeaveTransitions.WithLabelValues(string(hr.ActionApproved)).Inc()
	}
	s.Logger.Info("leave submitted",
		zap.String("request", req.ID),
		zap.String("employee", req.EmployeeID),
		zap.String("type", req.LeaveTypeCode),
		zap.String("days", req.Days.String()),
		zap.String("status", string(req.Status)))
	return req, nil
}

// checkApplication runs the leave-type checks that need storage.
func (s *Service) checkApplication(ctx context.Context, r hr.Repository, req hr.LeaveRequest, lt hr.LeaveType, now time.Time) error {
	if !lt.Active {
		return hr.Validation("leave_type_code", "leave type %s is inactive", lt.Code)
	}
	if lt.RequiresDocument && req.DocumentRef == "" {
		return hr.Validation("document_ref", "leave type %s requires a supporting document", lt.Code)
	}
	if lt.MinNoticeDays > 0 && hr.DaysBetween(now, req.StartDate) < lt.MinNoticeDays {
		return hr.Validation("start_date", "leave type %s requires %d days notice", lt.Code, lt.MinNoticeDays)
	}

	existing, err := r.ListRequests(ctx, hr.RequestFilter{EmployeeID: req.EmployeeID, LeaveTypeCode: lt.Code})
	if err != nil {
		return err
	}
	pending := hr.ZeroDays()
	takenThisYear := hr.ZeroDays()
	for _, other := range existing {
		switch other.Status {
		case hr.RequestPending:
			pending = pending.Add(other.Days)
		case hr.RequestApproved:
		default:
			continue
		}
		if other.StartDate.Year() == req.StartDate.Year() {
			takenThisYear = takenThisYear.Add(other.Days)
		}
	}

	if lt.MaxDaysPerYear.IsPositive() && takenThisYear.Add(req.Days).GreaterThan(lt.MaxDaysPerYear) {
		return hr.Validation("days", "exceeds the yearly maximum of %s days for %s", lt.MaxDaysPerYear.String(), lt.Code)
	}

	available, err := ledger.Available(ctx, r, req.EmployeeID, lt, req.StartDate)
	if err != nil {
		return err
	}
	if free := available.Sub(pending); req.Days.GreaterThan(free) {
		return hr.Validation("days", "insufficient balance: requested %s, available %s",
			req.Days.String(), free.ClampZero().String())
	}
	return nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (s *Service) Approve(ctx context.Context, p hr.Principal, id, notes string) (hr.LeaveRequest, error) {
	return s.decide(ctx, "approve", p, id, func(r hr.Repository, req *hr.LeaveRequest, now time.Time) (hr.AuditAction, error) {
		if err := authorizeDecision(p, *req); err != nil {
			return "", err
		}
		lt, err := r.GetLeaveType(ctx, req.LeaveTypeCode)
		if err != nil {
			return "", hr.Missing(err, "leave type", req.LeaveTypeCode)
		}
		return hr.ActionApproved, s.approve(ctx, r, req, lt, p, notes, hr.ActionApproved, now)
	})
}

func (s *Service) Reject(ctx context.Context, p hr.Principal, id, reason string) (hr.LeaveRequest, error) {
	return s.decide(ctx, "reject", p, id, func(r hr.Repository, req *hr.LeaveRequest, now time.Time) (hr.AuditAction, error) {
		if err := authorizeDecision(p, *req); err != nil {
			return "", err
		}
		return hr.ActionRejected, s.finish(ctx, r, req, hr.RequestRejected, p, reason, hr.ActionRejected, now)
	})
}

// Cancel withdraws a pending request. Only the applicant or an admin may cancel.
func (s *Service) Cancel(ctx context.Context, p hr.Principal, id string) (hr.LeaveRequest, error) {
	return s.decide(ctx, "cancel", p, id, func(r hr.Repository, req *hr.LeaveRequest, now time.Time) (hr.AuditAction, error) {
		if p.ID != req.EmployeeID && !p.IsAdmin() {
			return "", hr.Forbidden("only the applicant or an admin may cancel a request")
		}
		return hr.ActionCancelled, s.finish(ctx, r, req, hr.RequestCancelled, p, "", hr.ActionCancelled, now)
	})
}

// Override forces approve or reject outside the approver chain.
func (s *Service) Override(ctx context.Context, p hr.Principal, id string, action OverrideAction, justification string) (req hr.LeaveRequest, err error) {
	if !p.IsAdmin() {
		err = hr.Forbidden("only admins may override leave decisions")
		s.observe("override", &err)
		return hr.LeaveRequest{}, err
	}
	if strings.TrimSpace(justification) == "" {
		err = hr.Validation("justification", "is required for an override")
		s.observe("override", &err)
		return hr.LeaveRequest{}, err
	}
	if action != OverrideApprove && action != OverrideReject {
		err = hr.Validation("action", "must be approve or reject, got %q", action)
		s.observe("override", &err)
		return hr.LeaveRequest{}, err
	}
	notes := audit.OverrideNotes(justification)

	return s.decide(ctx, "override", p, id, func(r hr.Repository, req *hr.LeaveRequest, now time.Time) (hr.AuditAction, error) {
		if action == OverrideReject {
			return hr.ActionOverride, s.finish(ctx, r, req, hr.RequestRejected, p, notes, hr.ActionOverride, now)
		}
		lt, err := r.GetLeaveType(ctx, req.LeaveTypeCode)
		if err != nil {
			return "", hr.Missing(err, "leave type", req.LeaveTypeCode)
		}
		return hr.ActionOverride, s.approve(ctx, r, req, lt, p, notes, hr.ActionOverride, now)
	})
}

// decide loads a PENDING request inside a transaction and applies fn to it.
func (s *Service) decide(ctx context.Context, op string, p hr.Principal, id string,
	fn func(r hr.Repository, req *hr.LeaveRequest, now time.Time) (hr.AuditAction, error),
) (req hr.LeaveRequest, err error) {
	defer s.observe(op, &err)

	var action hr.AuditAction
	err = s.Store.WithTx(ctx, func(r hr.Repository) error {
		var err error
		req, err = r.GetRequest(ctx, id)
		if err != nil {
			return hr.Missing(err, "leave request", id)
		}
		if req.Status.Terminal() {
			return hr.InvalidState("leave request %s is already %s", id, req.Status)
		}
		action, err = fn(r, &req, s.Now().UTC())
		return err
	})
	if err != nil {
		return hr.LeaveRequest{}, err
	}

	metrics.LeaveTransitions.WithLabelValues(string(action)).Inc()
	s.Logger.Info("leave "+op,
		zap.String("request", req.ID),
		zap.String("employee", req.EmployeeID),
		zap.String("by", p.ID),
		zap.String("status", string(req.Status)))
	return req, nil
}

// approve deducts the balance then records the decision.
func (s *Service) approve(ctx context.Context, r hr.Repository, req *hr.LeaveRequest, lt hr.LeaveType, p hr.Principal, notes string, action hr.AuditAction, now time.Time) error {
	if err := ledger.Consume(ctx, r, *req, lt, p.ID, now); err != nil {
		return err
	}
	return s.finish(ctx, r, req, hr.RequestApproved, p, notes, action, now)
}

// finish writes the terminal status with compare-and-set and appends the audit entry.
func (s *Service) finish(ctx context.Context, r hr.Repository, req *hr.LeaveRequest, status hr.RequestStatus, p hr.Principal, notes string, action hr.AuditAction, now time.Time) error {
	req.Status = status
	req.DecidedBy = p.ID
	req.DecisionNotes = strings.TrimSpace(notes)
	req.DecidedAt = &now
	if err := r.UpdateRequest(ctx, *req); err != nil {
		return hr.LostRace(err, "leave request "+req.ID)
	}
	req.Version++

	return audit.Append(ctx, r, hr.AuditEntry{
		Action:         action,
		PerformedBy:    p.ID,
		TargetEmployee: req.EmployeeID,
		RequestID:      req.ID,
		Code:           req.LeaveTypeCode,
		Notes:          req.DecisionNotes,
		Timestamp:      now,
	})
}

func authorizeDecision(p hr.Principal, req hr.LeaveRequest) error {
	if p.ID == req.EmployeeID && !p.IsAdmin() {
		return hr.Forbidden("applicants may not decide their own requests")
	}
	if req.ApproverID != "" {
		if p.ID != req.ApproverID {
			return hr.Forbidden("request %s awaits %s", req.ID, req.ApproverID)
		}
		return nil
	}
	if !p.IsManager() {
		return hr.Forbidden("only managers and admins may decide leave requests")
	}
	return nil
}

// observe counts refused operations by error kind.
func (s *Service) observe(op string, err *error) {
	if *err == nil {
		return
	}
	kind := hr.KindOf(*err)
	if kind == "" {
		kind = "INTERNAL"
		s.Logger.Error("leave "+op+" failed", zap.Error(*err))
	}
	metrics.LeaveRejectedTransitions.WithLabelValues(op, string(kind)).Inc()
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (hr.LeaveRequest, error) {
	var req hr.LeaveRequest
	err := s.Store.View(ctx, func(r hr.Repository) error {
		var err error
		req, err = r.GetRequest(ctx, id)
		return hr.Missing(err, "leave request", id)
	})
	return req, err
}

func (s *Service) ListByEmployee(ctx context.Context, employeeID string) ([]hr.LeaveRequest, error) {
	return s.list(ctx, hr.RequestFilter{EmployeeID: employeeID})
}

// ListPending returns PENDING requests, oldest first.
func (s *Service) ListPending(ctx context.Context) ([]hr.LeaveRequest, error) {
	return s.list(ctx, hr.RequestFilter{Status: hr.RequestPending})
}

func (s *Service) list(ctx context.Context, f hr.RequestFilter) ([]hr.LeaveRequest, error) {
	var out []hr.LeaveRequest
	err := s.Store.View(ctx, func(r hr.Repository) error {
		var err error
		out, err = r.ListRequests(ctx, f)
		return err
	})
	return out, err
}
