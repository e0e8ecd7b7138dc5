/*
Package credit issues RL credits for completed, qualifying allocations.

PURPOSE:
  Turns a COMPLETED allocation into at most one RLCredit. Not every
  completed allocation earns RL: an ineligible outcome is a normal
  Result{Credited: false} with a reason, never an error.

STEPS (all inside the caller's transaction):
  1. Allocation and event must both be RL-eligible
  2. Bound rule must exist and pass registry.ResolveEligibility
  3. Days: FIXED -> CreditDays
           RATIO -> CreditDays × min(hours / MinHoursRequired, 1), floored to 0.5
  4. Clamp by MaxPerEvent, then by headroom left under MaxPerMonth and
     MaxPerYear (same employee, same rule, calendar period of the event)
  5. Insert the credit (unique on source allocation), write the ledger
     row, set allocation.RLCreditID

AT-MOST-ONCE:
  The store rejects a second credit for the same allocation with
  hr.ErrDuplicateCredit. Issue reports that as InvalidState.
*/
package credit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/ledger"
	"github.com/warp/toil-engine/registry"
)

// Skip reasons reported in Result.Reason.
const (
	ReasonAllocationIneligible = "allocation not RL-eligible"
	ReasonEventIneligible      = "event not RL-eligible"
	ReasonNoRule               = "no rule bound to event"
	ReasonInsufficientHours    = "insufficient hours attended"
	ReasonCapReached           = "credit cap reached"
)

// Result is the outcome of Issue.
type Result struct {
	Credited  bool       `json:"credited"`
	Days      hr.Days    `json:"days"`
	CreditID  string     `json:"credit_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

func skipped(reason string) Result {
	return Result{Days: hr.ZeroDays(), Reason: reason}
}

type Issuer struct {
	// LeaveTypeCode is the credit-backed leave type credits are booked on.
	LeaveTypeCode string
	Logger        *zap.Logger
}

func NewIssuer(leaveTypeCode string, logger *zap.Logger) *Issuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{LeaveTypeCode: leaveTypeCode, Logger: logger}
}

// Issue credits alloc for event when the rules allow it. On success alloc.RLCreditID
// is set; the caller persists alloc in the same transaction.
func (i *Issuer) Issue(ctx context.Context, repo hr.Repository, alloc *hr.Allocation, event hr.TrainingEvent, employee hr.Employee, actor string, now time.Time) (Result, error) {
	if alloc.RLCreditID != "" {
		return Result{}, hr.InvalidState("allocation %s already has credit %s", alloc.ID, alloc.RLCreditID)
	}
	if !alloc.RLEligible {
		return skipped(ReasonAllocationIneligible), nil
	}
	if !event.RLEligible {
		return skipped(ReasonEventIneligible), nil
	}
	if event.RuleCode == "" {
		return skipped(ReasonNoRule), nil
	}

	rule, err := repo.GetRule(ctx, event.RuleCode)
	if errors.Is(err, hr.ErrNotFound) {
		return skipped(ReasonNoRule), nil
	}
	if err != nil {
		return Result{}, err
	}

	eventDate := hr.Date(event.StartDate)
	if el := registry.ResolveEligibility(rule, employee, eventDate); !el.Eligible {
		return skipped(el.Reason), nil
	}

	days := Compute(rule, *alloc)
	if !days.IsPositive() {
		return skipped(ReasonInsufficientHours), nil
	}

	days, err = i.clamp(ctx, repo, rule, employee.ID, eventDate, days)
	if err != nil {
		return Result{}, err
	}
	if !days.IsPositive() {
		return skipped(ReasonCapReached), nil
	}

	issued := now.UTC()
	c := hr.RLCredit{
		ID:                 uuid.NewString(),
		EmployeeID:         employee.ID,
		SourceAllocationID: alloc.ID,
		RuleCode:           rule.Code,
		EventDate:          eventDate,
		Days:               days,
		Consumed:           hr.ZeroDays(),
		IssuedAt:           issued,
	}
	if rule.ExpiryDays > 0 {
		exp := issued.AddDate(0, 0, rule.ExpiryDays)
		c.ExpiresAt = &exp
	}

	if err := repo.InsertCredit(ctx, c); err != nil {
		return Result{}, hr.LostRace(err, "allocation "+alloc.ID)
	}
	if err := ledger.RecordCredit(ctx, repo, c, i.LeaveTypeCode, actor); err != nil {
		if errors.Is(err, hr.ErrDuplicate) {
			return Result{}, hr.InvalidState("allocation %s was already credited", alloc.ID)
		}
		return Result{}, err
	}
	alloc.RLCreditID = c.ID

	i.Logger.Debug("rl credit issued",
		zap.String("allocation", alloc.ID),
		zap.String("employee", employee.ID),
		zap.String("rule", rule.Code),
		zap.String("days", days.String()))

	return Result{Credited: true, Days: days, CreditID: c.ID, ExpiresAt: c.ExpiresAt}, nil
}

// Compute returns the uncapped days a rule awards for an allocation.
// An ATTENDED allocation with no recorded hours counts as full attendance.
func Compute(rule hr.TOILRule, alloc hr.Allocation) hr.Days {
	switch rule.CreditType {
	case hr.CreditFixed:
		return rule.CreditDays
	case hr.CreditRatio:
		hours := alloc.HoursAttended
		if hours.IsZero() && alloc.AttendanceStatus == hr.AttendanceAttended {
			return rule.CreditDays.FloorHalf()
		}
		if !rule.MinHoursRequired.IsPositive() {
			return hr.ZeroDays()
		}
		ratio := decimal.Min(hours.Decimal.Div(rule.MinHoursRequired.Decimal), decimal.NewFromInt(1))
		return hr.DaysOf(rule.CreditDays.Decimal.Mul(ratio)).FloorHalf()
	}
	return hr.ZeroDays()
}

// clamp applies the per-event cap and the headroom left in the event's month
// and year. Zero caps are unlimited. The result is never negative.
func (i *Issuer) clamp(ctx context.Context, repo hr.Repository, rule hr.TOILRule, employeeID string, eventDate time.Time, days hr.Days) (hr.Days, error) {
	if rule.MaxPerEvent.IsPositive() {
		days = days.Min(rule.MaxPerEvent)
	}

	caps := []struct {
		limit  hr.Days
		period hr.Period
	}{
		{rule.MaxPerMonth, hr.MonthOf(eventDate)},
		{rule.MaxPerYear, hr.YearOf(eventDate)},
	}
	for _, cp := range caps {
		if !cp.limit.IsPositive() {
			continue
		}
		used, err := issuedIn(ctx, repo, employeeID, rule.Code, cp.period)
		if err != nil {
			return hr.Days{}, err
		}
		days = days.Min(cp.limit.Sub(used).ClampZero())
	}
	return days.ClampZero(), nil
}

func issuedIn(ctx context.Context, repo hr.Repository, employeeID, ruleCode string, p hr.Period) (hr.Days, error) {
	credits, err := repo.ListCredits(ctx, hr.CreditFilter{
		EmployeeID: employeeID,
		RuleCode:   ruleCode,
		EventFrom:  &p.Start,
		EventTo:    &p.End,
	})
	if err != nil {
		return hr.Days{}, err
	}
	total := hr.ZeroDays()
	for _, c := range credits {
		total = total.Add(c.Days)
	}
	return total, nil
}
