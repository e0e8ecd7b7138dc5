/*
ledger.go - Append-only balance ledger

PURPOSE:
  The ledger is the source of truth for leave balances. Grants, consumption
  and credit movements are rows; a balance is always a replay of those rows,
  never a stored number that can drift.

TWO SIDES OF A BALANCE:
  Entitlement side:  entries without a CreditID (grant, consumption, adjustment)
  Credit side:       RL credits booked on this leave type (their credit
                     row), tracked by their Days/Consumed columns.
                     Ledger rows carrying a CreditID (credit, credit_use) are
                     the history of that side and are not summed twice.

  Available = Σ entitlement deltas
            + Σ remaining of non-expired credits   (credit-backed types only)

CONSUMPTION ORDER:
  Credit-backed types draw from RL credits first, earliest expiry first
  (credits without expiry last). The remainder is drawn from entitlement.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No update or delete of ledger rows.
  2. IDEMPOTENT: an idempotency key is written at most once.
  3. Every function here runs inside the caller's transaction.

SEE ALSO:
  - credit/issuer.go: writes the credit row and its ledger entry
  - leave/service.go: consumes on approval
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/warp/toil-engine/hr"
)

// =============================================================================
// BALANCE
// =============================================================================

// Balance is the replayed state of one employee's leave type.
type Balance struct {
	EmployeeID    string  `json:"employee_id"`
	LeaveTypeCode string  `json:"leave_type_code"`
	Entitlement   hr.Days `json:"entitlement"` // grants and adjustments
	Consumed      hr.Days `json:"consumed"`    // drawn from entitlement
	Credits       hr.Days `json:"credits"`     // remaining non-expired RL credit
	Expired       hr.Days `json:"expired"`     // RL credit lost to expiry
	Available     hr.Days `json:"available"`
}

// Compute replays the ledger and credits of employeeID for lt as of asOf.
func Compute(ctx context.Context, repo hr.Repository, employeeID string, lt hr.LeaveType, asOf time.Time) (Balance, error) {
	b := Balance{
		EmployeeID:    employeeID,
		LeaveTypeCode: lt.Code,
		Entitlement:   hr.ZeroDays(),
		Consumed:      hr.ZeroDays(),
		Credits:       hr.ZeroDays(),
		Expired:       hr.ZeroDays(),
	}

	entries, err := repo.ListLedger(ctx, employeeID, lt.Code)
	if err != nil {
		return Balance{}, err
	}
	for _, e := range entries {
		if e.CreditID != "" {
			continue
		}
		if e.Type == hr.EntryConsumption {
			b.Consumed = b.Consumed.Add(e.Delta.Neg())
			continue
		}
		b.Entitlement = b.Entitlement.Add(e.Delta)
	}

	if lt.CreditBacked {
		credits, err := bookedCredits(ctx, repo, employeeID, entries)
		if err != nil {
			return Balance{}, err
		}
		for _, c := range credits {
			if c.ExpiredAt(asOf) {
				b.Expired = b.Expired.Add(c.Remaining())
				continue
			}
			b.Credits = b.Credits.Add(c.Remaining())
		}
	}

	b.Available = b.Entitlement.Sub(b.Consumed).Add(b.Credits)
	return b, nil
}

// Available is Compute reduced to the spendable amount.
func Available(ctx context.Context, repo hr.Repository, employeeID string, lt hr.LeaveType, asOf time.Time) (hr.Days, error) {
	b, err := Compute(ctx, repo, employeeID, lt, asOf)
	if err != nil {
		return hr.Days{}, err
	}
	return b.Available, nil
}

// History returns every ledger row of employeeID for leaveTypeCode, oldest first.
func History(ctx context.Context, repo hr.Repository, employeeID, leaveTypeCode string) ([]hr.LedgerEntry, error) {
	return repo.ListLedger(ctx, employeeID, leaveTypeCode)
}

// =============================================================================
// WRITES
// =============================================================================

// Grant adds entitlement. An empty idempotency key gets a generated one.
func Grant(ctx context.Context, repo hr.Repository, employeeID string, lt hr.LeaveType, days hr.Days, reason, idempotencyKey, actor string, at time.Time) (hr.LedgerEntry, error) {
	if !days.IsPositive() {
		return hr.LedgerEntry{}, hr.Validation("days", "must be positive")
	}
	if idempotencyKey == "" {
		idempotencyKey = "grant:" + uuid.NewString()
	}

	e := hr.LedgerEntry{
		ID:             uuid.NewString(),
		EmployeeID:     employeeID,
		LeaveTypeCode:  lt.Code,
		Type:           hr.EntryGrant,
		Delta:          days,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		EffectiveAt:    at,
		CreatedBy:      actor,
		CreatedAt:      at,
	}
	if err := repo.AppendLedger(ctx, e); err != nil {
		if errors.Is(err, hr.ErrDuplicate) {
			return hr.LedgerEntry{}, hr.Conflict("entitlement grant %q already recorded", idempotencyKey)
		}
		return hr.LedgerEntry{}, err
	}
	return e, nil
}

// RecordCredit writes the ledger row describing an issued RL credit.
func RecordCredit(ctx context.Context, repo hr.Repository, c hr.RLCredit, leaveTypeCode, actor string) error {
	return repo.AppendLedger(ctx, hr.LedgerEntry{
		ID:             uuid.NewString(),
		EmployeeID:     c.EmployeeID,
		LeaveTypeCode:  leaveTypeCode,
		Type:           hr.EntryCredit,
		Delta:          c.Days,
		CreditID:       c.ID,
		ReferenceID:    c.SourceAllocationID,
		Reason:         "RL credit under rule " + c.RuleCode,
		IdempotencyKey: "credit:" + c.SourceAllocationID,
		EffectiveAt:    c.IssuedAt,
		CreatedBy:      actor,
		CreatedAt:      c.IssuedAt,
	})
}

// Consume deducts req.Days for an approved request. Credit-backed types draw
// from RL credits first. A credit counts only if it is unexpired on the first
// day of leave. Fails with a validation error when the balance is short.
func Consume(ctx context.Context, repo hr.Repository, req hr.LeaveRequest, lt hr.LeaveType, actor string, at time.Time) error {
	leaveDate := req.StartDate
	if leaveDate.IsZero() {
		leaveDate = at
	}
	b, err := Compute(ctx, repo, req.EmployeeID, lt, leaveDate)
	if err != nil {
		return err
	}
	if req.Days.GreaterThan(b.Available) {
		return hr.Validation("days", "insufficient balance: requested %s, available %s",
			req.Days.String(), b.Available.String())
	}

	remaining := req.Days
	var entries []hr.LedgerEntry

	if lt.CreditBacked {
		credits, err := spendable(ctx, repo, req.EmployeeID, lt.Code, leaveDate)
		if err != nil {
			return err
		}
		for _, c := range credits {
			if !remaining.IsPositive() {
				break
			}
			take := c.Remaining().Min(remaining)
			if err := repo.UpdateCreditConsumed(ctx, c.ID, c.Consumed.Add(take)); err != nil {
				return fmt.Errorf("consume credit %s: %w", c.ID, err)
			}
			entries = append(entries, hr.LedgerEntry{
				ID:             uuid.NewString(),
				EmployeeID:     req.EmployeeID,
				LeaveTypeCode:  lt.Code,
				Type:           hr.EntryCreditUse,
				Delta:          take.Neg(),
				CreditID:       c.ID,
				ReferenceID:    req.ID,
				Reason:         "leave drawn from RL credit",
				IdempotencyKey: "credit_use:" + req.ID + ":" + c.ID,
				EffectiveAt:    req.StartDate,
				CreatedBy:      actor,
				CreatedAt:      at,
			})
			remaining = remaining.Sub(take)
		}
	}

	if remaining.IsPositive() {
		entries = append(entries, hr.LedgerEntry{
			ID:             uuid.NewString(),
			EmployeeID:     req.EmployeeID,
			LeaveTypeCode:  lt.Code,
			Type:           hr.EntryConsumption,
			Delta:          remaining.Neg(),
			ReferenceID:    req.ID,
			Reason:         "approved leave",
			IdempotencyKey: "consume:" + req.ID,
			EffectiveAt:    req.StartDate,
			CreatedBy:      actor,
			CreatedAt:      at,
		})
	}

	if err := repo.AppendLedger(ctx, entries...); err != nil {
		if errors.Is(err, hr.ErrDuplicate) {
			return hr.InvalidState("leave request %s was already deducted", req.ID)
		}
		return err
	}
	return nil
}

// spendable lists credits of leaveTypeCode usable on date, in consumption
// order: earliest expiry first, then credits that never expire, oldest issue
// first within a tie.
func spendable(ctx context.Context, repo hr.Repository, employeeID, leaveTypeCode string, date time.Time) ([]hr.RLCredit, error) {
	entries, err := repo.ListLedger(ctx, employeeID, leaveTypeCode)
	if err != nil {
		return nil, err
	}
	all, err := bookedCredits(ctx, repo, employeeID, entries)
	if err != nil {
		return nil, err
	}
	var out []hr.RLCredit
	for _, c := range all {
		if c.ExpiredAt(date) || !c.Remaining().IsPositive() {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].ExpiresAt, out[j].ExpiresAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out, nil
}

// bookedCredits returns the credits whose issue row is among entries, i.e. the
// credits booked on that leave type.
func bookedCredits(ctx context.Context, repo hr.Repository, employeeID string, entries []hr.LedgerEntry) ([]hr.RLCredit, error) {
	booked := make(map[string]bool)
	for _, e := range entries {
		if e.Type == hr.EntryCredit && e.CreditID != "" {
			booked[e.CreditID] = true
		}
	}
	if len(booked) == 0 {
		return nil, nil
	}
	all, err := repo.ListCredits(ctx, hr.CreditFilter{EmployeeID: employeeID})
	if err != nil {
		return nil, err
	}
	out := make([]hr.RLCredit, 0, len(booked))
	for _, c := range all {
		if booked[c.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}
