/*
Package registry holds leave-type and TOIL-rule configuration.

PURPOSE:
  Pure configuration with validation. No state transitions happen here.
  Historical requests and allocations must always resolve the rule they
  reference, so nothing is ever deleted: deactivation flips a flag.

VALIDATION:
  - code non-empty and unique among active AND inactive entries
  - numeric fields non-negative
  - effective_to (if present) >= effective_from
  - enum fields are known values

  Failures return hr.Validation naming the offending field, duplicates
  return hr.Conflict.

SEE ALSO:
  - eligibility.go: ResolveEligibility, the single applicability check
*/
package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/toil-engine/audit"
	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/metrics"
)

type Service struct {
	Store  hr.Store
	Logger *zap.Logger
	Now    func() time.Time
}

func New(store hr.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Store: store, Logger: logger, Now: time.Now}
}

// =============================================================================
// LEAVE TYPES
// =============================================================================

func (s *Service) CreateLeaveType(ctx context.Context, p hr.Principal, lt hr.LeaveType) (hr.LeaveType, error) {
	if !p.IsAdmin() {
		return hr.LeaveType{}, hr.Forbidden("only admins may create leave types")
	}
	lt.Code = strings.TrimSpace(lt.Code)
	if err := ValidateLeaveType(lt); err != nil {
		return hr.LeaveType{}, err
	}

	now := s.Now().UTC()
	lt.Active = true
	lt.CreatedAt = now
	lt.UpdatedAt = now

	err := s.Store.WithTx(ctx, func(r hr.Repository) error {
		if err := r.InsertLeaveType(ctx, lt); err != nil {
			if errors.Is(err, hr.ErrDuplicate) {
				return hr.Conflict("leave type %q already exists", lt.Code)
			}
			return err
		}
		return audit.Append(ctx, r, hr.AuditEntry{
			Action:      hr.ActionLeaveTypeCreated,
			PerformedBy: p.ID,
			Code:        lt.Code,
			Notes:       lt.Name,
			Timestamp:   now,
		})
	})
	if err != nil {
		return hr.LeaveType{}, err
	}

	metrics.RegistryWrites.WithLabelValues("leave_type", "create").Inc()
	s.Logger.Info("leave type created", zap.String("code", lt.Code), zap.String("by", p.ID))
	return lt, nil
}

// UpdateLeaveType replaces the mutable fields of an existing leave type.
// Code, Active and CreatedAt are kept from the stored record.
func (s *Service) UpdateLeaveType(ctx context.Context, p hr.Principal, lt hr.LeaveType) (hr.LeaveType, error) {
	if !p.IsAdmin() {
		return hr.LeaveType{}, hr.Forbidden("only admins may update leave types")
	}
	lt.Code = strings.TrimSpace(lt.Code)
	if err := ValidateLeaveType(lt); err != nil {
		return hr.LeaveType{}, err
	}

	var updated hr.LeaveType
	err := s.Store.WithTx(ctx, func(r hr.Repository) error {
		existing, err := r.GetLeaveType(ctx, lt.Code)
		if err != nil {
			return hr.Missing(err, "leave type", lt.Code)
		}
		lt.Active = existing.Active
		lt.CreatedAt = existing.CreatedAt
		lt.UpdatedAt = s.Now().UTC()
		if err := r.UpdateLeaveType(ctx, lt); err != nil {
			return err
		}
		updated = lt
		return audit.Append(ctx, r, hr.AuditEntry{
			Action:      hr.ActionLeaveTypeUpdated,
			PerformedBy: p.ID,
			Code:        lt.Code,
			Timestamp:   lt.UpdatedAt,
		})
	})
	if err != nil {
		return hr.LeaveType{}, err
	}

	metrics.RegistryWrites.WithLabelValues("leave_type", "update").Inc()
	return updated, nil
}

// DeactivateLeaveType soft-deletes a leave type. Deactivating twice is a no-op
// reported as success so historical references keep resolving.
func (s *Service) DeactivateLeaveType(ctx context.Context, p hr.Principal, code string) (hr.LeaveType, error) {
	if !p.IsAdmin() {
		return hr.LeaveType{}, hr.Forbidden("only admins may deactivate leave types")
	}

	var lt hr.LeaveType
	err := s.Store.WithTx(ctx, func(r hr.Repository) error {
		var err error
		lt, err = r.GetLeaveType(ctx, code)
		if err != nil {
			return hr.Missing(err, "leave type", code)
		}
		if !lt.Active {
			return nil
		}
		lt.Active = false
		lt.UpdatedAt = s.Now().UTC()
		if err := r.UpdateLeaveType(ctx, lt); err != nil {
			return err
		}
		return audit.Append(ctx, r, hr.AuditEntry{
			Action:      hr.ActionLeaveTypeDeactivated,
			PerformedBy: p.ID,
			Code:        code,
			Timestamp:   lt.UpdatedAt,
		})
	})
	if err != nil {
		return hr.LeaveType{}, err
	}

	metrics.RegistryWrites.WithLabelValues("leave_type", "deactivate").Inc()
	return lt, nil
}

func (s *Service) GetLeaveType(ctx context.Context, code string) (hr.LeaveType, error) {
	var lt hr.LeaveType
	err := s.Store.View(ctx, func(r hr.Repository) error {
		var err error
		lt, err = r.GetLeaveType(ctx, code)
		return hr.Missing(err, "leave type", code)
	})
	return lt, err
}

func (s *Service) ListLeaveTypes(ctx context.Context) ([]hr.LeaveType, error) {
	var out []hr.LeaveType
	err := s.Store.View(ctx, func(r hr.Repository) error {
		var err error
		out, err = r.ListLeaveTypes(ctx)
		return err
	})
	return out, err
}

// ValidateLeaveType checks the fields of a leave type without touching storage.
func ValidateLeaveType(lt hr.LeaveType) error {
	if lt.Code == "" {
		return hr.Validation("code", "is required")
	}
	if strings.TrimSpace(lt.Name) == "" {
		return hr.Validation("name", "is required")
	}
	if lt.MaxDaysPerYear.IsNegative() {
		return hr.Validation("max_days_per_year", "must not be negative")
	}
	if lt.CarryForwardDays.IsNegative() {
		return hr.Validation("carry_forward_days", "must not be negative")
	}
	if lt.CarryForwardExpiryDays < 0 {
		return hr.Validation("carry_forward_expiry_days", "must not be negative")
	}
	if lt.MinNoticeDays < 0 {
		return hr.Validation("min_notice_days", "must not be negative")
	}
	return nil
}

// =============================================================================
// TOIL RULES
// =============================================================================

func (s *Service) CreateRule(ctx context.Context, p hr.Principal, rule hr.TOILRule) (hr.TOILRule, error) {
	if !p.IsAdmin() {
		return hr.TOILRule{}, hr.Forbidden("only admins may create TOIL rules")
	}
	rule.Code = strings.TrimSpace(rule.Code)
	if err := ValidateRule(rule); err != nil {
		return hr.TOILRule{}, err
	}

	now := s.Now().UTC()
	rule.Active = true
	rule.CreatedAt = now
	rule.UpdatedAt = now

	err := s.Store.WithTx(ctx, func(r hr.Repository) error {
		if err := r.InsertRule(ctx, rule); err != nil {
			if errors.Is(err, hr.ErrDuplicate) {
				return hr.Conflict("TOIL rule %q already exists", rule.Code)
			}
			return err
		}
		return audit.Append(ctx, r, hr.AuditEntry{
			Action:      hr.ActionRuleCreated,
			PerformedBy: p.ID,
			Code:        rule.Code,
			Notes:       string(rule.Trigger) + "/" + string(rule.CreditType),
			Timestamp:   now,
		})
	})
	if err != nil {
		return hr.TOILRule{}, err
	}

	metrics.RegistryWrites.WithLabelValues("rule", "create").Inc()
	s.Logger.Info("toil rule created",
		zap.String("code", rule.Code),
		zap.String("trigger", string(rule.Trigger)),
		zap.String("by", p.ID))
	return rule, nil
}

// UpdateRule replaces the mutable fields of an existing rule.
func (s *Service) UpdateRule(ctx context.Context, p hr.Principal, rule hr.TOILRule) (hr.TOILRule, error) {
	if !p.IsAdmin() {
		return hr.TOILRule{}, hr.Forbidden("only admins may update TOIL rules")
	}
	rule.Code = strings.TrimSpace(rule.Code)
	if err := ValidateRule(rule); err != nil {
		return hr.TOILRule{}, err
	}

	var updated hr.TOILRule
	err := s.Store.WithTx(ctx, func(r hr.Repository) error {
		existing, err := r.GetRule(ctx, rule.Code)
		if err != nil {
			return hr.Missing(err, "TOIL rule", rule.Code)
		}
		rule.Active = existing.Active
		rule.CreatedAt = existing.CreatedAt
		rule.UpdatedAt = s.Now().UTC()
		if err := r.UpdateRule(ctx, rule); err != nil {
			return err
		}
		updated = rule
		return audit.Append(ctx, r, hr.AuditEntry{
			Action:      hr.ActionRuleUpdated,
			PerformedBy: p.ID,
			Code:        rule.Code,
			Timestamp:   rule.UpdatedAt,
		})
	})
	if err != nil {
		return hr.TOILRule{}, err
	}

	metrics.RegistryWrites.WithLabelValues("rule", "update").Inc()
	return updated, nil
}

func (s *Service) DeactivateRule(ctx context.Context, p hr.Principal, code string) (hr.TOILRule, error) {
	if !p.IsAdmin() {
		return hr.TOILRule{}, hr.Forbidden("only admins may deactivate TOIL rules")
	}

	var rule hr.TOILRule
	err := s.Store.WithTx(ctx, func(r hr.Repository) error {
		var err error
		rule, err = r.GetRule(ctx, code)
		if err != nil {
			return hr.Missing(err, "TOIL rule", code)
		}
		if !rule.Active {
			return nil
		}
		rule.Active = false
		rule.UpdatedAt = s.Now().UTC()
		if err := r.UpdateRule(ctx, rule); err != nil {
			return err
		}
		return audit.Append(ctx, r, hr.AuditEntry{
			Action:      hr.ActionRuleDeactivated,
			PerformedBy: p.ID,
			Code:        code,
			Timestamp:   rule.UpdatedAt,
		})
	})
	if err != nil {
		return hr.TOILRule{}, err
	}

	metrics.RegistryWrites.WithLabelValues("rule", "deactivate").Inc()
	return rule, nil
}

func (s *Service) GetRule(ctx context.Context, code string) (hr.TOILRule, error) {
	var rule hr.TOILRule
	err := s.Store.View(ctx, func(r hr.Repository) error {
		var err error
		rule, err = r.GetRule(ctx, code)
		return hr.Missing(err, "TOIL rule", code)
	})
	return rule, err
}

func (s *Service) ListRules(ctx context.Context) ([]hr.TOILRule, error) {
	var out []hr.TOILRule
	err := s.Store.View(ctx, func(r hr.Repository) error {
		var err error
		out, err = r.ListRules(ctx)
		return err
	})
	return out, err
}

// ValidateRule checks the fields of a rule without touching storage.
func ValidateRule(rule hr.TOILRule) error {
	if rule.Code == "" {
		return hr.Validation("code", "is required")
	}
	if !rule.Trigger.Valid() {
		return hr.Validation("trigger", "unknown trigger type %q", rule.Trigger)
	}
	if !rule.CreditType.Valid() {
		return hr.Validation("credit_type", "unknown credit type %q", rule.CreditType)
	}

	nonNegative := []struct {
		field string
		value hr.Days
	}{
		{"credit_days", rule.CreditDays},
		{"min_hours_required", rule.MinHoursRequired},
		{"max_per_event", rule.MaxPerEvent},
		{"max_per_month", rule.MaxPerMonth},
		{"max_per_year", rule.MaxPerYear},
	}
	for _, f := range nonNegative {
		if f.value.IsNegative() {
			return hr.Validation(f.field, "must not be negative")
		}
	}
	if rule.ExpiryDays < 0 {
		return hr.Validation("expiry_days", "must not be negative")
	}

	switch rule.CreditType {
	case hr.CreditFixed:
		if !rule.CreditDays.IsPositive() {
			return hr.Validation("credit_days", "must be positive for FIXED rules")
		}
	case hr.CreditRatio:
		if !rule.MinHoursRequired.IsPositive() {
			return hr.Validation("min_hours_required", "must be positive for RATIO rules")
		}
		if !rule.CreditDays.IsPositive() {
			return hr.Validation("credit_days", "must be positive for RATIO rules")
		}
	}

	if rule.EffectiveFrom.IsZero() {
		return hr.Validation("effective_from", "is required")
	}
	if rule.EffectiveTo != nil && hr.Date(*rule.EffectiveTo).Before(hr.Date(rule.EffectiveFrom)) {
		return hr.Validation("effective_to", "must not be before effective_from")
	}
	return nil
}
