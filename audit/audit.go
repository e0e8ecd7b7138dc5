// Package audit is the append-only audit trail every engine component writes to.
//
// Writes happen through the caller's transaction repository so that a failed
// append aborts the state transition it describes. Reads exist only for
// compliance reporting.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/toil-engine/hr"
)

// DefaultLimit caps list queries that do not set a limit.
const DefaultLimit = 100

// Append writes one entry. ID and Timestamp are filled when empty.
// No update or delete counterpart exists.
func Append(ctx context.Context, repo hr.Repository, e hr.AuditEntry) error {
	if e.Action == "" {
		return fmt.Errorf("audit entry requires an action")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := repo.AppendAudit(ctx, e); err != nil {
		return fmt.Errorf("append audit %s: %w", e.Action, err)
	}
	return nil
}

// OverrideNotes formats the notes recorded for an administrative override.
func OverrideNotes(justification string) string {
	return "[OVERRIDE] " + strings.TrimSpace(justification)
}

// =============================================================================
// QUERY SURFACE - Read-only, compliance reporting
// =============================================================================

type Log struct {
	Store hr.Store
}

func New(store hr.Store) *Log {
	return &Log{Store: store}
}

// List returns entries matching f, newest first.
func (l *Log) List(ctx context.Context, f hr.AuditFilter) ([]hr.AuditEntry, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Offset < 0 {
		return nil, hr.Validation("offset", "must not be negative")
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, hr.Validation("to", "must not be before from")
	}

	var out []hr.AuditEntry
	err := l.Store.View(ctx, func(r hr.Repository) error {
		var err error
		out, err = r.ListAudit(ctx, f)
		return err
	})
	return out, err
}

func (l *Log) ListByEmployee(ctx context.Context, employeeID string) ([]hr.AuditEntry, error) {
	return l.List(ctx, hr.AuditFilter{EmployeeID: employeeID})
}

func (l *Log) ListByDateRange(ctx context.Context, from, to time.Time) ([]hr.AuditEntry, error) {
	return l.List(ctx, hr.AuditFilter{From: &from, To: &to})
}

func (l *Log) ListByAction(ctx context.Context, actions ...hr.AuditAction) ([]hr.AuditEntry, error) {
	return l.List(ctx, hr.AuditFilter{Actions: actions})
}
