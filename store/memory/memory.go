// Package memory provides an in-memory hr.Store for tests and demos.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/toil-engine/hr"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory serialises transactions behind one lock. A transaction works on the
// live state and restores a snapshot if fn fails.
type Memory struct {
	mu        sync.RWMutex
	st        *state
	auditFail error
}

func New() *Memory {
	return &Memory{st: newState()}
}

// WithTx executes fn within a transaction.
func (m *Memory) WithTx(_ context.Context, fn func(hr.Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&repo{st: m.st, auditFail: m.auditFail}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// View executes fn against the current state under a read lock.
func (m *Memory) View(_ context.Context, fn func(hr.Repository) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&repo{st: m.st, auditFail: m.auditFail})
}

// FailAuditWith makes every subsequent audit append fail with err. Pass nil to
// restore normal behaviour. Used to exercise storage-unavailable paths.
func (m *Memory) FailAuditWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditFail = err
}

// =============================================================================
// STATE
// =============================================================================

type pair struct {
	EventID    string
	EmployeeID string
}

type state struct {
	employees   map[string]hr.Employee
	leaveTypes  map[string]hr.LeaveType
	rules       map[string]hr.TOILRule
	courses     map[string]hr.TrainingCourse
	courseCodes map[string]string
	events      map[string]hr.TrainingEvent
	allocations map[string]hr.Allocation
	allocByPair map[pair]string
	credits     map[string]hr.RLCredit
	creditAlloc map[string]string
	requests    map[string]hr.LeaveRequest
	ledger      []hr.LedgerEntry
	idempotency map[string]bool
	audit       []hr.AuditEntry
	holidays    map[string]hr.Holiday
}

func newState() *state {
	return &state{
		employees:   make(map[string]hr.Employee),
		leaveTypes:  make(map[string]hr.LeaveType),
		rules:       make(map[string]hr.TOILRule),
		courses:     make(map[string]hr.TrainingCourse),
		courseCodes: make(map[string]string),
		events:      make(map[string]hr.TrainingEvent),
		allocations: make(map[string]hr.Allocation),
		allocByPair: make(map[pair]string),
		credits:     make(map[string]hr.RLCredit),
		creditAlloc: make(map[string]string),
		requests:    make(map[string]hr.LeaveRequest),
		idempotency: make(map[string]bool),
		holidays:    make(map[string]hr.Holiday),
	}
}

func (s *state) clone() *state {
	return &state{
		employees:   copyMap(s.employees),
		leaveTypes:  copyMap(s.leaveTypes),
		rules:       copyMap(s.rules),
		courses:     copyMap(s.courses),
		courseCodes: copyMap(s.courseCodes),
		events:      copyMap(s.events),
		allocations: copyMap(s.allocations),
		allocByPair: copyMap(s.allocByPair),
		credits:     copyMap(s.credits),
		creditAlloc: copyMap(s.creditAlloc),
		requests:    copyMap(s.requests),
		ledger:      append([]hr.LedgerEntry(nil), s.ledger...),
		idempotency: copyMap(s.idempotency),
		audit:       append([]hr.AuditEntry(nil), s.audit...),
		holidays:    copyMap(s.holidays),
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// REPOSITORY VIEW
// =============================================================================

type repo struct {
	st        *state
	auditFail error
}

var _ hr.Repository = (*repo)(nil)

// Employees

func (r *repo) SaveEmployee(_ context.Context, e hr.Employee) error {
	r.st.employees[e.ID] = e
	return nil
}

func (r *repo) GetEmployee(_ context.Context, id string) (hr.Employee, error) {
	e, ok := r.st.employees[id]
	if !ok {
		return hr.Employee{}, hr.ErrNotFound
	}
	return e, nil
}

// Leave types

func (r *repo) InsertLeaveType(_ context.Context, lt hr.LeaveType) error {
	if _, ok := r.st.leaveTypes[lt.Code]; ok {
		return hr.ErrDuplicate
	}
	r.st.leaveTypes[lt.Code] = lt
	return nil
}

func (r *repo) UpdateLeaveType(_ context.Context, lt hr.LeaveType) error {
	if _, ok := r.st.leaveTypes[lt.Code]; !ok {
		return hr.ErrNotFound
	}
	r.st.leaveTypes[lt.Code] = lt
	return nil
}

func (r *repo) GetLeaveType(_ context.Context, code string) (hr.LeaveType, error) {
	lt, ok := r.st.leaveTypes[code]
	if !ok {
		return hr.LeaveType{}, hr.ErrNotFound
	}
	return lt, nil
}

func (r *repo) ListLeaveTypes(_ context.Context) ([]hr.LeaveType, error) {
	out := make([]hr.LeaveType, 0, len(r.st.leaveTypes))
	for _, lt := range r.st.leaveTypes {
		out = append(out, lt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Rules

func (r *repo) InsertRule(_ context.Context, rule hr.TOILRule) error {
	if _, ok := r.st.rules[rule.Code]; ok {
		return hr.ErrDuplicate
	}
	r.st.rules[rule.Code] = copyRule(rule)
	return nil
}

func (r *repo) UpdateRule(_ context.Context, rule hr.TOILRule) error {
	if _, ok := r.st.rules[rule.Code]; !ok {
		return hr.ErrNotFound
	}
	r.st.rules[rule.Code] = copyRule(rule)
	return nil
}

func (r *repo) GetRule(_ context.Context, code string) (hr.TOILRule, error) {
	rule, ok := r.st.rules[code]
	if !ok {
		return hr.TOILRule{}, hr.ErrNotFound
	}
	return copyRule(rule), nil
}

func (r *repo) ListRules(_ context.Context) ([]hr.TOILRule, error) {
	out := make([]hr.TOILRule, 0, len(r.st.rules))
	for _, rule := range r.st.rules {
		out = append(out, copyRule(rule))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func copyRule(rule hr.TOILRule) hr.TOILRule {
	rule.Departments = append([]string(nil), rule.Departments...)
	rule.Grades = append([]string(nil), rule.Grades...)
	rule.EmploymentTypes = append([]string(nil), rule.EmploymentTypes...)
	if rule.EffectiveTo != nil {
		t := *rule.EffectiveTo
		rule.EffectiveTo = &t
	}
	return rule
}

// Training

func (r *repo) InsertCourse(_ context.Context, c hr.TrainingCourse) error {
	if _, ok := r.st.courses[c.ID]; ok {
		return hr.ErrDuplicate
	}
	if _, ok := r.st.courseCodes[c.Code]; ok {
		return hr.ErrDuplicate
	}
	r.st.courses[c.ID] = c
	r.st.courseCodes[c.Code] = c.ID
	return nil
}

func (r *repo) GetCourse(_ context.Context, id string) (hr.TrainingCourse, error) {
	c, ok := r.st.courses[id]
	if !ok {
		return hr.TrainingCourse{}, hr.ErrNotFound
	}
	return c, nil
}

func (r *repo) InsertEvent(_ context.Context, e hr.TrainingEvent) error {
	if _, ok := r.st.events[e.ID]; ok {
		return hr.ErrDuplicate
	}
	r.st.events[e.ID] = e
	return nil
}

func (r *repo) GetEvent(_ context.Context, id string) (hr.TrainingEvent, error) {
	e, ok := r.st.events[id]
	if !ok {
		return hr.TrainingEvent{}, hr.ErrNotFound
	}
	return e, nil
}

func (r *repo) InsertAllocation(_ context.Context, a hr.Allocation) error {
	k := pair{EventID: a.EventID, EmployeeID: a.EmployeeID}
	if _, ok := r.st.allocByPair[k]; ok {
		return hr.ErrDuplicate
	}
	if _, ok := r.st.allocations[a.ID]; ok {
		return hr.ErrDuplicate
	}
	r.st.allocations[a.ID] = a
	r.st.allocByPair[k] = a.ID
	return nil
}

func (r *repo) GetAllocation(_ context.Context, id string) (hr.Allocation, error) {
	a, ok := r.st.allocations[id]
	if !ok {
		return hr.Allocation{}, hr.ErrNotFound
	}
	return a, nil
}

func (r *repo) ListAllocations(_ context.Context, eventID string) ([]hr.Allocation, error) {
	var out []hr.Allocation
	for _, a := range r.st.allocations {
		if a.EventID == eventID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EmployeeID < out[j].EmployeeID
	})
	return out, nil
}

// UpdateAllocation stores a with Version+1 if the stored version equals a.Version.
func (r *repo) UpdateAllocation(_ context.Context, a hr.Allocation) error {
	cur, ok := r.st.allocations[a.ID]
	if !ok {
		return hr.ErrNotFound
	}
	if cur.Version != a.Version {
		return hr.ErrConcurrentModification
	}
	if cur.RLCreditID != "" && cur.RLCreditID != a.RLCreditID {
		return hr.ErrDuplicateCredit
	}
	a.Version++
	r.st.allocations[a.ID] = a
	return nil
}

// Credits

func (r *repo) InsertCredit(_ context.Context, c hr.RLCredit) error {
	if _, ok := r.st.creditAlloc[c.SourceAllocationID]; ok {
		return hr.ErrDuplicateCredit
	}
	if _, ok := r.st.credits[c.ID]; ok {
		return hr.ErrDuplicate
	}
	r.st.credits[c.ID] = c
	r.st.creditAlloc[c.SourceAllocationID] = c.ID
	return nil
}

func (r *repo) GetCreditByAllocation(_ context.Context, allocationID string) (hr.RLCredit, error) {
	id, ok := r.st.creditAlloc[allocationID]
	if !ok {
		return hr.RLCredit{}, hr.ErrNotFound
	}
	return r.st.credits[id], nil
}

func (r *repo) ListCredits(_ context.Context, f hr.CreditFilter) ([]hr.RLCredit, error) {
	var out []hr.RLCredit
	for _, c := range r.st.credits {
		if f.EmployeeID != "" && c.EmployeeID != f.EmployeeID {
			continue
		}
		if f.RuleCode != "" && c.RuleCode != f.RuleCode {
			continue
		}
		if f.EventFrom != nil && c.EventDate.Before(*f.EventFrom) {
			continue
		}
		if f.EventTo != nil && c.EventDate.After(*f.EventTo) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *repo) UpdateCreditConsumed(_ context.Context, id string, consumed hr.Days) error {
	c, ok := r.st.credits[id]
	if !ok {
		return hr.ErrNotFound
	}
	c.Consumed = consumed
	r.st.credits[id] = c
	return nil
}

// Leave requests

func (r *repo) InsertRequest(_ context.Context, req hr.LeaveRequest) error {
	if _, ok := r.st.requests[req.ID]; ok {
		return hr.ErrDuplicate
	}
	r.st.requests[req.ID] = req
	return nil
}

func (r *repo) GetRequest(_ context.Context, id string) (hr.LeaveRequest, error) {
	req, ok := r.st.requests[id]
	if !ok {
		return hr.LeaveRequest{}, hr.ErrNotFound
	}
	return req, nil
}

// UpdateRequest stores req with Version+1 if the stored version equals req.Version.
func (r *repo) UpdateRequest(_ context.Context, req hr.LeaveRequest) error {
	cur, ok := r.st.requests[req.ID]
	if !ok {
		return hr.ErrNotFound
	}
	if cur.Version != req.Version {
		return hr.ErrConcurrentModification
	}
	req.Version++
	r.st.requests[req.ID] = req
	return nil
}

func (r *repo) ListRequests(_ context.Context, f hr.RequestFilter) ([]hr.LeaveRequest, error) {
	var out []hr.LeaveRequest
	for _, req := range r.st.requests {
		if f.EmployeeID != "" && req.EmployeeID != f.EmployeeID {
			continue
		}
		if f.LeaveTypeCode != "" && req.LeaveTypeCode != f.LeaveTypeCode {
			continue
		}
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Ledger

// AppendLedger appends all entries or none.
func (r *repo) AppendLedger(_ context.Context, entries ...hr.LedgerEntry) error {
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IdempotencyKey == "" {
			continue
		}
		if r.st.idempotency[e.IdempotencyKey] || seen[e.IdempotencyKey] {
			return hr.ErrDuplicate
		}
		seen[e.IdempotencyKey] = true
	}
	for _, e := range entries {
		r.st.ledger = append(r.st.ledger, e)
		if e.IdempotencyKey != "" {
			r.st.idempotency[e.IdempotencyKey] = true
		}
	}
	return nil
}

func (r *repo) ListLedger(_ context.Context, employeeID, leaveTypeCode string) ([]hr.LedgerEntry, error) {
	var out []hr.LedgerEntry
	for _, e := range r.st.ledger {
		if e.EmployeeID == employeeID && e.LeaveTypeCode == leaveTypeCode {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EffectiveAt.Before(out[j].EffectiveAt)
	})
	return out, nil
}

// Audit

func (r *repo) AppendAudit(_ context.Context, e hr.AuditEntry) error {
	if r.auditFail != nil {
		return r.auditFail
	}
	r.st.audit = append(r.st.audit, e)
	return nil
}

func (r *repo) ListAudit(_ context.Context, f hr.AuditFilter) ([]hr.AuditEntry, error) {
	actions := make(map[hr.AuditAction]bool, len(f.Actions))
	for _, a := range f.Actions {
		actions[a] = true
	}

	var matched []hr.AuditEntry
	for i := len(r.st.audit) - 1; i >= 0; i-- {
		e := r.st.audit[i]
		if f.EmployeeID != "" && e.TargetEmployee != f.EmployeeID {
			continue
		}
		if len(actions) > 0 && !actions[e.Action] {
			continue
		}
		if f.From != nil && e.Timestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && e.Timestamp.After(*f.To) {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if f.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// Holidays

func (r *repo) SaveHoliday(_ context.Context, h hr.Holiday) error {
	r.st.holidays[h.ID] = h
	return nil
}

func (r *repo) HolidaysBetween(_ context.Context, start, end time.Time) ([]hr.Holiday, error) {
	var out []hr.Holiday
	p := hr.Period{Start: hr.Date(start), End: hr.Date(end)}
	for _, h := range r.st.holidays {
		if h.Recurring || p.Contains(h.Date) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}
