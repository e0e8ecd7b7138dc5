/*
scheduler.go - Periodic escalation scan

PURPOSE:
  Periodically runs the escalation monitor so the open-escalations gauge
  stays current and overdue PENDING requests show up in the logs without
  anyone polling /api/escalations.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Read-only: it never changes a request; overrides stay manual
  - Runs once immediately on Start

CONFIGURATION:
  - CheckInterval: How often to scan (default: 1 hour)
  - ThresholdDays: Age after which a PENDING request escalates (default: 3)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewEscalationScheduler(eng, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - leave/escalation.go: FindEscalations
  - handlers.go: ListEscalations endpoint (on-demand scan)
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/toil-engine/engine"
	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/leave"
)

// EscalationScheduler scans for overdue leave requests on a ticker.
type EscalationScheduler struct {
	Engine        *engine.Engine
	Logger        *zap.Logger
	CheckInterval time.Duration
	ThresholdDays int
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewEscalationScheduler creates a new scheduler.
func NewEscalationScheduler(eng *engine.Engine, logger *zap.Logger) *EscalationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EscalationScheduler{
		Engine:        eng,
		Logger:        logger,
		CheckInterval: time.Hour,
		ThresholdDays: leave.DefaultEscalationDays,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (s *EscalationScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("escalation scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.Logger.Info("escalation scheduler started",
		zap.Duration("interval", s.CheckInterval),
		zap.Int("threshold_days", s.ThresholdDays))
}

// Stop stops the scheduler and waits for an in-flight scan.
func (s *EscalationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("escalation scheduler stopped")
}

func (s *EscalationScheduler) run() {
	defer s.wg.Done()

	s.Scan(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.Scan(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Scan runs one escalation query and logs each overdue request.
func (s *EscalationScheduler) Scan(ctx context.Context) []leave.Escalation {
	found, err := s.Engine.ListEscalations(ctx, hr.SystemPrincipal, s.ThresholdDays)
	if err != nil {
		s.Logger.Error("escalation scan failed", zap.Error(err))
		return nil
	}
	for _, e := range found {
		s.Logger.Warn("leave request awaiting decision",
			zap.String("request", e.Request.ID),
			zap.String("employee", e.Request.EmployeeID),
			zap.String("approver", e.Request.ApproverID),
			zap.Int("age_days", e.AgeDays))
	}
	return found
}
