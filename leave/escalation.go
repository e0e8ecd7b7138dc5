package leave

import (
	"context"
	"sort"
	"time"

	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/metrics"
)

// DefaultEscalationDays is the threshold callers use when none is given.
const DefaultEscalationDays = 3

// Escalation is a PENDING request that has waited longer than the threshold.
type Escalation struct {
	Request hr.LeaveRequest `json:"request"`
	Age     time.Duration   `json:"age"`
	AgeDays int             `json:"age_days"`
}

// FindEscalations returns PENDING requests older than thresholdDays, oldest
// first. Zero returns every PENDING request with a positive age. It never
// mutates state; overrides stay available on any PENDING request whether or
// not it shows up here.
func (s *Service) FindEscalations(ctx context.Context, thresholdDays int) ([]Escalation, error) {
	if thresholdDays < 0 {
		return nil, hr.Validation("threshold_days", "must not be negative")
	}
	threshold := time.Duration(thresholdDays) * 24 * time.Hour

	pending, err := s.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	var out []Escalation
	for _, req := range pending {
		age := now.Sub(req.SubmittedAt)
		if age <= threshold {
			continue
		}
		out = append(out, Escalation{
			Request: req,
			Age:     age,
			AgeDays: int(age.Hours() / 24),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Request.SubmittedAt.Before(out[j].Request.SubmittedAt)
	})

	metrics.EscalationsOpen.Set(float64(len(out)))
	return out, nil
}
