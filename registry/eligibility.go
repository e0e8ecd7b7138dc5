package registry

import (
	"time"

	"github.com/warp/toil-engine/hr"
)

// Eligibility is the outcome of ResolveEligibility. Reason is empty when eligible.
type Eligibility struct {
	Eligible bool
	Reason   string
}

// ResolveEligibility decides whether rule grants RL to employee for an event on
// eventDate. It is pure: no I/O, no clock, same inputs give the same answer.
// The training lifecycle and the credit issuer both call it, and nothing else
// decides rule applicability.
func ResolveEligibility(rule hr.TOILRule, employee hr.Employee, eventDate time.Time) Eligibility {
	if !rule.Active {
		return Eligibility{Reason: "rule inactive"}
	}

	day := hr.Date(eventDate)
	if day.Before(hr.Date(rule.EffectiveFrom)) {
		return Eligibility{Reason: "event before rule effective window"}
	}
	if rule.EffectiveTo != nil && day.After(hr.Date(*rule.EffectiveTo)) {
		return Eligibility{Reason: "event after rule effective window"}
	}

	if !matches(rule.Departments, employee.Department) {
		return Eligibility{Reason: "department not eligible"}
	}
	if !matches(rule.Grades, employee.Grade) {
		return Eligibility{Reason: "grade not eligible"}
	}
	if !matches(rule.EmploymentTypes, employee.EmploymentType) {
		return Eligibility{Reason: "employment type not eligible"}
	}

	return Eligibility{Eligible: true}
}

// matches treats an empty filter as "everyone".
func matches(filter []string, value string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == value {
			return true
		}
	}
	return false
}
