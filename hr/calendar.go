package hr

import (
	"context"
	"time"
)

// =============================================================================
// DATES - All dates are civil days in UTC
// =============================================================================

// Date truncates t to midnight UTC of its calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DaysBetween counts whole days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Date(b).Sub(Date(a)).Hours() / 24)
}

// =============================================================================
// PERIOD - Boundaries used for credit caps
// =============================================================================

// Period is an inclusive range of days.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) Contains(t time.Time) bool {
	d := Date(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) Period {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, -1)}
}

// YearOf returns the calendar year containing t.
func YearOf(t time.Time) Period {
	return Period{
		Start: NewDate(t.Year(), time.January, 1),
		End:   NewDate(t.Year(), time.December, 31),
	}
}

// =============================================================================
// CALENDAR - Working-day counting (external collaborator)
// =============================================================================

// Calendar counts chargeable leave days in an inclusive date range.
type Calendar interface {
	WorkingDays(ctx context.Context, start, end time.Time) (int, error)
}

// HolidaySource lists holidays that fall inside a range. Recurring holidays
// are returned regardless of their stored year.
type HolidaySource interface {
	HolidaysBetween(ctx context.Context, start, end time.Time) ([]Holiday, error)
}

// WeekdayCalendar treats Monday to Friday as working days, minus holidays.
type WeekdayCalendar struct {
	Holidays HolidaySource // optional
}

func (c WeekdayCalendar) WorkingDays(ctx context.Context, start, end time.Time) (int, error) {
	start, end = Date(start), Date(end)
	if end.Before(start) {
		return 0, nil
	}

	off := make(map[string]bool)
	if c.Holidays != nil {
		holidays, err := c.Holidays.HolidaysBetween(ctx, start, end)
		if err != nil {
			return 0, err
		}
		for _, h := range holidays {
			if h.Recurring {
				for y := start.Year(); y <= end.Year(); y++ {
					off[NewDate(y, h.Date.Month(), h.Date.Day()).Format("2006-01-02")] = true
				}
				continue
			}
			off[Date(h.Date).Format("2006-01-02")] = true
		}
	}

	n := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if IsWeekend(d) || off[d.Format("2006-01-02")] {
			continue
		}
		n++
	}
	return n, nil
}
