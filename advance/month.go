package advance

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - Calendar month used for filters and repayment start
// =============================================================================

// Month is a calendar month, e.g. 2025-03.
type Month struct {
	Year  int
	Month time.Month
}

func NewMonth(year int, month time.Month) Month { return Month{Year: year, Month: month} }

// MonthOf returns the month t falls in when viewed in loc.
func MonthOf(t time.Time, loc *time.Location) Month {
	t = t.In(location(loc))
	return Month{Year: t.Year(), Month: t.Month()}
}

// ParseMonth parses the YYYY-MM form.
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q (use YYYY-MM): %w", s, err)
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}

func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }

func (m Month) IsZero() bool { return m.Year == 0 && m.Month == 0 }

// Next returns the following calendar month.
func (m Month) Next() Month {
	if m.Month == time.December {
		return Month{Year: m.Year + 1, Month: time.January}
	}
	return Month{Year: m.Year, Month: m.Month + 1}
}

// Window returns the half-open interval [first-of-month, first-of-next-month) in loc.
func (m Month) Window(loc *time.Location) (start, end time.Time) {
	loc = location(loc)
	start = time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, loc)
	next := m.Next()
	end = time.Date(next.Year, next.Month, 1, 0, 0, 0, 0, loc)
	return start, end
}

// Contains reports whether t falls inside the month in loc.
func (m Month) Contains(t time.Time, loc *time.Location) bool {
	start, end := m.Window(loc)
	return !t.Before(start) && t.Before(end)
}

func (m Month) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Month) UnmarshalText(b []byte) error {
	parsed, err := ParseMonth(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// =============================================================================
// YEAR WINDOW - The usage window for per-policy quotas
// =============================================================================

// YearWindow returns [Jan 1 of year, Jan 1 of year+1) in loc.
func YearWindow(year int, loc *time.Location) (start, end time.Time) {
	loc = location(loc)
	return time.Date(year, time.January, 1, 0, 0, 0, 0, loc),
		time.Date(year+1, time.January, 1, 0, 0, 0, 0, loc)
}

// InYear reports whether t falls in the calendar year in loc.
func InYear(t time.Time, year int, loc *time.Location) bool {
	start, end := YearWindow(year, loc)
	return !t.Before(start) && t.Before(end)
}

func location(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
