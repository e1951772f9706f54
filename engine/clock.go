package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

// Clock supplies the current time. Production code uses SystemClock;
// tests substitute a fixed or stepping clock so rollover and aggregation
// windows can be exercised deterministically.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// =============================================================================
// LOCAL DATE - Calendar-day boundary for rollover
// =============================================================================

// LocalDate is a calendar day in the engine's local time zone. It is a
// comparable value type so it can key rollover decisions directly.
type LocalDate struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) LocalDate {
	y, m, d := t.Date()
	return LocalDate{Year: y, Month: m, Day: d}
}

func (d LocalDate) Before(other LocalDate) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

func (d LocalDate) Equal(other LocalDate) bool { return d == other }

func (d LocalDate) IsZero() bool { return d == LocalDate{} }

// Time returns midnight at the start of the day in the given location.
func (d LocalDate) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d LocalDate) AddDays(n int) LocalDate {
	return DateOf(d.Time(time.UTC).AddDate(0, 0, n))
}

func (d LocalDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// ParseLocalDate parses the YYYY-MM-DD form produced by String.
func ParseLocalDate(s string) (LocalDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return LocalDate{}, err
	}
	return DateOf(t), nil
}
