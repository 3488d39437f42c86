package points

import (
	"fmt"
	"time"
)

// =============================================================================
// FISCAL YEAR - April 1 to March 31
// =============================================================================

// FiscalYearStartMonth is the first month of the fiscal year.
const FiscalYearStartMonth = time.April

// Period is a closed time interval [Start, End].
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t is within [Start, End].
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + "]"
}

// fiscalStartYear is the calendar year in which t's fiscal year began.
func fiscalStartYear(t time.Time) int {
	t = t.UTC()
	if t.Month() < FiscalYearStartMonth {
		return t.Year() - 1
	}
	return t.Year()
}

// FiscalYearLabel returns e.g. "FY2025-26" for any date from 1 Apr 2025
// through 31 Mar 2026.
func FiscalYearLabel(t time.Time) string {
	start := fiscalStartYear(t)
	return fmt.Sprintf("FY%d-%02d", start, (start+1)%100)
}

// FiscalYearBoundaries returns the fiscal year containing t, in UTC.
func FiscalYearBoundaries(t time.Time) Period {
	start := time.Date(fiscalStartYear(t), FiscalYearStartMonth, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0).Add(-time.Nanosecond)
	return Period{Start: start, End: end}
}
