package statement

import (
	"fmt"
	"time"

	"fintsbridge/internal/domain"
)

const (
	WindowLast30  = "last30"
	WindowLast120 = "last120"
	WindowCustom  = "custom"
)

const dateLayout = "2006-01-02"

// ResolveWindow turns a fetch mode into a concrete date range. Custom
// windows need explicit start and end dates; the relative modes end at
// today.
func ResolveWindow(mode, startDate, endDate string, now time.Time) (domain.FetchWindow, error) {
	today := now.UTC().Truncate(24 * time.Hour)
	switch mode {
	case "", WindowLast30:
		return domain.FetchWindow{Start: today.AddDate(0, 0, -30), End: today}, nil
	case WindowLast120:
		return domain.FetchWindow{Start: today.AddDate(0, 0, -120), End: today}, nil
	case WindowCustom:
		start, err := time.Parse(dateLayout, startDate)
		if err != nil {
			return domain.FetchWindow{}, fmt.Errorf("parse start_date: %w", err)
		}
		end, err := time.Parse(dateLayout, endDate)
		if err != nil {
			return domain.FetchWindow{}, fmt.Errorf("parse end_date: %w", err)
		}
		if end.Before(start) {
			return domain.FetchWindow{}, fmt.Errorf("end_date %s precedes start_date %s", endDate, startDate)
		}
		return domain.FetchWindow{Start: start, End: end}, nil
	default:
		return domain.FetchWindow{}, fmt.Errorf("unknown fetch mode %q", mode)
	}
}
