package catalog

import (
	"time"
)

// DateWindow is a half-open interval [GTE, LT) rendered into discover
// parameters. The upper bound is exclusive so back-to-back windows never
// overlap on the boundary day.
type DateWindow struct {
	GTE string
	LT  string
}

// LTE returns the inclusive upper bound (the day before LT) for query
// parameters that cannot express an exclusive bound.
func (w DateWindow) LTE() string {
	t, err := time.Parse("2006-01-02", w.LT)
	if err != nil {
		return w.LT
	}
	return t.AddDate(0, 0, -1).Format("2006-01-02")
}

// ResolveDatePreset materialises a named preset at request time. Presets
// are resolved per request, never at configuration time, so a catalog
// configured a year ago still means "the last 30 days" today.
func ResolveDatePreset(preset string, now time.Time) (DateWindow, bool) {
	day := 24 * time.Hour
	today := now.Truncate(day)
	tomorrow := today.Add(day)

	switch preset {
	case "last7":
		return DateWindow{GTE: today.Add(-7 * day).Format("2006-01-02"), LT: tomorrow.Format("2006-01-02")}, true
	case "last30":
		return DateWindow{GTE: today.Add(-30 * day).Format("2006-01-02"), LT: tomorrow.Format("2006-01-02")}, true
	case "last90":
		return DateWindow{GTE: today.Add(-90 * day).Format("2006-01-02"), LT: tomorrow.Format("2006-01-02")}, true
	case "thisyear":
		start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return DateWindow{GTE: start.Format("2006-01-02"), LT: start.AddDate(1, 0, 0).Format("2006-01-02")}, true
	case "lastyear":
		start := time.Date(now.Year()-1, 1, 1, 0, 0, 0, 0, time.UTC)
		return DateWindow{GTE: start.Format("2006-01-02"), LT: start.AddDate(1, 0, 0).Format("2006-01-02")}, true
	case "upcoming":
		return DateWindow{GTE: tomorrow.Format("2006-01-02"), LT: tomorrow.AddDate(0, 6, 0).Format("2006-01-02")}, true
	default:
		return DateWindow{}, false
	}
}
