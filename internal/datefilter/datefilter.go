// Package datefilter parses the date filter grammar used by retrieval:
// exact dates, months, years, Chinese dekads, and relative windows like
// last_week or 3_days_ago. All parsing is relative to a caller-supplied
// "now" so behavior is reproducible.
package datefilter

import (
	"regexp"
	"strconv"
	"time"
)

// Kind classifies how narrow a filter is; retrieval widens its vector
// candidate pool more for narrow filters.
type Kind int

const (
	// KindExactDay is a single-day filter (YYYY-MM-DD, today, yesterday).
	KindExactDay Kind = iota
	// KindDekad is a ten-day window inside one month.
	KindDekad
	// KindOther covers months, years, and relative ranges.
	KindOther
)

// Range is an inclusive day-granular date window.
type Range struct {
	Start time.Time
	End   time.Time
	Kind  Kind
}

// Contains reports whether the YYYY-MM-DD date string falls inside the
// range. Unparseable or empty dates never match.
func (r Range) Contains(date string) bool {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return false
	}
	return !d.Before(r.Start) && !d.After(r.End)
}

var (
	exactDayRe  = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	monthRe     = regexp.MustCompile(`^(\d{4})-(\d{2})$`)
	yearRe      = regexp.MustCompile(`^(\d{4})$`)
	dekadRe     = regexp.MustCompile(`^(\d{4})-(\d{2})-.*(上旬|中旬|下旬)`)
	daysAgoRe   = regexp.MustCompile(`^(\d+)_days?_ago$`)
	monthsAgoRe = regexp.MustCompile(`^(\d+)_months?_ago$`)
)

// Parse interprets the filter string relative to now. The boolean is
// false when the filter is empty or not understood; callers treat that
// as "no filter" and log a warning for non-empty input.
func Parse(filter string, now time.Time) (Range, bool) {
	if filter == "" {
		return Range{}, false
	}

	today := midnight(now)

	switch filter {
	case "today":
		return day(today), true
	case "yesterday":
		return day(today.AddDate(0, 0, -1)), true
	case "last_week":
		// Previous Monday through Sunday.
		offset := (int(today.Weekday()) + 6) % 7
		thisMonday := today.AddDate(0, 0, -offset)
		lastMonday := thisMonday.AddDate(0, 0, -7)
		return Range{Start: lastMonday, End: lastMonday.AddDate(0, 0, 6), Kind: KindOther}, true
	case "last_month":
		firstOfThis := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		firstOfLast := firstOfThis.AddDate(0, -1, 0)
		return Range{Start: firstOfLast, End: firstOfThis.AddDate(0, 0, -1), Kind: KindOther}, true
	case "last_year":
		y := today.Year() - 1
		return Range{
			Start: time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(y, 12, 31, 0, 0, 0, 0, time.UTC),
			Kind:  KindOther,
		}, true
	}

	if m := daysAgoRe.FindStringSubmatch(filter); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return Range{}, false
		}
		// N_days_ago is the trailing N-day window ending today.
		return Range{Start: today.AddDate(0, 0, -(n - 1)), End: today, Kind: KindOther}, true
	}

	if m := monthsAgoRe.FindStringSubmatch(filter); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return Range{}, false
		}
		// From the first day of the month N months back up to yesterday.
		firstOfThis := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		start := firstOfThis.AddDate(0, -n, 0)
		end := today.AddDate(0, 0, -1)
		if end.Before(start) {
			end = start
		}
		return Range{Start: start, End: end, Kind: KindOther}, true
	}

	if m := dekadRe.FindStringSubmatch(filter); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month < 1 || month > 12 {
			return Range{}, false
		}
		first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		lastDay := first.AddDate(0, 1, -1)
		switch m[3] {
		case "上旬":
			return Range{Start: first, End: first.AddDate(0, 0, 9), Kind: KindDekad}, true
		case "中旬":
			return Range{Start: first.AddDate(0, 0, 10), End: first.AddDate(0, 0, 19), Kind: KindDekad}, true
		case "下旬":
			return Range{Start: first.AddDate(0, 0, 20), End: lastDay, Kind: KindDekad}, true
		}
	}

	if m := exactDayRe.FindStringSubmatch(filter); m != nil {
		d, err := time.Parse("2006-01-02", filter)
		if err != nil {
			return Range{}, false
		}
		return day(d), true
	}

	if m := monthRe.FindStringSubmatch(filter); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month < 1 || month > 12 {
			return Range{}, false
		}
		first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		return Range{Start: first, End: first.AddDate(0, 1, -1), Kind: KindOther}, true
	}

	if yearRe.MatchString(filter) {
		year, _ := strconv.Atoi(filter)
		return Range{
			Start: time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC),
			Kind:  KindOther,
		}, true
	}

	return Range{}, false
}

func day(d time.Time) Range {
	return Range{Start: d, End: d, Kind: KindExactDay}
}

// midnight normalizes to UTC so ranges compare cleanly against parsed
// YYYY-MM-DD dates regardless of the caller's zone.
func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
