// Package window resolves the dashboard's business-day windows.
//
// A business day starts at 10:00:01 local time and ends at 10:00:01 on the
// next calendar date. Windows are half-open, [Start, End), and always carry
// their bounds in UTC for comparison against stored instants.
package window

import (
	"strings"
	"time"
	_ "time/tzdata" // business timezone must resolve without host zoneinfo
)

const (
	// AnchorHour, AnchorMinute and AnchorSecond define the local time of
	// day at which every business window begins.
	AnchorHour   = 10
	AnchorMinute = 0
	AnchorSecond = 1

	// DayLayout is the calendar date format accepted for the day parameter
	// and emitted as trend labels.
	DayLayout = "2006-01-02"

	// DefaultTrendDays is the trend range used when none is requested.
	DefaultTrendDays = 7

	// MaxTrendDays is the longest trend range served.
	MaxTrendDays = 30

	labelLayout = "Mon, Jan 02"
	rangeLayout = "Jan 02, 03:04 PM"
)

// Window is a half-open interval covering one business day.
type Window struct {
	Start time.Time
	End   time.Time

	loc *time.Location
}

// StartLocal returns the start bound in the business timezone.
func (w Window) StartLocal() time.Time {
	return w.Start.In(w.location())
}

// EndLocal returns the end bound in the business timezone.
func (w Window) EndLocal() time.Time {
	return w.End.In(w.location())
}

// Contains reports whether t falls inside the window. The end bound
// belongs to the following window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Label is a short human-readable name, e.g. "Fri, Oct 24".
func (w Window) Label() string {
	return w.StartLocal().Format(labelLayout)
}

// RangeLabel renders both bounds, e.g. "Oct 24, 10:00 AM → Oct 25, 10:00 AM".
func (w Window) RangeLabel() string {
	return w.StartLocal().Format(rangeLayout) + " → " +
		w.EndLocal().Format(rangeLayout)
}

func (w Window) location() *time.Location {
	if w.loc == nil {
		return time.UTC
	}

	return w.loc
}

// Params are the optional window overrides a caller may supply.
type Params struct {
	Start string
	End   string
	Day   string
}

// Resolver maps reference instants and request parameters to windows.
type Resolver struct {
	loc *time.Location
	now func() time.Time
}

// NewResolver creates a Resolver anchored in loc. A nil now uses the wall
// clock.
func NewResolver(loc *time.Location, now func() time.Time) *Resolver {
	if loc == nil {
		loc = time.UTC
	}

	if now == nil {
		now = time.Now
	}

	return &Resolver{loc: loc, now: now}
}

// Current returns the window containing the current instant.
func (r *Resolver) Current() Window {
	return r.At(r.now())
}

// At returns the window containing ref: today's window when ref is at or
// after today's local anchor, otherwise yesterday's.
func (r *Resolver) At(ref time.Time) Window {
	local := ref.In(r.loc)
	y, m, d := local.Date()

	start := r.anchor(y, m, d)
	if local.Before(start) {
		start = r.anchor(y, m, d-1)
	}

	sy, sm, sd := start.Date()

	return Window{
		Start: start.UTC(),
		End:   r.anchor(sy, sm, sd+1).UTC(),
		loc:   r.loc,
	}
}

// ForDate returns the window that starts on the given local calendar date.
func (r *Resolver) ForDate(y int, m time.Month, d int) Window {
	// Noon sits safely after the anchor, whatever the offset.
	return r.At(time.Date(y, m, d, 12, 0, 0, 0, r.loc))
}

// Explicit builds a window from caller-supplied bounds, used verbatim.
func (r *Resolver) Explicit(start, end time.Time) Window {
	return Window{Start: start.UTC(), End: end.UTC(), loc: r.loc}
}

// Resolve applies request overrides in priority order: an explicit
// start/end pair when both parse, then a calendar day, then the current
// window. Unparsable values are ignored.
func (r *Resolver) Resolve(p Params) Window {
	if p.Start != "" && p.End != "" {
		start, okStart := ParseInstant(p.Start)
		end, okEnd := ParseInstant(p.End)

		if okStart && okEnd {
			return r.Explicit(start, end)
		}
	}

	if p.Day != "" {
		if day, err := time.Parse(DayLayout, strings.TrimSpace(p.Day)); err == nil {
			return r.ForDate(day.Date())
		}
	}

	return r.Current()
}

// Recent returns the current window followed by the n-1 preceding ones,
// newest first.
func (r *Resolver) Recent(n int) []Window {
	if n < 1 {
		return []Window{}
	}

	current := r.Current()
	out := make([]Window, 0, n)

	for i := 0; i < n; i++ {
		out = append(out, r.At(current.StartLocal().AddDate(0, 0, -i)))
	}

	return out
}

func (r *Resolver) anchor(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, AnchorHour, AnchorMinute, AnchorSecond, 0, r.loc)
}

// Trend is a midnight-anchored range of whole local calendar days.
type Trend struct {
	Start time.Time
	End   time.Time
	Days  []string

	loc *time.Location
}

// StartLocal returns the start bound in the business timezone.
func (t Trend) StartLocal() time.Time {
	return t.Start.In(t.loc)
}

// EndLocal returns the end bound in the business timezone.
func (t Trend) EndLocal() time.Time {
	return t.End.In(t.loc)
}

// DayOf returns the local calendar date label for ts.
func (t Trend) DayOf(ts time.Time) string {
	return ts.In(t.loc).Format(DayLayout)
}

// ClampDays bounds a requested trend length to [1, MaxTrendDays].
func ClampDays(days int) int {
	switch {
	case days < 1:
		return 1
	case days > MaxTrendDays:
		return MaxTrendDays
	default:
		return days
	}
}

// Trend returns the last days calendar days ending with today, from local
// midnight of the first day to local midnight after today.
func (r *Resolver) Trend(days int) Trend {
	days = ClampDays(days)

	y, m, d := r.now().In(r.loc).Date()
	first := d - (days - 1)

	labels := make([]string, 0, days)
	for i := 0; i < days; i++ {
		labels = append(labels,
			time.Date(y, m, first+i, 0, 0, 0, 0, r.loc).Format(DayLayout))
	}

	return Trend{
		Start: time.Date(y, m, first, 0, 0, 0, 0, r.loc).UTC(),
		End:   time.Date(y, m, d+1, 0, 0, 0, 0, r.loc).UTC(),
		Days:  labels,
		loc:   r.loc,
	}
}
