package status

import (
	"sort"
	"time"
)

// DayBounds returns the first and last instant of now's calendar day in loc.
func DayBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), loc)
	return start, end
}

// BuildCache projects events onto today's cache: entries intersecting the
// day that have not ended yet, classified, sorted by start and capped at
// MaxCachedEvents.
func BuildCache(events []NormalizedEvent, now time.Time, loc *time.Location, cfg ClassificationRules) []CachedEvent {
	dayStart, dayEnd := DayBounds(now, loc)

	out := make([]CachedEvent, 0, len(events))
	for _, e := range events {
		if e.End.Before(e.Start) {
			continue
		}
		if e.End.Before(dayStart) || e.Start.After(dayEnd) {
			continue
		}
		if e.End.Before(now) {
			continue
		}
		out = append(out, CachedEvent{
			Start:     e.Start,
			End:       e.End,
			StatusKey: Classify(e, cfg),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].End.Before(out[j].End)
		}
		return out[i].Start.Before(out[j].Start)
	})
	if len(out) > MaxCachedEvents {
		out = out[:MaxCachedEvents]
	}
	return out
}

// Trim drops entries that ended at or before now. The input is not modified.
func Trim(cache []CachedEvent, now time.Time) []CachedEvent {
	out := make([]CachedEvent, 0, len(cache))
	for _, c := range cache {
		if !c.End.After(now) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Winner returns the cached entry driving the status at now: among entries
// overlapping now with a status key, the one ending last. Equal ends go to
// the earlier start.
func Winner(cache []CachedEvent, now time.Time) (CachedEvent, bool) {
	var best CachedEvent
	found := false
	for _, c := range cache {
		if c.StatusKey == 0 || !c.Overlaps(now) {
			continue
		}
		if !found ||
			c.End.After(best.End) ||
			(c.End.Equal(best.End) && c.Start.Before(best.Start)) {
			best = c
			found = true
		}
	}
	return best, found
}

// NextStart returns the earliest entry start strictly after t.
func NextStart(cache []CachedEvent, t time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	for _, c := range cache {
		if !c.Start.After(t) {
			continue
		}
		if !found || c.Start.Before(next) {
			next = c.Start
			found = true
		}
	}
	return next, found
}
