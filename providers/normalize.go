// Package providers turns calendar provider records into status.NormalizedEvent
// values and fetches them for a device.
package providers

import (
	"time"

	"statuslanes/status"
)

// Raw is one provider record awaiting normalization. The set of
// implementations is closed: GoogleEvent, GraphEvent and ICSEvent.
type Raw interface {
	Provider() status.Provider
	sealed()
}

// Options controls normalization.
type Options struct {
	// Location interprets date-only values. Nil means UTC.
	Location *time.Location
	// DetectVideo enables meeting-link detection.
	DetectVideo bool
}

func (o Options) location() *time.Location {
	if o.Location == nil {
		return time.UTC
	}
	return o.Location
}

// Window is the time range a source lists events for.
type Window struct {
	Start time.Time
	End   time.Time
}

// DayWindow is the calendar day containing now in loc.
func DayWindow(now time.Time, loc *time.Location) Window {
	start, end := status.DayBounds(now, loc)
	return Window{Start: start, End: end}
}

// Normalize converts raw into a NormalizedEvent. It returns false for
// records that cannot be parsed or that should not count (cancelled events).
func Normalize(raw Raw, opts Options) (status.NormalizedEvent, bool) {
	switch ev := raw.(type) {
	case GoogleEvent:
		return normalizeGoogle(ev, opts)
	case GraphEvent:
		return normalizeGraph(ev, opts)
	case ICSEvent:
		return normalizeICS(ev, opts)
	default:
		return status.NormalizedEvent{}, false
	}
}

// NormalizeAll normalizes raws, dropping failures. It returns the number
// dropped so callers can log once per batch.
func NormalizeAll[T Raw](raws []T, opts Options) ([]status.NormalizedEvent, int) {
	out := make([]status.NormalizedEvent, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		ev, ok := Normalize(raw, opts)
		if !ok {
			dropped++
			continue
		}
		out = append(out, ev)
	}
	return out, dropped
}
