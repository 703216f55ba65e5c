package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"statuslanes/status"
	"statuslanes/webhook"
)

const (
	icsMaxBody                = 10 << 20
	icsMaxOccurrencesPerEvent = 500
)

// ICSEvent is one concrete occurrence of a VEVENT.
type ICSEvent struct {
	UID           string
	Summary       string
	Description   string
	Location      string
	URL           string
	ConferenceURL string
	Start         time.Time
	End           time.Time
	AllDay        bool
	Cancelled     bool
}

func (ICSEvent) Provider() status.Provider { return status.ProviderICS }
func (ICSEvent) sealed()                   {}

func normalizeICS(ev ICSEvent, opts Options) (status.NormalizedEvent, bool) {
	if ev.Cancelled || ev.Start.IsZero() || ev.End.IsZero() || ev.End.Before(ev.Start) {
		return status.NormalizedEvent{}, false
	}
	out := status.NormalizedEvent{
		Start:       ev.Start,
		End:         ev.End,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
	}
	if opts.DetectVideo {
		out.HasVideoLink = ev.ConferenceURL != "" ||
			ContainsVideoLink(ev.Location, ev.Description, ev.URL)
	}
	return out, true
}

// icsComponent is a parsed VEVENT before recurrence expansion.
type icsComponent struct {
	ICSEvent
	RRule        string
	ExDates      []time.Time
	RecurrenceID *time.Time
}

// parseICS parses a calendar body. VEVENTs that cannot be parsed are
// skipped; the count of skipped components is returned alongside.
func parseICS(body []byte, loc *time.Location) ([]icsComponent, int, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, 0, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.UTC
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("parse ICS: %w", err)
	}

	out := make([]icsComponent, 0)
	skipped := 0
	for _, ve := range cal.Events() {
		comp, err := parseVEvent(ve, loc)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, comp)
	}
	return out, skipped, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (icsComponent, error) {
	var out icsComponent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyUrl); p != nil {
		out.URL = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Cancelled = strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED")
	}
	for _, name := range []string{"X-GOOGLE-CONFERENCE", "X-MICROSOFT-SKYPETEAMSMEETINGURL", "X-MICROSOFT-ONLINEMEETINGCONFLINK"} {
		if p := ve.GetProperty(ical.ComponentProperty(name)); p != nil && strings.TrimSpace(p.Value) != "" {
			out.ConferenceURL = strings.TrimSpace(p.Value)
			break
		}
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	out.AllDay = isDateValue(dtStart)

	if out.AllDay {
		start, err := parseICSDate(dtStart.Value, loc)
		if err != nil {
			return out, err
		}
		out.Start = start
		out.End = start.AddDate(0, 0, 1)
		if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
			end, err := parseICSDate(dtEnd.Value, loc)
			if err != nil {
				return out, err
			}
			if end.After(start) {
				out.End = end
			}
		}
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return out, fmt.Errorf("DTSTART: %w", err)
		}
		out.Start = start
		out.End = start
		if ve.GetProperty(ical.ComponentPropertyDtEnd) != nil {
			end, err := ve.GetEndAt()
			if err != nil {
				return out, fmt.Errorf("DTEND: %w", err)
			}
			out.End = end
		} else if p := ve.GetProperty(ical.ComponentPropertyDuration); p != nil {
			d, err := parseICSDuration(p.Value)
			if err != nil {
				return out, err
			}
			out.End = start.Add(d)
		}
	}
	if out.End.Before(out.Start) {
		return out, errors.New("DTEND before DTSTART")
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = strings.TrimSpace(p.Value)
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, paramValue(p.ICalParameters, "TZID"), loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}
	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		t, err := parseICSTime(p.Value, paramValue(p.ICalParameters, "TZID"), loc)
		if err != nil {
			return out, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		out.RecurrenceID = &t
	}
	return out, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if v := paramValue(p.ICalParameters, "VALUE"); strings.EqualFold(v, "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func paramValue(params map[string][]string, key string) string {
	if params == nil {
		return ""
	}
	if vs, ok := params[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func parseICSDate(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return time.Time{}, fmt.Errorf("invalid date %q", v)
	}
	return time.ParseInLocation("20060102", v[:8], loc)
}

// parseICSTime reads DATE, floating DATE-TIME, TZID DATE-TIME and UTC forms.
func parseICSTime(v, tzid string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if !strings.Contains(v, "T") {
		return parseICSDate(v, loc)
	}
	zone := loc
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			zone = l
		}
	}
	return time.ParseInLocation("20060102T150405", v, zone)
}

var icsDurationPattern = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

func parseICSDuration(v string) (time.Duration, error) {
	m := icsDurationPattern.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return 0, fmt.Errorf("invalid DURATION %q", v)
	}
	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return 0, fmt.Errorf("invalid DURATION %q: %w", v, err)
		}
		d += time.Duration(n) * unit
	}
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

// expandICS turns parsed components into occurrences overlapping w.
// RRULE and EXDATE are applied and RECURRENCE-ID overrides replace the
// instance they name.
func expandICS(components []icsComponent, w Window) []ICSEvent {
	bases := make(map[string][]icsComponent)
	overrides := make(map[string][]icsComponent)
	order := make([]string, 0)
	for _, c := range components {
		if c.RecurrenceID != nil {
			overrides[c.UID] = append(overrides[c.UID], c)
			continue
		}
		if _, seen := bases[c.UID]; !seen {
			order = append(order, c.UID)
		}
		bases[c.UID] = append(bases[c.UID], c)
	}

	out := make([]ICSEvent, 0)
	for _, uid := range order {
		for _, base := range bases[uid] {
			if base.RRule == "" {
				if overlapsWindow(base.Start, base.End, w) {
					out = append(out, base.ICSEvent)
				}
				continue
			}
			out = append(out, expandRecurring(base, overrides[uid], w)...)
		}
	}
	// Overrides whose base is missing still describe a real occurrence.
	for uid, ovs := range overrides {
		if _, ok := bases[uid]; ok {
			continue
		}
		for _, ov := range ovs {
			if overlapsWindow(ov.Start, ov.End, w) {
				out = append(out, ov.ICSEvent)
			}
		}
	}
	return out
}

func expandRecurring(base icsComponent, overrides []icsComponent, w Window) []ICSEvent {
	r, err := rrule.StrToRRule(base.RRule)
	if err != nil {
		log.Printf("Sync: ics invalid RRULE uid=%s rrule=%q: %v", base.UID, base.RRule, err)
		return nil
	}
	r.DTStart(base.Start)

	set := rrule.Set{}
	set.RRule(r)
	for _, ex := range base.ExDates {
		set.ExDate(ex.In(base.Start.Location()))
	}

	duration := base.End.Sub(base.Start)
	from := w.Start.Add(-duration).In(base.Start.Location())
	to := w.End.In(base.Start.Location())
	starts := set.Between(from, to, true)
	if len(starts) > icsMaxOccurrencesPerEvent {
		starts = starts[:icsMaxOccurrencesPerEvent]
	}

	days := 0
	if base.AllDay {
		days = int(base.End.Sub(base.Start).Hours()+12) / 24
		if days < 1 {
			days = 1
		}
	}

	out := make([]ICSEvent, 0, len(starts))
	for _, occStart := range starts {
		occ := base.ICSEvent
		occ.Start = occStart
		if base.AllDay {
			occ.End = occStart.AddDate(0, 0, days)
		} else {
			occ.End = occStart.Add(duration)
		}
		if ov, ok := findOverride(overrides, occStart); ok {
			occ = ov.ICSEvent
		}
		if overlapsWindow(occ.Start, occ.End, w) {
			out = append(out, occ)
		}
	}
	return out
}

func findOverride(overrides []icsComponent, start time.Time) (icsComponent, bool) {
	for _, ov := range overrides {
		if ov.RecurrenceID != nil && ov.RecurrenceID.Equal(start) {
			return ov, true
		}
	}
	return icsComponent{}, false
}

func overlapsWindow(start, end time.Time, w Window) bool {
	return !end.Before(w.Start) && !start.After(w.End)
}

// ICSSource reads public ICS feeds.
type ICSSource struct {
	client *http.Client
	policy webhook.RetryPolicy
}

// NewICSSource builds an ICSSource. A nil client gets a 15s timeout client.
func NewICSSource(client *http.Client, policy webhook.RetryPolicy) *ICSSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &ICSSource{client: client, policy: policy}
}

// Fetch downloads ref.URL and returns the occurrences inside w.
func (s *ICSSource) Fetch(ctx context.Context, device *status.Device, ref status.CalendarRef, w Window) ([]status.NormalizedEvent, error) {
	feedURL := strings.TrimSpace(ref.URL)
	if feedURL == "" {
		return nil, errors.New("ics calendar has no url")
	}
	if strings.HasPrefix(strings.ToLower(feedURL), "webcal://") {
		feedURL = "https://" + feedURL[len("webcal://"):]
	}
	if err := webhook.CheckURL(feedURL); err != nil {
		return nil, fmt.Errorf("ics %s: %w", redactURL(feedURL), err)
	}

	var body []byte
	_, err := webhook.Retry(ctx, s.policy, func(ctx context.Context, attempt int) error {
		b, err := s.download(ctx, feedURL)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch ics %s: %w", redactURL(feedURL), err)
	}

	loc := device.Location()
	components, skipped, err := parseICS(body, loc)
	if err != nil {
		return nil, fmt.Errorf("ics %s: %w", redactURL(feedURL), err)
	}
	occurrences := expandICS(components, w)
	events, dropped := NormalizeAll(occurrences, Options{Location: loc, DetectVideo: device.Config.Rules.DetectVideo})
	if skipped+dropped > 0 {
		log.Printf("Sync: ics dropped %d event(s) device=%s url=%s", skipped+dropped, device.ID, redactURL(feedURL))
	}
	return events, nil
}

func (s *ICSSource) download(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, webhook.Permanent(err)
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &webhook.StatusError{StatusCode: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, icsMaxBody))
}

// redactURL drops the query string, which often carries a private token.
func redactURL(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}
