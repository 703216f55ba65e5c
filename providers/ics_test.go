package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"statuslanes/status"
	"statuslanes/webhook"
)

func icsBody(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

var standupFeed = icsBody(
	"BEGIN:VCALENDAR",
	"VERSION:2.0",
	"PRODID:-//statuslanes//test//EN",
	"BEGIN:VEVENT",
	"UID:standup@example.com",
	"DTSTAMP:20240301T000000Z",
	"DTSTART:20240304T140000Z",
	"DTEND:20240304T143000Z",
	"SUMMARY:Standup",
	"DESCRIPTION:Join https://us02web.zoom.us/j/123456",
	"RRULE:FREQ=DAILY;COUNT=5",
	"EXDATE:20240305T140000Z",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:standup@example.com",
	"DTSTAMP:20240301T000000Z",
	"RECURRENCE-ID:20240306T140000Z",
	"DTSTART:20240306T160000Z",
	"DTEND:20240306T163000Z",
	"SUMMARY:Standup (moved)",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:offsite@example.com",
	"DTSTAMP:20240301T000000Z",
	"DTSTART;VALUE=DATE:20240306",
	"DTEND;VALUE=DATE:20240307",
	"SUMMARY:Offsite",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:broken@example.com",
	"DTSTAMP:20240301T000000Z",
	"SUMMARY:No start",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:cancelled@example.com",
	"DTSTAMP:20240301T000000Z",
	"DTSTART:20240306T100000Z",
	"DTEND:20240306T110000Z",
	"STATUS:CANCELLED",
	"SUMMARY:Cancelled",
	"END:VEVENT",
	"END:VCALENDAR",
)

func utcDay(day int) Window {
	return DayWindow(time.Date(2024, 3, day, 12, 0, 0, 0, time.UTC), time.UTC)
}

func TestParseICSSkipsInvalidComponents(t *testing.T) {
	components, skipped, err := parseICS(standupFeed, time.UTC)
	require.NoError(t, err)
	require.Equal(t, 1, skipped)
	require.Len(t, components, 4)

	base := components[0]
	require.Equal(t, "FREQ=DAILY;COUNT=5", base.RRule)
	require.Len(t, base.ExDates, 1)
	require.Nil(t, base.RecurrenceID)
	require.NotNil(t, components[1].RecurrenceID)
	require.True(t, components[2].AllDay)
	require.True(t, components[3].Cancelled)
}

func TestParseICSRejectsEmptyBody(t *testing.T) {
	_, _, err := parseICS([]byte("  \n"), time.UTC)
	require.Error(t, err)
}

func TestExpandICSAppliesRecurrence(t *testing.T) {
	components, _, err := parseICS(standupFeed, time.UTC)
	require.NoError(t, err)

	first := expandICS(components, utcDay(4))
	require.Len(t, first, 1)
	require.Equal(t, "Standup", first[0].Summary)
	require.True(t, first[0].Start.Equal(time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)))
	require.True(t, first[0].End.Equal(time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)))

	require.Empty(t, expandICS(components, utcDay(5)), "EXDATE removes the occurrence")

	titles := make([]string, 0)
	for _, ev := range expandICS(components, utcDay(6)) {
		titles = append(titles, ev.Summary)
	}
	require.ElementsMatch(t, []string{"Standup (moved)", "Offsite", "Cancelled"}, titles)

	require.Len(t, expandICS(components, utcDay(8)), 1)
	require.Empty(t, expandICS(components, utcDay(9)), "COUNT ends the series")
}

func TestExpandICSNormalizesVideoAndCancellation(t *testing.T) {
	components, _, err := parseICS(standupFeed, time.UTC)
	require.NoError(t, err)

	events, dropped := NormalizeAll(expandICS(components, utcDay(4)), Options{DetectVideo: true})
	require.Zero(t, dropped)
	require.Len(t, events, 1)
	require.True(t, events[0].HasVideoLink)

	events, dropped = NormalizeAll(expandICS(components, utcDay(6)), Options{DetectVideo: true})
	require.Equal(t, 1, dropped)
	require.Len(t, events, 2)
}

func TestParseICSAllDayUsesDeviceZone(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	components, _, err := parseICS(standupFeed, loc)
	require.NoError(t, err)

	offsite := components[2]
	require.True(t, offsite.Start.Equal(time.Date(2024, 3, 6, 0, 0, 0, 0, loc)))
	require.True(t, offsite.End.Equal(time.Date(2024, 3, 7, 0, 0, 0, 0, loc)))
}

func TestParseICSDuration(t *testing.T) {
	body := icsBody(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//statuslanes//test//EN",
		"BEGIN:VEVENT",
		"UID:review@example.com",
		"DTSTAMP:20240301T000000Z",
		"DTSTART:20240304T090000Z",
		"DURATION:PT1H30M",
		"SUMMARY:Review",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	components, skipped, err := parseICS(body, time.UTC)
	require.NoError(t, err)
	require.Zero(t, skipped)
	require.Len(t, components, 1)
	require.Equal(t, 90*time.Minute, components[0].End.Sub(components[0].Start))

	d, err := parseICSDuration("P1DT2H")
	require.NoError(t, err)
	require.Equal(t, 26*time.Hour, d)
	_, err = parseICSDuration("1 hour")
	require.Error(t, err)
}

func TestICSSourceFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/feed.ics", r.URL.Path)
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write(standupFeed)
	}))
	defer server.Close()

	src := NewICSSource(server.Client(), noWaitPolicy())
	device := &status.Device{ID: "dev-1", Config: status.DeviceConfig{Rules: status.ClassificationRules{DetectVideo: true}}}
	events, err := src.Fetch(context.Background(), device, status.CalendarRef{Provider: status.ProviderICS, URL: server.URL + "/feed.ics?token=secret"}, utcDay(4))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "Standup", events[0].Title)
	require.True(t, events[0].HasVideoLink)
}

func TestICSSourceRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	src := NewICSSource(server.Client(), noWaitPolicy())
	_, err := src.Fetch(context.Background(), &status.Device{ID: "dev-1"}, status.CalendarRef{URL: server.URL}, utcDay(4))
	require.Error(t, err)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestICSSourceRequiresURL(t *testing.T) {
	src := NewICSSource(nil, noWaitPolicy())
	_, err := src.Fetch(context.Background(), &status.Device{ID: "dev-1"}, status.CalendarRef{}, utcDay(4))
	require.Error(t, err)
}

func TestICSSourceRejectsUnsupportedScheme(t *testing.T) {
	src := NewICSSource(nil, noWaitPolicy())
	_, err := src.Fetch(context.Background(), &status.Device{ID: "dev-1"}, status.CalendarRef{URL: "ftp://calendar.example.com/team.ics"}, utcDay(4))
	require.ErrorIs(t, err, webhook.ErrInvalidURL)
}

func TestRedactURL(t *testing.T) {
	require.Equal(t, "https://cal.example.com/feed.ics", redactURL("https://cal.example.com/feed.ics?token=abc"))
	require.Equal(t, "https://cal.example.com/feed.ics", redactURL("https://cal.example.com/feed.ics"))
}

func noWaitPolicy() webhook.RetryPolicy {
	p := webhook.DefaultRetryPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p
}
