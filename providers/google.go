package providers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"statuslanes/status"
)

// ErrUnauthorized marks provider failures caused by missing or revoked
// credentials.
var ErrUnauthorized = errors.New("calendar provider rejected credentials")

// GoogleEvent wraps a Google Calendar API event.
type GoogleEvent struct {
	*calendar.Event
}

func (GoogleEvent) Provider() status.Provider { return status.ProviderGoogle }
func (GoogleEvent) sealed()                   {}

func normalizeGoogle(ev GoogleEvent, opts Options) (status.NormalizedEvent, bool) {
	if ev.Event == nil || ev.Status == "cancelled" {
		return status.NormalizedEvent{}, false
	}
	start, allDay, err := parseGoogleDateTime(ev.Start, opts.location())
	if err != nil {
		return status.NormalizedEvent{}, false
	}
	end, _, err := parseGoogleDateTime(ev.End, opts.location())
	if err != nil || end.Before(start) {
		return status.NormalizedEvent{}, false
	}

	out := status.NormalizedEvent{
		Start:       start,
		End:         end,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      allDay,
	}
	if opts.DetectVideo {
		out.HasVideoLink = ev.HangoutLink != "" ||
			googleConferenceURL(ev.Event) != "" ||
			ContainsVideoLink(ev.Location, ev.Description)
	}
	return out, true
}

// parseGoogleDateTime reads either the timed or the date-only form. Date-only
// values are all-day and start at midnight in loc.
func parseGoogleDateTime(dt *calendar.EventDateTime, loc *time.Location) (time.Time, bool, error) {
	if dt == nil {
		return time.Time{}, false, errors.New("missing event time")
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse dateTime %q: %w", dt.DateTime, err)
		}
		return t, false, nil
	}
	if dt.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", dt.Date, loc)
		if err != nil {
			return time.Time{}, true, fmt.Errorf("parse date %q: %w", dt.Date, err)
		}
		return t, true, nil
	}
	return time.Time{}, false, errors.New("event time has neither date nor dateTime")
}

func googleConferenceURL(ev *calendar.Event) string {
	if ev.ConferenceData == nil {
		return ""
	}
	for _, entry := range ev.ConferenceData.EntryPoints {
		if entry != nil && entry.EntryPointType == "video" && entry.Uri != "" {
			return entry.Uri
		}
	}
	return ""
}

// CalendarServiceProvider hands out authenticated Calendar API clients.
type CalendarServiceProvider interface {
	GetCalendarService(ctx context.Context, userID string) (*calendar.Service, error)
}

// GoogleSource lists a device's Google calendars.
type GoogleSource struct {
	services CalendarServiceProvider
}

// NewGoogleSource builds a GoogleSource.
func NewGoogleSource(services CalendarServiceProvider) *GoogleSource {
	return &GoogleSource{services: services}
}

// Fetch lists the events of ref inside w with recurring events expanded.
func (s *GoogleSource) Fetch(ctx context.Context, device *status.Device, ref status.CalendarRef, w Window) ([]status.NormalizedEvent, error) {
	accountID := ref.AccountID
	if accountID == "" {
		accountID = device.ID
	}
	svc, err := s.services.GetCalendarService(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("google calendar service account=%s: %w", accountID, err)
	}

	calendarID := strings.TrimSpace(ref.ID)
	if calendarID == "" {
		calendarID = "primary"
	}

	raws := make([]GoogleEvent, 0)
	call := svc.Events.List(calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		ShowDeleted(false).
		MaxResults(250).
		TimeMin(w.Start.Format(time.RFC3339)).
		TimeMax(w.End.Format(time.RFC3339))
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			raws = append(raws, GoogleEvent{Event: item})
		}
		return nil
	})
	if err != nil {
		return nil, classifyGoogleError(calendarID, err)
	}

	events, dropped := NormalizeAll(raws, Options{Location: device.Location(), DetectVideo: device.Config.Rules.DetectVideo})
	if dropped > 0 {
		log.Printf("Sync: google dropped %d unparsable event(s) device=%s calendar=%s", dropped, device.ID, calendarID)
	}
	return events, nil
}

func classifyGoogleError(calendarID string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden {
			return fmt.Errorf("%w: list google calendar %s: %v", ErrUnauthorized, calendarID, err)
		}
	}
	return fmt.Errorf("list google calendar %s: %w", calendarID, err)
}
