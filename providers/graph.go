package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"statuslanes/status"
	"statuslanes/webhook"
)

const (
	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	graphPageSize       = 100
	graphMaxPages       = 20
	graphMaxBody        = 8 << 20
)

// GraphEvent is the subset of a Microsoft Graph event resource we read.
type GraphEvent struct {
	ID               string              `json:"id"`
	Subject          string              `json:"subject"`
	BodyPreview      string              `json:"bodyPreview"`
	Body             *graphItemBody      `json:"body,omitempty"`
	Start            *graphDateTime      `json:"start"`
	End              *graphDateTime      `json:"end"`
	IsAllDay         bool                `json:"isAllDay"`
	IsCancelled      bool                `json:"isCancelled"`
	IsOnlineMeeting  bool                `json:"isOnlineMeeting"`
	OnlineMeetingURL string              `json:"onlineMeetingUrl,omitempty"`
	OnlineMeeting    *graphOnlineMeeting `json:"onlineMeeting,omitempty"`
	Location         *graphLocation      `json:"location,omitempty"`
	ShowAs           string              `json:"showAs,omitempty"`
}

type graphItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphOnlineMeeting struct {
	JoinURL string `json:"joinUrl"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphEventPage struct {
	Value    []GraphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

func (GraphEvent) Provider() status.Provider { return status.ProviderOutlook }
func (GraphEvent) sealed()                   {}

func normalizeGraph(ev GraphEvent, opts Options) (status.NormalizedEvent, bool) {
	if ev.IsCancelled {
		return status.NormalizedEvent{}, false
	}
	start, err := parseGraphDateTime(ev.Start, ev.IsAllDay, opts.location())
	if err != nil {
		return status.NormalizedEvent{}, false
	}
	end, err := parseGraphDateTime(ev.End, ev.IsAllDay, opts.location())
	if err != nil || end.Before(start) {
		return status.NormalizedEvent{}, false
	}

	location := ""
	if ev.Location != nil {
		location = ev.Location.DisplayName
	}
	out := status.NormalizedEvent{
		Start:       start,
		End:         end,
		Title:       ev.Subject,
		Description: ev.BodyPreview,
		Location:    location,
		AllDay:      ev.IsAllDay,
	}
	if opts.DetectVideo {
		body := ""
		if ev.Body != nil {
			body = ev.Body.Content
		}
		joinURL := ev.OnlineMeetingURL
		if ev.OnlineMeeting != nil && ev.OnlineMeeting.JoinURL != "" {
			joinURL = ev.OnlineMeeting.JoinURL
		}
		out.HasVideoLink = ev.IsOnlineMeeting || joinURL != "" ||
			ContainsVideoLink(location, ev.BodyPreview, body)
	}
	return out, true
}

var graphLayouts = []string{
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

// parseGraphDateTime reads a Graph dateTimeTimeZone. All-day values keep
// their calendar date and are placed at midnight in loc.
func parseGraphDateTime(dt *graphDateTime, allDay bool, loc *time.Location) (time.Time, error) {
	if dt == nil || strings.TrimSpace(dt.DateTime) == "" {
		return time.Time{}, errors.New("missing event time")
	}
	raw := strings.TrimSpace(dt.DateTime)
	if allDay {
		if len(raw) < 10 {
			return time.Time{}, fmt.Errorf("invalid all-day date %q", raw)
		}
		return time.ParseInLocation("2006-01-02", raw[:10], loc)
	}

	zone := time.UTC
	if tz := strings.TrimSpace(dt.TimeZone); tz != "" && !strings.EqualFold(tz, "UTC") {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown graph time zone %q: %w", tz, err)
		}
		zone = l
	}
	for _, layout := range graphLayouts {
		if t, err := time.ParseInLocation(layout, raw, zone); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable graph dateTime %q", raw)
}

// GraphClientProvider hands out HTTP clients authorized for Microsoft Graph.
type GraphClientProvider interface {
	OutlookHTTPClient(ctx context.Context, userID string) (*http.Client, error)
}

// GraphSource lists a device's Outlook calendars through calendarView.
type GraphSource struct {
	clients GraphClientProvider
	baseURL string
	policy  webhook.RetryPolicy
}

// NewGraphSource builds a GraphSource. An empty baseURL targets Graph v1.0.
func NewGraphSource(clients GraphClientProvider, baseURL string, policy webhook.RetryPolicy) *GraphSource {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultGraphBaseURL
	}
	return &GraphSource{clients: clients, baseURL: strings.TrimRight(baseURL, "/"), policy: policy}
}

// Fetch lists the occurrences of ref inside w. Graph expands recurrences
// for calendarView.
func (s *GraphSource) Fetch(ctx context.Context, device *status.Device, ref status.CalendarRef, w Window) ([]status.NormalizedEvent, error) {
	accountID := ref.AccountID
	if accountID == "" {
		accountID = device.ID
	}
	client, err := s.clients.OutlookHTTPClient(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("outlook client account=%s: %w", accountID, err)
	}

	next := s.calendarViewURL(ref.ID, w)
	raws := make([]GraphEvent, 0)
	for pages := 0; next != ""; pages++ {
		if pages >= graphMaxPages {
			log.Printf("Sync: graph page limit reached device=%s calendar=%s", device.ID, ref.ID)
			break
		}
		var page graphEventPage
		_, err := webhook.Retry(ctx, s.policy, func(ctx context.Context, attempt int) error {
			page = graphEventPage{}
			return s.getPage(ctx, client, next, &page)
		})
		if err != nil {
			var se *webhook.StatusError
			if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
				return nil, fmt.Errorf("%w: graph calendarView: %v", ErrUnauthorized, err)
			}
			return nil, fmt.Errorf("graph calendarView: %w", err)
		}
		raws = append(raws, page.Value...)
		next = page.NextLink
	}

	events, dropped := NormalizeAll(raws, Options{Location: device.Location(), DetectVideo: device.Config.Rules.DetectVideo})
	if dropped > 0 {
		log.Printf("Sync: graph dropped %d event(s) device=%s calendar=%s", dropped, device.ID, ref.ID)
	}
	return events, nil
}

func (s *GraphSource) calendarViewURL(calendarID string, w Window) string {
	path := "/me/calendarView"
	if id := strings.TrimSpace(calendarID); id != "" {
		path = "/me/calendars/" + url.PathEscape(id) + "/calendarView"
	}
	q := url.Values{}
	q.Set("startDateTime", w.Start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", w.End.UTC().Format(time.RFC3339))
	q.Set("$top", fmt.Sprint(graphPageSize))
	q.Set("$select", "subject,bodyPreview,body,start,end,isAllDay,isCancelled,isOnlineMeeting,onlineMeeting,onlineMeetingUrl,location,showAs")
	return s.baseURL + path + "?" + q.Encode()
}

func (s *GraphSource) getPage(ctx context.Context, client *http.Client, pageURL string, out *graphEventPage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &webhook.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, graphMaxBody)).Decode(out); err != nil {
		return fmt.Errorf("decode graph page: %w", err)
	}
	return nil
}
