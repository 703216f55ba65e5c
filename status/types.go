package status

import (
	"errors"
	"strings"
	"time"
)

const (
	// MaxCachedEvents bounds the same-day cache per device.
	MaxCachedEvents = 10
	// MaxLabelLength is the longest label a display accepts.
	MaxLabelLength = 60
	// MinStatusKey and MaxStatusKey bound the status table.
	MinStatusKey = 1
	MaxStatusKey = 12
)

// ErrDeviceNotFound is returned by stores when no device exists for an ID.
var ErrDeviceNotFound = errors.New("device not found")

// Source records what produced the active status.
type Source string

const (
	SourceCalendar   Source = "calendar"
	SourceIdle       Source = "idle"
	SourceManual     Source = "manual"
	SourceAutomation Source = "automation"
)

// Provider identifies the calendar backend an event came from.
type Provider string

const (
	ProviderGoogle  Provider = "google"
	ProviderOutlook Provider = "outlook"
	ProviderICS     Provider = "ics"
)

// NormalizedEvent is a provider-independent calendar event. It is rebuilt on
// every sync and never persisted.
type NormalizedEvent struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Title        string    `json:"title,omitempty"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	AllDay       bool      `json:"all_day"`
	HasVideoLink bool      `json:"has_video_link"`
}

// Overlaps reports whether the event covers t (inclusive on both ends).
func (e NormalizedEvent) Overlaps(t time.Time) bool {
	return !t.Before(e.Start) && !t.After(e.End)
}

// StatusDefinition is one entry of a device's status table.
type StatusDefinition struct {
	Key     int    `json:"key" yaml:"key"`
	Label   string `json:"label" yaml:"label"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Validate checks the key range and label length.
func (d StatusDefinition) Validate() error {
	if d.Key < MinStatusKey || d.Key > MaxStatusKey {
		return errors.New("status key out of range")
	}
	if strings.TrimSpace(d.Label) == "" {
		return errors.New("status label is empty")
	}
	if len([]rune(d.Label)) > MaxLabelLength {
		return errors.New("status label too long")
	}
	return nil
}

// ClassificationRules holds the per-device status mapping. A key of 0 means
// the slot is not configured.
type ClassificationRules struct {
	KeywordStatusKey     int      `json:"keyword_status_key,omitempty" yaml:"keyword_status_key"`
	VideoStatusKey       int      `json:"video_status_key,omitempty" yaml:"video_status_key"`
	OOOStatusKey         int      `json:"ooo_status_key,omitempty" yaml:"ooo_status_key"`
	MeetingStatusKey     int      `json:"meeting_status_key,omitempty" yaml:"meeting_status_key"`
	IdleStatusKey        int      `json:"idle_status_key,omitempty" yaml:"idle_status_key"`
	IdlePrefersPreferred bool     `json:"idle_use_preferred" yaml:"idle_use_preferred"`
	Keywords             []string `json:"keywords,omitempty" yaml:"keywords"`
	DetectVideo          bool     `json:"detect_video" yaml:"detect_video"`
}

// CachedEvent is the persisted projection of a same-day event. StatusKey 0
// means no rule matched.
type CachedEvent struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	StatusKey int       `json:"status_key,omitempty"`
}

// Overlaps reports whether the cached entry covers t (inclusive on both ends).
func (c CachedEvent) Overlaps(t time.Time) bool {
	return !t.Before(c.Start) && !t.After(c.End)
}

// ActiveStatus is what the display currently shows. EventEndsAt is set only
// while a cached event drives the status.
type ActiveStatus struct {
	Key            int        `json:"active_status_key,omitempty"`
	Label          string     `json:"active_status_label,omitempty"`
	Source         Source     `json:"active_status_source,omitempty"`
	EventEndsAt    *time.Time `json:"active_event_ends_at,omitempty"`
	PreferredKey   int        `json:"preferred_status_key,omitempty"`
	PreferredLabel string     `json:"preferred_status_label,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Same reports whether the displayed pair matches.
func (a ActiveStatus) Same(key int, label string) bool {
	return a.Key == key && a.Label == label
}

// CalendarRef selects one calendar on a provider.
type CalendarRef struct {
	Provider  Provider `json:"provider" yaml:"provider"`
	ID        string   `json:"id,omitempty" yaml:"id"`
	URL       string   `json:"url,omitempty" yaml:"url"`
	AccountID string   `json:"account_id,omitempty" yaml:"account_id"`
}

// DateFormat selects the date part of rendered timestamps.
type DateFormat string

const (
	DateMDY DateFormat = "MDY"
	DateDMY DateFormat = "DMY"
	DateYMD DateFormat = "YMD"
)

// TimeFormat selects 12 or 24 hour clocks.
type TimeFormat string

const (
	Time12h TimeFormat = "12h"
	Time24h TimeFormat = "24h"
)

// DeviceConfig is the user-controlled part of a device.
type DeviceConfig struct {
	WebhookURL string              `json:"webhook_url" yaml:"webhook_url"`
	Timezone   string              `json:"timezone" yaml:"timezone"`
	DateFormat DateFormat          `json:"date_format,omitempty" yaml:"date_format"`
	TimeFormat TimeFormat          `json:"time_format,omitempty" yaml:"time_format"`
	Statuses   []StatusDefinition  `json:"statuses" yaml:"statuses"`
	Rules      ClassificationRules `json:"rules" yaml:"rules"`
	Calendars  []CalendarRef       `json:"calendars,omitempty" yaml:"calendars"`
}

// Device is the persisted aggregate the engine works on.
type Device struct {
	ID     string        `json:"id"`
	Config DeviceConfig  `json:"config"`
	Cache  []CachedEvent `json:"cache"`
	Active ActiveStatus  `json:"active"`
}

// Location resolves the device timezone, defaulting to UTC.
func (d *Device) Location() *time.Location {
	if d == nil || strings.TrimSpace(d.Config.Timezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.Config.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LabelFor resolves the label for key. Enabled table entries win; otherwise
// the preferred pair is used when its key matches.
func (d *Device) LabelFor(key int) (string, bool) {
	if d == nil || key == 0 {
		return "", false
	}
	for _, def := range d.Config.Statuses {
		if def.Key == key && def.Enabled {
			return def.Label, true
		}
	}
	if key == d.Active.PreferredKey && d.Active.PreferredLabel != "" {
		return d.Active.PreferredLabel, true
	}
	return "", false
}
