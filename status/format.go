package status

import (
	"fmt"
	"strings"
	"time"
)

var dateLayouts = map[DateFormat]string{
	DateMDY: "01/02/2006",
	DateDMY: "02/01/2006",
	DateYMD: "2006-01-02",
}

var timeLayouts = map[TimeFormat]string{
	Time12h: "03:04 PM",
	Time24h: "15:04",
}

// FormatTimestamp renders epochMillis as wall-clock time in tz using the
// chosen date and time layouts. Empty formats default to MDY and 12h.
func FormatTimestamp(epochMillis int64, tz string, df DateFormat, tf TimeFormat) (string, error) {
	loc := time.UTC
	if tz = strings.TrimSpace(tz); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}
	if df == "" {
		df = DateMDY
	}
	if tf == "" {
		tf = Time12h
	}
	dl, ok := dateLayouts[df]
	if !ok {
		return "", fmt.Errorf("unknown date format %q", df)
	}
	tl, ok := timeLayouts[tf]
	if !ok {
		return "", fmt.Errorf("unknown time format %q", tf)
	}
	return time.UnixMilli(epochMillis).In(loc).Format(dl + " " + tl), nil
}

// FormatFor renders t with the device's display preferences.
func FormatFor(d *Device, t time.Time) (string, error) {
	return FormatTimestamp(t.UnixMilli(), d.Config.Timezone, d.Config.DateFormat, d.Config.TimeFormat)
}
