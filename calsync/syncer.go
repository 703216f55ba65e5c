// Package calsync drives one sync pass: fetch each configured calendar,
// rebuild the same-day cache and reconcile the device.
package calsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"statuslanes/providers"
	"statuslanes/status"
)

var (
	// ErrNoCalendars is returned for devices without calendar refs.
	ErrNoCalendars = errors.New("device has no calendars configured")
	// ErrDeviceBusy is returned when another run holds the device lock.
	ErrDeviceBusy = status.ErrDeviceBusy
	// ErrNoSource is returned when no EventSource serves a calendar's provider.
	ErrNoSource = errors.New("no event source for provider")
)

const defaultConcurrency = 4

// EventSource fetches one calendar's normalized events for a window.
type EventSource interface {
	Fetch(ctx context.Context, device *status.Device, ref status.CalendarRef, w providers.Window) ([]status.NormalizedEvent, error)
}

// DeviceLister enumerates the devices a batch pass covers.
type DeviceLister interface {
	ListDeviceIDs(ctx context.Context) ([]string, error)
}

// Applier hands fresh events to the reconciler.
type Applier interface {
	ApplyEvents(ctx context.Context, deviceID string, events []status.NormalizedEvent, now time.Time) (status.Result, error)
}

// Options configures a Syncer.
type Options struct {
	Sources     map[status.Provider]EventSource
	Concurrency int
	Now         func() time.Time
}

// Syncer runs device syncs.
type Syncer struct {
	store       status.Store
	devices     DeviceLister
	applier     Applier
	sources     map[status.Provider]EventSource
	concurrency int
	now         func() time.Time
}

// DeviceReport is the outcome of one device sync.
type DeviceReport struct {
	DeviceID string       `json:"device_id"`
	Fetched  int          `json:"fetched"`
	Cached   int          `json:"cached"`
	State    status.State `json:"state,omitempty"`
	Changed  bool         `json:"changed"`
	Pushed   bool         `json:"pushed"`
	Error    string       `json:"error,omitempty"`
	Err      error        `json:"-"`
}

// BatchReport summarizes a pass over every device.
type BatchReport struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Devices    []DeviceReport `json:"devices"`
	Failed     int            `json:"failed"`
}

// New builds a Syncer.
func New(store status.Store, devices DeviceLister, applier Applier, opts Options) (*Syncer, error) {
	if store == nil || applier == nil {
		return nil, errors.New("calsync: store and applier are required")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sources := make(map[status.Provider]EventSource, len(opts.Sources))
	for p, src := range opts.Sources {
		if src != nil {
			sources[p] = src
		}
	}
	return &Syncer{
		store:       store,
		devices:     devices,
		applier:     applier,
		sources:     sources,
		concurrency: concurrency,
		now:         now,
	}, nil
}

// SyncDevice fetches every calendar of a device and applies the result. A
// failed fetch aborts the pass so the previous cache stays in place.
func (s *Syncer) SyncDevice(ctx context.Context, deviceID string) (DeviceReport, error) {
	report := DeviceReport{DeviceID: deviceID}
	fail := func(err error) (DeviceReport, error) {
		report.Err = err
		report.Error = err.Error()
		return report, err
	}

	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return fail(fmt.Errorf("load device %s: %w", deviceID, err))
	}
	if len(device.Config.Calendars) == 0 {
		return fail(fmt.Errorf("%w: %s", ErrNoCalendars, deviceID))
	}

	now := s.now()
	window := providers.DayWindow(now, device.Location())
	events := make([]status.NormalizedEvent, 0)
	for _, ref := range device.Config.Calendars {
		src, ok := s.sources[ref.Provider]
		if !ok {
			return fail(fmt.Errorf("%w: %s", ErrNoSource, ref.Provider))
		}
		fetched, err := src.Fetch(ctx, device, ref, window)
		if err != nil {
			return fail(fmt.Errorf("fetch %s calendar for device %s: %w", ref.Provider, deviceID, err))
		}
		events = append(events, fetched...)
	}
	report.Fetched = len(events)

	res, err := s.applier.ApplyEvents(ctx, deviceID, events, now)
	if err != nil {
		return fail(err)
	}
	report.Cached = len(res.Cache)
	report.State = res.State
	report.Changed = res.Changed
	report.Pushed = res.Pushed
	return report, nil
}

// SyncAll syncs every listed device on a bounded worker pool. One device's
// failure or panic is recorded and never stops the others.
func (s *Syncer) SyncAll(ctx context.Context) (BatchReport, error) {
	report := BatchReport{RunID: uuid.NewString(), StartedAt: s.now()}
	if s.devices == nil {
		return report, errors.New("calsync: no device lister configured")
	}
	ids, err := s.devices.ListDeviceIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list devices: %w", err)
	}

	report.Devices = make([]DeviceReport, len(ids))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				report.Devices[i] = DeviceReport{DeviceID: id, Err: ctx.Err(), Error: ctx.Err().Error()}
				return
			}
			defer func() { <-sem }()
			report.Devices[i] = s.syncSafely(ctx, id)
		}(i, id)
	}
	wg.Wait()

	for _, d := range report.Devices {
		if d.Err != nil && !errors.Is(d.Err, ErrDeviceBusy) {
			report.Failed++
		}
	}
	report.FinishedAt = s.now()
	log.Printf("Sync: run=%s devices=%d failed=%d", report.RunID, len(ids), report.Failed)
	return report, nil
}

func (s *Syncer) syncSafely(ctx context.Context, deviceID string) (report DeviceReport) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Sync: panic device=%s: %v\n%s", deviceID, r, debug.Stack())
			err := fmt.Errorf("sync panicked: %v", r)
			report = DeviceReport{DeviceID: deviceID, Err: err, Error: err.Error()}
		}
	}()
	report, err := s.SyncDevice(ctx, deviceID)
	switch {
	case errors.Is(err, ErrDeviceBusy):
		log.Printf("Sync: skipped busy device=%s", deviceID)
	case err != nil:
		log.Printf("Sync: device=%s failed: %v", deviceID, err)
	}
	return report
}
