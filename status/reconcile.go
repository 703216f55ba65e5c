package status

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

var (
	// ErrDeviceBusy is returned when another run holds the device lock.
	ErrDeviceBusy = errors.New("device run already in progress")
	// ErrUnknownStatus is returned when a requested key is not in the status table.
	ErrUnknownStatus = errors.New("status key not configured")
	// ErrInvalidLabel is returned for empty or oversized label overrides.
	ErrInvalidLabel = errors.New("invalid status label")
	// ErrInvalidSource is returned when a status request names a source other
	// than manual or automation.
	ErrInvalidSource = errors.New("unsupported status source")
)

const defaultLockTTL = 30 * time.Second

// Store persists devices. UpdateDevice writes only the fields set on the
// update.
type Store interface {
	GetDevice(ctx context.Context, id string) (*Device, error)
	UpdateDevice(ctx context.Context, id string, update DeviceUpdate) error
}

// DeviceUpdate is a partial write. Cache is written only when ReplaceCache
// is set; Active only when non-nil.
type DeviceUpdate struct {
	ReplaceCache bool
	Cache        []CachedEvent
	Active       *ActiveStatus
}

// Notifier delivers the active status to the device.
type Notifier interface {
	Notify(ctx context.Context, device *Device, active ActiveStatus) error
}

// Scheduler requests a later Reconcile call for a device. Implementations
// must tolerate duplicate, early and late invocations.
type Scheduler interface {
	Schedule(ctx context.Context, deviceID string, runAt time.Time) error
}

// Recorder receives status transitions.
type Recorder interface {
	Record(ctx context.Context, t Transition) error
}

// Locker serializes runs for one device. Lock returns ErrDeviceBusy when the
// lock is held elsewhere.
type Locker interface {
	Lock(ctx context.Context, deviceID string, ttl time.Duration) (func(), error)
}

// State is the reconciler's view of a device after a run.
type State string

const (
	StateIdle        State = "idle"
	StateEventActive State = "event_active"
	StateEmpty       State = "empty"
)

// Transition describes one change of the displayed status.
type Transition struct {
	DeviceID      string    `json:"device_id"`
	Key           int       `json:"key"`
	Label         string    `json:"label"`
	Source        Source    `json:"source"`
	PreviousKey   int       `json:"previous_key,omitempty"`
	PreviousLabel string    `json:"previous_label,omitempty"`
	Delivered     bool      `json:"delivered"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// Result reports what a run did.
type Result struct {
	DeviceID string
	State    State
	Changed  bool
	Pushed   bool
	PushErr  error
	Active   ActiveStatus
	Cache    []CachedEvent
	Wakeups  []time.Time
}

// ReconcilerOptions wires the optional collaborators.
type ReconcilerOptions struct {
	Scheduler Scheduler
	Recorder  Recorder
	Locker    Locker
	LockTTL   time.Duration
}

// Reconciler applies the same-day cache to a device's active status.
type Reconciler struct {
	store     Store
	notifier  Notifier
	scheduler Scheduler
	recorder  Recorder
	locker    Locker
	lockTTL   time.Duration
}

// NewReconciler builds a Reconciler around the given ports.
func NewReconciler(store Store, notifier Notifier, opts ReconcilerOptions) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("device store is required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Reconciler{
		store:     store,
		notifier:  notifier,
		scheduler: opts.Scheduler,
		recorder:  opts.Recorder,
		locker:    opts.Locker,
		lockTTL:   ttl,
	}, nil
}

// Reconcile re-evaluates the cached events of a device at now.
func (r *Reconciler) Reconcile(ctx context.Context, deviceID string, now time.Time) (Result, error) {
	unlock, err := r.lock(ctx, deviceID)
	if err != nil {
		return Result{DeviceID: deviceID}, err
	}
	defer unlock()

	dev, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return Result{DeviceID: deviceID}, fmt.Errorf("load device %s: %w", deviceID, err)
	}
	return r.apply(ctx, dev, now, false)
}

// ApplyEvents rebuilds the device cache from freshly normalized events and
// reconciles against it.
func (r *Reconciler) ApplyEvents(ctx context.Context, deviceID string, events []NormalizedEvent, now time.Time) (Result, error) {
	unlock, err := r.lock(ctx, deviceID)
	if err != nil {
		return Result{DeviceID: deviceID}, err
	}
	defer unlock()

	dev, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return Result{DeviceID: deviceID}, fmt.Errorf("load device %s: %w", deviceID, err)
	}
	dev.Cache = BuildCache(events, now, dev.Location(), dev.Config.Rules)
	return r.apply(ctx, dev, now, true)
}

// StatusRequest is a manual or automation status change.
type StatusRequest struct {
	Key    int    `json:"key"`
	Label  string `json:"label,omitempty"`
	Source Source `json:"source,omitempty"`
}

// SetStatus sets the active status outside the calendar flow. It clears the
// event fence. Manual requests also become the preferred status.
func (r *Reconciler) SetStatus(ctx context.Context, deviceID string, req StatusRequest, now time.Time) (Result, error) {
	if req.Source == "" {
		req.Source = SourceManual
	}
	if req.Source != SourceManual && req.Source != SourceAutomation {
		return Result{DeviceID: deviceID}, fmt.Errorf("%w: %q", ErrInvalidSource, req.Source)
	}

	unlock, err := r.lock(ctx, deviceID)
	if err != nil {
		return Result{DeviceID: deviceID}, err
	}
	defer unlock()

	dev, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return Result{DeviceID: deviceID}, fmt.Errorf("load device %s: %w", deviceID, err)
	}

	label := strings.TrimSpace(req.Label)
	tableLabel, ok := tableLabel(dev, req.Key)
	if !ok {
		return Result{DeviceID: deviceID}, fmt.Errorf("%w: %d", ErrUnknownStatus, req.Key)
	}
	if label == "" {
		label = tableLabel
	}
	if len([]rune(label)) > MaxLabelLength {
		return Result{DeviceID: deviceID}, ErrInvalidLabel
	}

	next := dev.Active
	changed := !next.Same(req.Key, label)
	next.Key = req.Key
	next.Label = label
	next.Source = req.Source
	next.EventEndsAt = nil
	if req.Source == SourceManual {
		next.PreferredKey = req.Key
		next.PreferredLabel = label
	}
	if changed {
		next.UpdatedAt = now
	}

	res := Result{DeviceID: deviceID, State: StateIdle, Cache: dev.Cache}
	if err := r.store.UpdateDevice(ctx, deviceID, DeviceUpdate{Active: &next}); err != nil {
		return res, fmt.Errorf("persist device %s: %w", deviceID, err)
	}
	res.Active = next
	if changed {
		r.deliver(ctx, dev, dev.Active, next, &res)
	}
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, dev *Device, now time.Time, cacheReplaced bool) (Result, error) {
	before := len(dev.Cache)
	cache := Trim(dev.Cache, now)

	res := Result{DeviceID: dev.ID, Cache: cache}
	update := DeviceUpdate{}
	if cacheReplaced || len(cache) != before {
		update.ReplaceCache = true
		update.Cache = cache
	}

	next := dev.Active
	push := false

	if len(cache) == 0 {
		res.State = StateEmpty
		if next.EventEndsAt != nil {
			if !now.Before(*next.EventEndsAt) {
				push = r.applyFallback(dev, &next, now)
				next.EventEndsAt = nil
				res.State = StateIdle
			} else {
				res.Wakeups = append(res.Wakeups, *next.EventEndsAt)
			}
		}
	} else if w, ok := Winner(cache, now); ok {
		res.State = StateEventActive
		if label, ok := dev.LabelFor(w.StatusKey); ok {
			if !next.Same(w.StatusKey, label) {
				next.Key = w.StatusKey
				next.Label = label
				next.Source = SourceCalendar
				next.UpdatedAt = now
				push = true
			}
			end := w.End
			if next.EventEndsAt == nil || !next.EventEndsAt.Equal(end) {
				next.EventEndsAt = &end
			}
		} else {
			log.Printf("Reconcile: status key %d not configured device=%s", w.StatusKey, dev.ID)
		}
		res.Wakeups = append(res.Wakeups, w.End)
		res.Wakeups = append(res.Wakeups, takeoverStarts(cache, w, now)...)
		if start, ok := NextStart(cache, w.End); ok {
			res.Wakeups = append(res.Wakeups, start)
		}
	} else {
		res.State = StateIdle
		push = r.applyFallback(dev, &next, now)
		next.EventEndsAt = nil
		if start, ok := NextStart(cache, now); ok {
			res.Wakeups = append(res.Wakeups, start)
		}
	}

	if !sameActive(dev.Active, next) {
		update.Active = &next
	}
	if update.ReplaceCache || update.Active != nil {
		if err := r.store.UpdateDevice(ctx, dev.ID, update); err != nil {
			return res, fmt.Errorf("persist device %s: %w", dev.ID, err)
		}
	}
	res.Active = next

	if push {
		r.deliver(ctx, dev, dev.Active, next, &res)
	}
	r.schedule(ctx, dev.ID, res.Wakeups, now)
	return res, nil
}

// applyFallback moves next to the fallback status and reports whether the
// displayed pair changed.
func (r *Reconciler) applyFallback(dev *Device, next *ActiveStatus, now time.Time) bool {
	key := Fallback(dev.Config.Rules, next.PreferredKey)
	if key == 0 {
		return false
	}
	label, ok := dev.LabelFor(key)
	if !ok {
		log.Printf("Reconcile: fallback key %d not configured device=%s", key, dev.ID)
		return false
	}
	if next.Same(key, label) {
		return false
	}
	next.Key = key
	next.Label = label
	next.Source = SourceIdle
	next.UpdatedAt = now
	return true
}

func (r *Reconciler) deliver(ctx context.Context, dev *Device, prev, next ActiveStatus, res *Result) {
	res.Changed = true
	err := r.notifier.Notify(ctx, dev, next)
	if err != nil {
		log.Printf("Reconcile: push failed device=%s key=%d: %v", dev.ID, next.Key, err)
		res.PushErr = err
	} else {
		res.Pushed = true
	}

	if r.recorder == nil {
		return
	}
	t := Transition{
		DeviceID:      dev.ID,
		Key:           next.Key,
		Label:         next.Label,
		Source:        next.Source,
		PreviousKey:   prev.Key,
		PreviousLabel: prev.Label,
		Delivered:     err == nil,
		At:            next.UpdatedAt,
	}
	if err != nil {
		t.Error = err.Error()
	}
	if rerr := r.recorder.Record(ctx, t); rerr != nil {
		log.Printf("Reconcile: record transition failed device=%s: %v", dev.ID, rerr)
	}
}

func (r *Reconciler) schedule(ctx context.Context, deviceID string, wakeups []time.Time, now time.Time) {
	if r.scheduler == nil || len(wakeups) == 0 {
		return
	}
	sort.Slice(wakeups, func(i, j int) bool { return wakeups[i].Before(wakeups[j]) })
	var last time.Time
	for i, at := range wakeups {
		if !at.After(now) {
			continue
		}
		if i > 0 && at.Equal(last) {
			continue
		}
		last = at
		if err := r.scheduler.Schedule(ctx, deviceID, at); err != nil {
			log.Printf("Reconcile: schedule failed device=%s at=%s: %v", deviceID, at.Format(time.RFC3339), err)
		}
	}
}

func (r *Reconciler) lock(ctx context.Context, deviceID string) (func(), error) {
	if r.locker == nil {
		return func() {}, nil
	}
	return r.locker.Lock(ctx, deviceID, r.lockTTL)
}

// takeoverStarts lists the starts of entries that begin while w is running
// and outlast it. Each of them becomes the winner at its start.
func takeoverStarts(cache []CachedEvent, w CachedEvent, now time.Time) []time.Time {
	var out []time.Time
	for _, c := range cache {
		if c.StatusKey == 0 || !c.Start.After(now) || !c.Start.Before(w.End) || !c.End.After(w.End) {
			continue
		}
		out = append(out, c.Start)
	}
	return out
}

func tableLabel(dev *Device, key int) (string, bool) {
	for _, def := range dev.Config.Statuses {
		if def.Key == key && def.Enabled {
			return def.Label, true
		}
	}
	return "", false
}

func sameActive(a, b ActiveStatus) bool {
	if a.Key != b.Key || a.Label != b.Label || a.Source != b.Source {
		return false
	}
	if a.PreferredKey != b.PreferredKey || a.PreferredLabel != b.PreferredLabel {
		return false
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	switch {
	case a.EventEndsAt == nil && b.EventEndsAt == nil:
		return true
	case a.EventEndsAt == nil || b.EventEndsAt == nil:
		return false
	default:
		return a.EventEndsAt.Equal(*b.EventEndsAt)
	}
}
