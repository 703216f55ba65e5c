package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"statuslanes/app"
	"statuslanes/calsync"
	"statuslanes/status"
	"statuslanes/streams"
)

const backgroundSyncTimeout = 2 * time.Minute

// syncDispatcher starts a device sync outside the request that triggered it.
type syncDispatcher func(deviceID string)

type server struct {
	app      *app.App
	feed     *streams.Feed
	dispatch syncDispatcher
}

func newServer(svc *app.App, dispatch syncDispatcher) *server {
	s := &server{app: svc, feed: svc.Feed, dispatch: dispatch}
	if s.dispatch == nil {
		s.dispatch = s.syncInBackground
	}
	return s
}

func (s *server) syncInBackground(deviceID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundSyncTimeout)
		defer cancel()
		if _, err := s.app.Syncer.SyncDevice(ctx, deviceID); err != nil && !errors.Is(err, calsync.ErrDeviceBusy) {
			log.Printf("Sync: push-triggered sync device=%s failed: %v", deviceID, err)
		}
	}()
}

type deviceResponse struct {
	Device         *status.Device `json:"device"`
	UpdatedAt      string         `json:"updated_at_display,omitempty"`
	PendingWakeups []time.Time    `json:"pending_wakeups"`
}

type resultResponse struct {
	DeviceID  string               `json:"device_id"`
	State     status.State         `json:"state"`
	Changed   bool                 `json:"changed"`
	Pushed    bool                 `json:"pushed"`
	PushError string               `json:"push_error,omitempty"`
	Active    status.ActiveStatus  `json:"active"`
	Cache     []status.CachedEvent `json:"cache"`
	Wakeups   []time.Time          `json:"wakeups,omitempty"`
}

func newResultResponse(res status.Result) resultResponse {
	resp := resultResponse{
		DeviceID: res.DeviceID,
		State:    res.State,
		Changed:  res.Changed,
		Pushed:   res.Pushed,
		Active:   res.Active,
		Cache:    res.Cache,
		Wakeups:  res.Wakeups,
	}
	if resp.Cache == nil {
		resp.Cache = []status.CachedEvent{}
	}
	if res.PushErr != nil {
		resp.PushError = res.PushErr.Error()
	}
	return resp
}

func registerDeviceRoutes(r *mux.Router, s *server) {
	r.HandleFunc("/devices/{id}", s.handleGetDevice).Methods("GET")
	r.HandleFunc("/devices/{id}/sync", s.handleSync).Methods("POST")
	r.HandleFunc("/devices/{id}/reconcile", s.handleReconcile).Methods("POST")
	r.HandleFunc("/devices/{id}/status", s.handleSetStatus).Methods("POST")
}

func deviceID(r *http.Request) string {
	return strings.TrimSpace(mux.Vars(r)["id"])
}

func (s *server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := deviceID(r)

	dev, err := s.app.Store.GetDevice(ctx, id)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	pending, err := s.app.Scheduler.Pending(ctx, id)
	if err != nil {
		log.Printf("HTTP: pending wakeups device=%s: %v", id, err)
	}
	if pending == nil {
		pending = []time.Time{}
	}

	resp := deviceResponse{Device: dev, PendingWakeups: pending}
	if !dev.Active.UpdatedAt.IsZero() {
		if formatted, err := status.FormatFor(dev, dev.Active.UpdatedAt); err == nil {
			resp.UpdatedAt = formatted
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.app.Syncer.SyncDevice(r.Context(), deviceID(r))
	if err != nil {
		writeError(w, err, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.Reconciler.Reconcile(r.Context(), deviceID(r), s.app.Now())
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(res))
}

func (s *server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req status.StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Key == 0 {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}

	res, err := s.app.Reconciler.SetStatus(r.Context(), deviceID(r), req, s.app.Now())
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(res))
}

// writeError maps known sentinels to status codes and falls back to code.
func writeError(w http.ResponseWriter, err error, code int) {
	switch {
	case errors.Is(err, status.ErrDeviceNotFound):
		code = http.StatusNotFound
	case errors.Is(err, status.ErrDeviceBusy):
		code = http.StatusConflict
	case errors.Is(err, status.ErrUnknownStatus),
		errors.Is(err, status.ErrInvalidLabel),
		errors.Is(err, status.ErrInvalidSource):
		code = http.StatusBadRequest
	case errors.Is(err, calsync.ErrNoCalendars), errors.Is(err, calsync.ErrNoSource):
		code = http.StatusUnprocessableEntity
	}
	http.Error(w, err.Error(), code)
}
