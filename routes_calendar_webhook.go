package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"statuslanes/status"
)

// graphNotification is one entry of a Graph change notification batch.
type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
}

type graphNotificationBatch struct {
	Value []graphNotification `json:"value"`
}

func registerCalendarWebhookRoutes(r *mux.Router, s *server) {
	r.HandleFunc("/calendar/google/notification", s.handleGoogleNotification).Methods("POST")
	r.HandleFunc("/calendar/outlook/notification", s.handleOutlookNotification).Methods("POST")
}

// handleGoogleNotification turns a Google Calendar push into a device sync.
// Google retries anything but 2xx, so unknown channels are acknowledged.
func (s *server) handleGoogleNotification(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimSpace(r.Header.Get("X-Goog-Channel-ID"))
	resourceState := strings.TrimSpace(r.Header.Get("X-Goog-Resource-State"))
	if channelID == "" || resourceState == "" {
		http.Error(w, "Missing required Google headers", http.StatusBadRequest)
		return
	}

	log.Printf("Calendar push: provider=google channel=%s state=%s", channelID, resourceState)
	if resourceState == "sync" {
		w.WriteHeader(http.StatusOK)
		return
	}

	token := r.Header.Get("X-Goog-Channel-Token")
	id, err := s.app.Store.FindDeviceByChannel(r.Context(), status.ProviderGoogle, channelID, token)
	if err != nil {
		log.Printf("Calendar push: no device for google channel=%s: %v", channelID, err)
		w.WriteHeader(http.StatusOK)
		return
	}

	s.dispatch(id)
	w.WriteHeader(http.StatusOK)
}

// handleOutlookNotification answers Graph subscription validation and
// dispatches a sync for every device named in a notification batch.
func (s *server) handleOutlookNotification(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(token))
		return
	}

	var batch graphNotificationBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	seen := make(map[string]struct{}, len(batch.Value))
	for _, n := range batch.Value {
		id, err := s.resolveGraphDevice(r.Context(), n)
		if err != nil {
			log.Printf("Calendar push: no device for outlook subscription=%s: %v", n.SubscriptionID, err)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		log.Printf("Calendar push: provider=outlook device=%s change=%s", id, n.ChangeType)
		s.dispatch(id)
	}

	w.WriteHeader(http.StatusAccepted)
}

// resolveGraphDevice maps a notification to the device its subscription is
// bound to. The clientState must match the secret stored with the binding.
func (s *server) resolveGraphDevice(ctx context.Context, n graphNotification) (string, error) {
	if strings.TrimSpace(n.SubscriptionID) == "" {
		return "", status.ErrDeviceNotFound
	}
	return s.app.Store.FindDeviceByChannel(ctx, status.ProviderOutlook, n.SubscriptionID, n.ClientState)
}
