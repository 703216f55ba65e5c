package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"statuslanes/streams"
)

const (
	feedKeepalive  = 25 * time.Second
	feedRetryDelay = 300 * time.Millisecond
)

type statusFeedHandler struct {
	feed *streams.Feed
}

func registerStatusFeedRoutes(r *mux.Router, feed *streams.Feed) {
	h := &statusFeedHandler{feed: feed}
	r.HandleFunc("/devices/{id}/feed", h.handleSSE).Methods("GET")
	r.HandleFunc("/devices/{id}/feed/ws", h.handleWebSocket).Methods("GET")
}

// startID pins an empty cursor to the newest entry so nothing recorded after
// the client connects can fall between two blocking reads.
func (h *statusFeedHandler) startID(ctx context.Context, id, after string) string {
	if after != "" {
		return after
	}
	recent, err := h.feed.Recent(ctx, id, 1)
	if err != nil || len(recent) == 0 {
		return "0-0"
	}
	return recent[len(recent)-1].ID
}

func (h *statusFeedHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		http.Error(w, "status feed unavailable", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	id := deviceID(r)
	lastID := h.startID(ctx, id, strings.TrimSpace(r.URL.Query().Get("after")))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(feedKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
			continue
		default:
		}

		entries, nextID, err := h.feed.Tail(ctx, id, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			log.Printf("Feed: tail error device=%s: %v", id, err)
			time.Sleep(feedRetryDelay)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		lastID = nextID
		for _, entry := range entries {
			payload, err := json.Marshal(entry)
			if err != nil {
				log.Printf("Feed: encode error device=%s: %v", id, err)
				continue
			}
			fmt.Fprintf(w, "id: %s\n", entry.ID)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Output-only surface.
		return true
	},
}

func (h *statusFeedHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		http.Error(w, "status feed unavailable", http.StatusServiceUnavailable)
		return
	}

	id := deviceID(r)
	lastID := h.startID(r.Context(), id, strings.TrimSpace(r.URL.Query().Get("after")))

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		entries, nextID, err := h.feed.Tail(ctx, id, lastID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(feedRetryDelay)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		lastID = nextID
		for _, entry := range entries {
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}
	}
}
