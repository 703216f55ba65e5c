package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"statuslanes/app"
	"statuslanes/config"
	"statuslanes/scheduler"
	"statuslanes/streams"
)

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Service string `json:"service"`
}

const VERSION = "0.1.0"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	log.Println("Starting statuslanes...")
	cfg := config.RuntimeConfigFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := streams.Init(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Connected to Redis")

	svc, err := app.New(redisClient, cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to wire service: %v", err)
	}
	if err := svc.Seed(ctx); err != nil {
		log.Fatalf("Failed to load device seed: %v", err)
	}

	poller := scheduler.NewPoller(svc.Scheduler, svc.Wake, scheduler.PollerOptions{Interval: cfg.PollInterval})
	go poller.Start(ctx)

	pullSync, err := NewCalendarPullSync(svc.Syncer, cfg.PullSyncCron, cfg.OnlyDevices, cfg.PullSyncEnabled)
	if err != nil {
		log.Fatalf("Failed to configure pull sync: %v", err)
	}
	pullSync.Start(ctx)
	defer pullSync.Stop()

	r := newRouter(newServer(svc, nil))

	srv := &http.Server{
		Handler:      r,
		Addr:         "0.0.0.0" + cfg.Addr(),
		WriteTimeout: 0, // SSE and WebSocket feeds stay open
		ReadTimeout:  30 * time.Second,
	}

	log.Printf("statuslanes v%s starting on %s", VERSION, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

func newRouter(s *server) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthHandler).Methods("GET")
	registerDeviceRoutes(r, s)
	registerCalendarWebhookRoutes(r, s)
	registerStatusFeedRoutes(r, s.feed)
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		OK:      true,
		Version: VERSION,
		Service: "statuslanes",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("HTTP: encode response: %v", err)
	}
}
