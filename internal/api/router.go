// Package api exposes the timing state over HTTP for operator displays and
// streams counted laps to websocket clients.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/chaz8081/beaconlap/internal/lap"
	"github.com/chaz8081/beaconlap/internal/racelog"
	"github.com/chaz8081/beaconlap/internal/store"
	"github.com/chaz8081/beaconlap/internal/tracker"
)

// PinHeader carries the operator PIN on mutating requests.
const PinHeader = "X-Operator-Pin"

const shutdownTimeout = 5 * time.Second

// History is the durable race record, implemented by store.Store.
type History interface {
	Races() ([]store.Race, error)
	Laps(raceID string) ([]racelog.Record, error)
	SaveRoster([]lap.Team) error
}

// Options configures a Server.
type Options struct {
	Tracker  *tracker.Tracker
	Detector *lap.Detector
	Hub      *Hub
	History  History // optional
	PinHash  string  // bcrypt hash; empty disables the PIN check
}

// Server serves the operator API.
type Server struct {
	tracker  *tracker.Tracker
	detector *lap.Detector
	hub      *Hub
	history  History
	pinHash  []byte
	router   chi.Router
}

// NewServer builds the API. Panics if the tracker, detector or hub is nil.
func NewServer(opts Options) *Server {
	if opts.Tracker == nil || opts.Detector == nil || opts.Hub == nil {
		panic("api: NewServer called with nil tracker, detector or hub")
	}
	s := &Server{
		tracker:  opts.Tracker,
		detector: opts.Detector,
		hub:      opts.Hub,
		history:  opts.History,
	}
	if opts.PinHash != "" {
		s.pinHash = []byte(opts.PinHash)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/beacons", s.handleBeacons)
		r.Get("/beacons/nearest", s.handleNearestBeacon)
		r.Get("/teams", s.handleTeams)
		r.Get("/teams/{id}", s.handleTeam)
		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/race", s.handleRace)
		r.Get("/export.csv", s.handleExportCSV)
		r.Get("/races", s.handleRaces)
		r.Get("/races/{id}/laps", s.handleRaceLaps)

		r.Group(func(r chi.Router) {
			r.Use(s.requirePin)
			r.Post("/race/start", s.handleRaceStart)
			r.Post("/race/stop", s.handleRaceStop)
			r.Post("/race/reset", s.handleRaceReset)
			r.Post("/teams", s.handleCreateTeam)
			r.Patch("/teams/{id}", s.handleRenameTeam)
			r.Delete("/teams/{id}", s.handleDeleteTeam)
			r.Put("/teams/{id}/beacon", s.handleAssignBeacon)
		})
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[API] listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api: serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve %s: %w", addr, err)
	}
	return nil
}

// PublishLap pushes a counted lap to websocket clients. It is meant to be
// registered with lap.Detector.SetLapCallback.
func (s *Server) PublishLap(ev lap.Event) {
	s.hub.Broadcast("lap", newLapMessage(ev))
}

func (s *Server) requirePin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.pinHash != nil {
			pin := r.Header.Get(PinHeader)
			if pin == "" || bcrypt.CompareHashAndPassword(s.pinHash, []byte(pin)) != nil {
				slog.Warn("[API] rejected operator request", "method", r.Method, "path", r.URL.Path)
				writeError(w, http.StatusUnauthorized, "operator pin required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("[API] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
