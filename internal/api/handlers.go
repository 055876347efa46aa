package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/beaconlap/internal/lap"
	"github.com/chaz8081/beaconlap/internal/store"
	"github.com/chaz8081/beaconlap/internal/tracker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type beaconView struct {
	MAC          string    `json:"mac"`
	UUID         string    `json:"uuid,omitempty"`
	Major        uint16    `json:"major"`
	Minor        uint16    `json:"minor"`
	TxPower      int8      `json:"tx_power"`
	Decoded      bool      `json:"decoded"`
	RSSI         int       `json:"rssi"`
	SmoothedRSSI float64   `json:"smoothed_rssi"`
	Distance     float64   `json:"distance_m"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Present      bool      `json:"present"`
	TeamID       int       `json:"team_id,omitempty"`
	Presence     string    `json:"presence,omitempty"`
}

type standing struct {
	Rank int `json:"rank"`
	lap.Team
}

type raceView struct {
	lap.Session
	ElapsedMS int64 `json:"elapsed_ms"`
	Teams     int   `json:"teams"`
}

type lapMessage struct {
	RaceID    string    `json:"race_id"`
	TeamID    int       `json:"team_id"`
	TeamName  string    `json:"team_name"`
	Lap       int       `json:"lap"`
	At        time.Time `json:"at"`
	LapTimeMS int64     `json:"lap_time_ms"` // -1 for the first lap
	RSSI      int       `json:"rssi"`
}

func newLapMessage(ev lap.Event) lapMessage {
	ms := int64(-1)
	if ev.Lap.Duration != lap.NoLapTime {
		ms = ev.Lap.Duration.Milliseconds()
	}
	return lapMessage{
		RaceID:    ev.RaceID,
		TeamID:    ev.Team.ID,
		TeamName:  ev.Team.Name,
		Lap:       ev.Lap.Number,
		At:        ev.Lap.At,
		LapTimeMS: ms,
		RSSI:      ev.Lap.RSSI,
	}
}

type teamRequest struct {
	Name   string `json:"name"`
	Beacon string `json:"beacon"`
}

func (s *Server) viewBeacon(b tracker.Beacon) beaconView {
	v := beaconView{
		MAC:          b.MAC,
		UUID:         b.UUID,
		Major:        b.Major,
		Minor:        b.Minor,
		TxPower:      b.TxPower,
		Decoded:      b.Decoded,
		RSSI:         b.RSSI,
		SmoothedRSSI: b.SmoothedRSSI,
		Distance:     b.Distance(),
		FirstSeen:    b.FirstSeen,
		LastSeen:     b.LastSeen,
		Present:      b.Present,
	}
	for _, id := range []string{b.MAC, b.UUID} {
		if t, ok := s.detector.TeamByBeacon(id); ok {
			v.TeamID = t.ID
			v.Presence = s.detector.PresenceOf(b.MAC).String()
			break
		}
	}
	return v
}

func (s *Server) handleBeacons(w http.ResponseWriter, r *http.Request) {
	beacons := s.tracker.Beacons()
	out := make([]beaconView, 0, len(beacons))
	for _, b := range beacons {
		out = append(out, s.viewBeacon(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNearestBeacon(w http.ResponseWriter, r *http.Request) {
	b, ok := s.tracker.NearestBeacon()
	if !ok {
		writeError(w, http.StatusNotFound, "no beacon in range")
		return
	}
	writeJSON(w, http.StatusOK, s.viewBeacon(b))
}

func (s *Server) handleTeams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.detector.Teams())
}

func (s *Server) handleTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := teamID(w, r)
	if !ok {
		return
	}
	t, found := s.detector.Team(id)
	if !found {
		writeErr(w, lap.ErrTeamNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	teams := s.detector.Leaderboard()
	out := make([]standing, len(teams))
	for i, t := range teams {
		out[i] = standing{Rank: i + 1, Team: t}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRace(w http.ResponseWriter, r *http.Request) {
	sess := s.detector.Session()
	v := raceView{Session: sess, Teams: len(s.detector.Teams())}
	switch {
	case sess.Active:
		v.ElapsedMS = time.Since(sess.StartedAt).Milliseconds()
	case !sess.StoppedAt.IsZero():
		v.ElapsedMS = sess.StoppedAt.Sub(sess.StartedAt).Milliseconds()
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	name := "laps.csv"
	if id := s.detector.Session().ID; id != "" {
		name = fmt.Sprintf("laps-%s.csv", id)
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := s.detector.ExportCSV(w); err != nil {
		slog.Error("[API] csv export failed", "error", err)
	}
}

func (s *Server) handleRaces(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "race history disabled")
		return
	}
	races, err := s.history.Races()
	if err != nil {
		writeErr(w, err)
		return
	}
	if races == nil {
		races = []store.Race{}
	}
	writeJSON(w, http.StatusOK, races)
}

func (s *Server) handleRaceLaps(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "race history disabled")
		return
	}
	laps, err := s.history.Laps(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(laps) == 0 {
		writeErr(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, laps)
}

func (s *Server) handleRaceStart(w http.ResponseWriter, r *http.Request) {
	if _, err := s.detector.StartRace(); err != nil {
		writeErr(w, err)
		return
	}
	sess := s.detector.Session()
	s.hub.Broadcast("race_start", sess)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleRaceStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.detector.StopRace()
	sess := s.detector.Session()
	if stopped {
		s.hub.Broadcast("race_stop", sess)
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped, "race": sess})
}

func (s *Server) handleRaceReset(w http.ResponseWriter, r *http.Request) {
	s.detector.ResetRace()
	s.tracker.Clear()
	s.saveRoster()
	s.hub.Broadcast("race_reset", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req teamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.detector.AddTeam(req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	if req.Beacon != "" {
		if err := s.detector.AssignBeacon(id, req.Beacon); err != nil {
			s.detector.RemoveTeam(id)
			writeErr(w, err)
			return
		}
	}
	s.saveRoster()
	t, _ := s.detector.Team(id)
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleRenameTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := teamID(w, r)
	if !ok {
		return
	}
	var req teamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.detector.RenameTeam(id, req.Name); err != nil {
		writeErr(w, err)
		return
	}
	s.saveRoster()
	t, _ := s.detector.Team(id)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := teamID(w, r)
	if !ok {
		return
	}
	if err := s.detector.RemoveTeam(id); err != nil {
		writeErr(w, err)
		return
	}
	s.saveRoster()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssignBeacon(w http.ResponseWriter, r *http.Request) {
	id, ok := teamID(w, r)
	if !ok {
		return
	}
	var req teamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.detector.AssignBeacon(id, req.Beacon); err != nil {
		writeErr(w, err)
		return
	}
	s.saveRoster()
	t, _ := s.detector.Team(id)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[API] websocket upgrade failed", "error", err)
		return
	}

	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, sendBuffer), remote: conn.RemoteAddr().String()}
	if hello, err := json.Marshal(Message{Type: "race", Payload: s.detector.Session()}); err == nil {
		c.send <- hello
	}
	if !s.hub.add(c) {
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (s *Server) saveRoster() {
	if s.history == nil {
		return
	}
	if err := s.history.SaveRoster(s.detector.Teams()); err != nil {
		slog.Error("[API] failed to save roster", "error", err)
	}
}

func teamID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lap.ErrDuplicateAssignment),
		errors.Is(err, lap.ErrDuplicateTeamID),
		errors.Is(err, lap.ErrRaceActive):
		return http.StatusConflict
	case errors.Is(err, lap.ErrTeamNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lap.ErrTeamLimit),
		errors.Is(err, lap.ErrInvalidName):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("[API] request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] failed to encode response", "error", err)
	}
}
