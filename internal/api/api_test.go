package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/chaz8081/beaconlap/internal/lap"
	"github.com/chaz8081/beaconlap/internal/racelog"
	"github.com/chaz8081/beaconlap/internal/store"
	"github.com/chaz8081/beaconlap/internal/timeutil"
	"github.com/chaz8081/beaconlap/internal/tracker"
	"github.com/chaz8081/beaconlap/internal/transport"
)

type testEnv struct {
	srv      *Server
	tracker  *tracker.Tracker
	detector *lap.Detector
	hub      *Hub
	clock    *timeutil.MockClock
}

func newTestEnv(t *testing.T, history History, pinHash string) *testEnv {
	t.Helper()
	clk := timeutil.NewMockClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	tr := tracker.New(tracker.Options{Clock: clk})
	opts := lap.DefaultOptions()
	opts.Clock = clk
	d := lap.NewDetector(opts, racelog.Discard)
	d.SetRaceModeSetter(tr)
	hub := NewHub()
	srv := NewServer(Options{Tracker: tr, Detector: d, Hub: hub, History: history, PinHash: pinHash})
	return &testEnv{srv: srv, tracker: tr, detector: d, hub: hub, clock: clk}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("json.Unmarshal(%q) error = %v", rec.Body.String(), err)
	}
	return v
}

func TestTeamLifecycle(t *testing.T) {
	e := newTestEnv(t, nil, "")

	rec := e.do(t, http.MethodPost, "/api/teams", `{"name":"Red","beacon":"aa:bb:cc:dd:ee:ff"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	team := decode[lap.Team](t, rec)
	if team.ID != 1 || team.Beacon != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("created team = %+v", team)
	}

	rec = e.do(t, http.MethodPost, "/api/teams", `{"name":"Blue","beacon":"AA:BB:CC:DD:EE:FF"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate beacon status = %d, want 409", rec.Code)
	}
	if n := len(e.detector.Teams()); n != 1 {
		t.Errorf("teams after rejected create = %d, want 1", n)
	}

	rec = e.do(t, http.MethodPatch, "/api/teams/1", `{"name":"Crimson"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d", rec.Code)
	}
	if got := decode[lap.Team](t, rec).Name; got != "Crimson" {
		t.Errorf("renamed name = %q", got)
	}

	rec = e.do(t, http.MethodPut, "/api/teams/1/beacon", `{"beacon":"11:22:33:44:55:66"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("assign status = %d", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/api/teams/1", "")
	if got := decode[lap.Team](t, rec).Beacon; got != "11:22:33:44:55:66" {
		t.Errorf("beacon after assign = %q", got)
	}

	if rec = e.do(t, http.MethodDelete, "/api/teams/1", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec = e.do(t, http.MethodGet, "/api/teams/1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d", rec.Code)
	}
}

func TestTeamRequestErrors(t *testing.T) {
	e := newTestEnv(t, nil, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"empty name", http.MethodPost, "/api/teams", `{"name":"  "}`, http.StatusUnprocessableEntity},
		{"bad json", http.MethodPost, "/api/teams", `{`, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/api/teams/abc", "", http.StatusBadRequest},
		{"unknown team rename", http.MethodPatch, "/api/teams/9", `{"name":"X"}`, http.StatusNotFound},
		{"unknown team delete", http.MethodDelete, "/api/teams/9", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := e.do(t, tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestTeamLimit(t *testing.T) {
	e := newTestEnv(t, nil, "")
	for i := 0; i < lap.DefaultOptions().MaxTeams; i++ {
		if rec := e.do(t, http.MethodPost, "/api/teams", fmt.Sprintf(`{"name":"T%d"}`, i)); rec.Code != http.StatusCreated {
			t.Fatalf("create %d status = %d", i, rec.Code)
		}
	}
	if rec := e.do(t, http.MethodPost, "/api/teams", `{"name":"extra"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("over limit status = %d, want 422", rec.Code)
	}
}

func TestRaceControl(t *testing.T) {
	e := newTestEnv(t, nil, "")

	rec := e.do(t, http.MethodPost, "/api/race/start", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d", rec.Code)
	}
	sess := decode[lap.Session](t, rec)
	if !sess.Active || sess.ID == "" {
		t.Errorf("session = %+v", sess)
	}
	if !e.tracker.RaceMode() {
		t.Error("tracker not in race mode after start")
	}

	if rec = e.do(t, http.MethodPost, "/api/race/start", ""); rec.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", rec.Code)
	}

	e.clock.Advance(90 * time.Second)
	rec = e.do(t, http.MethodPost, "/api/race/stop", "")
	stop := decode[struct {
		Stopped bool        `json:"stopped"`
		Race    lap.Session `json:"race"`
	}](t, rec)
	if !stop.Stopped || stop.Race.Active {
		t.Errorf("stop = %+v", stop)
	}

	rec = e.do(t, http.MethodGet, "/api/race", "")
	race := decode[raceView](t, rec)
	if race.ElapsedMS != 90_000 {
		t.Errorf("elapsed = %dms, want 90000", race.ElapsedMS)
	}

	rec = e.do(t, http.MethodPost, "/api/race/stop", "")
	if decode[map[string]any](t, rec)["stopped"] != false {
		t.Error("second stop reported a stopped race")
	}

	e.do(t, http.MethodPost, "/api/teams", `{"name":"Red"}`)
	if rec = e.do(t, http.MethodPost, "/api/race/reset", ""); rec.Code != http.StatusNoContent {
		t.Errorf("reset status = %d", rec.Code)
	}
	if n := len(e.detector.Teams()); n != 0 {
		t.Errorf("teams after reset = %d", n)
	}
}

func TestOperatorPin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("4321"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	e := newTestEnv(t, nil, string(hash))

	if rec := e.do(t, http.MethodPost, "/api/race/start", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no pin status = %d, want 401", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/api/race/start", "", PinHeader, "0000"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong pin status = %d, want 401", rec.Code)
	}
	if e.detector.RaceActive() {
		t.Fatal("race started without a valid pin")
	}
	if rec := e.do(t, http.MethodPost, "/api/race/start", "", PinHeader, "4321"); rec.Code != http.StatusCreated {
		t.Errorf("valid pin status = %d, want 201", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/api/race", ""); rec.Code != http.StatusOK {
		t.Errorf("read without pin status = %d, want 200", rec.Code)
	}
}

func TestBeaconsAndLeaderboard(t *testing.T) {
	e := newTestEnv(t, nil, "")

	if rec := e.do(t, http.MethodGet, "/api/beacons/nearest", ""); rec.Code != http.StatusNotFound {
		t.Errorf("nearest on empty table status = %d", rec.Code)
	}

	e.do(t, http.MethodPost, "/api/teams", `{"name":"Red","beacon":"C3:00:00:00:00:01"}`)
	e.do(t, http.MethodPost, "/api/teams", `{"name":"Blue"}`)

	now := e.clock.Now()
	e.tracker.OnObservation(transport.Observation{MAC: "C3:00:00:00:00:01", RSSI: -60, TxPower: -59, Timestamp: now})
	e.tracker.OnObservation(transport.Observation{MAC: "C3:00:00:00:00:02", RSSI: -90, TxPower: -59, Timestamp: now})

	beacons := decode[[]beaconView](t, e.do(t, http.MethodGet, "/api/beacons", ""))
	if len(beacons) != 2 {
		t.Fatalf("beacons = %d, want 2", len(beacons))
	}
	if beacons[0].MAC != "C3:00:00:00:00:01" || beacons[0].TeamID != 1 {
		t.Errorf("first beacon = %+v", beacons[0])
	}
	if beacons[1].TeamID != 0 {
		t.Errorf("unassigned beacon has team %d", beacons[1].TeamID)
	}

	nearest := decode[beaconView](t, e.do(t, http.MethodGet, "/api/beacons/nearest", ""))
	if nearest.MAC != "C3:00:00:00:00:01" {
		t.Errorf("nearest = %s", nearest.MAC)
	}

	board := decode[[]standing](t, e.do(t, http.MethodGet, "/api/leaderboard", ""))
	if len(board) != 2 || board[0].Rank != 1 || board[1].Rank != 2 {
		t.Errorf("leaderboard = %+v", board)
	}
}

func TestExportCSV(t *testing.T) {
	e := newTestEnv(t, nil, "")
	e.do(t, http.MethodPost, "/api/teams", `{"name":"Red"}`)

	rec := e.do(t, http.MethodGet, "/api/export.csv", "")
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "teamId,teamName,lap,timestamp,lapTimeMs,rssi\n") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHistory(t *testing.T) {
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	e := newTestEnv(t, st, "")

	at := e.clock.Now()
	for _, r := range []racelog.Record{
		{Kind: racelog.KindRaceStart, RaceID: "r1", Timestamp: at},
		{Kind: racelog.KindLap, RaceID: "r1", Timestamp: at.Add(time.Minute), TeamID: 1, LapCount: 1, LapTime: lap.NoLapTime},
	} {
		if err := st.Write(r); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	races := decode[[]store.Race](t, e.do(t, http.MethodGet, "/api/races", ""))
	if len(races) != 1 || races[0].ID != "r1" || races[0].Laps != 1 {
		t.Errorf("races = %+v", races)
	}

	if rec := e.do(t, http.MethodGet, "/api/races/r1/laps", ""); rec.Code != http.StatusOK {
		t.Errorf("laps status = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/api/races/nope/laps", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown race laps status = %d", rec.Code)
	}

	e.do(t, http.MethodPost, "/api/teams", `{"name":"Red","beacon":"C3:00:00:00:00:01"}`)
	roster, err := st.LoadRoster()
	if err != nil {
		t.Fatalf("LoadRoster() error = %v", err)
	}
	if len(roster) != 1 || roster[0].Name != "Red" {
		t.Errorf("saved roster = %+v", roster)
	}
}

func TestHistoryDisabled(t *testing.T) {
	e := newTestEnv(t, nil, "")
	if rec := e.do(t, http.MethodGet, "/api/races", ""); rec.Code != http.StatusNotFound {
		t.Errorf("races status = %d, want 404", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{lap.ErrDuplicateAssignment, http.StatusConflict},
		{fmt.Errorf("wrap: %w", lap.ErrDuplicateTeamID), http.StatusConflict},
		{lap.ErrRaceActive, http.StatusConflict},
		{lap.ErrTeamNotFound, http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{lap.ErrTeamLimit, http.StatusUnprocessableEntity},
		{lap.ErrInvalidName, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestBroadcastNeverBlocks(t *testing.T) {
	hub := NewHub() // not running
	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastDepth*2; i++ {
			hub.Broadcast("lap", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked with no hub running")
	}
}

func TestBroadcastCountsDropsAndHubLogsThem(t *testing.T) {
	logs := captureLogs(t)
	hub := NewHub()
	for i := 0; i < broadcastDepth+10; i++ {
		hub.Broadcast("lap", i)
	}
	if got := hub.Dropped(); got != 10 {
		t.Errorf("Dropped() = %d, want 10", got)
	}
	if out := logs.String(); out != "" {
		t.Errorf("Broadcast logged %q, want nothing", out)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), "dropped=10") {
		if time.Now().After(deadline) {
			t.Fatalf("hub log = %q, want dropped=10", logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// logBuffer is a concurrency-safe slog destination.
type logBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func captureLogs(t *testing.T) *logBuffer {
	t.Helper()
	buf := &logBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return buf
}

func TestWebSocketLapFeed(t *testing.T) {
	e := newTestEnv(t, nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.hub.Run(ctx)

	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if hello.Type != "race" {
		t.Errorf("first message type = %q, want race", hello.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.srv.PublishLap(lap.Event{
		RaceID: "r1",
		Team:   lap.Team{ID: 2, Name: "Blue"},
		Lap:    lap.Record{Number: 3, Duration: 42 * time.Second, RSSI: -61},
	})

	var msg struct {
		Type    string     `json:"type"`
		Payload lapMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != "lap" {
		t.Fatalf("message type = %q, want lap", msg.Type)
	}
	want := lapMessage{RaceID: "r1", TeamID: 2, TeamName: "Blue", Lap: 3, LapTimeMS: 42000, RSSI: -61}
	got := msg.Payload
	got.At = time.Time{}
	if got != want {
		t.Errorf("lap payload = %+v, want %+v", got, want)
	}
}

func TestNewLapMessageFirstLap(t *testing.T) {
	m := newLapMessage(lap.Event{Lap: lap.Record{Number: 1, Duration: lap.NoLapTime}})
	if m.LapTimeMS != -1 {
		t.Errorf("LapTimeMS = %d, want -1", m.LapTimeMS)
	}
}
