// Package lap turns beacon presence into lap counts. A lap is counted on the
// rising edge of a team beacon's proximity (far to near) during an active
// race, subject to a minimum time between laps.
package lap

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/chaz8081/beaconlap/internal/ibeacon"
	"github.com/chaz8081/beaconlap/internal/racelog"
	"github.com/chaz8081/beaconlap/internal/timeutil"
	"github.com/chaz8081/beaconlap/internal/tracker"
)

// Presence is the last known proximity of a team beacon.
type Presence int

const (
	NoBaseline Presence = iota // not seen since the race started
	Far
	Near
)

func (p Presence) String() string {
	switch p {
	case NoBaseline:
		return "no_baseline"
	case Far:
		return "far"
	case Near:
		return "near"
	default:
		return fmt.Sprintf("Presence(%d)", int(p))
	}
}

// Options configures a Detector.
type Options struct {
	// NearRSSI is the smoothed RSSI at or above which a beacon is near.
	NearRSSI int
	// FarRSSI is the smoothed RSSI a near beacon must drop to before it is
	// far again. Values at or above NearRSSI disable the band.
	FarRSSI         int
	MinLapTime      time.Duration
	MaxTeams        int
	MaxRaceDuration time.Duration // 0 = unlimited
	Clock           timeutil.Clock
}

// DefaultOptions returns the standard checkpoint thresholds.
func DefaultOptions() Options {
	return Options{
		NearRSSI:        -65,
		FarRSSI:         -80,
		MinLapTime:      10 * time.Second,
		MaxTeams:        20,
		MaxRaceDuration: 2 * time.Hour,
		Clock:           timeutil.RealClock{},
	}
}

// RaceModeSetter is implemented by the beacon tracker.
type RaceModeSetter interface {
	SetRaceMode(bool)
}

// Session describes the current or last race.
type Session struct {
	ID        string    `json:"id"`
	Active    bool      `json:"active"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
}

// crossing is the edge state of one transmitter during a race.
type crossing struct {
	team     int
	presence Presence
	lastLap  time.Time
}

// Event is passed to the lap callback for every counted lap.
type Event struct {
	RaceID string
	Team   Team
	Lap    Record
}

// Detector owns the teams and the race session. It is safe for concurrent
// use; OnBeacon is expected on the tracker's observation goroutine while
// snapshots and race control come from elsewhere.
type Detector struct {
	opts  Options
	sink  racelog.Sink
	clock timeutil.Clock

	mu       sync.Mutex
	teams    map[int]*Team
	session  Session
	crossing map[string]*crossing // by transmitter MAC
	raceMode RaceModeSetter
	onLap    func(Event)
}

// NewDetector creates a detector writing lap records to sink. Panics if
// sink is nil.
func NewDetector(opts Options, sink racelog.Sink) *Detector {
	if sink == nil {
		panic("lap: NewDetector called with nil sink")
	}
	if opts.MaxTeams <= 0 {
		opts.MaxTeams = DefaultOptions().MaxTeams
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Detector{
		opts:     opts,
		sink:     sink,
		clock:    opts.Clock,
		teams:    make(map[int]*Team),
		crossing: make(map[string]*crossing),
	}
}

// SetRaceModeSetter registers the tracker toggled by StartRace and StopRace.
func (d *Detector) SetRaceModeSetter(r RaceModeSetter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.raceMode = r
}

// SetLapCallback registers fn for every counted lap. fn runs synchronously
// on the observation goroutine and must not block.
func (d *Detector) SetLapCallback(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onLap = fn
}

// OnBeacon consumes a tracker event. It is a no-op while no race is active.
func (d *Detector) OnBeacon(ev tracker.Event) {
	d.mu.Lock()
	if !d.session.Active {
		d.mu.Unlock()
		return
	}

	team := d.teamForBeaconLocked(ev.Beacon)
	if team == nil {
		d.mu.Unlock()
		return
	}

	// Each transmitter has its own edge state, even when several share the
	// UUID a team is bound to.
	c := d.crossing[ev.Beacon.MAC]
	if c == nil || c.team != team.ID {
		c = &crossing{team: team.ID}
		d.crossing[ev.Beacon.MAC] = c
	}
	prev := c.presence

	if ev.Kind == tracker.EventLost || !d.isNear(prev, ev.Beacon.SmoothedRSSI) {
		c.presence = Far
		d.mu.Unlock()
		return
	}

	c.presence = Near
	if prev == Near {
		d.mu.Unlock()
		return
	}

	// Rising edge.
	now := ev.Beacon.LastSeen
	if !c.lastLap.IsZero() && now.Sub(c.lastLap) < d.opts.MinLapTime {
		d.mu.Unlock()
		return
	}

	rssi := int(math.Round(ev.Beacon.SmoothedRSSI))
	rec := team.addLap(now, c.lastLap, rssi)
	c.lastLap = now

	lapEv := Event{RaceID: d.session.ID, Team: team.clone(), Lap: rec}
	onLap := d.onLap
	d.mu.Unlock()

	if onLap != nil {
		onLap(lapEv)
	}
	d.sink.Enqueue(racelog.Record{
		Kind:      racelog.KindLap,
		Timestamp: now,
		RaceID:    lapEv.RaceID,
		TeamID:    lapEv.Team.ID,
		TeamName:  lapEv.Team.Name,
		LapCount:  rec.Number,
		RSSI:      rssi,
		LapTime:   rec.Duration,
	})
}

func (d *Detector) isNear(prev Presence, smoothed float64) bool {
	if prev == Near && d.opts.FarRSSI < d.opts.NearRSSI {
		return smoothed > float64(d.opts.FarRSSI)
	}
	return smoothed >= float64(d.opts.NearRSSI)
}

// teamForBeaconLocked finds the team bound to b's MAC, or failing that to
// its decoded UUID.
func (d *Detector) teamForBeaconLocked(b tracker.Beacon) *Team {
	if b.MAC != "" {
		if t := d.ownerLocked(b.MAC); t != nil {
			return t
		}
	}
	if b.UUID != "" {
		return d.ownerLocked(b.UUID)
	}
	return nil
}

// StartRace resets all team results and presence history, starts a new
// session and puts the tracker into race mode. It returns the session ID.
func (d *Detector) StartRace() (string, error) {
	d.mu.Lock()
	if d.session.Active {
		d.mu.Unlock()
		return "", ErrRaceActive
	}

	for _, t := range d.teams {
		t.reset()
	}
	clear(d.crossing)

	now := d.clock.Now()
	d.session = Session{ID: ksuid.New().String(), Active: true, StartedAt: now}
	id := d.session.ID
	rm := d.raceMode
	teams := len(d.teams)
	d.mu.Unlock()

	if rm != nil {
		rm.SetRaceMode(true)
	}
	d.sink.Enqueue(racelog.Record{Kind: racelog.KindRaceStart, Timestamp: now, RaceID: id, LapTime: NoLapTime})
	slog.Info("[LAP] race session opened", "race", id, "teams", teams)
	return id, nil
}

// StopRace ends the active race, keeping results for the leaderboard. It is
// safe to call at any time and reports whether a race was stopped.
func (d *Detector) StopRace() bool {
	d.mu.Lock()
	if !d.session.Active {
		d.mu.Unlock()
		return false
	}

	now := d.clock.Now()
	d.session.Active = false
	d.session.StoppedAt = now
	clear(d.crossing)
	id := d.session.ID
	rm := d.raceMode
	d.mu.Unlock()

	if rm != nil {
		rm.SetRaceMode(false)
	}
	d.sink.Enqueue(racelog.Record{Kind: racelog.KindRaceStop, Timestamp: now, RaceID: id, LapTime: NoLapTime})
	slog.Info("[LAP] race session closed", "race", id)
	return true
}

// ResetRace stops any running race and removes every team.
func (d *Detector) ResetRace() {
	d.StopRace()

	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.teams)
	d.session = Session{}
}

// Tick stops the race once it has run for MaxRaceDuration. It reports
// whether the race was stopped.
func (d *Detector) Tick(now time.Time) bool {
	d.mu.Lock()
	expired := d.session.Active && d.opts.MaxRaceDuration > 0 &&
		now.Sub(d.session.StartedAt) >= d.opts.MaxRaceDuration
	d.mu.Unlock()

	if !expired {
		return false
	}
	slog.Warn("[LAP] maximum race duration reached", "limit", d.opts.MaxRaceDuration)
	return d.StopRace()
}

// Session returns the current or last race session.
func (d *Detector) Session() Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// RaceActive reports whether a race is running.
func (d *Detector) RaceActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session.Active
}

// PresenceOf returns the presence state of the transmitter with the given
// MAC.
func (d *Detector) PresenceOf(mac string) Presence {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.crossing[ibeacon.NormalizeIdentity(mac)]; ok {
		return c.presence
	}
	return NoBaseline
}

// AddTeam creates a team with the lowest free ID in [1, MaxTeams].
func (d *Detector) AddTeam(name string) (int, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, ErrInvalidName
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for id := 1; id <= d.opts.MaxTeams; id++ {
		if _, taken := d.teams[id]; !taken {
			d.teams[id] = newTeam(id, name, "")
			return id, nil
		}
	}
	return 0, ErrTeamLimit
}

// AddTeamWithID creates a team with a caller-chosen ID, as when restoring
// a saved roster. beacon may be empty.
func (d *Detector) AddTeamWithID(id int, name, beacon string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	beacon = ibeacon.NormalizeIdentity(beacon)

	d.mu.Lock()
	defer d.mu.Unlock()

	if id < 1 || id > d.opts.MaxTeams {
		return fmt.Errorf("%w: id %d outside 1..%d", ErrTeamLimit, id, d.opts.MaxTeams)
	}
	if _, taken := d.teams[id]; taken {
		return ErrDuplicateTeamID
	}
	if beacon != "" && d.ownerLocked(beacon) != nil {
		return ErrDuplicateAssignment
	}
	d.teams[id] = newTeam(id, name, beacon)
	return nil
}

// RemoveTeam deletes a team and forgets the presence history of its
// transmitters.
func (d *Detector) RemoveTeam(id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.teams[id]; !ok {
		return ErrTeamNotFound
	}
	d.forgetLocked(id)
	delete(d.teams, id)
	return nil
}

// RenameTeam changes a team's display name.
func (d *Detector) RenameTeam(id int, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.teams[id]
	if !ok {
		return ErrTeamNotFound
	}
	t.Name = name
	return nil
}

// AssignBeacon binds a MAC or UUID to a team. An empty identity unassigns.
// Binding an identity already held by another team fails with
// ErrDuplicateAssignment and changes nothing.
func (d *Detector) AssignBeacon(id int, identity string) error {
	identity = ibeacon.NormalizeIdentity(identity)

	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.teams[id]
	if !ok {
		return ErrTeamNotFound
	}
	if identity == t.Beacon {
		return nil
	}
	if identity != "" {
		if owner := d.ownerLocked(identity); owner != nil && owner.ID != id {
			return ErrDuplicateAssignment
		}
	}

	d.forgetLocked(id)
	t.Beacon = identity
	return nil
}

func (d *Detector) ownerLocked(identity string) *Team {
	for _, t := range d.teams {
		if t.Beacon == identity {
			return t
		}
	}
	return nil
}

// forgetLocked drops the crossing state of every transmitter counted for
// team id.
func (d *Detector) forgetLocked(id int) {
	for mac, c := range d.crossing {
		if c.team == id {
			delete(d.crossing, mac)
		}
	}
}

// Team returns a copy of the team with the given ID.
func (d *Detector) Team(id int) (Team, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.teams[id]
	if !ok {
		return Team{}, false
	}
	return t.clone(), true
}

// TeamByBeacon returns the team assigned to identity.
func (d *Detector) TeamByBeacon(identity string) (Team, bool) {
	identity = ibeacon.NormalizeIdentity(identity)
	if identity == "" {
		return Team{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if t := d.ownerLocked(identity); t != nil {
		return t.clone(), true
	}
	return Team{}, false
}

// Teams returns copies of all teams ordered by ID.
func (d *Detector) Teams() []Team {
	d.mu.Lock()
	out := make([]Team, 0, len(d.teams))
	for _, t := range d.teams {
		out = append(out, t.clone())
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Leaderboard returns all teams in ranking order.
func (d *Detector) Leaderboard() []Team {
	teams := d.Teams()
	SortLeaderboard(teams)
	return teams
}

// ExportCSV writes the lap history of every team.
func (d *Detector) ExportCSV(w io.Writer) error {
	return WriteLapsCSV(w, d.Teams())
}
