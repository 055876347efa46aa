// Package tracker keeps the table of beacons currently heard by the radio,
// smooths their signal strength and reports presence changes to subscribers.
package tracker

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/chaz8081/beaconlap/internal/ibeacon"
	"github.com/chaz8081/beaconlap/internal/timeutil"
	"github.com/chaz8081/beaconlap/internal/transport"
)

// DefaultHistorySize is the number of RSSI samples averaged per beacon.
const DefaultHistorySize = 5

// InvalidDistance is returned by RSSIToDistance for a zero RSSI reading.
const InvalidDistance = -1.0

// EventKind classifies a tracker event.
type EventKind int

const (
	EventNew    EventKind = iota // first observation of a MAC
	EventUpdate                  // later observation of a known MAC
	EventLost                    // evicted by CleanupOldBeacons
)

func (k EventKind) String() string {
	switch k {
	case EventNew:
		return "new"
	case EventUpdate:
		return "update"
	case EventLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Beacon is a snapshot of one tracked transmitter.
type Beacon struct {
	MAC          string
	UUID         string
	Major        uint16
	Minor        uint16
	TxPower      int8
	Decoded      bool
	RSSI         int     // most recent sample
	SmoothedRSSI float64 // mean of History
	History      []int   // retained samples, oldest first
	FirstSeen    time.Time
	LastSeen     time.Time
	Present      bool
}

// Matches reports whether identity names this beacon by MAC or UUID.
func (b Beacon) Matches(identity string) bool {
	id := ibeacon.NormalizeIdentity(identity)
	return id != "" && (id == b.MAC || id == b.UUID)
}

// Distance estimates the distance in metres from the smoothed RSSI.
func (b Beacon) Distance() float64 {
	return RSSIToDistance(int(math.Round(b.SmoothedRSSI)), b.TxPower)
}

// Event is delivered to subscribers for every table change.
type Event struct {
	Kind   EventKind
	Beacon Beacon
}

// Options configures a Tracker.
type Options struct {
	HistorySize int
	Clock       timeutil.Clock
}

type entry struct {
	b    Beacon
	ring []float64
	next int
	n    int
}

func (e *entry) push(rssi int) {
	e.ring[e.next] = float64(rssi)
	e.next = (e.next + 1) % len(e.ring)
	if e.n < len(e.ring) {
		e.n++
	}
	e.b.RSSI = rssi
	e.b.SmoothedRSSI = stat.Mean(e.ring[:e.n], nil)
}

// snapshot copies the beacon with its history in arrival order.
func (e *entry) snapshot() Beacon {
	b := e.b
	b.History = make([]int, e.n)
	start := 0
	if e.n == len(e.ring) {
		start = e.next
	}
	for i := 0; i < e.n; i++ {
		b.History[i] = int(e.ring[(start+i)%len(e.ring)])
	}
	return b
}

type subscriber struct {
	id int
	fn func(Event)
}

// Tracker is safe for concurrent use. Observations are applied one at a
// time; snapshots may be taken from any goroutine.
type Tracker struct {
	historySize int
	clock       timeutil.Clock

	obsMu sync.Mutex // serializes OnObservation and CleanupOldBeacons

	mu      sync.RWMutex
	beacons map[string]*entry

	raceMode atomic.Bool

	subMu  sync.Mutex
	nextID int
	subs   atomic.Pointer[[]subscriber]
}

// New creates an empty tracker.
func New(opts Options) *Tracker {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	t := &Tracker{
		historySize: opts.HistorySize,
		clock:       opts.Clock,
		beacons:     make(map[string]*entry),
	}
	t.subs.Store(&[]subscriber{})
	return t
}

// Subscribe registers fn for every event and returns a function that
// removes it. fn runs on the observation goroutine and must not call
// OnObservation or CleanupOldBeacons.
func (t *Tracker) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	t.nextID++
	id := t.nextID
	old := *t.subs.Load()
	next := make([]subscriber, len(old), len(old)+1)
	copy(next, old)
	next = append(next, subscriber{id: id, fn: fn})
	t.subs.Store(&next)

	var once sync.Once
	return func() {
		once.Do(func() { t.unsubscribe(id) })
	}
}

func (t *Tracker) unsubscribe(id int) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	old := *t.subs.Load()
	next := make([]subscriber, 0, len(old))
	for _, s := range old {
		if s.id != id {
			next = append(next, s)
		}
	}
	t.subs.Store(&next)
}

func (t *Tracker) emit(ev Event) {
	for _, s := range *t.subs.Load() {
		s.fn(ev)
	}
}

// OnObservation applies one observation and notifies subscribers. It has
// the transport.ObservationFunc signature.
func (t *Tracker) OnObservation(obs transport.Observation) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()

	mac := ibeacon.NormalizeIdentity(obs.MAC)

	t.mu.Lock()
	e, ok := t.beacons[mac]
	kind := EventUpdate
	if !ok {
		kind = EventNew
		e = &entry{
			b:    Beacon{MAC: mac, FirstSeen: obs.Timestamp},
			ring: make([]float64, t.historySize),
		}
		t.beacons[mac] = e
	}
	// Identity follows the latest decode; a fallback frame does not
	// overwrite an earlier successful decode.
	if obs.Decoded || !e.b.Decoded {
		e.b.UUID = obs.UUID
		e.b.Major = obs.Major
		e.b.Minor = obs.Minor
		e.b.TxPower = obs.TxPower
		e.b.Decoded = obs.Decoded
	}
	e.push(obs.RSSI)
	e.b.LastSeen = obs.Timestamp
	e.b.Present = true
	snap := e.snapshot()
	t.mu.Unlock()

	t.emit(Event{Kind: kind, Beacon: snap})
}

// SetRaceMode toggles race mode. While enabled CleanupOldBeacons never
// evicts anything.
func (t *Tracker) SetRaceMode(on bool) {
	if t.raceMode.Swap(on) != on {
		slog.Info("[TRACK] race mode changed", "enabled", on)
	}
}

// RaceMode reports whether race mode is enabled.
func (t *Tracker) RaceMode() bool {
	return t.raceMode.Load()
}

// CleanupOldBeacons evicts beacons not seen for longer than maxAge and
// emits EventLost for each. It is a no-op in race mode. Returns the number
// of evicted beacons.
func (t *Tracker) CleanupOldBeacons(maxAge time.Duration) int {
	if t.raceMode.Load() {
		return 0
	}

	t.obsMu.Lock()
	defer t.obsMu.Unlock()

	// Checked again under obsMu in case race mode began meanwhile.
	if t.raceMode.Load() {
		return 0
	}

	now := t.clock.Now()
	var lost []Beacon

	t.mu.Lock()
	for mac, e := range t.beacons {
		if now.Sub(e.b.LastSeen) > maxAge {
			b := e.snapshot()
			b.Present = false
			lost = append(lost, b)
			delete(t.beacons, mac)
		}
	}
	t.mu.Unlock()

	sort.Slice(lost, func(i, j int) bool { return lost[i].MAC < lost[j].MAC })
	for _, b := range lost {
		t.emit(Event{Kind: EventLost, Beacon: b})
	}
	return len(lost)
}

// Run calls CleanupOldBeacons every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.CleanupOldBeacons(maxAge); n > 0 {
				slog.Debug("[TRACK] evicted stale beacons", "count", n, "remaining", t.Len())
			}
		}
	}
}

// Beacons returns a snapshot of all tracked beacons, strongest first.
func (t *Tracker) Beacons() []Beacon {
	t.mu.RLock()
	out := make([]Beacon, 0, len(t.beacons))
	for _, e := range t.beacons {
		out = append(out, e.snapshot())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SmoothedRSSI != out[j].SmoothedRSSI {
			return out[i].SmoothedRSSI > out[j].SmoothedRSSI
		}
		return out[i].MAC < out[j].MAC
	})
	return out
}

// Beacon returns the tracked beacon with the given MAC.
func (t *Tracker) Beacon(mac string) (Beacon, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.beacons[ibeacon.NormalizeIdentity(mac)]
	if !ok {
		return Beacon{}, false
	}
	return e.snapshot(), true
}

// NearestBeacon returns the beacon with the highest smoothed RSSI, or false
// when the table is empty.
func (t *Tracker) NearestBeacon() (Beacon, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *entry
	for _, e := range t.beacons {
		if best == nil ||
			e.b.SmoothedRSSI > best.b.SmoothedRSSI ||
			(e.b.SmoothedRSSI == best.b.SmoothedRSSI && e.b.MAC < best.b.MAC) {
			best = e
		}
	}
	if best == nil {
		return Beacon{}, false
	}
	return best.snapshot(), true
}

// Len returns the number of tracked beacons.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.beacons)
}

// Clear drops every tracked beacon without emitting events.
func (t *Tracker) Clear() {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.beacons)
}

// RSSIToDistance estimates distance in metres with a log-distance path loss
// model (exponent 2.5). txPower is the calibrated RSSI at 1 m. A zero rssi
// means no signal and yields InvalidDistance.
func RSSIToDistance(rssi int, txPower int8) float64 {
	if rssi == 0 {
		return InvalidDistance
	}
	return math.Pow(10, float64(int(txPower)-rssi)/25)
}
