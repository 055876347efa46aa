package transport

import (
	"strings"
	"sync"

	"github.com/chaz8081/beaconlap/internal/ibeacon"
	"github.com/chaz8081/beaconlap/internal/timeutil"
)

// dispatcher is the advertisement pipeline shared by all backends:
// MAC filter, iBeacon decode with MAC fallback, RSSI threshold, callback.
//
// mu doubles as the delivery gate. handle holds it for reading while the
// callback runs, so closeGate (which takes it for writing) returns only once
// no callback is in flight and none can start. Not reentrant: the callback
// must not call any setter or StopScan.
type dispatcher struct {
	clock timeutil.Clock

	mu        sync.RWMutex
	open      bool
	cb        ObservationFunc
	macPrefix string
	minRSSI   int
}

func (d *dispatcher) init() {
	d.clock = timeutil.RealClock{}
	d.minRSSI = DefaultRSSIThreshold
}

func (d *dispatcher) SetObservationCallback(cb ObservationFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
}

func (d *dispatcher) SetMACPrefixFilter(prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.macPrefix = ibeacon.NormalizeIdentity(prefix)
}

func (d *dispatcher) SetRSSIThreshold(dbm int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minRSSI = dbm
}

func (d *dispatcher) openGate() {
	d.mu.Lock()
	d.open = true
	d.mu.Unlock()
}

// closeGate blocks until any in-flight callback has returned.
func (d *dispatcher) closeGate() {
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
}

func (d *dispatcher) gateOpen() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.open
}

// handle runs one raw advertisement through the pipeline. mfg is the
// manufacturer-specific field including the company ID; it is not retained.
// Reports whether the callback was invoked.
func (d *dispatcher) handle(mac string, mfg []byte, rssi int) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.open || d.cb == nil {
		return false
	}

	mac = ibeacon.NormalizeIdentity(mac)
	if d.macPrefix != "" && !strings.HasPrefix(mac, d.macPrefix) {
		return false
	}

	b, decoded := ibeacon.Decode(mfg)
	if !decoded {
		b = ibeacon.Fallback(mac)
	}

	if rssi < d.minRSSI {
		return false
	}

	d.cb(Observation{
		MAC:       mac,
		UUID:      b.UUID,
		Major:     b.Major,
		Minor:     b.Minor,
		TxPower:   b.TxPower,
		RSSI:      rssi,
		Decoded:   decoded,
		Timestamp: d.clock.Now(),
	})
	return true
}
