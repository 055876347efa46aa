package transport

import (
	"testing"
	"time"

	"github.com/chaz8081/beaconlap/internal/ibeacon"
	"github.com/chaz8081/beaconlap/internal/timeutil"
)

var testBeacon = ibeacon.Beacon{
	UUID:    "B9407F30-F5F8-466E-AFF9-25556B57FE6D",
	Major:   1000,
	Minor:   42,
	TxPower: -59,
}

func mustEncode(t *testing.T, b ibeacon.Beacon) []byte {
	t.Helper()
	p, err := ibeacon.Encode(b)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return p
}

func newTestDispatcher(t *testing.T) (*dispatcher, *[]Observation, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	d := &dispatcher{}
	d.init()
	d.clock = clock

	var got []Observation
	d.SetObservationCallback(func(o Observation) { got = append(got, o) })
	d.openGate()
	return d, &got, clock
}

func TestDispatcherDecodesIBeacon(t *testing.T) {
	d, got, clock := newTestDispatcher(t)

	if !d.handle("c3:00:00:00:00:01", mustEncode(t, testBeacon), -62) {
		t.Fatal("handle() = false, want true")
	}
	if len(*got) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(*got))
	}
	o := (*got)[0]
	want := Observation{
		MAC:       "C3:00:00:00:00:01",
		UUID:      testBeacon.UUID,
		Major:     1000,
		Minor:     42,
		TxPower:   -59,
		RSSI:      -62,
		Decoded:   true,
		Timestamp: clock.Now(),
	}
	if o != want {
		t.Errorf("observation = %+v, want %+v", o, want)
	}
}

func TestDispatcherFallsBackToMAC(t *testing.T) {
	d, got, _ := newTestDispatcher(t)

	for _, mfg := range [][]byte{nil, {0x59, 0x00, 0x01}, make([]byte, 30)} {
		d.handle("c3:00:aa:bb:cc:dd", mfg, -70)
	}
	if len(*got) != 3 {
		t.Fatalf("callbacks = %d, want 3", len(*got))
	}
	for _, o := range *got {
		if o.Decoded {
			t.Error("Decoded = true for non-iBeacon payload")
		}
		if o.UUID != "C3:00:AA:BB:CC:DD" {
			t.Errorf("UUID = %q, want MAC", o.UUID)
		}
		if o.Major != 0 || o.Minor != 0 || o.TxPower != ibeacon.DefaultTxPower {
			t.Errorf("fallback fields = %d/%d/%d, want 0/0/%d", o.Major, o.Minor, o.TxPower, ibeacon.DefaultTxPower)
		}
	}
}

func TestDispatcherMACPrefixFilter(t *testing.T) {
	d, got, _ := newTestDispatcher(t)
	d.SetMACPrefixFilter("c3:00:")

	d.handle("C3:00:00:00:00:01", nil, -50)
	d.handle("c3:00:00:00:00:02", nil, -50)
	if d.handle("D4:00:00:00:00:03", nil, -50) {
		t.Error("handle() = true for MAC outside prefix")
	}

	if len(*got) != 2 {
		t.Fatalf("callbacks = %d, want 2", len(*got))
	}

	d.SetMACPrefixFilter("")
	d.handle("D4:00:00:00:00:03", nil, -50)
	if len(*got) != 3 {
		t.Errorf("callbacks after clearing filter = %d, want 3", len(*got))
	}
}

func TestDispatcherRSSIThreshold(t *testing.T) {
	d, got, _ := newTestDispatcher(t)
	d.SetRSSIThreshold(-80)

	d.handle("C3:00:00:00:00:01", nil, -81)
	d.handle("C3:00:00:00:00:01", nil, -80)
	d.handle("C3:00:00:00:00:01", nil, -40)

	if len(*got) != 2 {
		t.Fatalf("callbacks = %d, want 2", len(*got))
	}
	if (*got)[0].RSSI != -80 {
		t.Errorf("first RSSI = %d, want -80 (threshold is inclusive)", (*got)[0].RSSI)
	}
}

func TestDispatcherDeliversDuplicates(t *testing.T) {
	d, got, _ := newTestDispatcher(t)
	payload := mustEncode(t, testBeacon)

	for i := 0; i < 10; i++ {
		d.handle("C3:00:00:00:00:01", payload, -60)
	}
	if len(*got) != 10 {
		t.Errorf("callbacks = %d, want 10", len(*got))
	}
}

func TestDispatcherGate(t *testing.T) {
	d, got, _ := newTestDispatcher(t)

	d.closeGate()
	if d.handle("C3:00:00:00:00:01", nil, -60) {
		t.Error("handle() = true with gate closed")
	}
	d.openGate()
	d.handle("C3:00:00:00:00:01", nil, -60)

	if len(*got) != 1 {
		t.Errorf("callbacks = %d, want 1", len(*got))
	}
}

func TestDispatcherNoCallback(t *testing.T) {
	d := &dispatcher{}
	d.init()
	d.openGate()
	if d.handle("C3:00:00:00:00:01", nil, -60) {
		t.Error("handle() = true with no callback registered")
	}
}
