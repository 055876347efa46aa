//go:build linux

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
)

type fakeAdvertisement struct {
	ble.Advertisement
	addr string
	mfg  []byte
	rssi int
}

func (a fakeAdvertisement) Addr() ble.Addr           { return ble.NewAddr(a.addr) }
func (a fakeAdvertisement) ManufacturerData() []byte { return a.mfg }
func (a fakeAdvertisement) RSSI() int                { return a.rssi }

// fakeHCIDevice replays advs once, then blocks until the scan context ends.
type fakeHCIDevice struct {
	advs     []fakeAdvertisement
	allowDup bool
	stopped  bool
}

func (d *fakeHCIDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	d.allowDup = allowDup
	for _, a := range d.advs {
		h(a)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *fakeHCIDevice) Stop() error {
	d.stopped = true
	return nil
}

func TestHCIBeginFailure(t *testing.T) {
	openErr := errors.New("operation not permitted")
	tr := newHCITransport(func() (hciDevice, error) { return nil, openErr })

	err := tr.Begin()
	var initErr *InitError
	if !errors.As(err, &initErr) || initErr.Backend != "hci" {
		t.Fatalf("Begin() error = %v, want hci *InitError", err)
	}
	if err := tr.StartScan(Continuous); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("StartScan() error = %v, want ErrNotInitialized", err)
	}
}

func TestHCIScanDeliversAdvertisements(t *testing.T) {
	dev := &fakeHCIDevice{advs: []fakeAdvertisement{
		{addr: "c3:00:00:00:00:01", rssi: -58},
		{addr: "c3:00:00:00:00:01", rssi: -60},
	}}
	tr := newHCITransport(func() (hciDevice, error) { return dev, nil })

	obs := make(chan Observation, 4)
	tr.SetObservationCallback(func(o Observation) { obs <- o })

	if err := tr.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	dev.advs[0].mfg = mustEncode(t, testBeacon)
	if err := tr.StartScan(Continuous); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case o := <-obs:
			if o.MAC != "C3:00:00:00:00:01" {
				t.Errorf("MAC = %q", o.MAC)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for observation %d", i)
		}
	}

	if err := tr.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if !dev.allowDup {
		t.Error("Scan() called with allowDup = false")
	}
	if !dev.stopped {
		t.Error("End() did not stop the device")
	}
	if tr.IsScanning() {
		t.Error("IsScanning() = true after End")
	}
}

func TestHCITimedScan(t *testing.T) {
	dev := &fakeHCIDevice{}
	tr := newHCITransport(func() (hciDevice, error) { return dev, nil })
	if err := tr.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := tr.StartScan(20 * time.Millisecond); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	waitFor(t, func() bool { return !tr.IsScanning() })
	if tr.gateOpen() {
		t.Error("gate open after timed scan")
	}
}
