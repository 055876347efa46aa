package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

const appleCompanyID uint16 = 0x004C

// stopWait bounds how long StopScan waits for the radio goroutine to exit.
// The gate already guarantees no further callbacks, so this only tidies up.
const stopWait = 2 * time.Second

// DefaultScanWindow is how long one tinygo scan runs before it is stopped
// and restarted during a continuous scan.
const DefaultScanWindow = 10 * time.Second

// tinygoAdapter is the subset of *bluetooth.Adapter used for scanning.
type tinygoAdapter interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// TinyGoTransport scans through tinygo-org/bluetooth. On Linux it drives
// BlueZ over D-Bus, on macOS CoreBluetooth (addresses are then CoreBluetooth
// UUIDs rather than MACs), on Windows WinRT. CoreBluetooth reports each
// device once per scan and BlueZ only reports property changes, so a
// continuous scan is run as a series of windows, each a fresh scan.
type TinyGoTransport struct {
	dispatcher
	adapter tinygoAdapter
	window  time.Duration

	// scratch holds the reassembled manufacturer payload; only the scan
	// goroutine touches it.
	scratch [64]byte

	mu       sync.Mutex
	enabled  bool
	scanning bool
	done     chan struct{}
	timer    *time.Timer
}

// NewTinyGoTransport creates a transport on the default bluetooth adapter.
func NewTinyGoTransport() *TinyGoTransport {
	return newTinyGoTransport(bluetooth.DefaultAdapter)
}

func newTinyGoTransport(adapter tinygoAdapter) *TinyGoTransport {
	t := &TinyGoTransport{adapter: adapter, window: DefaultScanWindow}
	t.dispatcher.init()
	return t
}

func (t *TinyGoTransport) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return nil
	}
	if err := t.adapter.Enable(); err != nil {
		return &InitError{Backend: "tinygo", Err: err}
	}
	t.enabled = true
	slog.Info("[BLE] adapter enabled", "backend", "tinygo")
	return nil
}

func (t *TinyGoTransport) End() error {
	err := t.StopScan()
	t.mu.Lock()
	t.enabled = false
	t.mu.Unlock()
	return err
}

func (t *TinyGoTransport) StartScan(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.enabled {
		return ErrNotInitialized
	}
	if t.scanning {
		return nil
	}

	done := make(chan struct{})
	t.scanning = true
	t.done = done
	t.openGate()

	go t.scanLoop(done)

	if d > 0 {
		t.timer = time.AfterFunc(d, func() {
			if err := t.StopScan(); err != nil {
				slog.Warn("[BLE] timed scan stop failed", "error", err)
			}
		})
	}
	slog.Info("[BLE] scan started", "backend", "tinygo", "duration", d)
	return nil
}

// scanLoop runs scan windows until StopScan or a radio error.
func (t *TinyGoTransport) scanLoop(done chan struct{}) {
	defer close(done)

	var err error
	for {
		window := time.AfterFunc(t.window, t.endWindow)
		err = t.adapter.Scan(t.onScanResult)
		window.Stop()

		t.mu.Lock()
		again := err == nil && t.done == done
		t.mu.Unlock()
		if !again || !t.gateOpen() {
			break
		}
		slog.Debug("[BLE] scan window restarted", "backend", "tinygo")
	}

	t.mu.Lock()
	ownScan := t.done == done
	if ownScan {
		// The radio ended the scan on its own.
		t.scanning = false
		t.done = nil
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
	}
	t.mu.Unlock()

	if ownScan {
		t.closeGate()
		if err != nil {
			slog.Error("[BLE] scan aborted", "backend", "tinygo", "error", err)
		}
	}
}

// endWindow stops the current adapter scan so scanLoop can start the next.
func (t *TinyGoTransport) endWindow() {
	if err := t.adapter.StopScan(); err != nil {
		slog.Debug("[BLE] scan window stop failed", "backend", "tinygo", "error", err)
	}
}

func (t *TinyGoTransport) onScanResult(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
	if !t.gateOpen() {
		// Scan started after StopScan already ran; end it from here.
		_ = t.adapter.StopScan()
		return
	}
	mfg := manufacturerPayload(t.scratch[:0], result.ManufacturerData())
	t.handle(result.Address.String(), mfg, int(result.RSSI))
}

func (t *TinyGoTransport) StopScan() error {
	t.mu.Lock()
	if !t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = false
	done := t.done
	t.done = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.closeGate()
	err := t.adapter.StopScan()

	select {
	case <-done:
	case <-time.After(stopWait):
		slog.Warn("[BLE] scan goroutine did not exit", "backend", "tinygo", "wait", stopWait)
	}

	if err != nil {
		return fmt.Errorf("transport: tinygo stop scan: %w", err)
	}
	slog.Info("[BLE] scan stopped", "backend", "tinygo")
	return nil
}

func (t *TinyGoTransport) IsScanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning
}

// manufacturerPayload rebuilds the raw manufacturer-specific field
// (company ID little-endian, then data) that tinygo splits apart. The Apple
// element is preferred when an advertisement carries several.
func manufacturerPayload(dst []byte, elems []bluetooth.ManufacturerDataElement) []byte {
	if len(elems) == 0 {
		return nil
	}
	e := elems[0]
	for _, el := range elems {
		if el.CompanyID == appleCompanyID {
			e = el
			break
		}
	}
	dst = append(dst[:0], byte(e.CompanyID), byte(e.CompanyID>>8))
	return append(dst, e.Data...)
}

// Compile-time check that TinyGoTransport implements Transport.
var _ Transport = (*TinyGoTransport)(nil)
