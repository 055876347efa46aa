// Package transport owns the BLE radio and turns advertisements into beacon
// observations. Three interchangeable backends implement the same Transport
// contract:
//   - tinygo: tinygo.org/x/bluetooth (BlueZ, CoreBluetooth, WinRT)
//   - hci: raw HCI socket via github.com/go-ble/ble (Linux only)
//   - serial: a scanning coprocessor attached over a UART
package transport

import (
	"errors"
	"fmt"
	"time"
)

// Continuous asks StartScan to scan until StopScan is called.
const Continuous time.Duration = 0

// DefaultRSSIThreshold drops advertisements weaker than -100 dBm.
const DefaultRSSIThreshold = -100

// ErrNotInitialized is returned by StartScan before a successful Begin.
var ErrNotInitialized = errors.New("transport: radio not initialized")

// InitError reports that a backend could not bring up its radio stack.
// It is never retried by the transport.
type InitError struct {
	Backend string
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("transport: %s radio init: %v", e.Backend, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Observation is one received advertisement after decoding and filtering.
type Observation struct {
	MAC       string // upper-case AA:BB:CC:DD:EE:FF
	UUID      string // iBeacon UUID, or the MAC when the frame is not an iBeacon
	Major     uint16
	Minor     uint16
	TxPower   int8 // calibrated power at 1 m
	RSSI      int  // instantaneous received signal strength
	Decoded   bool // true when UUID/Major/Minor came from an iBeacon frame
	Timestamp time.Time
}

// ObservationFunc receives observations on the backend's radio goroutine.
// It must return quickly and must not call back into the Transport.
type ObservationFunc func(Observation)

// Transport is the capability surface shared by every radio backend.
type Transport interface {
	// Begin brings up the radio stack. Failures are returned as *InitError.
	Begin() error
	// End stops scanning and releases the radio.
	End() error
	// StartScan starts scanning for d, or until StopScan when d is Continuous.
	// Calling it while already scanning is a no-op.
	StartScan(d time.Duration) error
	// StopScan stops scanning. No observation callback runs after it returns.
	StopScan() error
	// IsScanning reports whether a scan is in progress.
	IsScanning() bool
	// SetObservationCallback registers the single observation receiver.
	SetObservationCallback(cb ObservationFunc)
	// SetMACPrefixFilter drops advertisements whose MAC does not start with
	// prefix (case-insensitive). An empty prefix disables the filter.
	SetMACPrefixFilter(prefix string)
	// SetRSSIThreshold drops advertisements weaker than dbm.
	SetRSSIThreshold(dbm int)
}
