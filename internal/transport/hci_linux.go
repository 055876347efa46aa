//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// hciDevice is the subset of *linux.Device used for scanning.
type hciDevice interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Stop() error
}

// HCITransport scans through a raw HCI socket using go-ble. It needs
// CAP_NET_ADMIN and an adapter not held by bluetoothd.
type HCITransport struct {
	dispatcher
	open func() (hciDevice, error)

	mu       sync.Mutex
	dev      hciDevice
	scanning bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHCITransport creates a transport on the first HCI adapter.
func NewHCITransport() *HCITransport {
	return newHCITransport(func() (hciDevice, error) {
		return linux.NewDevice()
	})
}

func newHCITransport(open func() (hciDevice, error)) *HCITransport {
	t := &HCITransport{open: open}
	t.dispatcher.init()
	return t
}

func (t *HCITransport) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev != nil {
		return nil
	}
	dev, err := t.open()
	if err != nil {
		return &InitError{Backend: "hci", Err: err}
	}
	t.dev = dev
	slog.Info("[BLE] adapter opened", "backend", "hci")
	return nil
}

func (t *HCITransport) End() error {
	err := t.StopScan()

	t.mu.Lock()
	dev := t.dev
	t.dev = nil
	t.mu.Unlock()

	if dev != nil {
		if stopErr := dev.Stop(); stopErr != nil && err == nil {
			err = fmt.Errorf("transport: hci close: %w", stopErr)
		}
	}
	return err
}

func (t *HCITransport) StartScan(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev == nil {
		return ErrNotInitialized
	}
	if t.scanning {
		return nil
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), d)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	done := make(chan struct{})
	t.scanning = true
	t.cancel = cancel
	t.done = done
	t.openGate()

	go t.scanLoop(ctx, t.dev, done)

	slog.Info("[BLE] scan started", "backend", "hci", "duration", d)
	return nil
}

// scanLoop runs until the context is cancelled or times out. allowDup is
// set so every advertisement reaches the handler.
func (t *HCITransport) scanLoop(ctx context.Context, dev hciDevice, done chan struct{}) {
	defer close(done)

	err := dev.Scan(ctx, true, func(a ble.Advertisement) {
		t.handle(a.Addr().String(), a.ManufacturerData(), a.RSSI())
	})

	t.mu.Lock()
	ownScan := t.done == done
	if ownScan {
		t.scanning = false
		t.done = nil
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()

	if ownScan {
		t.closeGate()
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		slog.Error("[BLE] scan aborted", "backend", "hci", "error", err)
	}
}

func (t *HCITransport) StopScan() error {
	t.mu.Lock()
	if !t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = false
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	t.closeGate()
	cancel()

	select {
	case <-done:
	case <-time.After(stopWait):
		slog.Warn("[BLE] scan goroutine did not exit", "backend", "hci", "wait", stopWait)
	}
	slog.Info("[BLE] scan stopped", "backend", "hci")
	return nil
}

func (t *HCITransport) IsScanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning
}

var _ Transport = (*HCITransport)(nil)
