//go:build !linux

package transport

import (
	"errors"
	"time"
)

var errHCIUnsupported = errors.New("hci backend requires linux")

// HCITransport is unavailable off Linux; Begin always fails.
type HCITransport struct {
	dispatcher
}

func NewHCITransport() *HCITransport {
	t := &HCITransport{}
	t.dispatcher.init()
	return t
}

func (t *HCITransport) Begin() error {
	return &InitError{Backend: "hci", Err: errHCIUnsupported}
}

func (t *HCITransport) End() error { return nil }

func (t *HCITransport) StartScan(time.Duration) error { return ErrNotInitialized }

func (t *HCITransport) StopScan() error { return nil }

func (t *HCITransport) IsScanning() bool { return false }

var _ Transport = (*HCITransport)(nil)
