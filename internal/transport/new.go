package transport

import (
	"fmt"

	"github.com/chaz8081/beaconlap/internal/config"
)

// New creates the backend named by cfg.Backend and applies the scan filters.
// An empty backend selects tinygo.
func New(cfg *config.TransportConfig, scan *config.ScanConfig) (Transport, error) {
	return newWithOpener(cfg, scan, nil)
}

func newWithOpener(cfg *config.TransportConfig, scan *config.ScanConfig, open PortOpener) (Transport, error) {
	var t Transport
	switch cfg.Backend {
	case "tinygo", "":
		t = NewTinyGoTransport()
	case "hci":
		t = NewHCITransport()
	case "serial":
		s := cfg.Serial
		t = NewSerialTransport(SerialOptions{
			Port:         s.Port,
			BaudRate:     s.BaudRate,
			DataBits:     s.DataBits,
			StopBits:     s.StopBits,
			Parity:       s.Parity,
			Window:       s.Window,
			ScanInterval: scan.IntervalMS,
			ScanWindow:   scan.WindowMS,
		}, open)
	default:
		return nil, fmt.Errorf("unknown transport backend: %q", cfg.Backend)
	}

	t.SetMACPrefixFilter(scan.MACPrefix)
	t.SetRSSIThreshold(scan.RSSIThreshold)
	return t, nil
}
