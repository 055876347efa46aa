// Command beacon-scan is a manual test for the radio backends. It scans for
// the given duration and prints every observation that passes the filters.
//
// Usage:
//
//	go run ./cmd/beacon-scan [--backend tinygo|hci|serial] [--port /dev/ttyUSB0] [--duration 10s] [--prefix C3:00:] [--rssi -100]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chaz8081/beaconlap/internal/config"
	"github.com/chaz8081/beaconlap/internal/tracker"
	"github.com/chaz8081/beaconlap/internal/transport"
)

func main() {
	defaults := config.Default()
	backend := flag.String("backend", defaults.Transport.Backend, "radio backend: tinygo, hci or serial")
	port := flag.String("port", defaults.Transport.Serial.Port, "serial port for the serial backend")
	duration := flag.Duration("duration", 10*time.Second, "scan duration (0 = until Ctrl+C)")
	prefix := flag.String("prefix", "", "only show MACs with this prefix")
	rssi := flag.Int("rssi", transport.DefaultRSSIThreshold, "drop advertisements weaker than this (dBm)")
	flag.Parse()

	tcfg := defaults.Transport
	tcfg.Backend = *backend
	tcfg.Serial.Port = *port
	scfg := defaults.Scan
	scfg.MACPrefix = *prefix
	scfg.RSSIThreshold = *rssi

	radio, err := transport.New(&tcfg, &scfg)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	radio.SetObservationCallback(func(obs transport.Observation) {
		mu.Lock()
		seen[obs.MAC]++
		mu.Unlock()

		kind := "ibeacon"
		if !obs.Decoded {
			kind = "other"
		}
		fmt.Printf("%s  %s  %4d dBm  %-7s  %s  major=%d minor=%d  ~%.1fm\n",
			obs.Timestamp.Format("15:04:05.000"), obs.MAC, obs.RSSI, kind, obs.UUID,
			obs.Major, obs.Minor, tracker.RSSIToDistance(obs.RSSI, obs.TxPower))
	})

	if err := radio.Begin(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("Scanning with %q backend", *backend)
	if *duration > 0 {
		fmt.Printf(" for %s", *duration)
	}
	fmt.Println("... Ctrl+C to stop.")

	if err := radio.StartScan(*duration); err != nil {
		fmt.Printf("Error: %v\n", err)
		radio.End()
		os.Exit(1)
	}

	var timeout <-chan time.Time
	if *duration > 0 {
		// Allow the final window to drain.
		timeout = time.After(*duration + 500*time.Millisecond)
	}
	select {
	case <-sigCh:
	case <-timeout:
	}

	if err := radio.End(); err != nil {
		fmt.Printf("Error: %v\n", err)
	}

	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("\nDone! %d distinct transmitters:\n", len(seen))
	for mac, n := range seen {
		fmt.Printf("  %s  %d advertisements\n", mac, n)
	}
}
