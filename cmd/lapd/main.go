// Command lapd is the lap timing daemon. It scans for team beacons, counts
// laps at the checkpoint and serves the operator API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/beaconlap/internal/api"
	"github.com/chaz8081/beaconlap/internal/config"
	"github.com/chaz8081/beaconlap/internal/lap"
	"github.com/chaz8081/beaconlap/internal/racelog"
	"github.com/chaz8081/beaconlap/internal/store"
	"github.com/chaz8081/beaconlap/internal/timeutil"
	"github.com/chaz8081/beaconlap/internal/tracker"
	"github.com/chaz8081/beaconlap/internal/transport"
)

const raceTimerInterval = time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/beaconlap/config.yaml)")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		var initErr *transport.InitError
		if errors.As(err, &initErr) {
			log.Fatalf("%v\n\nCheck that Bluetooth is enabled and this process may use the %q radio backend.", err, initErr.Backend)
		}
		log.Fatalf("%v", err)
	}
	slog.Info("Goodbye!")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Race log writers: per-race CSV files and the history database.
	var writers []racelog.Writer
	if cfg.RaceLog.Dir != "" {
		csvw, err := racelog.NewCSVWriter(cfg.RaceLog.Dir)
		if err != nil {
			return err
		}
		writers = append(writers, csvw)
	}

	var history api.History
	var st *store.Store
	if cfg.Store.Path != "" {
		s, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		st = s
		history = s
		writers = append(writers, s)
	}

	queue := racelog.NewQueue(racelog.MultiWriter(writers...), racelog.QueueOptions{
		Size:          cfg.RaceLog.QueueSize,
		FlushInterval: cfg.RaceLog.FlushInterval,
	})
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Error("[LOG] close failed", "error", err)
		}
		if n := queue.Dropped(); n > 0 {
			slog.Warn("[LOG] records dropped during run", "count", n)
		}
	}()

	clock := timeutil.RealClock{}
	trk := tracker.New(tracker.Options{HistorySize: cfg.Tracker.HistorySize, Clock: clock})
	det := lap.NewDetector(lap.Options{
		NearRSSI:        cfg.Lap.RSSINear,
		FarRSSI:         cfg.Lap.RSSIFar,
		MinLapTime:      cfg.Lap.MinLapTime,
		MaxTeams:        cfg.Lap.MaxTeams,
		MaxRaceDuration: cfg.Lap.MaxRaceDuration,
		Clock:           clock,
	}, queue)
	det.SetRaceModeSetter(trk)
	trk.Subscribe(det.OnBeacon)

	if st != nil {
		n, err := st.RestoreRoster(det)
		if err != nil {
			slog.Warn("[STORE] roster partially restored", "error", err)
		}
		if n > 0 {
			slog.Info("[STORE] roster restored", "teams", n)
		}
	}

	var srv *api.Server
	var hub *api.Hub
	if cfg.API.Listen != "" {
		hub = api.NewHub()
		srv = api.NewServer(api.Options{
			Tracker:  trk,
			Detector: det,
			Hub:      hub,
			History:  history,
			PinHash:  cfg.API.OperatorPinHash,
		})
		det.SetLapCallback(srv.PublishLap)
	}

	radio, err := transport.New(&cfg.Transport, &cfg.Scan)
	if err != nil {
		return err
	}
	radio.SetObservationCallback(trk.OnObservation)
	if err := radio.Begin(); err != nil {
		return err
	}
	defer func() {
		if err := radio.End(); err != nil {
			slog.Error("[BLE] radio shutdown failed", "error", err)
		}
	}()
	if err := radio.StartScan(transport.Continuous); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	slog.Info("[BLE] scanning", "backend", backendName(cfg), "mac_prefix", cfg.Scan.MACPrefix, "rssi_threshold", cfg.Scan.RSSIThreshold)

	go trk.Run(ctx, cfg.Tracker.CleanupInterval, cfg.Tracker.BeaconTimeout)
	go raceTimer(ctx, det)

	slog.Info("Ready! Ctrl+C to quit.")
	if srv != nil {
		go hub.Run(ctx)
		if err := srv.ListenAndServe(ctx, cfg.API.Listen); err != nil {
			return err
		}
	} else {
		<-ctx.Done()
	}

	slog.Info("Shutting down...")
	det.StopRace()
	return nil
}

// raceTimer enforces the maximum race duration.
func raceTimer(ctx context.Context, det *lap.Detector) {
	ticker := time.NewTicker(raceTimerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			det.Tick(now)
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

func backendName(cfg *config.Config) string {
	if cfg.Transport.Backend == "" {
		return "tinygo"
	}
	return cfg.Transport.Backend
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== beaconlap ===")
	fmt.Printf("  Radio:    %s\n", backendName(cfg))
	if cfg.Transport.Backend == "serial" {
		fmt.Printf("  Serial:   %s @ %d baud\n", cfg.Transport.Serial.Port, cfg.Transport.Serial.BaudRate)
	}
	fmt.Printf("  Filter:   prefix %q, >= %d dBm\n", cfg.Scan.MACPrefix, cfg.Scan.RSSIThreshold)
	fmt.Printf("  Laps:     near %d / far %d dBm, min %s\n", cfg.Lap.RSSINear, cfg.Lap.RSSIFar, cfg.Lap.MinLapTime)
	fmt.Printf("  Logs:     %s\n", orOff(cfg.RaceLog.Dir))
	fmt.Printf("  Store:    %s\n", orOff(cfg.Store.Path))
	fmt.Printf("  API:      %s\n", orOff(cfg.API.Listen))
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("=================")
}

func orOff(s string) string {
	if s == "" {
		return "off"
	}
	return s
}
