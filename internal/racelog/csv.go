package racelog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

var csvHeader = []string{"timestamp", "teamId", "teamName", "lapCount", "rssi", "lapTimeMs"}

// CSVWriter writes lap records to one CSV file per race, named
// race-<id>.csv inside dir.
type CSVWriter struct {
	dir    string
	raceID string
	f      *os.File
	cw     *csv.Writer
}

// NewCSVWriter creates dir if needed and returns a writer into it.
func NewCSVWriter(dir string) (*CSVWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("racelog: create log dir: %w", err)
	}
	return &CSVWriter{dir: dir}, nil
}

// Path returns the file used for a race.
func (w *CSVWriter) Path(raceID string) string {
	if raceID == "" {
		raceID = "unknown"
	}
	return filepath.Join(w.dir, "race-"+raceID+".csv")
}

func (w *CSVWriter) Write(rec Record) error {
	switch rec.Kind {
	case KindRaceStart:
		return w.open(rec.RaceID)
	case KindRaceStop:
		if w.f != nil && w.raceID == rec.RaceID {
			return w.closeFile()
		}
		return nil
	case KindLap:
		if w.f == nil || w.raceID != rec.RaceID {
			if err := w.open(rec.RaceID); err != nil {
				return err
			}
		}
		lapMS := ""
		if rec.LapTime >= 0 {
			lapMS = strconv.FormatInt(rec.LapTime.Milliseconds(), 10)
		}
		row := []string{
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.Itoa(rec.TeamID),
			rec.TeamName,
			strconv.Itoa(rec.LapCount),
			strconv.Itoa(rec.RSSI),
			lapMS,
		}
		if err := w.cw.Write(row); err != nil {
			return fmt.Errorf("racelog: write row: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("racelog: unknown record kind %q", rec.Kind)
	}
}

// open switches to the file for raceID, appending when it already exists.
func (w *CSVWriter) open(raceID string) error {
	if w.f != nil {
		if w.raceID == raceID {
			return nil
		}
		if err := w.closeFile(); err != nil {
			return err
		}
	}

	path := w.Path(raceID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("racelog: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("racelog: stat %s: %w", path, err)
	}

	w.f = f
	w.cw = csv.NewWriter(f)
	w.raceID = raceID

	if info.Size() == 0 {
		if err := w.cw.Write(csvHeader); err != nil {
			return fmt.Errorf("racelog: write header: %w", err)
		}
	}
	return nil
}

func (w *CSVWriter) Flush() error {
	if w.cw == nil {
		return nil
	}
	w.cw.Flush()
	if err := w.cw.Error(); err != nil {
		return fmt.Errorf("racelog: flush: %w", err)
	}
	return nil
}

func (w *CSVWriter) closeFile() error {
	flushErr := w.Flush()
	closeErr := w.f.Close()
	w.f = nil
	w.cw = nil
	w.raceID = ""
	return errors.Join(flushErr, closeErr)
}

func (w *CSVWriter) Close() error {
	if w.f == nil {
		return nil
	}
	return w.closeFile()
}

var _ Writer = (*CSVWriter)(nil)
