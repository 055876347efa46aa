// Package racelog records race events off the timing path. The lap detector
// hands records to a Sink, which must never block; a Queue moves them to a
// Writer on its own goroutine.
package racelog

import (
	"errors"
	"time"
)

// Kind identifies the type of a Record.
type Kind string

const (
	KindLap       Kind = "lap"
	KindRaceStart Kind = "race_start"
	KindRaceStop  Kind = "race_stop"
)

// Record is one race event. Team fields are empty for race start/stop.
type Record struct {
	Kind      Kind          `msgpack:"kind"`
	Timestamp time.Time     `msgpack:"ts"`
	RaceID    string        `msgpack:"race"`
	TeamID    int           `msgpack:"team_id,omitempty"`
	TeamName  string        `msgpack:"team_name,omitempty"`
	LapCount  int           `msgpack:"lap_count,omitempty"`
	RSSI      int           `msgpack:"rssi,omitempty"`
	LapTime   time.Duration `msgpack:"lap_time"` // negative when the lap has no duration
}

// Sink accepts records from the timing path.
type Sink interface {
	// Enqueue accepts a record without blocking. It never reports failure.
	Enqueue(Record)
	// Flush blocks until every record enqueued before the call is written.
	Flush() error
}

// Writer persists records. Calls come from a single goroutine.
type Writer interface {
	Write(Record) error
	Flush() error
	Close() error
}

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("racelog: queue closed")

type discard struct{}

func (discard) Enqueue(Record) {}
func (discard) Flush() error   { return nil }

// Discard is a Sink that drops every record.
var Discard Sink = discard{}

type multiWriter struct {
	writers []Writer
}

// MultiWriter writes each record to every writer, collecting all errors.
func MultiWriter(writers ...Writer) Writer {
	return &multiWriter{writers: writers}
}

func (m *multiWriter) Write(rec Record) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Write(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *multiWriter) Flush() error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *multiWriter) Close() error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
