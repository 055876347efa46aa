// Package store keeps race history and the team roster in an embedded
// badger database. Values are msgpack encoded under entity-prefixed keys:
//
//	RACE/<raceID>                      race summary
//	LAP/<raceID>/<unixnano>/<teamID>   one lap record
//	ROSTER/teams                       saved team list
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chaz8081/beaconlap/internal/lap"
	"github.com/chaz8081/beaconlap/internal/racelog"
)

const (
	raceEntity   = "RACE"
	lapEntity    = "LAP"
	rosterEntity = "ROSTER"
)

var rosterKey = []byte(rosterEntity + "/teams")

// ErrNotFound is returned when a race does not exist.
var ErrNotFound = errors.New("store: not found")

// Race summarizes one race session.
type Race struct {
	ID        string    `msgpack:"id" json:"id"`
	StartedAt time.Time `msgpack:"started_at" json:"started_at"`
	StoppedAt time.Time `msgpack:"stopped_at" json:"stopped_at"`
	Laps      int       `msgpack:"laps" json:"laps"`
}

// RosterEntry is the persisted part of a team.
type RosterEntry struct {
	ID     int    `msgpack:"id" json:"id"`
	Name   string `msgpack:"name" json:"name"`
	Beacon string `msgpack:"beacon" json:"beacon"`
}

// Store is a racelog.Writer backed by badger.
type Store struct {
	db *badger.DB
}

// Open opens or creates the database in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	slog.Info("[STORE] database opened", "path", dir)
	return &Store{db: db}, nil
}

// OpenInMemory opens a database that lives only in memory.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open in-memory: %w", err)
	}
	return &Store{db: db}, nil
}

func raceKey(id string) []byte {
	return []byte(fmt.Sprintf("%s/%s", raceEntity, id))
}

func lapPrefix(raceID string) []byte {
	return []byte(fmt.Sprintf("%s/%s/", lapEntity, raceID))
}

func lapKey(rec racelog.Record) []byte {
	return []byte(fmt.Sprintf("%s/%s/%020d/%04d", lapEntity, rec.RaceID, rec.Timestamp.UnixNano(), rec.TeamID))
}

func getValue(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, v)
	})
}

func setValue(txn *badger.Txn, key []byte, v any) error {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return txn.Set(key, buf)
}

// loadRace returns the stored race or a fresh one when absent.
func loadRace(txn *badger.Txn, id string) (Race, error) {
	var r Race
	err := getValue(txn, raceKey(id), &r)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Race{ID: id}, nil
	}
	return r, err
}

// Write persists a race record.
func (s *Store) Write(rec racelog.Record) error {
	if rec.RaceID == "" {
		return fmt.Errorf("store: record without race id")
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		race, err := loadRace(txn, rec.RaceID)
		if err != nil {
			return err
		}

		switch rec.Kind {
		case racelog.KindRaceStart:
			race.StartedAt = rec.Timestamp
		case racelog.KindRaceStop:
			race.StoppedAt = rec.Timestamp
		case racelog.KindLap:
			if err := setValue(txn, lapKey(rec), rec); err != nil {
				return err
			}
			race.Laps++
		default:
			return fmt.Errorf("unknown record kind %q", rec.Kind)
		}
		return setValue(txn, raceKey(rec.RaceID), race)
	})
	if err != nil {
		return fmt.Errorf("store: write %s: %w", rec.Kind, err)
	}
	return nil
}

// Flush syncs the value log to disk.
func (s *Store) Flush() error {
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("store: sync: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// Race returns one race summary.
func (s *Store) Race(id string) (Race, error) {
	var r Race
	err := s.db.View(func(txn *badger.Txn) error {
		return getValue(txn, raceKey(id), &r)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Race{}, ErrNotFound
	}
	if err != nil {
		return Race{}, fmt.Errorf("store: get race %s: %w", id, err)
	}
	return r, nil
}

// Races returns all race summaries, oldest first.
func (s *Store) Races() ([]Race, error) {
	var races []Race
	prefix := []byte(raceEntity + "/")

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r Race
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			races = append(races, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list races: %w", err)
	}
	return races, nil
}

// Laps returns the lap records of a race in time order.
func (s *Store) Laps(raceID string) ([]racelog.Record, error) {
	var laps []racelog.Record
	prefix := lapPrefix(raceID)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec racelog.Record
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			laps = append(laps, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list laps of %s: %w", raceID, err)
	}
	return laps, nil
}

// SaveRoster replaces the saved roster with the given teams. Only ID, name
// and beacon are kept.
func (s *Store) SaveRoster(teams []lap.Team) error {
	entries := make([]RosterEntry, 0, len(teams))
	for _, t := range teams {
		entries = append(entries, RosterEntry{ID: t.ID, Name: t.Name, Beacon: t.Beacon})
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return setValue(txn, rosterKey, entries)
	})
	if err != nil {
		return fmt.Errorf("store: save roster: %w", err)
	}
	return nil
}

// LoadRoster returns the saved roster, or nil when none was saved.
func (s *Store) LoadRoster() ([]RosterEntry, error) {
	var entries []RosterEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return getValue(txn, rosterKey, &entries)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load roster: %w", err)
	}
	return entries, nil
}

// RestoreRoster loads the saved roster into d. Entries that conflict with
// existing teams are skipped and reported in the returned error.
func (s *Store) RestoreRoster(d *lap.Detector) (int, error) {
	entries, err := s.LoadRoster()
	if err != nil {
		return 0, err
	}

	var errs []error
	restored := 0
	for _, e := range entries {
		if err := d.AddTeamWithID(e.ID, e.Name, e.Beacon); err != nil {
			errs = append(errs, fmt.Errorf("team %d: %w", e.ID, err))
			continue
		}
		restored++
	}
	return restored, errors.Join(errs...)
}

var _ racelog.Writer = (*Store)(nil)
