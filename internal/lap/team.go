package lap

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// NoLapTime marks a lap duration that does not exist yet: the first lap of
// a race, or a best/worst time before a second lap is counted.
const NoLapTime time.Duration = -1

var (
	ErrDuplicateAssignment = errors.New("lap: beacon already assigned to another team")
	ErrDuplicateTeamID     = errors.New("lap: team id already in use")
	ErrTeamNotFound        = errors.New("lap: team not found")
	ErrTeamLimit           = errors.New("lap: team limit reached")
	ErrInvalidName         = errors.New("lap: team name must not be empty")
	ErrRaceActive          = errors.New("lap: race already running")
)

// Record is one counted lap.
type Record struct {
	Number   int           `json:"number"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"` // NoLapTime for the first lap
	RSSI     int           `json:"rssi"`     // smoothed RSSI at the crossing
}

// Team is a race entrant. Beacon holds the assigned MAC or UUID, or "" when
// unassigned.
type Team struct {
	ID        int           `json:"id"`
	Name      string        `json:"name"`
	Beacon    string        `json:"beacon"`
	LapCount  int           `json:"lap_count"`
	LastLapAt time.Time     `json:"last_lap_at"`
	BestLap   time.Duration `json:"best_lap"`
	WorstLap  time.Duration `json:"worst_lap"`
	TotalTime time.Duration `json:"total_time"`
	Laps      []Record      `json:"laps"`
}

func newTeam(id int, name, beacon string) *Team {
	t := &Team{ID: id, Name: name, Beacon: beacon}
	t.reset()
	return t
}

func (t *Team) reset() {
	t.LapCount = 0
	t.LastLapAt = time.Time{}
	t.BestLap = NoLapTime
	t.WorstLap = NoLapTime
	t.TotalTime = 0
	t.Laps = nil
}

// addLap counts a lap at now. prev is the previous lap time for the
// team's beacon, zero when this is the first.
func (t *Team) addLap(now, prev time.Time, rssi int) Record {
	t.LapCount++
	rec := Record{Number: t.LapCount, At: now, Duration: NoLapTime, RSSI: rssi}

	if !prev.IsZero() {
		d := now.Sub(prev)
		rec.Duration = d
		t.TotalTime += d
		if t.BestLap == NoLapTime || d < t.BestLap {
			t.BestLap = d
		}
		if d > t.WorstLap {
			t.WorstLap = d
		}
	}

	t.LastLapAt = now
	t.Laps = append(t.Laps, rec)
	return rec
}

func (t *Team) clone() Team {
	c := *t
	if t.Laps != nil {
		c.Laps = make([]Record, len(t.Laps))
		copy(c.Laps, t.Laps)
	}
	return c
}

// HasBestLap reports whether a lap duration has been recorded.
func (t Team) HasBestLap() bool {
	return t.BestLap != NoLapTime
}

// AverageLap returns the mean timed lap, or NoLapTime before the second lap.
func (t Team) AverageLap() time.Duration {
	timed := 0
	for _, r := range t.Laps {
		if r.Duration != NoLapTime {
			timed++
		}
	}
	if timed == 0 {
		return NoLapTime
	}
	return t.TotalTime / time.Duration(timed)
}

// SortLeaderboard orders teams by lap count descending, then best lap
// ascending with teams lacking a best lap after those that have one, then
// by ID.
func SortLeaderboard(teams []Team) {
	sort.SliceStable(teams, func(i, j int) bool {
		a, b := teams[i], teams[j]
		if a.LapCount != b.LapCount {
			return a.LapCount > b.LapCount
		}
		if a.HasBestLap() != b.HasBestLap() {
			return a.HasBestLap()
		}
		if a.HasBestLap() && a.BestLap != b.BestLap {
			return a.BestLap < b.BestLap
		}
		return a.ID < b.ID
	})
}

// WriteLapsCSV writes every lap of every team, one row per lap.
func WriteLapsCSV(w io.Writer, teams []Team) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"teamId", "teamName", "lap", "timestamp", "lapTimeMs", "rssi"}); err != nil {
		return fmt.Errorf("lap: write csv header: %w", err)
	}
	for _, t := range teams {
		for _, r := range t.Laps {
			lapMS := ""
			if r.Duration != NoLapTime {
				lapMS = strconv.FormatInt(r.Duration.Milliseconds(), 10)
			}
			row := []string{
				strconv.Itoa(t.ID),
				t.Name,
				strconv.Itoa(r.Number),
				r.At.UTC().Format(time.RFC3339Nano),
				lapMS,
				strconv.Itoa(r.RSSI),
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("lap: write csv row: %w", err)
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("lap: flush csv: %w", err)
	}
	return nil
}
