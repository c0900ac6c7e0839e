package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/de-bayes/IL9/internal/snapshot"
)

// Scenario defines one recovery conformance case: the store fixture, the
// authoritative export, the pinned clock, and how recovery is triggered.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description,omitempty"`

	// Now pins the orchestrator clock. Any of the accepted timestamp
	// formats.
	Now string `yaml:"now"`

	// Step is the bridge cadence, e.g. "3m". Defaults to the production
	// cadence when empty.
	Step string `yaml:"step,omitempty"`

	// Source is the inline CSV export, header included.
	Source string `yaml:"source"`

	// Store seeds the live store before recovery runs.
	Store []StoreRecord `yaml:"store,omitempty"`

	// MarkerPresent seeds the recovery marker.
	MarkerPresent bool `yaml:"marker_present,omitempty"`

	// Force triggers a force recovery instead of run-if-needed.
	Force bool `yaml:"force,omitempty"`
}

// StoreRecord is one pre-seeded live snapshot.
type StoreRecord struct {
	Timestamp string         `yaml:"timestamp"`
	Synthetic bool           `yaml:"synthetic,omitempty"`
	Entries   []EntryFixture `yaml:"entries"`
}

// EntryFixture is one candidate value in a store fixture.
type EntryFixture struct {
	Name        string  `yaml:"name"`
	Probability float64 `yaml:"probability"`
	HasKalshi   bool    `yaml:"hasKalshi,omitempty"`
}

// LoadScenario reads and validates a single scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := sc.validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &sc, nil
}

// LoadScenarios reads every *.yaml scenario in dir, sorted by filename.
func LoadScenarios(dir string) ([]*Scenario, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("glob scenarios: %w", err)
	}
	sort.Strings(matches)

	var out []*Scenario
	for _, path := range matches {
		sc, err := LoadScenario(path)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func (sc *Scenario) validate() error {
	if sc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if sc.Source == "" {
		return fmt.Errorf("source is required")
	}
	if _, err := sc.now(); err != nil {
		return err
	}
	if _, err := sc.step(); err != nil {
		return err
	}
	for i, rec := range sc.Store {
		if _, err := snapshot.ParseTimestamp(rec.Timestamp); err != nil {
			return fmt.Errorf("store[%d]: %w", i, err)
		}
	}
	return nil
}

func (sc *Scenario) now() (time.Time, error) {
	t, err := snapshot.ParseTimestamp(sc.Now)
	if err != nil {
		return time.Time{}, fmt.Errorf("now: %w", err)
	}
	return t, nil
}

func (sc *Scenario) step() (time.Duration, error) {
	if sc.Step == "" {
		return 3 * time.Minute, nil
	}
	d, err := time.ParseDuration(sc.Step)
	if err != nil {
		return 0, fmt.Errorf("step: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("step must be positive, got %s", sc.Step)
	}
	return d, nil
}

// storeSnapshots converts the store fixtures to snapshots.
func (sc *Scenario) storeSnapshots() ([]snapshot.Snapshot, error) {
	out := make([]snapshot.Snapshot, 0, len(sc.Store))
	for i, rec := range sc.Store {
		ts, err := snapshot.ParseTimestamp(rec.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("store[%d]: %w", i, err)
		}
		entries := make([]snapshot.Entry, len(rec.Entries))
		for j, e := range rec.Entries {
			entries[j] = snapshot.Entry{
				Name:        e.Name,
				Probability: e.Probability,
				HasKalshi:   e.HasKalshi,
			}
		}
		out = append(out, snapshot.Snapshot{
			Timestamp: ts,
			Entries:   entries,
			Synthetic: rec.Synthetic,
		})
	}
	return out, nil
}
