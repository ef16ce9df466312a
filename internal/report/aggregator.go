// Package report accumulates repair outcomes into per-file and run-level
// summaries and renders them.
package report

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/wegman-software/jartic2geojson-go/internal/repair"
)

// ErrFinalized is returned when outcomes arrive after Finalize
var ErrFinalized = errors.New("summary already finalized")

// FileSummary holds the counts of one processed unit
type FileSummary struct {
	File             string                `json:"file"`
	Output           string                `json:"output,omitempty"`
	Total            int                   `json:"total"`
	AlreadyValid     int                   `json:"already_valid"`
	RepairedByMethod map[repair.Method]int `json:"repaired_by_method"`
	Unrepairable     int                   `json:"unrepairable"`
	Skipped          int                   `json:"skipped"`
	UnrepairableIDs  []string              `json:"unrepairable_ids,omitempty"`
	Failed           bool                  `json:"failed"`
	Error            string                `json:"error,omitempty"`
	DurationSeconds  float64               `json:"duration_seconds"`
}

// Repaired returns the number of invalid features a stage fixed
func (f *FileSummary) Repaired() int {
	n := 0
	for _, c := range f.RepairedByMethod {
		n += c
	}
	return n
}

func (f *FileSummary) add(o repair.Outcome) {
	f.Total++
	switch {
	case o.Skipped:
		f.Skipped++
	case o.OriginalValid:
		f.AlreadyValid++
	case o.Method == repair.MethodUnrepairable || !o.Success:
		f.Unrepairable++
		f.UnrepairableIDs = append(f.UnrepairableIDs, o.FeatureID)
	default:
		f.RepairedByMethod[o.Method]++
	}
}

func (f *FileSummary) clone() FileSummary {
	out := *f
	out.RepairedByMethod = make(map[repair.Method]int, len(f.RepairedByMethod))
	for k, v := range f.RepairedByMethod {
		out.RepairedByMethod[k] = v
	}
	out.UnrepairableIDs = append([]string(nil), f.UnrepairableIDs...)
	return out
}

// RunSummary is the read-only result of a whole run
type RunSummary struct {
	StartedAt        time.Time             `json:"started_at"`
	FinishedAt       time.Time             `json:"finished_at"`
	Files            []FileSummary         `json:"files"`
	Total            int                   `json:"total"`
	AlreadyValid     int                   `json:"already_valid"`
	Repaired         int                   `json:"repaired"`
	RepairedByMethod map[repair.Method]int `json:"repaired_by_method"`
	Unrepairable     int                   `json:"unrepairable"`
	Skipped          int                   `json:"skipped"`
	FailedUnits      int                   `json:"failed_units"`
	SuccessRate      float64               `json:"success_rate"`
}

// Invalid returns the number of features that were invalid on input
func (s RunSummary) Invalid() int {
	return s.Repaired + s.Unrepairable
}

// Aggregator collects outcomes from concurrent workers. Once finalized it
// rejects further input and always returns the same summary.
type Aggregator struct {
	mu      sync.Mutex
	started time.Time
	files   map[string]*FileSummary
	summary *RunSummary
	timeNow func() time.Time
}

// NewAggregator starts a run
func NewAggregator() *Aggregator {
	return &Aggregator{
		started: time.Now(),
		files:   make(map[string]*FileSummary),
		timeNow: time.Now,
	}
}

func (a *Aggregator) file(name string) *FileSummary {
	fs, ok := a.files[name]
	if !ok {
		fs = &FileSummary{File: name, RepairedByMethod: make(map[repair.Method]int)}
		a.files[name] = fs
	}
	return fs
}

// Add records outcomes for a file
func (a *Aggregator) Add(file string, outcomes ...repair.Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.summary != nil {
		return ErrFinalized
	}
	fs := a.file(file)
	for _, o := range outcomes {
		fs.add(o)
	}
	return nil
}

// FileDone records where a file's output went and how long it took
func (a *Aggregator) FileDone(file, output string, elapsed time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.summary != nil {
		return ErrFinalized
	}
	fs := a.file(file)
	fs.Output = output
	fs.DurationSeconds = elapsed.Seconds()
	return nil
}

// FileFailed marks a unit as failed. Outcomes already recorded for it are
// dropped since the unit produced no output.
func (a *Aggregator) FileFailed(file string, err error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.summary != nil {
		return ErrFinalized
	}
	fs := &FileSummary{File: file, RepairedByMethod: make(map[repair.Method]int), Failed: true}
	if err != nil {
		fs.Error = err.Error()
	}
	a.files[file] = fs
	return nil
}

// Finalize closes the run and returns the summary. Files are ordered by name.
func (a *Aggregator) Finalize() RunSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.summary == nil {
		s := &RunSummary{
			StartedAt:        a.started,
			FinishedAt:       a.timeNow(),
			RepairedByMethod: make(map[repair.Method]int),
		}

		names := make([]string, 0, len(a.files))
		for name := range a.files {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			fs := a.files[name]
			s.Files = append(s.Files, fs.clone())
			s.Total += fs.Total
			s.AlreadyValid += fs.AlreadyValid
			s.Unrepairable += fs.Unrepairable
			s.Skipped += fs.Skipped
			for m, c := range fs.RepairedByMethod {
				s.RepairedByMethod[m] += c
				s.Repaired += c
			}
			if fs.Failed {
				s.FailedUnits++
			}
		}

		s.SuccessRate = 100
		if invalid := s.Invalid(); invalid > 0 {
			s.SuccessRate = float64(s.Repaired) / float64(invalid) * 100
		}
		a.summary = s
	}

	return a.summary.copy()
}

func (s *RunSummary) copy() RunSummary {
	out := *s
	out.RepairedByMethod = make(map[repair.Method]int, len(s.RepairedByMethod))
	for k, v := range s.RepairedByMethod {
		out.RepairedByMethod[k] = v
	}
	out.Files = make([]FileSummary, len(s.Files))
	for i := range s.Files {
		out.Files[i] = s.Files[i].clone()
	}
	return out
}
