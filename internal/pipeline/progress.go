package pipeline

import (
	"fmt"
	"time"
)

// ProgressTracker estimates completion of a repair run. Percentage and ETA
// follow input bytes of finished files; throughput follows features.
type ProgressTracker struct {
	totalBytes  int64
	startTime   time.Time
	description string
}

// NewProgressTracker starts the clock for totalBytes of input
func NewProgressTracker(totalBytes int64, description string) *ProgressTracker {
	return &ProgressTracker{
		totalBytes:  totalBytes,
		startTime:   time.Now(),
		description: description,
	}
}

// Progress is a point-in-time estimate
type Progress struct {
	Features    int64
	Percentage  float64
	Elapsed     time.Duration
	ETA         time.Duration
	Throughput  float64 // features per second
	Description string
}

// Calculate estimates progress after features were repaired and bytesDone
// of input was consumed
func (p *ProgressTracker) Calculate(features, bytesDone int64) Progress {
	elapsed := time.Since(p.startTime)
	prog := Progress{
		Features:    features,
		Elapsed:     elapsed.Round(time.Second),
		Description: p.description,
	}
	secs := elapsed.Seconds()
	if secs <= 0 {
		return prog
	}
	prog.Throughput = float64(features) / secs

	if p.totalBytes <= 0 || bytesDone <= 0 {
		return prog
	}
	prog.Percentage = float64(bytesDone) / float64(p.totalBytes) * 100
	if bytesDone < p.totalBytes {
		remaining := float64(p.totalBytes-bytesDone) / (float64(bytesDone) / secs)
		prog.ETA = time.Duration(remaining * float64(time.Second)).Round(time.Second)
	}
	return prog
}

// FormatETA renders d as "1h 2m 3s", "2m 3s" or "3s"
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}
	d = d.Round(time.Second)
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatThroughput renders features per second
func FormatThroughput(perSec float64) string {
	if perSec >= 1_000 {
		return fmt.Sprintf("%.1fK/s", perSec/1_000)
	}
	return fmt.Sprintf("%.0f/s", perSec)
}

// FormatBytes renders a size with a binary unit
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	value, exp := float64(n)/unit, 0
	for value >= unit && exp < 2 {
		value /= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", value, "KMG"[exp])
}
