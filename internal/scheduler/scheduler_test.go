package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptedMonitor returns readings in order, repeating the last one
type scriptedMonitor struct {
	readings []float64
	err      error
	calls    int
}

func (m *scriptedMonitor) MemoryPercent() (float64, error) {
	if m.err != nil {
		return 0, m.err
	}
	i := m.calls
	if i >= len(m.readings) {
		i = len(m.readings) - 1
	}
	m.calls++
	return m.readings[i], nil
}

func newTestScheduler(m Monitor, target int) (*Scheduler, *[]time.Duration) {
	s := New(m, target, 80, Options{}, nil)
	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return s, &delays
}

func TestShrinkUnderPressure(t *testing.T) {
	s, _ := newTestScheduler(&scriptedMonitor{readings: []float64{95}}, 1000)

	var sizes []int
	for i := 0; i < 4; i++ {
		n, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		sizes = append(sizes, n)
	}

	want := []int{500, 250, 125, 62}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("step %d: expected %d, got %d", i, want[i], sizes[i])
		}
	}
}

func TestNeverBelowMinimum(t *testing.T) {
	s, _ := newTestScheduler(&scriptedMonitor{readings: []float64{99}}, 3)

	for i := 0; i < 5; i++ {
		n, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if n < 1 {
			t.Fatalf("chunk size fell below 1: %d", n)
		}
	}
}

func TestRestoreNeverAboveTarget(t *testing.T) {
	m := &scriptedMonitor{readings: []float64{90, 90, 90, 10}}
	s, _ := newTestScheduler(m, 1000)

	for i := 0; i < 10; i++ {
		n, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if n > 1000 {
			t.Fatalf("chunk size %d exceeds target", n)
		}
	}
	if s.Current() != 1000 {
		t.Errorf("expected chunk size restored to 1000, got %d", s.Current())
	}
}

func TestHoldsInsideHeadroom(t *testing.T) {
	m := &scriptedMonitor{readings: []float64{90, 75, 75}}
	s, _ := newTestScheduler(m, 100)

	s.Next(context.Background())
	n, _ := s.Next(context.Background())
	if n != 50 {
		t.Errorf("expected size to hold at 50 between limit and headroom, got %d", n)
	}
}

func TestPauseWithBackoff(t *testing.T) {
	// At minimum size: three high readings during the pause, then relief
	m := &scriptedMonitor{readings: []float64{95, 95, 95, 95, 50}}
	s, delays := newTestScheduler(m, 1)

	n, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected minimum size, got %d", n)
	}

	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d polls, got %v", len(want), *delays)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("poll %d: expected %v, got %v", i, want[i], (*delays)[i])
		}
	}
	if _, pauses := s.Stats(); pauses != 1 {
		t.Errorf("expected 1 pause, got %d", pauses)
	}
}

func TestPauseBounded(t *testing.T) {
	s, delays := newTestScheduler(&scriptedMonitor{readings: []float64{99}}, 1)

	if _, err := s.Next(context.Background()); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(*delays) != 20 {
		t.Errorf("expected 20 polls, got %d", len(*delays))
	}
	for _, d := range *delays {
		if d > 2*time.Second {
			t.Errorf("delay %v exceeds cap", d)
		}
	}
}

func TestPauseCancelled(t *testing.T) {
	s, _ := newTestScheduler(&scriptedMonitor{readings: []float64{99}}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancelled context to be reported, got %v", err)
	}
}

func TestSamplingErrorIsNoPressure(t *testing.T) {
	s, delays := newTestScheduler(&scriptedMonitor{err: errors.New("no /proc")}, 200)

	n, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if n != 200 || len(*delays) != 0 {
		t.Errorf("expected unchanged size without pausing, got %d after %d polls", n, len(*delays))
	}
}
