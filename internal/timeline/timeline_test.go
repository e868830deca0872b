package timeline

import (
	"testing"
	"time"

	"github.com/segfaultlabs/memhook/internal/ring"
)

func TestNullSinkDiscardsEverything(t *testing.T) {
	var s NullSink
	s.AddEvent(time.Now(), 100, ring.KindMalloc)
	s.Update()
}

func TestWindowAutoScrollFollowsLatest(t *testing.T) {
	w := NewWindow(10 * time.Second)
	t0 := time.Unix(1000, 0)
	w.Advance(t0)
	start, end := w.Visible()
	if !end.Equal(t0) {
		t.Fatalf("end = %v, want %v", end, t0)
	}
	if !start.Equal(t0.Add(-10 * time.Second)) {
		t.Fatalf("start = %v, want %v", start, t0.Add(-10*time.Second))
	}
}

func TestWindowPanDisablesAutoScroll(t *testing.T) {
	w := NewWindow(10 * time.Second)
	t0 := time.Unix(1000, 0)
	w.Advance(t0)
	if !w.AutoScrolling() {
		t.Fatal("expected auto-scroll by default")
	}
	w.Pan(t0.Add(-5 * time.Second))
	if w.AutoScrolling() {
		t.Fatal("expected Pan to disable auto-scroll")
	}
	w.Advance(t0.Add(100 * time.Second))
	_, end := w.Visible()
	if !end.Equal(t0.Add(-5 * time.Second)) {
		t.Fatalf("Advance moved a panned window's cursor: end = %v", end)
	}
}

func TestWindowResumeReenablesAutoScroll(t *testing.T) {
	w := NewWindow(10 * time.Second)
	w.Pan(time.Unix(1000, 0))
	w.Resume()
	if !w.AutoScrolling() {
		t.Fatal("expected Resume to reenable auto-scroll")
	}
	later := time.Unix(2000, 0)
	w.Advance(later)
	_, end := w.Visible()
	if !end.Equal(later) {
		t.Fatalf("end = %v, want %v", end, later)
	}
}

func TestHTTPSinkUpdateTrimsOutsideWindow(t *testing.T) {
	w := NewWindow(5 * time.Second)
	s := NewHTTPSink(w)

	base := time.Unix(1000, 0)
	s.AddEvent(base, 10, ring.KindMalloc)
	s.AddEvent(base.Add(2*time.Second), 20, ring.KindMalloc)
	s.AddEvent(base.Add(10*time.Second), 30, ring.KindFree)

	s.Update()

	pts := s.snapshot()
	if len(pts) != 1 {
		t.Fatalf("points after trim = %d, want 1 (got %+v)", len(pts), pts)
	}
	if pts[0].Cumulative != 30 {
		t.Fatalf("surviving point cumulative = %d, want 30", pts[0].Cumulative)
	}
}

func TestHTTPSinkSnapshotIsACopy(t *testing.T) {
	w := NewWindow(time.Minute)
	s := NewHTTPSink(w)
	s.AddEvent(time.Now(), 5, ring.KindMalloc)

	snap := s.snapshot()
	snap[0].Cumulative = 999

	again := s.snapshot()
	if again[0].Cumulative == 999 {
		t.Fatal("snapshot must not alias internal storage")
	}
}
