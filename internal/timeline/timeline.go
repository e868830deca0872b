// Package timeline presents the cumulative live-bytes series as either a
// discarded no-op or an HTTP JSON/SSE feed a plotting surface can poll or
// subscribe to. The plotting surface itself is out of scope; this
// package is the in-process producer that feeds one.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/segfaultlabs/memhook/internal/ring"
)

// Point is one sample in the cumulative-live-bytes series.
type Point struct {
	Time       time.Time `json:"time"`
	Cumulative int64     `json:"cumulative"`
	Kind       string    `json:"kind"`
}

// Sink receives timeline samples as events are consumed.
type Sink interface {
	AddEvent(t time.Time, cumulative int64, kind ring.Kind)
	Update()
}

// NullSink discards every sample; used when no graph was requested.
type NullSink struct{}

func (NullSink) AddEvent(time.Time, int64, ring.Kind) {}
func (NullSink) Update()                              {}

// Window bounds how much of the series a presenter keeps in memory and
// whether it auto-scrolls to the newest sample, independent of any HTTP
// transport — pure logic so it is testable without a server.
type Window struct {
	Span       time.Duration
	autoScroll bool
	cursor     time.Time
}

// NewWindow creates a Window of the given span, initially auto-scrolling.
func NewWindow(span time.Duration) *Window {
	return &Window{Span: span, autoScroll: true}
}

// Advance moves the window's cursor to now. If the window is
// auto-scrolling, the visible range always ends at now; a caller that
// has panned away (Pan) stops auto-scrolling until Resume is called.
func (w *Window) Advance(now time.Time) {
	if w.autoScroll {
		w.cursor = now
	}
}

// Pan moves the visible window to end at t and disables auto-scroll.
func (w *Window) Pan(t time.Time) {
	w.cursor = t
	w.autoScroll = false
}

// Resume re-enables auto-scroll; the next Advance snaps the cursor
// forward again.
func (w *Window) Resume() { w.autoScroll = true }

// AutoScrolling reports whether the window currently follows the newest
// sample.
func (w *Window) AutoScrolling() bool { return w.autoScroll }

// Visible reports the [start, end] bounds of the window given its
// current cursor.
func (w *Window) Visible() (start, end time.Time) {
	return w.cursor.Add(-w.Span), w.cursor
}

// HTTPSink serves a JSON snapshot of the series at /timeline and streams
// newly appended points as server-sent events at /timeline/stream.
type HTTPSink struct {
	mu     sync.Mutex
	points []Point
	window *Window

	subscribers map[chan Point]struct{}

	srv *http.Server
}

// NewHTTPSink creates a sink bounded to window's span; points older than
// the window are dropped on each Update.
func NewHTTPSink(window *Window) *HTTPSink {
	return &HTTPSink{
		window:      window,
		subscribers: make(map[chan Point]struct{}),
	}
}

func (s *HTTPSink) AddEvent(t time.Time, cumulative int64, kind ring.Kind) {
	p := Point{Time: t, Cumulative: cumulative, Kind: kind.String()}

	s.mu.Lock()
	s.points = append(s.points, p)
	for ch := range s.subscribers {
		select {
		case ch <- p:
		default:
		}
	}
	s.mu.Unlock()
}

// Update trims points outside the window's visible range and advances
// the window's cursor to the latest point's time.
func (s *HTTPSink) Update() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.points) == 0 {
		return
	}
	s.window.Advance(s.points[len(s.points)-1].Time)
	start, _ := s.window.Visible()
	kept := s.points[:0]
	for _, p := range s.points {
		if !p.Time.Before(start) {
			kept = append(kept, p)
		}
	}
	s.points = kept
}

func (s *HTTPSink) snapshot() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Point, len(s.points))
	copy(out, s.points)
	return out
}

func (s *HTTPSink) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshot())
}

func (s *HTTPSink) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	ch := make(chan Point, 16)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case p := <-ch:
			data, _ := json.Marshal(p)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// Serve starts an HTTP server on addr exposing /timeline and
// /timeline/stream, returning once ListenAndServe fails to bind (a
// startup error) or blocking until ctx is canceled.
func (s *HTTPSink) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/timeline", s.handleSnapshot)
	mux.HandleFunc("/timeline/stream", s.handleStream)
	s.srv = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
