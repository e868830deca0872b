// Package aggregator reconstructs allocation lifetimes and per-call-site
// statistics from the event stream the ring buffer yields. Each call
// site keeps running counters (calls, total bytes) rather than
// recomputing from a scan of live objects on every read.
package aggregator

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/segfaultlabs/memhook/internal/ring"
)

// LiveAllocation is a still-unfreed allocation, keyed by address.
type LiveAllocation struct {
	Size      uint32
	Timestamp uint64
	Backtrace []uint64
}

// CallSiteStats is the (calls, total_bytes) pair kept for each raw
// return address that ever appeared in a backtrace.
type CallSiteStats struct {
	Calls      uint64
	TotalBytes uint64
}

// Aggregator owns the four call-site maps and the live-allocation table,
// and answers report/flush queries against them.
type Aggregator struct {
	live map[uint64]LiveAllocation

	currentAllocations map[uint64]*CallSiteStats // delta on alloc / free-of-known
	totalAllocations   map[uint64]*CallSiteStats // monotonic on alloc
	currentFrees       map[uint64]*CallSiteStats // delta on free
	totalFrees         map[uint64]*CallSiteStats // monotonic on free

	cumulativeLiveBytes int64

	// eventLog, when non-nil, records every consumed event in arrival
	// order for a shutdown replay when a log file was configured.
	eventLog []loggedEvent

	lastOverflow uint32
}

type loggedEvent struct {
	ts time.Time
	ev ring.Event
}

// New creates an empty Aggregator. logEvents controls whether Consume
// retains a copy of every event for FlushLog; it should be enabled
// exactly when the Orchestrator was configured with an output file.
func New(logEvents bool) *Aggregator {
	a := &Aggregator{
		live:               make(map[uint64]LiveAllocation),
		currentAllocations: make(map[uint64]*CallSiteStats),
		totalAllocations:   make(map[uint64]*CallSiteStats),
		currentFrees:       make(map[uint64]*CallSiteStats),
		totalFrees:         make(map[uint64]*CallSiteStats),
	}
	if logEvents {
		a.eventLog = make([]loggedEvent, 0, 1024)
	}
	return a
}

func bump(m map[uint64]*CallSiteStats, addr uint64, calls int64, bytes int64) {
	s, ok := m[addr]
	if !ok {
		s = &CallSiteStats{}
		m[addr] = s
	}
	if calls >= 0 {
		s.Calls += uint64(calls)
	} else {
		if s.Calls < uint64(-calls) {
			s.Calls = 0
		} else {
			s.Calls -= uint64(-calls)
		}
	}
	if bytes >= 0 {
		s.TotalBytes += uint64(bytes)
	} else {
		if s.TotalBytes < uint64(-bytes) {
			s.TotalBytes = 0
		} else {
			s.TotalBytes -= uint64(-bytes)
		}
	}
}

// Consume applies one event to the aggregator's state. When ev.Timestamp
// is zero because the producer's timestamp method is "none", the
// consumer stamps arrival time here.
func (a *Aggregator) Consume(ev ring.Event, arrival time.Time) {
	if ev.Timestamp == 0 {
		ev.Timestamp = uint64(arrival.UnixNano())
	}

	if a.eventLog != nil {
		a.eventLog = append(a.eventLog, loggedEvent{ts: arrival, ev: ev})
	}

	bt := append([]uint64(nil), ev.Backtrace[:ev.BacktraceLen]...)

	switch {
	case ev.Kind.IsAlloc():
		a.live[ev.Address] = LiveAllocation{Size: ev.Size, Timestamp: ev.Timestamp, Backtrace: bt}
		a.cumulativeLiveBytes += int64(ev.Size)
		for _, site := range bt {
			bump(a.currentAllocations, site, 1, int64(ev.Size))
			bump(a.totalAllocations, site, 1, int64(ev.Size))
		}

	case ev.Kind.IsFree():
		if prior, ok := a.live[ev.Address]; ok {
			delete(a.live, ev.Address)
			a.cumulativeLiveBytes -= int64(prior.Size)
			// Current-allocations must describe where live bytes came
			// from, so the decrement is keyed by the *original*
			// allocation's backtrace, not the free's own — a
			// deliberate asymmetry.
			for _, site := range prior.Backtrace {
				bump(a.currentAllocations, site, -1, -int64(prior.Size))
			}
			for _, site := range bt {
				bump(a.currentFrees, site, 1, int64(prior.Size))
				bump(a.totalFrees, site, 1, int64(prior.Size))
			}
		} else {
			// Unmatched free: total-frees gains a call with size 0,
			// current-allocations is untouched.
			for _, site := range bt {
				bump(a.totalFrees, site, 1, 0)
			}
		}
	}
}

// NoteOverflow records the ring's overflow counter as observed at report
// time; every report built afterwards carries a warning line while the
// recorded count is non-zero.
func (a *Aggregator) NoteOverflow(count uint32) { a.lastOverflow = count }

// CumulativeLiveBytes returns the sum of sizes of allocations whose
// matching free has not been seen.
func (a *Aggregator) CumulativeLiveBytes() int64 { return a.cumulativeLiveBytes }

// LiveCount returns the number of currently-live allocations.
func (a *Aggregator) LiveCount() int { return len(a.live) }

// CallSiteEntry is one ranked row in a report view.
type CallSiteEntry struct {
	Address uint64
	Stats   CallSiteStats
}

func rank(m map[uint64]*CallSiteStats, byBytes bool) []CallSiteEntry {
	out := make([]CallSiteEntry, 0, len(m))
	for addr, s := range m {
		out = append(out, CallSiteEntry{Address: addr, Stats: *s})
	}
	sort.Slice(out, func(i, j int) bool {
		if byBytes {
			if out[i].Stats.TotalBytes != out[j].Stats.TotalBytes {
				return out[i].Stats.TotalBytes > out[j].Stats.TotalBytes
			}
		} else {
			if out[i].Stats.Calls != out[j].Stats.Calls {
				return out[i].Stats.Calls > out[j].Stats.Calls
			}
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Report is the four ranked views a periodic report emits:
// current-allocations by call count and by bytes, total-allocations both
// orderings, and total-frees both orderings.
type Report struct {
	CurrentAllocationsByCalls []CallSiteEntry
	CurrentAllocationsByBytes []CallSiteEntry
	TotalAllocationsByCalls   []CallSiteEntry
	TotalAllocationsByBytes   []CallSiteEntry
	TotalFreesByCalls         []CallSiteEntry
	TotalFreesByBytes         []CallSiteEntry
	CumulativeLiveBytes       int64
	LiveCount                 int
	OverflowCount             uint32
}

// BuildReport snapshots the aggregator's current state into a Report.
func (a *Aggregator) BuildReport() Report {
	return Report{
		CurrentAllocationsByCalls: rank(a.currentAllocations, false),
		CurrentAllocationsByBytes: rank(a.currentAllocations, true),
		TotalAllocationsByCalls:   rank(a.totalAllocations, false),
		TotalAllocationsByBytes:   rank(a.totalAllocations, true),
		TotalFreesByCalls:         rank(a.totalFrees, false),
		TotalFreesByBytes:         rank(a.totalFrees, true),
		CumulativeLiveBytes:       a.cumulativeLiveBytes,
		LiveCount:                 len(a.live),
		OverflowCount:             a.lastOverflow,
	}
}

// WriteText renders r as a textual report: an overflow warning line (if
// any), a line with the live allocation count and bytes, then the six
// ranked tables.
func (r Report) WriteText(w io.Writer) error {
	if r.OverflowCount > 0 {
		if _, err := fmt.Fprintf(w, "warning: ring reported %d dropped event(s)\n", r.OverflowCount); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "live: %d allocation(s), %d byte(s)\n\n", r.LiveCount, r.CumulativeLiveBytes); err != nil {
		return err
	}
	tables := []struct {
		title string
		rows  []CallSiteEntry
	}{
		{"current allocations by calls", r.CurrentAllocationsByCalls},
		{"current allocations by bytes", r.CurrentAllocationsByBytes},
		{"total allocations by calls", r.TotalAllocationsByCalls},
		{"total allocations by bytes", r.TotalAllocationsByBytes},
		{"total frees by calls", r.TotalFreesByCalls},
		{"total frees by bytes", r.TotalFreesByBytes},
	}
	for _, tb := range tables {
		if _, err := fmt.Fprintf(w, "%s:\n", tb.title); err != nil {
			return err
		}
		for _, row := range tb.rows {
			if _, err := fmt.Fprintf(w, "  0x%x  calls=%d bytes=%d\n", row.Address, row.Stats.Calls, row.Stats.TotalBytes); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushLog writes every consumed event in timestamp order followed by a
// final summary, for shutdown. LogIO errors are returned for the caller
// to report without aborting PLT restoration.
func (a *Aggregator) FlushLog(w io.Writer) error {
	events := append([]loggedEvent(nil), a.eventLog...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].ev.Timestamp < events[j].ev.Timestamp })

	for _, le := range events {
		if _, err := fmt.Fprintf(w, "%d kind=%s addr=0x%x size=%d backtrace_len=%d\n",
			le.ev.Timestamp, le.ev.Kind, le.ev.Address, le.ev.Size, le.ev.BacktraceLen); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "\nsummary: %d event(s) logged\n", len(events)); err != nil {
		return err
	}
	return a.BuildReport().WriteText(w)
}
