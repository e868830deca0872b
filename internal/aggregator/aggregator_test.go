package aggregator

import (
	"strings"
	"testing"
	"time"

	"github.com/segfaultlabs/memhook/internal/ring"
)

func allocEvent(addr uint64, size uint32, sites ...uint64) ring.Event {
	ev := ring.Event{Address: addr, Size: size, Kind: ring.KindMalloc, BacktraceLen: uint32(len(sites)), Timestamp: 1}
	copy(ev.Backtrace[:], sites)
	return ev
}

func freeEvent(addr uint64, sites ...uint64) ring.Event {
	ev := ring.Event{Address: addr, Kind: ring.KindFree, BacktraceLen: uint32(len(sites)), Timestamp: 2}
	copy(ev.Backtrace[:], sites)
	return ev
}

// TestScenario1 covers two allocations (64 and 128 bytes) followed by
// the free of the first: 128 bytes stay live, total-allocations counts
// both, and the matched free is credited with the freed 64 bytes.
func TestScenario1(t *testing.T) {
	a := New(false)
	now := time.Now()

	a.Consume(allocEvent(0x1, 64, 0xA), now)
	a.Consume(allocEvent(0x2, 128, 0xA), now)
	a.Consume(freeEvent(0x1, 0xB), now)

	if got := a.CumulativeLiveBytes(); got != 128 {
		t.Fatalf("cumulative live = %d, want 128", got)
	}

	r := a.BuildReport()
	var total CallSiteEntry
	for _, e := range r.TotalAllocationsByCalls {
		if e.Address == 0xA {
			total = e
		}
	}
	if total.Stats.Calls != 2 || total.Stats.TotalBytes != 192 {
		t.Fatalf("total allocations at site 0xA = %+v, want calls=2 bytes=192", total.Stats)
	}

	var frees CallSiteEntry
	for _, e := range r.TotalFreesByCalls {
		if e.Address == 0xB {
			frees = e
		}
	}
	if frees.Stats.Calls != 1 || frees.Stats.TotalBytes != 64 {
		t.Fatalf("total frees at site 0xB = %+v, want calls=1 bytes=64 (matched allocation's size)", frees.Stats)
	}
}

// TestScenario2 covers reuse of an address after it has been freed: the
// second allocation's free must not be credited against the first.
func TestScenario2(t *testing.T) {
	a := New(false)
	now := time.Now()

	a.Consume(allocEvent(0x1000, 256, 0xA), now)
	a.Consume(freeEvent(0x1000, 0xB), now)
	a.Consume(allocEvent(0x1000, 512, 0xA), now)
	a.Consume(freeEvent(0x1000, 0xB), now)

	if got := a.CumulativeLiveBytes(); got != 0 {
		t.Fatalf("cumulative live = %d, want 0", got)
	}
	if got := a.LiveCount(); got != 0 {
		t.Fatalf("live count = %d, want 0", got)
	}

	r := a.BuildReport()
	var frees CallSiteEntry
	for _, e := range r.TotalFreesByCalls {
		if e.Address == 0xB {
			frees = e
		}
	}
	if frees.Stats.Calls != 2 {
		t.Fatalf("total frees calls = %d, want 2", frees.Stats.Calls)
	}
}

// TestScenario6 covers a free for an address that was never allocated:
// it must not touch current-allocations and still counts toward
// total-frees.
func TestScenario6(t *testing.T) {
	a := New(false)
	now := time.Now()

	a.Consume(freeEvent(0xDEAD, 0xC), now)

	if got := a.CumulativeLiveBytes(); got != 0 {
		t.Fatalf("cumulative live = %d, want 0", got)
	}
	r := a.BuildReport()
	for _, e := range r.CurrentAllocationsByCalls {
		if e.Address == 0xC {
			t.Fatalf("current-allocations should be unchanged by an unmatched free, found %+v", e)
		}
	}
	var frees CallSiteEntry
	for _, e := range r.TotalFreesByCalls {
		if e.Address == 0xC {
			frees = e
		}
	}
	if frees.Stats.Calls != 1 || frees.Stats.TotalBytes != 0 {
		t.Fatalf("unmatched free stats = %+v, want calls=1 bytes=0", frees.Stats)
	}
}

func TestCurrentAllocationsEqualsLiveBytesPerSite(t *testing.T) {
	a := New(false)
	now := time.Now()

	a.Consume(allocEvent(1, 10, 0x10), now)
	a.Consume(allocEvent(2, 20, 0x10), now)
	a.Consume(freeEvent(1, 0x20), now)

	r := a.BuildReport()
	var got CallSiteEntry
	for _, e := range r.CurrentAllocationsByBytes {
		if e.Address == 0x10 {
			got = e
		}
	}
	if got.Stats.TotalBytes != 20 {
		t.Fatalf("current allocations bytes at 0x10 = %d, want 20 (only the still-live 20-byte allocation)", got.Stats.TotalBytes)
	}
}

func TestZeroLengthBacktraceChangesNoCallSiteMaps(t *testing.T) {
	a := New(false)
	now := time.Now()
	a.Consume(allocEvent(1, 99), now) // no backtrace sites

	r := a.BuildReport()
	if len(r.TotalAllocationsByCalls) != 0 {
		t.Fatalf("expected no call-site entries for a zero-length backtrace, got %v", r.TotalAllocationsByCalls)
	}
	if a.CumulativeLiveBytes() != 99 {
		t.Fatalf("cumulative live bytes = %d, want 99", a.CumulativeLiveBytes())
	}
}

func TestTimestampNoneStampsOnArrival(t *testing.T) {
	a := New(true)
	arrival := time.Unix(0, 5000)
	ev := ring.Event{Address: 1, Size: 8, Kind: ring.KindMalloc, Timestamp: 0}
	a.Consume(ev, arrival)

	if len(a.eventLog) != 1 {
		t.Fatalf("expected one logged event, got %d", len(a.eventLog))
	}
	if a.eventLog[0].ev.Timestamp != uint64(arrival.UnixNano()) {
		t.Fatalf("expected arrival-stamped timestamp, got %d", a.eventLog[0].ev.Timestamp)
	}
}

func TestFlushLogOrdersByTimestampAndSummarizes(t *testing.T) {
	a := New(true)
	now := time.Now()

	ev1 := allocEvent(1, 10)
	ev1.Timestamp = 200
	ev2 := allocEvent(2, 20)
	ev2.Timestamp = 100

	a.Consume(ev1, now)
	a.Consume(ev2, now)

	var buf strings.Builder
	if err := a.FlushLog(&buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if strings.Index(out, "100 kind=") > strings.Index(out, "200 kind=") {
		t.Fatalf("expected timestamp 100 entry before 200 entry, got:\n%s", out)
	}
	if !strings.Contains(out, "summary: 2 event(s) logged") {
		t.Fatalf("expected summary line, got:\n%s", out)
	}
}
