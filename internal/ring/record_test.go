package ring

import "testing"

func TestEventRoundTrip(t *testing.T) {
	ev := Event{
		Address:      0xdeadbeef,
		Timestamp:    123456789,
		Size:         128,
		BacktraceLen: 3,
		Kind:         KindMalloc,
	}
	ev.Backtrace[0] = 0x1000
	ev.Backtrace[1] = 0x2000
	ev.Backtrace[2] = 0x3000

	buf := make([]byte, RecordSize)
	ev.Encode(buf)
	got := Decode(buf)

	if got.Address != ev.Address || got.Size != ev.Size || got.Timestamp != ev.Timestamp ||
		got.BacktraceLen != ev.BacktraceLen || got.Kind != ev.Kind {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, ev)
	}
	for i := uint32(0); i < ev.BacktraceLen; i++ {
		if got.Backtrace[i] != ev.Backtrace[i] {
			t.Fatalf("backtrace[%d] mismatch: got %x want %x", i, got.Backtrace[i], ev.Backtrace[i])
		}
	}
}

func TestEventBacktraceZeroLength(t *testing.T) {
	ev := Event{Address: 1, Kind: KindFree, BacktraceLen: 0}
	buf := make([]byte, RecordSize)
	ev.Encode(buf)
	got := Decode(buf)
	if got.BacktraceLen != 0 {
		t.Fatalf("expected zero backtrace length, got %d", got.BacktraceLen)
	}
}

func TestEventBacktraceFullLength(t *testing.T) {
	ev := Event{Address: 1, Kind: KindNew, BacktraceLen: MaxBacktrace}
	for i := range ev.Backtrace {
		ev.Backtrace[i] = uint64(i + 1)
	}
	buf := make([]byte, RecordSize)
	ev.Encode(buf)
	got := Decode(buf)
	for i := 0; i < MaxBacktrace; i++ {
		if got.Backtrace[i] != uint64(i+1) {
			t.Fatalf("backtrace[%d] = %d, want %d", i, got.Backtrace[i], i+1)
		}
	}
}

func TestKindIsAllocIsFree(t *testing.T) {
	allocKinds := []Kind{KindMalloc, KindNew, KindNewArray, KindNewNoThrow}
	freeKinds := []Kind{KindFree, KindDelete, KindDeleteArray, KindDeleteNoThrow}
	for _, k := range allocKinds {
		if !k.IsAlloc() || k.IsFree() {
			t.Errorf("%s: expected IsAlloc true, IsFree false", k)
		}
	}
	for _, k := range freeKinds {
		if !k.IsFree() || k.IsAlloc() {
			t.Errorf("%s: expected IsFree true, IsAlloc false", k)
		}
	}
}

func TestKindValid(t *testing.T) {
	if !KindDeleteNoThrow.Valid() {
		t.Fatal("expected last closed-set kind to be valid")
	}
	if Kind(999).Valid() {
		t.Fatal("expected out-of-range kind to be invalid")
	}
}
