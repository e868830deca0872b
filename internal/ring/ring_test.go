package ring

import "testing"

func newTestRing(t *testing.T, capacity int) *Ring {
	t.Helper()
	buf := NewMemBuffer(SizeForCapacity(capacity))
	return Open(buf)
}

func TestCapacityForSize(t *testing.T) {
	r := newTestRing(t, 10)
	if r.Capacity() != 10 {
		t.Fatalf("capacity = %d, want 10", r.Capacity())
	}
}

func TestProducerConsumerBasicFlow(t *testing.T) {
	r := newTestRing(t, 4)
	p := NewProducer(r)
	c := NewConsumer(r)

	for i := 0; i < 3; i++ {
		if dropped := p.TryPush(Event{Address: uint64(i), Kind: KindMalloc}); dropped {
			t.Fatalf("unexpected drop at i=%d", i)
		}
	}

	var seen []uint64
	n := c.Drain(func(e Event) { seen = append(seen, e.Address) }, nil)
	if n != 3 {
		t.Fatalf("drained %d events, want 3", n)
	}
	for i, addr := range seen {
		if addr != uint64(i) {
			t.Fatalf("event %d address = %d, want %d", i, addr, i)
		}
	}
}

// TestOverflowDropsAndCounts exercises the full-ring boundary: at
// (tail+1) mod capacity == head the event is dropped, overflow_count
// increments by 1, and no payload bytes change.
func TestOverflowDropsAndCounts(t *testing.T) {
	capacity := 4
	r := newTestRing(t, capacity)
	p := NewProducer(r)

	// A consumer never drains, so the ring fills after capacity-1 pushes
	// (one slot is always kept empty to distinguish full from empty).
	for i := 0; i < capacity-1; i++ {
		if dropped := p.TryPush(Event{Address: uint64(i + 1), Kind: KindMalloc}); dropped {
			t.Fatalf("unexpected drop while ring has room, at i=%d", i)
		}
	}

	before := make([]byte, RecordSize)
	copy(before, r.slotBytes(int(r.readHeader().Tail)))

	dropped := p.TryPush(Event{Address: 0xFFFF, Kind: KindMalloc})
	if !dropped {
		t.Fatal("expected drop once ring is full")
	}
	if got := r.OverflowCount(); got != 1 {
		t.Fatalf("overflow count = %d, want 1", got)
	}
	after := r.slotBytes(int(r.readHeader().Tail))
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("payload bytes changed on a dropped push at offset %d", i)
		}
	}
}

// TestDrainAfterOverflowObservesCapacityMinusOne covers a stalled
// consumer: the producer writes capacity+3 events while the consumer
// never drains, then drains once — it should observe exactly capacity-1
// events with overflow_count >= 4.
func TestDrainAfterOverflowObservesCapacityMinusOne(t *testing.T) {
	capacity := 8
	r := newTestRing(t, capacity)
	p := NewProducer(r)
	c := NewConsumer(r)

	dropped := 0
	for i := 0; i < capacity+3; i++ {
		if p.TryPush(Event{Address: uint64(i), Kind: KindMalloc}) {
			dropped++
		}
	}

	n := c.Drain(func(Event) {}, nil)
	if n != capacity-1 {
		t.Fatalf("drained %d events, want %d", n, capacity-1)
	}
	if dropped < 4 {
		t.Fatalf("expected at least 4 drops, got %d", dropped)
	}
	if got := r.OverflowCount(); got < 4 {
		t.Fatalf("overflow count = %d, want >= 4", got)
	}
}

func TestDrainSkipsCorruptSlotAndContinues(t *testing.T) {
	r := newTestRing(t, 4)
	p := NewProducer(r)
	c := NewConsumer(r)

	p.TryPush(Event{Address: 1, Kind: KindMalloc})
	p.TryPush(Event{Address: 2, Kind: Kind(999)}) // invalid kind: ring corruption
	p.TryPush(Event{Address: 3, Kind: KindFree})

	var seen []uint64
	corrupted := 0
	n := c.Drain(func(e Event) { seen = append(seen, e.Address) }, func(int) { corrupted++ })

	if n != 2 {
		t.Fatalf("drained %d valid events, want 2", n)
	}
	if corrupted != 1 {
		t.Fatalf("corruption callback invoked %d times, want 1", corrupted)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 3 {
		t.Fatalf("unexpected surviving events: %v", seen)
	}
}

func TestDrainOnEmptyRingIsNoop(t *testing.T) {
	r := newTestRing(t, 4)
	c := NewConsumer(r)
	n := c.Drain(func(Event) { t.Fatal("handler should not be called") }, nil)
	if n != 0 {
		t.Fatalf("drained %d events from empty ring, want 0", n)
	}
}

func TestZeroCapacityRingAlwaysDrops(t *testing.T) {
	buf := NewMemBuffer(HeaderSize)
	r := Open(buf)
	if r.Capacity() != 0 {
		t.Fatalf("capacity = %d, want 0", r.Capacity())
	}
	p := NewProducer(r)
	if dropped := p.TryPush(Event{Address: 1}); !dropped {
		t.Fatal("expected drop on zero-capacity ring")
	}
	if r.OverflowCount() != 1 {
		t.Fatalf("overflow count = %d, want 1", r.OverflowCount())
	}
}
