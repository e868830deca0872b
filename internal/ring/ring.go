package ring

import "encoding/binary"

// Buffer is the minimal surface Ring needs from its backing storage: a
// byte slice it can read and write directly (a memory-mapped shared
// region in production, a plain slice in tests). Keeping this as an
// interface over []byte rather than requiring an mmap handle directly is
// what lets the SPSC protocol below be exercised without touching
// /dev/shm at all.
type Buffer interface {
	Bytes() []byte
}

// memBuffer is a Buffer backed by an ordinary heap slice, used by tests
// and by any caller that wants the ring semantics without shared memory.
type memBuffer struct{ buf []byte }

// NewMemBuffer allocates a Buffer of the given total size.
func NewMemBuffer(size int64) Buffer {
	return &memBuffer{buf: make([]byte, size)}
}

func (m *memBuffer) Bytes() []byte { return m.buf }

// Ring wraps a Buffer laid out as a Header at offset 0 followed by
// capacity fixed-size slots.
type Ring struct {
	buf      Buffer
	capacity int
}

// Open wraps buf as a Ring, computing capacity from its length. buf must
// be at least HeaderSize bytes; returns a zero-capacity Ring otherwise
// rather than erroring, since a capacity of zero is itself a well-defined
// (if useless) ring.
func Open(buf Buffer) *Ring {
	return &Ring{buf: buf, capacity: CapacityForSize(int64(len(buf.Bytes())))}
}

// Capacity returns the number of record slots.
func (r *Ring) Capacity() int { return r.capacity }

func (r *Ring) headerBytes() []byte { return r.buf.Bytes()[0:HeaderSize] }

func (r *Ring) slotBytes(i int) []byte {
	off := HeaderSize + i*RecordSize
	return r.buf.Bytes()[off : off+RecordSize]
}

// readHeader and writeHeader are not atomic across fields by design: the
// producer only ever writes Tail and OverflowCount, the consumer only
// ever writes Head, so no field is both read by one party and
// concurrently written by the other except via the ordering rules
// documented on Producer.TryPush and Consumer.Drain below.
func (r *Ring) readHeader() Header   { return DecodeHeader(r.headerBytes()) }
func (r *Ring) writeHeader(h Header) { h.Encode(r.headerBytes()) }

// Producer is the single writer side of the ring: the hooked thread, with
// its own per-thread reentrancy guard ensuring only one logical producer
// ever calls TryPush at a time. A Go-side Producer exists so the
// protocol itself — not just the wire format — is testable without the
// C hook library.
type Producer struct {
	r *Ring
	// tail/overflow cache the last-known header fields so TryPush does
	// not need to decode the full header on every call; they are
	// authoritative because this producer is the header's sole writer
	// of Tail/OverflowCount.
	tail     uint32
	overflow uint32
}

// NewProducer creates a Producer over r, seeding its cached tail from the
// ring's current header (e.g. a fresh region starts at tail=0).
func NewProducer(r *Ring) *Producer {
	h := r.readHeader()
	return &Producer{r: r, tail: h.Tail, overflow: h.OverflowCount}
}

// TryPush writes ev into the ring. If the ring is full — (tail+1) mod
// capacity == head — the event is dropped and OverflowCount increments;
// TryPush never blocks, since the hook must never stall the hooked
// process on an allocator path.
//
// Ordering: the payload is written to the slot before the updated Tail
// and OverflowCount are written to the header. These are plain stores in
// program order; this Go-side producer uses no atomic operations or
// memory fences.
func (p *Producer) TryPush(ev Event) (dropped bool) {
	if p.r.capacity == 0 {
		p.overflow++
		p.publishHeader()
		return true
	}

	head := p.r.readHeader().Head
	next := (p.tail + 1) % uint32(p.r.capacity)
	if next == head {
		p.overflow++
		p.publishHeader()
		return true
	}

	// Payload write precedes the header publish below, so a consumer that
	// observes the new Tail has already observed a complete slot. In the
	// real deployment the producer lives in the hooked C process and this
	// ordering is enforced by the injected hook's own store sequence;
	// this Go-side Producer exists to make the same protocol
	// independently testable.
	ev.Encode(p.r.slotBytes(int(p.tail)))
	p.tail = next
	p.publishHeader()
	return false
}

func (p *Producer) publishHeader() {
	hb := p.r.headerBytes()
	binary.LittleEndian.PutUint32(hb[4:8], p.tail)
	binary.LittleEndian.PutUint32(hb[8:12], p.overflow)
}

// Consumer is the single reader side of the ring: the profiler's read
// loop.
type Consumer struct {
	r    *Ring
	head uint32
}

// NewConsumer creates a Consumer over r, seeding its cached head from the
// ring's current header.
func NewConsumer(r *Ring) *Consumer {
	h := r.readHeader()
	return &Consumer{r: r, head: h.Head}
}

// Drain reads every available record between the cached head and the
// current tail, invoking handle for each in order, then publishes the
// advanced head back to the header. It returns the number of records
// drained.
//
// A record whose Kind fails Valid() or whose BacktraceLen exceeds
// MaxBacktrace is ring corruption: Drain skips that slot, reports it
// through onCorruption (if non-nil, invoked at most once per call), and
// continues rather than aborting the drain.
func (c *Consumer) Drain(handle func(Event), onCorruption func(slot int)) int {
	if c.r.capacity == 0 {
		return 0
	}
	tail := c.r.readHeader().Tail
	n := 0
	warned := false
	for c.head != tail {
		ev := Decode(c.r.slotBytes(int(c.head)))
		if !ev.Kind.Valid() || ev.BacktraceLen > MaxBacktrace {
			if onCorruption != nil && !warned {
				onCorruption(int(c.head))
				warned = true
			}
		} else {
			handle(ev)
			n++
		}
		c.head = (c.head + 1) % uint32(c.r.capacity)
	}
	binary.LittleEndian.PutUint32(c.r.headerBytes()[0:4], c.head)
	return n
}

// OverflowCount returns the ring's current overflow counter, for
// surfacing as a warning line before aggregator report tables.
func (r *Ring) OverflowCount() uint32 { return r.readHeader().OverflowCount }

// Ring returns the Ring a Consumer reads from, so a caller can check
// OverflowCount between Drain calls.
func (c *Consumer) Ring() *Ring { return c.r }
