// Package ring implements the wire format and lock-free single-producer /
// single-consumer ring buffer that carries allocation events out of the
// hooked target process. The ring must *drop* on overflow rather than
// overwrite, because the slot at `head` may still be mid-read by the
// consumer when the producer is a separate process with no shared
// mutex; TryPush/Drain's index arithmetic otherwise follows the familiar
// modulo-capacity idiom.
package ring

import "encoding/binary"

// Kind is the closed set of allocator event discriminants a hook can
// report.
type Kind uint32

const (
	KindMalloc Kind = iota
	KindNew
	KindNewArray
	KindNewNoThrow
	KindFree
	KindDelete
	KindDeleteArray
	KindDeleteNoThrow
)

// String renders a Kind for diagnostics and report headers.
func (k Kind) String() string {
	switch k {
	case KindMalloc:
		return "MALLOC"
	case KindNew:
		return "NEW"
	case KindNewArray:
		return "NEW_ARRAY"
	case KindNewNoThrow:
		return "NEW_NO_THROW"
	case KindFree:
		return "FREE"
	case KindDelete:
		return "DELETE"
	case KindDeleteArray:
		return "DELETE_ARRAY"
	case KindDeleteNoThrow:
		return "DELETE_NO_THROW"
	default:
		return "UNKNOWN"
	}
}

// IsAlloc reports whether k is one of the allocation-kind discriminants.
func (k Kind) IsAlloc() bool {
	switch k {
	case KindMalloc, KindNew, KindNewArray, KindNewNoThrow:
		return true
	default:
		return false
	}
}

// IsFree reports whether k is one of the free-kind discriminants.
func (k Kind) IsFree() bool {
	switch k {
	case KindFree, KindDelete, KindDeleteArray, KindDeleteNoThrow:
		return true
	default:
		return false
	}
}

// Valid reports whether k is one of the eight closed discriminants; a
// record whose Kind fails this check is ring corruption.
func (k Kind) Valid() bool { return k <= KindDeleteNoThrow }

// MaxBacktrace is the pragmatic ceiling on return-address slots per event.
const MaxBacktrace = 20

// RecordSize is the fixed per-slot stride: a 32-byte prefix plus
// MaxBacktrace 8-byte words, so the producer never needs a metadata pass
// to compute a slot offset.
const RecordSize = 32 + 8*MaxBacktrace

// Event is the wire record: one allocation or free observation plus its
// capturing backtrace.
type Event struct {
	Address      uint64
	Timestamp    uint64
	Size         uint32
	BacktraceLen uint32
	Kind         Kind
	Backtrace    [MaxBacktrace]uint64
}

// Encode writes e into dst, which must be exactly RecordSize bytes.
// Unused backtrace slots beyond BacktraceLen are zero-filled, but that is
// only so two Encode calls of the same logical event are byte-identical
// for the round-trip test — callers must still only trust
// Backtrace[:BacktraceLen], never treat the zero-fill as a read
// guarantee.
func (e Event) Encode(dst []byte) {
	if len(dst) != RecordSize {
		panic("ring: Encode: dst must be RecordSize bytes")
	}
	binary.LittleEndian.PutUint64(dst[0:8], e.Address)
	binary.LittleEndian.PutUint64(dst[8:16], e.Timestamp)
	binary.LittleEndian.PutUint32(dst[16:20], e.Size)
	binary.LittleEndian.PutUint32(dst[20:24], e.BacktraceLen)
	binary.LittleEndian.PutUint32(dst[24:28], uint32(e.Kind))
	// dst[28:32] reserved/padding, left zero.
	for i := 0; i < MaxBacktrace; i++ {
		off := 32 + i*8
		var v uint64
		if uint32(i) < e.BacktraceLen {
			v = e.Backtrace[i]
		}
		binary.LittleEndian.PutUint64(dst[off:off+8], v)
	}
}

// Decode reads an Event from src, which must be exactly RecordSize bytes.
// It reads every backtrace slot regardless of BacktraceLen. Only the
// Go-side Encode above zero-fills the unused tail; the C hook library
// leaves those slots unwritten, so callers must only trust
// Backtrace[:BacktraceLen].
func Decode(src []byte) Event {
	if len(src) != RecordSize {
		panic("ring: Decode: src must be RecordSize bytes")
	}
	e := Event{
		Address:      binary.LittleEndian.Uint64(src[0:8]),
		Timestamp:    binary.LittleEndian.Uint64(src[8:16]),
		Size:         binary.LittleEndian.Uint32(src[16:20]),
		BacktraceLen: binary.LittleEndian.Uint32(src[20:24]),
		Kind:         Kind(binary.LittleEndian.Uint32(src[24:28])),
	}
	for i := 0; i < MaxBacktrace; i++ {
		off := 32 + i*8
		e.Backtrace[i] = binary.LittleEndian.Uint64(src[off : off+8])
	}
	return e
}
