package ring

import "encoding/binary"

// HeaderSize is the fixed 12-byte header preceding the slot array:
// head, tail, and overflow_count, each a 4-byte little-endian word.
const HeaderSize = 12

// Header is the producer/consumer-shared control block at offset 0 of the
// shared-memory region.
type Header struct {
	Head          uint32 // consumer index
	Tail          uint32 // producer index
	OverflowCount uint32 // producer-maintained
}

// Encode writes h into dst, which must be exactly HeaderSize bytes.
func (h Header) Encode(dst []byte) {
	if len(dst) != HeaderSize {
		panic("ring: Header.Encode: dst must be HeaderSize bytes")
	}
	binary.LittleEndian.PutUint32(dst[0:4], h.Head)
	binary.LittleEndian.PutUint32(dst[4:8], h.Tail)
	binary.LittleEndian.PutUint32(dst[8:12], h.OverflowCount)
}

// DecodeHeader reads a Header from src, which must be exactly HeaderSize
// bytes.
func DecodeHeader(src []byte) Header {
	if len(src) != HeaderSize {
		panic("ring: DecodeHeader: src must be HeaderSize bytes")
	}
	return Header{
		Head:          binary.LittleEndian.Uint32(src[0:4]),
		Tail:          binary.LittleEndian.Uint32(src[4:8]),
		OverflowCount: binary.LittleEndian.Uint32(src[8:12]),
	}
}

// CapacityForSize returns the number of record slots that fit in a region
// of totalSize bytes: (file_size - 12) / 192.
func CapacityForSize(totalSize int64) int {
	usable := totalSize - HeaderSize
	if usable <= 0 {
		return 0
	}
	return int(usable / RecordSize)
}

// SizeForCapacity returns the total shared-memory region size needed to
// hold capacity records.
func SizeForCapacity(capacity int) int64 {
	return HeaderSize + int64(capacity)*RecordSize
}
