// Package page implements the binary layout of B+tree pages: the payload
// header, fence keys, the slot directory and the leaf/internal record codecs.
//
// Every function here is stateless and operates on the payload, which is the
// page with its storage header stripped (see Payload).
//
// PAYLOAD LAYOUT (all integers big-endian):
//
//	┌────────────────────────────────────────────────────────────────────┐
//	│ Header (48 bytes)                                                  │
//	│ Kind@0 Flags@1 SlotCount@2 FreeStart@4 FreeEnd@6                   │
//	│ Parent@8 RightSibling@16 LeftSibling@24                            │
//	│ LowFenceLen@32 HighFenceLen@40                                     │
//	├────────────────────────────────────────────────────────────────────┤
//	│ Low fence bytes | High fence bytes                                 │
//	├────────────────────────────────────────────────────────────────────┤
//	│ Arena: records and free gaps, grows forward →      [.., FreeStart) │
//	├────────────────────────────────────────────────────────────────────┤
//	│ Headroom                                     [FreeStart, FreeEnd)  │
//	├────────────────────────────────────────────────────────────────────┤
//	│ Slot directory ← grows backward, 4 bytes per slot  [FreeEnd, len)  │
//	│ Offset(2) Length(2) for slot 0, slot 1, ...                        │
//	└────────────────────────────────────────────────────────────────────┘
package page

import (
	"encoding/binary"
	"math"

	"github.com/maskdotdev/sombra-sub003/internal/base"
)

const (
	HeaderLen = 48
	SlotLen   = 4

	// FlagPrefixCompressed marks a leaf whose records store keys as a prefix
	// length plus suffix relative to the previous key.
	FlagPrefixCompressed uint8 = 0x01
)

const (
	kindOffset         = 0
	flagsOffset        = 1
	slotCountOffset    = 2
	freeStartOffset    = 4
	freeEndOffset      = 6
	parentOffset       = 8
	rightSiblingOffset = 16
	leftSiblingOffset  = 24
	lowFenceLenOffset  = 32
	highFenceLenOffset = 40
)

// Kind distinguishes leaf pages from internal pages.
type Kind uint8

const (
	KindLeaf     Kind = 1
	KindInternal Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// StorageKind maps a btree kind to the storage header kind.
func (k Kind) StorageKind() base.PageKind {
	if k == KindInternal {
		return base.KindBTreeInternal
	}
	return base.KindBTreeLeaf
}

// Header is the parsed payload header.
type Header struct {
	Kind         Kind
	Flags        uint8
	SlotCount    int
	FreeStart    int
	FreeEnd      int
	Parent       base.PageID
	RightSibling base.PageID
	LeftSibling  base.PageID
	LowFenceLen  int
	HighFenceLen int
}

// Payload strips the storage header from a full page.
func Payload(buf []byte) ([]byte, error) {
	if len(buf) < base.PageHeaderLen+HeaderLen {
		return nil, base.Corruptf("page of %d bytes cannot hold a btree payload", len(buf))
	}
	return buf[base.PageHeaderLen:], nil
}

// ParseHeader decodes and validates the payload header.
func ParseHeader(payload []byte) (Header, error) {
	if len(payload) < HeaderLen {
		return Header{}, base.Corruptf("payload shorter than header")
	}
	kind := Kind(payload[kindOffset])
	if kind != KindLeaf && kind != KindInternal {
		return Header{}, base.Corruptf("unknown btree page kind %d", payload[kindOffset])
	}
	n := len(payload)
	h := Header{
		Kind:         kind,
		Flags:        payload[flagsOffset],
		SlotCount:    int(readU16(payload, slotCountOffset)),
		FreeStart:    int(readU16(payload, freeStartOffset)),
		FreeEnd:      int(readU16(payload, freeEndOffset)),
		Parent:       readPageID(payload, parentOffset),
		RightSibling: readPageID(payload, rightSiblingOffset),
		LeftSibling:  readPageID(payload, leftSiblingOffset),
	}

	low := binary.BigEndian.Uint64(payload[lowFenceLenOffset:])
	high := binary.BigEndian.Uint64(payload[highFenceLenOffset:])
	if low > uint64(n) || high > uint64(n) {
		return Header{}, base.Corruptf("fence length out of range")
	}
	h.LowFenceLen, h.HighFenceLen = int(low), int(high)

	if h.FreeStart > h.FreeEnd || h.FreeEnd > n {
		return Header{}, base.Corruptf("free space pointers out of range: start=%d end=%d len=%d",
			h.FreeStart, h.FreeEnd, n)
	}
	if h.FencesEnd() > n {
		return Header{}, base.Corruptf("fence keys exceed payload")
	}
	if h.FreeStart < h.FencesEnd() {
		return Header{}, base.Corruptf("free_start %d overlaps fences ending at %d", h.FreeStart, h.FencesEnd())
	}
	if h.SlotCount*SlotLen > n-h.FreeEnd {
		return Header{}, base.Corruptf("slot directory of %d entries does not fit after free_end %d",
			h.SlotCount, h.FreeEnd)
	}
	return h, nil
}

// FencesEnd is the first byte after the fence keys, which is also where the
// record arena starts.
func (h Header) FencesEnd() int {
	return HeaderLen + h.LowFenceLen + h.HighFenceLen
}

// Compressed reports whether leaf records use prefix compression.
func (h Header) Compressed() bool {
	return h.Flags&FlagPrefixCompressed != 0
}

func (h Header) IsLeaf() bool {
	return h.Kind == KindLeaf
}

// Fences returns the low and high fence keys. An empty fence is unbounded.
func (h Header) Fences(payload []byte) (low, high []byte) {
	low = payload[HeaderLen : HeaderLen+h.LowFenceLen]
	high = payload[HeaderLen+h.LowFenceLen : h.FencesEnd()]
	return low, high
}

// Slots returns the slot directory view.
func (h Header) Slots(payload []byte) SlotDirectory {
	start := len(payload) - h.SlotCount*SlotLen
	return SlotDirectory{buf: payload[start:]}
}

// WriteInitialHeader zeroes payload and writes an empty page header.
func WriteInitialHeader(payload []byte, kind Kind) error {
	if len(payload) < HeaderLen {
		return base.Invalidf("payload buffer too small for header")
	}
	if len(payload) > math.MaxUint16 {
		return base.Invalidf("payload of %d bytes exceeds u16 offsets", len(payload))
	}
	clear(payload)
	payload[kindOffset] = byte(kind)
	payload[flagsOffset] = 0
	SetSlotCount(payload, 0)
	SetFreeStart(payload, HeaderLen)
	SetFreeEnd(payload, len(payload))
	return nil
}

// InitPage formats a freshly allocated page: storage kind plus an empty
// payload header.
func InitPage(buf []byte, kind Kind, flags uint8) error {
	payload, err := Payload(buf)
	if err != nil {
		return err
	}
	if err := WriteInitialHeader(payload, kind); err != nil {
		return err
	}
	SetFlags(payload, flags)
	base.SetPageKind(buf, kind.StorageKind())
	return nil
}

func SetFlags(payload []byte, flags uint8) {
	payload[flagsOffset] = flags
}

func SetSlotCount(payload []byte, n int) {
	writeU16(payload, slotCountOffset, n)
}

func SetFreeStart(payload []byte, off int) {
	writeU16(payload, freeStartOffset, off)
}

func SetFreeEnd(payload []byte, off int) {
	writeU16(payload, freeEndOffset, off)
}

func SetParent(payload []byte, id base.PageID) {
	binary.BigEndian.PutUint64(payload[parentOffset:], uint64(id))
}

func SetRightSibling(payload []byte, id base.PageID) {
	binary.BigEndian.PutUint64(payload[rightSiblingOffset:], uint64(id))
}

func SetLeftSibling(payload []byte, id base.PageID) {
	binary.BigEndian.PutUint64(payload[leftSiblingOffset:], uint64(id))
}

// SetFences writes both fence lengths and bytes. The caller must have moved
// the arena out of the way first.
func SetFences(payload []byte, low, high []byte) error {
	end := HeaderLen + len(low) + len(high)
	if end > len(payload) {
		return base.Invalidf("fences of %d bytes do not fit in payload", len(low)+len(high))
	}
	binary.BigEndian.PutUint64(payload[lowFenceLenOffset:], uint64(len(low)))
	binary.BigEndian.PutUint64(payload[highFenceLenOffset:], uint64(len(high)))
	copy(payload[HeaderLen:], low)
	copy(payload[HeaderLen+len(low):], high)
	return nil
}

// SetSlot writes slot i of a directory holding count entries.
func SetSlot(payload []byte, count, i int, s Slot) {
	off := len(payload) - count*SlotLen + i*SlotLen
	binary.BigEndian.PutUint16(payload[off:], s.Offset)
	binary.BigEndian.PutUint16(payload[off+2:], s.Length)
}

// SharedPrefixLen returns the length of the common prefix of a and b.
func SharedPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func readU16(payload []byte, off int) uint16 {
	return binary.BigEndian.Uint16(payload[off:])
}

func writeU16(payload []byte, off, v int) {
	binary.BigEndian.PutUint16(payload[off:], uint16(v))
}

func readPageID(payload []byte, off int) base.PageID {
	return base.PageID(binary.BigEndian.Uint64(payload[off:]))
}
