package page

import (
	"encoding/binary"
	"slices"

	"github.com/maskdotdev/sombra-sub003/internal/base"
)

// Slot points at one record in the arena.
type Slot struct {
	Offset uint16
	Length uint16
}

func (s Slot) End() int {
	return int(s.Offset) + int(s.Length)
}

// SlotDirectory is a read-only view over the tail-anchored slot array.
type SlotDirectory struct {
	buf []byte
}

func (d SlotDirectory) Len() int {
	return len(d.buf) / SlotLen
}

// Get returns slot i.
func (d SlotDirectory) Get(i int) (Slot, error) {
	if i < 0 || i >= d.Len() {
		return Slot{}, base.Invalidf("slot index %d out of range [0,%d)", i, d.Len())
	}
	return d.at(i), nil
}

// Extent returns the [start, end) byte range of slot i.
func (d SlotDirectory) Extent(i int) (start, end int, err error) {
	s, err := d.Get(i)
	if err != nil {
		return 0, 0, err
	}
	return int(s.Offset), s.End(), nil
}

// Each calls fn for every slot in directory order until fn returns false.
func (d SlotDirectory) Each(fn func(i int, s Slot) bool) {
	for i := 0; i < d.Len(); i++ {
		if !fn(i, d.at(i)) {
			return
		}
	}
}

func (d SlotDirectory) at(i int) Slot {
	off := i * SlotLen
	return Slot{
		Offset: binary.BigEndian.Uint16(d.buf[off:]),
		Length: binary.BigEndian.Uint16(d.buf[off+2:]),
	}
}

// Extent is the concrete byte range occupied by one slot's record.
type Extent struct {
	Start int
	End   int
	Slot  int
}

func (e Extent) Len() int {
	return e.End - e.Start
}

// Extents caches the record ranges of a page for the duration of one visit.
// Construction validates the whole directory once so later lookups are O(1).
type Extents struct {
	payload []byte
	bySlot  []Extent
	sorted  []Extent
}

// NewExtents computes and validates all record extents of the page.
func NewExtents(h Header, payload []byte) (*Extents, error) {
	dir := h.Slots(payload)
	e := &Extents{
		payload: payload,
		bySlot:  make([]Extent, dir.Len()),
	}
	arena := h.FencesEnd()
	for i := 0; i < dir.Len(); i++ {
		s := dir.at(i)
		ext := Extent{Start: int(s.Offset), End: s.End(), Slot: i}
		if s.Length == 0 {
			return nil, base.Corruptf("slot %d has zero length", i)
		}
		if ext.Start < arena {
			return nil, base.Corruptf("slot %d at %d overlaps fence keys ending at %d", i, ext.Start, arena)
		}
		if ext.End > h.FreeStart {
			return nil, base.Corruptf("slot %d extent [%d,%d) exceeds free_start %d", i, ext.Start, ext.End, h.FreeStart)
		}
		e.bySlot[i] = ext
	}

	e.sorted = slices.Clone(e.bySlot)
	slices.SortFunc(e.sorted, func(a, b Extent) int {
		return a.Start - b.Start
	})
	for i := 1; i < len(e.sorted); i++ {
		prev, cur := e.sorted[i-1], e.sorted[i]
		if cur.Start < prev.End {
			return nil, base.Corruptf("slot %d extent [%d,%d) overlaps slot %d extent [%d,%d)",
				cur.Slot, cur.Start, cur.End, prev.Slot, prev.Start, prev.End)
		}
	}
	return e, nil
}

func (e *Extents) Len() int {
	return len(e.bySlot)
}

// At returns the extent of slot i. i must be in range.
func (e *Extents) At(i int) Extent {
	return e.bySlot[i]
}

// Record returns the record bytes of slot i. i must be in range.
func (e *Extents) Record(i int) []byte {
	ext := e.bySlot[i]
	return e.payload[ext.Start:ext.End:ext.End]
}

// Sorted returns the extents ordered by start offset. Callers must not
// modify the result.
func (e *Extents) Sorted() []Extent {
	return e.sorted
}

// Used returns the number of arena bytes held by live records.
func (e *Extents) Used() int {
	total := 0
	for _, ext := range e.bySlot {
		total += ext.Len()
	}
	return total
}
