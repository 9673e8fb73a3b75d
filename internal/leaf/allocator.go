// Package leaf edits the slot directory and record arena of a single leaf
// page in place, moving as few bytes as possible.
package leaf

import (
	"math"
	"slices"
	"sync"

	"github.com/maskdotdev/sombra-sub003/internal/base"
	"github.com/maskdotdev/sombra-sub003/internal/page"
)

// Region is a reusable gap inside the record arena. Regions are never
// persisted; they are derived from the slot directory on Open.
type Region struct {
	Start int
	End   int
}

func (r Region) Len() int {
	return r.End - r.Start
}

// Stats counts data movement performed by one allocator.
type Stats struct {
	BytesMoved  int
	Compactions int
}

var scratchPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, base.DefaultPageSize)
		return &b
	},
}

// Allocator mutates one leaf payload. It is not safe for concurrent use and
// must not outlive the page visit it was opened for.
type Allocator struct {
	payload []byte
	hdr     page.Header
	free    []Region // sorted by Start, never adjacent
	stats   Stats
}

// Open parses the leaf and rebuilds the free region list from its slots.
func Open(payload []byte) (*Allocator, error) {
	h, err := page.ParseHeader(payload)
	if err != nil {
		return nil, err
	}
	if h.Kind != page.KindLeaf {
		return nil, base.Invalidf("allocator opened on %s page", h.Kind)
	}
	ext, err := page.NewExtents(h, payload)
	if err != nil {
		return nil, err
	}

	a := &Allocator{payload: payload, hdr: h}
	cursor := h.FencesEnd()
	for _, e := range ext.Sorted() {
		if e.Start > cursor {
			a.free = append(a.free, Region{Start: cursor, End: e.Start})
		}
		cursor = e.End
	}
	if h.FreeStart > cursor {
		a.free = append(a.free, Region{Start: cursor, End: h.FreeStart})
	}

	// Reclaim any dead bytes between free_end and the directory.
	if dir := a.dirStart(h.SlotCount); a.hdr.FreeEnd != dir {
		a.hdr.FreeEnd = dir
		page.SetFreeEnd(a.payload, dir)
	}
	return a, nil
}

func (a *Allocator) Header() page.Header {
	return a.hdr
}

func (a *Allocator) Len() int {
	return a.hdr.SlotCount
}

func (a *Allocator) Stats() Stats {
	return a.stats
}

// FreeRegions returns a copy of the tracked gaps.
func (a *Allocator) FreeRegions() []Region {
	return slices.Clone(a.free)
}

// FreeBytes is the space available to new records and slots after a full
// compaction.
func (a *Allocator) FreeBytes() int {
	return a.hdr.FreeEnd - a.hdr.FreeStart + a.gapBytes()
}

// Record returns the bytes of slot i.
func (a *Allocator) Record(i int) ([]byte, error) {
	s, err := a.slots().Get(i)
	if err != nil {
		return nil, err
	}
	return a.payload[s.Offset:s.End()], nil
}

// InsertSlot stores rec and inserts a slot pointing at it at index i.
// Space comes from the smallest fitting free region, then the headroom at
// free_start, then a compaction that leaves a gap at position i.
func (a *Allocator) InsertSlot(i int, rec []byte) error {
	n := a.hdr.SlotCount
	if i < 0 || i > n {
		return base.Invalidf("insert slot index %d out of range [0,%d]", i, n)
	}
	if len(rec) == 0 || len(rec) > page.MaxRecordLen {
		return base.Invalidf("record length %d out of range", len(rec))
	}
	if n+1 > math.MaxUint16 {
		return base.ErrSlotOverflow
	}

	headroom := a.hdr.FreeEnd - a.hdr.FreeStart
	total := headroom + a.gapBytes()
	if total < page.SlotLen {
		return base.ErrSlotOverflow
	}
	if total < page.SlotLen+len(rec) {
		return base.ErrPageFull
	}

	var off int
	switch r := a.smallestFit(len(rec)); {
	case headroom >= page.SlotLen && r >= 0:
		off = a.take(r, len(rec))
	case headroom-page.SlotLen >= len(rec):
		off = a.hdr.FreeStart
		a.hdr.FreeStart += len(rec)
	default:
		off = a.compact(i, len(rec))
	}

	copy(a.payload[off:], rec)
	a.insertSlotEntry(i, page.Slot{Offset: uint16(off), Length: uint16(len(rec))})
	a.sync()
	return nil
}

// ReplaceSlot overwrites the record of slot i. Shrinking happens in place;
// growing re-inserts the record and restores the old slot on failure.
func (a *Allocator) ReplaceSlot(i int, rec []byte) error {
	s, err := a.slots().Get(i)
	if err != nil {
		return err
	}
	if len(rec) == 0 || len(rec) > page.MaxRecordLen {
		return base.Invalidf("record length %d out of range", len(rec))
	}

	if len(rec) <= int(s.Length) {
		copy(a.payload[s.Offset:], rec)
		tail := Region{Start: int(s.Offset) + len(rec), End: s.End()}
		page.SetSlot(a.payload, a.hdr.SlotCount, i, page.Slot{Offset: s.Offset, Length: uint16(len(rec))})
		if tail.Len() > 0 {
			clear(a.payload[tail.Start:tail.End])
			a.release(tail)
		}
		a.sync()
		return nil
	}

	savedFree := slices.Clone(a.free)
	savedStart := a.hdr.FreeStart
	old := Region{Start: int(s.Offset), End: s.End()}

	a.removeSlotEntry(i)
	a.release(old)
	if err := a.InsertSlot(i, rec); err != nil {
		a.insertSlotEntry(i, s)
		a.free = savedFree
		a.hdr.FreeStart = savedStart
		a.sync()
		return err
	}
	a.zeroFree(old)
	return nil
}

// DeleteSlot removes slot i and frees its record bytes.
func (a *Allocator) DeleteSlot(i int) error {
	s, err := a.slots().Get(i)
	if err != nil {
		return err
	}
	clear(a.payload[s.Offset:s.End()])
	a.removeSlotEntry(i)
	a.release(Region{Start: int(s.Offset), End: s.End()})
	a.sync()
	return nil
}

// UpdateLowFence rewrites the low fence, compacting all records to the new
// arena start.
func (a *Allocator) UpdateLowFence(fence []byte) error {
	_, high := a.hdr.Fences(a.payload)
	return a.setFences(fence, high)
}

// UpdateHighFence rewrites the high fence, compacting all records to the new
// arena start.
func (a *Allocator) UpdateHighFence(fence []byte) error {
	low, _ := a.hdr.Fences(a.payload)
	return a.setFences(low, fence)
}

// Reset drops every slot and installs new fences. Kind, flags and links are
// kept.
func (a *Allocator) Reset(low, high []byte) error {
	if page.HeaderLen+len(low)+len(high) > len(a.payload) {
		return base.ErrPageFull
	}
	low, high = slices.Clone(low), slices.Clone(high)
	h := a.hdr
	if err := page.WriteInitialHeader(a.payload, page.KindLeaf); err != nil {
		return err
	}
	page.SetFlags(a.payload, h.Flags)
	page.SetParent(a.payload, h.Parent)
	page.SetLeftSibling(a.payload, h.LeftSibling)
	page.SetRightSibling(a.payload, h.RightSibling)
	if err := page.SetFences(a.payload, low, high); err != nil {
		return err
	}
	page.SetFreeStart(a.payload, page.HeaderLen+len(low)+len(high))

	hdr, err := page.ParseHeader(a.payload)
	if err != nil {
		return err
	}
	a.hdr = hdr
	a.free = a.free[:0]
	return nil
}

// RebuildFromEntries replaces the page contents with entries. The page is
// left untouched when they do not fit.
func (a *Allocator) RebuildFromEntries(low, high []byte, entries []page.Entry, compressed bool) error {
	if page.LeafLayoutSize(low, high, entries, compressed) > len(a.payload) {
		return base.ErrPageFull
	}
	if len(entries) > math.MaxUint16 {
		return base.ErrSlotOverflow
	}
	low = slices.Clone(low)
	if err := a.Reset(low, high); err != nil {
		return err
	}
	flags := a.hdr.Flags &^ page.FlagPrefixCompressed
	if compressed {
		flags |= page.FlagPrefixCompressed
	}
	page.SetFlags(a.payload, flags)
	a.hdr.Flags = flags

	n := len(entries)
	off := a.hdr.FreeStart
	prev := low
	bufp := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(bufp)
	for i, e := range entries {
		rec := page.EncodeLeafRecord((*bufp)[:0], prev, e.Key, e.Value, compressed)
		*bufp = rec
		copy(a.payload[off:], rec)
		page.SetSlot(a.payload, n, i, page.Slot{Offset: uint16(off), Length: uint16(len(rec))})
		off += len(rec)
		prev = e.Key
	}
	a.hdr.SlotCount = n
	a.hdr.FreeStart = off
	a.hdr.FreeEnd = a.dirStart(n)
	a.sync()
	return nil
}

func (a *Allocator) setFences(low, high []byte) error {
	low, high = slices.Clone(low), slices.Clone(high)
	arena := page.HeaderLen + len(low) + len(high)
	n := a.hdr.SlotCount
	dir := a.slots()
	live := 0
	dir.Each(func(_ int, s page.Slot) bool {
		live += int(s.Length)
		return true
	})
	if arena+live > a.dirStart(n) {
		return base.ErrPageFull
	}

	bufp := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(bufp)
	scratch := (*bufp)[:0]
	slots := make([]page.Slot, n)
	dir.Each(func(i int, s page.Slot) bool {
		slots[i] = s
		scratch = append(scratch, a.payload[s.Offset:s.End()]...)
		return true
	})
	*bufp = scratch

	if err := page.SetFences(a.payload, low, high); err != nil {
		return err
	}
	off := arena
	src := 0
	for i, s := range slots {
		copy(a.payload[off:], scratch[src:src+int(s.Length)])
		if int(s.Offset) != off {
			a.stats.BytesMoved += int(s.Length)
		}
		page.SetSlot(a.payload, n, i, page.Slot{Offset: uint16(off), Length: s.Length})
		src += int(s.Length)
		off += int(s.Length)
	}
	a.stats.Compactions++

	a.hdr.LowFenceLen, a.hdr.HighFenceLen = len(low), len(high)
	a.hdr.FreeStart = off
	a.hdr.FreeEnd = a.dirStart(n)
	clear(a.payload[a.hdr.FreeStart:a.hdr.FreeEnd])
	a.free = a.free[:0]
	a.sync()
	return nil
}

// compact slides every record against the arena start in slot order and
// returns the offset of a gap of gapLen bytes placed before slot gapAt.
func (a *Allocator) compact(gapAt, gapLen int) int {
	n := a.hdr.SlotCount
	dir := a.slots()
	bufp := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(bufp)
	scratch := (*bufp)[:0]
	slots := make([]page.Slot, n)
	dir.Each(func(i int, s page.Slot) bool {
		slots[i] = s
		scratch = append(scratch, a.payload[s.Offset:s.End()]...)
		return true
	})
	*bufp = scratch

	off := a.hdr.FencesEnd()
	gap := -1
	src := 0
	for i, s := range slots {
		if i == gapAt {
			gap = off
			off += gapLen
		}
		copy(a.payload[off:], scratch[src:src+int(s.Length)])
		if int(s.Offset) != off {
			a.stats.BytesMoved += int(s.Length)
		}
		page.SetSlot(a.payload, n, i, page.Slot{Offset: uint16(off), Length: s.Length})
		src += int(s.Length)
		off += int(s.Length)
	}
	if gap < 0 {
		gap = off
		off += gapLen
	}
	a.stats.Compactions++

	if off < a.hdr.FreeStart {
		clear(a.payload[off:a.hdr.FreeStart])
	}
	a.hdr.FreeStart = off
	a.free = a.free[:0]
	return gap
}

func (a *Allocator) slots() page.SlotDirectory {
	return a.hdr.Slots(a.payload)
}

func (a *Allocator) dirStart(n int) int {
	return len(a.payload) - n*page.SlotLen
}

func (a *Allocator) insertSlotEntry(i int, s page.Slot) {
	n := a.hdr.SlotCount
	oldStart := a.dirStart(n)
	newStart := a.dirStart(n + 1)
	copy(a.payload[newStart:], a.payload[oldStart:oldStart+i*page.SlotLen])
	a.hdr.SlotCount = n + 1
	a.hdr.FreeEnd = newStart
	page.SetSlot(a.payload, n+1, i, s)
}

func (a *Allocator) removeSlotEntry(i int) {
	n := a.hdr.SlotCount
	oldStart := a.dirStart(n)
	copy(a.payload[oldStart+page.SlotLen:], a.payload[oldStart:oldStart+i*page.SlotLen])
	clear(a.payload[oldStart : oldStart+page.SlotLen])
	a.hdr.SlotCount = n - 1
	a.hdr.FreeEnd = oldStart + page.SlotLen
}

func (a *Allocator) gapBytes() int {
	total := 0
	for _, r := range a.free {
		total += r.Len()
	}
	return total
}

func (a *Allocator) smallestFit(size int) int {
	best := -1
	for i, r := range a.free {
		if r.Len() >= size && (best < 0 || r.Len() < a.free[best].Len()) {
			best = i
		}
	}
	return best
}

func (a *Allocator) take(idx, size int) int {
	r := &a.free[idx]
	off := r.Start
	r.Start += size
	if r.Start == r.End {
		a.free = slices.Delete(a.free, idx, idx+1)
	}
	return off
}

// release returns r to the free list, coalescing with neighbours and
// retracting free_start when the region reaches it.
func (a *Allocator) release(r Region) {
	idx, _ := slices.BinarySearchFunc(a.free, r.Start, func(x Region, start int) int {
		return x.Start - start
	})
	a.free = slices.Insert(a.free, idx, r)
	if idx+1 < len(a.free) && a.free[idx].End == a.free[idx+1].Start {
		a.free[idx].End = a.free[idx+1].End
		a.free = slices.Delete(a.free, idx+1, idx+2)
	}
	if idx > 0 && a.free[idx-1].End == a.free[idx].Start {
		a.free[idx-1].End = a.free[idx].End
		a.free = slices.Delete(a.free, idx, idx+1)
	}
	if last := len(a.free) - 1; last >= 0 && a.free[last].End == a.hdr.FreeStart {
		a.hdr.FreeStart = a.free[last].Start
		a.free = a.free[:last]
	}
}

// zeroFree clears the parts of r that are not covered by a live record.
func (a *Allocator) zeroFree(r Region) {
	for _, f := range a.free {
		lo, hi := max(f.Start, r.Start), min(f.End, r.End)
		if lo < hi {
			clear(a.payload[lo:hi])
		}
	}
	lo, hi := max(a.hdr.FreeStart, r.Start), min(a.hdr.FreeEnd, r.End)
	if lo < hi {
		clear(a.payload[lo:hi])
	}
}

func (a *Allocator) sync() {
	page.SetSlotCount(a.payload, a.hdr.SlotCount)
	page.SetFreeStart(a.payload, a.hdr.FreeStart)
	page.SetFreeEnd(a.payload, a.hdr.FreeEnd)
}
