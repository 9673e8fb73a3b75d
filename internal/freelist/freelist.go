package freelist

import (
	"encoding/binary"
	"slices"

	"github.com/google/btree"

	"github.com/maskdotdev/sombra-sub003/internal/base"
)

const degree = 32

// Freelist manages free and pending pages for snapshot isolation.
// Pages are freed in two stages:
// 1. Pending: pages freed by txnID stay reachable from snapshots older than
// txnID and cannot be reused until those readers finish
// 2. Free: pages released from pending are available for immediate reuse
type Freelist struct {
	free    *btree.BTreeG[base.PageID]
	pending map[uint64][]base.PageID // txnID -> pages freed at that transaction
}

// New creates a new Freelist with empty state
func New() *Freelist {
	return &Freelist{
		free:    btree.NewOrderedG[base.PageID](degree),
		pending: make(map[uint64][]base.PageID),
	}
}

// Allocate returns the lowest free page id, or 0 if none is available.
func (f *Freelist) Allocate() base.PageID {
	id, ok := f.free.DeleteMin()
	if !ok {
		return 0
	}
	return id
}

// Free makes id immediately reusable.
func (f *Freelist) Free(id base.PageID) {
	f.free.ReplaceOrInsert(id)
}

// Pending adds pages to the pending map at the given transaction ID.
// Pages remain pending until Release() moves them to the free set.
func (f *Freelist) Pending(txnID uint64, ids []base.PageID) {
	if len(ids) == 0 {
		return
	}
	f.pending[txnID] = append(f.pending[txnID], ids...)
}

// Release moves pages freed by transactions at or before upTo into the free
// set. Returns number of pages released.
func (f *Freelist) Release(upTo uint64) int {
	released := 0
	for txnID, ids := range f.pending {
		if txnID > upTo {
			continue
		}
		for _, id := range ids {
			f.Free(id)
			released++
		}
		delete(f.pending, txnID)
	}
	return released
}

// Len returns the number of immediately reusable pages.
func (f *Freelist) Len() int {
	return f.free.Len()
}

// PendingLen returns the total number of pages in pending state.
func (f *Freelist) PendingLen() int {
	total := 0
	for _, ids := range f.pending {
		total += len(ids)
	}
	return total
}

// IDs returns every free and pending page in ascending order. After a
// restart no reader exists, so pending pages are as good as free.
func (f *Freelist) IDs() []base.PageID {
	ids := make([]base.PageID, 0, f.free.Len()+f.PendingLen())
	f.free.Ascend(func(id base.PageID) bool {
		ids = append(ids, id)
		return true
	})
	for _, pending := range f.pending {
		ids = append(ids, pending...)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Encode writes [count:4][id:8]... into dst, keeping as many ids as fit.
// Returns the bytes written and how many ids did not fit.
func (f *Freelist) Encode(dst []byte) (n int, dropped int) {
	ids := f.IDs()
	capacity := max(0, (len(dst)-4)/8)
	keep := min(len(ids), capacity)
	binary.BigEndian.PutUint32(dst[0:4], uint32(keep))
	off := 4
	for _, id := range ids[:keep] {
		binary.BigEndian.PutUint64(dst[off:off+8], uint64(id))
		off += 8
	}
	return off, len(ids) - keep
}

// Decode replaces the freelist with the ids encoded in buf. Every id must
// lie in [first, limit).
func (f *Freelist) Decode(buf []byte, first, limit base.PageID) error {
	if len(buf) < 4 {
		return base.Corruptf("freelist shorter than its count")
	}
	count := int(binary.BigEndian.Uint32(buf[0:4]))
	if count > (len(buf)-4)/8 {
		return base.Corruptf("freelist count %d exceeds %d bytes", count, len(buf)-4)
	}
	f.free.Clear(false)
	clear(f.pending)
	off := 4
	for i := 0; i < count; i++ {
		id := base.PageID(binary.BigEndian.Uint64(buf[off : off+8]))
		if id < first || id >= limit {
			return base.Corruptf("freelist entry %d out of range [%d,%d)", id, first, limit)
		}
		if _, dup := f.free.ReplaceOrInsert(id); dup {
			return base.Corruptf("freelist entry %d listed twice", id)
		}
		off += 8
	}
	return nil
}
