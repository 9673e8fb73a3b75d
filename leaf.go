package sombra

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/maskdotdev/sombra-sub003/internal/base"
	"github.com/maskdotdev/sombra-sub003/internal/leaf"
	"github.com/maskdotdev/sombra-sub003/internal/page"
)

// MaxKeyLen returns the longest key a tree over pages of pageSize accepts.
// Eight maximal keys fit in one payload.
func MaxKeyLen(pageSize int) int {
	return (pageSize - base.PageHeaderLen - page.HeaderLen) / 8
}

// MaxRecordLen returns the largest encoded leaf record a tree over pages of
// pageSize accepts: half of the space left once both fences are maximal,
// minus the record's slot. Any overflowing leaf can then be split in two.
func MaxRecordLen(pageSize int) int {
	usable := pageSize - base.PageHeaderLen - page.HeaderLen - 2*MaxKeyLen(pageSize)
	return usable/2 - page.SlotLen
}

// checkEntry rejects keys and records the tree could never store. It runs
// before any page is touched.
func checkEntry(pageSize int, key, value []byte) error {
	if len(key) == 0 {
		return base.Invalidf("empty key")
	}
	if limit := MaxKeyLen(pageSize); len(key) > limit {
		return base.Invalidf("key of %d bytes exceeds limit of %d", len(key), limit)
	}
	// Sized as a compressed record with no shared prefix, the largest form a
	// record can take in either leaf layout.
	if n, limit := page.LeafRecordLen(nil, key, value, true), MaxRecordLen(pageSize); n > limit {
		return base.Invalidf("record of %d bytes exceeds limit of %d", n, limit)
	}
	return nil
}

// leafPos is the result of locating a key in a leaf.
type leafPos struct {
	idx   int
	found bool
	value []byte // aliases the page

	// Compressed leaves only: the key preceding idx (or the low fence) and
	// the record following the target, which must be re-encoded when its
	// predecessor changes.
	prev      []byte
	next      []byte
	nextValue []byte
}

// searchLeaf locates key. Plain leaves are binary searched; compressed leaves
// are scanned since every key depends on its predecessor.
func (t *Tree[K, V]) searchLeaf(n *node, key []byte) (leafPos, error) {
	if n.hdr.Compressed() {
		return t.scanLeaf(n, key)
	}
	lo, hi := 0, n.count()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		rec, err := page.DecodeLeafRecord(n.ext.Record(mid), false)
		if err != nil {
			return leafPos{}, fmt.Errorf("page %d slot %d: %w", n.id, mid, err)
		}
		switch c := t.keys.CompareEncoded(rec.Suffix, key); {
		case c == 0:
			return leafPos{idx: mid, found: true, value: rec.Value}, nil
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return leafPos{idx: lo}, nil
}

func (t *Tree[K, V]) scanLeaf(n *node, key []byte) (leafPos, error) {
	low, _ := n.fences()
	prev := bytes.Clone(low)
	r := page.NewLeafReader(n.hdr, n.payload, n.ext, t.opts.prefixCompression)
	for {
		idx := r.Index()
		k, v, ok, err := r.Next()
		if err != nil {
			return leafPos{}, fmt.Errorf("page %d: %w", n.id, err)
		}
		if !ok {
			return leafPos{idx: idx, prev: prev}, nil
		}
		c := t.keys.CompareEncoded(k, key)
		if c > 0 {
			return leafPos{idx: idx, prev: prev, next: bytes.Clone(k), nextValue: bytes.Clone(v)}, nil
		}
		if c == 0 {
			pos := leafPos{idx: idx, found: true, value: v, prev: prev}
			k2, v2, ok, err := r.Next()
			if err != nil {
				return leafPos{}, fmt.Errorf("page %d: %w", n.id, err)
			}
			if ok {
				pos.next, pos.nextValue = bytes.Clone(k2), bytes.Clone(v2)
			}
			return pos, nil
		}
		prev = append(prev[:0], k...)
	}
}

func (t *Tree[K, V]) leafEntries(n *node) ([]page.Entry, error) {
	entries, err := page.ReadLeaf(n.hdr, n.payload, t.opts.prefixCompression)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", n.id, err)
	}
	return entries, nil
}

var payloadPool = sync.Pool{
	New: func() any {
		return new([]byte)
	},
}

// editLeaf runs fn against an allocator over payload. When fn fails the
// payload is restored, so a half-applied multi-step edit is never visible.
// The allocator's data movement of a successful edit is added to the tree
// counters.
func (t *Tree[K, V]) editLeaf(payload []byte, fn func(a *leaf.Allocator) error) error {
	saved := payloadPool.Get().(*[]byte)
	*saved = append((*saved)[:0], payload...)
	defer payloadPool.Put(saved)

	a, err := leaf.Open(payload)
	if err == nil {
		err = fn(a)
	}
	if err != nil {
		copy(payload, *saved)
		return err
	}
	st := a.Stats()
	t.stats.leafBytesMoved.Add(uint64(st.BytesMoved))
	t.stats.leafCompactions.Add(uint64(st.Compactions))
	return nil
}

// putInPlace inserts or replaces key through the slot allocator.
func (t *Tree[K, V]) putInPlace(n *node, pos leafPos, key, value []byte) error {
	compressed := n.hdr.Compressed()
	return t.editLeaf(n.payload, func(a *leaf.Allocator) error {
		rec := page.EncodeLeafRecord(nil, pos.prev, key, value, compressed)
		if pos.found {
			return a.ReplaceSlot(pos.idx, rec)
		}
		if err := a.InsertSlot(pos.idx, rec); err != nil {
			return err
		}
		if compressed && pos.next != nil {
			return a.ReplaceSlot(pos.idx+1, page.EncodeLeafRecord(nil, key, pos.next, pos.nextValue, true))
		}
		return nil
	})
}

// deleteInPlace removes the record at pos through the slot allocator.
func (t *Tree[K, V]) deleteInPlace(n *node, pos leafPos) error {
	compressed := n.hdr.Compressed()
	return t.editLeaf(n.payload, func(a *leaf.Allocator) error {
		if err := a.DeleteSlot(pos.idx); err != nil {
			return err
		}
		if compressed && pos.next != nil {
			return a.ReplaceSlot(pos.idx, page.EncodeLeafRecord(nil, pos.prev, pos.next, pos.nextValue, true))
		}
		return nil
	})
}

// rebuildLeaf rewrites payload from entries, keeping kind and links.
func rebuildLeaf(payload []byte, low, high []byte, entries []page.Entry, compressed bool) error {
	a, err := leaf.Open(payload)
	if err != nil {
		return err
	}
	return a.RebuildFromEntries(low, high, entries, compressed)
}

// leafImage is a decoded leaf whose entries and fences no longer alias the
// page.
type leafImage struct {
	id         base.PageID
	hdr        page.Header
	low, high  []byte
	entries    []page.Entry
	compressed bool
}

func (t *Tree[K, V]) loadLeaf(r PageReader, id base.PageID) (*leafImage, error) {
	n, err := t.readNode(r, id)
	if err != nil {
		return nil, err
	}
	return t.imageOf(n)
}

func (t *Tree[K, V]) imageOf(n *node) (*leafImage, error) {
	if !n.hdr.IsLeaf() {
		return nil, base.Corruptf("page %d: expected leaf, found internal page", n.id)
	}
	entries, err := t.leafEntries(n)
	if err != nil {
		return nil, err
	}
	low, high := n.fenceCopies()
	return &leafImage{
		id:         n.id,
		hdr:        n.hdr,
		low:        low,
		high:       high,
		entries:    entries,
		compressed: n.hdr.Compressed(),
	}, nil
}

// lastKey is the key preceding a record appended to the leaf.
func (l *leafImage) lastKey() []byte {
	if len(l.entries) == 0 {
		return l.low
	}
	return l.entries[len(l.entries)-1].Key
}

// rewriteLeaf applies a rebalance to page id. With in-place edits on, edit
// runs through the allocator first; a PageFull or SlotOverflow falls back to
// a rebuild from entries, which the caller has already sized.
func (t *Tree[K, V]) rewriteLeaf(w PageWriter, id base.PageID, low, high []byte, entries []page.Entry,
	compressed bool, edit func(a *leaf.Allocator) error) error {
	payload, err := t.mutPayload(w, id)
	if err != nil {
		return err
	}
	if t.opts.inPlaceLeafEdits && edit != nil {
		err := t.editLeaf(payload, edit)
		if err == nil {
			t.stats.leafRebalanceInPlace.Add(1)
			return nil
		}
		if !base.Recoverable(err) {
			return err
		}
	}
	if err := rebuildLeaf(payload, low, high, entries, compressed); err != nil {
		return err
	}
	t.stats.leafRebalanceRebuilds.Add(1)
	return nil
}

// leafUnderflow reports whether a leaf of the given layout size and entry
// count sits below half the fill target.
func (t *Tree[K, V]) leafUnderflow(used, count, payloadLen int) bool {
	return count == 0 || used*200 < t.opts.pageFillTarget*payloadLen
}

func (t *Tree[K, V]) internalUnderflow(used, count, payloadLen int) bool {
	return count <= 1 || used*100 < t.opts.internalMinFill*payloadLen
}
