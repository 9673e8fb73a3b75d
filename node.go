package sombra

import (
	"bytes"
	"fmt"

	"github.com/maskdotdev/sombra-sub003/internal/base"
	"github.com/maskdotdev/sombra-sub003/internal/page"
)

// maxDepth bounds descents so a cycle of child pointers is reported as
// corruption instead of looping forever.
const maxDepth = 64

// node is one parsed page visit. Extents are computed once per visit.
type node struct {
	id      base.PageID
	payload []byte
	hdr     page.Header
	ext     *page.Extents
}

// parseNode validates the payload header and record extents of buf.
func parseNode(id base.PageID, buf []byte) (*node, error) {
	payload, err := page.Payload(buf)
	if err != nil {
		return nil, err
	}
	hdr, err := page.ParseHeader(payload)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", id, err)
	}
	if want := hdr.Kind.StorageKind(); base.PageKindOf(buf) != want {
		return nil, base.Corruptf("page %d: storage kind %s does not match %s payload",
			id, base.PageKindOf(buf), hdr.Kind)
	}
	ext, err := page.NewExtents(hdr, payload)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", id, err)
	}
	return &node{id: id, payload: payload, hdr: hdr, ext: ext}, nil
}

func (n *node) count() int {
	return n.hdr.SlotCount
}

func (n *node) fences() (low, high []byte) {
	return n.hdr.Fences(n.payload)
}

// fenceCopies returns fences that stay valid after the page is rewritten.
func (n *node) fenceCopies() (low, high []byte) {
	low, high = n.fences()
	return bytes.Clone(low), bytes.Clone(high)
}

// used is the number of payload bytes the page needs after a compaction.
func (n *node) used() int {
	return page.HeaderLen + n.hdr.LowFenceLen + n.hdr.HighFenceLen + n.ext.Used() + n.count()*page.SlotLen
}

// child decodes record i of an internal page.
func (n *node) child(i int) (page.InternalRecord, error) {
	rec, err := page.DecodeInternalRecord(n.ext.Record(i))
	if err != nil {
		return page.InternalRecord{}, fmt.Errorf("page %d slot %d: %w", n.id, i, err)
	}
	return rec, nil
}

// pathEntry is one internal page on a root-to-leaf path and the index of the
// child taken.
type pathEntry struct {
	id  base.PageID
	idx int
}

func (t *Tree[K, V]) readNode(r PageReader, id base.PageID) (*node, error) {
	buf, err := r.Page(id)
	if err != nil {
		return nil, err
	}
	return parseNode(id, buf)
}

func (t *Tree[K, V]) mutNode(w PageWriter, id base.PageID) (*node, error) {
	buf, err := w.PageMut(id)
	if err != nil {
		return nil, err
	}
	return parseNode(id, buf)
}

func (t *Tree[K, V]) mutPayload(w PageWriter, id base.PageID) ([]byte, error) {
	buf, err := w.PageMut(id)
	if err != nil {
		return nil, err
	}
	return page.Payload(buf)
}

// setLink writes one of the parent or sibling references of page id.
func (t *Tree[K, V]) setLink(w PageWriter, id base.PageID, set func([]byte, base.PageID), v base.PageID) error {
	payload, err := t.mutPayload(w, id)
	if err != nil {
		return err
	}
	set(payload, v)
	return nil
}

// allocPage allocates and formats an empty page of kind.
func (t *Tree[K, V]) allocPage(w PageWriter, kind page.Kind, flags uint8) (base.PageID, []byte, error) {
	id, err := w.Allocate()
	if err != nil {
		return 0, nil, err
	}
	buf, err := w.PageMut(id)
	if err != nil {
		return 0, nil, err
	}
	if err := page.InitPage(buf, kind, flags); err != nil {
		return 0, nil, err
	}
	payload, err := page.Payload(buf)
	if err != nil {
		return 0, nil, err
	}
	return id, payload, nil
}

// route returns the index of the last child whose separator is <= key.
// Separator 0 is the page's low fence and always qualifies, so it is never
// compared; on the leftmost path it is empty.
func (t *Tree[K, V]) route(n *node, key []byte) (int, page.InternalRecord, error) {
	cnt := n.count()
	if cnt == 0 {
		return 0, page.InternalRecord{}, base.Corruptf("internal page %d has no children", n.id)
	}
	lo, hi := 1, cnt
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		rec, err := n.child(mid)
		if err != nil {
			return 0, page.InternalRecord{}, err
		}
		if t.keys.CompareEncoded(rec.Separator, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	rec, err := n.child(lo - 1)
	return lo - 1, rec, err
}

// descend walks from the root to the leaf owning key, appending the internal
// pages visited to path, root first.
func (t *Tree[K, V]) descend(r PageReader, key []byte, path []pathEntry) ([]pathEntry, *node, error) {
	id := t.rootFor(r)
	for depth := 0; depth < maxDepth; depth++ {
		n, err := t.readNode(r, id)
		if err != nil {
			return path, nil, err
		}
		if n.hdr.IsLeaf() {
			t.stats.leafSearches.Add(1)
			return path, n, nil
		}
		t.stats.internalSearches.Add(1)
		idx, rec, err := t.route(n, key)
		if err != nil {
			return path, nil, err
		}
		path = append(path, pathEntry{id: id, idx: idx})
		id = rec.Child
	}
	return path, nil, base.Corruptf("descent from root %d exceeded %d levels", t.rootFor(r), maxDepth)
}

// edgeLeaf returns the leftmost or rightmost leaf.
func (t *Tree[K, V]) edgeLeaf(r PageReader, last bool) (*node, error) {
	id := t.rootFor(r)
	for depth := 0; depth < maxDepth; depth++ {
		n, err := t.readNode(r, id)
		if err != nil {
			return nil, err
		}
		if n.hdr.IsLeaf() {
			return n, nil
		}
		if n.count() == 0 {
			return nil, base.Corruptf("internal page %d has no children", n.id)
		}
		i := 0
		if last {
			i = n.count() - 1
		}
		rec, err := n.child(i)
		if err != nil {
			return nil, err
		}
		id = rec.Child
	}
	return nil, base.Corruptf("descent from root %d exceeded %d levels", t.rootFor(r), maxDepth)
}

// siblingLeaf returns the right (forward) or left neighbour of leaf n, or
// nil at the end of the chain. Neighbours must share the fence between
// them.
func (t *Tree[K, V]) siblingLeaf(r PageReader, n *node, forward bool) (*node, error) {
	next := n.hdr.LeftSibling
	if forward {
		next = n.hdr.RightSibling
	}
	if next == 0 {
		return nil, nil
	}
	m, err := t.readNode(r, next)
	if err != nil {
		return nil, err
	}
	if !m.hdr.IsLeaf() {
		return nil, base.Corruptf("sibling %d of leaf %d is not a leaf", next, n.id)
	}
	left, right := n, m
	if !forward {
		left, right = m, n
	}
	_, high := left.fences()
	low, _ := right.fences()
	if !bytes.Equal(high, low) || len(high) == 0 {
		return nil, base.Corruptf("leaf %d high fence %x does not match low fence %x of right sibling %d",
			left.id, high, low, right.id)
	}
	return m, nil
}

// within reports whether key lies in [low, high). Empty fences are unbounded.
func (t *Tree[K, V]) within(key, low, high []byte) bool {
	if len(low) > 0 && t.keys.CompareEncoded(low, key) > 0 {
		return false
	}
	return len(high) == 0 || t.keys.CompareEncoded(key, high) < 0
}

// internalImage is a decoded internal page whose records and fences no
// longer alias the page.
type internalImage struct {
	id        base.PageID
	hdr       page.Header
	low, high []byte
	records   []page.InternalRecord
}

func (t *Tree[K, V]) loadInternal(r PageReader, id base.PageID) (*internalImage, error) {
	n, err := t.readNode(r, id)
	if err != nil {
		return nil, err
	}
	if n.hdr.IsLeaf() {
		return nil, base.Corruptf("page %d: expected internal page, found leaf", id)
	}
	records, err := page.ReadInternal(n.hdr, n.payload)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", id, err)
	}
	low, high := n.fenceCopies()
	return &internalImage{id: id, hdr: n.hdr, low: low, high: high, records: records}, nil
}

// writeInternal rewrites page id from records. Links are kept.
func (t *Tree[K, V]) writeInternal(w PageWriter, id base.PageID, low, high []byte, records []page.InternalRecord) error {
	payload, err := t.mutPayload(w, id)
	if err != nil {
		return err
	}
	return page.WriteInternal(payload, low, high, records)
}

// reparent points the parent reference of every child in records at id.
func (t *Tree[K, V]) reparent(w PageWriter, records []page.InternalRecord, id base.PageID) error {
	for _, rec := range records {
		if err := t.setLink(w, rec.Child, page.SetParent, id); err != nil {
			return err
		}
	}
	return nil
}
