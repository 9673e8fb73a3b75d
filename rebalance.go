package sombra

import (
	"slices"

	"github.com/maskdotdev/sombra-sub003/internal/base"
	"github.com/maskdotdev/sombra-sub003/internal/leaf"
	"github.com/maskdotdev/sombra-sub003/internal/page"
)

// rebalanceLeaf fixes an underflowing non-root leaf n whose parent is the
// last entry of path. An empty neighbour is absorbed first. Otherwise a
// lender must keep two entries and stay at or above the threshold, and
// failing that n merges into its left sibling or absorbs its right one. A
// merged page that still underflows goes around again.
//
// It reports true when n has no sibling under a non-root parent. The
// parent is rebalanced instead and n is left as it was.
func (t *Tree[K, V]) rebalanceLeaf(w PageWriter, path []pathEntry, n *node) (bool, error) {
	pe := path[len(path)-1]
	payloadLen := w.PageSize() - base.PageHeaderLen
	cur, err := t.imageOf(n)
	if err != nil {
		return false, err
	}

	idx, merged := pe.idx, false
	finish := func(err error) (bool, error) {
		if err != nil || !merged {
			return false, err
		}
		return false, t.rebalanceInternal(w, path[:len(path)-1], pe.id)
	}
	for {
		parent, err := t.loadInternal(w, pe.id)
		if err != nil {
			return false, err
		}
		if idx >= len(parent.records) || parent.records[idx].Child != cur.id {
			return false, base.Corruptf("page %d: slot %d does not point at child %d", pe.id, idx, cur.id)
		}
		if len(parent.records) == 1 {
			return len(path) > 1, t.rebalanceInternal(w, path[:len(path)-1], parent.id)
		}

		var left, right *leafImage
		if idx > 0 {
			if left, err = t.loadLeaf(w, parent.records[idx-1].Child); err != nil {
				return false, err
			}
		}
		if idx+1 < len(parent.records) {
			if right, err = t.loadLeaf(w, parent.records[idx+1].Child); err != nil {
				return false, err
			}
		}

		var survivor base.PageID
		merge := func(rightIdx int, l, r *leafImage) error {
			if survivor != 0 {
				return nil
			}
			ok, err := t.mergeLeaves(w, parent, rightIdx, l, r)
			if ok {
				survivor, idx = l.id, rightIdx-1
			}
			return err
		}

		switch {
		case left != nil && len(left.entries) == 0:
			err = merge(idx, left, cur)
		case right != nil && len(right.entries) == 0:
			err = merge(idx+1, cur, right)
		}
		if err != nil {
			return false, err
		}
		if survivor == 0 {
			if left != nil {
				if ok, err := t.borrowFromLeft(w, parent, idx, left, cur); ok || err != nil {
					return finish(err)
				}
			}
			if right != nil {
				if ok, err := t.borrowFromRight(w, parent, idx, cur, right); ok || err != nil {
					return finish(err)
				}
			}
			if left != nil {
				if err := merge(idx, left, cur); err != nil {
					return false, err
				}
			}
			if right != nil {
				if err := merge(idx+1, cur, right); err != nil {
					return false, err
				}
			}
		}
		if survivor == 0 {
			t.stats.unresolved.Add(1)
			t.log.Warn("leaf underflow unresolved: no borrow or merge fits",
				"page", cur.id, "parent", parent.id, "entries", len(cur.entries))
			return finish(nil)
		}

		merged = true
		if cur, err = t.loadLeaf(w, survivor); err != nil {
			return false, err
		}
		size := page.LeafLayoutSize(cur.low, cur.high, cur.entries, cur.compressed)
		if !t.leafUnderflow(size, len(cur.entries), payloadLen) {
			return finish(nil)
		}
	}
}

// borrowFromLeft moves the last entry of left to the front of cur. The
// moved key becomes cur's low fence, left's high fence and the parent
// separator at idx.
func (t *Tree[K, V]) borrowFromLeft(w PageWriter, parent *internalImage, idx int, left, cur *leafImage) (bool, error) {
	if len(left.entries) < 2 {
		return false, nil
	}
	payloadLen := w.PageSize() - base.PageHeaderLen
	moved := left.entries[len(left.entries)-1]
	sep := moved.Key
	lentries := left.entries[:len(left.entries)-1]
	centries := append([]page.Entry{moved}, cur.entries...)

	lsize := page.LeafLayoutSize(left.low, sep, lentries, left.compressed)
	if t.leafUnderflow(lsize, len(lentries), payloadLen) {
		return false, nil
	}
	if page.LeafLayoutSize(sep, cur.high, centries, cur.compressed) > payloadLen {
		return false, nil
	}
	records := slices.Clone(parent.records)
	records[idx].Separator = sep
	if page.InternalLayoutSize(parent.low, parent.high, records) > payloadLen {
		return false, nil
	}

	err := t.rewriteLeaf(w, left.id, left.low, sep, lentries, left.compressed, func(a *leaf.Allocator) error {
		if err := a.DeleteSlot(len(lentries)); err != nil {
			return err
		}
		return a.UpdateHighFence(sep)
	})
	if err != nil {
		return false, err
	}
	err = t.rewriteLeaf(w, cur.id, sep, cur.high, centries, cur.compressed, func(a *leaf.Allocator) error {
		if err := a.UpdateLowFence(sep); err != nil {
			return err
		}
		// The old first record was encoded against the old low fence.
		if cur.compressed && len(cur.entries) > 0 {
			first := cur.entries[0]
			if err := a.ReplaceSlot(0, page.EncodeLeafRecord(nil, sep, first.Key, first.Value, true)); err != nil {
				return err
			}
		}
		return a.InsertSlot(0, page.EncodeLeafRecord(nil, sep, moved.Key, moved.Value, cur.compressed))
	})
	if err != nil {
		return false, err
	}
	if err := t.writeInternal(w, parent.id, parent.low, parent.high, records); err != nil {
		return false, err
	}
	t.stats.leafBorrows.Add(1)
	return true, nil
}

// borrowFromRight moves the first entry of right to the end of cur. The
// lender's new first key becomes cur's high fence, right's low fence and
// the parent separator at idx+1.
func (t *Tree[K, V]) borrowFromRight(w PageWriter, parent *internalImage, idx int, cur, right *leafImage) (bool, error) {
	if len(right.entries) < 2 {
		return false, nil
	}
	payloadLen := w.PageSize() - base.PageHeaderLen
	moved := right.entries[0]
	rentries := right.entries[1:]
	sep := rentries[0].Key
	centries := append(slices.Clone(cur.entries), moved)

	rsize := page.LeafLayoutSize(sep, right.high, rentries, right.compressed)
	if t.leafUnderflow(rsize, len(rentries), payloadLen) {
		return false, nil
	}
	if page.LeafLayoutSize(cur.low, sep, centries, cur.compressed) > payloadLen {
		return false, nil
	}
	records := slices.Clone(parent.records)
	records[idx+1].Separator = sep
	if page.InternalLayoutSize(parent.low, parent.high, records) > payloadLen {
		return false, nil
	}

	err := t.rewriteLeaf(w, right.id, sep, right.high, rentries, right.compressed, func(a *leaf.Allocator) error {
		if err := a.DeleteSlot(0); err != nil {
			return err
		}
		if err := a.UpdateLowFence(sep); err != nil {
			return err
		}
		if right.compressed {
			return a.ReplaceSlot(0, page.EncodeLeafRecord(nil, sep, sep, rentries[0].Value, true))
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	prev := cur.lastKey()
	err = t.rewriteLeaf(w, cur.id, cur.low, sep, centries, cur.compressed, func(a *leaf.Allocator) error {
		if err := a.InsertSlot(a.Len(), page.EncodeLeafRecord(nil, prev, moved.Key, moved.Value, cur.compressed)); err != nil {
			return err
		}
		return a.UpdateHighFence(sep)
	})
	if err != nil {
		return false, err
	}
	if err := t.writeInternal(w, parent.id, parent.low, parent.high, records); err != nil {
		return false, err
	}
	t.stats.leafBorrows.Add(1)
	return true, nil
}

// mergeLeaves appends right's entries to left, frees right and removes its
// separator, found at rightIdx, from the parent. It reports false when the
// combined page would not fit.
func (t *Tree[K, V]) mergeLeaves(w PageWriter, parent *internalImage, rightIdx int, left, right *leafImage) (bool, error) {
	payloadLen := w.PageSize() - base.PageHeaderLen
	entries := append(slices.Clone(left.entries), right.entries...)
	if page.LeafLayoutSize(left.low, right.high, entries, left.compressed) > payloadLen {
		return false, nil
	}

	if err := t.rewriteLeaf(w, left.id, left.low, right.high, entries, left.compressed, nil); err != nil {
		return false, err
	}
	if err := t.unlink(w, left.id, right.hdr.RightSibling); err != nil {
		return false, err
	}
	records := slices.Delete(slices.Clone(parent.records), rightIdx, rightIdx+1)
	if err := t.writeInternal(w, parent.id, parent.low, parent.high, records); err != nil {
		return false, err
	}
	if err := w.Free(right.id); err != nil {
		return false, err
	}
	t.stats.leafMerges.Add(1)
	return true, nil
}

// unlink drops an absorbed page from its level's sibling chain. left is the
// survivor to its left and next the absorbed page's right sibling.
func (t *Tree[K, V]) unlink(w PageWriter, left, next base.PageID) error {
	if err := t.setLink(w, left, page.SetRightSibling, next); err != nil {
		return err
	}
	if next != 0 {
		return t.setLink(w, next, page.SetLeftSibling, left)
	}
	return nil
}

// rebalanceInternal walks up from page id after it lost a child. Internal
// pages borrow from a sibling holding at least three children, else merge
// with the left or right one; an internal root left with one child
// collapses into it. A page without siblings passes the underflow on to
// its parent.
func (t *Tree[K, V]) rebalanceInternal(w PageWriter, path []pathEntry, id base.PageID) error {
	payloadLen := w.PageSize() - base.PageHeaderLen
	for {
		cur, err := t.loadInternal(w, id)
		if err != nil {
			return err
		}
		if len(path) == 0 {
			return t.collapseRoot(w, cur)
		}
		used := page.InternalLayoutSize(cur.low, cur.high, cur.records)
		if !t.internalUnderflow(used, len(cur.records), payloadLen) {
			return nil
		}

		pe := path[len(path)-1]
		parent, err := t.loadInternal(w, pe.id)
		if err != nil {
			return err
		}
		if pe.idx >= len(parent.records) || parent.records[pe.idx].Child != id {
			return base.Corruptf("page %d: slot %d does not point at child %d", pe.id, pe.idx, id)
		}
		if len(parent.records) == 1 {
			if len(path) > 1 {
				t.stats.unresolved.Add(1)
				t.log.Warn("internal underflow unresolved: no sibling under parent",
					"page", id, "parent", parent.id)
			}
			path, id = path[:len(path)-1], parent.id
			continue
		}

		var left, right *internalImage
		if pe.idx > 0 {
			if left, err = t.loadInternal(w, parent.records[pe.idx-1].Child); err != nil {
				return err
			}
			if ok, err := t.borrowInternalFromLeft(w, parent, pe.idx, left, cur); ok || err != nil {
				return err
			}
		}
		if pe.idx+1 < len(parent.records) {
			if right, err = t.loadInternal(w, parent.records[pe.idx+1].Child); err != nil {
				return err
			}
			if ok, err := t.borrowInternalFromRight(w, parent, pe.idx, cur, right); ok || err != nil {
				return err
			}
		}

		var merged bool
		if left != nil {
			if merged, err = t.mergeInternal(w, parent, pe.idx, left, cur); err != nil {
				return err
			}
		}
		if !merged && right != nil {
			if merged, err = t.mergeInternal(w, parent, pe.idx+1, cur, right); err != nil {
				return err
			}
		}
		if !merged {
			t.stats.unresolved.Add(1)
			t.log.Warn("internal underflow unresolved: no borrow or merge fits",
				"page", id, "parent", parent.id, "children", len(cur.records))
			return nil
		}
		path, id = path[:len(path)-1], parent.id
	}
}

// borrowInternalFromLeft moves left's last child to the front of cur. Its
// separator becomes cur's low fence, left's high fence and the parent
// separator at idx.
func (t *Tree[K, V]) borrowInternalFromLeft(w PageWriter, parent *internalImage, idx int, left, cur *internalImage) (bool, error) {
	if len(left.records) < 3 {
		return false, nil
	}
	payloadLen := w.PageSize() - base.PageHeaderLen
	moved := left.records[len(left.records)-1]
	sep := moved.Separator
	lrecords := left.records[:len(left.records)-1]
	crecords := append([]page.InternalRecord{moved}, cur.records...)
	if page.InternalLayoutSize(sep, cur.high, crecords) > payloadLen ||
		page.InternalLayoutSize(left.low, sep, lrecords) > payloadLen {
		return false, nil
	}
	precords := slices.Clone(parent.records)
	precords[idx].Separator = sep
	if page.InternalLayoutSize(parent.low, parent.high, precords) > payloadLen {
		return false, nil
	}

	if err := t.writeInternal(w, left.id, left.low, sep, lrecords); err != nil {
		return false, err
	}
	if err := t.writeInternal(w, cur.id, sep, cur.high, crecords); err != nil {
		return false, err
	}
	if err := t.writeInternal(w, parent.id, parent.low, parent.high, precords); err != nil {
		return false, err
	}
	if err := t.setLink(w, moved.Child, page.SetParent, cur.id); err != nil {
		return false, err
	}
	t.stats.internalBorrows.Add(1)
	return true, nil
}

// borrowInternalFromRight moves right's first child to the end of cur.
// right's second separator becomes its low fence, cur's high fence and the
// parent separator at idx+1.
func (t *Tree[K, V]) borrowInternalFromRight(w PageWriter, parent *internalImage, idx int, cur, right *internalImage) (bool, error) {
	if len(right.records) < 3 {
		return false, nil
	}
	payloadLen := w.PageSize() - base.PageHeaderLen
	moved := right.records[0]
	rrecords := right.records[1:]
	sep := rrecords[0].Separator
	crecords := append(slices.Clone(cur.records), moved)
	if page.InternalLayoutSize(cur.low, sep, crecords) > payloadLen ||
		page.InternalLayoutSize(sep, right.high, rrecords) > payloadLen {
		return false, nil
	}
	precords := slices.Clone(parent.records)
	precords[idx+1].Separator = sep
	if page.InternalLayoutSize(parent.low, parent.high, precords) > payloadLen {
		return false, nil
	}

	if err := t.writeInternal(w, right.id, sep, right.high, rrecords); err != nil {
		return false, err
	}
	if err := t.writeInternal(w, cur.id, cur.low, sep, crecords); err != nil {
		return false, err
	}
	if err := t.writeInternal(w, parent.id, parent.low, parent.high, precords); err != nil {
		return false, err
	}
	if err := t.setLink(w, moved.Child, page.SetParent, cur.id); err != nil {
		return false, err
	}
	t.stats.internalBorrows.Add(1)
	return true, nil
}

// mergeInternal appends right's children to left. right's first separator
// equals its low fence, which is the parent separator being removed, so it
// carries over unchanged.
func (t *Tree[K, V]) mergeInternal(w PageWriter, parent *internalImage, rightIdx int, left, right *internalImage) (bool, error) {
	payloadLen := w.PageSize() - base.PageHeaderLen
	records := append(slices.Clone(left.records), right.records...)
	if page.InternalLayoutSize(left.low, right.high, records) > payloadLen {
		return false, nil
	}

	if err := t.writeInternal(w, left.id, left.low, right.high, records); err != nil {
		return false, err
	}
	if err := t.reparent(w, right.records, left.id); err != nil {
		return false, err
	}
	if err := t.unlink(w, left.id, right.hdr.RightSibling); err != nil {
		return false, err
	}
	precords := slices.Delete(slices.Clone(parent.records), rightIdx, rightIdx+1)
	if err := t.writeInternal(w, parent.id, parent.low, parent.high, precords); err != nil {
		return false, err
	}
	if err := w.Free(right.id); err != nil {
		return false, err
	}
	t.stats.internalMerges.Add(1)
	return true, t.joinEmptyLeaves(w, left.id, len(left.records))
}

// joinEmptyLeaves merges children at-1 and at of internal page id when both
// are empty leaves. An internal merge can make two empty leaves adjacent
// that no later delete visits.
func (t *Tree[K, V]) joinEmptyLeaves(w PageWriter, id base.PageID, at int) error {
	p, err := t.loadInternal(w, id)
	if err != nil {
		return err
	}
	if at <= 0 || at >= len(p.records) {
		return nil
	}
	var pair [2]*leafImage
	for i := range pair {
		n, err := t.readNode(w, p.records[at-1+i].Child)
		if err != nil {
			return err
		}
		if !n.hdr.IsLeaf() || n.count() != 0 {
			return nil
		}
		if pair[i], err = t.imageOf(n); err != nil {
			return err
		}
	}
	_, err = t.mergeLeaves(w, p, at, pair[0], pair[1])
	return err
}

// collapseRoot replaces an internal root holding a single child with that
// child, repeating while the new root qualifies. Height shrinks by one each
// time.
func (t *Tree[K, V]) collapseRoot(w PageWriter, root *internalImage) error {
	for len(root.records) == 1 {
		child := root.records[0].Child
		if err := t.setLink(w, child, page.SetParent, 0); err != nil {
			return err
		}
		if err := t.setRoot(w, child); err != nil {
			return err
		}
		if err := w.Free(root.id); err != nil {
			return err
		}
		t.stats.rootCollapses.Add(1)
		t.log.Info("root collapsed", "old_root", root.id, "new_root", child)

		n, err := t.readNode(w, child)
		if err != nil {
			return err
		}
		if n.hdr.IsLeaf() {
			return nil
		}
		if root, err = t.loadInternal(w, child); err != nil {
			return err
		}
	}
	if len(root.records) == 0 {
		return base.Corruptf("internal root %d has no children", root.id)
	}
	return nil
}
