package sombra

import (
	"slices"

	"github.com/maskdotdev/sombra-sub003/internal/base"
	"github.com/maskdotdev/sombra-sub003/internal/page"
)

// splitPoint picks the index of the first entry moved right. It starts at
// the first index whose prefix reaches percent of the total size and walks
// outward to the nearest index accepted by fits. sizes must hold at least
// two entries.
func splitPoint(sizes []int, percent int, fits func(i int) bool) (int, bool) {
	total := 0
	for _, s := range sizes {
		total += s
	}
	target, sum := len(sizes)-1, 0
	for i, s := range sizes {
		if sum*100 >= total*percent {
			target = i
			break
		}
		sum += s
	}
	target = max(1, min(target, len(sizes)-1))

	for d := 0; d < len(sizes); d++ {
		if i := target - d; i >= 1 && fits(i) {
			return i, true
		}
		if i := target + d; d > 0 && i < len(sizes) && fits(i) {
			return i, true
		}
	}
	return 0, false
}

// chooseLeafSplit returns the index of the first entry of the right page.
// The left page keeps roughly the fill target of the record bytes.
func (t *Tree[K, V]) chooseLeafSplit(low, high []byte, entries []page.Entry, compressed bool, payloadLen int) (int, error) {
	// sizes[i] is entry i encoded against its predecessor plus its slot;
	// prefix[j] sums sizes[:j].
	sizes := make([]int, len(entries))
	prefix := make([]int, len(entries)+1)
	prev := low
	for i, e := range entries {
		sizes[i] = page.LeafRecordLen(prev, e.Key, e.Value, compressed) + page.SlotLen
		prefix[i+1] = prefix[i] + sizes[i]
		prev = e.Key
	}
	total := prefix[len(entries)]

	fits := func(j int) bool {
		sep := entries[j].Key
		left := page.HeaderLen + len(low) + len(sep) + prefix[j]
		// The right page's first record is re-encoded against its own low
		// fence, which is the same key.
		first := page.LeafRecordLen(sep, sep, entries[j].Value, compressed) + page.SlotLen
		right := page.HeaderLen + len(sep) + len(high) + first + total - prefix[j+1]
		return left <= payloadLen && right <= payloadLen
	}
	if len(entries) < 2 {
		return 0, base.Corruptf("leaf of %d entries overflowed", len(entries))
	}
	j, ok := splitPoint(sizes, t.opts.pageFillTarget, fits)
	if !ok {
		return 0, base.Corruptf("no split of %d leaf entries fits a %d byte payload", len(entries), payloadLen)
	}
	return j, nil
}

// chooseInternalSplit returns the index of the separator promoted to the
// parent. Internal pages are halved and each half keeps at least two
// children. Key limits guarantee that three maximal records and fences fit
// a payload, so an overflowing page always holds four or more.
func chooseInternalSplit(low, high []byte, records []page.InternalRecord, payloadLen int) (int, error) {
	sizes := make([]int, len(records))
	for i, r := range records {
		sizes[i] = page.InternalRecordLen(r.Separator) + page.SlotLen
	}
	fits := func(s int) bool {
		if s < 2 || len(records)-s < 2 {
			return false
		}
		sep := records[s].Separator
		return page.InternalLayoutSize(low, sep, records[:s]) <= payloadLen &&
			page.InternalLayoutSize(sep, high, records[s:]) <= payloadLen
	}
	if len(records) < 4 {
		return 0, base.Corruptf("internal page of %d records overflowed", len(records))
	}
	s, ok := splitPoint(sizes, 50, fits)
	if !ok {
		return 0, base.Corruptf("no split of %d internal records fits a %d byte payload", len(records), payloadLen)
	}
	return s, nil
}

// splitLeaf spreads entries, which no longer fit in n, across n and a new
// right sibling. The sibling's low fence and the separator inserted into
// the parent are both its first key.
func (t *Tree[K, V]) splitLeaf(w PageWriter, path []pathEntry, n *node, entries []page.Entry) error {
	low, high := n.fenceCopies()
	compressed := n.hdr.Compressed()
	j, err := t.chooseLeafSplit(low, high, entries, compressed, len(n.payload))
	if err != nil {
		return err
	}
	sep := entries[j].Key

	rightID, right, err := t.allocPage(w, page.KindLeaf, n.hdr.Flags)
	if err != nil {
		return err
	}
	if err := rebuildLeaf(n.payload, low, sep, entries[:j], compressed); err != nil {
		return err
	}
	if err := rebuildLeaf(right, sep, high, entries[j:], compressed); err != nil {
		return err
	}

	// Link the new page between n and its old right sibling.
	page.SetParent(right, n.hdr.Parent)
	page.SetLeftSibling(right, n.id)
	page.SetRightSibling(right, n.hdr.RightSibling)
	page.SetRightSibling(n.payload, rightID)
	if next := n.hdr.RightSibling; next != 0 {
		if err := t.setLink(w, next, page.SetLeftSibling, rightID); err != nil {
			return err
		}
	}
	t.stats.leafSplits.Add(1)
	return t.insertSeparator(w, path, n.id, sep, rightID)
}

// insertSeparator adds (sep, rightID) to the parent of leftID, the last
// page of path, splitting upward as needed.
func (t *Tree[K, V]) insertSeparator(w PageWriter, path []pathEntry, leftID base.PageID, sep []byte, rightID base.PageID) error {
	if len(path) == 0 {
		return t.growRoot(w, leftID, sep, rightID)
	}
	pe := path[len(path)-1]
	parent, err := t.loadInternal(w, pe.id)
	if err != nil {
		return err
	}
	if pe.idx >= len(parent.records) || parent.records[pe.idx].Child != leftID {
		return base.Corruptf("page %d: slot %d does not point at child %d", pe.id, pe.idx, leftID)
	}
	records := slices.Insert(parent.records, pe.idx+1, page.InternalRecord{Child: rightID, Separator: sep})
	if err := t.setLink(w, rightID, page.SetParent, pe.id); err != nil {
		return err
	}

	payload, err := t.mutPayload(w, pe.id)
	if err != nil {
		return err
	}
	if page.InternalLayoutSize(parent.low, parent.high, records) <= len(payload) {
		return page.WriteInternal(payload, parent.low, parent.high, records)
	}
	return t.splitInternal(w, path[:len(path)-1], parent, records, payload)
}

// splitInternal halves an internal page holding records. The promoted
// separator stays in the right page as its first separator and low fence.
func (t *Tree[K, V]) splitInternal(w PageWriter, path []pathEntry, p *internalImage, records []page.InternalRecord, payload []byte) error {
	s, err := chooseInternalSplit(p.low, p.high, records, len(payload))
	if err != nil {
		return err
	}
	sep := records[s].Separator

	rightID, right, err := t.allocPage(w, page.KindInternal, 0)
	if err != nil {
		return err
	}
	if err := page.WriteInternal(payload, p.low, sep, records[:s]); err != nil {
		return err
	}
	if err := page.WriteInternal(right, sep, p.high, records[s:]); err != nil {
		return err
	}

	page.SetParent(right, p.hdr.Parent)
	page.SetLeftSibling(right, p.id)
	page.SetRightSibling(right, p.hdr.RightSibling)
	page.SetRightSibling(payload, rightID)
	if next := p.hdr.RightSibling; next != 0 {
		if err := t.setLink(w, next, page.SetLeftSibling, rightID); err != nil {
			return err
		}
	}
	if err := t.reparent(w, records[s:], rightID); err != nil {
		return err
	}
	t.stats.internalSplits.Add(1)
	return t.insertSeparator(w, path, p.id, sep, rightID)
}

// growRoot installs a new internal root above a split root. Height grows by
// one.
func (t *Tree[K, V]) growRoot(w PageWriter, leftID base.PageID, sep []byte, rightID base.PageID) error {
	rootID, root, err := t.allocPage(w, page.KindInternal, 0)
	if err != nil {
		return err
	}
	records := []page.InternalRecord{
		{Child: leftID, Separator: nil},
		{Child: rightID, Separator: sep},
	}
	if err := page.WriteInternal(root, nil, nil, records); err != nil {
		return err
	}
	if err := t.reparent(w, records, rootID); err != nil {
		return err
	}
	if err := t.setRoot(w, rootID); err != nil {
		return err
	}
	t.stats.rootSplits.Add(1)
	t.log.Info("root split", "old_root", leftID, "new_root", rootID)
	return nil
}
