package page

import (
	"github.com/maskdotdev/sombra-sub003/internal/base"
)

// LeafReader yields the records of one leaf in slot order, reconstructing
// prefix-compressed keys from a rolling previous key seeded with the low
// fence.
type LeafReader struct {
	ext         *Extents
	compressed  bool
	allowPrefix bool
	prev        []byte
	idx         int
}

// NewLeafReader starts at slot 0. When allowPrefix is false a record with a
// non-zero prefix length is reported as corruption.
func NewLeafReader(h Header, payload []byte, ext *Extents, allowPrefix bool) *LeafReader {
	low, _ := h.Fences(payload)
	return &LeafReader{
		ext:         ext,
		compressed:  h.Compressed(),
		allowPrefix: allowPrefix,
		prev:        append([]byte(nil), low...),
	}
}

// Next decodes the next record. The key is only valid until the following
// call; value aliases the page.
func (r *LeafReader) Next() (key, value []byte, ok bool, err error) {
	if r.idx >= r.ext.Len() {
		return nil, nil, false, nil
	}
	rec, err := DecodeLeafRecord(r.ext.Record(r.idx), r.compressed)
	if err != nil {
		return nil, nil, false, err
	}
	slot := r.idx
	r.idx++

	if !r.compressed {
		r.prev = append(r.prev[:0], rec.Suffix...)
		return r.prev, rec.Value, true, nil
	}
	if rec.PrefixLen > 0 && !r.allowPrefix {
		return nil, nil, false, base.Corruptf("slot %d has prefix length %d but prefix compression is disabled",
			slot, rec.PrefixLen)
	}
	if rec.PrefixLen > len(r.prev) {
		return nil, nil, false, base.Corruptf("slot %d prefix length %d exceeds previous key of %d bytes",
			slot, rec.PrefixLen, len(r.prev))
	}
	r.prev = append(r.prev[:rec.PrefixLen], rec.Suffix...)
	return r.prev, rec.Value, true, nil
}

// Index is the slot the next call to Next will decode.
func (r *LeafReader) Index() int {
	return r.idx
}

// ReadLeaf decodes all entries of a leaf into freshly allocated slices.
func ReadLeaf(h Header, payload []byte, allowPrefix bool) ([]Entry, error) {
	ext, err := NewExtents(h, payload)
	if err != nil {
		return nil, err
	}
	r := NewLeafReader(h, payload, ext, allowPrefix)
	entries := make([]Entry, 0, ext.Len())
	for {
		k, v, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return entries, nil
		}
		entries = append(entries, Entry{
			Key:   append([]byte(nil), k...),
			Value: append([]byte(nil), v...),
		})
	}
}

// ReadInternal decodes all separator/child pairs of an internal page into
// freshly allocated separators.
func ReadInternal(h Header, payload []byte) ([]InternalRecord, error) {
	ext, err := NewExtents(h, payload)
	if err != nil {
		return nil, err
	}
	records := make([]InternalRecord, ext.Len())
	for i := range records {
		rec, err := DecodeInternalRecord(ext.Record(i))
		if err != nil {
			return nil, err
		}
		rec.Separator = append([]byte{}, rec.Separator...)
		records[i] = rec
	}
	return records, nil
}

// LeafLayoutSize returns the payload bytes a leaf built from entries would
// occupy: header, fences, records and slots.
func LeafLayoutSize(low, high []byte, entries []Entry, compressed bool) int {
	size := HeaderLen + len(low) + len(high) + len(entries)*SlotLen
	prev := low
	for _, e := range entries {
		size += LeafRecordLen(prev, e.Key, e.Value, compressed)
		prev = e.Key
	}
	return size
}

// InternalLayoutSize returns the payload bytes an internal page would occupy.
func InternalLayoutSize(low, high []byte, records []InternalRecord) int {
	size := HeaderLen + len(low) + len(high) + len(records)*SlotLen
	for _, r := range records {
		size += InternalRecordLen(r.Separator)
	}
	return size
}

// WriteInternal rewrites an internal page from records, keeping its parent
// and sibling links. The records must not alias payload.
func WriteInternal(payload []byte, low, high []byte, records []InternalRecord) error {
	if InternalLayoutSize(low, high, records) > len(payload) {
		return base.ErrPageFull
	}
	h, err := ParseHeader(payload)
	if err != nil {
		return err
	}
	if err := WriteInitialHeader(payload, KindInternal); err != nil {
		return err
	}
	SetParent(payload, h.Parent)
	SetLeftSibling(payload, h.LeftSibling)
	SetRightSibling(payload, h.RightSibling)
	if err := SetFences(payload, low, high); err != nil {
		return err
	}

	off := HeaderLen + len(low) + len(high)
	count := len(records)
	var scratch []byte
	for i, r := range records {
		scratch = AppendInternalRecord(scratch[:0], r.Separator, r.Child)
		copy(payload[off:], scratch)
		SetSlot(payload, count, i, Slot{Offset: uint16(off), Length: uint16(len(scratch))})
		off += len(scratch)
	}
	SetSlotCount(payload, count)
	SetFreeStart(payload, off)
	SetFreeEnd(payload, len(payload)-count*SlotLen)
	return nil
}
