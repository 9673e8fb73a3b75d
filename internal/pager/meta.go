package pager

import (
	"encoding/binary"
	"fmt"

	"github.com/maskdotdev/sombra-sub003/internal/base"
	"github.com/maskdotdev/sombra-sub003/internal/freelist"
)

// Meta pages 0 and 1 alternate by transaction id; the valid one with the
// higher id wins on open.
//
// Layout after the storage header (big-endian):
//
//	[TxID: 8][NumPages: 8][Roots: 8*MaxRoots][FreeCount: 4][FreeIDs: 8*FreeCount]
const (
	metaTxIDOffset     = base.PageHeaderLen
	metaNumPagesOffset = metaTxIDOffset + 8
	metaRootsOffset    = metaNumPagesOffset + 8
	metaFreeOffset     = metaRootsOffset + 8*base.MaxRoots

	// firstDataPage is the lowest id a caller can allocate.
	firstDataPage base.PageID = 2
)

// Meta is the committed state a snapshot observes.
type Meta struct {
	TxID     uint64
	NumPages uint64
	Roots    [base.MaxRoots]base.PageID
	Salt     uint64
}

// encode writes the meta page into buf, embedding as many free ids as fit.
// Returns the number of free ids that were dropped.
func (m *Meta) encode(buf []byte, id base.PageID, fl *freelist.Freelist) int {
	clear(buf)
	h := base.PageHeader{
		Version:  base.FormatVersion,
		Kind:     base.KindMeta,
		PageSize: uint32(len(buf)),
		PageNo:   id,
		Salt:     m.Salt,
	}
	h.Encode(buf)
	binary.BigEndian.PutUint64(buf[metaTxIDOffset:], m.TxID)
	binary.BigEndian.PutUint64(buf[metaNumPagesOffset:], m.NumPages)
	for i, root := range m.Roots {
		binary.BigEndian.PutUint64(buf[metaRootsOffset+8*i:], uint64(root))
	}
	_, dropped := fl.Encode(buf[metaFreeOffset:])
	base.StampChecksum(buf)
	return dropped
}

// decodeMeta validates meta page id and loads its freelist into fl.
func decodeMeta(buf []byte, id base.PageID, fl *freelist.Freelist) (Meta, error) {
	h, err := base.DecodePageHeader(buf)
	if err != nil {
		return Meta{}, fmt.Errorf("meta page %d: %w", id, err)
	}
	if h.Kind != base.KindMeta || h.PageNo != id {
		return Meta{}, base.Corruptf("meta page %d has kind %s and number %d", id, h.Kind, h.PageNo)
	}
	if err := base.VerifyChecksum(id, buf); err != nil {
		return Meta{}, err
	}

	m := Meta{
		TxID:     binary.BigEndian.Uint64(buf[metaTxIDOffset:]),
		NumPages: binary.BigEndian.Uint64(buf[metaNumPagesOffset:]),
		Salt:     h.Salt,
	}
	if m.NumPages < uint64(firstDataPage) {
		return Meta{}, base.Corruptf("meta page %d records %d pages", id, m.NumPages)
	}
	for i := range m.Roots {
		root := base.PageID(binary.BigEndian.Uint64(buf[metaRootsOffset+8*i:]))
		if root != 0 && (root < firstDataPage || uint64(root) >= m.NumPages) {
			return Meta{}, base.Corruptf("meta page %d root slot %d points at page %d", id, i, root)
		}
		m.Roots[i] = root
	}
	if err := fl.Decode(buf[metaFreeOffset:], firstDataPage, base.PageID(m.NumPages)); err != nil {
		return Meta{}, err
	}
	return m, nil
}
