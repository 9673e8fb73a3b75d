package sombra

import "sync/atomic"

// Stats counts tree operations since Open.
type Stats struct {
	LeafSearches     uint64
	InternalSearches uint64

	LeafSplits     uint64
	InternalSplits uint64
	RootSplits     uint64

	LeafBorrows     uint64
	InternalBorrows uint64
	LeafMerges      uint64
	InternalMerges  uint64
	RootCollapses   uint64

	// LeafInPlaceEdits counts puts and deletes applied through the slot
	// allocator; LeafRebuilds counts leaves rewritten from their entries.
	LeafInPlaceEdits uint64
	LeafRebuilds     uint64

	// LeafRebalanceInPlace and LeafRebalanceRebuilds split borrow and merge
	// page writes the same way.
	LeafRebalanceInPlace  uint64
	LeafRebalanceRebuilds uint64

	// LeafBytesMoved and LeafCompactions count record bytes the slot
	// allocator relocated and the compactions it ran during in-place edits.
	LeafBytesMoved  uint64
	LeafCompactions uint64

	// UnresolvedUnderflows counts underflows left in place: no lender or
	// merge partner fits, or the page has no sibling under its parent.
	UnresolvedUnderflows uint64
}

type treeStats struct {
	leafSearches          atomic.Uint64
	internalSearches      atomic.Uint64
	leafSplits            atomic.Uint64
	internalSplits        atomic.Uint64
	rootSplits            atomic.Uint64
	leafBorrows           atomic.Uint64
	internalBorrows       atomic.Uint64
	leafMerges            atomic.Uint64
	internalMerges        atomic.Uint64
	rootCollapses         atomic.Uint64
	leafInPlaceEdits      atomic.Uint64
	leafRebuilds          atomic.Uint64
	leafRebalanceInPlace  atomic.Uint64
	leafRebalanceRebuilds atomic.Uint64
	leafBytesMoved        atomic.Uint64
	leafCompactions       atomic.Uint64
	unresolved            atomic.Uint64
}

func (s *treeStats) snapshot() Stats {
	return Stats{
		LeafSearches:          s.leafSearches.Load(),
		InternalSearches:      s.internalSearches.Load(),
		LeafSplits:            s.leafSplits.Load(),
		InternalSplits:        s.internalSplits.Load(),
		RootSplits:            s.rootSplits.Load(),
		LeafBorrows:           s.leafBorrows.Load(),
		InternalBorrows:       s.internalBorrows.Load(),
		LeafMerges:            s.leafMerges.Load(),
		InternalMerges:        s.internalMerges.Load(),
		RootCollapses:         s.rootCollapses.Load(),
		LeafInPlaceEdits:      s.leafInPlaceEdits.Load(),
		LeafRebuilds:          s.leafRebuilds.Load(),
		LeafRebalanceInPlace:  s.leafRebalanceInPlace.Load(),
		LeafRebalanceRebuilds: s.leafRebalanceRebuilds.Load(),
		LeafBytesMoved:        s.leafBytesMoved.Load(),
		LeafCompactions:       s.leafCompactions.Load(),
		UnresolvedUnderflows:  s.unresolved.Load(),
	}
}
