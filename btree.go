package sombra

import (
	"errors"
	"slices"

	"github.com/maskdotdev/sombra-sub003/internal/base"
	"github.com/maskdotdev/sombra-sub003/internal/page"
)

// Tree is a B+tree of encoded keys and values stored in slotted pages.
//
// The tree holds no locks. Reads take any PageReader, writes a PageWriter;
// the page store decides isolation. Every page carries low and high fence
// keys: a child's fences are its separator in the parent and the next one
// (or the parent's high fence), and an empty fence is unbounded.
type Tree[K, V any] struct {
	opts  Options
	keys  KeyCodec[K]
	vals  ValueCodec[V]
	log   Logger
	stats treeStats
}

// Item is one key/value pair of a batch or scan.
type Item[K, V any] struct {
	Key   K
	Value V
}

// Open creates a tree with an empty leaf root, or reopens the tree whose
// root is recorded in the configured root slot or given by WithRootPage.
func Open[K, V any](store PageStore, keys KeyCodec[K], vals ValueCodec[V], options ...Option) (*Tree[K, V], error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if store == nil || keys == nil || vals == nil {
		return nil, base.Invalidf("store and codecs are required")
	}
	if !base.ValidPageSize(store.PageSize()) {
		return nil, base.Invalidf("page size %d: %v", store.PageSize(), base.ErrInvalidPageSize)
	}
	if v, ok := store.(base.ChecksumVerifier); ok {
		v.SetVerifyChecksums(opts.checksumVerify)
	}

	t := &Tree[K, V]{
		opts: opts,
		keys: keys,
		vals: vals,
		log:  opts.logger,
	}

	root := opts.rootPage
	if root == 0 {
		rtx, err := store.BeginRead()
		if err != nil {
			return nil, err
		}
		root = rtx.Root(opts.rootSlot)
		rtx.Release()
	}
	if root != 0 {
		if err := t.reopen(store, root); err != nil {
			return nil, err
		}
		t.log.Info("reopened tree", "root", root, "slot", opts.rootSlot)
		return t, nil
	}

	err := update(store, func(w WriteTx) error {
		var flags uint8
		if opts.prefixCompression {
			flags = page.FlagPrefixCompressed
		}
		id, _, err := t.allocPage(w, page.KindLeaf, flags)
		if err != nil {
			return err
		}
		root = id
		return t.setRoot(w, id)
	})
	if err != nil {
		return nil, err
	}
	t.log.Info("created tree", "root", root, "slot", opts.rootSlot)
	return t, nil
}

// reopen validates an existing root and records it in the root slot when
// the slot disagrees.
func (t *Tree[K, V]) reopen(store PageStore, root base.PageID) error {
	rtx, err := store.BeginRead()
	if err != nil {
		return err
	}
	n, err := t.readNode(rtx, root)
	slotted := rtx.Root(t.opts.rootSlot)
	rtx.Release()
	if err != nil {
		t.log.Error("cannot read tree root", "root", root, "error", err)
		return err
	}
	if n.hdr.Parent != 0 {
		return base.Corruptf("root page %d has parent %d", root, n.hdr.Parent)
	}
	if slotted == root {
		return nil
	}
	if slotted != 0 {
		t.log.Warn("root slot reassigned", "slot", t.opts.rootSlot, "old_root", slotted, "new_root", root)
	}
	return update(store, func(w WriteTx) error {
		return w.SetRoot(t.opts.rootSlot, root)
	})
}

func update(store PageStore, fn func(WriteTx) error) error {
	w, err := store.BeginWrite()
	if err != nil {
		return err
	}
	defer w.Rollback()
	if err := fn(w); err != nil {
		return err
	}
	return w.Commit()
}

// rootFor returns the root visible to r. Roots live in a store root slot
// so each snapshot sees its own and a rollback discards a new one.
func (t *Tree[K, V]) rootFor(r PageReader) base.PageID {
	return r.Root(t.opts.rootSlot)
}

func (t *Tree[K, V]) setRoot(w PageWriter, id base.PageID) error {
	return w.SetRoot(t.opts.rootSlot, id)
}

// Root returns the root page id visible to r.
func (t *Tree[K, V]) Root(r PageReader) PageID {
	return t.rootFor(r)
}

// Stats returns a snapshot of the operation counters.
func (t *Tree[K, V]) Stats() Stats {
	return t.stats.snapshot()
}

// Get returns the value stored under key.
func (t *Tree[K, V]) Get(r PageReader, key K) (V, bool, error) {
	var zero V
	k := t.keys.EncodeKey(nil, key)
	if len(k) == 0 {
		return zero, false, base.Invalidf("empty key")
	}
	_, n, err := t.descend(r, k, nil)
	if err != nil {
		return zero, false, err
	}
	pos, err := t.searchLeaf(n, k)
	if err != nil || !pos.found {
		return zero, false, err
	}
	v, err := t.vals.DecodeValue(pos.value)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Put inserts key or replaces its value.
func (t *Tree[K, V]) Put(w PageWriter, key K, value V) error {
	k := t.keys.EncodeKey(nil, key)
	v := t.vals.EncodeValue(nil, value)
	if err := checkEntry(w.PageSize(), k, v); err != nil {
		return err
	}
	path, n, err := t.descend(w, k, nil)
	if err != nil {
		return err
	}
	_, err = t.putAt(w, path, n.id, k, v)
	return err
}

// putAt stores k in leaf id, whose ancestors are path. It reports whether
// the leaf split, which invalidates path and the leaf's fences.
func (t *Tree[K, V]) putAt(w PageWriter, path []pathEntry, id base.PageID, k, v []byte) (bool, error) {
	n, err := t.mutNode(w, id)
	if err != nil {
		return false, err
	}
	pos, err := t.searchLeaf(n, k)
	if err != nil {
		return false, err
	}
	if t.opts.inPlaceLeafEdits {
		err := t.putInPlace(n, pos, k, v)
		if err == nil {
			t.stats.leafInPlaceEdits.Add(1)
			return false, nil
		}
		if !base.Recoverable(err) {
			return false, err
		}
	}

	entries, err := t.leafEntries(n)
	if err != nil {
		return false, err
	}
	if pos.found {
		entries[pos.idx].Value = v
	} else {
		entries = slices.Insert(entries, pos.idx, page.Entry{Key: k, Value: v})
	}
	low, high := n.fences()
	if page.LeafLayoutSize(low, high, entries, n.hdr.Compressed()) <= len(n.payload) {
		if err := rebuildLeaf(n.payload, low, high, entries, n.hdr.Compressed()); err != nil {
			return false, err
		}
		t.stats.leafRebuilds.Add(1)
		return false, nil
	}
	return true, t.logCorruption("split", t.splitLeaf(w, path, n, entries))
}

// logCorruption reports structural damage met while reshaping the tree.
func (t *Tree[K, V]) logCorruption(op string, err error) error {
	if errors.Is(err, base.ErrCorruption) {
		t.log.Error("corruption during "+op, "error", err)
	}
	return err
}

// Delete removes key and reports whether it was present.
func (t *Tree[K, V]) Delete(w PageWriter, key K) (bool, error) {
	k := t.keys.EncodeKey(nil, key)
	if len(k) == 0 {
		return false, base.Invalidf("empty key")
	}
	path, n, err := t.descend(w, k, nil)
	if err != nil {
		return false, err
	}
	pos, err := t.searchLeaf(n, k)
	if err != nil || !pos.found {
		return false, err
	}

	if n, err = t.mutNode(w, n.id); err != nil {
		return false, err
	}
	if err := t.deleteAt(n, pos); err != nil {
		return false, err
	}
	if len(path) == 0 {
		return true, nil
	}
	if n, err = t.mutNode(w, n.id); err != nil {
		return false, err
	}
	if !t.leafUnderflow(n.used(), n.count(), len(n.payload)) {
		return true, nil
	}
	retry, err := t.rebalanceLeaf(w, path, n)
	if err == nil && retry {
		// n had no sibling and its parent was rebalanced first. The leaf
		// keeps its fences, so k still leads to it.
		path, n, err = t.descend(w, k, path[:0])
		if err == nil && len(path) > 0 && t.leafUnderflow(n.used(), n.count(), len(n.payload)) {
			if retry, err = t.rebalanceLeaf(w, path, n); err == nil && retry {
				t.stats.unresolved.Add(1)
				t.log.Warn("leaf underflow unresolved: no sibling under parent", "page", n.id)
			}
		}
	}
	return true, t.logCorruption("rebalance", err)
}

func (t *Tree[K, V]) deleteAt(n *node, pos leafPos) error {
	if t.opts.inPlaceLeafEdits {
		err := t.deleteInPlace(n, pos)
		if err == nil {
			t.stats.leafInPlaceEdits.Add(1)
			return nil
		}
		if !base.Recoverable(err) {
			return err
		}
	}
	entries, err := t.leafEntries(n)
	if err != nil {
		return err
	}
	entries = slices.Delete(entries, pos.idx, pos.idx+1)
	low, high := n.fences()
	if err := rebuildLeaf(n.payload, low, high, entries, n.hdr.Compressed()); err != nil {
		return err
	}
	t.stats.leafRebuilds.Add(1)
	return nil
}

// PutMany stores a batch. Items are applied in key order and the last of
// several items with equal keys wins. Consecutive keys that fall within
// the fences of the previous leaf skip the descent. The whole batch is
// validated before any page changes.
func (t *Tree[K, V]) PutMany(w PageWriter, items []Item[K, V]) error {
	type encoded struct {
		key, value []byte
	}
	batch := make([]encoded, len(items))
	for i, it := range items {
		k := t.keys.EncodeKey(nil, it.Key)
		v := t.vals.EncodeValue(nil, it.Value)
		if err := checkEntry(w.PageSize(), k, v); err != nil {
			return err
		}
		batch[i] = encoded{key: k, value: v}
	}
	slices.SortStableFunc(batch, func(a, b encoded) int {
		return t.keys.CompareEncoded(a.key, b.key)
	})

	var (
		path      []pathEntry
		leafID    base.PageID
		low, high []byte
		cached    bool
	)
	for i, e := range batch {
		if i+1 < len(batch) && t.keys.CompareEncoded(e.key, batch[i+1].key) == 0 {
			continue
		}
		if !cached || !t.within(e.key, low, high) {
			p, n, err := t.descend(w, e.key, path[:0])
			if err != nil {
				return err
			}
			path, leafID, cached = p, n.id, true
			low, high = n.fenceCopies()
		}
		split, err := t.putAt(w, path, leafID, e.key, e.value)
		if err != nil {
			return err
		}
		if split {
			cached = false
		}
	}
	return nil
}

// First returns the smallest key and its value.
func (t *Tree[K, V]) First(r PageReader) (K, V, bool, error) {
	return t.edge(r, false)
}

// Last returns the largest key and its value.
func (t *Tree[K, V]) Last(r PageReader) (K, V, bool, error) {
	return t.edge(r, true)
}

func (t *Tree[K, V]) edge(r PageReader, last bool) (K, V, bool, error) {
	var (
		zk K
		zv V
	)
	n, err := t.edgeLeaf(r, last)
	if err != nil {
		return zk, zv, false, err
	}
	// Only an unresolved underflow leaves a non-root leaf empty; step over it.
	for n.count() == 0 {
		if n, err = t.siblingLeaf(r, n, !last); err != nil || n == nil {
			return zk, zv, false, err
		}
	}

	entries, err := t.leafEntries(n)
	if err != nil {
		return zk, zv, false, err
	}
	e := entries[0]
	if last {
		e = entries[len(entries)-1]
	}
	k, err := t.keys.DecodeKey(e.Key)
	if err != nil {
		return zk, zv, false, err
	}
	v, err := t.vals.DecodeValue(e.Value)
	if err != nil {
		return zk, zv, false, err
	}
	return k, v, true, nil
}

// Len counts the keys by walking the leaf chain.
func (t *Tree[K, V]) Len(r PageReader) (int, error) {
	n, err := t.edgeLeaf(r, false)
	if err != nil {
		return 0, err
	}
	total := 0
	for n != nil {
		total += n.count()
		if n, err = t.siblingLeaf(r, n, true); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Height returns the number of levels, 1 for a leaf root.
func (t *Tree[K, V]) Height(r PageReader) (int, error) {
	id := t.rootFor(r)
	for h := 1; h <= maxDepth; h++ {
		n, err := t.readNode(r, id)
		if err != nil {
			return 0, err
		}
		if n.hdr.IsLeaf() {
			return h, nil
		}
		if n.count() == 0 {
			return 0, base.Corruptf("internal page %d has no children", n.id)
		}
		rec, err := n.child(0)
		if err != nil {
			return 0, err
		}
		id = rec.Child
	}
	return 0, base.Corruptf("descent from root %d exceeded %d levels", t.rootFor(r), maxDepth)
}
