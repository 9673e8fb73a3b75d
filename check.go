package sombra

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/maskdotdev/sombra-sub003/internal/base"
	"github.com/maskdotdev/sombra-sub003/internal/page"
)

// CheckOptions configures Check.
type CheckOptions struct {
	// Workers verifies the pages of one level in parallel. The reader must
	// be safe for concurrent use when Workers is above 1.
	Workers int
}

// CheckResult summarizes a verified tree.
type CheckResult struct {
	Height int
	Pages  int
	Leaves int
	Keys   int
}

// checkItem is a page awaiting verification together with what its parent
// says about it.
type checkItem struct {
	id        base.PageID
	parent    base.PageID
	low, high []byte
}

type checkedPage struct {
	leaf     bool
	left     base.PageID
	right    base.PageID
	keys     int
	children []checkItem
	err      error
}

// Check verifies the whole tree level by level: page kinds and extents,
// fence discipline, key order within each page, parent references and the
// sibling chain of every level. It returns the first violation found,
// wrapped in ErrCorruption.
func (t *Tree[K, V]) Check(r PageReader, opts CheckOptions) (CheckResult, error) {
	var pool *ants.Pool
	if opts.Workers > 1 {
		p, err := ants.NewPool(opts.Workers, ants.WithPanicHandler(func(v any) {
			t.log.Error("page check panicked", "panic", v)
		}))
		if err != nil {
			return CheckResult{}, err
		}
		defer p.Release()
		pool = p
	}

	var res CheckResult
	seen := make(map[base.PageID]struct{})
	level := []checkItem{{id: t.rootFor(r)}}
	for len(level) > 0 {
		res.Height++
		if res.Height > maxDepth {
			return res, base.Corruptf("tree exceeds %d levels", maxDepth)
		}
		for _, it := range level {
			if _, dup := seen[it.id]; dup {
				return res, base.Corruptf("page %d is referenced twice", it.id)
			}
			seen[it.id] = struct{}{}
		}

		checked, err := t.checkLevel(r, pool, level)
		if err != nil {
			return res, err
		}

		var next []checkItem
		for i, c := range checked {
			if c.leaf != checked[0].leaf {
				return res, base.Corruptf("level %d mixes leaves and internal pages", res.Height)
			}
			var wantLeft, wantRight base.PageID
			if i > 0 {
				wantLeft = level[i-1].id
			}
			if i+1 < len(level) {
				wantRight = level[i+1].id
			}
			if c.left != wantLeft || c.right != wantRight {
				return res, base.Corruptf("page %d links (%d, %d), want (%d, %d)",
					level[i].id, c.left, c.right, wantLeft, wantRight)
			}
			res.Pages++
			if c.leaf {
				res.Leaves++
				res.Keys += c.keys
			}
			next = append(next, c.children...)
		}
		level = next
	}
	return res, nil
}

// checkLevel verifies every page of one level, on pool when it is set.
func (t *Tree[K, V]) checkLevel(r PageReader, pool *ants.Pool, level []checkItem) ([]checkedPage, error) {
	checked := make([]checkedPage, len(level))
	if pool == nil {
		for i, it := range level {
			checked[i] = t.checkPage(r, it)
		}
	} else {
		var wg sync.WaitGroup
		for i, it := range level {
			wg.Add(1)
			err := pool.Submit(func() {
				defer wg.Done()
				checked[i] = t.checkPage(r, it)
			})
			if err != nil {
				wg.Done()
				checked[i].err = err
			}
		}
		wg.Wait()
	}

	var errs []error
	for _, c := range checked {
		if c.err != nil {
			errs = append(errs, c.err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return checked, nil
}

func (t *Tree[K, V]) checkPage(r PageReader, it checkItem) checkedPage {
	n, err := t.readNode(r, it.id)
	if err != nil {
		return checkedPage{err: err}
	}
	c := checkedPage{leaf: n.hdr.IsLeaf(), left: n.hdr.LeftSibling, right: n.hdr.RightSibling}
	if n.hdr.Parent != it.parent {
		return checkedPage{err: base.Corruptf("page %d has parent %d, want %d", it.id, n.hdr.Parent, it.parent)}
	}
	low, high := n.fences()
	if !bytes.Equal(low, it.low) || !bytes.Equal(high, it.high) {
		return checkedPage{err: base.Corruptf("page %d fences [%x, %x), parent expects [%x, %x)",
			it.id, low, high, it.low, it.high)}
	}

	if c.leaf {
		entries, err := t.leafEntries(n)
		if err != nil {
			return checkedPage{err: err}
		}
		keys := make([][]byte, len(entries))
		for i, e := range entries {
			keys[i] = e.Key
		}
		if err := t.checkOrder(it.id, keys, low, high, true); err != nil {
			return checkedPage{err: err}
		}
		c.keys = len(entries)
		return c
	}

	records, err := page.ReadInternal(n.hdr, n.payload)
	if err != nil {
		return checkedPage{err: fmt.Errorf("page %d: %w", it.id, err)}
	}
	if len(records) == 0 {
		return checkedPage{err: base.Corruptf("internal page %d has no children", it.id)}
	}
	if !bytes.Equal(records[0].Separator, low) {
		return checkedPage{err: base.Corruptf("internal page %d first separator %x differs from low fence %x",
			it.id, records[0].Separator, low)}
	}
	seps := make([][]byte, len(records)-1)
	for i := range seps {
		seps[i] = records[i+1].Separator
	}
	if err := t.checkOrder(it.id, seps, low, high, false); err != nil {
		return checkedPage{err: err}
	}
	for i, rec := range records {
		child := checkItem{id: rec.Child, parent: it.id, low: rec.Separator, high: high}
		if i+1 < len(records) {
			child.high = records[i+1].Separator
		}
		c.children = append(c.children, child)
	}
	return c
}

// checkOrder verifies keys are strictly ascending and inside the fences.
// Leaf keys may equal the low fence; separators after the first must exceed
// it.
func (t *Tree[K, V]) checkOrder(id base.PageID, keys [][]byte, low, high []byte, leaf bool) error {
	for i, k := range keys {
		if i > 0 && t.keys.CompareEncoded(keys[i-1], k) >= 0 {
			return base.Corruptf("page %d: key %x does not follow %x", id, k, keys[i-1])
		}
		if len(low) > 0 {
			c := t.keys.CompareEncoded(k, low)
			if c < 0 || c == 0 && !leaf {
				return base.Corruptf("page %d: key %x below low fence %x", id, k, low)
			}
		}
		if len(high) > 0 && t.keys.CompareEncoded(k, high) >= 0 {
			return base.Corruptf("page %d: key %x not below high fence %x", id, k, high)
		}
	}
	return nil
}
