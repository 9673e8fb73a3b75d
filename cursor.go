package sombra

import (
	"github.com/maskdotdev/sombra-sub003/internal/base"
	"github.com/maskdotdev/sombra-sub003/internal/page"
)

type boundKind uint8

const (
	unbounded boundKind = iota
	included
	excluded
)

// Bound is one end of a key range.
type Bound[K any] struct {
	kind boundKind
	key  K
}

// Unbounded leaves one end of a range open.
func Unbounded[K any]() Bound[K] {
	return Bound[K]{kind: unbounded}
}

// Included bounds a range at key, inclusively.
func Included[K any](key K) Bound[K] {
	return Bound[K]{kind: included, key: key}
}

// Excluded bounds a range at key, exclusively.
func Excluded[K any](key K) Bound[K] {
	return Bound[K]{kind: excluded, key: key}
}

type encodedBound struct {
	kind boundKind
	key  []byte
}

// Cursor iterates a key range forward. Pages are only read, so a cursor
// over a read snapshot is unaffected by a concurrent writer. A cursor over
// a write transaction must not outlive changes made through it.
//
//	c, err := tree.Range(tx, sombra.Included[uint64](10), sombra.Excluded[uint64](20))
//	for c.Next() {
//		use(c.Key(), c.Value())
//	}
//	err = c.Err()
type Cursor[K, V any] struct {
	t  *Tree[K, V]
	r  PageReader
	hi encodedBound

	leaf   *node
	reader *page.LeafReader

	raw     []byte // last yielded encoded key
	pending bool   // the seek stopped on a record not yet yielded
	pendVal []byte

	key   K
	value V
	done  bool
	err   error
}

// Range returns a cursor over the keys between lo and hi. A range with lo
// above hi, or with equal ends and either end exclusive, is empty.
func (t *Tree[K, V]) Range(r PageReader, lo, hi Bound[K]) (*Cursor[K, V], error) {
	c := &Cursor[K, V]{t: t, r: r, hi: t.encodeBound(hi)}
	low := t.encodeBound(lo)
	if low.kind != unbounded && len(low.key) == 0 || c.hi.kind != unbounded && len(c.hi.key) == 0 {
		return nil, base.Invalidf("empty range bound")
	}
	if low.kind != unbounded && c.hi.kind != unbounded {
		cmp := t.keys.CompareEncoded(low.key, c.hi.key)
		if cmp > 0 || cmp == 0 && (low.kind == excluded || c.hi.kind == excluded) {
			c.done = true
			return c, nil
		}
	}
	if err := c.seek(low); err != nil {
		return nil, err
	}
	return c, nil
}

func (t *Tree[K, V]) encodeBound(b Bound[K]) encodedBound {
	if b.kind == unbounded {
		return encodedBound{}
	}
	return encodedBound{kind: b.kind, key: t.keys.EncodeKey(nil, b.key)}
}

// seek positions the cursor on the first record satisfying lo.
func (c *Cursor[K, V]) seek(lo encodedBound) error {
	var (
		n   *node
		err error
	)
	if lo.kind == unbounded {
		n, err = c.t.edgeLeaf(c.r, false)
	} else {
		_, n, err = c.t.descend(c.r, lo.key, nil)
	}
	if err != nil {
		return err
	}
	c.enter(n)

	for {
		k, v, ok, err := c.step()
		if err != nil || !ok {
			c.done = true
			return err
		}
		if lo.kind != unbounded {
			cmp := c.t.keys.CompareEncoded(k, lo.key)
			if cmp < 0 || cmp == 0 && lo.kind == excluded {
				continue
			}
		}
		c.raw = append(c.raw[:0], k...)
		c.pending, c.pendVal = true, v
		return nil
	}
}

func (c *Cursor[K, V]) enter(n *node) {
	c.leaf = n
	c.reader = page.NewLeafReader(n.hdr, n.payload, n.ext, c.t.opts.prefixCompression)
}

// step decodes the next record, following the sibling chain across leaves.
// The key is valid until the next call.
func (c *Cursor[K, V]) step() ([]byte, []byte, bool, error) {
	for {
		k, v, ok, err := c.reader.Next()
		if err != nil {
			return nil, nil, false, err
		}
		if ok {
			return k, v, true, nil
		}
		next, err := c.t.siblingLeaf(c.r, c.leaf, true)
		if err != nil || next == nil {
			return nil, nil, false, err
		}
		c.enter(next)
	}
}

// Next advances to the next key in range and reports whether there is one.
func (c *Cursor[K, V]) Next() bool {
	if c.done {
		return false
	}
	var k, v []byte
	if c.pending {
		k, v = c.raw, c.pendVal
		c.pending, c.pendVal = false, nil
	} else {
		key, val, ok, err := c.step()
		if err != nil || !ok {
			return c.stop(err)
		}
		if c.t.keys.CompareEncoded(c.raw, key) >= 0 {
			return c.stop(base.Corruptf("leaf %d: key %x does not follow %x", c.leaf.id, key, c.raw))
		}
		c.raw = append(c.raw[:0], key...)
		k, v = c.raw, val
	}

	if c.hi.kind != unbounded {
		cmp := c.t.keys.CompareEncoded(k, c.hi.key)
		if cmp > 0 || cmp == 0 && c.hi.kind == excluded {
			return c.stop(nil)
		}
	}
	key, err := c.t.keys.DecodeKey(k)
	if err != nil {
		return c.stop(err)
	}
	value, err := c.t.vals.DecodeValue(v)
	if err != nil {
		return c.stop(err)
	}
	c.key, c.value = key, value
	return true
}

func (c *Cursor[K, V]) stop(err error) bool {
	c.done, c.err = true, err
	c.leaf, c.reader = nil, nil
	return false
}

// Key returns the current key. Only valid after Next returned true.
func (c *Cursor[K, V]) Key() K {
	return c.key
}

// Value returns the current value. Only valid after Next returned true.
func (c *Cursor[K, V]) Value() V {
	return c.value
}

// Err returns the error that ended iteration, if any.
func (c *Cursor[K, V]) Err() error {
	return c.err
}

// Close releases the cursor's page references. The transaction stays open.
func (c *Cursor[K, V]) Close() {
	c.stop(c.err)
}

// ForEach calls fn for every key in range until fn returns an error.
func (t *Tree[K, V]) ForEach(r PageReader, lo, hi Bound[K], fn func(K, V) error) error {
	c, err := t.Range(r, lo, hi)
	if err != nil {
		return err
	}
	defer c.Close()
	for c.Next() {
		if err := fn(c.Key(), c.Value()); err != nil {
			return err
		}
	}
	return c.Err()
}

// Scan collects every key in range.
func (t *Tree[K, V]) Scan(r PageReader, lo, hi Bound[K]) ([]Item[K, V], error) {
	var items []Item[K, V]
	err := t.ForEach(r, lo, hi, func(k K, v V) error {
		items = append(items, Item[K, V]{Key: k, Value: v})
		return nil
	})
	return items, err
}
