package sombra

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// evenTree stores the even keys 0..198 with value key+1 over 256-byte pages,
// so any range of more than a handful of keys crosses leaves.
func evenTree(t *testing.T, options ...Option) (*Store, *Tree[uint64, uint64]) {
	t.Helper()
	s := newStore(t, 256)
	tree := openUint64Tree(t, s, options...)
	mustUpdate(t, s, func(w WriteTx) error {
		for k := uint64(0); k < 200; k += 2 {
			if err := tree.Put(w, k, k+1); err != nil {
				return err
			}
		}
		return nil
	})
	return s, tree
}

func TestCursorBounds(t *testing.T) {
	t.Parallel()

	u := Unbounded[uint64]
	in := Included[uint64]
	ex := Excluded[uint64]
	tests := []struct {
		name   string
		lo, hi Bound[uint64]
		want   func(k uint64) bool
	}{
		{"unbounded", u(), u(), func(uint64) bool { return true }},
		{"half open", in(10), ex(20), func(k uint64) bool { return k >= 10 && k < 20 }},
		{"open closed", ex(10), in(20), func(k uint64) bool { return k > 10 && k <= 20 }},
		{"absent single key", in(11), in(11), func(uint64) bool { return false }},
		{"single key", in(10), in(10), func(k uint64) bool { return k == 10 }},
		{"excluded single key", ex(10), in(10), func(uint64) bool { return false }},
		{"inverted", in(30), in(20), func(uint64) bool { return false }},
		{"tail", in(150), u(), func(k uint64) bool { return k >= 150 }},
		{"tail from absent key", ex(151), u(), func(k uint64) bool { return k > 151 }},
		{"head", u(), in(37), func(k uint64) bool { return k <= 37 }},
		{"below first", u(), ex(0), func(uint64) bool { return false }},
		{"past last", in(199), u(), func(uint64) bool { return false }},
		{"everything bounded", in(0), in(1000), func(uint64) bool { return true }},
	}

	for _, compressed := range []bool{false, true} {
		s, tree := evenTree(t, WithPrefixCompression(compressed))
		for _, tt := range tests {
			t.Run(fmt.Sprintf("%s/compressed=%v", tt.name, compressed), func(t *testing.T) {
				var want []uint64
				for k := uint64(0); k < 200; k += 2 {
					if tt.want(k) {
						want = append(want, k)
					}
				}
				mustView(t, s, func(r ReadTx) error {
					items, err := tree.Scan(r, tt.lo, tt.hi)
					require.NoError(t, err)
					got := make([]uint64, len(items))
					for i, it := range items {
						got[i] = it.Key
						assert.Equal(t, it.Key+1, it.Value)
					}
					assert.Equal(t, want, nilIfEmpty(got))
					return nil
				})
			})
		}
	}
}

func nilIfEmpty(s []uint64) []uint64 {
	if len(s) == 0 {
		return nil
	}
	return s
}

func TestCursorNextAfterEnd(t *testing.T) {
	t.Parallel()

	s, tree := evenTree(t)
	mustView(t, s, func(r ReadTx) error {
		c, err := tree.Range(r, Included[uint64](190), Unbounded[uint64]())
		require.NoError(t, err)
		defer c.Close()

		var keys []uint64
		for c.Next() {
			keys = append(keys, c.Key())
		}
		require.NoError(t, c.Err())
		assert.Equal(t, []uint64{190, 192, 194, 196, 198}, keys)
		assert.False(t, c.Next())
		assert.False(t, c.Next())
		return nil
	})
}

func TestCursorCloseEarly(t *testing.T) {
	t.Parallel()

	s, tree := evenTree(t)
	mustView(t, s, func(r ReadTx) error {
		c, err := tree.Range(r, Unbounded[uint64](), Unbounded[uint64]())
		require.NoError(t, err)
		require.True(t, c.Next())
		assert.Equal(t, uint64(0), c.Key())
		c.Close()
		assert.False(t, c.Next())
		assert.NoError(t, c.Err())
		return nil
	})
}

func TestForEachStopsOnError(t *testing.T) {
	t.Parallel()

	s, tree := evenTree(t)
	stop := errors.New("stop")
	mustView(t, s, func(r ReadTx) error {
		seen := 0
		err := tree.ForEach(r, Unbounded[uint64](), Unbounded[uint64](), func(k, v uint64) error {
			seen++
			if k == 40 {
				return stop
			}
			return nil
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 21, seen)
		return nil
	})
}

func TestCursorEmptyBound(t *testing.T) {
	t.Parallel()

	s := newStore(t, 256)
	tree := openBytesTree(t, s)
	mustView(t, s, func(r ReadTx) error {
		_, err := tree.Range(r, Included([]byte{}), Unbounded[[]byte]())
		assert.ErrorIs(t, err, ErrInvalid)
		_, err = tree.Range(r, Unbounded[[]byte](), Excluded([]byte(nil)))
		assert.ErrorIs(t, err, ErrInvalid)
		return nil
	})
}

func TestCursorSkipsEmptyLeaves(t *testing.T) {
	t.Parallel()

	// A range that starts inside a leaf whose remaining keys are all below
	// the bound continues in the next leaf.
	s, tree := evenTree(t)
	mustView(t, s, func(r ReadTx) error {
		n, err := tree.edgeLeaf(r, false)
		require.NoError(t, err)
		_, high := n.fences()
		require.NotEmpty(t, high)
		next, err := Uint64Codec{}.DecodeKey(high)
		require.NoError(t, err)

		items, err := tree.Scan(r, Excluded(next-2), Included(next))
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, next, items[0].Key)
		return nil
	})
}
