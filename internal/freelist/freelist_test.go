package freelist

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maskdotdev/sombra-sub003/internal/base"
)

var _ = flag.Bool("slow", false, "run slow tests")

func TestAllocateLowestFirst(t *testing.T) {
	t.Parallel()

	f := New()
	assert.Equal(t, base.PageID(0), f.Allocate(), "empty freelist")

	for _, id := range []base.PageID{30, 10, 20, 10} {
		f.Free(id)
	}
	assert.Equal(t, 3, f.Len())
	assert.Equal(t, base.PageID(10), f.Allocate())
	assert.Equal(t, base.PageID(20), f.Allocate())
	assert.Equal(t, base.PageID(30), f.Allocate())
	assert.Equal(t, base.PageID(0), f.Allocate())
}

func TestPendingRelease(t *testing.T) {
	t.Parallel()

	f := New()
	f.Pending(5, []base.PageID{50, 51})
	f.Pending(7, []base.PageID{70})
	f.Pending(9, nil)
	assert.Equal(t, 3, f.PendingLen())
	assert.Equal(t, base.PageID(0), f.Allocate(), "pending pages are not reusable")

	// Release on a point below every pending txn does nothing
	assert.Equal(t, 0, f.Release(4))

	assert.Equal(t, 2, f.Release(6))
	assert.Equal(t, 1, f.PendingLen())
	assert.Equal(t, base.PageID(50), f.Allocate())

	assert.Equal(t, 1, f.Release(7))
	assert.Equal(t, 0, f.PendingLen())
	assert.Equal(t, 2, f.Len())
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	f := New()
	f.Free(9)
	f.Free(4)
	f.Pending(3, []base.PageID{6, 4})
	assert.Equal(t, []base.PageID{4, 6, 9}, f.IDs())

	buf := make([]byte, 4+8*8)
	n, dropped := f.Encode(buf)
	assert.Equal(t, 4+3*8, n)
	assert.Equal(t, 0, dropped)

	g := New()
	require.NoError(t, g.Decode(buf, 2, 10))
	assert.Equal(t, []base.PageID{4, 6, 9}, g.IDs())
	assert.Equal(t, 0, g.PendingLen())

	small := make([]byte, 4+2*8)
	_, dropped = f.Encode(small)
	assert.Equal(t, 1, dropped)
	require.NoError(t, g.Decode(small, 2, 10))
	assert.Equal(t, []base.PageID{4, 6}, g.IDs())
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	f := New()
	f.Free(12)
	buf := make([]byte, 64)
	f.Encode(buf)

	tests := []struct {
		name  string
		buf   []byte
		first base.PageID
		limit base.PageID
	}{
		{name: "out of range", buf: buf, first: 2, limit: 12},
		{name: "below first", buf: buf, first: 13, limit: 20},
		{name: "short", buf: buf[:2], first: 2, limit: 20},
		{name: "count too large", buf: []byte{0, 0, 0, 9, 1, 2}, first: 2, limit: 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().Decode(tt.buf, tt.first, tt.limit)
			assert.ErrorIs(t, err, base.ErrCorruption)
		})
	}

	dup := make([]byte, 4+16)
	dup[3] = 2
	dup[11] = 5
	dup[19] = 5
	assert.ErrorIs(t, New().Decode(dup, 2, 20), base.ErrCorruption)
}
