package leaf

import (
	"bytes"
	"flag"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maskdotdev/sombra-sub003/internal/base"
	"github.com/maskdotdev/sombra-sub003/internal/page"
)

var slow = flag.Bool("slow", false, "run slow tests")

const payloadSize = 256

func newLeaf(t *testing.T) []byte {
	t.Helper()
	payload := make([]byte, payloadSize)
	require.NoError(t, page.WriteInitialHeader(payload, page.KindLeaf))
	return payload
}

func open(t *testing.T, payload []byte) *Allocator {
	t.Helper()
	a, err := Open(payload)
	require.NoError(t, err)
	return a
}

// rec builds a plain record; key is 2 bytes so len(rec) == 4 + len(value).
func rec(key string, valueLen int) []byte {
	return page.AppendLeafRecord(nil, []byte(key), bytes.Repeat([]byte{'v'}, valueLen))
}

func keys(t *testing.T, payload []byte) []string {
	t.Helper()
	h, err := page.ParseHeader(payload)
	require.NoError(t, err)
	entries, err := page.ReadLeaf(h, payload, false)
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Key)
	}
	return out
}

func TestOpenRejects(t *testing.T) {
	t.Parallel()

	internal := make([]byte, payloadSize)
	require.NoError(t, page.WriteInitialHeader(internal, page.KindInternal))
	_, err := Open(internal)
	assert.ErrorIs(t, err, base.ErrInvalid)

	payload := newLeaf(t)
	a := open(t, payload)
	require.NoError(t, a.InsertSlot(0, rec("k0", 10)))
	require.NoError(t, a.InsertSlot(1, rec("k1", 10)))
	s0, err := a.Header().Slots(payload).Get(0)
	require.NoError(t, err)
	page.SetSlot(payload, 2, 1, page.Slot{Offset: s0.Offset + 2, Length: 14})
	_, err = Open(payload)
	assert.ErrorIs(t, err, base.ErrCorruption)
}

func TestInsertAppendsAtFreeStart(t *testing.T) {
	t.Parallel()

	payload := newLeaf(t)
	a := open(t, payload)

	require.NoError(t, a.InsertSlot(0, rec("kb", 10)))
	require.NoError(t, a.InsertSlot(0, rec("ka", 10)))
	require.NoError(t, a.InsertSlot(2, rec("kc", 10)))

	h := a.Header()
	assert.Equal(t, 3, h.SlotCount)
	assert.Equal(t, page.HeaderLen+42, h.FreeStart)
	assert.Equal(t, payloadSize-12, h.FreeEnd)
	assert.Equal(t, []string{"ka", "kb", "kc"}, keys(t, payload))
	assert.Empty(t, a.FreeRegions())

	// Slot 0 was inserted second, so it sits after "kb" in the arena.
	s, err := h.Slots(payload).Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(page.HeaderLen+14), s.Offset)
}

func TestFreeRegionReuseAndRetract(t *testing.T) {
	t.Parallel()

	payload := newLeaf(t)
	a := open(t, payload)
	for i, k := range []string{"ka", "kb", "kc"} {
		require.NoError(t, a.InsertSlot(i, rec(k, 10)))
	}

	require.NoError(t, a.DeleteSlot(1))
	assert.Equal(t, []Region{{Start: 62, End: 76}}, a.FreeRegions())
	assert.Equal(t, make([]byte, 14), payload[62:76], "vacated bytes are zeroed")

	// Reopening derives the same region from the slots alone.
	assert.Equal(t, []Region{{Start: 62, End: 76}}, open(t, payload).FreeRegions())

	require.NoError(t, a.InsertSlot(1, rec("kd", 6)))
	s, err := a.Header().Slots(payload).Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint16(62), s.Offset)
	assert.Equal(t, []Region{{Start: 72, End: 76}}, a.FreeRegions())
	assert.Equal(t, 90, a.Header().FreeStart)

	// Freeing the last record coalesces with the gap and retracts free_start.
	require.NoError(t, a.DeleteSlot(2))
	assert.Empty(t, a.FreeRegions())
	assert.Equal(t, 72, a.Header().FreeStart)
	assert.Equal(t, []string{"ka", "kd"}, keys(t, payload))
}

func TestSmallestFitWins(t *testing.T) {
	t.Parallel()

	payload := newLeaf(t)
	a := open(t, payload)
	sizes := []int{20, 2, 8, 2}
	for i, v := range sizes {
		require.NoError(t, a.InsertSlot(i, rec(fmt.Sprintf("k%d", i), v)))
	}
	// Free the 24 byte and the 12 byte records.
	require.NoError(t, a.DeleteSlot(2))
	require.NoError(t, a.DeleteSlot(0))
	require.Len(t, a.FreeRegions(), 2)

	require.NoError(t, a.InsertSlot(0, rec("kx", 6)))
	s, err := a.Header().Slots(payload).Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(page.HeaderLen+24+6), s.Offset, "placed in the 12 byte gap")
}

func TestCompactionLeavesGapAtInsertPoint(t *testing.T) {
	t.Parallel()

	payload := newLeaf(t)
	a := open(t, payload)
	// 11 records of 14 bytes plus slots consume 198 of 208 arena bytes.
	for i := 0; i < 11; i++ {
		require.NoError(t, a.InsertSlot(i, rec(fmt.Sprintf("%02d", i), 10)))
	}
	assert.Equal(t, 10, a.FreeBytes())

	for _, i := range []int{5, 3, 1} {
		require.NoError(t, a.DeleteSlot(i))
	}
	require.Len(t, a.FreeRegions(), 3)

	// 20 bytes fits no gap and not the headroom, so the arena is compacted.
	require.NoError(t, a.InsertSlot(2, rec("zz", 16)))
	assert.Equal(t, 1, a.Stats().Compactions)
	assert.Greater(t, a.Stats().BytesMoved, 0)
	assert.Empty(t, a.FreeRegions())
	assert.Equal(t, []string{"00", "02", "zz", "04", "06", "07", "08", "09", "10"}, keys(t, payload))

	// Records are contiguous from the arena start in slot order.
	h := a.Header()
	ext, err := page.NewExtents(h, payload)
	require.NoError(t, err)
	off := h.FencesEnd()
	for i := 0; i < ext.Len(); i++ {
		assert.Equal(t, off, ext.At(i).Start)
		off = ext.At(i).End
	}
	assert.Equal(t, off, h.FreeStart)
}

func TestPageFullLeavesPageUntouched(t *testing.T) {
	t.Parallel()

	payload := newLeaf(t)
	a := open(t, payload)
	for i := 0; i < 11; i++ {
		require.NoError(t, a.InsertSlot(i, rec(fmt.Sprintf("%02d", i), 10)))
	}
	before := bytes.Clone(payload)

	err := a.InsertSlot(11, rec("xx", 10))
	assert.ErrorIs(t, err, base.ErrPageFull)
	assert.Equal(t, before, payload)

	// Growing a record beyond the remaining space restores the slot.
	err = a.ReplaceSlot(0, rec("00", 26))
	assert.ErrorIs(t, err, base.ErrPageFull)
	assert.Equal(t, before, payload)
	assert.Equal(t, 11, a.Len())
}

func TestSlotOverflow(t *testing.T) {
	t.Parallel()

	payload := newLeaf(t)
	a := open(t, payload)

	// 3 byte records cost 7 bytes each; 29 of them leave 5 bytes.
	var err error
	n := 0
	for err == nil {
		err = a.InsertSlot(n, page.AppendLeafRecord(nil, []byte{byte('A' + n%26)}, nil))
		if err == nil {
			n++
		}
	}
	assert.ErrorIs(t, err, base.ErrPageFull)
	assert.Equal(t, 29, n)

	require.NoError(t, a.InsertSlot(n, []byte{0x01}))
	assert.Equal(t, 0, a.FreeBytes())
	assert.ErrorIs(t, a.InsertSlot(0, []byte{0x01}), base.ErrSlotOverflow)
}

func TestReplaceSlot(t *testing.T) {
	t.Parallel()

	payload := newLeaf(t)
	a := open(t, payload)
	for i, k := range []string{"ka", "kb", "kc"} {
		require.NoError(t, a.InsertSlot(i, rec(k, 10)))
	}

	t.Run("shrink", func(t *testing.T) {
		require.NoError(t, a.ReplaceSlot(0, rec("ka", 6)))
		assert.Equal(t, []Region{{Start: 58, End: 62}}, a.FreeRegions())
		got, err := a.Record(0)
		require.NoError(t, err)
		assert.Equal(t, rec("ka", 6), got)
	})

	t.Run("grow", func(t *testing.T) {
		require.NoError(t, a.ReplaceSlot(1, rec("kb", 16)))
		s, err := a.Header().Slots(payload).Get(1)
		require.NoError(t, err)
		assert.Equal(t, uint16(90), s.Offset)
		assert.Equal(t, uint16(20), s.Length)
		assert.Equal(t, []Region{{Start: 58, End: 76}}, a.FreeRegions())
		assert.Equal(t, make([]byte, 18), payload[58:76])
		assert.Equal(t, []string{"ka", "kb", "kc"}, keys(t, payload))
	})

	t.Run("invalid", func(t *testing.T) {
		assert.ErrorIs(t, a.ReplaceSlot(3, rec("kz", 1)), base.ErrInvalid)
		assert.ErrorIs(t, a.ReplaceSlot(0, nil), base.ErrInvalid)
		assert.ErrorIs(t, a.DeleteSlot(-1), base.ErrInvalid)
		assert.ErrorIs(t, a.InsertSlot(5, rec("kz", 1)), base.ErrInvalid)
	})
}

func TestUpdateFencesCompacts(t *testing.T) {
	t.Parallel()

	payload := newLeaf(t)
	a := open(t, payload)
	for i, k := range []string{"ka", "kb", "kc"} {
		require.NoError(t, a.InsertSlot(i, rec(k, 10)))
	}
	require.NoError(t, a.DeleteSlot(1))

	require.NoError(t, a.UpdateLowFence([]byte("k")))
	require.NoError(t, a.UpdateHighFence([]byte("kz")))
	h := a.Header()
	low, high := h.Fences(payload)
	assert.Equal(t, []byte("k"), low)
	assert.Equal(t, []byte("kz"), high)
	assert.Equal(t, page.HeaderLen+3+28, h.FreeStart)
	assert.Empty(t, a.FreeRegions())
	assert.Equal(t, 2, a.Stats().Compactions)
	assert.Equal(t, []string{"ka", "kc"}, keys(t, payload))

	// Shrinking the fence again moves everything back down.
	require.NoError(t, a.UpdateLowFence(nil))
	assert.Equal(t, page.HeaderLen+2+28, a.Header().FreeStart)
	assert.Equal(t, []string{"ka", "kc"}, keys(t, payload))
}

func TestUpdateFenceTooLarge(t *testing.T) {
	t.Parallel()

	payload := newLeaf(t)
	a := open(t, payload)
	for i := 0; i < 11; i++ {
		require.NoError(t, a.InsertSlot(i, rec(fmt.Sprintf("%02d", i), 10)))
	}
	before := bytes.Clone(payload)
	assert.ErrorIs(t, a.UpdateLowFence(bytes.Repeat([]byte{'f'}, 20)), base.ErrPageFull)
	assert.Equal(t, before, payload)
}

func TestRebuildFromEntries(t *testing.T) {
	t.Parallel()

	payload := newLeaf(t)
	page.SetParent(payload, 12)
	page.SetRightSibling(payload, 13)
	a := open(t, payload)
	require.NoError(t, a.InsertSlot(0, rec("zz", 4)))

	entries := []page.Entry{
		{Key: []byte("user:1"), Value: []byte("a")},
		{Key: []byte("user:10"), Value: []byte("b")},
		{Key: []byte("user:2"), Value: []byte("c")},
	}
	require.NoError(t, a.RebuildFromEntries([]byte("user:"), nil, entries, true))

	h, err := page.ParseHeader(payload)
	require.NoError(t, err)
	assert.True(t, h.Compressed())
	assert.Equal(t, base.PageID(12), h.Parent)
	assert.Equal(t, base.PageID(13), h.RightSibling)
	assert.Equal(t, page.LeafLayoutSize([]byte("user:"), nil, entries, true), payloadSize-(h.FreeEnd-h.FreeStart))

	got, err := page.ReadLeaf(h, payload, true)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	big := []page.Entry{{Key: []byte("k"), Value: make([]byte, payloadSize)}}
	before := bytes.Clone(payload)
	assert.ErrorIs(t, a.RebuildFromEntries(nil, nil, big, false), base.ErrPageFull)
	assert.Equal(t, before, payload)

	require.NoError(t, a.Reset(nil, nil))
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, page.HeaderLen, a.Header().FreeStart)
}

// TestRandomEdits applies random inserts, replaces and deletes against a
// slice model and checks that the page always decodes to the model.
func TestRandomEdits(t *testing.T) {
	t.Parallel()

	rounds := 2000
	if *slow {
		rounds = 50000
	}
	rng := rand.New(rand.NewSource(7))
	payload := newLeaf(t)
	a := open(t, payload)
	var model []string

	for r := 0; r < rounds; r++ {
		key := fmt.Sprintf("%02d", rng.Intn(100))
		value := rng.Intn(24)
		switch op := rng.Intn(3); {
		case op == 0 || len(model) == 0:
			i := rng.Intn(len(model) + 1)
			err := a.InsertSlot(i, rec(key, value))
			if base.Recoverable(err) {
				continue
			}
			require.NoError(t, err)
			model = append(model[:i], append([]string{key}, model[i:]...)...)
		case op == 1:
			i := rng.Intn(len(model))
			err := a.ReplaceSlot(i, rec(key, value))
			if base.Recoverable(err) {
				continue
			}
			require.NoError(t, err)
			model[i] = key
		default:
			i := rng.Intn(len(model))
			require.NoError(t, a.DeleteSlot(i))
			model = append(model[:i], model[i+1:]...)
		}

		got := keys(t, payload)
		if len(model) == 0 {
			require.Empty(t, got)
		} else {
			require.Equal(t, model, got, "round %d", r)
		}
		// The region list must match what a fresh open derives.
		require.Equal(t, open(t, payload).FreeBytes(), a.FreeBytes(), "round %d", r)
	}
}
