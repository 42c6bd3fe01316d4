package centralcache

import (
	"testing"

	"github.com/fire1220/gotcmalloc/internal/pagecache"
	"github.com/fire1220/gotcmalloc/internal/sizeclass"
	"github.com/fire1220/gotcmalloc/internal/spanregistry"

	"github.com/stretchr/testify/require"
)

func newTestCache() *CentralCache {
	pc := pagecache.New(nil)
	sr := spanregistry.New(64)
	return New(pc, sr, nil)
}

func TestFetchRangeCarvesNewSpanOnMiss(t *testing.T) {
	cc := newTestCache()
	i := sizeclass.Index(8)

	head, tail, count, err := cc.FetchRange(i, 4)
	require.NoError(t, err)
	require.NotZero(t, head)
	require.NotZero(t, tail)
	require.Equal(t, 4, count)
}

func TestFetchRangeServesFromExistingFreeList(t *testing.T) {
	cc := newTestCache()
	i := sizeclass.Index(8)

	_, _, _, err := cc.FetchRange(i, 4)
	require.NoError(t, err)

	// The span carved for the first fetch leaves remainder blocks on
	// the class free list; a second fetch should be served from that
	// list without requesting another span.
	head2, _, count2, err := cc.FetchRange(i, 4)
	require.NoError(t, err)
	require.NotZero(t, head2)
	require.Equal(t, 4, count2)
	require.Equal(t, 1, cc.pc.Stats().LiveSpans, "second fetch must not carve another span")
}

func TestReturnRangeCreditsSpanAndSplices(t *testing.T) {
	cc := newTestCache()
	i := sizeclass.Index(8)

	head, tail, count, err := cc.FetchRange(i, 4)
	require.NoError(t, err)
	require.Equal(t, 4, count)

	blockSize := sizeclass.BlockSize(i)
	cc.ReturnRange(head, uintptr(count)*blockSize, i)

	// The carve left totalBlocks-4 blocks counted free; returning the
	// four credits them back, so every block of the span is free again.
	h, ok := cc.sr.Find(head)
	require.True(t, ok)
	require.Equal(t, h.BlockCount(), h.FreeCount())

	// After the return, a fresh fetch should reuse the returned
	// blocks rather than carving a new span.
	head2, _, count2, err := cc.FetchRange(i, 4)
	require.NoError(t, err)
	require.Equal(t, head, head2)
	require.Equal(t, 4, count2)
	_ = tail
}

func TestBatchForBreakpoints(t *testing.T) {
	cases := []struct {
		size uintptr
		want int
	}{
		{8, 64}, {32, 64}, {33, 32}, {64, 32}, {128, 16}, {256, 8}, {512, 4}, {1024, 2}, {2048, 1},
	}
	for _, c := range cases {
		if got := BatchFor(c.size); got != c.want {
			t.Errorf("BatchFor(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestFetchRangeInvalidClass(t *testing.T) {
	cc := newTestCache()
	_, _, _, err := cc.FetchRange(sizeclass.NumClasses, 1)
	require.Error(t, err)
}

func collectBlocks(head uintptr, count int) []uintptr {
	blocks := make([]uintptr, 0, count)
	cur := head
	for k := 0; k < count; k++ {
		blocks = append(blocks, cur)
		cur = readNext(cur)
	}
	return blocks
}

// TestPopFromListDecrementsFreeCount guards against a span being
// considered fully free (and swept back to the Page Cache) while
// blocks fetched from its class free list on a later hit are still
// outstanding. See CentralCache::fetchRange's per-node
// freeCount.fetch_sub(1) in the original source: every block a hit
// walks off the list must be debited from the span's free count, not
// just unlinked.
func TestPopFromListDecrementsFreeCount(t *testing.T) {
	cc := newTestCache()
	i := sizeclass.Index(8)
	blockSize := sizeclass.BlockSize(i)

	// Carve a new span and hand out the first 64 blocks; the rest sit
	// on the class free list already counted free.
	firstHead, _, firstCount, err := cc.FetchRange(i, 64)
	require.NoError(t, err)
	require.Equal(t, 64, firstCount)
	firstBlocks := collectBlocks(firstHead, firstCount)

	// A second fetch is a hit against that same free list: those 64
	// blocks leave the list and must no longer be counted free.
	secondHead, _, secondCount, err := cc.FetchRange(i, 64)
	require.NoError(t, err)
	require.Equal(t, 64, secondCount)
	secondBlocks := collectBlocks(secondHead, secondCount)

	// Return only the first batch, one block at a time, forcing
	// delayCount past MaxDelayCount so a sweep runs mid-return. The
	// second batch is deliberately never returned: it is still live.
	for _, b := range firstBlocks {
		writeNext(b, 0)
		cc.ReturnRange(b, blockSize, i)
	}

	h, ok := cc.sr.Find(firstHead)
	require.True(t, ok, "span must not be retired while the second fetch's blocks are still outstanding")
	require.Less(t, h.FreeCount(), h.BlockCount())

	// The second batch remains valid, untouched memory: writing
	// through a pointer from it must not corrupt anything, since its
	// span cannot have been handed back to the Page Cache.
	for _, b := range secondBlocks {
		writeNext(b, 0)
	}
}

func TestSweepReturnsFullyFreeSpan(t *testing.T) {
	cc := newTestCache()
	i := sizeclass.Index(8)
	blockSize := sizeclass.BlockSize(i)

	// Drain an entire span's worth of blocks, then return them all.
	// Count-triggered sweeps run every MaxDelayCount returns, and 4096
	// is not a multiple of 48, so the clock is moved past
	// MaxDelayInterval for the last return: that return makes the span
	// fully free and is guaranteed to sweep it.
	var blocks []uintptr
	totalBlocks := int((uintptr(SpanPages) * pagecache.PageSize) / blockSize)
	for len(blocks) < totalBlocks {
		h, _, n, err := cc.FetchRange(i, 64)
		require.NoError(t, err)
		cur := h
		for k := 0; k < n; k++ {
			blocks = append(blocks, cur)
			cur = readNext(cur)
		}
	}

	realNow := nowNano
	defer func() { nowNano = realNow }()
	for k, b := range blocks {
		if k == len(blocks)-1 {
			nowNano = func() int64 { return realNow() + int64(MaxDelayInterval) }
		}
		writeNext(b, 0)
		cc.ReturnRange(b, blockSize, i)
	}

	statsBefore := cc.pc.Stats()
	require.Greater(t, statsBefore.FreeSpans+statsBefore.LiveSpans, 0)
	require.Equal(t, 1, statsBefore.FreeSpans, "the swept span must be back in the page cache")
	require.EqualValues(t, SpanPages, statsBefore.FreePages)
	_, ok := cc.sr.Find(blocks[0])
	require.False(t, ok, "the swept span's registry record must be retired")
}
