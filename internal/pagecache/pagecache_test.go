package pagecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateSpanFreshFromOS(t *testing.T) {
	pc := New(nil)
	start, err := pc.AllocateSpan(8)
	require.NoError(t, err)
	require.NotZero(t, start)
	require.Zero(t, start%PageSize, "span start must be page aligned")
}

func TestDeallocateThenReuse(t *testing.T) {
	pc := New(nil)
	start, err := pc.AllocateSpan(4)
	require.NoError(t, err)

	pc.DeallocateSpan(start, 4)
	stats := pc.Stats()
	require.Equal(t, 1, stats.FreeSpans)
	require.EqualValues(t, 4, stats.FreePages)

	start2, err := pc.AllocateSpan(4)
	require.NoError(t, err)
	require.Equal(t, start, start2, "best-fit should reuse the freed span")
}

func TestSplitOnOversizedFreeSpan(t *testing.T) {
	pc := New(nil)
	start, err := pc.AllocateSpan(8)
	require.NoError(t, err)
	pc.DeallocateSpan(start, 8)

	// A request for 3 pages should be served from the 8-page free
	// span, leaving a 5-page tail behind.
	got, err := pc.AllocateSpan(3)
	require.NoError(t, err)
	require.Equal(t, start, got)

	stats := pc.Stats()
	require.Equal(t, 1, stats.FreeSpans)
	require.EqualValues(t, 5, stats.FreePages)
}

func TestForwardCoalesce(t *testing.T) {
	pc := New(nil)
	// Ask for more than one span's worth up front so the two halves
	// are guaranteed physically adjacent: allocate 8, split it into
	// a 3-page head and free the whole thing, then re-derive the two
	// pieces by allocating 3 then 5 from the same original span.
	whole, err := pc.AllocateSpan(8)
	require.NoError(t, err)
	pc.DeallocateSpan(whole, 8)

	head, err := pc.AllocateSpan(3)
	require.NoError(t, err)
	tail, err := pc.AllocateSpan(5)
	require.NoError(t, err)
	require.Equal(t, head+3*PageSize, tail)

	// Free the trailing span first: forward coalescing only merges a
	// newly-freed span with an already-free neighbor ahead of it, so
	// the back half must already be free when the front half is
	// returned.
	pc.DeallocateSpan(tail, 5)
	pc.DeallocateSpan(head, 3)

	stats := pc.Stats()
	require.Equal(t, 1, stats.FreeSpans, "adjacent free spans should coalesce into one")
	require.EqualValues(t, 8, stats.FreePages)
}

func TestBestFitHasNoSizeCeiling(t *testing.T) {
	pc := New(nil)
	start, err := pc.AllocateSpan(10000)
	require.NoError(t, err)
	pc.DeallocateSpan(start, 10000)

	got, err := pc.AllocateSpan(9000)
	require.NoError(t, err)
	require.Equal(t, start, got, "best-fit must find a free span far above any fixed bucket ceiling")
}

func TestUnknownSpanDeallocateIsNoop(t *testing.T) {
	pc := New(nil)
	require.NotPanics(t, func() {
		pc.DeallocateSpan(0xdeadbeef, 1)
	})
}
