package gotcmalloc

import (
	"math/rand"
	"sync"
	"testing"
	"unsafe"

	"github.com/fire1220/gotcmalloc/internal/sizeclass"

	"github.com/stretchr/testify/require"
)

func TestMinimumRequest(t *testing.T) {
	a := New()
	h := a.Acquire()
	defer h.Release()

	p, err := h.Allocate(0)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Zero(t, uintptr(p)%8)
	h.Deallocate(p, 0)
}

func TestBoundaryClasses(t *testing.T) {
	a := New()
	h := a.Acquire()
	defer h.Release()

	for _, i := range []int{0, 1, 31, 63, sizeclass.NumClasses - 1} {
		size := uintptr(i+1) * 8
		p, err := h.Allocate(size)
		require.NoError(t, err)

		buf := unsafe.Slice((*byte)(p), size)
		for k := range buf {
			buf[k] = 0xA5
		}
		h.Deallocate(p, size)

		p2, err := h.Allocate(size)
		require.NoError(t, err)
		buf2 := unsafe.Slice((*byte)(p2), size)
		for k := range buf2 {
			buf2[k] = 0x5A
		}
		for k := range buf2 {
			require.Equal(t, byte(0x5A), buf2[k])
		}
		h.Deallocate(p2, size)
	}
}

func TestLargePathBypassesTiers(t *testing.T) {
	a := New()
	h := a.Acquire()
	defer h.Release()

	before := a.Stats()
	p, err := h.Allocate(256*1024 + 1)
	require.NoError(t, err)
	require.NotNil(t, p)

	after := a.Stats()
	require.Equal(t, before.PageCache, after.PageCache, "large path must not touch the page cache")

	h.Deallocate(p, 256*1024+1)
}

func TestNonOverlapAndAlignment(t *testing.T) {
	a := New()
	h := a.Acquire()
	defer h.Release()

	sizes := []uintptr{8, 40, 120, 400, 2048}
	type region struct {
		start, end uintptr
	}
	var live []region
	for _, sz := range sizes {
		for k := 0; k < 20; k++ {
			p, err := h.Allocate(sz)
			require.NoError(t, err)
			start := uintptr(p)
			require.Zero(t, start%8)
			for _, r := range live {
				overlap := start < r.end && r.start < start+sz
				require.False(t, overlap, "region [%d,%d) overlaps [%d,%d)", start, start+sz, r.start, r.end)
			}
			live = append(live, region{start, start + sz})
		}
	}
}

func TestConcurrentChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrent churn in short mode")
	}
	a := New()
	sizes := []uintptr{8, 40, 120, 400, 2048, 70000}

	const threads = 8
	const ops = 2000

	var wg sync.WaitGroup
	for tIdx := 0; tIdx < threads; tIdx++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			h := a.Acquire()
			defer h.Release()

			rng := rand.New(rand.NewSource(seed))
			var allocated []struct {
				ptr  unsafe.Pointer
				size uintptr
			}
			for i := 0; i < ops; i++ {
				sz := sizes[rng.Intn(len(sizes))]
				if len(allocated) > 0 && rng.Intn(2) == 0 {
					idx := rng.Intn(len(allocated))
					h.Deallocate(allocated[idx].ptr, allocated[idx].size)
					allocated[idx] = allocated[len(allocated)-1]
					allocated = allocated[:len(allocated)-1]
					continue
				}
				p, err := h.Allocate(sz)
				require.NoError(t, err)
				allocated = append(allocated, struct {
					ptr  unsafe.Pointer
					size uintptr
				}{p, sz})
			}
			for _, e := range allocated {
				h.Deallocate(e.ptr, e.size)
			}
		}(int64(tIdx + 1))
	}
	wg.Wait()

	stats := a.Stats()
	require.GreaterOrEqual(t, stats.SpansUsed, 0)
}

func TestDoubleReleasePanics(t *testing.T) {
	a := New()
	h := a.Acquire()
	h.Release()
	require.Panics(t, func() { h.Release() })
}

func TestPackageLevelConvenienceAPI(t *testing.T) {
	p, err := Allocate(64)
	require.NoError(t, err)
	require.NotNil(t, p)
	Deallocate(p, 64)
}
