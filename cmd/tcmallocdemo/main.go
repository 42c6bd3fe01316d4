// Command tcmallocdemo exercises the gotcmalloc allocator end to end
// without a benchmark harness: a concurrent-churn workload and a
// size-class lookup, both backed by the same Allocator/Handle API any
// embedding program would use.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/fire1220/gotcmalloc"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tcmallocdemo",
		Short: "Exercise the gotcmalloc allocator",
	}
	root.AddCommand(newChurnCmd(), newSizeClassCmd())
	return root
}

func newChurnCmd() *cobra.Command {
	var threads, ops int
	cmd := &cobra.Command{
		Use:   "churn",
		Short: "Run a concurrent allocate/free workload and print allocator stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer log.Sync()

			a := gotcmalloc.New(gotcmalloc.WithLogger(log))
			sizes := []uintptr{8, 40, 120, 400, 2048, 70000}

			var wg sync.WaitGroup
			for i := 0; i < threads; i++ {
				wg.Add(1)
				go func(seed int64) {
					defer wg.Done()
					h := a.Acquire()
					defer h.Release()

					rng := rand.New(rand.NewSource(seed))
					var live []struct {
						ptr  unsafe.Pointer
						size uintptr
					}
					for k := 0; k < ops; k++ {
						sz := sizes[rng.Intn(len(sizes))]
						if len(live) > 0 && rng.Intn(2) == 0 {
							idx := rng.Intn(len(live))
							h.Deallocate(live[idx].ptr, live[idx].size)
							live[idx] = live[len(live)-1]
							live = live[:len(live)-1]
							continue
						}
						p, err := h.Allocate(sz)
						if err != nil {
							continue
						}
						live = append(live, struct {
							ptr  unsafe.Pointer
							size uintptr
						}{p, sz})
					}
					for _, e := range live {
						h.Deallocate(e.ptr, e.size)
					}
				}(time.Now().UnixNano() + int64(i))
			}
			wg.Wait()

			stats := a.Stats()
			fmt.Printf("spans registered: %d/%d\n", stats.SpansUsed, stats.SpansCap)
			fmt.Printf("page cache: %d live spans, %d free spans, %d free pages\n",
				stats.PageCache.LiveSpans, stats.PageCache.FreeSpans, stats.PageCache.FreePages)
			return nil
		},
	}
	cmd.Flags().IntVar(&threads, "threads", 8, "number of concurrent goroutines")
	cmd.Flags().IntVar(&ops, "ops", 10000, "operations performed per goroutine")
	return cmd
}

func newSizeClassCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sizeclass <bytes>",
		Short: "Print the size class index and rounded block size for a byte count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var bytes uintptr
			if _, err := fmt.Sscanf(args[0], "%d", &bytes); err != nil {
				return err
			}
			idx, blockSize := gotcmalloc.SizeClassOf(bytes)
			fmt.Printf("bytes=%d class=%d blockSize=%d\n", bytes, idx, blockSize)
			return nil
		},
	}
}
