package engine

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func BenchmarkWorkerPool_Submit(b *testing.B) {
	for _, size := range []int{8, 64, 256} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			pool := NewWorkerPool(size)
			defer pool.Shutdown()
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = pool.Submit(ctx, func(ctx context.Context) error { return nil })
			}
			pool.Wait()
		})
	}
}

// Oracle rounds are latency-bound, not CPU-bound; this approximates a burst
// of slow resolutions contending for a small pool.
func BenchmarkWorkerPool_SlowResolutions(b *testing.B) {
	pool := NewWorkerPool(16)
	defer pool.Shutdown()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := 0; j < 64; j++ {
			_ = pool.Submit(ctx, func(ctx context.Context) error {
				time.Sleep(time.Microsecond)
				return nil
			})
		}
		pool.Wait()
	}
}
