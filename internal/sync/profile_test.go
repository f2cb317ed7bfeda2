package sync

// Memory profiling and throughput benchmarks for the sweep loop.

import (
	"context"
	"fmt"
	"runtime"
	"testing"

	"github.com/kimhsiao/meetsync/internal/models"
)

// getMemoryStats returns current memory statistics after a GC.
func getMemoryStats() runtime.MemStats {
	runtime.GC()
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats
}

// formatBytes formats bytes to human-readable string
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func benchPayload(i int) map[string]interface{} {
	return map[string]interface{}{
		"title":     fmt.Sprintf("Meeting %d", i),
		"attendees": []interface{}{"a@example.com", "b@example.com"},
		"notes":     "Quarterly review of the rollout plan",
	}
}

// TestMemoryLeakSweepCycles drains many enqueue/sweep cycles and checks the
// heap returns close to its starting size.
func TestMemoryLeakSweepCycles(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping memory profile in short mode")
	}

	env := createTestEnv(t, Options{})
	ctx := context.Background()

	const (
		cycles   = 20
		perCycle = 50
	)

	// Warm up pools and prepared statements.
	for i := 0; i < perCycle; i++ {
		env.enqueue(t, models.OperationCreate, fmt.Sprintf("warm-%d", i), benchPayload(i))
	}
	env.sweep(t)

	before := getMemoryStats()

	for c := 0; c < cycles; c++ {
		for i := 0; i < perCycle; i++ {
			id := fmt.Sprintf("rec-%d-%d", c, i)
			if _, err := env.engine.Enqueue(ctx, models.OperationCreate, "meetings", id, benchPayload(i)); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
		}
		result := env.sweep(t)
		if result.Succeeded != perCycle {
			t.Fatalf("cycle %d: succeeded %d, want %d", c, result.Succeeded, perCycle)
		}
	}

	after := getMemoryStats()

	t.Logf("Heap before: %s, after: %s", formatBytes(before.HeapAlloc), formatBytes(after.HeapAlloc))

	// The in-memory remote keeps every record, so some growth is expected.
	const maxGrowth = 64 << 20
	if after.HeapAlloc > before.HeapAlloc && after.HeapAlloc-before.HeapAlloc > maxGrowth {
		t.Errorf("heap grew by %s over %d sweeps", formatBytes(after.HeapAlloc-before.HeapAlloc), cycles)
	}
	if n := env.queueLen(t); n != 0 {
		t.Errorf("queue not drained: %d items left", n)
	}
}

func BenchmarkEnqueue(b *testing.B) {
	env := createTestEnv(b, Options{})
	ctx := context.Background()
	payload := benchPayload(0)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := env.engine.Enqueue(ctx, models.OperationUpdate, "meetings", fmt.Sprintf("rec-%d", i), payload); err != nil {
			b.Fatalf("Enqueue failed: %v", err)
		}
	}
}

func BenchmarkSweep(b *testing.B) {
	env := createTestEnv(b, Options{})
	ctx := context.Background()
	const batch = 25

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		for j := 0; j < batch; j++ {
			if _, err := env.engine.Enqueue(ctx, models.OperationCreate, "meetings", fmt.Sprintf("rec-%d-%d", i, j), benchPayload(j)); err != nil {
				b.Fatalf("Enqueue failed: %v", err)
			}
		}
		b.StartTimer()

		if _, err := env.engine.RunSweep(ctx); err != nil {
			b.Fatalf("RunSweep failed: %v", err)
		}
	}
}
