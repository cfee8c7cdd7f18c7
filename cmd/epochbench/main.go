// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides benchmarking tools for the epoch runtime.
//
// # Benchmark Categories
//
//   - Single-threaded malloc/free (baseline allocator throughput)
//   - Concurrent mutators cooperating through Checkpoint (rendezvous overhead)
//   - Memalign throughput at a fixed boundary
//   - Epoch commit cost as a function of live-allocation count
//   - Rollback cost when every epoch is forced to roll back
//
// # Usage
//
//	go run cmd/epochbench/main.go
package main

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/kianostad/epochguard"
)

func main() {
	fmt.Println("epochguard Benchmarks")
	fmt.Println("=====================")

	benchmarkSingleThreaded()
	benchmarkConcurrentMutators()
	benchmarkMemalign()
	benchmarkEpochCommitCost()
	benchmarkRollbackCost()
}

func benchmarkSingleThreaded() {
	fmt.Println("\n1. Single-threaded malloc/free")
	rt, err := epochguard.New(epochguard.Config{ArenaSize: 64 << 20})
	if err != nil {
		fmt.Println("   failed to start runtime:", err)
		return
	}
	defer rt.Close()
	rt.EpochBegin()

	const n = 100000
	start := time.Now()
	ptrs := make([]unsafe.Pointer, n)
	for i := 0; i < n; i++ {
		ptr, err := rt.Malloc(32)
		if err != nil {
			fmt.Println("   malloc failed:", err)
			return
		}
		ptrs[i] = ptr
	}
	duration := time.Since(start)
	fmt.Printf("   Malloc: %d ops in %v (%.0f ops/sec)\n", n, duration, float64(n)/duration.Seconds())

	start = time.Now()
	for _, p := range ptrs {
		rt.Free(p)
	}
	duration = time.Since(start)
	fmt.Printf("   Free: %d ops in %v (%.0f ops/sec)\n", n, duration, float64(n)/duration.Seconds())

	rt.EpochEnd()
}

func benchmarkConcurrentMutators() {
	fmt.Println("\n2. Concurrent mutators through the rendezvous barrier")

	for _, numMutators := range []int{1, 2, 4, 8} {
		rt, err := epochguard.New(epochguard.Config{
			ArenaSize:   64 << 20,
			NumMutators: numMutators,
		})
		if err != nil {
			fmt.Println("   failed to start runtime:", err)
			continue
		}
		rt.EpochBegin()

		const opsPerGoroutine = 5000
		var wg sync.WaitGroup
		start := time.Now()
		for i := 0; i < numMutators; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < opsPerGoroutine; j++ {
					ptr, err := rt.Malloc(32)
					if err != nil {
						return
					}
					rt.Free(ptr)
					rt.Checkpoint()
				}
			}()
		}
		rt.EpochEnd()
		wg.Wait()

		duration := time.Since(start)
		totalOps := numMutators * opsPerGoroutine
		fmt.Printf("   %d mutators: %d ops in %v (%.0f ops/sec)\n",
			numMutators, totalOps, duration, float64(totalOps)/duration.Seconds())

		rt.Close()
	}
}

func benchmarkMemalign() {
	fmt.Println("\n3. memalign(64, n) throughput")
	rt, err := epochguard.New(epochguard.Config{ArenaSize: 64 << 20})
	if err != nil {
		fmt.Println("   failed to start runtime:", err)
		return
	}
	defer rt.Close()
	rt.EpochBegin()

	const n = 50000
	start := time.Now()
	for i := 0; i < n; i++ {
		ptr, err := rt.Memalign(64, 48)
		if err != nil {
			fmt.Println("   memalign failed:", err)
			return
		}
		rt.Free(ptr)
	}
	duration := time.Since(start)
	fmt.Printf("   Memalign+Free: %d ops in %v (%.0f ops/sec)\n", n, duration, float64(n)/duration.Seconds())

	rt.EpochEnd()
}

func benchmarkEpochCommitCost() {
	fmt.Println("\n4. Epoch commit cost vs. live-allocation count")

	for _, liveCount := range []int{100, 1000, 10000, 100000} {
		rt, err := epochguard.New(epochguard.Config{ArenaSize: 64 << 20})
		if err != nil {
			fmt.Println("   failed to start runtime:", err)
			continue
		}
		rt.EpochBegin()

		for i := 0; i < liveCount; i++ {
			if _, err := rt.Malloc(32); err != nil {
				fmt.Println("   malloc failed:", err)
				rt.Close()
				return
			}
		}

		start := time.Now()
		committed := rt.EpochEnd()
		duration := time.Since(start)
		fmt.Printf("   %d live allocations: commit=%v in %v\n", liveCount, committed, duration)

		rt.Close()
	}
}

func benchmarkRollbackCost() {
	fmt.Println("\n5. Rollback cost (every epoch corrupted)")
	rt, err := epochguard.New(epochguard.Config{ArenaSize: 64 << 20})
	if err != nil {
		fmt.Println("   failed to start runtime:", err)
		return
	}
	defer rt.Close()

	const epochs = 100
	rt.EpochBegin()
	start := time.Now()
	for i := 0; i < epochs; i++ {
		ptr, err := rt.Malloc(16)
		if err != nil {
			fmt.Println("   malloc failed:", err)
			return
		}
		buf := unsafe.Slice((*byte)(ptr), 17)
		buf[16] = 0xFF // overrun the requested extent by one byte
		rt.EpochEnd()
	}
	duration := time.Since(start)
	fmt.Printf("   %d rolled-back epochs in %v (%.0f epochs/sec)\n",
		epochs, duration, float64(epochs)/duration.Seconds())
	fmt.Printf("   HasRolledBack: %v\n", rt.HasRolledBack())
}
