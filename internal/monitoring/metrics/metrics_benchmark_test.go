// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"testing"
	"time"
)

// BenchmarkRecordMalloc benchmarks the non-blocking event-send path under
// concurrent load.
func BenchmarkRecordMalloc(b *testing.B) {
	m := NewMetrics()
	defer m.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.RecordMalloc(100 * time.Microsecond)
		}
	})
}

// BenchmarkRecordMallocFreeMix benchmarks a realistic allocator workload's
// metric pressure: a malloc and a free per iteration.
func BenchmarkRecordMallocFreeMix(b *testing.B) {
	m := NewMetrics()
	defer m.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.RecordMalloc(100 * time.Microsecond)
			m.RecordFree(80 * time.Microsecond)
		}
	})
}

// BenchmarkRecordSafetyCounters benchmarks the zero-duration counter path
// used by overflow/UAF/abort detections.
func BenchmarkRecordSafetyCounters(b *testing.B) {
	m := NewMetrics()
	defer m.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.RecordOverflowDetected()
			m.RecordUAFDetected()
		}
	})
}

// BenchmarkGetStats benchmarks snapshotting under a pre-populated collector.
func BenchmarkGetStats(b *testing.B) {
	m := NewMetrics()
	defer m.Close()

	for i := 0; i < 1000; i++ {
		m.RecordMalloc(100 * time.Microsecond)
		m.RecordFree(80 * time.Microsecond)
	}
	time.Sleep(10 * time.Millisecond)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.GetStats()
	}
}

// BenchmarkRingBufferPush benchmarks ring buffer push operations.
func BenchmarkRingBufferPush(b *testing.B) {
	rb := NewDurationRingBuffer(1000)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			rb.Push(100 * time.Microsecond)
		}
	})
}

// BenchmarkRingBufferGetStats benchmarks ring buffer percentile computation.
func BenchmarkRingBufferGetStats(b *testing.B) {
	rb := NewDurationRingBuffer(1000)
	for i := 0; i < 1000; i++ {
		rb.Push(time.Duration(i) * time.Microsecond)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rb.GetStats()
	}
}
