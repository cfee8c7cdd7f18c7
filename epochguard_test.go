// Licensed under the MIT License. See LICENSE file in the project root for details.

package epochguard

import (
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"

	"github.com/kianostad/epochguard/internal/runtime"
)

// TestMain guards every concurrency test in this package (rendezvous park
// goroutines, checkpoint loops) against a goroutine leak surviving the test
// that spawned it.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func installTestAbortHook(fn func(msg string)) (restore func()) {
	return runtime.SetAbortHookForTest(fn)
}

func newTestRuntime(t *testing.T) Runtime {
	t.Helper()
	rt, err := New(Config{
		ArenaSize:      1 << 20,
		MaxFreeObjects: 8,
		NumMutators:    0,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rt.EpochBegin()
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestCleanEpoch(t *testing.T) {
	Convey("Given a fresh runtime", t, func() {
		rt := newTestRuntime(t)

		Convey("When a block is allocated, filled, and freed before epoch end", func() {
			ptr, err := rt.Malloc(24)
			So(err, ShouldBeNil)
			buf := unsafe.Slice((*byte)(ptr), 24)
			for i := range buf {
				buf[i] = byte(i)
			}
			rt.Free(ptr)

			committed := rt.EpochEnd()

			Convey("It commits with no rollback", func() {
				So(committed, ShouldBeTrue)
				So(rt.HasRolledBack(), ShouldBeFalse)
			})
		})
	})
}

func TestOneByteTailOverflow(t *testing.T) {
	Convey("Given a fresh runtime", t, func() {
		rt := newTestRuntime(t)

		Convey("When a write lands one byte past the requested size", func() {
			ptr, err := rt.Malloc(24)
			So(err, ShouldBeNil)
			buf := unsafe.Slice((*byte)(ptr), 25)
			buf[24] = 0xFF

			committed := rt.EpochEnd()

			Convey("The epoch rolls back", func() {
				So(committed, ShouldBeFalse)
				So(rt.HasRolledBack(), ShouldBeTrue)
			})
		})
	})
}

func TestDoubleFreeAborts(t *testing.T) {
	Convey("Given a fresh runtime with an injected abort hook", t, func() {
		rt := newTestRuntime(t)
		aborted := make(chan string, 1)
		restore := installTestAbortHook(func(msg string) { aborted <- msg })
		defer restore()

		Convey("When the same pointer is freed twice", func() {
			ptr, err := rt.Malloc(16)
			So(err, ShouldBeNil)
			rt.Free(ptr)
			rt.Free(ptr)

			Convey("The second free aborts", func() {
				select {
				case msg := <-aborted:
					So(msg, ShouldContainSubstring, "double free")
				default:
					t.Fatal("expected an abort, got none")
				}
			})
		})
	})
}

func TestMemalignRoundTrip(t *testing.T) {
	Convey("Given a fresh runtime", t, func() {
		rt := newTestRuntime(t)

		Convey("When memalign(64, 100) is freed", func() {
			ptr, err := rt.Memalign(64, 100)
			So(err, ShouldBeNil)
			So(uintptr(ptr)%64, ShouldEqual, 0)

			rt.Free(ptr)
			committed := rt.EpochEnd()

			Convey("No watchpoint fires and the epoch commits", func() {
				So(committed, ShouldBeTrue)
			})
		})
	})
}

func TestQuarantineFillsForcesEpochEnd(t *testing.T) {
	Convey("Given a runtime with a tiny quarantine", t, func() {
		rt, err := New(Config{
			ArenaSize:      1 << 20,
			MaxFreeObjects: 4,
			NumMutators:    0,
		})
		So(err, ShouldBeNil)
		rt.EpochBegin()
		defer rt.Close()

		Convey("When more blocks are freed than the quarantine capacity", func() {
			for i := 0; i < 5; i++ {
				ptr, err := rt.Malloc(16)
				So(err, ShouldBeNil)
				rt.Free(ptr)
			}
			// the 4th Free already transitioned the phase to EpochEnd and the
			// 5th is still recorded past the capacity; this
			// goroutine becomes the committer by convention, so it calls
			// EpochEnd directly rather than Checkpoint.

			Convey("No record is lost: EpochEnd drains the full quarantine and commits", func() {
				committed := rt.EpochEnd()
				So(committed, ShouldBeTrue)
			})
		})
	})
}

func TestConcurrentRendezvous(t *testing.T) {
	Convey("Given a runtime with several mutator goroutines", t, func() {
		const numMutators = 4
		rt, err := New(Config{
			ArenaSize:      1 << 20,
			MaxFreeObjects: 256,
			NumMutators:    numMutators,
		})
		So(err, ShouldBeNil)
		rt.EpochBegin()
		defer rt.Close()

		Convey("When each mutator allocates and frees in a loop and one triggers epoch end", func() {
			var wg sync.WaitGroup
			var stop atomic.Bool
			for i := 0; i < numMutators; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for !stop.Load() {
						ptr, err := rt.Malloc(32)
						if err != nil {
							return
						}
						rt.Free(ptr)
						rt.Checkpoint()
					}
				}()
			}

			committed := rt.EpochEnd()
			stop.Store(true)
			wg.Wait()

			Convey("The committer runs exactly once and every mutator resumes cleanly", func() {
				So(committed, ShouldBeTrue)
			})
		})
	})
}
