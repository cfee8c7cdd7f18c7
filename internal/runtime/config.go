// Licensed under the MIT License. See LICENSE file in the project root for details.

package runtime

import (
	"time"

	"github.com/kianostad/epochguard/internal/rawheap"
	"github.com/kianostad/epochguard/internal/storage/quarantine"
)

// Config carries the constructor parameters the core design names but does
// not bundle into a single type (MAX_FREE_OBJECTS, arena size, watchpoint
// capacity, hwassist poll interval); WORD_SIZE is not configurable and is
// taken from sentinel.WordSize — following the teacher's
// convention of explicit constructor parameters (NewMetrics, NewGC,
// NewHashIndex(buckets)) over package-level globals.
type Config struct {
	// ArenaSize is the size, in bytes, of the mmap-anonymous managed heap
	// arena. Zero selects rawheap.DefaultArenaSize.
	ArenaSize int
	// GlobalsRegionSize is the size, in bytes, of the mmap-anonymous managed
	// globals region. Zero selects DefaultGlobalsSize.
	GlobalsRegionSize int
	// MaxFreeObjects is the quarantine's bounded capacity. Zero selects
	// quarantine.DefaultCapacity.
	MaxFreeObjects int
	// MaxWatchpoints is the watchpoint registry's bounded capacity. Zero
	// selects a default of 64.
	MaxWatchpoints int
	// PollInterval is how often the hardware-assist collaborator re-checks
	// armed addresses. Zero selects hwassist.DefaultPollInterval.
	PollInterval time.Duration
	// NumMutators is the number of OTHER mutator threads — not counting
	// whichever thread ends up acting as committer for a given epoch end,
	// since the committer calls EpochEnd directly and never parks at its
	// own barrier — the committer waits for at the rendezvous barrier.
	// A single-goroutine caller that only ever calls EpochEnd itself, with
	// no other thread calling Checkpoint, should leave this at 0.
	NumMutators int
}

const defaultMaxWatchpoints = 64

func (c Config) normalized() Config {
	if c.ArenaSize <= 0 {
		c.ArenaSize = rawheap.DefaultArenaSize
	}
	if c.MaxFreeObjects <= 0 {
		c.MaxFreeObjects = quarantine.DefaultCapacity
	}
	if c.MaxWatchpoints <= 0 {
		c.MaxWatchpoints = defaultMaxWatchpoints
	}
	if c.NumMutators < 0 {
		c.NumMutators = 0
	}
	return c
}

// GlobalsSize returns the configured globals region size, defaulting when
// unset.
func (c Config) GlobalsSize() int {
	if c.GlobalsRegionSize <= 0 {
		return DefaultGlobalsSize
	}
	return c.GlobalsRegionSize
}
