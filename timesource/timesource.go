// Package timesource provides the FinDAG Time counter and HashTimer
// construction (spec §4.1). FinDAGTime has no wall-clock dependency for
// correctness; wall time only feeds observability.
package timesource

import (
	"sync"
	"time"

	"findag.dev/core/model"
)

// tickUnit is the resolution of one FinDAGTime tick: 100 nanoseconds,
// matching spec §3's "FinDAGTime (u64 monotonic ticks, 100 ns units)".
const tickUnit = 100 * time.Nanosecond

// TickDuration returns the wall-clock duration of one FinDAGTime tick,
// for components (mempool TTL eviction) that must convert a
// wall-clock duration into a tick count.
func TickDuration() time.Duration { return tickUnit }

// Source is a monotonically non-decreasing FinDAGTime generator. A single
// Source must be shared by every component on a node that emits
// HashTimers, so that the per-node uniqueness invariant (spec §4.1, P8)
// holds across the whole process.
type Source struct {
	mu       sync.Mutex
	lastTick model.FinDAGTime
	nonce    uint64
	wallBase time.Time
}

func New() *Source {
	return &Source{wallBase: time.Now()}
}

// Now samples the current tick. Under a tie with the previous sample it
// advances by one tick, per spec §4.1: "Under a tie it increments by 1
// tick and re-samples."
func (s *Source) Now() model.FinDAGTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked()
}

func (s *Source) advanceLocked() model.FinDAGTime {
	elapsed := time.Since(s.wallBase)
	candidate := model.FinDAGTime(elapsed / tickUnit)
	if candidate <= s.lastTick {
		candidate = s.lastTick + 1
	}
	s.lastTick = candidate
	return candidate
}

// NextHashTimer samples Now() and mints a HashTimer over contentHash,
// guaranteeing (tick, content_hash, nonce) uniqueness on this node via an
// internal nonce counter (spec §4.1, P8) even for two emissions within
// the same tick.
func (s *Source) NextHashTimer(contentHash [32]byte) model.HashTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	tick := s.advanceLocked()
	s.nonce++
	return model.HashTimer{Tick: tick, ContentHash: contentHash, Nonce: s.nonce}
}

// MakeHashTimer builds a HashTimer from an already-sampled tick. Used when
// the content hash must be computed from data that itself depends on the
// sampled tick (e.g. a block header), so the caller samples first, builds
// the content hash, then calls MakeHashTimer instead of NextHashTimer.
func MakeHashTimer(tick model.FinDAGTime, contentHash [32]byte, nonce uint64) model.HashTimer {
	return model.HashTimer{Tick: tick, ContentHash: contentHash, Nonce: nonce}
}
