package client

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"

	"lockstep/server/internal/lockstep"
)

// HashSimulation is a deterministic stand-in for a game simulation. Its state
// is a running hash over every applied command set, so two participants that
// applied the same sets in the same order hold the same state.
type HashSimulation struct {
	mu      sync.Mutex
	state   uint64
	applied []lockstep.Tick
	digests []uint64
}

// Apply folds set into the state.
func (s *HashSimulation) Apply(set lockstep.CommandSet) error {
	digest := set.Digest()
	var buf [16]byte
	s.mu.Lock()
	defer s.mu.Unlock()
	binary.BigEndian.PutUint64(buf[:8], s.state)
	binary.BigEndian.PutUint64(buf[8:], digest)
	s.state = xxhash.Sum64(buf[:])
	s.applied = append(s.applied, set.Tick)
	s.digests = append(s.digests, digest)
	return nil
}

// State returns the running hash.
func (s *HashSimulation) State() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Applied returns the applied ticks in order.
func (s *HashSimulation) Applied() []lockstep.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]lockstep.Tick(nil), s.applied...)
}

// Digests returns the digest of every applied set in order.
func (s *HashSimulation) Digests() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.digests...)
}
