package engine

import (
	"sync"
	"sync/atomic"
)

// phase is one state in the per-cycle state machine:
// idle -> refreshing -> detecting -> scheduling -> draining -> idle.
type phase int32

const (
	phaseIdle phase = iota
	phaseRefreshing
	phaseDetecting
	phaseScheduling
	phaseDraining
)

// State is the process-scoped engine state: last-applied commit and the
// non-reentrancy guard. It is exclusively owned by the Engine and mutated
// only between the cycle's well-defined phases: the phase is an atomic, and
// mu guards the last-applied commit fields.
type State struct {
	phase            atomic.Int32
	mu               sync.Mutex
	lastAppliedCommit string
	hasLastApplied    bool
}

// tryEnter attempts to move from idle to refreshing. It returns false
// without changing state if a cycle is already in progress — the tick is
// dropped, not queued.
func (s *State) tryEnter() bool {
	return s.phase.CompareAndSwap(int32(phaseIdle), int32(phaseRefreshing))
}

func (s *State) set(p phase) { s.phase.Store(int32(p)) }

func (s *State) release() { s.phase.Store(int32(phaseIdle)) }

// LastAppliedCommit returns the last-applied commit and whether one has
// ever been recorded.
func (s *State) LastAppliedCommit() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAppliedCommit, s.hasLastApplied
}

// advanceCommit records commit as the new last-applied commit. Called only
// by the Engine, after all dispatched tasks for the cycle have returned.
func (s *State) advanceCommit(commit string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAppliedCommit = commit
	s.hasLastApplied = true
}
