package machine

import (
	"sync"
	"time"
)

// A Transition computes the next predictive tree from a private copy of the current one.
type Transition func(Tree) Tree

// State holds the two views of the machine.
//
// Predictive state is derived only from commands this process has issued, and is
// updated before they are sent. Observed state is derived only from device telemetry.
// The two trees are never merged into each other.
type State struct {
	mx sync.RWMutex

	predictive Tree
	observed   Tree
	updated    time.Time
}

// Snapshot is a point-in-time copy of both trees.
type Snapshot struct {
	Predictive Tree      `json:"predictive"`
	Observed   Tree      `json:"observed"`
	Updated    time.Time `json:"updated"`
}

func NewState() *State {
	return &State{
		predictive: Tree{},
		observed:   Tree{},
	}
}

// ApplyPredictive replaces the predictive tree with fn(copy of predictive).
// A nil fn is a no-op and returns false.
func (s *State) ApplyPredictive(fn Transition) bool {
	if fn == nil {
		return false
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	next := fn(s.predictive.Clone())
	if next == nil {
		next = Tree{}
	}
	s.predictive = next
	s.updated = time.Now()
	return true
}

// UpdateObserved deep-merges patch into the observed tree.
func (s *State) UpdateObserved(patch Tree) {
	if len(patch) == 0 {
		return
	}
	patch = patch.Clone()

	s.mx.Lock()
	next := s.observed.Clone()
	next.Merge(patch)
	s.observed = next
	s.updated = time.Now()
	s.mx.Unlock()
}

// Snapshot returns deep copies of both trees.
func (s *State) Snapshot() Snapshot {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return Snapshot{
		Predictive: s.predictive.Clone(),
		Observed:   s.observed.Clone(),
		Updated:    s.updated,
	}
}

// Reset discards both trees, used when a session reconnects.
func (s *State) Reset() {
	s.mx.Lock()
	s.predictive = Tree{}
	s.observed = Tree{}
	s.updated = time.Time{}
	s.mx.Unlock()
}
