package election

import (
	"sync"

	"zab/internal/zabtypes"
)

// Static is a reference Oracle for tests and single-process simulation: the
// leader id is whatever was last set with Elect, and GoBack fires on every
// Elect call, whether or not the id changed.
type Static struct {
	mu     sync.Mutex
	leader zabtypes.ServerID
	subs   []chan struct{}
}

func NewStatic(initial zabtypes.ServerID) *Static {
	return &Static{leader: initial}
}

func (s *Static) LeaderID() (zabtypes.ServerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader, nil
}

// GoBack returns a fresh one-shot channel that fires on the next Elect call.
// Each caller gets its own channel so multiple participants can each learn
// about the same election independently.
func (s *Static) GoBack() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{}, 1)
	s.subs = append(s.subs, ch)
	return ch
}

// Elect updates the leader id and notifies every outstanding GoBack subscriber.
func (s *Static) Elect(leader zabtypes.ServerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leader = leader
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.subs = nil
}
