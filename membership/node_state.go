package membership

import (
	"runtime"
	"sync/atomic"

	"go.miragespace.co/conclave/spec/membership"

	"github.com/zhangyunhao116/skipmap"
)

// nodeState packs a transition counter and the current state into one word,
// so a CAS only succeeds against the exact transition the caller observed.
type nodeState struct {
	state   atomic.Uint64
	history *skipmap.Uint64Map[membership.State]
}

func newNodeState(initial membership.State) *nodeState {
	s := &nodeState{
		history: skipmap.NewUint64[membership.State](),
	}
	s.state.Store(uint64(initial))
	s.history.Store(0, initial)
	return s
}

func (s *nodeState) Transition(exp membership.State, nxt membership.State) (membership.State, bool) {
	curr := s.state.Load()
	currIndex := curr >> 4
	if membership.State(curr&0b1111) != exp {
		return membership.State(curr & 0b1111), false
	}
	nextIndex := currIndex + 1
	if s.state.CompareAndSwap(curr, (nextIndex<<4)|uint64(nxt)) {
		s.history.Store(nextIndex, nxt)
		return nxt, true
	}
	return s.Get(), false
}

// TransitionAny moves to nxt from any of the allowed states.
func (s *nodeState) TransitionAny(nxt membership.State, allowed ...membership.State) bool {
	for {
		curr := s.Get()
		ok := false
		for _, a := range allowed {
			if a == curr {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
		if _, swapped := s.Transition(curr, nxt); swapped {
			return true
		}
		runtime.Gosched()
	}
}

func (s *nodeState) Set(val membership.State) {
	for {
		if _, ok := s.Transition(s.Get(), val); ok {
			break
		}
		runtime.Gosched()
	}
}

func (s *nodeState) Get() membership.State {
	return membership.State(s.state.Load() & 0b1111)
}

func (s *nodeState) History() []membership.State {
	h := make([]membership.State, 0)
	s.history.Range(func(_ uint64, state membership.State) bool {
		h = append(h, state)
		return true
	})
	return h
}
