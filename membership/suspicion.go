package membership

import (
	"sync"
	"time"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"
)

// suspicionTable aggregates failure reports per suspect. Only reports newer
// than the window count toward confirmation.
type suspicionTable struct {
	mu       sync.RWMutex
	window   time.Duration
	records  map[membership.MemberKey]map[membership.MemberKey]time.Time
	suspects map[membership.MemberKey]*protocol.Member
}

func newSuspicionTable(window time.Duration) *suspicionTable {
	return &suspicionTable{
		window:   window,
		records:  make(map[membership.MemberKey]map[membership.MemberKey]time.Time),
		suspects: make(map[membership.MemberKey]*protocol.Member),
	}
}

// Record notes that reporter suspects suspect at the given time, and returns
// the number of distinct reporters within the window.
func (s *suspicionTable) Record(suspect, reporter *protocol.Member, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := membership.KeyOf(suspect)
	reporters, ok := s.records[key]
	if !ok {
		reporters = make(map[membership.MemberKey]time.Time)
		s.records[key] = reporters
		s.suspects[key] = suspect.Clone()
	}
	reporters[membership.KeyOf(reporter)] = at

	return s.count(key, at)
}

func (s *suspicionTable) Count(suspect *protocol.Member, now time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count(membership.KeyOf(suspect), now)
}

func (s *suspicionTable) count(key membership.MemberKey, now time.Time) int {
	n := 0
	for _, at := range s.records[key] {
		if now.Sub(at) <= s.window {
			n++
		}
	}
	return n
}

func (s *suspicionTable) Clear(suspect *protocol.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := membership.KeyOf(suspect)
	delete(s.records, key)
	delete(s.suspects, key)
}

// Expire drops reports older than the window.
func (s *suspicionTable) Expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, reporters := range s.records {
		for reporter, at := range reporters {
			if now.Sub(at) > s.window {
				delete(reporters, reporter)
			}
		}
		if len(reporters) == 0 {
			delete(s.records, key)
			delete(s.suspects, key)
		}
	}
}

// Retain drops records about processes that are no longer in v.
func (s *suspicionTable) Retain(v *membership.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, suspect := range s.suspects {
		if !v.Contains(suspect) {
			delete(s.records, key)
			delete(s.suspects, key)
		}
	}
}

type suspicionSummary struct {
	suspect   *protocol.Member
	reporters int
}

func (s *suspicionTable) Snapshot(now time.Time) []suspicionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]suspicionSummary, 0, len(s.suspects))
	for key, suspect := range s.suspects {
		out = append(out, suspicionSummary{
			suspect:   suspect,
			reporters: s.count(key, now),
		})
	}
	return out
}
