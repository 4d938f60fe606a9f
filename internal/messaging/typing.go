package messaging

import (
	"sync"
	"time"

	"github.com/rickgao/socialsync/internal/store"
)

// typingSet tracks peers currently typing. An indicator expires after ttl
// when the matching stop event never arrives.
type typingSet struct {
	ttl   time.Duration
	state *store.Store[string, bool]

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTypingSet(ttl time.Duration) *typingSet {
	return &typingSet{
		ttl:    ttl,
		state:  store.New[string, bool](),
		timers: make(map[string]*time.Timer),
	}
}

func (s *typingSet) set(userID string) {
	s.mu.Lock()
	if t, ok := s.timers[userID]; ok {
		t.Stop()
	}
	if s.ttl > 0 {
		var timer *time.Timer
		timer = time.AfterFunc(s.ttl, func() {
			s.mu.Lock()
			current := s.timers[userID] == timer
			if current {
				delete(s.timers, userID)
			}
			s.mu.Unlock()
			if current {
				s.state.Delete(userID)
			}
		})
		s.timers[userID] = timer
	}
	s.mu.Unlock()

	s.state.Update(userID, func(cur bool, exists bool) (bool, bool) {
		return true, !exists || !cur
	})
}

func (s *typingSet) clear(userID string) {
	s.mu.Lock()
	if t, ok := s.timers[userID]; ok {
		t.Stop()
		delete(s.timers, userID)
	}
	s.mu.Unlock()
	s.state.Delete(userID)
}

func (s *typingSet) active(userID string) bool {
	v, _ := s.state.Get(userID)
	return v
}

func (s *typingSet) reset() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.state.Clear()
}
