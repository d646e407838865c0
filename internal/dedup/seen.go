package dedup

import "sync"

// SeenSet is the fast in-memory identity set used while a page stays loaded.
// Once it holds max ids the oldest are forgotten first.
type SeenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	max   int
}

func NewSeenSet(max int) *SeenSet {
	if max <= 0 {
		max = 10000
	}
	return &SeenSet{ids: make(map[string]struct{}), max: max}
}

// Add records id and reports whether it was new.
func (s *SeenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) >= s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *SeenSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
