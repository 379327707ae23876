package inbox

// seenSet remembers the most recent message ids applied in a session so
// at-least-once redelivery for a conversation that is not open cannot
// count twice. Oldest ids are forgotten first once capacity is reached.
type seenSet struct {
	ids   map[string]struct{}
	order []string
	next  int
	cap   int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 4096
	}
	return &seenSet{ids: make(map[string]struct{}, capacity), cap: capacity}
}

func (s *seenSet) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *seenSet) Add(id string) {
	if id == "" || s.Has(id) {
		return
	}
	if len(s.order) < s.cap {
		s.order = append(s.order, id)
	} else {
		delete(s.ids, s.order[s.next])
		s.order[s.next] = id
		s.next = (s.next + 1) % s.cap
	}
	s.ids[id] = struct{}{}
}

func (s *seenSet) Len() int { return len(s.ids) }

func (s *seenSet) Reset() {
	s.ids = make(map[string]struct{}, s.cap)
	s.order = nil
	s.next = 0
}
