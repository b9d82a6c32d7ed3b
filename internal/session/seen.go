package session

// seenSet remembers the most recent opIds in insertion order and forgets the oldest
// once full.
type seenSet struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{ring: make([]string, capacity), set: make(map[string]struct{}, capacity)}
}

func (s *seenSet) has(id string) bool {
	_, ok := s.set[id]
	return ok
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	if s.has(id) {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.set, old)
	}
	s.ring[s.next] = id
	s.next = (s.next + 1) % len(s.ring)
	s.set[id] = struct{}{}
	return true
}

func (s *seenSet) len() int { return len(s.set) }
