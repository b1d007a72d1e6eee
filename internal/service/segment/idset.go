package segment

// DefaultIDCapacity bounds how many message ids are remembered for dedup.
const DefaultIDCapacity = 100

// IDSet remembers the most recent ids, evicting the oldest first.
// It is not safe for concurrent use.
type IDSet struct {
	capacity int
	order    []string
	members  map[string]struct{}
}

func NewIDSet(capacity int) *IDSet {
	if capacity <= 0 {
		capacity = DefaultIDCapacity
	}
	return &IDSet{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		members:  make(map[string]struct{}, capacity),
	}
}

// Add records id and reports whether it was new.
func (s *IDSet) Add(id string) bool {
	if _, ok := s.members[id]; ok {
		return false
	}
	if len(s.order) == s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
	s.order = append(s.order, id)
	s.members[id] = struct{}{}
	return true
}

func (s *IDSet) Contains(id string) bool {
	_, ok := s.members[id]
	return ok
}

func (s *IDSet) Len() int {
	return len(s.order)
}

// IDs returns the remembered ids, oldest first.
func (s *IDSet) IDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *IDSet) Reset() {
	s.order = make([]string, 0, s.capacity)
	s.members = make(map[string]struct{}, s.capacity)
}
