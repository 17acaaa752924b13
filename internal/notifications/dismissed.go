package notifications

// DismissedCapacity bounds the per-device set of dismissed notification ids.
const DismissedCapacity = 200

// DismissedIDSet is an insertion-ordered set that evicts its oldest ids once over capacity.
type DismissedIDSet struct {
	capacity int
	order    []string
	index    map[string]struct{}
}

// NewDismissedIDSet builds a set from ids in insertion order.
func NewDismissedIDSet(capacity int, ids ...string) *DismissedIDSet {
	if capacity <= 0 {
		capacity = DismissedCapacity
	}
	set := &DismissedIDSet{
		capacity: capacity,
		order:    make([]string, 0, len(ids)),
		index:    make(map[string]struct{}, len(ids)),
	}
	set.Add(ids...)
	return set
}

// Add appends unseen ids; ids already present keep their original position.
func (s *DismissedIDSet) Add(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.index[id]; ok {
			continue
		}
		s.index[id] = struct{}{}
		s.order = append(s.order, id)
	}
	if overflow := len(s.order) - s.capacity; overflow > 0 {
		for _, evicted := range s.order[:overflow] {
			delete(s.index, evicted)
		}
		s.order = append([]string(nil), s.order[overflow:]...)
	}
}

// Merge unions other into s.
func (s *DismissedIDSet) Merge(other *DismissedIDSet) {
	if other == nil {
		return
	}
	s.Add(other.order...)
}

func (s *DismissedIDSet) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *DismissedIDSet) Len() int {
	return len(s.order)
}

// IDs returns the ids oldest first.
func (s *DismissedIDSet) IDs() []string {
	return append([]string(nil), s.order...)
}
