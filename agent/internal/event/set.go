package event

import "sort"

// Set is a collection of Events deduplicated by ID. The zero value is not
// usable; create one with NewSet.
type Set map[ID]Event

// NewSet returns a Set holding events.
func NewSet(events ...Event) Set {
	s := make(Set, len(events))
	for _, e := range events {
		s[e.ID] = e
	}
	return s
}

// Len returns the number of events in s.
func (s Set) Len() int { return len(s) }

// Has reports whether an event with id is present.
func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Union returns a new Set with the events of s and other.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for id, e := range s {
		out[id] = e
	}
	for id, e := range other {
		out[id] = e
	}
	return out
}

// Difference returns a new Set with the events of s that are not in other.
func (s Set) Difference(other Set) Set {
	out := make(Set, len(s))
	for id, e := range s {
		if _, ok := other[id]; !ok {
			out[id] = e
		}
	}
	return out
}

// Equal reports whether s and other hold the same events.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for id, e := range s {
		o, ok := other[id]
		if !ok || !e.Equal(o) {
			return false
		}
	}
	return true
}

// Sorted returns the events ordered by ID. The order is arbitrary with
// respect to emission time but stable across runs.
func (s Set) Sorted() []Event {
	out := make([]Event, 0, len(s))
	for _, e := range s {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}
