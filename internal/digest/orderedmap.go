package digest

import "sort"

// OrderedMap is a string->string map that always iterates in lexicographic
// key order, matching canonicalization rule 1 (objects written in
// lexicographic key order).
type OrderedMap struct {
	keys   []string
	values map[string]string
}

// NewOrderedMap builds an OrderedMap from a plain map, sorting keys once.
func NewOrderedMap(m map[string]string) OrderedMap {
	om := OrderedMap{values: make(map[string]string, len(m))}
	for k, v := range m {
		om.Set(k, v)
	}
	return om
}

// Set inserts or overwrites a key's value, keeping keys sorted.
func (om *OrderedMap) Set(k, v string) {
	if om.values == nil {
		om.values = make(map[string]string)
	}
	if _, exists := om.values[k]; !exists {
		i := sort.SearchStrings(om.keys, k)
		om.keys = append(om.keys, "")
		copy(om.keys[i+1:], om.keys[i:])
		om.keys[i] = k
	}
	om.values[k] = v
}

// Keys returns the sorted key list.
func (om OrderedMap) Keys() []string { return om.keys }

// Get returns the value for k.
func (om OrderedMap) Get(k string) (string, bool) {
	v, ok := om.values[k]
	return v, ok
}

// Len reports the number of entries.
func (om OrderedMap) Len() int { return len(om.keys) }
