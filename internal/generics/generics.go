// Package generics implements generic data structure functions missing from the stdlib.
package generics

import (
	"cmp"
	"iter"
	"maps"
	"slices"
)

// SliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedKeys returns an iterator over the sorted keys of the given map.
//
// It extracts the keys, sort them and then iterate over, so it's convenient but not fast.
func SortedKeys[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq[K] {
	sortedKeys := slices.Collect(maps.Keys(m))
	slices.Sort(sortedKeys)
	return slices.Values(sortedKeys)
}

// SortedKeysAndValues returns an interator over keys and values of a map m in a sorted fashion by the keys.
func SortedKeysAndValues[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq2[K, V] {
	sortedKeys := slices.Collect(maps.Keys(m))
	slices.Sort(sortedKeys)
	return func(yield func(K, V) bool) {
		for _, key := range sortedKeys {
			if !yield(key, m[key]) {
				break
			}
		}
	}
}

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set of the given type. Size is optional, and if given
// will reserve the expected size.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// SetWith creates a Set[T] with the given elements inserted.
func SetWith[T comparable](elements ...T) Set[T] {
	s := MakeSet[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Remove keys from the set. Missing keys are ignored.
func (s Set[T]) Remove(keys ...T) {
	for _, key := range keys {
		delete(s, key)
	}
}

// Clone returns a copy of the set.
func (s Set[T]) Clone() Set[T] {
	return maps.Clone(s)
}

// Window keeps the last Capacity values appended to it, dropping the oldest ones.
// The zero value is not usable, create it with NewWindow.
type Window[T any] struct {
	values   []T
	next     int
	capacity int
}

// NewWindow creates a Window that holds up to capacity values.
func NewWindow[T any](capacity int) *Window[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window[T]{values: make([]T, 0, capacity), capacity: capacity}
}

// Push appends a value, evicting the oldest one if the window is full.
func (w *Window[T]) Push(value T) {
	if len(w.values) < w.capacity {
		w.values = append(w.values, value)
		return
	}
	w.values[w.next] = value
	w.next = (w.next + 1) % w.capacity
}

// Len returns the number of values currently held.
func (w *Window[T]) Len() int { return len(w.values) }

// Capacity of the window.
func (w *Window[T]) Capacity() int { return w.capacity }

// Values returns a copy of the values held, from the oldest to the newest.
func (w *Window[T]) Values() []T {
	out := make([]T, 0, len(w.values))
	out = append(out, w.values[w.next:]...)
	return append(out, w.values[:w.next]...)
}
