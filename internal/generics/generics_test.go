package generics

import (
	"github.com/stretchr/testify/assert"
	"slices"
	"testing"
)

func TestSortedKeys(t *testing.T) {
	m := map[int]string{1: "1", 5: "5", 3: "3"}
	// Go map iteration is randomized, so run it a bunch of times to show it is stably sorted.
	want := []int{1, 3, 5}
	for range 100 {
		assert.Equal(t, want, slices.Collect(SortedKeys(m)))
	}
}

func TestSortedKeysAndValues(t *testing.T) {
	m := map[string]float64{"win": 500, "loss": -500, "time": -0.1}
	var keys []string
	var values []float64
	for k, v := range SortedKeysAndValues(m) {
		keys = append(keys, k)
		values = append(values, v)
	}
	assert.Equal(t, []string{"loss", "time", "win"}, keys)
	assert.Equal(t, []float64{-500, -0.1, 500}, values)
}

func TestSet(t *testing.T) {
	s := MakeSet[string](10)
	assert.Len(t, s, 0)

	s.Insert("alice", "bob")
	assert.Len(t, s, 2)
	assert.True(t, s.Has("alice"))
	assert.False(t, s.Has("carol"))

	s2 := s.Clone()
	s.Remove("alice", "nobody")
	assert.Len(t, s, 1)
	assert.False(t, s.Has("alice"))
	assert.True(t, s2.Has("alice"), "Clone must not share storage")

	s3 := SetWith(1, 2, 2)
	assert.Len(t, s3, 2)
}

func TestWindow(t *testing.T) {
	w := NewWindow[int](3)
	assert.Equal(t, 0, w.Len())
	assert.Empty(t, w.Values())

	w.Push(1)
	w.Push(2)
	assert.Equal(t, []int{1, 2}, w.Values())

	w.Push(3)
	w.Push(4)
	w.Push(5)
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, []int{3, 4, 5}, w.Values())
	assert.Equal(t, 3, w.Capacity())
}

func TestSliceMap(t *testing.T) {
	got := SliceMap([]int{1, 2, 3}, func(e int) float32 { return float32(e) / 2 })
	assert.Equal(t, []float32{0.5, 1, 1.5}, got)
}
