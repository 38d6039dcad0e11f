package shard

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_UpdateCreatesAndDeletes(t *testing.T) {
	m := New[int](4)

	got := m.Update("a", func(cur int, ok bool) (int, bool) {
		assert.False(t, ok)
		return cur + 1, true
	})
	assert.Equal(t, 1, got)

	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Update("a", func(cur int, ok bool) (int, bool) {
		assert.True(t, ok)
		return cur, false
	})
	_, ok = m.Get("a")
	assert.False(t, ok)
}

func TestMap_PutIfAbsent(t *testing.T) {
	m := New[string](0)

	assert.True(t, m.PutIfAbsent("10.0.0.1", "first"))
	assert.False(t, m.PutIfAbsent("10.0.0.1", "second"))

	v, _ := m.Get("10.0.0.1")
	assert.Equal(t, "first", v)
}

func TestMap_SweepAndLen(t *testing.T) {
	m := New[int](8)
	for i := 0; i < 100; i++ {
		m.PutIfAbsent(fmt.Sprintf("k%d", i), i)
	}
	require.Equal(t, 100, m.Len())

	dropped := m.Sweep(func(_ string, v int) bool { return v%2 == 0 })
	assert.Equal(t, 50, dropped)
	assert.Equal(t, 50, m.Len())

	seen := 0
	m.Range(func(_ string, v int) bool {
		assert.Equal(t, 1, v%2)
		seen++
		return true
	})
	assert.Equal(t, 50, seen)
}

func TestMap_RangeStopsEarly(t *testing.T) {
	m := New[int](2)
	for i := 0; i < 10; i++ {
		m.PutIfAbsent(fmt.Sprintf("k%d", i), i)
	}
	seen := 0
	m.Range(func(string, int) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}

func TestMap_ConcurrentPutIfAbsentHasOneWinner(t *testing.T) {
	m := New[int](16)

	const n = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if m.PutIfAbsent("5.6.7.8", i) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}
