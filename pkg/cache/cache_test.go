package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheBasics(t *testing.T) {
	c := New[string, int]()

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, c.Contains("a"))
	assert.Equal(t, 1, c.Len())

	c.Set("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)

	c.Delete("a")
	assert.False(t, c.Contains("a"))
	assert.Equal(t, 0, c.Len())
}

func TestCacheRange(t *testing.T) {
	c := New[int, string]()
	c.Set(1, "a")
	c.Set(2, "b")
	c.Set(3, "c")

	seen := map[int]string{}
	c.Range(func(k int, v string) bool {
		seen[k] = v
		return true
	})
	assert.Len(t, seen, 3)

	count := 0
	c.Range(func(int, string) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New[int, int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.Set(base*1000+i, i)
				c.Get(base*1000 + i)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 8000, c.Len())
}

func TestSet(t *testing.T) {
	s := NewSet[uint32]()
	assert.False(t, s.Contains(1))
	s.Add(1)
	s.Add(1)
	assert.True(t, s.Contains(1))
	assert.Equal(t, 1, s.Len())
	s.Remove(1)
	assert.False(t, s.Contains(1))
}
