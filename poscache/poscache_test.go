package poscache

import (
	"sync"
	"testing"

	"github.com/matryer/is"
)

func entryWithValue(v float32) *Entry {
	return &Entry{Value: v, WDL: [3]float32{0.25, 0.5, 0.25}, MovesLeft: 40}
}

func TestInsertLookup(t *testing.T) {
	is := is.New(t)
	c := New(1024, ModeReadWrite)
	_, ok := c.Lookup(42)
	is.True(!ok)
	c.Insert(42, entryWithValue(0.5))
	e, ok := c.Lookup(42)
	is.True(ok)
	is.Equal(e.Value, float32(0.5))

	hits, misses, inserts := c.Stats()
	is.Equal(hits, uint64(1))
	is.Equal(misses, uint64(1))
	is.Equal(inserts, uint64(1))
}

func TestModes(t *testing.T) {
	is := is.New(t)

	off := New(1024, ModeOff)
	off.Insert(7, entryWithValue(1))
	_, ok := off.Lookup(7)
	is.True(!ok)

	ro := New(1024, ModeReadOnly)
	ro.Insert(7, entryWithValue(1))
	_, ok = ro.Lookup(7)
	is.True(!ok) // insert was dropped
	is.Equal(ro.Len(), 0)
}

func TestNilCacheIsSafe(t *testing.T) {
	is := is.New(t)
	var c *Cache
	_, ok := c.Lookup(1)
	is.True(!ok)
	c.Insert(1, entryWithValue(0))
}

func TestBoundedEviction(t *testing.T) {
	is := is.New(t)
	capacity := 256
	c := New(capacity, ModeReadWrite)
	for h := uint64(1); h <= uint64(capacity*4); h++ {
		c.Insert(h, entryWithValue(float32(h)))
	}
	is.True(c.Len() <= capacity)
	// Recent inserts should mostly survive approximate-FIFO eviction.
	survivors := 0
	for h := uint64(capacity*4 - 32); h <= uint64(capacity*4); h++ {
		if _, ok := c.Lookup(h); ok {
			survivors++
		}
	}
	is.True(survivors > 16)
}

func TestOverwriteDoesNotGrow(t *testing.T) {
	is := is.New(t)
	c := New(256, ModeReadWrite)
	for i := 0; i < 100; i++ {
		c.Insert(99, entryWithValue(float32(i)))
	}
	is.Equal(c.Len(), 1)
	e, ok := c.Lookup(99)
	is.True(ok)
	is.Equal(e.Value, float32(99))
}

func TestConcurrentAccess(t *testing.T) {
	c := New(4096, ModeReadWrite)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h := uint64(g*1000 + i)
				c.Insert(h, entryWithValue(float32(i)))
				c.Lookup(h)
				c.Lookup(uint64(i))
			}
		}(g)
	}
	wg.Wait()
}
