package nodestore

import (
	"errors"
	"sync"
	"testing"

	"github.com/matryer/is"
)

func TestAllocNode(t *testing.T) {
	is := is.New(t)
	s := New(16, 64)
	first, err := s.AllocNode()
	is.NoErr(err)
	is.True(first != NullNode)
	second, err := s.AllocNode()
	is.NoErr(err)
	is.True(second == first+1)
	is.Equal(s.Allocated(), uint32(3)) // null + two
}

func TestAllocNodeExhaustion(t *testing.T) {
	is := is.New(t)
	s := New(4, 16)
	for i := 0; i < 3; i++ {
		_, err := s.AllocNode()
		is.NoErr(err)
	}
	_, err := s.AllocNode()
	is.True(errors.Is(err, ErrStoreExhausted))
	// The store is still usable for reads after exhaustion.
	is.Equal(s.Allocated(), s.Capacity())
}

func TestAllocChildren(t *testing.T) {
	is := is.New(t)
	s := New(16, 16)
	start, err := s.AllocChildren(5)
	is.NoErr(err)
	is.Equal(start, uint32(1))
	start2, err := s.AllocChildren(5)
	is.NoErr(err)
	is.Equal(start2, uint32(6))
	_, err = s.AllocChildren(10)
	is.True(errors.Is(err, ErrStoreExhausted))
}

func TestConcurrentAlloc(t *testing.T) {
	is := is.New(t)
	s := New(1<<12, 1<<12)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := s.AllocNode()
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	is.Equal(s.Allocated(), uint32(801))
}

func TestAtomicFloat64(t *testing.T) {
	is := is.New(t)
	var f AtomicFloat64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				f.Add(0.5)
			}
		}()
	}
	wg.Wait()
	is.Equal(f.Load(), 2000.0)
}

func TestNodeDerivedStats(t *testing.T) {
	is := is.New(t)
	s := New(8, 8)
	idx, err := s.AllocNode()
	is.NoErr(err)
	n := s.Node(idx)
	is.Equal(n.Q(), 0.0) // unvisited

	n.N.Store(4)
	n.W.Store(2.0)
	n.WDraw.Store(1.0)
	n.WLoss.Store(0.4)
	n.MSum.Store(80)
	is.Equal(n.Q(), 0.5)
	is.Equal(n.MAvg(), 20.0)
	w, d, l := n.WDL()
	is.Equal(d, 0.25)
	is.Equal(l, 0.1)
	is.True(w > 0.64 && w < 0.66)
}

func TestChildrenBlock(t *testing.T) {
	is := is.New(t)
	s := New(8, 8)
	idx, err := s.AllocNode()
	is.NoErr(err)
	n := s.Node(idx)
	start, err := s.AllocChildren(3)
	is.NoErr(err)
	n.ChildrenStart = start
	n.NumPolicyMoves = 3
	is.Equal(len(s.Children(n)), 3)
	s.Child(start, 1).Prior = 0.75
	is.Equal(s.Children(n)[1].Prior, float32(0.75))
}
