// ABOUTME: Tests for the per-key FIFO serializer
// ABOUTME: Verifies claim-order execution and key independence

package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSerializer_FIFOFollowsEnqueueOrder(t *testing.T) {
	s := newSerializer()

	// Hold the first turn so later ones queue up behind it.
	first := s.enqueue("k")
	first.wait()

	// Claim positions sequentially, then hand the waiting to goroutines.
	// Execution order must match claim order no matter how the goroutines
	// get scheduled.
	turns := make([]*turn, 5)
	for i := range turns {
		turns[i] = s.enqueue("k")
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := len(turns) - 1; i >= 0; i-- { // start in reverse on purpose
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			turns[i].wait()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			turns[i].release()
		}(i)
	}

	first.release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSerializer_DistinctKeysDoNotBlock(t *testing.T) {
	s := newSerializer()

	a := s.enqueue("a")
	a.wait()
	defer a.release()

	done := make(chan struct{})
	go func() {
		b := s.enqueue("b")
		b.wait()
		b.release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("turn on a different key blocked")
	}
}

func TestSerializer_ReleasedKeyHoldsNoState(t *testing.T) {
	s := newSerializer()

	turn := s.enqueue("k")
	turn.wait()
	turn.release()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.tail)
}

func TestSerializer_ReenqueueAfterRelease(t *testing.T) {
	s := newSerializer()

	for i := 0; i < 3; i++ {
		turn := s.enqueue("k")
		turn.wait()
		turn.release()
	}
}
