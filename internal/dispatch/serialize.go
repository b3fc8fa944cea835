// ABOUTME: Per-key FIFO serialization for concurrent dispatches
// ABOUTME: Turns are claimed synchronously so order follows the claim, not the scheduler

package dispatch

import "sync"

// serializer hands out per-key turns. enqueue claims the next position in
// the key's queue on the caller's goroutine, so turn order is enqueue-call
// order even when the waiting happens on goroutines spawned later. Keys
// with no pending turns hold no state.
type serializer struct {
	mu   sync.Mutex
	tail map[string]chan struct{}
}

func newSerializer() *serializer {
	return &serializer{tail: make(map[string]chan struct{})}
}

// turn is one claimed position in a key's queue.
type turn struct {
	s    *serializer
	key  string
	prev chan struct{}
	self chan struct{}
}

// enqueue claims the next turn for key. It never blocks; the caller holds
// its place in line until it waits and releases.
func (s *serializer) enqueue(key string) *turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &turn{
		s:    s,
		key:  key,
		prev: s.tail[key],
		self: make(chan struct{}),
	}
	s.tail[key] = t.self
	return t
}

// wait blocks until every earlier turn for the key has released.
func (t *turn) wait() {
	if t.prev != nil {
		<-t.prev
	}
}

// release unblocks the next turn and drops the key's state if this was the
// last one in line.
func (t *turn) release() {
	close(t.self)
	t.s.mu.Lock()
	if t.s.tail[t.key] == t.self {
		delete(t.s.tail, t.key)
	}
	t.s.mu.Unlock()
}
