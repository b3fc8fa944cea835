// ABOUTME: Rotating seen-set for suppressing duplicate event deliveries
// ABOUTME: Two generations bound both memory and the remembering window

package dedupe

import (
	"sync"
	"time"
)

// Seen remembers recently observed keys so a redelivered event is processed
// only once. It keeps two generations of keys; on rotation the current
// generation becomes the previous one and the oldest is dropped wholesale.
// A key is therefore remembered for at least one window and at most two,
// and memory never exceeds two generations of limit entries.
type Seen struct {
	mu       sync.Mutex
	window   time.Duration
	limit    int
	current  map[string]struct{}
	previous map[string]struct{}
	rotated  time.Time
}

// New creates a seen-set. window is the minimum remembering duration and
// limit caps the entries per generation.
func New(window time.Duration, limit int) *Seen {
	return &Seen{
		window:   window,
		limit:    limit,
		current:  make(map[string]struct{}),
		previous: make(map[string]struct{}),
		rotated:  time.Now(),
	}
}

// CheckAndMark reports whether key was already seen, marking it if not.
// The check and the mark are atomic, so concurrent deliveries of the same
// key yield exactly one false.
func (s *Seen) CheckAndMark(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.rotated) >= s.window || len(s.current) >= s.limit {
		s.rotate()
	}

	if _, ok := s.current[key]; ok {
		return true
	}
	if _, ok := s.previous[key]; ok {
		// Refresh so the key survives the next rotation too.
		s.current[key] = struct{}{}
		return true
	}

	s.current[key] = struct{}{}
	return false
}

// Len returns the number of keys currently remembered, counting a key
// present in both generations once.
func (s *Seen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.current)
	for key := range s.previous {
		if _, ok := s.current[key]; !ok {
			n++
		}
	}
	return n
}

func (s *Seen) rotate() {
	s.previous = s.current
	s.current = make(map[string]struct{})
	s.rotated = time.Now()
}
