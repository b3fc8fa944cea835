// ABOUTME: Tests for the rotating seen-set
// ABOUTME: Covers duplicate detection, window expiry, capacity, and races

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAndMark_FirstSightIsNew(t *testing.T) {
	s := New(time.Minute, 100)

	assert.False(t, s.CheckAndMark("$evt1"))
	assert.True(t, s.CheckAndMark("$evt1"))
	assert.False(t, s.CheckAndMark("$evt2"))
}

func TestCheckAndMark_ForgottenAfterTwoWindows(t *testing.T) {
	s := New(20*time.Millisecond, 100)

	assert.False(t, s.CheckAndMark("$evt1"))

	// Two full windows with no refresh drop both generations holding the key
	time.Sleep(25 * time.Millisecond)
	s.CheckAndMark("$other1") // triggers first rotation
	time.Sleep(25 * time.Millisecond)
	s.CheckAndMark("$other2") // triggers second rotation

	assert.False(t, s.CheckAndMark("$evt1"), "key should be forgotten")
}

func TestCheckAndMark_RefreshSurvivesRotation(t *testing.T) {
	s := New(20*time.Millisecond, 100)

	s.CheckAndMark("$evt1")

	time.Sleep(25 * time.Millisecond)
	assert.True(t, s.CheckAndMark("$evt1"), "still within remembering span")

	// The duplicate hit refreshed the key into the new generation
	time.Sleep(25 * time.Millisecond)
	assert.True(t, s.CheckAndMark("$evt1"))
}

func TestCheckAndMark_CapacityBoundsMemory(t *testing.T) {
	s := New(time.Hour, 10)

	for i := 0; i < 50; i++ {
		s.CheckAndMark(fmt.Sprintf("$evt%d", i))
	}

	assert.LessOrEqual(t, s.Len(), 20, "never more than two generations")
}

func TestCheckAndMark_ConcurrentSameKeyOneWinner(t *testing.T) {
	s := New(time.Minute, 100)

	var fresh atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !s.CheckAndMark("$evt1") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fresh.Load())
}
