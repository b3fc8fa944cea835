// ABOUTME: Tests for key derivation and the in-memory session store
// ABOUTME: Validates idempotent creation, the thread-id latch, and mode invariants

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_RoomGranularity(t *testing.T) {
	assert.Equal(t, "!room:example.org", Key("!room:example.org", "", false))
	// Thread root is ignored when per-thread grouping is off
	assert.Equal(t, "!room:example.org", Key("!room:example.org", "$root", false))
}

func TestKey_ThreadGranularity(t *testing.T) {
	assert.Equal(t, "!room:example.org/$root", Key("!room:example.org", "$root", true))
	// Messages outside any thread fall back to the room conversation
	assert.Equal(t, "!room:example.org", Key("!room:example.org", "", true))
}

func TestKey_Deterministic(t *testing.T) {
	a := Key("!r:x", "$t", true)
	b := Key("!r:x", "$t", true)
	assert.Equal(t, a, b)
}

func TestMemoryStore_GetOrCreate_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, "room-1", ModeAssistant)
	require.NoError(t, err)
	assert.Equal(t, "room-1", first.Key)
	assert.Equal(t, ModeAssistant, first.Mode)
	assert.Empty(t, first.BackendThreadID)
	assert.False(t, first.CreatedAt.IsZero())

	second, err := store.GetOrCreate(ctx, "room-1", ModeAssistant)
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestMemoryStore_GetOrCreate_KeepsOriginalMode(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "room-1", ModeChat)
	require.NoError(t, err)

	// Mode is fixed at creation; a later call with a different mode does
	// not change the existing session.
	s, err := store.GetOrCreate(ctx, "room-1", ModeAssistant)
	require.NoError(t, err)
	assert.Equal(t, ModeChat, s.Mode)
}

func TestMemoryStore_AttachThreadID_FirstWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "room-1", ModeAssistant)
	require.NoError(t, err)

	id, err := store.AttachThreadID(ctx, "room-1", "thread_a")
	require.NoError(t, err)
	assert.Equal(t, "thread_a", id)

	// Second attach is a no-op returning the existing ID
	id, err = store.AttachThreadID(ctx, "room-1", "thread_b")
	require.NoError(t, err)
	assert.Equal(t, "thread_a", id)
}

func TestMemoryStore_AttachThreadID_ConcurrentOneWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "room-1", ModeAssistant)
	require.NoError(t, err)

	const racers = 16
	results := make([]string, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.AttachThreadID(ctx, "room-1", fmt.Sprintf("thread_%d", i))
			require.NoError(t, err)
			results[i] = id
		}(i)
	}
	wg.Wait()

	// Every racer observed the same winning ID
	for _, id := range results {
		assert.Equal(t, results[0], id)
	}
}

func TestMemoryStore_AttachThreadID_ChatMode(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "room-1", ModeChat)
	require.NoError(t, err)

	_, err = store.AttachThreadID(ctx, "room-1", "thread_a")
	assert.ErrorIs(t, err, ErrWrongMode)
}

func TestMemoryStore_AttachThreadID_MissingSession(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.AttachThreadID(context.Background(), "nope", "thread_a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Touch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.GetOrCreate(ctx, "room-1", ModeChat)
	require.NoError(t, err)

	later := created.LastActiveAt.Add(time.Minute)
	require.NoError(t, store.Touch(ctx, "room-1", later))

	s, err := store.GetOrCreate(ctx, "room-1", ModeChat)
	require.NoError(t, err)
	assert.Equal(t, later, s.LastActiveAt)

	assert.ErrorIs(t, store.Touch(ctx, "nope", later), ErrNotFound)
}

func TestMemoryStore_SnapshotIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s, err := store.GetOrCreate(ctx, "room-1", ModeAssistant)
	require.NoError(t, err)

	// Mutating the returned session must not affect the stored one
	s.BackendThreadID = "bogus"

	again, err := store.GetOrCreate(ctx, "room-1", ModeAssistant)
	require.NoError(t, err)
	assert.Empty(t, again.BackendThreadID)
}
