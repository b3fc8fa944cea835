// ABOUTME: Tests for the dispatch engine against a stub backend
// ABOUTME: Covers suppression, both modes, failure classification, and ordering

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/session"
)

const botUser = "@seancebot:example.org"

// stubBackend records calls and returns canned results.
type stubBackend struct {
	mu sync.Mutex

	completions  [][]backend.ChatMessage
	completeText string
	completeErr  error

	threadsCreated int
	createErr      error

	appends   []appendCall
	appendErr error

	runStatus string
	runErr    error

	replyText string
	replyErr  error

	panicOn string // operation name that panics, for fault-isolation tests
}

type appendCall struct {
	threadID string
	content  string
}

func (s *stubBackend) CompleteChat(_ context.Context, messages []backend.ChatMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOn == "complete" {
		panic("stub exploded")
	}
	s.completions = append(s.completions, messages)
	return s.completeText, s.completeErr
}

func (s *stubBackend) CreateThread(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.threadsCreated++
	return fmt.Sprintf("thread_%d", s.threadsCreated), nil
}

func (s *stubBackend) AppendMessage(_ context.Context, threadID, _, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return "", s.appendErr
	}
	s.appends = append(s.appends, appendCall{threadID: threadID, content: content})
	return fmt.Sprintf("msg_%d", len(s.appends)), nil
}

func (s *stubBackend) CreateRun(_ context.Context, threadID string) (*backend.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runErr != nil {
		return nil, s.runErr
	}
	status := s.runStatus
	if status == "" {
		status = backend.RunStatusCompleted
	}
	return &backend.Run{ID: "run_1", ThreadID: threadID, Status: status}, nil
}

func (s *stubBackend) ExtractReply(_ context.Context, _ *backend.Run) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replyText, s.replyErr
}

func newChatEngine(t *testing.T, stub *stubBackend) (*Engine, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore()
	eng := NewEngine(Options{
		BotUserID:    botUser,
		Mode:         session.ModeChat,
		SystemPrompt: "You are a helpful assistant.",
	}, stub, store, nil)
	return eng, store
}

func newAssistantEngine(t *testing.T, stub *stubBackend, perThread bool) (*Engine, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore()
	eng := NewEngine(Options{
		BotUserID:        botUser,
		Mode:             session.ModeAssistant,
		PerThreadContext: perThread,
		SystemPrompt:     "You are a helpful assistant.",
	}, stub, store, nil)
	return eng, store
}

func userMessage(body string) InboundMessage {
	return InboundMessage{
		RoomID:  "!R1:example.org",
		EventID: "$evt1",
		Sender:  "@alice:example.org",
		Body:    body,
	}
}

func TestHandle_SuppressesOwnMessages(t *testing.T) {
	stub := &stubBackend{completeText: "should never be sent"}
	eng, _ := newChatEngine(t, stub)

	msg := userMessage("hello")
	msg.Sender = botUser
	res := eng.Handle(context.Background(), msg)

	assert.Equal(t, KindSuppressed, res.Kind)
	assert.Empty(t, stub.completions, "no backend call for own messages")
}

func TestHandle_ChatMode_Scenario(t *testing.T) {
	stub := &stubBackend{completeText: "4"}
	eng, _ := newChatEngine(t, stub)

	res := eng.Handle(context.Background(), userMessage("2+2?"))

	require.Equal(t, KindReply, res.Kind)
	assert.Equal(t, "4", res.Body)

	require.Len(t, stub.completions, 1)
	prompt := stub.completions[0]
	require.Len(t, prompt, 2)
	assert.Equal(t, backend.RoleSystem, prompt[0].Role)
	assert.Equal(t, "You are a helpful assistant.", prompt[0].Content)
	assert.Equal(t, backend.RoleUser, prompt[1].Role)
	assert.Equal(t, "2+2?", prompt[1].Content)
}

func TestHandle_ChatMode_Stateless(t *testing.T) {
	stub := &stubBackend{completeText: "ok"}
	eng, store := newChatEngine(t, stub)
	ctx := context.Background()

	eng.Handle(ctx, userMessage("first"))
	eng.Handle(ctx, userMessage("second"))

	// Two independent completions, each carrying only its own body
	require.Len(t, stub.completions, 2)
	assert.Equal(t, "first", stub.completions[0][1].Content)
	assert.Equal(t, "second", stub.completions[1][1].Content)
	assert.Zero(t, stub.threadsCreated)

	// Chat sessions never acquire a backend thread
	sess, err := store.GetOrCreate(ctx, "!R1:example.org", session.ModeChat)
	require.NoError(t, err)
	assert.Empty(t, sess.BackendThreadID)
}

func TestHandle_AssistantMode_OneThreadOrderedAppends(t *testing.T) {
	stub := &stubBackend{replyText: "sure"}
	eng, _ := newAssistantEngine(t, stub, false)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res := eng.Handle(ctx, userMessage(fmt.Sprintf("message %d", i)))
		require.Equal(t, KindReply, res.Kind)
	}

	assert.Equal(t, 1, stub.threadsCreated, "thread created lazily, once")
	require.Len(t, stub.appends, 3)
	for i, call := range stub.appends {
		assert.Equal(t, "thread_1", call.threadID)
		assert.Equal(t, fmt.Sprintf("message %d", i+1), call.content)
	}
}

func TestHandle_AssistantMode_ReusesPersistedThread(t *testing.T) {
	stub := &stubBackend{replyText: "sure"}
	eng, store := newAssistantEngine(t, stub, false)
	ctx := context.Background()

	// Simulate a session restored from persistence with a bound thread
	_, err := store.GetOrCreate(ctx, "!R1:example.org", session.ModeAssistant)
	require.NoError(t, err)
	_, err = store.AttachThreadID(ctx, "!R1:example.org", "thread_restored")
	require.NoError(t, err)

	res := eng.Handle(ctx, userMessage("hello again"))

	require.Equal(t, KindReply, res.Kind)
	assert.Zero(t, stub.threadsCreated)
	require.Len(t, stub.appends, 1)
	assert.Equal(t, "thread_restored", stub.appends[0].threadID)
}

func TestHandle_PerThreadContext_SeparatesConversations(t *testing.T) {
	stub := &stubBackend{replyText: "sure"}
	eng, _ := newAssistantEngine(t, stub, true)
	ctx := context.Background()

	inThread := userMessage("inside a thread")
	inThread.ThreadRoot = "$root1"
	eng.Handle(ctx, inThread)

	other := userMessage("top level")
	eng.Handle(ctx, other)

	assert.Equal(t, 2, stub.threadsCreated, "room and protocol thread are distinct conversations")
}

func TestHandle_RunTimeout(t *testing.T) {
	stub := &stubBackend{runErr: fmt.Errorf("creating run: %w", backend.ErrRunTimedOut)}
	eng, _ := newAssistantEngine(t, stub, false)

	res := eng.Handle(context.Background(), userMessage("slow question"))

	require.Equal(t, KindFailure, res.Kind)
	assert.Equal(t, FailureTimeout, res.Failure)
	assert.ErrorIs(t, res.Err, backend.ErrRunTimedOut)
}

func TestHandle_RunEndedBadly(t *testing.T) {
	stub := &stubBackend{runStatus: backend.RunStatusFailed}
	eng, _ := newAssistantEngine(t, stub, false)

	res := eng.Handle(context.Background(), userMessage("hi"))

	require.Equal(t, KindFailure, res.Kind)
	assert.Equal(t, FailureBackend, res.Failure)
}

func TestHandle_EmptyReply(t *testing.T) {
	stub := &stubBackend{completeText: "   \n"}
	eng, _ := newChatEngine(t, stub)

	res := eng.Handle(context.Background(), userMessage("hi"))

	require.Equal(t, KindFailure, res.Kind)
	assert.Equal(t, FailureEmpty, res.Failure)
}

func TestHandle_FailureClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"rate limited", backend.ErrRateLimited, FailureRateLimited},
		{"unavailable", backend.ErrUnavailable, FailureBackend},
		{"malformed folds into empty", backend.ErrMalformedResponse, FailureEmpty},
		{"unclassified", errors.New("wat"), FailureBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubBackend{completeErr: tt.err}
			eng, _ := newChatEngine(t, stub)

			res := eng.Handle(context.Background(), userMessage("hi"))
			require.Equal(t, KindFailure, res.Kind)
			assert.Equal(t, tt.want, res.Failure)
		})
	}
}

func TestHandle_PanicConvertedToFailure(t *testing.T) {
	stub := &stubBackend{panicOn: "complete"}
	eng, _ := newChatEngine(t, stub)

	var res Result
	assert.NotPanics(t, func() {
		res = eng.Handle(context.Background(), userMessage("hi"))
	})
	require.Equal(t, KindFailure, res.Kind)
	assert.Equal(t, FailureBackend, res.Failure)
}

func TestHandle_TouchesSessionOnSuccess(t *testing.T) {
	stub := &stubBackend{completeText: "ok"}
	eng, store := newChatEngine(t, stub)
	ctx := context.Background()

	before, err := store.GetOrCreate(ctx, "!R1:example.org", session.ModeChat)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res := eng.Handle(ctx, userMessage("hi"))
	require.Equal(t, KindReply, res.Kind)

	after, err := store.GetOrCreate(ctx, "!R1:example.org", session.ModeChat)
	require.NoError(t, err)
	assert.True(t, after.LastActiveAt.After(before.LastActiveAt))
}

func TestEnqueue_SameKeyArrivalOrder(t *testing.T) {
	stub := &stubBackend{replyText: "sure"}
	eng, _ := newAssistantEngine(t, stub, false)
	ctx := context.Background()

	// Mimic the sync loop: claim turns sequentially on one goroutine, with
	// each dispatch running asynchronously. The appends must hit the thread
	// in claim order, whatever order the runtime schedules the workers.
	const n = 8
	channels := make([]<-chan Result, n)
	for i := 0; i < n; i++ {
		msg := userMessage(fmt.Sprintf("message %d", i))
		msg.EventID = fmt.Sprintf("$evt%d", i)
		channels[i] = eng.Enqueue(ctx, msg)
	}
	for i, ch := range channels {
		res := <-ch
		require.Equal(t, KindReply, res.Kind, "message %d", i)
	}

	require.Len(t, stub.appends, n)
	for i, call := range stub.appends {
		assert.Equal(t, fmt.Sprintf("message %d", i), call.content)
	}
}

func TestHandle_ShutdownSuppressesNotice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stub := &stubBackend{completeErr: fmt.Errorf("completing chat: %w", context.Canceled)}
	eng, _ := newChatEngine(t, stub)

	// A dispatch cut short by shutdown produces no failure notice.
	res := eng.Handle(ctx, userMessage("hi"))
	assert.Equal(t, KindSuppressed, res.Kind)
}

func TestHandle_DistinctKeysRunConcurrently(t *testing.T) {
	stub := &stubBackend{completeText: "ok"}
	eng, _ := newChatEngine(t, stub)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := userMessage("hi")
			msg.RoomID = fmt.Sprintf("!R%d:example.org", i)
			res := eng.Handle(ctx, msg)
			assert.Equal(t, KindReply, res.Kind)
		}(i)
	}
	wg.Wait()

	assert.Len(t, stub.completions, 8)
}
