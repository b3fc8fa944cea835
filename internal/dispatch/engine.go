// ABOUTME: Dispatch engine: routes each inbound message to the right backend mode
// ABOUTME: Owns session resolution, per-key ordering, and failure classification

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/session"
)

// InboundMessage is one chat-text event as seen by the engine. Plain strings
// keep the core callable without a live transport.
type InboundMessage struct {
	RoomID     string
	EventID    string
	Sender     string
	ThreadRoot string // protocol-level thread root, empty outside threads
	Body       string
}

// Backend defines what the engine needs from the LLM client.
type Backend interface {
	CompleteChat(ctx context.Context, messages []backend.ChatMessage) (string, error)
	CreateThread(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, threadID, role, content string) (string, error)
	CreateRun(ctx context.Context, threadID string) (*backend.Run, error)
	ExtractReply(ctx context.Context, run *backend.Run) (string, error)
}

// Options holds the engine's static configuration, fixed at startup.
type Options struct {
	BotUserID        string
	Mode             session.Mode
	PerThreadContext bool
	SystemPrompt     string
}

// Engine turns inbound messages into exactly one Result each. Messages for
// the same conversation key are processed in arrival order; distinct keys
// run concurrently.
type Engine struct {
	opts     Options
	backend  Backend
	sessions session.Store
	serial   *serializer
	logger   *slog.Logger
}

// NewEngine creates a dispatch engine.
func NewEngine(opts Options, be Backend, sessions session.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		opts:     opts,
		backend:  be,
		sessions: sessions,
		serial:   newSerializer(),
		logger:   logger.With("component", "dispatch"),
	}
}

// Enqueue claims the conversation's next turn and dispatches asynchronously.
// The returned channel yields exactly one Result. The turn is claimed on the
// caller's goroutine before Enqueue returns, so messages for the same
// conversation dispatch in Enqueue-call order regardless of how the spawned
// goroutines get scheduled.
func (e *Engine) Enqueue(ctx context.Context, msg InboundMessage) <-chan Result {
	out := make(chan Result, 1)

	// The bot's own messages echo back through sync; never answer them.
	if msg.Sender == e.opts.BotUserID {
		out <- Suppress()
		return out
	}

	key := session.Key(msg.RoomID, msg.ThreadRoot, e.opts.PerThreadContext)
	t := e.serial.enqueue(key)

	go func() {
		t.wait()
		defer t.release()
		out <- e.handle(ctx, key, msg)
	}()

	return out
}

// Handle processes one inbound message and blocks for its Result. It never
// panics and never returns an unclassified fault; every failure mode maps
// to a Result the transport can turn into a notice.
func (e *Engine) Handle(ctx context.Context, msg InboundMessage) Result {
	return <-e.Enqueue(ctx, msg)
}

// handle runs one dispatch inside its conversation's turn.
func (e *Engine) handle(ctx context.Context, key string, msg InboundMessage) Result {
	logger := e.logger.With(
		"request_id", uuid.New().String(),
		"conversation", key,
		"sender", msg.Sender,
	)

	reply, err := e.dispatch(ctx, logger, key, msg)
	if err != nil {
		// A cancelled context means the process is shutting down, not that
		// the backend misbehaved. Nobody is waiting for an apology.
		if ctx.Err() != nil {
			logger.Info("dispatch abandoned", "error", err)
			return Suppress()
		}
		kind := classify(err)
		logger.Error("dispatch failed", "failure", string(kind), "error", err)
		return Fail(kind, err)
	}

	if strings.TrimSpace(reply) == "" {
		err := errors.New("backend returned no content")
		logger.Warn("dispatch produced empty reply")
		return Fail(FailureEmpty, err)
	}

	if err := e.sessions.Touch(ctx, key, time.Now()); err != nil {
		logger.Warn("failed to touch session", "error", err)
	}

	logger.Info("dispatched", "reply_length", len(reply))
	return Reply(reply)
}

// dispatch resolves the session and runs the mode-appropriate backend
// sequence. Panics from the backend are converted to errors so a provider
// fault can never tear down the sync loop.
func (e *Engine) dispatch(ctx context.Context, logger *slog.Logger, key string, msg InboundMessage) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()

	sess, err := e.sessions.GetOrCreate(ctx, key, e.opts.Mode)
	if err != nil {
		return "", fmt.Errorf("resolving session: %w", err)
	}

	switch sess.Mode {
	case session.ModeChat:
		return e.completeChat(ctx, msg)
	case session.ModeAssistant:
		return e.runAssistant(ctx, logger, key, sess, msg)
	default:
		return "", fmt.Errorf("unknown session mode %q", sess.Mode)
	}
}

// completeChat sends a fixed two-message prompt: the system preamble and
// the inbound body. Each message is independent; no history is carried.
func (e *Engine) completeChat(ctx context.Context, msg InboundMessage) (string, error) {
	messages := []backend.ChatMessage{
		{Role: backend.RoleSystem, Content: e.opts.SystemPrompt},
		{Role: backend.RoleUser, Content: msg.Body},
	}
	return e.backend.CompleteChat(ctx, messages)
}

// runAssistant appends the message to the session's backend thread
// (creating the thread on first use) and runs the assistant over it.
func (e *Engine) runAssistant(ctx context.Context, logger *slog.Logger, key string, sess *session.Session, msg InboundMessage) (string, error) {
	threadID := sess.BackendThreadID
	if threadID == "" {
		created, err := e.backend.CreateThread(ctx)
		if err != nil {
			return "", err
		}
		// The store's latch decides the winner; a concurrent creator may
		// have attached first, in which case its thread is used and ours
		// is simply never written to.
		threadID, err = e.sessions.AttachThreadID(ctx, key, created)
		if err != nil {
			return "", fmt.Errorf("attaching thread: %w", err)
		}
		if threadID != created {
			logger.Debug("lost thread creation race", "created", created, "using", threadID)
		} else {
			logger.Info("backend thread created", "thread_id", threadID)
		}
	}

	if _, err := e.backend.AppendMessage(ctx, threadID, backend.RoleUser, msg.Body); err != nil {
		return "", err
	}

	run, err := e.backend.CreateRun(ctx, threadID)
	if err != nil {
		return "", err
	}
	if run.Status != backend.RunStatusCompleted {
		return "", fmt.Errorf("run %s ended with status %q", run.ID, run.Status)
	}

	return e.backend.ExtractReply(ctx, run)
}

// classify maps backend errors onto failure kinds. Malformed payloads are
// folded into the empty-response notice; everything unrecognized is a
// generic backend failure.
func classify(err error) FailureKind {
	switch {
	case errors.Is(err, backend.ErrRunTimedOut):
		return FailureTimeout
	case errors.Is(err, backend.ErrRateLimited):
		return FailureRateLimited
	case errors.Is(err, backend.ErrMalformedResponse):
		return FailureEmpty
	default:
		return FailureBackend
	}
}
