// ABOUTME: Matrix side of the bot: sync loop, filtering, and reply delivery
// ABOUTME: Feeds accepted messages to the dispatch engine and posts its results

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/config"
	"github.com/2389/seance/internal/dedupe"
	"github.com/2389/seance/internal/dispatch"
	"github.com/2389/seance/internal/session"
)

// dedupeWindow is how long delivered event IDs are remembered. Matrix can
// redeliver events across sync gaps; anything older than this is long gone.
const dedupeWindow = 10 * time.Minute

// dedupeLimit caps remembered event IDs per generation.
const dedupeLimit = 4096

// typingTimeout is the duration the typing indicator shows (30 seconds).
const typingTimeout = 30 * time.Second

// networkTimeout is the timeout for Matrix API calls.
const networkTimeout = 10 * time.Second

// Bridge connects a Matrix homeserver to the dispatch engine.
type Bridge struct {
	config   *config.Config
	matrix   *mautrix.Client
	backend  *backend.Client
	sessions session.Store
	engine   *dispatch.Engine
	seen     *dedupe.Seen
	logger   *slog.Logger

	// ctx is the parent context for message processing goroutines
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates a Matrix bridge. Login must be called before Run.
func NewBridge(cfg *config.Config, sessions session.Store, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	be := backend.NewClient(backend.Config{
		URL:             cfg.Backend.URL,
		APIKey:          cfg.Backend.APIKey,
		Model:           cfg.Backend.Model,
		Temperature:     cfg.Backend.Temperature,
		MaxTokens:       cfg.Backend.MaxTokens,
		AssistantID:     cfg.Backend.AssistantID,
		RunInstructions: cfg.Backend.RunInstructions,
		PollInterval:    cfg.Backend.PollInterval,
		PollTimeout:     cfg.Backend.PollTimeout,
	}, logger)

	return &Bridge{
		config:   cfg,
		matrix:   client,
		backend:  be,
		sessions: sessions,
		seen:     dedupe.New(dedupeWindow, dedupeLimit),
		logger:   logger,
	}, nil
}

// Login authenticates against the homeserver. Token credentials from config
// are used as-is; otherwise a password login is performed. The dispatch
// engine is built here because the bot's own user ID is only final after
// login.
func (b *Bridge) Login(ctx context.Context) error {
	if b.config.Matrix.AccessToken != "" {
		whoami, err := b.matrix.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("verifying access token: %w", err)
		}
		b.matrix.UserID = whoami.UserID
		b.logger.Info("using existing access token", "user_id", whoami.UserID)
	} else {
		resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: b.config.Matrix.Username,
			},
			Password:                 b.config.Matrix.Password,
			InitialDeviceDisplayName: "seance",
			StoreCredentials:         true,
		})
		if err != nil {
			return fmt.Errorf("password login: %w", err)
		}
		b.logger.Info("logged in", "user_id", resp.UserID, "device_id", resp.DeviceID)
	}

	b.engine = dispatch.NewEngine(dispatch.Options{
		BotUserID:        b.matrix.UserID.String(),
		Mode:             session.Mode(b.config.Bot.Mode),
		PerThreadContext: b.config.Bot.Context == config.ContextThread,
		SystemPrompt:     b.config.Bot.SystemPrompt,
	}, b.backend, b.sessions, b.logger)

	return nil
}

// UserID returns the bot's Matrix user ID. Only valid after Login.
func (b *Bridge) UserID() string {
	return b.matrix.UserID.String()
}

// Run starts the sync loop and blocks until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Matrix.Homeserver,
		"user_id", b.matrix.UserID,
		"mode", b.config.Bot.Mode,
	)

	// Store context for message processing goroutines
	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)
	if b.config.Bot.AutoJoin {
		syncer.OnEventType(event.StateMember, b.handleMemberEvent)
	}

	b.logger.Info("connecting to matrix homeserver")

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(b.ctx)
	}()

	b.logger.Info("matrix bridge running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		b.cancel()
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMemberEvent accepts room invites directed at the bot.
func (b *Bridge) handleMemberEvent(ctx context.Context, evt *event.Event) {
	member, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok {
		return
	}
	if member.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != b.matrix.UserID.String() {
		return
	}
	if !b.isRoomAllowed(evt.RoomID.String()) {
		b.logger.Info("ignoring invite to non-allowed room", "room", evt.RoomID)
		return
	}

	b.logger.Info("accepting invite", "room", evt.RoomID, "inviter", evt.Sender)
	joinCtx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.matrix.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		b.logger.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

// handleMessageEvent filters incoming Matrix messages and hands accepted
// ones to the engine. Runs on the sync goroutine, so all real work happens
// in a spawned goroutine; the engine orders same-conversation messages
// itself.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	// Ignore our own messages
	if evt.Sender == b.matrix.UserID {
		return
	}

	// Sync can redeliver events; process each exactly once
	if b.seen.CheckAndMark(evt.ID.String()) {
		b.logger.Debug("duplicate event delivery", "event_id", evt.ID)
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	// Only handle text messages
	if content.MsgType != event.MsgText {
		return
	}

	roomID := evt.RoomID.String()
	msgBody := content.Body

	if !b.isRoomAllowed(roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}
	if !b.isUserAllowed(evt.Sender.String()) {
		b.logger.Debug("ignoring message from non-allowed user", "sender", evt.Sender)
		return
	}

	// Check command prefix
	if b.config.Bot.CommandPrefix != "" {
		if !strings.HasPrefix(msgBody, b.config.Bot.CommandPrefix) {
			return
		}
		msgBody = strings.TrimPrefix(msgBody, b.config.Bot.CommandPrefix)
		msgBody = strings.TrimSpace(msgBody)
	}

	if msgBody == "" {
		return
	}

	// Protocol-level thread root, if the message was sent in a thread
	var threadRoot string
	if rel := content.RelatesTo; rel != nil && rel.Type == event.RelThread {
		threadRoot = rel.EventID.String()
	}

	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", truncate(msgBody, 50),
	)

	msg := dispatch.InboundMessage{
		RoomID:     roomID,
		EventID:    evt.ID.String(),
		Sender:     evt.Sender.String(),
		ThreadRoot: threadRoot,
		Body:       msgBody,
	}

	// Claim the conversation's turn here on the sync goroutine: enqueue
	// order is delivery order, so same-conversation messages reach the
	// backend in the order the room saw them. Only the waiting happens on
	// the spawned goroutine. Uses the bridge context for graceful shutdown.
	results := b.engine.Enqueue(b.ctx, msg)
	go b.deliver(evt.RoomID, threadRoot, results)
}

// deliver waits for one dispatch result and posts it to the room.
func (b *Bridge) deliver(roomID id.RoomID, threadRoot string, results <-chan dispatch.Result) {
	if b.config.Bot.TypingIndicator {
		b.setTyping(roomID, true)
		defer b.setTyping(roomID, false)
	}

	res := <-results

	switch res.Kind {
	case dispatch.KindReply:
		b.sendReply(roomID, threadRoot, res.Body)
	case dispatch.KindFailure:
		b.sendNotice(roomID, threadRoot, b.apologyFor(res.Failure))
	case dispatch.KindSuppressed:
		// nothing to deliver
	}
}

// apologyFor maps a failure class to its configured user-facing notice.
func (b *Bridge) apologyFor(kind dispatch.FailureKind) string {
	switch kind {
	case dispatch.FailureRateLimited:
		return b.config.Messages.RateLimited
	case dispatch.FailureTimeout:
		return b.config.Messages.Timeout
	case dispatch.FailureEmpty:
		return b.config.Messages.Empty
	default:
		return b.config.Messages.BackendError
	}
}

// isRoomAllowed checks if the room is in the allowed list.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.config.Bot.AllowedRooms) == 0 {
		return true // Allow all if no filter
	}

	for _, allowed := range b.config.Bot.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// isUserAllowed checks if the sender is in the allowed list.
func (b *Bridge) isUserAllowed(userID string) bool {
	if len(b.config.Bot.AllowedUsers) == 0 {
		return true
	}

	for _, allowed := range b.config.Bot.AllowedUsers {
		if allowed == userID {
			return true
		}
	}
	return false
}

// setTyping sends typing indicator to room.
func (b *Bridge) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	// Use a timeout context to avoid hanging during shutdown or network issues
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	_, err := b.matrix.UserTyping(ctx, roomID, typing, timeout)
	if err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// sendReply posts generated text as a formatted message, rendered from
// markdown. Replies to threaded messages stay in their thread.
func (b *Bridge) sendReply(roomID id.RoomID, threadRoot, text string) {
	content := format.RenderMarkdown(text, true, false)
	content.MsgType = event.MsgText
	addThreadRelation(&content, threadRoot)

	// Use a longer timeout for sending messages (they can be large)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := b.matrix.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		b.logger.Error("failed to send reply", "room", roomID.String(), "error", err)
	}
}

// sendNotice posts a failure notice. Notices render differently from
// regular messages in most clients and never trigger other bots.
func (b *Bridge) sendNotice(roomID id.RoomID, threadRoot, text string) {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}
	addThreadRelation(&content, threadRoot)

	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.matrix.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		b.logger.Error("failed to send notice", "room", roomID.String(), "error", err)
	}
}

// addThreadRelation marks content as part of the thread rooted at
// threadRoot, if any.
func addThreadRelation(content *event.MessageEventContent, threadRoot string) {
	if threadRoot == "" {
		return
	}
	content.RelatesTo = &event.RelatesTo{
		Type:    event.RelThread,
		EventID: id.EventID(threadRoot),
	}
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
