// ABOUTME: Session types and ConversationKey derivation
// ABOUTME: One Session per conversation key carries mode and backend-thread continuity

package session

import "time"

// Mode selects which backend operation family a session uses.
type Mode string

const (
	// ModeChat sends each message as an independent completion.
	ModeChat Mode = "chat"
	// ModeAssistant keeps one backend thread per session.
	ModeAssistant Mode = "assistant"
)

// Session is the continuity state for one logical conversation. Mode is
// fixed at creation; BackendThreadID is assigned at most once and only for
// assistant sessions.
type Session struct {
	Key             string
	Mode            Mode
	BackendThreadID string
	CreatedAt       time.Time
	LastActiveAt    time.Time
}

// Key derives the ConversationKey for a message. With perThread set,
// messages inside a protocol-level thread get their own conversation keyed
// by the thread root; everything else shares the room-level conversation.
//
// The granularity only affects how messages are grouped into sessions.
// Backend-thread continuity always follows the session: one backend thread
// per key, however the key was derived.
func Key(roomID, threadRoot string, perThread bool) string {
	if perThread && threadRoot != "" {
		return roomID + "/" + threadRoot
	}
	return roomID
}
