// Package dispatch is the core of the bot: for each inbound chat message it
// resolves the conversation's session, invokes the configured backend mode
// (stateless completion or assistant thread), and produces exactly one
// outbound result. All backend and session failures are caught here and
// classified; nothing propagates to the transport layer unhandled.
//
// Ordering: messages sharing a conversation key are dispatched strictly in
// arrival order, which keeps session creation single, thread attachment
// race-free, and assistant-thread message order identical to room order.
// Distinct keys interleave freely.
package dispatch
