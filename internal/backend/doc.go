// Package backend wraps the two remote operation families exposed by the
// LLM provider: stateless chat completions, and stateful assistant threads
// (create thread, append message, run to terminal state, extract reply).
//
// The client keeps no local state; all conversational continuity lives in
// the session layer. Failures are classified into four sentinel errors
// (ErrUnavailable, ErrRateLimited, ErrMalformedResponse, ErrRunTimedOut)
// so the dispatch engine can map them to user-visible notices with
// errors.Is. Nothing here retries automatically.
package backend
