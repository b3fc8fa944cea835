// ABOUTME: Outbound result types produced by the dispatch engine
// ABOUTME: Exactly one result per inbound message: reply, suppression, or failure

package dispatch

// Kind discriminates the outbound result union.
type Kind int

const (
	// KindReply carries generated text to send back to the room.
	KindReply Kind = iota
	// KindSuppressed means no reply is warranted (e.g. the bot's own echo).
	KindSuppressed
	// KindFailure carries a classified error to surface as a notice.
	KindFailure
)

// FailureKind classifies a failed dispatch for user messaging and logs.
type FailureKind string

const (
	// FailureBackend covers network faults, auth errors, and failed runs.
	FailureBackend FailureKind = "backend_error"
	// FailureRateLimited is provider throttling.
	FailureRateLimited FailureKind = "rate_limited"
	// FailureTimeout is an assistant run that missed the polling ceiling.
	FailureTimeout FailureKind = "timeout"
	// FailureEmpty is a response with no usable content, including
	// malformed provider payloads.
	FailureEmpty FailureKind = "empty_response"
)

// Result is the single outcome of handling one inbound message.
type Result struct {
	Kind    Kind
	Body    string      // set for KindReply
	Failure FailureKind // set for KindFailure
	Err     error       // underlying cause, for logs only
}

// Reply builds a successful text result.
func Reply(body string) Result {
	return Result{Kind: KindReply, Body: body}
}

// Suppress builds a no-reply result.
func Suppress() Result {
	return Result{Kind: KindSuppressed}
}

// Fail builds a failure result.
func Fail(kind FailureKind, err error) Result {
	return Result{Kind: KindFailure, Failure: kind, Err: err}
}
