// ABOUTME: Assistant-thread operations: create thread, append message, run, extract reply
// ABOUTME: CreateRun polls internally until the run reaches a terminal state or times out

package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Run is the terminal record of one assistant execution against a thread.
type Run struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

// Terminal run statuses per the provider's run lifecycle.
const (
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
	RunStatusCancelled  = "cancelled"
	RunStatusExpired    = "expired"
	RunStatusIncomplete = "incomplete"
)

// terminal reports whether a run status will never change again.
func terminal(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired, RunStatusIncomplete:
		return true
	}
	return false
}

type createdObject struct {
	ID string `json:"id"`
}

// CreateThread creates a new persistent backend thread and returns its ID.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var resp createdObject
	if err := c.doJSON(ctx, http.MethodPost, "/v1/threads", struct{}{}, &resp); err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: thread response has no id", ErrMalformedResponse)
	}
	c.logger.Debug("thread created", "thread_id", resp.ID)
	return resp.ID, nil
}

// AppendMessage appends one message to a thread and returns the message ID.
func (c *Client) AppendMessage(ctx context.Context, threadID, role, content string) (string, error) {
	body := ChatMessage{Role: role, Content: content}
	var resp createdObject
	if err := c.doJSON(ctx, http.MethodPost, "/v1/threads/"+threadID+"/messages", body, &resp); err != nil {
		return "", fmt.Errorf("appending message to thread %s: %w", threadID, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: message response has no id", ErrMalformedResponse)
	}
	return resp.ID, nil
}

type createRunRequest struct {
	AssistantID  string `json:"assistant_id"`
	Instructions string `json:"instructions,omitempty"`
}

// CreateRun triggers a run of the configured assistant against the thread and
// polls until the run reaches a terminal state. If the run is still pending
// when the polling ceiling elapses, ErrRunTimedOut is returned; the caller is
// never left waiting indefinitely.
func (c *Client) CreateRun(ctx context.Context, threadID string) (*Run, error) {
	req := createRunRequest{
		AssistantID:  c.cfg.AssistantID,
		Instructions: c.cfg.RunInstructions,
	}

	var run Run
	if err := c.doJSON(ctx, http.MethodPost, "/v1/threads/"+threadID+"/runs", req, &run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	if run.ID == "" {
		return nil, fmt.Errorf("%w: run response has no id", ErrMalformedResponse)
	}
	if run.ThreadID == "" {
		run.ThreadID = threadID
	}
	if terminal(run.Status) {
		return &run, nil
	}

	c.logger.Debug("polling run",
		"thread_id", threadID,
		"run_id", run.ID,
		"interval", c.cfg.PollInterval,
		"timeout", c.cfg.PollTimeout,
	)

	deadline := time.NewTimer(c.cfg.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for run %s: %w", run.ID, ctx.Err())
		case <-deadline.C:
			return nil, fmt.Errorf("%w: run %s still %q after %s", ErrRunTimedOut, run.ID, run.Status, c.cfg.PollTimeout)
		case <-ticker.C:
			var polled Run
			err := c.doJSON(ctx, http.MethodGet, "/v1/threads/"+threadID+"/runs/"+run.ID, nil, &polled)
			if err != nil {
				return nil, fmt.Errorf("polling run %s: %w", run.ID, err)
			}
			if polled.ThreadID == "" {
				polled.ThreadID = threadID
			}
			if terminal(polled.Status) {
				c.logger.Debug("run finished", "run_id", polled.ID, "status", polled.Status)
				return &polled, nil
			}
			run.Status = polled.Status
		}
	}
}

type threadMessageList struct {
	Data []struct {
		ID      string `json:"id"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

// ExtractReply fetches the newest message on the run's thread and returns its
// text content. A thread with no messages, or whose newest message is not an
// assistant message, is ErrMalformedResponse.
func (c *Client) ExtractReply(ctx context.Context, run *Run) (string, error) {
	var list threadMessageList
	path := "/v1/threads/" + run.ThreadID + "/messages?order=desc&limit=1"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
		return "", fmt.Errorf("fetching reply for run %s: %w", run.ID, err)
	}

	if len(list.Data) == 0 {
		return "", fmt.Errorf("%w: thread %s has no messages", ErrMalformedResponse, run.ThreadID)
	}
	msg := list.Data[0]
	if msg.Role != RoleAssistant {
		return "", fmt.Errorf("%w: newest thread message is %q, not assistant", ErrMalformedResponse, msg.Role)
	}

	var reply string
	for _, part := range msg.Content {
		if part.Type == "text" {
			if reply != "" {
				reply += "\n"
			}
			reply += part.Text.Value
		}
	}
	return reply, nil
}
