// ABOUTME: Stateless chat-completion operation against the backend API
// ABOUTME: One bounded message list in, one generated message out

package backend

import (
	"context"
	"fmt"
	"net/http"
)

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	// Always sent: 0 is a valid configured temperature, not "unset".
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message *struct {
			Role string `json:"role"`
			// Pointer so an absent field is distinguishable from an empty reply.
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// CompleteChat sends the message list to the completion endpoint and returns
// the first choice's content. An empty (but present) content comes back as
// an empty string; a missing content field is ErrMalformedResponse.
func (c *Client) CompleteChat(ctx context.Context, messages []ChatMessage) (string, error) {
	req := chatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	var resp chatCompletionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chat/completions", req, &resp); err != nil {
		return "", fmt.Errorf("completing chat: %w", err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil || resp.Choices[0].Message.Content == nil {
		return "", fmt.Errorf("%w: completion has no message content", ErrMalformedResponse)
	}

	content := *resp.Choices[0].Message.Content
	c.logger.Debug("completion received",
		"model", c.cfg.Model,
		"length", len(content),
		"finish_reason", resp.Choices[0].FinishReason,
	)
	return content, nil
}
