// ABOUTME: Completion service client over the OpenAI-compatible chat API.
// ABOUTME: Supports structured-JSON mode for decisions and free text for diagnostics.

package llm

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// Message roles, matching the chat API convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged entry in a transcript.
type Message struct {
	Role    string
	Content string
}

// Config holds the completion backend settings.
type Config struct {
	BaseURL string // empty means the default OpenAI endpoint
	APIKey  string
	Model   string
}

// Client calls an OpenAI-compatible completion backend.
type Client struct {
	api    *openai.Client
	model  string
	logger *slog.Logger
}

// NewClient creates a completion client for the configured backend.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:    openai.NewClientWithConfig(apiCfg),
		model:  cfg.Model,
		logger: logger.With("component", "llm"),
	}
}

// Complete submits the transcript and returns the response content.
// When jsonMode is set the backend is required to return a single JSON
// object, which is what routing decisions are parsed from.
func (c *Client) Complete(ctx context.Context, msgs []Message, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessage, len(msgs)),
	}
	for i, m := range msgs {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}

	c.logger.Debug("completion received",
		"model", c.model,
		"json_mode", jsonMode,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return resp.Choices[0].Message.Content, nil
}
