// Package llm optionally rewrites caption/description text through an OpenAI
// chat-completion model before it is republished. Without an API key the
// rewriter is a pass-through, so the relay works the same with or without it.
package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are an editor for a channel that reposts videos with their captions. " +
	"Rewrite the provided text into a clean, readable repost blurb. Keep the meaning, fix " +
	"artifacts and broken punctuation, and do not add commentary. Output only the rewritten text."

// Rewriter wraps a chat-completion client. The zero value (or New with an
// empty key) is disabled and returns input text unchanged.
type Rewriter struct {
	client *openai.Client
	model  string
}

// New builds a Rewriter. baseURL overrides the API endpoint (tests, proxies);
// empty apiKey disables rewriting entirely.
func New(apiKey, model, baseURL string) *Rewriter {
	if apiKey == "" {
		return &Rewriter{}
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Rewriter{client: openai.NewClientWithConfig(cfg), model: model}
}

// Enabled reports whether a model will actually be called.
func (r *Rewriter) Enabled() bool { return r.client != nil }

// Rewrite sends text through the model and returns the rewritten version.
// Disabled rewriters and empty input pass through unchanged. The video title
// gives the model context but is not part of the output contract.
func (r *Rewriter) Rewrite(ctx context.Context, title, text string) (string, error) {
	if !r.Enabled() || strings.TrimSpace(text) == "" {
		return text, nil
	}
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Video title: %s\n\n%s", title, text)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat completion: empty response")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", fmt.Errorf("openai chat completion: blank rewrite")
	}
	return out, nil
}
