// Package claude calls the Anthropic Messages API to rewrite generation prompts.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 1024

var ErrEmptyCompletion = errors.New("claude returned no usable text")

// Client wraps the Anthropic SDK for single-turn prompt rewrites. The SDK
// does not retry; the enhancer falls back to the user's prompt instead.
type Client struct {
	sdk   anthropic.Client
	model string
}

// NewClient creates a Claude client. baseURL may be empty.
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: model}
}

// Complete sends a single user message and returns the first text block.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("claude http error: status=%d: %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("claude request error: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return block.Text, nil
		}
	}
	return "", ErrEmptyCompletion
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

type optimization struct {
	OptimizedPrompt string `json:"optimizedPrompt"`
}

// OptimizePrompt asks Claude to rewrite prompt for an image model.
func (c *Client) OptimizePrompt(ctx context.Context, prompt, styleName, mode string) (string, error) {
	instruction := fmt.Sprintf(`You are an expert at crafting prompts for AI image generation systems (like SDXL).

User's original prompt: %q
Target style: %s
Generation mode: %s

Create an optimized prompt that will generate the best possible interior design image. Be detailed and specific,
include design elements, colors, materials and lighting, and add quality keywords (photorealistic, high resolution,
professional photography).

Format as JSON:
{"optimizedPrompt": "the optimized prompt text"}`, prompt, styleName, mode)

	text, err := c.Complete(ctx, instruction)
	if err != nil {
		return "", err
	}

	match := jsonObject.FindString(text)
	if match == "" {
		return "", fmt.Errorf("%w: no JSON object in completion", ErrEmptyCompletion)
	}
	var opt optimization
	if err := json.Unmarshal([]byte(match), &opt); err != nil {
		return "", fmt.Errorf("claude decode error: %w", err)
	}
	if strings.TrimSpace(opt.OptimizedPrompt) == "" {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(opt.OptimizedPrompt), nil
}
