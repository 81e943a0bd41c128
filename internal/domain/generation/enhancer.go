package generation

import (
	"context"
	"strings"
	"time"

	"github.com/decorai/decorai-api/internal/pkg/logger"
)

// PromptOptimizer is satisfied by *claude.Client.
type PromptOptimizer interface {
	OptimizePrompt(ctx context.Context, prompt, styleName, mode string) (string, error)
}

// Enhancer rewrites user prompts before submission. Any failure or timeout
// falls back to the original prompt.
type Enhancer struct {
	optimizer PromptOptimizer
	timeout   time.Duration
}

// NewEnhancer returns nil when optimizer is nil; a nil Enhancer passes prompts through.
func NewEnhancer(optimizer PromptOptimizer, timeout time.Duration) *Enhancer {
	if optimizer == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Enhancer{optimizer: optimizer, timeout: timeout}
}

// Enhance returns the optimized prompt, or prompt unchanged.
func (e *Enhancer) Enhance(ctx context.Context, prompt, styleName string, mode Mode) string {
	if e == nil || strings.TrimSpace(prompt) == "" {
		return prompt
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	optimized, err := e.optimizer.OptimizePrompt(ctx, prompt, styleName, string(mode))
	if err != nil {
		logger.FromContext(ctx).Warn().Err(err).Str("mode", string(mode)).Msg("Prompt enhancement failed, using original")
		return prompt
	}
	if strings.TrimSpace(optimized) == "" {
		return prompt
	}
	return optimized
}
