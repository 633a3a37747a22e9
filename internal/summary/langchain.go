package summary

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

const (
	// maxSummaryLen hard-caps model output that ignored the prompt's length
	// instruction.
	maxSummaryLen = 120
	maxTitleLen   = 50

	// titlePromptSpanLen bounds how much highlighted text goes into the
	// title prompt.
	titlePromptSpanLen = 300
)

// LangchainGenerator implements Generator over a langchaingo chat model.
type LangchainGenerator struct {
	llm     llms.Model
	limiter *rate.Limiter
}

// NewOpenAI builds a generator backed by an OpenAI-compatible endpoint.
// Calls are rate-limited to keep backfill jobs from bursting the provider.
func NewOpenAI(apiKey, model, baseURL string) (*LangchainGenerator, error) {
	opts := []openai.Option{openai.WithToken(apiKey)}
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return &LangchainGenerator{
		llm:     llm,
		limiter: rate.NewLimiter(rate.Limit(2), 4),
	}, nil
}

// NewWithModel wraps an already-constructed langchaingo model. Used by tests
// and by callers that configure their own provider.
func NewWithModel(llm llms.Model) *LangchainGenerator {
	return &LangchainGenerator{llm: llm, limiter: rate.NewLimiter(rate.Inf, 1)}
}

func (g *LangchainGenerator) Summarize(ctx context.Context, messages []Message) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	prompt := fmt.Sprintf("Summarize the following tangent conversation in one short sentence (max 80 characters). "+
		"Focus on what was discussed and concluded:\n\n%s", sb.String())

	text, err := llms.GenerateFromSinglePrompt(ctx, g.llm, prompt, llms.WithMaxTokens(60))
	if err != nil {
		return "", fmt.Errorf("summary generation failed: %w", err)
	}
	return clamp(strings.TrimSpace(text), maxSummaryLen), nil
}

func (g *LangchainGenerator) TitleFor(ctx context.Context, highlightedText string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	span := clamp(highlightedText, titlePromptSpanLen)
	prompt := fmt.Sprintf("In 4 words or fewer, write a short title for a conversation exploring this topic: %q. "+
		"Reply with only the title - no quotes, no punctuation at the end.", span)

	text, err := llms.GenerateFromSinglePrompt(ctx, g.llm, prompt, llms.WithMaxTokens(20))
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}
	title := strings.Trim(strings.TrimSpace(text), `"'`)
	return clamp(title, maxTitleLen), nil
}

func clamp(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
