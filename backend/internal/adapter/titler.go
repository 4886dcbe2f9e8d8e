package adapter

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"mindflow/backend/pkg/logger"
)

// maxTitleLen caps generated and fallback titles, matching the chat_rooms
// title column
const maxTitleLen = 50

// TitleGenerator derives a session title from the content of the topic being
// separated out
type TitleGenerator interface {
	Title(ctx context.Context, content string) string
}

// LLMTitler asks an OpenAI-compatible endpoint for a short title and falls
// back to a content prefix when the call fails
type LLMTitler struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewLLMTitler creates a title generator backed by go-openai
func NewLLMTitler(apiKey, model string) *LLMTitler {
	return &LLMTitler{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger.Get(),
	}
}

// Title generates a short title for the content. Never returns an error: a
// failed or empty completion degrades to the deterministic prefix so the
// separation saga never blocks on the LLM.
func (t *LLMTitler) Title(ctx context.Context, content string) string {
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "Summarize the user's text as a conversation title of at most six words. Reply with the title only.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: content,
			},
		},
		MaxTokens: 20,
	})
	if err != nil || len(resp.Choices) == 0 {
		t.logger.Warn("Title generation failed, using content prefix", zap.Error(err))
		return PrefixTitle(content)
	}

	title := strings.TrimSpace(resp.Choices[0].Message.Content)
	title = strings.Trim(title, `"`)
	if title == "" {
		return PrefixTitle(content)
	}
	return truncate(title, maxTitleLen)
}

// PrefixTitler titles sessions with a deterministic content prefix. Used when
// no OpenAI key is configured and as the failure fallback.
type PrefixTitler struct{}

func (PrefixTitler) Title(_ context.Context, content string) string {
	return PrefixTitle(content)
}

// PrefixTitle derives a title from the first line of the content
func PrefixTitle(content string) string {
	title := strings.TrimSpace(content)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	if title == "" {
		return "New conversation"
	}
	return truncate(title, maxTitleLen)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
