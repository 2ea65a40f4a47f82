// Package agent runs the two-turn ReAct loop over a chat-completion
// backend: a low-temperature decision turn that may emit a SEARCH
// action, a retrieval step, and a grounding turn that answers from the
// observation envelope.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/membank-ai/membank/internal/config"
	"github.com/membank-ai/membank/internal/errors"
	"github.com/membank-ai/membank/internal/retriever"
)

// Message roles as stored in session history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of session history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient is the chat-completion surface the agent needs; the
// go-openai client satisfies it.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Searcher runs one retrieval against the memory index.
type Searcher interface {
	Search(ctx context.Context, query, dateFilter string, k int) ([]retriever.Result, error)
}

// Decision and grounding temperatures. The first turn must emit a
// precise action line; the second may write freely.
const (
	decisionTemperature  = 0.1
	groundingTemperature = 0.7
)

// searchResults is how many hits a single action retrieves.
const searchResults = 10

// Action patterns in priority order: fully quoted, unquoted, and
// quoted query with no date.
var actionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ACTION:\s*SEARCH\s+query="([^"]+)"\s+date="([^"]+)"`),
	regexp.MustCompile(`(?i)ACTION:\s*SEARCH\s+query=(\S+)\s+date=(\S+)`),
	regexp.MustCompile(`(?i)ACTION:\s*SEARCH\s+query="([^"]+)"`),
}

// Agent answers user messages, consulting the memory index when its
// decision turn asks for it.
type Agent struct {
	chat     ChatClient
	searcher Searcher
	model    string
	timeout  time.Duration
	logger   *slog.Logger

	// Now is injectable so prompts are deterministic in tests.
	Now func() time.Time
}

// New builds an agent over the given chat backend and searcher.
func New(chat ChatClient, searcher Searcher, cfg config.ChatConfig, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		chat:     chat,
		searcher: searcher,
		model:    cfg.Model,
		timeout:  cfg.Timeout(),
		logger:   logger,
		Now:      time.Now,
	}
}

// NewChatClient builds a go-openai client from chat configuration,
// falling back to the embedding credentials when none are set.
func NewChatClient(cfg config.ChatConfig, fallback config.EmbeddingConfig) (*openai.Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = fallback.APIKey
	}
	if apiKey == "" {
		return nil, errors.New(errors.ErrCodeAPIKeyMissing, "chat API key is not configured", nil)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fallback.BaseURL
	}

	cc := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cc.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cc), nil
}

// Respond runs the ReAct loop for one user message. history is the
// prior session transcript, oldest first.
func (a *Agent) Respond(ctx context.Context, userMessage string, history []Message) (string, error) {
	if strings.TrimSpace(userMessage) == "" {
		return "", errors.ValidationError("message cannot be empty", nil)
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(a.Now(), history)},
		{Role: openai.ChatMessageRoleUser, Content: userMessage},
	}

	reply, _, err := a.complete(ctx, messages, decisionTemperature)
	if err != nil {
		return "", err
	}

	query, dateParam, ok := parseAction(reply)
	if !ok {
		// No action: the decision turn's text is the answer.
		return reply, nil
	}
	a.logger.Info("agent requested search", "query", query, "date", dateParam)

	envelope := a.search(ctx, query, dateParam)

	messages = append(messages,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: observationPrompt(envelope)},
	)

	answer, finish, err := a.complete(ctx, messages, groundingTemperature)
	if err != nil {
		return "", err
	}
	if finish == openai.FinishReasonLength {
		a.logger.Warn("grounding answer truncated by length limit")
		answer += "\n\n（注意：回答因长度限制被截断，以上内容可能不完整。）"
	}
	return answer, nil
}

// complete runs one chat completion with the per-call timeout.
func (a *Agent) complete(ctx context.Context, messages []openai.ChatCompletionMessage, temperature float32) (string, openai.FinishReason, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	resp, err := a.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    messages,
		Temperature: temperature,
	})
	if err != nil {
		return "", "", errors.ChatError("chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", "", errors.ChatError("chat completion returned no choices", nil)
	}

	choice := resp.Choices[0]
	return strings.TrimSpace(choice.Message.Content), choice.FinishReason, nil
}

// search executes the action and formats the observation. A retrieval
// failure becomes a plain-text observation so the grounding turn can
// still answer honestly.
func (a *Agent) search(ctx context.Context, query, dateParam string) string {
	results, err := a.searcher.Search(ctx, query, dateParam, searchResults)
	if err != nil {
		a.logger.Error("retrieval failed during agent turn", "error", err)
		return fmt.Sprintf("【系统错误】检索服务暂时不可用: %v", err)
	}
	return retriever.FormatResults(results)
}

// parseAction extracts the SEARCH action from a decision reply. A date
// of "None" (any case) means no filter.
func parseAction(reply string) (query, dateFilter string, ok bool) {
	for _, re := range actionPatterns {
		m := re.FindStringSubmatch(reply)
		if m == nil {
			continue
		}
		query = strings.Trim(m[1], `"`)
		if len(m) > 2 {
			dateFilter = strings.Trim(m[2], `"`)
		}
		if strings.EqualFold(dateFilter, "none") {
			dateFilter = ""
		}
		return query, dateFilter, true
	}
	return "", "", false
}
