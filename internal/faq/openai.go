// Package faq provides knowledge base search backends.
//
// This file implements relevance scoring through the OpenAI chat API.
package faq

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is the chat model used for relevance scoring.
var DefaultModel = openai.ChatModelGPT4oMini

// Opts holds configuration options for the OpenAI searcher.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the OpenAI searcher.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the scoring model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// OpenAISearcher scores knowledge base entries for relevance with a chat
// completion call. Timeouts and retries are the SDK's responsibility; a
// failed call surfaces as the calling node's failure path, not an engine error.
type OpenAISearcher struct {
	client  openai.Client
	model   string
	entries []Entry
}

// NewOpenAISearcher creates a searcher over the given catalog. The API key
// falls back to the OPENAI_API_KEY environment variable.
func NewOpenAISearcher(entries []Entry, opts ...Option) (*OpenAISearcher, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	return &OpenAISearcher{
		client:  openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   cfg.Model,
		entries: entries,
	}, nil
}

const scoringSystemPrompt = "You match user questions against a FAQ catalog. " +
	"Reply with exactly two fields separated by a pipe: the catalog index of the best match " +
	"and a relevance score between 0 and 1, e.g. \"2|0.85\". Reply \"-1|0\" if nothing fits."

// Search asks the model to pick the most relevant catalog entry for the query.
func (s *OpenAISearcher) Search(ctx context.Context, query, service string) (*Result, error) {
	candidates := make([]Entry, 0, len(s.entries))
	var sb strings.Builder
	for _, entry := range s.entries {
		if service != "" && entry.Service != "" && entry.Service != service {
			continue
		}
		fmt.Fprintf(&sb, "%d: %s\n", len(candidates), entry.Question)
		candidates = append(candidates, entry)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	userPrompt := fmt.Sprintf("Catalog:\n%s\nUser question: %s", sb.String(), query)
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(scoringSystemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		slog.Error("OpenAISearcher Search completion failed", "error", err)
		return nil, fmt.Errorf("relevance scoring failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("relevance scoring returned no choices")
	}

	index, score, err := parseScoreReply(resp.Choices[0].Message.Content)
	if err != nil {
		slog.Warn("OpenAISearcher Search unparseable reply", "error", err, "reply", resp.Choices[0].Message.Content)
		return nil, err
	}
	if index < 0 || index >= len(candidates) {
		slog.Debug("OpenAISearcher Search no match", "query_length", len(query))
		return nil, nil
	}

	slog.Debug("OpenAISearcher Search hit", "entryID", candidates[index].ID, "score", score)
	return &Result{Entry: candidates[index], Score: score}, nil
}

// parseScoreReply parses an "index|score" model reply.
func parseScoreReply(reply string) (int, float64, error) {
	parts := strings.SplitN(strings.TrimSpace(reply), "|", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed scoring reply %q", reply)
	}
	index, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed scoring index %q: %w", parts[0], err)
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed scoring value %q: %w", parts[1], err)
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return index, score, nil
}
