package ai

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

// DefaultModel is used when the config does not name one.
const DefaultModel = "claude-3-5-haiku-latest"

const callMaxElapsed = 60 * time.Second

// Client implements Suggester and Scorer against the Anthropic API.
type Client struct {
	client anthropic.Client
	model  string
	sem    *semaphore.Weighted
}

// ClientConfig configures the Anthropic-backed capability.
type ClientConfig struct {
	APIKey             string // falls back to ANTHROPIC_API_KEY
	Model              string
	MaxConcurrentCalls int
}

// NewClient builds the Anthropic adapter.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxCalls := cfg.MaxConcurrentCalls
	if maxCalls <= 0 {
		maxCalls = 2
	}
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		sem:    semaphore.NewWeighted(int64(maxCalls)),
	}, nil
}

func (c *Client) SuggestEpic(ctx context.Context, goal string) (*EpicSuggestion, error) {
	prompt := fmt.Sprintf(`You are drafting a product backlog. Given the goal below, draft one epic
with 2-5 stories. Respond with JSON only, shaped as:
{"title": "...", "description": "...", "stories": [{"title": "...", "description": "...",
"story_points": 3, "acceptance_criteria": ["..."], "tasks": [{"title": "...", "description": "..."}]}]}

Goal:
%s`, goal)
	text, err := c.call(ctx, prompt, 4096)
	if err != nil {
		return nil, err
	}
	var suggestion EpicSuggestion
	if err := parseJSON(text, &suggestion); err != nil {
		return nil, fmt.Errorf("parse epic suggestion: %w", err)
	}
	if suggestion.Title == "" {
		return nil, fmt.Errorf("epic suggestion missing title")
	}
	return &suggestion, nil
}

func (c *Client) ExpandEpic(ctx context.Context, title, description string) ([]StorySuggestion, error) {
	prompt := fmt.Sprintf(`You are drafting a product backlog. Expand the epic below into 3-8 stories,
each with tasks and acceptance criteria. Respond with JSON only, shaped as:
{"stories": [{"title": "...", "description": "...", "story_points": 3,
"acceptance_criteria": ["..."], "tasks": [{"title": "...", "description": "..."}]}]}

Epic: %s
%s`, title, description)
	text, err := c.call(ctx, prompt, 4096)
	if err != nil {
		return nil, err
	}
	var out struct {
		Stories []StorySuggestion `json:"stories"`
	}
	if err := parseJSON(text, &out); err != nil {
		return nil, fmt.Errorf("parse epic expansion: %w", err)
	}
	if len(out.Stories) == 0 {
		return nil, fmt.Errorf("epic expansion returned no stories")
	}
	return out.Stories, nil
}

func (c *Client) Score(ctx context.Context, a, b string) (float64, error) {
	prompt := fmt.Sprintf(`Rate how likely the two backlog item texts below describe the same piece of
work. Respond with JSON only: {"similarity": <number between 0.0 and 1.0>}.

Text A:
%s

Text B:
%s`, a, b)
	text, err := c.call(ctx, prompt, 256)
	if err != nil {
		return 0, err
	}
	var out struct {
		Similarity float64 `json:"similarity"`
	}
	if err := parseJSON(text, &out); err != nil {
		return 0, fmt.Errorf("parse similarity response: %w", err)
	}
	if out.Similarity < 0 || out.Similarity > 1 {
		return 0, fmt.Errorf("invalid similarity score: %.2f (must be 0.0-1.0)", out.Similarity)
	}
	return out.Similarity, nil
}

// call sends one prompt, bounded by the concurrency semaphore and retried
// with exponential backoff on transient failures.
func (c *Client) call(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	var response *anthropic.Message
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = callMaxElapsed
	err := backoff.Retry(func() error {
		resp, apiErr := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text string
	for _, block := range response.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
