// Package genai provides the recommendation provider client backed by the
// OpenAI API.
//
// The pivot engine treats it as an opaque ranked-alternatives service with a
// bounded timeout; provider failures are never fatal to a pivot because the
// engine falls back to a local heuristic.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/wayfarelabs/TripPulse/internal/models"
)

// DefaultTimeout bounds a single suggestion call.
const DefaultTimeout = 8 * time.Second

// ErrNoChoicesReturned indicates the API responded without any completion.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration applied via Option.
type Opts struct {
	APIKey  string
	Model   openai.ChatModel
	Timeout time.Duration
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the completion model.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// ClientInterface defines the recommendation provider operations, allowing
// the pivot engine to be tested with a mock provider.
type ClientInterface interface {
	Suggest(ctx context.Context, req SuggestionRequest) ([]models.Alternative, error)
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat    chatService
	model   openai.ChatModel
	timeout time.Duration
}

// NewClient initializes the GenAI client. The API key comes from options or
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: openai.ChatModelGPT4oMini, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model, timeout: cfg.Timeout}, nil
}

// SuggestionRequest carries the aggregated signal handed to the provider.
// Raw per-participant values are never included.
type SuggestionRequest struct {
	TripID            string                   `json:"trip_id"`
	Snapshot          models.AggregateSnapshot `json:"snapshot"`
	Assessment        models.RiskAssessment    `json:"assessment"`
	CurrentActivity   models.Activity          `json:"current_activity"`
	PendingActivities []models.Activity        `json:"pending_activities"`
	LocalTime         time.Time                `json:"local_time"`
}

// suggestionResponse is the JSON contract the model is instructed to return.
type suggestionResponse struct {
	Analysis     string               `json:"analysis"`
	Alternatives []models.Alternative `json:"alternatives"`
}

const suggestSystemPrompt = `You are a travel group coordinator assistant. Given aggregated group
feedback for the current activity, propose ranked alternative activities that
better match the group's state. Respond with JSON only, in the form:
{"analysis": "...", "alternatives": [{"title": "...", "type": "physical|cultural|food|relaxing|transportation", "reason": "..."}]}
Order alternatives from most to least suitable. Suggest at most five.`

// Suggest asks the provider for ranked alternatives. The call is bounded by
// the configured timeout; deadline expiry maps to models.ErrProviderTimeout
// and other failures to models.ErrProviderError.
func (c *Client) Suggest(ctx context.Context, req SuggestionRequest) ([]models.Alternative, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", models.ErrProviderError, err)
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(suggestSystemPrompt),
			openai.UserMessage(string(payload)),
		},
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, models.ErrProviderTimeout
		}
		return nil, fmt.Errorf("%w: %v", models.ErrProviderError, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %v", models.ErrProviderError, ErrNoChoicesReturned)
	}

	alternatives, err := parseSuggestions(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProviderError, err)
	}
	return alternatives, nil
}

// parseSuggestions decodes the model output, tolerating markdown code fences.
func parseSuggestions(content string) ([]models.Alternative, error) {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var parsed suggestionResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("decode suggestions: %w", err)
	}
	if len(parsed.Alternatives) == 0 {
		return nil, errors.New("provider returned no alternatives")
	}
	return parsed.Alternatives, nil
}
