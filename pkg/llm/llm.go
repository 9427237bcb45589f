// Package llm wraps the language model used to translate prompts and narrate results.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Client completes a prompt into text. The pipeline treats it as an opaque
// text generator.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Config configures the model provider.
type Config struct {
	Provider string        `mapstructure:"provider"`
	Model    string        `mapstructure:"model"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// System is sent ahead of every prompt.
	System string `mapstructure:"system"`
}

const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
)

// New returns the client for cfg.Provider, or nil when no provider is configured.
func New(cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderNone:
		return nil, nil
	case ProviderOpenAI:
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("llm provider %q requires an api key", cfg.Provider)
		}
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

type openAIClient struct {
	client  openai.Client
	model   string
	system  string
	timeout time.Duration
}

// NewOpenAI creates a client for the OpenAI chat completions API or any
// compatible endpoint.
func NewOpenAI(cfg Config) Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	return &openAIClient{
		client:  openai.NewClient(opts...),
		model:   model,
		system:  cfg.System,
		timeout: cfg.Timeout,
	}
}

func (c *openAIClient) Name() string { return ProviderOpenAI + ":" + c.model }

// Complete sends prompt as a single user message and returns the first choice.
func (c *openAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if c.system != "" {
		messages = append(messages, openai.SystemMessage(c.system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("model %s returned no choices", c.model)
	}
	return completion.Choices[0].Message.Content, nil
}

// Static returns canned responses in order, repeating the last one. It backs
// offline runs and tests.
type Static struct {
	Responses []string
	Err       error
	Prompts   []string

	mu sync.Mutex
}

func (s *Static) Name() string { return "static" }

// Complete implements Client.
func (s *Static) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prompts = append(s.Prompts, prompt)
	if s.Err != nil {
		return "", s.Err
	}
	if len(s.Responses) == 0 {
		return "", nil
	}
	i := len(s.Prompts) - 1
	if i >= len(s.Responses) {
		i = len(s.Responses) - 1
	}
	return s.Responses[i], nil
}

// StripCodeFence removes a surrounding markdown code fence from a model reply.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
