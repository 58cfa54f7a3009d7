package generate

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/zulandar/chorus/internal/models"
)

// chatClient is the subset of *openai.Client used by OpenAIGenerator.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIGenerator calls any OpenAI-compatible chat completions endpoint.
type OpenAIGenerator struct {
	client   chatClient
	provider string
	timeout  time.Duration
	topKOnce sync.Once
}

// OpenAIOpts holds parameters for creating an OpenAIGenerator.
type OpenAIOpts struct {
	Provider string // label used in logs and errors
	APIKey   string
	BaseURL  string
	Timeout  time.Duration // per call; 0 means no extra deadline
	client   chatClient
}

// NewOpenAIGenerator creates an OpenAIGenerator.
func NewOpenAIGenerator(opts OpenAIOpts) (*OpenAIGenerator, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("generate: %s: base url is required", opts.Provider)
	}
	client := opts.client
	if client == nil {
		cfg := openai.DefaultConfig(opts.APIKey)
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
		cfg.HTTPClient = &http.Client{}
		client = openai.NewClientWithConfig(cfg)
	}
	return &OpenAIGenerator{client: client, provider: opts.Provider, timeout: opts.Timeout}, nil
}

// Generate sends the instruction, the history and the optional user turn as
// one chat completion. It never retries.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.Instruction != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.Instruction})
	}
	for _, t := range req.History {
		role := openai.ChatMessageRoleUser
		if t.Role == models.RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	if req.UserContent != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserContent})
	}

	if req.Config.TopK > 0 {
		g.topKOnce.Do(func() {
			log.Printf("generate: %s: top_k has no chat completions field; ignored", g.provider)
		})
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Config.Model,
		Messages:    msgs,
		Temperature: float32(req.Config.Temperature),
		TopP:        float32(req.Config.TopP),
		MaxTokens:   req.Config.MaxOutputTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s %s: %w", ErrGeneration, g.provider, req.Config.Model, err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: %s %s: no choices", ErrGeneration, g.provider, req.Config.Model)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Result{}, fmt.Errorf("%w: %s %s: empty reply", ErrGeneration, g.provider, req.Config.Model)
	}
	return Result{Text: text, History: extendHistory(req.History, req.UserContent, text)}, nil
}
