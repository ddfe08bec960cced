// Package ai wraps the OpenAI chat completions API behind a small client
// suited to SMS-sized exchanges.
package ai

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/voxlinkco/textpilot/internal/config"
)

const defaultMaxRetries = 3

// Image is an inline picture attached to a request.
type Image struct {
	Data        string // base64
	ContentType string
}

// Request is one completion turn. History holds the user's prior messages
// oldest first; LastReply is the assistant's most recent answer, if any.
type Request struct {
	System    string
	History   []string
	LastReply string
	Message   string
	Image     *Image
	Identity  string
}

// Client produces a single assistant reply for a request.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

type completionService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type client struct {
	completions completionService
	model       string
	visionModel string
	maxTokens   int
	temperature float64
	maxRetries  int
}

// NewClient builds a Client from the AI section of the config.
func NewClient(cfg config.AIConfig) (Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("ai: api key required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	oc := openai.NewClient(opts...)

	visionModel := cfg.VisionModel
	if visionModel == "" {
		visionModel = cfg.Model
	}

	return &client{
		completions: &oc.Chat.Completions,
		model:       cfg.Model,
		visionModel: visionModel,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxRetries:  defaultMaxRetries,
	}, nil
}

func (c *client) Complete(ctx context.Context, req Request) (string, error) {
	params := c.buildParams(req)

	var completion *openai.ChatCompletion
	err := c.doWithRetry(ctx, func(ctx context.Context) error {
		var callErr error
		completion, callErr = c.completions.New(ctx, params)
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if completion == nil || len(completion.Choices) == 0 {
		return "", errors.New("chat completion: empty response")
	}
	reply := strings.TrimSpace(completion.Choices[0].Message.Content)
	if reply == "" {
		return "", errors.New("chat completion: empty reply")
	}
	return reply, nil
}

func (c *client) buildParams(req Request) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion

	if sys := strings.TrimSpace(req.System); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}
	for _, msg := range req.History {
		if strings.TrimSpace(msg) == "" {
			continue
		}
		messages = append(messages, openai.UserMessage(msg))
	}
	if req.LastReply != "" {
		messages = append(messages, openai.AssistantMessage(req.LastReply))
	}

	current := req.Message
	if strings.TrimSpace(current) == "" {
		current = "."
	}
	model := c.model
	if req.Image != nil {
		model = c.visionModel
		parts := []openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(current),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: fmt.Sprintf("data:%s;base64,%s", req.Image.ContentType, req.Image.Data),
			}),
		}
		messages = append(messages, openai.UserMessage(parts))
	} else {
		messages = append(messages, openai.UserMessage(current))
	}

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(model),
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
		Messages:            messages,
		Temperature:         openai.Float(c.temperature),
	}
	if req.Identity != "" {
		params.User = openai.String(hashIdentity(req.Identity))
	}
	return params
}

// hashIdentity keeps phone numbers out of provider logs while still giving
// the API a stable per-user value.
func hashIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return fmt.Sprintf("%x", sum[:16])
}

func (c *client) doWithRetry(ctx context.Context, fn func(context.Context) error) error {
	attempts := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(err) || attempts >= c.maxRetries {
			return err
		}
		attempts++
		backoff := time.Duration(attempts*attempts) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}
