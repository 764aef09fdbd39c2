package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// Client implements [Analyzer] against the OpenAI chat-completions API
// (or any compatible endpoint via [WithBaseURL]).
type Client struct {
	client    oai.Client
	model     string
	maxTokens int
}

// Compile-time interface assertion.
var _ Analyzer = (*Client)(nil)

// clientConfig holds optional construction settings.
type clientConfig struct {
	baseURL   string
	timeout   time.Duration
	maxTokens int
}

// Option is a functional option for [NewClient].
type Option func(*clientConfig)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithHTTPTimeout sets the underlying HTTP client timeout. The per-call
// analysis deadline still applies independently.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithMaxTokens sets the default completion-token cap for calls that do not
// specify one.
func WithMaxTokens(n int) Option {
	return func(c *clientConfig) { c.maxTokens = n }
}

// NewClient constructs an OpenAI-backed [Client].
func NewClient(apiKey, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}

	cfg := &clientConfig{maxTokens: 512}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Client{
		client:    oai.NewClient(reqOpts...),
		model:     model,
		maxTokens: cfg.maxTokens,
	}, nil
}

// Analyze implements [Analyzer].
func (c *Client) Analyze(ctx context.Context, req Request, out any) error {
	if req.Schema.IsZero() {
		return fmt.Errorf("%w: request without response schema", ErrRequest)
	}
	if out == nil {
		return fmt.Errorf("%w: nil output target", ErrRequest)
	}

	ctx, cancel := withCallDeadline(ctx)
	defer cancel()

	params := c.buildParams(req)
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrRequest, err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("%w: empty choices", ErrRequest)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if !json.Valid([]byte(content)) {
		return fmt.Errorf("%w: %q", ErrInvalidJSON, truncate(content, 200))
	}

	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: schema %q: %v", ErrSchemaMismatch, req.Schema.Name, err)
	}
	return nil
}

// buildParams converts a [Request] into OpenAI SDK params, enforcing the
// strict JSON-object response format and the classifier temperature cap.
func (c *Client) buildParams(req Request) oai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temp := req.Temperature
	if temp < 0 {
		temp = 0
	}
	if temp > maxClassifierTemperature {
		temp = maxClassifierTemperature
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	messages = append(messages, oai.UserMessage(req.User))

	return oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(model),
		Messages:            messages,
		Temperature:         param.NewOpt(temp),
		MaxCompletionTokens: param.NewOpt(int64(maxTokens)),
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.Schema.Name,
					Strict: param.NewOpt(true),
					Schema: req.Schema.Schema,
				},
			},
		},
	}
}

// truncate shortens s for error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
