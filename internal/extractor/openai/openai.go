// Package openai implements the extraction oracle on top of an
// OpenAI-compatible chat completion endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/extractor"
	"github.com/fact-memory-kernel/internal/facts"
)

// Config configures the chat oracle.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

// Oracle calls a chat completion model in JSON mode.
type Oracle struct {
	client *openai.Client
	cfg    Config
	logger *zap.Logger
}

// New creates an Oracle. BaseURL may point at any OpenAI-compatible server.
func New(cfg Config, logger *zap.Logger) (*Oracle, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai oracle: api key or base url required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	logger.Info("Initializing OpenAI extraction oracle", zap.String("model", cfg.Model))
	return &Oracle{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.Named("openai"),
	}, nil
}

// Name implements extractor.Oracle.
func (o *Oracle) Name() string { return "openai" }

// Extract implements extractor.Oracle.
func (o *Oracle) Extract(ctx context.Context, req extractor.Request) ([]byte, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractor.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: extractor.BuildPrompt(req)},
		},
		Temperature: o.cfg.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if o.cfg.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = o.cfg.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, &facts.ExtractionServiceError{Provider: o.Name(), Retryable: true, Err: errors.New("empty completion")}
	}
	o.logger.Debug("Completion received",
		zap.String("user_id", req.UserID),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("total_tokens", resp.Usage.TotalTokens))
	return []byte(resp.Choices[0].Message.Content), nil
}

// classify maps client errors onto the extraction error taxonomy: throttling,
// server faults and transport errors are transient, other API errors are not.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &facts.ExtractionServiceError{
			Provider:   "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Retryable:  retryableStatus(apiErr.HTTPStatusCode),
			Err:        err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &facts.ExtractionServiceError{
			Provider:   "openai",
			StatusCode: reqErr.HTTPStatusCode,
			Retryable:  reqErr.HTTPStatusCode == 0 || retryableStatus(reqErr.HTTPStatusCode),
			Err:        err,
		}
	}
	return &facts.ExtractionServiceError{Provider: "openai", Retryable: true, Err: err}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
