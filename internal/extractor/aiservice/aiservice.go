// Package aiservice implements the extraction oracle against the internal AI
// service's POST /extract endpoint.
package aiservice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/extractor"
	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/jsonx"
)

// maxResponseBytes bounds the body read from the service.
const maxResponseBytes = 4 << 20

type extractRequest struct {
	UserID        string           `json:"user_id"`
	DisplayName   string           `json:"display_name,omitempty"`
	FocusFactType string           `json:"focus_fact_type,omitempty"`
	RejectedValue string           `json:"rejected_value,omitempty"`
	Prompt        string           `json:"prompt"`
	Messages      []extractMessage `json:"messages"`
}

type extractMessage struct {
	ID     string `json:"message_id"`
	Sender string `json:"sender"`
	Text   string `json:"message"`
}

// Oracle posts message windows to the AI service.
type Oracle struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// New creates an Oracle for the service at baseURL.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Oracle {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("aiservice"),
	}
}

// Name implements extractor.Oracle.
func (o *Oracle) Name() string { return "aiservice" }

// Extract implements extractor.Oracle.
func (o *Oracle) Extract(ctx context.Context, req extractor.Request) ([]byte, error) {
	body := extractRequest{
		UserID:        req.UserID,
		DisplayName:   req.DisplayName,
		FocusFactType: req.FocusFactType,
		RejectedValue: req.RejectedValue,
		Prompt:        extractor.BuildPrompt(req),
		Messages:      make([]extractMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, extractMessage{ID: m.ID, Sender: m.Sender, Text: m.Text})
	}

	jsonData, err := jsonx.Marshal(body)
	if err != nil {
		return nil, &facts.ExtractionServiceError{Provider: o.Name(), Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/extract", bytes.NewReader(jsonData))
	if err != nil {
		return nil, &facts.ExtractionServiceError{Provider: o.Name(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &facts.ExtractionServiceError{Provider: o.Name(), Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &facts.ExtractionServiceError{Provider: o.Name(), Retryable: true, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &facts.ExtractionServiceError{
			Provider:   o.Name(),
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("extraction service returned status %d", resp.StatusCode),
		}
	}

	o.logger.Debug("Extraction response received",
		zap.String("user_id", req.UserID),
		zap.Int("bytes", len(data)))
	return data, nil
}

func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
