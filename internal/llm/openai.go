package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "loom/internal/errors"
	"loom/internal/httpclient"
	"loom/internal/logging"
)

const defaultTimeout = 120 * time.Second

// openaiClient speaks the OpenAI-compatible chat completions API.
type openaiClient struct {
	model        string
	apiKey       string
	baseURL      string
	headers      map[string]string
	maxBodyBytes int64
	httpClient   *http.Client
	logger       logging.Logger
}

// NewOpenAIClient constructs a client for any OpenAI-compatible
// /chat/completions endpoint.
func NewOpenAIClient(config Config) (Client, error) {
	if config.APIURL == "" {
		return nil, fmt.Errorf("llm: api_url is required")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &openaiClient{
		model:        config.Model,
		apiKey:       config.APIKey,
		baseURL:      strings.TrimRight(config.APIURL, "/"),
		headers:      config.Headers,
		maxBodyBytes: config.MaxBodyBytes,
		httpClient:   httpclient.New(timeout),
		logger:       logging.NewComponentLogger("llm"),
	}, nil
}

func (c *openaiClient) Model() string {
	return c.model
}

func (c *openaiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	payload := map[string]any{
		"model":    c.model,
		"messages": req.Messages,
		"stream":   false,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	c.logger.Debug("POST %s model=%s messages=%d", endpoint, c.model, len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := httpclient.ReadBody(resp.Body, c.maxBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("provider error %d: %s", resp.StatusCode, truncateForLog(respBody))
		return nil, mapStatusError(resp.StatusCode, respBody)
	}

	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if oaiResp.Error != nil && oaiResp.Error.Message != "" {
		msg := oaiResp.Error.Message
		if oaiResp.Error.Type != "" {
			msg = oaiResp.Error.Type + ": " + msg
		}
		return nil, mapStatusError(resp.StatusCode, []byte(msg))
	}
	if len(oaiResp.Choices) == 0 {
		return nil, apperrors.NewTransientError(errors.New("no choices in response"),
			"The model returned an empty response. Retrying.")
	}

	result := &Response{
		Content:    oaiResp.Choices[0].Message.Content,
		StopReason: oaiResp.Choices[0].FinishReason,
		Usage:      oaiResp.Usage,
	}
	c.logger.Debug("completion done stop=%s tokens=%d+%d",
		result.StopReason, result.Usage.PromptTokens, result.Usage.CompletionTokens)
	return result, nil
}

// mapStatusError classifies a non-2xx provider response so the retry
// layer can tell transient failures from permanent ones.
func mapStatusError(status int, body []byte) error {
	httpErr := &apperrors.HTTPStatusError{StatusCode: status, Body: truncateForLog(body)}
	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.NewTransientError(httpErr, "Provider rate limit reached. Backing off before retry.")
	case status >= 500:
		return apperrors.NewTransientError(httpErr, "Provider returned a server error. Retrying.")
	case status == http.StatusUnauthorized:
		return apperrors.NewPermanentError(httpErr, "Authentication failed. Check the API key.")
	case status == http.StatusForbidden:
		return apperrors.NewPermanentError(httpErr, "Access to this model is not allowed.")
	case status == http.StatusNotFound:
		return apperrors.NewPermanentError(httpErr, "Model or endpoint not found. Verify the model name.")
	default:
		return apperrors.NewPermanentError(httpErr, "The provider rejected the request.")
	}
}

func truncateForLog(body []byte) string {
	const max = 512
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
