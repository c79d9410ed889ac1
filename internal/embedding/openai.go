package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "loom/internal/errors"
	"loom/internal/httpclient"
	"loom/internal/logging"
)

const (
	defaultTimeout = 60 * time.Second
	// Providers cap the number of inputs per request.
	maxProviderBatch = 100
)

type openaiClient struct {
	apiURL       string
	apiKey       string
	model        string
	dimension    int
	maxBodyBytes int64
	httpClient   *http.Client
	logger       logging.Logger
}

// NewOpenAIClient builds a client for an OpenAI-compatible /embeddings
// endpoint.
func NewOpenAIClient(cfg ClientConfig) (Client, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("embedding: api_url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding: model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &openaiClient{
		apiURL:       strings.TrimRight(cfg.APIURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		dimension:    cfg.Dimension,
		maxBodyBytes: cfg.MaxBodyBytes,
		httpClient:   httpclient.New(timeout),
		logger:       logging.NewComponentLogger("embedding"),
	}, nil
}

func (c *openaiClient) Model() string  { return c.model }
func (c *openaiClient) Dimension() int { return c.dimension }

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *openaiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > maxProviderBatch {
		return nil, apperrors.NewPermanentError(
			fmt.Errorf("batch of %d exceeds provider limit of %d", len(texts), maxProviderBatch),
			"The embedding batch is too large for one request.")
	}

	payload, err := json.Marshal(embeddingsRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("encode embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewTransientError(err, "The embedding provider could not be reached. Retrying.")
	}
	defer resp.Body.Close()

	body, err := httpclient.ReadBody(resp.Body, c.maxBodyBytes)
	if err != nil {
		return nil, apperrors.NewTransientError(err, "Reading the embedding response failed. Retrying.")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("provider error %d: %s", resp.StatusCode, truncateForLog(body))
		return nil, c.statusError(resp.StatusCode, body)
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.NewTransientError(err, "The embedding response was not valid JSON. Retrying.")
	}
	if parsed.Error != nil {
		return nil, c.statusError(resp.StatusCode, []byte(parsed.Error.Message))
	}
	if len(parsed.Data) != len(texts) {
		return nil, apperrors.NewTransientError(
			fmt.Errorf("got %d embeddings for %d inputs", len(parsed.Data), len(texts)),
			"The provider returned an incomplete batch. Retrying.")
	}

	vectors := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, apperrors.NewTransientError(
				fmt.Errorf("embedding index %d out of range", item.Index),
				"The provider returned a malformed batch. Retrying.")
		}
		vectors[item.Index] = item.Embedding
	}
	for i, vec := range vectors {
		if len(vec) == 0 {
			return nil, apperrors.NewTransientError(
				fmt.Errorf("missing embedding for input %d", i),
				"The provider returned a malformed batch. Retrying.")
		}
	}
	return vectors, nil
}

// statusError classifies a non-2xx provider response so the retry
// layer can tell transient failures from permanent ones.
func (c *openaiClient) statusError(status int, body []byte) error {
	httpErr := &apperrors.HTTPStatusError{StatusCode: status, Body: truncateForLog(body)}
	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.NewTransientError(httpErr, "Embedding rate limit reached. Backing off before retry.")
	case status >= 500:
		return apperrors.NewTransientError(httpErr, "The embedding provider returned a server error. Retrying.")
	case status == http.StatusUnauthorized:
		return apperrors.NewPermanentError(httpErr, "Authentication failed. Check the embedding API key.")
	case status == http.StatusForbidden:
		return apperrors.NewPermanentError(httpErr, "Access to this embedding model is not allowed.")
	default:
		return apperrors.NewPermanentError(httpErr, "The embedding provider rejected the request.")
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
