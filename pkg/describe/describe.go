package describe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/visionq/visionq/pkg/types"
)

// DefaultPrompt is sent with every describe call unless overridden.
const DefaultPrompt = "Describe this image in one or two concise sentences."

// Describer maps image bytes to a text description. The worker pool and
// the queue workers both depend on this interface; tests substitute
// fakes with scripted latencies and failures.
type Describer interface {
	Describe(ctx context.Context, image []byte) (string, error)
}

// OllamaClient calls an Ollama-compatible vision model endpoint.
type OllamaClient struct {
	baseURL string
	model   string
	prompt  string
	client  *http.Client
}

// Options configures NewOllamaClient.
type Options struct {
	BaseURL string
	Model   string
	Prompt  string        // defaults to DefaultPrompt
	Timeout time.Duration // defaults to 300s
}

// NewOllamaClient creates a describer against an Ollama endpoint.
func NewOllamaClient(opts Options) *OllamaClient {
	prompt := opts.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 300 * time.Second
	}
	return &OllamaClient{
		baseURL: opts.BaseURL,
		model:   opts.Model,
		prompt:  prompt,
		client:  &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Describe sends image to the model and returns its textual
// description. Failures are classified: network errors, timeouts, 429
// and 5xx are transient; other non-2xx statuses and malformed responses
// are permanent.
func (c *OllamaClient) Describe(ctx context.Context, image []byte) (string, error) {
	reqBody, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: c.prompt,
		Images: []string{base64.StdEncoding.EncodeToString(image)},
		Stream: false,
	})
	if err != nil {
		return "", types.NewKindError(types.ErrKindDescribePermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", types.NewKindError(types.ErrKindDescribePermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Network resets and timeouts both land here.
		return "", types.NewKindError(types.ErrKindDescribeTransient, err)
	}
	defer resp.Body.Close()

	if kind, ok := classifyStatus(resp.StatusCode); ok {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", types.NewKindError(kind, fmt.Errorf("describer returned %d: %s", resp.StatusCode, body))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewKindError(types.ErrKindDescribePermanent, fmt.Errorf("failed to parse describer response: %w", err))
	}
	if out.Response == "" {
		return "", types.NewKindError(types.ErrKindDescribePermanent, fmt.Errorf("describer returned empty response"))
	}
	return out.Response, nil
}

// classifyStatus maps a non-2xx status to an error kind.
func classifyStatus(code int) (types.ErrorKind, bool) {
	switch {
	case code >= 200 && code < 300:
		return "", false
	case code == http.StatusTooManyRequests || code >= 500:
		return types.ErrKindDescribeTransient, true
	default:
		return types.ErrKindDescribePermanent, true
	}
}
