// Package llm speaks the OpenAI-compatible chat completions API plus the
// embeddings and rerank endpoints the retrieval layer needs. The API key is
// an argument on every call, never a field: rotation selects and decrypts a
// key per attempt and its plaintext must not outlive the request.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// rateLimitsTotal counts upstream 429s across every provider call in the
// process; workers expose it on their health listener.
var rateLimitsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "llm_rate_limits_total",
	Help: "Upstream 429 responses from the LLM provider.",
})

// RateLimitError is the typed 429 the rotation layer reacts to.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upstream rate limited (retry after %s)", e.RetryAfter)
}

// IsRateLimit reports whether err is an upstream 429.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Message is one chat turn in provider wire order.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	// Model overrides the caller's default, e.g. the bot's configured model.
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSONMode asks the provider for a JSON object response.
	JSONMode bool
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Client is the completion surface the chat graph and scorers depend on.
// Streaming invokes onToken per delta and returns the accumulated response.
type Client interface {
	Complete(ctx context.Context, apiKey string, req CompletionRequest) (*CompletionResponse, error)
	StreamComplete(ctx context.Context, apiKey string, req CompletionRequest, onToken func(string)) (*CompletionResponse, error)
}

// Caller is the HTTP implementation bound to one base URL + model.
type Caller struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewCaller(baseURL, model string, timeout time.Duration) *Caller {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Caller{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Caller) buildBody(req CompletionRequest, stream bool) ([]byte, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	body := map[string]any{
		"model":    model,
		"messages": req.Messages,
		"stream":   stream,
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.JSONMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	if stream {
		body["stream_options"] = map[string]bool{"include_usage": true}
	}
	return json.Marshal(body)
}

func (c *Caller) post(ctx context.Context, apiKey string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusTooManyRequests {
		rateLimitsTotal.Inc()
		return nil, &RateLimitError{RetryAfter: retryAfter(resp.Header)}
	}
	return nil, fmt.Errorf("llm status %d: %s", resp.StatusCode, string(respBody))
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 60 * time.Second
}

func (c *Caller) Complete(ctx context.Context, apiKey string, req CompletionRequest) (*CompletionResponse, error) {
	body, err := c.buildBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.post(ctx, apiKey, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("empty choices in response")
	}
	return &CompletionResponse{Content: out.Choices[0].Message.Content, Usage: out.Usage}, nil
}

func (c *Caller) StreamComplete(ctx context.Context, apiKey string, req CompletionRequest, onToken func(string)) (*CompletionResponse, error) {
	body, err := c.buildBody(req, true)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.post(ctx, apiKey, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var full strings.Builder
	var usage Usage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *Usage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // tolerate malformed keep-alive frames
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			full.WriteString(chunk.Choices[0].Delta.Content)
			if onToken != nil {
				onToken(chunk.Choices[0].Delta.Content)
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return &CompletionResponse{Content: full.String(), Usage: usage}, nil
}
