package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gofer/internal/llm"
)

// Client is a minimal HTTP wrapper around an OpenAI-compatible chat
// completions API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *log.Logger
}

// NewClient wires together the dependencies for API access.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *log.Logger) *Client {
	trimmed := strings.TrimRight(baseURL, "/")
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    trimmed,
		apiKey:     apiKey,
		logger:     logger,
	}
}

// errorEnvelope matches the OpenAI error response body.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Chat executes a single completion request.
func (c *Client) Chat(ctx context.Context, reqPayload llm.ChatRequest) (llm.ChatResponse, error) {
	var respPayload llm.ChatResponse

	payload, err := json.Marshal(reqPayload)
	if err != nil {
		return respPayload, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return respPayload, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Printf("[openai] sending %d messages to model %s", len(reqPayload.Messages), reqPayload.Model)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return respPayload, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return respPayload, fmt.Errorf("read response: %w", err)
	}

	c.logger.Printf("[openai] response status: %d, size: %d bytes", resp.StatusCode, len(body))

	if resp.StatusCode >= 300 {
		return respPayload, c.classifyError(resp, body)
	}

	if err := json.Unmarshal(body, &respPayload); err != nil {
		return respPayload, fmt.Errorf("parse response: %w", err)
	}
	if len(respPayload.Choices) == 0 {
		return respPayload, fmt.Errorf("no choices returned")
	}
	return respPayload, nil
}

// classifyError maps HTTP failures onto llm.ProviderError so the retry loop
// can decide whether to back off or give up.
func (c *Client) classifyError(resp *http.Response, body []byte) error {
	message := strings.TrimSpace(string(body))
	code := strconv.Itoa(resp.StatusCode)

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
		if s, ok := envelope.Error.Code.(string); ok && s != "" {
			code = s
		}
	}

	perr := llm.NewProviderError("openai", llm.ErrorTypeUnknown, code, message)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		perr.Type = llm.ErrorTypeAuth
	case http.StatusPaymentRequired:
		perr.Type = llm.ErrorTypeInsufficientCredit
	case http.StatusForbidden:
		perr.Type = llm.ErrorTypeModeration
	case http.StatusTooManyRequests:
		perr.Type = llm.ErrorTypeRateLimit
		perr.Retryable = true
		if code == "insufficient_quota" {
			perr.Type = llm.ErrorTypeQuotaExceeded
			perr.Retryable = false
		}
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		perr.Type = llm.ErrorTypeProviderDown
		perr.Retryable = true
	}

	if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
		perr.RetryAfter = &after
		reset := time.Now().Add(after)
		perr.ResetAt = &reset
	}

	c.logger.Printf("[openai] API error: type=%s code=%s msg=%s", perr.Type, perr.Code, perr.Message)
	return perr
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
