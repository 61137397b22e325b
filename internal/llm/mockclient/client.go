package mockclient

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"gofer/internal/llm"
	"gofer/internal/state"
)

// Client is a deterministic llm.Client used for tests and CI. Scripted
// responses are served in order; once the queue is empty it echoes the last
// user message.
type Client struct {
	mu        sync.Mutex
	prefix    string
	scripted  []llm.ChatResponse
	callCount int
	requests  []llm.ChatRequest
}

// New returns a mock client that echoes the last user message.
func New() *Client {
	return &Client{prefix: "MOCK"}
}

// Enqueue appends responses to the scripted queue.
func (c *Client) Enqueue(responses ...llm.ChatResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripted = append(c.scripted, responses...)
}

// EnqueueText queues a plain assistant text response.
func (c *Client) EnqueueText(content string) {
	c.Enqueue(textResponse(content))
}

// EnqueueToolCall queues an assistant response containing a single tool call.
func (c *Client) EnqueueToolCall(id, name, arguments string) {
	msg := state.Message{
		Role: "assistant",
		ToolCalls: []state.ToolCall{
			{
				ID:   id,
				Type: "function",
				Function: state.FunctionCall{
					Name:      name,
					Arguments: arguments,
				},
			},
		},
	}
	c.Enqueue(llm.ChatResponse{
		Choices: []llm.ChatChoice{{Index: 0, Message: msg, FinishReason: "tool_calls"}},
	})
}

// CallCount reports how many Chat invocations the client has served.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCount
}

// Requests returns a copy of every request seen so far.
func (c *Client) Requests() []llm.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.ChatRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// Chat satisfies the llm.Client interface.
func (c *Client) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	c.mu.Lock()
	c.callCount++
	c.requests = append(c.requests, req)
	if len(c.scripted) > 0 {
		resp := c.scripted[0]
		c.scripted = c.scripted[1:]
		c.mu.Unlock()
		return resp, nil
	}
	c.mu.Unlock()

	content := fmt.Sprintf("%s RESPONSE", c.prefix)
	if n := len(req.Messages); n > 0 {
		last := strings.TrimSpace(req.Messages[n-1].Content)
		if last != "" {
			content = fmt.Sprintf("%s RESPONSE: %s", c.prefix, last)
		}
	}
	return textResponse(content), nil
}

func textResponse(content string) llm.ChatResponse {
	return llm.ChatResponse{
		Choices: []llm.ChatChoice{
			{
				Index:        0,
				Message:      state.Message{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: &llm.Usage{
			PromptTokens:     42,
			CompletionTokens: 7,
			TotalTokens:      49,
		},
	}
}
