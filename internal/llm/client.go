// Package llm streams chat completions from an Ollama server.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/agriffith/parley/internal/convo"
)

// Client talks to an Ollama server. Conversation state lives elsewhere; the
// caller passes the full message context on every request.
type Client struct {
	client      *api.Client
	model       string
	temperature float64
	numPredict  int
}

// Config holds LLM client configuration.
type Config struct {
	Host        string
	Model       string
	Temperature float64
	NumPredict  int // response token cap, matches the store's response budget
}

// NewClient creates an Ollama client. The HTTP client keeps idle connections
// warm for low-latency repeated requests to a local server.
func NewClient(cfg *Config) (*Client, error) {
	host := strings.TrimSuffix(cfg.Host, "/")
	parsedURL, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host URL: %w", err)
	}

	httpClient := &http.Client{
		Timeout: 120 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		client:      api.NewClient(parsedURL, httpClient),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		numPredict:  cfg.NumPredict,
	}, nil
}

// Stream sends the conversation and invokes onDelta for every response
// fragment as it arrives. Returning an error from onDelta cancels the
// generation; that error is propagated back to the caller.
func (c *Client) Stream(ctx context.Context, messages []convo.Message, onDelta func(string) error) error {
	apiMessages := make([]api.Message, len(messages))
	for i, m := range messages {
		apiMessages[i] = api.Message{Role: string(m.Role), Content: m.Content}
	}

	stream := true
	err := c.client.Chat(ctx, &api.ChatRequest{
		Model:    c.model,
		Messages: apiMessages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": c.temperature,
			"num_predict": c.numPredict,
		},
	}, func(resp api.ChatResponse) error {
		if resp.Message.Content == "" {
			return nil
		}
		return onDelta(resp.Message.Content)
	})
	if err != nil {
		return fmt.Errorf("chat request failed: %w", err)
	}
	return nil
}

// HealthCheck verifies the Ollama server is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("cannot reach Ollama: %w", err)
	}
	return nil
}
