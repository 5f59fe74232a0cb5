// Package llm calls an OpenAI-compatible chat completions endpoint. The
// caller reserves credit for a request before invoking Complete and settles
// with the token usage the provider reports.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultCompletionURL is the OpenAI chat completions endpoint.
	DefaultCompletionURL = "https://api.openai.com/v1/chat/completions"

	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second

	// responseBodyLimit caps how much of the provider response gets read.
	responseBodyLimit = 1 << 20
)

// ErrUpstream is returned when the provider rejects a completion request.
var ErrUpstream = errors.New("completion provider request failed")

// Config carries the provider endpoint and credentials.
type Config struct {
	CompletionURL string
	APIKey        string
	Model         string
	Timeout       time.Duration
}

// Client performs chat completions against one configured provider.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient validates the configuration and returns a ready Client.
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	if config.CompletionURL == "" {
		config.CompletionURL = DefaultCompletionURL
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is the provider reply plus the token usage it reported.
type Completion struct {
	Reply       string
	Model       string
	TotalTokens int64
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends the conversation to the provider and returns the first
// choice together with the reported token usage.
func (client *Client) Complete(ctx context.Context, messages []Message) (Completion, error) {
	if len(messages) == 0 {
		return Completion{}, errors.New("llm: at least one message is required")
	}
	payload, err := json.Marshal(completionRequest{
		Model:    client.config.Model,
		Messages: messages,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("llm: encode request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.config.CompletionURL, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, fmt.Errorf("llm: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+client.config.APIKey)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, responseBodyLimit))
	if err != nil {
		return Completion{}, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}

	var decoded completionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Completion{}, fmt.Errorf("%w: decode body: %v", ErrUpstream, err)
	}
	if response.StatusCode != http.StatusOK {
		message := http.StatusText(response.StatusCode)
		if decoded.Error != nil && decoded.Error.Message != "" {
			message = decoded.Error.Message
		}
		return Completion{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, response.StatusCode, message)
	}
	if len(decoded.Choices) == 0 {
		return Completion{}, fmt.Errorf("%w: response carried no choices", ErrUpstream)
	}

	return Completion{
		Reply:       decoded.Choices[0].Message.Content,
		Model:       decoded.Model,
		TotalTokens: decoded.Usage.TotalTokens,
	}, nil
}
