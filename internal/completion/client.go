// Package completion issues one chat-completion request per inbound
// message against the resolved provider, with a hard timeout and no
// retries. A slow provider delays only the chat it is answering.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	. "github.com/N1ghthill/botassist-whatsapp-sub000/internal/logging"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/provider"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/settings"
)

// RequestTimeout is the fixed budget for one completion call
const RequestTimeout = 30 * time.Second

// Message is one turn of the conversation sent to the provider
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Role constants for Message
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Client issues chat-completion requests. The first-party provider goes
// through the vendor SDK call shape; the rest use a generic bearer-token
// HTTP POST against the completions endpoint.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a completion client with the fixed request budget
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{},
		timeout:    RequestTimeout,
	}
}

// Complete runs one chat completion and returns the normalized text
func (c *Client) Complete(ctx context.Context, cfg provider.Config, model string, msgs []Message, temperature float32, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var text string
	var err error
	if cfg.Provider == settings.ProviderGroq {
		text, err = c.completeSDK(ctx, cfg, model, msgs, temperature, maxTokens)
	} else {
		text, err = c.completeHTTP(ctx, cfg, model, msgs, temperature, maxTokens)
	}
	if err != nil {
		if isTimeout(ctx, err) {
			return "", &TimeoutError{Budget: c.timeout}
		}
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", &ResponseFormatError{Reason: "empty completion text"}
	}
	return text, nil
}

// completeSDK is the vendor-SDK call shape used for the first-party
// provider
func (c *Client) completeSDK(ctx context.Context, cfg provider.Config, model string, msgs []Message, temperature float32, maxTokens int) (string, error) {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	clientCfg.HTTPClient = c.httpClient
	client := openai.NewClientWithConfig(clientCfg)

	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
			return "", &ProviderError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
			return "", &ProviderError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
		}
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &ResponseFormatError{Reason: "response has no choices"}
	}
	return resp.Choices[0].Message.Content, nil
}

// completeHTTP is the generic OpenAI-compatible POST with bearer auth
func (c *Client) completeHTTP(ctx context.Context, cfg provider.Config, model string, msgs []Message, temperature float32, maxTokens int) (string, error) {
	endpoint := provider.BuildCompletionsEndpoint(cfg.BaseURL)

	payload := map[string]any{
		"model":       model,
		"messages":    msgs,
		"temperature": temperature,
	}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read completion response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		L_debug("completion: provider error", "status", resp.StatusCode, "endpoint", endpoint)
		return "", &ProviderError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &ResponseFormatError{Reason: err.Error()}
	}
	if len(parsed.Choices) == 0 {
		return "", &ResponseFormatError{Reason: "response has no choices"}
	}
	return parsed.Choices[0].Message.Content, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Truncate cuts over-length output to max-1 characters, trims trailing
// whitespace and appends a single ellipsis character.
func Truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	cut := strings.TrimRight(string(runes[:max-1]), " \t\r\n")
	return cut + "…"
}
