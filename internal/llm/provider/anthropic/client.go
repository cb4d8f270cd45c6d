package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
	reasoningctx "github.com/kubilitics/kubilitics-anomaly/internal/reasoning/context"
)

// Package anthropic provides the Anthropic Messages API backend.

const (
	DefaultName       = "anthropic"
	DefaultBaseURL    = "https://api.anthropic.com/v1"
	DefaultModel      = "claude-3-5-sonnet-20241022"
	DefaultMaxTokens  = 1000
	DefaultAPIVersion = "2023-06-01"
	DefaultTimeout    = 60 * time.Second
)

// AnthropicClientImpl implements provider.Provider for the Messages API.
type AnthropicClientImpl struct {
	name       string
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// NewAnthropicClient creates a client. The API key is required.
func NewAnthropicClient(cfg provider.Config) (*AnthropicClientImpl, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	return &AnthropicClientImpl{
		name:      cfg.Name,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}, nil
}

func (c *AnthropicClientImpl) Name() string { return c.name }

func (c *AnthropicClientImpl) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": DefaultAPIVersion,
	}
}

// Probe lists models via GET /models.
func (c *AnthropicClientImpl) Probe(ctx context.Context, timeout time.Duration) bool {
	return provider.ProbeHTTP(ctx, c.httpClient, c.baseURL+"/models", c.headers(), timeout)
}

// Invoke sends one user message and joins the returned text blocks.
func (c *AnthropicClientImpl) Invoke(ctx context.Context, ac models.AnalysisContext, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request := anthropicRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    reasoningctx.SystemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: reasoningctx.Prompt(ac)},
		},
		Temperature: 0.3,
	}

	body, err := provider.PostJSON(ctx, c.httpClient, c.name, c.baseURL+"/messages", c.headers(), request)
	if err != nil {
		return "", err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", provider.Errorf(c.name, provider.KindInvalidResponse, "parse Anthropic response: %w", err)
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return provider.Narrative(c.name, strings.Join(parts, "\n"))
}

// SetBaseURL sets a custom base URL (useful for testing).
func (c *AnthropicClientImpl) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}
