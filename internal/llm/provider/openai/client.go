package openai

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

// Package openai provides the OpenAI chat completions backend.
//
// The same client serves any OpenAI-compatible endpoint (vLLM, LM Studio,
// LocalAI, a llama.cpp server in OpenAI mode) when base_url points at it;
// such endpoints usually accept an empty API key.

const (
	DefaultName      = "openai"
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultModel     = "gpt-4o"
	DefaultMaxTokens = 1000
	DefaultTimeout   = 60 * time.Second
)

// OpenAIClientImpl implements provider.Provider for OpenAI-compatible APIs.
type OpenAIClientImpl struct {
	name       string
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

// OpenAI API structures
type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// NewOpenAIClient creates a client. The API key is required for the
// public OpenAI endpoint and optional for a custom base URL.
func NewOpenAIClient(cfg provider.Config) (*OpenAIClientImpl, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIKey == "" && strings.TrimRight(cfg.BaseURL, "/") == DefaultBaseURL {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	return &OpenAIClientImpl{
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

func (c *OpenAIClientImpl) Name() string { return c.name }

func (c *OpenAIClientImpl) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// Probe lists models via GET /models.
func (c *OpenAIClientImpl) Probe(ctx context.Context, timeout time.Duration) bool {
	return provider.ProbeHTTP(ctx, c.httpClient, c.baseURL+"/models", c.headers(), timeout)
}

// Invoke runs a chat completion with the analyst system prompt.
func (c *OpenAIClientImpl) Invoke(ctx context.Context, ac models.AnalysisContext, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request := openAIChatRequest{
		Model: c.model,
		Messages: []openAIMessage{
			{Role: "system", Content: reasoningctx.SystemPrompt},
			{Role: "user", Content: reasoningctx.Prompt(ac)},
		},
		MaxTokens:   c.maxTokens,
		Temperature: 0.3,
	}

	body, err := provider.PostJSON(ctx, c.httpClient, c.name, c.baseURL+"/chat/completions", c.headers(), request)
	if err != nil {
		return "", err
	}

	var chatResponse openAIChatResponse
	if err := json.Unmarshal(body, &chatResponse); err != nil {
		return "", provider.Errorf(c.name, provider.KindInvalidResponse, "parse OpenAI response: %w", err)
	}
	if len(chatResponse.Choices) == 0 {
		return "", provider.Errorf(c.name, provider.KindInvalidResponse, "no choices in OpenAI response")
	}
	return provider.Narrative(c.name, chatResponse.Choices[0].Message.Content)
}

// SetBaseURL sets a custom base URL (useful for testing or proxies).
func (c *OpenAIClientImpl) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}
