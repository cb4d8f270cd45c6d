package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
	reasoningctx "github.com/kubilitics/kubilitics-anomaly/internal/reasoning/context"
)

// Package ollama provides the Ollama backend for locally hosted models.

const (
	DefaultName      = "ollama"
	DefaultBaseURL   = "http://localhost:11434"
	DefaultModel     = "llama3"
	DefaultMaxTokens = 1000
	DefaultTimeout   = 120 * time.Second
)

// OllamaClientImpl implements provider.Provider for Ollama.
type OllamaClientImpl struct {
	name       string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// NewOllamaClient creates a client. Ollama needs no credentials.
func NewOllamaClient(cfg provider.Config) (*OllamaClientImpl, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	return &OllamaClientImpl{
		name:      cfg.Name,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}, nil
}

func (c *OllamaClientImpl) Name() string { return c.name }

// Probe lists local models via GET /api/tags.
func (c *OllamaClientImpl) Probe(ctx context.Context, timeout time.Duration) bool {
	return provider.ProbeHTTP(ctx, c.httpClient, c.baseURL+"/api/tags", nil, timeout)
}

// Invoke runs a non-streaming generation.
func (c *OllamaClientImpl) Invoke(ctx context.Context, ac models.AnalysisContext, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request := generateRequest{
		Model:  c.model,
		Prompt: reasoningctx.Prompt(ac),
		System: reasoningctx.SystemPrompt,
		Stream: false,
		Options: generateOptions{
			Temperature: 0.3,
			NumPredict:  c.maxTokens,
		},
	}

	body, err := provider.PostJSON(ctx, c.httpClient, c.name, c.baseURL+"/api/generate", nil, request)
	if err != nil {
		return "", err
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", provider.Errorf(c.name, provider.KindInvalidResponse, "parse Ollama response: %w", err)
	}
	if resp.Error != "" {
		return "", provider.Errorf(c.name, provider.KindInvalidResponse, "Ollama error: %s", resp.Error)
	}
	return provider.Narrative(c.name, resp.Response)
}

// SetBaseURL sets a custom base URL (useful for testing).
func (c *OllamaClientImpl) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}
