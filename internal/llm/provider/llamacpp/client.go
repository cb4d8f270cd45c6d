package llamacpp

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

// Package llamacpp talks to a local llama.cpp server (llama-server).
//
// Endpoints:
//   - GET  /health      probe, 200 once the model is loaded
//   - POST /completion  raw completion, answer in "content"

const (
	DefaultName      = "local"
	DefaultBaseURL   = "http://llama-server:8080"
	DefaultMaxTokens = 512
	DefaultTimeout   = 90 * time.Second
)

// LlamaCppClientImpl implements provider.Provider for llama-server.
type LlamaCppClientImpl struct {
	name       string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

type completionResponse struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// NewLlamaCppClient creates a client. No credentials are required.
func NewLlamaCppClient(cfg provider.Config) (*LlamaCppClientImpl, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	return &LlamaCppClientImpl{
		name:      cfg.Name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens: cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}, nil
}

func (c *LlamaCppClientImpl) Name() string { return c.name }

// Probe checks GET /health.
func (c *LlamaCppClientImpl) Probe(ctx context.Context, timeout time.Duration) bool {
	return provider.ProbeHTTP(ctx, c.httpClient, c.baseURL+"/health", nil, timeout)
}

// Invoke requests a completion for the analysis prompt.
func (c *LlamaCppClientImpl) Invoke(ctx context.Context, ac models.AnalysisContext, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request := completionRequest{
		Prompt:      reasoningctx.SystemPrompt + "\n\n" + reasoningctx.Prompt(ac),
		NPredict:    c.maxTokens,
		Temperature: 0.3,
		Stop:        []string{"</s>"},
	}

	body, err := provider.PostJSON(ctx, c.httpClient, c.name, c.baseURL+"/completion", nil, request)
	if err != nil {
		return "", err
	}

	var resp completionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", provider.Errorf(c.name, provider.KindInvalidResponse, "parse llama-server response: %w", err)
	}
	return provider.Narrative(c.name, resp.Content)
}

// SetBaseURL points the client at a different server (useful for testing).
func (c *LlamaCppClientImpl) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}
