package huggingface

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
	reasoningctx "github.com/kubilitics/kubilitics-anomaly/internal/reasoning/context"
)

// Package huggingface provides the Hugging Face Inference API backend.
//
// The hosted inference API answers in several shapes depending on the model
// pipeline: a bare string, an object with "generated_text" (or "text",
// "output", "response"), or a list of such objects. A 503 means the model
// is still loading and is reported as unavailable.
//
// Models known to work on the free tier:
//   - google/flan-t5-small
//   - distilgpt2
//   - EleutherAI/gpt-neo-125m
//   - microsoft/phi-2

const (
	DefaultName      = "huggingface"
	DefaultBaseURL   = "https://api-inference.huggingface.co"
	DefaultModel     = "google/flan-t5-small"
	DefaultMaxTokens = 300
	DefaultTimeout   = 90 * time.Second

	// MaxPromptChars bounds the inputs field; small hosted models reject
	// longer prompts.
	MaxPromptChars = 800
)

// HuggingFaceClientImpl implements provider.Provider for the Inference API.
type HuggingFaceClientImpl struct {
	name       string
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

type inferenceParameters struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float64 `json:"temperature"`
	ReturnFullText bool    `json:"return_full_text"`
}

type inferenceOptions struct {
	WaitForModel bool `json:"wait_for_model"`
}

type inferenceRequest struct {
	Inputs     string              `json:"inputs"`
	Parameters inferenceParameters `json:"parameters"`
	Options    inferenceOptions    `json:"options"`
}

// NewHuggingFaceClient creates a client. An API token is required.
func NewHuggingFaceClient(cfg provider.Config) (*HuggingFaceClientImpl, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Hugging Face API token is required")
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

	return &HuggingFaceClientImpl{
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

func (c *HuggingFaceClientImpl) Name() string { return c.name }

func (c *HuggingFaceClientImpl) modelURL() string {
	return c.baseURL + "/models/" + c.model
}

func (c *HuggingFaceClientImpl) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// Probe checks that the model endpoint answers for this token.
func (c *HuggingFaceClientImpl) Probe(ctx context.Context, timeout time.Duration) bool {
	return provider.ProbeHTTP(ctx, c.httpClient, c.modelURL(), c.headers(), timeout)
}

// Invoke runs text generation on the configured model.
func (c *HuggingFaceClientImpl) Invoke(ctx context.Context, ac models.AnalysisContext, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request := inferenceRequest{
		Inputs: provider.TruncateRunes(reasoningctx.Prompt(ac), MaxPromptChars),
		Parameters: inferenceParameters{
			MaxNewTokens:   c.maxTokens,
			Temperature:    0.3,
			ReturnFullText: false,
		},
		Options: inferenceOptions{WaitForModel: false},
	}

	body, err := provider.PostJSON(ctx, c.httpClient, c.name, c.modelURL(), c.headers(), request)
	if err != nil {
		return "", err
	}

	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", provider.Errorf(c.name, provider.KindInvalidResponse, "parse Hugging Face response: %w", err)
	}
	text, err := ExtractText(decoded)
	if err != nil {
		return "", provider.NewError(c.name, provider.KindInvalidResponse, err)
	}
	return provider.Narrative(c.name, text)
}

// SetBaseURL sets a custom base URL (useful for testing).
func (c *HuggingFaceClientImpl) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

var textKeys = []string{"generated_text", "text", "output", "response"}

var metaKeys = map[string]bool{"error": true, "warnings": true, "status": true, "estimated_time": true}

// ExtractText pulls the generated text out of any of the response shapes
// the Inference API produces.
func ExtractText(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []interface{}:
		if len(t) == 0 {
			return "", fmt.Errorf("empty response list")
		}
		return ExtractText(t[0])
	case map[string]interface{}:
		if msg, ok := t["error"]; ok {
			return "", fmt.Errorf("inference error: %v", msg)
		}
		for _, k := range textKeys {
			if s, ok := t[k].(string); ok {
				return s, nil
			}
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if metaKeys[k] {
				continue
			}
			if s, ok := t[k].(string); ok {
				return s, nil
			}
		}
		return "", fmt.Errorf("no text field in response")
	default:
		return "", fmt.Errorf("unexpected response type %T", v)
	}
}
