package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

func TestNewOpenAIClient(t *testing.T) {
	tests := []struct {
		name      string
		cfg       provider.Config
		wantError bool
	}{
		{name: "Valid configuration", cfg: provider.Config{APIKey: "sk-test123", Model: "gpt-4o"}},
		{name: "Empty API key", cfg: provider.Config{Model: "gpt-4o"}, wantError: true},
		{name: "Compatible endpoint without key", cfg: provider.Config{BaseURL: "http://vllm:8000/v1"}},
		{name: "Default model", cfg: provider.Config{APIKey: "sk-test123"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewOpenAIClient(tt.cfg)

			if tt.wantError && err == nil {
				t.Errorf("NewOpenAIClient() expected error but got none")
			}
			if !tt.wantError && err != nil {
				t.Errorf("NewOpenAIClient() unexpected error: %v", err)
			}
			if !tt.wantError && tt.cfg.Model == "" && client.model != DefaultModel {
				t.Errorf("Expected default model %s, got %s", DefaultModel, client.model)
			}
		})
	}
}

func TestInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test123" {
			t.Errorf("missing bearer token")
		}
		var req openAIChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system + user messages, got %+v", req.Messages)
		}
		w.Write([]byte(`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"Disk is nearly full."},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	client, _ := NewOpenAIClient(provider.Config{APIKey: "sk-test123"})
	client.SetBaseURL(srv.URL)

	got, err := client.Invoke(context.Background(), models.AnalysisContext{Summary: "s"}, time.Second)
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if got != "Disk is nearly full." {
		t.Errorf("unexpected narrative %q", got)
	}
}

func TestInvokeNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"c1","choices":[]}`))
	}))
	defer srv.Close()

	client, _ := NewOpenAIClient(provider.Config{BaseURL: srv.URL})
	_, err := client.Invoke(context.Background(), models.AnalysisContext{}, time.Second)
	if !errors.Is(err, provider.ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestInvokeRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Rate limit reached"}}`))
	}))
	defer srv.Close()

	client, _ := NewOpenAIClient(provider.Config{BaseURL: srv.URL})
	_, err := client.Invoke(context.Background(), models.AnalysisContext{}, time.Second)
	if !errors.Is(err, provider.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

func TestProbeWithoutKeyOmitsHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected Authorization header")
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client, _ := NewOpenAIClient(provider.Config{BaseURL: srv.URL})
	if !client.Probe(context.Background(), time.Second) {
		t.Errorf("expected probe to succeed")
	}
}
