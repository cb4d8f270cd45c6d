package anthropic

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

func TestNewAnthropicClientRequiresKey(t *testing.T) {
	if _, err := NewAnthropicClient(provider.Config{}); err == nil {
		t.Errorf("expected error for missing API key")
	}
	client, err := NewAnthropicClient(provider.Config{APIKey: "sk-ant"})
	if err != nil {
		t.Fatalf("NewAnthropicClient() error: %v", err)
	}
	if client.model != DefaultModel {
		t.Errorf("Expected default model %s, got %s", DefaultModel, client.model)
	}
}

func TestInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant" || r.Header.Get("anthropic-version") != DefaultAPIVersion {
			t.Errorf("missing auth headers")
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.System == "" || len(req.Messages) != 1 {
			t.Errorf("unexpected request %+v", req)
		}
		w.Write([]byte(`{"id":"m1","type":"message","content":[{"type":"text","text":"ANALYSIS: stable."},{"type":"text","text":"PRIORITIES: none."}],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	client, _ := NewAnthropicClient(provider.Config{APIKey: "sk-ant", BaseURL: srv.URL})
	got, err := client.Invoke(context.Background(), models.AnalysisContext{Summary: "s"}, time.Second)
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if got != "ANALYSIS: stable.\nPRIORITIES: none." {
		t.Errorf("unexpected narrative %q", got)
	}
}

func TestInvokeOverloaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error"}}`))
	}))
	defer srv.Close()

	client, _ := NewAnthropicClient(provider.Config{APIKey: "sk-ant", BaseURL: srv.URL})
	_, err := client.Invoke(context.Background(), models.AnalysisContext{}, time.Second)
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestInvokeNoTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"m1","content":[]}`))
	}))
	defer srv.Close()

	client, _ := NewAnthropicClient(provider.Config{APIKey: "sk-ant", BaseURL: srv.URL})
	_, err := client.Invoke(context.Background(), models.AnalysisContext{}, time.Second)
	if !errors.Is(err, provider.ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}
