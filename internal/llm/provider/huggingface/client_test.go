package huggingface

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

func TestNewHuggingFaceClient(t *testing.T) {
	tests := []struct {
		name      string
		apiKey    string
		model     string
		wantError bool
	}{
		{name: "Valid configuration", apiKey: "hf_test", model: "distilgpt2"},
		{name: "Empty API key", apiKey: "", model: "distilgpt2", wantError: true},
		{name: "Default model", apiKey: "hf_test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewHuggingFaceClient(provider.Config{APIKey: tt.apiKey, Model: tt.model})
			if tt.wantError {
				if err == nil {
					t.Errorf("NewHuggingFaceClient() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewHuggingFaceClient() unexpected error: %v", err)
			}
			if tt.model == "" && client.model != DefaultModel {
				t.Errorf("Expected default model %s, got %s", DefaultModel, client.model)
			}
		})
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "list of generations", body: `[{"generated_text":"cpu is high"}]`, want: "cpu is high"},
		{name: "bare string", body: `"plain"`, want: "plain"},
		{name: "text key", body: `{"text":"from text"}`, want: "from text"},
		{name: "first non meta key", body: `{"status":"ok","answer":"fallback"}`, want: "fallback"},
		{name: "error object", body: `{"error":"Model is loading","estimated_time":20}`, wantErr: true},
		{name: "empty list", body: `[]`, wantErr: true},
		{name: "number", body: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v interface{}
			if err := json.Unmarshal([]byte(tt.body), &v); err != nil {
				t.Fatalf("bad fixture: %v", err)
			}
			got, err := ExtractText(v)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ExtractText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/distilgpt2" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer hf_test" {
			t.Errorf("missing bearer token")
		}
		var req inferenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n := utf8.RuneCountInString(req.Inputs); n > MaxPromptChars {
			t.Errorf("inputs exceed %d chars: %d", MaxPromptChars, n)
		}
		if req.Parameters.ReturnFullText {
			t.Errorf("expected return_full_text=false")
		}
		w.Write([]byte(`[{"generated_text":"CPU saturation on vm-01; scale up."}]`))
	}))
	defer srv.Close()

	client, _ := NewHuggingFaceClient(provider.Config{APIKey: "hf_test", Model: "distilgpt2", BaseURL: srv.URL})
	ac := models.AnalysisContext{Summary: strings.Repeat("- cpu.usage.average band=High\n", 100)}
	got, err := client.Invoke(context.Background(), ac, time.Second)
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if got != "CPU saturation on vm-01; scale up." {
		t.Errorf("unexpected narrative %q", got)
	}
}

func TestInvokeModelLoading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"Model distilgpt2 is currently loading","estimated_time":20.0}`))
	}))
	defer srv.Close()

	client, _ := NewHuggingFaceClient(provider.Config{APIKey: "hf_test", BaseURL: srv.URL})
	_, err := client.Invoke(context.Background(), models.AnalysisContext{}, time.Second)
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestInvokeRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, _ := NewHuggingFaceClient(provider.Config{APIKey: "hf_test", BaseURL: srv.URL})
	_, err := client.Invoke(context.Background(), models.AnalysisContext{}, time.Second)
	if !errors.Is(err, provider.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

func TestInvokeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client, _ := NewHuggingFaceClient(provider.Config{APIKey: "hf_test", BaseURL: srv.URL})
	_, err := client.Invoke(context.Background(), models.AnalysisContext{}, 50*time.Millisecond)
	if !errors.Is(err, provider.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestProbeSendsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer hf_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client, _ := NewHuggingFaceClient(provider.Config{APIKey: "hf_test"})
	client.SetBaseURL(srv.URL)
	if !client.Probe(context.Background(), time.Second) {
		t.Errorf("expected probe to succeed with token")
	}
}
