package llamacpp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

func testContext() models.AnalysisContext {
	return models.AnalysisContext{ServerID: "vm-01", Summary: "server vm-01\n- cpu.usage.average window-mean=85.00 band=High"}
}

func TestNewLlamaCppClientDefaults(t *testing.T) {
	client, err := NewLlamaCppClient(provider.Config{})
	if err != nil {
		t.Fatalf("NewLlamaCppClient() error: %v", err)
	}
	if client.Name() != DefaultName {
		t.Errorf("expected name %s, got %s", DefaultName, client.Name())
	}
	if client.baseURL != DefaultBaseURL {
		t.Errorf("expected base URL %s, got %s", DefaultBaseURL, client.baseURL)
	}
	if client.maxTokens != DefaultMaxTokens {
		t.Errorf("expected max tokens %d, got %d", DefaultMaxTokens, client.maxTokens)
	}
}

func TestInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completion" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !strings.Contains(req.Prompt, "band=High") {
			t.Errorf("prompt does not carry the summary: %q", req.Prompt)
		}
		if req.NPredict != 256 {
			t.Errorf("expected n_predict 256, got %d", req.NPredict)
		}
		json.NewEncoder(w).Encode(completionResponse{Content: "  ANALYSIS: CPU is saturated.  \n\nRECOMMENDATIONS: add cores.", Stop: true})
	}))
	defer srv.Close()

	client, _ := NewLlamaCppClient(provider.Config{BaseURL: srv.URL + "/", MaxTokens: 256})
	got, err := client.Invoke(context.Background(), testContext(), time.Second)
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if got != "ANALYSIS: CPU is saturated.\nRECOMMENDATIONS: add cores." {
		t.Errorf("unexpected narrative %q", got)
	}
}

func TestInvokeEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":"   "}`))
	}))
	defer srv.Close()

	client, _ := NewLlamaCppClient(provider.Config{BaseURL: srv.URL})
	_, err := client.Invoke(context.Background(), testContext(), time.Second)
	if !errors.Is(err, provider.ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestInvokeMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	client, _ := NewLlamaCppClient(provider.Config{BaseURL: srv.URL})
	_, err := client.Invoke(context.Background(), testContext(), time.Second)
	if !errors.Is(err, provider.ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestProbe(t *testing.T) {
	var loading atomic.Bool
	loading.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if loading.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	client, _ := NewLlamaCppClient(provider.Config{})
	client.SetBaseURL(srv.URL)

	if client.Probe(context.Background(), time.Second) {
		t.Errorf("expected probe to fail while the model is loading")
	}
	loading.Store(false)
	if !client.Probe(context.Background(), time.Second) {
		t.Errorf("expected probe to succeed")
	}
}
