package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider/huggingface"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider/llamacpp"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

type stubProvider struct{ name string }

func (s stubProvider) Name() string { return s.name }

func (s stubProvider) Probe(ctx context.Context, timeout time.Duration) bool { return true }

func (s stubProvider) Invoke(ctx context.Context, ac models.AnalysisContext, timeout time.Duration) (string, error) {
	return "ok", nil
}

func desc(name string, priority int) Descriptor {
	return Descriptor{Name: name, Priority: priority, Timeout: time.Second, Provider: stubProvider{name: name}}
}

func names(r *Registry) []string {
	var out []string
	for _, d := range r.Providers() {
		out = append(out, d.Name)
	}
	return out
}

func TestNewOrdersByPriority(t *testing.T) {
	reg, err := New(desc("remote", 10), desc("local", 0), desc("backup", 20))
	require.NoError(t, err)
	assert.Equal(t, []string{"local", "remote", "backup"}, names(reg))
	assert.Equal(t, 3, reg.Len())
}

func TestNewKeepsRegistrationOrderOnTies(t *testing.T) {
	reg, err := New(desc("b", 5), desc("a", 5), desc("c", 5), desc("first", 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "b", "a", "c"}, names(reg))
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name  string
		descs []Descriptor
	}{
		{"nil provider", []Descriptor{{Name: "x", Timeout: time.Second}}},
		{"duplicate name", []Descriptor{desc("x", 0), desc("x", 1)}},
		{"negative priority", []Descriptor{desc("x", -1)}},
		{"zero timeout", []Descriptor{{Name: "x", Provider: stubProvider{name: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.descs...)
			assert.Error(t, err)
		})
	}
}

func TestNameDefaultsToProviderName(t *testing.T) {
	reg, err := New(Descriptor{Timeout: time.Second, Provider: stubProvider{name: "ollama"}})
	require.NoError(t, err)
	d, ok := reg.Lookup("ollama")
	require.True(t, ok)
	assert.Equal(t, "ollama", d.Name)
}

func TestProvidersReturnsCopy(t *testing.T) {
	reg, err := New(desc("a", 0), desc("b", 1))
	require.NoError(t, err)

	list := reg.Providers()
	list[0].Name = "mutated"
	assert.Equal(t, []string{"a", "b"}, names(reg))

	_, ok := reg.Lookup("missing")
	assert.False(t, ok)
}

func TestEmptyRegistry(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.Providers())
}

func TestFromConfig(t *testing.T) {
	cfgs := []config.ProviderConfig{
		{Name: "hf", Kind: config.ProviderHuggingFace, Enabled: true, Priority: 10, TimeoutSeconds: 30, APIKey: "hf-key"},
		{Name: "local", Kind: config.ProviderLlamaCpp, Enabled: true, Priority: 0, TimeoutSeconds: 60},
		{Name: "off", Kind: config.ProviderOllama, Enabled: false, Priority: 5, TimeoutSeconds: 60},
		// No key: skipped, not fatal.
		{Name: "claude", Kind: config.ProviderAnthropic, Enabled: true, Priority: 1, TimeoutSeconds: 60},
	}

	reg, err := FromConfig(cfgs, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"local", "hf"}, names(reg))

	local, ok := reg.Lookup("local")
	require.True(t, ok)
	assert.Equal(t, 60*time.Second, local.Timeout)
	assert.IsType(t, &llamacpp.LlamaCppClientImpl{}, local.Provider)

	hf, ok := reg.Lookup("hf")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, hf.Timeout)
	assert.IsType(t, &huggingface.HuggingFaceClientImpl{}, hf.Provider)
}

func TestBuildUnknownKind(t *testing.T) {
	_, err := Build(config.ProviderConfig{Name: "x", Kind: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestFromConfigDuplicateNames(t *testing.T) {
	cfgs := []config.ProviderConfig{
		{Name: "dup", Kind: config.ProviderLlamaCpp, Enabled: true, TimeoutSeconds: 10},
		{Name: "dup", Kind: config.ProviderOllama, Enabled: true, TimeoutSeconds: 10},
	}
	_, err := FromConfig(cfgs, nil)
	assert.Error(t, err)
}
