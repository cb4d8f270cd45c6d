package orchestrator

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/registry"
	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// Package orchestrator drives the probe -> invoke -> fallback sequence.
//
// For each provider in registry order, while the overall deadline holds:
//   1. Probe with the short probe timeout. Down or slow: advance.
//   2. Invoke with the provider's own timeout.
//   3. A usable narrative ends the run. Any provider error: log, advance.
//
// Each provider is tried at most once per run. Both timeouts are clipped to
// what remains of the overall deadline. When providers are exhausted or the
// deadline passes, the rule-based generator produces the narrative, so Run
// always returns a result.
//
// Probe and invoke run in their own goroutine and report through a buffered
// channel; if the deadline fires first the call is abandoned and whatever it
// returns later is dropped.

const (
	DefaultOverallDeadline   = 90 * time.Second
	DefaultProbeTimeout      = 5 * time.Second
	DefaultMinNarrativeChars = 50
)

// Generator produces the terminal narrative. It must not fail.
type Generator interface {
	Name() string
	Generate(ac models.AnalysisContext) string
}

// Options tunes an Orchestrator. Zero values take the defaults.
type Options struct {
	OverallDeadline   time.Duration
	ProbeTimeout      time.Duration
	MinNarrativeChars int
	Logger            *zap.Logger
}

// Attempt records what happened with one provider during a run.
type Attempt struct {
	Provider  string             `json:"provider"`
	Available bool               `json:"available"`
	Invoked   bool               `json:"invoked"`
	Succeeded bool               `json:"succeeded"`
	Reason    provider.ErrorKind `json:"reason,omitempty"`
	Error     string             `json:"error,omitempty"`
	Elapsed   time.Duration      `json:"-"`
	ElapsedMS int64              `json:"elapsed_ms"`
}

// Outcome is the result of a run.
type Outcome struct {
	Narrative string
	Provider  string
	Attempts  []Attempt

	// DeadlineExceeded is set when the overall deadline cut the run short.
	DeadlineExceeded bool
}

// RuleBased reports whether the narrative came from the fallback generator.
func (o Outcome) RuleBased() bool { return o.Provider == models.ProducerRuleBased }

// Orchestrator runs the fallback chain over a registry.
type Orchestrator struct {
	registry *registry.Registry
	fallback Generator
	opts     Options
	log      *zap.Logger
}

// New creates an Orchestrator.
func New(reg *registry.Registry, fallback Generator, opts Options) (*Orchestrator, error) {
	if reg == nil {
		return nil, fmt.Errorf("orchestrator: registry is required")
	}
	if fallback == nil {
		return nil, fmt.Errorf("orchestrator: fallback generator is required")
	}
	if opts.OverallDeadline <= 0 {
		opts.OverallDeadline = DefaultOverallDeadline
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.MinNarrativeChars < 0 {
		opts.MinNarrativeChars = 0
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{registry: reg, fallback: fallback, opts: opts, log: log}, nil
}

// Registry returns the provider registry the orchestrator walks.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Run produces a narrative for ac. It never fails.
func (o *Orchestrator) Run(ctx context.Context, ac models.AnalysisContext) Outcome {
	runCtx, cancel := context.WithTimeout(ctx, o.opts.OverallDeadline)
	defer cancel()

	var out Outcome
	for _, d := range o.registry.Providers() {
		if runCtx.Err() != nil {
			break
		}

		start := time.Now()
		att, narrative := o.attempt(runCtx, d, ac)
		att.Elapsed = time.Since(start)
		att.ElapsedMS = att.Elapsed.Milliseconds()
		out.Attempts = append(out.Attempts, att)
		if att.Succeeded {
			o.log.Info("provider produced narrative",
				zap.String("provider", d.Name),
				zap.Duration("elapsed", att.Elapsed),
				zap.String("fingerprint", ac.Fingerprint))
			out.Narrative = narrative
			out.Provider = d.Name
			return out
		}

		o.log.Warn("provider failed, advancing",
			zap.String("provider", d.Name),
			zap.String("reason", string(att.Reason)),
			zap.Duration("elapsed", att.Elapsed),
			zap.String("error", att.Error),
			zap.String("fingerprint", ac.Fingerprint))
	}

	out.DeadlineExceeded = runCtx.Err() == context.DeadlineExceeded
	out.Narrative = o.fallback.Generate(ac)
	out.Provider = o.fallback.Name()

	o.log.Warn("using rule-based narrative",
		zap.Int("providers_tried", len(out.Attempts)),
		zap.Bool("deadline_exceeded", out.DeadlineExceeded),
		zap.String("fingerprint", ac.Fingerprint))
	return out
}

// Probe checks every registered provider with the probe timeout and reports
// availability by name, in registry order.
func (o *Orchestrator) Probe(ctx context.Context) []Attempt {
	var out []Attempt
	for _, d := range o.registry.Providers() {
		start := time.Now()
		ok := o.probe(ctx, d, o.opts.ProbeTimeout)
		att := Attempt{Provider: d.Name, Available: ok}
		if !ok {
			att.Reason = provider.KindUnavailable
		}
		att.Elapsed = time.Since(start)
		att.ElapsedMS = att.Elapsed.Milliseconds()
		out = append(out, att)
	}
	return out
}

func (o *Orchestrator) attempt(ctx context.Context, d registry.Descriptor, ac models.AnalysisContext) (Attempt, string) {
	att := Attempt{Provider: d.Name}

	if !o.probe(ctx, d, clip(ctx, o.opts.ProbeTimeout)) {
		att.Reason = provider.KindUnavailable
		att.Error = "probe failed"
		if ctx.Err() != nil {
			att.Reason = provider.KindTimeout
			att.Error = "overall deadline reached while probing"
		}
		return att, ""
	}
	att.Available = true

	att.Invoked = true
	start := time.Now()
	narrative, err := o.invoke(ctx, d, ac, clip(ctx, d.Timeout))
	metrics.ProviderRequestDuration.WithLabelValues(d.Name).Observe(time.Since(start).Seconds())
	if err == nil {
		narrative, err = o.validate(d.Name, narrative)
	}
	if err != nil {
		kind := provider.KindOf(err)
		metrics.ProviderRequestsTotal.WithLabelValues(d.Name, string(kind)).Inc()
		att.Reason = kind
		att.Error = err.Error()
		return att, ""
	}

	metrics.ProviderRequestsTotal.WithLabelValues(d.Name, "success").Inc()
	att.Succeeded = true
	return att, narrative
}

func (o *Orchestrator) probe(ctx context.Context, d registry.Descriptor, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("provider probe panicked", zap.String("provider", d.Name), zap.Any("panic", r))
				done <- false
			}
		}()
		done <- d.Provider.Probe(pctx, timeout)
	}()

	var ok bool
	select {
	case ok = <-done:
	case <-pctx.Done():
		ok = false
	}

	result := "down"
	if ok {
		result = "up"
	}
	metrics.ProviderProbesTotal.WithLabelValues(d.Name, result).Inc()
	return ok
}

type invokeResult struct {
	text string
	err  error
}

func (o *Orchestrator) invoke(ctx context.Context, d registry.Descriptor, ac models.AnalysisContext, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return "", provider.Errorf(d.Name, provider.KindTimeout, "no time left before overall deadline")
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: provider.Errorf(d.Name, provider.KindInvalidResponse, "provider panicked: %v", r)}
			}
		}()
		text, err := d.Provider.Invoke(ictx, ac, timeout)
		done <- invokeResult{text: text, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ictx.Err() == context.DeadlineExceeded {
			return "", provider.NewError(d.Name, provider.KindTimeout, res.err)
		}
		return res.text, res.err
	case <-ictx.Done():
		return "", provider.NewError(d.Name, provider.KindTimeout, ictx.Err())
	}
}

// validate cleans a narrative and enforces the minimum size.
func (o *Orchestrator) validate(name, text string) (string, error) {
	cleaned, err := provider.Narrative(name, text)
	if err != nil {
		return "", err
	}
	if n := utf8.RuneCountInString(cleaned); n < o.opts.MinNarrativeChars {
		return "", provider.Errorf(name, provider.KindInvalidResponse,
			"narrative too short: %d chars, want at least %d", n, o.opts.MinNarrativeChars)
	}
	return cleaned, nil
}

// clip bounds d by the time left on ctx.
func clip(ctx context.Context, d time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return d
	}
	if remaining := time.Until(deadline); remaining < d {
		return remaining
	}
	return d
}
