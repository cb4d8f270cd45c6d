package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/classifier"
	"github.com/kubilitics/kubilitics-anomaly/internal/cache"
	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/events"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/orchestrator"
	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
	reasoningctx "github.com/kubilitics/kubilitics-anomaly/internal/reasoning/context"
)

// Package analysis is the entry point of the pipeline:
//
//	store -> classifier -> context builder -> cache -> orchestrator -> cache
//
// Analyze fails only with models.ErrDataUnavailable (or a bad request). Every
// inference failure degrades to the rule-based narrative inside the
// orchestrator, so a classification is always returned when data exists.
//
// Concurrent misses on the same fingerprint share one orchestrator run.

// DefaultQueryTimeout bounds the metric store fetch.
const DefaultQueryTimeout = 30 * time.Second

// ErrStoreUnavailable marks a DataUnavailable caused by a store failure
// rather than by an empty result.
var ErrStoreUnavailable = errors.New("metric store unavailable")

// ErrInvalidRequest is returned for requests that can never succeed.
var ErrInvalidRequest = errors.New("invalid analysis request")

// Options wires a Service.
type Options struct {
	Store        db.MetricStore
	History      db.AnalysisStore
	Classifier   *classifier.Classifier
	Builder      reasoningctx.ContextBuilder
	Cache        *cache.ResponseCache
	Orchestrator *orchestrator.Orchestrator
	Publisher    events.Publisher
	Logger       *zap.Logger
	QueryTimeout time.Duration
	Now          func() time.Time
}

// Report is the detailed outcome of one analysis.
type Report struct {
	Result          *models.AnalysisResult        `json:"result"`
	Classifications []models.ClassificationResult `json:"classifications"`
	Summary         string                        `json:"summary"`
	Attempts        []orchestrator.Attempt        `json:"attempts,omitempty"`
	CacheHit        bool                          `json:"cache_hit"`
	Outliers        int                           `json:"outliers"`

	Context models.AnalysisContext `json:"-"`
}

// Service composes the analysis pipeline.
type Service struct {
	store        db.MetricStore
	history      db.AnalysisStore
	classifier   *classifier.Classifier
	builder      reasoningctx.ContextBuilder
	cache        *cache.ResponseCache
	orchestrator *orchestrator.Orchestrator
	publisher    events.Publisher
	log          *zap.Logger
	queryTimeout time.Duration
	now          func() time.Time

	group singleflight.Group
}

// NewService validates the options and builds a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("analysis: metric store is required")
	}
	if opts.Classifier == nil {
		return nil, fmt.Errorf("analysis: classifier is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("analysis: response cache is required")
	}
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("analysis: orchestrator is required")
	}
	if opts.Builder == nil {
		opts.Builder = reasoningctx.NewContextBuilder(reasoningctx.DefaultMaxSummaryChars)
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		store:        opts.Store,
		history:      opts.History,
		classifier:   opts.Classifier,
		builder:      opts.Builder,
		cache:        opts.Cache,
		orchestrator: opts.Orchestrator,
		publisher:    opts.Publisher,
		log:          opts.Logger,
		queryTimeout: opts.QueryTimeout,
		now:          opts.Now,
	}, nil
}

// Analyze returns the analysis for serverID over window.
func (s *Service) Analyze(ctx context.Context, serverID string, window models.Window) (*models.AnalysisResult, error) {
	report, err := s.AnalyzeDetailed(ctx, serverID, window)
	if err != nil {
		return nil, err
	}
	return report.Result, nil
}

type flightResult struct {
	result   models.AnalysisResult
	attempts []orchestrator.Attempt
	cacheHit bool
}

// AnalyzeDetailed is Analyze plus the classifications and provider attempts
// behind the result.
func (s *Service) AnalyzeDetailed(ctx context.Context, serverID string, window models.Window) (*Report, error) {
	start := time.Now()
	if serverID == "" {
		return nil, fmt.Errorf("%w: server id is required", ErrInvalidRequest)
	}
	if err := window.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	series, err := s.fetch(ctx, serverID, window)
	if err != nil {
		s.observe("data_unavailable", start)
		s.log.Info("no data for analysis", zap.String("server_id", serverID), zap.Stringer("window", window), zap.Error(err))
		return nil, err
	}

	results := s.classifier.ClassifyAll(series)
	outliers := countOutliers(results)
	ac := s.builder.Build(serverID, window, results)

	report := &Report{
		Classifications: results,
		Summary:         ac.Summary,
		Outliers:        outliers,
		Context:         ac,
	}

	if cached, ok := s.cache.Get(ctx, ac.Fingerprint); ok {
		s.log.Debug("analysis cache hit", zap.String("server_id", serverID), zap.String("fingerprint", ac.Fingerprint))
		report.Result = cached
		report.CacheHit = true
		s.observe("cache_hit", start)
		return report, nil
	}

	// The run continues for other waiters even if this caller goes away;
	// the orchestrator deadline still bounds it.
	flightCtx := context.WithoutCancel(ctx)
	v, _, _ := s.group.Do(ac.Fingerprint, func() (interface{}, error) {
		if cached, ok := s.cache.Get(flightCtx, ac.Fingerprint); ok {
			return flightResult{result: *cached, cacheHit: true}, nil
		}
		return s.produce(flightCtx, ac, outliers), nil
	})
	fr := v.(flightResult)

	res := fr.result
	report.Result = &res
	report.Attempts = fr.attempts
	report.CacheHit = fr.cacheHit

	switch {
	case fr.cacheHit:
		s.observe("cache_hit", start)
	case res.Provider == models.ProducerRuleBased:
		s.observe("rule_based", start)
	default:
		s.observe("provider", start)
	}
	return report, nil
}

// produce runs the orchestrator for a cache miss and records the result.
func (s *Service) produce(ctx context.Context, ac models.AnalysisContext, outliers int) flightResult {
	outcome := s.orchestrator.Run(ctx, ac)
	result := models.AnalysisResult{
		Fingerprint: ac.Fingerprint,
		Narrative:   outcome.Narrative,
		Provider:    outcome.Provider,
		GeneratedAt: s.now().UTC(),
	}
	s.cache.Put(ctx, ac.Fingerprint, result)

	s.log.Info("analysis produced",
		zap.String("server_id", ac.ServerID),
		zap.String("provider", result.Provider),
		zap.Int("attempts", len(outcome.Attempts)),
		zap.Int("outliers", outliers),
		zap.String("fingerprint", ac.Fingerprint))

	s.record(ctx, ac, result, outliers)
	if outliers > 0 {
		s.publish(ctx, ac, result, outliers)
	}
	return flightResult{result: result, attempts: outcome.Attempts}
}

func (s *Service) fetch(ctx context.Context, serverID string, window models.Window) ([]models.MetricSeries, error) {
	qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	series, err := s.store.QueryMetrics(qctx, serverID, window)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %w", models.ErrDataUnavailable, ErrStoreUnavailable, err)
	}
	nonEmpty := series[:0:0]
	for _, ms := range series {
		if ms.Len() > 0 {
			nonEmpty = append(nonEmpty, ms)
		}
	}
	if len(nonEmpty) == 0 {
		return nil, fmt.Errorf("%w: no metrics for server %s in %s", models.ErrDataUnavailable, serverID, window)
	}
	return nonEmpty, nil
}

// record appends the analysis to the history store. Failures are logged.
func (s *Service) record(ctx context.Context, ac models.AnalysisContext, result models.AnalysisResult, outliers int) {
	if s.history == nil {
		return
	}
	rec := &db.AnalysisRecord{
		Fingerprint: result.Fingerprint,
		ServerID:    ac.ServerID,
		WindowStart: ac.Window.Start,
		WindowEnd:   ac.Window.End,
		Provider:    result.Provider,
		Narrative:   result.Narrative,
		Outliers:    outliers,
		GeneratedAt: result.GeneratedAt,
	}
	if err := s.history.AppendAnalysis(ctx, rec); err != nil {
		s.log.Warn("failed to record analysis history", zap.String("server_id", ac.ServerID), zap.Error(err))
	}
}

// publish emits an AnalysisEvent. Failures are logged, never returned.
func (s *Service) publish(ctx context.Context, ac models.AnalysisContext, result models.AnalysisResult, outliers int) {
	evt := events.AnalysisEvent{
		ID:          uuid.New().String(),
		ServerID:    ac.ServerID,
		Fingerprint: result.Fingerprint,
		WindowStart: ac.Window.Start.UTC(),
		WindowEnd:   ac.Window.End.UTC(),
		Provider:    result.Provider,
		Outliers:    outliers,
		Narrative:   result.Narrative,
		GeneratedAt: result.GeneratedAt,
	}
	for _, r := range ac.Results {
		if !r.Aggregate {
			continue
		}
		switch r.Band {
		case models.BandHigh:
			evt.HighBands = append(evt.HighBands, r.MetricName)
		case models.BandLow:
			evt.LowBands = append(evt.LowBands, r.MetricName)
		}
	}

	if err := s.publisher.Publish(ctx, evt); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		s.log.Warn("failed to publish analysis event", zap.String("server_id", ac.ServerID), zap.Error(err))
		return
	}
	metrics.EventsPublished.WithLabelValues("success").Inc()
}

// Ingest stores metric rows. The batch is rejected as a whole, wrapping
// models.ErrInvalidSample, when any row is invalid.
func (s *Service) Ingest(ctx context.Context, rows []db.Row) (int, error) {
	n, err := s.store.InsertSamples(ctx, rows)
	if err != nil {
		if errors.Is(err, models.ErrInvalidSample) {
			metrics.SamplesIngested.WithLabelValues("rejected").Add(float64(len(rows)))
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	metrics.SamplesIngested.WithLabelValues("accepted").Add(float64(n))
	s.log.Info("metric samples ingested", zap.Int("rows", n))
	return n, nil
}

// Servers lists the servers with stored metrics.
func (s *Service) Servers(ctx context.Context) ([]string, error) {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %w", models.ErrDataUnavailable, ErrStoreUnavailable, err)
	}
	return servers, nil
}

// History returns the newest recorded analyses for serverID.
func (s *Service) History(ctx context.Context, serverID string, limit int) ([]*db.AnalysisRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	recs, err := s.history.ListAnalyses(ctx, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %w", models.ErrDataUnavailable, ErrStoreUnavailable, err)
	}
	return recs, nil
}

// Orchestrator exposes the orchestrator, e.g. for availability probes.
func (s *Service) Orchestrator() *orchestrator.Orchestrator { return s.orchestrator }

// Cache exposes the response cache.
func (s *Service) Cache() *cache.ResponseCache { return s.cache }

func (s *Service) observe(outcome string, start time.Time) {
	metrics.AnalysesTotal.WithLabelValues(outcome).Inc()
	metrics.AnalysisDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func countOutliers(results []models.ClassificationResult) int {
	n := 0
	for _, r := range results {
		if r.IsOutlier {
			n++
			metrics.OutliersDetected.WithLabelValues(string(r.Kind)).Inc()
		}
	}
	return n
}
