package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/analysis"
	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/classifier"
	"github.com/kubilitics/kubilitics-anomaly/internal/cache"
	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/events"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/orchestrator"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/registry"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/rulebased"
	"github.com/kubilitics/kubilitics-anomaly/internal/logger"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
	reasoningctx "github.com/kubilitics/kubilitics-anomaly/internal/reasoning/context"
)

// Server represents the anomalyd server
type Server struct {
	config *config.Config
	log    *logger.Logger

	// Core components
	store        db.Store
	redis        *cache.RedisStore
	cache        *cache.ResponseCache
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
	publisher    events.Publisher
	service      *analysis.Service

	// HTTP server
	authorizer Authorizer
	limiter    *clientLimiter
	router     *mux.Router
	httpServer *http.Server

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a new anomalyd server and wires every component. A nil
// logger falls back to one built from cfg.Logging.
func NewServer(cfg *config.Config, log *logger.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if log == nil {
		l, err := logger.New(LoggerConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		log = l
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config:  cfg,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		running: false,
	}

	// Initialize components
	if err := srv.initializeComponents(); err != nil {
		srv.release()
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	srv.router = srv.buildRouter()
	return srv, nil
}

// initializeComponents initializes all server components
func (s *Server) initializeComponents() error {
	zl := s.log.Logger

	// 1. Metric store
	store, err := db.Open(s.config.Database.Driver, s.config.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open metric store: %w", err)
	}
	s.store = store

	// 2. Classifier
	cls, err := classifier.New(thresholdsFromConfig(s.config), s.config.Outlier.K)
	if err != nil {
		return fmt.Errorf("failed to initialize classifier: %w", err)
	}

	// 3. Response cache, with the optional Redis tier
	var remote cache.RemoteStore
	if s.config.Cache.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		rs, err := cache.NewRedisStore(pingCtx, s.config.Cache.RedisAddr, s.config.Cache.RedisPassword, s.config.Cache.RedisDB)
		cancel()
		if err != nil {
			zl.Warn("Redis cache tier unavailable, continuing with memory only",
				zap.String("addr", s.config.Cache.RedisAddr), zap.Error(err))
		} else {
			s.redis = rs
			remote = rs
		}
	}
	rc, err := cache.New(cache.Options{
		TTL:        time.Duration(s.config.Cache.TTLSeconds) * time.Second,
		MaxEntries: s.config.Cache.MaxEntries,
		Remote:     remote,
		Logger:     zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize response cache: %w", err)
	}
	s.cache = rc

	// 4. Provider registry and orchestrator
	reg, err := registry.FromConfig(s.config.Providers, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize provider registry: %w", err)
	}
	s.registry = reg

	orch, err := orchestrator.New(reg, rulebased.New(), orchestrator.Options{
		OverallDeadline:   time.Duration(s.config.Orchestrator.OverallDeadlineSeconds) * time.Second,
		ProbeTimeout:      time.Duration(s.config.Orchestrator.ProbeTimeoutSeconds) * time.Second,
		MinNarrativeChars: s.config.Orchestrator.MinNarrativeChars,
		Logger:            zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	s.orchestrator = orch

	// 5. Event publisher (if configured)
	s.publisher = events.Nop{}
	if s.config.Events.NATSURL != "" {
		pub, err := events.NewNATSPublisher(s.config.Events.NATSURL, s.config.Events.Subject)
		if err != nil {
			zl.Warn("NATS unavailable, analysis events disabled",
				zap.String("url", s.config.Events.NATSURL), zap.Error(err))
		} else {
			s.publisher = pub
		}
	}

	// 6. Analysis service
	svc, err := analysis.NewService(analysis.Options{
		Store:        store,
		History:      store,
		Classifier:   cls,
		Builder:      reasoningctx.NewContextBuilder(reasoningctx.DefaultMaxSummaryChars),
		Cache:        rc,
		Orchestrator: orch,
		Publisher:    s.publisher,
		Logger:       zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize analysis service: %w", err)
	}
	s.service = svc

	// 7. API gate
	s.authorizer = NewTokenAuthorizer(s.config.Auth.APITokens)
	s.limiter = newClientLimiter(s.config.Server.RateLimitPerMinute, s.config.Server.TrustProxyHeaders)

	return nil
}

// Start starts the server
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if s.limiter.enabled() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.limiter.run(s.ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("Starting HTTP server", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.log.Info("anomalyd started",
		zap.String("database", s.config.Database.Driver),
		zap.Int("providers", s.registry.Len()),
		zap.Bool("redis_cache", s.redis != nil),
		zap.Float64("outlier_k", s.config.Outlier.K),
	)
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("Stopping anomalyd...")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("Error shutting down HTTP server", zap.Error(err))
		}
	}

	s.cancel()
	s.wg.Wait()
	s.release()

	s.log.Info("anomalyd stopped")
	return nil
}

// Close releases the components of a server that was never started.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
	s.release()
}

func (s *Server) release() {
	s.closeOnce.Do(func() {
		if s.publisher != nil {
			s.publisher.Close()
		}
		if s.redis != nil {
			if err := s.redis.Close(); err != nil {
				s.log.Warn("Failed to close Redis client", zap.Error(err))
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.log.Warn("Failed to close metric store", zap.Error(err))
			}
		}
	})
}

// Wait blocks until the server is stopped
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// FollowConfig applies reloaded configurations until the server stops.
// Only the logging level is taken from a reload.
func (s *Server) FollowConfig(updates <-chan config.Config) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				if err := s.log.SetLevel(cfg.Logging.Level); err != nil {
					s.log.Warn("Ignoring reloaded log level", zap.Error(err))
					continue
				}
				s.log.Info("Configuration reloaded", zap.String("log_level", cfg.Logging.Level))
			}
		}
	}()
}

// Handler returns the HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// GetService returns the analysis service
func (s *Server) GetService() *analysis.Service {
	return s.service
}

// GetStore returns the metric store
func (s *Server) GetStore() db.Store {
	return s.store
}

// GetOrchestrator returns the fallback orchestrator
func (s *Server) GetOrchestrator() *orchestrator.Orchestrator {
	return s.orchestrator
}

// GetLogger returns the server logger
func (s *Server) GetLogger() *logger.Logger {
	return s.log
}

func thresholdsFromConfig(cfg *config.Config) map[models.MetricKind]classifier.Thresholds {
	pair := func(p config.ThresholdPair) classifier.Thresholds {
		return classifier.Thresholds{Low: p.Low, High: p.High}
	}
	return map[models.MetricKind]classifier.Thresholds{
		models.KindCPU:     pair(cfg.Thresholds.CPU),
		models.KindMemory:  pair(cfg.Thresholds.Memory),
		models.KindDisk:    pair(cfg.Thresholds.Disk),
		models.KindNetwork: pair(cfg.Thresholds.Network),
	}
}

// LoggerConfig maps the logging section onto logger.Config.
func LoggerConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
}
