package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/analysis"
	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

const (
	// maxIngestBodyBytes bounds POST /api/v1/metrics.
	maxIngestBodyBytes = 5 * 1024 * 1024

	// defaultAnalysisLookback is used when neither start nor end is given.
	defaultAnalysisLookback = 24 * time.Hour

	readyPingTimeout = 2 * time.Second
)

// buildRouter registers HTTP handlers
func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID, instrument(s.log.Logger), s.limiter.middleware, authorize(s.authorizer))

	// Probes and scraping
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/servers", s.handleListServers).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id}/analysis", s.handleAnalysis).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/metrics", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet)

	return r
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports ready once the metric store answers a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyPingTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("Readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "metric store unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.service.Servers(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if servers == nil {
		servers = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"servers": servers})
}

// handleAnalysis runs (or serves from cache) the analysis of one server.
// start and end are RFC 3339; both absent selects the last 24 hours.
func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["id"]
	window, err := parseWindow(r, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.service.AnalyzeDetailed(r.Context(), serverID, window)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["id"]
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := s.service.History(r.Context(), serverID, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*db.AnalysisRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"server_id": serverID,
		"analyses":  recs,
	})
}

// handleIngest stores a JSON array of metric rows.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodyBytes)

	var rows []db.Row
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusBadRequest, "no metric rows in request")
		return
	}

	batchID := uuid.New().String()
	n, err := s.service.Ingest(r.Context(), rows)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.log.Debug("Ingest batch stored", zap.String("batch_id", batchID), zap.Int("rows", n))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"batch_id": batchID,
		"accepted": n,
	})
}

type providerStatus struct {
	Name      string `json:"name"`
	Priority  int    `json:"priority"`
	Available bool   `json:"available"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// handleProviders probes every registered provider.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	reg := s.orchestrator.Registry()
	statuses := []providerStatus{}
	for _, att := range s.orchestrator.Probe(r.Context()) {
		st := providerStatus{Name: att.Provider, Available: att.Available, ElapsedMS: att.ElapsedMS}
		if d, ok := reg.Lookup(att.Provider); ok {
			st.Priority = d.Priority
		}
		statuses = append(statuses, st)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": statuses})
}

// writeServiceError maps service errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, analysis.ErrInvalidRequest), errors.Is(err, models.ErrInvalidSample):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, analysis.ErrStoreUnavailable):
		s.log.Error("Metric store failure",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "metric store unavailable")
	case errors.Is(err, models.ErrDataUnavailable):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseWindow(r *http.Request, now time.Time) (models.Window, error) {
	q := r.URL.Query()
	rawStart, rawEnd := q.Get("start"), q.Get("end")
	if rawStart == "" && rawEnd == "" {
		return models.Window{Start: now.Add(-defaultAnalysisLookback), End: now}, nil
	}
	if rawStart == "" || rawEnd == "" {
		return models.Window{}, fmt.Errorf("start and end must be given together")
	}
	start, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		return models.Window{}, fmt.Errorf("invalid start: %v", err)
	}
	end, err := time.Parse(time.RFC3339, rawEnd)
	if err != nil {
		return models.Window{}, fmt.Errorf("invalid end: %v", err)
	}
	w := models.Window{Start: start.UTC(), End: end.UTC()}
	if err := w.Validate(); err != nil {
		return models.Window{}, err
	}
	return w, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
