// Package httpapi exposes the front door over HTTP: the query endpoints and
// the read-only metrics endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantra-labs/frontdoor/internal/collector"
	"github.com/quantra-labs/frontdoor/internal/dispatcher"
	"github.com/quantra-labs/frontdoor/internal/metrics"
	"github.com/quantra-labs/frontdoor/internal/pricing"
)

// QueryHandler handles one query end to end. Satisfied by
// *dispatcher.Dispatcher.
type QueryHandler interface {
	Handle(ctx context.Context, req dispatcher.Request) (*collector.EnhancedResponse, error)
}

// Server serves the HTTP surface.
type Server struct {
	handler  QueryHandler
	snapshot *metrics.Snapshot
	pricing  *pricing.Table
	limiter  *rate.Limiter
	logger   *zap.Logger
	started  time.Time
}

// NewServer builds the server. rps and burst bound the query endpoints; the
// metrics endpoints are not limited.
func NewServer(h QueryHandler, snap *metrics.Snapshot, table *pricing.Table, rps float64, burst int, logger *zap.Logger) *Server {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = int(rps) * 2
	}
	return &Server{
		handler:  h,
		snapshot: snap,
		pricing:  table,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		logger:   logger,
		started:  time.Now(),
	}
}

// RegisterRoutes registers all endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /query", s.rateLimited(s.handleQueryLegacy))
	mux.HandleFunc("POST /query/enhanced", s.rateLimited(s.handleQueryEnhanced))
	mux.HandleFunc("GET /metrics/pricing", s.handlePricing)
	mux.HandleFunc("GET /metrics/cache", s.handleCache)
	mux.HandleFunc("GET /metrics/performance", s.handlePerformance)
	mux.HandleFunc("GET /metrics/summary", s.handleSummary)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the fully routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"code":    "rate_limited",
				"message": "request rate limit exceeded",
			})
			return
		}
		next(w, r)
	}
}

// legacyResponse is the trimmed /query shape kept for existing clients.
type legacyResponse struct {
	Query            string         `json:"query"`
	Response         string         `json:"response"`
	WorkflowName     string         `json:"workflow_name,omitempty"`
	AgentsUsed       []string       `json:"agents_used"`
	CacheHit         bool           `json:"cache_hit"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	Metadata         map[string]any `json:"metadata"`
}

func legacyFromEnhanced(resp *collector.EnhancedResponse) legacyResponse {
	agents := resp.Workflow.AgentsInvoked
	if agents == nil {
		agents = []string{}
	}
	return legacyResponse{
		Query:            resp.Query,
		Response:         resp.Response,
		WorkflowName:     resp.Workflow.Name,
		AgentsUsed:       agents,
		CacheHit:         resp.OverallCacheHit,
		ProcessingTimeMs: resp.Performance.TotalTimeMs,
		Metadata: map[string]any{
			"query_id":         resp.QueryID,
			"session_id":       resp.Session.SessionID,
			"total_cost_usd":   resp.Cost.TotalCostUSD,
			"cost_savings_usd": resp.Cost.CostSavingsUSD,
		},
	}
}

func (s *Server) handleQueryLegacy(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.runQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, legacyFromEnhanced(resp))
}

func (s *Server) handleQueryEnhanced(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.runQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// runQuery decodes the request, dispatches it and writes any error. The
// bool reports whether a response is ready for the caller to serialize.
func (s *Server) runQuery(w http.ResponseWriter, r *http.Request) (*collector.EnhancedResponse, bool) {
	var req dispatcher.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &dispatcher.Error{
			Code:    dispatcher.CodeInvalidRequest,
			Message: "malformed request body",
		})
		return nil, false
	}

	resp, err := s.handler.Handle(r.Context(), req)
	if err != nil {
		var derr *dispatcher.Error
		if errors.As(err, &derr) {
			writeJSON(w, statusFor(derr.Code), derr)
		} else {
			s.logger.Error("Query handling failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"code":    "internal",
				"message": "internal error",
			})
		}
		return nil, false
	}
	return resp, true
}

func statusFor(code string) int {
	switch code {
	case dispatcher.CodeInvalidRequest:
		return http.StatusBadRequest
	case dispatcher.CodeOverloaded:
		return http.StatusServiceUnavailable
	case dispatcher.CodeProviderUnavailable:
		return http.StatusBadGateway
	case dispatcher.CodeOrchestrationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handlePricing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pricing.View())
}

func (s *Server) handleCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot.Cache())
}

func (s *Server) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot.Performance())
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"cache":          s.snapshot.Cache(),
		"performance":    s.snapshot.Performance(),
		"pricing":        s.pricing.View(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
