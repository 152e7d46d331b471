// Package httpapi implements the synchronous HTTP ingress: the /chat
// endpoint, the shallow and deep health probes, the Prometheus /metrics
// endpoint, and the dev-mode payload generator.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/PenroseAI/penrose/engine/memory"
	"github.com/PenroseAI/penrose/engine/reason"
	"github.com/PenroseAI/penrose/engine/telemetry"
	"github.com/PenroseAI/penrose/pkg/mid"
)

// Invoker runs the reasoning pipeline for one request.
type Invoker interface {
	Invoke(ctx context.Context, userID, text string) (string, error)
}

// MemoryAPI is the slice of the dual-store memory the HTTP surface uses.
type MemoryAPI interface {
	HealthCheck(ctx context.Context) memory.Health
	History(ctx context.Context, userID string, limit int) ([]memory.Turn, error)
}

// Options configures the server.
type Options struct {
	Version        string
	ContentTracing bool
	DevMode        bool
	CORSOrigin     string
}

// Server holds the handler dependencies. A Server with a nil pipeline or
// memory is "not ready": request endpoints answer 503 until both are set.
type Server struct {
	pipeline  Invoker
	memory    MemoryAPI
	ephemeral func() bool // ephemeral transport connectivity
	rec       *telemetry.Recorder
	opts      Options
	logger    *slog.Logger
}

// New creates the HTTP ingress. ephemeralConnected reports the ephemeral
// transport's connection state for the health probes; nil reports it as
// never connected, so both probes answer 503.
func New(pipeline Invoker, mem MemoryAPI, ephemeralConnected func() bool, rec *telemetry.Recorder, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if ephemeralConnected == nil {
		ephemeralConnected = func() bool { return false }
	}
	return &Server{
		pipeline:  pipeline,
		memory:    mem,
		ephemeral: ephemeralConnected,
		rec:       rec,
		opts:      opts,
		logger:    logger,
	}
}

// Handler builds the full route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/deep", s.handleHealthDeep)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.Handle("GET /metrics", s.rec.Registry().Handler())
	if s.opts.DevMode {
		s.registerFake(mux)
	}

	origin := s.opts.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return mid.Chain(mux,
		mid.Recover(s.logger),
		mid.Logger(s.logger),
		mid.CORS(origin),
		mid.OTel("penrose-http"),
	)
}

// ChatRequest is the JSON body for POST /chat.
type ChatRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// ChatResponse is the JSON response for POST /chat.
type ChatResponse struct {
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
	LatencyMS int64  `json:"latency_ms"`
}

func (s *Server) ready() bool {
	return s.pipeline != nil && s.memory != nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "text must not be empty"})
		return
	}
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service not ready"})
		return
	}

	ctx := telemetry.WithTransport(r.Context(), telemetry.TransportHTTP)
	s.rec.IncRequests(ctx, telemetry.TransportHTTP)
	start := time.Now()

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.invoke")
	span.SetAttributes(attribute.String("transport", telemetry.TransportHTTP))
	defer span.End()

	reply, err := s.pipeline.Invoke(ctx, req.UserID, req.Text)
	latencyMS := time.Since(start).Milliseconds()

	var graceful *reason.GracefulError
	switch {
	case err == nil:
		s.rec.ObserveLatency(ctx, telemetry.TransportHTTP, latencyMS)
		telemetry.AddContentAttributes(span, req.Text, reply, s.opts.ContentTracing)
		writeJSON(w, http.StatusOK, ChatResponse{UserID: req.UserID, Text: reply, LatencyMS: latencyMS})

	case errors.As(err, &graceful):
		// The request was fully processed; the reply is the apology.
		s.rec.IncErrors(ctx, telemetry.TransportHTTP)
		s.rec.ObserveLatency(ctx, telemetry.TransportHTTP, latencyMS)
		telemetry.AddContentAttributes(span, req.Text, graceful.Message, s.opts.ContentTracing)
		writeJSON(w, http.StatusOK, ChatResponse{UserID: req.UserID, Text: graceful.Message, LatencyMS: latencyMS})

	default:
		s.rec.IncErrors(ctx, telemetry.TransportHTTP)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		s.logger.Error("chat failed", "user_id", req.UserID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

// HealthResponse is the shallow probe body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// DeepHealthResponse is the readiness probe body.
type DeepHealthResponse struct {
	Status     string          `json:"status"`
	Version    string          `json:"version"`
	Components map[string]bool `json:"components"`
}

// handleHealth is the shallow liveness probe: fast, never calls the stores.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() || !s.ephemeral() {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "starting", Version: s.opts.Version})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: s.opts.Version})
}

// handleHealthDeep probes every dependency; 503 unless all are healthy.
func (s *Server) handleHealthDeep(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, DeepHealthResponse{
			Status:  "not_ready",
			Version: s.opts.Version,
			Components: map[string]bool{
				"vector": false, "sql": false, "ephemeral": false,
			},
		})
		return
	}

	stores := s.memory.HealthCheck(r.Context())
	components := map[string]bool{
		"vector":    stores.Vector,
		"sql":       stores.SQL,
		"ephemeral": s.ephemeral(),
	}

	status, code := "ok", http.StatusOK
	if !(stores.Healthy() && components["ephemeral"]) {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, DeepHealthResponse{Status: status, Version: s.opts.Version, Components: components})
}

// handleHistory returns the newest turns for a user from the ordered log.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service not ready"})
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "user_id is required"})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	turns, err := s.memory.History(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("history read failed", "user_id", userID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
