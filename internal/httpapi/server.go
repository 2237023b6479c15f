package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relayinbox/internal/messagelog"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// HeartbeatInterval paces heartbeat frames on the events socket.
	HeartbeatInterval time.Duration
	// EventQueueSize bounds frames buffered per socket; overflow is dropped.
	EventQueueSize int
	WriteTimeout   time.Duration
	OriginPatterns []string
	Registry       *prometheus.Registry
	Logger         Logger
}

type Server struct {
	log          messagelog.Log
	cfg          ServerConfig
	rateLimiter  *rateLimiter
	appendSchema *jsonschema.Schema
	metrics      *serverMetrics
	metricsPage  http.Handler
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type appendMessageRequest struct {
	Direction messagelog.Direction `json:"direction"`
	Body      string               `json:"body"`
}

func NewServer(log messagelog.Log) *Server {
	return NewServerWithConfig(log, ServerConfig{})
}

func NewServerWithConfig(log messagelog.Log, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	metrics, page := newServerMetrics(cfg.Registry)
	return &Server{
		log:          log,
		cfg:          cfg,
		rateLimiter:  limiter,
		appendSchema: mustCompileAppendSchema(),
		metrics:      metrics,
		metricsPage:  page,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metricsPage.ServeHTTP(w, r)
		return
	}

	parts, ok := splitPath(r.URL.EscapedPath())
	if !ok || len(parts) < 4 || parts[0] != "v1" || parts[1] != "operators" || strings.TrimSpace(parts[2]) == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	operatorID := parts[2]

	var route string
	switch {
	case len(parts) == 4 && parts[3] == "conversations" && r.Method == http.MethodGet:
		route = "list_conversations"
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "messages" && r.Method == http.MethodGet:
		route = "list_messages"
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "messages" && r.Method == http.MethodPost:
		route = "append_message"
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
		// browsers cannot set headers on a websocket handshake
		s.handleEvents(w, r, operatorID)
		return
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(operatorID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			s.metrics.observeRequest(route, http.StatusTooManyRequests, 0)
			return
		}
	}

	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	switch route {
	case "list_conversations":
		s.handleListConversations(rec, r, operatorID, correlationID)
	case "list_messages":
		s.handleListMessages(rec, r, operatorID, parts[4], correlationID)
	case "append_message":
		s.handleAppendMessage(rec, r, operatorID, parts[4], correlationID)
	}
	s.metrics.observeRequest(route, rec.status, time.Since(started))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, operatorID, correlationID string) {
	list, err := s.log.ListConversations(r.Context(), operatorID)
	if err != nil {
		s.writeLogError(w, err, correlationID)
		return
	}
	if limit := parseBoundedInt(r.URL.Query().Get("limit"), 0, 1, 1000); limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, operatorID, conversationKey, correlationID string) {
	messages, err := s.log.ListMessages(r.Context(), operatorID, conversationKey)
	if err != nil {
		s.writeLogError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request, operatorID, conversationKey, correlationID string) {
	var req appendMessageRequest
	if !s.decodeValidatedBody(w, r, correlationID, &req) {
		return
	}
	msg, err := s.log.Append(r.Context(), messagelog.AppendRequest{
		OperatorID:      operatorID,
		ConversationKey: conversationKey,
		Direction:       req.Direction,
		Body:            req.Body,
	})
	if err != nil {
		s.writeLogError(w, err, correlationID)
		return
	}
	s.metrics.observeAppend(msg.Direction)
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) writeLogError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, messagelog.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, messagelog.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, messagelog.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "request cancelled", correlationID)
	default:
		s.logf("message log error (correlation %s): %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "message log failure", correlationID)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

// splitPath splits an escaped request path and unescapes each segment, so a
// conversation key may carry an encoded slash.
func splitPath(escaped string) ([]string, bool) {
	raw := strings.Split(strings.TrimPrefix(escaped, "/"), "/")
	parts := make([]string, len(raw))
	for i, segment := range raw {
		value, err := url.PathUnescape(segment)
		if err != nil {
			return nil, false
		}
		parts[i] = value
	}
	return parts, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeValidatedBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := validateAppendBody(s.appendSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
