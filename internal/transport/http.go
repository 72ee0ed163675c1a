// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/noderunner/internal/metrics"
	"github.com/gateway-fm/noderunner/internal/storage"
	"github.com/gateway-fm/noderunner/pkg/account"
	"github.com/gateway-fm/noderunner/pkg/logs"
	"github.com/gateway-fm/noderunner/pkg/types"
)

// Pagination limits for /v1/reports.
const (
	defaultReportLimit = 20
	maxReportLimit     = 100
)

// Node is the view of a running node the handlers need.
type Node interface {
	Endpoint() string
	Profile() string
	LogPath() string
	Status() types.RunnerStatus
	Accounts() []*account.Account
	ContractAddress() (string, bool)
}

// NodeStatus is the body of GET /v1/status.
type NodeStatus struct {
	Profile         string             `json:"profile"`
	Endpoint        string             `json:"endpoint"`
	Status          types.RunnerStatus `json:"status"`
	LogPath         string             `json:"log_path"`
	Accounts        []string           `json:"accounts"`
	ContractAddress string             `json:"contract_address,omitempty"`
}

// ServerConfig wires the server to its data sources. Node, Exporter and
// Store are optional; their endpoints answer 404 when absent.
type ServerConfig struct {
	Reader             *logs.Reader
	Node               Node
	Exporter           *metrics.Exporter
	Store              storage.Storage
	Gatherer           prometheus.Gatherer
	Logger             *slog.Logger
	CORSAllowedOrigins string
	StreamInterval     time.Duration
}

// Server handles HTTP requests for a node log.
type Server struct {
	reader    *logs.Reader
	node      Node
	exporter  *metrics.Exporter
	store     storage.Storage
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	stream    *BlockStream

	// CORS configuration
	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server and starts its block stream.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	stream := NewBlockStream(logs.NewObserver(cfg.Reader), cfg.StreamInterval, logger)
	stream.Start()

	s := &Server{
		reader:    cfg.Reader,
		node:      cfg.Node,
		exporter:  cfg.Exporter,
		store:     cfg.Store,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
		stream:    stream,
	}

	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Close stops the block stream and disconnects its clients.
func (s *Server) Close() {
	s.stream.Stop()
}

// Stream returns the live block stream.
func (s *Server) Stream() *BlockStream {
	return s.stream
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/blocks", s.corsMiddleware(s.handleBlocks))
	mux.HandleFunc("/v1/series", s.corsMiddleware(s.handleSeries))
	mux.HandleFunc("/v1/steps", s.corsMiddleware(s.handleSteps))
	mux.HandleFunc("/v1/summary", s.corsMiddleware(s.handleSummary))
	mux.HandleFunc("/v1/reports", s.corsMiddleware(s.handleReports))
	mux.HandleFunc("/v1/reports/", s.corsMiddleware(s.handleReportDetail))
	mux.HandleFunc("/ws/blocks", s.stream.Handler())

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			allowed := false
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeLogError maps log and storage errors onto HTTP status codes.
func (s *Server) writeLogError(w http.ResponseWriter, err error) {
	code := statusForError(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", slog.Int("status", code), slog.String("error", err.Error()))
	}
	s.writeJSONError(w, err.Error(), code)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, logs.ErrMetricFormat):
		return http.StatusUnprocessableEntity
	case errors.Is(err, logs.ErrLogUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, logs.ErrIdleTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func allowGet(w http.ResponseWriter, r *http.Request, s *Server) bool {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// handleStatus returns the node's endpoint, status and accounts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r, s) {
		return
	}
	if s.node == nil {
		s.writeJSONError(w, "No node attached", http.StatusNotFound)
		return
	}

	accounts := s.node.Accounts()
	status := NodeStatus{
		Profile:  s.node.Profile(),
		Endpoint: s.node.Endpoint(),
		Status:   s.node.Status(),
		LogPath:  s.node.LogPath(),
		Accounts: make([]string, len(accounts)),
	}
	for i, acc := range accounts {
		status.Accounts[i] = acc.Address
	}
	if addr, ok := s.node.ContractAddress(); ok {
		status.ContractAddress = addr
	}
	s.writeJSON(w, status)
}

// handleBlocks returns the block messages logged so far, without waiting.
func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r, s) {
		return
	}
	blocks, err := s.reader.Blocks()
	if err != nil {
		s.writeLogError(w, err)
		return
	}
	if blocks == nil {
		blocks = []string{}
	}
	s.writeJSON(w, map[string]any{"blocks": blocks, "count": len(blocks)})
}

// handleSeries waits for the chain to go idle and returns the block series.
// An optional ?timeout= duration bounds the wait.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r, s) {
		return
	}

	ctx := r.Context()
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeJSONError(w, "Invalid timeout: "+raw, http.StatusBadRequest)
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	series, err := s.reader.BlockSeries(ctx)
	if err != nil {
		s.writeLogError(w, err)
		return
	}
	s.writeJSON(w, series)
}

// handleSteps returns the execution step counts logged so far.
func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r, s) {
		return
	}
	steps, err := s.reader.Steps()
	if err != nil {
		s.writeLogError(w, err)
		return
	}
	if steps == nil {
		steps = []uint64{}
	}
	var total uint64
	for _, n := range steps {
		total += n
	}
	s.writeJSON(w, map[string]any{"steps": steps, "total": total})
}

// handleSummary returns the exporter's running statistics.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r, s) {
		return
	}
	if s.exporter == nil {
		s.writeJSONError(w, "Metrics exporter disabled", http.StatusNotFound)
		return
	}
	s.writeJSON(w, s.exporter.Summary())
}

// handleReports lists stored run reports with optional pagination.
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r, s) {
		return
	}
	if s.store == nil {
		s.writeJSONError(w, "Report storage disabled", http.StatusNotFound)
		return
	}

	limit := defaultReportLimit
	offset := 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxReportLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	page, err := s.store.ListReports(r.Context(), limit, offset)
	if err != nil {
		s.writeLogError(w, err)
		return
	}
	s.writeJSON(w, page)
}

// handleReportDetail handles GET and DELETE /v1/reports/{id}.
func (s *Server) handleReportDetail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, "Report storage disabled", http.StatusNotFound)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/reports/"), "/")
	if id == "" {
		s.writeJSONError(w, "Missing report ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		report, err := s.store.GetReport(r.Context(), id)
		if err != nil {
			s.writeLogError(w, err)
			return
		}
		s.writeJSON(w, report)
	case http.MethodDelete:
		if err := s.store.DeleteReport(r.Context(), id); err != nil {
			s.writeLogError(w, err)
			return
		}
		s.writeJSON(w, map[string]string{"status": "deleted"})
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// handleReady reports 200 while the node is ready and 503 otherwise. Without
// a node the server only serves a log file and is always ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := types.StatusReady
	if s.node != nil {
		status = s.node.Status()
	}

	code := http.StatusOK
	if status != types.StatusReady {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  code == http.StatusOK,
		"status": status,
	})
}
