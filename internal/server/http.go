package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/kiosk-audio-service/internal/config"
	"github.com/skypro1111/kiosk-audio-service/internal/decoder"
	"github.com/skypro1111/kiosk-audio-service/internal/metrics"
	"github.com/skypro1111/kiosk-audio-service/internal/stream"
	"github.com/skypro1111/kiosk-audio-service/internal/transcription"
	"github.com/skypro1111/kiosk-audio-service/internal/vad"
)

const (
	serviceName    = "kiosk-audio-service"
	serviceVersion = "1.0.0"
)

// DetectorStatus reports the state of the voice activity detector.
type DetectorStatus interface {
	GetStats() vad.EnergyStats
}

// TranscriptionStatus reports transcription client statistics.
type TranscriptionStatus interface {
	GetStats() transcription.ClientStats
}

// HTTPDependencies are the components the monitoring API reports on.
// Detector, Transcription and Ingest are optional.
type HTTPDependencies struct {
	Config        *config.Config
	Manager       *stream.Manager
	Detector      DetectorStatus
	Transcription TranscriptionStatus
	Ingest        []IngestSource
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
}

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server *http.Server
	logger *slog.Logger
	deps   HTTPDependencies

	// Server state
	startTime      time.Time
	streamInterval time.Duration
	done           chan struct{}
	stopOnce       sync.Once
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, deps HTTPDependencies) *HTTPServer {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:         logger.With(slog.String("component", "http_api")),
		deps:           deps,
		startTime:      time.Now(),
		streamInterval: time.Second,
		done:           make(chan struct{}),
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the API routes.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	return mux
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Connection monitoring and management
	mux.HandleFunc("/connections", h.withMetrics("/connections", h.handleConnections))
	mux.HandleFunc("/connections/{id}", h.withMetrics("/connections/{id}", h.handleConnectionDetail))

	// Queue monitoring
	mux.HandleFunc("/monitoring/queues", h.withMetrics("/monitoring/queues", h.handleQueues))
	mux.HandleFunc("/monitoring/queues/stream", h.withMetrics("/monitoring/queues/stream", h.handleQueueStream))
	mux.HandleFunc("/monitoring/queues/{id}", h.withMetrics("/monitoring/queues/{id}", h.handleConnectionQueues))

	mux.HandleFunc("/vad/status", h.withMetrics("/vad/status", h.handleVADStatus))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	// End open queue streams so Shutdown does not wait on them.
	h.stopOnce.Do(func() { close(h.done) })
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := h.deps.Manager.Count()
	maxConns := h.deps.Config.Server.MaxConnections

	status := "healthy"
	if active >= maxConns {
		status = "saturated"
	}

	health := map[string]interface{}{
		"status":             status,
		"timestamp":          time.Now().UTC(),
		"uptime":             time.Since(h.startTime).String(),
		"active_connections": active,
		"max_connections":    maxConns,
		"decoder_workers":    decoder.ActiveWorkers(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleConnections implements the /connections endpoint
func (h *HTTPServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.deps.Manager.List()

	response := map[string]interface{}{
		"total_connections": len(infos),
		"timestamp":         time.Now().UTC(),
		"connections":       infos,
	}

	writeJSON(w, http.StatusOK, response)
}

// handleConnectionDetail implements GET and DELETE /connections/{id}
func (h *HTTPServer) handleConnectionDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		conn, exists := h.deps.Manager.Get(id)
		if !exists {
			http.Error(w, "Connection not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, conn.Info())

	case http.MethodDelete:
		if !h.deps.Manager.Close(id) {
			http.Error(w, "Connection not found", http.StatusNotFound)
			return
		}
		h.logger.Info("Connection closed via API", slog.String("connection_id", id))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"connection_id": id,
			"closed":        true,
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleQueues implements the /monitoring/queues endpoint
func (h *HTTPServer) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.deps.Manager.QueueSnapshot())
}

// handleConnectionQueues implements the /monitoring/queues/{id} endpoint
func (h *HTTPServer) handleConnectionQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.PathValue("id")
	conn, exists := h.deps.Manager.Get(id)
	if !exists {
		http.Error(w, "Connection not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection_id": id,
		"timestamp":     time.Now().UTC(),
		"queues":        conn.QueueStats(),
	})
}

// handleQueueStream pushes a queue snapshot as a server-sent event every
// streamInterval until the client goes away.
func (h *HTTPServer) handleQueueStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	for {
		data, err := json.Marshal(h.deps.Manager.QueueSnapshot())
		if err != nil {
			h.logger.Error("Failed to encode queue snapshot", slog.String("error", err.Error()))
			return
		}
		if _, err := fmt.Fprintf(w, "event: queues\ndata: %s\n\n", data); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}

		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		}
	}
}

// handleVADStatus implements the /vad/status endpoint
func (h *HTTPServer) handleVADStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.deps.Detector == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "loaded",
		"detector": h.deps.Detector.GetStats(),
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.deps.Config

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"bind_address":        cfg.Server.BindAddress,
			"ws_port":             cfg.Server.WSPort,
			"ws_path":             cfg.Server.WSPath,
			"tcp_enabled":         cfg.Server.TCPEnabled,
			"tcp_port":            cfg.Server.TCPPort,
			"max_connections":     cfg.Server.MaxConnections,
			"max_message_bytes":   cfg.Server.MaxMessageBytes,
			"idle_timeout":        cfg.Server.IdleTimeout,
			"messages_per_second": cfg.Server.MessagesPerSecond,
			"message_burst":       cfg.Server.MessageBurst,
		},
		"audio": map[string]interface{}{
			"sample_rate":                 cfg.Audio.SampleRate,
			"channels":                    cfg.Audio.Channels,
			"sample_format":               cfg.Audio.SampleFormat,
			"chunk_size_ms":               cfg.Audio.ChunkSizeMs,
			"history_buffer_duration_sec": cfg.Audio.HistoryBufferDurationSec,
			"safety_margin_sec":           cfg.Audio.SafetyMarginSec,
		},
		"queues": map[string]interface{}{
			"raw_queue_size":      cfg.Queues.RawQueueSize,
			"pcm_queue_size":      cfg.Queues.PCMQueueSize,
			"chunk_queue_maxsize": cfg.Queues.ChunkQueueMaxsize,
			"segment_queue_size":  cfg.Queues.SegmentQueueSize,
		},
		"decoder": map[string]interface{}{
			"input_queue_size":  cfg.Decoder.InputQueueSize,
			"output_queue_size": cfg.Decoder.OutputQueueSize,
			"join_timeout_ms":   cfg.Decoder.JoinTimeoutMs,
		},
		"vad": map[string]interface{}{
			"model":             cfg.VAD.Model,
			"frame_ms":          cfg.VAD.FrameMs,
			"threshold":         cfg.VAD.Threshold,
			"silence_threshold": cfg.VAD.SilenceThreshold,
			"min_speech_ms":     cfg.VAD.MinSpeechMs,
			"min_silence_ms":    cfg.VAD.MinSilenceMs,
			"max_segment_ms":    cfg.VAD.MaxSegmentMs,
		},
		"transcription": map[string]interface{}{
			"enabled":        cfg.Transcription.Enabled,
			"endpoint":       cfg.Transcription.Endpoint,
			"language":       cfg.Transcription.Language,
			"timeout":        cfg.Transcription.Timeout,
			"max_retries":    cfg.Transcription.MaxRetries,
			"max_concurrent": cfg.Transcription.MaxConcurrent,
			"output_format":  cfg.Transcription.OutputFormat,
			// Note: API key is intentionally omitted for security
		},
		"debug": map[string]interface{}{
			"save_segments": cfg.Debug.SaveSegments,
			"segment_dir":   cfg.Debug.SegmentDir,
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ingest := make([]IngestStatistics, 0, len(h.deps.Ingest))
	for _, src := range h.deps.Ingest {
		ingest = append(ingest, src.GetStatistics())
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"ingest":    ingest,
		"connections": map[string]interface{}{
			"active_count": h.deps.Manager.Count(),
		},
		"queues":          h.deps.Manager.QueueSnapshot().Totals,
		"decoder_workers": decoder.ActiveWorkers(),
	}
	if h.deps.Detector != nil {
		stats["vad"] = h.deps.Detector.GetStats()
	}
	if h.deps.Transcription != nil {
		stats["transcription"] = h.deps.Transcription.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Kiosk Audio Ingestion Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                         "API documentation",
			"GET /health":                   "Service health check",
			"GET /connections":              "List active connections",
			"GET /connections/{id}":         "Get detailed connection information",
			"DELETE /connections/{id}":      "Close a connection",
			"GET /monitoring/queues":        "Queue depths of every connection",
			"GET /monitoring/queues/{id}":   "Queue depths of one connection",
			"GET /monitoring/queues/stream": "Queue depths as server-sent events, every second",
			"GET /vad/status":               "Voice activity detector status",
			"GET /config":                   "Get service configuration",
			"GET /stats":                    "Get service statistics",
			"GET /metrics":                  "Prometheus metrics",
		},
		"ingest": map[string]interface{}{
			"websocket": h.deps.Config.Server.WSPath + "{client_id}",
			"tcp":       h.deps.Config.Server.TCPEnabled,
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
