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

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/skypro1111/kiosk-audio-service/internal/audio"
	"github.com/skypro1111/kiosk-audio-service/internal/config"
	apperrors "github.com/skypro1111/kiosk-audio-service/internal/errors"
	"github.com/skypro1111/kiosk-audio-service/internal/metrics"
	"github.com/skypro1111/kiosk-audio-service/internal/stream"
	"github.com/skypro1111/kiosk-audio-service/internal/transcription"
)

const (
	transportWS = "ws"

	notifyTimeout = 5 * time.Second
	// drainGrace is how long a socket stays open after its pipeline finished
	// cleanly so the last segment notifications can reach the client.
	drainGrace = 2 * time.Second
)

// Client control messages sent as WebSocket text frames.
const (
	msgPing       = "ping"
	msgPong       = "pong"
	msgEnd        = "end"
	msgError      = "error"
	msgSegment    = "segment"
	msgTranscript = "transcript"
)

type controlMessage struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type segmentNotification struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	SegmentID    string `json:"segment_id"`
	StartMs      int64  `json:"start_ms"`
	EndMs        int64  `json:"end_ms"`
	DurationMs   int64  `json:"duration_ms"`
	SampleRate   int    `json:"sample_rate"`
}

type transcriptNotification struct {
	Type      string `json:"type"`
	SegmentID string `json:"segment_id"`
	StartMs   int64  `json:"start_ms"`
	EndMs     int64  `json:"end_ms"`
	Text      string `json:"text,omitempty"`
	Language  string `json:"language,omitempty"`
	Error     string `json:"error,omitempty"`
}

// wsSession ties a client socket to its pipeline.
type wsSession struct {
	ws   *websocket.Conn
	conn *stream.Connection
}

// WSServer accepts kiosk audio over WebSocket at <ws_path>{client_id}.
// Binary messages carry encoded audio; text messages carry JSON control.
type WSServer struct {
	server  *http.Server
	config  *config.ServerConfig
	logger  *slog.Logger
	connMgr *stream.Manager
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*wsSession
	addr     string

	counters ingestCounters
}

// NewWSServer creates the WebSocket ingest server.
func NewWSServer(cfg *config.ServerConfig, logger *slog.Logger, connMgr *stream.Manager, m *metrics.Metrics) *WSServer {
	ctx, cancel := context.WithCancel(context.Background())

	s := &WSServer{
		config:   cfg,
		logger:   logger.With(slog.String("component", "ws_ingest")),
		connMgr:  connMgr,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*wsSession),
	}
	s.counters.stats.Transport = transportWS

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.WSPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the upgrade handler.
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.WSPath+"{client_id}", s.handleUpgrade)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *WSServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.counters.mu.Lock()
	s.counters.stats.Address = ln.Addr().String()
	s.counters.mu.Unlock()

	s.logger.Info("WebSocket ingest server started",
		slog.String("address", ln.Addr().String()),
		slog.String("path", s.config.WSPath+"{client_id}"),
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the listening address once started.
func (s *WSServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Stop closes every client socket and shuts the listener down.
func (s *WSServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket ingest server...")

	s.mu.RLock()
	sessions := make([]*wsSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		go func(sess *wsSession) {
			if err := sess.ws.Close(websocket.StatusGoingAway, "server shutting down"); err != nil {
				s.logger.Debug("Failed to close WebSocket client",
					slog.String("connection_id", sess.conn.ID),
					slog.String("error", err.Error()))
			}
		}(sess)
	}

	s.cancel()
	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	stats := s.counters.snapshot()
	s.logger.Info("WebSocket ingest server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("messages_received", stats.MessagesReceived),
		slog.Uint64("protocol_errors", stats.ProtocolErrors),
	)
	return err
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(int64(s.config.MaxMessageBytes))

	conn, err := s.connMgr.Open(transportWS, clientID, r.RemoteAddr)
	if err != nil {
		s.counters.rejected()
		s.metrics.RecordIngestError(transportWS, "rejected")
		s.logger.Warn("Rejected WebSocket client",
			slog.String("client_id", clientID),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		status := websocket.StatusInternalError
		if apperrors.IsCode(err, apperrors.CodeConnectionLimit) {
			status = websocket.StatusTryAgainLater
		}
		ws.Close(status, truncateReason(err.Error()))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.counters.accepted()

	sess := &wsSession{ws: ws, conn: conn}
	s.mu.Lock()
	s.sessions[conn.ID] = sess
	s.mu.Unlock()

	s.serve(sess, r.RemoteAddr)

	s.mu.Lock()
	if s.sessions[conn.ID] == sess {
		delete(s.sessions, conn.ID)
	}
	s.mu.Unlock()
}

// serve runs the read loop of one client until the socket or the pipeline
// ends.
func (s *WSServer) serve(sess *wsSession, remote string) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	conn := sess.conn
	logger := s.logger.With(slog.String("connection_id", conn.ID))
	logger.Info("WebSocket client connected", slog.String("remote_addr", remote))

	go s.watchPipeline(ctx, sess, logger)

	limiter := newMessageLimiter(s.config)
	ended := false

	for {
		typ, data, err := sess.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				logger.Info("WebSocket client disconnected", slog.Int("status", int(status)))
			} else {
				logger.Warn("WebSocket read failed", slog.String("error", err.Error()))
			}
			break
		}

		if !limiter.Allow() {
			s.counters.rateLimited()
			s.metrics.RecordIngestError(transportWS, "rate_limited")
			logger.Warn("WebSocket client exceeded message rate",
				slog.Float64("messages_per_second", s.config.MessagesPerSecond))
			sess.ws.Close(websocket.StatusPolicyViolation, "message rate exceeded")
			break
		}

		s.counters.message(len(data))

		if typ == websocket.MessageBinary {
			s.metrics.RecordBytesReceived(transportWS, "binary", len(data))
			if err := conn.Push(ctx, data); err != nil {
				if ctx.Err() == nil {
					logger.Warn("Failed to queue audio",
						slog.Int("bytes", len(data)),
						slog.String("error", err.Error()))
				}
				break
			}
			continue
		}

		s.metrics.RecordBytesReceived(transportWS, "text", len(data))
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.protocolError(ctx, sess, logger, fmt.Errorf("invalid control message: %w", err))
			continue
		}

		switch msg.Type {
		case msgPing:
			if err := wsjson.Write(ctx, sess.ws, controlMessage{Type: msgPong}); err != nil {
				logger.Warn("Failed to send pong", slog.String("error", err.Error()))
			}
		case msgEnd:
			if !ended {
				logger.Info("Client ended audio input")
				conn.EndInput()
				ended = true
			}
		default:
			s.protocolError(ctx, sess, logger, fmt.Errorf("unknown control message type %q", msg.Type))
		}
	}

	// A dropped client still gets whatever it already sent decoded and
	// flushed.
	if !ended {
		conn.EndInput()
	}
	sess.ws.CloseNow()
}

func (s *WSServer) protocolError(ctx context.Context, sess *wsSession, logger *slog.Logger, err error) {
	s.counters.protocolError()
	s.metrics.RecordIngestError(transportWS, "protocol")
	logger.Warn("WebSocket protocol error", slog.String("error", err.Error()))
	if werr := wsjson.Write(ctx, sess.ws, errorMessage{Type: msgError, Error: err.Error()}); werr != nil {
		logger.Debug("Failed to send error message", slog.String("error", werr.Error()))
	}
}

// watchPipeline closes the socket once the connection's pipeline stops.
func (s *WSServer) watchPipeline(ctx context.Context, sess *wsSession, logger *slog.Logger) {
	select {
	case <-sess.conn.Done():
	case <-ctx.Done():
		return
	}

	if err := sess.conn.Err(); err != nil {
		logger.Warn("Pipeline stopped with error, closing socket", slog.String("error", err.Error()))
		status := websocket.StatusInternalError
		if apperrors.IsCode(err, apperrors.CodeTerminalDecode) {
			status = websocket.StatusUnsupportedData
		}
		sess.ws.Close(status, truncateReason(err.Error()))
		return
	}

	select {
	case <-time.After(drainGrace):
	case <-ctx.Done():
		return
	}
	sess.ws.Close(websocket.StatusNormalClosure, "audio input finished")
}

// HandleSegment notifies the client that produced seg. Segments of clients
// that already disconnected are ignored.
func (s *WSServer) HandleSegment(ctx context.Context, connectionID string, seg audio.AudioSegment) error {
	sess := s.session(connectionID)
	if sess == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	return wsjson.Write(ctx, sess.ws, segmentNotification{
		Type:         msgSegment,
		ConnectionID: connectionID,
		SegmentID:    seg.ID,
		StartMs:      seg.StartMs,
		EndMs:        seg.EndMs,
		DurationMs:   seg.Duration().Milliseconds(),
		SampleRate:   seg.SampleRate,
	})
}

// NotifyTranscript forwards a transcription result to the client. Its
// signature matches transcription.ResultFunc.
func (s *WSServer) NotifyTranscript(connectionID string, seg audio.AudioSegment, resp *transcription.Response, err error) {
	sess := s.session(connectionID)
	if sess == nil {
		return
	}

	msg := transcriptNotification{
		Type:      msgTranscript,
		SegmentID: seg.ID,
		StartMs:   seg.StartMs,
		EndMs:     seg.EndMs,
	}
	if err != nil {
		msg.Error = err.Error()
	} else {
		msg.Text = resp.Text
		msg.Language = resp.Language
	}

	ctx, cancel := context.WithTimeout(s.ctx, notifyTimeout)
	defer cancel()
	if werr := wsjson.Write(ctx, sess.ws, msg); werr != nil {
		s.logger.Debug("Failed to deliver transcript",
			slog.String("connection_id", connectionID),
			slog.String("error", werr.Error()))
	}
}

func (s *WSServer) session(connectionID string) *wsSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[connectionID]
}

// GetStatistics returns current ingest counters.
func (s *WSServer) GetStatistics() IngestStatistics {
	stats := s.counters.snapshot()
	s.mu.RLock()
	stats.ActiveSessions = len(s.sessions)
	s.mu.RUnlock()
	return stats
}
