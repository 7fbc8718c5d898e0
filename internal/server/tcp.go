package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/kiosk-audio-service/internal/config"
	apperrors "github.com/skypro1111/kiosk-audio-service/internal/errors"
	"github.com/skypro1111/kiosk-audio-service/internal/metrics"
	"github.com/skypro1111/kiosk-audio-service/internal/protocol"
	"github.com/skypro1111/kiosk-audio-service/internal/stream"
)

const transportTCP = "tcp"

// TCPServer accepts framed audio streams: HELLO, then AUDIO frames, then BYE.
type TCPServer struct {
	listener net.Listener
	config   *config.ServerConfig
	logger   *slog.Logger
	connMgr  *stream.Manager
	metrics  *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	counters ingestCounters
}

// NewTCPServer creates a new framed TCP ingest server
func NewTCPServer(cfg *config.ServerConfig, logger *slog.Logger, connMgr *stream.Manager, m *metrics.Metrics) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())

	s := &TCPServer{
		config:  cfg,
		logger:  logger.With(slog.String("component", "tcp_ingest")),
		connMgr: connMgr,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
	s.counters.stats.Transport = transportTCP
	return s
}

// Start begins accepting connections
func (s *TCPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.TCPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP %s: %w", addr, err)
	}
	s.listener = ln

	s.counters.mu.Lock()
	s.counters.stats.Address = ln.Addr().String()
	s.counters.mu.Unlock()

	s.logger.Info("TCP ingest server started", slog.String("address", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the listening address once started.
func (s *TCPServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every client connection, then waits for the
// handlers to finish.
func (s *TCPServer) Stop() error {
	s.logger.Info("Stopping TCP ingest server...")

	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Warn("Error closing TCP listener", slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	for nc := range s.conns {
		nc.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	stats := s.counters.snapshot()
	s.logger.Info("TCP ingest server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("messages_received", stats.MessagesReceived),
		slog.Uint64("protocol_errors", stats.ProtocolErrors),
	)

	return nil
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to accept TCP connection", slog.String("error", err.Error()))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		s.conns[nc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)

			s.mu.Lock()
			delete(s.conns, nc)
			s.mu.Unlock()
		}()
	}
}

// handleConn serves one client from HELLO to BYE or disconnect.
func (s *TCPServer) handleConn(nc net.Conn) {
	defer nc.Close()

	remote := nc.RemoteAddr().String()
	idle := s.config.GetIdleTimeoutDuration()
	r := bufio.NewReader(nc)
	seq := &protocol.SequenceChecker{}

	nc.SetReadDeadline(time.Now().Add(idle))
	frame, err := protocol.ReadFrame(r)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.protocolError(remote, "", fmt.Errorf("failed to read hello: %w", err))
		}
		return
	}
	if err := s.checkHello(frame, seq); err != nil {
		s.protocolError(remote, "", err)
		return
	}
	s.counters.message(protocol.HeaderSize + len(frame.Payload))

	conn, err := s.connMgr.Open(transportTCP, frame.Hello.GetClientID(), remote)
	if err != nil {
		s.counters.rejected()
		s.metrics.RecordIngestError(transportTCP, "rejected")
		s.logger.Warn("Rejected TCP client",
			slog.String("client_id", frame.Hello.GetClientID()),
			slog.String("remote_addr", remote),
			slog.String("error", err.Error()))
		return
	}
	s.counters.accepted()

	logger := s.logger.With(slog.String("connection_id", conn.ID))
	logger.Info("TCP client connected",
		slog.String("remote_addr", remote),
		slog.String("codec", frame.Hello.GetCodec()))

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Unblock the read when the pipeline stops on its own.
	go func() {
		select {
		case <-conn.Done():
			nc.SetReadDeadline(time.Now())
		case <-ctx.Done():
		}
	}()

	limiter := newMessageLimiter(s.config)

	for {
		nc.SetReadDeadline(time.Now().Add(idle))
		frame, err := protocol.ReadFrame(r)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				logger.Info("TCP client disconnected")
			case errors.As(err, &netErr) && netErr.Timeout():
				if conn.Err() != nil {
					logger.Warn("Pipeline stopped with error, closing connection",
						slog.String("error", conn.Err().Error()))
				} else {
					logger.Info("TCP connection idle or finished, closing")
				}
			case ctx.Err() != nil:
			default:
				s.protocolError(remote, conn.ID, err)
				conn.Close()
				return
			}
			conn.EndInput()
			return
		}

		if err := seq.Check(frame.Header.Sequence); err != nil {
			s.protocolError(remote, conn.ID, err)
			conn.Close()
			return
		}

		if !limiter.Allow() {
			s.counters.rateLimited()
			s.metrics.RecordIngestError(transportTCP, "rate_limited")
			logger.Warn("TCP client exceeded frame rate",
				slog.Float64("messages_per_second", s.config.MessagesPerSecond))
			conn.Close()
			return
		}

		s.counters.message(protocol.HeaderSize + len(frame.Payload))

		switch frame.Header.FrameType {
		case protocol.FrameTypeAudio:
			s.metrics.RecordBytesReceived(transportTCP, "audio", len(frame.Payload))
			if err := conn.Push(ctx, frame.Payload); err != nil {
				if ctx.Err() == nil {
					logger.Warn("Failed to queue audio",
						slog.Uint64("sequence", uint64(frame.Header.Sequence)),
						slog.String("error", err.Error()))
				}
				return
			}

		case protocol.FrameTypeBye:
			logger.Info("TCP client ended audio input",
				slog.Uint64("sequence", uint64(frame.Header.Sequence)))
			conn.EndInput()
			return

		default:
			s.protocolError(remote, conn.ID, apperrors.Newf(apperrors.CodeProtocolViolation,
				"unexpected %s frame after hello", frame.Header.String()))
			conn.Close()
			return
		}
	}
}

func (s *TCPServer) checkHello(frame *protocol.Frame, seq *protocol.SequenceChecker) error {
	if frame.Header.FrameType != protocol.FrameTypeHello {
		return apperrors.Newf(apperrors.CodeProtocolViolation,
			"first frame must be HELLO, got %s", frame.Header.String())
	}
	if err := seq.Check(frame.Header.Sequence); err != nil {
		return err
	}
	if codec := frame.Hello.GetCodec(); codec != "" && codec != protocol.CodecOggOpus {
		return apperrors.Newf(apperrors.CodeProtocolViolation, "unsupported codec %q", codec).
			WithMetadata("supported", protocol.CodecOggOpus)
	}
	return nil
}

func (s *TCPServer) protocolError(remote, connectionID string, err error) {
	s.counters.protocolError()
	s.metrics.RecordIngestError(transportTCP, "protocol")
	s.logger.Warn("TCP protocol error",
		slog.String("remote_addr", remote),
		slog.String("connection_id", connectionID),
		slog.String("error", err.Error()))
}

// GetStatistics returns current ingest counters.
func (s *TCPServer) GetStatistics() IngestStatistics {
	stats := s.counters.snapshot()
	s.mu.Lock()
	stats.ActiveSessions = len(s.conns)
	s.mu.Unlock()
	return stats
}
