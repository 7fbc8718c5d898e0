package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/kiosk-audio-service/internal/audio"
	"github.com/skypro1111/kiosk-audio-service/internal/decoder"
	apperrors "github.com/skypro1111/kiosk-audio-service/internal/errors"
	"github.com/skypro1111/kiosk-audio-service/internal/metrics"
	"github.com/skypro1111/kiosk-audio-service/internal/vad"
)

// SegmentSink consumes finalized segments. HandleSegment is called from the
// connection's consumer goroutine, one segment at a time and in order.
type SegmentSink interface {
	HandleSegment(ctx context.Context, connectionID string, seg audio.AudioSegment) error
}

// SegmentSinkFunc adapts a function to SegmentSink.
type SegmentSinkFunc func(ctx context.Context, connectionID string, seg audio.AudioSegment) error

// HandleSegment calls f.
func (f SegmentSinkFunc) HandleSegment(ctx context.Context, connectionID string, seg audio.AudioSegment) error {
	return f(ctx, connectionID, seg)
}

type namedSink struct {
	name string
	sink SegmentSink
}

// ManagerConfig contains configuration for the connection manager
type ManagerConfig struct {
	Connection      ConnectionConfig
	MaxConnections  int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	NewDecoder      DecoderFactory
}

// QueueSnapshot is the queue state of every connection at one instant.
type QueueSnapshot struct {
	Timestamp   time.Time              `json:"timestamp"`
	Connections map[string][]QueueStat `json:"connections"`
	Totals      []QueueStat            `json:"totals"`
}

// Manager manages all active connections and fans their segments out to
// the registered sinks.
type Manager struct {
	cfg      ManagerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	detector vad.Detector

	mu          sync.RWMutex
	connections map[string]*Connection
	sinks       []namedSink

	consumers sync.WaitGroup

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a connection manager sharing det across connections.
func NewManager(logger *slog.Logger, cfg ManagerConfig, det vad.Detector, m *metrics.Metrics) (*Manager, error) {
	if det == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if cfg.MaxConnections < 1 {
		return nil, fmt.Errorf("max connections must be at least 1, got %d", cfg.MaxConnections)
	}
	if cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive, got %s", cfg.IdleTimeout)
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if err := cfg.Connection.Validate(); err != nil {
		return nil, fmt.Errorf("connection config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		detector:    &instrumentedDetector{det: det, metrics: m},
		connections: make(map[string]*Connection),
		ctx:         ctx,
		cancel:      cancel,
		cleanup:     make(chan struct{}),
	}

	// Start cleanup goroutine
	go mgr.startCleanupRoutine()

	return mgr, nil
}

// AddSink registers a segment consumer. Sinks added after a connection
// opened still receive its later segments.
func (m *Manager) AddSink(name string, sink SegmentSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, namedSink{name: name, sink: sink})
}

// Open creates a connection. An empty id gets a generated one; an id that
// is already connected replaces the old connection.
func (m *Manager) Open(transport, id, remote string) (*Connection, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	previous := m.connections[id]
	if previous == nil && len(m.connections) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		m.metrics.RecordConnectionRejected()
		return nil, apperrors.New(apperrors.CodeConnectionLimit, "too many connections").
			WithMetadata("max_connections", m.cfg.MaxConnections)
	}
	delete(m.connections, id)
	m.mu.Unlock()

	if previous != nil {
		m.logger.Warn("client reconnected, replacing existing connection",
			slog.String("connection_id", id),
			slog.String("previous_remote", previous.Remote),
			slog.String("remote", remote))
		if err := previous.Close(); err != nil {
			m.logger.Warn("replaced connection closed with error",
				slog.String("connection_id", id),
				slog.String("error", err.Error()))
		}
	}

	conn, err := NewConnection(id, remote, m.cfg.Connection, Dependencies{
		Detector:   m.detector,
		NewDecoder: m.cfg.NewDecoder,
		Logger:     m.logger,
		Metrics:    m.metrics,
	})
	if err != nil {
		return nil, err
	}
	conn.Transport = transport

	m.mu.Lock()
	if _, taken := m.connections[id]; taken || len(m.connections) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		conn.Close()
		m.metrics.RecordConnectionRejected()
		return nil, apperrors.New(apperrors.CodeConnectionLimit, "connection slot taken while opening").
			WithMetadata("connection_id", id)
	}
	m.connections[id] = conn
	count := len(m.connections)
	m.mu.Unlock()

	m.metrics.RecordConnectionOpened()
	m.metrics.SetActiveConnections(count)

	m.consumers.Add(1)
	go m.consume(conn)

	m.logger.Info("connection registered",
		slog.String("connection_id", id),
		slog.String("transport", transport),
		slog.String("remote", remote),
		slog.Int("active_connections", count))

	return conn, nil
}

// Get retrieves an active connection
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, exists := m.connections[id]
	return conn, exists
}

// Count returns the number of currently active connections
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// List returns a snapshot of all active connections, oldest first.
func (m *Manager) List() []ConnectionInfo {
	conns := m.snapshot()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

// QueueSnapshot returns the queue depths of every connection and their sums.
func (m *Manager) QueueSnapshot() QueueSnapshot {
	snap := QueueSnapshot{
		Timestamp:   time.Now(),
		Connections: make(map[string][]QueueStat),
	}

	totals := make(map[string]*QueueStat)
	var order []string
	for _, conn := range m.snapshot() {
		stats := conn.QueueStats()
		snap.Connections[conn.ID] = stats
		for _, s := range stats {
			t, ok := totals[s.Name]
			if !ok {
				t = &QueueStat{Name: s.Name}
				totals[s.Name] = t
				order = append(order, s.Name)
			}
			t.Current += s.Current
			t.Capacity += s.Capacity
		}
	}
	for _, name := range order {
		snap.Totals = append(snap.Totals, *totals[name])
	}
	return snap
}

// Close closes one connection. It reports whether the id was known.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	conn, exists := m.connections[id]
	delete(m.connections, id)
	m.mu.Unlock()

	if !exists {
		return false
	}

	if err := conn.Close(); err != nil {
		m.logger.Warn("connection closed with error",
			slog.String("connection_id", id),
			slog.String("error", err.Error()))
	}
	return true
}

// Stop closes every connection, waits for their segments to be delivered
// and stops the cleanup routine.
func (m *Manager) Stop() {
	m.logger.Info("Stopping connection manager...")

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Close()
		}(conn)
	}
	wg.Wait()

	// Consumers finish delivering flushed segments before sinks go away.
	m.consumers.Wait()

	// Cancel context to stop cleanup routine
	m.cancel()
	<-m.cleanup

	m.logger.Info("Connection manager stopped",
		slog.Int("closed_connections", len(conns)),
		slog.Int64("decoder_workers", decoder.ActiveWorkers()))
}

// consume delivers one connection's segments to every sink and unregisters
// the connection once its segment queue closes.
func (m *Manager) consume(conn *Connection) {
	defer m.consumers.Done()

	for seg := range conn.Segments() {
		m.mu.RLock()
		sinks := m.sinks
		m.mu.RUnlock()

		for _, s := range sinks {
			err := s.sink.HandleSegment(m.ctx, conn.ID, seg)
			m.metrics.RecordSegmentDelivered(s.name, err)
			if err != nil {
				m.logger.Error("segment sink failed",
					slog.String("connection_id", conn.ID),
					slog.String("sink", s.name),
					slog.String("segment_id", seg.ID),
					slog.String("error", err.Error()))
			}
		}
	}

	m.mu.Lock()
	if m.connections[conn.ID] == conn {
		delete(m.connections, conn.ID)
	}
	count := len(m.connections)
	m.mu.Unlock()

	m.metrics.RecordConnectionClosed(time.Since(conn.StartTime).Seconds())
	m.metrics.SetActiveConnections(count)
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	return conns
}

// startCleanupRoutine runs in a separate goroutine to close idle connections
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Connection cleanup routine started",
		slog.Duration("idle_timeout", m.cfg.IdleTimeout),
		slog.Duration("check_interval", m.cfg.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Connection cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupIdleConnections()
			m.updateGauges()
		}
	}
}

// cleanupIdleConnections closes connections that have been silent too long
func (m *Manager) cleanupIdleConnections() {
	now := time.Now()
	var idle []string

	for _, conn := range m.snapshot() {
		if now.Sub(conn.LastActivity()) > m.cfg.IdleTimeout {
			idle = append(idle, conn.ID)
		}
	}

	if len(idle) > 0 {
		m.logger.Info("Closing idle connections",
			slog.Int("idle_count", len(idle)),
		)

		for _, id := range idle {
			m.Close(id)
		}
	}
}

func (m *Manager) updateGauges() {
	m.metrics.SetDecoderWorkers(decoder.ActiveWorkers())
	for _, total := range m.QueueSnapshot().Totals {
		m.metrics.SetQueueDepth(total.Name, total.Current)
	}
}

// instrumentedDetector times every detector call.
type instrumentedDetector struct {
	det     vad.Detector
	metrics *metrics.Metrics
}

func (d *instrumentedDetector) Detect(chunk vad.Chunk, state *vad.State) ([]vad.Event, error) {
	start := time.Now()
	events, err := d.det.Detect(chunk, state)
	d.metrics.RecordDetect(time.Since(start).Seconds(), err != nil)
	return events, err
}
