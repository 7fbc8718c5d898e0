package server

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/skypro1111/kiosk-audio-service/internal/config"
)

// IngestStatistics counts traffic seen by one ingest transport.
type IngestStatistics struct {
	Transport           string `json:"transport"`
	Address             string `json:"address"`
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	ActiveSessions      int    `json:"active_sessions"`
	MessagesReceived    uint64 `json:"messages_received"`
	BytesReceived       uint64 `json:"bytes_received"`
	ProtocolErrors      uint64 `json:"protocol_errors"`
	RateLimited         uint64 `json:"rate_limited"`
}

// IngestSource is an ingest transport that reports its counters.
type IngestSource interface {
	GetStatistics() IngestStatistics
}

// ingestCounters is the mutex-guarded counter set shared by the transports.
type ingestCounters struct {
	mu    sync.RWMutex
	stats IngestStatistics
}

func (c *ingestCounters) accepted() {
	c.mu.Lock()
	c.stats.ConnectionsAccepted++
	c.mu.Unlock()
}

func (c *ingestCounters) rejected() {
	c.mu.Lock()
	c.stats.ConnectionsRejected++
	c.mu.Unlock()
}

func (c *ingestCounters) message(n int) {
	c.mu.Lock()
	c.stats.MessagesReceived++
	c.stats.BytesReceived += uint64(n)
	c.mu.Unlock()
}

func (c *ingestCounters) protocolError() {
	c.mu.Lock()
	c.stats.ProtocolErrors++
	c.mu.Unlock()
}

func (c *ingestCounters) rateLimited() {
	c.mu.Lock()
	c.stats.RateLimited++
	c.mu.Unlock()
}

func (c *ingestCounters) snapshot() IngestStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// newMessageLimiter returns the per-connection message rate limiter.
func newMessageLimiter(cfg *config.ServerConfig) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessageBurst)
}

// truncateReason keeps a close reason inside the 123 bytes a WebSocket
// close frame allows.
func truncateReason(reason string) string {
	const maxReason = 123
	if len(reason) > maxReason {
		return reason[:maxReason]
	}
	return reason
}
