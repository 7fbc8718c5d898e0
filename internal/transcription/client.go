package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/skypro1111/kiosk-audio-service/internal/audio"
	"github.com/skypro1111/kiosk-audio-service/internal/metrics"
)

const maxBackoff = 30 * time.Second

// Config contains transcription client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Language      string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	OutputFormat  string // "json" or "text"

	// BackoffBase is the delay before the first retry. It doubles on every
	// further attempt up to 30s.
	BackoffBase time.Duration
}

// Response is the transcription API result for one segment.
type Response struct {
	SegmentID    string    `json:"segment_id"`
	ConnectionID string    `json:"connection_id"`
	Text         string    `json:"text"`
	Language     string    `json:"language,omitempty"`
	Duration     float64   `json:"duration"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// ResultFunc receives the outcome of an asynchronous transcription.
// Exactly one of resp and err is non-nil.
type ResultFunc func(connectionID string, seg audio.AudioSegment, resp *Response, err error)

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int64         `json:"active_requests"`
	MaxConcurrent   int           `json:"max_concurrent"`
}

// statusError is a non-2xx answer from the API.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// Client posts finalized segments as WAV files to a transcription API.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	sem        *semaphore.Weighted

	onResult ResultFunc

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	active   atomic.Int64

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// NewClient creates a new transcription HTTP client
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.OutputFormat == "" {
		config.OutputFormat = "json"
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: config.MaxConcurrent,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "transcription")),
		metrics:    m,
		sem:        semaphore.NewWeighted(int64(config.MaxConcurrent)),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// OnResult sets the callback for transcriptions started by HandleSegment.
// It must be called before the client receives segments.
func (c *Client) OnResult(fn ResultFunc) {
	c.onResult = fn
}

// HandleSegment starts transcribing seg in the background. It blocks while
// MaxConcurrent requests are already in flight.
func (c *Client) HandleSegment(ctx context.Context, connectionID string, seg audio.AudioSegment) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer c.sem.Release(1)

		resp, err := c.transcribe(c.ctx, connectionID, seg)
		if err != nil {
			c.logger.Error("Segment transcription failed",
				slog.String("connection_id", connectionID),
				slog.String("segment_id", seg.ID),
				slog.String("error", err.Error()))
		} else {
			c.logger.Info("Segment transcribed",
				slog.String("connection_id", connectionID),
				slog.String("segment_id", seg.ID),
				slog.Int("text_length", len(resp.Text)))
		}
		if c.onResult != nil {
			c.onResult(connectionID, seg, resp, err)
		}
	}()
	return nil
}

// Transcribe sends one segment and waits for the result.
func (c *Client) Transcribe(ctx context.Context, connectionID string, seg audio.AudioSegment) (*Response, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	return c.transcribe(ctx, connectionID, seg)
}

func (c *Client) transcribe(ctx context.Context, connectionID string, seg audio.AudioSegment) (*Response, error) {
	c.active.Add(1)
	defer c.active.Add(-1)

	wav, err := audio.EncodeWAV(seg.Samples, seg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode segment: %w", err)
	}

	startTime := time.Now()
	c.incrementTotalRequests()
	c.metrics.RecordTranscriptionRequest()
	requestID := uuid.NewString()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordTranscriptionRetry()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return nil, c.fail(startTime, ctx.Err())
			}
		}

		resp, err := c.doRequest(ctx, requestID, connectionID, seg, wav)
		if err == nil {
			elapsed := time.Since(startTime)
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(elapsed)
			c.metrics.RecordTranscriptionSuccess(elapsed.Seconds())
			return resp, nil
		}

		lastErr = err
		if !isRetryableError(ctx, err) {
			break
		}

		c.logger.Warn("Transcription attempt failed",
			slog.String("connection_id", connectionID),
			slog.String("segment_id", seg.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	return nil, c.fail(startTime, fmt.Errorf("transcription failed after %d attempts: %w", c.config.MaxRetries+1, lastErr))
}

func (c *Client) fail(startTime time.Time, err error) error {
	c.incrementFailedRequests()
	c.metrics.RecordTranscriptionFailure(time.Since(startTime).Seconds())
	return err
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.BackoffBase << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// doRequest performs a single HTTP request to the transcription API
func (c *Client) doRequest(ctx context.Context, requestID, connectionID string, seg audio.AudioSegment, wav []byte) (*Response, error) {
	body, contentType, err := c.createMultipartRequest(requestID, connectionID, seg, wav)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Kiosk-Audio-Service/1.0")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	result := Response{
		SegmentID:    seg.ID,
		ConnectionID: connectionID,
		Duration:     seg.Duration().Seconds(),
	}
	if c.config.OutputFormat == "text" {
		result.Text = string(bytes.TrimSpace(respBody))
	} else if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if result.SegmentID == "" {
		result.SegmentID = seg.ID
	}
	if result.ConnectionID == "" {
		result.ConnectionID = connectionID
	}
	result.ProcessedAt = time.Now()

	return &result, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(requestID, connectionID string, seg audio.AudioSegment, wav []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", seg.ID+".wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"request_id", requestID},
		{"segment_id", seg.ID},
		{"connection_id", connectionID},
		{"start_ms", strconv.FormatInt(seg.StartMs, 10)},
		{"end_ms", strconv.FormatInt(seg.EndMs, 10)},
		{"sample_rate", strconv.Itoa(seg.SampleRate)},
		{"duration", fmt.Sprintf("%.3f", seg.Duration().Seconds())},
		{"created_at", seg.CreatedAt.UTC().Format(time.RFC3339Nano)},
		{"response_format", c.config.OutputFormat},
	}
	if c.config.Language != "" {
		fields = append(fields, [2]string{"language", c.config.Language})
	}

	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError reports whether another attempt can succeed: server
// errors, rate limiting and network failures are retried while ctx is live.
func isRetryableError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  c.active.Load(),
		MaxConcurrent:   c.config.MaxConcurrent,
	}
}

// Close waits for background transcriptions to finish. Requests still
// running when ctx ends are cancelled.
func (c *Client) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
