package transcription

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/kiosk-audio-service/internal/audio"
	"github.com/skypro1111/kiosk-audio-service/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSegment() audio.AudioSegment {
	return audio.AudioSegment{
		ID:           "seg-1",
		ConnectionID: "kiosk-1",
		StartMs:      200,
		EndMs:        600,
		SampleRate:   16000,
		Samples:      make([]int16, 6400),
		CreatedAt:    time.Now(),
	}
}

func newTestClient(t *testing.T, endpoint string, mutate func(*Config), m *metrics.Metrics) *Client {
	t.Helper()
	cfg := Config{
		Endpoint:      endpoint,
		APIKey:        "secret",
		Language:      "uk",
		Timeout:       2 * time.Second,
		MaxRetries:    2,
		MaxConcurrent: 2,
		BackoffBase:   time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, testLogger(), m)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	_, err := NewClient(Config{}, nil, nil)
	assert.Error(t, err)
}

func TestTranscribeSendsWAVAndFields(t *testing.T) {
	var (
		mu     sync.Mutex
		fields map[string]string
		wav    []byte
		auth   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)

		mu.Lock()
		auth = r.Header.Get("Authorization")
		wav = data
		fields = map[string]string{"filename": header.Filename}
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{"text": "hello", "language": "uk"})
	}))
	defer srv.Close()

	m := metrics.NewMetrics(prometheus.NewRegistry())
	c := newTestClient(t, srv.URL, nil, m)
	resp, err := c.Transcribe(context.Background(), "kiosk-1", testSegment())
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, "seg-1", resp.SegmentID)
	assert.Equal(t, "kiosk-1", resp.ConnectionID)
	assert.InDelta(t, 0.4, resp.Duration, 1e-9)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "seg-1.wav", fields["filename"])
	assert.Equal(t, "200", fields["start_ms"])
	assert.Equal(t, "600", fields["end_ms"])
	assert.Equal(t, "16000", fields["sample_rate"])
	assert.Equal(t, "uk", fields["language"])

	samples, info, err := audio.DecodeWAV(wav)
	require.NoError(t, err)
	assert.Len(t, samples, 6400)
	assert.Equal(t, 16000, info.SampleRate)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.TranscriptionRequests))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TranscriptionSuccesses))
}

func TestTranscribeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, nil)
	resp, err := c.Transcribe(context.Background(), "kiosk-1", testSegment())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(3), calls.Load())

	stats := c.GetStats()
	assert.Equal(t, uint64(2), stats.TotalRetries)
	assert.Equal(t, uint64(1), stats.SuccessRequests)
}

func TestTranscribeDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, nil)
	_, err := c.Transcribe(context.Background(), "kiosk-1", testSegment())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP error 400")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), c.GetStats().FailedRequests)
}

func TestTranscribeTextFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("  plain transcript\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.OutputFormat = "text" }, nil)
	resp, err := c.Transcribe(context.Background(), "kiosk-1", testSegment())
	require.NoError(t, err)
	assert.Equal(t, "plain transcript", resp.Text)
}

func TestTranscribeRejectsEmptySegment(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", nil, nil)
	seg := testSegment()
	seg.Samples = nil
	_, err := c.Transcribe(context.Background(), "kiosk-1", seg)
	assert.Error(t, err)
}

func TestHandleSegmentBoundsConcurrency(t *testing.T) {
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, nil)

	var results sync.WaitGroup
	results.Add(3)
	var texts sync.Map
	c.OnResult(func(connID string, seg audio.AudioSegment, resp *Response, err error) {
		defer results.Done()
		if assert.NoError(t, err) {
			texts.Store(seg.ID, resp.Text)
		}
	})

	for _, id := range []string{"a", "b"} {
		seg := testSegment()
		seg.ID = id
		require.NoError(t, c.HandleSegment(context.Background(), "kiosk-1", seg))
	}

	// Both slots are busy, so the third segment blocks until ctx expires.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	seg := testSegment()
	seg.ID = "c"
	assert.ErrorIs(t, c.HandleSegment(ctx, "kiosk-1", seg), context.DeadlineExceeded)

	close(release)
	require.NoError(t, c.HandleSegment(context.Background(), "kiosk-1", seg))
	results.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	for _, id := range []string{"a", "b", "c"} {
		text, ok := texts.Load(id)
		assert.True(t, ok, id)
		assert.Equal(t, "ok", text)
	}
}

func TestCloseWaitsForInflight(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"text":"late"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, nil)
	var got atomic.Value
	c.OnResult(func(_ string, _ audio.AudioSegment, resp *Response, err error) {
		if err == nil {
			got.Store(resp.Text)
		}
	})
	require.NoError(t, c.HandleSegment(context.Background(), "kiosk-1", testSegment()))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, "late", got.Load())
}

func TestBackoffIsCapped(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", func(cfg *Config) { cfg.BackoffBase = time.Second }, nil)
	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 4*time.Second, c.backoff(3))
	assert.Equal(t, maxBackoff, c.backoff(10))
	assert.Equal(t, maxBackoff, c.backoff(80))
}
