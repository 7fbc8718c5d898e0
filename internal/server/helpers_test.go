package server

import (
	"context"
	"encoding/binary"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skypro1111/kiosk-audio-service/internal/audio"
	"github.com/skypro1111/kiosk-audio-service/internal/config"
	"github.com/skypro1111/kiosk-audio-service/internal/decoder"
	"github.com/skypro1111/kiosk-audio-service/internal/metrics"
	"github.com/skypro1111/kiosk-audio-service/internal/stream"
	"github.com/skypro1111/kiosk-audio-service/internal/vad"
)

const testRate = 16000

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testServerConfig() *config.ServerConfig {
	cfg := config.Default().Server
	cfg.BindAddress = "127.0.0.1"
	cfg.WSPort = 0
	cfg.TCPPort = 0
	cfg.TCPEnabled = true
	cfg.MaxConnections = 4
	return &cfg
}

// rawDecoder passes s16le mono input straight through as PCM frames.
type rawDecoder struct {
	rate int

	in   chan []byte
	out  chan audio.PCMFrame
	eof  chan struct{}
	done chan struct{}
	once sync.Once

	pending []byte
}

func newRawDecoder(cfg decoder.Config, _ *slog.Logger) (decoder.Decoder, error) {
	d := &rawDecoder{
		rate: cfg.SampleRate,
		in:   make(chan []byte, cfg.InputQueueSize),
		out:  make(chan audio.PCMFrame, cfg.OutputQueueSize),
		eof:  make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.run()
	return d, nil
}

func (d *rawDecoder) run() {
	defer close(d.done)
	defer close(d.out)

	for {
		select {
		case b := <-d.in:
			d.process(b)
		case <-d.eof:
			for {
				select {
				case b := <-d.in:
					d.process(b)
				default:
					return
				}
			}
		}
	}
}

func (d *rawDecoder) process(b []byte) {
	data := append(d.pending, b...)
	n := len(data) / 2
	d.pending = append([]byte(nil), data[2*n:]...)
	if n == 0 {
		return
	}
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	d.out <- audio.PCMFrame{Samples: samples, SampleRate: d.rate, Channels: 1}
}

func (d *rawDecoder) Feed(ctx context.Context, b []byte) error {
	select {
	case <-d.eof:
		return decoder.ErrDecoderClosed
	default:
	}
	select {
	case d.in <- append([]byte(nil), b...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *rawDecoder) NextFrame() (audio.PCMFrame, bool) {
	select {
	case f, ok := <-d.out:
		return f, ok
	default:
		return audio.PCMFrame{}, false
	}
}

func (d *rawDecoder) Frames() <-chan audio.PCMFrame { return d.out }

func (d *rawDecoder) Done() <-chan struct{} { return d.done }

func (d *rawDecoder) Err() error { return nil }

func (d *rawDecoder) Close() error {
	d.once.Do(func() { close(d.eof) })
	<-d.done
	return nil
}

func (d *rawDecoder) Stats() decoder.Stats {
	return decoder.Stats{
		InputQueueLen:  len(d.in),
		InputQueueCap:  cap(d.in),
		OutputQueueLen: len(d.out),
		OutputQueueCap: cap(d.out),
	}
}

func testDetector(t *testing.T) *vad.EnergyDetector {
	t.Helper()
	det, err := vad.NewEnergyDetector(vad.EnergyConfig{
		SampleRate:       testRate,
		FrameMs:          20,
		Threshold:        0.05,
		SilenceThreshold: 0.02,
		MinSpeechMs:      100,
		MinSilenceMs:     200,
		MaxSegmentMs:     20000,
	})
	require.NoError(t, err)
	return det
}

func newTestManager(t *testing.T, maxConns int, det vad.Detector, m *metrics.Metrics) *stream.Manager {
	t.Helper()
	mgr, err := stream.NewManager(testLogger(), stream.ManagerConfig{
		Connection: stream.ConnectionConfig{
			SampleRate:       testRate,
			ChunkSizeMs:      200,
			HistoryDuration:  30 * time.Second,
			SafetyMargin:     time.Second,
			RawQueueSize:     16,
			PCMQueueSize:     16,
			ChunkQueueSize:   32,
			SegmentQueueSize: 8,
			Decoder: decoder.Config{
				SampleRate:      testRate,
				Channels:        1,
				SampleFormat:    "s16",
				InputQueueSize:  16,
				OutputQueueSize: 16,
				JoinTimeout:     time.Second,
			},
			ResetOnDetectorError: true,
			FlushTimeout:         time.Second,
		},
		MaxConnections:  maxConns,
		IdleTimeout:     time.Minute,
		CleanupInterval: time.Hour,
		NewDecoder:      newRawDecoder,
	}, det, m)
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)
	return mgr
}

// speechPCM is 400ms of silence, 600ms of loud audio and 600ms of silence
// as s16le; the energy detector finds one segment from 400ms to 1000ms.
func speechPCM() []byte {
	const msSamples = testRate / 1000
	var buf []byte
	appendLevel := func(level int16, ms int) {
		for i := 0; i < ms*msSamples; i++ {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(level))
		}
	}
	appendLevel(0, 400)
	appendLevel(8000, 600)
	appendLevel(0, 600)
	return buf
}

// segmentRecorder is a stream.SegmentSink that keeps what it receives.
type segmentRecorder struct {
	mu       sync.Mutex
	segments []audio.AudioSegment
}

func (r *segmentRecorder) HandleSegment(_ context.Context, _ string, seg audio.AudioSegment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, seg)
	return nil
}

func (r *segmentRecorder) list() []audio.AudioSegment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audio.AudioSegment(nil), r.segments...)
}
