package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/kiosk-audio-service/internal/audio"
	"github.com/skypro1111/kiosk-audio-service/internal/decoder"
	apperrors "github.com/skypro1111/kiosk-audio-service/internal/errors"
	"github.com/skypro1111/kiosk-audio-service/internal/vad"
)

const (
	testRate   = 16000
	testStride = 3200 // 200ms at 16kHz

	speechLevel int16 = 1000
	failLevel   int16 = -7
)

var corruptInput = []byte("corrupt!")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		SampleRate:       testRate,
		ChunkSizeMs:      200,
		HistoryDuration:  30 * time.Second,
		SafetyMargin:     time.Second,
		RawQueueSize:     8,
		PCMQueueSize:     8,
		ChunkQueueSize:   16,
		SegmentQueueSize: 4,
		Decoder: decoder.Config{
			SampleRate:      testRate,
			Channels:        1,
			SampleFormat:    "s16",
			InputQueueSize:  8,
			OutputQueueSize: 8,
			JoinTimeout:     400 * time.Millisecond,
		},
		ResetOnDetectorError: true,
		FlushTimeout:         200 * time.Millisecond,
	}
}

// pcmBytes encodes n samples of value as s16le.
func pcmBytes(value int16, n int) []byte {
	buf := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(value))
	}
	return buf
}

func chunkBytes(levels ...int16) []byte {
	var buf []byte
	for _, level := range levels {
		buf = append(buf, pcmBytes(level, testStride)...)
	}
	return buf
}

// pcmDecoder treats its input as raw s16le mono PCM. Feeding corruptInput
// stops it with a terminal error.
type pcmDecoder struct {
	cfg decoder.Config

	in   chan []byte
	out  chan audio.PCMFrame
	eof  chan struct{}
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
	leak      bool
	block     chan struct{}

	mu      sync.Mutex
	err     error
	pending []byte
	fed     atomic.Uint64
}

func newPCMDecoder(cfg decoder.Config, _ *slog.Logger) (decoder.Decoder, error) {
	return startPCMDecoder(cfg, false, nil), nil
}

func startPCMDecoder(cfg decoder.Config, leak bool, block chan struct{}) *pcmDecoder {
	d := &pcmDecoder{
		cfg:   cfg,
		in:    make(chan []byte, cfg.InputQueueSize),
		out:   make(chan audio.PCMFrame, cfg.OutputQueueSize),
		eof:   make(chan struct{}),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		leak:  leak,
		block: block,
	}
	go d.run()
	return d
}

func (d *pcmDecoder) run() {
	defer close(d.done)
	defer close(d.out)

	for {
		select {
		case b := <-d.in:
			if !d.process(b) {
				return
			}
		case <-d.eof:
			for {
				select {
				case b := <-d.in:
					if !d.process(b) {
						return
					}
				default:
					return
				}
			}
		case <-d.quit:
			return
		}
	}
}

func (d *pcmDecoder) process(b []byte) bool {
	if bytes.Equal(b, corruptInput) {
		d.mu.Lock()
		d.err = apperrors.New(apperrors.CodeTerminalDecode, "corrupt input")
		d.mu.Unlock()
		return false
	}

	data := append(d.pending, b...)
	n := len(data) / 2
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	d.pending = append([]byte(nil), data[2*n:]...)
	if n == 0 {
		return true
	}

	select {
	case d.out <- audio.PCMFrame{Samples: samples, SampleRate: d.cfg.SampleRate, Channels: 1}:
		return true
	case <-d.quit:
		return false
	}
}

func (d *pcmDecoder) Feed(ctx context.Context, b []byte) error {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-d.eof:
		return decoder.ErrDecoderClosed
	default:
	}
	select {
	case d.in <- append([]byte(nil), b...):
		d.fed.Add(uint64(len(b)))
		return nil
	case <-d.done:
		if err := d.Err(); err != nil {
			return err
		}
		return decoder.ErrDecoderClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *pcmDecoder) NextFrame() (audio.PCMFrame, bool) {
	select {
	case f, ok := <-d.out:
		return f, ok
	default:
		return audio.PCMFrame{}, false
	}
}

func (d *pcmDecoder) Frames() <-chan audio.PCMFrame { return d.out }

func (d *pcmDecoder) Done() <-chan struct{} { return d.done }

func (d *pcmDecoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *pcmDecoder) Close() error {
	d.closeOnce.Do(func() {
		close(d.eof)
		if d.leak {
			d.closeErr = apperrors.New(apperrors.CodeDecoderLeak, "decode worker did not exit")
			close(d.quit)
			return
		}
		select {
		case <-d.done:
		case <-time.After(d.cfg.JoinTimeout / 2):
			close(d.quit)
			<-d.done
		}
	})
	return d.closeErr
}

func (d *pcmDecoder) Stats() decoder.Stats {
	return decoder.Stats{
		BytesFed:       d.fed.Load(),
		InputQueueLen:  len(d.in),
		InputQueueCap:  cap(d.in),
		OutputQueueLen: len(d.out),
		OutputQueueCap: cap(d.out),
	}
}

// levelDetector calls a chunk speech when its first sample is non-zero.
// Segments open and close on chunk boundaries; failLevel makes Detect fail.
type levelDetector struct {
	mu       sync.Mutex
	inSpeech map[*vad.State]bool
	calls    atomic.Int64
}

func newLevelDetector() *levelDetector {
	return &levelDetector{inSpeech: make(map[*vad.State]bool)}
}

func (d *levelDetector) Detect(chunk vad.Chunk, state *vad.State) ([]vad.Event, error) {
	d.calls.Add(1)
	if len(chunk.Samples) == 0 {
		return nil, nil
	}
	if chunk.Samples[0] == failLevel {
		return nil, fmt.Errorf("model failure at offset %d", chunk.Offset)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ms := chunk.Offset * 1000 / testRate
	speech := chunk.Samples[0] != 0
	switch {
	case speech && !d.inSpeech[state]:
		d.inSpeech[state] = true
		return []vad.Event{vad.Open{StartMs: ms}}, nil
	case !speech && d.inSpeech[state]:
		d.inSpeech[state] = false
		return []vad.Event{vad.Close{EndMs: ms}}, nil
	}
	return nil, nil
}

func newTestConnection(t *testing.T, cfg ConnectionConfig, factory DecoderFactory) *Connection {
	t.Helper()
	if factory == nil {
		factory = newPCMDecoder
	}
	conn, err := NewConnection("kiosk-1", "127.0.0.1:5000", cfg, Dependencies{
		Detector:   newLevelDetector(),
		NewDecoder: factory,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func nextSegment(t *testing.T, segments <-chan audio.AudioSegment) audio.AudioSegment {
	t.Helper()
	select {
	case seg, ok := <-segments:
		if !ok {
			t.Fatal("segment queue closed")
		}
		return seg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a segment")
	}
	return audio.AudioSegment{}
}

func collectSegments(t *testing.T, segments <-chan audio.AudioSegment) []audio.AudioSegment {
	t.Helper()
	var out []audio.AudioSegment
	timeout := time.After(2 * time.Second)
	for {
		select {
		case seg, ok := <-segments:
			if !ok {
				return out
			}
			out = append(out, seg)
		case <-timeout:
			t.Fatal("segment queue was not closed")
		}
	}
}
