package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/skypro1111/kiosk-audio-service/internal/errors"
	"github.com/skypro1111/kiosk-audio-service/internal/vad"
)

// AssemblerConfig configures a segment assembler.
type AssemblerConfig struct {
	ConnectionID    string
	SampleRate      int
	ChunkSizeMs     int
	HistoryDuration time.Duration
	SafetyMargin    time.Duration
	ChunkQueueSize  int
}

// ChunkStride returns the number of samples per detector chunk.
func (c AssemblerConfig) ChunkStride() int {
	return c.SampleRate * c.ChunkSizeMs / 1000
}

// MaxRetentionSamples returns the history ring capacity.
func (c AssemblerConfig) MaxRetentionSamples() int {
	return int(int64(c.HistoryDuration) * int64(c.SampleRate) / int64(time.Second))
}

func (c AssemblerConfig) marginSamples() int64 {
	return int64(c.SafetyMargin) * int64(c.SampleRate) / int64(time.Second)
}

// Validate checks that the configuration describes a usable assembler.
func (c AssemblerConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.ChunkStride() < 1 {
		return fmt.Errorf("chunk of %d ms at %d Hz has no samples", c.ChunkSizeMs, c.SampleRate)
	}
	if c.MaxRetentionSamples() < c.ChunkStride() {
		return fmt.Errorf("history (%s) must hold at least one chunk (%d ms)", c.HistoryDuration, c.ChunkSizeMs)
	}
	if c.SafetyMargin < 0 || c.SafetyMargin >= c.HistoryDuration {
		return fmt.Errorf("safety margin %s must be in [0, %s)", c.SafetyMargin, c.HistoryDuration)
	}
	if c.ChunkQueueSize < 1 {
		return fmt.Errorf("chunk queue size must be at least 1, got %d", c.ChunkQueueSize)
	}
	return nil
}

// Observer receives assembler events, typically to update metrics.
type Observer interface {
	ChunkQueued()
	ChunkDropped()
	HistoryOverflow(samples int)
	SegmentEmitted(seg AudioSegment)
	SegmentDropped(reason apperrors.Code)
}

type nopObserver struct{}

func (nopObserver) ChunkQueued() {}
func (nopObserver) ChunkDropped() {}
func (nopObserver) HistoryOverflow(int) {}
func (nopObserver) SegmentEmitted(AudioSegment) {}
func (nopObserver) SegmentDropped(apperrors.Code) {}

// Assembler rechunks PCM for the detector and rebuilds finalized segments
// from its boundary events using a bounded history of recent audio.
//
// Append runs on the append stage; ProcessOne and ProcessResult run on the
// detect stage. The detector state is only touched from the detect stage.
type Assembler struct {
	cfg      AssemblerConfig
	stride   int
	margin   int64
	detector vad.Detector
	state    *vad.State
	logger   *slog.Logger
	observer Observer

	chunks chan vad.Chunk

	mu           sync.Mutex
	ingestion    []int16
	ingestOffset int64
	history      *HistoryBuffer
	pending      bool
	pendingStart int64 // ms

	totalSamplesProcessed atomic.Int64
	chunksQueued          atomic.Uint64
	chunksDropped         atomic.Uint64
	samplesEvicted        atomic.Uint64
	segmentsEmitted       atomic.Uint64
	segmentsDropped       atomic.Uint64
	forcedCloses          atomic.Uint64
}

// AssemblerStats represents assembler statistics for monitoring.
type AssemblerStats struct {
	ChunkStride           int    `json:"chunk_stride"`
	ChunkQueueLen         int    `json:"chunk_queue_len"`
	ChunkQueueCap         int    `json:"chunk_queue_cap"`
	ChunksQueued          uint64 `json:"chunks_queued"`
	ChunksDropped         uint64 `json:"chunks_dropped"`
	HistoryHead           int64  `json:"history_head_index"`
	HistoryLen            int    `json:"history_samples"`
	HistoryCap            int    `json:"history_capacity"`
	SamplesEvicted        uint64 `json:"samples_evicted"`
	TotalSamplesProcessed int64  `json:"total_samples_processed"`
	SegmentsEmitted       uint64 `json:"segments_emitted"`
	SegmentsDropped       uint64 `json:"segments_dropped"`
	ForcedCloses          uint64 `json:"forced_closes"`
	Pending               bool   `json:"pending"`
	PendingStartMs        int64  `json:"pending_start_ms,omitempty"`
}

// NewAssembler creates an assembler feeding det with a connection's state.
// observer may be nil.
func NewAssembler(cfg AssemblerConfig, det vad.Detector, state *vad.State, logger *slog.Logger, observer Observer) (*Assembler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if det == nil || state == nil {
		return nil, fmt.Errorf("detector and detector state are required")
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Assembler{
		cfg:      cfg,
		stride:   cfg.ChunkStride(),
		margin:   cfg.marginSamples(),
		detector: det,
		state:    state,
		logger:   logger.With(slog.String("component", "assembler"), slog.String("connection_id", cfg.ConnectionID)),
		observer: observer,
		chunks:   make(chan vad.Chunk, cfg.ChunkQueueSize),
		history:  NewHistoryBuffer(cfg.MaxRetentionSamples()),
	}, nil
}

// Append stores a decoded frame in history and queues every complete chunk
// for the detector. It never blocks: a chunk that does not fit in the queue
// is dropped.
func (a *Assembler) Append(frame PCMFrame) {
	if len(frame.Samples) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if evicted := a.history.Append(frame.Samples); evicted > 0 {
		a.samplesEvicted.Add(uint64(evicted))
		a.observer.HistoryOverflow(evicted)
		a.logger.Warn("history buffer full, evicting oldest audio",
			slog.Int("evicted_samples", evicted),
			slog.Int64("head_index", a.history.Head()),
			slog.Int("retained_samples", a.history.Len()),
			slog.Bool("pending", a.pending))
	}

	a.ingestion = append(a.ingestion, frame.Samples...)

	consumed := 0
	for len(a.ingestion)-consumed >= a.stride {
		chunk := vad.Chunk{
			Samples: make([]int16, a.stride),
			Offset:  a.ingestOffset,
		}
		copy(chunk.Samples, a.ingestion[consumed:consumed+a.stride])
		consumed += a.stride
		a.ingestOffset += int64(a.stride)

		select {
		case a.chunks <- chunk:
			a.chunksQueued.Add(1)
			a.observer.ChunkQueued()
		default:
			a.chunksDropped.Add(1)
			a.observer.ChunkDropped()
			err := apperrors.New(apperrors.CodeChunkQueueOverflow, "chunk queue full").
				WithMetadata("capacity", cap(a.chunks))
			a.logger.Warn("dropping chunk",
				slog.String("error", err.Error()),
				slog.Int64("offset", chunk.Offset),
				slog.Int64("offset_ms", a.toMs(chunk.Offset)),
				slog.Uint64("dropped_total", a.chunksDropped.Load()))
		}
	}

	if consumed > 0 {
		n := copy(a.ingestion, a.ingestion[consumed:])
		a.ingestion = a.ingestion[:n]
	}
}

// ProcessOne waits for the next chunk, runs the detector on it and returns
// the resulting events.
func (a *Assembler) ProcessOne(ctx context.Context) ([]vad.Event, error) {
	var chunk vad.Chunk
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk = <-a.chunks:
	}

	events, err := a.detector.Detect(chunk, a.state)
	a.totalSamplesProcessed.Add(int64(len(chunk.Samples)))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDetectorFailure, "detector failed").
			WithMetadata("offset_ms", a.toMs(chunk.Offset))
	}
	return events, nil
}

// ResetDetector clears the detector state. Call it from the detect stage only.
func (a *Assembler) ResetDetector() {
	a.state.Reset()
}

// ProcessResult applies boundary events and returns every segment they
// finalize, in order.
func (a *Assembler) ProcessResult(events []vad.Event) []AudioSegment {
	if len(events) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var segments []AudioSegment
	for _, ev := range events {
		switch e := ev.(type) {
		case vad.Open:
			if a.pending {
				a.logger.Warn("segment opened while another is pending, closing the pending one",
					slog.Int64("pending_start_ms", a.pendingStart),
					slog.Int64("start_ms", e.StartMs))
				a.forcedCloses.Add(1)
				segments = a.appendExtracted(segments, a.pendingStart, e.StartMs)
			}
			a.pending = true
			a.pendingStart = e.StartMs

		case vad.Close:
			if !a.pending {
				a.logger.Debug("close without an open segment, ignoring", slog.Int64("end_ms", e.EndMs))
				continue
			}
			a.pending = false
			segments = a.appendExtracted(segments, a.pendingStart, e.EndMs)
			a.trimWithMargin(e.EndMs)

		case vad.Instant:
			if a.pending {
				a.logger.Warn("instant segment while another is pending, closing the pending one",
					slog.Int64("pending_start_ms", a.pendingStart),
					slog.Int64("start_ms", e.StartMs))
				a.forcedCloses.Add(1)
				a.pending = false
				segments = a.appendExtracted(segments, a.pendingStart, e.StartMs)
			}
			segments = a.appendExtracted(segments, e.StartMs, e.EndMs)
			a.trimWithMargin(e.EndMs)

		default:
			a.logger.Error("unknown boundary event", slog.String("event", fmt.Sprintf("%T", ev)))
		}
	}

	return segments
}

// Flush closes a pending segment at the end of the retained audio.
func (a *Assembler) Flush() (AudioSegment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.pending {
		return AudioSegment{}, false
	}
	a.pending = false

	endMs := a.toMs(a.history.End())
	a.logger.Info("flushing pending segment",
		slog.Int64("start_ms", a.pendingStart),
		slog.Int64("end_ms", endMs))

	segments := a.appendExtracted(nil, a.pendingStart, endMs)
	if len(segments) == 0 {
		return AudioSegment{}, false
	}
	return segments[0], true
}

// appendExtracted copies [startMs, endMs) out of history and appends the
// segment to segments. Ranges that cannot be served are logged and dropped.
func (a *Assembler) appendExtracted(segments []AudioSegment, startMs, endMs int64) []AudioSegment {
	from, to := a.toSample(startMs), a.toSample(endMs)

	if from >= to {
		a.drop(apperrors.New(apperrors.CodeEmptySegment, "empty segment range"), startMs, endMs)
		return segments
	}

	if from < a.history.Head() {
		a.drop(apperrors.New(apperrors.CodeHistoryUnderflow, "segment predates retained history"), startMs, endMs)
		return segments
	}

	if end := a.history.End(); to > end {
		a.logger.Warn("segment ends beyond retained audio, clamping",
			slog.Int64("end_ms", endMs),
			slog.Int64("end_sample", to),
			slog.Int64("history_end", end))
		to = end
		endMs = a.toMs(end)
		if from >= to {
			a.drop(apperrors.New(apperrors.CodeEmptySegment, "empty segment after clamping"), startMs, endMs)
			return segments
		}
	}

	samples, err := a.history.Slice(from, to)
	if err != nil {
		a.drop(apperrors.Wrap(err, apperrors.CodeHistoryUnderflow, "history slice failed"), startMs, endMs)
		return segments
	}

	seg := AudioSegment{
		ID:           uuid.NewString(),
		ConnectionID: a.cfg.ConnectionID,
		StartMs:      startMs,
		EndMs:        endMs,
		SampleRate:   a.cfg.SampleRate,
		Samples:      samples,
		CreatedAt:    time.Now(),
	}

	a.segmentsEmitted.Add(1)
	a.observer.SegmentEmitted(seg)
	a.logger.Info("segment finalized",
		slog.String("segment_id", seg.ID),
		slog.Int64("start_ms", startMs),
		slog.Int64("end_ms", endMs),
		slog.Int("samples", len(samples)))

	return append(segments, seg)
}

func (a *Assembler) drop(err *apperrors.AppError, startMs, endMs int64) {
	a.segmentsDropped.Add(1)
	a.observer.SegmentDropped(err.Code)
	a.logger.Warn("dropping segment",
		slog.String("error", err.Error()),
		slog.Int64("start_ms", startMs),
		slog.Int64("end_ms", endMs),
		slog.Int64("head_index", a.history.Head()),
		slog.Int64("head_ms", a.toMs(a.history.Head())),
		slog.Int("retained_samples", a.history.Len()))
}

// trimWithMargin releases history older than endMs minus the safety margin.
func (a *Assembler) trimWithMargin(endMs int64) {
	target := a.toSample(endMs) - a.margin
	if n := a.history.TrimTo(target); n > 0 {
		a.logger.Debug("trimmed history",
			slog.Int("samples", n),
			slog.Int64("head_index", a.history.Head()))
	}
}

func (a *Assembler) toSample(ms int64) int64 {
	return ms * int64(a.cfg.SampleRate) / 1000
}

func (a *Assembler) toMs(sample int64) int64 {
	return sample * 1000 / int64(a.cfg.SampleRate)
}

// ChunkQueue returns the current depth and capacity of the chunk queue.
func (a *Assembler) ChunkQueue() (int, int) {
	return len(a.chunks), cap(a.chunks)
}

// TotalSamplesProcessed returns the number of samples the detector has seen.
func (a *Assembler) TotalSamplesProcessed() int64 {
	return a.totalSamplesProcessed.Load()
}

// GetStats returns current assembler statistics.
func (a *Assembler) GetStats() AssemblerStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := AssemblerStats{
		ChunkStride:           a.stride,
		ChunkQueueLen:         len(a.chunks),
		ChunkQueueCap:         cap(a.chunks),
		ChunksQueued:          a.chunksQueued.Load(),
		ChunksDropped:         a.chunksDropped.Load(),
		HistoryHead:           a.history.Head(),
		HistoryLen:            a.history.Len(),
		HistoryCap:            a.history.Cap(),
		SamplesEvicted:        a.samplesEvicted.Load(),
		TotalSamplesProcessed: a.totalSamplesProcessed.Load(),
		SegmentsEmitted:       a.segmentsEmitted.Load(),
		SegmentsDropped:       a.segmentsDropped.Load(),
		ForcedCloses:          a.forcedCloses.Load(),
		Pending:               a.pending,
	}
	if a.pending {
		stats.PendingStartMs = a.pendingStart
	}
	return stats
}
