package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/kiosk-audio-service/internal/audio"
	"github.com/skypro1111/kiosk-audio-service/internal/decoder"
	apperrors "github.com/skypro1111/kiosk-audio-service/internal/errors"
	"github.com/skypro1111/kiosk-audio-service/internal/metrics"
	"github.com/skypro1111/kiosk-audio-service/internal/vad"
)

// Queue names reported by QueueStats.
const (
	QueueRawBytes      = "raw_bytes"
	QueueDecoderInput  = "decoder_input"
	QueueDecoderOutput = "decoder_output"
	QueuePCM           = "pcm"
	QueueChunks        = "chunks"
	QueueSegments      = "segments"
)

// ConnectionConfig sizes one connection's pipeline.
type ConnectionConfig struct {
	SampleRate      int
	ChunkSizeMs     int
	HistoryDuration time.Duration
	SafetyMargin    time.Duration

	RawQueueSize     int
	PCMQueueSize     int
	ChunkQueueSize   int
	SegmentQueueSize int

	Decoder decoder.Config

	// ResetOnDetectorError clears the detector state after a failed call.
	ResetOnDetectorError bool
	// FlushTimeout bounds delivery of the segment flushed on close.
	FlushTimeout time.Duration
}

// Validate checks the queue sizes; the assembler and decoder validate the rest.
func (c ConnectionConfig) Validate() error {
	if c.RawQueueSize < 1 || c.PCMQueueSize < 1 || c.SegmentQueueSize < 1 {
		return fmt.Errorf("queue sizes must be at least 1, got raw=%d pcm=%d segments=%d",
			c.RawQueueSize, c.PCMQueueSize, c.SegmentQueueSize)
	}
	if c.Decoder.SampleRate != c.SampleRate {
		return fmt.Errorf("decoder rate %d does not match pipeline rate %d", c.Decoder.SampleRate, c.SampleRate)
	}
	if c.Decoder.Channels != 1 {
		return fmt.Errorf("segment assembly needs mono audio, decoder produces %d channels", c.Decoder.Channels)
	}
	return nil
}

// DecoderFactory builds the decoder for a new connection.
type DecoderFactory func(cfg decoder.Config, logger *slog.Logger) (decoder.Decoder, error)

// NewOggOpusDecoder is the default DecoderFactory.
func NewOggOpusDecoder(cfg decoder.Config, logger *slog.Logger) (decoder.Decoder, error) {
	return decoder.NewOggOpus(cfg, logger)
}

// Dependencies are the collaborators a connection shares with the process.
type Dependencies struct {
	Detector   vad.Detector
	NewDecoder DecoderFactory
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// QueueStat is the depth of one pipeline queue.
type QueueStat struct {
	Name     string `json:"name"`
	Current  int    `json:"current"`
	Capacity int    `json:"capacity"`
}

// ConnectionInfo represents connection state for monitoring and APIs.
type ConnectionInfo struct {
	ID               string               `json:"connection_id"`
	Remote           string               `json:"remote"`
	Transport        string               `json:"transport"`
	StartTime        time.Time            `json:"start_time"`
	LastActivity     time.Time            `json:"last_activity"`
	Duration         time.Duration        `json:"duration"`
	BytesReceived    uint64               `json:"bytes_received"`
	FramesDecoded    uint64               `json:"frames_decoded"`
	SegmentsEmitted  uint64               `json:"segments_emitted"`
	DetectorFailures uint64               `json:"detector_failures"`
	Closed           bool                 `json:"closed"`
	Error            string               `json:"error,omitempty"`
	Decoder          decoder.Stats        `json:"decoder"`
	Assembler        audio.AssemblerStats `json:"assembler"`
	Queues           []QueueStat          `json:"queues"`
}

// Connection is the per-client pipeline: raw bytes are decoded to PCM,
// chunked, run through the detector and assembled into segments. Three
// stages (decode, append, detect) connect the pieces through bounded
// queues. The decode stage is two loops, one feeding the decoder and one
// draining it, so a full decoder output never stalls the feed.
type Connection struct {
	ID        string
	Remote    string
	Transport string
	StartTime time.Time

	cfg     ConnectionConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	dec decoder.Decoder
	asm *audio.Assembler

	raw      chan []byte
	pcm      chan audio.PCMFrame
	segments chan audio.AudioSegment

	inputDone  chan struct{}
	inputOnce  sync.Once
	appendDone chan struct{}

	cancel    context.CancelFunc
	stageCtx  context.Context
	closeOnce sync.Once
	done      chan struct{}

	mu           sync.RWMutex
	lastActivity time.Time
	err          error

	bytesReceived    atomic.Uint64
	framesDecoded    atomic.Uint64
	segmentsEmitted  atomic.Uint64
	detectorFailures atomic.Uint64
}

// NewConnection builds the pipeline for one client and starts its stages.
func NewConnection(id, remote string, cfg ConnectionConfig, deps Dependencies) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if deps.NewDecoder == nil {
		deps.NewDecoder = NewOggOpusDecoder
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = time.Second
	}

	logger := deps.Logger.With(slog.String("connection_id", id))

	asm, err := audio.NewAssembler(audio.AssemblerConfig{
		ConnectionID:    id,
		SampleRate:      cfg.SampleRate,
		ChunkSizeMs:     cfg.ChunkSizeMs,
		HistoryDuration: cfg.HistoryDuration,
		SafetyMargin:    cfg.SafetyMargin,
		ChunkQueueSize:  cfg.ChunkQueueSize,
	}, deps.Detector, vad.NewState(), deps.Logger, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create assembler: %w", err)
	}

	dec, err := deps.NewDecoder(cfg.Decoder, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	now := time.Now()
	c := &Connection{
		ID:           id,
		Remote:       remote,
		StartTime:    now,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "connection")),
		metrics:      deps.Metrics,
		dec:          dec,
		asm:          asm,
		raw:          make(chan []byte, cfg.RawQueueSize),
		pcm:          make(chan audio.PCMFrame, cfg.PCMQueueSize),
		segments:     make(chan audio.AudioSegment, cfg.SegmentQueueSize),
		inputDone:    make(chan struct{}),
		appendDone:   make(chan struct{}),
		cancel:       cancel,
		stageCtx:     gctx,
		done:         make(chan struct{}),
		lastActivity: now,
	}

	g.Go(func() error { return c.feedStage(gctx) })
	g.Go(func() error { return c.drainStage(gctx) })
	g.Go(func() error { return c.appendStage(gctx) })
	g.Go(func() error { return c.detectStage(gctx) })

	go func() {
		c.finish(g.Wait())
	}()

	c.logger.Info("connection opened", slog.String("remote", remote))
	return c, nil
}

// Push queues encoded bytes for decoding. It blocks while the raw queue is
// full and takes ownership of b.
func (c *Connection) Push(ctx context.Context, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := c.closedErr(); err != nil {
		return err
	}

	select {
	case c.raw <- b:
		// EndInput may have won the race and the feed stage may already
		// have drained the queue for the last time.
		if err := c.closedErr(); err != nil {
			return err
		}
		c.bytesReceived.Add(uint64(len(b)))
		c.touch()
		return nil
	case <-c.inputDone:
		return c.closedErr()
	case <-c.stageCtx.Done():
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EndInput marks the end of the client's byte stream. Queued audio is still
// decoded and assembled; the connection finishes on its own once the
// pipeline drains.
func (c *Connection) EndInput() {
	c.inputOnce.Do(func() {
		close(c.inputDone)
		c.logger.Debug("end of input", slog.Uint64("bytes_received", c.bytesReceived.Load()))
	})
}

// Segments returns the finalized segment queue. It is closed after the
// connection shuts down.
func (c *Connection) Segments() <-chan audio.AudioSegment {
	return c.segments
}

// Done is closed once the pipeline has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that tore the pipeline down, if any.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Close stops every stage, closes the decoder, flushes a pending segment and
// closes the segment queue. It is safe to call more than once and from any
// goroutine.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
	})
	<-c.done
	return c.Err()
}

// LastActivity returns the time of the last accepted Push.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// QueueStats reports the depth of every queue in the pipeline.
func (c *Connection) QueueStats() []QueueStat {
	decStats := c.dec.Stats()
	chunkLen, chunkCap := c.asm.ChunkQueue()

	return []QueueStat{
		{Name: QueueRawBytes, Current: len(c.raw), Capacity: cap(c.raw)},
		{Name: QueueDecoderInput, Current: decStats.InputQueueLen, Capacity: decStats.InputQueueCap},
		{Name: QueueDecoderOutput, Current: decStats.OutputQueueLen, Capacity: decStats.OutputQueueCap},
		{Name: QueuePCM, Current: len(c.pcm), Capacity: cap(c.pcm)},
		{Name: QueueChunks, Current: chunkLen, Capacity: chunkCap},
		{Name: QueueSegments, Current: len(c.segments), Capacity: cap(c.segments)},
	}
}

// Info returns a snapshot for monitoring.
func (c *Connection) Info() ConnectionInfo {
	c.mu.RLock()
	lastActivity := c.lastActivity
	stageErr := c.err
	c.mu.RUnlock()

	info := ConnectionInfo{
		ID:               c.ID,
		Remote:           c.Remote,
		Transport:        c.Transport,
		StartTime:        c.StartTime,
		LastActivity:     lastActivity,
		Duration:         time.Since(c.StartTime),
		BytesReceived:    c.bytesReceived.Load(),
		FramesDecoded:    c.framesDecoded.Load(),
		SegmentsEmitted:  c.segmentsEmitted.Load(),
		DetectorFailures: c.detectorFailures.Load(),
		Decoder:          c.dec.Stats(),
		Assembler:        c.asm.GetStats(),
		Queues:           c.QueueStats(),
	}
	select {
	case <-c.done:
		info.Closed = true
	default:
	}
	if stageErr != nil {
		info.Error = stageErr.Error()
	}
	return info
}

// feedStage moves raw bytes into the decoder. At end of input it closes the
// decoder so the worker flushes and ends its output.
func (c *Connection) feedStage(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case b := <-c.raw:
			if err := c.feed(ctx, b); err != nil {
				return err
			}

		case <-c.inputDone:
		drain:
			for {
				select {
				case b := <-c.raw:
					if err := c.feed(ctx, b); err != nil {
						return err
					}
				default:
					break drain
				}
			}
			if err := c.dec.Close(); err != nil {
				c.logger.Warn("decoder close failed", slog.String("error", err.Error()))
			}
			c.discardLateInput()
			return nil
		}
	}
}

// discardLateInput empties the raw queue after the decoder has been closed.
// Pushes racing EndInput report an error, so the bytes are only logged.
func (c *Connection) discardLateInput() {
	var chunks, bytes int
	for {
		select {
		case b := <-c.raw:
			chunks++
			bytes += len(b)
		default:
			if chunks > 0 {
				c.logger.Warn("discarding audio pushed after end of input",
					slog.Int("chunks", chunks),
					slog.Int("bytes", bytes))
			}
			return
		}
	}
}

func (c *Connection) feed(ctx context.Context, b []byte) error {
	err := c.dec.Feed(ctx, b)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	if apperrors.IsCode(err, apperrors.CodeTerminalDecode) {
		return err
	}
	return apperrors.Wrap(err, apperrors.CodeConnectionClosed, "decoder rejected input")
}

// drainStage forwards decoded frames to the PCM queue. A decoder that stops
// with a terminal error tears the connection down.
func (c *Connection) drainStage(ctx context.Context) error {
	frames := c.dec.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-frames:
			if !ok {
				close(c.pcm)
				if err := c.dec.Err(); err != nil {
					c.metrics.RecordDecoderTermination("terminal")
					return err
				}
				c.metrics.RecordDecoderTermination("eof")
				return nil
			}
			c.framesDecoded.Add(1)

			select {
			case c.pcm <- frame:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// appendStage writes PCM into the assembler.
func (c *Connection) appendStage(ctx context.Context) error {
	defer close(c.appendDone)

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-c.pcm:
			if !ok {
				return nil
			}
			c.asm.Append(frame)
		}
	}
}

// detectStage runs the detector over queued chunks and delivers the
// segments that their events finalize. Once the append stage is done the
// remaining chunks are processed and the stage returns.
func (c *Connection) detectStage(ctx context.Context) error {
	detectCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-c.appendDone:
			stop()
		case <-detectCtx.Done():
		}
	}()

	for {
		events, err := c.asm.ProcessOne(detectCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if detectCtx.Err() != nil {
				return c.drainChunks(ctx)
			}
			c.detectorFailed(err)
			continue
		}
		if !c.deliver(ctx, c.asm.ProcessResult(events)) {
			return nil
		}
	}
}

func (c *Connection) drainChunks(ctx context.Context) error {
	for {
		if n, _ := c.asm.ChunkQueue(); n == 0 {
			return nil
		}
		events, err := c.asm.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.detectorFailed(err)
			continue
		}
		if !c.deliver(ctx, c.asm.ProcessResult(events)) {
			return nil
		}
	}
}

func (c *Connection) detectorFailed(err error) {
	failures := c.detectorFailures.Add(1)
	c.logger.Error("detector call failed",
		slog.String("error", err.Error()),
		slog.Uint64("failures", failures),
		slog.Bool("reset_state", c.cfg.ResetOnDetectorError))
	if c.cfg.ResetOnDetectorError {
		c.asm.ResetDetector()
	}
}

// deliver blocks until every segment is queued. It returns false if the
// connection is stopping.
func (c *Connection) deliver(ctx context.Context, segments []audio.AudioSegment) bool {
	for i, seg := range segments {
		select {
		case c.segments <- seg:
			c.segmentsEmitted.Add(1)
		case <-ctx.Done():
			c.logger.Warn("connection stopping, discarding segments",
				slog.Int("discarded", len(segments)-i),
				slog.String("segment_id", seg.ID))
			return false
		}
	}
	return true
}

// finish runs once after every stage has returned.
func (c *Connection) finish(stageErr error) {
	// Nothing reads decoder output any more; discard it so the worker can exit.
	go func() {
		for range c.dec.Frames() {
		}
	}()

	if err := c.dec.Close(); err != nil {
		c.logger.Warn("decoder did not shut down cleanly", slog.String("error", err.Error()))
		if apperrors.IsCode(err, apperrors.CodeDecoderLeak) {
			c.metrics.RecordDecoderTermination("leak")
			if stageErr == nil {
				stageErr = err
			}
		}
	}

	if seg, ok := c.asm.Flush(); ok {
		timer := time.NewTimer(c.cfg.FlushTimeout)
		select {
		case c.segments <- seg:
			c.segmentsEmitted.Add(1)
		case <-timer.C:
			c.logger.Warn("segment queue full on close, dropping flushed segment",
				slog.String("segment_id", seg.ID),
				slog.Int64("start_ms", seg.StartMs),
				slog.Int64("end_ms", seg.EndMs))
		}
		timer.Stop()
	}
	close(c.segments)

	c.mu.Lock()
	c.err = stageErr
	c.mu.Unlock()
	c.cancel()
	close(c.done)

	attrs := []any{
		slog.Duration("duration", time.Since(c.StartTime)),
		slog.Uint64("bytes_received", c.bytesReceived.Load()),
		slog.Uint64("frames_decoded", c.framesDecoded.Load()),
		slog.Uint64("segments_emitted", c.segmentsEmitted.Load()),
	}
	if stageErr != nil {
		c.logger.Error("connection torn down", append(attrs, slog.String("error", stageErr.Error()))...)
		return
	}
	c.logger.Info("connection closed", attrs...)
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) closedErr() error {
	select {
	case <-c.inputDone:
	case <-c.stageCtx.Done():
	default:
		return nil
	}
	if err := c.Err(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeConnectionClosed, "connection closed").
			WithMetadata("connection_id", c.ID)
	}
	return apperrors.New(apperrors.CodeConnectionClosed, "connection closed").
		WithMetadata("connection_id", c.ID)
}
