package decoder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"

	"github.com/skypro1111/kiosk-audio-service/internal/audio"
	apperrors "github.com/skypro1111/kiosk-audio-service/internal/errors"
)

// activeWorkers counts decode workers that have not exited yet.
var activeWorkers atomic.Int64

// ActiveWorkers returns the number of running decode workers process-wide.
func ActiveWorkers() int64 {
	return activeWorkers.Load()
}

var opusTagsSignature = []byte("OpusTags")

var _ Decoder = (*OggOpus)(nil)

// OggOpus decodes an Ogg stream carrying one Opus track. Pages may hold
// several packets, and a packet may continue across pages.
type OggOpus struct {
	cfg    Config
	logger *slog.Logger

	in   chan []byte
	out  chan audio.PCMFrame
	eof  chan struct{}
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closeErr  error

	bytesFed        atomic.Uint64
	bytesRead       atomic.Uint64
	pages           atomic.Uint64
	packets         atomic.Uint64
	transientErrors atomic.Uint64
	frames          atomic.Uint64
	samples         atomic.Uint64

	mu             sync.RWMutex
	err            error
	sourceRate     int
	sourceChannels int
	decodeRate     int
}

// NewOggOpus validates cfg and starts the decode worker.
func NewOggOpus(cfg Config, logger *slog.Logger) (*OggOpus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &OggOpus{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "decoder")),
		in:     make(chan []byte, cfg.InputQueueSize),
		out:    make(chan audio.PCMFrame, cfg.OutputQueueSize),
		eof:    make(chan struct{}),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	activeWorkers.Add(1)
	go d.run()

	return d, nil
}

// Feed copies b into the input queue.
func (d *OggOpus) Feed(ctx context.Context, b []byte) error {
	if len(b) == 0 {
		return nil
	}

	select {
	case <-d.eof:
		return ErrDecoderClosed
	default:
	}

	buf := make([]byte, len(b))
	copy(buf, b)

	select {
	case d.in <- buf:
		// Close may have won the race; the worker may never read buf.
		select {
		case <-d.eof:
			return ErrDecoderClosed
		default:
		}
		d.bytesFed.Add(uint64(len(b)))
		return nil
	case <-d.eof:
		return ErrDecoderClosed
	case <-d.done:
		if err := d.Err(); err != nil {
			return err
		}
		return ErrDecoderClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextFrame returns a decoded frame if one is ready.
func (d *OggOpus) NextFrame() (audio.PCMFrame, bool) {
	select {
	case f, ok := <-d.out:
		return f, ok
	default:
		return audio.PCMFrame{}, false
	}
}

// Frames returns the output queue.
func (d *OggOpus) Frames() <-chan audio.PCMFrame {
	return d.out
}

// Done is closed when the worker exits.
func (d *OggOpus) Done() <-chan struct{} {
	return d.done
}

// Err returns the error that stopped the worker, or nil.
func (d *OggOpus) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.err
}

// Close signals end of input and waits for the worker. The first half of
// the join timeout lets the worker drain and flush; after that pending
// output is abandoned. If the worker is still alive at the deadline it is
// left behind and an error is returned.
func (d *OggOpus) Close() error {
	d.closeOnce.Do(func() {
		close(d.eof)

		graceful := d.cfg.JoinTimeout / 2
		timer := time.NewTimer(graceful)
		defer timer.Stop()

		select {
		case <-d.done:
			return
		case <-timer.C:
		}

		close(d.quit)
		timer.Reset(d.cfg.JoinTimeout - graceful)

		select {
		case <-d.done:
			d.logger.Warn("decoder output not drained before close, discarding remaining frames",
				slog.Int("output_queue_len", len(d.out)))
		case <-timer.C:
			d.closeErr = apperrors.New(apperrors.CodeDecoderLeak, "decode worker did not exit").
				WithMetadata("join_timeout", d.cfg.JoinTimeout)
			d.logger.Warn("decode worker did not exit within join timeout, leaking it",
				slog.Duration("join_timeout", d.cfg.JoinTimeout),
				slog.Int64("active_workers", ActiveWorkers()))
		}
	})
	return d.closeErr
}

func (d *OggOpus) run() {
	// Opus decoding is cgo; keep it off the threads other goroutines share.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		close(d.out)
		activeWorkers.Add(-1)
		close(d.done)
	}()

	err := d.decode()
	switch {
	case err == nil:
		d.logger.Debug("decoder reached end of input",
			slog.Uint64("packets", d.packets.Load()),
			slog.Uint64("frames", d.frames.Load()))
	case errors.Is(err, errAbandoned):
		d.logger.Debug("decoder abandoned")
	default:
		d.mu.Lock()
		d.err = err
		d.mu.Unlock()
		d.logger.Error("decoding stopped",
			slog.String("error", err.Error()),
			slog.Uint64("bytes_fed", d.bytesFed.Load()),
			slog.Uint64("pages", d.pages.Load()))
	}
}

func (d *OggOpus) decode() error {
	reader := &chanReader{in: d.in, eof: d.eof, quit: d.quit, taken: &d.bytesRead}
	tap := &pageTap{r: reader}

	ogg, header, err := oggreader.NewWith(tap)
	switch {
	case err == nil:
	case errors.Is(err, errAbandoned):
		return err
	case errors.Is(err, io.EOF):
		// Closed before any audio arrived.
		return nil
	default:
		return apperrors.Wrap(err, apperrors.CodeTerminalDecode, "invalid ogg/opus header")
	}

	rate := decodeRateFor(d.cfg.SampleRate)
	dec, err := opus.NewDecoder(rate, d.cfg.Channels)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeTerminalDecode, "failed to create opus decoder")
	}

	d.mu.Lock()
	d.sourceRate = int(header.SampleRate)
	d.sourceChannels = int(header.Channels)
	d.decodeRate = rate
	d.mu.Unlock()

	rs := newResampler(rate, d.cfg.SampleRate, d.cfg.Channels)
	pcm := make([]int16, rate*120/1000*d.cfg.Channels)
	preSkip := int(header.PreSkip) * rate / 48000

	var splitter packetSplitter
	tagsSkipped := false

	for {
		tap.reset()
		payload, _, err := ogg.ParseNextPage()
		if err != nil {
			if errors.Is(err, errAbandoned) {
				return err
			}
			if !d.emit(rs.Flush()) {
				return errAbandoned
			}
			if errors.Is(err, io.EOF) {
				if splitter.pending() {
					return apperrors.New(apperrors.CodeTerminalDecode, "stream ended inside a continued packet").
						WithMetadata("page", d.pages.Load())
				}
				return nil
			}
			return apperrors.Wrap(err, apperrors.CodeTerminalDecode, "ogg demux failed").
				WithMetadata("page", d.pages.Load())
		}
		d.pages.Add(1)

		packets, dropped, err := splitter.split(tap.buf, payload)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeTerminalDecode, "ogg page framing").
				WithMetadata("page", d.pages.Load())
		}
		if dropped > 0 {
			d.transientErrors.Add(uint64(dropped))
			d.logger.Warn("discarding incomplete opus packet",
				slog.Int("fragments", dropped),
				slog.Uint64("page", d.pages.Load()))
		}

		for _, packet := range packets {
			if len(packet) == 0 {
				continue
			}
			if !tagsSkipped && bytes.HasPrefix(packet, opusTagsSignature) {
				tagsSkipped = true
				continue
			}

			n, err := dec.Decode(packet, pcm)
			if err != nil {
				d.transientErrors.Add(1)
				d.logger.Warn("skipping undecodable opus packet",
					slog.String("error", apperrors.Wrap(err, apperrors.CodeTransientDecode, "opus decode").Error()),
					slog.Int("packet_bytes", len(packet)),
					slog.Uint64("page", d.pages.Load()))
				continue
			}
			d.packets.Add(1)

			samples := pcm[:n*d.cfg.Channels]
			if preSkip > 0 {
				skip := min(preSkip, n)
				samples = samples[skip*d.cfg.Channels:]
				preSkip -= skip
			}

			if !d.emit(rs.Resample(samples)) {
				return errAbandoned
			}
		}
	}
}

// emit pushes one frame unless the decoder has been abandoned.
func (d *OggOpus) emit(samples []int16) bool {
	if len(samples) == 0 {
		return true
	}

	frame := audio.PCMFrame{
		Samples:    samples,
		SampleRate: d.cfg.SampleRate,
		Channels:   d.cfg.Channels,
	}

	select {
	case d.out <- frame:
		d.frames.Add(1)
		d.samples.Add(uint64(len(samples)))
		return true
	case <-d.quit:
		return false
	}
}

// Stats returns current decoder statistics.
func (d *OggOpus) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := Stats{
		BytesFed:        d.bytesFed.Load(),
		BytesRead:       d.bytesRead.Load(),
		Pages:           d.pages.Load(),
		PacketsDecoded:  d.packets.Load(),
		TransientErrors: d.transientErrors.Load(),
		FramesEmitted:   d.frames.Load(),
		SamplesEmitted:  d.samples.Load(),
		SourceRate:      d.sourceRate,
		SourceChannels:  d.sourceChannels,
		DecodeRate:      d.decodeRate,
		InputQueueLen:   len(d.in),
		InputQueueCap:   cap(d.in),
		OutputQueueLen:  len(d.out),
		OutputQueueCap:  cap(d.out),
	}

	select {
	case <-d.done:
	default:
		stats.Running = true
	}
	if d.err != nil {
		stats.TerminalError = d.err.Error()
	}
	return stats
}
