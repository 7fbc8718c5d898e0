package decoder

import (
	"context"
	"fmt"
	"time"

	"github.com/skypro1111/kiosk-audio-service/internal/audio"
	apperrors "github.com/skypro1111/kiosk-audio-service/internal/errors"
)

// ErrDecoderClosed is returned by Feed after Close.
var ErrDecoderClosed = apperrors.New(apperrors.CodeDecoderClosed, "decoder is closed")

// Decoder is an incremental container decoder.
type Decoder interface {
	// Feed hands encoded bytes to the decoder. It blocks while the input
	// queue is full.
	Feed(ctx context.Context, b []byte) error
	// NextFrame returns the next decoded frame without blocking.
	NextFrame() (audio.PCMFrame, bool)
	// Frames exposes the output queue; it is closed when decoding stops.
	Frames() <-chan audio.PCMFrame
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Err returns the terminal error that stopped decoding, if any.
	Err() error
	// Close ends input, flushes buffered audio and stops the worker.
	Close() error
	Stats() Stats
}

// Config describes the canonical output format and queue sizing.
type Config struct {
	SampleRate      int
	Channels        int
	SampleFormat    string
	InputQueueSize  int
	OutputQueueSize int
	JoinTimeout     time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("sample rate must be between 8000 and 48000 Hz, got %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.SampleFormat != "s16" {
		return fmt.Errorf("sample format must be 's16', got '%s'", c.SampleFormat)
	}
	if c.InputQueueSize < 1 || c.OutputQueueSize < 1 {
		return fmt.Errorf("queue sizes must be at least 1, got input=%d output=%d", c.InputQueueSize, c.OutputQueueSize)
	}
	if c.JoinTimeout <= 0 {
		return fmt.Errorf("join timeout must be positive, got %s", c.JoinTimeout)
	}
	return nil
}

// Stats represents decoder statistics for monitoring.
type Stats struct {
	Running         bool   `json:"running"`
	BytesFed        uint64 `json:"bytes_fed"`
	BytesRead       uint64 `json:"bytes_read"`
	Pages           uint64 `json:"pages"`
	PacketsDecoded  uint64 `json:"packets_decoded"`
	TransientErrors uint64 `json:"transient_errors"`
	FramesEmitted   uint64 `json:"frames_emitted"`
	SamplesEmitted  uint64 `json:"samples_emitted"`
	SourceRate      int    `json:"source_rate,omitempty"`
	SourceChannels  int    `json:"source_channels,omitempty"`
	DecodeRate      int    `json:"decode_rate,omitempty"`
	InputQueueLen   int    `json:"input_queue_len"`
	InputQueueCap   int    `json:"input_queue_cap"`
	OutputQueueLen  int    `json:"output_queue_len"`
	OutputQueueCap  int    `json:"output_queue_cap"`
	TerminalError   string `json:"terminal_error,omitempty"`
}
