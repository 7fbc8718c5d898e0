package sink

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/skypro1111/kiosk-audio-service/internal/audio"
)

// WAVSink writes every segment to <dir>/<connection>/<start>-<end>-<id>.wav.
type WAVSink struct {
	dir    string
	logger *slog.Logger

	written atomic.Uint64
}

// NewWAVSink creates dir if needed.
func NewWAVSink(dir string, logger *slog.Logger) (*WAVSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("segment directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WAVSink{
		dir:    dir,
		logger: logger.With(slog.String("component", "wav_sink")),
	}, nil
}

// Path returns where seg of connectionID is written.
func (s *WAVSink) Path(connectionID string, seg audio.AudioSegment) string {
	name := fmt.Sprintf("%d-%d-%s.wav", seg.StartMs, seg.EndMs, safeName(seg.ID))
	return filepath.Join(s.dir, safeName(connectionID), name)
}

// HandleSegment writes seg. The file appears under its final name only
// once it is complete.
func (s *WAVSink) HandleSegment(_ context.Context, connectionID string, seg audio.AudioSegment) error {
	path := s.Path(connectionID, seg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create connection directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".segment-*.wav")
	if err != nil {
		return fmt.Errorf("failed to create segment file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := audio.WriteWAV(w, seg.Samples, seg.SampleRate, 1); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write segment file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close segment file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to finalize segment file: %w", err)
	}

	s.written.Add(1)

	s.logger.Debug("Segment saved",
		slog.String("connection_id", connectionID),
		slog.String("segment_id", seg.ID),
		slog.String("path", path))
	return nil
}

// Written returns the number of files written so far.
func (s *WAVSink) Written() uint64 {
	return s.written.Load()
}

// safeName maps an identifier to a single path element.
func safeName(id string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
	if name == "" || strings.Trim(name, ".") == "" {
		return "_"
	}
	return name
}
