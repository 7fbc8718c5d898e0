package vad

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// EnergyConfig configures an EnergyDetector.
type EnergyConfig struct {
	SampleRate       int
	FrameMs          int
	Threshold        float64 // normalized RMS that counts as speech
	SilenceThreshold float64 // normalized RMS that counts as silence
	MinSpeechMs      int
	MinSilenceMs     int
	MaxSegmentMs     int // 0 disables the limit
}

// EnergyDetector is an RMS energy detector with hysteresis. Quiet frames
// must persist for MinSilenceMs before a segment closes, and loud frames for
// MinSpeechMs before it opens. The open timestamp points back at the first
// loud frame, so Open events can predate the chunk that carries them.
type EnergyDetector struct {
	sampleRate   int
	frameSamples int
	minSpeech    int // frames
	minSilence   int // frames
	maxSegment   int64

	mu               sync.RWMutex
	threshold        float64
	silenceThreshold float64

	totalChunks  atomic.Uint64
	totalFrames  atomic.Uint64
	speechFrames atomic.Uint64
	events       atomic.Uint64
	lastDetectNs atomic.Int64
}

// EnergyStats represents detector statistics across all connections.
type EnergyStats struct {
	Model            string    `json:"model"`
	SampleRate       int       `json:"sample_rate"`
	FrameSamples     int       `json:"frame_samples"`
	Threshold        float64   `json:"threshold"`
	SilenceThreshold float64   `json:"silence_threshold"`
	TotalChunks      uint64    `json:"total_chunks"`
	TotalFrames      uint64    `json:"total_frames"`
	SpeechFrames     uint64    `json:"speech_frames"`
	SpeechPercentage float64   `json:"speech_percentage"`
	EventsEmitted    uint64    `json:"events_emitted"`
	LastDetect       time.Time `json:"last_detect"`
}

// NewEnergyDetector creates a detector from cfg.
func NewEnergyDetector(cfg EnergyConfig) (*EnergyDetector, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameMs <= 0 {
		return nil, fmt.Errorf("frame duration must be positive, got %d", cfg.FrameMs)
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be in (0, 1], got %f", cfg.Threshold)
	}
	if cfg.SilenceThreshold <= 0 || cfg.SilenceThreshold > cfg.Threshold {
		return nil, fmt.Errorf("silence threshold must be in (0, %f], got %f", cfg.Threshold, cfg.SilenceThreshold)
	}

	frameSamples := cfg.SampleRate * cfg.FrameMs / 1000
	if frameSamples == 0 {
		return nil, fmt.Errorf("frame of %d ms at %d Hz has no samples", cfg.FrameMs, cfg.SampleRate)
	}

	return &EnergyDetector{
		sampleRate:       cfg.SampleRate,
		frameSamples:     frameSamples,
		minSpeech:        max(1, cfg.MinSpeechMs/cfg.FrameMs),
		minSilence:       max(1, cfg.MinSilenceMs/cfg.FrameMs),
		maxSegment:       int64(cfg.MaxSegmentMs) * int64(cfg.SampleRate) / 1000,
		threshold:        cfg.Threshold,
		silenceThreshold: cfg.SilenceThreshold,
	}, nil
}

// Detect processes one chunk and returns the boundaries it completes.
func (d *EnergyDetector) Detect(chunk Chunk, state *State) ([]Event, error) {
	if state == nil {
		return nil, fmt.Errorf("detector state is nil")
	}

	d.mu.RLock()
	speechLevel, silenceLevel := d.threshold, d.silenceThreshold
	d.mu.RUnlock()

	// A gap means chunks were dropped upstream. Partial frames from before
	// the gap are not contiguous with this chunk.
	if chunk.Offset != state.next {
		state.remainder = state.remainder[:0]
	}
	state.next = chunk.Offset + int64(len(chunk.Samples))
	state.chunks++
	d.totalChunks.Add(1)

	base := chunk.Offset - int64(len(state.remainder))
	samples := chunk.Samples
	if len(state.remainder) > 0 {
		samples = append(state.remainder, chunk.Samples...)
	}

	var events []Event
	pos := 0
	for ; pos+d.frameSamples <= len(samples); pos += d.frameSamples {
		frameStart := base + int64(pos)
		level := rms(samples[pos : pos+d.frameSamples])
		d.totalFrames.Add(1)

		if !state.inSpeech {
			if level < speechLevel {
				state.speechCount = 0
				continue
			}
			if state.speechCount == 0 {
				state.candidateStart = frameStart
			}
			state.speechCount++
			if state.speechCount >= d.minSpeech {
				state.inSpeech = true
				state.speechCount = 0
				state.silenceCount = 0
				state.openStart = state.candidateStart
				events = append(events, Open{StartMs: d.toMs(state.openStart)})
			}
			continue
		}

		d.speechFrames.Add(1)
		frameEnd := frameStart + int64(d.frameSamples)

		if level < silenceLevel {
			if state.silenceCount == 0 {
				state.silenceStart = frameStart
			}
			state.silenceCount++
			if state.silenceCount >= d.minSilence {
				state.inSpeech = false
				state.silenceCount = 0
				events = closeEvent(events, d.toMs(state.silenceStart))
			}
			continue
		}
		state.silenceCount = 0

		if d.maxSegment > 0 && frameEnd-state.openStart >= d.maxSegment {
			events = closeEvent(events, d.toMs(frameEnd))
			state.openStart = frameEnd
			events = append(events, Open{StartMs: d.toMs(frameEnd)})
		}
	}

	state.remainder = append(state.remainder[:0], samples[pos:]...)
	d.events.Add(uint64(len(events)))
	d.lastDetectNs.Store(time.Now().UnixNano())

	return events, nil
}

// closeEvent appends a Close, folding it into an Instant when the segment
// opened within the same call.
func closeEvent(events []Event, endMs int64) []Event {
	if n := len(events); n > 0 {
		if open, ok := events[n-1].(Open); ok {
			events[n-1] = Instant{StartMs: open.StartMs, EndMs: endMs}
			return events
		}
	}
	return append(events, Close{EndMs: endMs})
}

func (d *EnergyDetector) toMs(sample int64) int64 {
	return sample * 1000 / int64(d.sampleRate)
}

// rms returns the normalized RMS level of pcm in [0, 1].
func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// UpdateThreshold changes both levels for all connections.
func (d *EnergyDetector) UpdateThreshold(threshold, silenceThreshold float64) error {
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %f", threshold)
	}
	if silenceThreshold <= 0 || silenceThreshold > threshold {
		return fmt.Errorf("silence threshold must be in (0, %f], got %f", threshold, silenceThreshold)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.threshold = threshold
	d.silenceThreshold = silenceThreshold
	return nil
}

// LookbackMs is how far before the reporting chunk an Open can point.
func (d *EnergyDetector) LookbackMs() int64 {
	return d.toMs(int64(d.minSpeech * d.frameSamples))
}

// GetStats returns current detector statistics.
func (d *EnergyDetector) GetStats() EnergyStats {
	d.mu.RLock()
	threshold, silence := d.threshold, d.silenceThreshold
	d.mu.RUnlock()

	total := d.totalFrames.Load()
	speech := d.speechFrames.Load()
	pct := float64(0)
	if total > 0 {
		pct = float64(speech) / float64(total) * 100
	}

	var last time.Time
	if ns := d.lastDetectNs.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}

	return EnergyStats{
		Model:            "energy",
		SampleRate:       d.sampleRate,
		FrameSamples:     d.frameSamples,
		Threshold:        threshold,
		SilenceThreshold: silence,
		TotalChunks:      d.totalChunks.Load(),
		TotalFrames:      total,
		SpeechFrames:     speech,
		SpeechPercentage: pct,
		EventsEmitted:    d.events.Load(),
		LastDetect:       last,
	}
}
