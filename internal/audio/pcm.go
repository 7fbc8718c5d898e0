package audio

import "time"

// PCMFrame is a block of decoded samples in the canonical format
// (signed 16-bit, interleaved).
type PCMFrame struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the frame.
func (f PCMFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := len(f.Samples) / f.Channels
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// AudioSegment is a finalized span of speech. The consumer that receives
// it owns Samples.
type AudioSegment struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	StartMs      int64     `json:"start_ms"`
	EndMs        int64     `json:"end_ms"`
	SampleRate   int       `json:"sample_rate"`
	Samples      []int16   `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Duration returns the length of the segment's audio.
func (s AudioSegment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}
