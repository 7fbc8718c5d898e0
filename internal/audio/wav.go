package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const wavHeaderSize = 44

// wavHeader is the canonical 44-byte PCM WAV header.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// WAVInfo describes decoded WAV data.
type WAVInfo struct {
	SampleRate    int     `json:"sample_rate"`
	Channels      int     `json:"channels"`
	BitsPerSample int     `json:"bits_per_sample"`
	NumSamples    int     `json:"num_samples"`
	Duration      float64 `json:"duration_seconds"`
}

// WriteWAV writes interleaved 16-bit samples as a PCM WAV stream.
func WriteWAV(w io.Writer, samples []int16, sampleRate, channels int) error {
	if len(samples) == 0 {
		return fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels < 1 || channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", channels)
	}
	if len(samples)%channels != 0 {
		return fmt.Errorf("%d samples do not divide into %d channels", len(samples), channels)
	}

	dataSize := uint32(len(samples) * 2)
	blockAlign := uint16(channels * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	return nil
}

// EncodeWAV encodes mono 16-bit samples into an in-memory WAV file.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))
	if err := WriteWAV(buf, samples, sampleRate, 1); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeWAV parses a 16-bit PCM WAV file. Chunks other than "fmt " and
// "data" (LIST, fact, ...) are skipped.
func DecodeWAV(data []byte) ([]int16, WAVInfo, error) {
	var info WAVInfo
	if len(data) < 12 {
		return nil, info, fmt.Errorf("WAV data too short: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, info, fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	}

	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			return nil, info, fmt.Errorf("chunk %q overruns file (%d bytes at %d)", id, size, body)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, info, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			if format := binary.LittleEndian.Uint16(data[body:]); format != 1 {
				return nil, info, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			if info.BitsPerSample != 16 {
				return nil, info, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", info.BitsPerSample)
			}
			if info.Channels < 1 || info.SampleRate <= 0 {
				return nil, info, fmt.Errorf("invalid fmt chunk: %d channels at %d Hz", info.Channels, info.SampleRate)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, info, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			samples := make([]int16, size/2)
			if err := binary.Read(bytes.NewReader(data[body:body+size]), binary.LittleEndian, samples); err != nil {
				return nil, info, fmt.Errorf("failed to read audio samples: %w", err)
			}
			info.NumSamples = len(samples)
			info.Duration = float64(len(samples)/info.Channels) / float64(info.SampleRate)
			return samples, info, nil
		}

		pos = body + size + size%2
	}

	return nil, info, fmt.Errorf("invalid WAV file: missing data chunk")
}
